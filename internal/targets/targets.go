// Package targets turns a build scope into wire-level target-scope
// requests and merges requests contributed by auxiliary providers.
package targets

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/jward/kiln/internal/scope"
	"github.com/jward/kiln/internal/workspace"
)

// Request instructs the build process to build targets of one type. A
// request either covers all targets of the type or names them explicitly;
// never both.
type Request struct {
	TypeID     string   `json:"typeId"`
	ForceBuild bool     `json:"forceBuild"`
	AllTargets bool     `json:"allTargets"`
	TargetIDs  []string `json:"targetIds,omitempty"`
}

// All returns an all-targets request for typeID.
func All(typeID string, force bool) Request {
	return Request{TypeID: typeID, ForceBuild: force, AllTargets: true}
}

// Explicit returns a request naming ids of typeID.
func Explicit(typeID string, force bool, ids ...string) Request {
	return Request{TypeID: typeID, ForceBuild: force, TargetIDs: sortedIDs(ids)}
}

func sortedIDs(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// Equal reports whether two normalized requests are the same.
func (r Request) Equal(o Request) bool {
	return r.TypeID == o.TypeID && r.ForceBuild == o.ForceBuild &&
		r.AllTargets == o.AllTargets && slices.Equal(r.TargetIDs, o.TargetIDs)
}

func (r Request) normalize() Request {
	if r.AllTargets {
		r.TargetIDs = nil
		return r
	}
	r.TargetIDs = sortedIDs(r.TargetIDs)
	return r
}

// ForScope computes the requests covering s. When the scope touches every
// module of the workspace in all source set kinds, one all-targets request
// per type replaces the explicit id lists. isRebuild forces every request.
func ForScope(ws *workspace.Workspace, s *scope.Scope, forceBuild, isRebuild bool) []Request {
	force := forceBuild || isRebuild
	sets := s.AffectedSourceSets(ws)

	byType := make(map[workspace.SourceSetKind][]string)
	for _, ss := range sets {
		byType[ss.Kind] = append(byType[ss.Kind], ss.Module)
	}

	if coversWorkspace(ws, s, byType) {
		out := make([]Request, 0, len(workspace.AllKinds))
		for _, k := range workspace.AllKinds {
			out = append(out, All(k.TypeID(), force))
		}
		return sortRequests(out)
	}

	out := make([]Request, 0, len(byType))
	for kind, ids := range byType {
		out = append(out, Explicit(kind.TypeID(), force, ids...))
	}
	return sortRequests(out)
}

func coversWorkspace(ws *workspace.Workspace, s *scope.Scope, byType map[workspace.SourceSetKind][]string) bool {
	if len(ws.Modules) == 0 {
		return false
	}
	for _, k := range workspace.AllKinds {
		if len(byType[k]) == 0 {
			return false
		}
	}
	return len(s.AffectedModules(ws)) == len(ws.Modules)
}

func sortRequests(rs []Request) []Request {
	slices.SortFunc(rs, func(a, b Request) int { return cmp.Compare(a.TypeID, b.TypeID) })
	return rs
}

// Merge combines two request lists per type id. It is commutative and
// idempotent, and an all-targets forced request absorbs anything merged
// into it. The result is sorted by type id.
func Merge(a, b []Request) []Request {
	byType := make(map[string]Request, len(a)+len(b))
	for _, r := range slices.Concat(a, b) {
		r = r.normalize()
		if prev, ok := byType[r.TypeID]; ok {
			r = mergeOne(prev, r)
		}
		byType[r.TypeID] = r
	}
	return sortRequests(slices.Collect(maps.Values(byType)))
}

func mergeOne(x, y Request) Request {
	switch {
	case x.AllTargets && (x.ForceBuild || !y.ForceBuild):
		return x
	case y.AllTargets && (y.ForceBuild || !x.ForceBuild):
		return y
	case x.AllTargets || y.AllTargets:
		return All(x.TypeID, true)
	}
	return Request{
		TypeID:     x.TypeID,
		ForceBuild: x.ForceBuild || y.ForceBuild,
		TargetIDs:  sortedIDs(slices.Concat(x.TargetIDs, y.TargetIDs)),
	}
}

// Provider contributes extra requests for a scope, for example companion
// targets that must be built alongside the selected ones.
type Provider interface {
	AdditionalScopes(ctx context.Context, s *scope.Scope, forceBuild bool) ([]Request, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, s *scope.Scope, forceBuild bool) ([]Request, error)

func (f ProviderFunc) AdditionalScopes(ctx context.Context, s *scope.Scope, forceBuild bool) ([]Request, error) {
	return f(ctx, s, forceBuild)
}

// Companion returns a provider that requests type to for every target
// selected with type from. Resources built next to production code use it.
func Companion(ws *workspace.Workspace, from, to workspace.SourceSetKind) Provider {
	return ProviderFunc(func(_ context.Context, s *scope.Scope, forceBuild bool) ([]Request, error) {
		var out []Request
		for _, r := range ForScope(ws, s, forceBuild, false) {
			if r.TypeID != from.TypeID() {
				continue
			}
			r.TypeID = to.TypeID()
			out = append(out, r)
		}
		return out, nil
	})
}

// Builder combines the base requests for a scope with those of registered
// providers.
type Builder struct {
	ws        *workspace.Workspace
	providers []Provider
}

// NewBuilder returns a Builder over ws.
func NewBuilder(ws *workspace.Workspace, providers ...Provider) *Builder {
	return &Builder{ws: ws, providers: providers}
}

// Build returns the merged requests for s. Scopes naming explicit paths
// skip the providers unless the build is a rebuild; those paths are sent
// to the build process on their own.
func (b *Builder) Build(ctx context.Context, s *scope.Scope, forceBuild, isRebuild bool) ([]Request, error) {
	requests := ForScope(b.ws, s, forceBuild, isRebuild)
	if len(s.ExplicitPaths()) > 0 && !isRebuild {
		return requests, nil
	}
	for i, p := range b.providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		extra, err := p.AdditionalScopes(ctx, s, forceBuild || isRebuild)
		if err != nil {
			return nil, fmt.Errorf("targets: provider %d: %w", i, err)
		}
		requests = Merge(requests, extra)
	}
	return requests, nil
}
