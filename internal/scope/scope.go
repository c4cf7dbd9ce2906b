// Package scope describes "what to build": the whole project, a set of
// modules, explicit files, a single file or directory, unions of those, or
// the dependency closure of another scope.
//
// Scope is a tagged union. Each operation is a single switch over Kind so
// the flattening and precedence rules stay in one place.
package scope

import (
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/jward/kiln/internal/workspace"
)

// Kind tags the variant a Scope holds.
type Kind int

const (
	Project Kind = iota
	ModuleSet
	FileSet
	SingleItem
	Composite
	DependencyClosure
)

func (k Kind) String() string {
	switch k {
	case Project:
		return "project"
	case ModuleSet:
		return "modules"
	case FileSet:
		return "files"
	case SingleItem:
		return "item"
	case Composite:
		return "composite"
	case DependencyClosure:
		return "closure"
	}
	return "unknown"
}

// Scope is an immutable build scope.
type Scope struct {
	kind Kind

	// ModuleSet
	modules        []string
	withDependents bool

	// FileSet
	files []string

	// SingleItem
	item      string
	itemIsDir bool

	// Composite
	children []*Scope

	// DependencyClosure
	delegate *Scope

	params map[string]string

	// memo caches workspace-dependent expansions. Shared between copies
	// made by WithParam since parameters never affect membership.
	memo *memo
}

type memo struct {
	mu      sync.Mutex
	ws      *workspace.Workspace
	modules []string
	sets    map[workspace.SourceSet]bool
}

// NewProject returns a scope covering every module in the workspace.
func NewProject() *Scope {
	return &Scope{kind: Project}
}

// NewModules returns a scope covering the named modules. When
// withDependents is set, modules that transitively depend on them are
// included too.
func NewModules(names []string, withDependents bool) *Scope {
	names = slices.Clone(names)
	sort.Strings(names)
	return &Scope{kind: ModuleSet, modules: slices.Compact(names), withDependents: withDependents, memo: &memo{}}
}

// NewFiles returns a scope covering exactly the given files.
func NewFiles(files ...string) *Scope {
	cleaned := make([]string, 0, len(files))
	for _, f := range files {
		cleaned = append(cleaned, clean(f))
	}
	sort.Strings(cleaned)
	return &Scope{kind: FileSet, files: slices.Compact(cleaned)}
}

// NewItem returns a scope for one file, or one directory and everything
// below it.
func NewItem(path string, isDir bool) *Scope {
	return &Scope{kind: SingleItem, item: clean(path), itemIsDir: isDir}
}

// Union returns a composite of the given scopes. Nested composites are
// flattened so no composite-of-composite survives construction. A union of
// a single scope is that scope.
func Union(children ...*Scope) *Scope {
	var flat []*Scope
	params := make(map[string]string)
	for _, c := range children {
		if c == nil {
			continue
		}
		maps.Copy(params, c.params)
		if c.kind == Composite {
			flat = append(flat, c.children...)
			continue
		}
		flat = append(flat, c)
	}
	if len(flat) == 1 && len(params) == len(flat[0].params) {
		return flat[0]
	}
	s := &Scope{kind: Composite, children: flat}
	if len(params) > 0 {
		s.params = params
	}
	return s
}

// Closure wraps delegate so that the transitive dependencies of its
// modules are built as well. A nil delegate is an empty scope.
func Closure(delegate *Scope) *Scope {
	if delegate == nil {
		delegate = Union()
	}
	return &Scope{kind: DependencyClosure, delegate: delegate, params: maps.Clone(delegate.params), memo: &memo{}}
}

// Kind returns the scope's variant.
func (s *Scope) Kind() Kind { return s.kind }

// Children returns the children of a composite scope.
func (s *Scope) Children() []*Scope { return slices.Clone(s.children) }

// Files returns the explicit files of a file-set scope.
func (s *Scope) Files() []string { return slices.Clone(s.files) }

// WithParam returns a copy of s carrying an extra builder parameter.
// Parameters are forwarded verbatim to the build process.
func (s *Scope) WithParam(key, value string) *Scope {
	cp := *s
	cp.params = maps.Clone(s.params)
	if cp.params == nil {
		cp.params = make(map[string]string)
	}
	cp.params[key] = value
	return &cp
}

// BuilderParams returns the builder parameters attached to s.
func (s *Scope) BuilderParams() map[string]string {
	return maps.Clone(s.params)
}

// ExplicitPaths returns the file paths named directly by s: file sets and
// single-file items, through unions. Module and project scopes contribute
// none.
func (s *Scope) ExplicitPaths() []string {
	var out []string
	switch s.kind {
	case FileSet:
		out = append(out, s.files...)
	case SingleItem:
		if !s.itemIsDir {
			out = append(out, s.item)
		}
	case Composite:
		for _, c := range s.children {
			out = append(out, c.ExplicitPaths()...)
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}

func clean(p string) string {
	return filepath.ToSlash(filepath.Clean(p))
}

// Belongs reports whether path is part of the scope.
func (s *Scope) Belongs(ws *workspace.Workspace, path string) bool {
	path = clean(path)
	switch s.kind {
	case Project:
		_, ok := ws.SourceSetForPath(path)
		return ok
	case ModuleSet:
		ss, ok := ws.SourceSetForPath(path)
		if !ok {
			return false
		}
		return slices.Contains(s.moduleNames(ws), ss.Module)
	case FileSet:
		if _, found := slices.BinarySearch(s.files, path); !found {
			return false
		}
		_, err := os.Lstat(path)
		return err == nil
	case SingleItem:
		if s.itemIsDir {
			return path == s.item || strings.HasPrefix(path, s.item+"/")
		}
		return path == s.item
	case Composite:
		for _, c := range s.children {
			if c.Belongs(ws, path) {
				return true
			}
		}
		return false
	case DependencyClosure:
		if s.delegate.Belongs(ws, path) {
			return true
		}
		ss, ok := ws.SourceSetForPath(path)
		if !ok {
			return false
		}
		return s.closureSets(ws)[ss]
	}
	return false
}

// moduleNames resolves a module-set scope to known module names, adding
// transitive dependents when requested.
func (s *Scope) moduleNames(ws *workspace.Workspace) []string {
	s.memo.mu.Lock()
	defer s.memo.mu.Unlock()
	if s.memo.ws == ws && s.memo.modules != nil {
		return s.memo.modules
	}
	s.memo.ws, s.memo.modules = ws, s.expandModules(ws)
	return s.memo.modules
}

func (s *Scope) expandModules(ws *workspace.Workspace) []string {
	known := []string{}
	for _, n := range s.modules {
		if ws.ModuleIndex(n) >= 0 {
			known = append(known, n)
		}
	}
	if !s.withDependents {
		return known
	}
	return walk(ws, known, ws.Dependents)
}

// AffectedModules returns the sorted names of modules the scope touches.
func (s *Scope) AffectedModules(ws *workspace.Workspace) []string {
	seen := make(map[string]bool)
	for _, ss := range s.AffectedSourceSets(ws) {
		seen[ss.Module] = true
	}
	if s.kind == Project || s.kind == ModuleSet {
		// Modules without any source root are still affected.
		var names []string
		if s.kind == Project {
			names = ws.ModuleNames()
		} else {
			names = s.moduleNames(ws)
		}
		for _, n := range names {
			seen[n] = true
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

// AffectedSourceSets returns the (module, kind) pairs the scope touches,
// sorted by module then kind.
func (s *Scope) AffectedSourceSets(ws *workspace.Workspace) []workspace.SourceSet {
	set := make(map[workspace.SourceSet]bool)
	s.collectSourceSets(ws, set)
	out := make([]workspace.SourceSet, 0, len(set))
	for ss := range set {
		out = append(out, ss)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

func allKinds(set map[workspace.SourceSet]bool, module string) {
	for _, k := range workspace.AllKinds {
		set[workspace.SourceSet{Module: module, Kind: k}] = true
	}
}

func (s *Scope) collectSourceSets(ws *workspace.Workspace, set map[workspace.SourceSet]bool) {
	switch s.kind {
	case Project:
		for _, n := range ws.ModuleNames() {
			allKinds(set, n)
		}
	case ModuleSet:
		for _, n := range s.moduleNames(ws) {
			allKinds(set, n)
		}
	case FileSet:
		for _, f := range s.files {
			if ss, ok := ws.SourceSetForPath(f); ok {
				set[ss] = true
			}
		}
	case SingleItem:
		if ss, ok := ws.SourceSetForPath(s.item); ok {
			set[ss] = true
		}
		if s.itemIsDir {
			// Source roots nested inside the directory are affected too.
			for _, m := range ws.Modules {
				for _, r := range m.SourceRoots {
					if r.Path == s.item || strings.HasPrefix(r.Path, s.item+"/") {
						set[workspace.SourceSet{Module: m.Name, Kind: r.Kind}] = true
					}
				}
			}
		}
	case Composite:
		for _, c := range s.children {
			c.collectSourceSets(ws, set)
		}
	case DependencyClosure:
		for ss := range s.closureSets(ws) {
			set[ss] = true
		}
	}
}

// closureSets expands a dependency-closure scope: the delegate's source
// sets plus production and resources of every transitive dependency.
func (s *Scope) closureSets(ws *workspace.Workspace) map[workspace.SourceSet]bool {
	s.memo.mu.Lock()
	defer s.memo.mu.Unlock()
	if s.memo.ws == ws && s.memo.sets != nil {
		return s.memo.sets
	}

	sets := make(map[workspace.SourceSet]bool)
	s.delegate.collectSourceSets(ws, sets)
	var roots []string
	for ss := range sets {
		roots = append(roots, ss.Module)
	}
	if s.delegate.kind == Project || s.delegate.kind == ModuleSet {
		roots = append(roots, s.delegate.AffectedModules(ws)...)
	}
	sort.Strings(roots)
	roots = slices.Compact(roots)
	for _, dep := range walk(ws, roots, dependenciesOf(ws)) {
		if _, found := slices.BinarySearch(roots, dep); found {
			continue
		}
		sets[workspace.SourceSet{Module: dep, Kind: workspace.Production}] = true
		sets[workspace.SourceSet{Module: dep, Kind: workspace.Resources}] = true
	}
	s.memo.ws, s.memo.sets = ws, sets
	return sets
}

func dependenciesOf(ws *workspace.Workspace) func(string) []string {
	return func(name string) []string {
		m, err := ws.Module(name)
		if err != nil {
			return nil
		}
		return m.Dependencies
	}
}

// walk returns the sorted transitive closure of start under next. The
// traversal is iterative over the workspace module arena and tracks
// visited modules in a bitset, so dependency cycles terminate.
func walk(ws *workspace.Workspace, start []string, next func(string) []string) []string {
	visited := bitset.New(uint(len(ws.Modules)))
	var stack []int
	for _, n := range start {
		if i := ws.ModuleIndex(n); i >= 0 && !visited.Test(uint(i)) {
			visited.Set(uint(i))
			stack = append(stack, i)
		}
	}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, n := range next(ws.Modules[i].Name) {
			j := ws.ModuleIndex(n)
			if j < 0 || visited.Test(uint(j)) {
				continue
			}
			visited.Set(uint(j))
			stack = append(stack, j)
		}
	}
	out := make([]string, 0, visited.Count())
	for i, ok := visited.NextSet(0); ok; i, ok = visited.NextSet(i + 1) {
		out = append(out, ws.Modules[i].Name)
	}
	sort.Strings(out)
	return out
}
