package changes

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jward/kiln/internal/logger"
	"github.com/jward/kiln/internal/paths"
)

// EventKind classifies a raw filesystem event.
type EventKind int

const (
	Created EventKind = iota
	ContentChanged
	Deleted
	Moved
	Renamed
)

func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case ContentChanged:
		return "content-changed"
	case Deleted:
		return "deleted"
	case Moved:
		return "moved"
	case Renamed:
		return "renamed"
	}
	return "unknown"
}

// Event is one raw filesystem notification. OldPath is set for moves and
// renames.
type Event struct {
	Kind    EventKind
	Path    string
	OldPath string
	IsDir   bool
}

// Filter decides which paths are never tracked. *workspace.Workspace
// satisfies it.
type Filter interface {
	IsIgnored(path string) bool
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *logger.Logger) SessionOption {
	return func(s *Session) { s.log = l.WithComponent("changes") }
}

// WithWorkers bounds the number of directories expanded in parallel by
// Resolve.
func WithWorkers(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.workers = n
		}
	}
}

// Session accumulates one batch of filesystem events. All methods are safe
// for concurrent use: the event-delivery goroutine mutates it while a
// background goroutine resolves deferred events.
type Session struct {
	in      *paths.Interner
	filter  Filter
	log     *logger.Logger
	workers int

	mu         sync.Mutex
	changed    paths.Set
	deleted    paths.Set
	deferred   []Event
	walked     []paths.ID
	incomplete bool
}

// NewSession returns an empty session interning paths through in.
func NewSession(in *paths.Interner, filter Filter, opts ...SessionOption) *Session {
	s := &Session{
		in:      in,
		filter:  filter,
		log:     logger.Discard(),
		workers: runtime.NumCPU(),
		changed: make(paths.Set),
		deleted: make(paths.Set),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) ignored(p string) bool {
	return s.filter != nil && s.filter.IsIgnored(p)
}

// Before captures the part of a batch that must be recorded before the
// change is applied: deletions and the sources of moves and renames, plus
// content changes of paths that still resolve to a live file. Creations
// and move destinations are left for After.
func (s *Session) Before(events []Event) error {
	for _, ev := range events {
		var err error
		switch ev.Kind {
		case Deleted:
			err = s.AddDeleted(ev.Path)
		case Moved, Renamed:
			if ev.OldPath != "" {
				err = s.AddDeleted(ev.OldPath)
			}
		case ContentChanged:
			if info, statErr := os.Lstat(ev.Path); statErr == nil && !info.IsDir() {
				err = s.AddChanged(ev.Path)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// After records the events that can only be resolved once the change is
// visible on disk. They are expanded by Resolve.
func (s *Session) After(events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incomplete {
		return ErrIncomplete
	}
	for _, ev := range events {
		switch ev.Kind {
		case Created, Moved, Renamed:
			if !s.ignored(ev.Path) {
				s.deferred = append(s.deferred, ev)
			}
		}
	}
	return nil
}

// Resolve expands deferred events into changed files. Directories are
// walked once per session, in parallel, and the walk stops when ctx is
// cancelled or the session becomes incomplete.
func (s *Session) Resolve(ctx context.Context) error {
	s.mu.Lock()
	pending := s.deferred
	s.deferred = nil
	s.mu.Unlock()

	var dirs []paths.ID
	for _, ev := range pending {
		info, err := os.Lstat(ev.Path)
		if err != nil {
			// Gone again before we got to it.
			continue
		}
		if !info.IsDir() {
			if err := s.AddChanged(ev.Path); err != nil {
				return err
			}
			continue
		}
		dirs = append(dirs, s.in.Intern(ev.Path))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, id := range s.claim(dirs) {
		dir := s.in.Path(id)
		g.Go(func() error { return s.walk(ctx, dir) })
	}
	return g.Wait()
}

// claim returns the directories not yet covered by an earlier walk, with
// nested directories folded into their outermost ancestor.
func (s *Session) claim(dirs []paths.ID) []paths.ID {
	slices.SortFunc(dirs, func(a, b paths.ID) int {
		return len(s.in.Path(a)) - len(s.in.Path(b))
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []paths.ID
	for _, d := range dirs {
		covered := false
		for _, w := range s.walked {
			if s.in.IsAncestor(w, d) {
				covered = true
				break
			}
		}
		if covered {
			continue
		}
		s.walked = append(s.walked, d)
		out = append(out, d)
	}
	return out
}

func (s *Session) walk(ctx context.Context, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entries vanishing mid-walk are expected during checkouts.
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if s.ignored(p) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		return s.AddChanged(p)
	})
}

// AddChanged records p as changed. A previous deletion of p is dropped.
func (s *Session) AddChanged(p string) error {
	return s.add(p, true)
}

// AddDeleted records p as deleted. A previous change of p is dropped.
func (s *Session) AddDeleted(p string) error {
	return s.add(p, false)
}

func (s *Session) add(p string, changed bool) error {
	p = paths.Normalize(p)
	if s.ignored(p) {
		return nil
	}
	id := s.in.Intern(p)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incomplete {
		return ErrIncomplete
	}
	if changed {
		s.deleted.Remove(id)
		s.changed.Add(id)
	} else {
		s.changed.Remove(id)
		s.deleted.Add(id)
	}
	return nil
}

// LowMemory drops everything accumulated so far and marks the session
// incomplete. Every later mutation fails with ErrIncomplete.
func (s *Session) LowMemory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incomplete {
		return
	}
	s.log.Warn("low memory, dropping precise change tracking",
		"changed", s.changed.Len(), "deleted", s.deleted.Len())
	s.incomplete = true
	s.changed = make(paths.Set)
	s.deleted = make(paths.Set)
	s.deferred = nil
}

// Result finalizes the session.
func (s *Session) Result() Delta {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incomplete {
		return Incomplete()
	}
	return Delta{
		Complete: true,
		Changed:  s.changed.Strings(s.in),
		Deleted:  s.deleted.Strings(s.in),
	}
}
