package changes

import (
	"context"
	"sync"

	"github.com/jward/kiln/internal/logger"
	"github.com/jward/kiln/internal/paths"
)

// Tracker owns the sessions opened since the last build and hands their
// merged delta to the driver. Sessions are independent: a new one may
// start before an older one has been resolved.
type Tracker struct {
	in     *paths.Interner
	filter Filter
	opts   []SessionOption
	log    *logger.Logger

	mu      sync.Mutex
	live    map[*Session]struct{}
	pending Delta
}

// NewTracker returns a tracker whose first Take is incomplete: nothing is
// known about changes made before tracking started.
func NewTracker(in *paths.Interner, filter Filter, log *logger.Logger, opts ...SessionOption) *Tracker {
	if log == nil {
		log = logger.Discard()
	}
	return &Tracker{
		in:      in,
		filter:  filter,
		opts:    append([]SessionOption{WithLogger(log)}, opts...),
		log:     log.WithComponent("tracker"),
		live:    make(map[*Session]struct{}),
		pending: Incomplete(),
	}
}

// Begin opens a session for one batch of events.
func (t *Tracker) Begin() *Session {
	s := NewSession(t.in, t.filter, t.opts...)
	t.mu.Lock()
	t.live[s] = struct{}{}
	t.mu.Unlock()
	return s
}

// Finish folds a resolved session into the pending delta.
func (t *Tracker) Finish(s *Session) {
	d := s.Result()
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.live, s)
	t.pending = t.pending.Merge(d)
}

// Process runs one batch through a fresh session: Before, After, Resolve,
// then Finish. A cancelled or failed resolution leaves the pending delta
// incomplete so the next build rescans.
func (t *Tracker) Process(ctx context.Context, events []Event) {
	s := t.Begin()
	err := s.Before(events)
	if err == nil {
		err = s.After(events)
	}
	if err == nil {
		err = s.Resolve(ctx)
	}
	if err != nil {
		t.log.Debug("change batch not tracked precisely", "events", len(events), "error", err)
		s.LowMemory()
	}
	t.Finish(s)
}

// Take returns the delta accumulated since the previous Take and resets
// it. Sessions still resolving contribute to a later Take.
func (t *Tracker) Take() Delta {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.pending
	t.pending = Empty()
	return d
}

// Requeue hands back a delta that was taken but not acted on, for example
// by a cancelled or check-only build. It is older than anything pending.
func (t *Tracker) Requeue(d Delta) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = d.Merge(t.pending)
}

// Invalidate forgets everything tracked so far. The next Take is
// incomplete.
func (t *Tracker) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = Incomplete()
}

// LowMemory marks every live session and the pending delta incomplete.
// Registered with a MemoryGuard.
func (t *Tracker) LowMemory() {
	t.mu.Lock()
	live := make([]*Session, 0, len(t.live))
	for s := range t.live {
		live = append(live, s)
	}
	t.pending = Incomplete()
	t.mu.Unlock()

	for _, s := range live {
		s.LowMemory()
	}
}
