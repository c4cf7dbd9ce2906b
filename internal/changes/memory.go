package changes

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/jward/kiln/internal/logger"
)

// MemoryGuard polls heap usage against a limit and fires registered
// callbacks when the limit is crossed. Callbacks fire once per crossing;
// usage must drop below the limit before they fire again.
type MemoryGuard struct {
	limit    uint64
	interval time.Duration
	heap     func() uint64
	log      *logger.Logger

	mu        sync.Mutex
	callbacks map[int]func()
	nextID    int
	tripped   bool
}

// NewMemoryGuard returns a guard for limit bytes of heap. A zero limit
// disables it.
func NewMemoryGuard(limit uint64, interval time.Duration, log *logger.Logger) *MemoryGuard {
	if log == nil {
		log = logger.Discard()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &MemoryGuard{
		limit:     limit,
		interval:  interval,
		heap:      heapAlloc,
		log:       log.WithComponent("memory"),
		callbacks: make(map[int]func()),
	}
}

func heapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// Register adds a low-memory callback and returns a function removing it.
func (g *MemoryGuard) Register(fn func()) (unregister func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.nextID
	g.nextID++
	g.callbacks[id] = fn
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.callbacks, id)
	}
}

// Check samples heap usage once and fires callbacks on a new crossing.
// It reports whether usage is above the limit.
func (g *MemoryGuard) Check() bool {
	if g.limit == 0 {
		return false
	}
	used := g.heap()

	g.mu.Lock()
	if used < g.limit {
		g.tripped = false
		g.mu.Unlock()
		return false
	}
	if g.tripped {
		g.mu.Unlock()
		return true
	}
	g.tripped = true
	fns := make([]func(), 0, len(g.callbacks))
	for _, fn := range g.callbacks {
		fns = append(fns, fn)
	}
	g.mu.Unlock()

	g.log.Warn("heap above limit", "used", used, "limit", g.limit)
	for _, fn := range fns {
		fn()
	}
	return true
}

// Run polls until ctx is done.
func (g *MemoryGuard) Run(ctx context.Context) {
	if g.limit == 0 {
		return
	}
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Check()
		}
	}
}
