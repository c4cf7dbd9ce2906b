package buildproc

import (
	"context"
	"sync"
)

// Process runs builds.
type Process interface {
	// Start submits req. The build runs until it completes or the handle
	// is cancelled.
	Start(ctx context.Context, req *Request) (Handle, error)
}

// Handle is a running build. Callers must drain Events until it is
// closed; the process blocks on a full stream.
type Handle interface {
	// Events is closed after the last event.
	Events() <-chan Event
	// Done is closed once Events is closed and Err is final.
	Done() <-chan struct{}
	// Err reports a process failure. A build that found errors is not a
	// process failure.
	Err() error
	// Cancel asks the build to stop. Safe to call more than once.
	Cancel()
}

// eventBuffer bounds how far a producer can run ahead of the consumer.
const eventBuffer = 64

type handle struct {
	events chan Event
	done   chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func newHandle(cancel context.CancelFunc) *handle {
	return &handle{
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

func (h *handle) Events() <-chan Event  { return h.events }
func (h *handle) Done() <-chan struct{} { return h.done }
func (h *handle) Cancel()               { h.cancel() }

func (h *handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *handle) emit(ev Event) {
	h.events <- ev
}

// finish closes the stream. It must be called exactly once, by the
// producer.
func (h *handle) finish(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.events)
	close(h.done)
	h.cancel()
}
