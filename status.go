package kiln

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jward/kiln/internal/buildproc"
)

var (
	// ErrCancelled is returned for a build that ended Cancelled.
	ErrCancelled = errors.New("kiln: build cancelled")

	// ErrBuildFailed is returned for a build that ended with Errors.
	ErrBuildFailed = errors.New("kiln: build failed")
)

// ExitStatus is the terminal outcome of a build.
type ExitStatus int

const (
	// Pending means no status has been recorded yet.
	Pending ExitStatus = iota
	Success
	Errors
	Cancelled
	UpToDate
)

func (s ExitStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case Success:
		return "success"
	case Errors:
		return "errors"
	case Cancelled:
		return "cancelled"
	case UpToDate:
		return "up-to-date"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func statusFromWire(s buildproc.Status) (ExitStatus, bool) {
	switch s {
	case buildproc.StatusSuccess:
		return Success, true
	case buildproc.StatusErrors:
		return Errors, true
	case buildproc.StatusCanceled:
		return Cancelled, true
	case buildproc.StatusUpToDate:
		return UpToDate, true
	}
	return Pending, false
}

// StatusHolder records a build's terminal status. The first status set
// wins; later ones are ignored, so a success reported during teardown
// cannot hide an earlier cancellation or failure.
type StatusHolder struct {
	mu     sync.Mutex
	status ExitStatus
}

// SetIfAbsent records s unless a status is already set. It reports
// whether s was recorded.
func (h *StatusHolder) SetIfAbsent(s ExitStatus) bool {
	if s == Pending {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != Pending {
		return false
	}
	h.status = s
	return true
}

// Get returns the recorded status, or Pending.
func (h *StatusHolder) Get() ExitStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// State is a step of a build session.
type State int

const (
	Idle State = iota
	Preparing
	AwaitingExternalProcess
	ReconcilingResult
	Finished
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preparing:
		return "preparing"
	case AwaitingExternalProcess:
		return "awaiting-external-process"
	case ReconcilingResult:
		return "reconciling-result"
	case Finished:
		return "finished"
	}
	return fmt.Sprintf("state(%d)", int(s))
}
