package runner

import "fmt"

// Phase is a step of a runner invocation.
type Phase int

const (
	PhaseStart Phase = iota
	PhaseObsolete
	PhaseProcessObsolete
	PhaseComputeStale
	PhaseProcess
	PhaseCommit
	PhaseSave
	PhaseDone
	PhaseCancelled
	PhaseErrors
)

var phaseNames = [...]string{
	PhaseStart:           "start",
	PhaseObsolete:        "determine-obsolete-targets",
	PhaseProcessObsolete: "process-obsolete-targets",
	PhaseComputeStale:    "compute-stale-items",
	PhaseProcess:         "process",
	PhaseCommit:          "commit-state",
	PhaseSave:            "save",
	PhaseDone:            "done",
	PhaseCancelled:       "cancelled",
	PhaseErrors:          "errors-found",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Result reports what one run did. In check-only mode Stale and Removed
// hold the work that was found but not done.
type Result struct {
	Compiler string
	// Phase is where the run stopped.
	Phase Phase
	// Processed maps target to the keys compiled successfully.
	Processed map[string][]string
	// Stale maps target to the keys found stale in check-only mode.
	Stale map[string][]string
	// Removed maps target to the keys dropped from the enumeration.
	Removed map[string][]string
	// Obsolete lists targets cleaned up because they no longer exist.
	Obsolete []string
	// Generated lists files written under output roots.
	Generated []string
	// Errors collects item and target failures. They do not stop the run.
	Errors []error
	// RebuildRequired is set when the cache failed and will be wiped on
	// next use.
	RebuildRequired bool
}

func newResult(compiler string) *Result {
	return &Result{
		Compiler:  compiler,
		Processed: make(map[string][]string),
		Stale:     make(map[string][]string),
		Removed:   make(map[string][]string),
	}
}

func (r *Result) addError(err error) {
	r.Errors = append(r.Errors, err)
}

// NoWork reports whether the run found nothing to do.
func (r *Result) NoWork() bool {
	if len(r.Obsolete) > 0 {
		return false
	}
	for _, m := range []map[string][]string{r.Processed, r.Stale, r.Removed} {
		for _, keys := range m {
			if len(keys) > 0 {
				return false
			}
		}
	}
	return true
}

// Err summarises the collected errors, or returns nil.
func (r *Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return fmt.Errorf("runner: %s had %d error(s): %w", r.Compiler, len(r.Errors), r.Errors[0])
}
