// Package changes accumulates filesystem deltas between builds. Raw events
// arrive in batches; each batch is captured by a Session and finalized
// into an immutable Delta that the build driver submits with the next
// build request.
package changes

import (
	"errors"
	"slices"
)

// ErrIncomplete is returned by session mutators once the session has given
// up on precise tracking.
var ErrIncomplete = errors.New("changes: session incomplete")

// Delta is a finalized set of changed and deleted paths. The two lists are
// sorted and disjoint. An incomplete delta carries no paths and means
// everything may have changed.
type Delta struct {
	Complete bool
	Changed  []string
	Deleted  []string
}

// Incomplete returns the "rescan everything" delta.
func Incomplete() Delta {
	return Delta{}
}

// Empty returns a complete delta with no changes.
func Empty() Delta {
	return Delta{Complete: true}
}

// IsEmpty reports whether d is complete and records nothing.
func (d Delta) IsEmpty() bool {
	return d.Complete && len(d.Changed) == 0 && len(d.Deleted) == 0
}

// Merge folds newer into d. A path's last state wins: a file deleted in d
// and recreated in newer ends up changed, and vice versa. Merging with an
// incomplete delta yields an incomplete delta.
func (d Delta) Merge(newer Delta) Delta {
	if !d.Complete || !newer.Complete {
		return Incomplete()
	}
	changed := make(map[string]bool, len(d.Changed)+len(newer.Changed))
	for _, p := range d.Changed {
		changed[p] = true
	}
	for _, p := range d.Deleted {
		changed[p] = false
	}
	for _, p := range newer.Changed {
		changed[p] = true
	}
	for _, p := range newer.Deleted {
		changed[p] = false
	}

	out := Delta{Complete: true}
	for p, isChanged := range changed {
		if isChanged {
			out.Changed = append(out.Changed, p)
		} else {
			out.Deleted = append(out.Deleted, p)
		}
	}
	slices.Sort(out.Changed)
	slices.Sort(out.Deleted)
	return out
}
