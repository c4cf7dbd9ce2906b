package store

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
)

// Batch buffers the state changes of one target in memory so they can be
// applied in a single transaction by StateStore.Commit. Workers may stage
// into a batch concurrently; the last write to a key wins.
type Batch struct {
	target int

	mu      sync.Mutex
	puts    map[string]State
	removed map[string]bool
	hooks   []func() error
}

// NewBatch returns an empty batch for target.
func NewBatch(target int) *Batch {
	return &Batch{
		target:  target,
		puts:    make(map[string]State),
		removed: make(map[string]bool),
	}
}

// Target returns the target id the batch was built for.
func (b *Batch) Target() int { return b.target }

func (b *Batch) check(target int) error {
	if target != b.target {
		return fmt.Errorf("%w: batch for %d, got %d", ErrTargetMismatch, b.target, target)
	}
	return nil
}

// Put stages st under key. A nil st stages a removal.
func (b *Batch) Put(target int, key string, st *State) error {
	if st == nil {
		return b.Remove(target, key)
	}
	if err := b.check(target); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.removed, key)
	b.puts[key] = State{Source: slices.Clone(st.Source), Output: slices.Clone(st.Output)}
	return nil
}

// Remove stages the removal of key.
func (b *Batch) Remove(target int, key string) error {
	if err := b.check(target); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.puts, key)
	b.removed[key] = true
	return nil
}

// OnCommit registers fn to run inside the commit transaction after the
// staged statements. An error from fn rolls the whole commit back.
func (b *Batch) OnCommit(fn func() error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, fn)
}

// Len returns the number of staged puts and removals.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.puts) + len(b.removed)
}

// snapshot returns the staged changes in key order.
func (b *Batch) snapshot() (removed []string, puts []Entry, hooks []func() error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.removed {
		removed = append(removed, k)
	}
	slices.Sort(removed)
	for k, st := range b.puts {
		puts = append(puts, Entry{Key: k, State: st})
	}
	slices.SortFunc(puts, func(x, y Entry) int { return cmp.Compare(x.Key, y.Key) })
	return removed, puts, slices.Clone(b.hooks)
}
