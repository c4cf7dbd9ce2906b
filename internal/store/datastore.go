package store

// StateWriter is the mutation side of a target's state map. Both
// StateStore (direct SQLite) and Batch (in-memory buffering for a
// transactional commit) implement it.
type StateWriter interface {
	// Put stores st under key. A nil st removes the key.
	Put(target int, key string, st *State) error
	Remove(target int, key string) error
}

// Compile-time checks.
var (
	_ StateWriter = (*StateStore)(nil)
	_ StateWriter = (*Batch)(nil)
)
