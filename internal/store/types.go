package store

// State is the persisted pair for one item of one target. Source is the
// fingerprint of the input the output was built from; Output describes the
// produced output and is nil when none was recorded.
type State struct {
	Source []byte
	Output []byte
}

// Entry is a keyed State as returned by Entries.
type Entry struct {
	Key string
	State
}
