package store

import "fmt"

// Commit applies every change staged in batch to target within a single
// transaction:
//  1. removals
//  2. new states
//  3. OnCommit hooks (generated-file refresh)
//
// Either all of it lands or none does.
func (s *StateStore) Commit(target int, batch *Batch) error {
	if err := batch.check(target); err != nil {
		return err
	}
	removed, puts, hooks := batch.snapshot()
	if len(removed) == 0 && len(puts) == 0 && len(hooks) == 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle("commit")
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return &IOError{Op: "commit", Path: s.path, Err: fmt.Errorf("begin: %w", err)}
	}
	defer tx.Rollback()

	for _, keys := range chunks(removed, maxParams) {
		_, err := tx.Exec(
			"DELETE FROM states WHERE target_id = ? AND key IN ("+placeholderList(len(keys))+")",
			keysToArgs(target, keys)...,
		)
		if err != nil {
			return &IOError{Op: "commit", Path: s.path, Err: fmt.Errorf("remove: %w", err)}
		}
	}

	for i := range puts {
		if err := putTx(tx, target, puts[i].Key, &puts[i].State); err != nil {
			return &IOError{Op: "commit", Path: s.path, Err: err}
		}
	}

	for _, hook := range hooks {
		if err := hook(); err != nil {
			return fmt.Errorf("store: commit hook: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return &IOError{Op: "commit", Path: s.path, Err: err}
	}
	return nil
}
