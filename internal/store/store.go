package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// StateStore is a SQLite-backed map from (target id, item key) to State.
// One store holds every target of one compiler.
type StateStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

// OpenStateStore opens (creating if needed) the state database at dbPath
// with WAL mode enabled and the schema migrated.
func OpenStateStore(dbPath string) (*StateStore, error) {
	s := &StateStore{path: dbPath}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *StateStore) open() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return &IOError{Op: "create dir", Path: s.path, Err: err}
	}
	db, err := sql.Open("sqlite3", s.path+"?_journal_mode=WAL&_busy_timeout=30000")
	if err != nil {
		return &IOError{Op: "open", Path: s.path, Err: err}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return &IOError{Op: "ping", Path: s.path, Err: err}
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return &IOError{Op: "migrate", Path: s.path, Err: err}
	}
	s.db = db
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS states (
  target_id     INTEGER NOT NULL,
  key           TEXT NOT NULL,
  source_state  BLOB NOT NULL,
  output_state  BLOB,
  PRIMARY KEY (target_id, key)
) WITHOUT ROWID;
`

// maxParams keeps IN lists below SQLite's default bound parameter limit.
const maxParams = 500

// Path returns the database file path.
func (s *StateStore) Path() string { return s.path }

func (s *StateStore) handle(op string) (*sql.DB, error) {
	if s.db == nil {
		return nil, &IOError{Op: op, Path: s.path, Err: ErrClosed}
	}
	return s.db, nil
}

// Get returns the state stored under key, or nil when there is none.
func (s *StateStore) Get(target int, key string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle("get")
	if err != nil {
		return nil, err
	}
	var st State
	err = db.QueryRow(
		"SELECT source_state, output_state FROM states WHERE target_id = ? AND key = ?",
		target, key,
	).Scan(&st.Source, &st.Output)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &IOError{Op: "get", Path: s.path, Err: err}
	}
	return &st, nil
}

// Put stores st under key. A nil st removes the key: "no state" and
// "absent" are the same condition.
func (s *StateStore) Put(target int, key string, st *State) error {
	if st == nil {
		return s.Remove(target, key)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle("put")
	if err != nil {
		return err
	}
	if err := putTx(db, target, key, st); err != nil {
		return &IOError{Op: "put", Path: s.path, Err: err}
	}
	return nil
}

// Remove deletes key. Removing an absent key is not an error.
func (s *StateStore) Remove(target int, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle("remove")
	if err != nil {
		return err
	}
	if _, err := db.Exec("DELETE FROM states WHERE target_id = ? AND key = ?", target, key); err != nil {
		return &IOError{Op: "remove", Path: s.path, Err: err}
	}
	return nil
}

// Keys returns the sorted keys stored for target.
func (s *StateStore) Keys(target int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle("keys")
	if err != nil {
		return nil, err
	}
	rows, err := db.Query("SELECT key FROM states WHERE target_id = ? ORDER BY key", target)
	if err != nil {
		return nil, &IOError{Op: "keys", Path: s.path, Err: err}
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, &IOError{Op: "keys", Path: s.path, Err: err}
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, &IOError{Op: "keys", Path: s.path, Err: err}
	}
	return keys, nil
}

// Entries returns every entry of target sorted by key.
func (s *StateStore) Entries(target int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle("entries")
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(
		"SELECT key, source_state, output_state FROM states WHERE target_id = ? ORDER BY key",
		target,
	)
	if err != nil {
		return nil, &IOError{Op: "entries", Path: s.path, Err: err}
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Source, &e.Output); err != nil {
			return nil, &IOError{Op: "entries", Path: s.path, Err: err}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &IOError{Op: "entries", Path: s.path, Err: err}
	}
	return out, nil
}

// Targets returns the distinct target ids that have entries.
func (s *StateStore) Targets() ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle("targets")
	if err != nil {
		return nil, err
	}
	rows, err := db.Query("SELECT DISTINCT target_id FROM states ORDER BY target_id")
	if err != nil {
		return nil, &IOError{Op: "targets", Path: s.path, Err: err}
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, &IOError{Op: "targets", Path: s.path, Err: err}
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, &IOError{Op: "targets", Path: s.path, Err: err}
	}
	return out, nil
}

// RemoveTarget deletes every entry of target.
func (s *StateStore) RemoveTarget(target int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle("remove target")
	if err != nil {
		return err
	}
	if _, err := db.Exec("DELETE FROM states WHERE target_id = ?", target); err != nil {
		return &IOError{Op: "remove target", Path: s.path, Err: err}
	}
	return nil
}

// Force checkpoints the write-ahead log into the main database file.
func (s *StateStore) Force() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle("force")
	if err != nil {
		return err
	}
	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return &IOError{Op: "force", Path: s.path, Err: err}
	}
	return nil
}

// Wipe destroys the database files and recreates an empty store.
func (s *StateStore) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(s.path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return &IOError{Op: "wipe", Path: s.path, Err: err}
		}
	}
	return s.open()
}

// Close checkpoints and closes the database. Closing twice is a no-op.
func (s *StateStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	_, ckErr := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	err := s.db.Close()
	s.db = nil
	if err = errors.Join(ckErr, err); err != nil {
		return &IOError{Op: "close", Path: s.path, Err: err}
	}
	return nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func putTx(x execer, target int, key string, st *State) error {
	src := st.Source
	if src == nil {
		src = []byte{}
	}
	_, err := x.Exec(
		`INSERT INTO states (target_id, key, source_state, output_state) VALUES (?, ?, ?, ?)
		 ON CONFLICT(target_id, key) DO UPDATE SET source_state = excluded.source_state, output_state = excluded.output_state`,
		target, key, src, st.Output,
	)
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}
