package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/jward/kiln/internal/logger"
)

const (
	stateFile    = "state.db"
	metadataFile = "meta.yaml"
)

// CompilerCache is one compiler's state store and metadata. The store is
// single-writer: callers hold Lock for the duration of a run.
type CompilerCache struct {
	ID      string
	Version int

	dir string
	log *logger.Logger

	sync.Mutex
	store  *StateStore
	data   *CompilerData
	closed bool
}

// Dir returns the cache directory.
func (c *CompilerCache) Dir() string { return c.dir }

// Store returns the state store. Callers must hold the lock.
func (c *CompilerCache) Store() *StateStore { return c.store }

// Data returns the metadata. Callers must hold the lock.
func (c *CompilerCache) Data() *CompilerData { return c.data }

// MarkRebuildRequired records that the cache can no longer be trusted; the
// next open wipes it. Callers must hold the lock.
func (c *CompilerCache) MarkRebuildRequired() error {
	c.log.Warn("cache marked for rebuild", "compiler", c.ID)
	c.data.SetRebuildRequired(true)
	return c.data.Save()
}

// Save persists metadata and checkpoints the store. Callers must hold the
// lock.
func (c *CompilerCache) Save() error {
	if c.closed {
		return &IOError{Op: "save", Path: c.dir, Err: ErrClosed}
	}
	return errors.Join(c.data.Save(), c.store.Force())
}

func (c *CompilerCache) close() error {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return errors.Join(c.data.Save(), c.store.Close())
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *logger.Logger) ManagerOption {
	return func(m *Manager) { m.log = l.WithComponent("cache") }
}

// Manager hands out one CompilerCache per compiler under a root directory
// and tears them all down together. Its lifetime is tied to whoever owns
// it; there is no process-wide registry.
type Manager struct {
	root string
	log  *logger.Logger

	mu     sync.RWMutex
	caches map[string]*CompilerCache
}

// NewManager returns a manager for caches under root.
func NewManager(root string, opts ...ManagerOption) *Manager {
	m := &Manager{
		root:   root,
		log:    logger.Discard(),
		caches: make(map[string]*CompilerCache),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Root returns the cache root directory.
func (m *Manager) Root() string { return m.root }

// Cache returns the cache for compilerID, opening it on first use. A cache
// written with a different version, or flagged for rebuild, is wiped before
// it is returned.
func (m *Manager) Cache(compilerID string, version int) (*CompilerCache, error) {
	m.mu.RLock()
	c, ok := m.caches[compilerID]
	m.mu.RUnlock()
	if ok {
		return c, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.caches[compilerID]; ok {
		return c, nil
	}
	c, err := m.open(compilerID, version)
	if err != nil {
		if !IsIOError(err) {
			err = &IOError{Op: "open", Path: filepath.Join(m.root, compilerID), Err: err}
		}
		return nil, err
	}
	m.caches[compilerID] = c
	return c, nil
}

func (m *Manager) open(compilerID string, version int) (*CompilerCache, error) {
	dir := filepath.Join(m.root, compilerID)
	metaPath := filepath.Join(dir, metadataFile)

	_, statErr := os.Stat(metaPath)
	data, err := LoadCompilerData(metaPath)
	switch {
	case err != nil:
		m.log.Warn("unreadable cache metadata, wiping", "compiler", compilerID, "error", err)
		data, err = m.wipe(dir, metaPath)
	case errors.Is(statErr, os.ErrNotExist):
		// Without metadata any leftover state is meaningless.
		data, err = m.wipe(dir, metaPath)
	case data.Version != version:
		m.log.Info("cache format changed, wiping", "compiler", compilerID,
			"stored", data.Version, "current", version)
		data, err = m.wipe(dir, metaPath)
	case data.RebuildRequired:
		m.log.Info("cache flagged for rebuild, wiping", "compiler", compilerID)
		data, err = m.wipe(dir, metaPath)
	}
	if err != nil {
		return nil, err
	}
	data.SetVersion(version)

	st, err := OpenStateStore(filepath.Join(dir, stateFile))
	if err != nil {
		m.log.Warn("unusable state store, wiping", "compiler", compilerID, "error", err)
		if data, err = m.wipe(dir, metaPath); err != nil {
			return nil, err
		}
		data.SetVersion(version)
		if st, err = OpenStateStore(filepath.Join(dir, stateFile)); err != nil {
			return nil, err
		}
	}
	if err := data.Save(); err != nil {
		st.Close()
		return nil, err
	}
	return &CompilerCache{
		ID:      compilerID,
		Version: version,
		dir:     dir,
		log:     m.log,
		store:   st,
		data:    data,
	}, nil
}

func (m *Manager) wipe(dir, metaPath string) (*CompilerData, error) {
	if err := os.RemoveAll(dir); err != nil {
		return nil, &IOError{Op: "wipe", Path: dir, Err: err}
	}
	return &CompilerData{path: metaPath, Targets: make(map[string]int), dirty: true}, nil
}

// Open returns the ids of the caches currently open, sorted.
func (m *Manager) Open() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.caches))
	for id := range m.caches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Flush closes every open cache and empties the registry. Safe to call
// repeatedly and from shutdown paths.
func (m *Manager) Flush() error {
	m.mu.Lock()
	caches := m.caches
	m.caches = make(map[string]*CompilerCache)
	m.mu.Unlock()

	var errs []error
	for id, c := range caches {
		if err := c.close(); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", id, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("store: flush had %d error(s): %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// Clear flushes and deletes the whole cache root. The returned error is
// meant to be reported as a build message, not to abort the build.
func (m *Manager) Clear() error {
	flushErr := m.Flush()
	if err := os.RemoveAll(m.root); err != nil {
		return errors.Join(flushErr, &IOError{Op: "clear", Path: m.root, Err: err})
	}
	return flushErr
}
