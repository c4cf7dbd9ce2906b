package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// CompilerData is the per-compiler metadata file: the format version the
// cache was written with and a stable target-name to integer-id table.
// Ids of removed targets are reused.
type CompilerData struct {
	Version         int            `yaml:"version"`
	Targets         map[string]int `yaml:"targets"`
	RebuildRequired bool           `yaml:"rebuild_required,omitempty"`

	path  string
	dirty bool
}

// LoadCompilerData reads the metadata file at path. A missing file yields
// empty metadata with version 0.
func LoadCompilerData(path string) (*CompilerData, error) {
	d := &CompilerData{path: path, Targets: make(map[string]int)}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return d, nil
	}
	if err != nil {
		return nil, &IOError{Op: "read metadata", Path: path, Err: err}
	}
	if err := yaml.Unmarshal(data, d); err != nil {
		return nil, &IOError{Op: "parse metadata", Path: path, Err: err}
	}
	if d.Targets == nil {
		d.Targets = make(map[string]int)
	}
	if err := d.validate(); err != nil {
		return nil, &IOError{Op: "parse metadata", Path: path, Err: err}
	}
	return d, nil
}

func (d *CompilerData) validate() error {
	seen := make(map[int]string, len(d.Targets))
	for name, id := range d.Targets {
		if prev, dup := seen[id]; dup {
			return fmt.Errorf("targets %q and %q share id %d", prev, name, id)
		}
		seen[id] = name
	}
	return nil
}

// Lookup returns the id of a known target.
func (d *CompilerData) Lookup(name string) (int, bool) {
	id, ok := d.Targets[name]
	return id, ok
}

// TargetID returns the id of name, allocating the smallest free id when
// the target is new.
func (d *CompilerData) TargetID(name string) int {
	if id, ok := d.Targets[name]; ok {
		return id
	}
	used := make(map[int]bool, len(d.Targets))
	for _, id := range d.Targets {
		used[id] = true
	}
	id := 1
	for used[id] {
		id++
	}
	d.Targets[name] = id
	d.dirty = true
	return id
}

// RemoveTarget forgets name, freeing its id.
func (d *CompilerData) RemoveTarget(name string) {
	if _, ok := d.Targets[name]; ok {
		delete(d.Targets, name)
		d.dirty = true
	}
}

// Names returns the known target names, sorted.
func (d *CompilerData) Names() []string {
	names := make([]string, 0, len(d.Targets))
	for n := range d.Targets {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// SetVersion records the format version.
func (d *CompilerData) SetVersion(v int) {
	if d.Version != v {
		d.Version = v
		d.dirty = true
	}
}

// SetRebuildRequired flags the cache so the next open wipes it.
func (d *CompilerData) SetRebuildRequired(v bool) {
	if d.RebuildRequired != v {
		d.RebuildRequired = v
		d.dirty = true
	}
}

// Dirty reports whether Save has anything to write.
func (d *CompilerData) Dirty() bool { return d.dirty }

// Save writes the metadata when it changed. The file is replaced
// atomically: written to a temp file in the same directory, then renamed.
func (d *CompilerData) Save() error {
	if !d.dirty {
		return nil
	}
	data, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("store: encode metadata: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return &IOError{Op: "write metadata", Path: d.path, Err: err}
	}
	tmp, err := os.CreateTemp(filepath.Dir(d.path), ".meta-*")
	if err != nil {
		return &IOError{Op: "write metadata", Path: d.path, Err: err}
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &IOError{Op: "write metadata", Path: d.path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &IOError{Op: "write metadata", Path: d.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &IOError{Op: "write metadata", Path: d.path, Err: err}
	}
	if err := os.Rename(tmp.Name(), d.path); err != nil {
		return &IOError{Op: "write metadata", Path: d.path, Err: err}
	}
	d.dirty = false
	return nil
}
