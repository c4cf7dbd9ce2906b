// Package compilers holds the concrete compilers a build process runs:
// a resource copier and Risor-scripted translators. Both are file-to-file
// compilers over one source set kind and share the Compiler type.
package compilers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jward/kiln/internal/logger"
	"github.com/jward/kiln/internal/runner"
	"github.com/jward/kiln/internal/workspace"
)

// stateFormat versions the FileState encoding. It is part of every
// compiler's cache version.
const stateFormat = 2

// FileState describes an item's primary output file as last written.
// Extra lists the other files the item generated, relative to the output
// root, sorted and newline separated.
type FileState struct {
	Size    int64  `json:"size"`
	ModTime int64  `json:"mtime"`
	Hash    string `json:"hash"`
	Extra   string `json:"extra,omitempty"`
}

func (s FileState) extras() []string {
	if s.Extra == "" {
		return nil
	}
	return strings.Split(s.Extra, "\n")
}

// cacheVersion folds the state format, the configured version and the
// fingerprint mode into one cache version.
func cacheVersion(configured int, syntax bool) int {
	v := stateFormat<<16 | max(configured, 1)<<1
	if syntax {
		v |= 1
	}
	return v
}

// TargetName returns the runner target for a module's source set: the
// target type id and the module name joined by a colon.
func TargetName(kind workspace.SourceSetKind, module string) string {
	return kind.TypeID() + ":" + module
}

// ParseTarget splits a target produced by TargetName.
func ParseTarget(target string) (workspace.SourceSetKind, string, error) {
	typeID, module, ok := strings.Cut(target, ":")
	if !ok || module == "" {
		return 0, "", fmt.Errorf("compilers: malformed target %q", target)
	}
	kind, err := workspace.ParseKind(typeID)
	if err != nil {
		return 0, "", err
	}
	return kind, module, nil
}

// translateFunc turns one source file into its primary output plus any
// extra files, relative to the output root.
type translateFunc func(ctx context.Context, target string, it runner.Item, src []byte, out string) ([]byte, []extraFile, error)

type extraFile struct {
	rel     string
	content []byte
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithLogger sets the compiler logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Compiler) { c.log = l }
}

// WithWorkers bounds how many items are translated at once. Zero means
// one per CPU.
func WithWorkers(n int) Option {
	return func(c *Compiler) { c.workers = n }
}

// Compiler translates every file of its source set kinds into the
// module's output root. It implements runner.Instance.
type Compiler struct {
	id        string
	version   int
	ws        *workspace.Workspace
	kinds     []workspace.SourceSetKind
	exts      []string
	outputExt string
	source    func(path string, src []byte) string
	translate translateFunc
	log       *logger.Logger
	workers   int
}

var _ runner.Instance[string, FileState] = (*Compiler)(nil)

func (c *Compiler) apply(opts []Option) {
	c.log = logger.Discard()
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithComponent("compiler").WithCompiler(c.id)
}

// ID returns the compiler id.
func (c *Compiler) ID() string { return c.id }

// Version returns the cache format version.
func (c *Compiler) Version() int { return c.version }

// Kinds returns the source set kinds the compiler handles.
func (c *Compiler) Kinds() []workspace.SourceSetKind { return slices.Clone(c.kinds) }

// Handles reports whether the compiler builds targets of typeID.
func (c *Compiler) Handles(typeID string) bool {
	for _, k := range c.kinds {
		if k.TypeID() == typeID {
			return true
		}
	}
	return false
}

// Targets returns one target per module and handled kind that has source
// roots, sorted.
func (c *Compiler) Targets(context.Context) ([]string, error) {
	var out []string
	for _, m := range c.ws.Modules {
		for _, k := range c.kinds {
			if m.HasKind(k) {
				out = append(out, TargetName(k, m.Name))
			}
		}
	}
	slices.Sort(out)
	return out, nil
}

func (c *Compiler) resolve(target string) (*workspace.Module, workspace.SourceSetKind, error) {
	kind, name, err := ParseTarget(target)
	if err != nil {
		return nil, 0, err
	}
	m, err := c.ws.Module(name)
	if err != nil {
		return nil, 0, err
	}
	return m, kind, nil
}

// Items lists the target's source files. The key is the path relative to
// the owning source root.
func (c *Compiler) Items(_ context.Context, target string) ([]runner.Item, error) {
	m, kind, err := c.resolve(target)
	if err != nil {
		return nil, err
	}
	files, err := c.ws.SourceFiles(m, kind)
	if err != nil {
		return nil, fmt.Errorf("compilers: list %s: %w", target, err)
	}
	roots := m.RootsOf(kind)
	items := make([]runner.Item, 0, len(files))
	for _, f := range files {
		if !c.accepts(f) {
			continue
		}
		items = append(items, runner.Item{Key: relToRoots(f, roots), Path: f})
	}
	return items, nil
}

func (c *Compiler) accepts(path string) bool {
	if len(c.exts) == 0 {
		return true
	}
	return slices.Contains(c.exts, strings.ToLower(filepath.Ext(path)))
}

// relToRoots returns p relative to the deepest root containing it.
func relToRoots(p string, roots []string) string {
	best := ""
	for _, r := range roots {
		if strings.HasPrefix(p, r+"/") && len(r) > len(best) {
			best = r
		}
	}
	if best == "" {
		return filepath.Base(p)
	}
	return strings.TrimPrefix(p, best+"/")
}

// outputPath maps an item key to its primary output file.
func (c *Compiler) outputPath(m *workspace.Module, kind workspace.SourceSetKind, key string) (string, error) {
	root := c.ws.OutputRoot(m, kind)
	if root == "" {
		return "", fmt.Errorf("compilers: module %s has no output root", m.Name)
	}
	if c.outputExt != "" {
		key = strings.TrimSuffix(key, filepath.Ext(key)) + c.outputExt
	}
	return filepath.ToSlash(filepath.Join(root, key)), nil
}

// SourceState fingerprints the item's source file.
func (c *Compiler) SourceState(_ context.Context, _ string, it runner.Item) (string, error) {
	src, err := os.ReadFile(it.Path)
	if err != nil {
		return "", fmt.Errorf("compilers: read %s: %w", it.Path, err)
	}
	return c.source(it.Path, src), nil
}

// OutputState describes the item's current primary output. The output
// counts as missing when any extra file recorded in cached is gone.
func (c *Compiler) OutputState(_ context.Context, target string, it runner.Item, cached FileState) (FileState, bool, error) {
	m, kind, err := c.resolve(target)
	if err != nil {
		return FileState{}, false, err
	}
	out, err := c.outputPath(m, kind, it.Key)
	if err != nil {
		return FileState{}, false, err
	}
	st, err := fileState(out)
	if errors.Is(err, fs.ErrNotExist) {
		return FileState{}, false, nil
	}
	if err != nil {
		return FileState{}, false, err
	}
	root := c.ws.OutputRoot(m, kind)
	for _, rel := range cached.extras() {
		if _, err := os.Stat(filepath.Join(root, rel)); err != nil {
			return FileState{}, false, nil
		}
	}
	st.Extra = cached.Extra
	return st, true, nil
}

// Process translates the stale items in parallel and deletes the outputs
// of removed items.
func (c *Compiler) Process(ctx context.Context, target string, stale []runner.Item, removed []runner.Removed[FileState]) (*runner.Outcome[FileState], error) {
	m, kind, err := c.resolve(target)
	if err != nil {
		return nil, err
	}
	for _, r := range removed {
		c.removeOutput(m, kind, r)
	}

	oc := &runner.Outcome[FileState]{
		Outputs: make(map[string]FileState, len(stale)),
		Failed:  make(map[string]error),
	}
	var mu sync.Mutex

	workers := c.workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, workers))
	for _, it := range stale {
		g.Go(func() error {
			st, generated, err := c.compileOne(gctx, m, kind, target, it)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				oc.Failed[it.Key] = err
				return nil
			}
			oc.Outputs[it.Key] = st
			oc.Generated = append(oc.Generated, generated...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	slices.Sort(oc.Generated)
	c.log.Debug("processed target", "target", target, "items", len(stale),
		"failed", len(oc.Failed), "removed", len(removed))
	return oc, nil
}

func (c *Compiler) compileOne(ctx context.Context, m *workspace.Module, kind workspace.SourceSetKind, target string, it runner.Item) (FileState, []string, error) {
	if err := ctx.Err(); err != nil {
		return FileState{}, nil, err
	}
	out, err := c.outputPath(m, kind, it.Key)
	if err != nil {
		return FileState{}, nil, err
	}
	src, err := os.ReadFile(it.Path)
	if err != nil {
		return FileState{}, nil, fmt.Errorf("read source: %w", err)
	}
	main, extras, err := c.translate(ctx, target, it, src, out)
	if err != nil {
		return FileState{}, nil, err
	}
	if err := writeFile(out, main); err != nil {
		return FileState{}, nil, err
	}
	generated := []string{out}
	root := c.ws.OutputRoot(m, kind)
	var rels []string
	for _, x := range extras {
		p := filepath.ToSlash(filepath.Join(root, x.rel))
		if err := writeFile(p, x.content); err != nil {
			return FileState{}, nil, err
		}
		if !slices.Contains(rels, x.rel) {
			rels = append(rels, x.rel)
			generated = append(generated, p)
		}
	}
	st, err := fileState(out)
	if err != nil {
		return FileState{}, nil, err
	}
	slices.Sort(rels)
	st.Extra = strings.Join(rels, "\n")
	return st, generated, nil
}

// removeOutput deletes a removed item's primary output and the extra
// files recorded for it.
func (c *Compiler) removeOutput(m *workspace.Module, kind workspace.SourceSetKind, r runner.Removed[FileState]) {
	out, err := c.outputPath(m, kind, r.Key)
	if err != nil {
		return
	}
	paths := []string{out}
	if r.Output != nil {
		root := c.ws.OutputRoot(m, kind)
		for _, rel := range r.Output.extras() {
			paths = append(paths, filepath.ToSlash(filepath.Join(root, rel)))
		}
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.log.Warn("could not remove stale output", "path", p, "error", err)
		}
	}
}

// ProcessObsoleteTarget deletes the outputs of a target that no longer
// exists. A target whose module is gone has no known output root; its
// files are left in place.
func (c *Compiler) ProcessObsoleteTarget(_ context.Context, target string, removed []runner.Removed[FileState]) error {
	m, kind, err := c.resolve(target)
	if err != nil {
		c.log.Info("obsolete target has no module, leaving outputs", "target", target)
		return nil
	}
	for _, r := range removed {
		c.removeOutput(m, kind, r)
	}
	return nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func fileState(path string) (FileState, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileState{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return FileState{}, err
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return FileState{}, err
	}
	return FileState{
		Size:    info.Size(),
		ModTime: info.ModTime().UnixNano(),
		Hash:    hex.EncodeToString(h.Sum(nil)),
	}, nil
}

func contentHash(_ string, src []byte) string {
	sum := sha256.Sum256(src)
	return hex.EncodeToString(sum[:])
}
