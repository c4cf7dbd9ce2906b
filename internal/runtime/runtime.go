package runtime

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/importer"
	"github.com/risor-io/risor/object"

	"github.com/jward/kiln/internal/logger"
)

// ErrNoOutput is returned when a script's final value is not a string.
var ErrNoOutput = errors.New("runtime: script did not produce a string")

// Runtime embeds a Risor VM and exposes tree-sitter host functions to
// compiler scripts. One Runtime may run many compilations concurrently;
// every call gets its own globals.
type Runtime struct {
	scriptsDir string
	fsys       fs.FS
	log        *logger.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithRuntimeFS loads scripts and resolves imports from fsys instead of
// from disk.
func WithRuntimeFS(fsys fs.FS) RuntimeOption {
	return func(r *Runtime) {
		r.fsys = fsys
	}
}

// WithLogger routes the scripts' log global to l.
func WithLogger(l *logger.Logger) RuntimeOption {
	return func(r *Runtime) {
		r.log = l.WithComponent("script")
	}
}

// NewRuntime creates a Runtime loading scripts relative to scriptsDir.
func NewRuntime(scriptsDir string, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		scriptsDir: scriptsDir,
		log:        logger.Discard(),
		cache:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Input is what a script sees of the item being compiled.
type Input struct {
	SourcePath string
	Source     []byte
	Target     string
	OutputPath string
}

// Emitted is an extra file a script asked to generate, relative to the
// output root.
type Emitted struct {
	Path    string
	Content string
}

// Output is the result of one script run.
type Output struct {
	Text    string
	Emitted []Emitted
}

// Compile runs the script at scriptPath against in. The script's final
// expression must be a string; it becomes Output.Text.
func (r *Runtime) Compile(ctx context.Context, scriptPath string, in Input) (*Output, error) {
	src, err := r.script(scriptPath)
	if err != nil {
		return nil, err
	}
	return r.compile(ctx, src, scriptPath, in)
}

// CompileSource runs Risor source directly. Useful for testing without
// script files.
func (r *Runtime) CompileSource(ctx context.Context, source string, in Input) (*Output, error) {
	return r.compile(ctx, source, "<inline>", in)
}

func (r *Runtime) compile(ctx context.Context, source, label string, in Input) (*Output, error) {
	em := &emitter{}
	trees := newSyntaxTrees()
	defer trees.Close()
	globals := r.buildGlobals(in, em, trees)

	res, err := r.eval(ctx, source, label, globals)
	if err != nil {
		return nil, err
	}
	out := &Output{Emitted: em.files}
	switch v := res.(type) {
	case *object.String:
		out.Text = v.Value()
	default:
		return nil, fmt.Errorf("runtime: script %s: %w (got %s)", label, ErrNoOutput, typeName(res))
	}
	return out, nil
}

func typeName(o object.Object) string {
	if o == nil {
		return "nothing"
	}
	return string(o.Type())
}

func (r *Runtime) eval(ctx context.Context, source, label string, globals map[string]any) (object.Object, error) {
	var opts []risor.Option
	for name, val := range globals {
		opts = append(opts, risor.WithGlobal(name, val))
	}

	// Wire importer so Risor import statements resolve correctly.
	if imp := r.buildImporter(globals); imp != nil {
		opts = append(opts, risor.WithImporter(imp))
	}

	res, err := risor.Eval(ctx, source, opts...)
	if err != nil {
		return nil, fmt.Errorf("runtime: script %s: %w", label, err)
	}
	return res, nil
}

// buildImporter returns a Risor importer configured for the Runtime's
// script source, or nil when neither fs.FS nor scriptsDir is configured.
func (r *Runtime) buildImporter(globals map[string]any) importer.Importer {
	globalNames := make([]string, 0, len(globals))
	for name := range globals {
		globalNames = append(globalNames, name)
	}

	if r.fsys != nil {
		return importer.NewFSImporter(importer.FSImporterOptions{
			GlobalNames: globalNames,
			SourceFS:    r.fsys,
			Extensions:  []string{".risor"},
		})
	}
	if r.scriptsDir != "" {
		return importer.NewLocalImporter(importer.LocalImporterOptions{
			GlobalNames: globalNames,
			SourceDir:   r.scriptsDir,
			Extensions:  []string{".risor"},
		})
	}
	return nil
}

// script returns the source of scriptPath, reading it once per Runtime.
func (r *Runtime) script(path string) (string, error) {
	r.mu.RLock()
	src, ok := r.cache[path]
	r.mu.RUnlock()
	if ok {
		return src, nil
	}
	src, err := r.LoadScript(path)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.cache[path] = src
	r.mu.Unlock()
	return src, nil
}

// LoadScript reads a .risor file and returns its source code. With an
// fs.FS configured the path is resolved inside it; otherwise relative
// paths are resolved against scriptsDir.
func (r *Runtime) LoadScript(path string) (string, error) {
	if r.fsys != nil {
		fsPath := strings.TrimPrefix(filepath.ToSlash(path), "/")
		data, err := fs.ReadFile(r.fsys, fsPath)
		if err != nil {
			return "", fmt.Errorf("runtime: loading script %s from fs: %w", fsPath, err)
		}
		return string(data), nil
	}

	fullPath := path
	if !filepath.IsAbs(path) {
		fullPath = filepath.Join(r.scriptsDir, path)
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", fmt.Errorf("runtime: loading script %s: %w", fullPath, err)
	}
	return string(data), nil
}

// buildGlobals constructs the globals exposed to one script run.
func (r *Runtime) buildGlobals(in Input, em *emitter, trees *syntaxTrees) map[string]any {
	return map[string]any{
		"parse":       trees.parseFn(),
		"parse_src":   trees.parseSrcFn(),
		"node_text":   trees.nodeTextFn(),
		"node_child":  nodeChildFn(),
		"query":       trees.queryFn(),
		"emit":        em.emitFn(),
		"log":         mustProxy(&logObject{log: r.log.With("source", in.SourcePath)}),
		"source_path": in.SourcePath,
		"source":      string(in.Source),
		"target":      in.Target,
		"output_path": in.OutputPath,
	}
}

func mustProxy(v any) object.Object {
	p, err := object.NewProxy(v)
	if err != nil {
		panic(fmt.Sprintf("runtime: proxy error: %v", err))
	}
	return p
}
