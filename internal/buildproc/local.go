package buildproc

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jward/kiln/internal/changes"
	"github.com/jward/kiln/internal/compilers"
	"github.com/jward/kiln/internal/logger"
	"github.com/jward/kiln/internal/runner"
	"github.com/jward/kiln/internal/store"
	"github.com/jward/kiln/internal/targets"
	"github.com/jward/kiln/internal/workspace"
)

// ParamWorkers is the builder parameter that bounds per-compiler
// parallelism.
const ParamWorkers = "workers"

// CustomRebuildRequired is the custom message type sent when a compiler's
// cache failed during the build. Its cached state cannot be trusted to
// reflect the files changed since.
const CustomRebuildRequired = "cache-rebuild-required"

// LocalOption configures a Local process.
type LocalOption func(*Local)

// WithLogger sets the process logger.
func WithLogger(l *logger.Logger) LocalOption {
	return func(p *Local) { p.log = l }
}

// Local runs compilers in the calling process. Each compiler's runner runs
// in its own goroutine; a compiler's cache is only touched by its runner.
type Local struct {
	ws        *workspace.Workspace
	caches    *store.Manager
	compilers []*compilers.Compiler
	base      *logger.Logger
	log       *logger.Logger
}

var _ Process = (*Local)(nil)

// NewLocal returns a process that runs comps against caches.
func NewLocal(ws *workspace.Workspace, caches *store.Manager, comps []*compilers.Compiler, opts ...LocalOption) *Local {
	p := &Local{ws: ws, caches: caches, compilers: comps, log: logger.Discard()}
	for _, opt := range opts {
		opt(p)
	}
	p.base = p.log
	p.log = p.log.WithComponent("buildproc")
	return p
}

// Start validates req and runs the build in the background.
func (p *Local) Start(ctx context.Context, req *Request) (Handle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	h := newHandle(cancel)
	go func() {
		h.finish(p.build(ctx, req, h))
	}()
	return h, nil
}

// build runs every participating compiler and emits the terminal status.
// It returns an error only when the process itself broke.
func (p *Local) build(ctx context.Context, req *Request, h *handle) error {
	log := p.log.With("session", req.SessionID)
	defer func() {
		if err := p.caches.Flush(); err != nil {
			log.Warn("flush caches", "error", err)
		}
	}()
	if req.Clean {
		h.emit(ProgressEvent("Clearing caches", -1))
		if err := p.caches.Clear(); err != nil {
			h.emit(MessageEvent(CompileMessage{Kind: MessageError, Text: fmt.Sprintf("clear caches: %v", err)}))
		}
	}
	comps := p.participants(req)
	if len(comps) == 0 {
		h.emit(CompletedEvent(StatusUpToDate))
		return nil
	}
	workers := 0
	if v, ok := req.BuilderParams[ParamWorkers]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.emit(MessageEvent(CompileMessage{
				Kind: MessageWarning,
				Text: fmt.Sprintf("ignoring builder parameter %s=%q", ParamWorkers, v),
			}))
		} else {
			workers = n
		}
	}

	params := runner.Params{
		Select:    selector(req.TargetScopes),
		CheckOnly: req.CheckOnly,
		Paths:     req.Paths,
	}
	if len(req.Paths) > 0 {
		params.Select = nil
	}
	if req.Incremental && !req.Rebuild {
		params.Delta = &changes.Delta{Complete: true, Changed: req.ChangedPaths, Deleted: req.DeletedPaths}
	}

	h.emit(ProgressEvent(fmt.Sprintf("Running %d compiler(s)", len(comps)), 0))

	var (
		mu      sync.Mutex
		done    int
		results = make([]*runner.Result, len(comps))
		errs    = make([]error, len(comps))
	)
	var g errgroup.Group
	for i, c := range comps {
		g.Go(func() error {
			cp := params
			cp.OnGenerated = func(target string, files []string) error {
				h.emit(FilesEvent(p.generated(target, files)...))
				return nil
			}
			r := runner.New[string, compilers.FileState](c, p.caches,
				runner.WithLogger(p.base), runner.WithWorkers(workers))
			results[i], errs[i] = r.Run(ctx, cp)

			mu.Lock()
			defer mu.Unlock()
			done++
			h.emit(ProgressEvent("Finished "+c.ID(), float64(done)/float64(len(comps))))
			return nil
		})
	}
	_ = g.Wait()

	status := p.report(ctx, req, comps, results, errs, h)
	log.Info("build finished", "status", string(status), "compilers", len(comps))
	h.emit(CompletedEvent(status))
	return nil
}

// report turns runner results into messages and picks the status.
func (p *Local) report(ctx context.Context, req *Request, comps []*compilers.Compiler, results []*runner.Result, errs []error, h *handle) Status {
	var (
		failed    bool
		cancelled bool
		stale     bool
		worked    bool
	)
	for i, c := range comps {
		res, err := results[i], errs[i]
		switch {
		case err == nil:
		case errors.Is(err, runner.ErrCancelled):
			cancelled = true
		case errors.Is(err, runner.ErrNotUpToDate):
			stale = true
		default:
			failed = true
			h.emit(MessageEvent(CompileMessage{
				Kind: MessageInternalError,
				Text: fmt.Sprintf("%s: %v", c.ID(), err),
			}))
		}
		if res == nil {
			continue
		}
		if !res.NoWork() {
			worked = true
		}
		if res.RebuildRequired {
			h.emit(CustomEvent(c.ID(), CustomRebuildRequired,
				"compiler cache failed and will be rebuilt on the next build"))
		}
		for _, e := range res.Errors {
			failed = true
			h.emit(MessageEvent(itemMessage(e)))
		}
	}

	switch {
	case cancelled || ctx.Err() != nil:
		return StatusCanceled
	case failed:
		return StatusErrors
	case req.CheckOnly && stale:
		h.emit(MessageEvent(CompileMessage{Kind: MessageInfo, Text: "not up to date"}))
		return StatusCanceled
	case !worked:
		return StatusUpToDate
	}
	return StatusSuccess
}

func itemMessage(err error) CompileMessage {
	var ie *runner.ItemError
	if errors.As(err, &ie) {
		msg := CompileMessage{Kind: MessageError, Text: ie.Err.Error(), SourcePath: ie.Path}
		if _, module, perr := compilers.ParseTarget(ie.Target); perr == nil {
			msg.TargetNames = []string{module}
		}
		return msg
	}
	return CompileMessage{Kind: MessageError, Text: err.Error()}
}

// participants returns the compilers that handle a requested type. With
// explicit paths every compiler takes part and filters by path itself.
func (p *Local) participants(req *Request) []*compilers.Compiler {
	if len(req.Paths) > 0 {
		return p.compilers
	}
	var out []*compilers.Compiler
	for _, c := range p.compilers {
		for _, ts := range req.TargetScopes {
			if c.Handles(ts.TypeID) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// selector maps target scopes onto runner targets. Scopes of the same
// type are merged first.
func selector(scopes []targets.Request) func(string) (bool, bool) {
	byType := make(map[string]targets.Request)
	for _, r := range targets.Merge(nil, scopes) {
		byType[r.TypeID] = r
	}
	return func(target string) (bool, bool) {
		kind, module, err := compilers.ParseTarget(target)
		if err != nil {
			return false, false
		}
		r, ok := byType[kind.TypeID()]
		if !ok {
			return false, false
		}
		if r.AllTargets || slices.Contains(r.TargetIDs, module) {
			return true, r.ForceBuild
		}
		return false, false
	}
}

// generated expresses files relative to the target's output root.
func (p *Local) generated(target string, files []string) []GeneratedFile {
	root := ""
	if kind, name, err := compilers.ParseTarget(target); err == nil {
		if m, err := p.ws.Module(name); err == nil {
			root = p.ws.OutputRoot(m, kind)
		}
	}
	out := make([]GeneratedFile, 0, len(files))
	for _, f := range files {
		if root != "" && strings.HasPrefix(f, root+"/") {
			out = append(out, GeneratedFile{OutputRoot: root, RelativePath: strings.TrimPrefix(f, root+"/")})
			continue
		}
		out = append(out, GeneratedFile{
			OutputRoot:   filepath.ToSlash(filepath.Dir(f)),
			RelativePath: filepath.Base(f),
		})
	}
	return out
}
