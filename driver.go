package kiln

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jward/kiln/internal/buildproc"
	"github.com/jward/kiln/internal/changes"
	"github.com/jward/kiln/internal/compilers"
	"github.com/jward/kiln/internal/logger"
	kilnrt "github.com/jward/kiln/internal/runtime"
	"github.com/jward/kiln/internal/scope"
	"github.com/jward/kiln/internal/store"
	"github.com/jward/kiln/internal/targets"
	"github.com/jward/kiln/internal/workspace"
)

// DefaultPollInterval is how often a waiting driver checks for a
// cancellation request.
const DefaultPollInterval = 100 * time.Millisecond

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the driver logger. It is also handed to the in-process
// build process.
func WithLogger(l *logger.Logger) Option {
	return func(d *Driver) { d.log = l }
}

// WithProcess sends builds to p instead of running compilers in-process.
func WithProcess(p buildproc.Process) Option {
	return func(d *Driver) { d.proc = p }
}

// WithTracker supplies filesystem deltas. Without one every build is
// treated as a full rescan.
func WithTracker(t *changes.Tracker) Option {
	return func(d *Driver) { d.tracker = t }
}

// WithProviders adds target scope providers.
func WithProviders(ps ...targets.Provider) Option {
	return func(d *Driver) { d.providers = append(d.providers, ps...) }
}

// WithPollInterval sets how often cancellation requests are checked.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Driver) {
		if interval > 0 {
			d.poll = interval
		}
	}
}

// WithTestTimeout forcibly cancels a build that runs longer than timeout.
// Meant for verification harnesses; production code cancels explicitly.
func WithTestTimeout(timeout time.Duration) Option {
	return func(d *Driver) { d.timeout = timeout }
}

// WithGeneratedFilesListener forwards FILES_GENERATED events to l.
func WithGeneratedFilesListener(l GeneratedFilesListener) Option {
	return func(d *Driver) { d.listener = l }
}

// WithProgressHandler is called on every progress update.
func WithProgressHandler(fn func(Progress)) Option {
	return func(d *Driver) { d.onProgress = fn }
}

// WithMessageHandler is called for every build message.
func WithMessageHandler(fn func(Message)) Option {
	return func(d *Driver) { d.onMessage = fn }
}

// WithCustomMessageHandler is called for compiler-specific messages.
func WithCustomMessageHandler(fn func(buildproc.CustomMessage)) Option {
	return func(d *Driver) { d.onCustom = fn }
}

// WithStateHandler is called on every session state change.
func WithStateHandler(fn func(State)) Option {
	return func(d *Driver) { d.onState = fn }
}

// WithOutputRefresh is called with the workspace output roots after a
// build that did work.
func WithOutputRefresh(fn func(roots []string)) Option {
	return func(d *Driver) { d.refresh = fn }
}

// WithCompletion is called exactly once per build with its result.
func WithCompletion(fn func(*Result)) Option {
	return func(d *Driver) { d.onComplete = fn }
}

// Driver orchestrates builds: it resolves a scope into target requests,
// submits them with the pending filesystem delta to the build process,
// follows the event stream to a terminal status, and flushes the
// compiler caches. One build runs at a time.
type Driver struct {
	ws        *workspace.Workspace
	caches    *store.Manager
	proc      buildproc.Process
	builder   *targets.Builder
	providers []targets.Provider
	tracker   *changes.Tracker
	log       *logger.Logger
	poll      time.Duration
	timeout   time.Duration

	listener   GeneratedFilesListener
	onProgress func(Progress)
	onMessage  func(Message)
	onCustom   func(buildproc.CustomMessage)
	onState    func(State)
	refresh    func([]string)
	onComplete func(*Result)

	mu              sync.Mutex
	cancelRequested atomic.Bool
}

// New returns a driver for ws whose compilers keep their state in caches.
// Unless WithProcess is given, builds run in-process with the resource
// compiler plus every scripted compiler ws declares.
func New(ws *workspace.Workspace, caches *store.Manager, opts ...Option) (*Driver, error) {
	d := &Driver{
		ws:     ws,
		caches: caches,
		log:    logger.Discard(),
		poll:   DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.proc == nil {
		rt := kilnrt.NewRuntime(ws.Root, kilnrt.WithLogger(d.log))
		comps, err := compilers.ForWorkspace(ws, rt, compilers.WithLogger(d.log))
		if err != nil {
			return nil, fmt.Errorf("kiln: create compilers: %w", err)
		}
		d.proc = buildproc.NewLocal(ws, caches, comps, buildproc.WithLogger(d.log))
	}
	d.builder = targets.NewBuilder(ws, d.providers...)
	d.log = d.log.WithComponent("driver")
	return d, nil
}

type mode struct {
	force     bool
	rebuild   bool
	clean     bool
	checkOnly bool
}

// Make builds what changed in s.
func (d *Driver) Make(ctx context.Context, s *scope.Scope) (*Result, error) {
	res := d.build(ctx, s, mode{})
	return res, res.Err()
}

// Rebuild recompiles everything in s. With cleanSystemData the cache root
// is deleted first.
func (d *Driver) Rebuild(ctx context.Context, s *scope.Scope, cleanSystemData bool) (*Result, error) {
	res := d.build(ctx, s, mode{force: true, rebuild: true, clean: cleanSystemData})
	return res, res.Err()
}

// ForceCompile recompiles s whether or not it changed.
func (d *Driver) ForceCompile(ctx context.Context, s *scope.Scope) (*Result, error) {
	res := d.build(ctx, s, mode{force: true})
	return res, res.Err()
}

// IsUpToDate reports whether building s would do nothing. Nothing is
// compiled or written. The error is non-nil only when the check itself
// could not run.
func (d *Driver) IsUpToDate(ctx context.Context, s *scope.Scope) (bool, error) {
	res := d.build(ctx, s, mode{checkOnly: true})
	switch {
	case res.Status == UpToDate:
		return true, nil
	case res.notUpToDate:
		return false, nil
	}
	return false, res.Err()
}

// Cancel asks the running build, if any, to stop. The request is seen
// within one poll interval.
func (d *Driver) Cancel() {
	d.cancelRequested.Store(true)
}

// outcome is what the driver learned about a build while running it.
type outcome struct {
	blocked   bool
	cancelled bool
	// failed is set when the process could not start, exited badly or
	// never reported a status.
	failed bool
	delta  changes.Delta
	taken  bool
}

func (d *Driver) build(ctx context.Context, s *scope.Scope, m mode) *Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelRequested.Store(false)

	id := uuid.NewString()
	sess := &session{
		id:         id,
		started:    time.Now(),
		log:        d.log.WithSession(id),
		counts:     make(map[MessageKind]int),
		onState:    d.onState,
		onProgress: d.onProgress,
		onMessage:  d.onMessage,
		onCustom:   d.onCustom,
		listener:   d.listener,
	}
	ctx = logger.ContextWithSessionID(ctx, id)

	var out outcome
	sess.setState(Preparing)
	if req := d.prepare(ctx, sess, s, m, &out); req != nil {
		sess.setState(AwaitingExternalProcess)
		d.await(ctx, sess, req, &out)
	}

	sess.setState(ReconcilingResult)
	d.reconcile(sess, s, m, &out)
	sess.setState(Finished)

	res := sess.result()
	res.notUpToDate = m.checkOnly && res.Status == Cancelled && !out.blocked && !out.cancelled
	sess.log.Info("build finished", "status", res.Status.String(),
		"errors", res.Errors, "warnings", res.Warnings, "duration", res.Duration)
	sess.doneOnce.Do(func() {
		if d.onComplete != nil {
			d.onComplete(res)
		}
	})
	return res
}

func (d *Driver) stopRequested(ctx context.Context) bool {
	return ctx.Err() != nil || d.cancelRequested.Load()
}

// prepare validates the scope and builds the request. A nil request means
// the session already has its status.
func (d *Driver) prepare(ctx context.Context, sess *session, s *scope.Scope, m mode, out *outcome) *buildproc.Request {
	if d.stopRequested(ctx) {
		out.cancelled = true
		sess.status.SetIfAbsent(Cancelled)
		return nil
	}

	if names := s.AffectedModules(d.ws); len(names) > 0 {
		if problems := d.ws.Validate(names); len(problems) > 0 {
			for _, p := range problems {
				sess.addMessage(Message{Kind: Error, Text: p.String()})
			}
			out.blocked = true
			sess.status.SetIfAbsent(Cancelled)
			return nil
		}
	}

	scopes, err := d.builder.Build(ctx, s, m.force, m.rebuild)
	if err != nil {
		if ctx.Err() != nil {
			out.cancelled = true
			sess.status.SetIfAbsent(Cancelled)
			return nil
		}
		sess.addMessage(Message{Kind: Error, Text: err.Error()})
		sess.status.SetIfAbsent(Errors)
		return nil
	}

	req := &buildproc.Request{
		SessionID:     sess.id,
		BuilderParams: s.BuilderParams(),
		CheckOnly:     m.checkOnly,
		Rebuild:       m.rebuild,
		Clean:         m.clean,
	}
	if paths := s.ExplicitPaths(); len(paths) > 0 && !m.rebuild {
		req.Paths = paths
	} else {
		req.TargetScopes = scopes
	}
	if len(req.TargetScopes) == 0 && len(req.Paths) == 0 {
		sess.status.SetIfAbsent(UpToDate)
		return nil
	}

	if d.tracker != nil {
		out.delta = d.tracker.Take()
		out.taken = true
	} else {
		out.delta = changes.Incomplete()
	}
	if !m.rebuild && out.delta.Complete {
		req.Incremental = true
		req.ChangedPaths = out.delta.Changed
		req.DeletedPaths = out.delta.Deleted
	}
	sess.log.Debug("submitting build", "scopes", len(req.TargetScopes), "paths", len(req.Paths),
		"incremental", req.Incremental, "changed", len(req.ChangedPaths), "deleted", len(req.DeletedPaths))
	return req
}

// await streams the build's events until the process finishes.
func (d *Driver) await(ctx context.Context, sess *session, req *buildproc.Request, out *outcome) {
	h, err := d.proc.Start(ctx, req)
	if err != nil {
		sess.addMessage(Message{Kind: Error, Text: fmt.Sprintf("start build process: %v", err)})
		out.failed = true
		sess.status.SetIfAbsent(Errors)
		return
	}

	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()
	var timeout <-chan time.Time
	if d.timeout > 0 {
		t := time.NewTimer(d.timeout)
		defer t.Stop()
		timeout = t.C
	}

	cancel := func(reason string) {
		if out.cancelled {
			return
		}
		out.cancelled = true
		sess.log.Info("cancelling build", "reason", reason)
		sess.status.SetIfAbsent(Cancelled)
		h.Cancel()
	}

	done := ctx.Done()
	events := h.Events()
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			sess.handle(ev)
		case <-done:
			done = nil
			cancel("context done")
		case <-ticker.C:
			if d.cancelRequested.Load() {
				cancel("cancel requested")
			}
		case <-timeout:
			timeout = nil
			sess.log.Warn("build timed out", "timeout", d.timeout)
			cancel("timeout")
		}
	}
	<-h.Done()

	if err := h.Err(); err != nil {
		sess.addMessage(Message{Kind: Error, Text: err.Error()})
		out.failed = true
		sess.status.SetIfAbsent(Errors)
		return
	}
	if sess.status.Get() == Pending {
		sess.addMessage(Message{Kind: Error, Text: "build process ended without reporting a status"})
		out.failed = true
		sess.status.SetIfAbsent(Errors)
	}
}

// reconcile flushes caches once, hands back the part of the delta this
// build did not consume, and refreshes output roots after real work.
func (d *Driver) reconcile(sess *session, s *scope.Scope, m mode, out *outcome) {
	sess.flushOnce.Do(func() {
		if err := d.caches.Flush(); err != nil {
			sess.log.Warn("flush caches", "error", err)
		}
	})

	status := sess.status.Get()
	if out.taken {
		if rest := d.unconsumed(s, out.delta, consumed(sess, m, out)); !rest.IsEmpty() {
			d.tracker.Requeue(rest)
		}
	}
	if d.tracker != nil && sess.cacheFailure() {
		sess.log.Info("compiler cache failed, next build fingerprints every file")
		d.tracker.Requeue(changes.Incomplete())
	}

	if d.refresh != nil && (status == Success || status == Errors) {
		d.refresh(d.ws.OutputRoots())
	}
}

// consumed reports whether every target in the scope committed the delta:
// the process itself reported SUCCESS or UP_TO_DATE. After ERRORS a target
// may have failed before its commit.
func consumed(sess *session, m mode, out *outcome) bool {
	if m.checkOnly || out.failed || out.cancelled {
		return false
	}
	st := sess.reported.Get()
	return (st == Success || st == UpToDate) && sess.status.Get() == st
}

// unconsumed returns what must be kept for later builds: everything when
// the build did not consume the delta, otherwise the source paths outside
// the scope.
func (d *Driver) unconsumed(s *scope.Scope, delta changes.Delta, done bool) changes.Delta {
	if !done {
		return delta
	}
	if !delta.Complete {
		if s.Kind() == scope.Project {
			return changes.Empty()
		}
		return changes.Incomplete()
	}
	rest := changes.Empty()
	keep := func(p string) bool {
		_, inSources := d.ws.SourceSetForPath(p)
		return inSources && !s.Belongs(d.ws, p)
	}
	for _, p := range delta.Changed {
		if keep(p) {
			rest.Changed = append(rest.Changed, p)
		}
	}
	for _, p := range delta.Deleted {
		if keep(p) {
			rest.Deleted = append(rest.Deleted, p)
		}
	}
	return rest
}
