// Package runner is the per-compiler staleness engine. A Runner compares
// each item's current fingerprint against its cached source and output
// state, hands the stale items to the compiler, and commits the new state
// one target at a time.
package runner

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/jward/kiln/internal/changes"
	"github.com/jward/kiln/internal/logger"
	"github.com/jward/kiln/internal/store"
)

var (
	// ErrNotUpToDate is returned in check-only mode when any work exists.
	ErrNotUpToDate = errors.New("runner: not up to date")

	// ErrCancelled is returned when the context is cancelled between
	// targets. State committed before that point is kept.
	ErrCancelled = errors.New("runner: cancelled")
)

// Item is one unit of work within a target.
type Item struct {
	// Key identifies the item in the cache. Stable across runs.
	Key string
	// Path is the item's source file.
	Path string
}

// ItemError is a compiler failure on one item.
type ItemError struct {
	Target string
	Key    string
	Path   string
	Err    error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Target, e.Key, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// Outcome is what a compiler reports after processing a target's stale
// items.
type Outcome[O comparable] struct {
	// Outputs holds the new output state of every item processed
	// successfully, by key.
	Outputs map[string]O
	// Failed holds per-item failures. Failed items keep no cached state
	// so the next run retries them.
	Failed map[string]error
	// Generated lists files written under output roots.
	Generated []string
}

// Removed is a cached item whose source is gone. Output is the output
// state recorded for it, nil when none was.
type Removed[O comparable] struct {
	Key    string
	Output *O
}

// Instance is the compiler a Runner drives. SourceState and OutputState
// are called from several goroutines at once.
type Instance[S, O comparable] interface {
	// ID names the compiler and its cache directory.
	ID() string
	// Version is the cache format version; a change wipes the cache.
	Version() int
	// Targets enumerates every target that currently exists.
	Targets(ctx context.Context) ([]string, error)
	// Items enumerates the items of target.
	Items(ctx context.Context, target string) ([]Item, error)
	// SourceState fingerprints an item's source.
	SourceState(ctx context.Context, target string, it Item) (S, error)
	// OutputState fingerprints an item's current output given the state
	// recorded last time; ok is false when the output is missing.
	OutputState(ctx context.Context, target string, it Item, cached O) (out O, ok bool, err error)
	// Process compiles the stale items and removes the outputs of the
	// removed ones.
	Process(ctx context.Context, target string, stale []Item, removed []Removed[O]) (*Outcome[O], error)
	// ProcessObsoleteTarget cleans up after a target that no longer
	// exists. removed holds every item it had cached.
	ProcessObsoleteTarget(ctx context.Context, target string, removed []Removed[O]) error
}

// Params selects what one run does.
type Params struct {
	// Select reports whether target takes part in this run and whether
	// its items are forced. Nil selects every target, unforced.
	Select func(target string) (selected, force bool)
	// CheckOnly finds work without doing it.
	CheckOnly bool
	// Delta, when complete, lets items outside it skip fingerprinting.
	Delta *changes.Delta
	// Paths, when non-empty, restricts the run to items with these
	// source paths. They are forced, and removed keys are not looked for.
	Paths []string
	// OnGenerated is called inside each target's commit with the files
	// that target generated. An error rolls the commit back.
	OnGenerated func(target string, files []string) error
}

// Option configures a Runner.
type Option func(*options)

type options struct {
	log     *logger.Logger
	workers int
}

// WithLogger sets the runner logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithWorkers bounds the fingerprinting pool. Zero means one per CPU.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// Runner drives one Instance against its cache.
type Runner[S, O comparable] struct {
	inst    Instance[S, O]
	caches  *store.Manager
	log     *logger.Logger
	workers int
}

// New returns a Runner for inst whose cache comes from caches.
func New[S, O comparable](inst Instance[S, O], caches *store.Manager, opts ...Option) *Runner[S, O] {
	o := options{log: logger.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Runner[S, O]{
		inst:    inst,
		caches:  caches,
		log:     o.log.WithComponent("runner").WithCompiler(inst.ID()),
		workers: o.workers,
	}
}

// ID returns the compiler id.
func (r *Runner[S, O]) ID() string { return r.inst.ID() }

// run is the state of one invocation.
type run[S, O comparable] struct {
	*Runner[S, O]
	ctx    context.Context
	p      Params
	cache  *store.CompilerCache
	typed  *store.Typed[S, O]
	res    *Result
	dirty  bool
	broken bool
}

// Run performs one incremental pass. The returned Result is non-nil
// whenever the cache could be opened or failed with an I/O error,
// including alongside ErrCancelled and ErrNotUpToDate. Without a usable
// cache every item is stale, nothing is committed and RebuildRequired is
// set.
func (r *Runner[S, O]) Run(ctx context.Context, p Params) (*Result, error) {
	x := &run[S, O]{
		Runner: r,
		ctx:    ctx,
		p:      p,
		res:    newResult(r.inst.ID()),
	}
	cache, err := r.caches.Cache(r.inst.ID(), r.inst.Version())
	switch {
	case err == nil:
		cache.Lock()
		defer cache.Unlock()
		x.cache = cache
		x.typed = store.NewTyped[S, O](cache.Store())
	case store.IsIOError(err):
		r.log.Warn("cache unavailable, building without state", "error", err)
		x.broken = true
		x.res.RebuildRequired = true
	default:
		return nil, fmt.Errorf("runner: open cache %s: %w", r.inst.ID(), err)
	}
	return x.res, x.execute()
}

func (x *run[S, O]) phase(ph Phase) {
	x.res.Phase = ph
	x.log.Debug("runner phase", "phase", ph.String())
}

func (x *run[S, O]) execute() error {
	x.phase(PhaseStart)

	x.phase(PhaseObsolete)
	current, err := x.inst.Targets(x.ctx)
	if err != nil {
		x.phase(PhaseErrors)
		return fmt.Errorf("runner: enumerate targets: %w", err)
	}
	obsolete := x.obsoleteTargets(current)
	if len(obsolete) > 0 && x.p.CheckOnly {
		x.res.Obsolete = obsolete
		return ErrNotUpToDate
	}

	x.phase(PhaseProcessObsolete)
	for _, name := range obsolete {
		if err := x.processObsolete(name); err != nil {
			x.res.addError(err)
		}
	}

	for _, target := range current {
		if err := x.ctx.Err(); err != nil {
			x.phase(PhaseCancelled)
			x.save()
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		selected, force := true, false
		if x.p.Select != nil {
			selected, force = x.p.Select(target)
		}
		if !selected {
			continue
		}
		if err := x.target(target, force); err != nil {
			if errors.Is(err, ErrNotUpToDate) {
				return err
			}
			if x.ctx.Err() != nil {
				x.phase(PhaseCancelled)
				x.save()
				return fmt.Errorf("%w: %w", ErrCancelled, x.ctx.Err())
			}
			x.res.addError(fmt.Errorf("target %s: %w", target, err))
		}
	}

	x.phase(PhaseSave)
	x.save()

	if len(x.res.Errors) > 0 {
		x.phase(PhaseErrors)
		return nil
	}
	x.phase(PhaseDone)
	return nil
}

// obsoleteTargets returns the cached target names absent from current.
func (x *run[S, O]) obsoleteTargets(current []string) []string {
	if x.cache == nil {
		return nil
	}
	var out []string
	for _, name := range x.cache.Data().Names() {
		if !slices.Contains(current, name) {
			out = append(out, name)
		}
	}
	return out
}

// processObsolete hands the target's cached items to the compiler before
// deleting them, so the compiler can still find what it generated.
func (x *run[S, O]) processObsolete(name string) error {
	id, _ := x.cache.Data().Lookup(name)
	var removed []Removed[O]
	if !x.broken {
		entries, err := x.typed.Entries(id)
		if err == nil {
			removed = removedItems(slices.Sorted(maps.Keys(entries)), entries)
		} else {
			x.ioFailure(err)
			// Undecodable states still name their keys.
			keys, _ := x.cache.Store().Keys(id)
			removed = removedItems(keys, map[string]store.Record[S, O]{})
		}
	}
	if err := x.inst.ProcessObsoleteTarget(x.ctx, name, removed); err != nil {
		return fmt.Errorf("obsolete target %s: %w", name, err)
	}
	x.log.Info("removed obsolete target", "target", name, "items", len(removed))
	x.res.Obsolete = append(x.res.Obsolete, name)
	if !x.broken {
		if err := x.cache.Store().RemoveTarget(id); err != nil {
			x.ioFailure(err)
		}
	}
	x.cache.Data().RemoveTarget(name)
	x.dirty = true
	return nil
}

// target runs ComputeStaleItems, Process and CommitState for one target.
func (x *run[S, O]) target(name string, force bool) error {
	x.phase(PhaseComputeStale)
	items, err := x.inst.Items(x.ctx, name)
	if err != nil {
		return fmt.Errorf("enumerate items: %w", err)
	}
	explicit := len(x.p.Paths) > 0
	if explicit {
		items = slices.DeleteFunc(items, func(it Item) bool {
			return !slices.Contains(x.p.Paths, it.Path)
		})
		if len(items) == 0 {
			return nil
		}
		force = true
	}

	cached := map[string]store.Record[S, O]{}
	if !x.broken {
		if id, known := x.cache.Data().Lookup(name); known {
			if cached, err = x.typed.Entries(id); err != nil {
				x.ioFailure(err)
				cached = map[string]store.Record[S, O]{}
			}
		}
	}

	stale, err := x.computeStale(name, items, cached, force)
	if err != nil {
		return err
	}
	var removed []string
	if !explicit {
		removed = removedKeys(items, cached)
	}
	if len(stale) == 0 && len(removed) == 0 {
		return nil
	}
	if x.p.CheckOnly {
		x.res.Stale[name] = staleKeys(stale)
		x.res.Removed[name] = removed
		return ErrNotUpToDate
	}

	x.phase(PhaseProcess)
	work := make([]Item, len(stale))
	for i, s := range stale {
		work[i] = s.item
	}
	outcome, err := x.inst.Process(x.ctx, name, work, removedItems(removed, cached))
	if err != nil {
		return fmt.Errorf("process: %w", err)
	}
	if outcome == nil {
		outcome = &Outcome[O]{}
	}

	x.phase(PhaseCommit)
	return x.commit(name, stale, removed, outcome)
}

type staleItem[S comparable] struct {
	item   Item
	source S
}

func staleKeys[S comparable](stale []staleItem[S]) []string {
	keys := make([]string, len(stale))
	for i, s := range stale {
		keys[i] = s.item.Key
	}
	return keys
}

// computeStale applies the staleness rules to every item, fingerprinting
// in parallel. The result keeps enumeration order.
func (x *run[S, O]) computeStale(target string, items []Item, cached map[string]store.Record[S, O], force bool) ([]staleItem[S], error) {
	if len(items) == 0 {
		return nil, nil
	}
	var changed map[string]bool
	if d := x.p.Delta; d != nil && d.Complete && !force {
		changed = make(map[string]bool, len(d.Changed))
		for _, p := range d.Changed {
			changed[p] = true
		}
	}

	workers := x.workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	workers = max(1, min(workers, len(items)))

	type verdict struct {
		stale  bool
		source S
	}
	verdicts := make([]verdict, len(items))

	g, ctx := errgroup.WithContext(x.ctx)
	g.SetLimit(workers)
	for i, it := range items {
		g.Go(func() error {
			rec, hasCache := cached[it.Key]
			var src S
			if changed != nil && hasCache && !changed[it.Path] {
				src = rec.Source
			} else {
				var err error
				if src, err = x.inst.SourceState(ctx, target, it); err != nil {
					return fmt.Errorf("source state %s: %w", it.Key, err)
				}
			}
			stale, err := x.isStale(ctx, target, it, src, rec, hasCache, force)
			if err != nil {
				return err
			}
			verdicts[i] = verdict{stale: stale, source: src}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []staleItem[S]
	for i, v := range verdicts {
		if v.stale {
			out = append(out, staleItem[S]{item: items[i], source: v.source})
		}
	}
	return out, nil
}

// isStale applies, in order: forced, no cached state, source mismatch,
// missing or mismatched output.
func (x *run[S, O]) isStale(ctx context.Context, target string, it Item, src S, rec store.Record[S, O], hasCache, force bool) (bool, error) {
	if force || !hasCache || rec.Source != src || rec.Output == nil {
		return true, nil
	}
	out, ok, err := x.inst.OutputState(ctx, target, it, *rec.Output)
	if err != nil {
		return false, fmt.Errorf("output state %s: %w", it.Key, err)
	}
	return !ok || out != *rec.Output, nil
}

func removedKeys[S, O any](items []Item, cached map[string]store.Record[S, O]) []string {
	present := make(map[string]bool, len(items))
	for _, it := range items {
		present[it.Key] = true
	}
	var out []string
	for k := range cached {
		if !present[k] {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

func removedItems[S, O comparable](keys []string, cached map[string]store.Record[S, O]) []Removed[O] {
	out := make([]Removed[O], len(keys))
	for i, k := range keys {
		out[i] = Removed[O]{Key: k, Output: cached[k].Output}
	}
	return out
}

// commit writes removals, the generated-file refresh and the new states in
// one transaction.
func (x *run[S, O]) commit(name string, stale []staleItem[S], removed []string, outcome *Outcome[O]) error {
	for _, s := range stale {
		if err, ok := outcome.Failed[s.item.Key]; ok {
			x.res.addError(&ItemError{Target: name, Key: s.item.Key, Path: s.item.Path, Err: err})
		}
	}
	record := func() {
		var processed []string
		for _, s := range stale {
			if _, ok := outcome.Outputs[s.item.Key]; ok {
				processed = append(processed, s.item.Key)
			}
		}
		x.res.Processed[name] = processed
		x.res.Removed[name] = removed
		x.res.Generated = append(x.res.Generated, outcome.Generated...)
	}

	if x.broken {
		record()
		return x.notify(name, outcome)
	}

	id := x.cache.Data().TargetID(name)
	x.dirty = true
	batch := store.NewBatch(id)
	for _, key := range removed {
		if err := batch.Remove(id, key); err != nil {
			return err
		}
	}
	for _, s := range stale {
		out, ok := outcome.Outputs[s.item.Key]
		if !ok {
			if err := batch.Remove(id, s.item.Key); err != nil {
				return err
			}
			continue
		}
		rec := &store.Record[S, O]{Source: s.source, Output: &out}
		if err := x.typed.Put(batch, id, s.item.Key, rec); err != nil {
			return err
		}
	}
	if x.p.OnGenerated != nil && len(outcome.Generated) > 0 {
		files := slices.Clone(outcome.Generated)
		batch.OnCommit(func() error { return x.p.OnGenerated(name, files) })
	}

	if err := x.cache.Store().Commit(id, batch); err != nil {
		if store.IsIOError(err) {
			x.ioFailure(err)
			record()
			return x.notify(name, outcome)
		}
		return fmt.Errorf("commit: %w", err)
	}
	record()
	return nil
}

// notify reports generated files when no commit carries the hook.
func (x *run[S, O]) notify(name string, outcome *Outcome[O]) error {
	if x.p.OnGenerated == nil || len(outcome.Generated) == 0 {
		return nil
	}
	if err := x.p.OnGenerated(name, slices.Clone(outcome.Generated)); err != nil {
		return fmt.Errorf("report generated files: %w", err)
	}
	return nil
}

// ioFailure records that the cache can no longer be trusted. The build
// carries on; the next open of this cache wipes it.
func (x *run[S, O]) ioFailure(err error) {
	x.res.RebuildRequired = true
	if x.broken {
		return
	}
	x.broken = true
	x.log.Warn("cache I/O failure, rebuild required next time", "error", err)
	if merr := x.cache.MarkRebuildRequired(); merr != nil {
		x.log.Warn("could not record rebuild flag", "error", merr)
	}
}

// save persists metadata and checkpoints the store when anything was
// written.
func (x *run[S, O]) save() {
	if !x.dirty || x.broken {
		return
	}
	if err := x.cache.Save(); err != nil {
		x.ioFailure(err)
	}
}
