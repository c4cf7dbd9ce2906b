package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/kiln/internal/changes"
	"github.com/jward/kiln/internal/store"
)

// fakeCompiler keeps sources and outputs in memory. Source state is the
// content itself; output state is the compiled text.
type fakeCompiler struct {
	id      string
	version int

	mu              sync.Mutex
	sources         map[string]map[string]string // target -> key -> content
	outputs         map[string]string            // target/key -> output
	fail            map[string]bool
	processed       []string
	fingerprint     int
	obsolete        map[string][]string
	obsoleteOutputs []string
	onObsolete      func(target string)
}

func newFake(id string) *fakeCompiler {
	return &fakeCompiler{
		id:       id,
		version:  1,
		sources:  make(map[string]map[string]string),
		outputs:  make(map[string]string),
		fail:     make(map[string]bool),
		obsolete: make(map[string][]string),
	}
}

func (f *fakeCompiler) set(target, key, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sources[target] == nil {
		f.sources[target] = make(map[string]string)
	}
	f.sources[target][key] = content
}

func (f *fakeCompiler) drop(target, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sources[target], key)
}

func (f *fakeCompiler) dropTarget(target string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sources, target)
}

func (f *fakeCompiler) takeProcessed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.processed
	f.processed = nil
	slices.Sort(out)
	return out
}

func (f *fakeCompiler) ID() string   { return f.id }
func (f *fakeCompiler) Version() int { return f.version }

func (f *fakeCompiler) Targets(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for t := range f.sources {
		out = append(out, t)
	}
	slices.Sort(out)
	return out, nil
}

func (f *fakeCompiler) Items(_ context.Context, target string) ([]Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Item
	for k := range f.sources[target] {
		out = append(out, Item{Key: k, Path: "/src/" + target + "/" + k})
	}
	slices.SortFunc(out, func(a, b Item) int {
		if a.Key < b.Key {
			return -1
		}
		if a.Key > b.Key {
			return 1
		}
		return 0
	})
	return out, nil
}

func (f *fakeCompiler) SourceState(_ context.Context, target string, it Item) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fingerprint++
	return f.sources[target][it.Key], nil
}

func (f *fakeCompiler) OutputState(_ context.Context, target string, it Item, _ string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, ok := f.outputs[target+"/"+it.Key]
	return out, ok, nil
}

func (f *fakeCompiler) Process(_ context.Context, target string, stale []Item, removed []Removed[string]) (*Outcome[string], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	oc := &Outcome[string]{Outputs: make(map[string]string), Failed: make(map[string]error)}
	for _, r := range removed {
		delete(f.outputs, target+"/"+r.Key)
	}
	for _, it := range stale {
		if f.fail[it.Key] {
			oc.Failed[it.Key] = errors.New("syntax error")
			continue
		}
		out := "compiled:" + f.sources[target][it.Key]
		f.outputs[target+"/"+it.Key] = out
		oc.Outputs[it.Key] = out
		oc.Generated = append(oc.Generated, "/out/"+target+"/"+it.Key)
		f.processed = append(f.processed, target+"/"+it.Key)
	}
	return oc, nil
}

func (f *fakeCompiler) ProcessObsoleteTarget(_ context.Context, target string, removed []Removed[string]) error {
	if f.onObsolete != nil {
		f.onObsolete(target)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range removed {
		f.obsolete[target] = append(f.obsolete[target], r.Key)
		if r.Output != nil {
			f.obsoleteOutputs = append(f.obsoleteOutputs, *r.Output)
		}
		delete(f.outputs, target+"/"+r.Key)
	}
	return nil
}

func newManager(t *testing.T, root string) *store.Manager {
	t.Helper()
	m := store.NewManager(root)
	t.Cleanup(func() { m.Flush() })
	return m
}

func cachedKeys(t *testing.T, m *store.Manager, f *fakeCompiler, target string) []string {
	t.Helper()
	c, err := m.Cache(f.id, f.version)
	require.NoError(t, err)
	c.Lock()
	defer c.Unlock()
	id, ok := c.Data().Lookup(target)
	if !ok {
		return nil
	}
	keys, err := c.Store().Keys(id)
	require.NoError(t, err)
	return keys
}

// snapshot captures the on-disk cache: metadata bytes plus every entry.
func snapshot(t *testing.T, root, compiler string) ([]byte, []store.Entry) {
	t.Helper()
	meta, err := os.ReadFile(filepath.Join(root, compiler, "meta.yaml"))
	require.NoError(t, err)
	st, err := store.OpenStateStore(filepath.Join(root, compiler, "state.db"))
	require.NoError(t, err)
	defer st.Close()
	targets, err := st.Targets()
	require.NoError(t, err)
	var all []store.Entry
	for _, id := range targets {
		entries, err := st.Entries(id)
		require.NoError(t, err)
		all = append(all, entries...)
	}
	return meta, all
}

// =============================================================================
// Staleness
// =============================================================================

func TestRun_ProcessesChangedAndRemovesAbsent(t *testing.T) {
	t.Parallel()
	f := newFake("fake")
	f.set("t", "A", "a")
	f.set("t", "B", "b")
	f.set("t", "C", "c")
	m := newManager(t, t.TempDir())
	r := New[string, string](f, m)

	res, err := r.Run(context.Background(), Params{})
	require.NoError(t, err)
	assert.Equal(t, []string{"t/A", "t/B", "t/C"}, f.takeProcessed())
	assert.Equal(t, PhaseDone, res.Phase)

	f.set("t", "B", "b2")
	f.drop("t", "C")
	res, err = r.Run(context.Background(), Params{})
	require.NoError(t, err)
	assert.Equal(t, []string{"t/B"}, f.takeProcessed())
	assert.Equal(t, []string{"B"}, res.Processed["t"])
	assert.Equal(t, []string{"C"}, res.Removed["t"])
	assert.Equal(t, []string{"A", "B"}, cachedKeys(t, m, f, "t"))

	c, err := m.Cache("fake", 1)
	require.NoError(t, err)
	c.Lock()
	defer c.Unlock()
	id, _ := c.Data().Lookup("t")
	rec, err := store.NewTyped[string, string](c.Store()).Get(id, "B")
	require.NoError(t, err)
	assert.Equal(t, "b2", rec.Source)
	assert.Equal(t, "compiled:b2", *rec.Output)
}

func TestRun_SecondRunIsNoWorkAndLeavesCacheIdentical(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	f := newFake("fake")
	f.set("t", "A", "a")
	f.set("u", "B", "b")

	m := store.NewManager(root)
	_, err := New[string, string](f, m).Run(context.Background(), Params{})
	require.NoError(t, err)
	require.NoError(t, m.Flush())
	metaBefore, entriesBefore := snapshot(t, root, "fake")
	f.takeProcessed()

	m = store.NewManager(root)
	res, err := New[string, string](f, m).Run(context.Background(), Params{})
	require.NoError(t, err)
	require.NoError(t, m.Flush())
	assert.True(t, res.NoWork())
	assert.Empty(t, f.takeProcessed())

	metaAfter, entriesAfter := snapshot(t, root, "fake")
	assert.Equal(t, metaBefore, metaAfter)
	assert.Equal(t, entriesBefore, entriesAfter)
}

func TestRun_MissingOutputIsStale(t *testing.T) {
	t.Parallel()
	f := newFake("fake")
	f.set("t", "A", "a")
	f.set("t", "B", "b")
	r := New[string, string](f, newManager(t, t.TempDir()))
	_, err := r.Run(context.Background(), Params{})
	require.NoError(t, err)
	f.takeProcessed()

	f.mu.Lock()
	delete(f.outputs, "t/A")
	f.outputs["t/B"] = "tampered"
	f.mu.Unlock()

	_, err = r.Run(context.Background(), Params{})
	require.NoError(t, err)
	assert.Equal(t, []string{"t/A", "t/B"}, f.takeProcessed())
}

func TestRun_ForceProcessesEverythingSelected(t *testing.T) {
	t.Parallel()
	f := newFake("fake")
	f.set("t", "A", "a")
	f.set("u", "B", "b")
	r := New[string, string](f, newManager(t, t.TempDir()))
	_, err := r.Run(context.Background(), Params{})
	require.NoError(t, err)
	f.takeProcessed()

	res, err := r.Run(context.Background(), Params{
		Select: func(target string) (bool, bool) { return target == "t", true },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"t/A"}, f.takeProcessed())
	assert.NotContains(t, res.Processed, "u")
}

func TestRun_ExplicitPathsAreForcedAndNarrow(t *testing.T) {
	t.Parallel()
	f := newFake("fake")
	f.set("t", "A", "a")
	f.set("t", "B", "b")
	m := newManager(t, t.TempDir())
	r := New[string, string](f, m)
	_, err := r.Run(context.Background(), Params{})
	require.NoError(t, err)
	f.takeProcessed()

	f.drop("t", "B")
	res, err := r.Run(context.Background(), Params{Paths: []string{"/src/t/A"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"t/A"}, f.takeProcessed(), "unchanged but forced")
	assert.Empty(t, res.Removed["t"], "removal is not computed for explicit paths")
	assert.Equal(t, []string{"A", "B"}, cachedKeys(t, m, f, "t"))
}

func TestRun_FailedItemsAreRetried(t *testing.T) {
	t.Parallel()
	f := newFake("fake")
	f.set("t", "A", "a")
	f.set("t", "B", "b")
	f.fail["B"] = true
	m := newManager(t, t.TempDir())
	r := New[string, string](f, m)

	res, err := r.Run(context.Background(), Params{})
	require.NoError(t, err)
	assert.Equal(t, PhaseErrors, res.Phase)
	require.Len(t, res.Errors, 1)
	var itemErr *ItemError
	require.ErrorAs(t, res.Errors[0], &itemErr)
	assert.Equal(t, "/src/t/B", itemErr.Path)
	assert.Equal(t, "t: B: syntax error", itemErr.Error())
	assert.Contains(t, res.Err().Error(), "had 1 error(s)")
	assert.Equal(t, []string{"A"}, cachedKeys(t, m, f, "t"))
	f.takeProcessed()

	f.mu.Lock()
	f.fail["B"] = false
	f.mu.Unlock()
	res, err = r.Run(context.Background(), Params{})
	require.NoError(t, err)
	assert.Equal(t, []string{"t/B"}, f.takeProcessed())
	assert.Nil(t, res.Err())
}

func TestRun_CompleteDeltaSkipsFingerprinting(t *testing.T) {
	t.Parallel()
	f := newFake("fake")
	f.set("t", "A", "a")
	f.set("t", "B", "b")
	r := New[string, string](f, newManager(t, t.TempDir()))
	_, err := r.Run(context.Background(), Params{})
	require.NoError(t, err)
	f.takeProcessed()

	f.set("t", "A", "a2")
	f.set("t", "B", "b2")
	f.mu.Lock()
	f.fingerprint = 0
	f.mu.Unlock()

	delta := changes.Delta{Complete: true, Changed: []string{"/src/t/B"}}
	_, err = r.Run(context.Background(), Params{Delta: &delta})
	require.NoError(t, err)
	assert.Equal(t, []string{"t/B"}, f.takeProcessed(), "A is trusted because the delta says it did not change")
	assert.Equal(t, 1, f.fingerprint)

	incomplete := changes.Incomplete()
	_, err = r.Run(context.Background(), Params{Delta: &incomplete})
	require.NoError(t, err)
	assert.Equal(t, []string{"t/A"}, f.takeProcessed())
}

// =============================================================================
// Cache lifecycle
// =============================================================================

func TestRun_VersionBumpReprocessesEverything(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	f := newFake("fake")
	f.set("t", "A", "a")

	m := store.NewManager(root)
	_, err := New[string, string](f, m).Run(context.Background(), Params{})
	require.NoError(t, err)
	require.NoError(t, m.Flush())
	f.takeProcessed()

	f.version = 2
	m = newManager(t, root)
	_, err = New[string, string](f, m).Run(context.Background(), Params{})
	require.NoError(t, err)
	assert.Equal(t, []string{"t/A"}, f.takeProcessed())
}

func TestRun_CorruptCacheFlagsRebuild(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	f := newFake("fake")
	f.set("t", "A", "a")

	m := store.NewManager(root)
	r := New[string, string](f, m)
	_, err := r.Run(context.Background(), Params{})
	require.NoError(t, err)
	f.takeProcessed()

	c, err := m.Cache("fake", 1)
	require.NoError(t, err)
	c.Lock()
	id, _ := c.Data().Lookup("t")
	require.NoError(t, c.Store().Put(id, "A", &store.State{Source: []byte("{bad")}))
	c.Unlock()

	res, err := r.Run(context.Background(), Params{})
	require.NoError(t, err)
	assert.True(t, res.RebuildRequired)
	assert.Equal(t, []string{"t/A"}, f.takeProcessed(), "the build carries on without the cache")
	require.NoError(t, m.Flush())

	// Reopening wipes the flagged cache.
	m = newManager(t, root)
	c, err = m.Cache("fake", 1)
	require.NoError(t, err)
	c.Lock()
	defer c.Unlock()
	assert.False(t, c.Data().RebuildRequired)
	assert.Empty(t, c.Data().Targets)
}

func TestRun_UnusableCacheRootBuildsWithoutState(t *testing.T) {
	t.Parallel()
	root := filepath.Join(t.TempDir(), "caches")
	require.NoError(t, os.WriteFile(root, []byte("not a directory"), 0o644))
	f := newFake("fake")
	f.set("t", "A", "a")
	f.set("t", "B", "b")
	r := New[string, string](f, newManager(t, root))

	var refreshed []string
	params := Params{OnGenerated: func(_ string, files []string) error {
		refreshed = append(refreshed, files...)
		return nil
	}}
	res, err := r.Run(context.Background(), params)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.RebuildRequired)
	assert.Empty(t, res.Errors)
	assert.Equal(t, []string{"t/A", "t/B"}, f.takeProcessed())
	assert.Equal(t, []string{"/out/t/A", "/out/t/B"}, refreshed)

	res, err = r.Run(context.Background(), params)
	require.NoError(t, err)
	assert.True(t, res.RebuildRequired)
	assert.Equal(t, []string{"t/A", "t/B"}, f.takeProcessed(), "nothing was committed")
}

func TestRun_CommitHookFailureRollsBack(t *testing.T) {
	t.Parallel()
	f := newFake("fake")
	f.set("t", "A", "a")
	m := newManager(t, t.TempDir())
	r := New[string, string](f, m)

	boom := errors.New("refresh failed")
	res, err := r.Run(context.Background(), Params{
		OnGenerated: func(string, []string) error { return boom },
	})
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], boom)
	assert.Empty(t, cachedKeys(t, m, f, "t"))

	var refreshed []string
	_, err = r.Run(context.Background(), Params{
		OnGenerated: func(target string, files []string) error {
			refreshed = append(refreshed, files...)
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/out/t/A"}, refreshed)
	assert.Equal(t, []string{"A"}, cachedKeys(t, m, f, "t"))
}

// =============================================================================
// Obsolete targets
// =============================================================================

func TestRun_ObsoleteTargetNotifiedBeforeDeletion(t *testing.T) {
	t.Parallel()
	f := newFake("fake")
	f.set("keep", "A", "a")
	f.set("gone", "X", "x")
	f.set("gone", "Y", "y")
	m := newManager(t, t.TempDir())
	r := New[string, string](f, m)
	_, err := r.Run(context.Background(), Params{})
	require.NoError(t, err)

	c, err := m.Cache("fake", 1)
	require.NoError(t, err)
	c.Lock()
	goneID, _ := c.Data().Lookup("gone")
	c.Unlock()

	var seenInStore []string
	f.onObsolete = func(target string) {
		// The runner holds the cache lock; the store itself is safe to read.
		keys, err := c.Store().Keys(goneID)
		assert.NoError(t, err)
		seenInStore = keys
	}
	f.dropTarget("gone")

	res, err := r.Run(context.Background(), Params{})
	require.NoError(t, err)
	assert.Equal(t, []string{"gone"}, res.Obsolete)
	assert.Equal(t, []string{"X", "Y"}, f.obsolete["gone"])
	assert.Equal(t, []string{"compiled:x", "compiled:y"}, f.obsoleteOutputs, "recorded outputs are handed over")
	assert.Equal(t, []string{"X", "Y"}, seenInStore, "entries still present when the compiler is notified")
	assert.Empty(t, cachedKeys(t, m, f, "gone"))

	c.Lock()
	_, known := c.Data().Lookup("gone")
	c.Unlock()
	assert.False(t, known)
}

// =============================================================================
// Check-only & cancellation
// =============================================================================

func TestRun_CheckOnlyDoesNotMutate(t *testing.T) {
	t.Parallel()
	f := newFake("fake")
	f.set("t", "A", "a")
	m := newManager(t, t.TempDir())
	r := New[string, string](f, m)

	res, err := r.Run(context.Background(), Params{CheckOnly: true})
	require.ErrorIs(t, err, ErrNotUpToDate)
	assert.Equal(t, []string{"A"}, res.Stale["t"])
	assert.Empty(t, f.takeProcessed())
	assert.Empty(t, cachedKeys(t, m, f, "t"))

	_, err = r.Run(context.Background(), Params{})
	require.NoError(t, err)
	f.takeProcessed()

	res, err = r.Run(context.Background(), Params{CheckOnly: true})
	require.NoError(t, err)
	assert.True(t, res.NoWork())

	f.dropTarget("t")
	_, err = r.Run(context.Background(), Params{CheckOnly: true})
	require.ErrorIs(t, err, ErrNotUpToDate)
	assert.Empty(t, f.obsolete, "obsolete targets are reported, not cleaned")
}

func TestRun_CancelledBetweenTargets(t *testing.T) {
	t.Parallel()
	f := newFake("fake")
	f.set("t", "A", "a")
	f.set("u", "B", "b")
	m := newManager(t, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := New[string, string](f, m).Run(ctx, Params{})
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, PhaseCancelled, res.Phase)
	assert.Empty(t, f.takeProcessed())
}

func TestRun_CancelKeepsCommittedTargets(t *testing.T) {
	t.Parallel()
	f := newFake("fake")
	f.set("t", "A", "a")
	f.set("u", "B", "b")
	m := newManager(t, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res, err := New[string, string](f, m).Run(ctx, Params{
		OnGenerated: func(target string, _ []string) error {
			cancel()
			return nil
		},
	})
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, []string{"A"}, res.Processed["t"])
	assert.NotContains(t, res.Processed, "u")
	assert.Equal(t, []string{"A"}, cachedKeys(t, m, f, "t"))
}

func TestPhase_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "compute-stale-items", PhaseComputeStale.String())
	assert.Equal(t, "phase(99)", Phase(99).String())
}
