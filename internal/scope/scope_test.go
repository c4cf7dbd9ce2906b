package scope

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/kiln/internal/workspace"
)

func module(name string, deps ...string) *workspace.Module {
	return &workspace.Module{
		Name:        name,
		ContentRoot: name,
		SourceRoots: []workspace.SourceRoot{
			{Path: "src", Kind: workspace.Production},
			{Path: "test", Kind: workspace.Test},
		},
		Dependencies: deps,
		OutputDir:    "out/" + name,
		SDK:          "sdk",
	}
}

// newTestWorkspace builds a:b, b:c, c:b (cycle), d standalone with an
// excluded generated dir.
func newTestWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	d := module("d")
	d.ExcludeRoots = []string{"src/gen"}
	ws, err := workspace.New("/ws", module("a", "b"), module("b", "c"), module("c", "b"), d)
	require.NoError(t, err)
	return ws
}

// =============================================================================
// Belongs
// =============================================================================

func TestBelongs_Project(t *testing.T) {
	t.Parallel()
	ws := newTestWorkspace(t)
	s := NewProject()

	assert.True(t, s.Belongs(ws, "/ws/a/src/x.go"))
	assert.True(t, s.Belongs(ws, "/ws/d/test/x_test.go"))
	assert.False(t, s.Belongs(ws, "/ws/d/src/gen/x.go"), "exclusion wins")
	assert.False(t, s.Belongs(ws, "/ws/README.md"))
}

func TestBelongs_Modules(t *testing.T) {
	t.Parallel()
	ws := newTestWorkspace(t)

	s := NewModules([]string{"d", "ghost"}, false)
	assert.True(t, s.Belongs(ws, "/ws/d/src/x.go"))
	assert.False(t, s.Belongs(ws, "/ws/d/src/gen/x.go"))
	assert.False(t, s.Belongs(ws, "/ws/a/src/x.go"))

	withDependents := NewModules([]string{"c"}, true)
	assert.True(t, withDependents.Belongs(ws, "/ws/a/src/x.go"), "a depends on c through b")
	assert.True(t, withDependents.Belongs(ws, "/ws/b/src/x.go"))
	assert.False(t, withDependents.Belongs(ws, "/ws/d/src/x.go"))
}

func TestBelongs_Item(t *testing.T) {
	t.Parallel()
	ws := newTestWorkspace(t)

	dir := NewItem("/ws/a/src/pkg/", true)
	assert.True(t, dir.Belongs(ws, "/ws/a/src/pkg"))
	assert.True(t, dir.Belongs(ws, "/ws/a/src/pkg/x.go"))
	assert.False(t, dir.Belongs(ws, "/ws/a/src/pkgx/x.go"))

	file := NewItem("/ws/a/src/x.go", false)
	assert.True(t, file.Belongs(ws, "/ws/a/src/./x.go"))
	assert.False(t, file.Belongs(ws, "/ws/a/src/x.go/y"))
}

func TestBelongs_FilesMissingOnDisk(t *testing.T) {
	t.Parallel()
	ws := newTestWorkspace(t)
	dir := t.TempDir()
	present := filepath.Join(dir, "present.go")
	require.NoError(t, os.WriteFile(present, []byte("package x"), 0o644))
	gone := filepath.Join(dir, "gone.go")

	s := NewFiles(present, gone)
	assert.True(t, s.Belongs(ws, present))
	assert.False(t, s.Belongs(ws, gone), "missing file is not in scope")
	assert.False(t, s.Belongs(ws, filepath.Join(dir, "other.go")))
}

func TestBelongs_Closure(t *testing.T) {
	t.Parallel()
	ws := newTestWorkspace(t)
	s := Closure(NewModules([]string{"a"}, false))

	assert.True(t, s.Belongs(ws, "/ws/a/test/a_test.go"))
	assert.True(t, s.Belongs(ws, "/ws/b/src/x.go"))
	assert.True(t, s.Belongs(ws, "/ws/c/src/x.go"))
	assert.False(t, s.Belongs(ws, "/ws/b/test/x_test.go"), "dependencies contribute production only")
	assert.False(t, s.Belongs(ws, "/ws/d/src/x.go"))
}

// =============================================================================
// Affected modules and source sets
// =============================================================================

func TestAffectedModules(t *testing.T) {
	t.Parallel()
	ws := newTestWorkspace(t)

	assert.Equal(t, []string{"a", "b", "c", "d"}, NewProject().AffectedModules(ws))
	assert.Equal(t, []string{"a", "b", "c"}, NewModules([]string{"b"}, true).AffectedModules(ws))
	assert.Equal(t, []string{"a", "b", "c"}, Closure(NewModules([]string{"a"}, false)).AffectedModules(ws))
	assert.Equal(t, []string{"d"}, NewItem("/ws/d/src/x.go", false).AffectedModules(ws))
	assert.Empty(t, NewModules([]string{"ghost"}, true).AffectedModules(ws))
	assert.Empty(t, Union().AffectedModules(ws))
}

func TestAffectedSourceSets(t *testing.T) {
	t.Parallel()
	ws := newTestWorkspace(t)

	sets := NewModules([]string{"d"}, false).AffectedSourceSets(ws)
	require.Len(t, sets, len(workspace.AllKinds))
	for i, k := range workspace.AllKinds {
		assert.Equal(t, workspace.SourceSet{Module: "d", Kind: k}, sets[i])
	}

	item := NewItem("/ws/a", true).AffectedSourceSets(ws)
	assert.Equal(t, []workspace.SourceSet{
		{Module: "a", Kind: workspace.Production},
		{Module: "a", Kind: workspace.Test},
	}, item)

	closure := Closure(NewItem("/ws/a/test/x_test.go", false)).AffectedSourceSets(ws)
	assert.Equal(t, []workspace.SourceSet{
		{Module: "a", Kind: workspace.Test},
		{Module: "b", Kind: workspace.Production},
		{Module: "b", Kind: workspace.Resources},
		{Module: "c", Kind: workspace.Production},
		{Module: "c", Kind: workspace.Resources},
	}, closure)
}

func TestClosure_CycleTerminates(t *testing.T) {
	t.Parallel()
	ws := newTestWorkspace(t)

	done := make(chan []string, 1)
	go func() { done <- Closure(NewModules([]string{"b"}, false)).AffectedModules(ws) }()
	select {
	case got := <-done:
		assert.Equal(t, []string{"b", "c"}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("closure over a dependency cycle did not terminate")
	}
}

func TestClosure_NilDelegate(t *testing.T) {
	t.Parallel()
	ws := newTestWorkspace(t)
	s := Closure(nil)
	assert.False(t, s.Belongs(ws, "/ws/a/src/x.go"))
	assert.Empty(t, s.AffectedModules(ws))
}

// =============================================================================
// Union and params
// =============================================================================

func TestUnion_Flattens(t *testing.T) {
	t.Parallel()
	inner := Union(NewProject(), NewItem("/x", false))
	outer := Union(inner, Union(NewModules([]string{"a"}, false), inner))

	require.Equal(t, Composite, outer.Kind())
	assert.Len(t, outer.Children(), 5)
	for _, c := range outer.Children() {
		assert.NotEqual(t, Composite, c.Kind())
	}

	single := NewProject()
	assert.Same(t, single, Union(single, nil))
}

func TestParams(t *testing.T) {
	t.Parallel()
	a := NewModules([]string{"a"}, false).WithParam("k1", "v1")
	b := NewProject().WithParam("k2", "v2")
	u := Union(a, b)
	assert.Equal(t, map[string]string{"k1": "v1", "k2": "v2"}, u.BuilderParams())

	// Copies do not alias.
	a2 := a.WithParam("k1", "changed")
	assert.Equal(t, "v1", a.BuilderParams()["k1"])
	assert.Equal(t, "changed", a2.BuilderParams()["k1"])

	assert.Equal(t, map[string]string{"k1": "v1"}, Closure(a).BuilderParams())
}

func TestExplicitPaths(t *testing.T) {
	t.Parallel()
	s := Union(NewFiles("/b", "/a"), NewItem("/c", false), NewItem("/dir", true), NewFiles("/a"))
	assert.Equal(t, []string{"/a", "/b", "/c"}, s.ExplicitPaths())
	assert.Empty(t, NewProject().ExplicitPaths())
}

// =============================================================================
// Properties
// =============================================================================

var propertyPaths = []string{
	"/ws/a/src/x.go",
	"/ws/a/src/pkg/y.go",
	"/ws/a/test/x_test.go",
	"/ws/b/src/x.go",
	"/ws/b/test/x_test.go",
	"/ws/c/src/x.go",
	"/ws/d/src/x.go",
	"/ws/d/src/gen/x.go",
	"/ws/elsewhere/z.go",
}

func propertyPool() []*Scope {
	return []*Scope{
		NewProject(),
		NewModules([]string{"a"}, false),
		NewModules([]string{"c"}, true),
		NewItem("/ws/a/src/pkg", true),
		NewItem("/ws/d/src/x.go", false),
		Closure(NewModules([]string{"a"}, false)),
		Union(NewItem("/ws/b/test", true), NewModules([]string{"d"}, false)),
	}
}

func pick(pool []*Scope, idx []int) []*Scope {
	out := make([]*Scope, len(idx))
	for i, j := range idx {
		out[i] = pool[j]
	}
	return out
}

func TestProperty_CompositeIsOrOfChildren(t *testing.T) {
	ws := newTestWorkspace(t)
	pool := propertyPool()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("belongs(union) == OR belongs(child)", prop.ForAll(
		func(idx []int, p int) bool {
			children := pick(pool, idx)
			path := propertyPaths[p]
			want := false
			for _, c := range children {
				want = want || c.Belongs(ws, path)
			}
			return Union(children...).Belongs(ws, path) == want
		},
		gen.SliceOf(gen.IntRange(0, len(pool)-1)),
		gen.IntRange(0, len(propertyPaths)-1),
	))

	properties.TestingRun(t)
}

func TestProperty_FlatteningPreservesMembership(t *testing.T) {
	ws := newTestWorkspace(t)
	pool := propertyPool()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("nested unions behave like one flat union", prop.ForAll(
		func(left, right []int, p int) bool {
			l, r := pick(pool, left), pick(pool, right)
			nested := Union(Union(l...), Union(r...))
			flat := Union(append(l, r...)...)
			for _, c := range nested.Children() {
				if c.Kind() == Composite {
					return false
				}
			}
			path := propertyPaths[p]
			return nested.Belongs(ws, path) == flat.Belongs(ws, path)
		},
		gen.SliceOf(gen.IntRange(0, len(pool)-1)),
		gen.SliceOf(gen.IntRange(0, len(pool)-1)),
		gen.IntRange(0, len(propertyPaths)-1),
	))

	properties.TestingRun(t)
}
