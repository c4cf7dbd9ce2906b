package compilers

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kilnrt "github.com/jward/kiln/internal/runtime"
	"github.com/jward/kiln/internal/runner"
	"github.com/jward/kiln/internal/store"
	"github.com/jward/kiln/internal/workspace"
)

const testYAML = `
modules:
  - name: M
    sources:
      - path: src
        kind: production
      - path: res
        kind: resources
    output: out
compilers:
  - id: banner
    type: production
    script: scripts/banner.risor
    extensions: [go]
    output_ext: .txt
    version: 1
`

const bannerScript = `
assert(!source.contains("FAIL"), "refusing to compile")
if source.contains("func") {
    emit("meta/" + target + ".txt", source_path)
}
"// generated\n" + source
`

type fixture struct {
	root string
	ws   *workspace.Workspace
	rt   *kilnrt.Runtime
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := filepath.ToSlash(t.TempDir())
	write(t, root, "scripts/banner.risor", bannerScript)
	write(t, root, "src/a.go", "package a\n\nfunc A() int { return 1 }\n")
	write(t, root, "src/pkg/b.go", "package pkg\n")
	write(t, root, "src/notes.md", "not compiled")
	write(t, root, "res/app.properties", "k=v\n")
	ws, err := workspace.Parse(root, []byte(testYAML))
	require.NoError(t, err)
	return &fixture{root: root, ws: ws, rt: kilnrt.NewRuntime(root)}
}

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func read(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, rel))
	require.NoError(t, err)
	return string(data)
}

func runOnce(t *testing.T, c *Compiler, m *store.Manager) *runner.Result {
	t.Helper()
	res, err := runner.New[string, FileState](c, m).Run(context.Background(), runner.Params{})
	require.NoError(t, err)
	return res
}

func (f *fixture) script(t *testing.T) *Compiler {
	t.Helper()
	all, err := ForWorkspace(f.ws, f.rt)
	require.NoError(t, err)
	require.Len(t, all, 2)
	return all[1]
}

// =============================================================================
// Targets
// =============================================================================

func TestTargetName_RoundTrip(t *testing.T) {
	t.Parallel()
	name := TargetName(workspace.ResourcesTest, "app")
	assert.Equal(t, "resources-test:app", name)
	kind, mod, err := ParseTarget(name)
	require.NoError(t, err)
	assert.Equal(t, workspace.ResourcesTest, kind)
	assert.Equal(t, "app", mod)

	for _, bad := range []string{"app", "production:", "nope:app"} {
		_, _, err := ParseTarget(bad)
		assert.Error(t, err, bad)
	}
}

func TestCompiler_TargetsAndItems(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	res := NewResources(f.ws)
	targets, err := res.Targets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"resources:M"}, targets)
	assert.True(t, res.Handles("resources-test"))
	assert.False(t, res.Handles("production"))

	sc := f.script(t)
	assert.Equal(t, "banner", sc.ID())
	targets, err = sc.Targets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"production:M"}, targets)

	items, err := sc.Items(ctx, "production:M")
	require.NoError(t, err)
	require.Len(t, items, 2, "only .go files are compiled")
	assert.Equal(t, "a.go", items[0].Key)
	assert.Equal(t, "pkg/b.go", items[1].Key)
	assert.Equal(t, f.root+"/src/pkg/b.go", items[1].Path)
}

func TestForWorkspace_RejectsDuplicateAndReservedIDs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.ws.Compilers = append(f.ws.Compilers, f.ws.Compilers[0])
	_, err := ForWorkspace(f.ws, f.rt)
	require.ErrorContains(t, err, "duplicate")

	_, err = NewScript(f.ws, workspace.CompilerConfig{ID: ResourcesID, Script: "x"}, f.rt)
	require.ErrorContains(t, err, "reserved")
}

// =============================================================================
// Resources
// =============================================================================

func TestResources_CopyUpdateRemove(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	m := store.NewManager(filepath.Join(f.root, ".kiln", "caches"))
	t.Cleanup(func() { m.Flush() })
	c := NewResources(f.ws)

	res := runOnce(t, c, m)
	assert.Equal(t, []string{"app.properties"}, res.Processed["resources:M"])
	assert.Equal(t, "k=v\n", read(t, f.root, "out/app.properties"))
	assert.Equal(t, []string{f.root + "/out/app.properties"}, res.Generated)

	res = runOnce(t, c, m)
	assert.True(t, res.NoWork())

	write(t, f.root, "res/app.properties", "k=w\n")
	res = runOnce(t, c, m)
	assert.Equal(t, []string{"app.properties"}, res.Processed["resources:M"])
	assert.Equal(t, "k=w\n", read(t, f.root, "out/app.properties"))

	// A deleted output is restored.
	require.NoError(t, os.Remove(filepath.Join(f.root, "out/app.properties")))
	res = runOnce(t, c, m)
	assert.Equal(t, []string{"app.properties"}, res.Processed["resources:M"])

	require.NoError(t, os.Remove(filepath.Join(f.root, "res/app.properties")))
	res = runOnce(t, c, m)
	assert.Equal(t, []string{"app.properties"}, res.Removed["resources:M"])
	assert.NoFileExists(t, filepath.Join(f.root, "out/app.properties"))
}

// =============================================================================
// Script
// =============================================================================

func TestScript_CompilesAndEmits(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	m := store.NewManager(filepath.Join(f.root, ".kiln", "caches"))
	t.Cleanup(func() { m.Flush() })
	c := f.script(t)

	res := runOnce(t, c, m)
	require.Empty(t, res.Errors)
	assert.Equal(t, []string{"a.go", "pkg/b.go"}, res.Processed["production:M"])
	assert.Equal(t, "// generated\npackage a\n\nfunc A() int { return 1 }\n", read(t, f.root, "out/a.txt"))
	assert.Equal(t, "// generated\npackage pkg\n", read(t, f.root, "out/pkg/b.txt"))
	assert.Contains(t, res.Generated, f.root+"/out/meta/production:M.txt")
}

func TestScript_CommentOnlyEditRecompilesByDefault(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	m := store.NewManager(filepath.Join(f.root, ".kiln", "caches"))
	t.Cleanup(func() { m.Flush() })
	c := f.script(t)
	runOnce(t, c, m)

	write(t, f.root, "src/a.go", "package a\n\n// A returns one.\nfunc A() int { return 1 }\n")
	res := runOnce(t, c, m)
	assert.Equal(t, []string{"a.go"}, res.Processed["production:M"])
	assert.Contains(t, read(t, f.root, "out/a.txt"), "// A returns one.")
}

func TestScript_SyntaxFingerprintSkipsCommentOnlyEdits(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.ws.Compilers[0].Fingerprint = workspace.FingerprintSyntax
	m := store.NewManager(filepath.Join(f.root, ".kiln", "caches"))
	t.Cleanup(func() { m.Flush() })
	c := f.script(t)
	assert.NotEqual(t, cacheVersion(1, false), c.Version(), "switching modes wipes the cache")
	runOnce(t, c, m)

	write(t, f.root, "src/a.go", "package a\n\n// A returns one.\nfunc A() int { return 1 }\n")
	res := runOnce(t, c, m)
	assert.True(t, res.NoWork())

	write(t, f.root, "src/a.go", "package a\n\nfunc A() int { return 2 }\n")
	res = runOnce(t, c, m)
	assert.Equal(t, []string{"a.go"}, res.Processed["production:M"])
	assert.Contains(t, read(t, f.root, "out/a.txt"), "return 2")
}

func TestScript_EmittedFilesFollowTheirSource(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	m := store.NewManager(filepath.Join(f.root, ".kiln", "caches"))
	t.Cleanup(func() { m.Flush() })
	c := f.script(t)
	meta := filepath.Join(f.root, "out/meta/production:M.txt")

	runOnce(t, c, m)
	require.FileExists(t, meta)

	// A deleted emitted file makes its item stale.
	require.NoError(t, os.Remove(meta))
	res := runOnce(t, c, m)
	assert.Equal(t, []string{"a.go"}, res.Processed["production:M"])
	require.FileExists(t, meta)

	require.NoError(t, os.Remove(filepath.Join(f.root, "src/a.go")))
	res = runOnce(t, c, m)
	assert.Equal(t, []string{"a.go"}, res.Removed["production:M"])
	assert.NoFileExists(t, filepath.Join(f.root, "out/a.txt"))
	assert.NoFileExists(t, meta)
}

func TestScript_FailureIsPerItem(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	write(t, f.root, "src/pkg/b.go", "package pkg\n\nvar x = \"FAIL\"\n")
	m := store.NewManager(filepath.Join(f.root, ".kiln", "caches"))
	t.Cleanup(func() { m.Flush() })
	c := f.script(t)

	res := runOnce(t, c, m)
	assert.Equal(t, []string{"a.go"}, res.Processed["production:M"])
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error(), "pkg/b.go")

	write(t, f.root, "src/pkg/b.go", "package pkg\n")
	res = runOnce(t, c, m)
	assert.Equal(t, []string{"pkg/b.go"}, res.Processed["production:M"])
	assert.Empty(t, res.Errors)
}

func TestCompiler_ObsoleteTargetRemovesOutputs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := NewResources(f.ws)
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "out"), 0o755))
	write(t, f.root, "out/app.properties", "x")

	require.NoError(t, c.ProcessObsoleteTarget(context.Background(), "resources:M",
		[]runner.Removed[FileState]{{Key: "app.properties"}}))
	assert.NoFileExists(t, filepath.Join(f.root, "out/app.properties"))

	// Unknown modules are tolerated.
	require.NoError(t, c.ProcessObsoleteTarget(context.Background(), "resources:gone",
		[]runner.Removed[FileState]{{Key: "x"}}))
}

func TestCompiler_ObsoleteTargetRemovesEmittedFiles(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	m := store.NewManager(filepath.Join(f.root, ".kiln", "caches"))
	t.Cleanup(func() { m.Flush() })
	c := f.script(t)
	runOnce(t, c, m)
	meta := filepath.Join(f.root, "out/meta/production:M.txt")
	require.FileExists(t, meta)

	// Dropping the production root makes production:M obsolete.
	f.ws.Modules[0].SourceRoots = f.ws.Modules[0].SourceRoots[1:]
	res := runOnce(t, c, m)
	assert.Equal(t, []string{"production:M"}, res.Obsolete)
	assert.NoFileExists(t, filepath.Join(f.root, "out/a.txt"))
	assert.NoFileExists(t, filepath.Join(f.root, "out/pkg/b.txt"))
	assert.NoFileExists(t, meta)
}
