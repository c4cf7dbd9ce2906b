package paths

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntern_RoundTrip(t *testing.T) {
	t.Parallel()
	in := NewInterner()

	for _, p := range []string{"/a/b/c.go", "/a/b", "rel/x.txt", "/"} {
		id := in.Intern(p)
		assert.Equal(t, p, in.Path(id), "round trip %q", p)
	}
}

func TestIntern_Deduplicates(t *testing.T) {
	t.Parallel()
	in := NewInterner()

	a := in.Intern("/ws/src/main.go")
	b := in.Intern("/ws/src/../src/./main.go")
	assert.Equal(t, a, b)

	// "/", "ws", "src", "main.go" plus the root node.
	assert.Equal(t, 5, in.Len())
}

func TestIntern_EmptyIsRoot(t *testing.T) {
	t.Parallel()
	in := NewInterner()
	assert.Equal(t, Root, in.Intern(""))
	assert.Equal(t, Root, in.Intern("."))
	assert.Equal(t, "", in.Path(Root))
}

func TestLookup_DoesNotAllocate(t *testing.T) {
	t.Parallel()
	in := NewInterner()
	_, ok := in.Lookup("/missing")
	assert.False(t, ok)
	assert.Equal(t, 1, in.Len())

	id := in.Intern("/present")
	got, ok := in.Lookup("/present")
	require.True(t, ok)
	assert.Equal(t, id, got)
}

func TestIsAncestor(t *testing.T) {
	t.Parallel()
	in := NewInterner()
	dir := in.Intern("/ws/src")
	file := in.Intern("/ws/src/pkg/a.go")
	other := in.Intern("/ws/srcx/a.go")

	assert.True(t, in.IsAncestor(dir, file))
	assert.True(t, in.IsAncestor(dir, dir))
	assert.False(t, in.IsAncestor(dir, other), "prefix without separator is not an ancestor")
	assert.False(t, in.IsAncestor(file, dir))
	assert.Equal(t, in.Intern("/ws/src/pkg"), in.Parent(file))
}

func TestIntern_Concurrent(t *testing.T) {
	t.Parallel()
	in := NewInterner()

	var wg sync.WaitGroup
	ids := make([][]ID, 8)
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				ids[w] = append(ids[w], in.Intern(fmt.Sprintf("/ws/m%d/f%d.go", i%10, i)))
			}
		}()
	}
	wg.Wait()

	for w := 1; w < 8; w++ {
		assert.Equal(t, ids[0], ids[w])
	}
}

func TestSet_Strings(t *testing.T) {
	t.Parallel()
	in := NewInterner()
	s := Set{}
	s.Add(in.Intern("/b"))
	s.Add(in.Intern("/a"))
	s.Add(in.Intern("/a"))
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []string{"/a", "/b"}, s.Strings(in))

	s.Remove(in.Intern("/a"))
	assert.False(t, s.Has(in.Intern("/a")))
}
