// Package paths interns filesystem paths into compact integer IDs.
//
// Paths are stored as a trie of segments: each node records its parent and
// its own segment name, so two equal paths always map to the same ID and
// ancestry checks walk parent links instead of comparing strings. Segment
// names are deduplicated process-wide through unique.Handle.
package paths

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unique"
)

// ID identifies an interned path. The zero ID is the root of the trie and
// stands for the empty path.
type ID uint32

// Root is the ID of the empty path.
const Root ID = 0

type nodeKey struct {
	parent ID
	name   unique.Handle[string]
}

type node struct {
	parent ID
	name   unique.Handle[string]
}

// Interner maps cleaned, slash-separated paths to IDs. Safe for concurrent
// use.
type Interner struct {
	mu    sync.RWMutex
	nodes []node
	index map[nodeKey]ID
}

// NewInterner creates an empty Interner.
func NewInterner() *Interner {
	return &Interner{
		nodes: []node{{}},
		index: make(map[nodeKey]ID),
	}
}

// Normalize cleans p and converts it to forward slashes.
func Normalize(p string) string {
	if p == "" {
		return ""
	}
	return filepath.ToSlash(filepath.Clean(p))
}

func splitSegments(p string) []string {
	p = Normalize(p)
	if p == "" || p == "." {
		return nil
	}
	var segs []string
	if strings.HasPrefix(p, "/") {
		segs = append(segs, "/")
		p = strings.TrimPrefix(p, "/")
	}
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// Intern returns the ID for p, allocating trie nodes as needed.
func (in *Interner) Intern(p string) ID {
	segs := splitSegments(p)
	if len(segs) == 0 {
		return Root
	}

	// Fast path: everything already interned.
	in.mu.RLock()
	id, ok := in.lookupLocked(segs)
	in.mu.RUnlock()
	if ok {
		return id
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	cur := Root
	for _, s := range segs {
		key := nodeKey{parent: cur, name: unique.Make(s)}
		next, ok := in.index[key]
		if !ok {
			next = ID(len(in.nodes))
			in.nodes = append(in.nodes, node{parent: cur, name: key.name})
			in.index[key] = next
		}
		cur = next
	}
	return cur
}

// Lookup returns the ID for p without allocating. ok is false when p was
// never interned.
func (in *Interner) Lookup(p string) (ID, bool) {
	segs := splitSegments(p)
	if len(segs) == 0 {
		return Root, true
	}
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.lookupLocked(segs)
}

func (in *Interner) lookupLocked(segs []string) (ID, bool) {
	cur := Root
	for _, s := range segs {
		next, ok := in.index[nodeKey{parent: cur, name: unique.Make(s)}]
		if !ok {
			return 0, false
		}
		cur = next
	}
	return cur, true
}

// Path reconstructs the path string for id.
func (in *Interner) Path(id ID) string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if int(id) >= len(in.nodes) || id == Root {
		return ""
	}
	var segs []string
	for cur := id; cur != Root; cur = in.nodes[cur].parent {
		segs = append(segs, in.nodes[cur].name.Value())
	}
	var b strings.Builder
	for i := len(segs) - 1; i >= 0; i-- {
		s := segs[i]
		if s == "/" {
			b.WriteString("/")
			continue
		}
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "/") {
			b.WriteByte('/')
		}
		b.WriteString(s)
	}
	return b.String()
}

// Parent returns the parent of id. The parent of Root is Root.
func (in *Interner) Parent(id ID) ID {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if int(id) >= len(in.nodes) {
		return Root
	}
	return in.nodes[id].parent
}

// IsAncestor reports whether anc is id or one of its ancestors.
func (in *Interner) IsAncestor(anc, id ID) bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if int(id) >= len(in.nodes) {
		return false
	}
	for cur := id; ; cur = in.nodes[cur].parent {
		if cur == anc {
			return true
		}
		if cur == Root {
			return false
		}
	}
}

// Len returns the number of interned nodes, including the root.
func (in *Interner) Len() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return len(in.nodes)
}

// Set is a set of interned path IDs.
type Set map[ID]struct{}

// Add inserts id.
func (s Set) Add(id ID) { s[id] = struct{}{} }

// Remove deletes id.
func (s Set) Remove(id ID) { delete(s, id) }

// Has reports whether id is present.
func (s Set) Has(id ID) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of IDs in the set.
func (s Set) Len() int { return len(s) }

// Strings resolves every ID through in and returns the sorted paths.
func (s Set) Strings(in *Interner) []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, in.Path(id))
	}
	sort.Strings(out)
	return out
}
