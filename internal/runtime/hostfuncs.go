package runtime

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unsafe"

	"github.com/risor-io/risor/object"
	sitter "github.com/smacker/go-tree-sitter"
)

// parsedTree is a syntax tree plus what is needed to read text back out of
// its nodes.
type parsedTree struct {
	tree *sitter.Tree
	src  []byte
	lang *sitter.Language
}

// syntaxTrees holds the trees parsed during one script run. Nodes do not
// expose their tree, so lookups go through the root node, which the
// binding caches per tree.
type syntaxTrees struct {
	mu    sync.Mutex
	trees map[uintptr]*parsedTree
}

func newSyntaxTrees() *syntaxTrees {
	return &syntaxTrees{trees: make(map[uintptr]*parsedTree)}
}

func nodeKey(n *sitter.Node) uintptr {
	for p := n.Parent(); p != nil; p = n.Parent() {
		n = p
	}
	return uintptr(unsafe.Pointer(n))
}

func (t *syntaxTrees) add(pt *parsedTree) {
	t.mu.Lock()
	t.trees[nodeKey(pt.tree.RootNode())] = pt
	t.mu.Unlock()
}

// owner returns the tree n belongs to.
func (t *syntaxTrees) owner(n *sitter.Node) (*parsedTree, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pt, ok := t.trees[nodeKey(n)]
	return pt, ok
}

// Close releases every tree. Nodes handed to the script are invalid
// afterwards.
func (t *syntaxTrees) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, pt := range t.trees {
		pt.tree.Close()
		delete(t.trees, k)
	}
}

func (t *syntaxTrees) parse(ctx context.Context, fn string, src []byte, langName string) object.Object {
	lang, ok := ParserForLanguage(langName)
	if !ok {
		return object.Errorf("%s: unsupported language %q", fn, langName)
	}
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return object.Errorf("%s: %v", fn, err)
	}
	t.add(&parsedTree{tree: tree, src: src, lang: lang})
	return proxy(fn, tree)
}

// Argument helpers. Each returns a Risor error object as its second
// result when the argument has the wrong type.

func stringArg(fn string, args []object.Object, i int, what string) (string, object.Object) {
	s, ok := args[i].(*object.String)
	if !ok {
		return "", object.Errorf("%s: %s must be a string, got %s", fn, what, args[i].Type())
	}
	return s.Value(), nil
}

func nodeArg(fn string, args []object.Object, i int) (*sitter.Node, object.Object) {
	p, ok := args[i].(*object.Proxy)
	if !ok {
		return nil, object.Errorf("%s: expected a node, got %s", fn, args[i].Type())
	}
	n, ok := p.Interface().(*sitter.Node)
	if !ok {
		return nil, object.Errorf("%s: expected a node, got %T", fn, p.Interface())
	}
	return n, nil
}

func proxy(fn string, v any) object.Object {
	p, err := object.NewProxy(v)
	if err != nil {
		return object.Errorf("%s: %v", fn, err)
	}
	return p
}

// builtin wraps fn with an arity check.
func builtin(name string, arity int, fn func(ctx context.Context, args []object.Object) object.Object) *object.Builtin {
	return object.NewBuiltin(name, func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != arity {
			return object.NewArgsError(name, arity, len(args))
		}
		return fn(ctx, args)
	})
}

// parse(path, language) reads and parses a file.
func (t *syntaxTrees) parseFn() *object.Builtin {
	return builtin("parse", 2, func(ctx context.Context, args []object.Object) object.Object {
		path, errObj := stringArg("parse", args, 0, "path")
		if errObj != nil {
			return errObj
		}
		lang, errObj := stringArg("parse", args, 1, "language")
		if errObj != nil {
			return errObj
		}
		src, err := os.ReadFile(path)
		if err != nil {
			return object.Errorf("parse: %v", err)
		}
		return t.parse(ctx, "parse", src, lang)
	})
}

// parse_src(source, language) parses text already in hand, usually the
// source global.
func (t *syntaxTrees) parseSrcFn() *object.Builtin {
	return builtin("parse_src", 2, func(ctx context.Context, args []object.Object) object.Object {
		src, errObj := stringArg("parse_src", args, 0, "source")
		if errObj != nil {
			return errObj
		}
		lang, errObj := stringArg("parse_src", args, 1, "language")
		if errObj != nil {
			return errObj
		}
		return t.parse(ctx, "parse_src", []byte(src), lang)
	})
}

// node_text(node) returns the source text a node spans. Scripts cannot
// call Node.Content themselves because Risor does not convert strings to
// byte slices.
func (t *syntaxTrees) nodeTextFn() *object.Builtin {
	return builtin("node_text", 1, func(_ context.Context, args []object.Object) object.Object {
		n, errObj := nodeArg("node_text", args, 0)
		if errObj != nil {
			return errObj
		}
		pt, ok := t.owner(n)
		if !ok {
			return object.Errorf("node_text: node does not belong to a parsed tree")
		}
		return object.NewString(n.Content(pt.src))
	})
}

// node_child(node, field) returns the named field or nil.
func nodeChildFn() *object.Builtin {
	return builtin("node_child", 2, func(_ context.Context, args []object.Object) object.Object {
		n, errObj := nodeArg("node_child", args, 0)
		if errObj != nil {
			return errObj
		}
		field, errObj := stringArg("node_child", args, 1, "field")
		if errObj != nil {
			return errObj
		}
		child := n.ChildByFieldName(field)
		if child == nil {
			return object.Nil
		}
		return proxy("node_child", child)
	})
}

// query(pattern, node) runs a tree-sitter query below node and returns
// one map per match from capture name to node.
func (t *syntaxTrees) queryFn() *object.Builtin {
	return builtin("query", 2, func(_ context.Context, args []object.Object) object.Object {
		pattern, errObj := stringArg("query", args, 0, "pattern")
		if errObj != nil {
			return errObj
		}
		n, errObj := nodeArg("query", args, 1)
		if errObj != nil {
			return errObj
		}
		pt, ok := t.owner(n)
		if !ok {
			return object.Errorf("query: node does not belong to a parsed tree")
		}
		q, err := sitter.NewQuery([]byte(pattern), pt.lang)
		if err != nil {
			return object.Errorf("query: %v", err)
		}
		defer q.Close()
		qc := sitter.NewQueryCursor()
		defer qc.Close()
		qc.Exec(q, n)

		matches := []object.Object{}
		for {
			m, ok := qc.NextMatch()
			if !ok {
				break
			}
			m = qc.FilterPredicates(m, pt.src)
			captures := make(map[string]object.Object, len(m.Captures))
			for _, c := range m.Captures {
				captures[q.CaptureNameForId(c.Index)] = proxy("query", c.Node)
			}
			matches = append(matches, object.NewMap(captures))
		}
		return object.NewList(matches)
	})
}

// emitter collects the extra files one script run asks to generate.
type emitter struct {
	mu    sync.Mutex
	files []Emitted
}

// emit(relative_path, content) adds a file next to the main output.
func (em *emitter) emitFn() *object.Builtin {
	return builtin("emit", 2, func(_ context.Context, args []object.Object) object.Object {
		p, errObj := stringArg("emit", args, 0, "path")
		if errObj != nil {
			return errObj
		}
		rel := filepath.ToSlash(filepath.Clean(p))
		if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, "../") {
			return object.Errorf("emit: path %q escapes the output root", p)
		}
		content, errObj := stringArg("emit", args, 1, "content")
		if errObj != nil {
			return errObj
		}
		em.mu.Lock()
		em.files = append(em.files, Emitted{Path: rel, Content: content})
		em.mu.Unlock()
		return object.Nil
	})
}

// logObject is the log global.
type logObject struct {
	log *slog.Logger
}

func (l *logObject) Info(msg string)  { l.log.Info(msg) }
func (l *logObject) Warn(msg string)  { l.log.Warn(msg) }
func (l *logObject) Error(msg string) { l.log.Error(msg) }
