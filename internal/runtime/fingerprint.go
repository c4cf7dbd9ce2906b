package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// Fingerprint returns a content fingerprint for src. For languages with a
// tree-sitter grammar it hashes the token stream, so comment and
// whitespace edits keep the fingerprint stable. Anything else, including
// sources that fail to parse cleanly, hashes the raw bytes.
func Fingerprint(path string, src []byte) string {
	if lang, ok := LanguageForFile(path); ok {
		if grammar, ok := ParserForLanguage(lang); ok {
			if fp, ok := tokenFingerprint(grammar, src); ok {
				return "t:" + fp
			}
		}
	}
	sum := sha256.Sum256(src)
	return "b:" + hex.EncodeToString(sum[:])
}

func tokenFingerprint(grammar *sitter.Language, src []byte) (string, bool) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(grammar)

	tree, err := parser.ParseCtx(context.Background(), nil, src)
	if err != nil {
		return "", false
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return "", false
	}

	// Inner nodes contribute open and close markers so that the same
	// tokens nested differently hash differently.
	type frame struct {
		node  *sitter.Node
		close bool
	}
	h := sha256.New()
	stack := []frame{{node: root}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := f.node
		if f.close {
			h.Write([]byte{')'})
			continue
		}
		typ := n.Type()
		if strings.Contains(typ, "comment") {
			continue
		}
		count := int(n.ChildCount())
		if count == 0 || (n.IsNamed() && isLiteral(typ)) {
			text := n.Content(src)
			if strings.TrimSpace(text) == "" {
				continue
			}
			h.Write([]byte(typ))
			h.Write([]byte{0})
			h.Write([]byte(text))
			h.Write([]byte{0})
			continue
		}
		h.Write([]byte{'('})
		h.Write([]byte(typ))
		stack = append(stack, frame{node: n, close: true})
		// Push in reverse so children pop in source order.
		for i := count - 1; i >= 0; i-- {
			if c := n.Child(i); c != nil {
				stack = append(stack, frame{node: c})
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil)), true
}

// isLiteral reports whether nodes of type typ are hashed verbatim:
// whitespace inside string and character literals is significant.
func isLiteral(typ string) bool {
	return strings.Contains(typ, "string") || strings.Contains(typ, "char")
}
