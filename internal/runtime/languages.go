package runtime

import (
	"path/filepath"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/cpp"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/php"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/ruby"
	"github.com/smacker/go-tree-sitter/rust"
	ts "github.com/smacker/go-tree-sitter/typescript/typescript"
)

// language is a source language scripts and fingerprints can parse.
type language struct {
	name    string
	exts    []string
	grammar func() *sitter.Language
}

var languages = []language{
	{"go", []string{".go"}, golang.GetLanguage},
	{"typescript", []string{".ts", ".tsx"}, ts.GetLanguage},
	{"javascript", []string{".js", ".jsx"}, javascript.GetLanguage},
	{"python", []string{".py"}, python.GetLanguage},
	{"rust", []string{".rs"}, rust.GetLanguage},
	{"c", []string{".c", ".h"}, c.GetLanguage},
	{"cpp", []string{".cpp", ".cc", ".cxx", ".hpp"}, cpp.GetLanguage},
	{"java", []string{".java"}, java.GetLanguage},
	{"php", []string{".php"}, php.GetLanguage},
	{"ruby", []string{".rb"}, ruby.GetLanguage},
}

// grammars is built on first use.
var grammars = sync.OnceValue(func() map[string]*sitter.Language {
	m := make(map[string]*sitter.Language, len(languages))
	for _, l := range languages {
		m[l.name] = l.grammar()
	}
	return m
})

// LanguageForFile returns the language name for path's extension.
func LanguageForFile(path string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	for _, l := range languages {
		for _, e := range l.exts {
			if e == ext {
				return l.name, true
			}
		}
	}
	return "", false
}

// ParserForLanguage returns the grammar for a language name.
func ParserForLanguage(name string) (*sitter.Language, bool) {
	g, ok := grammars()[name]
	return g, ok
}
