// Package workspace is the read-only project model kiln builds against:
// modules, their source roots, exclusions, dependencies, and output paths.
// It is loaded from a kiln.yaml file at the workspace root.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownModule is returned when a module name is not part of the workspace.
var ErrUnknownModule = errors.New("unknown module")

// SourceSetKind classifies a source root.
type SourceSetKind int

const (
	Production SourceSetKind = iota
	Test
	Resources
	ResourcesTest
)

// AllKinds lists every source set kind in a stable order.
var AllKinds = []SourceSetKind{Production, Test, Resources, ResourcesTest}

var kindNames = map[SourceSetKind]string{
	Production:    "production",
	Test:          "test",
	Resources:     "resources",
	ResourcesTest: "resources-test",
}

// String returns the kind's name, which doubles as the target type id.
func (k SourceSetKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// TypeID returns the wire-level target type id for the kind.
func (k SourceSetKind) TypeID() string { return k.String() }

// IsTest reports whether the kind holds test sources or resources.
func (k SourceSetKind) IsTest() bool { return k == Test || k == ResourcesTest }

// ParseKind maps a kind name (or target type id) back to a SourceSetKind.
func ParseKind(s string) (SourceSetKind, error) {
	for k, n := range kindNames {
		if n == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("workspace: unknown source set kind %q", s)
}

// UnmarshalYAML decodes a kind from its name.
func (k *SourceSetKind) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseKind(value.Value)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// MarshalYAML encodes a kind as its name.
func (k SourceSetKind) MarshalYAML() (any, error) {
	return k.String(), nil
}

// SourceSet is one (module, kind) pair.
type SourceSet struct {
	Module string
	Kind   SourceSetKind
}

// SourceRoot is a directory holding sources of one kind.
type SourceRoot struct {
	Path string        `yaml:"path"`
	Kind SourceSetKind `yaml:"kind"`
}

// Module is one buildable unit of the workspace.
type Module struct {
	Name          string            `yaml:"name"`
	ContentRoot   string            `yaml:"root"`
	SourceRoots   []SourceRoot      `yaml:"sources"`
	ExcludeRoots  []string          `yaml:"exclude"`
	Dependencies  []string          `yaml:"dependencies"`
	OutputDir     string            `yaml:"output"`
	TestOutputDir string            `yaml:"test_output"`
	SDK           string            `yaml:"sdk"`
	Settings      map[string]string `yaml:"settings"`
}

// CompilerConfig declares a scripted compiler for one target type.
type CompilerConfig struct {
	ID         string        `yaml:"id"`
	Kind       SourceSetKind `yaml:"type"`
	Script     string        `yaml:"script"`
	Extensions []string      `yaml:"extensions"`
	OutputExt  string        `yaml:"output_ext"`
	Version    int           `yaml:"version"`
	// Fingerprint picks how source files are compared between builds:
	// FingerprintContent (the default) or FingerprintSyntax.
	Fingerprint string `yaml:"fingerprint"`
}

// Source fingerprint modes for scripted compilers. Syntax fingerprints
// ignore comments and whitespace, so only scripts whose output does not
// embed them should opt in.
const (
	FingerprintContent = "content"
	FingerprintSyntax  = "syntax"
)

// Workspace is the loaded project model. It is immutable after Load.
type Workspace struct {
	Root            string           `yaml:"-"`
	Modules         []*Module        `yaml:"modules"`
	ConfigDirs      []string         `yaml:"config_dirs"`
	IgnoredPatterns []string         `yaml:"ignored"`
	Compilers       []CompilerConfig `yaml:"compilers"`

	byName map[string]int
}

// DefaultConfigDirs are metadata directories never treated as sources.
var DefaultConfigDirs = []string{".kiln", ".git", ".idea"}

// Load reads and parses the kiln.yaml at path. The workspace root is the
// file's directory.
func Load(file string) (*Workspace, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("workspace: read %s: %w", file, err)
	}
	root, err := filepath.Abs(filepath.Dir(file))
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve root: %w", err)
	}
	return Parse(root, data)
}

// Parse decodes a workspace description rooted at root. Relative paths in
// the description are resolved against root.
func Parse(root string, data []byte) (*Workspace, error) {
	var ws Workspace
	if err := yaml.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("workspace: parse: %w", err)
	}
	ws.Root = clean(root)
	if err := ws.init(); err != nil {
		return nil, err
	}
	return &ws, nil
}

// New builds a workspace from already constructed modules. Paths must be
// absolute or relative to root.
func New(root string, modules ...*Module) (*Workspace, error) {
	ws := &Workspace{Root: clean(root), Modules: modules}
	if err := ws.init(); err != nil {
		return nil, err
	}
	return ws, nil
}

func (ws *Workspace) init() error {
	if len(ws.ConfigDirs) == 0 {
		ws.ConfigDirs = append([]string(nil), DefaultConfigDirs...)
	}
	ws.byName = make(map[string]int, len(ws.Modules))
	for i, m := range ws.Modules {
		if m.Name == "" {
			return fmt.Errorf("workspace: module #%d has no name", i)
		}
		if _, dup := ws.byName[m.Name]; dup {
			return fmt.Errorf("workspace: duplicate module %q", m.Name)
		}
		ws.byName[m.Name] = i

		m.ContentRoot = ws.abs(m.ContentRoot)
		for j := range m.SourceRoots {
			m.SourceRoots[j].Path = ws.absUnder(m.ContentRoot, m.SourceRoots[j].Path)
		}
		for j := range m.ExcludeRoots {
			m.ExcludeRoots[j] = ws.absUnder(m.ContentRoot, m.ExcludeRoots[j])
		}
		if m.OutputDir != "" {
			m.OutputDir = ws.abs(m.OutputDir)
		}
		if m.TestOutputDir != "" {
			m.TestOutputDir = ws.abs(m.TestOutputDir)
		}
	}
	for i := range ws.Compilers {
		c := &ws.Compilers[i]
		if c.Script != "" {
			c.Script = ws.abs(c.Script)
		}
		switch c.Fingerprint {
		case "":
			c.Fingerprint = FingerprintContent
		case FingerprintContent, FingerprintSyntax:
		default:
			return fmt.Errorf("workspace: compiler %q: unknown fingerprint %q", c.ID, c.Fingerprint)
		}
	}
	return nil
}

func clean(p string) string {
	return filepath.ToSlash(filepath.Clean(p))
}

func (ws *Workspace) abs(p string) string {
	if p == "" {
		return ws.Root
	}
	if filepath.IsAbs(p) {
		return clean(p)
	}
	return clean(filepath.Join(ws.Root, p))
}

func (ws *Workspace) absUnder(base, p string) string {
	if filepath.IsAbs(p) {
		return clean(p)
	}
	return clean(filepath.Join(base, p))
}

// Module returns the module with the given name.
func (ws *Workspace) Module(name string) (*Module, error) {
	i, ok := ws.byName[name]
	if !ok {
		return nil, fmt.Errorf("workspace: %w: %q", ErrUnknownModule, name)
	}
	return ws.Modules[i], nil
}

// ModuleIndex returns the arena index of a module, or -1.
func (ws *Workspace) ModuleIndex(name string) int {
	if i, ok := ws.byName[name]; ok {
		return i
	}
	return -1
}

// ModuleNames returns all module names in declaration order.
func (ws *Workspace) ModuleNames() []string {
	names := make([]string, len(ws.Modules))
	for i, m := range ws.Modules {
		names[i] = m.Name
	}
	return names
}

// Dependents returns the modules that list name as a direct dependency.
func (ws *Workspace) Dependents(name string) []string {
	var out []string
	for _, m := range ws.Modules {
		for _, d := range m.Dependencies {
			if d == name {
				out = append(out, m.Name)
				break
			}
		}
	}
	return out
}

// under reports whether p equals dir or lies below it.
func under(p, dir string) bool {
	if p == dir {
		return true
	}
	if dir == "/" {
		return strings.HasPrefix(p, "/")
	}
	return strings.HasPrefix(p, dir+"/")
}

// IsExcluded reports whether p lies under one of m's exclude roots.
func (ws *Workspace) IsExcluded(m *Module, p string) bool {
	p = clean(p)
	for _, ex := range m.ExcludeRoots {
		if under(p, ex) {
			return true
		}
	}
	return false
}

// SourceSetForPath returns the source set whose root contains p, picking
// the deepest root when roots nest. Excluded and ignored paths have none.
func (ws *Workspace) SourceSetForPath(p string) (SourceSet, bool) {
	p = clean(p)
	if ws.IsIgnored(p) {
		return SourceSet{}, false
	}
	best := -1
	var found SourceSet
	var owner *Module
	for _, m := range ws.Modules {
		for _, r := range m.SourceRoots {
			if under(p, r.Path) && len(r.Path) > best {
				best = len(r.Path)
				found = SourceSet{Module: m.Name, Kind: r.Kind}
				owner = m
			}
		}
	}
	if owner == nil || ws.IsExcluded(owner, p) {
		return SourceSet{}, false
	}
	return found, true
}

// ModuleForPath returns the module owning p: the one with a source root
// containing it, or else the deepest content root.
func (ws *Workspace) ModuleForPath(p string) (*Module, bool) {
	if ss, ok := ws.SourceSetForPath(p); ok {
		m, _ := ws.Module(ss.Module)
		return m, true
	}
	p = clean(p)
	var best *Module
	for _, m := range ws.Modules {
		if under(p, m.ContentRoot) && (best == nil || len(m.ContentRoot) > len(best.ContentRoot)) {
			best = m
		}
	}
	return best, best != nil
}

// RootsOf returns the source roots of m with the given kind.
func (m *Module) RootsOf(kind SourceSetKind) []string {
	var out []string
	for _, r := range m.SourceRoots {
		if r.Kind == kind {
			out = append(out, r.Path)
		}
	}
	return out
}

// HasKind reports whether m has at least one source root of kind.
func (m *Module) HasKind(kind SourceSetKind) bool {
	return len(m.RootsOf(kind)) > 0
}

// OutputRoot returns where compiled output of the given kind goes.
func (ws *Workspace) OutputRoot(m *Module, kind SourceSetKind) string {
	if kind.IsTest() && m.TestOutputDir != "" {
		return m.TestOutputDir
	}
	return m.OutputDir
}

// OutputRoots returns every distinct output root in the workspace.
func (ws *Workspace) OutputRoots() []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range ws.Modules {
		for _, d := range []string{m.OutputDir, m.TestOutputDir} {
			if d != "" && !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	sort.Strings(out)
	return out
}

// IsIgnored reports whether p, or any of its ancestors below the workspace
// root, is a config directory or matches an ignored pattern.
func (ws *Workspace) IsIgnored(p string) bool {
	p = clean(p)
	rel := p
	if under(p, ws.Root) {
		rel = strings.TrimPrefix(strings.TrimPrefix(p, ws.Root), "/")
	}
	if rel == "" {
		return false
	}
	for _, seg := range strings.Split(rel, "/") {
		if ws.ignoredName(seg) {
			return true
		}
	}
	return false
}

func (ws *Workspace) ignoredName(name string) bool {
	for _, d := range ws.ConfigDirs {
		if name == d {
			return true
		}
	}
	for _, pat := range ws.IgnoredPatterns {
		if ok, _ := path.Match(pat, name); ok {
			return true
		}
	}
	return false
}

// SourceFiles walks every source root of kind in m and returns the regular
// files that are neither excluded nor ignored, sorted.
func (ws *Workspace) SourceFiles(m *Module, kind SourceSetKind) ([]string, error) {
	var files []string
	for _, root := range m.RootsOf(kind) {
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			p = clean(p)
			if ws.IsIgnored(p) || ws.IsExcluded(m, p) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.Type().IsRegular() {
				// A nested root of another kind owns its files.
				if ss, ok := ws.SourceSetForPath(p); ok && ss.Module == m.Name && ss.Kind == kind {
					files = append(files, p)
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("workspace: walk %s: %w", root, err)
		}
	}
	sort.Strings(files)
	return slices.Compact(files), nil
}
