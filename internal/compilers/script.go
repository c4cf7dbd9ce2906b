package compilers

import (
	"context"
	"fmt"
	"strings"

	kilnrt "github.com/jward/kiln/internal/runtime"
	"github.com/jward/kiln/internal/runner"
	"github.com/jward/kiln/internal/workspace"
)

// NewScript returns a compiler that runs cfg's Risor script over every
// matching source file. Its source state is a content hash unless cfg
// asks for the syntax-aware fingerprint, under which comment-only edits
// do not recompile.
func NewScript(ws *workspace.Workspace, cfg workspace.CompilerConfig, rt *kilnrt.Runtime, opts ...Option) (*Compiler, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("compilers: script compiler has no id")
	}
	if cfg.ID == ResourcesID {
		return nil, fmt.Errorf("compilers: id %q is reserved", cfg.ID)
	}
	if cfg.Script == "" {
		return nil, fmt.Errorf("compilers: %s: no script", cfg.ID)
	}
	exts := make([]string, len(cfg.Extensions))
	for i, e := range cfg.Extensions {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[i] = e
	}
	syntax := cfg.Fingerprint == workspace.FingerprintSyntax
	c := &Compiler{
		id:        cfg.ID,
		version:   cacheVersion(cfg.Version, syntax),
		ws:        ws,
		kinds:     []workspace.SourceSetKind{cfg.Kind},
		exts:      exts,
		outputExt: cfg.OutputExt,
		source:    contentHash,
	}
	if syntax {
		c.source = kilnrt.Fingerprint
	}
	c.translate = func(ctx context.Context, target string, it runner.Item, src []byte, out string) ([]byte, []extraFile, error) {
		res, err := rt.Compile(ctx, cfg.Script, kilnrt.Input{
			SourcePath: it.Path,
			Source:     src,
			Target:     target,
			OutputPath: out,
		})
		if err != nil {
			return nil, nil, err
		}
		extras := make([]extraFile, len(res.Emitted))
		for i, e := range res.Emitted {
			extras[i] = extraFile{rel: e.Path, content: []byte(e.Content)}
		}
		return []byte(res.Text), extras, nil
	}
	c.apply(opts)
	return c, nil
}

// ForWorkspace returns the resource copier followed by one script
// compiler per configured entry, in declaration order.
func ForWorkspace(ws *workspace.Workspace, rt *kilnrt.Runtime, opts ...Option) ([]*Compiler, error) {
	out := []*Compiler{NewResources(ws, opts...)}
	seen := map[string]bool{ResourcesID: true}
	for _, cfg := range ws.Compilers {
		if seen[cfg.ID] {
			return nil, fmt.Errorf("compilers: duplicate compiler id %q", cfg.ID)
		}
		seen[cfg.ID] = true
		c, err := NewScript(ws, cfg, rt, opts...)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
