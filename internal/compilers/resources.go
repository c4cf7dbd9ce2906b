package compilers

import (
	"context"

	"github.com/jward/kiln/internal/runner"
	"github.com/jward/kiln/internal/workspace"
)

// ResourcesID is the id of the resource copier.
const ResourcesID = "resources"

// ResourcesVersion is the resource copier's configured version.
const ResourcesVersion = 1

// NewResources returns the compiler that copies resource files verbatim
// into the module's output root. Its source state is a byte hash.
func NewResources(ws *workspace.Workspace, opts ...Option) *Compiler {
	c := &Compiler{
		id:      ResourcesID,
		version: cacheVersion(ResourcesVersion, false),
		ws:      ws,
		kinds:   []workspace.SourceSetKind{workspace.Resources, workspace.ResourcesTest},
		source:  contentHash,
		translate: func(_ context.Context, _ string, _ runner.Item, src []byte, _ string) ([]byte, []extraFile, error) {
			return src, nil, nil
		},
	}
	c.apply(opts)
	return c
}
