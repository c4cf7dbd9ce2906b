package buildproc

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/jward/kiln/internal/targets"
)

// scriptedProcess replays fixed events.
type scriptedProcess struct {
	events []Event
	err    error
	got    chan *Request
}

func (p *scriptedProcess) Start(ctx context.Context, req *Request) (Handle, error) {
	if p.got != nil {
		p.got <- req
	}
	_, cancel := context.WithCancel(ctx)
	h := newHandle(cancel)
	go func() {
		for _, ev := range p.events {
			h.emit(ev)
		}
		h.finish(p.err)
	}()
	return h, nil
}

func serve(t *testing.T, proc Process) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(proc, nil)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := Dial("passthrough:///bufnet", nil,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// =============================================================================
// gRPC
// =============================================================================

func TestGRPC_RoundTripsEvents(t *testing.T) {
	t.Parallel()
	want := []Event{
		ProgressEvent("starting", -1),
		ProgressEvent("half", 0.5),
		MessageEvent(CompileMessage{Kind: MessageWarning, Text: "w", SourcePath: "/a.go", Line: 3, Column: 7, TargetNames: []string{"M"}}),
		FilesEvent(GeneratedFile{OutputRoot: "/out", RelativePath: "a.txt"}),
		CustomEvent("banner", "note", "hello"),
		CompletedEvent(StatusSuccess),
	}
	proc := &scriptedProcess{events: want, got: make(chan *Request, 1)}
	c := serve(t, proc)

	req := &Request{
		SessionID:     "s1",
		TargetScopes:  []targets.Request{targets.Explicit("production", true, "M")},
		ChangedPaths:  []string{"/src/a.go"},
		Incremental:   true,
		BuilderParams: map[string]string{"k": "v"},
	}
	events := run(t, c, req)
	assert.Equal(t, want, events)
	assert.Equal(t, req, <-proc.got)
}

func TestGRPC_ProcessFailureSurfaces(t *testing.T) {
	t.Parallel()
	proc := &scriptedProcess{
		events: []Event{ProgressEvent("starting", -1)},
		err:    errors.New("compiler crashed"),
	}
	c := serve(t, proc)

	h, err := c.Start(context.Background(), &Request{SessionID: "s1", Paths: []string{"/a"}})
	require.NoError(t, err)
	events := collect(t, h)
	require.Len(t, events, 1)
	require.ErrorIs(t, h.Err(), ErrProcessFailed)
	assert.Contains(t, h.Err().Error(), "compiler crashed")
}

func TestGRPC_ClientValidatesRequest(t *testing.T) {
	t.Parallel()
	c := serve(t, &scriptedProcess{})
	_, err := c.Start(context.Background(), &Request{})
	require.Error(t, err)
}

func TestGRPC_LocalBuildOverTheWire(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := serve(t, f.proc)

	events := run(t, c, buildAll("s1"))
	assert.Equal(t, StatusSuccess, statusOf(t, events))
	events = run(t, c, buildAll("s2"))
	assert.Equal(t, StatusUpToDate, statusOf(t, events))
}

func TestGRPC_CleanClearsServerCaches(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := serve(t, f.proc)
	run(t, c, buildAll("s1"))
	marker := filepath.Join(f.cache.Root(), "stale-marker")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0o644))

	req := buildAll("s2")
	req.Rebuild = true
	req.Clean = true
	events := run(t, c, req)
	assert.Equal(t, StatusSuccess, statusOf(t, events))
	assert.NoFileExists(t, marker)
}
