package buildproc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/jward/kiln/internal/logger"
)

// codecName is the gRPC content subtype the build protocol travels as.
const codecName = "json"

// jsonCodec carries Request and Event as JSON so the protocol needs no
// generated stubs.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

const buildMethod = "/kiln.BuildProcess/Build"

// buildServer is the handler type the service is registered against.
type buildServer interface {
	build(req *Request, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "kiln.BuildProcess",
	HandlerType: (*buildServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Build",
		Handler:       buildHandler,
		ServerStreams: true,
	}},
	Metadata: "kiln/buildproc",
}

func buildHandler(srv any, stream grpc.ServerStream) error {
	req := new(Request)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(buildServer).build(req, stream)
}

// Server exposes a Process over gRPC.
type Server struct {
	proc Process
	log  *logger.Logger
	grpc *grpc.Server
}

// NewServer registers proc on a new gRPC server.
func NewServer(proc Process, log *logger.Logger, opts ...grpc.ServerOption) *Server {
	if log == nil {
		log = logger.Discard()
	}
	s := &Server{
		proc: proc,
		log:  log.WithComponent("buildproc-server"),
		grpc: grpc.NewServer(opts...),
	}
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("serving build process", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop drains in-flight builds and stops the server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

func (s *Server) build(req *Request, stream grpc.ServerStream) error {
	h, err := s.proc.Start(stream.Context(), req)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	log := s.log.WithSession(req.SessionID)
	log.Debug("build started")
	for ev := range h.Events() {
		if err := stream.SendMsg(&ev); err != nil {
			log.Warn("client went away", "error", err)
			h.Cancel()
			for range h.Events() {
			}
			return err
		}
	}
	<-h.Done()
	if err := h.Err(); err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return nil
}

// Client is a Process backed by a remote Server.
type Client struct {
	conn *grpc.ClientConn
	log  *logger.Logger
}

var _ Process = (*Client)(nil)

// Dial connects to a build process server. The connection is lazy; a bad
// target surfaces on the first Start.
func Dial(target string, log *logger.Logger, opts ...grpc.DialOption) (*Client, error) {
	if log == nil {
		log = logger.Discard()
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("buildproc: dial %s: %w", target, err)
	}
	return &Client{conn: conn, log: log.WithComponent("buildproc-client")}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Start sends req and relays the server's events. A broken stream ends
// the handle with ErrProcessFailed.
func (c *Client) Start(ctx context.Context, req *Request) (Handle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], buildMethod,
		grpc.CallContentSubtype(codecName))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrProcessFailed, err)
	}
	if err := stream.SendMsg(req); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: send request: %w", ErrProcessFailed, err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrProcessFailed, err)
	}

	h := newHandle(cancel)
	go func() {
		h.finish(c.relay(ctx, stream, h))
	}()
	return h, nil
}

func (c *Client) relay(ctx context.Context, stream grpc.ClientStream, h *handle) error {
	for {
		var ev Event
		err := stream.RecvMsg(&ev)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil || status.Code(err) == codes.Canceled {
				return nil
			}
			c.log.Warn("build stream broke", "error", err)
			return fmt.Errorf("%w: %w", ErrProcessFailed, err)
		}
		h.emit(ev)
	}
}
