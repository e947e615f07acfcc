package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"

	svcerrors "github.com/cuemby/svcmesh/pkg/errors"
	"github.com/cuemby/svcmesh/pkg/types"
)

const grpcStreamMethod = "/svcmesh.Stream/Channel"

// rawCodec passes bytes straight through the grpc wire format. Messages are
// JSON-encoded by the Socket layer above it, so the transport never needs
// generated protobuf stubs to carry a Message over grpc.
type rawCodec struct{}

func (rawCodec) Name() string { return "raw" }

func (rawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("grpcstream: codec expected []byte, got %T", v)
	}
	return b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	p, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("grpcstream: codec expected *[]byte, got %T", v)
	}
	*p = append((*p)[:0], data...)
	return nil
}

var grpcStreamDesc = grpc.StreamDesc{
	StreamName:    "Channel",
	ServerStreams: true,
	ClientStreams: true,
}

// GRPCStream is the streaming reference Transport (§4.1): a persistent
// bidirectional channel over a single grpc stream. Independent logical
// streams are multiplexed over one Socket using the `stream-id` header
// carried on each Message.
type GRPCStream struct{}

// NewGRPCStream returns a streaming Transport backed by grpc.
func NewGRPCStream() *GRPCStream { return &GRPCStream{} }

func (t *GRPCStream) Start() error { return nil }
func (t *GRPCStream) Stop() error  { return nil }

func (t *GRPCStream) Listen(address string) (Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("grpcstream: listen %s: %w", address, err)
	}

	gl := &grpcListener{
		netListener: ln,
		accept:      make(chan *grpcSocket, 16),
	}

	desc := &grpc.ServiceDesc{
		ServiceName: "svcmesh.Stream",
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{
			{
				StreamName: grpcStreamDesc.StreamName,
				Handler: func(srv any, stream grpc.ServerStream) error {
					sock := newGRPCServerSocket(stream, ln.Addr().String())
					select {
					case gl.accept <- sock:
					case <-stream.Context().Done():
						return stream.Context().Err()
					}
					<-sock.done
					return nil
				},
				ServerStreams: true,
				ClientStreams: true,
			},
		},
	}

	server := grpc.NewServer(grpc.ForceServerCodec(rawCodec{}))
	server.RegisterService(desc, nil)
	gl.grpcServer = server

	go func() { _ = server.Serve(ln) }()
	return gl, nil
}

func (t *GRPCStream) Dial(ctx context.Context, address string, opts DialOptions) (Socket, error) {
	dialCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	conn, err := grpc.DialContext(dialCtx, address, //nolint:staticcheck // explicit dial, no generated stubs
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
		grpc.WithInsecure(), //nolint:staticcheck // plaintext loopback/dev transport; production deployments terminate TLS upstream
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, &svcerrors.TransportError{Kind: svcerrors.TransportConnectionRefused, Cause: err}
	}

	streamCtx, streamCancel := context.WithCancel(context.Background())
	cs, err := conn.NewStream(streamCtx, &grpcStreamDesc, grpcStreamMethod)
	if err != nil {
		streamCancel()
		_ = conn.Close()
		return nil, &svcerrors.TransportError{Kind: svcerrors.TransportConnectionRefused, Cause: err}
	}

	return newGRPCClientSocket(cs, conn, streamCancel, address), nil
}

type grpcListener struct {
	netListener net.Listener
	grpcServer  *grpc.Server
	accept      chan *grpcSocket

	mu     sync.Mutex
	closed bool
}

func (l *grpcListener) Accept() (Socket, error) {
	sock, ok := <-l.accept
	if !ok {
		return nil, fmt.Errorf("grpcstream: listener closed")
	}
	return sock, nil
}

func (l *grpcListener) AcceptTimeout(timeout time.Duration) (Socket, error) {
	select {
	case sock, ok := <-l.accept:
		if !ok {
			return nil, fmt.Errorf("grpcstream: listener closed")
		}
		return sock, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

func (l *grpcListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.grpcServer.GracefulStop()
	close(l.accept)
	return nil
}

func (l *grpcListener) Addr() string { return l.netListener.Addr().String() }

// grpcSocket is the shared read/write/close logic for both ends of a
// grpcstream connection; grpcClientSocket and grpcServerSocket differ only
// in how they reach the underlying grpc.Stream (ClientStream vs
// ServerStream expose slightly different method sets).
type grpcSocket struct {
	mu         sync.Mutex
	closed     bool
	sendClosed bool
	remote     string
	local      string
	done       chan struct{}

	sendMsg func([]byte) error
	recvMsg func() ([]byte, error)
	onClose func() error
}

func newGRPCServerSocket(stream grpc.ServerStream, local string) *grpcSocket {
	s := &grpcSocket{
		remote: "grpcstream-peer",
		local:  local,
		done:   make(chan struct{}),
	}
	s.sendMsg = func(b []byte) error { return stream.SendMsg(b) }
	s.recvMsg = func() ([]byte, error) {
		var buf []byte
		if err := stream.RecvMsg(&buf); err != nil {
			return nil, err
		}
		return buf, nil
	}
	s.onClose = func() error { close(s.done); return nil }
	return s
}

func newGRPCClientSocket(stream grpc.ClientStream, conn *grpc.ClientConn, cancel context.CancelFunc, remote string) *grpcSocket {
	s := &grpcSocket{remote: remote, local: "grpcstream-client", done: make(chan struct{})}
	s.sendMsg = func(b []byte) error { return stream.SendMsg(b) }
	s.recvMsg = func() ([]byte, error) {
		var buf []byte
		if err := stream.RecvMsg(&buf); err != nil {
			return nil, err
		}
		return buf, nil
	}
	s.onClose = func() error {
		_ = stream.CloseSend()
		cancel()
		close(s.done)
		return conn.Close()
	}
	return s
}

func (s *grpcSocket) Send(msg *types.Message) error {
	s.mu.Lock()
	if s.closed || s.sendClosed {
		s.mu.Unlock()
		return &svcerrors.TransportError{Kind: svcerrors.TransportConnectionReset, Cause: fmt.Errorf("send on closed stream")}
	}
	s.mu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return svcerrors.Wrap(svcerrors.Internal, err, "encode message")
	}
	if err := s.sendMsg(data); err != nil {
		return &svcerrors.TransportError{Kind: svcerrors.TransportConnectionReset, Cause: err}
	}

	if msg.Headers.Get(types.HeaderStreamControl) == "close-send" {
		s.mu.Lock()
		s.sendClosed = true
		s.mu.Unlock()
	}
	return nil
}

func (s *grpcSocket) Receive() (*types.Message, error) {
	data, err := s.recvMsg()
	if err != nil {
		return nil, &svcerrors.TransportError{Kind: svcerrors.TransportConnectionReset, Cause: err}
	}
	var msg types.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, svcerrors.Wrap(svcerrors.Internal, err, "decode message")
	}
	if msg.Headers.Get(types.HeaderStreamControl) == "close" {
		_ = s.Close()
	}
	return &msg, nil
}

func (s *grpcSocket) ReceiveTimeout(timeout time.Duration) (*types.Message, error) {
	type result struct {
		msg *types.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := s.Receive()
		ch <- result{msg, err}
	}()
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-time.After(timeout):
		return nil, &svcerrors.TransportError{Kind: svcerrors.TransportTimeout, Cause: fmt.Errorf("receive timed out")}
	}
}

func (s *grpcSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.onClose()
}

func (s *grpcSocket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *grpcSocket) RemoteAddr() string { return s.remote }
func (s *grpcSocket) LocalAddr() string  { return s.local }
