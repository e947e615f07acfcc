// Package transport implements the polymorphic bidirectional message
// channel of §4.1: a Transport that can listen/dial, a Listener that
// accepts Sockets, and a Socket that sends/receives Messages. Three
// reference variants are provided: reqrep (request/response, HTTP-backed),
// grpcstream (persistent multiplexed streaming) and loopback (in-process,
// for tests).
package transport

import (
	"context"
	"time"

	"github.com/cuemby/svcmesh/pkg/types"
)

// Socket is a scoped, bidirectional message channel. Close is idempotent.
type Socket interface {
	Send(msg *types.Message) error
	Receive() (*types.Message, error)
	ReceiveTimeout(timeout time.Duration) (*types.Message, error)
	Close() error
	Closed() bool
	RemoteAddr() string
	LocalAddr() string
}

// Listener accepts inbound Sockets. Close is idempotent.
type Listener interface {
	Accept() (Socket, error)
	AcceptTimeout(timeout time.Duration) (Socket, error)
	Close() error
	Addr() string
}

// DialOptions configures an outbound connection.
type DialOptions struct {
	Timeout time.Duration
}

// Transport is the capability set a concrete wire protocol implements.
type Transport interface {
	Listen(address string) (Listener, error)
	Dial(ctx context.Context, address string, opts DialOptions) (Socket, error)
	Start() error
	Stop() error
}
