package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	svcerrors "github.com/cuemby/svcmesh/pkg/errors"
	"github.com/cuemby/svcmesh/pkg/types"
)

// addrBus is the process-wide address->listener map (§5): a loopback
// Transport is a lazy singleton surface over this bus, not a connection of
// its own, so every Loopback value in a process shares the same address
// space.
var (
	busMu sync.Mutex
	bus   = map[string]*loopbackListener{}
)

// ResetBus tears down the process-wide loopback address space. Tests must
// be able to reset global state between cases (§9).
func ResetBus() {
	busMu.Lock()
	defer busMu.Unlock()
	for _, l := range bus {
		_ = l.Close()
	}
	bus = map[string]*loopbackListener{}
}

const loopbackQueueSize = 64

// Loopback is the in-process reference Transport used by tests: it wires
// client and server sockets with a pair of bounded queues addressed by the
// process-local address bus.
type Loopback struct{}

// NewLoopback returns a Loopback transport bound to the shared process bus.
func NewLoopback() *Loopback { return &Loopback{} }

func (l *Loopback) Start() error { return nil }
func (l *Loopback) Stop() error  { return nil }

func (l *Loopback) Listen(address string) (Listener, error) {
	busMu.Lock()
	defer busMu.Unlock()
	if _, exists := bus[address]; exists {
		return nil, fmt.Errorf("loopback: address already in use: %s", address)
	}
	lis := &loopbackListener{
		address: address,
		accept:  make(chan *loopbackSocket, 16),
	}
	bus[address] = lis
	return lis, nil
}

func (l *Loopback) Dial(ctx context.Context, address string, opts DialOptions) (Socket, error) {
	busMu.Lock()
	lis, ok := bus[address]
	busMu.Unlock()
	if !ok {
		return nil, &svcerrors.TransportError{Kind: svcerrors.TransportConnectionRefused, Cause: fmt.Errorf("no listener at %s", address)}
	}

	toServer := make(chan *types.Message, loopbackQueueSize)
	toClient := make(chan *types.Message, loopbackQueueSize)

	client := &loopbackSocket{in: toClient, out: toServer, remote: address, local: "loopback-client"}
	server := &loopbackSocket{in: toServer, out: toClient, remote: "loopback-client", local: address}

	deadline := opts.Timeout
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	select {
	case lis.accept <- server:
		return client, nil
	case <-time.After(deadline):
		return nil, &svcerrors.TransportError{Kind: svcerrors.TransportTimeout, Cause: fmt.Errorf("dial %s timed out", address)}
	case <-ctx.Done():
		return nil, &svcerrors.TransportError{Kind: svcerrors.TransportTimeout, Cause: ctx.Err()}
	}
}

type loopbackListener struct {
	address string
	accept  chan *loopbackSocket
	mu      sync.Mutex
	closed  bool
}

func (l *loopbackListener) Accept() (Socket, error) {
	sock, ok := <-l.accept
	if !ok {
		return nil, fmt.Errorf("loopback: listener %s closed", l.address)
	}
	return sock, nil
}

func (l *loopbackListener) AcceptTimeout(timeout time.Duration) (Socket, error) {
	select {
	case sock, ok := <-l.accept:
		if !ok {
			return nil, fmt.Errorf("loopback: listener %s closed", l.address)
		}
		return sock, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

func (l *loopbackListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.accept)

	busMu.Lock()
	if bus[l.address] == l {
		delete(bus, l.address)
	}
	busMu.Unlock()
	return nil
}

func (l *loopbackListener) Addr() string { return l.address }

type loopbackSocket struct {
	in     chan *types.Message
	out    chan *types.Message
	remote string
	local  string

	mu     sync.Mutex
	closed bool
}

func (s *loopbackSocket) Send(msg *types.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &svcerrors.TransportError{Kind: svcerrors.TransportConnectionReset, Cause: fmt.Errorf("send on closed socket")}
	}
	s.mu.Unlock()

	select {
	case s.out <- msg:
		return nil
	default:
		// Queue full: block with a bound so a stuck peer can't hang forever.
		select {
		case s.out <- msg:
			return nil
		case <-time.After(5 * time.Second):
			return &svcerrors.TransportError{Kind: svcerrors.TransportTimeout, Cause: fmt.Errorf("send queue full")}
		}
	}
}

func (s *loopbackSocket) Receive() (*types.Message, error) {
	msg, ok := <-s.in
	if !ok {
		return nil, &svcerrors.TransportError{Kind: svcerrors.TransportConnectionReset, Cause: fmt.Errorf("peer closed")}
	}
	return msg, nil
}

func (s *loopbackSocket) ReceiveTimeout(timeout time.Duration) (*types.Message, error) {
	select {
	case msg, ok := <-s.in:
		if !ok {
			return nil, &svcerrors.TransportError{Kind: svcerrors.TransportConnectionReset, Cause: fmt.Errorf("peer closed")}
		}
		return msg, nil
	case <-time.After(timeout):
		return nil, &svcerrors.TransportError{Kind: svcerrors.TransportTimeout, Cause: fmt.Errorf("receive timed out")}
	}
}

func (s *loopbackSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.out)
	return nil
}

func (s *loopbackSocket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *loopbackSocket) RemoteAddr() string { return s.remote }
func (s *loopbackSocket) LocalAddr() string  { return s.local }
