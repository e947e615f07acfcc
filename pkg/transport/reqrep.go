package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	svcerrors "github.com/cuemby/svcmesh/pkg/errors"
	"github.com/cuemby/svcmesh/pkg/types"
)

// ReqRep is the request/response reference Transport (§4.1): each Message
// maps to one HTTP round trip. A client Send queues the outbound message;
// the next Receive performs the exchange and returns the response.
type ReqRep struct{}

// NewReqRep returns a request/response Transport backed by HTTP.
func NewReqRep() *ReqRep { return &ReqRep{} }

func (t *ReqRep) Start() error { return nil }
func (t *ReqRep) Stop() error  { return nil }

func (t *ReqRep) Listen(address string) (Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("reqrep: listen %s: %w", address, err)
	}
	rl := &reqrepListener{
		netListener: ln,
		accept:      make(chan *reqrepServerSocket, 16),
	}
	server := &http.Server{Handler: http.HandlerFunc(rl.serveHTTP)}
	rl.httpServer = server
	go func() { _ = server.Serve(ln) }()
	return rl, nil
}

func (t *ReqRep) Dial(ctx context.Context, address string, opts DialOptions) (Socket, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &reqrepClientSocket{
		address: address,
		client:  &http.Client{Timeout: timeout},
		remote:  address,
		local:   "reqrep-client",
	}, nil
}

type reqrepListener struct {
	netListener net.Listener
	httpServer  *http.Server
	accept      chan *reqrepServerSocket

	mu     sync.Mutex
	closed bool
}

func (l *reqrepListener) serveHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	msg := types.NewMessage(r.Header.Get(types.HeaderMessageID), types.MessageRequest)
	msg.Target = r.Header.Get(types.HeaderTargetService)
	msg.Endpoint = firstNonEmpty(r.Header.Get(types.HeaderTargetMethod), r.URL.Path)
	msg.ReplyTo = r.Header.Get(types.HeaderReplyTo)
	msg.Body = body
	for k, vals := range r.Header {
		for _, v := range vals {
			msg.Headers.Add(k, v)
		}
	}
	if ct := r.Header.Get(types.HeaderContentType); ct != "" {
		msg.Headers.Set(types.HeaderContentType, ct)
	}

	sock := &reqrepServerSocket{
		inbound:  msg,
		respCh:   make(chan *types.Message, 1),
		doneCh:   make(chan struct{}),
		remote:   r.RemoteAddr,
		local:    l.netListener.Addr().String(),
	}

	select {
	case l.accept <- sock:
	case <-r.Context().Done():
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	select {
	case resp := <-sock.respCh:
		for k, vals := range resp.Headers {
			for _, v := range vals {
				w.Header().Add(k, v)
			}
		}
		status := 200
		if sc := resp.Headers.Get(types.HeaderStatusCode); sc != "" {
			fmt.Sscanf(sc, "%d", &status)
		}
		w.WriteHeader(status)
		_, _ = w.Write(resp.Body)
	case <-time.After(60 * time.Second):
		http.Error(w, "handler timed out", http.StatusGatewayTimeout)
	}
	close(sock.doneCh)
}

func (l *reqrepListener) Accept() (Socket, error) {
	sock, ok := <-l.accept
	if !ok {
		return nil, fmt.Errorf("reqrep: listener closed")
	}
	return sock, nil
}

func (l *reqrepListener) AcceptTimeout(timeout time.Duration) (Socket, error) {
	select {
	case sock, ok := <-l.accept:
		if !ok {
			return nil, fmt.Errorf("reqrep: listener closed")
		}
		return sock, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

func (l *reqrepListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := l.httpServer.Shutdown(ctx)
	close(l.accept)
	return err
}

func (l *reqrepListener) Addr() string { return l.netListener.Addr().String() }

// reqrepServerSocket represents one accepted HTTP exchange: Receive returns
// the already-decoded inbound request exactly once; Send writes the HTTP
// response and unblocks the handler goroutine.
type reqrepServerSocket struct {
	inbound *types.Message
	respCh  chan *types.Message
	doneCh  chan struct{}
	remote  string
	local   string

	mu       sync.Mutex
	received bool
	closed   bool
}

func (s *reqrepServerSocket) Send(msg *types.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &svcerrors.TransportError{Kind: svcerrors.TransportConnectionReset, Cause: fmt.Errorf("socket closed")}
	}
	s.mu.Unlock()
	select {
	case s.respCh <- msg:
		return nil
	default:
		return &svcerrors.TransportError{Kind: svcerrors.TransportConnectionReset, Cause: fmt.Errorf("response already sent")}
	}
}

func (s *reqrepServerSocket) Receive() (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.received {
		return nil, &svcerrors.TransportError{Kind: svcerrors.TransportConnectionReset, Cause: fmt.Errorf("request already consumed")}
	}
	s.received = true
	return s.inbound, nil
}

func (s *reqrepServerSocket) ReceiveTimeout(time.Duration) (*types.Message, error) {
	return s.Receive()
}

func (s *reqrepServerSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return nil
}

func (s *reqrepServerSocket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *reqrepServerSocket) RemoteAddr() string { return s.remote }
func (s *reqrepServerSocket) LocalAddr() string  { return s.local }

// reqrepClientSocket queues one outbound Message on Send and performs the
// actual HTTP round trip on the following Receive.
type reqrepClientSocket struct {
	address string
	client  *http.Client
	remote  string
	local   string

	mu      sync.Mutex
	pending *types.Message
	closed  bool
}

func (s *reqrepClientSocket) Send(msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &svcerrors.TransportError{Kind: svcerrors.TransportConnectionReset, Cause: fmt.Errorf("socket closed")}
	}
	s.pending = msg
	return nil
}

func (s *reqrepClientSocket) Receive() (*types.Message, error) {
	return s.ReceiveTimeout(0)
}

func (s *reqrepClientSocket) ReceiveTimeout(timeout time.Duration) (*types.Message, error) {
	s.mu.Lock()
	msg := s.pending
	s.pending = nil
	s.mu.Unlock()

	if msg == nil {
		return nil, fmt.Errorf("reqrep: no pending message queued, call Send first")
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	url := "http://" + s.address + msg.Endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(msg.Body))
	if err != nil {
		return nil, &svcerrors.TransportError{Kind: svcerrors.TransportConnectionRefused, Cause: err}
	}
	for k, vals := range msg.Headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set(types.HeaderMessageID, msg.ID)
	req.Header.Set(types.HeaderTargetService, msg.Target)
	req.Header.Set(types.HeaderTargetMethod, msg.Endpoint)

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &svcerrors.TransportError{Kind: svcerrors.TransportTimeout, Cause: err}
		}
		return nil, &svcerrors.TransportError{Kind: svcerrors.TransportConnectionRefused, Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &svcerrors.TransportError{Kind: svcerrors.TransportConnectionReset, Cause: err}
	}

	out := types.NewMessage(resp.Header.Get(types.HeaderMessageID), types.MessageResponse)
	out.Body = body
	for k, vals := range resp.Header {
		for _, v := range vals {
			out.Headers.Add(k, v)
		}
	}
	out.Headers.Set(types.HeaderStatusCode, fmt.Sprintf("%d", resp.StatusCode))
	return out, nil
}

func (s *reqrepClientSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *reqrepClientSocket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *reqrepClientSocket) RemoteAddr() string { return s.remote }
func (s *reqrepClientSocket) LocalAddr() string  { return s.local }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
