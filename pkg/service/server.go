package service

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	svclog "github.com/cuemby/svcmesh/pkg/log"
	"github.com/cuemby/svcmesh/pkg/middleware"
	"github.com/cuemby/svcmesh/pkg/transport"
	"github.com/cuemby/svcmesh/pkg/types"
)

// Server binds a Service's dispatch pipeline to a transport.Listener: it
// accepts sockets, decodes inbound Messages into Requests, and writes back
// the dispatched Response as a Message (§4.7's "inbound RPC" data flow).
type Server struct {
	service  *Service
	listener transport.Listener

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	log zerolog.Logger
}

// NewServer returns a Server dispatching to svc.
func NewServer(svc *Service) *Server {
	return &Server{
		service: svc,
		stopCh:  make(chan struct{}),
		log:     svclog.WithComponent("server").With().Str("service", svc.Name).Logger(),
	}
}

// Serve accepts sockets from l until Stop is called or Accept fails.
func (s *Server) Serve(l transport.Listener) error {
	s.listener = l
	for {
		sock, err := l.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			default:
				return err
			}
		}
		s.wg.Add(1)
		go s.handleSocket(sock)
	}
}

// Stop refuses new connections and waits for in-flight sockets to drain,
// per the server-stop step of the runtime's shutdown sequence (§5).
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) handleSocket(sock transport.Socket) {
	defer s.wg.Done()
	defer sock.Close()

	for {
		msg, err := sock.Receive()
		if err != nil || msg == nil {
			return
		}
		if msg.Type != types.MessageRequest {
			continue
		}
		go s.handleMessage(sock, msg)
	}
}

func (s *Server) handleMessage(sock transport.Socket, msg *types.Message) {
	req := &types.Request{
		Service:     msg.Target,
		Endpoint:    msg.Endpoint,
		ContentType: msg.Headers.Get(types.HeaderContentType),
		Headers:     msg.Headers,
		Body:        msg.Body,
	}

	ctx := middleware.NewContext(context.Background(), s.service.Name, msg.Endpoint, req)
	resp := s.service.Dispatch(ctx)

	reply := types.NewMessage(msg.ID, types.MessageResponse)
	reply.ReplyTo = msg.ReplyTo
	for k, v := range resp.Headers.Clone() {
		reply.Headers[k] = v
	}
	reply.Headers.Set(types.HeaderStatusCode, strconv.Itoa(resp.Status))

	switch body := resp.Body.(type) {
	case []byte:
		reply.Body = body
	case nil:
		reply.Body = nil
	default:
		if b, err := json.Marshal(body); err == nil {
			reply.Body = b
		}
	}

	if err := sock.Send(reply); err != nil {
		s.log.Warn().Err(err).Str("endpoint", msg.Endpoint).Msg("failed to write response")
	}
}
