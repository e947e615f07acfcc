package runtime

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/svcmesh/pkg/broker"
	svclog "github.com/cuemby/svcmesh/pkg/log"
	"github.com/cuemby/svcmesh/pkg/registry"
	"github.com/cuemby/svcmesh/pkg/service"
	"github.com/cuemby/svcmesh/pkg/transport"
	"github.com/cuemby/svcmesh/pkg/types"
)

// ShutdownHook runs during shutdown before the registry deregisters the
// node. A non-nil return is logged but never aborts the remaining steps.
type ShutdownHook func(ctx context.Context) error

// Options configures one Run invocation.
type Options struct {
	// Transport and Address are used to open the service's listener.
	Transport transport.Transport
	Address   string

	// Node identifies this instance for registration; a random ID is
	// generated if Node is nil.
	Node *types.Node
	// Registry is optional: when set, Run registers Node under the
	// service's (name, version) on startup and deregisters it on
	// shutdown.
	Registry registry.Registry

	// Broker is optional: when set, its connection is stopped on
	// shutdown before the server stops.
	Broker broker.Broker
	// Subscriptions lists every live subscription the application holds
	// against Broker; each is unsubscribed on shutdown before Broker is
	// disconnected.
	Subscriptions []broker.Subscription

	// Closers are closed last, after the server stops accepting and
	// drains in-flight work — e.g. client connection pools.
	Closers []io.Closer

	// ShutdownHooks run first, in order, before any other shutdown step.
	ShutdownHooks []ShutdownHook
	// ShutdownTimeout bounds the whole shutdown sequence. Default 10s.
	ShutdownTimeout time.Duration
	// Signals overrides the set of OS signals that trigger shutdown.
	// Default: SIGINT, SIGTERM.
	Signals []os.Signal
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = 10 * time.Second
	}
	if len(out.Signals) == 0 {
		out.Signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	return out
}

// Run opens opts.Transport's listener on opts.Address, registers svc (if
// opts.Registry is set), serves until an OS signal arrives or the server
// itself fails, then runs the shutdown sequence of §5: application
// shutdown hooks, deregister from registry, unsubscribe all subscriptions,
// stop broker connection, stop server (refusing new connections, draining
// existing), close pools.
func Run(svc *service.Service, opts Options) error {
	opts = opts.withDefaults()
	log := svclog.WithComponent("runtime")

	lis, err := opts.Transport.Listen(opts.Address)
	if err != nil {
		return err
	}

	node := opts.Node
	if node == nil {
		node = &types.Node{ID: uuid.NewString(), Address: opts.Address}
	}
	if opts.Registry != nil {
		if err := opts.Registry.Register(&types.Service{
			Name:    svc.Name,
			Version: svc.Version,
			Nodes:   []*types.Node{node},
		}); err != nil {
			return err
		}
	}

	server := service.NewServer(svc)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, opts.Signals...)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(lis) }()

	var cause error
	select {
	case <-sigCh:
		log.Info().Msg("shutdown signal received")
	case cause = <-errCh:
		if cause != nil {
			log.Warn().Err(cause).Msg("server exited with error")
		}
	}

	return shutdown(svc, node, server, opts, cause)
}

func shutdown(svc *service.Service, node *types.Node, server *service.Server, opts Options, cause error) error {
	log := svclog.WithComponent("runtime")
	ctx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancel()

	var firstErr error
	record := func(step string, err error) {
		if err == nil {
			return
		}
		log.Warn().Err(err).Str("step", step).Msg("shutdown step failed")
		if firstErr == nil {
			firstErr = err
		}
	}

	for _, hook := range opts.ShutdownHooks {
		record("shutdown_hook", hook(ctx))
	}

	if opts.Registry != nil {
		record("deregister", opts.Registry.Deregister(svc.Name, svc.Version, node.ID))
	}

	for _, sub := range opts.Subscriptions {
		record("unsubscribe", sub.Unsubscribe())
	}

	if opts.Broker != nil {
		record("broker_disconnect", opts.Broker.Disconnect())
	}

	record("server_stop", server.Stop())

	for _, c := range opts.Closers {
		record("close_pool", c.Close())
	}

	log.Info().Msg("shutdown complete")

	if firstErr != nil {
		return firstErr
	}
	return cause
}
