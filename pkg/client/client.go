package client

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/cuemby/svcmesh/pkg/breaker"
	"github.com/cuemby/svcmesh/pkg/codec"
	svcerrors "github.com/cuemby/svcmesh/pkg/errors"
	svclog "github.com/cuemby/svcmesh/pkg/log"
	"github.com/cuemby/svcmesh/pkg/metrics"
	"github.com/cuemby/svcmesh/pkg/pool"
	"github.com/cuemby/svcmesh/pkg/registry"
	"github.com/cuemby/svcmesh/pkg/selector"
	"github.com/cuemby/svcmesh/pkg/transport"
	"github.com/cuemby/svcmesh/pkg/types"
)

// RetryPolicy tunes the exponential-backoff retry loop around one call.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

func (p *RetryPolicy) withDefaults() RetryPolicy {
	out := *p
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.InitialInterval <= 0 {
		out.InitialInterval = 100 * time.Millisecond
	}
	if out.MaxInterval <= 0 {
		out.MaxInterval = 5 * time.Second
	}
	if out.Multiplier <= 0 {
		out.Multiplier = 2.0
	}
	return out
}

func (p RetryPolicy) backOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxInterval = p.MaxInterval
	bo.Multiplier = p.Multiplier
	bo.MaxElapsedTime = 0 // bounded by MaxAttempts instead
	return backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1))
}

// Options configures a Client.
type Options struct {
	Transport     transport.Transport
	Registry      registry.Registry
	Selector      selector.Selector
	Codecs        *codec.Selector
	Retry         RetryPolicy
	Breaker       breaker.Config
	RequestTimeout time.Duration
	PoolOptions   pool.Options
	// DisableBreaker skips wrapping the retry loop in a per-service breaker.
	DisableBreaker bool
}

// Client is a discovery-aware RPC client implementing §4.8.
type Client struct {
	opts Options

	mu       chan struct{} // binary mutex; see poolFor/breakerFor
	pools    map[string]*pool.Pool
	breakers map[string]*breaker.Breaker
}

// New returns a Client using opts. Registry, Selector, Transport and Codecs
// must all be set.
func New(opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	opts.Retry = opts.Retry.withDefaults()
	return &Client{
		opts:     opts,
		mu:       make(chan struct{}, 1),
		pools:    make(map[string]*pool.Pool),
		breakers: make(map[string]*breaker.Breaker),
	}
}

func (c *Client) lock()   { c.mu <- struct{}{} }
func (c *Client) unlock() { <-c.mu }

// CallOptions tunes a single Call beyond the Client's defaults.
type CallOptions struct {
	Version string
	Headers types.Header
	Timeout time.Duration
}

// Call resolves service, picks a node, and dispatches endpoint with body,
// retrying transport failures and 5xx responses with exponential backoff,
// optionally behind a circuit breaker keyed by service (§4.8).
func (c *Client) Call(ctx context.Context, service, endpoint string, body []byte, opts CallOptions) (*types.Response, error) {
	log := svclog.WithComponent("client").With().Str("service", service).Logger()
	start := time.Now()

	br := c.breakerFor(service)
	attempt := func() (*types.Response, error) {
		return c.callOnce(ctx, service, endpoint, body, opts)
	}

	var resp *types.Response
	var callErr error
	run := func() error {
		resp, callErr = attempt()
		return callErr
	}

	if br != nil {
		callErr = br.Call(run)
	} else {
		callErr = run()
	}

	outcome := "success"
	if callErr != nil {
		outcome = "error"
		log.Warn().Err(callErr).Str("endpoint", endpoint).Msg("client call failed")
	}
	metrics.ClientRequestsTotal.WithLabelValues(service, outcome).Inc()
	metrics.ClientRequestDuration.WithLabelValues(service).Observe(time.Since(start).Seconds())

	if callErr != nil {
		return nil, toTaxonomy(callErr)
	}
	return resp, nil
}

// callOnce runs the retry loop around one resolve+dial+send+receive
// sequence (§4.8): transport failures and 5xx responses retry, 4xx does
// not.
func (c *Client) callOnce(ctx context.Context, service, endpoint string, body []byte, opts CallOptions) (*types.Response, error) {
	policy := c.opts.Retry
	var resp *types.Response

	op := func() error {
		r, err := c.dispatch(ctx, service, endpoint, body, opts)
		if err != nil {
			resp = nil
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		if r.Status >= 500 {
			return svcerrors.New(svcerrors.BadGateway, "upstream returned "+strconv.Itoa(r.Status))
		}
		return nil
	}

	err := backoff.Retry(op, policy.backOff())
	if err != nil {
		if resp != nil && resp.Status >= 500 {
			// Retries exhausted on a 5xx response: surface it as-is rather
			// than as a client-level exception (§4.8).
			return resp, nil
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) dispatch(ctx context.Context, service, endpoint string, body []byte, opts CallOptions) (*types.Response, error) {
	node, err := c.resolve(service, opts.Version)
	if err != nil {
		return nil, err
	}

	addr := nodeAddr(node)
	p := c.poolFor(addr)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.opts.RequestTimeout
	}
	entry, err := p.Acquire(ctx, timeout)
	if err != nil {
		return nil, err
	}

	healthy := true
	defer func() { p.Release(entry, healthy) }()

	reqCodec := c.opts.Codecs.ForResponse("")
	msg := types.NewMessage(uuid.NewString(), types.MessageRequest)
	msg.Target = service
	msg.Endpoint = endpoint
	msg.Body = body
	msg.Headers.Set(types.HeaderContentType, reqCodec.ContentType())
	if opts.Headers != nil {
		for _, k := range []string{types.HeaderAuthorization, types.HeaderRequestID} {
			if v := opts.Headers.Get(k); v != "" {
				msg.Headers.Set(k, v)
			}
		}
	}

	if err := entry.Socket.Send(msg); err != nil {
		healthy = false
		return nil, err
	}

	reply, err := entry.Socket.ReceiveTimeout(timeout)
	if err != nil {
		healthy = false
		return nil, err
	}

	status, _ := strconv.Atoi(reply.Headers.Get(types.HeaderStatusCode))
	if status == 0 {
		status = 200
	}
	resp := &types.Response{Status: status, Headers: reply.Headers.Clone()}
	if len(reply.Body) > 0 {
		var decoded any
		if err := json.Unmarshal(reply.Body, &decoded); err == nil {
			resp.Body = decoded
		} else {
			resp.Body = reply.Body
		}
	}
	return resp, nil
}

func (c *Client) resolve(service, version string) (*types.Node, error) {
	records, err := c.opts.Registry.GetService(service)
	if err != nil {
		return nil, err
	}
	var nodes []*types.Node
	for _, r := range records {
		if version != "" && r.Version != version {
			continue
		}
		nodes = append(nodes, r.Nodes...)
	}
	return c.opts.Selector.Select(service, nodes)
}

func (c *Client) poolFor(addr string) *pool.Pool {
	c.lock()
	defer c.unlock()
	if p, ok := c.pools[addr]; ok {
		return p
	}
	opts := c.opts.PoolOptions
	opts.Dial = func(ctx context.Context) (transport.Socket, error) {
		return c.opts.Transport.Dial(ctx, addr, transport.DialOptions{Timeout: c.opts.RequestTimeout})
	}
	p := pool.New(addr, opts)
	c.pools[addr] = p
	return p
}

func (c *Client) breakerFor(service string) *breaker.Breaker {
	if c.opts.DisableBreaker {
		return nil
	}
	c.lock()
	defer c.unlock()
	if b, ok := c.breakers[service]; ok {
		return b
	}
	b := breaker.New(service, c.opts.Breaker)
	c.breakers[service] = b
	return b
}

// Close releases every pooled connection the client has opened.
func (c *Client) Close() error {
	c.lock()
	defer c.unlock()
	var firstErr error
	for _, p := range c.pools {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func nodeAddr(n *types.Node) string {
	if n.Port == 0 {
		return n.Address
	}
	return net.JoinHostPort(n.Address, strconv.Itoa(n.Port))
}

func isRetryable(err error) bool {
	if te, ok := err.(*svcerrors.TransportError); ok {
		return te.Retryable()
	}
	return false
}

// toTaxonomy maps a client-level failure to the §4.8/§7 status-bearing
// Error: transport kinds map via AsTaxonomy, breaker rejections and
// already-tagged errors pass through, anything else becomes Internal.
func toTaxonomy(err error) error {
	if err == nil {
		return nil
	}
	if te, ok := err.(*svcerrors.TransportError); ok {
		return te.AsTaxonomy()
	}
	if _, ok := err.(*svcerrors.Error); ok {
		return err
	}
	return svcerrors.Wrap(svcerrors.Internal, err, "client call failed")
}
