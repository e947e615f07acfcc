package gateway

import (
	"context"

	"github.com/cuemby/svcmesh/pkg/breaker"
	"github.com/cuemby/svcmesh/pkg/client"
	svcerrors "github.com/cuemby/svcmesh/pkg/errors"
	"github.com/cuemby/svcmesh/pkg/types"
)

// ProxyOptions configures a Proxy's method exposure and breaker.
type ProxyOptions struct {
	// ExposedMethods, if non-empty, is the allow-list of endpoint names
	// this proxy will forward; anything else is blocked.
	ExposedMethods []string
	// BlockedMethods is a deny-list checked after ExposedMethods.
	BlockedMethods []string
	// DisableBreaker skips wrapping calls in a circuit breaker.
	DisableBreaker bool
	Breaker        breaker.Config
}

// Proxy is one per backend service (§4.10): it holds a discovery-aware
// client and an optional circuit breaker wrapping every call.
type Proxy struct {
	Service string

	client  *client.Client
	br      *breaker.Breaker
	exposed map[string]bool
	blocked map[string]bool
}

// NewProxy returns a Proxy for service, dispatching calls through c.
func NewProxy(service string, c *client.Client, opts ProxyOptions) *Proxy {
	p := &Proxy{Service: service, client: c}
	if len(opts.ExposedMethods) > 0 {
		p.exposed = make(map[string]bool, len(opts.ExposedMethods))
		for _, m := range opts.ExposedMethods {
			p.exposed[m] = true
		}
	}
	if len(opts.BlockedMethods) > 0 {
		p.blocked = make(map[string]bool, len(opts.BlockedMethods))
		for _, m := range opts.BlockedMethods {
			p.blocked[m] = true
		}
	}
	if !opts.DisableBreaker {
		p.br = breaker.New(service, opts.Breaker)
	}
	return p
}

// allowed reports whether endpoint may be forwarded: blocked if an
// exposed-list is present and doesn't name it, or if a blocked-list is
// present and does (§4.10).
func (p *Proxy) allowed(endpoint string) bool {
	if p.exposed != nil && !p.exposed[endpoint] {
		return false
	}
	if p.blocked != nil && p.blocked[endpoint] {
		return false
	}
	return true
}

// Call forwards body to endpoint on the backend service, propagating
// Authorization and X-Request-Id from headers, retrying per the client's
// policy and recording the outcome against the breaker.
func (p *Proxy) Call(ctx context.Context, endpoint string, body []byte, headers types.Header) (*types.Response, error) {
	if !p.allowed(endpoint) {
		return nil, svcerrors.New(svcerrors.NotFound, "endpoint not exposed: "+endpoint)
	}

	var resp *types.Response
	run := func() error {
		r, err := p.client.Call(ctx, p.Service, endpoint, body, client.CallOptions{Headers: headers})
		resp = r
		return err
	}

	if p.br != nil {
		if err := p.br.Call(run); err != nil {
			return nil, err
		}
	} else if err := run(); err != nil {
		return nil, err
	}
	return resp, nil
}
