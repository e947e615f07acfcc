package middleware

import (
	"context"

	"github.com/cuemby/svcmesh/pkg/types"
)

// Context carries one dispatch's request/response pair and request-scoped
// values through a Chain. It is constructed by the server (§4.7) and
// flows unmodified in identity through every handler; handlers mutate
// Response or stash values via Set/Get.
type Context struct {
	Ctx      context.Context
	Service  string
	Endpoint string

	Request  *types.Request
	Response *types.Response

	Principal *types.Principal

	values map[string]any
}

// NewContext returns a Context for one inbound dispatch.
func NewContext(ctx context.Context, service, endpoint string, req *types.Request) *Context {
	return &Context{
		Ctx:      ctx,
		Service:  service,
		Endpoint: endpoint,
		Request:  req,
		Response: types.NewResponse(),
		values:   make(map[string]any),
	}
}

// Set stashes a request-scoped value, e.g. a request ID or decoded claims.
func (c *Context) Set(key string, value any) {
	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.values[key] = value
}

// Get retrieves a value stashed with Set.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}
