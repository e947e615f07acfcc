package service

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cuemby/svcmesh/pkg/codec"
	svcerrors "github.com/cuemby/svcmesh/pkg/errors"
	"github.com/cuemby/svcmesh/pkg/middleware"
	"github.com/cuemby/svcmesh/pkg/types"
)

// EndpointHandler is a registered endpoint's business logic. params holds
// one decoded value per declared ParamType, in order.
type EndpointHandler func(ctx *middleware.Context, params []any) (any, error)

// EndpointOptions tunes one Endpoint registration.
type EndpointOptions struct {
	HTTPMethod   string
	Timeout      time.Duration
	AuthRequired bool
	Deprecated   bool
	Description  string
}

type endpointEntry struct {
	def     types.Endpoint
	handler EndpointHandler
	chain   *middleware.Chain // method-level entries only
}

// SubscriptionHandler processes one delivered event for a declarative
// subscription.
type SubscriptionHandler func(ctx *middleware.Context, body []byte) error

type subscriptionEntry struct {
	def     types.Subscription
	handler SubscriptionHandler
}

// Service is a typed collection of endpoints and subscriptions plus the
// middleware chains §4.6 composes around them.
type Service struct {
	Name    string
	Version string

	types   *TypeRegistry
	codecs  *codec.Selector

	mu            sync.RWMutex
	endpoints     map[string]*endpointEntry
	subscriptions []*subscriptionEntry
	chain         *middleware.Chain // service-level entries
}

// New returns an empty Service named name at version.
func New(name, version string) *Service {
	return &Service{
		Name:    name,
		Version: version,
		types:   NewTypeRegistry(),
		codecs:  codec.NewSelector(),
		endpoints: make(map[string]*endpointEntry),
		chain:     middleware.NewChain(),
	}
}

// Types exposes the service's parameter/return TypeRegistry so callers can
// Register concrete Go types before wiring endpoints that reference them.
func (s *Service) Types() *TypeRegistry { return s.types }

// Codecs exposes the service's codec Selector so callers can register
// additional content types.
func (s *Service) Codecs() *codec.Selector { return s.codecs }

// Use adds a service-level middleware entry, applied to every endpoint.
func (s *Service) Use(e middleware.Entry) { s.chain.Use(e) }

// UseNamed is a convenience wrapper over Use.
func (s *Service) UseNamed(name string, priority int, h middleware.Handler) {
	s.chain.UseNamed(name, priority, h)
}

// AllowAnonymous suppresses every guard entry service-wide.
func (s *Service) AllowAnonymous(v bool) { s.chain.AllowAnonymous(v) }

// Endpoint registers a dispatchable operation at path. paramNames/paramTypes
// must be registered in s.Types() before any request can be dispatched.
func (s *Service) Endpoint(path string, paramNames, paramTypes []string, returnType string, handler EndpointHandler, opts EndpointOptions) {
	httpMethod := opts.HTTPMethod
	if httpMethod == "" {
		httpMethod = "POST"
	}
	def := types.Endpoint{
		Path:         path,
		HTTPMethod:   httpMethod,
		ParamNames:   paramNames,
		ParamTypes:   paramTypes,
		ReturnType:   returnType,
		Timeout:      opts.Timeout,
		AuthRequired: opts.AuthRequired,
		Deprecated:   opts.Deprecated,
		Description:  opts.Description,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[path] = &endpointEntry{def: def, handler: handler, chain: middleware.NewChain()}
}

// EndpointMiddleware adds a method-level middleware entry scoped to path.
func (s *Service) EndpointMiddleware(path string, e middleware.Entry) {
	s.mu.RLock()
	entry, ok := s.endpoints[path]
	s.mu.RUnlock()
	if ok {
		entry.chain.Use(e)
	}
}

// Subscribe registers a declarative topic binding.
func (s *Service) Subscribe(topic, queue, eventType string, handler SubscriptionHandler, maxRetries int, retryBackoff time.Duration, autoAck bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions = append(s.subscriptions, &subscriptionEntry{
		def: types.Subscription{
			Topic:        topic,
			Queue:        queue,
			EventType:    eventType,
			MaxRetries:   maxRetries,
			RetryBackoff: retryBackoff,
			AutoAck:      autoAck,
		},
		handler: handler,
	})
}

// Subscriptions returns the service's declared subscriptions.
func (s *Service) Subscriptions() []types.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Subscription, len(s.subscriptions))
	for i, e := range s.subscriptions {
		out[i] = e.def
	}
	return out
}

// Endpoints returns the service's declared endpoint table, keyed by path.
func (s *Service) Endpoints() map[string]types.Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]types.Endpoint, len(s.endpoints))
	for path, e := range s.endpoints {
		out[path] = e.def
	}
	return out
}

// Dispatch implements §4.7: looks up the endpoint, composes its chain, runs
// the middleware, and invokes the handler with extracted parameters.
func (s *Service) Dispatch(ctx *middleware.Context) *types.Response {
	s.mu.RLock()
	entry, ok := s.endpoints[ctx.Endpoint]
	s.mu.RUnlock()
	if !ok {
		notFound := svcerrors.New(svcerrors.NotFound, "Method not found: "+ctx.Endpoint)
		ctx.Response.Status = notFound.Status()
		ctx.Response.Body = svcerrors.Body(notFound, requestIDOf(ctx))
		return ctx.Response
	}

	composed := middleware.NewChain()
	for _, e := range serviceEntries(s.chain) {
		composed.Use(withGuardOffset(e, middleware.ServiceGuardPriorityOffset))
	}
	for _, e := range serviceEntries(entry.chain) {
		composed.Use(withGuardOffset(e, -middleware.MethodGuardPriorityOffset))
	}

	deadline := entry.def.Timeout
	terminal := func(c *middleware.Context, _ middleware.Next) error {
		return s.invoke(c, entry)
	}
	if deadline > 0 {
		timeoutEntry := middleware.Timeout(deadline)
		composed.Use(timeoutEntry)
	}

	if err := composed.Run(ctx, terminal); err != nil {
		// Any handler or guard error that wasn't already converted into a
		// Response by an application-registered ErrorHandler entry lands
		// here and is mapped via the §7 taxonomy as a fallback.
		e, ok := err.(*svcerrors.Error)
		if !ok {
			e = svcerrors.Wrap(svcerrors.Internal, err, "dispatch failed")
		}
		ctx.Response.Status = e.Status()
		ctx.Response.Body = svcerrors.Body(e, requestIDOf(ctx))
	}
	return ctx.Response
}

// requestIDOf returns the request ID RequestID middleware stamped on ctx,
// or "" if that entry never ran (e.g. the endpoint wasn't found before the
// chain was even composed).
func requestIDOf(ctx *middleware.Context) string {
	if v, ok := ctx.Get("request_id"); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

func serviceEntries(c *middleware.Chain) []middleware.Entry {
	entries, err := c.Entries()
	if err != nil {
		return nil
	}
	return entries
}

// withGuardOffset applies offset to e's priority when e is a guard entry
// (§4.6): service-level guards get +ServiceGuardPriorityOffset so they run
// before same-named method-level guards, which get -MethodGuardPriorityOffset
// so they run nearest the handler. Non-guard entries are untouched.
func withGuardOffset(e middleware.Entry, offset int) middleware.Entry {
	if !middleware.IsGuard(e.Name) {
		return e
	}
	e.Priority += offset
	return e
}

// invoke performs the parameter-extraction and handler-invocation steps
// (b)-(e) of §4.7.
func (s *Service) invoke(ctx *middleware.Context, entry *endpointEntry) error {
	params, err := s.extractParams(entry.def, ctx.Request.Body)
	if err != nil {
		return err
	}

	result, err := entry.handler(ctx, params)
	if err != nil {
		return err
	}

	if entry.def.ReturnType == "" {
		ctx.Response.Status = 204
		return nil
	}

	respCodec := s.codecs.ForResponse(ctx.Request.Headers.Get(types.HeaderAccept))
	body, err := respCodec.Marshal(result)
	if err != nil {
		return err
	}
	ctx.Response.Status = 200
	ctx.Response.Headers.Set(types.HeaderContentType, respCodec.ContentType())
	ctx.Response.Body = body
	return nil
}

func (s *Service) extractParams(def types.Endpoint, body []byte) ([]any, error) {
	if len(def.ParamNames) == 0 {
		return nil, nil
	}

	reqCodec, err := s.codecs.ForRequest("", body)
	if err != nil {
		return nil, err
	}

	if len(def.ParamNames) == 1 {
		target, err := s.types.New(def.ParamTypes[0])
		if err != nil {
			return nil, err
		}
		if unmarshalErr := reqCodec.Unmarshal(body, target.Interface()); unmarshalErr == nil {
			return []any{target.Elem().Interface()}, nil
		}

		var obj map[string]json.RawMessage
		if err := json.Unmarshal(body, &obj); err != nil {
			return nil, svcerrors.New(svcerrors.InvalidArgument, "malformed request body")
		}
		raw, ok := obj[def.ParamNames[0]]
		if !ok {
			return nil, svcerrors.New(svcerrors.InvalidArgument, "missing parameter: "+def.ParamNames[0])
		}
		target, err = s.types.New(def.ParamTypes[0])
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, target.Interface()); err != nil {
			return nil, svcerrors.New(svcerrors.InvalidArgument, "malformed parameter: "+def.ParamNames[0])
		}
		return []any{target.Elem().Interface()}, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, svcerrors.New(svcerrors.InvalidArgument, "request body must be a JSON object")
	}

	params := make([]any, len(def.ParamNames))
	for i, name := range def.ParamNames {
		raw, ok := obj[name]
		if !ok {
			return nil, svcerrors.New(svcerrors.InvalidArgument, "missing parameter: "+name)
		}
		target, err := s.types.New(def.ParamTypes[i])
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, target.Interface()); err != nil {
			return nil, svcerrors.New(svcerrors.InvalidArgument, "malformed parameter: "+name)
		}
		params[i] = target.Elem().Interface()
	}
	return params, nil
}
