package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/svcmesh/pkg/breaker"
	svcerrors "github.com/cuemby/svcmesh/pkg/errors"
	svclog "github.com/cuemby/svcmesh/pkg/log"
	"github.com/cuemby/svcmesh/pkg/metrics"
	"github.com/cuemby/svcmesh/pkg/registry"
	"github.com/cuemby/svcmesh/pkg/types"
)

// HandlerOptions configures the gateway's built-in endpoints and
// ancillary behavior.
type HandlerOptions struct {
	EnableBuiltins bool
	DocsPath       string // default "/api/docs"
	HealthPath     string // default "/health"
	MetricsPath    string // default "/metrics"

	RateLimiter *RateLimiter
	// PrincipalOf, if set, extracts the authenticated principal from an
	// incoming request for RateLimiter's "user" key; an empty return
	// falls back to IP.
	PrincipalOf func(*http.Request) string
}

func (o *HandlerOptions) withDefaults() HandlerOptions {
	out := *o
	if out.DocsPath == "" {
		out.DocsPath = "/api/docs"
	}
	if out.HealthPath == "" {
		out.HealthPath = "/health"
	}
	if out.MetricsPath == "" {
		out.MetricsPath = "/metrics"
	}
	return out
}

// Handler is the gateway's single http.Handler (§4.10): built-in
// endpoints, route lookup, cache check, path-param merge, proxy dispatch,
// response transformation and status mapping.
type Handler struct {
	router   *Router
	proxies  map[string]*Proxy
	cache    *ResponseCache
	registry registry.Registry
	opts     HandlerOptions

	startedAt time.Time
}

// NewHandler ties router, proxies (keyed by service name), an optional
// response cache and the backing registry together behind one handler.
func NewHandler(router *Router, proxies map[string]*Proxy, reg registry.Registry, cache *ResponseCache, opts HandlerOptions) *Handler {
	return &Handler{
		router:    router,
		proxies:   proxies,
		cache:     cache,
		registry:  reg,
		opts:      opts.withDefaults(),
		startedAt: time.Now(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.opts.EnableBuiltins {
		switch r.URL.Path {
		case h.opts.DocsPath:
			h.serveDocs(w, r)
			return
		case h.opts.HealthPath:
			h.serveHealth(w, r)
			return
		case h.opts.MetricsPath:
			metrics.Handler().ServeHTTP(w, r)
			return
		}
	}

	start := time.Now()
	route, params, ok := h.router.Match(r.Method, r.URL.Path)
	if !ok {
		h.writeError(w, r, r.URL.Path, start, svcerrors.New(svcerrors.NotFound, "no matching route"))
		return
	}

	if h.opts.RateLimiter != nil {
		var principal string
		if h.opts.PrincipalOf != nil {
			principal = h.opts.PrincipalOf(r)
		}
		key := h.opts.RateLimiter.KeyFor(r, principal, r.Header.Get("X-Api-Key"))
		allowed, remaining, resetAt := h.opts.RateLimiter.Allow(key)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.opts.RateLimiter.opts.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(resetAt).Seconds())+1))
			h.writeError(w, r, route.Path, start, svcerrors.RateLimitErr(int(time.Until(resetAt).Seconds())+1))
			return
		}
	}

	var cacheKey string
	if route.Cache != nil && h.cache != nil {
		cacheKey = h.cache.Key(route.Service, route.Method, r.URL.Path, r.URL.RawQuery, route.Cache.VaryHeaders, headersFromRequest(r))
		if body, hit := h.cache.Get(cacheKey); hit {
			metrics.GatewayCacheHitsTotal.WithLabelValues(route.Path).Inc()
			writeJSONBody(w, 200, body)
			h.recordRequest(route.Path, 200, start)
			return
		}
		metrics.GatewayCacheMissesTotal.WithLabelValues(route.Path).Inc()
	}

	body, err := mergeParams(r, params)
	if err != nil {
		h.writeError(w, r, route.Path, start, svcerrors.New(svcerrors.InvalidArgument, err.Error()))
		return
	}
	headers := headersFromRequest(r)

	var respBody any
	status := 200
	if route.Aggregate != nil {
		// S5: under the default Tolerate policy aggregate routes report 200
		// and per-task failures are recorded under their own key; under
		// Fail a task failure becomes an error response.
		respBody, err = RunAggregate(r.Context(), h.proxies, *route.Aggregate, body, headers)
	} else {
		proxy, ok := h.proxies[route.Service]
		if !ok {
			err = svcerrors.New(svcerrors.Internal, "no proxy configured for service "+route.Service)
		} else {
			var resp *types.Response
			resp, err = proxy.Call(r.Context(), route.Endpoint, body, headers)
			if err == nil {
				respBody = resp.Body
				status = resp.Status
			}
		}
	}
	if err != nil {
		h.writeError(w, r, route.Path, start, err)
		return
	}

	respBody = ApplyTransforms(route.Transforms, respBody)
	data, merr := json.Marshal(respBody)
	if merr != nil {
		h.writeError(w, r, route.Path, start, svcerrors.Wrap(svcerrors.Internal, merr, "marshaling response"))
		return
	}

	if cacheKey != "" && status < 400 {
		h.cache.Set(cacheKey, data, route.Cache.TTL)
	}
	writeJSONBody(w, status, data)
	h.recordRequest(route.Path, status, start)
}

// writeError maps err to its status via the taxonomy (§4.10: ServiceUnavailable
// ⇒ 503, Unauthorized ⇒ 401, other ⇒ its own mapped status or 500) and
// writes a JSON error body.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, label string, start time.Time, err error) {
	status := svcerrors.StatusOf(err)
	body, _ := json.Marshal(svcerrors.Body(err, r.Header.Get(types.HeaderRequestID)))
	writeJSONBody(w, status, body)
	h.recordRequest(label, status, start)
	svclog.WithComponent("gateway").Warn().Err(err).Str("path", label).Int("status", status).Msg("gateway request failed")
}

func (h *Handler) recordRequest(route string, status int, start time.Time) {
	metrics.GatewayRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	metrics.GatewayResponseTime.WithLabelValues(route).Observe(time.Since(start).Seconds())
}

func writeJSONBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// mergeParams decodes r's JSON body (if any) into a map and merges path
// params on top, as string values (§4.10's "extracts path parameters,
// merges into JSON request body").
func mergeParams(r *http.Request, params map[string]string) ([]byte, error) {
	obj := make(map[string]any)
	if r.Body != nil {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &obj); err != nil {
				return nil, fmt.Errorf("decoding request body: %w", err)
			}
		}
	}
	for k, v := range params {
		obj[k] = v
	}
	return json.Marshal(obj)
}

func headersFromRequest(r *http.Request) types.Header {
	h := make(types.Header)
	if v := r.Header.Get(types.HeaderAuthorization); v != "" {
		h.Set(types.HeaderAuthorization, v)
	}
	if v := r.Header.Get(types.HeaderRequestID); v != "" {
		h.Set(types.HeaderRequestID, v)
	}
	return h
}

// serveDocs returns a minimal OpenAPI-shaped document describing every
// registered route.
func (h *Handler) serveDocs(w http.ResponseWriter, r *http.Request) {
	paths := make(map[string]any)
	h.router.mu.RLock()
	for path, byMethod := range h.router.exact {
		ops := make(map[string]any, len(byMethod))
		for method, route := range byMethod {
			ops[method] = map[string]any{"service": route.Service, "endpoint": route.Endpoint}
		}
		paths[path] = ops
	}
	for _, cr := range h.router.patterns {
		ops := map[string]any{cr.route.Method: map[string]any{"service": cr.route.Service, "endpoint": cr.route.Endpoint}}
		paths[cr.route.Path] = ops
	}
	h.router.mu.RUnlock()

	doc := map[string]any{
		"openapi": "3.0.0",
		"info":    map[string]any{"title": "gateway", "version": "1.0.0"},
		"paths":   paths,
	}
	data, _ := json.Marshal(doc)
	writeJSONBody(w, 200, data)
}

// serveHealth reports {status, services:{name:bool}, uptime_seconds} per
// §6: a service is healthy if its proxy's breaker (when present) is not
// open.
func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	services := make(map[string]bool)
	allHealthy := true

	if h.registry != nil {
		if records, err := h.registry.ListServices(); err == nil {
			for _, rec := range records {
				if _, seen := services[rec.Name]; !seen {
					services[rec.Name] = true
				}
			}
		}
	}

	for name, proxy := range h.proxies {
		healthy := proxy.br == nil || proxy.br.State() != breaker.Open
		services[name] = healthy
		if !healthy {
			allHealthy = false
		}
	}

	status := "ok"
	if !allHealthy {
		status = "degraded"
	}
	body, _ := json.Marshal(map[string]any{
		"status":          status,
		"services":        services,
		"uptime_seconds":  time.Since(h.startedAt).Seconds(),
	})
	writeJSONBody(w, 200, body)
}
