package middleware

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	svcerrors "github.com/cuemby/svcmesh/pkg/errors"
	svclog "github.com/cuemby/svcmesh/pkg/log"
	"github.com/cuemby/svcmesh/pkg/metrics"
	"github.com/cuemby/svcmesh/pkg/types"
)

// Recovery catches panics from the rest of the chain and converts them into
// an Internal error rather than crashing the dispatch goroutine. It should
// be registered at the highest priority so it wraps everything below it.
func Recovery() Entry {
	return Entry{Name: "recovery", Priority: 10000, Handler: func(ctx *Context, next Next) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = svcerrors.New(svcerrors.Internal, fmt.Sprintf("panic: %v", r))
			}
		}()
		return next(ctx)
	}}
}

// RequestID stamps X-Request-ID on the request (generating one if absent)
// and echoes it on the response.
func RequestID() Entry {
	return Entry{Name: "request_id", Priority: 9900, Handler: func(ctx *Context, next Next) error {
		id := ctx.Request.Headers.Get(types.HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
			ctx.Request.Headers.Set(types.HeaderRequestID, id)
		}
		ctx.Set("request_id", id)
		ctx.Response.Headers.Set(types.HeaderRequestID, id)
		return next(ctx)
	}}
}

// Logging logs one line per dispatch: server errors (status >= 500) at
// Error level with detail, everything else at Info (§4.7: "client errors
// are not" logged with exception detail).
func Logging() Entry {
	log := svclog.WithComponent("dispatch")
	return Entry{Name: "logging", Priority: 9800, Handler: func(ctx *Context, next Next) error {
		start := time.Now()
		err := next(ctx)
		dur := time.Since(start)

		evt := log.Info()
		if ctx.Response.Status >= 500 {
			evt = log.Error().Err(err)
		}
		evt.Str("service", ctx.Service).
			Str("endpoint", ctx.Endpoint).
			Int("status", ctx.Response.Status).
			Dur("duration", dur).
			Msg("dispatch")
		return err
	}}
}

// Timing records the §4.7 dispatch duration/count metrics and stamps
// X-Response-Time on the response.
func Timing() Entry {
	return Entry{Name: "timing", Priority: 9700, Handler: func(ctx *Context, next Next) error {
		start := time.Now()
		err := next(ctx)
		dur := time.Since(start)

		status := "success"
		if err != nil || ctx.Response.Status >= 400 {
			status = "error"
		}
		metrics.ServiceRequestDuration.WithLabelValues(ctx.Endpoint).Observe(dur.Seconds())
		metrics.ServiceRequestsTotal.WithLabelValues(ctx.Endpoint, status).Inc()
		ctx.Response.Headers.Set(types.HeaderResponseTime, dur.String())
		return err
	}}
}

// ErrorHandler converts an error returned by the rest of the chain into a
// taxonomy-mapped Response, per §7. After this runs the chain always
// "succeeds" from the caller's perspective; the real outcome is carried in
// ctx.Response.Status.
func ErrorHandler() Entry {
	return Entry{Name: "error_handler", Priority: 9600, Handler: func(ctx *Context, next Next) error {
		err := next(ctx)
		if err == nil {
			return nil
		}

		e, ok := err.(*svcerrors.Error)
		if !ok {
			e = svcerrors.Wrap(svcerrors.Internal, err, "internal error")
		}

		var requestID string
		if v, ok := ctx.Get("request_id"); ok {
			requestID, _ = v.(string)
		}
		body := svcerrors.Body(e, requestID)
		if e.RetryAfter > 0 {
			ctx.Response.Headers.Set("Retry-After", strconv.Itoa(e.RetryAfter))
		}
		if e.Kind == svcerrors.GatewayTimeout {
			if v, ok := ctx.Get("timeout_seconds"); ok {
				body["timeout_seconds"] = v
			}
		}

		ctx.Response.Status = e.Status()
		ctx.Response.Body = body
		return nil
	}}
}

// Timeout enforces a scoped deadline on the rest of the chain; on expiry it
// returns a GatewayTimeout error carrying the configured duration for
// ErrorHandler to surface as `timeout_seconds` (§4.7).
func Timeout(d time.Duration) Entry {
	return Entry{Name: "timeout", Priority: 9200, Handler: func(ctx *Context, next Next) error {
		deadlineCtx, cancel := context.WithTimeout(ctx.Ctx, d)
		defer cancel()

		sub := *ctx
		sub.Ctx = deadlineCtx

		done := make(chan error, 1)
		go func() { done <- next(&sub) }()

		select {
		case err := <-done:
			return err
		case <-deadlineCtx.Done():
			ctx.Set("timeout_seconds", d.Seconds())
			return svcerrors.New(svcerrors.GatewayTimeout, fmt.Sprintf("request exceeded %s timeout", d))
		}
	}}
}

// CORSOptions configures the CORS builtin.
type CORSOptions struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
}

// CORS stamps Access-Control-* response headers when the request carries an
// allowed Origin header.
func CORS(opts CORSOptions) Entry {
	return Entry{Name: "cors", Priority: 9500, Handler: func(ctx *Context, next Next) error {
		origin := ctx.Request.Headers.Get("Origin")
		if origin != "" && originAllowed(opts.AllowedOrigins, origin) {
			ctx.Response.Headers.Set("Access-Control-Allow-Origin", origin)
			if len(opts.AllowedMethods) > 0 {
				ctx.Response.Headers.Set("Access-Control-Allow-Methods", strings.Join(opts.AllowedMethods, ", "))
			}
			if len(opts.AllowedHeaders) > 0 {
				ctx.Response.Headers.Set("Access-Control-Allow-Headers", strings.Join(opts.AllowedHeaders, ", "))
			}
			if opts.AllowCredentials {
				ctx.Response.Headers.Set("Access-Control-Allow-Credentials", "true")
			}
		}
		return next(ctx)
	}}
}

func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// Compression gzip-encodes a []byte response body when the request accepts
// gzip and the body exceeds a trivial size.
func Compression() Entry {
	return Entry{Name: "compression", Priority: 9400, Handler: func(ctx *Context, next Next) error {
		if err := next(ctx); err != nil {
			return err
		}
		if !strings.Contains(ctx.Request.Headers.Get("Accept-Encoding"), "gzip") {
			return nil
		}
		body, ok := ctx.Response.Body.([]byte)
		if !ok || len(body) < 256 {
			return nil
		}

		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil
		}
		if err := zw.Close(); err != nil {
			return nil
		}
		ctx.Response.Body = buf.Bytes()
		ctx.Response.Headers.Set("Content-Encoding", "gzip")
		return nil
	}}
}

// RequestSize rejects requests whose body exceeds maxBytes with a 400
// before the handler ever sees them.
func RequestSize(maxBytes int) Entry {
	return Entry{Name: "request_size", Priority: 9300, Handler: func(ctx *Context, next Next) error {
		if maxBytes > 0 && len(ctx.Request.Body) > maxBytes {
			return svcerrors.New(svcerrors.InvalidArgument, fmt.Sprintf("request body exceeds %d bytes", maxBytes))
		}
		return next(ctx)
	}}
}

// RateLimitOptions configures the token-bucket RateLimit builtin.
type RateLimitOptions struct {
	RequestsPerSecond float64
	Burst             int
	// KeyFunc derives the bucket key from a Context; defaults to a single
	// global bucket when nil.
	KeyFunc func(*Context) string
}

// RateLimit enforces a per-key token bucket (golang.org/x/time/rate) over
// the rest of the chain, rejecting with RateLimited when exhausted.
func RateLimit(opts RateLimitOptions) Entry {
	keyFn := opts.KeyFunc
	if keyFn == nil {
		keyFn = func(*Context) string { return "global" }
	}
	limiters := &limiterSet{limiters: make(map[string]*rate.Limiter)}

	return Entry{Name: "rate_limit", Priority: 9100, Handler: func(ctx *Context, next Next) error {
		lim := limiters.get(keyFn(ctx), opts.RequestsPerSecond, opts.Burst)
		if !lim.Allow() {
			return svcerrors.RateLimitErr(1)
		}
		return next(ctx)
	}}
}

type limiterSet struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func (s *limiterSet) get(key string, rps float64, burst int) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(rps), burst)
		s.limiters[key] = lim
	}
	return lim
}
