// Package pool implements the per-address connection pool of §4.4: bounded
// acquire/release with blocking waiters (woken together on each release,
// with no ordering among them), a periodic cleanup tick that evicts
// idle-too-long entries and runs health probes, and the utilization/
// pressure/health_success statistics the teacher's metrics package exposes
// for its own subsystems.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	svcerrors "github.com/cuemby/svcmesh/pkg/errors"
	svclog "github.com/cuemby/svcmesh/pkg/log"
	"github.com/cuemby/svcmesh/pkg/metrics"
	"github.com/cuemby/svcmesh/pkg/transport"
)

// Entry is one pooled connection (§4.4).
type Entry struct {
	Socket     transport.Socket
	CreatedAt  time.Time
	LastUsedAt time.Time
	InUse      bool
	HealthOK   bool
}

// Options configures a Pool.
type Options struct {
	MaxSize         int
	MaxIdle         int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
	// Dial opens a new connection for the pool to manage.
	Dial func(ctx context.Context) (transport.Socket, error)
	// HealthCheck, if set, probes an idle entry during cleanup; a false
	// result closes the entry instead of keeping it pooled.
	HealthCheck func(transport.Socket) bool
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxSize <= 0 {
		out.MaxSize = 10
	}
	if out.MaxIdle < 0 {
		out.MaxIdle = 0
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = 5 * time.Minute
	}
	if out.CleanupInterval <= 0 {
		out.CleanupInterval = time.Minute
	}
	return out
}

// Pool is a bounded, address-scoped set of reusable connections.
type Pool struct {
	address string
	opts    Options

	mu      sync.Mutex
	cond    *sync.Cond
	idle    []*Entry
	active  int
	pending int // dials in flight, counted toward capacity
	closed  bool

	totalAcquired      int64
	totalTimeouts      int64
	healthChecksTotal  int64
	healthChecksFailed int64

	stopCh chan struct{}
	log    zerolog.Logger
}

// New returns a Pool for address and starts its cleanup loop.
func New(address string, opts Options) *Pool {
	resolved := opts.withDefaults()
	p := &Pool{
		address: address,
		opts:    resolved,
		stopCh:  make(chan struct{}),
		log:     svclog.WithComponent("pool"),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.cleanupLoop()
	return p
}

// Acquire returns a pooled entry, dialing a new one if the pool has spare
// capacity, or blocking until one frees up or deadline elapses. Waiters
// are not served in arrival order: every release wakes all of them and
// whichever reacquires the lock first takes the entry.
func (p *Pool) Acquire(ctx context.Context, deadline time.Duration) (*Entry, error) {
	deadlineAt := time.Now().Add(deadline)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			p.cond.Broadcast()
		case <-time.After(deadline):
			p.cond.Broadcast()
		case <-stop:
		}
	}()

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return nil, svcerrors.New(svcerrors.ServiceUnavailable, "pool closed for "+p.address)
		}

		if len(p.idle) > 0 {
			e := p.idle[0]
			p.idle = p.idle[1:]
			e.InUse = true
			e.LastUsedAt = time.Now()
			p.active++
			p.totalAcquired++
			p.publishMetricsLocked()
			return e, nil
		}

		if p.active+p.pending < p.opts.MaxSize {
			p.pending++
			p.mu.Unlock()
			sock, err := p.opts.Dial(ctx)
			p.mu.Lock()
			p.pending--
			if err != nil {
				p.cond.Broadcast()
				return nil, err
			}
			e := &Entry{Socket: sock, CreatedAt: time.Now(), LastUsedAt: time.Now(), InUse: true, HealthOK: true}
			p.active++
			p.totalAcquired++
			p.publishMetricsLocked()
			return e, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !time.Now().Before(deadlineAt) {
			p.totalTimeouts++
			p.publishMetricsLocked()
			return nil, svcerrors.New(svcerrors.GatewayTimeout, "timed out waiting for a connection to "+p.address)
		}

		p.cond.Wait()
	}
}

// Release returns entry to the pool, or closes it if unhealthy or the pool
// is at its idle capacity (§4.4 invariants).
func (p *Pool) Release(e *Entry, healthy bool) {
	p.mu.Lock()
	p.active--
	if !healthy || p.closed || len(p.idle) >= p.opts.MaxIdle {
		_ = e.Socket.Close()
	} else {
		e.InUse = false
		e.HealthOK = true
		e.LastUsedAt = time.Now()
		p.idle = append(p.idle, e)
	}
	p.publishMetricsLocked()
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Close drains the pool, closing every idle entry and stopping the cleanup
// loop. Entries already checked out are closed by their next Release call.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, e := range p.idle {
		_ = e.Socket.Close()
	}
	p.idle = nil
	p.mu.Unlock()

	close(p.stopCh)
	p.cond.Broadcast()
	return nil
}

func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(p.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.runCleanup()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) runCleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	now := time.Now()
	kept := p.idle[:0]
	for _, e := range p.idle {
		if now.Sub(e.LastUsedAt) > p.opts.IdleTimeout {
			_ = e.Socket.Close()
			continue
		}
		if p.opts.HealthCheck != nil {
			p.healthChecksTotal++
			if !p.opts.HealthCheck(e.Socket) {
				p.healthChecksFailed++
				_ = e.Socket.Close()
				continue
			}
		}
		kept = append(kept, e)
	}
	p.idle = kept
	p.publishMetricsLocked()
}

// Stats reports the §4.4 counters and derived percentages.
type Stats struct {
	Active                int
	Idle                  int
	TotalAcquired         int64
	TotalTimeouts         int64
	HealthChecksTotal     int64
	HealthChecksFailed    int64
	UtilizationPercent    float64
	PressurePercent       float64
	HealthSuccessPercent  float64
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() Stats {
	total := p.active + len(p.idle)
	s := Stats{
		Active:               p.active,
		Idle:                 len(p.idle),
		TotalAcquired:        p.totalAcquired,
		TotalTimeouts:        p.totalTimeouts,
		HealthChecksTotal:    p.healthChecksTotal,
		HealthChecksFailed:   p.healthChecksFailed,
		HealthSuccessPercent: 100,
	}
	if p.opts.MaxSize > 0 {
		s.UtilizationPercent = float64(total) / float64(p.opts.MaxSize) * 100
	}
	if p.totalAcquired > 0 {
		s.PressurePercent = float64(p.totalTimeouts) / float64(p.totalAcquired) * 100
	}
	if p.healthChecksTotal > 0 {
		s.HealthSuccessPercent = float64(p.healthChecksTotal-p.healthChecksFailed) / float64(p.healthChecksTotal) * 100
	}
	return s
}

func (p *Pool) publishMetricsLocked() {
	s := p.statsLocked()
	metrics.PoolUtilizationPercent.WithLabelValues(p.address).Set(s.UtilizationPercent)
	metrics.PoolPressurePercent.WithLabelValues(p.address).Set(s.PressurePercent)
	metrics.PoolHealthSuccessPercent.WithLabelValues(p.address).Set(s.HealthSuccessPercent)
}
