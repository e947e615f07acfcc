// Package breaker implements the per-service circuit breaker of §4.5: a
// Closed/Open/HalfOpen state machine that trips after a run of failures,
// fails fast while open, and probes a bounded number of half-open requests
// before deciding whether to close or re-open.
package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	svcerrors "github.com/cuemby/svcmesh/pkg/errors"
	svclog "github.com/cuemby/svcmesh/pkg/log"
	"github.com/cuemby/svcmesh/pkg/metrics"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config tunes a Breaker's transition thresholds.
type Config struct {
	FailureThreshold    int
	SuccessThreshold    int
	OpenTimeout         time.Duration
	HalfOpenMaxRequests int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 5
	}
	if out.SuccessThreshold <= 0 {
		out.SuccessThreshold = 1
	}
	if out.OpenTimeout <= 0 {
		out.OpenTimeout = 30 * time.Second
	}
	if out.HalfOpenMaxRequests <= 0 {
		out.HalfOpenMaxRequests = 1
	}
	return out
}

// Breaker guards calls to one downstream service.
type Breaker struct {
	name string
	cfg  Config

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	halfOpenInFlight int

	log zerolog.Logger
}

// New returns a Closed Breaker for the named service.
func New(name string, cfg Config) *Breaker {
	b := &Breaker{
		name: name,
		cfg:  cfg.withDefaults(),
		log:  svclog.WithComponent("breaker").With().Str("service", name).Logger(),
	}
	metrics.BreakerState.WithLabelValues(name).Set(0)
	return b
}

// State reports the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Call invokes fn if the breaker allows it, recording the outcome against
// the state machine. When the breaker is open (or a half-open probe slot
// isn't available), fn is never invoked and a ServiceUnavailable
// *errors.Error ("circuit breaker open for <name>") is returned.
func (b *Breaker) Call(fn func() error) error {
	if !b.allow() {
		return svcerrors.New(svcerrors.ServiceUnavailable, "circuit breaker open for "+b.name)
	}
	err := fn()
	b.recordResult(err)
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && time.Since(b.lastFailureTime) >= b.cfg.OpenTimeout {
		b.transitionToHalfOpenLocked()
	}

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxRequests {
			return false
		}
		b.halfOpenInFlight++
		return true
	default: // Open
		return false
	}
}

func (b *Breaker) recordResult(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		if err != nil {
			b.failureCount++
			if b.failureCount >= b.cfg.FailureThreshold {
				b.transitionToOpenLocked()
			}
		} else {
			b.failureCount = 0
		}

	case HalfOpen:
		b.halfOpenInFlight--
		if err != nil {
			b.transitionToOpenLocked()
			return
		}
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.transitionToClosedLocked()
		}

	case Open:
		// A probe outcome arriving after the breaker re-opened; ignore.
	}
}

func (b *Breaker) transitionToOpenLocked() {
	b.state = Open
	b.lastFailureTime = time.Now()
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenInFlight = 0
	metrics.BreakerState.WithLabelValues(b.name).Set(2)
	metrics.BreakerTripsTotal.WithLabelValues(b.name).Inc()
	b.log.Warn().Msg("circuit breaker tripped open")
}

func (b *Breaker) transitionToHalfOpenLocked() {
	b.state = HalfOpen
	b.successCount = 0
	b.halfOpenInFlight = 0
	metrics.BreakerState.WithLabelValues(b.name).Set(1)
	b.log.Info().Msg("circuit breaker probing half-open")
}

func (b *Breaker) transitionToClosedLocked() {
	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenInFlight = 0
	metrics.BreakerState.WithLabelValues(b.name).Set(0)
	b.log.Info().Msg("circuit breaker closed")
}
