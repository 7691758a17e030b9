package backend

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// circuitState is the state of a connection's circuit breaker.
//
// Three-state machine modeled after sony/gobreaker, adapted from the
// gateway's HTTP circuit breaker to guard backend RPC calls instead of
// webhook delivery: a backend that fails its last MaxFailures calls in a
// row is skipped by the pool immediately rather than making every
// candidate request wait out a connect timeout.
type circuitState int

const (
	circuitClosed   circuitState = iota // healthy — requests flow through
	circuitOpen                         // tripped — requests fail fast
	circuitHalfOpen                     // probing — requests flow; one failure reopens, HalfOpenMaxSuccesses successes close
)

func (s circuitState) String() string {
	switch s {
	case circuitClosed:
		return "closed"
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a backend's breaker is open and the
// call is rejected without reaching the wire.
var ErrCircuitOpen = errors.New("backend: circuit breaker is open")

// BreakerConfig configures trip/recovery thresholds for one backend.
type BreakerConfig struct {
	MaxFailures          int
	OpenTimeout          time.Duration
	HalfOpenMaxSuccesses int
}

// DefaultBreakerConfig trips after 5 consecutive BackendTransport
// failures and probes again after 30s, matching the gateway's original
// webhook-delivery defaults (the failure mode — a flaky upstream — is
// the same shape).
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:          5,
		OpenTimeout:          30 * time.Second,
		HalfOpenMaxSuccesses: 2,
	}
}

// breaker is a thread-safe three-state circuit breaker guarding one
// BackendConnection's wire calls.
type breaker struct {
	mu               sync.Mutex
	cfg              BreakerConfig
	state            circuitState
	consecutiveFails int
	consecutiveSucc  int
	lastStateChange  time.Time
	name             string
}

func newBreaker(name string, cfg BreakerConfig) *breaker {
	return &breaker{
		cfg:             cfg,
		state:           circuitClosed,
		lastStateChange: time.Now(),
		name:            name,
	}
}

// allow reports whether a call should be permitted through the breaker.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case circuitClosed:
		return true
	case circuitOpen:
		if time.Since(b.lastStateChange) >= b.cfg.OpenTimeout {
			b.transitionTo(circuitHalfOpen)
			return true
		}
		return false
	case circuitHalfOpen:
		return true
	}
	return false
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case circuitHalfOpen:
		b.consecutiveSucc++
		if b.consecutiveSucc >= b.cfg.HalfOpenMaxSuccesses {
			b.transitionTo(circuitClosed)
		}
	case circuitClosed:
		b.consecutiveFails = 0
	}
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case circuitClosed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.MaxFailures {
			b.transitionTo(circuitOpen)
		}
	case circuitHalfOpen:
		b.transitionTo(circuitOpen)
	}
}

func (b *breaker) transitionTo(newState circuitState) {
	if b.state == newState {
		return
	}
	prev := b.state
	b.state = newState
	b.lastStateChange = time.Now()
	b.consecutiveFails = 0
	b.consecutiveSucc = 0

	slog.Warn("backend circuit breaker state change",
		"backend", b.name,
		"from", prev.String(),
		"to", newState.String(),
	)
}
