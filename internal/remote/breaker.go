package remote

import (
	"sync"
	"time"

	"github.com/rendis/flowsim/pkg/schema"
)

// CircuitState is the state of a Breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive transient failures that
	// opens the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe is let through.
	Cooldown time.Duration
	// HalfOpenMax is the number of probes allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig opens after 5 failures for 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// Breaker stops calls to an endpoint that keeps failing, so a batch of
// simulations fails fast instead of waiting out every timeout.
type Breaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	state    CircuitState
	failures int
	lastFail time.Time
	probes   int
	now      func() time.Time
	endpoint string
}

// NewBreaker creates a closed Breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.HalfOpenMax < 1 {
		cfg.HalfOpenMax = 1
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// WithBreaker guards the client with a circuit breaker.
func WithBreaker(cfg BreakerConfig) Option {
	return func(c *Client) { c.breaker = NewBreaker(cfg) }
}

// Allow returns a CIRCUIT_OPEN error while the circuit rejects calls.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		remaining := b.cfg.Cooldown - b.now().Sub(b.lastFail)
		if remaining > 0 {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"%s: %d consecutive failures, retry in %s", b.endpoint, b.failures, remaining.Round(time.Second)).
				WithDetails(map[string]any{
					"consecutive_failures": b.failures,
					"cooldown_remaining":   remaining.String(),
				})
		}
		b.state = CircuitHalfOpen
		b.probes = 1
		return nil
	case CircuitHalfOpen:
		if b.probes >= b.cfg.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "%s: waiting on recovery probe", b.endpoint)
		}
		b.probes++
	}
	return nil
}

// Success closes the circuit.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probes = 0
	b.state = CircuitClosed
}

// Failure records a transient failure and returns the new state.
func (b *Breaker) Failure() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFail = b.now()
	if b.state == CircuitHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.state = CircuitOpen
	}
	return b.state
}

// State returns the current state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
