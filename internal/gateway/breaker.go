package gateway

import (
	"sync"
	"time"

	"github.com/rendis/chatflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
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

// BreakerConfig configures the per-capability circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed calls that opens
	// the circuit. Zero disables breaking.
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"gte=0"`
	Cooldown         time.Duration `mapstructure:"cooldown" validate:"gte=0"`
	// HalfOpenMax is how many trial calls pass while half-open.
	HalfOpenMax int `mapstructure:"half_open_max" validate:"gte=0"`
}

// DefaultBreakerConfig opens after 5 consecutive failures for 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

type breaker struct {
	mu               sync.Mutex
	state            CircuitState
	failures         int
	lastFailure      time.Time
	halfOpenAttempts int
}

// Breakers keeps one circuit per capability.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakers creates an empty set of circuits.
func NewBreakers(config BreakerConfig) *Breakers {
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &Breakers{breakers: make(map[string]*breaker), config: config, now: time.Now}
}

// Allow returns nil when a call to capability may proceed, or CIRCUIT_OPEN.
func (b *Breakers) Allow(capability string) error {
	if b.config.FailureThreshold <= 0 {
		return nil
	}
	cb := b.get(capability)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if b.now().Sub(cb.lastFailure) >= b.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for capability %q after %d consecutive failures", capability, cb.failures).
			WithDetails(map[string]any{
				"capability":         capability,
				"failures":           cb.failures,
				"cooldown_remaining": (b.config.Cooldown - b.now().Sub(cb.lastFailure)).String(),
			})
	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for capability %q: trial call in flight", capability)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// Success closes the circuit.
func (b *Breakers) Success(capability string) {
	cb := b.get(capability)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// Failure records a failed call and returns the resulting state.
func (b *Breakers) Failure(capability string) CircuitState {
	cb := b.get(capability)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailure = b.now()
	if cb.state == CircuitHalfOpen || (b.config.FailureThreshold > 0 && cb.failures >= b.config.FailureThreshold) {
		cb.state = CircuitOpen
	}
	return cb.state
}

func (b *Breakers) get(capability string) *breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[capability]
	if !ok {
		cb = &breaker{}
		b.breakers[capability] = cb
	}
	return cb
}
