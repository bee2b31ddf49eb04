package registry

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state for one tier
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig holds circuit breaker tuning
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive recoverable failures
	// (timeouts) that opens the breaker. Transport failures open it
	// immediately via Trip.
	FailureThreshold int
	// Cooldown is the base open interval before a half-open probe.
	Cooldown time.Duration
	// MaxCooldown caps the exponential backoff of repeated trips.
	MaxCooldown time.Duration
	// FailureWindow bounds how long failures count toward the threshold.
	// A quiet interval longer than this resets the count.
	FailureWindow time.Duration
}

// DefaultBreakerConfig returns the documented defaults
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         5 * time.Second,
		MaxCooldown:      2 * time.Minute,
		FailureWindow:    time.Minute,
	}
}

// CircuitBreaker guards one tier against repeated failing I/O. While
// open, the fetch path skips the tier; after the cooldown a single
// half-open probe is admitted, and its outcome closes or re-opens the
// breaker. Cooldown doubles on each consecutive trip.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu            sync.Mutex
	state         BreakerState
	failures      int
	lastFailure   time.Time
	trips         int
	openedAt      time.Time
	probeInFlight bool
	now           func() time.Time
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Second
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = 2 * time.Minute
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Minute
	}
	return &CircuitBreaker{
		cfg:   cfg,
		state: BreakerClosed,
		now:   time.Now,
	}
}

// Allow reports whether a call to the tier may proceed. When the
// cooldown has elapsed it admits exactly one half-open probe; further
// callers are rejected until the probe reports its outcome.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default: // open
		if b.now().Sub(b.openedAt) < b.cooldown() {
			return false
		}
		b.state = BreakerHalfOpen
		b.probeInFlight = true
		return true
	}
}

// cooldown returns the current backoff interval. Caller holds b.mu.
func (b *CircuitBreaker) cooldown() time.Duration {
	d := b.cfg.Cooldown
	for i := 1; i < b.trips; i++ {
		d *= 2
		if d >= b.cfg.MaxCooldown {
			return b.cfg.MaxCooldown
		}
	}
	return d
}

// RecordSuccess closes the breaker and resets the backoff
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.trips = 0
	b.probeInFlight = false
}

// RecordFailure counts one recoverable failure; crossing the threshold
// within the failure window opens the breaker. A failed half-open probe
// re-opens immediately.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.open()
		return
	}
	now := b.now()
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.cfg.FailureWindow {
		b.failures = 0
	}
	b.lastFailure = now
	b.failures++
	if b.state == BreakerClosed && b.failures >= b.cfg.FailureThreshold {
		b.open()
	}
}

// Trip opens the breaker immediately, regardless of failure counts.
// Used for hard transport failures.
func (b *CircuitBreaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open()
}

// open transitions to the open state. Caller holds b.mu.
func (b *CircuitBreaker) open() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.failures = 0
	b.trips++
	b.probeInFlight = false
}

// State returns the current breaker state
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
