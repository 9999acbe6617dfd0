// Package resilience wraps every A2A call with a per-collaborator circuit
// breaker and a retry/backoff policy.
package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	// StateClosed means calls pass through and failures are counted.
	StateClosed BreakerState = iota
	// StateOpen means calls fail fast for the cool-down duration.
	StateOpen
	// StateHalfOpen means a single probe call is allowed through.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures one circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// InitialCooldown is the cool-down after the breaker first opens.
	InitialCooldown time.Duration
	// MaxCooldown caps the cool-down growth.
	MaxCooldown time.Duration
	// CooldownMultiplier grows the cool-down each time a half-open probe fails.
	CooldownMultiplier float64
}

// DefaultBreakerConfig returns the documented defaults (threshold 3).
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:   3,
		InitialCooldown:    10 * time.Second,
		MaxCooldown:        5 * time.Minute,
		CooldownMultiplier: 2.0,
	}
}

// Breaker implements the three-state circuit breaker. One breaker exists per
// collaborator, owned by the Registry and passed explicitly to call sites;
// there is no shared global health registry.
type Breaker struct {
	mu sync.Mutex

	name   string
	config BreakerConfig
	logger *slog.Logger

	state               BreakerState
	consecutiveFailures int
	currentCooldown     time.Duration
	openedAt            time.Time
	probeInFlight       bool
}

func NewBreaker(name string, config BreakerConfig, logger *slog.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}

	if config.InitialCooldown <= 0 {
		config.InitialCooldown = 10 * time.Second
	}

	if config.MaxCooldown <= 0 {
		config.MaxCooldown = 5 * time.Minute
	}

	if config.CooldownMultiplier <= 1 {
		config.CooldownMultiplier = 2.0
	}

	return &Breaker{
		name:            name,
		config:          config,
		logger:          logger.With("module", "circuit_breaker", "target", name),
		state:           StateClosed,
		currentCooldown: config.InitialCooldown,
	}
}

// Allow reports whether a call may proceed. In the open state it starts
// allowing a single probe once the cool-down has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) < b.currentCooldown {
			return false
		}

		b.transition(StateHalfOpen)
		b.probeInFlight = true

		return true
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}

		b.probeInFlight = true

		return true
	default:
		return false
	}
}

// RecordSuccess closes the breaker and resets the cool-down.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.probeInFlight = false

	if b.state != StateClosed {
		b.currentCooldown = b.config.InitialCooldown
		b.transition(StateClosed)
	}
}

// RecordFailure counts a failure, opening the breaker at the threshold. A
// failed half-open probe reopens it with the cool-down grown by the
// multiplier, up to the ceiling.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++

	switch b.state {
	case StateHalfOpen:
		b.probeInFlight = false
		b.currentCooldown = time.Duration(float64(b.currentCooldown) * b.config.CooldownMultiplier)

		if b.currentCooldown > b.config.MaxCooldown {
			b.currentCooldown = b.config.MaxCooldown
		}

		b.openedAt = time.Now()
		b.transition(StateOpen)
	case StateClosed:
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.openedAt = time.Now()
			b.transition(StateOpen)
		}
	case StateOpen:
		// Already open; nothing to count.
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

func (b *Breaker) transition(to BreakerState) {
	if b.state == to {
		return
	}

	b.logger.Info("Circuit breaker state change",
		"from", b.state.String(),
		"to", to.String(),
		"cooldown", b.currentCooldown.String(),
	)
	b.state = to
}

// Registry owns one breaker per collaborator target.
type Registry struct {
	mu       sync.Mutex
	config   BreakerConfig
	logger   *slog.Logger
	breakers map[string]*Breaker
}

func NewRegistry(config BreakerConfig, logger *slog.Logger) *Registry {
	return &Registry{
		config:   config,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for a target, creating it on first use.
func (r *Registry) For(target string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	breaker, ok := r.breakers[target]
	if !ok {
		breaker = NewBreaker(target, r.config, r.logger)
		r.breakers[target] = breaker
	}

	return breaker
}
