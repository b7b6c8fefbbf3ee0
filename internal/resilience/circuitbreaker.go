// Package resilience provides failure handling for calls to external
// dependencies: a circuit breaker for the model provider and retries with
// backoff for cache writes.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	// StateClosed allows requests to pass through normally.
	StateClosed CircuitState = iota
	// StateOpen blocks all requests.
	StateOpen
	// StateHalfOpen allows limited requests to test recovery.
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig contains configuration for a circuit breaker.
type CircuitBreakerConfig struct {
	// Enabled turns the breaker on; a disabled breaker always allows.
	Enabled bool `yaml:"enabled"`
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int `yaml:"failure_threshold"`
	// SuccessThreshold is the number of half-open successes that closes it again.
	SuccessThreshold int `yaml:"success_threshold"`
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration `yaml:"timeout"`
	// HalfOpenMaxRequests caps probes while half-open.
	HalfOpenMaxRequests int `yaml:"half_open_max_requests"`
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:             true,
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 3,
	}
}

// CircuitBreaker stops calling an unhealthy dependency until it recovers.
// Consecutive failures open it; after Timeout a bounded number of probes is
// let through, and enough probe successes close it again.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	now    func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures int // consecutive, while closed
	probes   int // admitted while half-open
	passes   int // successful probes while half-open
	openedAt time.Time
	notify   func(name string, from, to CircuitState)
}

// NewCircuitBreaker fills zero config fields from DefaultCircuitBreakerConfig.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	cfg.FailureThreshold = orDefault(cfg.FailureThreshold, def.FailureThreshold)
	cfg.SuccessThreshold = orDefault(cfg.SuccessThreshold, def.SuccessThreshold)
	cfg.HalfOpenMaxRequests = orDefault(cfg.HalfOpenMaxRequests, def.HalfOpenMaxRequests)
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &CircuitBreaker{name: name, config: cfg, now: time.Now}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// OnStateChange registers fn to be called after every transition, outside
// the breaker's lock.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	cb.notify = fn
	cb.mu.Unlock()
}

// Allow reports whether a call may proceed. In the open state it moves the
// breaker to half-open once Timeout has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	if !cb.config.Enabled {
		return true
	}
	cb.mu.Lock()
	var fire func()
	allowed := false
	switch cb.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.config.Timeout {
			fire = cb.setState(StateHalfOpen)
			cb.probes = 1
			allowed = true
		}
	case StateHalfOpen:
		if cb.probes < cb.config.HalfOpenMaxRequests {
			cb.probes++
			allowed = true
		}
	}
	cb.mu.Unlock()
	run(fire)
	return allowed
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var fire func()
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.passes++
		if cb.passes >= cb.config.SuccessThreshold {
			fire = cb.setState(StateClosed)
		}
	}
	cb.mu.Unlock()
	run(fire)
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	var fire func()
	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			fire = cb.setState(StateOpen)
		}
	case StateHalfOpen:
		fire = cb.setState(StateOpen)
	}
	cb.mu.Unlock()
	run(fire)
}

// Execute runs op if the breaker allows it and records the outcome.
// A failure caused by the caller's own cancellation is not counted.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	err := op(ctx)
	if err == nil {
		cb.RecordSuccess()
	} else if ctx.Err() == nil {
		cb.RecordFailure()
	}
	return err
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	fire := cb.setState(StateClosed)
	cb.failures = 0
	cb.mu.Unlock()
	run(fire)
}

// setState switches state, clears the per-state counters and returns the
// notification to run once the lock is released. Callers hold cb.mu.
func (cb *CircuitBreaker) setState(to CircuitState) func() {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	cb.failures, cb.probes, cb.passes = 0, 0, 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}
	if fn, name := cb.notify, cb.name; fn != nil {
		return func() { fn(name, from, to) }
	}
	return nil
}

func run(fn func()) {
	if fn != nil {
		fn()
	}
}
