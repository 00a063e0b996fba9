// Package resilience provides circuit breaker and provider failover primitives.
//
// The central type is [CircuitBreaker], a classic three-state breaker
// (closed → open → half-open) that stops the engine from hammering a provider
// whose session endpoint keeps refusing connections. [FallbackGroup] composes
// multiple instances of any provider type with per-entry circuit breakers so
// that a failing primary is bypassed in favour of healthy fallbacks;
// [S2SFallback] applies it to realtime voice providers.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen matches every [*OpenError] via [errors.Is].
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError is returned by [CircuitBreaker.Execute] while the breaker rejects
// calls.
type OpenError struct {
	Name string

	// RetryIn is the time until the breaker admits a probe. Zero while the
	// probe budget of a half-open breaker is exhausted.
	RetryIn time.Duration
}

func (e *OpenError) Error() string {
	if e.RetryIn > 0 {
		return fmt.Sprintf("circuit breaker %q is open, retry in %s", e.Name, e.RetryIn.Round(time.Second))
	}
	return fmt.Sprintf("circuit breaker %q is open", e.Name)
}

// Is reports whether target is [ErrCircuitOpen].
func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the reset timeout has passed since the
	// last failure.
	StateOpen

	// StateHalfOpen admits up to HalfOpenMax probes. A failed probe reopens
	// the breaker; HalfOpenMax successful probes close it.
	StateHalfOpen
)

// String returns the lower-case name of s.
func (s State) String() string {
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and errors.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the probe budget of the half-open state and the number
	// of successes needed to close. Default: 1, since a single successful
	// session open shows the endpoint is back.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the breaker. Default:
	// every non-nil error except context cancellation.
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every state change with the
	// breaker's lock released.
	OnStateChange func(name string, from, to State)

	// Now replaces [time.Now]. Used by tests.
	Now func() time.Time
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     State
	failures  int // consecutive, closed state only
	openedAt  time.Time
	probes    int // admitted in the current half-open period
	successes int // successful probes in the current half-open period
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value fields of cfg take
// their defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute runs fn when the breaker admits the call and records its outcome.
// A rejected call returns an [*OpenError] without running fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err)
	return err
}

// admit decides whether a call may run and whether it is a half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	before := cb.state
	if cb.state == StateOpen {
		if wait := cb.cfg.ResetTimeout - cb.cfg.Now().Sub(cb.openedAt); wait > 0 {
			cb.mu.Unlock()
			return false, &OpenError{Name: cb.cfg.Name, RetryIn: wait}
		}
		cb.state = StateHalfOpen
		cb.probes, cb.successes = 0, 0
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMax {
			cb.mu.Unlock()
			return false, &OpenError{Name: cb.cfg.Name}
		}
		cb.probes++
		probe = true
	}
	cb.unlockAndNotify(before)
	return probe, nil
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	before := cb.state
	switch {
	case cb.cfg.IsFailure(err):
		if probe || cb.state == StateHalfOpen {
			cb.open()
			break
		}
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			cb.open()
		}
	case err != nil:
		// Neutral error: neither a failure nor a success.
	case probe:
		cb.successes++
		if cb.successes >= cb.cfg.HalfOpenMax && cb.state == StateHalfOpen {
			cb.state = StateClosed
			cb.failures = 0
		}
	default:
		cb.failures = 0
	}
	cb.unlockAndNotify(before)
}

// open trips the breaker. Must be called with cb.mu held.
func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openedAt = cb.cfg.Now()
	cb.failures = 0
}

// unlockAndNotify releases cb.mu, then logs and reports a change from before.
func (cb *CircuitBreaker) unlockAndNotify(before State) {
	after := cb.state
	cb.mu.Unlock()
	if before == after {
		return
	}
	level := slog.LevelInfo
	if after == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker state changed",
		"name", cb.cfg.Name, "from", before, "to", after)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, before, after)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	before := cb.state
	cb.state = StateClosed
	cb.failures, cb.probes, cb.successes = 0, 0, 0
	cb.unlockAndNotify(before)
}
