package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has an
// open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// ErrUnknownEntry is returned by [FallbackGroup.ExecuteOn] for an unregistered
// name.
var ErrUnknownEntry = errors.New("resilience: unknown provider")

// FallbackConfig configures the circuit breaker created for each entry of a
// [FallbackGroup]. The breaker Name is set to the entry name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and zero or more fallbacks of the same
// provider type, each behind its own circuit breaker, tried in registration
// order.
//
// Entries must be registered before the group is shared between goroutines.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry tried after every earlier one.
func (fg *FallbackGroup[T]) AddFallback(name string, v T) {
	cb := fg.cfg.CircuitBreaker
	cb.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{name: name, value: v, breaker: NewCircuitBreaker(cb)})
}

// Try runs fn against each entry in order until one succeeds and returns its
// result. Entries with an open breaker are skipped. When all fail the error
// wraps [ErrAllFailed] and every entry's error.
func Try[T, R any](fg *FallbackGroup[T], fn func(name string, v T) (R, error)) (R, error) {
	errs := make([]error, 0, len(fg.entries))
	for i := range fg.entries {
		e := &fg.entries[i]
		var out R
		err := e.breaker.Execute(func() error {
			var err error
			out, err = fn(e.name, e.value)
			return err
		})
		if err == nil {
			return out, nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("resilience: skipping provider", "provider", e.name, "err", err)
		} else {
			slog.Warn("resilience: provider failed, trying next", "provider", e.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
	}
	var zero R
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// ExecuteOn runs fn against the entry registered as name only, through its
// circuit breaker.
func (fg *FallbackGroup[T]) ExecuteOn(name string, fn func(T) error) error {
	for i := range fg.entries {
		if e := &fg.entries[i]; e.name == name {
			return e.breaker.Execute(func() error { return fn(e.value) })
		}
	}
	return fmt.Errorf("%w %q", ErrUnknownEntry, name)
}

// Lookup returns the entry registered as name.
func (fg *FallbackGroup[T]) Lookup(name string) (T, bool) {
	for _, e := range fg.entries {
		if e.name == name {
			return e.value, true
		}
	}
	var zero T
	return zero, false
}

// EntryState is the breaker state of one entry.
type EntryState struct {
	Name  string
	State State
}

// States returns every entry's breaker state in try order.
func (fg *FallbackGroup[T]) States() []EntryState {
	out := make([]EntryState, len(fg.entries))
	for i, e := range fg.entries {
		out[i] = EntryState{Name: e.name, State: e.breaker.State()}
	}
	return out
}
