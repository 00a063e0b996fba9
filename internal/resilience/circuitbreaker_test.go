package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// fakeClock is a manually advanced clock for breaker tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// trip opens cb with n failing calls.
func trip(cb *CircuitBreaker, n int) {
	for range n {
		_ = cb.Execute(func() error { return errTest })
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test"})
	if cb.cfg.MaxFailures != 5 || cb.cfg.ResetTimeout != 30*time.Second || cb.cfg.HalfOpenMax != 1 {
		t.Errorf("defaults = %d/%v/%d, want 5/30s/1", cb.cfg.MaxFailures, cb.cfg.ResetTimeout, cb.cfg.HalfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "gemini-live", MaxFailures: 3, ResetTimeout: 30 * time.Second, Now: clock.Now})

	trip(cb, 2)
	if cb.State() != StateClosed {
		t.Fatalf("state = %v after 2 failures, want closed", cb.State())
	}
	trip(cb, 1)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v after 3 failures, want open", cb.State())
	}

	clock.Advance(10 * time.Second)
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if called {
		t.Error("fn ran while open")
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	var open *OpenError
	if !errors.As(err, &open) || open.RetryIn != 20*time.Second || open.Name != "gemini-live" {
		t.Errorf("open error = %+v, want gemini-live retry in 20s", open)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 3})
	trip(cb, 2)
	_ = cb.Execute(func() error { return nil })
	trip(cb, 2)
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		probe     error
		wantState State
	}{
		{"successful probe closes", nil, StateClosed},
		{"failed probe reopens", errTest, StateOpen},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			clock := newFakeClock()
			cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 1, ResetTimeout: time.Minute, Now: clock.Now})
			trip(cb, 1)

			clock.Advance(time.Minute)
			if cb.State() != StateHalfOpen {
				t.Fatalf("state after reset timeout = %v, want half-open", cb.State())
			}
			if err := cb.Execute(func() error { return tc.probe }); !errors.Is(err, tc.probe) {
				t.Fatalf("probe err = %v, want %v", err, tc.probe)
			}
			if cb.State() != tc.wantState {
				t.Errorf("state = %v, want %v", cb.State(), tc.wantState)
			}
		})
	}
}

func TestCircuitBreaker_HalfOpenProbeBudget(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 1, ResetTimeout: time.Minute, Now: clock.Now})
	trip(cb, 1)
	clock.Advance(time.Minute)

	release := make(chan struct{})
	probeDone := make(chan error, 1)
	entered := make(chan struct{})
	go func() {
		probeDone <- cb.Execute(func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	err := cb.Execute(func() error { return nil })
	var open *OpenError
	if !errors.As(err, &open) || open.RetryIn != 0 {
		t.Fatalf("second probe err = %v, want OpenError without retry delay", err)
	}

	close(release)
	if err := <-probeDone; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_IsFailure(t *testing.T) {
	t.Parallel()

	badKey := errors.New("bad credentials")
	tests := []struct {
		name      string
		isFailure func(error) bool
		err       error
		wantState State
	}{
		{"cancellation is neutral", nil, fmt.Errorf("dial: %w", context.Canceled), StateClosed},
		{"custom ignore", func(err error) bool { return err != nil && !errors.Is(err, badKey) }, badKey, StateClosed},
		{"custom count", func(err error) bool { return err != nil && !errors.Is(err, badKey) }, errTest, StateOpen},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 2, IsFailure: tc.isFailure})
			for range 3 {
				if err := cb.Execute(func() error { return tc.err }); !errors.Is(err, tc.err) && !errors.Is(err, ErrCircuitOpen) {
					t.Fatalf("err = %v", err)
				}
			}
			if cb.State() != tc.wantState {
				t.Errorf("state = %v, want %v", cb.State(), tc.wantState)
			}
		})
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 1, ResetTimeout: time.Hour})
	trip(cb, 1)
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Errorf("Execute after Reset: %v", err)
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	var changes []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "gemini-live",
		MaxFailures:  1,
		ResetTimeout: time.Second,
		Now:          clock.Now,
		OnStateChange: func(name string, from, to State) {
			changes = append(changes, name+":"+from.String()+"->"+to.String())
		},
	})

	trip(cb, 1)
	clock.Advance(time.Second)
	_ = cb.Execute(func() error { return nil })

	want := []string{
		"gemini-live:closed->open",
		"gemini-live:open->half-open",
		"gemini-live:half-open->closed",
	}
	if fmt.Sprint(changes) != fmt.Sprint(want) {
		t.Errorf("changes = %v, want %v", changes, want)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
