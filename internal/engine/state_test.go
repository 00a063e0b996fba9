package engine_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/questvoice/internal/engine"
)

func TestAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to engine.State
		want     bool
	}{
		{engine.Idle, engine.Connecting, true},
		{engine.Idle, engine.Connected, false},
		{engine.Connecting, engine.Connected, true},
		{engine.Connecting, engine.Error, true},
		{engine.Connecting, engine.Speaking, false},
		{engine.Connected, engine.Listening, true},
		{engine.Listening, engine.Connected, true},
		{engine.Listening, engine.Speaking, true},
		{engine.Speaking, engine.Listening, true},
		{engine.Speaking, engine.Thinking, true},
		{engine.Thinking, engine.Speaking, true},
		{engine.Speaking, engine.Connecting, true},
		{engine.Listening, engine.Disconnected, true},
		{engine.Speaking, engine.Error, true},
		{engine.Error, engine.Connecting, true},
		{engine.Error, engine.Listening, false},
		{engine.Disconnected, engine.Connecting, true},
		{engine.Disconnected, engine.Connected, false},
		{engine.Idle, engine.Idle, true},
	}
	for _, tc := range tests {
		t.Run(tc.from.String()+"→"+tc.to.String(), func(t *testing.T) {
			t.Parallel()
			if got := engine.Allowed(tc.from, tc.to); got != tc.want {
				t.Errorf("Allowed = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMachine_TransitionNotifiesObservers(t *testing.T) {
	t.Parallel()

	m := engine.NewMachine()
	var seen [][2]engine.State
	m.Observe(func(from, to engine.State) {
		if m.State() != to {
			t.Errorf("observer saw State() = %s, want %s", m.State(), to)
		}
		seen = append(seen, [2]engine.State{from, to})
	})

	for _, s := range []engine.State{engine.Connecting, engine.Connected, engine.Connected, engine.Listening} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition(%s): %v", s, err)
		}
	}

	want := [][2]engine.State{
		{engine.Idle, engine.Connecting},
		{engine.Connecting, engine.Connected},
		{engine.Connected, engine.Listening},
	}
	if len(seen) != len(want) {
		t.Fatalf("observed %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestMachine_RejectsInvalidTransition(t *testing.T) {
	t.Parallel()

	m := engine.NewMachine()
	err := m.Transition(engine.Speaking)
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if m.State() != engine.Idle {
		t.Errorf("state = %s after rejected transition", m.State())
	}
}

func TestMachine_TransitionIf(t *testing.T) {
	t.Parallel()

	m := engine.NewMachine()
	_ = m.Transition(engine.Connecting)
	_ = m.Transition(engine.Connected)

	changed, err := m.TransitionIf(func(cur engine.State) (engine.State, bool) {
		return engine.Listening, cur == engine.Speaking
	})
	if err != nil || changed {
		t.Fatalf("changed=%v err=%v, want no change", changed, err)
	}

	changed, err = m.TransitionIf(func(cur engine.State) (engine.State, bool) {
		return engine.Listening, cur == engine.Connected
	})
	if err != nil || !changed || m.State() != engine.Listening {
		t.Fatalf("changed=%v err=%v state=%s", changed, err, m.State())
	}
}

func TestState_Predicates(t *testing.T) {
	t.Parallel()

	if !engine.Speaking.Live() || engine.Connecting.Live() {
		t.Error("Live predicate wrong")
	}
	if !engine.Error.Terminal() || !engine.Disconnected.Terminal() || engine.Idle.Terminal() {
		t.Error("Terminal predicate wrong")
	}
	if engine.State(42).String() != "state(42)" {
		t.Errorf("unknown String = %q", engine.State(42).String())
	}
}
