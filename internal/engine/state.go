package engine

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidTransition is returned by [Machine.Transition] for edges outside
// the connection state graph.
var ErrInvalidTransition = errors.New("engine: invalid state transition")

// State is the connection state of a voice session. Exactly one state is
// current at any time.
type State int

const (
	// Idle is the state before the first connection request.
	Idle State = iota
	// Connecting means the transport is being opened.
	Connecting
	// Connected means the transport is ready but the microphone is muted.
	Connected
	// Listening means the microphone is attached and active.
	Listening
	// Thinking means model text is arriving with no audio yet.
	Thinking
	// Speaking means model audio segments are in flight.
	Speaking
	// Error is terminal for the session instance: unrecoverable failure.
	Error
	// Disconnected is terminal for the session instance: graceful or
	// provider-initiated close.
	Disconnected
)

// String returns the lower-case name of s.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Listening:
		return "listening"
	case Thinking:
		return "thinking"
	case Speaking:
		return "speaking"
	case Error:
		return "error"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Live reports whether s has an open transport.
func (s State) Live() bool {
	switch s {
	case Connected, Listening, Thinking, Speaking:
		return true
	}
	return false
}

// Terminal reports whether s ends the session instance.
func (s State) Terminal() bool {
	return s == Error || s == Disconnected
}

// transitions lists the allowed edges. Every live state may also fall back to
// Connecting (renewal), Error or Disconnected.
var transitions = map[State][]State{
	Idle:         {Connecting},
	Connecting:   {Connected, Listening, Error, Disconnected},
	Connected:    {Listening, Thinking, Speaking},
	Listening:    {Connected, Thinking, Speaking},
	Thinking:     {Connected, Listening, Speaking},
	Speaking:     {Connected, Listening, Thinking},
	Error:        {Connecting},
	Disconnected: {Connecting},
}

// Allowed reports whether from → to is a valid edge. Self-transitions are
// always allowed.
func Allowed(from, to State) bool {
	if from == to {
		return true
	}
	if from.Live() && (to == Connecting || to == Error || to == Disconnected) {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Observer is notified after every state change.
type Observer func(from, to State)

// Machine holds the current state and validates transitions.
//
// Observers run synchronously in transition order. They may call
// [Machine.State] but must not call [Machine.Transition].
type Machine struct {
	transMu   sync.Mutex // serializes transitions and notification
	mu        sync.RWMutex
	state     State
	observers []Observer
}

// NewMachine returns a machine in [Idle].
func NewMachine() *Machine {
	return &Machine{state: Idle}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Observe registers fn for future transitions.
func (m *Machine) Observe(fn Observer) {
	m.transMu.Lock()
	defer m.transMu.Unlock()
	m.observers = append(m.observers, fn)
}

// Transition moves to state to. A self-transition is a no-op and does not
// notify observers.
func (m *Machine) Transition(to State) error {
	_, err := m.transition(func(State) (State, bool) { return to, true })
	return err
}

// TransitionIf moves to the state returned by decide, evaluated atomically
// against the current state. When decide returns false nothing happens.
// It reports whether a change occurred.
func (m *Machine) TransitionIf(decide func(current State) (State, bool)) (bool, error) {
	return m.transition(decide)
}

func (m *Machine) transition(decide func(State) (State, bool)) (bool, error) {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	m.mu.Lock()
	from := m.state
	to, ok := decide(from)
	if !ok || from == to {
		m.mu.Unlock()
		return false, nil
	}
	if !Allowed(from, to) {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	m.mu.Unlock()

	for _, fn := range m.observers {
		fn(from, to)
	}
	return true, nil
}
