// Package transcript accumulates streaming transcription fragments into live
// captions and completed conversational turns.
//
// The [Aggregator] keeps one buffer per speaker role. Fragments are appended
// in arrival order and republished as live captions. On a turn boundary the
// buffers are trimmed, emitted as a single immutable [Turn] and cleared.
//
// Providers sometimes resend the final transcription of a turn after it has
// already been emitted. A role whose trimmed text equals the last text
// emitted for that role is suppressed, so the same turn is never delivered
// twice.
package transcript

import (
	"strings"
	"sync"

	"github.com/MrWong99/questvoice/pkg/provider/s2s"
)

// Turn is one completed exchange. Either side may be empty but never both.
type Turn struct {
	User  string
	Model string
}

// Option is a functional option for [New].
type Option func(*Aggregator)

// WithUpdateHandler registers fn to receive the running buffers after every
// [Aggregator.Append]. fn is called without the aggregator's lock held.
func WithUpdateHandler(fn func(user, model string)) Option {
	return func(a *Aggregator) { a.onUpdate = fn }
}

// Aggregator buffers transcription fragments per role.
//
// All methods are safe for concurrent use.
type Aggregator struct {
	onUpdate func(user, model string)

	mu        sync.Mutex
	user      strings.Builder
	model     strings.Builder
	lastUser  string
	lastModel string
}

// New returns an empty aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Append adds text to the buffer for role. Unknown roles are ignored.
func (a *Aggregator) Append(role s2s.Role, text string) {
	if text == "" {
		return
	}
	a.mu.Lock()
	switch role {
	case s2s.RoleUser:
		a.user.WriteString(text)
	case s2s.RoleModel:
		a.model.WriteString(text)
	default:
		a.mu.Unlock()
		return
	}
	user, model := a.user.String(), a.model.String()
	a.mu.Unlock()

	if a.onUpdate != nil {
		a.onUpdate(user, model)
	}
}

// Complete closes the current turn. Both buffers are cleared whether or not a
// turn is emitted. It reports false when, after trimming and duplicate
// suppression, both sides are empty.
func (a *Aggregator) Complete() (Turn, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	user := strings.TrimSpace(a.user.String())
	model := strings.TrimSpace(a.model.String())
	a.user.Reset()
	a.model.Reset()

	if user != "" && user == a.lastUser {
		user = ""
	}
	if model != "" && model == a.lastModel {
		model = ""
	}
	if user == "" && model == "" {
		return Turn{}, false
	}
	if user != "" {
		a.lastUser = user
	}
	if model != "" {
		a.lastModel = model
	}
	return Turn{User: user, Model: model}, true
}

// Snapshot returns the running buffers untrimmed.
func (a *Aggregator) Snapshot() (user, model string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.user.String(), a.model.String()
}

// Reset clears the buffers and the duplicate-suppression history.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user.Reset()
	a.model.Reset()
	a.lastUser = ""
	a.lastModel = ""
}
