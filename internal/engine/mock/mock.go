// Package mock provides an in-memory mock implementation of
// [engine.VoiceSession] for use in unit tests.
//
// The mock records every method call and allows the test to configure return
// values via exported fields. It is safe for concurrent use.
//
// Example:
//
//	s := mock.New()
//	s.SetState(engine.Listening)
//	s.Publish(engine.Notification{Kind: engine.NotifyCaption, Model: "Well met."})
//	_ = s.SendText("hello")
//	s.Texts() // []string{"hello"}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/questvoice/internal/engine"
)

// Compile-time interface assertion.
var _ engine.VoiceSession = (*VoiceSession)(nil)

// VoiceSession is a mock implementation of [engine.VoiceSession].
// All exported *Err fields control return values.
type VoiceSession struct {
	mu sync.Mutex

	// ConnectErr is returned by [VoiceSession.Connect].
	ConnectErr error

	// SendTextErr is returned by [VoiceSession.SendText].
	SendTextErr error

	// DisconnectErr is returned by [VoiceSession.Disconnect].
	DisconnectErr error

	// User and Model are returned by [VoiceSession.Transcription].
	User, Model string

	state         engine.State
	muted         bool
	texts         []string
	notifications chan engine.Notification

	// CallCountConnect, CallCountMute, CallCountUnmute and
	// CallCountDisconnect record lifecycle calls.
	CallCountConnect    int
	CallCountMute       int
	CallCountUnmute     int
	CallCountDisconnect int
}

// New returns an idle mock with a buffered notification channel.
func New() *VoiceSession {
	return &VoiceSession{notifications: make(chan engine.Notification, 64)}
}

// Connect implements [engine.VoiceSession]. On success the state moves to
// Listening, or Connected when muted.
func (v *VoiceSession) Connect(_ context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.CallCountConnect++
	if v.ConnectErr != nil {
		v.state = engine.Error
		return v.ConnectErr
	}
	v.state = engine.Listening
	if v.muted {
		v.state = engine.Connected
	}
	return nil
}

// Mute implements [engine.VoiceSession].
func (v *VoiceSession) Mute() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.CallCountMute++
	v.muted = true
	if v.state == engine.Listening {
		v.state = engine.Connected
	}
}

// Unmute implements [engine.VoiceSession].
func (v *VoiceSession) Unmute() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.CallCountUnmute++
	v.muted = false
	if v.state == engine.Connected {
		v.state = engine.Listening
	}
}

// Muted reports whether Mute was called more recently than Unmute.
func (v *VoiceSession) Muted() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.muted
}

// SendText implements [engine.VoiceSession].
func (v *VoiceSession) SendText(text string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.SendTextErr != nil {
		return v.SendTextErr
	}
	v.texts = append(v.texts, text)
	return nil
}

// Texts returns a copy of every string passed to SendText.
func (v *VoiceSession) Texts() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, len(v.texts))
	copy(out, v.texts)
	return out
}

// Disconnect implements [engine.VoiceSession].
func (v *VoiceSession) Disconnect() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.CallCountDisconnect++
	if v.state.Live() || v.state == engine.Connecting {
		v.state = engine.Disconnected
	}
	return v.DisconnectErr
}

// State implements [engine.VoiceSession].
func (v *VoiceSession) State() engine.State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// SetState forces the reported state.
func (v *VoiceSession) SetState(s engine.State) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = s
}

// Transcription implements [engine.VoiceSession].
func (v *VoiceSession) Transcription() (user, model string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.User, v.Model
}

// Notifications implements [engine.VoiceSession].
func (v *VoiceSession) Notifications() <-chan engine.Notification {
	return v.notifications
}

// Publish queues n on the notification channel. It blocks if the buffer is
// full.
func (v *VoiceSession) Publish(n engine.Notification) {
	v.notifications <- n
}

// Counts returns the lifecycle call counters under the lock.
func (v *VoiceSession) Counts() (connect, mute, unmute, disconnect int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.CallCountConnect, v.CallCountMute, v.CallCountUnmute, v.CallCountDisconnect
}
