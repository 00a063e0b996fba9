// Package engine defines the VoiceSession interface and its supporting types.
//
// A VoiceSession owns one live, bidirectional conversation with a remote
// speech-to-speech provider: it captures the microphone, streams audio and
// text out, plays the model's audio back gaplessly, assembles captions and
// completed turns, dispatches tool calls and silently renews the provider
// session before it expires.
//
// The connection [State] is owned by the session and validated by a
// [Machine]. Hosts observe everything through [VoiceSession.Notifications]
// and the [Callbacks] passed at construction.
//
// Implementations are provided by sub-packages. This package lives under
// internal/ because it encapsulates application-private processing logic.
package engine

import (
	"context"

	"github.com/MrWong99/questvoice/internal/transcript"
)

// NotificationKind discriminates [Notification] values.
type NotificationKind int

const (
	// NotifyState reports a connection state change.
	NotifyState NotificationKind = iota + 1
	// NotifyCaption carries the running user and model transcription.
	NotifyCaption
	// NotifyTurn carries a completed turn.
	NotifyTurn
	// NotifyError reports a failure that moved the session to [Error].
	NotifyError
)

// Notification is one host-facing update.
type Notification struct {
	Kind NotificationKind

	// From and To are set for NotifyState.
	From, To State

	// User and Model are the running captions for NotifyCaption.
	User, Model string

	// Turn is set for NotifyTurn.
	Turn transcript.Turn

	// Err is set for NotifyError.
	Err error
}

// Callbacks are host hooks. Any field may be nil.
type Callbacks struct {
	// OnTurnComplete receives every completed turn.
	OnTurnComplete func(transcript.Turn)

	// OnEnvironmentChange is invoked for the changeEnvironment tool.
	OnEnvironmentChange func(ctx context.Context, description string) error

	// OnArtifactDisplay is invoked for the displayArtifact tool.
	OnArtifactDisplay func(ctx context.Context, name, description string) error
}

// VoiceSession is the provider-agnostic realtime voice session.
//
// All methods are safe for concurrent use and may be called in any state.
type VoiceSession interface {
	// Connect opens the transport, starts playback and capture, and
	// transitions through Connecting to Connected or Listening. Connecting a
	// live session is a no-op.
	Connect(ctx context.Context) error

	// Mute stops forwarding microphone audio without releasing the device.
	Mute()

	// Unmute resumes forwarding microphone audio.
	Unmute()

	// SendText sends a typed user message.
	SendText(text string) error

	// Disconnect tears down capture, transport and playback in that order.
	// It is idempotent.
	Disconnect() error

	// State returns the current connection state.
	State() State

	// Transcription returns the running, not yet completed, captions.
	Transcription() (user, model string)

	// Notifications returns the host update stream. It is never closed while
	// the session object lives; slow readers miss updates rather than block
	// the audio path.
	Notifications() <-chan Notification
}
