// Package s2s defines the Provider interface for Speech-to-Speech (S2S) backends.
//
// An S2S provider wraps a real-time voice AI service that accepts raw audio input
// and returns synthesised audio output in a single, stateful session over one
// persistent bidirectional connection. Examples include Gemini Live and the
// OpenAI Realtime API.
//
// The central abstraction is SessionHandle: outbound audio, text and tool
// results go in through methods; everything the provider says comes back as a
// single ordered stream of normalized [Event] values, so the engine never needs
// to know which wire protocol it is talking to.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrSessionClosed is returned by SessionHandle methods after Close or after
// the connection has terminated.
var ErrSessionClosed = errors.New("s2s: session closed")

// MaxConsecutiveMalformed is the number of back-to-back undecodable inbound
// frames after which a session gives up with a fatal error event. Isolated
// malformed frames are dropped.
const MaxConsecutiveMalformed = 5

// Credentials authenticates a session. They are supplied per Connect so that a
// long-lived Provider never holds a stale key.
type Credentials struct {
	APIKey string
}

// ToolDefinition declares a function the model may call.
type ToolDefinition struct {
	// Name is the function name the model will use.
	Name string

	// Description tells the model when to call the function.
	Description string

	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]any
}

// SessionConfig is the configuration sent when a session is opened.
type SessionConfig struct {
	// Credentials for the provider. An empty APIKey is rejected by the engine
	// before a connection is attempted.
	Credentials Credentials

	// Instructions is the system-level prompt that defines the persona.
	Instructions string

	// Accent is an optional accent/style directive appended to the instructions.
	Accent string

	// QuestObjective is an optional objective the persona steers the user
	// towards. It is immutable for the lifetime of a session.
	QuestObjective string

	// Voice is the provider-specific prebuilt voice name. Empty selects the
	// provider default.
	Voice string

	// Tools offered to the model for the whole session.
	Tools []ToolDefinition

	// ResumptionHandle resumes a previous session when non-empty. Providers
	// without resumption support ignore it.
	ResumptionHandle string
}

// SystemInstruction composes the instruction text sent to the provider:
// the base instructions followed by the accent directive and quest objective
// when present.
func (c SessionConfig) SystemInstruction() string {
	var parts []string
	if s := strings.TrimSpace(c.Instructions); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(c.Accent); s != "" {
		parts = append(parts, "Speak with the following accent and style: "+s+".")
	}
	if s := strings.TrimSpace(c.QuestObjective); s != "" {
		parts = append(parts, "Your current quest objective, which you should guide the conversation towards: "+s)
	}
	return strings.Join(parts, "\n\n")
}

// Capabilities describes static properties of the S2S provider.
// The values are assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// ContextWindow is the maximum token count the model can maintain across
	// the session.
	ContextWindow int

	// MaxSessionDuration is the hard upper bound on session lifetime imposed
	// by the provider. Zero means no documented limit.
	MaxSessionDuration time.Duration

	// SupportsResumption indicates whether a session can be continued on a
	// fresh connection via a resumption handle.
	SupportsResumption bool

	// Voices lists the prebuilt voice names available for this provider.
	Voices []string
}

// Role identifies who is speaking in a transcript delta.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// EventKind enumerates the normalized inbound event vocabulary.
type EventKind int

const (
	// EventTranscriptDelta carries a transcript fragment in Role and Text.
	EventTranscriptDelta EventKind = iota + 1

	// EventAudioDelta carries base64 PCM16 in Audio at SampleRate.
	EventAudioDelta

	// EventToolCall carries a (possibly partial) function call in ToolCall.
	EventToolCall

	// EventTurnComplete marks the end of the model's turn.
	EventTurnComplete

	// EventInterrupted reports that the user barged in.
	EventInterrupted

	// EventResumptionUpdate carries a fresh resumption handle in Handle.
	EventResumptionUpdate

	// EventExpiryWarning carries the raw remaining-time string in TimeLeft.
	EventExpiryWarning

	// EventClosed reports that the remote end closed the connection.
	EventClosed

	// EventError carries a provider or transport error in Err.
	EventError
)

// String implements fmt.Stringer.
func (k EventKind) String() string {
	switch k {
	case EventTranscriptDelta:
		return "transcript-delta"
	case EventAudioDelta:
		return "audio-delta"
	case EventToolCall:
		return "tool-call"
	case EventTurnComplete:
		return "turn-complete"
	case EventInterrupted:
		return "interrupted"
	case EventResumptionUpdate:
		return "resumption-update"
	case EventExpiryWarning:
		return "expiry-warning"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// ToolCall is a function invocation requested by the model. Providers that
// stream arguments emit non-final calls carrying argument fragments followed
// by one final call.
type ToolCall struct {
	// ID correlates the call with its result.
	ID string

	// Name of the function. May be empty on non-final fragments.
	Name string

	// Arguments is JSON text on final calls, a fragment otherwise.
	Arguments string

	// Final is true when the call is complete and should be executed.
	Final bool
}

// ToolResult is the acknowledgment sent back for a ToolCall.
type ToolResult struct {
	ID     string
	Name   string
	Output map[string]any
}

// Event is one normalized inbound message. Only the fields relevant to Kind
// are populated.
type Event struct {
	Kind EventKind

	Role Role
	Text string

	Audio      string
	SampleRate int

	ToolCall ToolCall

	Handle    string
	Resumable bool

	TimeLeft string

	Reason string

	Err   error
	Fatal bool
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// All methods must be safe for concurrent use. Outbound writes are serialized
// by the implementation.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers a PCM16 LE mono chunk at 16 kHz. Implementations may
	// batch chunks before transmission.
	SendAudio(pcm []byte) error

	// SendText sends a user text turn.
	SendText(text string) error

	// SendToolResult acknowledges a tool call.
	SendToolResult(result ToolResult) error

	// Events returns the inbound event stream. Events arrive in wire order.
	// A remote closure or fatal error is delivered as a final event, after
	// which the channel is closed. A local Close closes the channel without
	// a final event.
	Events() <-chan Event

	// Close terminates the session and discards pending outbound data.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect dials the provider, sends the session configuration and blocks
	// until the provider acknowledges readiness or ctx ends. The caller owns
	// the returned SessionHandle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider's model.
	Capabilities() Capabilities
}
