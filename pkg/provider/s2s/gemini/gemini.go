// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio is transmitted as base64-encoded PCM chunks; everything the server
// sends is normalized into [s2s.Event] values.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/questvoice/pkg/audio"
	"github.com/MrWong99/questvoice/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
	writeTimeout      = 10 * time.Second

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	model   string
	baseURL string
}

// New creates a new Gemini Live Provider. Credentials are supplied per session
// through [s2s.SessionConfig].
func New(opts ...Option) *Provider {
	p := &Provider{
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		ContextWindow:      128_000,
		MaxSessionDuration: 15 * time.Minute,
		SupportsResumption: true,
		Voices:             []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck", "Zephyr"},
	}
}

// Connect opens a Gemini Live session, sends the setup message and blocks until
// the server answers with setupComplete.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, url.QueryEscape(cfg.Credentials.APIKey),
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(-1)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan s2s.Event, eventBuffer),
		done:   make(chan struct{}),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.writeJSON(buildSetup(p.model, cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	if err := sess.awaitSetupComplete(ctx); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	Tools                    []geminiTool       `json:"tools,omitempty"`
	SessionResumption        *resumptionConfig  `json:"sessionResumption,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type resumptionConfig struct {
	Handle string `json:"handle,omitempty"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio *inlineData `json:"audio,omitempty"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete           *json.RawMessage  `json:"setupComplete,omitempty"`
	ServerContent           *serverContent    `json:"serverContent,omitempty"`
	ToolCall                *toolCallMsg      `json:"toolCall,omitempty"`
	ToolCallCancellation    *json.RawMessage  `json:"toolCallCancellation,omitempty"`
	SessionResumptionUpdate *resumptionUpdate `json:"sessionResumptionUpdate,omitempty"`
	GoAway                  *goAway           `json:"goAway,omitempty"`
	UsageMetadata           *json.RawMessage  `json:"usageMetadata,omitempty"`
	Error                   *geminiError      `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type resumptionUpdate struct {
	NewHandle string `json:"newHandle"`
	Resumable bool   `json:"resumable"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

// buildSetup assembles the BidiGenerateContent setup message for cfg.
func buildSetup(model string, cfg s2s.SessionConfig) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
			SessionResumption:        &resumptionConfig{Handle: cfg.ResumptionHandle},
			InputAudioTranscription:  &struct{}{},
			OutputAudioTranscription: &struct{}{},
		},
	}

	if instr := cfg.SystemInstruction(); instr != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: instr}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	return msg
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn    *websocket.Conn
	events  chan s2s.Event
	writeMu sync.Mutex

	mu     sync.Mutex
	done   chan struct{}
	closed bool

	// malformed counts consecutive undecodable frames; receiveLoop only.
	malformed int

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message. Writes are
// serialized so concurrent senders never interleave frames.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("gemini: write: %w", err)
	}
	return nil
}

// awaitSetupComplete reads frames until the server acknowledges the setup.
func (s *session) awaitSetupComplete(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("await setupComplete: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("gemini: dropping malformed frame during setup", "err", err)
			continue
		}
		if msg.Error != nil {
			return fmt.Errorf("server rejected setup: %s", errorText(msg.Error))
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns events: it closes the channel when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// If the session context was cancelled, exit cleanly.
			if s.ctx.Err() != nil {
				return
			}
			s.emitTerminal(err)
			s.shutdown()
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.malformed++
			slog.Warn("gemini: dropping malformed frame", "err", err, "consecutive", s.malformed)
			if s.malformed >= s2s.MaxConsecutiveMalformed {
				s.emit(s2s.Event{
					Kind:  s2s.EventError,
					Err:   fmt.Errorf("gemini: %d consecutive malformed frames: %w", s.malformed, err),
					Fatal: true,
				})
				s.Close()
				return
			}
			continue
		}
		s.malformed = 0

		if !s.handleServerMessage(&msg) {
			return
		}
	}
}

// emitTerminal reports why the connection ended. A close frame from the
// server becomes EventClosed; any other read failure is a fatal error.
func (s *session) emitTerminal(err error) {
	if status := websocket.CloseStatus(err); status != -1 {
		var ce websocket.CloseError
		reason := status.String()
		if errors.As(err, &ce) && ce.Reason != "" {
			reason = ce.Reason
		}
		s.emit(s2s.Event{Kind: s2s.EventClosed, Reason: reason})
		return
	}
	s.emit(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("gemini: read: %w", err), Fatal: true})
}

// emit delivers ev unless the session is shutting down. It reports whether
// the receiver should keep going.
func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// handleServerMessage translates one server message into events in wire order.
func (s *session) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		if !s.emit(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("gemini: %s", errorText(msg.Error))}) {
			return false
		}
	}
	if msg.ServerContent != nil && !s.handleServerContent(msg.ServerContent) {
		return false
	}
	if msg.ToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			args := "{}"
			if len(fc.Args) > 0 {
				b, err := json.Marshal(fc.Args)
				if err != nil {
					slog.Warn("gemini: unmarshalable tool args", "tool", fc.Name, "err", err)
					continue
				}
				args = string(b)
			}
			ev := s2s.Event{
				Kind:     s2s.EventToolCall,
				ToolCall: s2s.ToolCall{ID: fc.ID, Name: fc.Name, Arguments: args, Final: true},
			}
			if !s.emit(ev) {
				return false
			}
		}
	}
	if u := msg.SessionResumptionUpdate; u != nil && u.Resumable && u.NewHandle != "" {
		if !s.emit(s2s.Event{Kind: s2s.EventResumptionUpdate, Handle: u.NewHandle, Resumable: true}) {
			return false
		}
	}
	if msg.GoAway != nil {
		if !s.emit(s2s.Event{Kind: s2s.EventExpiryWarning, TimeLeft: msg.GoAway.TimeLeft}) {
			return false
		}
	}
	return true
}

func (s *session) handleServerContent(sc *serverContent) bool {
	if sc.Interrupted {
		if !s.emit(s2s.Event{Kind: s2s.EventInterrupted}) {
			return false
		}
	}

	// User speech recognition result.
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !s.emit(s2s.Event{Kind: s2s.EventTranscriptDelta, Role: s2s.RoleUser, Text: sc.InputTranscription.Text}) {
			return false
		}
	}

	if sc.ModelTurn != nil {
		// Emit audio chunks and text parts in a single pass.
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				ev := s2s.Event{
					Kind:       s2s.EventAudioDelta,
					Audio:      p.InlineData.Data,
					SampleRate: sampleRateFromMIME(p.InlineData.MIMEType, audio.PlaybackSampleRate),
				}
				if !s.emit(ev) {
					return false
				}
			}
			if p.Text != "" {
				if !s.emit(s2s.Event{Kind: s2s.EventTranscriptDelta, Role: s2s.RoleModel, Text: p.Text}) {
					return false
				}
			}
		}
	}

	// Model output transcription (text version of audio output).
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !s.emit(s2s.Event{Kind: s2s.EventTranscriptDelta, Role: s2s.RoleModel, Text: sc.OutputTranscription.Text}) {
			return false
		}
	}

	if sc.TurnComplete {
		if !s.emit(s2s.Event{Kind: s2s.EventTurnComplete}) {
			return false
		}
	}
	return true
}

// sampleRateFromMIME extracts the rate parameter of e.g. "audio/pcm;rate=24000".
func sampleRateFromMIME(mime string, fallback int) int {
	for _, param := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || k != "rate" {
			continue
		}
		if rate, err := strconv.Atoi(v); err == nil && rate > 0 {
			return rate
		}
	}
	return fallback
}

func errorText(ge *geminiError) string {
	if ge.Message != "" {
		return ge.Message
	}
	if ge.Status != "" {
		return ge.Status
	}
	return "unknown error"
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil && s.ctx.Err() == nil {
				slog.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio delivers a raw PCM audio chunk (16 kHz, s16le, mono) to the model.
func (s *session) SendAudio(pcm []byte) error {
	if s.isClosed() {
		return s2s.ErrSessionClosed
	}
	chunk := audio.NewWireChunk(pcm, audio.CaptureSampleRate)
	return s.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			Audio: &inlineData{MIMEType: chunk.MIMEType, Data: chunk.Data},
		},
	})
}

// SendText sends a complete user text turn.
func (s *session) SendText(text string) error {
	if s.isClosed() {
		return s2s.ErrSessionClosed
	}
	return s.writeJSON(clientContentMessage{
		ClientContent: clientContent{
			Turns:        []contentTurn{{Role: "user", Parts: []part{{Text: text}}}},
			TurnComplete: true,
		},
	})
}

// SendToolResult answers a function call with toolResponse.functionResponses.
func (s *session) SendToolResult(result s2s.ToolResult) error {
	if s.isClosed() {
		return s2s.ErrSessionClosed
	}
	return s.writeJSON(toolResponseMessage{
		ToolResponse: toolResponse{
			FunctionResponses: []functionResponse{
				{ID: result.ID, Name: result.Name, Response: result.Output},
			},
		},
	})
}

// Events returns the normalized inbound event stream.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	if !s.shutdown() {
		return nil
	}
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

// shutdown marks the session closed and stops the background loops. It
// reports whether this call performed the shutdown.
func (s *session) shutdown() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(s.done) // signals keepaliveLoop via done channel
	return true
}
