// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Microphone audio is batched and appended to the input buffer on a commit
// interval; in manual-commit mode every flush also commits the buffer and asks
// for a response. Inbound server events are normalized into [s2s.Event].
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/questvoice/pkg/audio"
	"github.com/MrWong99/questvoice/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel              = "gpt-4o-realtime-preview"
	defaultBaseURL            = "wss://api.openai.com/v1/realtime"
	defaultTranscriptionModel = "whisper-1"

	// DefaultCommitInterval is how long outbound audio is batched before it
	// is flushed as one append.
	DefaultCommitInterval = 650 * time.Millisecond

	// DefaultMaxBatchBytes flushes a batch early once it reaches this size.
	DefaultMaxBatchBytes = 32 * 1024

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
	writeTimeout      = 10 * time.Second

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithCommitInterval sets how long outbound audio is batched.
func WithCommitInterval(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.commitInterval = d
		}
	}
}

// WithMaxBatchBytes sets the size at which a batch is flushed early.
func WithMaxBatchBytes(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.maxBatchBytes = n
		}
	}
}

// WithServerVAD lets the server detect turn boundaries. Flushes then only
// append audio; the client never commits or requests responses itself.
func WithServerVAD(enabled bool) Option {
	return func(p *Provider) { p.serverVAD = enabled }
}

// WithTranscriptionModel sets the model used to transcribe user audio.
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) { p.transcriptionModel = model }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	model              string
	baseURL            string
	transcriptionModel string
	commitInterval     time.Duration
	maxBatchBytes      int
	serverVAD          bool
}

// New creates a new OpenAI Realtime Provider. Credentials are supplied per
// session through [s2s.SessionConfig].
func New(opts ...Option) *Provider {
	p := &Provider{
		model:              defaultModel,
		baseURL:            defaultBaseURL,
		transcriptionModel: defaultTranscriptionModel,
		commitInterval:     DefaultCommitInterval,
		maxBatchBytes:      DefaultMaxBatchBytes,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		ContextWindow:      128_000,
		MaxSessionDuration: 30 * time.Minute,
		SupportsResumption: false,
		Voices:             []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect opens an OpenAI Realtime session, sends session.update and blocks
// until the server confirms it with session.updated.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + cfg.Credentials.APIKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(-1)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:           conn,
		events:         make(chan s2s.Event, eventBuffer),
		done:           make(chan struct{}),
		ctx:            sessCtx,
		cancel:         sessCancel,
		commitInterval: p.commitInterval,
		maxBatchBytes:  p.maxBatchBytes,
		serverVAD:      p.serverVAD,
		inputDeltas:    make(map[string]bool),
	}

	if err := sess.writeJSON(p.sessionUpdate(cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	if err := sess.awaitSessionUpdated(ctx); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// sessionUpdate builds the session.update event for cfg.
func (p *Provider) sessionUpdate(cfg s2s.SessionConfig) sessionUpdateMessage {
	params := sessionParams{
		Modalities:              []string{"audio", "text"},
		Voice:                   cfg.Voice,
		Instructions:            cfg.SystemInstruction(),
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &transcriptionParams{Model: p.transcriptionModel},
	}
	if p.serverVAD {
		params.TurnDetection = &turnDetection{Type: "server_vad"}
	}
	if len(cfg.Tools) > 0 {
		params.Tools = toOAITools(cfg.Tools)
		params.ToolChoice = "auto"
	}
	return sessionUpdateMessage{clientEvent: newClientEvent("session.update"), Session: params}
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

// clientEvent is the envelope shared by every client event.
type clientEvent struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
}

func newClientEvent(typ string) clientEvent {
	return clientEvent{EventID: uuid.NewString(), Type: typ}
}

type sessionUpdateMessage struct {
	clientEvent
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Tools                   []oaiTool            `json:"tools,omitempty"`
	ToolChoice              string               `json:"tool_choice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection       `json:"turn_detection"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	clientEvent
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	clientEvent
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// *.delta events
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.*
	ItemID     string `json:"item_id,omitempty"`
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.*
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn    *websocket.Conn
	events  chan s2s.Event
	writeMu sync.Mutex

	mu     sync.Mutex
	done   chan struct{}
	closed bool

	// flushMu orders batch writes. It is taken before batchMu and held
	// across the network write; batchMu is never held while writing.
	flushMu sync.Mutex

	// Outbound audio batching, guarded by batchMu.
	batchMu        sync.Mutex
	batch          []byte
	batchTimer     *time.Timer
	commitInterval time.Duration
	maxBatchBytes  int
	serverVAD      bool

	// responseActive is set between response.created and response.done.
	responseActive atomic.Bool

	// receiveLoop only.
	malformed   int
	inputDeltas map[string]bool // item ids whose transcription arrived as deltas

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message. Writes are
// serialized so concurrent senders never interleave frames.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("openai: write: %w", err)
	}
	return nil
}

// awaitSessionUpdated reads events until the server confirms the session
// configuration.
func (s *session) awaitSessionUpdated(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("await session.updated: %w", err)
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Warn("openai: dropping malformed frame during setup", "err", err)
			continue
		}
		switch evt.Type {
		case "session.updated":
			return nil
		case "error":
			return fmt.Errorf("server rejected session: %s", errorText(evt.Error))
		}
	}
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns events: it closes the channel when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.emitTerminal(err)
			s.shutdown()
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil || evt.Type == "" {
			if err == nil {
				err = errors.New("missing event type")
			}
			s.malformed++
			slog.Warn("openai: dropping malformed frame", "err", err, "consecutive", s.malformed)
			if s.malformed >= s2s.MaxConsecutiveMalformed {
				s.emit(s2s.Event{
					Kind:  s2s.EventError,
					Err:   fmt.Errorf("openai: %d consecutive malformed frames: %w", s.malformed, err),
					Fatal: true,
				})
				s.Close()
				return
			}
			continue
		}
		s.malformed = 0

		if !s.handleServerEvent(&evt) {
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
	s.emit(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("openai: read: %w", err), Fatal: true})
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

// handleServerEvent maps one server event onto the normalized vocabulary.
// Both the beta and GA event names are accepted.
func (s *session) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "response.audio.delta", "response.output_audio.delta":
		if evt.Delta == "" {
			return true
		}
		return s.emit(s2s.Event{Kind: s2s.EventAudioDelta, Audio: evt.Delta, SampleRate: audio.PlaybackSampleRate})

	case "response.audio_transcript.delta", "response.output_audio_transcript.delta",
		"response.text.delta", "response.output_text.delta":
		if evt.Delta == "" {
			return true
		}
		return s.emit(s2s.Event{Kind: s2s.EventTranscriptDelta, Role: s2s.RoleModel, Text: evt.Delta})

	case "conversation.item.input_audio_transcription.delta":
		if evt.Delta == "" {
			return true
		}
		s.inputDeltas[evt.ItemID] = true
		return s.emit(s2s.Event{Kind: s2s.EventTranscriptDelta, Role: s2s.RoleUser, Text: evt.Delta})

	case "conversation.item.input_audio_transcription.completed":
		streamed := s.inputDeltas[evt.ItemID]
		delete(s.inputDeltas, evt.ItemID)
		if streamed || evt.Transcript == "" {
			return true
		}
		return s.emit(s2s.Event{Kind: s2s.EventTranscriptDelta, Role: s2s.RoleUser, Text: evt.Transcript})

	case "response.function_call_arguments.delta":
		return s.emit(s2s.Event{
			Kind:     s2s.EventToolCall,
			ToolCall: s2s.ToolCall{ID: evt.CallID, Name: evt.Name, Arguments: evt.Delta},
		})

	case "response.function_call_arguments.done":
		return s.emit(s2s.Event{
			Kind:     s2s.EventToolCall,
			ToolCall: s2s.ToolCall{ID: evt.CallID, Name: evt.Name, Arguments: evt.Arguments, Final: true},
		})

	case "response.created":
		s.responseActive.Store(true)

	case "response.done":
		s.responseActive.Store(false)
		return s.emit(s2s.Event{Kind: s2s.EventTurnComplete})

	case "input_audio_buffer.speech_started":
		return s.emit(s2s.Event{Kind: s2s.EventInterrupted})

	case "error":
		return s.emit(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("openai: %s", errorText(evt.Error))})
	}
	return true
}

func errorText(d *serverErrorDetail) string {
	if d == nil {
		return "unknown error"
	}
	if d.Message != "" {
		return d.Message
	}
	if d.Code != "" {
		return d.Code
	}
	return "unknown error"
}

// keepaliveLoop sends WebSocket pings to keep the connection alive.
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
				slog.Debug("openai: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// toOAITools converts tool definitions to OpenAI Realtime tool format.
func toOAITools(tools []s2s.ToolDefinition) []oaiTool {
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		out[i] = oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── Audio batching ─────────────────────────────────────────────────────────────

// takeBatch detaches the pending batch and disarms the commit timer.
func (s *session) takeBatch() []byte {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	if s.batchTimer != nil {
		s.batchTimer.Stop()
		s.batchTimer = nil
	}
	pcm := s.batch
	s.batch = nil
	return pcm
}

// flush writes the pending batch. Concurrent flushes go out in the order
// they took their batches.
func (s *session) flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	pcm := s.takeBatch()
	if len(pcm) == 0 || s.isClosed() {
		return nil
	}

	if err := s.writeJSON(appendAudioMessage{
		clientEvent: newClientEvent("input_audio_buffer.append"),
		Audio:       audio.EncodeBase64(pcm),
	}); err != nil {
		return err
	}
	if s.serverVAD {
		return nil
	}
	if err := s.writeJSON(newClientEvent("input_audio_buffer.commit")); err != nil {
		return err
	}
	if s.responseActive.Load() {
		return nil
	}
	s.responseActive.Store(true)
	return s.writeJSON(newClientEvent("response.create"))
}

// flushOnTimer is the commit-interval callback.
func (s *session) flushOnTimer() {
	if err := s.flush(); err != nil && !s.isClosed() {
		slog.Warn("openai: audio flush failed", "err", err)
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio queues a PCM16 chunk. The batch is flushed when the commit
// interval elapses or the batch reaches the size threshold. Only a threshold
// flush writes on the caller's goroutine; a timer flush in progress never
// holds up queueing.
func (s *session) SendAudio(pcm []byte) error {
	s.batchMu.Lock()
	if s.isClosed() {
		s.batchMu.Unlock()
		return s2s.ErrSessionClosed
	}
	s.batch = append(s.batch, pcm...)
	full := len(s.batch) >= s.maxBatchBytes
	if !full && s.batchTimer == nil {
		s.batchTimer = time.AfterFunc(s.commitInterval, s.flushOnTimer)
	}
	s.batchMu.Unlock()

	if full {
		return s.flush()
	}
	return nil
}

// SendText adds a user message and requests a response.
func (s *session) SendText(text string) error {
	if s.isClosed() {
		return s2s.ErrSessionClosed
	}
	if err := s.writeJSON(createConversationItemMessage{
		clientEvent: newClientEvent("conversation.item.create"),
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []conversationPart{{Type: "input_text", Text: text}},
		},
	}); err != nil {
		return err
	}
	return s.writeJSON(newClientEvent("response.create"))
}

// SendToolResult returns a function_call_output and triggers the next
// model response.
func (s *session) SendToolResult(result s2s.ToolResult) error {
	if s.isClosed() {
		return s2s.ErrSessionClosed
	}
	output, err := json.Marshal(result.Output)
	if err != nil {
		return fmt.Errorf("openai: marshal tool output: %w", err)
	}
	if err := s.writeJSON(createConversationItemMessage{
		clientEvent: newClientEvent("conversation.item.create"),
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: result.ID,
			Output: string(output),
		},
	}); err != nil {
		return err
	}
	return s.writeJSON(newClientEvent("response.create"))
}

// Events returns the normalized inbound event stream.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Close terminates the session, discarding any batched audio. Idempotent.
func (s *session) Close() error {
	if !s.shutdown() {
		return nil
	}
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

// shutdown marks the session closed, drops the pending batch and stops the
// background loops. It reports whether this call performed the shutdown.
func (s *session) shutdown() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	close(s.done)

	s.batchMu.Lock()
	if s.batchTimer != nil {
		s.batchTimer.Stop()
		s.batchTimer = nil
	}
	s.batch = nil
	s.batchMu.Unlock()
	return true
}
