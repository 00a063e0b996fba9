// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controllable sessions.
// Use Session to inject inbound events and inspect what the engine sent.
//
// Example:
//
//	p := &mock.Provider{}
//	handle, _ := p.Connect(ctx, cfg)
//	sess := p.Session(0)
//	sess.Emit(s2s.Event{Kind: s2s.EventTurnComplete})
//	sess.Texts() // everything passed to SendText
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/questvoice/pkg/provider/s2s"
)

var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*Session)(nil)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider. Every successful Connect
// returns a fresh [Session].
type Provider struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectErrs, if non-empty, supplies errors for successive Connect calls
	// before falling back to ConnectErr. A nil entry means success.
	ConnectErrs []error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	connectCalls []ConnectCall
	sessions     []*Session
}

// Connect records the call and returns a new Session or the configured error.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectCalls = append(p.connectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})

	err := p.ConnectErr
	if len(p.ConnectErrs) > 0 {
		err = p.ConnectErrs[0]
		p.ConnectErrs = p.ConnectErrs[1:]
	}
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	sess := NewSession()
	p.sessions = append(p.sessions, sess)
	return sess, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// ConnectCalls returns a copy of every Connect call so far.
func (p *Provider) ConnectCalls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.connectCalls))
	copy(out, p.connectCalls)
	return out
}

// SessionCount returns how many sessions were opened.
func (p *Provider) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Session returns the i-th opened session, or nil.
func (p *Provider) Session(i int) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.sessions) {
		return nil
	}
	return p.sessions[i]
}

// ── Session ────────────────────────────────────────────────────────────────────

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by every Send* method.
	SendErr error

	events      chan s2s.Event
	audioGate   chan struct{}
	ended       bool
	closed      bool
	closeCount  int
	audio       [][]byte
	texts       []string
	toolResults []s2s.ToolResult
}

// NewSession returns an open session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan s2s.Event, 256)}
}

// Emit injects an inbound event. It reports false if the stream has ended.
func (s *Session) Emit(ev s2s.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.events <- ev
	return true
}

// End delivers ev as the terminal event (if non-zero) and closes the stream,
// simulating the remote end going away.
func (s *Session) End(ev s2s.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	if ev.Kind != 0 {
		s.events <- ev
	}
	s.ended = true
	close(s.events)
}

func (s *Session) checkSend() error {
	if s.closed {
		return s2s.ErrSessionClosed
	}
	return s.SendErr
}

// BlockAudio makes SendAudio wait until release is called, simulating a
// stalled network write. release is idempotent.
func (s *Session) BlockAudio() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.audioGate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// SendAudio records the chunk, first waiting on [Session.BlockAudio] if set.
func (s *Session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	gate := s.audioGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSend(); err != nil {
		return err
	}
	s.audio = append(s.audio, append([]byte(nil), pcm...))
	return nil
}

// SendText records the text.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSend(); err != nil {
		return err
	}
	s.texts = append(s.texts, text)
	return nil
}

// SendToolResult records the result.
func (s *Session) SendToolResult(result s2s.ToolResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSend(); err != nil {
		return err
	}
	s.toolResults = append(s.toolResults, result)
	return nil
}

// Events returns the inbound stream.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Close records the call and closes the stream without a terminal event.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	s.closed = true
	if !s.ended {
		s.ended = true
		close(s.events)
	}
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCount returns how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Audio returns a copy of every chunk passed to SendAudio.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}

// Texts returns a copy of every string passed to SendText.
func (s *Session) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.texts))
	copy(out, s.texts)
	return out
}

// ToolResults returns a copy of every result passed to SendToolResult.
func (s *Session) ToolResults() []s2s.ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]s2s.ToolResult, len(s.toolResults))
	copy(out, s.toolResults)
	return out
}
