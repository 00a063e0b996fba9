// Package s2s provides an [engine.VoiceSession] implementation that drives a
// realtime speech-to-speech [providers2s.Provider].
//
// An [Engine] owns the microphone and the output device for its whole
// lifetime. Each Connect cycle opens a transport, starts playback and capture,
// and runs one event loop that routes provider events to the transcript
// aggregator, the playback scheduler and the tool-call router. Before the
// provider force-closes a session, the continuity manager tears the cycle
// down and reopens it with the resumption handle.
//
// Failures that end a cycle (fatal transport errors, a provider-initiated
// close, renewal failure) are handled on their own goroutine so the event
// loop never blocks on the engine lock.
package s2s

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/questvoice/internal/capture"
	"github.com/MrWong99/questvoice/internal/engine"
	"github.com/MrWong99/questvoice/internal/observe"
	"github.com/MrWong99/questvoice/internal/playback"
	"github.com/MrWong99/questvoice/internal/session"
	"github.com/MrWong99/questvoice/internal/toolcall"
	"github.com/MrWong99/questvoice/internal/transcript"
	"github.com/MrWong99/questvoice/pkg/audio"
	providers2s "github.com/MrWong99/questvoice/pkg/provider/s2s"
)

// Compile-time assertion that Engine satisfies the engine.VoiceSession interface.
var _ engine.VoiceSession = (*Engine)(nil)

// ErrMissingCredentials is returned by [Engine.Connect] when no API key is
// available. It is a configuration error and is never retried.
var ErrMissingCredentials = errors.New("s2s: missing credentials")

// ErrNotConnected is returned by [Engine.SendText] without a live session.
var ErrNotConnected = errors.New("s2s: not connected")

const (
	// defaultNotificationBuf is the buffer depth of the channel returned by
	// [Engine.Notifications].
	defaultNotificationBuf = 64

	// audioQueueDepth is how many captured frames may wait for the transport
	// before new frames are dropped.
	audioQueueDepth = 64

	// callbackQueueDepth is how many host callbacks may wait to run before
	// the event loop blocks on them.
	callbackQueueDepth = 16
)

// Devices are the audio endpoints owned by the engine.
type Devices struct {
	Input  audio.InputDevice
	Output audio.OutputDevice
}

// CredentialsProvider resolves provider credentials at connect time.
type CredentialsProvider interface {
	Credentials(ctx context.Context) (providers2s.Credentials, error)
}

// StaticCredentials is a [CredentialsProvider] returning fixed credentials.
type StaticCredentials providers2s.Credentials

// Credentials implements [CredentialsProvider].
func (c StaticCredentials) Credentials(context.Context) (providers2s.Credentials, error) {
	return providers2s.Credentials(c), nil
}

// CredentialsFunc adapts a function to [CredentialsProvider].
type CredentialsFunc func(ctx context.Context) (providers2s.Credentials, error)

// Credentials implements [CredentialsProvider].
func (f CredentialsFunc) Credentials(ctx context.Context) (providers2s.Credentials, error) {
	return f(ctx)
}

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithCredentials sets the credentials source. Without it the engine uses
// the credentials in the session config passed to [New].
func WithCredentials(c CredentialsProvider) Option {
	return func(e *Engine) { e.creds = c }
}

// WithCallbacks registers host hooks.
func WithCallbacks(cb engine.Callbacks) Option {
	return func(e *Engine) { e.callbacks = cb }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithProviderName sets the provider label used in logs and metrics.
func WithProviderName(name string) Option {
	return func(e *Engine) { e.providerName = name }
}

// WithNotificationBuffer sets the capacity of the notification channel.
func WithNotificationBuffer(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.notifyBuf = n
		}
	}
}

// WithToolTimeout bounds each host tool callback.
func WithToolTimeout(d time.Duration) Option {
	return func(e *Engine) { e.toolTimeout = d }
}

// WithCaptureBlockSize overrides the polling block size used for devices
// without a push path.
func WithCaptureBlockSize(n int) Option {
	return func(e *Engine) { e.captureBlock = n }
}

// WithRenewalTimer replaces [time.AfterFunc] for renewal scheduling. Useful in
// tests.
func WithRenewalTimer(fn func(time.Duration, func()) session.Timer) Option {
	return func(e *Engine) { e.afterFunc = fn }
}

// WithStartMuted starts the engine with the microphone muted.
func WithStartMuted() Option {
	return func(e *Engine) { e.muted.Store(true) }
}

// cycle is one live transport and its event loop.
type cycle struct {
	id      string
	handle  providers2s.SessionHandle
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	closing atomic.Bool // set before a local close
	failing atomic.Bool // set once a failure is being handled

	out       chan []byte // captured frames awaiting the transport
	dropped   atomic.Int64
	callbacks chan func() // host callbacks, run in order off the event loop
}

// Engine is an [engine.VoiceSession] backed by a [providers2s.Provider].
//
// Engine is safe for concurrent use.
type Engine struct {
	provider     providers2s.Provider
	providerName string
	creds        CredentialsProvider
	callbacks    engine.Callbacks
	metrics      *observe.Metrics
	notifyBuf    int
	toolTimeout  time.Duration
	captureBlock int
	afterFunc    func(time.Duration, func()) session.Timer

	machine       *engine.Machine
	aggregator    *transcript.Aggregator
	router        *toolcall.Router
	capture       *capture.Pipeline
	player        *playback.Scheduler
	notifications chan engine.Notification

	muted      atomic.Bool
	live       atomic.Pointer[cycle]
	continuity atomic.Pointer[session.Continuity]

	// mu serializes lifecycle operations: Connect, Disconnect, renewal and
	// failure handling. The event loop never takes it.
	mu      sync.Mutex
	cfg     providers2s.SessionConfig // applied on the next Connect
	running providers2s.SessionConfig // config of the current logical session
}

// New creates an Engine for provider using devices. cfg is the session
// configuration for the first Connect; see [Engine.SetSessionConfig].
func New(provider providers2s.Provider, devices Devices, cfg providers2s.SessionConfig, opts ...Option) *Engine {
	e := &Engine{
		provider:     provider,
		providerName: "s2s",
		creds:        StaticCredentials(cfg.Credentials),
		notifyBuf:    defaultNotificationBuf,
		machine:      engine.NewMachine(),
		cfg:          cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	e.notifications = make(chan engine.Notification, e.notifyBuf)

	e.aggregator = transcript.New(transcript.WithUpdateHandler(func(user, model string) {
		e.notify(engine.Notification{Kind: engine.NotifyCaption, User: user, Model: model})
	}))

	e.router = toolcall.New(toolcall.Handlers{
		OnEnvironmentChange: e.callbacks.OnEnvironmentChange,
		OnArtifactDisplay:   e.callbacks.OnArtifactDisplay,
	},
		toolcall.WithTimeout(e.toolTimeout),
		toolcall.WithCallObserver(func(name string, err error, took time.Duration) {
			e.metrics.RecordToolCall(context.Background(), name, took, err)
		}),
	)

	captureOpts := []capture.Option{
		capture.WithFrameObserver(func(forwarded bool) {
			e.metrics.RecordCaptureFrame(context.Background(), forwarded)
		}),
	}
	if e.captureBlock > 0 {
		captureOpts = append(captureOpts, capture.WithPollBlockSize(e.captureBlock))
	}
	e.capture = capture.New(devices.Input, captureOpts...)

	e.player = playback.New(devices.Output,
		playback.WithIdleHandler(e.onPlaybackIdle),
		playback.WithSegmentObserver(func(playback.Segment) {
			e.metrics.PlaybackSegments.Add(context.Background(), 1)
		}),
	)

	e.machine.Observe(e.onStateChange)
	return e
}

// ── Public API ───────────────────────────────────────────────────────────────

// Connect implements [engine.VoiceSession].
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if st := e.machine.State(); st.Live() || st == engine.Connecting {
		return nil
	}
	if err := e.machine.Transition(engine.Connecting); err != nil {
		return err
	}

	ctx, span := observe.StartSpan(ctx, "s2s.connect",
		trace.WithAttributes(attribute.String("provider", e.providerName)))
	defer span.End()

	creds, err := e.creds.Credentials(ctx)
	if err == nil && creds.APIKey == "" {
		err = ErrMissingCredentials
	} else if err != nil {
		err = fmt.Errorf("%w: %w", ErrMissingCredentials, err)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		e.failLocked(err)
		return err
	}

	cfg := e.cfg
	cfg.Credentials = creds
	cfg.Tools = e.router.Definitions()
	cfg.ResumptionHandle = ""
	e.running = cfg

	e.aggregator.Reset()
	e.router.Reset()
	cont := session.NewContinuity(session.ContinuityConfig{
		Renew:     e.renew,
		OnFailure: e.onRenewalFailure,
		OnRenewed: func() { e.metrics.RecordRenewal(context.Background(), nil) },
		AfterFunc: e.afterFunc,
	})
	e.continuity.Store(cont)

	if err := e.openLocked(ctx, cfg); err != nil {
		span.SetStatus(codes.Error, err.Error())
		e.continuity.CompareAndSwap(cont, nil)
		cont.Stop()
		e.teardownLocked()
		e.failLocked(err)
		return err
	}
	return nil
}

// Mute implements [engine.VoiceSession]. The capture device stays attached.
func (e *Engine) Mute() {
	e.muted.Store(true)
	e.capture.SetActive(false)
	_, _ = e.machine.TransitionIf(func(cur engine.State) (engine.State, bool) {
		return engine.Connected, cur == engine.Listening
	})
}

// Unmute implements [engine.VoiceSession]. The state returns to Listening
// only when no playback is in progress.
func (e *Engine) Unmute() {
	e.muted.Store(false)
	if e.live.Load() == nil {
		return
	}
	e.capture.SetActive(true)
	_, _ = e.machine.TransitionIf(func(cur engine.State) (engine.State, bool) {
		return engine.Listening, cur == engine.Connected && e.player.InFlight() == 0
	})
}

// Muted reports the user's mute preference.
func (e *Engine) Muted() bool { return e.muted.Load() }

// SendText implements [engine.VoiceSession]. The text is also recorded as
// user transcription for the current turn.
func (e *Engine) SendText(text string) error {
	c := e.live.Load()
	if c == nil {
		return ErrNotConnected
	}
	if err := c.handle.SendText(text); err != nil {
		if errors.Is(err, providers2s.ErrSessionClosed) {
			return ErrNotConnected
		}
		e.failAsync(c, fmt.Errorf("s2s: send text: %w", err))
		return fmt.Errorf("s2s: send text: %w", err)
	}
	e.aggregator.Append(providers2s.RoleUser, text)
	return nil
}

// Disconnect implements [engine.VoiceSession]. Capture, transport and playback
// are torn down in that order. Disconnecting an idle or ended session is a
// no-op.
func (e *Engine) Disconnect() error {
	// Cancel renewal first so a reconnect in flight releases the lock quickly.
	if cont := e.continuity.Swap(nil); cont != nil {
		cont.Stop()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.machine.State()
	if !st.Live() && st != engine.Connecting {
		return nil
	}
	err := e.teardownLocked()
	if terr := e.machine.Transition(engine.Disconnected); terr != nil {
		err = errors.Join(err, terr)
	}
	slog.Info("s2s: disconnected", "provider", e.providerName)
	return err
}

// State implements [engine.VoiceSession].
func (e *Engine) State() engine.State { return e.machine.State() }

// Transcription implements [engine.VoiceSession].
func (e *Engine) Transcription() (user, model string) { return e.aggregator.Snapshot() }

// Notifications implements [engine.VoiceSession].
func (e *Engine) Notifications() <-chan engine.Notification { return e.notifications }

// SetSessionConfig replaces the configuration used by the next Connect.
// The running session and its renewals are unaffected.
func (e *Engine) SetSessionConfig(cfg providers2s.SessionConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

// SessionConfig returns the configuration used by the next Connect.
func (e *Engine) SessionConfig() providers2s.SessionConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

// openLocked opens transport, playback and capture and starts the event
// loop. On error the caller tears down. Must be called with e.mu held and
// the machine in Connecting.
func (e *Engine) openLocked(ctx context.Context, cfg providers2s.SessionConfig) error {
	start := time.Now()
	handle, err := e.provider.Connect(ctx, cfg)
	e.metrics.RecordConnect(ctx, e.providerName, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("s2s: connect: %w", err)
	}

	id := uuid.NewString()
	cctx, cancel := context.WithCancel(observe.WithSession(context.Background(), id))
	c := &cycle{
		id:        id,
		handle:    handle,
		ctx:       cctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		out:       make(chan []byte, audioQueueDepth),
		callbacks: make(chan func(), callbackQueueDepth),
	}
	e.live.Store(c)
	if err := e.player.Start(); err != nil {
		close(c.done)
		return err
	}
	go e.eventLoop(c)
	go e.callbackLoop(c)
	go e.sendLoop(c)

	if err := e.machine.Transition(engine.Connected); err != nil {
		return err
	}
	if err := e.capture.Start(cctx, func(pcm []byte) { e.sendAudio(c, pcm) }); err != nil {
		return err
	}
	if !e.muted.Load() {
		e.capture.SetActive(true)
		if err := e.machine.Transition(engine.Listening); err != nil {
			return err
		}
	}
	observe.Logger(observe.WithSession(ctx, c.id)).Info("s2s: session open",
		"provider", e.providerName,
		"resumed", cfg.ResumptionHandle != "",
		"muted", e.muted.Load(),
	)
	return nil
}

// teardownLocked stops capture, closes the transport and waits for its event
// loop, then cancels playback. Must be called with e.mu held.
func (e *Engine) teardownLocked() error {
	var errs []error
	if err := e.capture.Stop(); err != nil {
		errs = append(errs, err)
	}
	if c := e.live.Swap(nil); c != nil {
		c.closing.Store(true)
		c.cancel()
		if err := c.handle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("s2s: close transport: %w", err))
		}
		<-c.done
	}
	if err := e.player.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// failLocked moves to Error and reports err. Must be called with e.mu held
// after teardown.
func (e *Engine) failLocked(err error) {
	slog.Error("s2s: session failed", "provider", e.providerName, "err", err)
	if terr := e.machine.Transition(engine.Error); terr != nil {
		slog.Warn("s2s: error transition rejected", "err", terr)
	}
	e.notify(engine.Notification{Kind: engine.NotifyError, Err: err})
}

// failAsync ends cycle c with an error on a new goroutine. Only the first
// failure per cycle is handled.
func (e *Engine) failAsync(c *cycle, err error) {
	if c.closing.Load() || !c.failing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		if cont := e.continuity.Swap(nil); cont != nil {
			cont.Stop()
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.live.Load() != c {
			return
		}
		e.teardownLocked()
		e.failLocked(err)
	}()
}

// closedAsync ends cycle c after a provider-initiated close.
func (e *Engine) closedAsync(c *cycle, reason string) {
	if c.closing.Load() || !c.failing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		if cont := e.continuity.Swap(nil); cont != nil {
			cont.Stop()
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.live.Load() != c {
			return
		}
		e.teardownLocked()
		slog.Info("s2s: provider closed session", "provider", e.providerName, "reason", reason)
		if err := e.machine.Transition(engine.Disconnected); err != nil {
			slog.Warn("s2s: disconnect transition rejected", "err", err)
		}
	}()
}

// renew is the continuity renewer: full teardown, then reconnect presenting
// handle. The running config is reused.
func (e *Engine) renew(ctx context.Context, handle string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.machine.State().Live() {
		return errors.New("s2s: renew: session not live")
	}

	ctx, span := observe.StartSpan(ctx, "s2s.renew",
		trace.WithAttributes(attribute.String("provider", e.providerName)))
	defer span.End()

	e.teardownLocked()
	if err := e.machine.Transition(engine.Connecting); err != nil {
		return err
	}
	cfg := e.running
	cfg.ResumptionHandle = handle
	if err := e.openLocked(ctx, cfg); err != nil {
		span.SetStatus(codes.Error, err.Error())
		e.teardownLocked()
		return err
	}
	return nil
}

// onRenewalFailure escalates a failed renewal to Error. The continuity
// manager has already discarded the handle.
func (e *Engine) onRenewalFailure(err error) {
	e.metrics.RecordRenewal(context.Background(), err)
	if cont := e.continuity.Swap(nil); cont != nil {
		cont.Stop()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownLocked()
	e.failLocked(err)
}

// ── Data path ────────────────────────────────────────────────────────────────

// sendAudio queues a captured frame for the transport. It runs on the
// capture thread and never blocks: frames are dropped while the queue is full.
func (e *Engine) sendAudio(c *cycle, pcm []byte) {
	if e.live.Load() != c {
		return
	}
	select {
	case c.out <- pcm:
	default:
		if c.dropped.Add(1) == 1 {
			slog.Warn("s2s: transport backed up, dropping captured audio", "provider", e.providerName)
		}
	}
}

// sendLoop writes queued frames to the transport until the cycle ends.
func (e *Engine) sendLoop(c *cycle) {
	for {
		select {
		case <-c.ctx.Done():
			if n := c.dropped.Load(); n > 0 {
				slog.Debug("s2s: captured frames dropped", "provider", e.providerName, "count", n)
			}
			return
		case pcm := <-c.out:
			if err := c.handle.SendAudio(pcm); err != nil {
				if !errors.Is(err, providers2s.ErrSessionClosed) {
					e.failAsync(c, fmt.Errorf("s2s: send audio: %w", err))
				}
				return
			}
		}
	}
}

// callbackLoop runs host callbacks queued by the event loop, in order. Hosts
// may call back into the engine, including Disconnect.
func (e *Engine) callbackLoop(c *cycle) {
	for fn := range c.callbacks {
		fn()
	}
}

// dispatch queues fn for [Engine.callbackLoop]. Called from the event loop.
func (e *Engine) dispatch(c *cycle, fn func()) {
	select {
	case c.callbacks <- fn:
	case <-c.ctx.Done():
	}
}

// eventLoop consumes the transport's events until the stream closes.
func (e *Engine) eventLoop(c *cycle) {
	defer close(c.done)
	defer close(c.callbacks)

	terminal := false
	for ev := range c.handle.Events() {
		switch ev.Kind {
		case providers2s.EventClosed:
			terminal = true
			e.closedAsync(c, ev.Reason)
		case providers2s.EventError:
			if ev.Fatal {
				terminal = true
				e.metrics.RecordProviderError(c.ctx, e.providerName, "fatal")
				e.failAsync(c, fmt.Errorf("s2s: transport: %w", ev.Err))
				continue
			}
			e.metrics.RecordProviderError(c.ctx, e.providerName, "provider")
			slog.Warn("s2s: provider error", "provider", e.providerName, "err", ev.Err)
		default:
			e.handleEvent(c, ev)
		}
	}

	if !terminal && !c.closing.Load() {
		e.closedAsync(c, "stream ended")
	}
}

// handleEvent routes one non-terminal event.
func (e *Engine) handleEvent(c *cycle, ev providers2s.Event) {
	switch ev.Kind {
	case providers2s.EventTranscriptDelta:
		e.aggregator.Append(ev.Role, ev.Text)
		if ev.Role == providers2s.RoleModel {
			_, _ = e.machine.TransitionIf(func(cur engine.State) (engine.State, bool) {
				return engine.Thinking, (cur == engine.Listening || cur == engine.Connected) && e.player.InFlight() == 0
			})
		}

	case providers2s.EventAudioDelta:
		rate := ev.SampleRate
		if rate <= 0 {
			rate = audio.PlaybackSampleRate
		}
		if _, err := e.player.Schedule(ev.Audio, rate); err != nil {
			var fe *audio.FormatError
			if errors.As(err, &fe) {
				e.metrics.RecordProviderError(c.ctx, e.providerName, "malformed")
			}
			slog.Warn("s2s: dropping audio delta", "err", err)
			return
		}
		_, _ = e.machine.TransitionIf(func(cur engine.State) (engine.State, bool) {
			live := cur == engine.Listening || cur == engine.Connected || cur == engine.Thinking
			return engine.Speaking, live && e.player.InFlight() > 0
		})

	case providers2s.EventToolCall:
		call := ev.ToolCall
		go func() {
			if err := e.router.Handle(c.ctx, c.handle, call); err != nil && !errors.Is(err, providers2s.ErrSessionClosed) {
				slog.Warn("s2s: tool acknowledgment failed", "tool", call.Name, "err", err)
			}
		}()

	case providers2s.EventTurnComplete:
		if turn, ok := e.aggregator.Complete(); ok {
			e.metrics.Turns.Add(c.ctx, 1)
			e.notify(engine.Notification{Kind: engine.NotifyTurn, Turn: turn})
			if cb := e.callbacks.OnTurnComplete; cb != nil {
				e.dispatch(c, func() { cb(turn) })
			}
		}
		e.settleIfIdle(engine.Thinking)

	case providers2s.EventInterrupted:
		if n := e.player.Interrupt(); n > 0 {
			e.metrics.Interrupts.Add(c.ctx, 1)
		}
		e.settleIfIdle(engine.Thinking)

	case providers2s.EventResumptionUpdate:
		if cont := e.continuity.Load(); cont != nil && ev.Resumable {
			cont.UpdateHandle(ev.Handle)
		}

	case providers2s.EventExpiryWarning:
		if cont := e.continuity.Load(); cont != nil {
			cont.HandleExpiryWarning(ev.TimeLeft)
		}
	}
}

// onPlaybackIdle runs when the last segment finishes.
func (e *Engine) onPlaybackIdle() {
	e.settleIfIdle(engine.Speaking)
}

// settleIfIdle moves from state from to Listening or Connected, depending on
// the microphone, when nothing is playing.
func (e *Engine) settleIfIdle(from engine.State) {
	_, _ = e.machine.TransitionIf(func(cur engine.State) (engine.State, bool) {
		if cur != from || e.player.InFlight() > 0 {
			return cur, false
		}
		if e.capture.Active() {
			return engine.Listening, true
		}
		return engine.Connected, true
	})
}

// ── Notifications ────────────────────────────────────────────────────────────

func (e *Engine) onStateChange(from, to engine.State) {
	e.metrics.RecordStateTransition(context.Background(), from.String(), to.String(), from.Live(), to.Live())
	slog.Debug("s2s: state", "from", from, "to", to)
	e.notify(engine.Notification{Kind: engine.NotifyState, From: from, To: to})
}

// notify delivers n without blocking. Updates are dropped when the host
// falls behind.
func (e *Engine) notify(n engine.Notification) {
	select {
	case e.notifications <- n:
	default:
		slog.Debug("s2s: notification dropped", "kind", n.Kind)
	}
}
