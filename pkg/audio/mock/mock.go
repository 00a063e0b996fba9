// Package mock provides in-memory implementations of the [audio] device
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.Microphone{}
//	spk := mock.NewSpeaker()
//	eng := s2s.New(provider, s2s.Devices{Input: mic, Output: spk}, cfg)
//	...
//	mic.Push([]float32{0.1, 0.2}) // deliver a frame from the "audio thread"
//	spk.Advance(time.Second)      // move the output clock
//	spk.Finish(0)                 // end the first scheduled voice
package mock

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/questvoice/pkg/audio"
)

// ─── Microphone (push path) ──────────────────────────────────────────────────

// Microphone is a mock [audio.FrameStreamer]. Frames are delivered with
// [Microphone.Push] as if they arrived from the device's audio thread.
type Microphone struct {
	mu sync.Mutex

	// StartErr is returned by StartCapture when non-nil.
	StartErr error

	// CallCountStart records how many times StartCapture was called.
	CallCountStart int

	// CallCountRelease records how many times the capture handle was closed.
	CallCountRelease int

	onFrame  func(audio.Frame)
	attached bool
	elapsed  time.Duration
}

var _ audio.FrameStreamer = (*Microphone)(nil)

// Format implements [audio.InputDevice].
func (m *Microphone) Format() audio.Format {
	return audio.Format{SampleRate: audio.CaptureSampleRate, Channels: 1}
}

// StartCapture implements [audio.FrameStreamer].
func (m *Microphone) StartCapture(onFrame func(audio.Frame)) (io.Closer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountStart++
	if m.StartErr != nil {
		return nil, m.StartErr
	}
	m.onFrame = onFrame
	m.attached = true
	return closerFunc(func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.CallCountRelease++
		m.attached = false
		m.onFrame = nil
		return nil
	}), nil
}

// Push delivers samples to the registered frame callback. It reports false if
// the microphone is not currently acquired.
func (m *Microphone) Push(samples []float32) bool {
	m.mu.Lock()
	fn := m.onFrame
	ts := m.elapsed
	m.elapsed += time.Duration(len(samples)) * time.Second / audio.CaptureSampleRate
	m.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(audio.Frame{Samples: samples, SampleRate: audio.CaptureSampleRate, Timestamp: ts})
	return true
}

// Attached reports whether the microphone is currently acquired.
func (m *Microphone) Attached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attached
}

// ─── PollingMicrophone (fallback path) ───────────────────────────────────────

// PollingMicrophone is a mock [audio.SampleReader]. Blocks are fed with
// [PollingMicrophone.Feed] and consumed by ReadSamples.
type PollingMicrophone struct {
	// OpenErr is returned by OpenCapture when non-nil.
	OpenErr error

	mu        sync.Mutex
	blocks    chan []float32
	openCount int
}

var _ audio.SampleReader = (*PollingMicrophone)(nil)

// NewPollingMicrophone returns a polling microphone with room for buffered
// blocks.
func NewPollingMicrophone(buffered int) *PollingMicrophone {
	return &PollingMicrophone{blocks: make(chan []float32, buffered)}
}

// Format implements [audio.InputDevice].
func (p *PollingMicrophone) Format() audio.Format {
	return audio.Format{SampleRate: audio.CaptureSampleRate, Channels: 1}
}

// OpenCapture implements [audio.SampleReader].
func (p *PollingMicrophone) OpenCapture() (audio.SampleSource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	p.openCount++
	return &pollingSource{blocks: p.blocks, done: make(chan struct{})}, nil
}

// OpenCount returns how many times the microphone was acquired.
func (p *PollingMicrophone) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openCount
}

// Feed queues a block for the next ReadSamples call.
func (p *PollingMicrophone) Feed(samples []float32) {
	p.blocks <- samples
}

type pollingSource struct {
	blocks    <-chan []float32
	done      chan struct{}
	closeOnce sync.Once
}

func (s *pollingSource) ReadSamples(dst []float32) (int, error) {
	select {
	case <-s.done:
		return 0, io.EOF
	case b := <-s.blocks:
		return copy(dst, b), nil
	}
}

func (s *pollingSource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// ─── Speaker ─────────────────────────────────────────────────────────────────

// Played records one call to [Speaker.Play].
type Played struct {
	Buffer *audio.Buffer
	At     time.Duration

	// Stopped is true if the voice was cut off rather than finishing.
	Stopped bool

	// Ended is true once onEnded has fired.
	Ended bool
}

// Speaker is a mock [audio.OutputDevice] with a manually advanced clock.
// Voices never end on their own; tests end them with [Speaker.Finish].
type Speaker struct {
	mu sync.Mutex

	// PlayErr is returned by Play when non-nil.
	PlayErr error

	// StartErr is returned by Start when non-nil.
	StartErr error

	// CallCountStart and CallCountStop record lifecycle calls.
	CallCountStart int
	CallCountStop  int

	now     time.Duration
	started bool
	played  []Played
	ended   []func()
}

var _ audio.OutputDevice = (*Speaker)(nil)

// NewSpeaker returns a speaker whose clock starts at zero.
func NewSpeaker() *Speaker {
	return &Speaker{}
}

// Format implements [audio.OutputDevice].
func (s *Speaker) Format() audio.Format {
	return audio.Format{SampleRate: audio.PlaybackSampleRate, Channels: 1}
}

// Now implements [audio.Clock].
func (s *Speaker) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the clock forward by d.
func (s *Speaker) Advance(d time.Duration) {
	s.mu.Lock()
	s.now += d
	s.mu.Unlock()
}

// Start implements [audio.OutputDevice].
func (s *Speaker) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartErr != nil {
		return s.StartErr
	}
	s.started = true
	return nil
}

// Started reports whether the output context is open.
func (s *Speaker) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Play implements [audio.OutputDevice].
func (s *Speaker) Play(buf *audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PlayErr != nil {
		return nil, s.PlayErr
	}
	if !s.started {
		return nil, errors.New("mock: speaker not started")
	}
	s.played = append(s.played, Played{Buffer: buf, At: at})
	s.ended = append(s.ended, onEnded)
	return &voice{spk: s, idx: len(s.played) - 1}, nil
}

// Stop implements [audio.OutputDevice]. Every pending voice is stopped.
func (s *Speaker) Stop() error {
	s.mu.Lock()
	s.CallCountStop++
	s.started = false
	var fire []func()
	for i := range s.played {
		if fn := s.endLocked(i, true); fn != nil {
			fire = append(fire, fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range fire {
		fn()
	}
	return nil
}

// Played returns a copy of every Play call so far.
func (s *Speaker) Played() []Played {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Played, len(s.played))
	copy(out, s.played)
	return out
}

// Finish ends voice i naturally, firing its onEnded callback. It reports false
// if the voice had already ended.
func (s *Speaker) Finish(i int) bool {
	s.mu.Lock()
	fn := s.endLocked(i, false)
	s.mu.Unlock()
	if fn == nil {
		return false
	}
	fn()
	return true
}

// endLocked marks voice i ended and returns its callback, or nil if the voice
// had already ended. Caller must hold s.mu.
func (s *Speaker) endLocked(i int, stopped bool) func() {
	if i < 0 || i >= len(s.played) || s.played[i].Ended {
		return nil
	}
	s.played[i].Ended = true
	s.played[i].Stopped = stopped
	fn := s.ended[i]
	s.ended[i] = nil
	if fn == nil {
		return func() {}
	}
	return fn
}

type voice struct {
	spk *Speaker
	idx int
}

func (v *voice) Stop() {
	v.spk.mu.Lock()
	fn := v.spk.endLocked(v.idx, true)
	v.spk.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
