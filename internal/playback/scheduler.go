// Package playback schedules decoded model audio on an output device clock so
// that consecutive segments play back-to-back without gaps or overlaps.
//
// Each segment starts at max(clock now, end of the previous segment). When the
// last in-flight segment finishes, the idle callback fires. [Scheduler.Interrupt]
// hard-stops everything for barge-in and rewinds the schedule so the next
// segment starts immediately.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/questvoice/pkg/audio"
)

// ErrClosed is returned by [Scheduler.Schedule] when the output is not open.
var ErrClosed = errors.New("playback: scheduler closed")

// Segment describes one scheduled buffer on the output clock.
type Segment struct {
	ID    uint64
	Start time.Duration
	End   time.Duration
}

// Option is a functional option for [New].
type Option func(*Scheduler)

// WithIdleHandler registers fn to be called whenever the in-flight set
// becomes empty. fn runs without the scheduler's lock held and may be called
// from the device's audio goroutine.
func WithIdleHandler(fn func()) Option {
	return func(s *Scheduler) { s.onIdle = fn }
}

// WithSegmentObserver registers fn to be called for every scheduled segment.
func WithSegmentObserver(fn func(Segment)) Option {
	return func(s *Scheduler) { s.onSegment = fn }
}

// Scheduler owns the playback timeline for one output device.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	out       audio.OutputDevice
	onIdle    func()
	onSegment func(Segment)

	mu        sync.Mutex
	open      bool
	nextID    uint64
	nextStart time.Duration
	inFlight  map[uint64]audio.Voice
}

// New returns a scheduler for out. Call [Scheduler.Start] before scheduling.
func New(out audio.OutputDevice, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:      out,
		inFlight: make(map[uint64]audio.Voice),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start opens the output device. Starting an open scheduler is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return nil
	}
	if err := s.out.Start(); err != nil {
		return fmt.Errorf("playback: start output: %w", err)
	}
	s.open = true
	s.nextStart = 0
	return nil
}

// Schedule decodes a base64 PCM16 mono payload at sampleRate and queues it
// after everything already scheduled.
func (s *Scheduler) Schedule(payload string, sampleRate int) (Segment, error) {
	pcm, err := audio.DecodeBase64(payload)
	if err != nil {
		return Segment{}, fmt.Errorf("playback: schedule: %w", err)
	}
	buf, err := audio.DecodeBuffer(pcm, sampleRate, 1)
	if err != nil {
		return Segment{}, fmt.Errorf("playback: schedule: %w", err)
	}
	if buf.Frames() == 0 {
		return Segment{}, nil
	}

	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return Segment{}, ErrClosed
	}
	start := max(s.out.Now(), s.nextStart)
	s.nextID++
	seg := Segment{ID: s.nextID, Start: start, End: start + buf.Duration()}

	// Reserve the slot before Play so a synchronous onEnded finds it.
	s.inFlight[seg.ID] = nil
	s.nextStart = seg.End
	s.mu.Unlock()

	voice, err := s.out.Play(buf, seg.Start, func() { s.ended(seg.ID) })
	if err != nil {
		s.mu.Lock()
		delete(s.inFlight, seg.ID)
		if s.nextStart == seg.End {
			s.nextStart = seg.Start
		}
		s.mu.Unlock()
		return Segment{}, fmt.Errorf("playback: play segment: %w", err)
	}

	s.mu.Lock()
	if _, ok := s.inFlight[seg.ID]; ok {
		s.inFlight[seg.ID] = voice
	}
	s.mu.Unlock()

	if s.onSegment != nil {
		s.onSegment(seg)
	}
	return seg, nil
}

// ended removes a finished segment and fires the idle handler if it was the
// last one.
func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	if _, ok := s.inFlight[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.inFlight, id)
	idle := len(s.inFlight) == 0 && s.open
	s.mu.Unlock()

	if idle && s.onIdle != nil {
		s.onIdle()
	}
}

// Interrupt stops every pending and playing segment immediately and resets the
// schedule so the next segment starts at the current clock time. It returns
// the number of segments stopped.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	voices := make([]audio.Voice, 0, len(s.inFlight))
	for _, v := range s.inFlight {
		if v != nil {
			voices = append(voices, v)
		}
	}
	s.nextStart = 0
	s.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
	if len(voices) > 0 {
		slog.Debug("playback: interrupted", "segments", len(voices))
	}
	return len(voices)
}

// InFlight returns the number of segments scheduled but not yet finished.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// Close cancels all pending playback without firing the idle handler and
// stops the output device. Closing a closed scheduler is a no-op.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil
	}
	s.open = false
	s.nextStart = 0
	clear(s.inFlight)
	s.mu.Unlock()

	if err := s.out.Stop(); err != nil {
		return fmt.Errorf("playback: stop output: %w", err)
	}
	return nil
}
