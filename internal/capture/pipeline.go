// Package capture acquires a microphone and forwards encoded PCM16 frames to
// a sink while the microphone-active flag is set.
//
// Two device shapes are supported. Devices implementing [audio.FrameStreamer]
// deliver frames from their own audio thread (preferred). Devices implementing
// only [audio.SampleReader] are polled on a goroutine in fixed blocks.
//
// Muting never touches the device: the frame callback simply stops
// forwarding, so unmuting is instantaneous.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/questvoice/pkg/audio"
)

// ErrAcquisition is wrapped by every error returned from [Pipeline.Start]
// when the microphone cannot be acquired.
var ErrAcquisition = errors.New("capture: microphone acquisition failed")

// DefaultPollBlockSize is the number of samples read per poll on the
// fallback path.
const DefaultPollBlockSize = 4096

// Sink receives encoded little-endian PCM16 frames. It is called from the
// device's audio thread (push path) or the polling goroutine and must not
// block.
type Sink func(pcm []byte)

// Option is a functional option for [New].
type Option func(*Pipeline)

// WithPollBlockSize overrides the fallback block size.
func WithPollBlockSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.blockSize = n
		}
	}
}

// WithFrameObserver registers a callback invoked for every captured frame
// with whether it was forwarded. Used for metrics.
func WithFrameObserver(fn func(forwarded bool)) Option {
	return func(p *Pipeline) { p.observe = fn }
}

// Pipeline owns one microphone acquisition.
//
// All methods are safe for concurrent use.
type Pipeline struct {
	src       audio.InputDevice
	blockSize int
	observe   func(forwarded bool)

	active atomic.Bool

	mu       sync.Mutex
	attached bool
	release  io.Closer     // push path
	pollStop chan struct{} // poll path
	pollDone chan struct{} // closed when the poll goroutine returns
}

// New returns a pipeline for src. Nothing is acquired until Start.
func New(src audio.InputDevice, opts ...Option) *Pipeline {
	p := &Pipeline{
		src:       src,
		blockSize: DefaultPollBlockSize,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start acquires the microphone and begins delivering frames to sink. Calling
// Start on an attached pipeline is a no-op. The microphone-active flag is not
// changed; see [Pipeline.SetActive].
func (p *Pipeline) Start(ctx context.Context, sink Sink) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attached {
		return nil
	}

	switch src := p.src.(type) {
	case audio.FrameStreamer:
		release, err := src.StartCapture(func(f audio.Frame) {
			p.deliver(f.Samples, sink)
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAcquisition, err)
		}
		p.release = release
		slog.Debug("capture: attached worker path")

	case audio.SampleReader:
		source, err := src.OpenCapture()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAcquisition, err)
		}
		p.release = source
		p.pollStop = make(chan struct{})
		p.pollDone = make(chan struct{})
		go p.poll(ctx, source, sink, p.pollStop, p.pollDone)
		slog.Debug("capture: attached polling path", "block_size", p.blockSize)

	default:
		return fmt.Errorf("%w: device %T supports neither push nor polling capture", ErrAcquisition, p.src)
	}

	p.attached = true
	return nil
}

// poll reads fixed blocks until stopped, ctx ends or the source is exhausted.
func (p *Pipeline) poll(ctx context.Context, src audio.SampleSource, sink Sink, stop, done chan struct{}) {
	defer close(done)
	block := make([]float32, p.blockSize)
	for {
		n, err := src.ReadSamples(block)
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}
		if n > 0 {
			p.deliver(block[:n], sink)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("capture: poll read failed", "err", err)
			}
			return
		}
	}
}

// deliver encodes and forwards samples if the microphone is active.
func (p *Pipeline) deliver(samples []float32, sink Sink) {
	forwarded := p.active.Load() && len(samples) > 0
	if forwarded {
		sink(audio.FloatToPCM16(samples))
	}
	if p.observe != nil {
		p.observe(forwarded)
	}
}

// SetActive sets the microphone-active flag.
func (p *Pipeline) SetActive(active bool) { p.active.Store(active) }

// Active reports the microphone-active flag.
func (p *Pipeline) Active() bool { return p.active.Load() }

// Attached reports whether the microphone is currently acquired.
func (p *Pipeline) Attached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attached
}

// Stop releases the microphone. The active flag is cleared. On the polling
// path Stop returns once the poll goroutine has exited, so a following Start
// never shares the device with it. Stopping a detached pipeline is a no-op.
func (p *Pipeline) Stop() error {
	p.active.Store(false)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.attached {
		return nil
	}
	p.attached = false

	if p.pollStop != nil {
		close(p.pollStop)
		p.pollStop = nil
	}
	var err error
	if p.release != nil {
		if cerr := p.release.Close(); cerr != nil {
			err = fmt.Errorf("capture: release microphone: %w", cerr)
		}
		p.release = nil
	}
	if p.pollDone != nil {
		<-p.pollDone
		p.pollDone = nil
	}
	return err
}
