// Package pcmstream provides an [audio.SampleReader] over a raw PCM16
// little-endian byte stream, such as a pipe on stdin:
//
//	arecord -f S16_LE -r 48000 -c 2 | questvoice -mic stdin
//
// It exercises the polling capture path for hosts without a native capture
// callback.
package pcmstream

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/MrWong99/questvoice/pkg/audio"
)

// ErrBusy is returned by OpenCapture while a previous capture is still open.
var ErrBusy = errors.New("pcmstream: already capturing")

// chunkSize is how many bytes the pump reads from the stream at a time.
const chunkSize = 4096

// Reader adapts an io.Reader of mono or interleaved stereo PCM16 LE into an
// [audio.SampleReader] producing mono at [audio.CaptureSampleRate].
//
// A single pump goroutine, started by the first OpenCapture, owns the
// underlying reader for the Reader's lifetime. Bytes a closed capture had not
// consumed are handed to the next one.
type Reader struct {
	r        io.Reader
	rate     int
	channels int

	pumpOnce sync.Once
	chunks   chan chunk

	mu      sync.Mutex
	open    bool
	pending []byte // received, not yet consumed
	err     error  // terminal stream error, sticky
}

type chunk struct {
	data []byte
	err  error
}

var _ audio.SampleReader = (*Reader)(nil)

// Option configures a [Reader].
type Option func(*Reader)

// WithStereo declares the stream as interleaved stereo. Frames are averaged
// to mono.
func WithStereo() Option {
	return func(p *Reader) { p.channels = 2 }
}

// New wraps r. rate is the sample rate of the incoming stream; samples are
// resampled to [audio.CaptureSampleRate] when it differs.
func New(r io.Reader, rate int, opts ...Option) *Reader {
	if rate <= 0 {
		rate = audio.CaptureSampleRate
	}
	p := &Reader{r: r, rate: rate, channels: 1, chunks: make(chan chunk)}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Format implements [audio.InputDevice].
func (p *Reader) Format() audio.Format {
	return audio.Format{SampleRate: audio.CaptureSampleRate, Channels: 1}
}

// OpenCapture implements [audio.SampleReader]. The underlying reader is shared
// across captures; closing a capture never closes it.
func (p *Reader) OpenCapture() (audio.SampleSource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open {
		return nil, ErrBusy
	}
	p.open = true
	p.pumpOnce.Do(func() { go p.pump() })
	return &source{parent: p, closed: make(chan struct{})}, nil
}

// pump reads the stream until it fails. Each chunk is handed to whichever
// capture is reading; the pump waits while none is.
func (p *Reader) pump() {
	for {
		buf := make([]byte, chunkSize)
		n, err := p.r.Read(buf)
		if n > 0 {
			p.chunks <- chunk{data: buf[:n]}
		}
		if err != nil {
			p.chunks <- chunk{err: err}
			return
		}
	}
}

// take removes up to want bytes, whole frames only, from the pending buffer.
// ok is false when more data is needed and the stream has not ended.
func (p *Reader) take(want, frameSize int) (pcm []byte, ok bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) < want && p.err == nil {
		return nil, false, nil
	}
	n := min(want, len(p.pending))
	n -= n % frameSize
	if n == 0 {
		p.pending = nil
		return nil, true, fmt.Errorf("pcmstream: read: %w", p.err)
	}
	pcm = p.pending[:n:n]
	p.pending = p.pending[n:]
	return pcm, true, nil
}

func (p *Reader) receive(c chunk) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, c.data...)
	if c.err != nil && p.err == nil {
		p.err = c.err
	}
}

type source struct {
	parent *Reader

	closeOnce sync.Once
	closed    chan struct{}
}

// ReadSamples blocks until enough source frames for len(p) output samples
// have arrived, the stream ends or the capture is closed.
func (s *source) ReadSamples(p []float32) (int, error) {
	parent := s.parent
	frameSize := 2 * parent.channels
	want := max(len(p)*parent.rate/audio.CaptureSampleRate, 1) * frameSize

	for {
		select {
		case <-s.closed:
			return 0, io.EOF
		default:
		}
		pcm, ok, err := parent.take(want, frameSize)
		if err != nil {
			return 0, err
		}
		if ok {
			return parent.decode(p, pcm)
		}
		select {
		case c := <-parent.chunks:
			parent.receive(c)
		case <-s.closed:
			return 0, io.EOF
		}
	}
}

// decode converts whole source frames to mono capture-rate samples in p.
func (p *Reader) decode(dst []float32, pcm []byte) (int, error) {
	if p.channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	samples, err := audio.PCM16ToFloat(audio.ResampleMono16(pcm, p.rate, audio.CaptureSampleRate))
	if err != nil {
		return 0, fmt.Errorf("pcmstream: %w", err)
	}
	return copy(dst, samples), nil
}

// Close releases the capture and unblocks a pending ReadSamples.
func (s *source) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.parent.mu.Lock()
		s.parent.open = false
		s.parent.mu.Unlock()
	})
	return nil
}
