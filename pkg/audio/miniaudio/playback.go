package miniaudio

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/questvoice/pkg/audio"
)

// Speaker plays scheduled buffers through a miniaudio playback device. It
// implements [audio.OutputDevice]; its clock is the number of frames the
// device has pulled, so scheduling is sample-accurate.
type Speaker struct {
	ctx  *Context
	conv audio.FormatConverter
	tl   *timeline

	mu     sync.Mutex
	device *malgo.Device
}

var _ audio.OutputDevice = (*Speaker)(nil)

// SpeakerOption is a functional option for [NewSpeaker].
type SpeakerOption func(*Speaker)

// WithFormat overrides the device output format. Defaults to mono at
// [audio.PlaybackSampleRate].
func WithFormat(f audio.Format) SpeakerOption {
	return func(s *Speaker) {
		if f.SampleRate > 0 && f.Channels > 0 {
			s.conv.Target = f
		}
	}
}

// NewSpeaker returns a speaker backed by ctx. No device is opened until Start.
func NewSpeaker(ctx *Context, opts ...SpeakerOption) *Speaker {
	s := &Speaker{
		ctx:  ctx,
		conv: audio.FormatConverter{Target: audio.Format{SampleRate: audio.PlaybackSampleRate, Channels: 1}},
	}
	for _, o := range opts {
		o(s)
	}
	s.tl = newTimeline(s.conv.Target.SampleRate, s.conv.Target.Channels)
	return s
}

// Format implements [audio.OutputDevice].
func (s *Speaker) Format() audio.Format { return s.conv.Target }

// Now implements [audio.Clock].
func (s *Speaker) Now() time.Duration { return s.tl.now() }

// Start implements [audio.OutputDevice].
func (s *Speaker) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		return nil
	}

	native, err := s.ctx.native()
	if err != nil {
		return err
	}

	format := s.conv.Target
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = uint32(format.Channels)
	cfg.Alsa.NoMMap = 1

	sampleSize := malgo.SampleSizeInBytes(malgo.FormatF32)
	var mixBuf []float32
	device, err := malgo.InitDevice(native, cfg, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frameCount uint32) {
			n := int(frameCount) * format.Channels
			if len(out) < n*sampleSize {
				return
			}
			if cap(mixBuf) < n {
				mixBuf = make([]float32, n)
			}
			mixBuf = mixBuf[:n]
			ended := s.tl.render(mixBuf, int(frameCount))
			for i, v := range mixBuf {
				binary.LittleEndian.PutUint32(out[i*sampleSize:], math.Float32bits(v))
			}
			if len(ended) > 0 {
				// Never run callbacks on the audio thread.
				go fireAll(ended)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("miniaudio: init playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("miniaudio: start playback device: %w", err)
	}
	s.device = device
	return nil
}

// Play implements [audio.OutputDevice].
func (s *Speaker) Play(buf *audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	s.mu.Lock()
	started := s.device != nil
	s.mu.Unlock()
	if !started {
		return nil, fmt.Errorf("miniaudio: play: device not started")
	}
	return s.tl.add(s.conv.Convert(buf), at, onEnded), nil
}

// Stop implements [audio.OutputDevice].
func (s *Speaker) Stop() error {
	s.mu.Lock()
	device := s.device
	s.device = nil
	s.mu.Unlock()

	var err error
	if device != nil {
		if device.IsStarted() {
			if stopErr := device.Stop(); stopErr != nil {
				err = fmt.Errorf("miniaudio: stop playback device: %w", stopErr)
			}
		}
		device.Uninit()
	}
	fireAll(s.tl.reset())
	return err
}

func fireAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
