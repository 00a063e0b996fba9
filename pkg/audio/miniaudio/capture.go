package miniaudio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/questvoice/pkg/audio"
)

// ErrBusy is returned when the microphone is already acquired.
var ErrBusy = errors.New("miniaudio: microphone already acquired")

// Microphone captures mono float samples at [audio.CaptureSampleRate]. It
// implements [audio.FrameStreamer]; frames are delivered from miniaudio's
// audio thread.
type Microphone struct {
	ctx *Context

	mu     sync.Mutex
	device *malgo.Device
}

var _ audio.FrameStreamer = (*Microphone)(nil)

// NewMicrophone returns a microphone backed by ctx. No device is opened until
// StartCapture.
func NewMicrophone(ctx *Context) *Microphone {
	return &Microphone{ctx: ctx}
}

// Format implements [audio.InputDevice].
func (m *Microphone) Format() audio.Format {
	return audio.Format{SampleRate: audio.CaptureSampleRate, Channels: 1}
}

// StartCapture implements [audio.FrameStreamer].
func (m *Microphone) StartCapture(onFrame func(audio.Frame)) (io.Closer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		return nil, ErrBusy
	}

	native, err := m.ctx.native()
	if err != nil {
		return nil, err
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.SampleRate = audio.CaptureSampleRate
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.Alsa.NoMMap = 1
	cfg.PerformanceProfile = malgo.LowLatency

	bytesPerFrame := malgo.SampleSizeInBytes(malgo.FormatF32)
	var (
		scratch []float32
		played  int64
	)
	device, err := malgo.InitDevice(native, cfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, frameCount uint32) {
			n := int(frameCount)
			if n == 0 || len(in) < n*bytesPerFrame {
				return
			}
			if cap(scratch) < n {
				scratch = make([]float32, n)
			}
			scratch = scratch[:n]
			for i := range scratch {
				scratch[i] = math.Float32frombits(binary.LittleEndian.Uint32(in[i*bytesPerFrame:]))
			}
			onFrame(audio.Frame{
				Samples:    scratch,
				SampleRate: audio.CaptureSampleRate,
				Timestamp:  time.Duration(played) * time.Second / audio.CaptureSampleRate,
			})
			played += int64(n)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("miniaudio: start capture device: %w", err)
	}
	m.device = device

	var once sync.Once
	return closer(func() error {
		var stopErr error
		once.Do(func() { stopErr = m.release(device) })
		return stopErr
	}), nil
}

func (m *Microphone) release(device *malgo.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if device.IsStarted() {
		if stopErr := device.Stop(); stopErr != nil {
			err = fmt.Errorf("miniaudio: stop capture device: %w", stopErr)
		}
	}
	device.Uninit()
	if m.device == device {
		m.device = nil
	}
	return err
}

type closer func() error

func (f closer) Close() error { return f() }
