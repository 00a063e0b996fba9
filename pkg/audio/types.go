package audio

import "time"

// Default sample rates negotiated with the speech providers.
const (
	// CaptureSampleRate is the microphone rate sent upstream (16 kHz mono).
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate most providers synthesise at.
	PlaybackSampleRate = 24000
)

// Frame is a fixed-length block of mono floating-point samples captured from
// the microphone. Frames are handed to the transport immediately and must not
// be retained by the receiver; the backing array may be reused by the device.
type Frame struct {
	// Samples in the range [-1, 1].
	Samples []float32

	// SampleRate in Hz. Always [CaptureSampleRate] for the capture pipeline.
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// WireChunk is a base64-encoded PCM16 payload tagged with a MIME-style format
// descriptor. It only exists between encoding and sending.
type WireChunk struct {
	// Data is base64-encoded little-endian int16 PCM.
	Data string

	// MIMEType identifies the encoding, e.g. "audio/pcm;rate=16000".
	MIMEType string
}

// Buffer is decoded, playable audio. Samples are stored per channel so that
// multi-channel payloads are already de-interleaved.
type Buffer struct {
	// Channels holds one sample slice per channel; all slices have equal length.
	Channels [][]float32

	// SampleRate in Hz.
	SampleRate int
}

// Frames returns the number of sample frames (samples per channel).
func (b *Buffer) Frames() int {
	if b == nil || len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// Mono returns the first channel, or nil for an empty buffer.
func (b *Buffer) Mono() []float32 {
	if b == nil || len(b.Channels) == 0 {
		return nil
	}
	return b.Channels[0]
}
