package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// bytesPerSample is the width of one PCM16 sample.
const bytesPerSample = 2

// FormatError reports PCM input whose length does not divide evenly into
// whole sample frames.
type FormatError struct {
	// Length is the offending byte length.
	Length int

	// Channels is the channel count the payload was decoded with.
	Channels int
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("audio: %d bytes is not a multiple of %d-channel PCM16 frames", e.Length, e.Channels)
}

// FloatToPCM16 converts float samples to little-endian int16 PCM. Samples are
// clamped to [-1, 1]; negative values scale by 32768 and positive values by
// 32767 so that both extremes map onto the full int16 range.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	switch {
	case math.IsNaN(float64(s)):
		return 0
	case s <= -1:
		return -32768
	case s >= 1:
		return 32767
	case s < 0:
		return int16(math.Round(float64(s) * 32768))
	default:
		return int16(math.Round(float64(s) * 32767))
	}
}

// PCM16ToFloat converts little-endian int16 PCM back into float samples using
// the same asymmetric scaling as [FloatToPCM16].
func PCM16ToFloat(pcm []byte) ([]float32, error) {
	if len(pcm)%bytesPerSample != 0 {
		return nil, &FormatError{Length: len(pcm), Channels: 1}
	}
	out := make([]float32, len(pcm)/bytesPerSample)
	for i := range out {
		out[i] = int16ToFloat(int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:])))
	}
	return out, nil
}

func int16ToFloat(v int16) float32 {
	if v < 0 {
		return float32(v) / 32768
	}
	return float32(v) / 32767
}

// EncodeBase64 returns the standard base64 encoding of pcm.
func EncodeBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeBase64 decodes a standard base64 payload.
func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64: %w", err)
	}
	return b, nil
}

// NewWireChunk encodes pcm for transmission and tags it with its rate.
func NewWireChunk(pcm []byte, sampleRate int) WireChunk {
	return WireChunk{
		Data:     EncodeBase64(pcm),
		MIMEType: PCMMIMEType(sampleRate),
	}
}

// PCMMIMEType returns the MIME descriptor for PCM16 at sampleRate.
func PCMMIMEType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

// DecodeBuffer turns interleaved PCM16 into a playable [Buffer]. When channels
// is greater than one the samples are de-interleaved. A [*FormatError] is
// returned when the byte length does not hold a whole number of frames.
func DecodeBuffer(pcm []byte, sampleRate, channels int) (*Buffer, error) {
	if channels < 1 {
		return nil, &FormatError{Length: len(pcm), Channels: channels}
	}
	frameSize := bytesPerSample * channels
	if len(pcm)%frameSize != 0 {
		return nil, &FormatError{Length: len(pcm), Channels: channels}
	}
	frames := len(pcm) / frameSize
	buf := &Buffer{
		Channels:   make([][]float32, channels),
		SampleRate: sampleRate,
	}
	for ch := range channels {
		buf.Channels[ch] = make([]float32, frames)
	}
	for f := range frames {
		for ch := range channels {
			off := f*frameSize + ch*bytesPerSample
			buf.Channels[ch][f] = int16ToFloat(int16(binary.LittleEndian.Uint16(pcm[off:])))
		}
	}
	return buf, nil
}
