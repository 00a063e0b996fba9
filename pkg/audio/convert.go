package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter adapts decoded [Buffer]s to a playback device's format.
// The first mismatch is logged once. Not safe for concurrent use.
type FormatConverter struct {
	Target Format
	warned sync.Once
}

// Convert returns buf in the target format, resampling before remapping
// channels. A buffer already in the target format is returned as is.
func (c *FormatConverter) Convert(buf *Buffer) *Buffer {
	if buf == nil || len(buf.Channels) == 0 {
		return buf
	}
	from := Format{SampleRate: buf.SampleRate, Channels: len(buf.Channels)}
	if from == c.Target {
		return buf
	}
	c.warned.Do(func() {
		slog.Warn("audio: converting playback format", "from", from, "to", c.Target)
	})

	channels := buf.Channels
	if from.SampleRate != c.Target.SampleRate {
		resampled := make([][]float32, len(channels))
		for i, ch := range channels {
			resampled[i] = ResampleFloat(ch, from.SampleRate, c.Target.SampleRate)
		}
		channels = resampled
	}
	if n := c.Target.Channels; n > 0 && len(channels) != n {
		mono := downmix(channels)
		channels = make([][]float32, n)
		for i := range channels {
			channels[i] = mono
		}
	}
	return &Buffer{Channels: channels, SampleRate: c.Target.SampleRate}
}

// String renders f as e.g. "24000Hz mono".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// downmix averages channels into one. A single channel is returned as is.
func downmix(channels [][]float32) []float32 {
	if len(channels) == 1 {
		return channels[0]
	}
	out := make([]float32, len(channels[0]))
	for _, ch := range channels {
		for i := range min(len(out), len(ch)) {
			out[i] += ch[i]
		}
	}
	scale := 1 / float32(len(channels))
	for i := range out {
		out[i] *= scale
	}
	return out
}

// ── Linear resampling ─────────────────────────────────────────────────────────

// resampledLen is the number of output samples for n input samples.
func resampledLen(n, srcRate, dstRate int) int {
	return int(int64(n) * int64(dstRate) / int64(srcRate))
}

// position maps output sample i onto the input: the index of the sample
// before it, the index after it (clamped to last) and the fraction between.
func position(i int, step float64, last int) (lo, hi int, frac float64) {
	pos := float64(i) * step
	lo = int(pos)
	return lo, min(lo+1, last), pos - float64(lo)
}

// ResampleFloat resamples mono samples from srcRate to dstRate by linear
// interpolation. Equal or non-positive rates return samples unchanged.
func ResampleFloat(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	out := make([]float32, resampledLen(len(samples), srcRate, dstRate))
	step := float64(srcRate) / float64(dstRate)
	for i := range out {
		lo, hi, frac := position(i, step, len(samples)-1)
		out[i] = samples[lo] + (samples[hi]-samples[lo])*float32(frac)
	}
	return out
}

// ResampleMono16 is [ResampleFloat] for little-endian int16 mono PCM. A
// trailing odd byte is dropped.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	n := len(pcm) / 2
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || n == 0 {
		return pcm
	}
	out := make([]byte, 2*resampledLen(n, srcRate, dstRate))
	step := float64(srcRate) / float64(dstRate)
	for i := range len(out) / 2 {
		lo, hi, frac := position(i, step, n-1)
		a, b := float64(sample16(pcm, lo)), float64(sample16(pcm, hi))
		putSample16(out, i, int16(a+(b-a)*frac))
	}
	return out
}

// StereoToMono averages the left and right sample of each interleaved
// little-endian int16 frame. A trailing partial frame is dropped.
func StereoToMono(pcm []byte) []byte {
	out := make([]byte, len(pcm)/4*2)
	for i := range len(out) / 2 {
		l, r := int32(sample16(pcm, 2*i)), int32(sample16(pcm, 2*i+1))
		putSample16(out, i, int16((l+r)/2))
	}
	return out
}

func sample16(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[2*i:]))
}

func putSample16(pcm []byte, i int, v int16) {
	binary.LittleEndian.PutUint16(pcm[2*i:], uint16(v))
}
