package audio_test

import (
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/questvoice/pkg/audio"
)

func TestFloatToPCM16_Extremes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{name: "zero", in: 0, want: 0},
		{name: "positive full scale", in: 1, want: 32767},
		{name: "negative full scale", in: -1, want: -32768},
		{name: "clamp above", in: 1.5, want: 32767},
		{name: "clamp below", in: -2, want: -32768},
		{name: "half negative", in: -0.5, want: -16384},
		{name: "nan", in: float32(math.NaN()), want: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := int16s(audio.FloatToPCM16([]float32{tc.in}))
			if len(got) != 1 {
				t.Fatalf("expected 1 sample, got %d", len(got))
			}
			if got[0] != tc.want {
				t.Errorf("got %d, want %d", got[0], tc.want)
			}
		})
	}
}

func TestPCM16RoundTrip(t *testing.T) {
	t.Parallel()

	in := []float32{0, 0.25, -0.25, 0.999, -0.999, 1, -1, 0.00001}
	pcm := audio.FloatToPCM16(in)
	if len(pcm) != 2*len(in) {
		t.Fatalf("pcm length: got %d, want %d", len(pcm), 2*len(in))
	}

	out, err := audio.PCM16ToFloat(pcm)
	if err != nil {
		t.Fatalf("PCM16ToFloat: %v", err)
	}
	for i := range in {
		if diff := math.Abs(float64(out[i] - in[i])); diff > 1.0/32767 {
			t.Errorf("sample %d: got %v, want %v (diff %v)", i, out[i], in[i], diff)
		}
	}

	// Decoding then re-encoding must be lossless.
	again := audio.FloatToPCM16(out)
	for i := range pcm {
		if again[i] != pcm[i] {
			t.Fatalf("byte %d changed on re-encode: got %#x, want %#x", i, again[i], pcm[i])
		}
	}
}

func TestPCM16ToFloat_OddLength(t *testing.T) {
	t.Parallel()

	_, err := audio.PCM16ToFloat([]byte{1, 2, 3})
	var fe *audio.FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FormatError, got %v", err)
	}
	if fe.Length != 3 {
		t.Errorf("Length: got %d, want 3", fe.Length)
	}
}

func TestBase64RoundTrip(t *testing.T) {
	t.Parallel()

	pcm := pcm16(1, -1, 32767, -32768)
	enc := audio.EncodeBase64(pcm)
	dec, err := audio.DecodeBase64(enc)
	if err != nil {
		t.Fatalf("DecodeBase64: %v", err)
	}
	if string(dec) != string(pcm) {
		t.Errorf("round trip mismatch: got %v, want %v", dec, pcm)
	}

	if _, err := audio.DecodeBase64("not base64!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
}

func TestNewWireChunk(t *testing.T) {
	t.Parallel()

	chunk := audio.NewWireChunk([]byte{0, 0}, audio.CaptureSampleRate)
	if chunk.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType: got %q", chunk.MIMEType)
	}
	if chunk.Data != "AAA=" {
		t.Errorf("Data: got %q, want %q", chunk.Data, "AAA=")
	}
}

func TestDecodeBuffer_Mono(t *testing.T) {
	t.Parallel()

	// 24000 samples at 24 kHz is exactly one second.
	pcm := make([]byte, 48000)
	buf, err := audio.DecodeBuffer(pcm, 24000, 1)
	if err != nil {
		t.Fatalf("DecodeBuffer: %v", err)
	}
	if buf.Frames() != 24000 {
		t.Errorf("Frames: got %d, want 24000", buf.Frames())
	}
	if buf.Duration().Seconds() != 1 {
		t.Errorf("Duration: got %v, want 1s", buf.Duration())
	}
}

func TestDecodeBuffer_Deinterleaves(t *testing.T) {
	t.Parallel()

	pcm := pcm16(32767, -32768, 0, 16384)
	buf, err := audio.DecodeBuffer(pcm, 24000, 2)
	if err != nil {
		t.Fatalf("DecodeBuffer: %v", err)
	}
	if len(buf.Channels) != 2 || buf.Frames() != 2 {
		t.Fatalf("shape: got %d channels x %d frames", len(buf.Channels), buf.Frames())
	}
	if buf.Channels[0][0] != 1 || buf.Channels[1][0] != -1 {
		t.Errorf("frame 0: got L=%v R=%v", buf.Channels[0][0], buf.Channels[1][0])
	}
	if buf.Channels[0][1] != 0 {
		t.Errorf("frame 1 L: got %v, want 0", buf.Channels[0][1])
	}
}

func TestDecodeBuffer_Misaligned(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		pcm      []byte
		channels int
	}{
		{name: "odd mono", pcm: []byte{1, 2, 3}, channels: 1},
		{name: "partial stereo frame", pcm: []byte{1, 2, 3, 4, 5, 6}, channels: 2},
		{name: "zero channels", pcm: []byte{1, 2}, channels: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := audio.DecodeBuffer(tc.pcm, 24000, tc.channels)
			var fe *audio.FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("expected *FormatError, got %v", err)
			}
		})
	}
}
