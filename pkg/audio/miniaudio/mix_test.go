package miniaudio

import (
	"testing"
	"time"

	"github.com/MrWong99/questvoice/pkg/audio"
)

func constBuffer(v float32, frames int) *audio.Buffer {
	s := make([]float32, frames)
	for i := range s {
		s[i] = v
	}
	return &audio.Buffer{Channels: [][]float32{s}, SampleRate: 1000}
}

func TestTimeline_ClockAdvancesWithRender(t *testing.T) {
	t.Parallel()

	tl := newTimeline(1000, 1)
	out := make([]float32, 100)
	tl.render(out, 100)
	if got := tl.now(); got != 100*time.Millisecond {
		t.Errorf("now: got %v, want 100ms", got)
	}
}

func TestTimeline_PlaysAtScheduledPosition(t *testing.T) {
	t.Parallel()

	tl := newTimeline(1000, 1)
	ended := 0
	tl.add(constBuffer(0.5, 10), 5*time.Millisecond, func() { ended++ })

	out := make([]float32, 20)
	fns := tl.render(out, 20)
	for i, v := range out {
		want := float32(0)
		if i >= 5 && i < 15 {
			want = 0.5
		}
		if v != want {
			t.Errorf("frame %d: got %v, want %v", i, v, want)
		}
	}
	fireAll(fns)
	if ended != 1 {
		t.Errorf("onEnded calls: got %d, want 1", ended)
	}
}

func TestTimeline_PastPositionStartsNow(t *testing.T) {
	t.Parallel()

	tl := newTimeline(1000, 1)
	out := make([]float32, 10)
	tl.render(out, 10)

	tl.add(constBuffer(0.25, 4), 0, nil)
	tl.render(out, 10)
	if out[0] != 0.25 || out[3] != 0.25 || out[4] != 0 {
		t.Errorf("unexpected output %v", out)
	}
}

func TestTimeline_SpansBlocks(t *testing.T) {
	t.Parallel()

	tl := newTimeline(1000, 1)
	ended := 0
	tl.add(constBuffer(0.1, 15), 0, func() { ended++ })

	out := make([]float32, 10)
	fireAll(tl.render(out, 10))
	if ended != 0 {
		t.Fatal("voice ended before its last frame")
	}
	fireAll(tl.render(out, 10))
	if ended != 1 {
		t.Errorf("onEnded calls: got %d, want 1", ended)
	}
	if out[4] == 0 || out[5] != 0 {
		t.Errorf("unexpected tail %v", out)
	}
}

func TestTimeline_MixesAndClamps(t *testing.T) {
	t.Parallel()

	tl := newTimeline(1000, 2)
	tl.add(constBuffer(0.75, 2), 0, nil)
	tl.add(constBuffer(0.75, 2), 0, nil)

	out := make([]float32, 4)
	tl.render(out, 2)
	for i, v := range out {
		if v != 1 {
			t.Errorf("sample %d: got %v, want clamped 1", i, v)
		}
	}
}

func TestVoice_StopFiresOnce(t *testing.T) {
	t.Parallel()

	tl := newTimeline(1000, 1)
	ended := 0
	v := tl.add(constBuffer(0.5, 100), 0, func() { ended++ })
	v.Stop()
	v.Stop()
	fireAll(tl.reset())
	if ended != 1 {
		t.Errorf("onEnded calls: got %d, want 1", ended)
	}

	out := make([]float32, 10)
	tl.render(out, 10)
	if out[0] != 0 {
		t.Error("stopped voice still audible")
	}
}

func TestTimeline_ResetKeepsClock(t *testing.T) {
	t.Parallel()

	tl := newTimeline(1000, 1)
	ended := 0
	tl.add(constBuffer(0.5, 100), 0, func() { ended++ })
	out := make([]float32, 10)
	tl.render(out, 10)

	fireAll(tl.reset())
	if ended != 1 {
		t.Errorf("onEnded calls: got %d, want 1", ended)
	}
	if got := tl.now(); got != 10*time.Millisecond {
		t.Errorf("clock reset: got %v, want 10ms", got)
	}
}
