package miniaudio

import (
	"sync"
	"time"

	"github.com/MrWong99/questvoice/pkg/audio"
)

// timeline mixes scheduled voices onto an interleaved output stream and keeps
// the output clock. It holds no native resources so it can be exercised
// without an audio device.
type timeline struct {
	rate     int
	channels int

	mu     sync.Mutex
	frames int64 // frames rendered since creation; the clock
	voices []*voice
}

func newTimeline(rate, channels int) *timeline {
	return &timeline{rate: rate, channels: channels}
}

func (t *timeline) now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frameToDuration(t.frames)
}

func (t *timeline) frameToDuration(f int64) time.Duration {
	return time.Duration(f) * time.Second / time.Duration(t.rate)
}

func (t *timeline) durationToFrame(d time.Duration) int64 {
	return int64(d) * int64(t.rate) / int64(time.Second)
}

// add schedules buf (already in the timeline's format) at position at. A
// position in the past starts at the current frame.
func (t *timeline) add(buf *audio.Buffer, at time.Duration, onEnded func()) *voice {
	t.mu.Lock()
	defer t.mu.Unlock()
	start := max(t.durationToFrame(at), t.frames)
	v := &voice{tl: t, buf: buf, start: start, onEnded: onEnded}
	t.voices = append(t.voices, v)
	return v
}

// render mixes frameCount frames into out (interleaved, len >= frameCount *
// channels), advances the clock and returns the callbacks of voices that
// finished during this block.
func (t *timeline) render(out []float32, frameCount int) []func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	clear(out[:frameCount*t.channels])
	blockStart := t.frames
	blockEnd := blockStart + int64(frameCount)

	var ended []func()
	kept := t.voices[:0]
	for _, v := range t.voices {
		n := int64(v.buf.Frames())
		vEnd := v.start + n
		from := max(v.start, blockStart)
		to := min(vEnd, blockEnd)
		for f := from; f < to; f++ {
			src := int(f - v.start)
			dst := int(f-blockStart) * t.channels
			for ch := range t.channels {
				c := ch
				if c >= len(v.buf.Channels) {
					c = 0
				}
				out[dst+ch] += v.buf.Channels[c][src]
			}
		}
		if vEnd <= blockEnd {
			if fn := v.finishLocked(); fn != nil {
				ended = append(ended, fn)
			}
			continue
		}
		kept = append(kept, v)
	}
	t.voices = kept
	t.frames = blockEnd

	for i := range out[:frameCount*t.channels] {
		out[i] = min(max(out[i], -1), 1)
	}
	return ended
}

// reset drops every voice and returns their callbacks. The clock is kept.
func (t *timeline) reset() []func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ended []func()
	for _, v := range t.voices {
		if fn := v.finishLocked(); fn != nil {
			ended = append(ended, fn)
		}
	}
	t.voices = nil
	return ended
}

func (t *timeline) remove(v *voice) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, cur := range t.voices {
		if cur == v {
			t.voices = append(t.voices[:i], t.voices[i+1:]...)
			break
		}
	}
	return v.finishLocked()
}

type voice struct {
	tl      *timeline
	buf     *audio.Buffer
	start   int64
	onEnded func()
	done    bool
}

// finishLocked marks the voice done. Caller must hold tl.mu.
func (v *voice) finishLocked() func() {
	if v.done {
		return nil
	}
	v.done = true
	if v.onEnded == nil {
		return func() {}
	}
	return v.onEnded
}

// Stop implements [audio.Voice].
func (v *voice) Stop() {
	if fn := v.tl.remove(v); fn != nil {
		fn()
	}
}
