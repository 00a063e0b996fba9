package capture_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/questvoice/internal/capture"
	"github.com/MrWong99/questvoice/pkg/audio"
	"github.com/MrWong99/questvoice/pkg/audio/mock"
	"github.com/MrWong99/questvoice/pkg/audio/pcmstream"
)

// collector is a thread-safe sink.
type collector struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (c *collector) sink(pcm []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, pcm)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}

func (c *collector) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d chunks, have %d", n, c.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPipeline_PushPathForwardsOnlyWhileActive(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{}
	p := capture.New(mic)
	var got collector

	if err := p.Start(context.Background(), got.sink); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	mic.Push([]float32{0.5})
	if got.count() != 0 {
		t.Fatalf("inactive pipeline forwarded %d chunks", got.count())
	}

	p.SetActive(true)
	mic.Push([]float32{0.5, -0.5})
	if got.count() != 1 {
		t.Fatalf("got %d chunks, want 1", got.count())
	}
	want := audio.FloatToPCM16([]float32{0.5, -0.5})
	if string(got.chunks[0]) != string(want) {
		t.Errorf("chunk = %v, want %v", got.chunks[0], want)
	}

	p.SetActive(false)
	mic.Push([]float32{0.5})
	if got.count() != 1 {
		t.Errorf("muted pipeline forwarded a chunk")
	}
	if !mic.Attached() {
		t.Error("muting released the microphone")
	}
}

func TestPipeline_StartIsNoOpWhenAttached(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{}
	p := capture.New(mic)
	ctx := context.Background()
	for range 3 {
		if err := p.Start(ctx, func([]byte) {}); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	if mic.CallCountStart != 1 {
		t.Errorf("StartCapture called %d times, want 1", mic.CallCountStart)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if mic.CallCountRelease != 1 {
		t.Errorf("released %d times, want 1", mic.CallCountRelease)
	}
	if p.Attached() || p.Active() {
		t.Error("pipeline still attached or active after Stop")
	}
}

func TestPipeline_ToggleStormKeepsSingleAttachment(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{}
	p := capture.New(mic)
	var got collector
	if err := p.Start(context.Background(), got.sink); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	for i := range 100 {
		p.SetActive(i%2 == 0)
	}
	if mic.CallCountStart != 1 || !p.Attached() {
		t.Fatalf("start count = %d attached = %v", mic.CallCountStart, p.Attached())
	}
	// Last call was SetActive(false).
	if p.Active() {
		t.Error("Active() = true, want false after final toggle")
	}
	mic.Push([]float32{0.1})
	if got.count() != 0 {
		t.Error("frame forwarded while muted")
	}
}

func TestPipeline_AcquisitionFailure(t *testing.T) {
	t.Parallel()

	denied := errors.New("permission denied")
	tests := []struct {
		name string
		dev  audio.InputDevice
	}{
		{name: "push", dev: &mock.Microphone{StartErr: denied}},
		{name: "poll", dev: func() audio.InputDevice {
			m := mock.NewPollingMicrophone(1)
			m.OpenErr = denied
			return m
		}()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := capture.New(tc.dev)
			err := p.Start(context.Background(), func([]byte) {})
			if !errors.Is(err, capture.ErrAcquisition) {
				t.Fatalf("err = %v, want ErrAcquisition", err)
			}
			if !errors.Is(err, denied) {
				t.Errorf("err = %v, want wrapped cause", err)
			}
			if p.Attached() {
				t.Error("pipeline attached after failure")
			}
		})
	}
}

func TestPipeline_PollingPath(t *testing.T) {
	t.Parallel()

	mic := mock.NewPollingMicrophone(4)
	p := capture.New(mic, capture.WithPollBlockSize(2))
	var got collector
	if err := p.Start(context.Background(), got.sink); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.SetActive(true)

	mic.Feed([]float32{0.25, 0.25, 0.25})
	got.waitFor(t, 1)
	got.mu.Lock()
	first := got.chunks[0]
	got.mu.Unlock()
	// Block size 2 truncates the fed block to two samples.
	if len(first) != 4 {
		t.Errorf("chunk length = %d, want 4 bytes", len(first))
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if mic.OpenCount() != 1 {
		t.Errorf("OpenCount = %d, want 1", mic.OpenCount())
	}
}

func TestPipeline_RestartOnSharedStream(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	t.Cleanup(func() { pw.Close() })
	p := capture.New(pcmstream.New(pr, audio.CaptureSampleRate), capture.WithPollBlockSize(320))

	if err := p.Start(context.Background(), func([]byte) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// The poll goroutine is parked on an empty stream; Stop must still return.
	stopped := make(chan error, 1)
	go func() { stopped <- p.Stop() }()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while the poll read was pending")
	}

	var got collector
	if err := p.Start(context.Background(), got.sink); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer p.Stop()
	p.SetActive(true)

	go func() { _, _ = pw.Write(make([]byte, 1280)) }()
	got.waitFor(t, 2)

	got.mu.Lock()
	defer got.mu.Unlock()
	total := 0
	for _, c := range got.chunks {
		total += len(c)
	}
	if total != 1280 {
		t.Errorf("restarted capture received %d bytes, want 1280", total)
	}
}

func TestPipeline_FrameObserver(t *testing.T) {
	t.Parallel()

	var forwarded, dropped int
	mic := &mock.Microphone{}
	p := capture.New(mic, capture.WithFrameObserver(func(ok bool) {
		if ok {
			forwarded++
		} else {
			dropped++
		}
	}))
	if err := p.Start(context.Background(), func([]byte) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	mic.Push([]float32{0.1})
	p.SetActive(true)
	mic.Push([]float32{0.1})
	mic.Push([]float32{0.1})

	if forwarded != 2 || dropped != 1 {
		t.Errorf("forwarded=%d dropped=%d, want 2/1", forwarded, dropped)
	}
}
