package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/questvoice/internal/engine"
	"github.com/MrWong99/questvoice/internal/engine/mock"
	"github.com/MrWong99/questvoice/internal/transcript"
)

// syncBuffer is a bytes.Buffer safe for the printer goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestConsole_Commands(t *testing.T) {
	t.Parallel()

	sess := mock.New()
	in := strings.NewReader("/connect\n/mute\n/unmute\nWhere is the forge?\n\n/bogus\n/hangup\n")
	out := &syncBuffer{}
	c := newConsole(sess, in, out)

	err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	connect, mute, unmute, disconnect := sess.Counts()
	if connect != 1 || mute != 1 || unmute != 1 || disconnect != 1 {
		t.Errorf("counts connect=%d mute=%d unmute=%d disconnect=%d", connect, mute, unmute, disconnect)
	}
	if got := sess.Texts(); len(got) != 1 || got[0] != "Where is the forge?" {
		t.Errorf("texts = %v", got)
	}
	if !strings.Contains(out.String(), "unknown command /bogus") {
		t.Errorf("output missing unknown-command hint:\n%s", out)
	}
	if sess.State() != engine.Disconnected {
		t.Errorf("state = %s, want disconnected", sess.State())
	}
}

func TestConsole_Quit(t *testing.T) {
	t.Parallel()

	sess := mock.New()
	c := newConsole(sess, strings.NewReader("/connect\n/quit\nnever sent\n"), &syncBuffer{})

	if err := c.Run(context.Background()); !errors.Is(err, errQuit) {
		t.Fatalf("Run = %v, want errQuit", err)
	}
	if len(sess.Texts()) != 0 {
		t.Error("lines after /quit were processed")
	}
	if _, _, _, disconnect := sess.Counts(); disconnect != 1 {
		t.Errorf("disconnect calls = %d, want 1", disconnect)
	}
}

func TestConsole_ReportsFailures(t *testing.T) {
	t.Parallel()

	sess := mock.New()
	sess.ConnectErr = errors.New("missing credentials")
	sess.SendTextErr = errors.New("not connected")
	out := &syncBuffer{}
	c := newConsole(sess, strings.NewReader("/connect\nhello\n"), out)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, want := range []string{"connect failed: missing credentials", "not sent: not connected"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestConsole_Print(t *testing.T) {
	t.Parallel()

	sess := mock.New()
	out := &syncBuffer{}
	c := newConsole(sess, strings.NewReader(""), out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Print(ctx, sess.Notifications())
		close(done)
	}()

	sess.Publish(engine.Notification{Kind: engine.NotifyState, From: engine.Connecting, To: engine.Listening})
	sess.Publish(engine.Notification{Kind: engine.NotifyTurn, Turn: transcript.Turn{User: "Hello", Model: "Well met."}})
	sess.Publish(engine.Notification{Kind: engine.NotifyError, Err: errors.New("socket closed")})

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "session error") {
		if time.Now().After(deadline) {
			t.Fatalf("output incomplete:\n%s", out)
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	for _, want := range []string{"* listening", "you: Hello", "npc: Well met.", "! session error: socket closed"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestConsole_ToolCallbacks(t *testing.T) {
	t.Parallel()

	out := &syncBuffer{}
	c := newConsole(mock.New(), nil, out)
	_ = c.Scene(context.Background(), "a smoky forge")
	_ = c.Artifact(context.Background(), "Map", "a torn map of the mine")

	for _, want := range []string{"[scene] a smoky forge", "[artifact] Map: a torn map of the mine"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestOptString(t *testing.T) {
	t.Parallel()

	opts := map[string]any{"model": "whisper-1", "n": 3}
	if got := optString(opts, "model"); got != "whisper-1" {
		t.Errorf("got %q", got)
	}
	if got := optString(opts, "n"); got != "" {
		t.Errorf("non-string value: got %q", got)
	}
	if got := optString(nil, "model"); got != "" {
		t.Errorf("nil map: got %q", got)
	}
}
