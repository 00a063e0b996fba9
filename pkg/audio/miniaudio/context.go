// Package miniaudio implements the [audio] device interfaces on top of
// miniaudio via github.com/gen2brain/malgo.
//
// A [Context] owns the native audio context. Devices created from it are
// acquired lazily: the microphone opens a capture device on
// [Microphone.StartCapture] and the speaker opens a playback device on
// [Speaker.Start], so an idle engine holds no native audio resources.
package miniaudio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"
)

// Context is an explicitly owned miniaudio context.
type Context struct {
	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	closed bool
}

// NewContext initialises a native audio context. Call [Context.Close] when
// every device created from it has been released.
func NewContext() (*Context, error) {
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime
	ctx, err := malgo.InitContext(nil, cfg, func(message string) {
		slog.Debug("miniaudio", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", err)
	}
	return &Context{ctx: ctx}, nil
}

// Close releases the native context. It is safe to call more than once.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.ctx.Uninit()
	c.ctx.Free()
	if err != nil {
		return fmt.Errorf("miniaudio: uninit context: %w", err)
	}
	return nil
}

func (c *Context) native() (malgo.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return malgo.Context{}, fmt.Errorf("miniaudio: context closed")
	}
	return c.ctx.Context, nil
}
