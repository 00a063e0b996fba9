package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/questvoice/internal/engine"
)

// errQuit is returned by [console.Run] when the user types /quit.
var errQuit = errors.New("quit")

// console is the line-oriented host UI: it turns typed commands into session
// operations and prints captions, turns and state changes.
type console struct {
	sess engine.VoiceSession
	in   io.Reader

	mu  sync.Mutex
	out io.Writer
}

func newConsole(sess engine.VoiceSession, in io.Reader, out io.Writer) *console {
	return &console{sess: sess, in: in, out: out}
}

const helpText = `commands:
  /connect   open the voice session
  /hangup    close the voice session
  /mute      stop sending microphone audio
  /unmute    resume sending microphone audio
  /quit      hang up and exit
anything else is sent to the model as text`

// Run reads commands until in is exhausted, ctx ends or /quit is typed.
func (c *console) Run(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
		close(lines)
	}()

	c.printf("%s\n", helpText)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if err := c.handle(ctx, line); err != nil {
				return err
			}
		}
	}
}

// handle executes one input line.
func (c *console) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return nil
	case "/help":
		c.printf("%s\n", helpText)
	case "/connect":
		if err := c.sess.Connect(ctx); err != nil {
			c.printf("! connect failed: %v\n", err)
		}
	case "/hangup":
		if err := c.sess.Disconnect(); err != nil {
			c.printf("! hangup: %v\n", err)
		}
	case "/mute":
		c.sess.Mute()
		c.printf("* microphone muted\n")
	case "/unmute":
		c.sess.Unmute()
		c.printf("* microphone live\n")
	case "/quit":
		if err := c.sess.Disconnect(); err != nil {
			slog.Warn("console: hangup on quit", "err", err)
		}
		return errQuit
	default:
		if strings.HasPrefix(line, "/") {
			c.printf("! unknown command %s (try /help)\n", line)
			return nil
		}
		if err := c.sess.SendText(line); err != nil {
			c.printf("! not sent: %v\n", err)
		}
	}
	return nil
}

// Print renders notifications until ch closes or ctx ends.
func (c *console) Print(ctx context.Context, ch <-chan engine.Notification) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-ch:
			if !ok {
				return nil
			}
			c.render(n)
		}
	}
}

func (c *console) render(n engine.Notification) {
	switch n.Kind {
	case engine.NotifyState:
		c.printf("* %s\n", n.To)
	case engine.NotifyTurn:
		if n.Turn.User != "" {
			c.printf("you: %s\n", n.Turn.User)
		}
		if n.Turn.Model != "" {
			c.printf("npc: %s\n", n.Turn.Model)
		}
	case engine.NotifyError:
		c.printf("! session error: %v\n", n.Err)
	case engine.NotifyCaption:
		slog.Debug("caption", "user", n.User, "model", n.Model)
	}
}

// Scene and Artifact are the host tool callbacks.
func (c *console) Scene(_ context.Context, description string) error {
	c.printf("[scene] %s\n", description)
	return nil
}

func (c *console) Artifact(_ context.Context, name, description string) error {
	c.printf("[artifact] %s: %s\n", name, description)
	return nil
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
