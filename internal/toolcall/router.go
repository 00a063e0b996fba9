// Package toolcall dispatches provider function calls to the host's
// environment and artifact callbacks.
//
// Two tools are recognised:
//   - "changeEnvironment": the model asks the host to change the scene.
//   - "displayArtifact": the model asks the host to show an item.
//
// Calls may arrive whole or as streamed argument fragments keyed by call id.
// Every call id is dispatched at most once and is always acknowledged back
// to the provider, whether or not the local callback succeeded. A missing
// acknowledgment would stall the remote turn.
package toolcall

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/questvoice/internal/observe"
	"github.com/MrWong99/questvoice/pkg/provider/s2s"
)

// Tool names.
const (
	ChangeEnvironment = "changeEnvironment"
	DisplayArtifact   = "displayArtifact"
)

// DefaultTimeout bounds a single callback invocation.
const DefaultTimeout = 10 * time.Second

// Handlers holds the host callbacks. A nil handler acknowledges the call
// without doing anything.
type Handlers struct {
	// OnEnvironmentChange receives the requested scene description.
	OnEnvironmentChange func(ctx context.Context, description string) error

	// OnArtifactDisplay receives the artifact name and description.
	OnArtifactDisplay func(ctx context.Context, name, description string) error
}

// ResultSender delivers acknowledgments. [s2s.SessionHandle] satisfies it.
type ResultSender interface {
	SendToolResult(result s2s.ToolResult) error
}

// Option is a functional option for [New].
type Option func(*Router)

// WithTimeout overrides [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithCallObserver registers fn to be called after every dispatched call with
// the tool name, the callback's error and its latency. Used for metrics.
func WithCallObserver(fn func(name string, err error, took time.Duration)) Option {
	return func(r *Router) { r.observe = fn }
}

type fragment struct {
	name string
	args strings.Builder
}

// Router assembles and dispatches tool calls for one session.
//
// All methods are safe for concurrent use.
type Router struct {
	handlers Handlers
	timeout  time.Duration
	observe  func(name string, err error, took time.Duration)

	mu        sync.Mutex
	fragments map[string]*fragment
	handled   map[string]struct{}
}

// New returns a router dispatching to h.
func New(h Handlers, opts ...Option) *Router {
	r := &Router{
		handlers:  h,
		timeout:   DefaultTimeout,
		fragments: make(map[string]*fragment),
		handled:   make(map[string]struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Definitions returns the declarations sent to the provider at session open.
func (r *Router) Definitions() []s2s.ToolDefinition {
	return []s2s.ToolDefinition{
		{
			Name:        ChangeEnvironment,
			Description: "Change the visual environment of the scene to match where the conversation is taking place.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"description": map[string]any{
						"type":        "string",
						"description": "A vivid description of the new environment, e.g. a smoky tavern at night.",
					},
				},
				"required": []string{"description"},
			},
		},
		{
			Name:        DisplayArtifact,
			Description: "Show the player an item, map or object that is being discussed.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{
						"type":        "string",
						"description": "Short name of the artifact.",
					},
					"description": map[string]any{
						"type":        "string",
						"description": "What the artifact looks like.",
					},
				},
				"required": []string{"name", "description"},
			},
		},
	}
}

// Handle processes one tool-call event. Non-final events are buffered as
// argument fragments. A final event dispatches the call once per id and
// sends exactly one acknowledgment through sender. The returned error is
// only the acknowledgment send failure.
func (r *Router) Handle(ctx context.Context, sender ResultSender, call s2s.ToolCall) error {
	name, args, ok := r.assemble(call)
	if !ok {
		return nil
	}

	result := s2s.ToolResult{ID: call.ID, Name: name, Output: map[string]any{"result": "ok"}}
	switch name {
	case ChangeEnvironment, DisplayArtifact:
		start := time.Now()
		err := r.dispatch(ctx, name, args)
		if err != nil {
			observe.Logger(ctx).Warn("toolcall: callback failed", "tool", name, "id", call.ID, "err", err)
		}
		if r.observe != nil {
			r.observe(name, err, time.Since(start))
		}
	default:
		observe.Logger(ctx).Warn("toolcall: unknown tool", "tool", name, "id", call.ID)
		result.Output = map[string]any{"error": "unknown tool"}
	}

	if err := sender.SendToolResult(result); err != nil {
		return fmt.Errorf("toolcall: acknowledge %s: %w", call.ID, err)
	}
	return nil
}

// assemble merges fragments and reports whether call is ready to dispatch.
func (r *Router) assemble(call s2s.ToolCall) (name, args string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, done := r.handled[call.ID]; done {
		slog.Debug("toolcall: duplicate call ignored", "id", call.ID)
		return "", "", false
	}

	frag := r.fragments[call.ID]
	if !call.Final {
		if frag == nil {
			frag = &fragment{}
			r.fragments[call.ID] = frag
		}
		if call.Name != "" {
			frag.name = call.Name
		}
		frag.args.WriteString(call.Arguments)
		return "", "", false
	}

	name, args = call.Name, call.Arguments
	if frag != nil {
		if name == "" {
			name = frag.name
		}
		if args == "" {
			args = frag.args.String()
		}
		delete(r.fragments, call.ID)
	}
	r.handled[call.ID] = struct{}{}
	return name, args, true
}

// dispatch decodes args and invokes the matching callback under the tool
// timeout. Panics in the callback are recovered and returned as errors.
func (r *Router) dispatch(ctx context.Context, name, args string) error {
	var in struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if strings.TrimSpace(args) != "" {
		if err := json.Unmarshal([]byte(args), &in); err != nil {
			return fmt.Errorf("toolcall: invalid arguments for %s: %w", name, err)
		}
	}

	var fn func(context.Context) error
	switch name {
	case ChangeEnvironment:
		if r.handlers.OnEnvironmentChange == nil {
			return nil
		}
		fn = func(ctx context.Context) error { return r.handlers.OnEnvironmentChange(ctx, in.Description) }
	case DisplayArtifact:
		if r.handlers.OnArtifactDisplay == nil {
			return nil
		}
		fn = func(ctx context.Context) error { return r.handlers.OnArtifactDisplay(ctx, in.Name, in.Description) }
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("toolcall: %s panicked: %v", name, p)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("toolcall: %s: %w", name, ctx.Err())
	}
}

// Reset forgets fragments and handled ids. Called on a fresh Connect; a
// renewal keeps them so calls replayed by the resumed session are not run
// twice.
func (r *Router) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.fragments)
	clear(r.handled)
}
