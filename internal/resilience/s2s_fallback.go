package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/questvoice/pkg/provider/s2s"
)

// S2SFallback implements [s2s.Provider] with automatic failover across multiple
// realtime voice backends. Each backend has its own circuit breaker.
//
// A resumption handle is only meaningful to the backend that issued it, so a
// Connect carrying a handle goes to the backend that served the previous
// session and does not fail over.
type S2SFallback struct {
	group *FallbackGroup[s2s.Provider]

	mu    sync.Mutex
	creds map[string]s2s.Credentials
	last  string
}

// Compile-time interface assertion.
var _ s2s.Provider = (*S2SFallback)(nil)

// NewS2SFallback creates an [S2SFallback] with primary as the preferred backend.
// The primary uses the credentials passed to Connect.
func NewS2SFallback(primary s2s.Provider, primaryName string, cfg FallbackConfig) *S2SFallback {
	return &S2SFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
		creds: make(map[string]s2s.Credentials),
	}
}

// AddFallback registers an additional backend. When creds carries an API key it
// replaces the credentials passed to Connect for this backend.
func (f *S2SFallback) AddFallback(name string, provider s2s.Provider, creds s2s.Credentials) {
	f.group.AddFallback(name, provider)
	if creds.APIKey != "" {
		f.mu.Lock()
		f.creds[name] = creds
		f.mu.Unlock()
	}
}

// Connect opens a session on the first healthy backend.
func (f *S2SFallback) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	f.mu.Lock()
	last := f.last
	f.mu.Unlock()

	if cfg.ResumptionHandle != "" && last != "" {
		var handle s2s.SessionHandle
		err := f.group.ExecuteOn(last, func(p s2s.Provider) error {
			var err error
			handle, err = p.Connect(ctx, f.configFor(last, cfg))
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("resilience: resume on %s: %w", last, err)
		}
		return handle, nil
	}

	cfg.ResumptionHandle = ""
	handle, err := Try(f.group, func(name string, p s2s.Provider) (s2s.SessionHandle, error) {
		h, err := p.Connect(ctx, f.configFor(name, cfg))
		if err == nil {
			f.mu.Lock()
			f.last = name
			f.mu.Unlock()
		}
		return h, err
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// configFor applies per-backend credentials.
func (f *S2SFallback) configFor(name string, cfg s2s.SessionConfig) s2s.SessionConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.creds[name]; ok {
		cfg.Credentials = c
	}
	return cfg
}

// Capabilities returns the capabilities of the backend that served the last
// session, or of the primary before the first Connect.
func (f *S2SFallback) Capabilities() s2s.Capabilities {
	f.mu.Lock()
	last := f.last
	f.mu.Unlock()
	if last == "" {
		last = f.group.entries[0].name
	}
	p, _ := f.group.Lookup(last)
	return p.Capabilities()
}

// Backends returns the breaker state of every backend in try order.
func (f *S2SFallback) Backends() []EntryState { return f.group.States() }

// Check fails while no backend would accept a Connect, i.e. every breaker is
// open. It has the signature of a readiness checker.
func (f *S2SFallback) Check(context.Context) error {
	var open []string
	for _, b := range f.group.States() {
		if b.State != StateOpen {
			return nil
		}
		open = append(open, b.Name)
	}
	return errors.New("all provider circuits open: " + strings.Join(open, ", "))
}
