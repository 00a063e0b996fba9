package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ChangeFunc receives the previous and newly loaded config together with
// their [Diff].
type ChangeFunc func(old, new *Config, diff ConfigDiff)

// Watcher reloads a config file when its content changes and still
// validates. Invalid edits are logged and the previous config is kept, so a
// half-saved file never reaches the running session.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	mu      sync.Mutex
	current *Config
	digest  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval of [Watcher.Run]. The default is
// 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path. Polling starts with [Watcher.Run].
// onChange may be nil.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, digest, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.digest = cfg, digest
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls the file until ctx ends. It always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Check(); err != nil {
				slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// Check reads the file once. It reports whether a new config was applied;
// unchanged content is not a change. On error the previous config stays
// current.
func (w *Watcher) Check() (bool, error) {
	cfg, digest, err := w.read()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	if digest == w.digest {
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current, w.digest = cfg, digest
	w.mu.Unlock()

	diff := Diff(old, cfg)
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level_changed", diff.LogLevelChanged,
		"session_changed", diff.SessionChanged,
	)
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config watcher: changes require a restart", "sections", diff.RestartRequired)
	}

	// Outside the lock so the callback can call Current.
	if w.onChange != nil {
		w.onChange(old, cfg, diff)
	}
	return true, nil
}

// read loads, validates and hashes the file.
func (w *Watcher) read() (*Config, [sha256.Size]byte, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, fmt.Errorf("config: read %q: %w", w.path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	return cfg, sha256.Sum256(data), nil
}
