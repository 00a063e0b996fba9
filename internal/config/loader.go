package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/questvoice/pkg/provider/s2s"
)

// ValidProviderNames lists the built-in realtime backends.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gemini-live", "openai-realtime"}

// ErrNoAPIKey is returned by [ProviderEntry.Credentials] when neither the
// literal key nor the named environment variable yields a value.
var ErrNoAPIKey = errors.New("config: no api key configured")

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset optional fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.Input == "" {
		cfg.Audio.Input = InputMiniaudio
	}
	if cfg.Audio.InputSampleRate == 0 {
		cfg.Audio.InputSampleRate = 16000
	}
	if cfg.Audio.InputChannels == 0 {
		cfg.Audio.InputChannels = 1
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	}
	validateProviderName("provider", cfg.Provider.Name)

	seen := map[string]string{cfg.Provider.Name: "provider"}
	for i, fb := range cfg.Fallbacks {
		prefix := fmt.Sprintf("fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[fb.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q duplicates %s", prefix, fb.Name, prev))
		}
		seen[fb.Name] = prefix
		validateProviderName(prefix, fb.Name)
	}

	if cfg.Session.ToolTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.tool_timeout %s must not be negative", cfg.Session.ToolTimeout))
	}
	if strings.TrimSpace(cfg.Session.Instructions) == "" {
		slog.Warn("session.instructions is empty; the model will use its default persona")
	}

	if cfg.Audio.Input != "" && !cfg.Audio.Input.IsValid() {
		errs = append(errs, fmt.Errorf("audio.input %q is invalid; valid values: miniaudio, stdin", cfg.Audio.Input))
	}
	if cfg.Audio.InputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d must not be negative", cfg.Audio.InputSampleRate))
	}
	if c := cfg.Audio.InputChannels; c != 0 && c != 1 && c != 2 {
		errs = append(errs, fmt.Errorf("audio.input_channels %d is invalid; valid values: 1, 2", c))
	}
	if cfg.Audio.PollBlockSize < 0 {
		errs = append(errs, fmt.Errorf("audio.poll_block_size %d must not be negative", cfg.Audio.PollBlockSize))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not a built-in
// backend.
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}

// Credentials resolves the API key: the literal key wins, then the named
// environment variable. The environment is read on every call so a rotated
// key is picked up on the next connect.
func (e ProviderEntry) Credentials(context.Context) (s2s.Credentials, error) {
	if e.APIKey != "" {
		return s2s.Credentials{APIKey: e.APIKey}, nil
	}
	if e.APIKeyEnv != "" {
		if v := strings.TrimSpace(os.Getenv(e.APIKeyEnv)); v != "" {
			return s2s.Credentials{APIKey: v}, nil
		}
		return s2s.Credentials{}, fmt.Errorf("%w: environment variable %s is unset", ErrNoAPIKey, e.APIKeyEnv)
	}
	return s2s.Credentials{}, fmt.Errorf("%w for provider %q", ErrNoAPIKey, e.Name)
}
