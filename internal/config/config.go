// Package config provides the configuration schema, loader, and provider registry
// for the questvoice voice session host.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/questvoice/pkg/provider/s2s"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to a [slog.Level]. Unknown and empty values map to Info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// InputKind selects the microphone implementation.
type InputKind string

const (
	// InputMiniaudio captures from the default system microphone.
	InputMiniaudio InputKind = "miniaudio"

	// InputStdin reads raw PCM16 LE mono from standard input.
	InputStdin InputKind = "stdin"
)

// IsValid reports whether k is a recognised input kind.
func (k InputKind) IsValid() bool {
	return k == InputMiniaudio || k == InputStdin
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Provider  ProviderEntry   `yaml:"provider"`
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
	Session   SessionConfig   `yaml:"session"`
	Audio     AudioConfig     `yaml:"audio"`
}

// ServerConfig holds the admin HTTP and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the admin server serving /healthz,
	// /readyz and /metrics (e.g., ":9090"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProviderEntry configures one realtime speech-to-speech backend.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider ("gemini-live", "openai-realtime").
	Name string `yaml:"name"`

	// APIKey is the literal API key. Prefer APIKeyEnv.
	APIKey string `yaml:"api_key"`

	// APIKeyEnv names an environment variable holding the API key. It is
	// consulted when APIKey is empty.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the provider's default websocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific realtime model.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the standard
	// fields above.
	Options map[string]any `yaml:"options"`
}

// SessionConfig describes the persona and session behaviour. Changes apply
// on the next connect.
type SessionConfig struct {
	// Instructions is the system prompt defining the persona.
	Instructions string `yaml:"instructions"`

	// Accent is an optional accent/style directive.
	Accent string `yaml:"accent"`

	// QuestObjective is an optional objective the persona steers towards.
	QuestObjective string `yaml:"quest_objective"`

	// Voice is the provider-specific prebuilt voice name.
	Voice string `yaml:"voice"`

	// StartMuted starts with the microphone muted.
	StartMuted bool `yaml:"start_muted"`

	// ToolTimeout bounds each host tool callback. Zero uses the default.
	ToolTimeout time.Duration `yaml:"tool_timeout"`
}

// AudioConfig selects the audio devices.
type AudioConfig struct {
	// Input selects the microphone. Defaults to miniaudio.
	Input InputKind `yaml:"input"`

	// InputSampleRate is the sample rate of stdin PCM. Defaults to 16000.
	InputSampleRate int `yaml:"input_sample_rate"`

	// InputChannels is 1 for mono or 2 for interleaved stereo stdin PCM.
	// Defaults to 1.
	InputChannels int `yaml:"input_channels"`

	// PollBlockSize is the number of samples per read on polled inputs.
	PollBlockSize int `yaml:"poll_block_size"`
}

// ToSessionConfig converts the persona settings to a provider session config.
// Credentials and tools are filled in by the engine at connect time.
func (s SessionConfig) ToSessionConfig() s2s.SessionConfig {
	return s2s.SessionConfig{
		Instructions:   s.Instructions,
		Accent:         s.Accent,
		QuestObjective: s.QuestObjective,
		Voice:          s.Voice,
	}
}
