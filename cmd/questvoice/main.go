// Command questvoice hosts a realtime voice conversation with an NPC persona
// on the local microphone and speakers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/questvoice/internal/config"
	"github.com/MrWong99/questvoice/internal/engine"
	s2sengine "github.com/MrWong99/questvoice/internal/engine/s2s"
	"github.com/MrWong99/questvoice/internal/health"
	"github.com/MrWong99/questvoice/internal/observe"
	"github.com/MrWong99/questvoice/internal/resilience"
	"github.com/MrWong99/questvoice/pkg/audio"
	"github.com/MrWong99/questvoice/pkg/audio/miniaudio"
	"github.com/MrWong99/questvoice/pkg/audio/pcmstream"
	"github.com/MrWong99/questvoice/pkg/provider/s2s"
	geminilive "github.com/MrWong99/questvoice/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/questvoice/pkg/provider/s2s/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "questvoice.yaml", "path to the YAML configuration file")
	autoConnect := flag.Bool("connect", false, "connect immediately instead of waiting for /connect")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "questvoice: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "questvoice: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("questvoice starting",
		"config", *configPath,
		"provider", cfg.Provider.Name,
		"fallbacks", len(cfg.Fallbacks),
		"input", cfg.Audio.Input,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(tel.MeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	provider, err := buildProvider(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to build provider", "err", err)
		return 1
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	actx, err := miniaudio.NewContext()
	if err != nil {
		slog.Error("failed to open audio", "err", err)
		return 1
	}
	defer actx.Close()

	var (
		input    audio.InputDevice
		commands io.Reader = os.Stdin
	)
	switch cfg.Audio.Input {
	case config.InputStdin:
		var opts []pcmstream.Option
		if cfg.Audio.InputChannels == 2 {
			opts = append(opts, pcmstream.WithStereo())
		}
		input = pcmstream.New(os.Stdin, cfg.Audio.InputSampleRate, opts...)
		commands = nil
		*autoConnect = true
	default:
		input = miniaudio.NewMicrophone(actx)
	}
	devices := s2sengine.Devices{Input: input, Output: miniaudio.NewSpeaker(actx)}

	// ── Engine ────────────────────────────────────────────────────────────────
	con := newConsole(nil, commands, os.Stdout)
	opts := []s2sengine.Option{
		s2sengine.WithCredentials(cfg.Provider),
		s2sengine.WithProviderName(cfg.Provider.Name),
		s2sengine.WithMetrics(metrics),
		s2sengine.WithToolTimeout(cfg.Session.ToolTimeout),
		s2sengine.WithCallbacks(engine.Callbacks{
			OnEnvironmentChange: con.Scene,
			OnArtifactDisplay:   con.Artifact,
		}),
	}
	if cfg.Audio.PollBlockSize > 0 {
		opts = append(opts, s2sengine.WithCaptureBlockSize(cfg.Audio.PollBlockSize))
	}
	if cfg.Session.StartMuted {
		opts = append(opts, s2sengine.WithStartMuted())
	}
	eng := s2sengine.New(provider, devices, cfg.Session.ToSessionConfig(), opts...)
	con.sess = eng

	// ── Hot reload ────────────────────────────────────────────────────────────
	reloader, err := config.NewWatcher(*configPath, func(_, next *config.Config, diff config.ConfigDiff) {
		if diff.LogLevelChanged {
			level.Set(diff.NewLogLevel.SlogLevel())
			slog.Info("log level changed", "level", diff.NewLogLevel)
		}
		if diff.SessionChanged {
			eng.SetSessionConfig(next.Session.ToSessionConfig())
			slog.Info("session settings updated; applied on next connect")
		}
	})
	if err != nil {
		slog.Error("failed to watch config", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.ListenAddr != "" {
		handler := newAdminHandler(eng, metrics, tel.MetricsHandler(),
			health.Checker{Name: "providers", Check: provider.Check})
		g.Go(func() error { return serveAdmin(gctx, cfg.Server.ListenAddr, handler) })
	}

	g.Go(func() error { return reloader.Run(gctx) })
	g.Go(func() error { return con.Print(gctx, eng.Notifications()) })

	if *autoConnect {
		if err := eng.Connect(gctx); err != nil {
			slog.Error("connect failed", "err", err)
		}
	}

	if commands != nil {
		g.Go(func() error {
			err := con.Run(gctx)
			if err == nil || errors.Is(err, context.Canceled) {
				return errQuit
			}
			return err
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return eng.Disconnect()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the built-in realtime backends into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.Register("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(opts...), nil
	})

	reg.Register("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		if m := optString(entry.Options, "transcription_model"); m != "" {
			opts = append(opts, oais2s.WithTranscriptionModel(m))
		}
		if v, ok := entry.Options["server_vad"].(bool); ok {
			opts = append(opts, oais2s.WithServerVAD(v))
		}
		if s := optString(entry.Options, "commit_interval"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("options.commit_interval: %w", err)
			}
			opts = append(opts, oais2s.WithCommitInterval(d))
		}
		return oais2s.New(opts...), nil
	})
}

// buildProvider puts the primary backend and any configured fallbacks behind
// per-backend circuit breakers.
func buildProvider(ctx context.Context, cfg *config.Config, reg *config.Registry) (*resilience.S2SFallback, error) {
	primary, err := reg.Create(cfg.Provider)
	if err != nil {
		return nil, err
	}

	group := resilience.NewS2SFallback(primary, cfg.Provider.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("provider circuit changed", "provider", name, "from", from, "to", to)
			},
		},
	})
	for _, entry := range cfg.Fallbacks {
		p, err := reg.Create(entry)
		if err != nil {
			return nil, err
		}
		creds, err := entry.Credentials(ctx)
		if err != nil {
			slog.Warn("skipping fallback without credentials", "provider", entry.Name, "err", err)
			continue
		}
		group.AddFallback(entry.Name, p, creds)
		slog.Info("fallback provider registered", "provider", entry.Name)
	}
	return group, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       questvoice startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", summarize(cfg.Provider.Name, cfg.Provider.Model))
	for _, fb := range cfg.Fallbacks {
		printRow("Fallback", summarize(fb.Name, fb.Model))
	}
	printRow("Voice", orDefault(cfg.Session.Voice))
	printRow("Input", string(cfg.Audio.Input))
	printRow("Admin addr", orDefault(cfg.Server.ListenAddr))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func summarize(name, model string) string {
	if model == "" {
		return name
	}
	return name + " / " + model
}

func orDefault(s string) string {
	if s == "" {
		return "(default)"
	}
	return s
}

func printRow(label, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
