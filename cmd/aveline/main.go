// Command aveline runs the Aveline voice conversation agent: a speech-to-text
// driven turn-taking loop around a streaming LLM, with optional synthesized
// speech output and Postgres-backed conversation history.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aveline-ai/aveline/internal/app"
	"github.com/aveline-ai/aveline/internal/config"
	"github.com/aveline-ai/aveline/internal/observe"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("aveline", version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "aveline: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "aveline: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("aveline starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "aveline",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sdCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sdCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, config.DefaultRegistry())
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLogger(logger))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("agent ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to
// consume. The LLM is mandatory (config validation enforces the name, this
// enforces the construction); STT, TTS and embeddings are optional and a
// missing one only narrows the agent's capabilities.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	llm, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	ps.LLM = llm
	slog.Info("provider created", "kind", "llm",
		"name", cfg.Providers.LLM.Name, "model", cfg.Providers.LLM.Model)

	for _, entry := range cfg.Providers.LLMFallbacks {
		fb, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
		}
		ps.LLMFallbacks = append(ps.LLMFallbacks, app.FallbackLLM{
			Name:     entry.Name,
			Provider: fb,
		})
		slog.Info("provider created", "kind", "llm-fallback",
			"name", entry.Name, "model", entry.Model)
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		}
		ps.STT = p
		slog.Info("provider created", "kind", "stt", "name", name)

		for _, entry := range cfg.Providers.STTFallbacks {
			fb, err := reg.CreateSTT(entry)
			if err != nil {
				return nil, fmt.Errorf("create stt fallback %q: %w", entry.Name, err)
			}
			ps.STTFallbacks = append(ps.STTFallbacks, app.FallbackSTT{
				Name:      entry.Name,
				Transport: fb,
			})
			slog.Info("provider created", "kind", "stt-fallback", "name", entry.Name)
		}
	} else {
		slog.Info("no stt provider configured — text-only mode")
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		}
		ps.TTS = p
		slog.Info("provider created", "kind", "tts", "name", name)

		for _, entry := range cfg.Providers.TTSFallbacks {
			fb, err := reg.CreateTTS(entry)
			if err != nil {
				return nil, fmt.Errorf("create tts fallback %q: %w", entry.Name, err)
			}
			ps.TTSFallbacks = append(ps.TTSFallbacks, app.FallbackTTS{
				Name:        entry.Name,
				Synthesizer: fb,
			})
			slog.Info("provider created", "kind", "tts-fallback", "name", entry.Name)
		}
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		}
		ps.Embeddings = p
		slog.Info("provider created", "kind", "embeddings", "name", name)
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Aveline — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	for _, fb := range cfg.Providers.LLMFallbacks {
		printProvider("LLM fallback", fb.Name, fb.Model)
	}
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	for _, fb := range cfg.Providers.STTFallbacks {
		printProvider("STT fallback", fb.Name, fb.Model)
	}
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	for _, fb := range cfg.Providers.TTSFallbacks {
		printProvider("TTS fallback", fb.Name, fb.Model)
	}
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	if cfg.History.PostgresDSN != "" {
		fmt.Printf("║  History         : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  History         : %-19s ║\n", "in-memory")
	}
	mode := "voice"
	if cfg.Agent.ConsultantMode {
		mode = "consultant"
	}
	fmt.Printf("║  Mode            : %-19s ║\n", mode)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
