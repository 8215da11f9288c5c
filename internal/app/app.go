// Package app wires all Aveline subsystems into a running voice agent.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithScheduler,
// WithHistoryStore, WithPlayer, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/aveline-ai/aveline/internal/config"
	"github.com/aveline-ai/aveline/internal/connection"
	"github.com/aveline-ai/aveline/internal/conversation"
	"github.com/aveline-ai/aveline/internal/echo"
	"github.com/aveline-ai/aveline/internal/health"
	"github.com/aveline-ai/aveline/internal/history"
	"github.com/aveline-ai/aveline/internal/history/postgres"
	"github.com/aveline-ai/aveline/internal/observe"
	"github.com/aveline-ai/aveline/internal/resilience"
	"github.com/aveline-ai/aveline/internal/sched"
	"github.com/aveline-ai/aveline/internal/turndetect"
	"github.com/aveline-ai/aveline/pkg/audio"
	"github.com/aveline-ai/aveline/pkg/embeddings"
	"github.com/aveline-ai/aveline/pkg/llm"
	"github.com/aveline-ai/aveline/pkg/stt"
	"github.com/aveline-ai/aveline/pkg/tts"
)

// FallbackLLM pairs a backup LLM provider with the name it was registered
// under, for circuit-breaker labelling.
type FallbackLLM struct {
	Name     string
	Provider llm.Provider
}

// FallbackSTT pairs a backup STT transport with its registered name.
type FallbackSTT struct {
	Name      string
	Transport stt.Transport
}

// FallbackTTS pairs a backup synthesizer with its registered name.
type FallbackTTS struct {
	Name        string
	Synthesizer tts.Synthesizer
}

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM          llm.Provider
	LLMFallbacks []FallbackLLM
	STT          stt.Transport
	STTFallbacks []FallbackSTT
	TTS          tts.Synthesizer
	TTSFallbacks []FallbackTTS
	Embeddings   embeddings.Provider
}

// App owns all subsystem lifetimes for one Aveline voice agent.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger

	scheduler *sched.Scheduler
	metrics   *observe.Metrics
	player    audio.Player
	store     history.Store
	observer  conversation.Observer

	agent    *conversation.Orchestrator
	conn     *connection.Manager
	sessions *SessionManager
	health   *health.Handler
	srv      *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithScheduler injects a scheduler, typically one built on a fake clock.
func WithScheduler(s *sched.Scheduler) Option {
	return func(a *App) { a.scheduler = s }
}

// WithHistoryStore injects a history store instead of dialing PostgreSQL.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.store = s }
}

// WithPlayer injects the playback sink for synthesized speech.
func WithPlayer(p audio.Player) Option {
	return func(a *App) { a.player = p }
}

// WithMetrics overrides the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithObserver registers a conversation lifecycle observer.
func WithObserver(obs conversation.Observer) Option {
	return func(a *App) { a.observer = obs }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, fmt.Errorf("app: an LLM provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}

	if a.scheduler == nil {
		a.scheduler = sched.NewScheduler(sched.RealClock{})
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.player == nil {
		// Raw PCM on stdout; pipe to aplay/sox/ffplay for local playback.
		a.player = audio.NewWriterPlayer(os.Stdout)
	}

	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	a.initAgent(ctx)
	a.initConnection()
	a.sessions = NewSessionManager(a.agent, a.conn, cfg.Turn.Language, a.log)
	a.initHealth()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initHistory dials the PostgreSQL conversation store unless one was
// injected or persistence is disabled.
func (a *App) initHistory(ctx context.Context) error {
	if a.store != nil || a.cfg.History.PostgresDSN == "" {
		return nil
	}

	dims := a.cfg.History.EmbeddingDimensions
	if dims == 0 {
		dims = 1536 // matches OpenAI text-embedding-3-small
	}

	popts := []postgres.Option{postgres.WithLogger(a.log)}
	if a.cfg.History.SemanticRecall && a.providers.Embeddings != nil {
		popts = append(popts, postgres.WithEmbedder(a.providers.Embeddings))
	}

	store, err := postgres.NewStore(ctx, a.cfg.History.PostgresDSN, dims, popts...)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	return nil
}

// initAgent builds the conversation orchestrator around the configured LLM,
// with fallbacks, echo suppression, speech output, and semantic end-of-turn
// detection when the provider supports first-token scoring.
func (a *App) initAgent(ctx context.Context) {
	provider := a.providers.LLM
	if len(a.providers.LLMFallbacks) > 0 {
		fb := resilience.NewLLMFallback(provider, a.cfg.Providers.LLM.Name, resilience.FallbackConfig{})
		for _, f := range a.providers.LLMFallbacks {
			fb.AddFallback(f.Name, f.Provider)
		}
		provider = fb
	}

	ocfg := conversation.Config{
		SystemPrompt: a.cfg.Agent.SystemPrompt,
		Voice: tts.Voice{
			ID:       a.cfg.Agent.Voice.VoiceID,
			Name:     a.cfg.Agent.Voice.Name,
			Provider: a.cfg.Agent.Voice.Provider,
		},
		ConsultantMode:    a.cfg.Agent.ConsultantMode,
		GenerationTimeout: time.Duration(a.cfg.Agent.GenerationTimeoutMS) * time.Millisecond,
		DedupWindow:       time.Duration(a.cfg.Turn.DedupMS) * time.Millisecond,
		Temperature:       a.cfg.Agent.Temperature,
		MaxTokens:         a.cfg.Agent.MaxTokens,
		Turn:              a.cfg.Turn.Transcription(),
	}

	copts := []conversation.Option{
		conversation.WithEchoDetector(echo.NewDetector()),
		conversation.WithMetrics(a.metrics),
		conversation.WithLogger(a.log),
	}
	if a.providers.TTS != nil && !a.cfg.Agent.ConsultantMode {
		synth := a.providers.TTS
		if len(a.providers.TTSFallbacks) > 0 {
			fb := resilience.NewTTSFallback(synth, a.cfg.Providers.TTS.Name, resilience.FallbackConfig{})
			for _, f := range a.providers.TTSFallbacks {
				fb.AddFallback(f.Name, f.Synthesizer)
			}
			synth = fb
		}
		copts = append(copts, conversation.WithSpeech(synth, a.player))
	}
	if a.store != nil {
		copts = append(copts, conversation.WithHistoryStore(a.store))
	}
	if a.observer != nil {
		copts = append(copts, conversation.WithObserver(a.observer))
	}
	if scorer, ok := a.providers.LLM.(llm.Scorer); ok {
		copts = append(copts, conversation.WithTurnDetector(turndetect.NewLLMDetector(scorer)))
	}

	a.agent = conversation.New(ctx, ocfg, provider, a.scheduler, copts...)

	for _, tag := range a.cfg.Turn.AllowedSpeakers {
		a.agent.Manager().AddAllowedSpeaker(tag)
	}
}

// initConnection builds the STT connection manager when a transport is
// configured. Without STT the agent still accepts text input through
// ProcessUserMessage.
func (a *App) initConnection() {
	if a.providers.STT == nil {
		return
	}

	transport := a.providers.STT
	if len(a.providers.STTFallbacks) > 0 {
		fb := resilience.NewSTTFallback(transport, a.cfg.Providers.STT.Name, resilience.FallbackConfig{})
		for _, f := range a.providers.STTFallbacks {
			fb.AddFallback(f.Name, f.Transport)
		}
		transport = fb
	}

	a.conn = connection.NewManager(transport, connection.Config{
		Stream: stt.StreamConfig{
			SampleRate: 16000,
			Channels:   1,
			Language:   a.cfg.Turn.Language,
			Diarize:    a.cfg.Turn.SpeakerFiltering,
		},
		OnReconnect: a.agent.Connect,
	}, a.agent,
		connection.WithMetrics(a.metrics),
		connection.WithLogger(a.log),
	)
}

// initHealth assembles the probe endpoints from whichever dependencies are
// actually wired.
func (a *App) initHealth() {
	var checkers []health.Checker
	if pg, ok := a.store.(*postgres.Store); ok {
		checkers = append(checkers, health.Checker{Name: "postgres", Check: pg.Ping})
	}
	if a.conn != nil {
		checkers = append(checkers, health.Checker{Name: "stt", Check: func(context.Context) error {
			if !a.conn.Connected() {
				return fmt.Errorf("stt stream down")
			}
			return nil
		}})
	}

	a.health = health.New(checkers...)
	a.health.SetStatusSource(a.agent)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects the speech transport, starts the HTTP server, and blocks
// until ctx is cancelled or a subsystem fails fatally.
func (a *App) Run(ctx context.Context) error {
	if err := a.sessions.Start(ctx); err != nil {
		return fmt.Errorf("app: start session: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}

	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.srv = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		a.log.Info("http server listening", "addr", addr)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	})

	return g.Wait()
}

// Agent exposes the conversation orchestrator, mainly for tests and for
// control surfaces that push text input.
func (a *App) Agent() *conversation.Orchestrator { return a.agent }

// Sessions exposes the session supervisor.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if a.sessions.IsActive() {
			if err := a.sessions.Stop(); err != nil {
				a.log.Warn("session stop error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
