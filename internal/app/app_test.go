package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aveline-ai/aveline/internal/app"
	"github.com/aveline-ai/aveline/internal/config"
	"github.com/aveline-ai/aveline/pkg/llm"
	llmmock "github.com/aveline-ai/aveline/pkg/llm/mock"
	sttmock "github.com/aveline-ai/aveline/pkg/stt/mock"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Providers: config.ProvidersConfig{
			LLM: config.ProviderEntry{Name: "openai", Model: "gpt-4o-mini"},
		},
		Agent: config.AgentConfig{
			SystemPrompt: "Tu es Aveline.",
		},
		Turn: config.TurnConfig{Language: "fr-FR"},
	}
}

func testLLM() *llmmock.Provider {
	return &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Il est "},
			{Text: "midi."},
			{FinishReason: "stop"},
		},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNew_RequiresLLM(t *testing.T) {
	_, err := app.New(context.Background(), testConfig(), &app.Providers{})
	if err == nil {
		t.Fatal("expected error for missing LLM provider, got nil")
	}
}

func TestNew_WiresAgent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, testConfig(), &app.Providers{LLM: testLLM()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if a.Agent() == nil {
		t.Fatal("Agent() returned nil")
	}
	if got := a.Agent().Phase(); got != "idle" {
		t.Errorf("initial phase = %q, want idle", got)
	}
	if a.Sessions().IsActive() {
		t.Error("session should not be active before Run")
	}
}

func TestRun_TextOnlyConversation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := testLLM()
	a, err := app.New(ctx, testConfig(), &app.Providers{LLM: provider})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- a.Run(ctx) }()

	waitFor(t, "session active", a.Sessions().IsActive)

	if err := a.Agent().ProcessUserMessage(ctx, "Quelle heure est-il maintenant s'il te plaît"); err != nil {
		t.Fatalf("ProcessUserMessage: %v", err)
	}
	waitFor(t, "response in history", func() bool {
		return len(a.Agent().History()) == 2
	})

	hist := a.Agent().History()
	if hist[1].Content != "Il est midi." {
		t.Errorf("response = %q, want %q", hist[1].Content, "Il est midi.")
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled or nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	shutdownCtx, sc := context.WithTimeout(context.Background(), 2*time.Second)
	defer sc()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if a.Sessions().IsActive() {
		t.Error("session still active after Shutdown")
	}
}

func TestRun_ConsultantModeOnlyListens(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := testLLM()
	cfg := testConfig()
	cfg.Agent.ConsultantMode = true

	a, err := app.New(ctx, cfg, &app.Providers{LLM: provider})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- a.Run(ctx) }()

	waitFor(t, "session active", a.Sessions().IsActive)

	if err := a.Agent().ProcessUserMessage(ctx, "Note bien ce que je vais dire maintenant"); err != nil {
		t.Fatalf("ProcessUserMessage: %v", err)
	}
	waitFor(t, "user turn in history", func() bool {
		return len(a.Agent().History()) == 1
	})

	if got := provider.Streams(); got != 0 {
		t.Errorf("llm calls = %d, want 0 in consultant mode", got)
	}

	cancel()
	<-runDone
}

func TestRun_ConnectsSpeechTransport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := &sttmock.Transport{}
	cfg := testConfig()
	cfg.Providers.STT = config.ProviderEntry{Name: "deepgram"}

	a, err := app.New(ctx, cfg, &app.Providers{LLM: testLLM(), STT: transport})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- a.Run(ctx) }()

	waitFor(t, "stt connected", func() bool { return transport.Connects() == 1 })

	if got := transport.LastConfig().Language; got != "fr-FR" {
		t.Errorf("stream language = %q, want fr-FR", got)
	}

	cancel()
	<-runDone

	shutdownCtx, sc := context.WithTimeout(context.Background(), 2*time.Second)
	defer sc()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if stream := transport.LastStream(); stream != nil && !stream.Closed() {
		t.Error("stt stream not closed after Shutdown")
	}
}

func TestRun_STTFallbackTakesOver(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	primary := &sttmock.Transport{ConnectErr: errors.New("dial refused")}
	backup := &sttmock.Transport{}
	cfg := testConfig()
	cfg.Providers.STT = config.ProviderEntry{Name: "deepgram"}
	cfg.Providers.STTFallbacks = []config.ProviderEntry{{Name: "deepgram"}}

	a, err := app.New(ctx, cfg, &app.Providers{
		LLM:          testLLM(),
		STT:          primary,
		STTFallbacks: []app.FallbackSTT{{Name: "deepgram-backup", Transport: backup}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- a.Run(ctx) }()

	waitFor(t, "fallback transport connected", func() bool { return backup.Connects() == 1 })
	if got := primary.Connects(); got != 1 {
		t.Errorf("primary dialed %d times, want 1", got)
	}

	cancel()
	<-runDone
}

func TestShutdown_Idempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, testConfig(), &app.Providers{LLM: testLLM()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	shutdownCtx, sc := context.WithTimeout(context.Background(), time.Second)
	defer sc()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Errorf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}
