package config_test

import (
	"strings"
	"testing"

	"github.com/aveline-ai/aveline/internal/config"
)

func TestValidate_LLMProviderRequired(t *testing.T) {
	t.Parallel()
	yaml := `
agent:
  system_prompt: "Tu es Aveline."
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing LLM provider, got nil")
	}
	if !strings.Contains(err.Error(), "providers.llm") {
		t.Errorf("error should mention providers.llm, got: %v", err)
	}
}

func TestValidate_FullConfigIsValid(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":8080"
  log_level: info
providers:
  llm:
    name: openai
    model: gpt-4o-mini
  stt:
    name: deepgram
    model: nova-3
  tts:
    name: elevenlabs
  embeddings:
    name: openai
    model: text-embedding-3-small
  llm_fallbacks:
    - name: anthropic
      model: claude-3-5-haiku-latest
  stt_fallbacks:
    - name: deepgram
      model: nova-2
  tts_fallbacks:
    - name: elevenlabs
agent:
  system_prompt: "Tu es Aveline, une assistante vocale."
  voice:
    provider: elevenlabs
    voice_id: rachel
  temperature: 0.7
turn:
  language: fr-FR
  silence_ms: 2000
  semantic_threshold: 0.7
history:
  postgres_dsn: "postgres://localhost/aveline"
  embedding_dimensions: 1536
  semantic_recall: true
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.LLM.Model != "gpt-4o-mini" {
		t.Errorf("llm model = %q, want gpt-4o-mini", cfg.Providers.LLM.Model)
	}
	if len(cfg.Providers.LLMFallbacks) != 1 {
		t.Fatalf("llm_fallbacks length = %d, want 1", len(cfg.Providers.LLMFallbacks))
	}
	if len(cfg.Providers.STTFallbacks) != 1 || cfg.Providers.STTFallbacks[0].Model != "nova-2" {
		t.Fatalf("stt_fallbacks = %+v, want one nova-2 entry", cfg.Providers.STTFallbacks)
	}
	if len(cfg.Providers.TTSFallbacks) != 1 || cfg.Providers.TTSFallbacks[0].Name != "elevenlabs" {
		t.Fatalf("tts_fallbacks = %+v, want one elevenlabs entry", cfg.Providers.TTSFallbacks)
	}
}

func TestValidate_SpeechFallbacksRequirePrimary(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
  stt_fallbacks:
    - name: deepgram
  tts_fallbacks:
    - name: elevenlabs
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for fallbacks without a primary, got nil")
	}
	for _, want := range []string{"providers.stt_fallbacks requires a primary", "providers.tts_fallbacks requires a primary"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_SpeechFallbackNameRequired(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
  stt:
    name: deepgram
  stt_fallbacks:
    - model: large-v3
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for fallback without a name, got nil")
	}
	if !strings.Contains(err.Error(), "providers.stt_fallbacks[0].name") {
		t.Errorf("error should mention the unnamed entry, got: %v", err)
	}
}

func TestValidate_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
agents:
  system_prompt: "typo for agent"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown top-level field, got nil")
	}
}

func TestValidate_TemperatureOutOfRange(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
agent:
  temperature: 3.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for temperature out of range, got nil")
	}
	if !strings.Contains(err.Error(), "temperature") {
		t.Errorf("error should mention temperature, got: %v", err)
	}
}

func TestValidate_SemanticRecallRequiresEmbeddings(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
history:
  postgres_dsn: "postgres://localhost/aveline"
  semantic_recall: true
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for semantic_recall without embeddings, got nil")
	}
	if !strings.Contains(err.Error(), "semantic_recall") {
		t.Errorf("error should mention semantic_recall, got: %v", err)
	}
}

func TestValidate_TLSRequiresCertAndKey(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  tls:
    cert_file: /etc/aveline/cert.pem
providers:
  llm:
    name: openai
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for TLS without key_file, got nil")
	}
	if !strings.Contains(err.Error(), "key_file") {
		t.Errorf("error should mention key_file, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
agent:
  temperature: -1
turn:
  semantic_threshold: 1.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	for _, want := range []string{"log_level", "temperature", "semantic_threshold", "providers.llm"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	// Sanity-check that the map is populated.
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	llmNames := config.ValidProviderNames["llm"]
	if len(llmNames) == 0 {
		t.Fatal("ValidProviderNames[\"llm\"] should not be empty")
	}
	// Check that "openai" is in the LLM list.
	found := false
	for _, n := range llmNames {
		if n == "openai" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames[\"llm\"] should contain \"openai\"")
	}
}

func TestLoadFromReader_ExpandsEnvVars(t *testing.T) {
	t.Setenv("AVELINE_TEST_API_KEY", "sk-from-env")
	yaml := `
providers:
  llm:
    name: openai
    api_key: ${AVELINE_TEST_API_KEY}
    model: gpt-4o
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Providers.LLM.APIKey; got != "sk-from-env" {
		t.Errorf("api_key = %q, want %q", got, "sk-from-env")
	}
}
