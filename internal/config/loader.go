package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "gemini", "ollama", "mistral", "groq", "deepseek", "llamacpp", "llamafile"},
	"stt":        {"deepgram"},
	"tts":        {"elevenlabs"},
	"embeddings": {"openai"},
}

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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
//
// ${VAR} and $VAR references are expanded from the environment before
// decoding, so API keys can stay out of the config file. Unset variables
// expand to the empty string.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	for _, fb := range cfg.Providers.LLMFallbacks {
		validateProviderName("llm", fb.Name)
	}
	for _, fb := range cfg.Providers.STTFallbacks {
		validateProviderName("stt", fb.Name)
	}
	for _, fb := range cfg.Providers.TTSFallbacks {
		validateProviderName("tts", fb.Name)
	}

	// Provider availability
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm is required: the agent cannot generate responses without an LLM"))
	}
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
	}
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
		}
	}
	for i, fb := range cfg.Providers.TTSFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.tts_fallbacks[%d].name is required", i))
		}
	}
	if len(cfg.Providers.STTFallbacks) > 0 && cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt_fallbacks requires a primary providers.stt"))
	}
	if len(cfg.Providers.TTSFallbacks) > 0 && cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts_fallbacks requires a primary providers.tts"))
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("providers.stt is not configured; the agent will only accept text input")
	}
	if cfg.Providers.TTS.Name == "" && !cfg.Agent.ConsultantMode {
		slog.Warn("providers.tts is not configured; responses will be text-only")
	}

	// Agent
	if cfg.Agent.Temperature < 0 || cfg.Agent.Temperature > 2.0 {
		errs = append(errs, fmt.Errorf("agent.temperature %.2f is out of range [0.0, 2.0]", cfg.Agent.Temperature))
	}
	if cfg.Agent.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("agent.max_tokens %d must not be negative", cfg.Agent.MaxTokens))
	}
	if cfg.Agent.GenerationTimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("agent.generation_timeout_ms %d must not be negative", cfg.Agent.GenerationTimeoutMS))
	}
	if cfg.Agent.Voice.Provider != "" && cfg.Providers.TTS.Name != "" && cfg.Agent.Voice.Provider != cfg.Providers.TTS.Name {
		slog.Warn("agent voice provider does not match configured TTS provider",
			"voice_provider", cfg.Agent.Voice.Provider,
			"tts_provider", cfg.Providers.TTS.Name,
		)
	}

	// Turn tuning
	if cfg.Turn.SilenceMS < 0 {
		errs = append(errs, fmt.Errorf("turn.silence_ms %d must not be negative", cfg.Turn.SilenceMS))
	}
	if cfg.Turn.DebounceMS < 0 {
		errs = append(errs, fmt.Errorf("turn.debounce_ms %d must not be negative", cfg.Turn.DebounceMS))
	}
	if cfg.Turn.SemanticThreshold < 0 || cfg.Turn.SemanticThreshold > 1.0 {
		errs = append(errs, fmt.Errorf("turn.semantic_threshold %.2f is out of range [0.0, 1.0]", cfg.Turn.SemanticThreshold))
	}

	// Embeddings ↔ history dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.History.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but history.embedding_dimensions is not set; defaulting to 1536")
	}
	if cfg.History.SemanticRecall && cfg.Providers.Embeddings.Name == "" {
		errs = append(errs, errors.New("history.semantic_recall requires providers.embeddings to be configured"))
	}
	if cfg.History.PostgresDSN == "" && cfg.History.SemanticRecall {
		errs = append(errs, errors.New("history.semantic_recall requires history.postgres_dsn to be set"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
