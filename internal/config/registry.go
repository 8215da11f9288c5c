package config

import (
	"errors"
	"fmt"
	"sync"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/aveline-ai/aveline/pkg/embeddings"
	embopenai "github.com/aveline-ai/aveline/pkg/embeddings/openai"
	"github.com/aveline-ai/aveline/pkg/llm"
	"github.com/aveline-ai/aveline/pkg/llm/anyllm"
	llmopenai "github.com/aveline-ai/aveline/pkg/llm/openai"
	"github.com/aveline-ai/aveline/pkg/stt"
	"github.com/aveline-ai/aveline/pkg/stt/deepgram"
	"github.com/aveline-ai/aveline/pkg/tts"
	"github.com/aveline-ai/aveline/pkg/tts/elevenlabs"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	llm        map[string]func(ProviderEntry) (llm.Provider, error)
	stt        map[string]func(ProviderEntry) (stt.Transport, error)
	tts        map[string]func(ProviderEntry) (tts.Synthesizer, error)
	embeddings map[string]func(ProviderEntry) (embeddings.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        make(map[string]func(ProviderEntry) (llm.Provider, error)),
		stt:        make(map[string]func(ProviderEntry) (stt.Transport, error)),
		tts:        make(map[string]func(ProviderEntry) (tts.Synthesizer, error)),
		embeddings: make(map[string]func(ProviderEntry) (embeddings.Provider, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterSTT registers a speech-to-text transport factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Transport, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterTTS registers a speech synthesizer factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Synthesizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(ProviderEntry) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSTT instantiates a speech-to-text transport using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Transport, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTTS instantiates a speech synthesizer using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Synthesizer, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateEmbeddings instantiates an embeddings provider using the factory registered under entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// DefaultRegistry returns a [Registry] pre-populated with factories for every
// provider implementation shipped with Aveline. The "openai" LLM name maps to
// the native OpenAI adapter; the other LLM names route through any-llm-go.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.RegisterLLM("openai", func(e ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if e.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(e.BaseURL))
		}
		if org := optString(e, "organization"); org != "" {
			opts = append(opts, llmopenai.WithOrganization(org))
		}
		return llmopenai.New(e.APIKey, e.Model, opts...)
	})
	for _, name := range []string{"anthropic", "gemini", "ollama", "mistral", "groq", "deepseek", "llamacpp", "llamafile"} {
		r.RegisterLLM(name, func(e ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if e.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
			}
			if e.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
			}
			return anyllm.New(e.Name, e.Model, opts...)
		})
	}

	r.RegisterSTT("deepgram", func(e ProviderEntry) (stt.Transport, error) {
		var opts []deepgram.Option
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		if lang := optString(e, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if rate := optInt(e, "sample_rate"); rate > 0 {
			opts = append(opts, deepgram.WithSampleRate(rate))
		}
		if e.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(e.BaseURL))
		}
		return deepgram.New(e.APIKey, opts...)
	})

	r.RegisterTTS("elevenlabs", func(e ProviderEntry) (tts.Synthesizer, error) {
		var opts []elevenlabs.Option
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		if format := optString(e, "output_format"); format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		if stability, ok := optFloat(e, "stability"); ok {
			opts = append(opts, elevenlabs.WithStability(stability))
		}
		return elevenlabs.New(e.APIKey, opts...)
	})

	r.RegisterEmbeddings("openai", func(e ProviderEntry) (embeddings.Provider, error) {
		var opts []embopenai.Option
		if e.BaseURL != "" {
			opts = append(opts, embopenai.WithBaseURL(e.BaseURL))
		}
		return embopenai.New(e.APIKey, e.Model, opts...)
	})

	return r
}

// optString reads a string value from entry.Options, returning "" when the
// key is absent or not a string.
func optString(e ProviderEntry, key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// optInt reads an integer value from entry.Options. YAML decodes unquoted
// numbers as int, so no float coercion is attempted.
func optInt(e ProviderEntry, key string) int {
	n, _ := e.Options[key].(int)
	return n
}

// optFloat reads a float value from entry.Options. The second return
// distinguishes an absent key from an explicit zero.
func optFloat(e ProviderEntry, key string) (float64, bool) {
	switch v := e.Options[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
