package resilience

import (
	"context"

	"github.com/aveline-ai/aveline/pkg/tts"
)

// TTSFallback implements [tts.Synthesizer] with automatic failover across
// multiple text-to-speech backends. Each backend has its own circuit breaker.
type TTSFallback struct {
	group *FallbackGroup[tts.Synthesizer]
}

var _ tts.Synthesizer = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Synthesizer, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional synthesizer as a fallback.
func (f *TTSFallback) AddFallback(name string, synth tts.Synthesizer) {
	f.group.AddFallback(name, synth)
}

// SynthesizeStream opens a synthesis stream against the first healthy
// backend. Only stream setup participates in failover; mid-stream errors are
// the caller's responsibility.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	return ExecuteWithResult(f.group, func(s tts.Synthesizer) (<-chan []byte, error) {
		return s.SynthesizeStream(ctx, text, voice)
	})
}
