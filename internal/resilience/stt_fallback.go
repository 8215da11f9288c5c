package resilience

import (
	"context"

	"github.com/aveline-ai/aveline/pkg/stt"
)

// STTFallback implements [stt.Transport] with automatic failover across
// multiple speech-to-text backends. Each backend has its own circuit breaker.
type STTFallback struct {
	group *FallbackGroup[stt.Transport]
}

var _ stt.Transport = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Transport, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional STT transport as a fallback.
func (f *STTFallback) AddFallback(name string, transport stt.Transport) {
	f.group.AddFallback(name, transport)
}

// Connect opens a transcription stream against the first healthy backend.
// Only the dial participates in failover; once a stream is live, drops are
// the connection manager's responsibility.
func (f *STTFallback) Connect(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	return ExecuteWithResult(f.group, func(t stt.Transport) (stt.Stream, error) {
		return t.Connect(ctx, cfg)
	})
}
