// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify the requests the orchestrator sends
// and to feed controlled responses without a live backend. All fields are
// safe to set before calling any method; mutating them during a concurrent
// call is the caller's responsibility.
package mock

import (
	"context"
	"sync"

	"github.com/aveline-ai/aveline/pkg/llm"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// ScoreCall records a single invocation of ScoreFirstToken.
type ScoreCall struct {
	Req  llm.CompletionRequest
	TopK int
}

// Provider is a mock implementation of llm.Provider and llm.Scorer. Zero
// values for response fields cause methods to return zero values and nil
// errors; set Err fields to inject failures.
type Provider struct {
	mu sync.Mutex

	// StreamChunks is the sequence emitted on the channel returned by
	// StreamCompletion, before the channel is closed.
	StreamChunks []llm.Chunk

	// StreamDelay, when non-nil, is received from between chunks. Feed it
	// from the test to step the stream, or close it to let the stream run
	// free.
	StreamDelay chan struct{}

	// StreamErr, if non-nil, is returned from StreamCompletion instead of
	// starting a stream.
	StreamErr error

	// CompleteResponse and CompleteErr are returned by Complete.
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// ScoreResult and ScoreErr are returned by ScoreFirstToken.
	ScoreResult []llm.TokenLogprob
	ScoreErr    error

	// Call records, read after the test.
	StreamCalls   []StreamCall
	CompleteCalls []CompleteCall
	ScoreCalls    []ScoreCall
}

var (
	_ llm.Provider = (*Provider)(nil)
	_ llm.Scorer   = (*Provider)(nil)
)

// StreamCompletion records the call and returns a channel emitting
// StreamChunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([]llm.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	delay := p.StreamDelay
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if delay != nil {
				select {
				case <-delay:
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Complete records the call and returns CompleteResponse, CompleteErr.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	return p.CompleteResponse, p.CompleteErr
}

// ScoreFirstToken records the call and returns ScoreResult, ScoreErr.
func (p *Provider) ScoreFirstToken(_ context.Context, req llm.CompletionRequest, topK int) ([]llm.TokenLogprob, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ScoreCalls = append(p.ScoreCalls, ScoreCall{Req: req, TopK: topK})
	return p.ScoreResult, p.ScoreErr
}

// Streams returns how many StreamCompletion calls were made.
func (p *Provider) Streams() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamCalls)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.CompleteCalls = nil
	p.ScoreCalls = nil
}
