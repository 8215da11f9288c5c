// Package mock provides a deterministic embeddings.Provider for tests. Each
// text hashes to a fixed low-dimensional vector so similarity relations are
// stable across runs.
package mock

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/aveline-ai/aveline/pkg/embeddings"
)

const dims = 8

// Provider is a deterministic embeddings.Provider. The zero value is usable.
type Provider struct {
	// Err, when set, fails every call.
	Err error

	mu    sync.Mutex
	calls []string
}

var _ embeddings.Provider = (*Provider)(nil)

// Embed hashes text into a fixed vector.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	p.mu.Lock()
	p.calls = append(p.calls, text)
	p.mu.Unlock()
	return vectorFor(text), nil
}

// EmbedBatch hashes each text independently.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return dims }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return "mock-fnv-8" }

// Calls returns the texts embedded so far.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

func vectorFor(text string) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	v := make([]float32, dims)
	for i := range v {
		seed = seed*6364136223846793005 + 1442695040888963407
		v[i] = float32(int64(seed>>32)) / float32(1<<31)
	}
	return v
}
