// Package embeddings defines the Provider interface for vector embedding
// backends.
//
// An embeddings provider maps text to dense float32 vectors. The history
// layer uses them for semantic recall: past conversation turns similar to
// the current topic are retrieved by vector distance rather than recency.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider instance share the same
// dimensionality (Dimensions). Vectors from different instances must not be
// mixed in one similarity computation unless model and space match.
type Provider interface {
	// Embed computes the embedding for a single text. Returns a slice of
	// length Dimensions().
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embeddings for texts in one provider call. The
	// i-th result corresponds to texts[i]. On error the whole slice is
	// nil; partial results are not returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length for this provider.
	Dimensions() int

	// ModelID returns the provider-specific model identifier, for logging
	// and for ensuring a store only holds vectors from one model.
	ModelID() string
}
