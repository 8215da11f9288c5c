// Package tts defines the streaming Text-to-Speech abstraction.
package tts

import "context"

// Voice identifies a synthesis voice at one provider.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is a human-readable label, informational only.
	Name string

	// Provider names the backend the voice belongs to.
	Provider string

	// Metadata carries provider-specific attributes (language, gender,
	// category) without the core depending on their shape.
	Metadata map[string]string
}

// Synthesizer converts a stream of text fragments into a stream of raw PCM
// audio.
//
// Implementations must be safe for concurrent use; multiple synthesis
// streams may be open at once.
type Synthesizer interface {
	// SynthesizeStream pipes fragments from text into the provider and
	// returns a channel of PCM chunks. The audio channel is closed when
	// synthesis completes, the text channel is closed and drained, or ctx
	// is cancelled. Cancelling ctx is the abort path: the provider stops
	// synthesizing mid-utterance.
	SynthesizeStream(ctx context.Context, text <-chan string, voice Voice) (<-chan []byte, error)
}
