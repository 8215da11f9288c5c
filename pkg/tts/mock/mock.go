// Package mock implements tts.Synthesizer for tests: each text fragment
// becomes one deterministic PCM chunk containing the fragment bytes.
package mock

import (
	"context"
	"sync"

	"github.com/aveline-ai/aveline/pkg/tts"
)

// Synthesizer is a scriptable tts.Synthesizer. The zero value is usable.
type Synthesizer struct {
	// Err, when set, fails every SynthesizeStream call.
	Err error

	mu        sync.Mutex
	synthtexts [][]string
}

var _ tts.Synthesizer = (*Synthesizer)(nil)

// SynthesizeStream echoes each fragment back as one audio chunk.
func (s *Synthesizer) SynthesizeStream(ctx context.Context, text <-chan string, _ tts.Voice) (<-chan []byte, error) {
	if s.Err != nil {
		return nil, s.Err
	}

	s.mu.Lock()
	s.synthtexts = append(s.synthtexts, nil)
	idx := len(s.synthtexts) - 1
	s.mu.Unlock()

	audio := make(chan []byte, 64)
	go func() {
		defer close(audio)
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				s.mu.Lock()
				s.synthtexts[idx] = append(s.synthtexts[idx], fragment)
				s.mu.Unlock()
				select {
				case audio <- []byte(fragment):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return audio, nil
}

// Streams returns the fragments received by each synthesis stream so far.
func (s *Synthesizer) Streams() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.synthtexts))
	for i, frags := range s.synthtexts {
		cp := make([]string, len(frags))
		copy(cp, frags)
		out[i] = cp
	}
	return out
}
