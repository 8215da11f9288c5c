// Package mock implements audio.Player for tests.
package mock

import (
	"context"
	"sync"

	"github.com/aveline-ai/aveline/pkg/audio"
)

// Player is a scriptable audio.Player. It drains the PCM channel, records
// every chunk, and finishes when the channel closes. Set Hold before the
// playback starts to keep Play blocked after the drain until Release is
// called; this simulates audio still sounding from the device buffer, the
// window barge-in interrupts.
type Player struct {
	mu      sync.Mutex
	plays   int
	chunks  [][]byte
	stopped int

	holdMu sync.Mutex
	hold   chan struct{}
}

var _ audio.Player = (*Player)(nil)

// Hold makes subsequent Play calls block after draining until Release.
func (p *Player) Hold() {
	p.holdMu.Lock()
	defer p.holdMu.Unlock()
	if p.hold == nil {
		p.hold = make(chan struct{})
	}
}

// Release unblocks Play calls waiting in the hold phase.
func (p *Player) Release() {
	p.holdMu.Lock()
	defer p.holdMu.Unlock()
	if p.hold != nil {
		close(p.hold)
		p.hold = nil
	}
}

// Play drains pcm, then waits for Release when a hold is set.
func (p *Player) Play(ctx context.Context, pcm <-chan []byte) error {
	p.mu.Lock()
	p.plays++
	p.mu.Unlock()

	for {
		select {
		case chunk, ok := <-pcm:
			if !ok {
				return p.holdPhase(ctx)
			}
			p.mu.Lock()
			p.chunks = append(p.chunks, chunk)
			p.mu.Unlock()
		case <-ctx.Done():
			p.mu.Lock()
			p.stopped++
			p.mu.Unlock()
			return ctx.Err()
		}
	}
}

func (p *Player) holdPhase(ctx context.Context) error {
	p.holdMu.Lock()
	hold := p.hold
	p.holdMu.Unlock()
	if hold == nil {
		return nil
	}
	select {
	case <-hold:
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		p.stopped++
		p.mu.Unlock()
		return ctx.Err()
	}
}

// Plays returns how many Play calls started.
func (p *Player) Plays() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plays
}

// Stopped returns how many Play calls ended by context cancellation.
func (p *Player) Stopped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Chunks returns all received PCM chunks in order.
func (p *Player) Chunks() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.chunks))
	copy(out, p.chunks)
	return out
}
