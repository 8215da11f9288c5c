package audio

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// WriterPlayer plays PCM by copying chunks to an io.Writer, typically a
// sound-device pipe or an OS playback process's stdin.
type WriterPlayer struct {
	mu sync.Mutex
	w  io.Writer
}

var _ Player = (*WriterPlayer)(nil)

// NewWriterPlayer wraps w as a [Player]. Writes are serialized, so one
// WriterPlayer can back several conversations.
func NewWriterPlayer(w io.Writer) *WriterPlayer {
	return &WriterPlayer{w: w}
}

// Play implements [Player]. It copies pcm chunks to the writer until the
// channel closes or ctx is cancelled.
func (p *WriterPlayer) Play(ctx context.Context, pcm <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			Drain(pcm)
			return ctx.Err()
		case chunk, ok := <-pcm:
			if !ok {
				return nil
			}
			p.mu.Lock()
			_, err := p.w.Write(chunk)
			p.mu.Unlock()
			if err != nil {
				Drain(pcm)
				return fmt.Errorf("audio: write pcm: %w", err)
			}
		}
	}
}
