// Package mock implements stt.Transport for tests. The transport records
// connection attempts and hands out scripted streams the test feeds events
// into.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/aveline-ai/aveline/pkg/stt"
)

// ErrClosed is returned by SendAudio after Close.
var ErrClosed = errors.New("mock: stream is closed")

// Transport is a scriptable stt.Transport. The zero value is usable.
type Transport struct {
	// ConnectErr, when set, fails every Connect call with this error.
	ConnectErr error

	mu       sync.Mutex
	streams  []*Stream
	connects int
	lastCfg  stt.StreamConfig
}

var _ stt.Transport = (*Transport)(nil)

// Connect returns a fresh Stream, or ConnectErr when set.
func (t *Transport) Connect(_ context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	t.lastCfg = cfg
	if t.ConnectErr != nil {
		return nil, t.ConnectErr
	}
	s := NewStream()
	t.streams = append(t.streams, s)
	return s, nil
}

// Connects returns how many times Connect was called.
func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

// LastConfig returns the config of the most recent Connect call.
func (t *Transport) LastConfig() stt.StreamConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastCfg
}

// LastStream returns the most recently opened stream, or nil.
func (t *Transport) LastStream() *Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.streams) == 0 {
		return nil
	}
	return t.streams[len(t.streams)-1]
}

// Stream is a scriptable stt.Stream. Tests push events with Emit and inspect
// received audio with Audio.
type Stream struct {
	events chan stt.Event

	mu     sync.Mutex
	audio  [][]byte
	closed bool
}

var _ stt.Stream = (*Stream)(nil)

// NewStream creates an open mock stream.
func NewStream() *Stream {
	return &Stream{events: make(chan stt.Event, 64)}
}

// SendAudio records the chunk.
func (s *Stream) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	c := make([]byte, len(chunk))
	copy(c, chunk)
	s.audio = append(s.audio, c)
	return nil
}

// Events returns the scripted event channel.
func (s *Stream) Events() <-chan stt.Event { return s.events }

// Close marks the stream closed and closes the event channel.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Emit pushes an event to the stream's consumers. Panics if the stream is
// closed, which in a test is the right failure mode.
func (s *Stream) Emit(ev stt.Event) {
	s.events <- ev
}

// Audio returns the chunks received so far.
func (s *Stream) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}
