// Package audio defines the playback abstraction and PCM format conversion
// for the voice pipeline.
//
// The pipeline is little-endian int16 PCM throughout: the microphone feed is
// converted to the STT transport's format, and synthesized speech is
// converted to the playback device's format.
package audio

import "context"

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Player plays a stream of PCM chunks on an output device.
//
// Implementations must be safe for concurrent use.
type Player interface {
	// Play consumes pcm until the channel is closed and playback of all
	// received audio has finished, then returns nil. Cancelling ctx stops
	// playback immediately and returns ctx.Err(); this is the barge-in
	// path.
	Play(ctx context.Context, pcm <-chan []byte) error
}
