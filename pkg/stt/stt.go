// Package stt defines the streaming Speech-to-Text abstraction.
//
// A Transport wraps a real-time transcription service and exposes a uniform
// event stream: once connected, a [Stream] accepts raw PCM audio frames and
// emits [Event] values — low-latency partials, authoritative finals with
// word-level timing and speaker tags, utterance-end markers from the
// provider's endpointing, and speech-started notifications used for barge-in.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrQuotaExceeded classifies a provider error as an account quota or rate
// limit problem. Connection managers treat these differently from transient
// network failures: immediate reconnects only burn more quota.
var ErrQuotaExceeded = errors.New("stt: provider quota exceeded")

// UnknownSpeaker is the tag used when diarization is active but the provider
// has not yet attributed the words to a speaker.
const UnknownSpeaker = "UU"

// EventType discriminates Event values.
type EventType int

const (
	// EventPartial is an interim hypothesis. Text may change or vanish.
	EventPartial EventType = iota

	// EventFinal is a committed recognition result for its time interval.
	EventFinal

	// EventUtteranceEnd signals the provider's endpointing decided the
	// utterance is over. Carries no text.
	EventUtteranceEnd

	// EventSpeechStarted signals voice activity after silence. Carries no
	// text. Used to cut agent playback early.
	EventSpeechStarted

	// EventError carries a terminal stream error in Err. The stream emits
	// no further events after it.
	EventError
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventUtteranceEnd:
		return "utterance_end"
	case EventSpeechStarted:
		return "speech_started"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Word is one recognized word with timing relative to the start of the
// stream.
type Word struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
	Speaker    string
}

// Event is one message from a transcription stream.
type Event struct {
	Type EventType

	// Text is the transcript for partial and final events.
	Text string

	// Start and End delimit the audio interval the text covers, relative
	// to the start of the stream.
	Start time.Duration
	End   time.Duration

	// Speaker is the diarization tag for the dominant speaker of the
	// interval ("S0", "S1", ...), UnknownSpeaker when diarization has not
	// attributed it yet, or empty when diarization is off.
	Speaker string

	// Confidence is the provider's confidence in Text, 0 when unknown.
	Confidence float64

	// Words carries word-level detail for final events, when available.
	Words []Word

	// Err is set for EventError.
	Err error
}

// StreamConfig describes the audio format and recognition options for a new
// stream.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz, e.g. 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 recognition language ("fr", "en-US"). Empty
	// lets the provider auto-detect when supported.
	Language string

	// Diarize enables speaker attribution on recognition results.
	Diarize bool

	// UtteranceEndDelay is the silence the provider's endpointing waits
	// before emitting an utterance-end event. Zero uses the provider
	// default.
	UtteranceEndDelay time.Duration
}

// Stream is an open transcription stream.
//
// Callers must Close the stream when done; failing to do so leaks goroutines
// and network connections inside the transport. All methods are safe for
// concurrent use.
type Stream interface {
	// SendAudio delivers a chunk of raw PCM bytes matching the agreed
	// StreamConfig. Returns an error after Close.
	SendAudio(chunk []byte) error

	// Events returns the stream's event channel. It is closed when the
	// stream ends; an EventError, if any, is the last event before close.
	Events() <-chan Event

	// Close flushes pending audio and tears the stream down. Safe to call
	// more than once.
	Close() error
}

// Transport opens transcription streams against one STT backend.
type Transport interface {
	Connect(ctx context.Context, cfg StreamConfig) (Stream, error)
}
