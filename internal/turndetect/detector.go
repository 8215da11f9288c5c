// Package turndetect provides semantic end-of-turn detection: an LLM-scored
// probability that the user's conversational turn has ended, used by the
// transcription manager as a smarter alternative to fixed silence timers.
//
// The detector is advisory. A probability at or above the configured
// threshold triggers immediate dispatch; anything else falls back to the
// plain silence timer, so a slow or failing detector can never hang the
// conversation.
package turndetect

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the detector cannot produce a score
// (network failure, timeout, provider without logprob support). Callers treat
// it as "no opinion" and fall back to timer-based dispatch.
var ErrUnavailable = errors.New("turndetect: detector unavailable")

// Turn is one prior conversation turn included as context for the prediction.
type Turn struct {
	// Role is "user" or "agent".
	Role string

	// Content is the turn's text.
	Content string
}

// ChatContext is the input to a prediction: recent history plus the pending
// (not yet dispatched) user text.
type ChatContext struct {
	// Turns holds the most recent completed turns, oldest first.
	Turns []Turn

	// PendingText is the accumulated transcript of the utterance in progress.
	PendingText string

	// Language is the BCP-47 language of the conversation, used as a hint in
	// the classification prompt.
	Language string
}

// Detector scores how likely it is that the user has finished speaking.
//
// Implementations must be safe for concurrent use and must honor ctx; the
// caller bounds each prediction with a deadline.
type Detector interface {
	// PredictEndOfTurn returns the probability in [0, 1] that the turn
	// described by chat is conversationally complete. Returns
	// [ErrUnavailable] (possibly wrapped) when no score can be produced.
	PredictEndOfTurn(ctx context.Context, chat ChatContext) (float64, error)
}
