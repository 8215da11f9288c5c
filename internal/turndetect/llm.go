package turndetect

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/aveline-ai/aveline/pkg/llm"
)

const (
	// defaultTimeout bounds a single prediction. The debounce that triggers
	// evaluation is 300 ms; anything much slower than a second is useless for
	// turn-taking, so fail fast and let the silence timer take over.
	defaultTimeout = 2 * time.Second

	// defaultMaxTurns is how many recent history turns are included in the
	// classification prompt.
	defaultMaxTurns = 6

	// topK is how many candidate first tokens are requested from the scorer.
	topK = 20
)

const systemPrompt = `You classify whether the last user utterance in a voice conversation is a complete, finished turn or whether the speaker is mid-sentence and about to continue.
Answer with exactly one word: "yes" if the turn is finished, "no" if the speaker will continue.`

// LLMDetector implements [Detector] on top of an [llm.Scorer]. It formats the
// recent conversation as a chat-style transcript, asks the model for a
// one-token yes/no classification, and converts the first-token
// log-probabilities into a calibrated end-of-turn probability.
type LLMDetector struct {
	scorer   llm.Scorer
	timeout  time.Duration
	maxTurns int
}

var _ Detector = (*LLMDetector)(nil)

// Option configures an [LLMDetector].
type Option func(*LLMDetector)

// WithTimeout overrides the per-prediction deadline. Default is 2s.
func WithTimeout(d time.Duration) Option {
	return func(det *LLMDetector) { det.timeout = d }
}

// WithMaxTurns overrides how many history turns are included in the prompt.
// Default is 6.
func WithMaxTurns(n int) Option {
	return func(det *LLMDetector) { det.maxTurns = n }
}

// NewLLMDetector creates a detector backed by scorer.
func NewLLMDetector(scorer llm.Scorer, opts ...Option) *LLMDetector {
	det := &LLMDetector{
		scorer:   scorer,
		timeout:  defaultTimeout,
		maxTurns: defaultMaxTurns,
	}
	for _, o := range opts {
		o(det)
	}
	return det
}

// PredictEndOfTurn implements [Detector].
func (det *LLMDetector) PredictEndOfTurn(ctx context.Context, chat ChatContext) (float64, error) {
	if strings.TrimSpace(chat.PendingText) == "" {
		return 0, fmt.Errorf("%w: empty pending text", ErrUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, det.timeout)
	defer cancel()

	req := llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: det.formatTranscript(chat)},
		},
		MaxTokens: 1,
	}

	scores, err := det.scorer.ScoreFirstToken(ctx, req, topK)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	p, ok := endOfTurnProbability(scores)
	if !ok {
		return 0, fmt.Errorf("%w: no yes/no token in top %d", ErrUnavailable, topK)
	}
	return p, nil
}

// formatTranscript renders the chat context as a plain transcript the
// classifier reads, with the pending utterance last and unterminated.
func (det *LLMDetector) formatTranscript(chat ChatContext) string {
	var b strings.Builder
	if chat.Language != "" {
		fmt.Fprintf(&b, "Conversation language: %s\n\n", chat.Language)
	}

	turns := chat.Turns
	if det.maxTurns > 0 && len(turns) > det.maxTurns {
		turns = turns[len(turns)-det.maxTurns:]
	}
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	fmt.Fprintf(&b, "user: %s", chat.PendingText)
	return b.String()
}

// endOfTurnProbability extracts P("yes") from the candidate first tokens by
// normalizing over the probability mass assigned to yes- and no-like tokens.
func endOfTurnProbability(scores []llm.TokenLogprob) (float64, bool) {
	var yes, no float64
	var found bool
	for _, s := range scores {
		switch strings.ToLower(strings.TrimSpace(s.Token)) {
		case "yes", "oui":
			yes += math.Exp(s.Logprob)
			found = true
		case "no", "non":
			no += math.Exp(s.Logprob)
			found = true
		}
	}
	if !found || yes+no == 0 {
		return 0, false
	}
	return yes / (yes + no), true
}
