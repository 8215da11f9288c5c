package turndetect

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/aveline-ai/aveline/pkg/llm"
	llmmock "github.com/aveline-ai/aveline/pkg/llm/mock"
)

func TestPredictHighWhenModelSaysYes(t *testing.T) {
	t.Parallel()

	scorer := &llmmock.Provider{
		ScoreResult: []llm.TokenLogprob{
			{Token: "yes", Logprob: math.Log(0.9)},
			{Token: "no", Logprob: math.Log(0.05)},
			{Token: "maybe", Logprob: math.Log(0.05)},
		},
	}
	det := NewLLMDetector(scorer)

	p, err := det.PredictEndOfTurn(context.Background(), ChatContext{
		PendingText: "can you book me a table for two",
	})
	if err != nil {
		t.Fatalf("PredictEndOfTurn: %v", err)
	}
	want := 0.9 / 0.95
	if math.Abs(p-want) > 1e-9 {
		t.Fatalf("p = %v, want %v", p, want)
	}
}

func TestPredictNormalizesCaseAndLanguage(t *testing.T) {
	t.Parallel()

	// French classifier output plus whitespace and case noise.
	scorer := &llmmock.Provider{
		ScoreResult: []llm.TokenLogprob{
			{Token: " Non", Logprob: math.Log(0.7)},
			{Token: "oui", Logprob: math.Log(0.3)},
		},
	}
	det := NewLLMDetector(scorer)

	p, err := det.PredictEndOfTurn(context.Background(), ChatContext{
		PendingText: "et je voudrais aussi",
		Language:    "fr",
	})
	if err != nil {
		t.Fatalf("PredictEndOfTurn: %v", err)
	}
	if math.Abs(p-0.3) > 1e-9 {
		t.Fatalf("p = %v, want 0.3", p)
	}
}

func TestPredictUnavailableWithoutYesNoTokens(t *testing.T) {
	t.Parallel()

	scorer := &llmmock.Provider{
		ScoreResult: []llm.TokenLogprob{
			{Token: "perhaps", Logprob: math.Log(0.9)},
		},
	}
	det := NewLLMDetector(scorer)

	_, err := det.PredictEndOfTurn(context.Background(), ChatContext{PendingText: "hello"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestPredictUnavailableOnScorerError(t *testing.T) {
	t.Parallel()

	scorer := &llmmock.Provider{ScoreErr: errors.New("boom")}
	det := NewLLMDetector(scorer)

	_, err := det.PredictEndOfTurn(context.Background(), ChatContext{PendingText: "hello"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestPredictRejectsEmptyPending(t *testing.T) {
	t.Parallel()

	det := NewLLMDetector(&llmmock.Provider{})
	if _, err := det.PredictEndOfTurn(context.Background(), ChatContext{PendingText: "   "}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestPromptIncludesRecentTurnsOnly(t *testing.T) {
	t.Parallel()

	scorer := &llmmock.Provider{
		ScoreResult: []llm.TokenLogprob{{Token: "yes", Logprob: math.Log(0.9)}},
	}
	det := NewLLMDetector(scorer, WithMaxTurns(2))

	chat := ChatContext{
		Turns: []Turn{
			{Role: "user", Content: "oldest turn"},
			{Role: "agent", Content: "middle turn"},
			{Role: "user", Content: "newest turn"},
		},
		PendingText: "pending words",
	}
	if _, err := det.PredictEndOfTurn(context.Background(), chat); err != nil {
		t.Fatalf("PredictEndOfTurn: %v", err)
	}

	calls := scorer.ScoreCalls
	if len(calls) != 1 {
		t.Fatalf("scorer called %d times, want 1", len(calls))
	}
	prompt := calls[0].Req.Messages[0].Content
	if strings.Contains(prompt, "oldest turn") {
		t.Error("prompt includes a turn beyond the max-turns window")
	}
	if !strings.Contains(prompt, "middle turn") || !strings.Contains(prompt, "newest turn") {
		t.Error("prompt is missing recent turns")
	}
	if !strings.HasSuffix(prompt, "pending words") {
		t.Errorf("prompt should end with the pending utterance, got %q", prompt)
	}
}
