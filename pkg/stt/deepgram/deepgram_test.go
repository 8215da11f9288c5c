package deepgram

import (
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/aveline-ai/aveline/pkg/stt"
)

func TestBuildURL(t *testing.T) {
	t.Parallel()

	tr, err := New("key", WithModel("nova-3"), WithLanguage("fr"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	raw, err := tr.buildURL(stt.StreamConfig{
		SampleRate:        16000,
		Channels:          1,
		Diarize:           true,
		UtteranceEndDelay: 1200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse built URL: %v", err)
	}

	q := u.Query()
	want := map[string]string{
		"model":            "nova-3",
		"language":         "fr",
		"sample_rate":      "16000",
		"channels":         "1",
		"diarize":          "true",
		"interim_results":  "true",
		"vad_events":       "true",
		"utterance_end_ms": "1200",
		"encoding":         "linear16",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("query %s = %q, want %q", k, got, v)
		}
	}
}

func TestNewRequiresKey(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Fatal("New with empty key should fail")
	}
}

func TestParsePartial(t *testing.T) {
	t.Parallel()

	msg := `{
		"type": "Results",
		"is_final": false,
		"start": 2.5,
		"duration": 1.0,
		"channel": {"alternatives": [{
			"transcript": "bonjour je voudrais",
			"confidence": 0.92,
			"words": [
				{"word": "bonjour", "start": 2.5, "end": 2.9, "confidence": 0.95, "speaker": 0},
				{"word": "je", "start": 3.0, "end": 3.1, "confidence": 0.9, "speaker": 0},
				{"word": "voudrais", "start": 3.1, "end": 3.5, "confidence": 0.9, "speaker": 0}
			]
		}]}
	}`

	ev, ok := parseMessage([]byte(msg))
	if !ok {
		t.Fatal("parseMessage rejected a Results payload")
	}
	if ev.Type != stt.EventPartial {
		t.Fatalf("Type = %s, want partial", ev.Type)
	}
	if ev.Text != "bonjour je voudrais" {
		t.Fatalf("Text = %q", ev.Text)
	}
	if ev.Start != 2500*time.Millisecond || ev.End != 3500*time.Millisecond {
		t.Fatalf("interval = [%s, %s], want [2.5s, 3.5s]", ev.Start, ev.End)
	}
	if ev.Speaker != "S0" {
		t.Fatalf("Speaker = %q, want S0", ev.Speaker)
	}
	if len(ev.Words) != 3 {
		t.Fatalf("len(Words) = %d, want 3", len(ev.Words))
	}
}

func TestParseFinalMixedSpeakers(t *testing.T) {
	t.Parallel()

	msg := `{
		"type": "Results",
		"is_final": true,
		"start": 0,
		"duration": 2.0,
		"channel": {"alternatives": [{
			"transcript": "oui mais attends une seconde",
			"confidence": 0.97,
			"words": [
				{"word": "oui", "start": 0, "end": 0.3, "confidence": 0.99, "speaker": 1},
				{"word": "mais", "start": 0.4, "end": 0.6, "confidence": 0.98, "speaker": 0},
				{"word": "attends", "start": 0.7, "end": 1.1, "confidence": 0.97, "speaker": 0},
				{"word": "une", "start": 1.2, "end": 1.3, "confidence": 0.96, "speaker": 0},
				{"word": "seconde", "start": 1.4, "end": 1.9, "confidence": 0.97, "speaker": 0}
			]
		}]}
	}`

	ev, ok := parseMessage([]byte(msg))
	if !ok {
		t.Fatal("parseMessage rejected a Results payload")
	}
	if ev.Type != stt.EventFinal {
		t.Fatalf("Type = %s, want final", ev.Type)
	}
	if ev.Speaker != "S0" {
		t.Fatalf("Speaker = %q, want majority speaker S0", ev.Speaker)
	}
}

func TestParseNoDiarization(t *testing.T) {
	t.Parallel()

	msg := `{
		"type": "Results",
		"is_final": true,
		"channel": {"alternatives": [{
			"transcript": "hello there",
			"confidence": 0.9,
			"words": [
				{"word": "hello", "start": 0, "end": 0.4, "confidence": 0.9},
				{"word": "there", "start": 0.5, "end": 0.8, "confidence": 0.9}
			]
		}]}
	}`

	ev, ok := parseMessage([]byte(msg))
	if !ok {
		t.Fatal("parseMessage rejected payload")
	}
	if ev.Speaker != "" {
		t.Fatalf("Speaker = %q, want empty without diarization", ev.Speaker)
	}
}

func TestParseControlMessages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		typ  stt.EventType
	}{
		{"utterance end", `{"type": "UtteranceEnd", "last_word_end": 3.1}`, stt.EventUtteranceEnd},
		{"speech started", `{"type": "SpeechStarted", "timestamp": 4.0}`, stt.EventSpeechStarted},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ev, ok := parseMessage([]byte(tc.raw))
			if !ok {
				t.Fatalf("parseMessage rejected %s", tc.name)
			}
			if ev.Type != tc.typ {
				t.Fatalf("Type = %s, want %s", ev.Type, tc.typ)
			}
		})
	}
}

func TestParseIgnoresEmptyAndMetadata(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		`{"type": "Metadata", "request_id": "abc"}`,
		`{"type": "Results", "is_final": false, "channel": {"alternatives": [{"transcript": ""}]}}`,
		`{"type": "Results", "channel": {"alternatives": []}}`,
		`not json`,
	} {
		if _, ok := parseMessage([]byte(raw)); ok {
			t.Errorf("parseMessage accepted %q", raw)
		}
	}
}

func TestParseServerError(t *testing.T) {
	t.Parallel()

	ev, ok := parseMessage([]byte(`{"type": "Error", "description": "bad request"}`))
	if !ok || ev.Type != stt.EventError {
		t.Fatalf("parseMessage = %+v, %v; want an error event", ev, ok)
	}
	if ev.Err == nil || !strings.Contains(ev.Err.Error(), "bad request") {
		t.Fatalf("Err = %v, want description included", ev.Err)
	}
}

func TestClassifyQuota(t *testing.T) {
	t.Parallel()

	err := classify(stubErr("status = StatusCode(4029): rate limit exceeded"))
	if !isQuota(err) {
		t.Fatalf("classify(%v) did not map to ErrQuotaExceeded", err)
	}

	err = classify(stubErr("connection reset by peer"))
	if isQuota(err) {
		t.Fatalf("classify(%v) wrongly mapped to ErrQuotaExceeded", err)
	}
}

type stubErr string

func (e stubErr) Error() string { return string(e) }

func isQuota(err error) bool {
	return errors.Is(err, stt.ErrQuotaExceeded)
}
