package transcription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aveline-ai/aveline/internal/sched"
	"github.com/aveline-ai/aveline/internal/turndetect"
)

// ── helpers ──────────────────────────────────────────────────────────────────

// captureSink records dispatched utterances and returns a configurable error.
type captureSink struct {
	mu   sync.Mutex
	got  []string
	fail error
}

func (s *captureSink) ProcessUserMessage(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.got = append(s.got, text)
	return nil
}

func (s *captureSink) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.got))
	copy(out, s.got)
	return out
}

func (s *captureSink) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// stubDetector returns a fixed probability or error and signals each call.
type stubDetector struct {
	p      float64
	err    error
	called chan struct{}
}

func (d *stubDetector) PredictEndOfTurn(context.Context, turndetect.ChatContext) (float64, error) {
	if d.called != nil {
		d.called <- struct{}{}
	}
	return d.p, d.err
}

func newTestManager(t *testing.T, cfg Config, opts ...Option) (*Manager, *captureSink, *sched.FakeClock) {
	t.Helper()
	clock := sched.NewFakeClock()
	sink := &captureSink{}
	m := NewManager(context.Background(), cfg, sink, sched.NewScheduler(clock), opts...)
	return m, sink, clock
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ── silence timer ────────────────────────────────────────────────────────────

func TestSilenceTimeoutForcesDispatch(t *testing.T) {
	t.Parallel()

	m, sink, clock := newTestManager(t, Config{Language: "fr"})
	m.HandlePartial("Bonjour", 0, time.Second, "S1")

	clock.Advance(1 * time.Second)
	if len(sink.calls()) != 0 {
		t.Fatal("dispatched before the silence window elapsed")
	}

	clock.Advance(1 * time.Second)
	got := sink.calls()
	if len(got) != 1 || got[0] != "Bonjour" {
		t.Fatalf("calls = %v, want [Bonjour]", got)
	}
}

func TestNewSegmentReArmsSilenceTimer(t *testing.T) {
	t.Parallel()

	m, sink, clock := newTestManager(t, Config{Language: "fr"})
	m.HandlePartial("Bonjour", 0, time.Second, "S1")
	clock.Advance(1500 * time.Millisecond)

	m.HandlePartial("Bonjour comment ça va", 0, 2*time.Second, "S1")
	clock.Advance(1500 * time.Millisecond)
	if len(sink.calls()) != 0 {
		t.Fatal("silence timer was not re-armed by the new segment")
	}

	clock.Advance(500 * time.Millisecond)
	got := sink.calls()
	if len(got) != 1 || got[0] != "Bonjour comment ça va" {
		t.Fatalf("calls = %v", got)
	}
}

func TestEmptyInputIsNoOp(t *testing.T) {
	t.Parallel()

	m, sink, clock := newTestManager(t, Config{})
	m.HandlePartial("   \t", 0, time.Second, "S1")
	m.HandleFinal("", 0, time.Second, "S1")
	m.HandleUtteranceEnd()

	clock.Advance(10 * time.Second)
	if len(sink.calls()) != 0 {
		t.Fatalf("calls = %v, want none", sink.calls())
	}
}

// ── completeness check ───────────────────────────────────────────────────────

func TestFragmentWordNeverDispatchesUnforced(t *testing.T) {
	t.Parallel()

	m, sink, clock := newTestManager(t, Config{Language: "fr-FR"})
	m.HandlePartial("et", 0, time.Second, "S1")

	// End-of-utterance debounce runs the completeness check: "et" is a
	// fragment-ending word and must be held back.
	m.HandleUtteranceEnd()
	clock.Advance(300 * time.Millisecond)
	if len(sink.calls()) != 0 {
		t.Fatal(`"et" dispatched despite failing the completeness check`)
	}

	// The silence timeout forces it through.
	clock.Advance(2 * time.Second)
	got := sink.calls()
	if len(got) != 1 || got[0] != "et" {
		t.Fatalf("calls = %v, want [et]", got)
	}
}

func TestShortTextHeldBackUntilForced(t *testing.T) {
	t.Parallel()

	m, sink, clock := newTestManager(t, Config{Language: "en-US"})
	m.HandlePartial("okay sure", 0, time.Second, "S1")

	m.HandleUtteranceEnd()
	clock.Advance(300 * time.Millisecond)
	if len(sink.calls()) != 0 {
		t.Fatal("short text dispatched without force")
	}

	clock.Advance(2 * time.Second)
	if len(sink.calls()) != 1 {
		t.Fatalf("calls = %v, want one forced dispatch", sink.calls())
	}
}

func TestMinCharsCountsRunesNotBytes(t *testing.T) {
	t.Parallel()

	m, sink, clock := newTestManager(t, Config{Language: "fr"})
	// 25 bytes of UTF-8 but only 19 runes: below the 20-character minimum.
	// Byte counting would wave this through.
	m.HandlePartial("déjà réglé ça hélas", 0, time.Second, "S1")

	m.HandleUtteranceEnd()
	clock.Advance(300 * time.Millisecond)
	if len(sink.calls()) != 0 {
		t.Fatal("accented text passed the length minimum on byte count")
	}

	clock.Advance(2 * time.Second)
	if len(sink.calls()) != 1 {
		t.Fatalf("calls = %v, want one forced dispatch", sink.calls())
	}
}

func TestDebounceAbsorbsTrailingWords(t *testing.T) {
	t.Parallel()

	m, sink, clock := newTestManager(t, Config{Language: "fr"})
	m.HandlePartial("je voudrais un café", 0, 2*time.Second, "S1")
	m.HandleUtteranceEnd()

	clock.Advance(150 * time.Millisecond)
	m.HandlePartial("s'il vous plaît", 2*time.Second, 3*time.Second, "S1")

	clock.Advance(150 * time.Millisecond)
	got := sink.calls()
	if len(got) != 1 || got[0] != "je voudrais un café s'il vous plaît" {
		t.Fatalf("calls = %v", got)
	}
}

// ── dedup and rollback ───────────────────────────────────────────────────────

func TestDuplicateDispatchWithinWindowIsNoOp(t *testing.T) {
	t.Parallel()

	m, sink, clock := newTestManager(t, Config{Language: "fr"})
	m.HandlePartial("Bonjour tout le monde", 0, time.Second, "S1")
	clock.Advance(2 * time.Second)

	// The same content arrives again (overlapping trigger / vendor replay).
	m.HandlePartial("Bonjour tout le monde", 0, time.Second, "S1")
	clock.Advance(2 * time.Second)

	if got := sink.calls(); len(got) != 1 {
		t.Fatalf("calls = %v, want exactly one dispatch", got)
	}
}

func TestRepeatedTextOutsideWindowDispatchesAgain(t *testing.T) {
	t.Parallel()

	m, sink, clock := newTestManager(t, Config{Language: "fr"})
	m.HandlePartial("Bonjour tout le monde", 0, time.Second, "S1")
	clock.Advance(2 * time.Second)

	clock.Advance(6 * time.Second) // past the dedup window

	m.HandlePartial("Bonjour tout le monde", 10*time.Second, 11*time.Second, "S1")
	clock.Advance(2 * time.Second)

	if got := sink.calls(); len(got) != 2 {
		t.Fatalf("calls = %v, want two dispatches", got)
	}
}

func TestDispatchFailurePreservesTranscriptForRetry(t *testing.T) {
	t.Parallel()

	m, sink, clock := newTestManager(t, Config{Language: "fr"})
	sink.setFail(errors.New("llm unavailable"))

	m.HandlePartial("Bonjour tout le monde", 0, time.Second, "S1")
	clock.Advance(2 * time.Second)
	if len(sink.calls()) != 0 {
		t.Fatal("failed dispatch should not be recorded")
	}
	if m.PendingTranscript() != "Bonjour tout le monde" {
		t.Fatalf("pending = %q, want preserved transcript", m.PendingTranscript())
	}

	// Recovery: the re-armed silence timer retries the same text.
	sink.setFail(nil)
	clock.Advance(2 * time.Second)
	got := sink.calls()
	if len(got) != 1 || got[0] != "Bonjour tout le monde" {
		t.Fatalf("calls = %v, want retried dispatch", got)
	}
	if m.PendingTranscript() != "" {
		t.Fatalf("pending = %q after successful retry, want empty", m.PendingTranscript())
	}
}

func TestDiscardPending(t *testing.T) {
	t.Parallel()

	m, sink, clock := newTestManager(t, Config{})
	m.HandlePartial("agent echo leaking in", 0, time.Second, "S1")
	m.DiscardPending()

	clock.Advance(10 * time.Second)
	if len(sink.calls()) != 0 {
		t.Fatalf("calls = %v after discard, want none", sink.calls())
	}
	if m.PendingTranscript() != "" {
		t.Fatal("pending transcript survived DiscardPending")
	}
}

// ── speaker handling ─────────────────────────────────────────────────────────

func TestSpeakerEstablishedAfterSecondPartial(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	m, _, _ := newTestManager(t, Config{Language: "fr", SpeakerFiltering: true},
		WithSpeakerObserver(obs))

	m.HandlePartial("Bonjour", 0, time.Second, "S1")
	m.HandlePartial("comment ça va", time.Second, 2*time.Second, "S1")

	if len(obs.established) != 1 || obs.established[0] != "S1" {
		t.Fatalf("established = %v, want [S1]", obs.established)
	}
}

func TestFilteredSpeakerNeverContributesText(t *testing.T) {
	t.Parallel()

	m, sink, clock := newTestManager(t, Config{Language: "fr", SpeakerFiltering: true})
	m.HandlePartial("Bonjour", 0, time.Second, "S1")
	m.HandlePartial("comment ça va", time.Second, 2*time.Second, "S1")
	m.HandlePartial("allô allô ici S2", 2*time.Second, 3*time.Second, "S2")

	clock.Advance(2 * time.Second)
	got := sink.calls()
	if len(got) != 1 {
		t.Fatalf("calls = %v", got)
	}
	if got[0] != "comment ça va" {
		t.Fatalf("dispatched %q; secondary speaker text leaked", got[0])
	}
}

func TestSpeakerChangeFinalizesPreviousUtterance(t *testing.T) {
	t.Parallel()

	// Filtering disabled: both speakers pass, but a change of speaker must
	// split their content into separate utterances.
	m, sink, clock := newTestManager(t, Config{Language: "fr"})
	m.HandlePartial("première phrase complète", 0, 2*time.Second, "S1")
	m.HandlePartial("deuxième voix", 3*time.Second, 4*time.Second, "S2")

	got := sink.calls()
	if len(got) != 1 || got[0] != "première phrase complète" {
		t.Fatalf("calls = %v, want the first speaker's utterance", got)
	}
	if m.PendingTranscript() != "deuxième voix" {
		t.Fatalf("pending = %q, want the second speaker's text", m.PendingTranscript())
	}

	clock.Advance(2 * time.Second)
	got = sink.calls()
	if len(got) != 2 || got[1] != "deuxième voix" {
		t.Fatalf("calls = %v", got)
	}
}

func TestSafetyNetDispatchOnInterruptionAfterSilence(t *testing.T) {
	t.Parallel()

	m, sink, clock := newTestManager(t, Config{Language: "fr", SpeakerFiltering: true})
	m.HandlePartial("Bonjour", 0, time.Second, "S1")
	m.HandlePartial("comment ça va aujourd'hui", time.Second, 2*time.Second, "S1")

	// Another voice interrupts after more than the silence window. Advance
	// by just under the window so the regular silence timer has not fired.
	clock.Advance(1900 * time.Millisecond)
	m.HandlePartial("excusez-moi", 5*time.Second, 6*time.Second, "S2")
	if len(sink.calls()) != 0 {
		t.Fatal("interruption within the window must not force-finalize")
	}

	clock.Advance(200 * time.Millisecond)
	m.HandlePartial("excusez-moi encore", 6*time.Second, 7*time.Second, "S2")
	got := sink.calls()
	if len(got) != 1 || got[0] != "comment ça va aujourd'hui" {
		t.Fatalf("calls = %v, want safety-net dispatch of the primary's text", got)
	}
}

// ── semantic end-of-turn ─────────────────────────────────────────────────────

func TestSemanticHighProbabilityForcesDispatch(t *testing.T) {
	t.Parallel()

	det := &stubDetector{p: 0.9}
	m, sink, clock := newTestManager(t, Config{Language: "fr", SemanticThreshold: 0.7},
		WithDetector(det))

	// "oui" fails every completeness threshold; the semantic verdict must
	// bypass them.
	m.HandlePartial("oui", 0, time.Second, "S1")
	m.HandleUtteranceEnd()
	clock.Advance(300 * time.Millisecond)

	waitFor(t, "semantic dispatch", func() bool { return len(sink.calls()) == 1 })
	if got := sink.calls(); got[0] != "oui" {
		t.Fatalf("calls = %v, want [oui]", got)
	}
}

func TestSemanticErrorFallsBackToSilenceTimer(t *testing.T) {
	t.Parallel()

	det := &stubDetector{err: turndetect.ErrUnavailable, called: make(chan struct{}, 1)}
	m, sink, clock := newTestManager(t, Config{Language: "fr"}, WithDetector(det))

	m.HandlePartial("oui", 0, time.Second, "S1")
	m.HandleUtteranceEnd()
	clock.Advance(300 * time.Millisecond)

	<-det.called
	if len(sink.calls()) != 0 {
		t.Fatal("error verdict must not dispatch directly")
	}

	// The fallback silence timer dispatches; no hang.
	waitFor(t, "fallback dispatch", func() bool {
		clock.Advance(2 * time.Second)
		return len(sink.calls()) == 1
	})
}

func TestSemanticHoldReArmsSilenceBackstop(t *testing.T) {
	t.Parallel()

	det := &stubDetector{p: 0.1, called: make(chan struct{}, 1)}
	m, sink, clock := newTestManager(t, Config{Language: "fr"}, WithDetector(det))

	m.HandlePartial("je pense que le mieux serait de", 0, 2*time.Second, "S1")
	m.HandleUtteranceEnd()
	clock.Advance(300 * time.Millisecond)

	<-det.called
	if len(sink.calls()) != 0 {
		t.Fatal("hold verdict must not dispatch")
	}

	// Backstop: never hold indefinitely.
	waitFor(t, "backstop dispatch", func() bool {
		clock.Advance(2 * time.Second)
		return len(sink.calls()) == 1
	})
}
