// Package transcription converts the raw partial/final event stream of a
// speech-to-text transport into discrete, timed "utterance ready" decisions.
//
// The package owns three cooperating pieces:
//
//   - [SegmentStore]: temporal deduplication of overlapping STT revisions.
//   - [SpeakerGate]: diarized speaker establishment and filtering.
//   - [Manager]: silence timers, end-of-utterance debounce, completeness
//     checks, optional semantic end-of-turn evaluation, and the dispatch path
//     with its never-lose-user-input rollback guarantee.
//
// The Manager is the only entry point; the store and gate are implementation
// detail it serializes access to.
package transcription

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/aveline-ai/aveline/internal/sched"
	"github.com/aveline-ai/aveline/internal/textnorm"
	"github.com/aveline-ai/aveline/internal/turndetect"
)

// Scheduler task names. One scheduler instance is shared per conversation, so
// the names are package-prefixed.
const (
	taskSilence  = "transcription.silence"
	taskDebounce = "transcription.utterance_end"
	taskHold     = "transcription.semantic_hold"
)

// Defaults for the turn-taking tuning knobs.
const (
	defaultSilenceWindow  = 2 * time.Second
	defaultDebounce       = 300 * time.Millisecond
	defaultMinChars       = 20
	defaultMinWords       = 3
	defaultDedupWindow    = 5 * time.Second
	defaultSemanticCutoff = 0.7
	defaultHistoryTurns   = 6
)

// Sink receives utterances the manager has decided are ready. The
// implementation (the conversation orchestrator) appends the user turn to
// history, drives generation, and returns an error when the utterance was not
// consumed — in which case the manager preserves the pending transcript so
// the same content is re-dispatched rather than silently lost.
type Sink interface {
	ProcessUserMessage(ctx context.Context, text string) error
}

// HistorySource supplies recent conversation turns as context for semantic
// end-of-turn evaluation. Implementations must be safe for concurrent use.
type HistorySource interface {
	RecentTurns(n int) []turndetect.Turn
}

// Config holds the turn-taking tuning knobs for a [Manager].
type Config struct {
	// Language is the BCP-47 conversation language. Selects the built-in
	// fragment-word list ("fr-FR", "en-US").
	Language string

	// FragmentWords overrides the built-in fragment-ending word list for the
	// completeness check. Empty means use the built-in list for Language.
	FragmentWords []string

	// SilenceWindow is how long without new segments before the pending
	// transcript is force-processed. Default 2s.
	SilenceWindow time.Duration

	// UtteranceEndDebounce is the delay between the transport's
	// end-of-utterance signal and finalization, absorbing trailing words.
	// Default 300ms.
	UtteranceEndDebounce time.Duration

	// MinChars and MinWords are the completeness thresholds. Defaults 20 / 3.
	MinChars int
	MinWords int

	// Relaxed halves MinChars and lowers MinWords to 2 — used when the
	// transport delivers no partials and utterances arrive pre-chunked.
	Relaxed bool

	// SemanticThreshold is the end-of-turn probability at or above which the
	// semantic detector forces immediate dispatch. Default 0.7.
	SemanticThreshold float64

	// SemanticHistoryTurns is how many recent turns are handed to the
	// detector. Default 6.
	SemanticHistoryTurns int

	// DedupWindow is how long an exactly repeated cleaned transcript is
	// treated as a duplicate trigger rather than new content. Default 5s.
	DedupWindow time.Duration

	// SpeakerFiltering enables the diarization gate.
	SpeakerFiltering bool
}

func (c Config) withDefaults() Config {
	if c.SilenceWindow <= 0 {
		c.SilenceWindow = defaultSilenceWindow
	}
	if c.UtteranceEndDebounce <= 0 {
		c.UtteranceEndDebounce = defaultDebounce
	}
	if c.MinChars <= 0 {
		c.MinChars = defaultMinChars
	}
	if c.MinWords <= 0 {
		c.MinWords = defaultMinWords
	}
	if c.Relaxed {
		c.MinChars /= 2
		c.MinWords = 2
	}
	if c.SemanticThreshold <= 0 {
		c.SemanticThreshold = defaultSemanticCutoff
	}
	if c.SemanticHistoryTurns <= 0 {
		c.SemanticHistoryTurns = defaultHistoryTurns
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = defaultDedupWindow
	}
	return c
}

// Manager owns the segment store and speaker gate for one conversation and
// turns the STT event stream into dispatch decisions.
//
// All exported methods are safe for concurrent use. The dispatch callback
// runs without the manager's lock held, so transcript events keep flowing
// while the sink processes an utterance.
type Manager struct {
	cfg       Config
	sink      Sink
	scheduler *sched.Scheduler
	clock     sched.Clock
	detector  turndetect.Detector // nil = semantic detection disabled
	history   HistorySource       // nil = no history context for the detector
	fragments map[string]struct{}

	mu              sync.Mutex
	store           *SegmentStore
	gate            *SpeakerGate
	currentSpeaker  string
	streamingID     string
	lastDispatched  string
	lastDispatchAt  time.Time
	dispatching     bool
	dispatchingText string
	evalInFlight    bool
	evalQueued      bool

	ctx context.Context
}

// Option configures a [Manager] during construction.
type Option func(*Manager)

// WithDetector enables semantic end-of-turn detection.
func WithDetector(d turndetect.Detector) Option {
	return func(m *Manager) { m.detector = d }
}

// WithHistorySource supplies conversation history for semantic evaluation.
func WithHistorySource(h HistorySource) Option {
	return func(m *Manager) { m.history = h }
}

// WithSpeakerObserver registers an observer for speaker-gate decisions.
func WithSpeakerObserver(o SpeakerObserver) Option {
	return func(m *Manager) { m.gate = NewSpeakerGate(m.cfg.SpeakerFiltering, o) }
}

// NewManager creates a Manager for one conversation. ctx bounds the lifetime
// of all dispatches; cancelling it stops in-flight sink calls. scheduler must
// be non-nil — tests pass one built on a [sched.FakeClock].
func NewManager(ctx context.Context, cfg Config, sink Sink, scheduler *sched.Scheduler, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:       cfg,
		sink:      sink,
		scheduler: scheduler,
		clock:     scheduler.Clock(),
		fragments: fragmentSet(cfg.Language, cfg.FragmentWords),
		store:     NewSegmentStore(),
		gate:      NewSpeakerGate(cfg.SpeakerFiltering, nil),
		ctx:       ctx,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ─── Event handlers ───────────────────────────────────────────────────────────

// HandlePartial ingests an interim STT result. Empty or whitespace-only text
// is a no-op.
func (m *Manager) HandlePartial(text string, start, end time.Duration, speaker string) {
	m.handleSegment(text, start, end, speaker, false)
}

// HandleFinal ingests a committed STT result for a time interval.
func (m *Manager) HandleFinal(text string, start, end time.Duration, speaker string) {
	m.handleSegment(text, start, end, speaker, true)
}

// HandleUtteranceEnd reacts to the transport's voice-activity end-of-utterance
// signal — the primary dispatch trigger. Finalization is debounced to absorb
// trailing words; when a semantic detector is configured the debounce triggers
// an evaluation instead of immediate dispatch.
func (m *Manager) HandleUtteranceEnd() {
	m.mu.Lock()
	if !m.store.HasSegments() {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.scheduler.Schedule(taskDebounce, m.cfg.UtteranceEndDebounce, func() {
		if m.detector != nil {
			go m.evaluateSemantic()
			return
		}
		m.attemptDispatch(false)
	})
}

// ForceFinalize processes whatever is pending immediately, bypassing the
// completeness check. No-op when nothing is pending.
func (m *Manager) ForceFinalize() {
	m.attemptDispatch(true)
}

// DiscardPending drops the accumulated transcript without dispatching. Used
// when the echo detector decides the "user speech" was the agent's own TTS
// leaking into the microphone.
func (m *Manager) DiscardPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearPendingLocked()
}

// Reset clears all pending state, timers, and the speaker gate. Used on
// disconnect.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearPendingLocked()
	m.gate.Reset()
	m.currentSpeaker = ""
	m.lastDispatched = ""
	m.lastDispatchAt = time.Time{}
}

// ─── Accessors ────────────────────────────────────────────────────────────────

// PendingTranscript returns the current accumulated (cleaned) transcript.
func (m *Manager) PendingTranscript() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return textnorm.Clean(m.store.FullTranscript())
}

// StreamingMessageID returns the opaque id correlating the pending utterance
// with streaming UI updates, or "" when nothing is pending.
func (m *Manager) StreamingMessageID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamingID
}

// CurrentSpeaker returns the speaker tag of the pending utterance.
func (m *Manager) CurrentSpeaker() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentSpeaker
}

// SpeakerAllowed reports whether speech attributed to tag would pass the
// gate right now. Lets the owner decide interruption questions on the same
// filtering the pending utterance gets, so background voices cannot abort or
// drop an in-flight response.
func (m *Manager) SpeakerAllowed(tag string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gate.Allows(tag)
}

// AddAllowedSpeaker whitelists an additional diarization tag.
func (m *Manager) AddAllowedSpeaker(tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate.AddAllowedSpeaker(tag)
}

// SetPrimarySpeaker force-overrides the gate's primary speaker.
func (m *Manager) SetPrimarySpeaker(tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate.SetPrimarySpeaker(tag)
}

// ResetSpeakerFiltering clears the gate back to the no-primary state.
func (m *Manager) ResetSpeakerFiltering() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate.Reset()
}

// ─── Segment ingestion ────────────────────────────────────────────────────────

func (m *Manager) handleSegment(text string, start, end time.Duration, speaker string, final bool) {
	if strings.TrimSpace(text) == "" {
		return
	}
	now := m.clock.Now()
	seg := Segment{
		Start:      start,
		End:        end,
		Text:       text,
		Final:      final,
		Speaker:    speaker,
		ReceivedAt: now,
	}

	m.mu.Lock()
	res := m.gate.Admit(seg, now, m.store.HasSegments())
	if !res.Pass {
		// Filtered segments never extend the pending utterance, but they are
		// still speech activity: re-arm the silence timer so a chattering
		// secondary speaker defers the timeout — the gate's safety net is
		// what breaks the deadlock once the primary has been quiet too long.
		forceFinalize := res.ForceFinalize && m.store.HasSegments()
		rearm := m.store.HasSegments() && !forceFinalize
		m.mu.Unlock()
		if forceFinalize {
			m.attemptDispatch(true)
			return
		}
		if rearm {
			m.scheduler.Schedule(taskSilence, m.cfg.SilenceWindow, func() {
				m.attemptDispatch(true)
			})
		}
		return
	}

	// A speaker change with content pending finalizes the previous speaker's
	// utterance before the new segment is accepted, so cross-talk never
	// bleeds into one message.
	if speaker != "" && m.currentSpeaker != "" && speaker != m.currentSpeaker && m.store.HasSegments() {
		m.mu.Unlock()
		m.attemptDispatch(true)
		m.mu.Lock()
	}

	m.store.Upsert(seg)
	if m.streamingID == "" {
		m.streamingID = uuid.NewString()
	}
	if speaker != "" {
		m.currentSpeaker = speaker
	}
	m.mu.Unlock()

	m.scheduler.Schedule(taskSilence, m.cfg.SilenceWindow, func() {
		m.attemptDispatch(true)
	})
}

// ─── Dispatch ─────────────────────────────────────────────────────────────────

// attemptDispatch is the single funnel every trigger goes through: silence
// timeout, end-of-utterance debounce, semantic decision, speaker change, and
// the gate's safety net. force bypasses the completeness check.
func (m *Manager) attemptDispatch(force bool) {
	m.mu.Lock()
	clean := textnorm.Clean(m.store.FullTranscript())
	if clean == "" {
		m.mu.Unlock()
		return
	}

	if !force && !m.isComplete(clean) {
		// Keep accumulating; the silence timer remains the backstop.
		m.armSilenceLocked()
		m.mu.Unlock()
		return
	}

	now := m.clock.Now()
	if clean == m.lastDispatched && now.Sub(m.lastDispatchAt) < m.cfg.DedupWindow {
		// Double-fire from overlapping triggers; the content is already
		// being handled downstream.
		m.clearPendingLocked()
		m.mu.Unlock()
		return
	}
	if m.dispatching && clean == m.dispatchingText {
		m.mu.Unlock()
		return
	}

	snapshot := m.store.Snapshot()
	m.dispatching = true
	m.dispatchingText = clean
	m.scheduler.Cancel(taskSilence)
	m.scheduler.Cancel(taskDebounce)
	m.mu.Unlock()

	err := m.sink.ProcessUserMessage(m.ctx, clean)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatching = false
	m.dispatchingText = ""

	if err != nil {
		// The utterance was not consumed. Preserve the pending transcript and
		// re-arm the silence timer so the same content is retried instead of
		// silently lost. Cancellation is not a failure worth logging.
		if !errors.Is(err, context.Canceled) {
			slog.Warn("utterance dispatch failed; preserving transcript for retry",
				"chars", len(clean),
				"error", err,
			)
		}
		m.armSilenceLocked()
		return
	}

	m.lastDispatched = clean
	m.lastDispatchAt = m.clock.Now()
	// Remove exactly the dispatched segments: speech that arrived while the
	// sink was processing belongs to the next utterance.
	m.store.Remove(snapshot)
	if !m.store.HasSegments() {
		m.streamingID = ""
	}
}

// isComplete runs the completeness heuristic on a cleaned transcript.
func (m *Manager) isComplete(clean string) bool {
	// Rune count, not bytes: accented text must not pass the minimum on
	// encoding width alone.
	if utf8.RuneCountInString(clean) < m.cfg.MinChars {
		return false
	}
	if len(strings.Fields(clean)) < m.cfg.MinWords {
		return false
	}
	if m.fragments != nil {
		if last := textnorm.LastWord(clean); last != "" {
			if _, frag := m.fragments[last]; frag {
				return false
			}
		}
	}
	return true
}

// armSilenceLocked (re)arms the silence timer. Caller holds m.mu.
func (m *Manager) armSilenceLocked() {
	m.scheduler.Schedule(taskSilence, m.cfg.SilenceWindow, func() {
		m.attemptDispatch(true)
	})
}

// clearPendingLocked drops all pending state and timers. Caller holds m.mu.
func (m *Manager) clearPendingLocked() {
	m.scheduler.Cancel(taskSilence)
	m.scheduler.Cancel(taskDebounce)
	m.scheduler.Cancel(taskHold)
	m.store.Clear()
	m.streamingID = ""
}

// ─── Semantic end-of-turn ─────────────────────────────────────────────────────

// evaluateSemantic runs one detector evaluation. Only one evaluation may be
// in flight; a trigger arriving meanwhile occupies a single pending slot
// (latest wins) and re-fires when the in-flight one completes.
func (m *Manager) evaluateSemantic() {
	m.mu.Lock()
	if m.evalInFlight {
		m.evalQueued = true
		m.mu.Unlock()
		return
	}
	m.evalInFlight = true
	pending := textnorm.Clean(m.store.FullTranscript())
	m.mu.Unlock()

	if pending == "" {
		m.mu.Lock()
		m.evalInFlight = false
		m.evalQueued = false
		m.mu.Unlock()
		return
	}

	var turns []turndetect.Turn
	if m.history != nil {
		turns = m.history.RecentTurns(m.cfg.SemanticHistoryTurns)
	}

	p, err := m.detector.PredictEndOfTurn(m.ctx, turndetect.ChatContext{
		Turns:       turns,
		PendingText: pending,
		Language:    m.cfg.Language,
	})

	m.mu.Lock()
	m.evalInFlight = false
	rerun := m.evalQueued
	m.evalQueued = false
	m.mu.Unlock()

	switch {
	case err != nil:
		// No opinion — fall back to the plain silence timer.
		slog.Debug("semantic end-of-turn unavailable", "error", err)
		m.mu.Lock()
		m.armSilenceLocked()
		m.mu.Unlock()
	case p >= m.cfg.SemanticThreshold:
		m.attemptDispatch(true)
	default:
		// Hold: the user is judged mid-turn. Never hold indefinitely — the
		// silence timer stays armed as the backstop.
		m.scheduler.Cancel(taskHold)
		m.mu.Lock()
		m.armSilenceLocked()
		m.mu.Unlock()
	}

	if rerun {
		m.evaluateSemantic()
	}
}
