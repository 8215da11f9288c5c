// Package echo detects when a transcribed utterance is actually the agent's
// own voice leaking back through the user's microphone.
//
// Voice agents on open-mic transports routinely hear themselves: the STT
// engine transcribes the played response and hands it back as user speech.
// Without echo suppression that loop triggers a spurious barge-in which
// aborts the response the user is still listening to.
//
// The [Detector] compares an incoming transcript against what the agent
// recently said using two complementary signals: fuzzy whole-string
// similarity (Jaro-Winkler, tolerant of STT mangling) and token containment
// (the transcript's words are a subset of the response's words, tolerant of
// partial pickup). Either signal alone can classify a transcript as echo.
package echo

import (
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/aveline-ai/aveline/internal/textnorm"
)

const (
	// defaultSimilarity is the Jaro-Winkler score above which a transcript
	// is considered a fuzzy match of a recent agent utterance.
	defaultSimilarity = 0.85

	// defaultContainment is the fraction of transcript tokens that must
	// appear in a recent agent utterance for the containment signal.
	defaultContainment = 0.8

	// defaultWindow is how long an agent utterance stays eligible for echo
	// matching after it was spoken.
	defaultWindow = 10 * time.Second

	// maxRecent bounds the number of remembered agent utterances.
	maxRecent = 8

	// minTokens below which containment is too easy to trip: one- or
	// two-word transcripts ("yes", "okay so") match almost anything.
	minTokens = 3
)

type spoken struct {
	norm   string
	tokens map[string]struct{}
	at     time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithSimilarityThreshold overrides the fuzzy-match threshold.
func WithSimilarityThreshold(t float64) Option {
	return func(d *Detector) { d.similarity = t }
}

// WithContainmentThreshold overrides the token-containment threshold.
func WithContainmentThreshold(t float64) Option {
	return func(d *Detector) { d.containment = t }
}

// WithWindow overrides how long agent utterances remain matchable.
func WithWindow(w time.Duration) Option {
	return func(d *Detector) { d.window = w }
}

// Detector remembers the agent's recent utterances and classifies incoming
// transcripts as echo or genuine user speech. Safe for concurrent use.
type Detector struct {
	similarity  float64
	containment float64
	window      time.Duration

	mu     sync.Mutex
	recent []spoken
}

// NewDetector creates a Detector with default thresholds.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		similarity:  defaultSimilarity,
		containment: defaultContainment,
		window:      defaultWindow,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AgentSpoke records text the agent just said (or started saying) at ts.
func (d *Detector) AgentSpoke(text string, ts time.Time) {
	norm := textnorm.Normalize(text)
	if norm == "" {
		return
	}
	tokens := make(map[string]struct{})
	for _, tok := range strings.Fields(norm) {
		tokens[tok] = struct{}{}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.recent = append(d.recent, spoken{norm: norm, tokens: tokens, at: ts})
	if len(d.recent) > maxRecent {
		d.recent = d.recent[len(d.recent)-maxRecent:]
	}
}

// IsEcho reports whether transcript at ts matches something the agent said
// within the window.
func (d *Detector) IsEcho(transcript string, ts time.Time) bool {
	norm := textnorm.Normalize(transcript)
	if norm == "" {
		return false
	}
	toks := strings.Fields(norm)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.expire(ts)

	for _, s := range d.recent {
		if matchr.JaroWinkler(norm, s.norm, false) >= d.similarity {
			return true
		}
		if len(toks) >= minTokens && containment(toks, s.tokens) >= d.containment {
			return true
		}
	}
	return false
}

// Reset forgets all remembered utterances. Called on disconnect.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recent = nil
}

// expire drops utterances older than the window. Callers hold d.mu.
func (d *Detector) expire(now time.Time) {
	keep := d.recent[:0]
	for _, s := range d.recent {
		if now.Sub(s.at) <= d.window {
			keep = append(keep, s)
		}
	}
	d.recent = keep
}

// containment returns the fraction of toks present in set.
func containment(toks []string, set map[string]struct{}) float64 {
	if len(toks) == 0 {
		return 0
	}
	hits := 0
	for _, t := range toks {
		if _, ok := set[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(toks))
}
