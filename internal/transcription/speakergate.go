package transcription

import (
	"time"
)

// UnknownSpeaker is the diarization tag emitted by STT vendors when a segment
// cannot be attributed to any speaker. Unknown segments are always filtered
// and never affect speaker establishment.
const UnknownSpeaker = "UU"

// establishCount is the number of consecutive segments a candidate speaker
// must produce before becoming primary.
const establishCount = 2

// defaultSafetyNetSilence is how long the gate waits after the last accepted
// segment before a filtered segment from another voice is treated as evidence
// that the primary speaker is done.
const defaultSafetyNetSilence = 2 * time.Second

// SpeakerObserver receives notifications about speaker-gate decisions. All
// methods are invoked synchronously from the goroutine handling the segment;
// implementations must not block.
type SpeakerObserver interface {
	// SpeakerEstablished is called exactly once each time a speaker becomes
	// primary (including after a reset or a forced override).
	SpeakerEstablished(tag string)

	// SpeakerFiltered is called when a segment from a non-primary speaker is
	// dropped, with the offending tag and the filtered transcript text.
	SpeakerFiltered(tag, transcript string)
}

// GateResult is the outcome of passing one segment through the [SpeakerGate].
type GateResult struct {
	// Pass indicates the segment's content may extend the pending utterance.
	Pass bool

	// Established is set when this segment promoted its speaker to primary.
	Established bool

	// ForceFinalize is the safety-net signal: a filtered segment arrived after
	// a prolonged silence while a pending utterance from the primary speaker
	// exists. The caller should finalize the pending utterance immediately
	// rather than wait for the regular triggers.
	ForceFinalize bool
}

// SpeakerGate decides, per incoming segment, whether its speaker is "the"
// active speaker. It establishes a primary speaker after two consecutive
// segments from the same non-unknown tag, filters segments from other
// speakers afterwards, and supports a whitelist of additional allowed tags.
//
// The gate is not safe for concurrent use; the owning [Manager] serializes
// access.
type SpeakerGate struct {
	enabled  bool
	observer SpeakerObserver

	primary        string
	candidate      string
	candidateCount int
	allowed        map[string]struct{}

	lastAcceptedAt   time.Time
	safetyNetSilence time.Duration
}

// NewSpeakerGate creates a gate. When enabled is false every non-unknown
// segment passes and no state is tracked. observer may be nil.
func NewSpeakerGate(enabled bool, observer SpeakerObserver) *SpeakerGate {
	return &SpeakerGate{
		enabled:          enabled,
		observer:         observer,
		allowed:          make(map[string]struct{}),
		safetyNetSilence: defaultSafetyNetSilence,
	}
}

// Primary returns the established primary speaker tag, or "" when none is
// established yet.
func (g *SpeakerGate) Primary() string { return g.primary }

// Admit runs the gate's state machine for one segment. now is the segment's
// arrival time and hasPending reports whether a non-empty pending utterance
// exists (needed for the safety-net decision).
func (g *SpeakerGate) Admit(seg Segment, now time.Time, hasPending bool) GateResult {
	tag := seg.Speaker

	// Unknown segments never pass and never touch candidate/primary state.
	if tag == UnknownSpeaker {
		return g.filtered(tag, seg.Text, now, hasPending)
	}

	if !g.enabled || tag == "" {
		// Filtering disabled, or the transport is not diarizing at all.
		g.lastAcceptedAt = now
		return GateResult{Pass: true}
	}

	if _, ok := g.allowed[tag]; ok {
		g.lastAcceptedAt = now
		return GateResult{Pass: true}
	}

	switch {
	case g.primary == "":
		// Establishment phase.
		if g.candidate == tag {
			g.candidateCount++
		} else {
			g.candidate = tag
			g.candidateCount = 1
		}
		if g.candidateCount >= establishCount {
			g.primary = tag
			g.candidate = ""
			g.candidateCount = 0
			g.lastAcceptedAt = now
			if g.observer != nil {
				g.observer.SpeakerEstablished(tag)
			}
			return GateResult{Pass: true, Established: true}
		}
		// Not yet established: the segment is filtered but remembered.
		return g.filtered(tag, seg.Text, now, hasPending)

	case g.primary == tag:
		g.lastAcceptedAt = now
		return GateResult{Pass: true}

	default:
		return g.filtered(tag, seg.Text, now, hasPending)
	}
}

// filtered records a rejected segment and computes the safety-net signal.
func (g *SpeakerGate) filtered(tag, text string, now time.Time, hasPending bool) GateResult {
	if g.observer != nil && g.primary != "" && tag != g.primary {
		g.observer.SpeakerFiltered(tag, text)
	}

	res := GateResult{}
	if hasPending && !g.lastAcceptedAt.IsZero() && now.Sub(g.lastAcceptedAt) > g.safetyNetSilence {
		// Prolonged silence plus interruption by another voice: treat the
		// primary speaker as done and process what we have.
		res.ForceFinalize = true
	}
	return res
}

// Allows reports whether a segment from tag would currently pass the gate,
// without advancing candidate/primary state. Before a primary speaker is
// established every non-unknown tag is allowed; afterwards only the primary
// and whitelisted tags are.
func (g *SpeakerGate) Allows(tag string) bool {
	if tag == UnknownSpeaker {
		return false
	}
	if !g.enabled || tag == "" {
		return true
	}
	if _, ok := g.allowed[tag]; ok {
		return true
	}
	return g.primary == "" || g.primary == tag
}

// AddAllowedSpeaker whitelists tag so its segments pass without displacing the
// primary speaker. Adding the unknown tag is a no-op.
func (g *SpeakerGate) AddAllowedSpeaker(tag string) {
	if tag == "" || tag == UnknownSpeaker {
		return
	}
	g.allowed[tag] = struct{}{}
}

// SetPrimarySpeaker force-overrides the primary speaker, bypassing the
// establishment count.
func (g *SpeakerGate) SetPrimarySpeaker(tag string) {
	if tag == "" || tag == UnknownSpeaker {
		return
	}
	g.primary = tag
	g.candidate = ""
	g.candidateCount = 0
	if g.observer != nil {
		g.observer.SpeakerEstablished(tag)
	}
}

// Reset clears the gate back to the no-primary state. The allowed-speaker
// whitelist is cleared as well.
func (g *SpeakerGate) Reset() {
	g.primary = ""
	g.candidate = ""
	g.candidateCount = 0
	g.allowed = make(map[string]struct{})
	g.lastAcceptedAt = time.Time{}
}
