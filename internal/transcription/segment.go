package transcription

import (
	"sort"
	"strings"
	"time"
)

// Segment is a timestamped chunk of recognized speech as delivered by the STT
// transport. Start and End are offsets from the start of the recognition
// session; ReceivedAt is wall-clock arrival time, used for tie-breaking and
// silence bookkeeping.
type Segment struct {
	Start      time.Duration
	End        time.Duration
	Text       string
	Final      bool
	Speaker    string
	ReceivedAt time.Time
}

// overlaps reports whether the segment's interval overlaps [start, end).
// Touching endpoints do not overlap.
func (s Segment) overlaps(start, end time.Duration) bool {
	return s.Start < end && start < s.End
}

// SegmentStore holds the latest transcript segments keyed by time interval and
// performs deterministic temporal deduplication.
//
// STT vendors emit overlapping partial revisions of the same audio window;
// naive concatenation or replace-by-equality produces duplicated or garbled
// text. The store's contract is interval-based: a final segment supersedes
// every stored segment its interval overlaps, and a partial replaces only a
// stored partial with the identical interval.
//
// SegmentStore is not safe for concurrent use; the owning [Manager] serializes
// access.
type SegmentStore struct {
	segments []Segment
}

// NewSegmentStore creates an empty store.
func NewSegmentStore() *SegmentStore {
	return &SegmentStore{}
}

// Upsert inserts seg according to the dedup contract:
//
//   - Final segments first evict every stored segment (partial or final) whose
//     interval overlaps the new one — finals always win.
//   - Partial segments replace a stored partial with the identical interval.
//     A partial whose interval is already covered by a stored final is
//     discarded; partials with non-overlapping intervals coexist.
func (st *SegmentStore) Upsert(seg Segment) {
	if seg.Final {
		kept := st.segments[:0]
		for _, s := range st.segments {
			if !s.overlaps(seg.Start, seg.End) {
				kept = append(kept, s)
			}
		}
		st.segments = append(kept, seg)
		return
	}

	for i, s := range st.segments {
		if s.Start == seg.Start && s.End == seg.End {
			if s.Final {
				// A committed result already covers this interval.
				return
			}
			st.segments[i] = seg
			return
		}
	}
	st.segments = append(st.segments, seg)
}

// FullTranscript returns every stored segment's text concatenated in ascending
// start-time order, regardless of arrival order. Ties sort by arrival time so
// the transcript is stable across calls.
func (st *SegmentStore) FullTranscript() string {
	if len(st.segments) == 0 {
		return ""
	}

	ordered := make([]Segment, len(st.segments))
	copy(ordered, st.segments)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Start != ordered[j].Start {
			return ordered[i].Start < ordered[j].Start
		}
		return ordered[i].ReceivedAt.Before(ordered[j].ReceivedAt)
	})

	parts := make([]string, 0, len(ordered))
	for _, s := range ordered {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// HasSegments reports whether any segment is stored.
func (st *SegmentStore) HasSegments() bool { return len(st.segments) > 0 }

// Len returns the number of stored segments.
func (st *SegmentStore) Len() int { return len(st.segments) }

// Snapshot returns a copy of the stored segments in insertion order.
func (st *SegmentStore) Snapshot() []Segment {
	out := make([]Segment, len(st.segments))
	copy(out, st.segments)
	return out
}

// Remove deletes every stored segment whose interval and arrival time match an
// entry in segs. Used after a successful dispatch so that speech that arrived
// during processing is preserved for the next utterance.
func (st *SegmentStore) Remove(segs []Segment) {
	if len(segs) == 0 {
		return
	}
	kept := st.segments[:0]
	for _, s := range st.segments {
		matched := false
		for _, r := range segs {
			if s.Start == r.Start && s.End == r.End && s.ReceivedAt.Equal(r.ReceivedAt) {
				matched = true
				break
			}
		}
		if !matched {
			kept = append(kept, s)
		}
	}
	st.segments = kept
}

// Clear removes all stored segments.
func (st *SegmentStore) Clear() {
	st.segments = st.segments[:0]
}
