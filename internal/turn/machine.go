// Package turn implements the conversation turn state machine — the single
// source of truth for "who is allowed to speak".
//
// The [Machine] tracks the conversation state, the in-memory history, the
// FIFO queue of user messages that arrived while a response was in flight,
// and the flags the orchestrator consults for interruption decisions. It
// performs no I/O and schedules no timers; the orchestrator drives it with
// events and interprets its state.
//
// All exported methods are safe for concurrent use, but the machine is
// designed to be owned by one orchestrator: components other than the
// orchestrator never mutate it directly.
package turn

import (
	"fmt"
	"sync"
	"time"

	"github.com/aveline-ai/aveline/internal/history"
	"github.com/aveline-ai/aveline/internal/sched"
	"github.com/aveline-ai/aveline/internal/textnorm"
)

// State is the conversation state.
type State int

const (
	// StateIdle is the initial state before the first connect.
	StateIdle State = iota

	// StateListening means the engine is accumulating user speech.
	StateListening

	// StateGenerating means a user utterance is in flight to the LLM.
	StateGenerating

	// StateSpeaking means the agent's response audio is playing.
	StateSpeaking

	// StateAborting is the transient state while an in-flight response is
	// being torn down.
	StateAborting

	// StateDisconnected is terminal until a reconnect re-enters listening.
	StateDisconnected
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateGenerating:
		return "generating"
	case StateSpeaking:
		return "speaking"
	case StateAborting:
		return "aborting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// partialStaleness is how long a received-partial-during-generation flag is
// trusted. Older flags are presumed left over from before generation started
// and must not cause a valid response to be dropped.
const partialStaleness = 3 * time.Second

// queuedMessage is one pending user utterance with its normalized form for
// dedup.
type queuedMessage struct {
	text string
	norm string
	at   time.Time
}

// Machine is the turn-taking state machine for one conversation.
type Machine struct {
	clock sched.Clock

	mu                  sync.Mutex
	state               State
	messages            []history.Message
	queue               []queuedMessage
	lastSentUserMessage string
	lastSentNorm        string
	generation          uint64
	generationStartedAt time.Time
	partialDuringGen    bool
	partialDuringGenAt  time.Time
	abortedForContinue  bool
}

// NewMachine creates a Machine in the idle state. clock may be nil, in which
// case the real clock is used.
func NewMachine(clock sched.Clock) *Machine {
	if clock == nil {
		clock = sched.RealClock{}
	}
	return &Machine{clock: clock}
}

// State returns the current conversation state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ─── Transitions ──────────────────────────────────────────────────────────────

// Connect moves the machine to listening from any state. Called on initial
// connect and on reconnect after a disconnect.
func (m *Machine) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateListening
}

// GenerationStart records that message was sent to the LLM and moves to
// generating. It returns the generation number identifying this attempt;
// completions whose number no longer matches [Machine.Generation] are stale.
// Returns an error unless the machine is listening.
func (m *Machine) GenerationStart(message string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateListening {
		return 0, fmt.Errorf("turn: cannot start generation in state %s", m.state)
	}
	m.state = StateGenerating
	m.generation++
	m.generationStartedAt = m.clock.Now()
	m.lastSentUserMessage = message
	m.lastSentNorm = textnorm.Normalize(message)
	m.partialDuringGen = false
	m.partialDuringGenAt = time.Time{}
	m.abortedForContinue = false
	return m.generation, nil
}

// GenerationEnd moves generating → speaking when audio will play, or back to
// listening in text-only (consultant) mode. A no-op in any other state — the
// generation was aborted while in flight.
func (m *Machine) GenerationEnd(audio bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateGenerating {
		return
	}
	if audio {
		m.state = StateSpeaking
	} else {
		m.state = StateListening
	}
}

// PlaybackDone moves speaking → listening once response audio has finished.
func (m *Machine) PlaybackDone() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateSpeaking {
		m.state = StateListening
	}
}

// NotePartial records that a partial transcript arrived. While generating or
// speaking this sets the received-partial flag the orchestrator consults to
// decide whether the user kept talking over the response.
func (m *Machine) NotePartial(ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateGenerating || m.state == StateSpeaking {
		m.partialDuringGen = true
		m.partialDuringGenAt = ts
	}
}

// BeginAbort marks the in-flight response as being torn down:
// generating/speaking → aborting. The caller cancels the response's context
// while in this state and then completes the teardown with [Machine.Abort]
// or [Machine.BargeIn].
func (m *Machine) BeginAbort() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateGenerating || m.state == StateSpeaking {
		m.state = StateAborting
	}
}

// BargeIn handles a user interruption: speaking/generating/aborting →
// listening, and the queue is cleared — queued fragments are stale once the
// user interrupts; the next complete utterance supersedes them.
func (m *Machine) BargeIn() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateGenerating && m.state != StateSpeaking && m.state != StateAborting {
		return
	}
	m.state = StateListening
	m.queue = nil
	m.abortedForContinue = true
}

// Abort force-stops whatever is in flight and resets to listening. Unlike
// BargeIn it can be invoked locally (UI stop button, shutdown path) and does
// not clear the queue.
func (m *Machine) Abort() {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateGenerating, StateSpeaking, StateAborting:
		m.state = StateListening
	}
}

// Disconnect moves to the terminal disconnected state and clears history and
// queue.
func (m *Machine) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateDisconnected
	m.messages = nil
	m.queue = nil
	m.lastSentUserMessage = ""
	m.lastSentNorm = ""
	m.partialDuringGen = false
}

// ─── Generation bookkeeping ───────────────────────────────────────────────────

// Generation returns the number of the most recently started generation.
func (m *Machine) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// GenerationElapsed returns how long the current generation has been running,
// or zero when not generating.
func (m *Machine) GenerationElapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateGenerating {
		return 0
	}
	return m.clock.Now().Sub(m.generationStartedAt)
}

// LastSentUserMessage returns the user message of the current or most recent
// generation.
func (m *Machine) LastSentUserMessage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSentUserMessage
}

// FreshPartialDuringGeneration reports whether a partial transcript arrived
// during the current generation recently enough to be trusted. Flags older
// than the staleness window are presumed stale.
func (m *Machine) FreshPartialDuringGeneration() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.partialDuringGen {
		return false
	}
	return m.clock.Now().Sub(m.partialDuringGenAt) <= partialStaleness
}

// ClearPartialFlag resets the received-partial flag. Called when a response
// is accepted despite earlier partials (echo, filtered speakers).
func (m *Machine) ClearPartialFlag() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partialDuringGen = false
	m.partialDuringGenAt = time.Time{}
}

// AbortedForContinuation reports whether the last interruption was a
// barge-in caused by the user continuing to talk.
func (m *Machine) AbortedForContinuation() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.abortedForContinue
}

// ─── Message queue ────────────────────────────────────────────────────────────

// QueueMessage appends text to the pending queue unless an identical
// (normalized) text is already queued or is the message currently being
// processed. Reports whether the message was enqueued.
func (m *Machine) QueueMessage(text string, ts time.Time) bool {
	norm := textnorm.Normalize(text)
	if norm == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if norm == m.lastSentNorm && (m.state == StateGenerating || m.state == StateSpeaking) {
		return false
	}
	for _, q := range m.queue {
		if q.norm == norm {
			return false
		}
	}
	m.queue = append(m.queue, queuedMessage{text: text, norm: norm, at: ts})
	return true
}

// NextQueued pops the oldest queued message. Reports ok=false when the queue
// is empty.
func (m *Machine) NextQueued() (text string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return "", false
	}
	q := m.queue[0]
	m.queue = m.queue[1:]
	return q.text, true
}

// QueueLen returns the number of queued messages.
func (m *Machine) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// ─── History ──────────────────────────────────────────────────────────────────

// AppendUser appends a user turn to the conversation history.
func (m *Machine) AppendUser(content string) {
	m.append(history.RoleUser, content)
}

// AppendAgent appends an agent turn to the conversation history.
func (m *Machine) AppendAgent(content string) {
	m.append(history.RoleAgent, content)
}

func (m *Machine) append(role history.Role, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, history.Message{
		Role:      role,
		Content:   content,
		Timestamp: m.clock.Now(),
	})
}

// RollbackLastUser removes the most recent history entry if it is a user
// turn. Used when a dispatched utterance turns out to be incomplete or its
// processing failed. Reports whether an entry was removed.
func (m *Machine) RollbackLastUser() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.messages)
	if n == 0 || m.messages[n-1].Role != history.RoleUser {
		return false
	}
	m.messages = m.messages[:n-1]
	return true
}

// History returns a copy of the conversation history, oldest first.
func (m *Machine) History() []history.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]history.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// RecentHistory returns up to n most recent messages, oldest first.
func (m *Machine) RecentHistory(n int) []history.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]history.Message, len(msgs))
	copy(out, msgs)
	return out
}
