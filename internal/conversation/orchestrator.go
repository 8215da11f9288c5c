// Package conversation wires the turn-taking pipeline into a full voice
// agent: it owns the transcription manager, the turn state machine, and the
// LLM/TTS providers, and decides when to answer, when to shut up, and when
// to throw a finished answer away.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aveline-ai/aveline/internal/echo"
	"github.com/aveline-ai/aveline/internal/history"
	"github.com/aveline-ai/aveline/internal/observe"
	"github.com/aveline-ai/aveline/internal/sched"
	"github.com/aveline-ai/aveline/internal/textnorm"
	"github.com/aveline-ai/aveline/internal/transcription"
	"github.com/aveline-ai/aveline/internal/turn"
	"github.com/aveline-ai/aveline/internal/turndetect"
	"github.com/aveline-ai/aveline/pkg/audio"
	"github.com/aveline-ai/aveline/pkg/llm"
	"github.com/aveline-ai/aveline/pkg/stt"
	"github.com/aveline-ai/aveline/pkg/tts"
)

const (
	taskGenTimeout = "conversation.generation_timeout"

	defaultGenerationTimeout = 60 * time.Second
	defaultDedupWindow       = 5 * time.Second

	// continuationTokens is how many tokens a partial must add over the
	// in-flight user message before the response is aborted mid-generation.
	// Below that the growth is usually STT jitter, not the user continuing.
	continuationTokens = 3
)

// VoiceAgent is the capability surface of a conversation endpoint. The
// orchestrator implements it; the connection layer and session supervisor
// depend only on this interface.
type VoiceAgent interface {
	// Connect moves the agent to listening. Safe to call on reconnect.
	Connect()

	// Disconnect tears down all conversation state. The agent stays
	// unusable until the next Connect.
	Disconnect()

	// HandleSpeechEvent ingests one event from the STT stream.
	HandleSpeechEvent(ev stt.Event)

	// ProcessUserMessage handles one ready utterance: answer it now, or
	// queue it behind the in-flight response.
	ProcessUserMessage(ctx context.Context, text string) error

	// Abort stops whatever response is in flight and returns to listening.
	Abort()
}

// Observer receives conversation lifecycle callbacks. All methods are called
// from orchestrator goroutines and must not block.
type Observer interface {
	// UserMessage fires when a user utterance enters generation.
	UserMessage(id, text string)

	// AgentResponse fires when a response is accepted, before playback.
	AgentResponse(id, text string)

	// ResponseDropped fires when a completed response is discarded.
	ResponseDropped(text, reason string)

	// GenerationFailed fires when a generation fails for a reason other
	// than cancellation. The hosting UI decides how to surface it.
	GenerationFailed(id string, err error)
}

// Config holds the orchestrator tuning knobs.
type Config struct {
	// SystemPrompt is the agent persona sent with every completion.
	SystemPrompt string

	// Voice selects the TTS voice. Ignored in consultant mode.
	Voice tts.Voice

	// ConsultantMode turns the agent into a transcription-only listener:
	// dispatched utterances are recorded as user turns (history, observer,
	// persistence) but no response is generated or spoken.
	ConsultantMode bool

	// GenerationTimeout bounds one response generation. A generation
	// stuck past it is cancelled and the machine self-heals back to
	// listening. Default 60s.
	GenerationTimeout time.Duration

	// DedupWindow is how long a repeated dispatch of the same normalized
	// text is dropped as a duplicate. Default 5s.
	DedupWindow time.Duration

	// Temperature and MaxTokens pass through to the LLM.
	Temperature float64
	MaxTokens   int

	// Turn configures the transcription manager.
	Turn transcription.Config
}

func (c Config) withDefaults() Config {
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = defaultGenerationTimeout
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = defaultDedupWindow
	}
	return c
}

// Orchestrator is the conversation brain for one voice session.
type Orchestrator struct {
	cfg       Config
	provider  llm.Provider
	synth     tts.Synthesizer // nil = no speech output
	player    audio.Player    // nil = no speech output
	echoDet   *echo.Detector
	store     history.Store // nil = in-memory history only
	metrics   *observe.Metrics
	observer  Observer
	log       *slog.Logger
	scheduler *sched.Scheduler
	clock     sched.Clock

	// turnDetector is consumed by New when building the manager.
	turnDetector turndetect.Detector

	machine *turn.Machine
	manager *transcription.Manager

	ctx    context.Context
	convID string

	mu           sync.Mutex
	genCancel    context.CancelFunc
	lastUserNorm string
	lastUserAt   time.Time
}

var (
	_ VoiceAgent                  = (*Orchestrator)(nil)
	_ transcription.Sink          = (*Orchestrator)(nil)
	_ transcription.HistorySource = (*Orchestrator)(nil)
)

// Option configures an Orchestrator during construction.
type Option func(*Orchestrator)

// WithSpeech enables audio output through synth and player.
func WithSpeech(synth tts.Synthesizer, player audio.Player) Option {
	return func(o *Orchestrator) {
		o.synth = synth
		o.player = player
	}
}

// WithEchoDetector enables own-voice echo suppression.
func WithEchoDetector(d *echo.Detector) Option {
	return func(o *Orchestrator) { o.echoDet = d }
}

// WithHistoryStore enables write-behind persistence of the conversation.
func WithHistoryStore(s history.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithMetrics overrides the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithObserver registers a lifecycle observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithTurnDetector enables semantic end-of-turn detection in the
// transcription manager.
func WithTurnDetector(d turndetect.Detector) Option {
	return func(o *Orchestrator) { o.turnDetector = d }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// New creates an Orchestrator and its transcription manager. ctx bounds the
// conversation lifetime; scheduler must be non-nil (tests pass one built on a
// fake clock).
func New(ctx context.Context, cfg Config, provider llm.Provider, scheduler *sched.Scheduler, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:       cfg,
		provider:  provider,
		metrics:   observe.DefaultMetrics(),
		log:       slog.Default(),
		scheduler: scheduler,
		clock:     scheduler.Clock(),
		ctx:       ctx,
		convID:    uuid.NewString(),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.machine = turn.NewMachine(o.clock)

	mgrOpts := []transcription.Option{
		transcription.WithHistorySource(o),
	}
	if o.turnDetector != nil {
		mgrOpts = append(mgrOpts, transcription.WithDetector(o.turnDetector))
	}
	o.manager = transcription.NewManager(ctx, cfg.Turn, o, scheduler, mgrOpts...)
	return o
}

// ConversationID returns the stable identifier for this conversation.
func (o *Orchestrator) ConversationID() string { return o.convID }

// Manager exposes the transcription manager for the connection layer and
// for control surfaces (speaker whitelisting, forced finalization).
func (o *Orchestrator) Manager() *transcription.Manager { return o.manager }

// State returns the current turn state.
func (o *Orchestrator) State() turn.State { return o.machine.State() }

// Phase implements health.StatusSource.
func (o *Orchestrator) Phase() string { return o.machine.State().String() }

// Connected reports whether the conversation has left the idle and
// disconnected states. Implements health.StatusSource.
func (o *Orchestrator) Connected() bool {
	s := o.machine.State()
	return s != turn.StateIdle && s != turn.StateDisconnected
}

// History returns a copy of the in-memory conversation history.
func (o *Orchestrator) History() []history.Message { return o.machine.History() }

// RecentTurns implements transcription.HistorySource for the semantic
// end-of-turn detector.
func (o *Orchestrator) RecentTurns(n int) []turndetect.Turn {
	msgs := o.machine.RecentHistory(n)
	turns := make([]turndetect.Turn, len(msgs))
	for i, m := range msgs {
		turns[i] = turndetect.Turn{Role: string(m.Role), Content: m.Content}
	}
	return turns
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

// Connect implements VoiceAgent.
func (o *Orchestrator) Connect() {
	o.machine.Connect()
	o.metrics.ActiveConversations.Add(o.ctx, 1)
	o.log.Info("conversation connected", "conversation_id", o.convID)
}

// Disconnect implements VoiceAgent.
func (o *Orchestrator) Disconnect() {
	o.cancelActivity()
	o.scheduler.Cancel(taskGenTimeout)
	o.machine.Disconnect()
	o.manager.Reset()
	if o.echoDet != nil {
		o.echoDet.Reset()
	}
	o.metrics.ActiveConversations.Add(o.ctx, -1)
	o.log.Info("conversation disconnected", "conversation_id", o.convID)
}

// Abort implements VoiceAgent: stop the in-flight response, keep the queue.
func (o *Orchestrator) Abort() {
	o.machine.BeginAbort()
	o.cancelActivity()
	o.scheduler.Cancel(taskGenTimeout)
	o.machine.Abort()
}

// ─── Speech event ingestion ───────────────────────────────────────────────────

// HandleSpeechEvent implements VoiceAgent. It is the single entry point for
// the STT event stream.
func (o *Orchestrator) HandleSpeechEvent(ev stt.Event) {
	switch ev.Type {
	case stt.EventPartial:
		o.handleTranscript(ev, false)
	case stt.EventFinal:
		o.handleTranscript(ev, true)
	case stt.EventUtteranceEnd:
		o.manager.HandleUtteranceEnd()
	case stt.EventSpeechStarted:
		// VAD fires for any sound, the agent's own playback included.
		// Interruption decisions wait for transcript content.
	case stt.EventError:
		o.log.Error("stt stream error", "conversation_id", o.convID, "error", ev.Err)
	}
}

func (o *Orchestrator) handleTranscript(ev stt.Event, final bool) {
	now := o.clock.Now()

	if o.echoDet != nil && o.echoDet.IsEcho(ev.Text, now) {
		o.log.Debug("discarding echo transcript", "final", final, "chars", len(ev.Text))
		// Earlier echo partials may already have accumulated; drop them
		// too while the whole pending utterance still looks like echo.
		if final {
			if pending := o.manager.PendingTranscript(); pending != "" && o.echoDet.IsEcho(pending, now) {
				o.manager.DiscardPending()
				// Everything that arrived during this generation was
				// our own playback; the response must not be dropped
				// for it.
				o.machine.ClearPartialFlag()
			}
		}
		return
	}

	state := o.machine.State()
	if state == turn.StateGenerating || state == turn.StateSpeaking {
		// Speech from a gated-out background speaker must not count as
		// the user talking over the response.
		if o.manager.SpeakerAllowed(ev.Speaker) {
			o.machine.NotePartial(now)
			if o.shouldInterrupt(ev.Text, state) {
				o.bargeIn(state)
			}
		}
	}

	if final {
		o.manager.HandleFinal(ev.Text, ev.Start, ev.End, ev.Speaker)
	} else {
		o.manager.HandlePartial(ev.Text, ev.Start, ev.End, ev.Speaker)
	}
}

// shouldInterrupt decides whether user speech aborts the in-flight response.
// While the agent is audibly speaking any genuine speech interrupts; while a
// response is still being generated, only a clear continuation of the
// dispatched utterance does.
func (o *Orchestrator) shouldInterrupt(text string, state turn.State) bool {
	if textnorm.Normalize(text) == "" {
		return false
	}
	if state == turn.StateSpeaking {
		return true
	}
	return continuesUtterance(o.machine.LastSentUserMessage(), text)
}

// continuesUtterance reports whether curr reads as prev plus at least
// continuationTokens more tokens — the user never actually finished their
// turn.
func continuesUtterance(prev, curr string) bool {
	prevNorm := textnorm.Normalize(prev)
	currNorm := textnorm.Normalize(curr)
	if prevNorm == "" || currNorm == "" {
		return false
	}

	prevTokens := strings.Fields(prevNorm)
	currTokens := strings.Fields(currNorm)
	if len(currTokens)-len(prevTokens) < continuationTokens {
		return false
	}

	if strings.HasPrefix(currNorm, prevNorm) {
		return true
	}
	// STT may have revised earlier words; a token-set superset still reads
	// as a continuation.
	seen := make(map[string]struct{}, len(currTokens))
	for _, tok := range currTokens {
		seen[tok] = struct{}{}
	}
	for _, tok := range prevTokens {
		if _, ok := seen[tok]; !ok {
			return false
		}
	}
	return true
}

// bargeIn tears down the in-flight response because the user spoke over it.
func (o *Orchestrator) bargeIn(phase turn.State) {
	o.log.Info("barge-in", "conversation_id", o.convID, "phase", phase.String())
	o.metrics.RecordBargeIn(o.ctx, phase.String())

	o.machine.BeginAbort()
	o.cancelActivity()
	o.scheduler.Cancel(taskGenTimeout)

	if phase == turn.StateGenerating {
		// The fuller utterance will re-dispatch with the full text, so
		// the half-sent user turn comes out of history.
		o.machine.RollbackLastUser()
	}
	o.machine.BargeIn()
}

// ─── Dispatch (transcription.Sink) ────────────────────────────────────────────

// ProcessUserMessage implements transcription.Sink. Returning an error makes
// the manager preserve the pending transcript for retry; queueing counts as
// consumption.
func (o *Orchestrator) ProcessUserMessage(_ context.Context, text string) error {
	now := o.clock.Now()

	switch o.machine.State() {
	case turn.StateIdle, turn.StateDisconnected:
		return fmt.Errorf("conversation: not connected")
	case turn.StateGenerating, turn.StateSpeaking, turn.StateAborting:
		if o.machine.QueueMessage(text, now) {
			o.metrics.QueueDepth.Add(o.ctx, 1)
			o.log.Debug("queued user message behind in-flight response",
				"conversation_id", o.convID, "queued", o.machine.QueueLen())
		}
		return nil
	}

	norm := textnorm.Normalize(text)
	o.mu.Lock()
	if norm == o.lastUserNorm && now.Sub(o.lastUserAt) < o.cfg.DedupWindow {
		o.mu.Unlock()
		o.log.Debug("dropping duplicate utterance", "conversation_id", o.convID)
		return nil
	}
	o.mu.Unlock()

	if o.cfg.ConsultantMode {
		// Transcription-only: the utterance is recorded as a user turn
		// but no response is generated or spoken.
		o.mu.Lock()
		o.lastUserNorm = norm
		o.lastUserAt = now
		o.mu.Unlock()
		o.machine.AppendUser(text)
		o.persist(history.RoleUser, text)
		if o.observer != nil {
			o.observer.UserMessage(o.convID, text)
		}
		o.drainQueue()
		return nil
	}

	gen, err := o.machine.GenerationStart(text)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.lastUserNorm = norm
	o.lastUserAt = now
	o.mu.Unlock()

	o.machine.AppendUser(text)
	o.persist(history.RoleUser, text)
	if o.observer != nil {
		o.observer.UserMessage(o.convID, text)
	}

	genCtx, cancel := context.WithCancel(o.ctx)
	o.setCancel(cancel)
	o.scheduler.Schedule(taskGenTimeout, o.cfg.GenerationTimeout, func() {
		o.healStalledGeneration(gen)
	})

	go o.generate(genCtx, gen, text)
	return nil
}

// ─── Generation ───────────────────────────────────────────────────────────────

func (o *Orchestrator) generate(ctx context.Context, gen uint64, userText string) {
	start := o.clock.Now()

	req := llm.CompletionRequest{
		SystemPrompt: o.cfg.SystemPrompt,
		Messages:     o.historyMessages(),
		Temperature:  o.cfg.Temperature,
		MaxTokens:    o.cfg.MaxTokens,
	}

	chunks, err := o.provider.StreamCompletion(ctx, req)
	if err != nil {
		o.generationFailed(gen, fmt.Errorf("conversation: start completion: %w", err))
		return
	}

	var b strings.Builder
	var streamErr error
	for chunk := range chunks {
		if chunk.FinishReason == "error" {
			streamErr = errors.New(chunk.Text)
			break
		}
		b.WriteString(chunk.Text)
	}
	response := strings.TrimSpace(b.String())

	// Resolve: the generation may have been superseded while streaming.
	if o.machine.Generation() != gen || o.machine.State() != turn.StateGenerating {
		o.log.Debug("generation superseded", "conversation_id", o.convID, "generation", gen)
		return
	}
	if streamErr != nil {
		o.generationFailed(gen, fmt.Errorf("conversation: completion stream: %w", streamErr))
		return
	}
	if ctx.Err() != nil {
		// Cancelled by barge-in or shutdown; not a failure.
		return
	}
	if response == "" {
		o.generationFailed(gen, errors.New("conversation: empty response"))
		return
	}

	if o.machine.FreshPartialDuringGeneration() {
		// The user kept talking past the dispatch: this answer responds
		// to half a question. Drop it; the fuller utterance is already
		// accumulating and will re-dispatch.
		o.log.Info("dropping response, user continued speaking",
			"conversation_id", o.convID, "generation", gen)
		o.metrics.RecordDroppedResponse(o.ctx, "stale_partial")
		if o.observer != nil {
			o.observer.ResponseDropped(response, "stale_partial")
		}
		o.scheduler.Cancel(taskGenTimeout)
		o.machine.RollbackLastUser()
		o.machine.Abort()
		o.clearCancel()
		return
	}

	// Accepted.
	o.scheduler.Cancel(taskGenTimeout)
	o.machine.AppendAgent(response)
	o.persist(history.RoleAgent, response)
	if o.echoDet != nil {
		o.echoDet.AgentSpoke(response, o.clock.Now())
	}
	if o.observer != nil {
		o.observer.AgentResponse(o.convID, response)
	}
	o.metrics.GenerationDuration.Record(o.ctx, o.clock.Now().Sub(start).Seconds())

	if o.synth == nil || o.player == nil {
		o.machine.GenerationEnd(false)
		o.clearCancel()
		o.drainQueue()
		return
	}

	o.speak(ctx, response)
	o.clearCancel()
	o.drainQueue()
}

// speak synthesizes and plays response. Playback shares the generation's
// cancellation context, so barge-in cuts audio mid-sentence.
func (o *Orchestrator) speak(ctx context.Context, response string) {
	ttsStart := o.clock.Now()

	textCh := make(chan string, 16)
	audioCh, err := o.synth.SynthesizeStream(ctx, textCh, o.cfg.Voice)
	if err != nil {
		o.log.Error("tts failed, response delivered text-only",
			"conversation_id", o.convID, "error", err)
		o.metrics.RecordProviderError(o.ctx, o.cfg.Voice.Provider, "tts")
		o.machine.GenerationEnd(false)
		return
	}

	go func() {
		defer close(textCh)
		for _, sentence := range splitSentences(response) {
			select {
			case textCh <- sentence:
			case <-ctx.Done():
				return
			}
		}
	}()

	o.machine.GenerationEnd(true)
	err = o.player.Play(ctx, audioCh)
	o.metrics.TTSDuration.Record(o.ctx, o.clock.Now().Sub(ttsStart).Seconds())
	if err != nil && !errors.Is(err, context.Canceled) {
		o.log.Error("playback failed", "conversation_id", o.convID, "error", err)
	}
	o.machine.PlaybackDone()
}

// generationFailed handles a failed generation: the half-finished exchange
// is rolled back so a retry starts clean.
func (o *Orchestrator) generationFailed(gen uint64, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	o.log.Error("generation failed", "conversation_id", o.convID, "generation", gen, "error", err)
	o.metrics.RecordProviderError(o.ctx, "llm", "completion")
	if o.observer != nil {
		o.observer.GenerationFailed(o.convID, err)
	}

	o.scheduler.Cancel(taskGenTimeout)
	o.machine.RollbackLastUser()
	o.machine.Abort()
	o.clearCancel()
	o.drainQueue()
}

// healStalledGeneration fires from the generation timeout: a provider that
// neither answers nor errors would otherwise wedge the machine in
// generating forever.
func (o *Orchestrator) healStalledGeneration(gen uint64) {
	if o.machine.State() != turn.StateGenerating || o.machine.Generation() != gen {
		return
	}
	o.log.Warn("generation timed out, resetting to listening",
		"conversation_id", o.convID, "generation", gen,
		"elapsed", o.machine.GenerationElapsed())
	o.metrics.RecordDroppedResponse(o.ctx, "timeout")

	o.machine.BeginAbort()
	o.cancelActivity()
	o.machine.RollbackLastUser()
	o.machine.Abort()
	o.drainQueue()
}

// drainQueue starts processing the next queued message, if the machine is
// back to listening. One message at a time; the next drain happens when its
// generation resolves.
func (o *Orchestrator) drainQueue() {
	if o.machine.State() != turn.StateListening {
		return
	}
	text, ok := o.machine.NextQueued()
	if !ok {
		return
	}
	o.metrics.QueueDepth.Add(o.ctx, -1)
	o.log.Debug("processing queued message", "conversation_id", o.convID,
		"remaining", o.machine.QueueLen())
	if err := o.ProcessUserMessage(o.ctx, text); err != nil {
		o.log.Error("queued message failed", "conversation_id", o.convID, "error", err)
	}
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func (o *Orchestrator) historyMessages() []llm.Message {
	msgs := o.machine.History()
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		role := "user"
		if m.Role == history.RoleAgent {
			role = "assistant"
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out
}

// persist writes one message to the history store without blocking the voice
// path. Store failures are logged and otherwise ignored.
func (o *Orchestrator) persist(role history.Role, content string) {
	if o.store == nil {
		return
	}
	msg := history.Message{Role: role, Content: content, Timestamp: o.clock.Now()}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.store.Append(ctx, o.convID, msg); err != nil {
			o.log.Warn("history persistence failed", "conversation_id", o.convID, "error", err)
		}
	}()
}

func (o *Orchestrator) setCancel(cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.genCancel = cancel
}

func (o *Orchestrator) clearCancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.genCancel = nil
}

func (o *Orchestrator) cancelActivity() {
	o.mu.Lock()
	cancel := o.genCancel
	o.genCancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// splitSentences chops text into sentence-sized fragments for streaming TTS.
func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(b.String()); s != "" {
				out = append(out, s+" ")
			}
			b.Reset()
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		out = append(out, s)
	}
	return out
}
