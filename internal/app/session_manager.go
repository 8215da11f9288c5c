package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aveline-ai/aveline/internal/connection"
	"github.com/aveline-ai/aveline/internal/conversation"
)

// SessionInfo holds metadata about the active voice session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string

	// ConversationID is the orchestrator's conversation identifier, the
	// key under which history is persisted.
	ConversationID string

	// Language is the conversation language configured for the session.
	Language string

	// StartedAt is when the session was started.
	StartedAt time.Time
}

// SessionManager manages the lifecycle of the voice session. Only one
// session can be active at a time (enforced by mutex). All exported methods
// are safe for concurrent use.
type SessionManager struct {
	mu     sync.Mutex
	active bool
	info   SessionInfo

	// Dependencies injected at construction.
	agent    *conversation.Orchestrator
	conn     *connection.Manager // nil when no STT transport is configured
	language string
	log      *slog.Logger
}

// NewSessionManager creates a SessionManager supervising the given agent and
// speech connection. conn may be nil for text-only deployments.
func NewSessionManager(agent *conversation.Orchestrator, conn *connection.Manager, language string, log *slog.Logger) *SessionManager {
	if log == nil {
		log = slog.Default()
	}
	return &SessionManager{
		agent:    agent,
		conn:     conn,
		language: language,
		log:      log,
	}
}

// Start begins the voice session: it moves the agent to listening, dials the
// speech transport, and starts the reconnect monitor.
//
// Returns an error if a session is already active. A failed first dial is
// not fatal; the monitor keeps retrying with backoff.
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active {
		return fmt.Errorf("session: a session is already active (id=%s)", sm.info.SessionID)
	}

	now := time.Now().UTC()
	sessionID := "session-" + now.Format("20060102T150405Z")

	sm.agent.Connect()

	if sm.conn != nil {
		if err := sm.conn.Connect(ctx); err != nil {
			sm.log.Warn("session: initial stt connect failed, monitor will retry",
				"session_id", sessionID, "err", err)
			sm.conn.NotifyDisconnect()
		}
		sm.conn.Monitor(ctx)
	}

	sm.active = true
	sm.info = SessionInfo{
		SessionID:      sessionID,
		ConversationID: sm.agent.ConversationID(),
		Language:       sm.language,
		StartedAt:      now,
	}

	sm.log.Info("session started",
		"session_id", sessionID,
		"conversation_id", sm.info.ConversationID,
		"language", sm.language,
	)

	return nil
}

// Stop gracefully ends the active session: it tears down the speech
// transport and clears all conversation state.
//
// Returns an error if no session is active.
func (sm *SessionManager) Stop() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.active {
		return fmt.Errorf("session: no active session to stop")
	}

	sessionID := sm.info.SessionID

	if sm.conn != nil {
		if err := sm.conn.Stop(); err != nil {
			sm.log.Warn("session: stt stop error", "session_id", sessionID, "err", err)
		}
	}
	sm.agent.Disconnect()

	sm.active = false
	sm.info = SessionInfo{}

	sm.log.Info("session stopped", "session_id", sessionID)

	return nil
}

// IsActive reports whether a session is currently running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Info returns metadata about the active session.
// Returns the zero value if no session is active.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// Agent returns the session's conversation orchestrator, for control
// surfaces that push text input or inspect state.
func (sm *SessionManager) Agent() *conversation.Orchestrator {
	return sm.agent
}
