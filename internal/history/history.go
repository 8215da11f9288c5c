// Package history defines the conversation history model shared by the turn
// state machine, the semantic end-of-turn detector, and the persistence
// layer.
//
// The in-memory history lives inside the turn state machine; this package
// holds the message type and the [Store] interface the surrounding
// application implements for durability. Persistence is write-behind: the
// voice path never blocks on storage.
package history

import (
	"context"
	"errors"
	"time"
)

// ErrSearchUnsupported is returned by stores without a semantic index.
var ErrSearchUnsupported = errors.New("history: semantic search unsupported")

// Role identifies who produced a message.
type Role string

const (
	// RoleUser is the human speaker.
	RoleUser Role = "user"

	// RoleAgent is the voice agent.
	RoleAgent Role = "agent"
)

// Message is one turn of a conversation.
type Message struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

// Store persists conversation messages and supports retrieval for context
// assembly. Implementations must be safe for concurrent use.
type Store interface {
	// Append durably records msg for the given conversation.
	Append(ctx context.Context, conversationID string, msg Message) error

	// Recent returns up to limit messages for the conversation, oldest first.
	Recent(ctx context.Context, conversationID string, limit int) ([]Message, error)

	// Search returns messages semantically similar to query, most similar
	// first. Implementations without an embedding index may return
	// [ErrSearchUnsupported].
	Search(ctx context.Context, conversationID string, query string, limit int) ([]Message, error)

	// Close releases all resources held by the store.
	Close() error
}
