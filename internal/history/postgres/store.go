package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/aveline-ai/aveline/internal/history"
	"github.com/aveline-ai/aveline/pkg/embeddings"
)

var _ history.Store = (*Store)(nil)

// Store is a PostgreSQL-backed conversation log. All operations are safe for
// concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider // nil disables semantic search
	log      *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithEmbedder enables semantic search: messages are embedded on Append and
// Search retrieves by cosine distance. The embedder's dimensionality must
// match the dimension the schema was migrated with.
func WithEmbedder(e embeddings.Provider) Option {
	return func(s *Store) { s.embedder = e }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// NewStore connects to the database at dsn, registers pgvector types on every
// connection, and runs [Migrate]. embeddingDimensions must match the
// embedding model in use; it is baked into the schema on first migration.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: migrate: %w", err)
	}

	s := &Store{pool: pool, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Append implements [history.Store]. When an embedder is configured the
// message is embedded inline; an embedding failure degrades to a NULL vector
// rather than losing the message.
func (s *Store) Append(ctx context.Context, conversationID string, msg history.Message) error {
	var vec any
	if s.embedder != nil {
		emb, err := s.embedder.Embed(ctx, msg.Content)
		if err != nil {
			s.log.Warn("embedding failed, storing message without vector",
				"conversation_id", conversationID, "error", err)
		} else {
			vec = pgvector.NewVector(emb)
		}
	}

	const q = `
		INSERT INTO conversation_messages
		    (conversation_id, role, content, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.pool.Exec(ctx, q, conversationID, string(msg.Role), msg.Content, vec, msg.Timestamp); err != nil {
		return fmt.Errorf("history store: append: %w", err)
	}
	return nil
}

// Recent implements [history.Store]: up to limit messages for the
// conversation, oldest first.
func (s *Store) Recent(ctx context.Context, conversationID string, limit int) ([]history.Message, error) {
	const q = `
		SELECT role, content, created_at
		FROM   conversation_messages
		WHERE  conversation_id = $1
		ORDER  BY created_at DESC, id DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("history store: recent: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("history store: recent: %w", err)
	}

	// Query returns newest first so LIMIT keeps the tail; flip to oldest
	// first for the caller.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Search implements [history.Store]: messages semantically similar to query,
// most similar first by cosine distance. Messages stored without an
// embedding are not searchable.
func (s *Store) Search(ctx context.Context, conversationID string, query string, limit int) ([]history.Message, error) {
	if s.embedder == nil {
		return nil, history.ErrSearchUnsupported
	}

	emb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("history store: embed query: %w", err)
	}

	const q = `
		SELECT role, content, created_at
		FROM   conversation_messages
		WHERE  conversation_id = $1
		  AND  embedding IS NOT NULL
		ORDER  BY embedding <=> $2
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, conversationID, pgvector.NewVector(emb), limit)
	if err != nil {
		return nil, fmt.Errorf("history store: search: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("history store: search: %w", err)
	}
	return msgs, nil
}

// Ping probes database connectivity, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [history.Store].
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func collectMessages(rows pgx.Rows) ([]history.Message, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Message, error) {
		var (
			msg  history.Message
			role string
		)
		if err := row.Scan(&role, &msg.Content, &msg.Timestamp); err != nil {
			return history.Message{}, err
		}
		msg.Role = history.Role(role)
		return msg, nil
	})
}
