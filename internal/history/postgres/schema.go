// Package postgres implements [history.Store] on PostgreSQL with a pgvector
// index for semantic search over past conversation turns.
//
// The pgvector extension must be available in the target database; [Migrate]
// installs it via CREATE EXTENSION IF NOT EXISTS. When the store is built
// without an embedding provider, messages are persisted with a NULL embedding
// and Search reports [history.ErrSearchUnsupported].
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlMessages returns the conversation log DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time; changing the embedding model afterwards requires a manual
// schema change.
func ddlMessages(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS conversation_messages (
    id               BIGSERIAL    PRIMARY KEY,
    conversation_id  TEXT         NOT NULL,
    role             TEXT         NOT NULL,
    content          TEXT         NOT NULL,
    embedding        vector(%d),
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversation_messages_conv_time
    ON conversation_messages (conversation_id, created_at);

CREATE INDEX IF NOT EXISTS idx_conversation_messages_embedding
    ON conversation_messages USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate ensures the conversation log table and pgvector extension exist.
// Idempotent and safe to run on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, ddlMessages(embeddingDimensions)); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
