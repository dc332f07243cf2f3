// Package postgres provides the pgvector-backed [memory.Index]
// implementation.
//
// The pgvector extension must be available in the target database;
// [Migrate] installs it via CREATE EXTENSION IF NOT EXISTS. The index shares
// its pgxpool with the rest of the runtime's persistence.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlMemories returns the memories DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time; changing it afterwards requires a manual migration.
func ddlMemories(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memories (
    id                     TEXT         PRIMARY KEY,
    tenant_id              TEXT         NOT NULL,
    type                   TEXT         NOT NULL,
    content                TEXT         NOT NULL,
    importance             INTEGER      NOT NULL DEFAULT 50,
    source_conversation_id TEXT         NOT NULL DEFAULT '',
    embedding              vector(%d),
    created_at             TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_accessed_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    access_count           INTEGER      NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_memories_tenant_type
    ON memories (tenant_id, type);

CREATE INDEX IF NOT EXISTS idx_memories_embedding
    ON memories USING ivfflat (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures the memories table and its indices exist.
// Idempotent; safe to call on every application start.
//
// embeddingDimensions must match the embedding model in use (1536 for
// OpenAI text-embedding-3-small).
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, ddlMemories(embeddingDimensions)); err != nil {
		return fmt.Errorf("memory migrate: %w", err)
	}
	return nil
}
