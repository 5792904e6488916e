// Package postgres provides the PostgreSQL-backed long-term memory store.
//
// One memories table holds every stored utterance together with its
// embedding vector (pgvector) and a generated tsvector column. Recall ranks
// rows with a hybrid score, 0.7·cosine similarity + 0.3·keyword rank: an
// HNSW scan produces the candidate pool, full-text rank reorders it.
//
// The pgvector extension must be available in the target database; [Migrate]
// installs it automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, embedder)
//	if err != nil { … }
//
//	_ = store.Store(ctx, "alice", "my dog is called Biscuit")
//	snippets, _ := store.Recall(ctx, "alice", "what's my dog's name?", 3)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddl returns the schema DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at schema creation time.
//
// tsv is a stored generated column so the keyword index stays current without
// any application-side bookkeeping on insert.
func ddl(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memories (
    id          BIGSERIAL    PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    embedding   vector(%d),
    tsv         tsvector     GENERATED ALWAYS AS (to_tsvector('english', text)) STORED,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memories_user_created
    ON memories (user_id, created_at);

CREATE INDEX IF NOT EXISTS idx_memories_embedding
    ON memories USING hnsw (embedding vector_cosine_ops);

CREATE INDEX IF NOT EXISTS idx_memories_tsv
    ON memories USING GIN (tsv);
`, embeddingDimensions)
}

// Migrate creates or ensures the memories table, its indexes and the pgvector
// extension exist. It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE
// INDEX IF NOT EXISTS) and safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for your
// deployment (e.g., 1536 for OpenAI text-embedding-3-small, 768 for
// nomic-embed-text). Changing this value after the first migration requires
// a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, ddl(embeddingDimensions)); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
