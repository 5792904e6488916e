package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/corvoxlabs/corvox/pkg/memory"
	"github.com/corvoxlabs/corvox/pkg/provider/embeddings"
)

// Hybrid ranking weights. They must sum to 1.
const (
	// vectorWeight is the share of the hybrid score contributed by cosine
	// similarity; keywordWeight is the share contributed by full-text rank.
	vectorWeight  = 0.7
	keywordWeight = 0.3

	// candidateFactor widens the HNSW candidate pool before hybrid
	// reranking. The index only accelerates pure distance ordering, so the
	// keyword half is applied to candidateFactor*k nearest rows rather than
	// the whole table.
	candidateFactor = 4
)

// recallQuery pulls the nearest candidates by cosine distance, then reranks
// them with the hybrid score. A query that normalises to nothing (all stop
// words) has zero keyword rank everywhere and degrades to pure vector
// ordering.
var recallQuery = fmt.Sprintf(`
WITH nearest AS (
    SELECT id, 1 - (embedding <=> $1) AS similarity
    FROM   memories
    WHERE  user_id = $2
    ORDER  BY embedding <=> $1
    LIMIT  $3
)
SELECT m.text, m.created_at,
       %g * n.similarity + %g * ts_rank(m.tsv, plainto_tsquery('english', $4)) AS score
FROM   nearest n
JOIN   memories m ON m.id = n.id
ORDER  BY score DESC
LIMIT  $5`, vectorWeight, keywordWeight)

// Store is a PostgreSQL-backed [memory.Store]. It holds a single
// [pgxpool.Pool] and the embeddings provider used to vectorise both stored
// utterances and recall queries.
//
// All operations are safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
}

// Ensure Store satisfies the interface at compile time.
var _ memory.Store = (*Store)(nil)

// NewStore establishes a connection pool to the PostgreSQL database at dsn,
// registers pgvector types on every connection, and runs [Migrate] sized to
// the embedder's vector dimensionality.
//
// Every row in the memories table must share embedder's embedding space;
// switching models after the first migration requires a manual schema change
// and a re-embedding pass.
func NewStore(ctx context.Context, dsn string, embedder embeddings.Provider) (*Store, error) {
	if embedder == nil {
		return nil, fmt.Errorf("postgres memory: embedder must not be nil")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres memory: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres memory: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres memory: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embedder.Dimensions()); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool, embedder: embedder}, nil
}

// Recall implements [memory.Store]. It embeds query, pulls the
// candidateFactor*k nearest stored utterances for user from the HNSW index
// and reranks them with the hybrid score before returning the top k.
func (s *Store) Recall(ctx context.Context, user, query string, k int) ([]memory.Snippet, error) {
	if k <= 0 {
		return []memory.Snippet{}, nil
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres memory: embed query: %w", err)
	}

	rows, err := s.pool.Query(ctx, recallQuery,
		pgvector.NewVector(vec), user, k*candidateFactor, query, k)
	if err != nil {
		return nil, fmt.Errorf("postgres memory: recall: %w", err)
	}

	snippets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Snippet, error) {
		var sn memory.Snippet
		if err := row.Scan(&sn.Text, &sn.CreatedAt, &sn.Score); err != nil {
			return memory.Snippet{}, err
		}
		return sn, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres memory: scan rows: %w", err)
	}
	if snippets == nil {
		snippets = []memory.Snippet{}
	}
	return snippets, nil
}

// Store implements [memory.Store]. It embeds text and inserts the row; the
// generated tsv column keeps the keyword index current without any
// application-side work. Blank text is dropped silently.
func (s *Store) Store(ctx context.Context, user, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("postgres memory: embed text: %w", err)
	}

	const q = `INSERT INTO memories (user_id, text, embedding) VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, q, user, text, pgvector.NewVector(vec)); err != nil {
		return fmt.Errorf("postgres memory: store: %w", err)
	}
	return nil
}

// Close implements [memory.Store]. It releases all connections held by the
// underlying pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
