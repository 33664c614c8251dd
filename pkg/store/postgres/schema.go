// Package postgres provides a PostgreSQL-backed implementation of the
// threadloom persistence layer: conversation graph snapshots plus a pgvector
// semantic index over discourse-node summaries.
//
// Both concerns share a single [pgxpool.Pool] connection pool. The pgvector
// extension must be available in the target database; [Migrate] installs it
// automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//
//	_ = st.UpsertNodes(ctx, nodes)
//	_ = st.IndexSummaries(ctx, summaries)
//
//	hints, _ := st.Search(ctx, queryVec, 5, store.SummaryFilter{ConversationID: convID})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlGraph = `
CREATE TABLE IF NOT EXISTS graph_nodes (
    id               TEXT         PRIMARY KEY,
    conversation_id  TEXT         NOT NULL,
    kind             TEXT         NOT NULL,
    label            TEXT         NOT NULL,
    summary          TEXT         NOT NULL DEFAULT '',
    attributes       JSONB        NOT NULL DEFAULT '{}',
    chunk_id         TEXT         NOT NULL DEFAULT '',
    ordinal          INT          NOT NULL DEFAULT 0,
    failed           BOOLEAN      NOT NULL DEFAULT FALSE,
    failure_reason   TEXT         NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_graph_nodes_conversation
    ON graph_nodes (conversation_id);

CREATE INDEX IF NOT EXISTS idx_graph_nodes_kind
    ON graph_nodes (kind);

CREATE INDEX IF NOT EXISTS idx_graph_nodes_ordinal
    ON graph_nodes (conversation_id, ordinal);

CREATE TABLE IF NOT EXISTS graph_edges (
    conversation_id  TEXT         NOT NULL,
    source_id        TEXT         NOT NULL REFERENCES graph_nodes (id) ON DELETE CASCADE,
    target_id        TEXT         NOT NULL REFERENCES graph_nodes (id) ON DELETE CASCADE,
    kind             TEXT         NOT NULL,
    weight           DOUBLE PRECISION NOT NULL DEFAULT 0,
    attributes       JSONB        NOT NULL DEFAULT '{}',
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (conversation_id, source_id, target_id, kind)
);

CREATE INDEX IF NOT EXISTS idx_graph_edges_source
    ON graph_edges (source_id);

CREATE INDEX IF NOT EXISTS idx_graph_edges_target
    ON graph_edges (target_id);
`

// ddlSummaries returns the summary index DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlSummaries(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS node_summaries (
    id               TEXT         PRIMARY KEY,
    conversation_id  TEXT         NOT NULL,
    node_id          TEXT         NOT NULL,
    content          TEXT         NOT NULL,
    embedding        vector(%d),
    timestamp        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_node_summaries_conversation
    ON node_summaries (conversation_id);

CREATE INDEX IF NOT EXISTS idx_node_summaries_embedding
    ON node_summaries USING hnsw (embedding vector_cosine_ops);

CREATE INDEX IF NOT EXISTS idx_node_summaries_fts
    ON node_summaries USING GIN (to_tsvector('english', content));
`, embeddingDimensions)
}

// Migrate creates or ensures all required database tables and extensions
// exist. It is idempotent and safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for your
// deployment (e.g., 1536 for OpenAI text-embedding-3-small, 768 for
// nomic-embed-text). Changing this value after the first migration requires a
// manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlGraph,
		ddlSummaries(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
