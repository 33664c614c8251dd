package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/threadloom/pkg/store"
)

// IndexSummaries implements [store.SummaryIndex]. It upserts pre-embedded
// summaries into the node_summaries table in a single transaction.
func (s *Store) IndexSummaries(ctx context.Context, summaries []store.Summary) error {
	if len(summaries) == 0 {
		return nil
	}

	const q = `
		INSERT INTO node_summaries
		    (id, conversation_id, node_id, content, embedding, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
		    conversation_id = EXCLUDED.conversation_id,
		    node_id         = EXCLUDED.node_id,
		    content         = EXCLUDED.content,
		    embedding       = EXCLUDED.embedding,
		    timestamp       = EXCLUDED.timestamp`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("summary index: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, sum := range summaries {
		vec := pgvector.NewVector(sum.Embedding)
		_, err := tx.Exec(ctx, q,
			sum.ID,
			sum.ConversationID,
			sum.NodeID,
			sum.Content,
			vec,
			sum.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("summary index: index summary %q: %w", sum.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("summary index: commit: %w", err)
	}
	return nil
}

// Search implements [store.SummaryIndex]. It finds the topK summaries whose
// embeddings are closest (cosine distance) to the supplied query embedding,
// optionally filtered by filter.
//
// Results are ordered by ascending cosine distance (most similar first).
func (s *Store) Search(ctx context.Context, embedding []float32, topK int, filter store.SummaryFilter) ([]store.SummaryResult, error) {
	queryVec := pgvector.NewVector(embedding)

	args := []any{queryVec} // $1 = query vector
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if filter.ConversationID != "" {
		conditions = append(conditions, "conversation_id = "+next(filter.ConversationID))
	}
	if !filter.Before.IsZero() {
		conditions = append(conditions, "timestamp < "+next(filter.Before))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, "\n  AND ")
	}

	args = append(args, topK)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT id, conversation_id, node_id, content, embedding, timestamp,
		       embedding <=> $1 AS distance
		FROM   node_summaries
		%s
		ORDER  BY distance
		LIMIT  %s`, whereClause, limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("summary index: search: %w", err)
	}

	results, err := collectSummaryResults(rows, true)
	if err != nil {
		return nil, fmt.Errorf("summary index: scan rows: %w", err)
	}
	return results, nil
}

// SearchText implements [store.SummaryIndex]. It matches the query string
// against summary content using PostgreSQL plainto_tsquery and ranks results
// by FTS relevance. Distance is reported as 1-rank so lower is still better.
func (s *Store) SearchText(ctx context.Context, query string, filter store.SummaryFilter) ([]store.SummaryResult, error) {
	args := []any{query} // $1 = query string
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', content) @@ plainto_tsquery('english', $1)",
	}
	if filter.ConversationID != "" {
		conditions = append(conditions, "conversation_id = "+next(filter.ConversationID))
	}
	if !filter.Before.IsZero() {
		conditions = append(conditions, "timestamp < "+next(filter.Before))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}
	args = append(args, limit)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT id, conversation_id, node_id, content, embedding, timestamp,
		       1 - ts_rank(to_tsvector('english', content), plainto_tsquery('english', $1)) AS distance
		FROM   node_summaries
		WHERE  %s
		ORDER  BY distance
		LIMIT  %s`, strings.Join(conditions, "\n  AND "), limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("summary index: search text: %w", err)
	}

	results, err := collectSummaryResults(rows, false)
	if err != nil {
		return nil, fmt.Errorf("summary index: scan rows: %w", err)
	}
	return results, nil
}

// collectSummaryResults scans rows with the shared (summary columns, distance)
// shape. When withEmbedding is false a NULL embedding column is tolerated.
func collectSummaryResults(rows pgx.Rows, withEmbedding bool) ([]store.SummaryResult, error) {
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.SummaryResult, error) {
		var (
			sr  store.SummaryResult
			vec *pgvector.Vector
		)
		if err := row.Scan(
			&sr.Summary.ID,
			&sr.Summary.ConversationID,
			&sr.Summary.NodeID,
			&sr.Summary.Content,
			&vec,
			&sr.Summary.Timestamp,
			&sr.Distance,
		); err != nil {
			return store.SummaryResult{}, err
		}
		if withEmbedding && vec != nil {
			sr.Summary.Embedding = vec.Slice()
		}
		return sr, nil
	})
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []store.SummaryResult{}
	}
	return results, nil
}
