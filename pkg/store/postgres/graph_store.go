package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/threadloom/pkg/store"
)

// UpsertNodes implements [store.GraphStore]. All nodes are written in a single
// transaction; a node with an existing ID is completely replaced and its
// updated_at timestamp refreshed.
func (s *Store) UpsertNodes(ctx context.Context, nodes []store.Node) error {
	if len(nodes) == 0 {
		return nil
	}

	const q = `
		INSERT INTO graph_nodes
		    (id, conversation_id, kind, label, summary, attributes,
		     chunk_id, ordinal, failed, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		ON CONFLICT (id) DO UPDATE SET
		    conversation_id = EXCLUDED.conversation_id,
		    kind            = EXCLUDED.kind,
		    label           = EXCLUDED.label,
		    summary         = EXCLUDED.summary,
		    attributes      = EXCLUDED.attributes,
		    chunk_id        = EXCLUDED.chunk_id,
		    ordinal         = EXCLUDED.ordinal,
		    failed          = EXCLUDED.failed,
		    failure_reason  = EXCLUDED.failure_reason,
		    updated_at      = now()`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("graph store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, n := range nodes {
		attrsJSON, err := json.Marshal(orEmpty(n.Attributes))
		if err != nil {
			return fmt.Errorf("graph store: marshal node attributes: %w", err)
		}
		_, err = tx.Exec(ctx, q,
			n.ID,
			n.ConversationID,
			n.Kind,
			n.Label,
			n.Summary,
			attrsJSON,
			n.ChunkID,
			n.Ordinal,
			n.Failed,
			n.FailureReason,
		)
		if err != nil {
			return fmt.Errorf("graph store: upsert node %q: %w", n.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("graph store: commit: %w", err)
	}
	return nil
}

// UpsertEdges implements [store.GraphStore]. All edges are written in a single
// transaction; an edge with an existing (conversation, source, target, kind)
// key is completely replaced.
func (s *Store) UpsertEdges(ctx context.Context, edges []store.Edge) error {
	if len(edges) == 0 {
		return nil
	}

	const q = `
		INSERT INTO graph_edges
		    (conversation_id, source_id, target_id, kind, weight, attributes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (conversation_id, source_id, target_id, kind) DO UPDATE SET
		    weight     = EXCLUDED.weight,
		    attributes = EXCLUDED.attributes`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("graph store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range edges {
		attrsJSON, err := json.Marshal(orEmpty(e.Attributes))
		if err != nil {
			return fmt.Errorf("graph store: marshal edge attributes: %w", err)
		}
		_, err = tx.Exec(ctx, q,
			e.ConversationID,
			e.SourceID,
			e.TargetID,
			e.Kind,
			e.Weight,
			attrsJSON,
		)
		if err != nil {
			return fmt.Errorf("graph store: upsert edge %s->%s: %w", e.SourceID, e.TargetID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("graph store: commit: %w", err)
	}
	return nil
}

// LoadGraph implements [store.GraphStore]. Nodes are returned in ordinal
// order, edges in insertion order.
func (s *Store) LoadGraph(ctx context.Context, conversationID string) ([]store.Node, []store.Edge, error) {
	const nodeQ = `
		SELECT id, conversation_id, kind, label, summary, attributes,
		       chunk_id, ordinal, failed, failure_reason, created_at, updated_at
		FROM   graph_nodes
		WHERE  conversation_id = $1
		ORDER  BY ordinal, id`

	rows, err := s.pool.Query(ctx, nodeQ, conversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("graph store: load nodes: %w", err)
	}
	nodes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Node, error) {
		var (
			n         store.Node
			attrsJSON []byte
		)
		if err := row.Scan(
			&n.ID,
			&n.ConversationID,
			&n.Kind,
			&n.Label,
			&n.Summary,
			&attrsJSON,
			&n.ChunkID,
			&n.Ordinal,
			&n.Failed,
			&n.FailureReason,
			&n.CreatedAt,
			&n.UpdatedAt,
		); err != nil {
			return store.Node{}, err
		}
		if err := json.Unmarshal(attrsJSON, &n.Attributes); err != nil {
			return store.Node{}, fmt.Errorf("unmarshal node attributes: %w", err)
		}
		return n, nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("graph store: scan nodes: %w", err)
	}
	if nodes == nil {
		nodes = []store.Node{}
	}

	const edgeQ = `
		SELECT conversation_id, source_id, target_id, kind, weight, attributes, created_at
		FROM   graph_edges
		WHERE  conversation_id = $1
		ORDER  BY created_at, source_id, target_id`

	rows, err = s.pool.Query(ctx, edgeQ, conversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("graph store: load edges: %w", err)
	}
	edges, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Edge, error) {
		var (
			e         store.Edge
			attrsJSON []byte
		)
		if err := row.Scan(
			&e.ConversationID,
			&e.SourceID,
			&e.TargetID,
			&e.Kind,
			&e.Weight,
			&attrsJSON,
			&e.CreatedAt,
		); err != nil {
			return store.Edge{}, err
		}
		if err := json.Unmarshal(attrsJSON, &e.Attributes); err != nil {
			return store.Edge{}, fmt.Errorf("unmarshal edge attributes: %w", err)
		}
		return e, nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("graph store: scan edges: %w", err)
	}
	if edges == nil {
		edges = []store.Edge{}
	}

	return nodes, edges, nil
}

// DeleteConversation implements [store.GraphStore]. Edges are removed via
// ON DELETE CASCADE; indexed summaries are removed explicitly.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("graph store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM graph_nodes WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("graph store: delete nodes: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM node_summaries WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("graph store: delete summaries: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("graph store: commit: %w", err)
	}
	return nil
}

// ListConversations implements [store.GraphStore].
func (s *Store) ListConversations(ctx context.Context, limit int) ([]store.ConversationInfo, error) {
	if limit <= 0 {
		limit = 50
	}

	const q = `
		SELECT n.conversation_id,
		       COUNT(DISTINCT n.id)  AS node_count,
		       COUNT(DISTINCT (e.source_id, e.target_id, e.kind)) AS edge_count,
		       MAX(n.updated_at)     AS updated_at
		FROM   graph_nodes n
		LEFT   JOIN graph_edges e ON e.conversation_id = n.conversation_id
		GROUP  BY n.conversation_id
		ORDER  BY updated_at DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("graph store: list conversations: %w", err)
	}
	infos, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.ConversationInfo, error) {
		var ci store.ConversationInfo
		err := row.Scan(&ci.ConversationID, &ci.NodeCount, &ci.EdgeCount, &ci.UpdatedAt)
		return ci, err
	})
	if err != nil {
		return nil, fmt.Errorf("graph store: scan conversations: %w", err)
	}
	if infos == nil {
		infos = []store.ConversationInfo{}
	}
	return infos, nil
}

// orEmpty substitutes an empty map for nil so attributes always marshal to {}.
func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
