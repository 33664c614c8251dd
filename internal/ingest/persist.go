package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/threadloom/internal/graph"
	"github.com/MrWong99/threadloom/pkg/provider/embeddings"
	"github.com/MrWong99/threadloom/pkg/store"
)

// persistGraph writes a graph snapshot as idempotent node and edge upserts.
func persistGraph(ctx context.Context, gs store.GraphStore, conversationID string, g graph.Graph) error {
	nodes := make([]store.Node, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes = append(nodes, store.Node{
			ID:             n.ID,
			ConversationID: conversationID,
			Kind:           string(n.Kind),
			Label:          n.Label,
			Summary:        n.Summary,
			ChunkID:        n.ChunkID,
			Ordinal:        n.Ordinal,
			Failed:         n.Failed,
			FailureReason:  n.FailureReason,
		})
	}
	if err := gs.UpsertNodes(ctx, nodes); err != nil {
		return fmt.Errorf("ingest: persist nodes: %w", err)
	}

	edges := make([]store.Edge, 0, len(g.Edges))
	for _, e := range g.Edges {
		se := store.Edge{
			ConversationID: conversationID,
			SourceID:       e.SourceID,
			TargetID:       e.TargetID,
			Kind:           string(e.Kind),
		}
		if e.Label != "" {
			se.Attributes = map[string]any{"label": e.Label}
		}
		edges = append(edges, se)
	}
	if err := gs.UpsertEdges(ctx, edges); err != nil {
		return fmt.Errorf("ingest: persist edges: %w", err)
	}
	return nil
}

// indexSummaries embeds the summaries of successfully enriched nodes and
// writes them to the semantic index. Placeholder nodes carry raw transcript
// text instead of a summary and are skipped.
func indexSummaries(ctx context.Context, embedder embeddings.Provider, index store.SummaryIndex, conversationID string, g graph.Graph) error {
	var (
		texts []string
		refs  []graph.Node
	)
	for _, n := range g.Nodes {
		if n.Failed || n.Summary == "" {
			continue
		}
		texts = append(texts, n.Summary)
		refs = append(refs, n)
	}
	if len(texts) == 0 {
		return nil
	}

	vectors, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("ingest: embed node summaries: %w", err)
	}

	now := time.Now()
	summaries := make([]store.Summary, 0, len(refs))
	for i, n := range refs {
		summaries = append(summaries, store.Summary{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			NodeID:         n.ID,
			Content:        n.Summary,
			Embedding:      vectors[i],
			Timestamp:      now,
		})
	}
	if err := index.IndexSummaries(ctx, summaries); err != nil {
		return fmt.Errorf("ingest: index node summaries: %w", err)
	}
	return nil
}
