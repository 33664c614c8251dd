// Package store defines the persistence interfaces for conversation graphs.
//
// Two concerns are covered:
//
//   - [GraphStore]: durable storage of discourse graph snapshots (nodes and
//     edges keyed by conversation), written incrementally as deltas merge and
//     read back when a conversation resumes.
//   - [SummaryIndex]: a vector index over discourse-node summaries, used to
//     retrieve prior-context hints for enrichment of later chunks.
//
// All interfaces are public so external packages can supply alternative
// backends (Postgres/pgvector, in-memory, …) without depending on threadloom
// internals.
//
// Every implementation must be safe for concurrent use.
package store

import (
	"context"
	"time"
)

// Node is a persisted discourse node. It mirrors the in-memory graph node but
// is flattened for row storage: free-form properties live in Attributes.
type Node struct {
	// ID is the node's unique, stable identifier.
	ID string

	// ConversationID is the conversation this node belongs to.
	ConversationID string

	// Kind classifies the node (e.g., "claim", "question", "decision",
	// "action_item", "topic").
	Kind string

	// Label is the short display text of the node.
	Label string

	// Summary is a one-to-two sentence summary of the node's content,
	// suitable for embedding and prior-context hints.
	Summary string

	// Attributes holds arbitrary key/value metadata for the node.
	Attributes map[string]any

	// ChunkID identifies the transcript chunk this node was extracted from.
	ChunkID string

	// Ordinal is the sequence number of the originating chunk.
	Ordinal int

	// Failed marks placeholder nodes emitted when enrichment of the
	// originating chunk failed. FailureReason carries the failure class.
	Failed        bool
	FailureReason string

	// CreatedAt is when the node was first persisted.
	CreatedAt time.Time

	// UpdatedAt is when the node was last modified.
	UpdatedAt time.Time
}

// Edge is a persisted directed edge between two discourse nodes.
type Edge struct {
	// ConversationID is the conversation this edge belongs to.
	ConversationID string

	// SourceID and TargetID reference the connected node IDs.
	SourceID string
	TargetID string

	// Kind is the semantic label of the edge (e.g., "temporal", "contextual",
	// "supports", "answers").
	Kind string

	// Weight is an optional edge strength (0.0–1.0); 0 means unweighted.
	Weight float64

	// Attributes holds additional edge metadata.
	Attributes map[string]any

	// CreatedAt is when the edge was first persisted.
	CreatedAt time.Time
}

// ConversationInfo summarises a persisted conversation graph.
type ConversationInfo struct {
	ConversationID string
	NodeCount      int
	EdgeCount      int
	UpdatedAt      time.Time
}

// Summary is a discourse-node summary prepared for semantic indexing.
// It carries its pre-computed embedding so the index does not need to
// re-embed on insertion.
type Summary struct {
	// ID is the unique identifier for this index entry (e.g., a UUID).
	ID string

	// ConversationID is the conversation the summarised node belongs to.
	ConversationID string

	// NodeID references the discourse node this summary describes.
	NodeID string

	// Content is the summary text.
	Content string

	// Embedding is the vector representation of Content. Dimension must
	// match the index configuration.
	Embedding []float32

	// Timestamp is when the summary was indexed.
	Timestamp time.Time
}

// SummaryFilter narrows a semantic search to a subset of indexed summaries.
// All non-zero fields are applied as AND conditions.
type SummaryFilter struct {
	// ConversationID restricts results to a single conversation.
	ConversationID string

	// Before filters summaries indexed before this instant (exclusive).
	Before time.Time

	// Limit caps the number of results for text search.
	// A value of 0 means the implementation may apply its own default.
	Limit int
}

// SummaryResult pairs a retrieved summary with its vector-space distance from
// the query embedding. Lower Distance values indicate higher similarity.
type SummaryResult struct {
	Summary Summary

	// Distance is the cosine distance to the query embedding. For full-text
	// search results it holds 1-rank so lower is still better.
	Distance float64
}

// GraphStore persists conversation graph snapshots.
//
// Upserts must be idempotent: writing the same node or edge twice leaves a
// single record. Deletions of non-existent records are not errors.
type GraphStore interface {
	// UpsertNodes writes or replaces the given nodes.
	UpsertNodes(ctx context.Context, nodes []Node) error

	// UpsertEdges writes or replaces the given edges. An edge is identified
	// by (ConversationID, SourceID, TargetID, Kind).
	UpsertEdges(ctx context.Context, edges []Edge) error

	// LoadGraph returns all nodes and edges for the given conversation.
	// Returns empty (non-nil) slices when the conversation is unknown.
	LoadGraph(ctx context.Context, conversationID string) ([]Node, []Edge, error)

	// DeleteConversation removes all nodes, edges, and indexed summaries for
	// the given conversation. Deleting an unknown conversation is not an error.
	DeleteConversation(ctx context.Context, conversationID string) error

	// ListConversations returns the most recently updated conversations,
	// capped at limit (0 applies an implementation default).
	ListConversations(ctx context.Context, limit int) ([]ConversationInfo, error)
}

// SummaryIndex is a vector store for embedding-based similarity search over
// discourse-node summaries.
//
// Callers are responsible for producing embeddings before calling
// IndexSummaries or Search.
type SummaryIndex interface {
	// IndexSummaries stores pre-embedded summaries. Entries with an existing
	// ID are replaced (upsert).
	IndexSummaries(ctx context.Context, summaries []Summary) error

	// Search finds the topK summaries whose embeddings are closest to the
	// query embedding, filtered by filter.
	// Results are ordered by ascending Distance (most similar first).
	// Returns an empty (non-nil) slice when nothing matches.
	Search(ctx context.Context, embedding []float32, topK int, filter SummaryFilter) ([]SummaryResult, error)

	// SearchText performs full-text search over summary content, for use when
	// no embedding provider is configured.
	// Returns an empty (non-nil) slice when nothing matches.
	SearchText(ctx context.Context, query string, filter SummaryFilter) ([]SummaryResult, error)
}
