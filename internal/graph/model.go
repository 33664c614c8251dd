// Package graph holds the discourse-graph data model and the merger that
// folds per-chunk enrichment results into a single order-consistent graph.
package graph

import "fmt"

// NodeKind classifies a discourse node.
type NodeKind string

const (
	NodeKindOrdinary NodeKind = "ordinary"
	NodeKindBookmark NodeKind = "bookmark"
	NodeKindProgress NodeKind = "progress_marker"
)

// EdgeKind distinguishes the two relation classes in the graph.
type EdgeKind string

const (
	// EdgeKindTemporal links the last node of one chunk to the first node of
	// the next, forming the conversation's time axis.
	EdgeKindTemporal EdgeKind = "temporal"

	// EdgeKindContextual links a node to an earlier node it refers back to.
	EdgeKindContextual EdgeKind = "contextual"
)

// Node is a discourse segment. Nodes are created by merging one chunk's
// enrichment output; later merges may add edges to a node but never remove
// or rewrite it.
type Node struct {
	ID      string   `json:"id"`
	Label   string   `json:"label"`
	Summary string   `json:"summary,omitempty"`
	Kind    NodeKind `json:"kind"`

	// ChunkID and Ordinal identify the chunk the node was derived from.
	ChunkID string `json:"chunk_id"`
	Ordinal int    `json:"ordinal"`

	// Failed marks a placeholder node substituted after enrichment of the
	// owning chunk exhausted its retries. FailureReason names the failure
	// class (timeout, rate-limited, malformed, unavailable).
	Failed        bool   `json:"failed,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	// Temporal neighbours and contextual links. Edge additions from later
	// chunks grow these lists in place.
	Predecessors []string `json:"predecessors,omitempty"`
	Successors   []string `json:"successors,omitempty"`
	Linked       []string `json:"linked,omitempty"`
}

// Edge is a directed relation between two node ids.
type Edge struct {
	SourceID string   `json:"source_id"`
	TargetID string   `json:"target_id"`
	Kind     EdgeKind `json:"kind"`
	Label    string   `json:"label,omitempty"`
}

// Delta is one incremental graph update, emitted in strict chunk-ordinal
// order. Edges may reference nodes from earlier deltas; such edge-only
// updates against existing node ids are valid and expected.
type Delta struct {
	Ordinal int    `json:"ordinal"`
	ChunkID string `json:"chunk_id"`
	Nodes   []Node `json:"nodes"`
	Edges   []Edge `json:"edges"`
}

// Graph is the accumulated node sequence plus edges. Node order always
// matches chunk ordinal order.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// NodeCount returns the number of nodes in the graph.
func (g *Graph) NodeCount() int { return len(g.Nodes) }

// NodeDescriptor is one node as described by the analysis service, before it
// is assigned an id and placed in the graph.
type NodeDescriptor struct {
	Name    string
	Summary string
	Kind    NodeKind

	// References names earlier nodes this one refers back to, as reported by
	// the analysis service. Resolution against the accumulated node set
	// happens during merge.
	References []Reference
}

// Reference is a contextual back-reference embedded in an enrichment result.
type Reference struct {
	// Target is the display name of the referenced node.
	Target string

	// Label describes the relation, e.g. "elaborates", "contradicts".
	Label string
}

// Result is the merge input for one chunk: either the analysis service's
// node descriptors or a failure placeholder.
type Result struct {
	ChunkID string
	Ordinal int

	Descriptors []NodeDescriptor

	// Failed indicates enrichment exhausted its retries; Descriptors then
	// holds the single raw-text placeholder node.
	Failed        bool
	FailureReason string
}

// NodeID derives the stable id of the i-th node of a chunk. Deriving ids
// from the chunk id makes re-merging a chunk idempotent.
func NodeID(chunkID string, i int) string {
	return fmt.Sprintf("%s:%d", chunkID, i)
}
