package graph

import (
	"strings"
	"sync"
)

// Merger folds chunk enrichment results into the session graph. Enrichment
// calls complete out of order; the merger buffers results keyed by ordinal
// and only appends to the visible graph once every earlier ordinal has been
// merged, so emitted deltas always carry non-decreasing ordinals.
//
// Safe for concurrent use. The merger is the sole synchronization point of a
// session's pipeline: many enrichment workers call Merge, one mutex
// serializes the graph.
type Merger struct {
	mu sync.Mutex

	next    int            // next ordinal allowed into the graph
	pending map[int]Result // completed results waiting on earlier ordinals
	merged  map[int]bool   // ordinals already in the graph

	graph    Graph
	byLabel  map[string]string // lowercased label -> node id, for reference resolution
	lastNode string            // last node id of the highest merged chunk
}

// NewMerger returns an empty merger expecting ordinal 0 first.
func NewMerger() *Merger {
	return &Merger{
		pending: make(map[int]Result),
		merged:  make(map[int]bool),
		byLabel: make(map[string]string),
	}
}

// Merge submits one chunk's result and returns the deltas it unblocked, in
// ordinal order. A result for a not-yet-expected ordinal is buffered and
// returns nil; the expected ordinal drains it plus any consecutive buffered
// successors. Re-merging an already-merged ordinal is a no-op.
func (m *Merger) Merge(res Result) []Delta {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.merged[res.Ordinal] || res.Ordinal < m.next {
		return nil
	}
	m.pending[res.Ordinal] = res

	var deltas []Delta
	for {
		next, ok := m.pending[m.next]
		if !ok {
			break
		}
		delete(m.pending, m.next)
		deltas = append(deltas, m.append(next))
		m.merged[m.next] = true
		m.next++
	}
	return deltas
}

// append places one result's nodes into the graph and resolves its edges.
// Caller holds the mutex and has verified res.Ordinal == m.next.
func (m *Merger) append(res Result) Delta {
	delta := Delta{Ordinal: res.Ordinal, ChunkID: res.ChunkID}

	base := len(m.graph.Nodes)
	for i, desc := range res.Descriptors {
		kind := desc.Kind
		if kind == "" {
			kind = NodeKindOrdinary
		}
		node := Node{
			ID:            NodeID(res.ChunkID, i),
			Label:         desc.Name,
			Summary:       desc.Summary,
			Kind:          kind,
			ChunkID:       res.ChunkID,
			Ordinal:       res.Ordinal,
			Failed:        res.Failed,
			FailureReason: res.FailureReason,
		}
		m.graph.Nodes = append(m.graph.Nodes, node)
		if desc.Name != "" {
			m.byLabel[strings.ToLower(desc.Name)] = node.ID
		}
	}
	nodes := m.graph.Nodes[base:]

	// Temporal edge: last node of the previous chunk to the first of this one.
	if m.lastNode != "" && len(nodes) > 0 {
		delta.Edges = append(delta.Edges, m.addEdge(Edge{
			SourceID: m.lastNode,
			TargetID: nodes[0].ID,
			Kind:     EdgeKindTemporal,
		}))
	}

	// Contextual edges from the enrichment result's embedded references,
	// resolved against every node merged so far. Unresolvable references are
	// dropped; resolution quality is the analysis service's concern.
	for i, desc := range res.Descriptors {
		for _, ref := range desc.References {
			target, ok := m.byLabel[strings.ToLower(ref.Target)]
			if !ok || target == nodes[i].ID {
				continue
			}
			delta.Edges = append(delta.Edges, m.addEdge(Edge{
				SourceID: nodes[i].ID,
				TargetID: target,
				Kind:     EdgeKindContextual,
				Label:    ref.Label,
			}))
		}
	}

	if len(nodes) > 0 {
		m.lastNode = nodes[len(nodes)-1].ID
	}

	delta.Nodes = append(delta.Nodes, nodes...)
	return delta
}

// addEdge records an edge in the graph and mirrors it onto the endpoint
// nodes' edge lists. Returns the edge for inclusion in the delta.
func (m *Merger) addEdge(e Edge) Edge {
	m.graph.Edges = append(m.graph.Edges, e)

	src, dst := m.node(e.SourceID), m.node(e.TargetID)
	switch e.Kind {
	case EdgeKindTemporal:
		if src != nil {
			src.Successors = append(src.Successors, e.TargetID)
		}
		if dst != nil {
			dst.Predecessors = append(dst.Predecessors, e.SourceID)
		}
	case EdgeKindContextual:
		if src != nil {
			src.Linked = append(src.Linked, e.TargetID)
		}
	}
	return e
}

// node finds a graph node by id. Linear scan; graphs stay session-sized.
func (m *Merger) node(id string) *Node {
	for i := range m.graph.Nodes {
		if m.graph.Nodes[i].ID == id {
			return &m.graph.Nodes[i]
		}
	}
	return nil
}

// Snapshot returns a copy of the accumulated graph, safe to use after
// further merges.
func (m *Merger) Snapshot() Graph {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := Graph{
		Nodes: make([]Node, len(m.graph.Nodes)),
		Edges: make([]Edge, len(m.graph.Edges)),
	}
	copy(g.Nodes, m.graph.Nodes)
	copy(g.Edges, m.graph.Edges)
	return g
}

// PendingCount reports how many completed results wait in the reorder
// buffer. Exposed for the reorder-buffer depth gauge.
func (m *Merger) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// NextOrdinal returns the ordinal the merger is waiting for.
func (m *Merger) NextOrdinal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next
}

// Seed pre-populates the merger with an already-built graph so a session can
// extend it. The next expected ordinal continues after the seeded nodes.
func (m *Merger) Seed(g Graph) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.graph = g
	for _, n := range g.Nodes {
		if n.Label != "" {
			m.byLabel[strings.ToLower(n.Label)] = n.ID
		}
		m.merged[n.Ordinal] = true
		if n.Ordinal >= m.next {
			m.next = n.Ordinal + 1
		}
		m.lastNode = n.ID
	}
}
