// Package mock provides in-memory implementations of the store interfaces
// for testing. All operations record their inputs and are safe for
// concurrent use.
package mock

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/threadloom/pkg/store"
)

var (
	_ store.GraphStore   = (*Store)(nil)
	_ store.SummaryIndex = (*Store)(nil)
)

// Store is an in-memory [store.GraphStore] and [store.SummaryIndex].
// The zero value is not usable; construct with [NewStore].
type Store struct {
	mu sync.Mutex

	nodes     map[string]store.Node   // by node ID
	edges     map[string]store.Edge   // by composite key
	summaries map[string]store.Summary // by summary ID

	// Err, when set, is returned by every mutating operation.
	Err error

	// UpsertNodeCalls counts calls to UpsertNodes.
	UpsertNodeCalls int
	// UpsertEdgeCalls counts calls to UpsertEdges.
	UpsertEdgeCalls int
	// IndexCalls counts calls to IndexSummaries.
	IndexCalls int
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		nodes:     make(map[string]store.Node),
		edges:     make(map[string]store.Edge),
		summaries: make(map[string]store.Summary),
	}
}

func edgeKey(e store.Edge) string {
	return e.ConversationID + "|" + e.SourceID + "|" + e.TargetID + "|" + e.Kind
}

// UpsertNodes implements [store.GraphStore].
func (s *Store) UpsertNodes(ctx context.Context, nodes []store.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpsertNodeCalls++
	if s.Err != nil {
		return s.Err
	}
	now := time.Now()
	for _, n := range nodes {
		if existing, ok := s.nodes[n.ID]; ok {
			n.CreatedAt = existing.CreatedAt
		} else {
			n.CreatedAt = now
		}
		n.UpdatedAt = now
		s.nodes[n.ID] = n
	}
	return nil
}

// UpsertEdges implements [store.GraphStore].
func (s *Store) UpsertEdges(ctx context.Context, edges []store.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpsertEdgeCalls++
	if s.Err != nil {
		return s.Err
	}
	now := time.Now()
	for _, e := range edges {
		key := edgeKey(e)
		if existing, ok := s.edges[key]; ok {
			e.CreatedAt = existing.CreatedAt
		} else {
			e.CreatedAt = now
		}
		s.edges[key] = e
	}
	return nil
}

// LoadGraph implements [store.GraphStore]. Nodes are returned in ordinal
// order.
func (s *Store) LoadGraph(ctx context.Context, conversationID string) ([]store.Node, []store.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes := []store.Node{}
	for _, n := range s.nodes {
		if n.ConversationID == conversationID {
			nodes = append(nodes, n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Ordinal != nodes[j].Ordinal {
			return nodes[i].Ordinal < nodes[j].Ordinal
		}
		return nodes[i].ID < nodes[j].ID
	})

	edges := []store.Edge{}
	for _, e := range s.edges {
		if e.ConversationID == conversationID {
			edges = append(edges, e)
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		return edgeKey(edges[i]) < edgeKey(edges[j])
	})

	return nodes, edges, nil
}

// DeleteConversation implements [store.GraphStore].
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for id, n := range s.nodes {
		if n.ConversationID == conversationID {
			delete(s.nodes, id)
		}
	}
	for key, e := range s.edges {
		if e.ConversationID == conversationID {
			delete(s.edges, key)
		}
	}
	for id, sum := range s.summaries {
		if sum.ConversationID == conversationID {
			delete(s.summaries, id)
		}
	}
	return nil
}

// ListConversations implements [store.GraphStore].
func (s *Store) ListConversations(ctx context.Context, limit int) ([]store.ConversationInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byConv := map[string]*store.ConversationInfo{}
	for _, n := range s.nodes {
		ci := byConv[n.ConversationID]
		if ci == nil {
			ci = &store.ConversationInfo{ConversationID: n.ConversationID}
			byConv[n.ConversationID] = ci
		}
		ci.NodeCount++
		if n.UpdatedAt.After(ci.UpdatedAt) {
			ci.UpdatedAt = n.UpdatedAt
		}
	}
	for _, e := range s.edges {
		if ci := byConv[e.ConversationID]; ci != nil {
			ci.EdgeCount++
		}
	}

	infos := []store.ConversationInfo{}
	for _, ci := range byConv {
		infos = append(infos, *ci)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	if limit > 0 && len(infos) > limit {
		infos = infos[:limit]
	}
	return infos, nil
}

// IndexSummaries implements [store.SummaryIndex].
func (s *Store) IndexSummaries(ctx context.Context, summaries []store.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.IndexCalls++
	if s.Err != nil {
		return s.Err
	}
	for _, sum := range summaries {
		s.summaries[sum.ID] = sum
	}
	return nil
}

// Search implements [store.SummaryIndex] using exact cosine distance over the
// stored embeddings.
func (s *Store) Search(ctx context.Context, embedding []float32, topK int, filter store.SummaryFilter) ([]store.SummaryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := []store.SummaryResult{}
	for _, sum := range s.summaries {
		if !matchesFilter(sum, filter) {
			continue
		}
		results = append(results, store.SummaryResult{
			Summary:  sum,
			Distance: cosineDistance(embedding, sum.Embedding),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Distance < results[j].Distance
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// SearchText implements [store.SummaryIndex] with a naive case-insensitive
// substring match.
func (s *Store) SearchText(ctx context.Context, query string, filter store.SummaryFilter) ([]store.SummaryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lower := strings.ToLower(query)
	results := []store.SummaryResult{}
	for _, sum := range s.summaries {
		if !matchesFilter(sum, filter) {
			continue
		}
		if !strings.Contains(strings.ToLower(sum.Content), lower) {
			continue
		}
		results = append(results, store.SummaryResult{Summary: sum})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Summary.ID < results[j].Summary.ID
	})
	limit := filter.Limit
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// NodeCount returns the number of stored nodes.
func (s *Store) NodeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// EdgeCount returns the number of stored edges.
func (s *Store) EdgeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.edges)
}

// SummaryCount returns the number of indexed summaries.
func (s *Store) SummaryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.summaries)
}

func matchesFilter(sum store.Summary, f store.SummaryFilter) bool {
	if f.ConversationID != "" && sum.ConversationID != f.ConversationID {
		return false
	}
	if !f.Before.IsZero() && !sum.Timestamp.Before(f.Before) {
		return false
	}
	return true
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
