// Package mock provides a mock Analyzer implementation for testing.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/threadloom/internal/enrich"
	"github.com/MrWong99/threadloom/internal/graph"
)

// Call records the arguments of one Analyze invocation.
type Call struct {
	ChunkText string
	Hint      enrich.Hint
}

// Analyzer is a configurable mock analysis service.
type Analyzer struct {
	mu sync.Mutex

	// Descriptors is returned by Analyze when AnalyzeFunc is nil.
	Descriptors []graph.NodeDescriptor

	// Err, when non-nil, is returned by Analyze instead of Descriptors.
	Err error

	// AnalyzeFunc, when non-nil, overrides the canned behaviour entirely.
	AnalyzeFunc func(ctx context.Context, chunkText string, hint enrich.Hint) ([]graph.NodeDescriptor, error)

	// Calls records every invocation in order.
	Calls []Call
}

var _ enrich.Analyzer = (*Analyzer)(nil)

// NewAnalyzer returns a mock that yields a single descriptor named after the
// chunk text.
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

func (a *Analyzer) Analyze(ctx context.Context, chunkText string, hint enrich.Hint) ([]graph.NodeDescriptor, error) {
	a.mu.Lock()
	a.Calls = append(a.Calls, Call{ChunkText: chunkText, Hint: hint})
	fn, err, descs := a.AnalyzeFunc, a.Err, a.Descriptors
	a.mu.Unlock()

	if fn != nil {
		return fn(ctx, chunkText, hint)
	}
	if err != nil {
		return nil, err
	}
	if descs != nil {
		return descs, nil
	}
	return []graph.NodeDescriptor{{Name: "segment", Summary: chunkText, Kind: graph.NodeKindOrdinary}}, nil
}

// CallCount returns the number of Analyze invocations so far.
func (a *Analyzer) CallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Calls)
}
