package enrich

import (
	"context"

	"github.com/MrWong99/threadloom/internal/graph"
)

// Hint carries prior conversation context into an analysis call so the
// service can resolve back-references to earlier discourse nodes.
type Hint struct {
	// Summaries are short descriptions of earlier nodes, most relevant first.
	Summaries []string
}

// Analyzer is the opaque text analysis service: one chunk of transcript in,
// an ordered list of discourse-node descriptors out. Implementations must be
// safe for concurrent use; the pool calls Analyze from several workers.
type Analyzer interface {
	Analyze(ctx context.Context, chunkText string, hint Hint) ([]graph.NodeDescriptor, error)
}

// HintSource supplies prior-context hints for a chunk about to be analyzed.
type HintSource interface {
	Hint(ctx context.Context, chunkText string) (Hint, error)
}

// StaticHints is a HintSource returning a fixed hint. The zero value returns
// an empty hint.
type StaticHints struct {
	Summaries []string
}

func (s StaticHints) Hint(context.Context, string) (Hint, error) {
	return Hint{Summaries: s.Summaries}, nil
}
