package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/threadloom/pkg/provider/embeddings"
	"github.com/MrWong99/threadloom/pkg/store"
)

// DefaultHintCount is the number of prior-context summaries retrieved per
// analysis call when none is configured.
const DefaultHintCount = 5

// SemanticHints retrieves prior-context summaries for a chunk by embedding
// the chunk text and searching the conversation's summary index. It also
// keeps a small ring of the most recent summaries so fresh context is always
// present even before anything is indexed.
type SemanticHints struct {
	embedder       embeddings.Provider
	index          store.SummaryIndex
	conversationID string
	topK           int
	log            *slog.Logger

	mu     sync.Mutex
	recent []string
}

// NewSemanticHints builds a hint source for one conversation. embedder and
// index may both be nil, in which case only the recent-summary ring feeds
// hints.
func NewSemanticHints(embedder embeddings.Provider, index store.SummaryIndex, conversationID string, topK int) *SemanticHints {
	if topK <= 0 {
		topK = DefaultHintCount
	}
	return &SemanticHints{
		embedder:       embedder,
		index:          index,
		conversationID: conversationID,
		topK:           topK,
		log:            slog.Default(),
	}
}

var _ HintSource = (*SemanticHints)(nil)

// Observe records a freshly merged node summary into the recent ring.
func (h *SemanticHints) Observe(summary string) {
	if summary == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recent = append(h.recent, summary)
	if len(h.recent) > h.topK {
		h.recent = h.recent[len(h.recent)-h.topK:]
	}
}

// Hint combines the recent-summary ring with a semantic search over the
// indexed summaries of the conversation. Retrieval failures degrade to the
// recent ring alone; a hint is never the reason an analysis call fails.
func (h *SemanticHints) Hint(ctx context.Context, chunkText string) (Hint, error) {
	h.mu.Lock()
	summaries := make([]string, len(h.recent))
	copy(summaries, h.recent)
	h.mu.Unlock()

	if h.embedder == nil || h.index == nil {
		return Hint{Summaries: summaries}, nil
	}

	retrieved, err := h.search(ctx, chunkText)
	if err != nil {
		h.log.Warn("prior-context retrieval failed, using recent summaries only",
			"conversation_id", h.conversationID, "error", err)
		return Hint{Summaries: summaries}, nil
	}

	seen := make(map[string]bool, len(summaries))
	for _, s := range summaries {
		seen[s] = true
	}
	for _, s := range retrieved {
		if !seen[s] {
			summaries = append(summaries, s)
			seen[s] = true
		}
	}
	return Hint{Summaries: summaries}, nil
}

func (h *SemanticHints) search(ctx context.Context, chunkText string) ([]string, error) {
	vec, err := h.embedder.Embed(ctx, chunkText)
	if err != nil {
		return nil, fmt.Errorf("enrich: embed chunk for hint: %w", err)
	}
	results, err := h.index.Search(ctx, vec, h.topK, store.SummaryFilter{
		ConversationID: h.conversationID,
	})
	if err != nil {
		return nil, fmt.Errorf("enrich: search summary index: %w", err)
	}
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.Summary.Content)
	}
	return out, nil
}
