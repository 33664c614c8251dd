package enrich_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/threadloom/internal/enrich"
	embmock "github.com/MrWong99/threadloom/pkg/provider/embeddings/mock"
	"github.com/MrWong99/threadloom/pkg/store"
	storemock "github.com/MrWong99/threadloom/pkg/store/mock"
)

func TestSemanticHintsWithoutBackendsUsesRecentRing(t *testing.T) {
	t.Parallel()
	hints := enrich.NewSemanticHints(nil, nil, "conv-1", 3)
	hints.Observe("first summary")
	hints.Observe("second summary")
	hints.Observe("third summary")
	hints.Observe("fourth summary")

	hint, err := hints.Hint(t.Context(), "chunk text")
	if err != nil {
		t.Fatalf("hint: %v", err)
	}
	want := []string{"second summary", "third summary", "fourth summary"}
	if len(hint.Summaries) != len(want) {
		t.Fatalf("summaries = %v", hint.Summaries)
	}
	for i, s := range want {
		if hint.Summaries[i] != s {
			t.Errorf("summary %d = %q, want %q", i, hint.Summaries[i], s)
		}
	}
}

func TestSemanticHintsMergesIndexResults(t *testing.T) {
	t.Parallel()
	st := storemock.NewStore()
	embedder := embmock.NewProvider()

	vec, err := embedder.Embed(t.Context(), "budget details")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.IndexSummaries(t.Context(), []store.Summary{
		{ID: "s1", ConversationID: "conv-1", NodeID: "n1", Content: "budget was discussed", Embedding: vec, Timestamp: time.Now()},
		{ID: "s2", ConversationID: "other", NodeID: "n2", Content: "unrelated conversation", Embedding: vec, Timestamp: time.Now()},
	}); err != nil {
		t.Fatal(err)
	}

	hints := enrich.NewSemanticHints(embedder, st, "conv-1", 4)
	hints.Observe("budget was discussed") // duplicate of the indexed entry
	hints.Observe("hiring plan agreed")

	hint, err := hints.Hint(t.Context(), "budget details")
	if err != nil {
		t.Fatalf("hint: %v", err)
	}
	counts := make(map[string]int)
	for _, s := range hint.Summaries {
		counts[s]++
	}
	if counts["budget was discussed"] != 1 {
		t.Errorf("duplicate summary not merged: %v", hint.Summaries)
	}
	if counts["unrelated conversation"] != 0 {
		t.Errorf("other conversation leaked into hints: %v", hint.Summaries)
	}
	if counts["hiring plan agreed"] != 1 {
		t.Errorf("recent summary missing: %v", hint.Summaries)
	}
}

func TestSemanticHintsDegradesOnRetrievalError(t *testing.T) {
	t.Parallel()
	embedder := embmock.NewProvider()
	embedder.Err = errors.New("embeddings service down")

	hints := enrich.NewSemanticHints(embedder, storemock.NewStore(), "conv-1", 3)
	hints.Observe("still available")

	hint, err := hints.Hint(t.Context(), "chunk text")
	if err != nil {
		t.Fatalf("hint returned error instead of degrading: %v", err)
	}
	if len(hint.Summaries) != 1 || hint.Summaries[0] != "still available" {
		t.Errorf("summaries = %v", hint.Summaries)
	}
}
