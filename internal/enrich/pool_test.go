package enrich_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/threadloom/internal/chunker"
	"github.com/MrWong99/threadloom/internal/enrich"
	"github.com/MrWong99/threadloom/internal/enrich/mock"
	"github.com/MrWong99/threadloom/internal/graph"
)

// resultCollector is a concurrency-safe sink for pool results.
type resultCollector struct {
	mu      sync.Mutex
	results []graph.Result
}

func (c *resultCollector) sink(res graph.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, res)
}

func (c *resultCollector) byOrdinal(ordinal int) (graph.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.results {
		if r.Ordinal == ordinal {
			return r, true
		}
	}
	return graph.Result{}, false
}

func (c *resultCollector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

func testChunk(ordinal int) chunker.Chunk {
	return chunker.Chunk{
		ID:      fmt.Sprintf("chunk-%d", ordinal),
		Ordinal: ordinal,
		Text:    fmt.Sprintf("text of chunk %d", ordinal),
	}
}

func TestPoolEnforcesConcurrencyBound(t *testing.T) {
	t.Parallel()
	const bound = 3

	var inFlight, peak atomic.Int32
	analyzer := &mock.Analyzer{
		AnalyzeFunc: func(ctx context.Context, chunkText string, _ enrich.Hint) ([]graph.NodeDescriptor, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			return []graph.NodeDescriptor{{Name: "n", Summary: chunkText}}, nil
		},
	}

	var collector resultCollector
	pool := enrich.NewPool(analyzer, collector.sink, enrich.WithConcurrency(bound))

	for i := 0; i < 12; i++ {
		pool.Submit(t.Context(), testChunk(i), enrich.Hint{})
	}
	pool.Wait()

	if got := peak.Load(); got > bound {
		t.Errorf("peak concurrent calls = %d, bound is %d", got, bound)
	}
	if collector.len() != 12 {
		t.Errorf("results = %d, want 12", collector.len())
	}
}

func TestExhaustedRetriesProduceFailedPlaceholder(t *testing.T) {
	t.Parallel()

	// Chunk 2 (ordinal 1) always times out; every other chunk succeeds.
	analyzer := &mock.Analyzer{
		AnalyzeFunc: func(ctx context.Context, chunkText string, _ enrich.Hint) ([]graph.NodeDescriptor, error) {
			if chunkText == "text of chunk 1" {
				return nil, context.DeadlineExceeded
			}
			return []graph.NodeDescriptor{{Name: "ok", Summary: chunkText}}, nil
		},
	}

	merger := graph.NewMerger()
	pool := enrich.NewPool(analyzer, func(res graph.Result) { merger.Merge(res) },
		enrich.WithMaxRetries(2),
		enrich.WithBackoff(time.Millisecond),
	)

	for i := 0; i < 3; i++ {
		pool.Submit(t.Context(), testChunk(i), enrich.Hint{})
	}
	pool.Wait()

	g := merger.Snapshot()
	if g.NodeCount() != 3 {
		t.Fatalf("nodes = %d, want 3", g.NodeCount())
	}
	placeholder := g.Nodes[1]
	if !placeholder.Failed {
		t.Error("placeholder node not marked failed")
	}
	if placeholder.FailureReason != string(enrich.KindTimeout) {
		t.Errorf("failure reason = %q", placeholder.FailureReason)
	}
	if placeholder.Summary != "text of chunk 1" {
		t.Errorf("placeholder summary = %q, want raw chunk text", placeholder.Summary)
	}
	// The chunk after the failure merged normally.
	if after := g.Nodes[2]; after.Failed || after.Ordinal != 2 {
		t.Errorf("post-failure node = %+v", after)
	}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	analyzer := &mock.Analyzer{
		AnalyzeFunc: func(ctx context.Context, chunkText string, _ enrich.Hint) ([]graph.NodeDescriptor, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("upstream 429 too many requests")
			}
			return []graph.NodeDescriptor{{Name: "finally", Summary: chunkText}}, nil
		},
	}

	var collector resultCollector
	pool := enrich.NewPool(analyzer, collector.sink,
		enrich.WithMaxRetries(3),
		enrich.WithBackoff(time.Millisecond),
	)
	pool.Submit(t.Context(), testChunk(0), enrich.Hint{})
	pool.Wait()

	res, ok := collector.byOrdinal(0)
	if !ok {
		t.Fatal("no result delivered")
	}
	if res.Failed {
		t.Errorf("result failed after eventual success: %+v", res)
	}
	if calls.Load() != 3 {
		t.Errorf("analyze calls = %d, want 3", calls.Load())
	}
}

func TestMalformedResponseIsNotRetried(t *testing.T) {
	t.Parallel()

	analyzer := &mock.Analyzer{
		Err: &enrich.Failure{Kind: enrich.KindMalformed, Err: errors.New("not json")},
	}

	var collector resultCollector
	pool := enrich.NewPool(analyzer, collector.sink,
		enrich.WithMaxRetries(3),
		enrich.WithBackoff(time.Millisecond),
	)
	pool.Submit(t.Context(), testChunk(0), enrich.Hint{})
	pool.Wait()

	if analyzer.CallCount() != 1 {
		t.Errorf("analyze calls = %d, want 1 (malformed response is permanent)", analyzer.CallCount())
	}
	res, _ := collector.byOrdinal(0)
	if !res.Failed || res.FailureReason != string(enrich.KindMalformed) {
		t.Errorf("result = %+v", res)
	}
}

func TestCancellationDegradesQueuedChunks(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	analyzer := &mock.Analyzer{
		AnalyzeFunc: func(ctx context.Context, chunkText string, _ enrich.Hint) ([]graph.NodeDescriptor, error) {
			select {
			case <-release:
				return []graph.NodeDescriptor{{Name: "late", Summary: chunkText}}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	var collector resultCollector
	pool := enrich.NewPool(analyzer, collector.sink,
		enrich.WithConcurrency(1),
		enrich.WithMaxRetries(0),
	)

	ctx, cancel := context.WithCancel(t.Context())
	pool.Submit(ctx, testChunk(0), enrich.Hint{}) // occupies the worker
	pool.Submit(ctx, testChunk(1), enrich.Hint{}) // queued on the semaphore
	cancel()
	close(release)
	pool.Wait()

	if collector.len() != 2 {
		t.Fatalf("results = %d, want 2 (cancelled chunks still produce results)", collector.len())
	}
	queued, _ := collector.byOrdinal(1)
	if !queued.Failed {
		t.Errorf("queued chunk result = %+v, want failed placeholder", queued)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want enrich.FailureKind
	}{
		{"deadline", context.DeadlineExceeded, enrich.KindTimeout},
		{"cancel", context.Canceled, enrich.KindTimeout},
		{"http 429", errors.New("request failed: 429"), enrich.KindRateLimited},
		{"rate limit text", errors.New("provider rate limit exceeded"), enrich.KindRateLimited},
		{"other", errors.New("connection refused"), enrich.KindUnavailable},
		{"passthrough", &enrich.Failure{Kind: enrich.KindMalformed}, enrich.KindMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := enrich.Classify(tc.err).Kind; got != tc.want {
				t.Errorf("Classify(%v).Kind = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}
