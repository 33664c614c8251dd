package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/threadloom/internal/chunker"
	"github.com/MrWong99/threadloom/internal/graph"
	"github.com/MrWong99/threadloom/internal/observe"
	"github.com/MrWong99/threadloom/internal/resilience"
)

// Pool defaults. Concurrency beyond MaxConcurrency is rejected at config
// validation, not here.
const (
	DefaultConcurrency = 4
	MaxConcurrency     = 12
	DefaultMaxRetries  = 3
	DefaultBackoff     = 500 * time.Millisecond
	DefaultCallTimeout = 30 * time.Second
)

// Pool runs enrichment calls with a fixed concurrency bound. Submissions
// beyond the bound queue on a weighted semaphore rather than spawning more
// in-flight calls. Every submitted chunk produces exactly one result: the
// analysis output, or a raw-text placeholder after retries are exhausted —
// a failed chunk never stalls or aborts the rest of the stream.
type Pool struct {
	analyzer Analyzer
	sink     func(graph.Result)

	sem         *semaphore.Weighted
	wg          sync.WaitGroup
	maxRetries  int
	backoff     time.Duration
	callTimeout time.Duration
	metrics     *observe.Metrics
	log         *slog.Logger
}

// PoolOption customizes a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of parallel analysis calls. Values outside
// [1, MaxConcurrency] are clamped.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n < 1 {
			n = 1
		}
		if n > MaxConcurrency {
			n = MaxConcurrency
		}
		p.sem = semaphore.NewWeighted(int64(n))
	}
}

// WithMaxRetries sets how many times a retryable failure is re-attempted.
func WithMaxRetries(n int) PoolOption {
	return func(p *Pool) {
		if n >= 0 {
			p.maxRetries = n
		}
	}
}

// WithBackoff sets the initial retry backoff; it doubles per attempt.
func WithBackoff(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.backoff = d
		}
	}
}

// WithCallTimeout sets the per-attempt analysis timeout.
func WithCallTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.callTimeout = d
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// WithLogger sets the pool logger.
func WithLogger(log *slog.Logger) PoolOption {
	return func(p *Pool) { p.log = log }
}

// NewPool builds a Pool delivering results to sink. The sink is called from
// worker goroutines and must be safe for concurrent use; the graph merger's
// Merge method qualifies.
func NewPool(analyzer Analyzer, sink func(graph.Result), opts ...PoolOption) *Pool {
	p := &Pool{
		analyzer:    analyzer,
		sink:        sink,
		sem:         semaphore.NewWeighted(DefaultConcurrency),
		maxRetries:  DefaultMaxRetries,
		backoff:     DefaultBackoff,
		callTimeout: DefaultCallTimeout,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Submit queues one chunk for enrichment and returns immediately. The
// result reaches the sink when the call completes, fails permanently, or ctx
// is cancelled; cancellation degrades the chunk to a placeholder rather than
// dropping it.
func (p *Pool) Submit(ctx context.Context, chunk chunker.Chunk, hint Hint) {
	p.wg.Add(1)
	p.metrics.PendingChunks.Add(ctx, 1)

	go func() {
		defer p.wg.Done()
		defer p.metrics.PendingChunks.Add(context.WithoutCancel(ctx), -1)

		if err := p.sem.Acquire(ctx, 1); err != nil {
			// Cancelled while queued; the chunk still produces a result.
			p.fail(ctx, chunk, Classify(err))
			return
		}
		defer p.sem.Release(1)

		p.run(ctx, chunk, hint)
	}()
}

// Wait blocks until every submitted chunk has produced a result.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// run performs the attempt/retry loop for one chunk.
func (p *Pool) run(ctx context.Context, chunk chunker.Chunk, hint Hint) {
	start := time.Now()
	var descriptors []graph.NodeDescriptor

	err := resilience.Retry(ctx, resilience.RetryConfig{
		MaxRetries:     p.maxRetries,
		InitialBackoff: p.backoff,
		OnRetry: func(attempt int, err error) {
			failure := Classify(err)
			p.metrics.RecordEnrichRetry(ctx, string(failure.Kind))
			p.log.Warn("enrichment attempt failed, retrying",
				"chunk_id", chunk.ID, "ordinal", chunk.Ordinal,
				"attempt", attempt, "kind", failure.Kind, "error", failure.Err)
		},
	}, func() (error, bool) {
		var attemptErr error
		descriptors, attemptErr = p.attempt(ctx, chunk, hint)
		if attemptErr == nil {
			return nil, false
		}
		return attemptErr, Classify(attemptErr).Retryable()
	})

	p.metrics.EnrichDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds())
	if err != nil {
		p.fail(ctx, chunk, Classify(err))
		return
	}
	p.sink(graph.Result{
		ChunkID:     chunk.ID,
		Ordinal:     chunk.Ordinal,
		Descriptors: descriptors,
	})
}

// attempt runs one analysis call under the per-call timeout.
func (p *Pool) attempt(ctx context.Context, chunk chunker.Chunk, hint Hint) ([]graph.NodeDescriptor, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	return p.analyzer.Analyze(callCtx, chunk.Text, hint)
}

// fail substitutes the raw-text placeholder node for a chunk whose
// enrichment could not complete.
func (p *Pool) fail(ctx context.Context, chunk chunker.Chunk, failure *Failure) {
	ctx = context.WithoutCancel(ctx)
	p.metrics.RecordEnrichFailure(ctx, string(failure.Kind))
	p.log.Error("enrichment exhausted, substituting placeholder node",
		"chunk_id", chunk.ID, "ordinal", chunk.Ordinal, "kind", failure.Kind, "error", failure.Err)

	p.sink(graph.Result{
		ChunkID: chunk.ID,
		Ordinal: chunk.Ordinal,
		Descriptors: []graph.NodeDescriptor{{
			Name:    fmt.Sprintf("unenriched segment %d", chunk.Ordinal+1),
			Summary: chunk.Text,
			Kind:    graph.NodeKindOrdinary,
		}},
		Failed:        true,
		FailureReason: string(failure.Kind),
	})
}
