package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/threadloom/internal/chunker"
	"github.com/MrWong99/threadloom/internal/enrich"
	"github.com/MrWong99/threadloom/internal/graph"
	"github.com/MrWong99/threadloom/internal/observe"
	"github.com/MrWong99/threadloom/internal/stream"

	"github.com/google/uuid"
)

// BatchRequest is a one-shot pre-chunked transcript. Chunk ordinals follow
// the lexicographic order of the chunk ids, so callers control ordering by
// naming their chunks sortably.
type BatchRequest struct {
	ConversationID string            `json:"conversation_id"`
	Chunks         map[string]string `json:"chunks"`

	// PriorGraph optionally seeds the merge with an already-built graph, in
	// any of the accepted payload shapes. New chunks extend it.
	PriorGraph *graph.Payload `json:"-"`
}

// BatchRunner executes batch requests over the same pool and merger path the
// live session uses, without the session state machine.
type BatchRunner struct {
	opts Options
	log  *slog.Logger
}

// NewBatchRunner builds a runner from session options. The STT, corrector,
// and chunking fields are ignored; batch input is already chunked text.
func NewBatchRunner(opts Options) *BatchRunner {
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &BatchRunner{opts: opts, log: opts.Logger}
}

// Run enriches every chunk and streams the resulting deltas through write,
// terminated by exactly one done or error event. write runs on a single
// goroutine.
func (r *BatchRunner) Run(ctx context.Context, req BatchRequest, write func(stream.Event) error) error {
	if len(req.Chunks) == 0 && req.PriorGraph == nil {
		return errors.New("ingest: batch request has no chunks")
	}
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	log := r.log.With("conversation_id", conversationID, "chunks", len(req.Chunks))

	merger := graph.NewMerger()
	if req.PriorGraph != nil {
		seed, err := req.PriorGraph.Normalize()
		if err != nil {
			return fmt.Errorf("ingest: normalize prior graph: %w", err)
		}
		merger.Seed(seed)
	}

	dispatcher := stream.NewDispatcher(
		stream.WithQueueSize(r.opts.QueueSize),
		stream.WithMetrics(r.opts.Metrics),
	)
	defer dispatcher.Close()

	hints := enrich.NewSemanticHints(r.opts.Embedder, r.opts.SummaryIndex, conversationID, r.opts.ContextHints)

	// Serialize merge+dispatch exactly like the live session does.
	var sink dispatchSink
	sink.init(ctx, merger, dispatcher, hints, r.opts.Metrics, log)

	pool := enrich.NewPool(r.opts.Analyzer, sink.onResult,
		enrich.WithConcurrency(r.opts.Concurrency),
		enrich.WithMaxRetries(r.opts.MaxRetries),
		enrich.WithBackoff(r.opts.Backoff),
		enrich.WithCallTimeout(r.opts.CallTimeout),
		enrich.WithMetrics(r.opts.Metrics),
		enrich.WithLogger(log),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx, write)
	})
	g.Go(func() error {
		base := merger.NextOrdinal()
		for i, id := range sortedChunkIDs(req.Chunks) {
			r.opts.Metrics.RecordChunkEmitted(gctx, "batch")
			chunk := chunker.Chunk{
				ID:      id,
				Ordinal: base + i,
				Text:    req.Chunks[id],
			}
			hint, err := hints.Hint(gctx, chunk.Text)
			if err != nil {
				hint = enrich.Hint{}
			}
			pool.Submit(gctx, chunk, hint)
		}
		pool.Wait()

		if err := r.persist(gctx, conversationID, merger.Snapshot()); err != nil {
			log.Error("batch persistence failed", "error", err)
		}
		return dispatcher.Send(gctx, stream.DoneEvent())
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("ingest: batch run: %w", err)
	}
	snapshot := merger.Snapshot()
	log.Info("batch completed", "nodes", snapshot.NodeCount())
	return nil
}

func (r *BatchRunner) persist(ctx context.Context, conversationID string, g graph.Graph) error {
	if r.opts.GraphStore == nil || g.NodeCount() == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := persistGraph(ctx, r.opts.GraphStore, conversationID, g); err != nil {
		return err
	}
	if r.opts.Embedder != nil && r.opts.SummaryIndex != nil {
		return indexSummaries(ctx, r.opts.Embedder, r.opts.SummaryIndex, conversationID, g)
	}
	return nil
}

func sortedChunkIDs(chunks map[string]string) []string {
	ids := make([]string, 0, len(chunks))
	for id := range chunks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// dispatchSink is the shared merge-then-dispatch step used by the batch
// path. A mutex keeps delta enqueue order identical to merge order.
type dispatchSink struct {
	ctx        context.Context
	merger     *graph.Merger
	dispatcher *stream.Dispatcher
	hints      *enrich.SemanticHints
	metrics    *observe.Metrics
	log        *slog.Logger
	mu         sync.Mutex
}

func (d *dispatchSink) init(ctx context.Context, m *graph.Merger, disp *stream.Dispatcher, hints *enrich.SemanticHints, metrics *observe.Metrics, log *slog.Logger) {
	d.ctx = ctx
	d.merger = m
	d.dispatcher = disp
	d.hints = hints
	d.metrics = metrics
	d.log = log
}

func (d *dispatchSink) onResult(res graph.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	deltas := d.merger.Merge(res)
	d.metrics.MergeDuration.Record(d.ctx, time.Since(start).Seconds())

	for _, delta := range deltas {
		for _, n := range delta.Nodes {
			if !n.Failed {
				d.hints.Observe(n.Summary)
			}
		}
		if err := d.dispatcher.SendDelta(d.ctx, delta); err != nil {
			d.log.Warn("delta not delivered", "ordinal", delta.Ordinal, "error", err)
			return
		}
	}
}
