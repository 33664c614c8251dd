// Package ingest owns the lifecycle of one client connection: it receives
// audio or text increments, drives the chunker, dispatches enrichment, and
// streams merged graph deltas until the flush protocol completes. It also
// provides the one-shot batch runner for pre-chunked transcripts.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/threadloom/internal/chunker"
	"github.com/MrWong99/threadloom/internal/enrich"
	"github.com/MrWong99/threadloom/internal/graph"
	"github.com/MrWong99/threadloom/internal/observe"
	"github.com/MrWong99/threadloom/internal/stream"
	"github.com/MrWong99/threadloom/internal/transcript"
	"github.com/MrWong99/threadloom/pkg/provider/embeddings"
	"github.com/MrWong99/threadloom/pkg/provider/stt"
	"github.com/MrWong99/threadloom/pkg/store"
	"github.com/MrWong99/threadloom/pkg/types"
)

// State is the session lifecycle phase.
type State string

const (
	StateConnecting     State = "connecting"
	StateStreaming      State = "streaming"
	StateFlushRequested State = "flush_requested"
	StateDraining       State = "draining"
	StateClosed         State = "closed"
)

// DefaultDrainTimeout bounds how long submitted work may run after a flush
// before in-flight enrichment is cancelled.
const DefaultDrainTimeout = 45 * time.Second

var (
	// ErrNotStreaming is returned when input arrives outside the streaming
	// phase. Input after flush is a protocol violation, not a server fault.
	ErrNotStreaming = errors.New("ingest: session is not accepting input")

	// ErrNoAudioSupport is returned for audio frames on a session without a
	// transcription backend.
	ErrNoAudioSupport = errors.New("ingest: session has no transcription backend")
)

// Options configures a Session. Analyzer is required; everything else has a
// usable zero value — a nil STT provider makes the session text-only, nil
// stores disable persistence and semantic hints.
type Options struct {
	ConversationID string

	Analyzer  enrich.Analyzer
	STT       stt.Provider
	STTConfig stt.StreamConfig
	Corrector *transcript.Corrector

	Embedder     embeddings.Provider
	GraphStore   store.GraphStore
	SummaryIndex store.SummaryIndex

	WindowWords        int
	OverlapWords       int
	UtteranceThreshold int

	Concurrency  int
	MaxRetries   int
	Backoff      time.Duration
	CallTimeout  time.Duration
	ContextHints int

	DrainTimeout time.Duration
	QueueSize    int

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Session is the per-connection pipeline owner. One session exists per
// client; sessions share nothing but the passive store and provider
// collaborators.
type Session struct {
	id   string
	opts Options

	dispatcher *stream.Dispatcher
	chunks     *chunker.Chunker
	merger     *graph.Merger
	pool       *enrich.Pool
	hints      *enrich.SemanticHints

	sttSession stt.SessionHandle

	ctx        context.Context // session lifetime; events flow on this
	cancel     context.CancelFunc
	workCtx    context.Context // enrichment work; cancelled at drain timeout
	workCancel context.CancelFunc

	mu          sync.Mutex // guards state, seq, chunker access
	state       State
	seq         int
	flushedAt   time.Time
	sttDegraded bool

	// dispatchMu serializes merge and delta dispatch so deltas reach the
	// queue in merge order even when several workers complete at once.
	dispatchMu sync.Mutex

	closeOnce sync.Once
	metrics   *observe.Metrics
	log       *slog.Logger
}

// NewSession builds a session in the connecting state. Call Start before
// feeding input.
func NewSession(opts Options) *Session {
	if opts.ConversationID == "" {
		opts.ConversationID = uuid.NewString()
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Session{
		id:      uuid.NewString(),
		opts:    opts,
		state:   StateConnecting,
		metrics: opts.Metrics,
	}
	s.log = opts.Logger.With("session_id", s.id, "conversation_id", opts.ConversationID)

	s.dispatcher = stream.NewDispatcher(
		stream.WithQueueSize(opts.QueueSize),
		stream.WithMetrics(opts.Metrics),
	)
	s.chunks = chunker.New(
		chunker.WithWindow(opts.WindowWords),
		chunker.WithOverlap(opts.OverlapWords),
		chunker.WithUtteranceThreshold(opts.UtteranceThreshold),
	)
	s.merger = graph.NewMerger()
	s.hints = enrich.NewSemanticHints(opts.Embedder, opts.SummaryIndex, opts.ConversationID, opts.ContextHints)
	s.pool = enrich.NewPool(opts.Analyzer, s.onResult,
		enrich.WithConcurrency(opts.Concurrency),
		enrich.WithMaxRetries(opts.MaxRetries),
		enrich.WithBackoff(opts.Backoff),
		enrich.WithCallTimeout(opts.CallTimeout),
		enrich.WithMetrics(opts.Metrics),
		enrich.WithLogger(s.log),
	)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// ConversationID returns the conversation this session builds a graph for.
func (s *Session) ConversationID() string { return s.opts.ConversationID }

// Dispatcher returns the outbound event side of the session. The transport
// layer drives it with [stream.Dispatcher.Run].
func (s *Session) Dispatcher() *stream.Dispatcher { return s.dispatcher }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start performs the connecting phase: it opens the transcription stream
// when a provider is configured and emits connection_established. A
// transcription backend that is down at connect time is fatal; mid-session
// failures only degrade.
func (s *Session) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.workCtx, s.workCancel = context.WithCancel(s.ctx)

	if s.opts.STT != nil {
		handle, err := s.opts.STT.StartStream(ctx, s.opts.STTConfig)
		if err != nil {
			s.log.Error("transcription stream failed to open", "error", err)
			_ = s.dispatcher.Send(s.ctx, stream.ErrorEvent("transcription backend unavailable", true))
			s.close()
			return fmt.Errorf("ingest: start transcription stream: %w", err)
		}
		s.sttSession = handle
		go s.transcriptLoop()
	}

	s.mu.Lock()
	s.state = StateStreaming
	s.mu.Unlock()
	s.metrics.ActiveSessions.Add(s.ctx, 1)

	if err := s.dispatcher.Send(s.ctx, stream.Event{Type: stream.EventConnectionEstablished}); err != nil {
		s.close()
		return fmt.Errorf("ingest: announce session: %w", err)
	}
	s.log.Info("session streaming", "audio", s.sttSession != nil)
	return nil
}

// HandleAudio forwards one raw PCM frame to the transcription backend.
func (s *Session) HandleAudio(frame []byte) error {
	if s.State() != StateStreaming {
		return ErrNotStreaming
	}
	if s.sttSession == nil {
		return ErrNoAudioSupport
	}
	if err := s.sttSession.SendAudio(frame); err != nil {
		s.degradeSTT(fmt.Errorf("send audio: %w", err))
	}
	return nil
}

// HandleText ingests pre-transcribed utterances, bypassing the
// transcription backend.
func (s *Session) HandleText(utterances []string) error {
	if s.State() != StateStreaming {
		return ErrNotStreaming
	}
	for _, text := range utterances {
		s.ingestFinal(types.Transcript{Text: text, IsFinal: true})
	}
	return nil
}

// Flush runs the termination handshake: acknowledge immediately, finalize
// the partial chunk, then drain asynchronously. Calling Flush more than once
// (or after a disconnect already triggered it) is a no-op.
func (s *Session) Flush() {
	s.mu.Lock()
	if s.state != StateStreaming && s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.state = StateFlushRequested
	s.flushedAt = time.Now()
	final, ok := s.chunks.Flush()
	s.mu.Unlock()

	// The ack goes out before the final chunk is submitted; it must never
	// wait on the enrichment backlog.
	_ = s.dispatcher.Send(s.ctx, stream.Event{Type: stream.EventFlushAck})
	s.log.Info("flush acknowledged", "pending_ordinals", s.merger.PendingCount())

	if ok {
		s.submit(final, "flush")
	}

	s.mu.Lock()
	s.state = StateDraining
	s.mu.Unlock()
	go s.drain()
}

// transcriptLoop pumps the transcription backend's partial and final streams
// into the pipeline until both close or the session ends.
func (s *Session) transcriptLoop() {
	partials, finals := s.sttSession.Partials(), s.sttSession.Finals()
	for partials != nil || finals != nil {
		select {
		case <-s.ctx.Done():
			return
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			_ = s.dispatcher.Send(s.ctx, stream.Event{Type: stream.EventPartialTranscript, Text: t.Text})
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			if s.State() == StateStreaming {
				s.ingestFinal(t)
			}
		}
	}
	// Both channels closed: the backend ended the stream. During a client
	// flush that is expected; mid-stream it degrades the session.
	if s.State() == StateStreaming {
		s.degradeSTT(errors.New("transcript streams closed"))
	}
}

// degradeSTT surfaces a transcription outage without ending the session;
// buffered text keeps flowing through the rest of the pipeline.
func (s *Session) degradeSTT(err error) {
	s.mu.Lock()
	already := s.sttDegraded
	s.sttDegraded = true
	s.mu.Unlock()
	if already {
		return
	}
	s.log.Warn("transcription degraded", "error", err)
	_ = s.dispatcher.Send(s.ctx, stream.ErrorEvent("transcription unavailable, continuing with buffered input", false))
}

// ingestFinal runs one committed transcript through correction, the client
// echo, and the chunker. The streaming check and the chunker insert share one
// critical section with Flush's final cut, so a transcript racing a flush is
// either chunked before the cut or dropped — never appended after it, where
// its words would silently vanish.
func (s *Session) ingestFinal(t types.Transcript) {
	text := t.Text
	if s.opts.Corrector != nil {
		corrected, corrections := s.opts.Corrector.Correct(text)
		if len(corrections) > 0 {
			s.log.Debug("transcript corrected", "corrections", len(corrections))
		}
		text = corrected
	}

	s.mu.Lock()
	if s.state != StateStreaming {
		s.mu.Unlock()
		s.log.Warn("transcript arrived after flush, dropped", "words", len(strings.Fields(text)))
		return
	}
	u := types.Utterance{
		SpeakerID: t.SpeakerID,
		Text:      text,
		Seq:       s.seq,
		Start:     t.Timestamp,
		End:       t.Timestamp + t.Duration,
	}
	s.seq++
	completed := s.chunks.AddUtterance(u)
	s.mu.Unlock()

	_ = s.dispatcher.Send(s.ctx, stream.Event{Type: stream.EventFinalTranscript, Text: text})

	for _, c := range completed {
		s.submit(c, "window")
	}
}

// submit hands one chunk to the enrichment pool.
func (s *Session) submit(c chunker.Chunk, reason string) {
	s.metrics.RecordChunkEmitted(s.ctx, reason)
	hint, err := s.hints.Hint(s.workCtx, c.Text)
	if err != nil {
		hint = enrich.Hint{}
	}
	s.pool.Submit(s.workCtx, c, hint)
}

// onResult is the pool sink: merge under the dispatch lock so deltas are
// enqueued in exactly the order the merger releases them.
func (s *Session) onResult(res graph.Result) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	start := time.Now()
	deltas := s.merger.Merge(res)
	s.metrics.MergeDuration.Record(s.ctx, time.Since(start).Seconds())

	for _, delta := range deltas {
		for _, n := range delta.Nodes {
			if !n.Failed {
				s.hints.Observe(n.Summary)
			}
		}
		if err := s.dispatcher.SendDelta(s.ctx, delta); err != nil {
			s.log.Warn("delta not delivered", "ordinal", delta.Ordinal, "error", err)
			return
		}
	}
}

// drain waits for submitted work up to the drain timeout, cancelling
// whatever remains, then persists the graph and completes the protocol.
func (s *Session) drain() {
	done := make(chan struct{})
	go func() {
		s.pool.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.opts.DrainTimeout):
		s.log.Warn("drain timeout exceeded, cancelling in-flight enrichment")
		s.workCancel()
		<-done // cancelled chunks still produce placeholder results
	}

	if err := s.persist(); err != nil {
		s.log.Error("graph persistence failed", "error", err)
	}

	s.metrics.FlushLatency.Record(s.ctx, time.Since(s.flushedAt).Seconds())
	_ = s.dispatcher.Send(s.ctx, stream.DoneEvent())
	s.close()
}

// persist writes the final graph snapshot and indexes node summaries for
// prior-context retrieval in later sessions of the same conversation.
func (s *Session) persist() error {
	if s.opts.GraphStore == nil {
		return nil
	}
	snapshot := s.merger.Snapshot()
	if snapshot.NodeCount() == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 30*time.Second)
	defer cancel()

	if err := persistGraph(ctx, s.opts.GraphStore, s.opts.ConversationID, snapshot); err != nil {
		return err
	}
	if s.opts.Embedder != nil && s.opts.SummaryIndex != nil {
		if err := indexSummaries(ctx, s.opts.Embedder, s.opts.SummaryIndex, s.opts.ConversationID, snapshot); err != nil {
			return err
		}
	}
	s.log.Info("graph persisted", "nodes", snapshot.NodeCount(), "edges", len(snapshot.Edges))
	return nil
}

// close tears the session down exactly once. The dispatcher keeps running
// until its terminal event is written; teardown here only releases pipeline
// resources.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		wasConnecting := s.state == StateConnecting
		s.state = StateClosed
		s.mu.Unlock()

		if s.sttSession != nil {
			if err := s.sttSession.Close(); err != nil {
				s.log.Warn("transcription stream close failed", "error", err)
			}
		}
		if !wasConnecting {
			s.metrics.ActiveSessions.Add(context.WithoutCancel(s.ctx), -1)
		}
		s.workCancel()
		s.log.Info("session closed")
	})
}

// Abort ends the session with a fatal error event, skipping the drain.
func (s *Session) Abort(message string) {
	_ = s.dispatcher.Send(s.ctx, stream.ErrorEvent(message, true))
	s.close()
	s.cancel()
}
