package ingest_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/threadloom/internal/enrich"
	enrichmock "github.com/MrWong99/threadloom/internal/enrich/mock"
	"github.com/MrWong99/threadloom/internal/graph"
	"github.com/MrWong99/threadloom/internal/ingest"
	"github.com/MrWong99/threadloom/internal/stream"
	sttmock "github.com/MrWong99/threadloom/pkg/provider/stt/mock"
	"github.com/MrWong99/threadloom/pkg/types"
)

// eventRecorder drains a session's dispatcher on a background goroutine.
type eventRecorder struct {
	mu     sync.Mutex
	events []stream.Event
	done   chan struct{}
}

func record(t *testing.T, s *ingest.Session) *eventRecorder {
	t.Helper()
	r := &eventRecorder{done: make(chan struct{})}
	go func() {
		defer close(r.done)
		_ = s.Dispatcher().Run(context.Background(), func(ev stream.Event) error {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
			return nil
		})
	}()
	return r
}

// wait blocks until the stream terminated, then returns all events.
func (r *eventRecorder) wait(t *testing.T) []stream.Event {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not terminate")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stream.Event(nil), r.events...)
}

func typesOf(events []stream.Event) []stream.EventType {
	out := make([]stream.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func indexOf(events []stream.Event, typ stream.EventType) int {
	for i, ev := range events {
		if ev.Type == typ {
			return i
		}
	}
	return -1
}

func textOnlyOptions(analyzer enrich.Analyzer) ingest.Options {
	return ingest.Options{
		ConversationID: "conv-test",
		Analyzer:       analyzer,
		WindowWords:    10,
		OverlapWords:   2,
		Backoff:        time.Millisecond,
	}
}

func TestFlushWithNoInputEmitsAckThenDoneWithEmptyGraph(t *testing.T) {
	t.Parallel()
	s := ingest.NewSession(textOnlyOptions(enrichmock.NewAnalyzer()))
	r := record(t, s)

	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Flush()

	events := r.wait(t)
	want := []stream.EventType{
		stream.EventConnectionEstablished,
		stream.EventFlushAck,
		stream.EventDone,
	}
	got := typesOf(events)
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
	if s.State() != ingest.StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
}

func TestTextInputStreamsOrderedDeltas(t *testing.T) {
	t.Parallel()
	s := ingest.NewSession(textOnlyOptions(enrichmock.NewAnalyzer()))
	r := record(t, s)

	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	// 10-word window: 25 words make two full chunks plus a final partial.
	utterances := []string{
		"one two three four five six seven eight nine ten",
		"eleven twelve thirteen fourteen fifteen sixteen seventeen eighteen nineteen twenty",
		"twentyone twentytwo twentythree twentyfour twentyfive",
	}
	if err := s.HandleText(utterances); err != nil {
		t.Fatalf("handle text: %v", err)
	}
	s.Flush()

	events := r.wait(t)
	deltas := 0
	finalEchoes := 0
	lastOrdinal := -1
	for _, ev := range events {
		switch ev.Type {
		case stream.EventGraphDelta:
			deltas++
			if ev.Nodes[0].Ordinal <= lastOrdinal {
				t.Errorf("delta ordinal %d after %d", ev.Nodes[0].Ordinal, lastOrdinal)
			}
			lastOrdinal = ev.Nodes[0].Ordinal
		case stream.EventFinalTranscript:
			finalEchoes++
		}
	}
	if deltas != 3 {
		t.Errorf("graph deltas = %d, want 3", deltas)
	}
	if finalEchoes != len(utterances) {
		t.Errorf("final transcript echoes = %d, want %d", finalEchoes, len(utterances))
	}
	if events[len(events)-1].Type != stream.EventDone {
		t.Errorf("last event = %s", events[len(events)-1].Type)
	}
}

func TestFlushAckPrecedesPendingDeltas(t *testing.T) {
	t.Parallel()
	// Analysis only finishes after the flush has been acknowledged.
	release := make(chan struct{})
	analyzer := &enrichmock.Analyzer{
		AnalyzeFunc: func(ctx context.Context, chunkText string, _ enrich.Hint) ([]graph.NodeDescriptor, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return []graph.NodeDescriptor{{Name: "slow", Summary: chunkText}}, nil
		},
	}
	s := ingest.NewSession(textOnlyOptions(analyzer))
	r := record(t, s)

	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.HandleText([]string{"a b c d e f"}); err != nil {
		t.Fatal(err)
	}
	s.Flush()
	close(release)

	events := r.wait(t)
	ack := indexOf(events, stream.EventFlushAck)
	delta := indexOf(events, stream.EventGraphDelta)
	if ack == -1 || delta == -1 {
		t.Fatalf("events = %v", typesOf(events))
	}
	if ack > delta {
		t.Errorf("flush_ack at %d after graph_delta at %d", ack, delta)
	}
}

func TestInputAfterFlushIsRejected(t *testing.T) {
	t.Parallel()
	s := ingest.NewSession(textOnlyOptions(enrichmock.NewAnalyzer()))
	r := record(t, s)

	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Flush()
	if err := s.HandleText([]string{"too late"}); !errors.Is(err, ingest.ErrNotStreaming) {
		t.Errorf("post-flush input error = %v, want ErrNotStreaming", err)
	}
	r.wait(t)
}

func TestDrainTimeoutDegradesRemainingChunks(t *testing.T) {
	t.Parallel()
	analyzer := &enrichmock.Analyzer{
		AnalyzeFunc: func(ctx context.Context, chunkText string, _ enrich.Hint) ([]graph.NodeDescriptor, error) {
			<-ctx.Done() // never answers
			return nil, ctx.Err()
		},
	}
	opts := textOnlyOptions(analyzer)
	opts.DrainTimeout = 50 * time.Millisecond
	opts.MaxRetries = 0
	s := ingest.NewSession(opts)
	r := record(t, s)

	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.HandleText([]string{"words that form a chunk on flush"}); err != nil {
		t.Fatal(err)
	}
	s.Flush()

	events := r.wait(t)
	delta := indexOf(events, stream.EventGraphDelta)
	if delta == -1 {
		t.Fatalf("no delta for cancelled chunk, events = %v", typesOf(events))
	}
	node := events[delta].Nodes[0]
	if !node.Failed {
		t.Errorf("cancelled chunk node = %+v, want failed placeholder", node)
	}
	if events[len(events)-1].Type != stream.EventDone {
		t.Errorf("session did not close cleanly: %v", typesOf(events))
	}
}

func TestAudioSessionStreamsTranscripts(t *testing.T) {
	t.Parallel()
	sttSession := sttmock.NewSession()
	provider := &sttmock.Provider{Session: sttSession}

	opts := textOnlyOptions(enrichmock.NewAnalyzer())
	opts.STT = provider
	s := ingest.NewSession(opts)
	r := record(t, s)

	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.HandleAudio([]byte{0x01, 0x02}); err != nil {
		t.Fatalf("handle audio: %v", err)
	}

	sttSession.PartialsCh <- types.Transcript{Text: "hel", IsFinal: false}
	sttSession.FinalsCh <- types.Transcript{Text: "hello transcribed world", IsFinal: true}

	// Give the transcript loop a moment to pump before flushing.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		n := len(r.events)
		r.mu.Unlock()
		if n >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Flush()

	events := r.wait(t)
	if indexOf(events, stream.EventPartialTranscript) == -1 {
		t.Errorf("no partial_transcript event: %v", typesOf(events))
	}
	final := indexOf(events, stream.EventFinalTranscript)
	if final == -1 || !strings.Contains(events[final].Text, "hello transcribed world") {
		t.Errorf("final transcript missing or wrong: %v", events)
	}
	if indexOf(events, stream.EventGraphDelta) == -1 {
		t.Errorf("audio input produced no graph delta: %v", typesOf(events))
	}
}

func TestSTTDownAtConnectIsFatal(t *testing.T) {
	t.Parallel()
	provider := &sttmock.Provider{StartStreamErr: errors.New("auth rejected")}

	opts := textOnlyOptions(enrichmock.NewAnalyzer())
	opts.STT = provider
	s := ingest.NewSession(opts)
	r := record(t, s)

	if err := s.Start(t.Context()); err == nil {
		t.Fatal("start succeeded with dead transcription backend")
	}
	events := r.wait(t)
	if len(events) != 1 || events[0].Type != stream.EventError {
		t.Errorf("events = %v, want a single fatal error", typesOf(events))
	}
}

func TestSTTLossMidSessionDegradesWithoutTerminating(t *testing.T) {
	t.Parallel()
	sttSession := sttmock.NewSession()
	provider := &sttmock.Provider{Session: sttSession}

	opts := textOnlyOptions(enrichmock.NewAnalyzer())
	opts.STT = provider
	s := ingest.NewSession(opts)
	r := record(t, s)

	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Backend dies mid-session.
	if err := sttSession.Close(); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.State() == ingest.StateStreaming {
		r.mu.Lock()
		n := len(r.events)
		r.mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Text input still works in degraded mode.
	if err := s.HandleText([]string{"typed instead of spoken"}); err != nil {
		t.Fatalf("degraded session rejected text: %v", err)
	}
	s.Flush()

	events := r.wait(t)
	errIdx := indexOf(events, stream.EventError)
	if errIdx == -1 {
		t.Fatalf("no degraded error event: %v", typesOf(events))
	}
	if events[len(events)-1].Type != stream.EventDone {
		t.Errorf("degraded session did not complete with done: %v", typesOf(events))
	}
}

func TestUtteranceThresholdCutsChunksBeforeFlush(t *testing.T) {
	t.Parallel()
	opts := textOnlyOptions(enrichmock.NewAnalyzer())
	opts.WindowWords = 100
	opts.OverlapWords = 10
	opts.UtteranceThreshold = 2
	s := ingest.NewSession(opts)
	r := record(t, s)

	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Four short utterances, far below the 100-word window: the threshold
	// alone drives the chunk boundaries.
	if err := s.HandleText([]string{"alpha beta gamma", "delta epsilon zeta"}); err != nil {
		t.Fatal(err)
	}
	if err := s.HandleText([]string{"eta theta iota", "kappa lambda mu"}); err != nil {
		t.Fatal(err)
	}
	s.Flush()

	events := r.wait(t)
	deltas := 0
	lastOrdinal := -1
	for _, ev := range events {
		if ev.Type != stream.EventGraphDelta {
			continue
		}
		deltas++
		if ev.Nodes[0].Ordinal <= lastOrdinal {
			t.Errorf("delta ordinal %d after %d", ev.Nodes[0].Ordinal, lastOrdinal)
		}
		lastOrdinal = ev.Nodes[0].Ordinal
	}
	if deltas != 2 {
		t.Errorf("graph deltas = %d, want 2 threshold cuts", deltas)
	}
	if events[len(events)-1].Type != stream.EventDone {
		t.Errorf("last event = %s", events[len(events)-1].Type)
	}
}

func TestFinalsRacingFlushAreChunkedOrDropped(t *testing.T) {
	t.Parallel()
	// Every utterance the session echoes back must reach the graph: an
	// utterance racing the flush is either chunked before the final cut or
	// dropped without an echo, never appended after it and lost.
	opts := textOnlyOptions(enrichmock.NewAnalyzer())
	opts.WindowWords = 1000
	opts.OverlapWords = 0
	s := ingest.NewSession(opts)
	r := record(t, s)

	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}

	feederDone := make(chan struct{})
	go func() {
		defer close(feederDone)
		for i := 0; i < 200; i++ {
			if err := s.HandleText([]string{fmt.Sprintf("word%d", i)}); err != nil {
				return // flushed mid-feed
			}
		}
	}()
	time.Sleep(2 * time.Millisecond)
	s.Flush()
	<-feederDone

	events := r.wait(t)
	merged := make(map[string]bool)
	for _, ev := range events {
		if ev.Type != stream.EventGraphDelta {
			continue
		}
		for _, n := range ev.Nodes {
			for _, w := range strings.Fields(n.Summary) {
				merged[w] = true
			}
		}
	}
	for _, ev := range events {
		if ev.Type != stream.EventFinalTranscript {
			continue
		}
		for _, w := range strings.Fields(ev.Text) {
			if !merged[w] {
				t.Errorf("echoed word %q never reached the graph", w)
			}
		}
	}
	if events[len(events)-1].Type != stream.EventDone {
		t.Errorf("last event = %s", events[len(events)-1].Type)
	}
}
