// Package stream delivers graph deltas and session control events to a
// subscribed client through a bounded outbound queue.
package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/threadloom/internal/graph"
	"github.com/MrWong99/threadloom/internal/observe"
)

// DefaultQueueSize bounds the outbound event queue. There is no full-graph
// resync mechanism, so a full queue applies backpressure to the producer
// instead of dropping deltas.
const DefaultQueueSize = 256

// EventType enumerates the server-to-client event vocabulary.
type EventType string

const (
	EventConnectionEstablished EventType = "connection_established"
	EventPartialTranscript     EventType = "partial_transcript"
	EventFinalTranscript       EventType = "final_transcript"
	EventGraphDelta            EventType = "graph_delta"
	EventFlushAck              EventType = "flush_ack"
	EventDone                  EventType = "done"
	EventError                 EventType = "error"
)

// Event is one server-to-client message. The set fields depend on Type.
type Event struct {
	Type EventType `json:"type"`

	// Text carries partial_transcript and final_transcript content.
	Text string `json:"text,omitempty"`

	// Message carries error detail.
	Message string `json:"message,omitempty"`

	// Nodes and Edges carry graph_delta content.
	Nodes []graph.Node `json:"nodes,omitempty"`
	Edges []graph.Edge `json:"edges,omitempty"`

	// Terminal marks the event as ending the stream. Done events and fatal
	// errors set it; a degraded-mode error (e.g. the transcription backend
	// dropping mid-session) does not, because the session keeps flowing.
	Terminal bool `json:"-"`
}

// DoneEvent is the clean terminal event.
func DoneEvent() Event {
	return Event{Type: EventDone, Terminal: true}
}

// ErrorEvent builds an error event. fatal events end the stream.
func ErrorEvent(message string, fatal bool) Event {
	return Event{Type: EventError, Message: message, Terminal: fatal}
}

// ErrClosed is returned by Send after the dispatcher has shut down.
var ErrClosed = errors.New("stream: dispatcher closed")

// Dispatcher is the outbound side of one session. Producers enqueue events
// with Send; a single consumer drains them via Run, preserving enqueue
// order. Producers block when the queue is full.
type Dispatcher struct {
	queue   chan Event
	closed  chan struct{}
	once    sync.Once
	metrics *observe.Metrics
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithQueueSize overrides the outbound queue bound.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan Event, n)
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher builds a Dispatcher with the default queue bound.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:  make(chan Event, DefaultQueueSize),
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// Send enqueues one event. It blocks while the queue is full, returning only
// when the event is queued, the dispatcher closes, or ctx ends. Events
// enqueued by a single goroutine are delivered in enqueue order; producers
// needing cross-goroutine ordering must serialize their Send calls.
func (d *Dispatcher) Send(ctx context.Context, ev Event) error {
	select {
	case <-d.closed:
		return ErrClosed
	default:
	}
	select {
	case d.queue <- ev:
		return nil
	case <-d.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendDelta enqueues a graph delta event.
func (d *Dispatcher) SendDelta(ctx context.Context, delta graph.Delta) error {
	return d.Send(ctx, Event{
		Type:  EventGraphDelta,
		Nodes: delta.Nodes,
		Edges: delta.Edges,
	})
}

// Run drains the queue into write until a terminal event has been written,
// the dispatcher closes, or ctx ends. write runs on this goroutine only.
func (d *Dispatcher) Run(ctx context.Context, write func(Event) error) error {
	for {
		select {
		case <-ctx.Done():
			d.Close()
			return ctx.Err()
		case <-d.closed:
			return nil
		case ev := <-d.queue:
			if ev.Type == EventGraphDelta {
				d.metrics.DeltasDispatched.Add(ctx, 1)
			}
			if err := write(ev); err != nil {
				d.Close()
				return err
			}
			if ev.Terminal {
				d.Close()
				return nil
			}
		}
	}
}

// Close shuts the dispatcher down. Events still queued are discarded and
// counted as dropped; subsequent Send calls fail with ErrClosed. Safe to
// call multiple times.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.closed)
		if n := len(d.queue); n > 0 {
			d.metrics.EventsDropped.Add(context.Background(), int64(n))
		}
	})
}

// QueueDepth reports how many events are waiting in the queue.
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}
