package server

import (
	"encoding/json"
	"net/http"

	"github.com/MrWong99/threadloom/internal/graph"
	"github.com/MrWong99/threadloom/internal/ingest"
	"github.com/MrWong99/threadloom/internal/stream"
)

// batchBody is the POST /v1/graphs request. prior_graph accepts any of the
// normalized graph payload shapes.
type batchBody struct {
	ConversationID string            `json:"conversation_id"`
	Chunks         map[string]string `json:"chunks"`
	PriorGraph     json.RawMessage   `json:"prior_graph,omitempty"`
}

// handleBatch runs the one-shot pipeline over a pre-chunked transcript and
// streams the event sequence back as NDJSON, terminated by done or error.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var body batchBody
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(body.Chunks) == 0 {
		http.Error(w, "chunks must not be empty", http.StatusBadRequest)
		return
	}

	req := ingest.BatchRequest{
		ConversationID: body.ConversationID,
		Chunks:         body.Chunks,
	}
	if len(body.PriorGraph) > 0 {
		payload, err := graph.ParsePayload(body.PriorGraph)
		if err != nil {
			http.Error(w, "invalid prior_graph: "+err.Error(), http.StatusBadRequest)
			return
		}
		req.PriorGraph = payload
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	runner := ingest.NewBatchRunner(ingest.Options{
		Analyzer:     s.deps.Analyzer,
		Embedder:     s.deps.Embedder,
		GraphStore:   s.deps.GraphStore,
		SummaryIndex: s.deps.SummaryIndex,
		Concurrency:  s.cfg.Enrichment.Concurrency,
		MaxRetries:   s.cfg.Enrichment.MaxRetries,
		Backoff:      s.cfg.Enrichment.RetryBackoff,
		CallTimeout:  s.cfg.Enrichment.CallTimeout,
		ContextHints: s.cfg.Enrichment.ContextHints,
		QueueSize:    s.cfg.Session.OutboundQueue,
		Metrics:      s.deps.Metrics,
		Logger:       s.deps.Logger,
	})

	err := runner.Run(r.Context(), req, func(ev stream.Event) error {
		if err := enc.Encode(ev); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		// Headers are gone; surface the failure in-band like the live
		// protocol does.
		s.log.Error("batch run failed", "error", err)
		_ = enc.Encode(stream.ErrorEvent("batch processing failed", true))
	}
}
