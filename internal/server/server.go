// Package server exposes the ingestion pipeline over HTTP: a WebSocket
// endpoint for live sessions, a batch endpoint for pre-chunked transcripts,
// plus health and metrics surfaces.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/threadloom/internal/config"
	"github.com/MrWong99/threadloom/internal/enrich"
	"github.com/MrWong99/threadloom/internal/health"
	"github.com/MrWong99/threadloom/internal/ingest"
	"github.com/MrWong99/threadloom/internal/observe"
	"github.com/MrWong99/threadloom/internal/transcript"
	"github.com/MrWong99/threadloom/pkg/provider/embeddings"
	"github.com/MrWong99/threadloom/pkg/provider/stt"
	"github.com/MrWong99/threadloom/pkg/store"
)

// Deps carries the shared collaborators every session draws on. Analyzer is
// required; nil optional fields disable the corresponding capability.
type Deps struct {
	Analyzer  enrich.Analyzer
	STT       stt.Provider
	Corrector *transcript.Corrector

	Embedder     embeddings.Provider
	GraphStore   store.GraphStore
	SummaryIndex store.SummaryIndex

	Health  *health.Handler
	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Server is the HTTP front of the ingestion service.
type Server struct {
	cfg  *config.Config
	deps Deps
	http *http.Server
	log  *slog.Logger
}

// New wires the routes and middleware. Call Start to begin serving.
func New(cfg *config.Config, deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{cfg: cfg, deps: deps, log: deps.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sessions", s.handleSession)
	mux.HandleFunc("POST /v1/graphs", s.handleBatch)
	mux.Handle("GET /metrics", promhttp.Handler())
	if deps.Health != nil {
		deps.Health.Register(mux)
	}

	s.http = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(deps.Metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("server listening", "addr", s.cfg.Server.ListenAddr, "tls", s.cfg.Server.TLS != nil)

	var err error
	if tls := s.cfg.Server.TLS; tls != nil {
		err = s.http.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	} else {
		err = s.http.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("server: listen: %w", err)
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Live WebSocket sessions observe their request context ending and drain.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// sessionOptions maps configuration onto per-session pipeline options.
func (s *Server) sessionOptions(conversationID string) ingest.Options {
	return ingest.Options{
		ConversationID: conversationID,
		Analyzer:       s.deps.Analyzer,
		STT:            s.deps.STT,
		STTConfig: stt.StreamConfig{
			SampleRate: s.cfg.Session.SampleRate,
			Channels:   1,
			Language:   s.cfg.Session.Language,
		},
		Corrector:          s.deps.Corrector,
		Embedder:           s.deps.Embedder,
		GraphStore:         s.deps.GraphStore,
		SummaryIndex:       s.deps.SummaryIndex,
		WindowWords:        s.cfg.Chunking.WindowWords,
		OverlapWords:       s.cfg.Chunking.OverlapWords,
		UtteranceThreshold: s.cfg.Chunking.UtteranceThreshold,
		Concurrency:        s.cfg.Enrichment.Concurrency,
		MaxRetries:         s.cfg.Enrichment.MaxRetries,
		Backoff:            s.cfg.Enrichment.RetryBackoff,
		CallTimeout:        s.cfg.Enrichment.CallTimeout,
		ContextHints:       s.cfg.Enrichment.ContextHints,
		DrainTimeout:       s.cfg.Session.DrainTimeout,
		QueueSize:          s.cfg.Session.OutboundQueue,
		Metrics:            s.deps.Metrics,
		Logger:             s.deps.Logger,
	}
}
