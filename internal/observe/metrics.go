// Package observe provides application-wide observability primitives for
// threadloom: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all threadloom metrics.
const meterName = "github.com/MrWong99/threadloom"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// EnrichDuration tracks per-chunk enrichment latency including retries.
	EnrichDuration metric.Float64Histogram

	// MergeDuration tracks per-delta graph merge latency.
	MergeDuration metric.Float64Histogram

	// FlushLatency tracks time from flush request to flush completion.
	FlushLatency metric.Float64Histogram

	// --- Counters ---

	// ChunksEmitted counts chunks produced by the chunker. Use with attribute:
	//   attribute.String("reason", "window"|"flush"|"close")
	ChunksEmitted metric.Int64Counter

	// EnrichRetries counts enrichment retry attempts by failure kind.
	EnrichRetries metric.Int64Counter

	// EnrichFailures counts chunks that exhausted retries, by failure kind.
	EnrichFailures metric.Int64Counter

	// DeltasDispatched counts graph deltas sent to clients.
	DeltasDispatched metric.Int64Counter

	// EventsDropped counts outbound events dropped due to backpressure.
	EventsDropped metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live ingestion sessions.
	ActiveSessions metric.Int64UpDownCounter

	// PendingChunks tracks chunks queued or in flight in the enrichment pool.
	PendingChunks metric.Int64UpDownCounter

	// ReorderBufferDepth tracks deltas held in the merger's reorder buffer.
	ReorderBufferDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// both fast merges and slow LLM enrichment calls.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.EnrichDuration, err = m.Float64Histogram("threadloom.enrich.duration",
		metric.WithDescription("Latency of per-chunk enrichment including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MergeDuration, err = m.Float64Histogram("threadloom.merge.duration",
		metric.WithDescription("Latency of per-delta graph merges."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FlushLatency, err = m.Float64Histogram("threadloom.flush.latency",
		metric.WithDescription("Time from flush request to flush completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChunksEmitted, err = m.Int64Counter("threadloom.chunks.emitted",
		metric.WithDescription("Total chunks produced by the chunker, by reason."),
	); err != nil {
		return nil, err
	}
	if met.EnrichRetries, err = m.Int64Counter("threadloom.enrich.retries",
		metric.WithDescription("Total enrichment retry attempts by failure kind."),
	); err != nil {
		return nil, err
	}
	if met.EnrichFailures, err = m.Int64Counter("threadloom.enrich.failures",
		metric.WithDescription("Total chunks that exhausted enrichment retries, by failure kind."),
	); err != nil {
		return nil, err
	}
	if met.DeltasDispatched, err = m.Int64Counter("threadloom.deltas.dispatched",
		metric.WithDescription("Total graph deltas dispatched to clients."),
	); err != nil {
		return nil, err
	}
	if met.EventsDropped, err = m.Int64Counter("threadloom.events.dropped",
		metric.WithDescription("Total outbound events dropped due to backpressure."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("threadloom.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("threadloom.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("threadloom.active_sessions",
		metric.WithDescription("Number of live ingestion sessions."),
	); err != nil {
		return nil, err
	}
	if met.PendingChunks, err = m.Int64UpDownCounter("threadloom.pending_chunks",
		metric.WithDescription("Chunks queued or in flight in the enrichment pool."),
	); err != nil {
		return nil, err
	}
	if met.ReorderBufferDepth, err = m.Int64UpDownCounter("threadloom.reorder_buffer.depth",
		metric.WithDescription("Deltas held in the merger's reorder buffer."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("threadloom.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordEnrichRetry records an enrichment retry attempt with its failure kind.
func (m *Metrics) RecordEnrichRetry(ctx context.Context, kind string) {
	m.EnrichRetries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordEnrichFailure records a chunk that exhausted its enrichment retries.
func (m *Metrics) RecordEnrichFailure(ctx context.Context, kind string) {
	m.EnrichFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordChunkEmitted records a chunk emission with the finalisation reason.
func (m *Metrics) RecordChunkEmitted(ctx context.Context, reason string) {
	m.ChunksEmitted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
