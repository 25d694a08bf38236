// Package observe provides application-wide observability primitives for
// Glotline: OpenTelemetry metrics, tracing, structured logging helpers, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all Glotline metrics.
const meterName = "github.com/glotline/glotline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Counters ---

	// FramesSent counts audio frames distributed by the fanout.
	FramesSent metric.Int64Counter

	// BytesSent counts encoded audio bytes distributed by the fanout.
	BytesSent metric.Int64Counter

	// FinalizedEntries counts finalized interpretations. Use with attribute:
	//   attribute.String("language", ...)
	FinalizedEntries metric.Int64Counter

	// ConnectionErrors counts per-language connection failures. Use with
	// attributes:
	//   attribute.String("language", ...), attribute.String("kind", ...)
	ConnectionErrors metric.Int64Counter

	// SubscriptionRetries counts consumer-side reconnect attempts.
	SubscriptionRetries metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks currently open language connections.
	ActiveConnections metric.Int64UpDownCounter

	// ActiveSubscriptions tracks live consumer change-feed subscriptions.
	ActiveSubscriptions metric.Int64UpDownCounter

	// --- Latency histograms ---

	// ApplyDuration tracks merger event-application latency.
	ApplyDuration metric.Float64Histogram

	// UpsertDuration tracks interpretation row persistence latency.
	UpsertDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for the latencies of a live streaming pipeline.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("glotline.frames.sent",
		metric.WithDescription("Total audio frames distributed to language connections."),
	); err != nil {
		return nil, err
	}
	if met.BytesSent, err = m.Int64Counter("glotline.bytes.sent",
		metric.WithDescription("Total encoded audio bytes distributed to language connections."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.FinalizedEntries, err = m.Int64Counter("glotline.entries.finalized",
		metric.WithDescription("Total finalized interpretations by target language."),
	); err != nil {
		return nil, err
	}
	if met.ConnectionErrors, err = m.Int64Counter("glotline.connection.errors",
		metric.WithDescription("Total language connection errors by language and kind."),
	); err != nil {
		return nil, err
	}
	if met.SubscriptionRetries, err = m.Int64Counter("glotline.subscription.retries",
		metric.WithDescription("Total consumer change-feed reconnect attempts."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("glotline.active_connections",
		metric.WithDescription("Number of currently open language connections."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSubscriptions, err = m.Int64UpDownCounter("glotline.active_subscriptions",
		metric.WithDescription("Number of live consumer change-feed subscriptions."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.ApplyDuration, err = m.Float64Histogram("glotline.merger.apply.duration",
		metric.WithDescription("Latency of applying one change-feed event to the merger."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UpsertDuration, err = m.Float64Histogram("glotline.store.upsert.duration",
		metric.WithDescription("Latency of persisting one interpretation row."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("glotline.http.request.duration",
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

// RecordFrame records one distributed frame of the given encoded size.
func (m *Metrics) RecordFrame(ctx context.Context, bytes int) {
	m.FramesSent.Add(ctx, 1)
	m.BytesSent.Add(ctx, int64(bytes))
}

// RecordFinalized records one finalized interpretation for language.
func (m *Metrics) RecordFinalized(ctx context.Context, language string) {
	m.FinalizedEntries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("language", language)),
	)
}

// RecordConnectionError records one connection error for language with the
// given kind ("dial", "write", "remote").
func (m *Metrics) RecordConnectionError(ctx context.Context, language, kind string) {
	m.ConnectionErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("language", language),
			attribute.String("kind", kind),
		),
	)
}

// AddActiveConnections adjusts the open-connection gauge by delta.
func (m *Metrics) AddActiveConnections(ctx context.Context, delta int64) {
	m.ActiveConnections.Add(ctx, delta)
}

// AddActiveSubscriptions adjusts the live-subscription gauge by delta.
func (m *Metrics) AddActiveSubscriptions(ctx context.Context, delta int64) {
	m.ActiveSubscriptions.Add(ctx, delta)
}
