// Package observe provides application-wide observability primitives for
// Sibyl: OpenTelemetry metrics, structured-logging helpers, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. Tests should use [NewMetrics]
// with a custom [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Sibyl metrics.
const meterName = "github.com/sibylabs/sibyl"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// SubmitDuration tracks per-attempt engine submission latency. Use with
	// attribute.String("engine", ...).
	SubmitDuration metric.Float64Histogram

	// EngineRequests counts engine submissions. Use with attributes:
	//   attribute.String("engine", ...), attribute.String("status", ...)
	EngineRequests metric.Int64Counter

	// EngineErrors counts classified engine failures. Use with attributes:
	//   attribute.String("engine", ...), attribute.String("kind", ...)
	EngineErrors metric.Int64Counter

	// BreakerTransitions counts circuit-breaker state changes. Use with
	// attributes:
	//   attribute.String("engine", ...), attribute.String("from", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// BufferPressure counts buffer-pressure signals raised across sessions.
	BufferPressure metric.Int64Counter

	// ActiveSessions tracks the number of live transcription sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for transcription round trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SubmitDuration, err = m.Float64Histogram("sibyl.engine.submit.duration",
		metric.WithDescription("Latency of one engine submission attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EngineRequests, err = m.Int64Counter("sibyl.engine.requests",
		metric.WithDescription("Total engine submissions by engine and status."),
	); err != nil {
		return nil, err
	}
	if met.EngineErrors, err = m.Int64Counter("sibyl.engine.errors",
		metric.WithDescription("Total classified engine failures by engine and kind."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("sibyl.breaker.transitions",
		metric.WithDescription("Total circuit-breaker state transitions by engine, from, and to."),
	); err != nil {
		return nil, err
	}
	if met.BufferPressure, err = m.Int64Counter("sibyl.buffer.pressure",
		metric.WithDescription("Total buffer-pressure signals raised across all sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("sibyl.active_sessions",
		metric.WithDescription("Number of live transcription sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("sibyl.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// RecordEngineRequest records one engine submission with the standard
// attribute set.
func (m *Metrics) RecordEngineRequest(ctx context.Context, engineID, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("engine", engineID),
		attribute.String("status", status),
	)
	m.EngineRequests.Add(ctx, 1, attrs)
	m.SubmitDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("engine", engineID)))
}

// RecordEngineError records one classified engine failure.
func (m *Metrics) RecordEngineError(ctx context.Context, engineID, kind string) {
	m.EngineErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("engine", engineID),
			attribute.String("kind", kind),
		),
	)
}

// RecordBreakerTransition records one circuit-breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, engineID, from, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("engine", engineID),
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}
