// Package observe provides application-wide observability primitives for
// lectora: OpenTelemetry metrics, tracing helpers, trace-aware logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider]. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all lectora metrics.
const meterName = "github.com/MrWong99/lectora"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Pipeline ---

	// RunDuration tracks end-to-end pipeline run latency. Attribute: outcome.
	RunDuration metric.Float64Histogram

	// Runs counts finished runs. Attribute: outcome ("done" or an error kind).
	Runs metric.Int64Counter

	// ActiveRuns is 1 while a run is executing.
	ActiveRuns metric.Int64UpDownCounter

	// StageDuration tracks time spent per stage. Attributes: stage, status.
	StageDuration metric.Float64Histogram

	// OCRImages counts processed images. Attribute: result (text|empty|error).
	OCRImages metric.Int64Counter

	// --- Outbound calls ---

	// RemoteDuration tracks outbound call latency. Attribute: kind.
	RemoteDuration metric.Float64Histogram

	// RemoteCalls counts outbound calls. Attributes: kind, status.
	RemoteCalls metric.Int64Counter

	// RemoteErrors counts failed outbound calls. Attribute: kind.
	RemoteErrors metric.Int64Counter

	// --- Narration ---

	// NarrationItems counts narration items. Attribute: status (queued|spoken|failed).
	NarrationItems metric.Int64Counter

	// NarrationDuration tracks how long each item took to speak.
	NarrationDuration metric.Float64Histogram

	// NarrationBacklog tracks the number of items waiting to be spoken.
	NarrationBacklog metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). OCR and
// reasoning-service calls routinely take several seconds.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.RunDuration, err = m.Float64Histogram("lectora.run.duration",
		metric.WithDescription("End-to-end latency of a pipeline run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Runs, err = m.Int64Counter("lectora.runs",
		metric.WithDescription("Finished pipeline runs by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRuns, err = m.Int64UpDownCounter("lectora.active_runs",
		metric.WithDescription("Number of pipeline runs currently executing."),
	); err != nil {
		return nil, err
	}
	if met.StageDuration, err = m.Float64Histogram("lectora.stage.duration",
		metric.WithDescription("Latency of a single pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.OCRImages, err = m.Int64Counter("lectora.ocr.images",
		metric.WithDescription("Images submitted to text recognition by result."),
	); err != nil {
		return nil, err
	}

	if met.RemoteDuration, err = m.Float64Histogram("lectora.remote.duration",
		metric.WithDescription("Latency of outbound service calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RemoteCalls, err = m.Int64Counter("lectora.remote.calls",
		metric.WithDescription("Outbound service calls by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.RemoteErrors, err = m.Int64Counter("lectora.remote.errors",
		metric.WithDescription("Failed outbound service calls by kind."),
	); err != nil {
		return nil, err
	}

	if met.NarrationItems, err = m.Int64Counter("lectora.narration.items",
		metric.WithDescription("Narration items by status."),
	); err != nil {
		return nil, err
	}
	if met.NarrationDuration, err = m.Float64Histogram("lectora.narration.duration",
		metric.WithDescription("Time taken to speak one narration item."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.NarrationBacklog, err = m.Int64UpDownCounter("lectora.narration.backlog",
		metric.WithDescription("Narration items waiting to be spoken."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("lectora.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordRun records a finished run.
func (m *Metrics) RecordRun(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.Runs.Add(ctx, 1, attrs)
	m.RunDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordStage records the time a stage spent before reaching status.
func (m *Metrics) RecordStage(ctx context.Context, stageID, status string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("stage", stageID),
			attribute.String("status", status),
		),
	)
}

// RecordRemoteCall records one outbound call. status is the HTTP status code
// as a string, or "error" when no response was received.
func (m *Metrics) RecordRemoteCall(ctx context.Context, kind, status string, d time.Duration) {
	m.RemoteCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
	m.RemoteDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordRemoteError increments the outbound error counter.
func (m *Metrics) RecordRemoteError(ctx context.Context, kind string) {
	m.RemoteErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordOCRImage increments the per-image OCR counter.
func (m *Metrics) RecordOCRImage(ctx context.Context, result string) {
	m.OCRImages.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordNarration increments the narration counter for status.
func (m *Metrics) RecordNarration(ctx context.Context, status string) {
	m.NarrationItems.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
