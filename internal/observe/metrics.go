// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics and HTTP middleware that records request latency and
// logs completions.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/srtforge/srtforge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// TranscribeDuration tracks wall-clock transcription latency per task.
	// Use with attribute.String("model", ...).
	TranscribeDuration metric.Float64Histogram

	// TasksSubmitted counts submission attempts. Use with attribute:
	//   attribute.String("outcome", ...) — accepted, conflict, pool_full, bad_request
	TasksSubmitted metric.Int64Counter

	// TasksFinished counts terminal transitions. Use with attribute:
	//   attribute.String("state", ...) — completed, failed, cancelled
	TasksFinished metric.Int64Counter

	// QueueDepth tracks the number of tasks occupying pool slots.
	QueueDepth metric.Int64UpDownCounter

	// ResultsSwept counts result files removed by the retention sweeper.
	ResultsSwept metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// transcribeBuckets defines histogram bucket boundaries (in seconds) sized
// for whisper runs, which range from seconds on short clips to an hour on
// feature-length audio with large models.
var transcribeBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600,
}

// httpBuckets covers the request path, which never waits on transcription.
var httpBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TranscribeDuration, err = m.Float64Histogram("srtforge.transcribe.duration",
		metric.WithDescription("Wall-clock latency of whisper transcription per task."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(transcribeBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TasksSubmitted, err = m.Int64Counter("srtforge.tasks.submitted",
		metric.WithDescription("Total task submission attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.TasksFinished, err = m.Int64Counter("srtforge.tasks.finished",
		metric.WithDescription("Total terminal task transitions by final state."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("srtforge.queue.depth",
		metric.WithDescription("Number of tasks occupying pool slots (queued plus processing)."),
	); err != nil {
		return nil, err
	}
	if met.ResultsSwept, err = m.Int64Counter("srtforge.results.swept",
		metric.WithDescription("Total result files removed by the retention sweeper."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("srtforge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(httpBuckets...),
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

// RecordSubmission records a task submission attempt with its outcome.
func (m *Metrics) RecordSubmission(ctx context.Context, outcome string) {
	m.TasksSubmitted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordFinished records a terminal task transition with its final state.
func (m *Metrics) RecordFinished(ctx context.Context, state string) {
	m.TasksFinished.Add(ctx, 1,
		metric.WithAttributes(attribute.String("state", state)),
	)
}

// RecordTranscription records a completed whisper run's duration in seconds.
func (m *Metrics) RecordTranscription(ctx context.Context, model string, seconds float64) {
	m.TranscribeDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("model", model)),
	)
}
