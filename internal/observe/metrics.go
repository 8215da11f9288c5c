// Package observe provides application-wide observability primitives for
// Aveline: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Aveline metrics.
const meterName = "github.com/aveline-ai/aveline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// DispatchLatency tracks the time from the first segment of an
	// utterance to its dispatch into generation.
	DispatchLatency metric.Float64Histogram

	// GenerationDuration tracks LLM response generation latency.
	GenerationDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// SemanticEvalDuration tracks end-of-turn detector latency.
	SemanticEvalDuration metric.Float64Histogram

	// --- Counters ---

	// Utterances counts dispatched user utterances. Use with attribute:
	//   attribute.String("trigger", "silence"|"utterance_end"|"semantic"|"speaker_change")
	Utterances metric.Int64Counter

	// BargeIns counts user interruptions of an in-flight response. Use with
	//   attribute.String("phase", "generating"|"speaking")
	BargeIns metric.Int64Counter

	// DroppedResponses counts completed generations discarded because the
	// user kept talking. Use with attribute.String("reason", ...).
	DroppedResponses metric.Int64Counter

	// FilteredSegments counts transcript segments rejected by the speaker
	// gate.
	FilteredSegments metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// Reconnects counts STT transport reconnect attempts. Use with
	//   attribute.String("reason", "error"|"quota")
	Reconnects metric.Int64Counter

	// --- Gauges ---

	// QueueDepth tracks messages waiting behind an in-flight response.
	QueueDepth metric.Int64UpDownCounter

	// ActiveConversations tracks live conversations.
	ActiveConversations metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DispatchLatency, err = m.Float64Histogram("aveline.dispatch.latency",
		metric.WithDescription("Time from first segment to utterance dispatch."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GenerationDuration, err = m.Float64Histogram("aveline.generation.duration",
		metric.WithDescription("Latency of LLM response generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("aveline.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SemanticEvalDuration, err = m.Float64Histogram("aveline.semantic_eval.duration",
		metric.WithDescription("Latency of semantic end-of-turn evaluation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Utterances, err = m.Int64Counter("aveline.utterances",
		metric.WithDescription("Total dispatched user utterances by trigger."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("aveline.barge_ins",
		metric.WithDescription("Total user interruptions of an in-flight response by phase."),
	); err != nil {
		return nil, err
	}
	if met.DroppedResponses, err = m.Int64Counter("aveline.dropped_responses",
		metric.WithDescription("Total completed generations discarded by reason."),
	); err != nil {
		return nil, err
	}
	if met.FilteredSegments, err = m.Int64Counter("aveline.filtered_segments",
		metric.WithDescription("Total transcript segments rejected by the speaker gate."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("aveline.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("aveline.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("aveline.reconnects",
		metric.WithDescription("Total STT transport reconnect attempts by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.QueueDepth, err = m.Int64UpDownCounter("aveline.queue_depth",
		metric.WithDescription("User messages waiting behind an in-flight response."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConversations, err = m.Int64UpDownCounter("aveline.active_conversations",
		metric.WithDescription("Number of live conversations."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("aveline.http.request.duration",
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

// RecordBargeIn records a barge-in counter increment for the given phase.
func (m *Metrics) RecordBargeIn(ctx context.Context, phase string) {
	m.BargeIns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("phase", phase)),
	)
}

// RecordDroppedResponse records a dropped-response counter increment.
func (m *Metrics) RecordDroppedResponse(ctx context.Context, reason string) {
	m.DroppedResponses.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
