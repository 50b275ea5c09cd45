// Package observe provides application-wide observability primitives for
// voxgate: OpenTelemetry metrics, distributed tracing, structured logging,
// and the Prometheus exporter bridge.
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

// meterName is the instrumentation scope name used for all voxgate metrics.
const meterName = "github.com/voxgate-io/voxgate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks time from session audio end to final transcript.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks response generation latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks one utterance from submission to synthesis complete.
	TTSDuration metric.Float64Histogram

	// --- Counters ---

	// FramesIn counts inbound channel frames. Use with attribute:
	//   attribute.String("event_type", ...)
	FramesIn metric.Int64Counter

	// FramesOut counts outbound channel frames. Use with attribute:
	//   attribute.String("event_type", ...)
	FramesOut metric.Int64Counter

	// AudioBytes counts raw PCM bytes by direction. Use with attribute:
	//   attribute.String("direction", "in"|"out")
	AudioBytes metric.Int64Counter

	// Reconnections counts provider stream reconnection attempts. Use with
	// attributes:
	//   attribute.String("engine", "stt"|"tts"), attribute.String("status", ...)
	Reconnections metric.Int64Counter

	// Interruptions counts user barge-ins that cancelled a response.
	Interruptions metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live conversation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections tracks open channel connections.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
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
	if met.STTDuration, err = m.Float64Histogram("voxgate.stt.duration",
		metric.WithDescription("Time from audio end to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("voxgate.llm.duration",
		metric.WithDescription("Latency of response generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("voxgate.tts.duration",
		metric.WithDescription("Latency of one utterance from submission to completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesIn, err = m.Int64Counter("voxgate.frames.in",
		metric.WithDescription("Inbound channel frames by event type."),
	); err != nil {
		return nil, err
	}
	if met.FramesOut, err = m.Int64Counter("voxgate.frames.out",
		metric.WithDescription("Outbound channel frames by event type."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("voxgate.audio.bytes",
		metric.WithDescription("Raw PCM bytes moved by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.Reconnections, err = m.Int64Counter("voxgate.reconnections",
		metric.WithDescription("Provider stream reconnection attempts by engine and status."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("voxgate.interruptions",
		metric.WithDescription("User barge-ins that cancelled a response."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voxgate.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxgate.active_sessions",
		metric.WithDescription("Number of live conversation sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("voxgate.active_connections",
		metric.WithDescription("Number of open channel connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxgate.http.request.duration",
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

// RecordFrameIn records one inbound frame.
func (m *Metrics) RecordFrameIn(ctx context.Context, eventType string) {
	m.FramesIn.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event_type", eventType)),
	)
}

// RecordFrameOut records one outbound frame.
func (m *Metrics) RecordFrameOut(ctx context.Context, eventType string) {
	m.FramesOut.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event_type", eventType)),
	)
}

// RecordAudioBytes records PCM byte volume in the given direction.
func (m *Metrics) RecordAudioBytes(ctx context.Context, direction string, n int) {
	m.AudioBytes.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordReconnection records one reconnection attempt for an engine.
func (m *Metrics) RecordReconnection(ctx context.Context, engine, status string) {
	m.Reconnections.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("engine", engine),
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
