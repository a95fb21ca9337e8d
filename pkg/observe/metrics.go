// Package observe provides the observability primitives for sonavox:
// OpenTelemetry metric instruments and SDK provider setup.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via a standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all sonavox metrics.
const meterName = "github.com/sonavox/sonavox"

// Metrics holds all OpenTelemetry metric instruments for the library.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Counters ---

	// AudioFramesSent counts binary audio frames written to the socket.
	AudioFramesSent metric.Int64Counter

	// AudioFramesAcked counts audio frames acknowledged by the server.
	AudioFramesAcked metric.Int64Counter

	// AudioBytesSent counts audio payload bytes written to the socket.
	AudioBytesSent metric.Int64Counter

	// SegmentsEmitted counts emitted speech segments. Use with attribute:
	//   attribute.String("kind", "partial"|"final")
	SegmentsEmitted metric.Int64Counter

	// TurnsCompleted counts end-of-turn decisions. Use with attribute:
	//   attribute.String("policy", ...)
	TurnsCompleted metric.Int64Counter

	// --- Histograms ---

	// TurnWindowDuration tracks the prediction window lengths chosen by the
	// adaptive and smart turn policies, in seconds.
	TurnWindowDuration metric.Float64Histogram

	// --- Gauges ---

	// ActiveSessions tracks the number of live transcription sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// windowBuckets defines histogram bucket boundaries (in seconds) sized for
// end-of-turn prediction windows.
var windowBuckets = []float64{
	0.05, 0.1, 0.2, 0.3, 0.5, 0.75, 1, 1.5, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.AudioFramesSent, err = m.Int64Counter("sonavox.audio.frames_sent",
		metric.WithDescription("Binary audio frames written to the socket."),
	); err != nil {
		return nil, err
	}
	if met.AudioFramesAcked, err = m.Int64Counter("sonavox.audio.frames_acked",
		metric.WithDescription("Audio frames acknowledged by the server."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytesSent, err = m.Int64Counter("sonavox.audio.bytes_sent",
		metric.WithDescription("Audio payload bytes written to the socket."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.SegmentsEmitted, err = m.Int64Counter("sonavox.segments.emitted",
		metric.WithDescription("Emitted speech segments by kind."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCompleted, err = m.Int64Counter("sonavox.turns.completed",
		metric.WithDescription("End-of-turn decisions by policy."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.TurnWindowDuration, err = m.Float64Histogram("sonavox.turn.window.duration",
		metric.WithDescription("Prediction window lengths chosen by turn policies."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(windowBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("sonavox.active_sessions",
		metric.WithDescription("Number of live transcription sessions."),
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

// RecordSegment records one emitted segment of the given kind
// ("partial" or "final").
func (m *Metrics) RecordSegment(ctx context.Context, kind string) {
	m.SegmentsEmitted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordTurn records one completed turn under the given policy, along with
// the prediction window that closed it (zero for immediate decisions).
func (m *Metrics) RecordTurn(ctx context.Context, policy string, windowSeconds float64) {
	m.TurnsCompleted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("policy", policy)),
	)
	if windowSeconds > 0 {
		m.TurnWindowDuration.Record(ctx, windowSeconds,
			metric.WithAttributes(attribute.String("policy", policy)),
		)
	}
}
