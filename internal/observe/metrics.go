// Package observe holds the telemetry of a callwatch server: per-stage and
// per-call metrics, call and request spans, trace-aware logging and the HTTP
// middleware.
//
// [Setup] installs the global providers and bridges the meters to the
// Prometheus registry served on /metrics. [DefaultMetrics] records against
// the global meter provider; tests pass their own provider to [NewMetrics].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/callwatch/internal/metrics"
)

// meterName is the instrumentation scope name used for all callwatch metrics.
const meterName = "github.com/MrWong99/callwatch"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Pipeline latency ---

	// StageDuration tracks the latency of each closed stage. Attributes:
	//   attribute.String("stage", ...), attribute.String("model", ...)
	StageDuration metric.Float64Histogram

	// StageFirstOutput tracks LLM time-to-first-token and TTS
	// time-to-first-byte. Attribute: attribute.String("stage", ...)
	StageFirstOutput metric.Float64Histogram

	// TurnEndToEnd tracks the latency of completed turns.
	TurnEndToEnd metric.Float64Histogram

	// CallDuration tracks the length of finalized calls. Attribute:
	//   attribute.String("reason", ...)
	CallDuration metric.Float64Histogram

	// --- Cost ---

	// StageCost accumulates USD spent per stage. Attribute:
	//   attribute.String("stage", ...)
	StageCost metric.Float64Counter

	// PricingMisses counts stage records closed with an unknown model.
	PricingMisses metric.Int64Counter

	// --- Counters ---

	// CallsEnded counts finalized calls by termination reason.
	CallsEnded metric.Int64Counter

	// Evaluations counts evaluations by method ("llm" or "heuristic").
	Evaluations metric.Int64Counter

	// ComplianceFlags counts raised review flags by severity.
	ComplianceFlags metric.Int64Counter

	// ReportWrites counts report store writes. Attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	ReportWrites metric.Int64Counter

	// SinkPublishes counts deliveries to the optional report sinks.
	// Attributes: attribute.String("sink", ...), attribute.String("status", ...)
	SinkPublishes metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Attributes:
	//   attribute.String("name", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of calls between connect and
	// finalization.
	ActiveCalls metric.Int64UpDownCounter

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

// callBuckets covers call lengths from a few seconds to past the default
// fifteen minute cap.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 900, 1200,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.StageDuration, err = m.Float64Histogram("callwatch.stage.duration",
		metric.WithDescription("Latency of a pipeline stage by stage and model."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StageFirstOutput, err = m.Float64Histogram("callwatch.stage.first_output",
		metric.WithDescription("LLM time-to-first-token and TTS time-to-first-byte."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnEndToEnd, err = m.Float64Histogram("callwatch.turn.end_to_end",
		metric.WithDescription("Latency of a completed turn from user speech to agent speech."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("callwatch.call.duration",
		metric.WithDescription("Length of finalized calls by termination reason."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.StageCost, err = m.Float64Counter("callwatch.stage.cost",
		metric.WithDescription("Accumulated cost per pipeline stage."),
		metric.WithUnit("USD"),
	); err != nil {
		return nil, err
	}
	if met.PricingMisses, err = m.Int64Counter("callwatch.pricing.misses",
		metric.WithDescription("Stage records whose model has no price by stage and model."),
	); err != nil {
		return nil, err
	}
	if met.CallsEnded, err = m.Int64Counter("callwatch.calls.ended",
		metric.WithDescription("Finalized calls by termination reason."),
	); err != nil {
		return nil, err
	}
	if met.Evaluations, err = m.Int64Counter("callwatch.evaluations",
		metric.WithDescription("Post-call evaluations by method."),
	); err != nil {
		return nil, err
	}
	if met.ComplianceFlags, err = m.Int64Counter("callwatch.compliance.flags",
		metric.WithDescription("Compliance review flags raised by severity."),
	); err != nil {
		return nil, err
	}
	if met.ReportWrites, err = m.Int64Counter("callwatch.report.writes",
		metric.WithDescription("Report store writes by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.SinkPublishes, err = m.Int64Counter("callwatch.sink.publishes",
		metric.WithDescription("Report sink deliveries by sink and status."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("callwatch.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("callwatch.active_calls",
		metric.WithDescription("Number of calls currently in progress."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("callwatch.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
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

// RecordStage records a closed stage record. Its signature matches
// [metrics.StageObserver] once bound to a context.
func (m *Metrics) RecordStage(ctx context.Context, stage metrics.Stage, rec metrics.StageRecord) {
	st := attribute.String("stage", stage.String())
	m.StageDuration.Record(ctx, rec.LatencyMs/1000,
		metric.WithAttributes(st, attribute.String("model", rec.Model)),
	)
	if rec.FirstOutputMs > 0 {
		m.StageFirstOutput.Record(ctx, rec.FirstOutputMs/1000, metric.WithAttributes(st))
	}
	if rec.PricingMissing {
		m.PricingMisses.Add(ctx, 1,
			metric.WithAttributes(st, attribute.String("model", rec.Model)),
		)
		return
	}
	m.StageCost.Add(ctx, rec.Cost, metric.WithAttributes(st))
}

// StageObserver adapts [Metrics.RecordStage] to a [metrics.StageObserver].
func (m *Metrics) StageObserver(ctx context.Context) metrics.StageObserver {
	return func(stage metrics.Stage, rec metrics.StageRecord) {
		m.RecordStage(ctx, stage, rec)
	}
}

// RecordCall records a finalized session: its length, termination reason
// and the end-to-end latency of every completed turn.
func (m *Metrics) RecordCall(ctx context.Context, s *metrics.Session) {
	reason := attribute.String("reason", s.TerminationReason)
	m.CallsEnded.Add(ctx, 1, metric.WithAttributes(reason))
	m.CallDuration.Record(ctx, s.DurationSeconds, metric.WithAttributes(reason))
	for _, t := range s.Turns {
		if t.EndToEndMs > 0 {
			m.TurnEndToEnd.Record(ctx, t.EndToEndMs/1000)
		}
	}
}

// RecordEvaluation counts an evaluation and its compliance flags. Flags are
// grouped by their severity prefix.
func (m *Metrics) RecordEvaluation(ctx context.Context, method string, flags []string) {
	m.Evaluations.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
	for _, f := range flags {
		m.ComplianceFlags.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", severity(f))))
	}
}

// RecordWrite is a convenience method that records a report store write
// with the standard attribute set.
func (m *Metrics) RecordWrite(ctx context.Context, kind string, err error) {
	m.ReportWrites.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status(err)),
		),
	)
}

// RecordSinkPublish is a convenience method that records a sink delivery.
func (m *Metrics) RecordSinkPublish(ctx context.Context, sink string, err error) {
	m.SinkPublishes.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("sink", sink),
			attribute.String("status", status(err)),
		),
	)
}

// RecordBreakerTransition counts a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("to", to),
		),
	)
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// severity returns the upper-case prefix before the first colon of a flag.
func severity(flag string) string {
	for i := 0; i < len(flag); i++ {
		if flag[i] == ':' {
			return flag[:i]
		}
	}
	return "UNKNOWN"
}
