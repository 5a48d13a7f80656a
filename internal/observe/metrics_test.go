package observe

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/callwatch/internal/evaluation"
	"github.com/MrWong99/callwatch/internal/metrics"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

// sumInt returns the value of the int64 sum data point whose attribute key
// equals value, or -1.
func sumInt(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	return -1
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"callwatch.stage.duration", m.StageDuration},
		{"callwatch.stage.first_output", m.StageFirstOutput},
		{"callwatch.turn.end_to_end", m.TurnEndToEnd},
		{"callwatch.call.duration", m.CallDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordStage(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	observe := m.StageObserver(ctx)
	observe(metrics.StageLLM, metrics.StageRecord{Model: "llama-3.3-70b-versatile", Cost: 0.002, LatencyMs: 420, FirstOutputMs: 180})
	observe(metrics.StageLLM, metrics.StageRecord{Model: "llama-3.3-70b-versatile", Cost: 0.001, LatencyMs: 300, FirstOutputMs: 150})
	observe(metrics.StageSTT, metrics.StageRecord{Model: "mystery-model", LatencyMs: 90, PricingMissing: true})

	rm := collect(t, reader)

	met := findMetric(rm, "callwatch.stage.cost")
	if met == nil {
		t.Fatal("cost metric not found")
	}
	cost := met.Data.(metricdata.Sum[float64])
	if len(cost.DataPoints) != 1 {
		t.Fatalf("cost data points = %d, want 1 (missing prices are not costed)", len(cost.DataPoints))
	}
	if got := cost.DataPoints[0].Value; math.Abs(got-0.003) > 1e-9 {
		t.Errorf("llm cost = %v, want 0.003", got)
	}

	if got := sumInt(t, rm, "callwatch.pricing.misses", "model", "mystery-model"); got != 1 {
		t.Errorf("pricing misses = %d, want 1", got)
	}

	first := findMetric(rm, "callwatch.stage.first_output")
	if first == nil {
		t.Fatal("first output metric not found")
	}
	if got := first.Data.(metricdata.Histogram[float64]).DataPoints[0].Count; got != 2 {
		t.Errorf("first output samples = %d, want 2", got)
	}

	dur := findMetric(rm, "callwatch.stage.duration")
	if dur == nil {
		t.Fatal("duration metric not found")
	}
	if got := len(dur.Data.(metricdata.Histogram[float64]).DataPoints); got != 2 {
		t.Errorf("duration series = %d, want 2 (llm and stt)", got)
	}
}

func TestRecordCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m.RecordCall(ctx, &metrics.Session{
		CallID:            "room_20260301_100000_abcd1234",
		StartedAt:         start,
		EndedAt:           start.Add(90 * time.Second),
		DurationSeconds:   90,
		TerminationReason: "farewell",
		Turns: []*metrics.Turn{
			{Index: 0, EndToEndMs: 1200},
			{Index: 1, EndToEndMs: 900},
			{Index: 2},
		},
		Finalized: true,
	})

	rm := collect(t, reader)
	if got := sumInt(t, rm, "callwatch.calls.ended", "reason", "farewell"); got != 1 {
		t.Errorf("calls ended = %d, want 1", got)
	}
	e2e := findMetric(rm, "callwatch.turn.end_to_end")
	if e2e == nil {
		t.Fatal("end-to-end metric not found")
	}
	if got := e2e.Data.(metricdata.Histogram[float64]).DataPoints[0].Count; got != 2 {
		t.Errorf("end-to-end samples = %d, want 2 (incomplete turns skipped)", got)
	}
}

func TestRecordEvaluation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordEvaluation(ctx, "llm", nil)
	m.RecordEvaluation(ctx, "heuristic", []string{evaluation.FlagBoundaryViolated, evaluation.FlagBillingNotEscalate})
	m.RecordEvaluation(ctx, "heuristic", []string{evaluation.FlagMedicalNotEscalate})

	rm := collect(t, reader)
	if got := sumInt(t, rm, "callwatch.evaluations", "method", "heuristic"); got != 2 {
		t.Errorf("heuristic evaluations = %d, want 2", got)
	}
	if got := sumInt(t, rm, "callwatch.compliance.flags", "severity", "WARNING"); got != 2 {
		t.Errorf("warning flags = %d, want 2", got)
	}
	if got := sumInt(t, rm, "callwatch.compliance.flags", "severity", "CRITICAL"); got != 1 {
		t.Errorf("critical flags = %d, want 1", got)
	}
}

func TestRecordWriteAndSink(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordWrite(ctx, "metrics", nil)
	m.RecordWrite(ctx, "metrics", nil)
	m.RecordWrite(ctx, "cost_ledger", errors.New("disk full"))
	m.RecordSinkPublish(ctx, "amqp", errors.New("closed"))

	rm := collect(t, reader)
	if got := sumInt(t, rm, "callwatch.report.writes", "status", "error"); got != 1 {
		t.Errorf("failed writes = %d, want 1", got)
	}
	if got := sumInt(t, rm, "callwatch.report.writes", "status", "ok"); got != 2 {
		t.Errorf("ok writes = %d, want 2", got)
	}
	if got := sumInt(t, rm, "callwatch.sink.publishes", "sink", "amqp"); got != 1 {
		t.Errorf("sink publishes = %d, want 1", got)
	}
}

func TestBreakerTransitions(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBreakerTransition(ctx, "groq", "open")

	rm := collect(t, reader)
	if got := sumInt(t, rm, "callwatch.breaker.transitions", "to", "open"); got != 1 {
		t.Errorf("transitions = %d, want 1", got)
	}
}

func TestActiveCallsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive.
	m.ActiveCalls.Add(ctx, 1)
	m.ActiveCalls.Add(ctx, 1)
	m.ActiveCalls.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "callwatch.active_calls")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("active calls = %d, want 1", got)
	}
}

func TestSeverity(t *testing.T) {
	tests := map[string]string{
		evaluation.FlagBoundaryViolated:  "CRITICAL",
		evaluation.FlagDisclaimerMissing: "IMPORTANT",
		"no prefix here":                 "UNKNOWN",
	}
	for flag, want := range tests {
		if got := severity(flag); got != want {
			t.Errorf("severity(%q) = %q, want %q", flag, got, want)
		}
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
