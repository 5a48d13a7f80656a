package app_test

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/callwatch/internal/app"
	"github.com/MrWong99/callwatch/internal/callsession"
	"github.com/MrWong99/callwatch/internal/config"
	"github.com/MrWong99/callwatch/internal/evaluation"
	"github.com/MrWong99/callwatch/internal/metrics"
)

// ── helpers ──────────────────────────────────────────────────────────────────

// fakeReports records every write and optionally fails all of them.
type fakeReports struct {
	mu          sync.Mutex
	err         error
	metrics     []string
	evaluations []string
	evalRows    []string
	costRows    []string
	order       []string
}

func (f *fakeReports) WriteMetrics(s *metrics.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = append(f.metrics, s.CallID)
	f.order = append(f.order, "WriteMetrics")
	return f.err
}

func (f *fakeReports) WriteEvaluation(r *evaluation.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evaluations = append(f.evaluations, r.CallID)
	f.order = append(f.order, "WriteEvaluation")
	return f.err
}

func (f *fakeReports) AppendEvaluation(_ context.Context, r *evaluation.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evalRows = append(f.evalRows, r.CallID)
	f.order = append(f.order, "AppendEvaluation")
	return f.err
}

func (f *fakeReports) AppendCosts(_ context.Context, s *metrics.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.costRows = append(f.costRows, s.CallID)
	f.order = append(f.order, "AppendCosts")
	return f.err
}

// recordingSink counts deliveries.
type recordingSink struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *recordingSink) sink(name string) app.Sink {
	return app.Sink{Name: name, Deliver: func(_ context.Context, sess *metrics.Session, r *evaluation.Record) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.calls = append(s.calls, sess.CallID+"/"+r.CallID)
		return s.err
	}}
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type actionLog struct {
	mu   sync.Mutex
	acts []callsession.Action
}

func (l *actionLog) handle(_ context.Context, a callsession.Action) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acts = append(l.acts, a)
}

func (l *actionLog) kinds() []callsession.ActionKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]callsession.ActionKind, len(l.acts))
	for i, a := range l.acts {
		out[i] = a.Kind
	}
	return out
}

var fixedClock = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }

type finalized struct {
	sess *metrics.Session
	rec  *evaluation.Record
}

func newManager(t *testing.T, reports app.ReportWriter, sinks ...app.Sink) (*app.CallManager, <-chan finalized) {
	t.Helper()
	out := make(chan finalized, 4)
	m := app.NewCallManager(app.CallManagerConfig{
		Call:      config.Defaults().Call,
		Evaluator: evaluation.New(nil, evaluation.Config{}),
		Reports:   reports,
		Sinks:     sinks,
		Metrics:   newTestMetrics(t),
		Clock:     fixedClock,
		OnFinalized: func(s *metrics.Session, r *evaluation.Record) {
			out <- finalized{s, r}
		},
	})
	return m, out
}

func waitFinalized(t *testing.T, ch <-chan finalized) finalized {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("call was not finalized within 5s")
		return finalized{}
	}
}

func waitClosed(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("done was not closed within 5s")
	}
}

// turnEvents is one complete exchange; the agent reply is given by reply.
func turnEvents(reply string) []callsession.Event {
	return []callsession.Event{
		{Kind: callsession.EventSpeechStarted},
		{Kind: callsession.EventSpeechStopped, Usage: metrics.Usage{AudioSeconds: 4, Text: "when will my results be ready?"}},
		{Kind: callsession.EventFirstToken, Usage: metrics.Usage{InputTokens: 400, OutputTokens: 40, Text: reply, FirstOutputMs: 180}},
		{Kind: callsession.EventAgentSpeechDone, Usage: metrics.Usage{Characters: len(reply), FirstOutputMs: 95}},
	}
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestCallManager_RunsCallAndFinalizes(t *testing.T) {
	t.Parallel()

	reports := &fakeReports{}
	pg, mq := &recordingSink{}, &recordingSink{err: errors.New("broker down")}
	m, finals := newManager(t, reports, pg.sink("postgres"), mq.sink("amqp"))

	events := make(chan callsession.Event, 8)
	var log actionLog
	callID, done, err := m.StartCall(context.Background(), "room-a", events, log.handle)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if !regexp.MustCompile(`^room-a_20260301_100000_[0-9a-f]{8}$`).MatchString(callID) {
		t.Errorf("call id = %q, want room-a_20260301_100000_<8 hex>", callID)
	}

	active := m.Active()
	if len(active) != 1 || active[0].CallID != callID || active[0].Room != "room-a" {
		t.Fatalf("Active() = %+v, want the new call", active)
	}
	if active[0].State != "active" {
		t.Errorf("state = %q, want active", active[0].State)
	}

	for _, ev := range turnEvents("Results usually take three to five business days.") {
		events <- ev
	}
	events <- callsession.Event{Kind: callsession.EventDisconnect}
	waitClosed(t, done)

	f := waitFinalized(t, finals)
	if f.sess.CallID != callID || f.rec == nil || f.rec.CallID != callID {
		t.Fatalf("finalized %+v / %+v, want call %s", f.sess, f.rec, callID)
	}
	if f.sess.TerminationReason != callsession.ReasonDisconnected {
		t.Errorf("reason = %q, want %q", f.sess.TerminationReason, callsession.ReasonDisconnected)
	}
	if len(f.sess.Turns) != 1 {
		t.Errorf("turns = %d, want 1", len(f.sess.Turns))
	}
	if f.rec.Info.Method != evaluation.MethodHeuristic {
		t.Errorf("method = %q, want heuristic", f.rec.Info.Method)
	}

	if err := m.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	reports.mu.Lock()
	if len(reports.metrics) != 1 || len(reports.evaluations) != 1 || len(reports.evalRows) != 1 || len(reports.costRows) != 1 {
		t.Errorf("report writes = %+v, want one of each", reports)
	}
	reports.mu.Unlock()
	if pg.count() != 1 || mq.count() != 1 {
		t.Errorf("sink deliveries = %d/%d, want 1/1 even when one fails", pg.count(), mq.count())
	}
	if len(m.Active()) != 0 {
		t.Errorf("Active() = %+v after end, want empty", m.Active())
	}

	kinds := log.kinds()
	if len(kinds) == 0 || kinds[len(kinds)-1] != callsession.ActionFinalized {
		t.Errorf("actions = %v, want finalized last", kinds)
	}
}

func TestCallManager_WritesDocumentsBeforeLedgers(t *testing.T) {
	t.Parallel()

	reports := &fakeReports{}
	m, finals := newManager(t, reports)
	events := make(chan callsession.Event, 1)
	if _, _, err := m.StartCall(context.Background(), "room-f", events, nil); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	events <- callsession.Event{Kind: callsession.EventDisconnect}
	waitFinalized(t, finals)

	reports.mu.Lock()
	defer reports.mu.Unlock()
	want := []string{"WriteMetrics", "WriteEvaluation", "AppendCosts", "AppendEvaluation"}
	if len(reports.order) != len(want) {
		t.Fatalf("report calls = %v, want %v", reports.order, want)
	}
	for i := range want {
		if reports.order[i] != want[i] {
			t.Errorf("report calls = %v, want %v", reports.order, want)
			break
		}
	}
}

// Not parallel: it swaps the global tracer provider.
func TestCallManager_FinalizeSpan(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	m, finals := newManager(t, &fakeReports{})
	events := make(chan callsession.Event, 1)
	callID, _, err := m.StartCall(context.Background(), "room-g", events, nil)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	events <- callsession.Event{Kind: callsession.EventDisconnect}
	waitFinalized(t, finals)
	if err := m.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	var found bool
	for _, s := range exp.GetSpans() {
		if s.Name != "call.finalize" {
			continue
		}
		found = true
		attrs := map[string]string{}
		for _, kv := range s.Attributes {
			attrs[string(kv.Key)] = kv.Value.AsString()
		}
		if attrs["call_id"] != callID || attrs["room"] != "room-g" || attrs["reason"] != callsession.ReasonDisconnected {
			t.Errorf("call.finalize attributes = %v", attrs)
		}
	}
	if !found {
		t.Error("no call.finalize span recorded")
	}
}

func TestCallManager_ContextCancelIsTeardown(t *testing.T) {
	t.Parallel()

	reports := &fakeReports{}
	m, finals := newManager(t, reports)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan callsession.Event)
	_, done, err := m.StartCall(ctx, "room-b", events, nil)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	cancel()
	waitClosed(t, done)

	f := waitFinalized(t, finals)
	if f.sess.TerminationReason != callsession.ReasonTeardown {
		t.Errorf("reason = %q, want %q", f.sess.TerminationReason, callsession.ReasonTeardown)
	}
	// Finalization must not inherit the cancelled call context.
	if f.rec == nil {
		t.Fatal("no evaluation record after teardown")
	}
	reports.mu.Lock()
	defer reports.mu.Unlock()
	if len(reports.metrics) != 1 {
		t.Errorf("metrics writes = %d, want 1", len(reports.metrics))
	}
}

func TestCallManager_ReportFailuresDoNotStopSinks(t *testing.T) {
	t.Parallel()

	reports := &fakeReports{err: errors.New("disk full")}
	sink := &recordingSink{}
	m, finals := newManager(t, reports, sink.sink("postgres"))

	events := make(chan callsession.Event, 1)
	_, _, err := m.StartCall(context.Background(), "room-c", events, nil)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	events <- callsession.Event{Kind: callsession.EventDisconnect}
	waitFinalized(t, finals)

	if sink.count() != 1 {
		t.Errorf("sink deliveries = %d, want 1", sink.count())
	}
}

func TestCallManager_FarewellUsesReloadedPhrases(t *testing.T) {
	t.Parallel()

	m, finals := newManager(t, &fakeReports{})
	call := config.Defaults().Call
	call.FarewellPhrases = []string{"see you around"}
	m.SetCallConfig(call)

	events := make(chan callsession.Event, 8)
	var log actionLog
	_, done, err := m.StartCall(context.Background(), "room-d", events, log.handle)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	for _, ev := range turnEvents("Alright, see you around!") {
		events <- ev
	}
	events <- callsession.Event{Kind: callsession.EventDisconnect}
	waitClosed(t, done)

	f := waitFinalized(t, finals)
	if f.sess.TerminationReason != callsession.ReasonFarewell {
		t.Errorf("reason = %q, want %q", f.sess.TerminationReason, callsession.ReasonFarewell)
	}
	var hangups int
	for _, k := range log.kinds() {
		if k == callsession.ActionHangup {
			hangups++
		}
	}
	if hangups != 1 {
		t.Errorf("hangup actions = %d, want 1", hangups)
	}
}

func TestCallManager_Validation(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, &fakeReports{})
	if _, _, err := m.StartCall(context.Background(), "", nil, nil); err == nil {
		t.Error("StartCall with empty room: expected error")
	}
}

func TestCallManager_WaitRespectsDeadline(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, &fakeReports{})
	events := make(chan callsession.Event)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, _, err := m.StartCall(ctx, "room-e", events, nil); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer waitCancel()
	if err := m.Wait(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() = %v, want deadline exceeded while the call runs", err)
	}
}
