package app

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callwatch/internal/callsession"
	"github.com/MrWong99/callwatch/internal/config"
	"github.com/MrWong99/callwatch/internal/evaluation"
	"github.com/MrWong99/callwatch/internal/ingress"
	"github.com/MrWong99/callwatch/internal/metrics"
	"github.com/MrWong99/callwatch/internal/observe"
	"github.com/MrWong99/callwatch/internal/pricing"
)

// defaultFinalizeTimeout bounds evaluation plus persistence of one call.
const defaultFinalizeTimeout = time.Minute

// Evaluator judges a finalized call.
type Evaluator interface {
	Evaluate(ctx context.Context, s *metrics.Session) *evaluation.Record
}

// ReportWriter persists finalized calls.
type ReportWriter interface {
	WriteMetrics(s *metrics.Session) error
	WriteEvaluation(r *evaluation.Record) error
	AppendEvaluation(ctx context.Context, r *evaluation.Record) error
	AppendCosts(ctx context.Context, s *metrics.Session) error
}

// Sink receives every evaluated call after it has been stored. Failures are
// logged and counted; they never affect the stored report.
type Sink struct {
	Name    string
	Deliver func(ctx context.Context, s *metrics.Session, r *evaluation.Record) error
}

// CallInfo describes an active call.
type CallInfo struct {
	CallID    string    `json:"call_id"`
	Room      string    `json:"room"`
	StartedAt time.Time `json:"started_at"`
	State     string    `json:"state"`
}

// CallManagerConfig holds all dependencies for a [CallManager].
type CallManagerConfig struct {
	Call      config.CallConfig
	Prices    *pricing.Table
	Evaluator Evaluator
	Reports   ReportWriter
	Sinks     []Sink
	Metrics   *observe.Metrics
	Logger    *slog.Logger

	// FinalizeTimeout bounds the post-call pipeline. Default: 1m.
	FinalizeTimeout time.Duration

	// Clock replaces time.Now for call ids.
	Clock func() time.Time

	// OnFinalized, if set, is called when a call has been evaluated, stored
	// and delivered to every sink.
	OnFinalized func(s *metrics.Session, r *evaluation.Record)
}

// CallManager runs one session controller per connected call and the
// post-call pipeline once it ends. All exported methods are safe for
// concurrent use.
type CallManager struct {
	mu     sync.Mutex
	call   config.CallConfig
	prices *pricing.Table
	active map[string]*activeCall

	eval        Evaluator
	reports     ReportWriter
	sinks       []Sink
	metrics     *observe.Metrics
	log         *slog.Logger
	timeout     time.Duration
	now         func() time.Time
	onFinalized func(*metrics.Session, *evaluation.Record)

	// pending tracks post-call pipelines still running.
	pending sync.WaitGroup
}

type activeCall struct {
	info CallInfo
	ctl  *callsession.Controller
}

var _ ingress.Calls = (*CallManager)(nil)

// NewCallManager creates a CallManager with the given dependencies.
func NewCallManager(cfg CallManagerConfig) *CallManager {
	m := &CallManager{
		call:        cfg.Call,
		prices:      cfg.Prices,
		active:      make(map[string]*activeCall),
		eval:        cfg.Evaluator,
		reports:     cfg.Reports,
		sinks:       cfg.Sinks,
		metrics:     cfg.Metrics,
		log:         cfg.Logger,
		timeout:     cfg.FinalizeTimeout,
		now:         cfg.Clock,
		onFinalized: cfg.OnFinalized,
	}
	if m.prices == nil {
		m.prices = pricing.Default()
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.timeout <= 0 {
		m.timeout = defaultFinalizeTimeout
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// SetCallConfig replaces the call settings. Calls already running keep the
// settings they started with.
func (m *CallManager) SetCallConfig(c config.CallConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.call = c
}

// SetPrices replaces the price table used for new calls.
func (m *CallManager) SetPrices(t *pricing.Table) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices = t
}

// StartCall creates a controller for a new call in room, connects it and
// runs it until it ends. done is closed once the controller has finalized
// the session; evaluation and persistence continue in the background and
// are awaited by [CallManager.Wait].
func (m *CallManager) StartCall(ctx context.Context, room string, events <-chan callsession.Event, handle callsession.Handler) (string, <-chan struct{}, error) {
	if room == "" {
		return "", nil, fmt.Errorf("app: start call: empty room name")
	}
	now := m.now().UTC()
	callID := newCallID(room, now)

	m.mu.Lock()
	callCfg, prices := m.call, m.prices
	m.mu.Unlock()

	log := m.log.With("call_id", callID, "room", room)
	ctl := callsession.New(callID, room, prices, controllerConfig(callCfg),
		callsession.WithLogger(log),
		callsession.WithStageObserver(m.metrics.StageObserver(context.WithoutCancel(ctx))),
	)
	if handle == nil {
		handle = func(context.Context, callsession.Action) {}
	}
	for _, a := range ctl.Step(callsession.Event{Kind: callsession.EventConnected, At: now}) {
		handle(ctx, a)
	}

	m.mu.Lock()
	m.active[callID] = &activeCall{
		info: CallInfo{CallID: callID, Room: room, StartedAt: now},
		ctl:  ctl,
	}
	m.mu.Unlock()
	m.metrics.ActiveCalls.Add(ctx, 1)
	log.Info("call started")

	done := make(chan struct{})
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		sess := ctl.Run(ctx, events, handle)

		m.mu.Lock()
		delete(m.active, callID)
		m.mu.Unlock()
		m.metrics.ActiveCalls.Add(context.WithoutCancel(ctx), -1)
		close(done)

		m.finalize(context.WithoutCancel(ctx), sess)
	}()
	return callID, done, nil
}

// Active returns the calls currently running, oldest first.
func (m *CallManager) Active() []CallInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CallInfo, 0, len(m.active))
	for _, c := range m.active {
		info := c.info
		info.State = c.ctl.State().String()
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b CallInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.CallID, b.CallID)
	})
	return out
}

// Wait blocks until every started call has ended and its post-call
// pipeline has finished, or ctx is done.
func (m *CallManager) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		m.pending.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finalize evaluates the session, stores both documents, appends the ledgers
// and then delivers to the sinks concurrently. No step aborts the others.
func (m *CallManager) finalize(ctx context.Context, sess *metrics.Session) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	ctx, span := observe.StartCallSpan(ctx, "call.finalize", sess.CallID,
		observe.AttrRoom.String(sess.Room),
		observe.AttrReason.String(sess.TerminationReason),
	)
	defer span.End()
	log := observe.Logger(ctx)

	m.metrics.RecordCall(ctx, sess)

	var rec *evaluation.Record
	if m.eval != nil {
		rec = m.eval.Evaluate(ctx, sess)
		m.metrics.RecordEvaluation(ctx, string(rec.Info.Method), rec.Flags)
	}

	if m.reports != nil {
		// Both documents go out before the ledgers so a poller sees a
		// complete report as early as possible.
		if err := m.reports.WriteMetrics(sess); err != nil {
			log.Error("failed to write metrics document", "err", err)
		}
		if rec != nil {
			if err := m.reports.WriteEvaluation(rec); err != nil {
				log.Error("failed to write evaluation document", "err", err)
			}
		}
		if err := m.reports.AppendCosts(ctx, sess); err != nil {
			log.Error("failed to append cost ledger", "err", err)
		}
		if rec != nil {
			if err := m.reports.AppendEvaluation(ctx, rec); err != nil {
				log.Error("failed to append evaluation ledger", "err", err)
			}
		}
	}

	if rec != nil && len(m.sinks) > 0 {
		var g errgroup.Group
		for _, s := range m.sinks {
			g.Go(func() error {
				err := s.Deliver(ctx, sess, rec)
				m.metrics.RecordSinkPublish(ctx, s.Name, err)
				if err != nil {
					log.Warn("sink delivery failed", "sink", s.Name, "err", err)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	log.Info("call finalized",
		"reason", sess.TerminationReason,
		"turns", len(sess.Turns),
		"duration_s", sess.DurationSeconds,
		"total_cost", sess.Totals.TotalCost,
	)
	if m.onFinalized != nil {
		m.onFinalized(sess, rec)
	}
}

// newCallID returns "<room>_<yyyymmdd_hhmmss>_<8 hex chars>".
func newCallID(room string, at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%s", room, at.Format("20060102_150405"), suffix)
}

// controllerConfig converts the call section of the config file.
func controllerConfig(c config.CallConfig) callsession.Config {
	return callsession.Config{
		MaxDuration:        c.MaxDuration,
		WarningBefore:      c.WarningBefore,
		InactivityTimeout:  c.InactivityTimeout,
		GracePeriod:        c.GracePeriod,
		Models:             callsession.Models{STT: c.Models.STT, LLM: c.Models.LLM, TTS: c.Models.TTS},
		Farewell:           callsession.NewFarewellDetector(c.FarewellPhrases, c.FarewellThreshold),
		WarningMessage:     c.WarningMessage,
		MaxDurationMessage: c.MaxDurationMessage,
		InactivityMessage:  c.InactivityMessage,
	}
}
