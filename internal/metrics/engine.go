package metrics

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/callwatch/internal/pricing"
	"github.com/MrWong99/callwatch/pkg/types"
)

// Sentinel errors returned for out-of-order lifecycle calls. None of them
// modify the session; callers log them and continue.
var (
	ErrUnknownTurn      = errors.New("metrics: unknown turn")
	ErrStageNotOpen     = errors.New("metrics: stage not open")
	ErrStageAlreadyOpen = errors.New("metrics: stage already open")
	ErrTurnClosed       = errors.New("metrics: turn already closed")
	ErrFinalized        = errors.New("metrics: call already finalized")
)

// StageObserver is notified each time a stage record closes. It is used to
// feed process-wide instruments and must not retain rec.
type StageObserver func(stage Stage, rec StageRecord)

// Option configures an [Engine].
type Option func(*Engine)

// WithClock replaces time.Now. Tests use it to produce exact latencies.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger used for pricing-miss warnings.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithStageObserver registers fn to be called on every stage close.
func WithStageObserver(fn StageObserver) Option {
	return func(e *Engine) { e.observe = fn }
}

// Engine records the cost and latency of a single call.
//
// Engine is not safe for concurrent use: a call's controller is its only
// writer.
type Engine struct {
	session *Session
	prices  *pricing.Table
	now     func() time.Time
	log     *slog.Logger
	observe StageObserver
}

// NewEngine starts a session for callID. The start timestamp is taken from
// the engine clock.
func NewEngine(callID, room string, prices *pricing.Table, opts ...Option) *Engine {
	e := &Engine{
		prices: prices,
		now:    time.Now,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.prices == nil {
		e.prices = pricing.Default()
	}
	e.session = &Session{
		CallID:     callID,
		Room:       room,
		StartedAt:  e.now(),
		Turns:      []*Turn{},
		Transcript: []types.Message{},
	}
	e.log = e.log.With("call_id", callID)
	return e
}

// Session returns the session record. Callers must treat it as read-only.
func (e *Engine) Session() *Session { return e.session }

// StartTurn appends an empty turn and returns its index. The turn's start
// time is set when its first stage opens.
func (e *Engine) StartTurn() (int, error) {
	if e.session.Finalized {
		return 0, ErrFinalized
	}
	idx := len(e.session.Turns)
	e.session.Turns = append(e.session.Turns, &Turn{Index: idx})
	return idx, nil
}

func (e *Engine) turn(idx int) (*Turn, error) {
	if e.session.Finalized {
		return nil, ErrFinalized
	}
	if idx < 0 || idx >= len(e.session.Turns) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTurn, idx)
	}
	return e.session.Turns[idx], nil
}

// OpenStage captures the start timestamp of stage in turn. A stage is opened
// at most once per turn.
func (e *Engine) OpenStage(turnIdx int, stage Stage, model string) error {
	t, err := e.turn(turnIdx)
	if err != nil {
		return err
	}
	if t.Closed {
		return fmt.Errorf("%w: turn %d", ErrTurnClosed, turnIdx)
	}
	slot := t.stage(stage)
	if slot == nil {
		return fmt.Errorf("metrics: invalid stage %d", stage)
	}
	if *slot != nil {
		return fmt.Errorf("%w: turn %d %s", ErrStageAlreadyOpen, turnIdx, stage)
	}
	now := e.now()
	*slot = &StageRecord{Model: model, StartedAt: now}
	if t.StartedAt.IsZero() {
		t.StartedAt = now
	}
	return nil
}

// CloseStage records usage, cost and latency for an open stage. Closing a
// stage that is already closed is a no-op and returns nil. Closing a stage
// that was never opened returns [ErrStageNotOpen], and closing a stage of a
// closed turn returns [ErrTurnClosed]; neither changes anything.
func (e *Engine) CloseStage(turnIdx int, stage Stage, u Usage) error {
	t, err := e.turn(turnIdx)
	if err != nil {
		return err
	}
	if t.Closed {
		return fmt.Errorf("%w: turn %d", ErrTurnClosed, turnIdx)
	}
	slot := t.stage(stage)
	if slot == nil {
		return fmt.Errorf("metrics: invalid stage %d", stage)
	}
	rec := *slot
	if rec == nil {
		return fmt.Errorf("%w: turn %d %s", ErrStageNotOpen, turnIdx, stage)
	}
	if rec.Closed() {
		return nil
	}

	rec.EndedAt = e.now()
	if rec.EndedAt.Before(rec.StartedAt) {
		rec.EndedAt = rec.StartedAt
	}
	rec.LatencyMs = millis(rec.EndedAt.Sub(rec.StartedAt))
	rec.FirstOutputMs = nonNegative(u.FirstOutputMs)

	var priced bool
	switch stage {
	case StageSTT:
		rec.AudioSeconds = nonNegative(u.AudioSeconds)
		var r pricing.TimeRate
		r, priced = e.prices.STT(rec.Model)
		rec.Cost = r.Cost(rec.AudioSeconds)
		t.EOUDelayMs = nonNegative(u.EOUDelayMs)
		e.appendTranscript(types.RoleUser, u.Text)
	case StageLLM:
		rec.InputTokens = max(u.InputTokens, 0)
		rec.OutputTokens = max(u.OutputTokens, 0)
		var r pricing.TokenRate
		r, priced = e.prices.LLM(rec.Model)
		rec.Cost = r.Cost(rec.InputTokens, rec.OutputTokens)
		if u.Text != "" {
			e.appendTranscript(types.RoleAssistant, u.Text)
			t.reply = len(e.session.Transcript)
		}
	case StageTTS:
		rec.Characters = max(u.Characters, 0)
		var r pricing.CharRate
		r, priced = e.prices.TTS(rec.Model)
		rec.Cost = r.Cost(rec.Characters)
	}
	if !priced {
		rec.Cost = 0
		rec.PricingMissing = true
		msg := fmt.Sprintf("no %s price for model %q", stage, rec.Model)
		e.session.Warnings = append(e.session.Warnings, msg)
		e.log.Warn("pricing lookup miss, cost recorded as zero", "stage", stage.String(), "model", rec.Model, "turn", turnIdx)
	}

	if e.observe != nil {
		e.observe(stage, *rec)
	}
	return nil
}

// CompleteGeneration applies the final usage of a reply whose generation
// stage was already closed at the first token. Output tokens only grow and
// reprice the stage; non-empty text replaces the reply recorded at the first
// token. The turn must still be open.
func (e *Engine) CompleteGeneration(turnIdx int, u Usage) error {
	t, err := e.turn(turnIdx)
	if err != nil {
		return err
	}
	if t.Closed {
		return fmt.Errorf("%w: turn %d", ErrTurnClosed, turnIdx)
	}
	rec := t.LLM
	if !rec.Closed() {
		return fmt.Errorf("%w: turn %d %s", ErrStageNotOpen, turnIdx, StageLLM)
	}
	if u.OutputTokens > rec.OutputTokens {
		rec.OutputTokens = u.OutputTokens
		if r, ok := e.prices.LLM(rec.Model); ok {
			rec.Cost = r.Cost(rec.InputTokens, rec.OutputTokens)
		}
	}
	switch {
	case u.Text == "":
	case t.reply > 0:
		e.session.Transcript[t.reply-1].Content = u.Text
	default:
		e.appendTranscript(types.RoleAssistant, u.Text)
		t.reply = len(e.session.Transcript)
	}
	return nil
}

// Note appends a message that did not come out of a stage, such as a spoken
// warning or a scripted farewell, to the transcript.
func (e *Engine) Note(role, content string) {
	if e.session.Finalized {
		return
	}
	e.appendTranscript(role, content)
}

func (e *Engine) appendTranscript(role, content string) {
	if content == "" {
		return
	}
	e.session.Transcript = append(e.session.Transcript, types.Message{Role: role, Content: content})
}

// CloseTurn finishes a turn: total cost is the sum of its closed stage costs
// and end-to-end latency spans from the first stage open to the last stage
// close. End-to-end latency is left at zero unless all three stages closed.
// Stages still open are abandoned and contribute nothing. Closing a closed
// turn is a no-op.
func (e *Engine) CloseTurn(turnIdx int) error {
	t, err := e.turn(turnIdx)
	if err != nil {
		return err
	}
	if t.Closed {
		return nil
	}
	closeTurn(t)
	return nil
}

func closeTurn(t *Turn) {
	t.Closed = true
	t.Complete = true
	var ttft float64
	for _, s := range Stages {
		rec := *t.stage(s)
		if !rec.Closed() {
			t.Complete = false
			continue
		}
		t.TotalCost += rec.Cost
		if rec.EndedAt.After(t.EndedAt) {
			t.EndedAt = rec.EndedAt
		}
		if s != StageSTT {
			ttft += rec.FirstOutputMs
		}
	}
	t.TTFTMs = t.EOUDelayMs + ttft
	if t.Complete {
		t.EndToEndMs = millis(t.EndedAt.Sub(t.StartedAt))
	}
}

// FinalizeCall closes every open turn, computes the call aggregates and
// marks the session read-only. reason is stored as the termination reason.
// Calling it again returns the already finalized session unchanged.
func (e *Engine) FinalizeCall(reason string) *Session {
	s := e.session
	if s.Finalized {
		return s
	}
	s.EndedAt = e.now()
	if s.EndedAt.Before(s.StartedAt) {
		s.EndedAt = s.StartedAt
	}
	s.DurationSeconds = s.EndedAt.Sub(s.StartedAt).Seconds()
	s.TerminationReason = reason

	for _, t := range s.Turns {
		if !t.Closed {
			closeTurn(t)
		}
	}
	s.Totals = aggregate(s.Turns)
	s.Totals.PlatformCost = e.prices.Platform().Cost(s.DurationSeconds)
	s.Totals.TotalCost = s.Totals.STTCost + s.Totals.LLMCost + s.Totals.TTSCost + s.Totals.PlatformCost
	s.Finalized = true
	return s
}

// mean accumulates an arithmetic mean; the zero value yields 0.
type mean struct {
	sum float64
	n   int
}

func (m *mean) add(v float64) { m.sum += v; m.n++ }

func (m *mean) addPositive(v float64) {
	if v > 0 {
		m.add(v)
	}
}

func (m mean) value() float64 {
	if m.n == 0 {
		return 0
	}
	return m.sum / float64(m.n)
}

func aggregate(turns []*Turn) Totals {
	var (
		tot                      Totals
		stt, llm, tts, e2e       mean
		eou, llmTTFT, ttsTTFB, tf mean
	)
	for _, t := range turns {
		if t.STT.Closed() {
			tot.STTCost += t.STT.Cost
			tot.STTSeconds += t.STT.AudioSeconds
			stt.add(t.STT.LatencyMs)
		}
		if t.LLM.Closed() {
			tot.LLMCost += t.LLM.Cost
			tot.LLMInputTokens += t.LLM.InputTokens
			tot.LLMOutputTokens += t.LLM.OutputTokens
			llm.add(t.LLM.LatencyMs)
			llmTTFT.addPositive(t.LLM.FirstOutputMs)
		}
		if t.TTS.Closed() {
			tot.TTSCost += t.TTS.Cost
			tot.TTSCharacters += t.TTS.Characters
			tts.add(t.TTS.LatencyMs)
			ttsTTFB.addPositive(t.TTS.FirstOutputMs)
		}
		if t.Complete {
			tot.Turns++
			e2e.add(t.EndToEndMs)
		}
		eou.addPositive(t.EOUDelayMs)
		tf.addPositive(t.TTFTMs)
	}
	tot.AvgSTTLatencyMs = stt.value()
	tot.AvgLLMLatencyMs = llm.value()
	tot.AvgTTSLatencyMs = tts.value()
	tot.AvgEndToEndMs = e2e.value()
	tot.AvgEOUDelayMs = eou.value()
	tot.AvgLLMTTFTMs = llmTTFT.value()
	tot.AvgTTSTTFBMs = ttsTTFB.value()
	tot.AvgTTFTMs = tf.value()
	return tot
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
