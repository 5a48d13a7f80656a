// Package callsession implements the per-call lifecycle controller.
//
// A [Controller] is a state machine (idle, active, warned, ending, ended)
// driven by typed [Event] values through a single [Controller.Step]
// function. It decides when the call should end (duration cap, inactivity,
// or a farewell from the agent) and drives the turn boundaries of the call's
// [metrics.Engine]. Step returns the [Action] values the transport should
// carry out; [Controller.Run] wires Step to an event channel and a ticker.
//
// A controller has exactly one writer. Step must not be called concurrently.
package callsession

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/callwatch/internal/metrics"
	"github.com/MrWong99/callwatch/internal/pricing"
	"github.com/MrWong99/callwatch/pkg/types"
)

// Default controller settings.
const (
	DefaultMaxDuration       = 15 * time.Minute
	DefaultWarningBefore     = 1 * time.Minute
	DefaultInactivityTimeout = 15 * time.Second
	DefaultGracePeriod       = 10 * time.Second
	DefaultTickInterval      = 1 * time.Second
)

// Models names the model used for each stage when an event does not
// override it.
type Models struct {
	STT string
	LLM string
	TTS string
}

// Config configures a [Controller]. Zero durations select the defaults.
type Config struct {
	// MaxDuration is the hard cap on call length.
	MaxDuration time.Duration

	// WarningBefore is how long before MaxDuration the caller is warned.
	WarningBefore time.Duration

	// InactivityTimeout ends the call after this long without speech
	// activity from either side.
	InactivityTimeout time.Duration

	// GracePeriod bounds the ending state: if the transport has not
	// confirmed the disconnect by then, the call is ended anyway.
	GracePeriod time.Duration

	// TickInterval is the timer resolution used by [Controller.Run].
	TickInterval time.Duration

	Models Models

	// Farewell detects closing phrases in agent replies. Nil selects a
	// detector with the default phrases.
	Farewell *FarewellDetector

	// Spoken messages. Empty messages are not spoken.
	WarningMessage     string
	MaxDurationMessage string
	InactivityMessage  string
}

func (c *Config) applyDefaults() {
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	if c.WarningBefore <= 0 {
		c.WarningBefore = DefaultWarningBefore
	}
	if c.WarningBefore >= c.MaxDuration {
		c.WarningBefore = c.MaxDuration / 2
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.Farewell == nil {
		c.Farewell = NewFarewellDetector(nil, 0)
	}
}

// Option configures a [Controller].
type Option func(*Controller)

// WithLogger sets the controller and metrics logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithStageObserver forwards every closed stage record to fn.
func WithStageObserver(fn metrics.StageObserver) Option {
	return func(c *Controller) { c.stageObserver = fn }
}

// WithTransitionHook calls fn after every state change.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(c *Controller) { c.onTransition = fn }
}

// Controller is the lifecycle state machine of one call.
type Controller struct {
	callID string
	room   string
	prices *pricing.Table
	cfg    Config
	log    *slog.Logger

	stageObserver metrics.StageObserver
	onTransition  func(from, to State)

	engine *metrics.Engine
	state  State
	shared atomic.Int32 // mirrors state for concurrent readers

	now          time.Time // timestamp of the event being processed
	connectedAt  time.Time
	lastActivity time.Time
	endingAt     time.Time
	reason       string

	turn     int
	turnOpen bool

	farewellPending bool
	hungUp          bool
}

// New returns a controller in [StateIdle]. The call's metrics session
// starts at the timestamp of the first event.
func New(callID, room string, prices *pricing.Table, cfg Config, opts ...Option) *Controller {
	cfg.applyDefaults()
	c := &Controller{
		callID: callID,
		room:   room,
		prices: prices,
		cfg:    cfg,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("call_id", callID)
	return c
}

// CallID returns the call identifier.
func (c *Controller) CallID() string { return c.callID }

// State returns the current state. It is safe to call from any goroutine.
func (c *Controller) State() State { return State(c.shared.Load()) }

// Session returns the metrics session, or nil before the first event.
func (c *Controller) Session() *metrics.Session {
	if c.engine == nil {
		return nil
	}
	return c.engine.Session()
}

// Step applies ev and returns the resulting actions. Events received after
// the call has ended are dropped.
func (c *Controller) Step(ev Event) []Action {
	if c.state == StateEnded {
		return nil
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	if at.Before(c.now) {
		at = c.now
	}
	c.now = at
	if c.engine == nil {
		c.engine = metrics.NewEngine(c.callID, c.room, c.prices,
			metrics.WithClock(func() time.Time { return c.now }),
			metrics.WithLogger(c.log),
			metrics.WithStageObserver(c.stageObserver),
		)
	}

	switch ev.Kind {
	case EventConnected:
		if c.state != StateIdle {
			c.ignore(ev, "already connected")
			return nil
		}
		c.connectedAt = c.now
		c.lastActivity = c.now
		c.setState(StateActive)
		return nil
	case EventDisconnect:
		reason := ev.Reason
		if reason == "" {
			reason = ReasonDisconnected
		}
		return c.end(reason, false)
	case EventTick:
		return c.tick()
	}

	if c.state == StateIdle {
		c.ignore(ev, "call not connected")
		return nil
	}
	switch ev.Kind {
	case EventSpeechStarted:
		return c.speechStarted(ev)
	case EventSpeechStopped:
		return c.speechStopped(ev)
	case EventFirstToken, EventGenerationDone:
		return c.generated(ev)
	case EventAgentSpeechDone:
		return c.agentSpeechDone(ev)
	}
	c.ignore(ev, "unknown event kind")
	return nil
}

func (c *Controller) speechStarted(ev Event) []Action {
	if c.state == StateEnding {
		c.ignore(ev, "call is ending")
		return nil
	}
	c.lastActivity = c.now
	if c.turnOpen {
		// Barge-in: the caller spoke before the previous turn finished. A
		// farewell in the interrupted reply was never fully spoken.
		c.closeTurn()
		if c.farewellPending {
			c.farewellPending = false
			c.log.Info("farewell reply interrupted, call continues", "turn", c.turn)
		}
	}
	idx, err := c.engine.StartTurn()
	if err != nil {
		c.ignore(ev, err.Error())
		return nil
	}
	c.turn, c.turnOpen = idx, true
	if err := c.engine.OpenStage(idx, metrics.StageSTT, pick(ev.Model, c.cfg.Models.STT)); err != nil {
		c.ignore(ev, err.Error())
	}
	return nil
}

func (c *Controller) speechStopped(ev Event) []Action {
	if !c.turnOpen {
		c.ignore(ev, "no open turn")
		return nil
	}
	c.lastActivity = c.now
	if err := c.engine.CloseStage(c.turn, metrics.StageSTT, ev.Usage); err != nil {
		c.ignore(ev, err.Error())
		return nil
	}
	if err := c.engine.OpenStage(c.turn, metrics.StageLLM, pick(ev.Model, c.cfg.Models.LLM)); err != nil {
		c.ignore(ev, err.Error())
	}
	return nil
}

func (c *Controller) generated(ev Event) []Action {
	if !c.turnOpen {
		c.ignore(ev, "no open turn")
		return nil
	}
	c.lastActivity = c.now
	c.detectFarewell(ev.Usage.Text)

	turn := c.engine.Session().Turns[c.turn]
	if ev.Kind == EventGenerationDone && turn.LLM.Closed() {
		if err := c.engine.CompleteGeneration(c.turn, ev.Usage); err != nil {
			c.ignore(ev, err.Error())
		}
		return nil
	}
	if err := c.engine.CloseStage(c.turn, metrics.StageLLM, ev.Usage); err != nil {
		c.ignore(ev, err.Error())
		return nil
	}
	if err := c.engine.OpenStage(c.turn, metrics.StageTTS, pick(ev.Model, c.cfg.Models.TTS)); err != nil {
		c.ignore(ev, err.Error())
	}
	return nil
}

func (c *Controller) agentSpeechDone(ev Event) []Action {
	if !c.turnOpen {
		c.ignore(ev, "no open turn")
		return nil
	}
	c.lastActivity = c.now
	if err := c.engine.CloseStage(c.turn, metrics.StageTTS, ev.Usage); err != nil {
		c.ignore(ev, err.Error())
		return nil
	}
	c.closeTurn()

	if !c.farewellPending {
		return nil
	}
	if c.state != StateEnding {
		return c.enterEnding(ReasonFarewell, "", false)
	}
	if !c.hungUp {
		c.hungUp = true
		return []Action{{Kind: ActionHangup, Reason: c.reason}}
	}
	return nil
}

func (c *Controller) detectFarewell(text string) {
	if c.farewellPending || c.state == StateEnding || text == "" {
		return
	}
	if phrase, ok := c.cfg.Farewell.Match(text); ok {
		c.farewellPending = true
		c.log.Info("farewell detected, ending after current reply", "phrase", phrase, "turn", c.turn)
	}
}

func (c *Controller) closeTurn() {
	if err := c.engine.CloseTurn(c.turn); err != nil {
		c.log.Warn("close turn failed", "turn", c.turn, "err", err)
	}
	c.turnOpen = false
}

// tick evaluates the timers. When the duration cap fires while a farewell
// reply is still being spoken, the farewell wins: the call ends with reason
// farewell and the hangup waits for the reply to finish.
func (c *Controller) tick() []Action {
	switch c.state {
	case StateActive, StateWarned:
	case StateEnding:
		if c.now.Sub(c.endingAt) >= c.cfg.GracePeriod {
			c.log.Warn("grace period elapsed without disconnect, forcing end", "reason", c.reason)
			return c.end(c.reason, true)
		}
		return nil
	default:
		return nil
	}

	// A tick gap spanning the whole warning window still passes through
	// the warned state and speaks the warning before the cap message.
	elapsed := c.now.Sub(c.connectedAt)
	var acts []Action
	warned := false
	if c.state == StateActive && elapsed >= c.cfg.MaxDuration-c.cfg.WarningBefore {
		acts, warned = c.warn(elapsed), true
	}
	if elapsed >= c.cfg.MaxDuration {
		if c.farewellPending {
			return append(acts, c.enterEnding(ReasonFarewell, "", c.turnOpen)...)
		}
		return append(acts, c.enterEnding(ReasonMaxDuration, c.cfg.MaxDurationMessage, false)...)
	}
	if warned {
		return acts
	}
	if !c.farewellPending && c.now.Sub(c.lastActivity) >= c.cfg.InactivityTimeout {
		return c.enterEnding(ReasonInactivity, c.cfg.InactivityMessage, false)
	}
	return nil
}

func (c *Controller) warn(elapsed time.Duration) []Action {
	c.setState(StateWarned)
	c.log.Info("approaching maximum call duration", "elapsed", elapsed.Round(time.Second))
	if c.cfg.WarningMessage == "" {
		return nil
	}
	c.engine.Note(types.RoleAssistant, c.cfg.WarningMessage)
	return []Action{{Kind: ActionSpeak, Text: c.cfg.WarningMessage}}
}

// enterEnding moves to StateEnding. With drain set the hangup is deferred
// until the current reply has been synthesized.
func (c *Controller) enterEnding(reason, message string, drain bool) []Action {
	c.reason = reason
	c.endingAt = c.now
	c.setState(StateEnding)
	c.log.Info("ending call", "reason", reason)

	var acts []Action
	if message != "" {
		c.engine.Note(types.RoleAssistant, message)
		acts = append(acts, Action{Kind: ActionSpeak, Text: message})
	}
	if !drain {
		c.hungUp = true
		acts = append(acts, Action{Kind: ActionHangup, Reason: reason})
	}
	return acts
}

// end finalizes the session. An ending reason chosen earlier is kept.
func (c *Controller) end(reason string, hangup bool) []Action {
	if c.reason == "" {
		c.reason = reason
	}
	var acts []Action
	if hangup && !c.hungUp {
		c.hungUp = true
		acts = append(acts, Action{Kind: ActionHangup, Reason: c.reason})
	}
	c.setState(StateEnded)
	sess := c.engine.FinalizeCall(c.reason)
	c.log.Info("call ended",
		"reason", c.reason,
		"duration_s", sess.DurationSeconds,
		"turns", len(sess.Turns),
		"total_cost", sess.Totals.TotalCost,
	)
	return append(acts, Action{Kind: ActionFinalized, Reason: c.reason, Session: sess})
}

func (c *Controller) setState(s State) {
	from := c.state
	c.state = s
	c.shared.Store(int32(s))
	if c.onTransition != nil && from != s {
		c.onTransition(from, s)
	}
}

func (c *Controller) ignore(ev Event, why string) {
	c.log.Warn("ignoring event", "event", ev.Kind.String(), "state", c.state.String(), "reason", why)
}

func pick(override, fallback string) string {
	if override != "" {
		return override
	}
	return fallback
}
