// Package resilience guards calls to flaky upstream services.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open).
// [Failover] tries an ordered list of interchangeable backends, each behind
// its own breaker, and [LLMFailover] applies that to [llm.Provider] so the
// evaluator can fall through to secondary models before giving up.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the guarded function while a
// breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the cooldown has elapsed.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. One
	// failure re-opens the breaker; enough successes close it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero values select the defaults.
type BreakerConfig struct {
	// Name labels log records and state-change notifications.
	Name string

	// Threshold is the number of consecutive failures that opens the
	// breaker. Default: 5.
	Threshold int

	// Cooldown is how long an open breaker rejects calls. Default: 30s.
	Cooldown time.Duration

	// Probes is the number of successful half-open calls needed to close
	// the breaker again. Default: 1.
	Probes int

	// Clock replaces time.Now.
	Clock func() time.Time

	// OnStateChange, if set, is called after every transition. It runs with
	// the breaker lock released.
	OnStateChange func(name string, from, to State)
}

// Breaker is a circuit breaker around a single backend.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	probes    int
	now       func() time.Time
	onChange  func(name string, from, to State)

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inFlight int // half-open probes currently running
	probeOK  int
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	b := &Breaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		probes:    cfg.Probes,
		now:       cfg.Clock,
		onChange:  cfg.OnStateChange,
	}
	if b.threshold <= 0 {
		b.threshold = 5
	}
	if b.cooldown <= 0 {
		b.cooldown = 30 * time.Second
	}
	if b.probes <= 0 {
		b.probes = 1
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Do calls fn unless the breaker is open. A context.Canceled error from fn
// is returned as is but does not count as a backend failure, since the
// caller abandoned the request.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(probe, err)
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	var from State
	changed := false
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		from, changed = b.state, true
		b.state = StateHalfOpen
		b.inFlight, b.probeOK = 0, 0
		fallthrough
	case StateHalfOpen:
		if b.inFlight >= b.probes {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.inFlight++
		probe = true
	}
	b.mu.Unlock()
	if changed {
		b.notify(from, StateHalfOpen)
	}
	return probe, nil
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	from := b.state
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		if probe {
			b.inFlight--
		}
	case err != nil:
		b.failures++
		if probe || b.failures >= b.threshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	case probe:
		b.inFlight--
		b.probeOK++
		if b.probeOK >= b.probes {
			b.state = StateClosed
			b.failures = 0
		}
	default:
		b.failures = 0
	}
	to := b.state
	failures := b.failures
	b.mu.Unlock()

	if from != to {
		if to == StateOpen {
			slog.Warn("circuit opened", "name", b.name, "consecutive_failures", failures, "err", err)
		} else {
			slog.Info("circuit state changed", "name", b.name, "from", from.String(), "to", to.String())
		}
		b.notify(from, to)
	}
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// State reports the current state. An open breaker whose cooldown has
// elapsed is reported as half-open; the transition itself happens on the
// next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures, b.inFlight, b.probeOK = 0, 0, 0
	b.mu.Unlock()
	if from != StateClosed {
		b.notify(from, StateClosed)
	}
}
