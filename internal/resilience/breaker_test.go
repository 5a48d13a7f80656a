package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errBackend = errors.New("backend down")

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newManualClock() *manualClock { return &manualClock{t: time.Unix(1_700_000_000, 0)} }

func fail() error    { return errBackend }
func succeed() error { return nil }

func TestBreaker_Defaults(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{Name: "eval"})
	if b.threshold != 5 || b.cooldown != 30*time.Second || b.probes != 1 {
		t.Errorf("defaults = %d/%v/%d", b.threshold, b.cooldown, b.probes)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %s", b.State())
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()
	clk := newManualClock()
	b := NewBreaker(BreakerConfig{Threshold: 3, Cooldown: time.Minute, Clock: clk.Now})

	for i := 0; i < 2; i++ {
		_ = b.Do(fail)
	}
	if b.State() != StateClosed {
		t.Fatalf("opened early: %s", b.State())
	}
	_ = b.Do(fail)
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Errorf("open breaker: err=%v called=%v", err, called)
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{Threshold: 2})
	_ = b.Do(fail)
	_ = b.Do(succeed)
	_ = b.Do(fail)
	if b.State() != StateClosed {
		t.Errorf("non-consecutive failures opened the breaker")
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	t.Parallel()
	clk := newManualClock()
	var transitions []string
	b := NewBreaker(BreakerConfig{
		Name: "groq", Threshold: 1, Cooldown: 10 * time.Second, Probes: 2, Clock: clk.Now,
		OnStateChange: func(_ string, from, to State) { transitions = append(transitions, from.String()+">"+to.String()) },
	})

	_ = b.Do(fail)
	clk.Advance(10 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("state after cooldown = %s", b.State())
	}
	if err := b.Do(succeed); err != nil {
		t.Fatal(err)
	}
	if b.state != StateHalfOpen {
		t.Fatalf("closed after one probe, want two")
	}
	_ = b.Do(succeed)
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}

	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	clk := newManualClock()
	b := NewBreaker(BreakerConfig{Threshold: 3, Cooldown: time.Second, Clock: clk.Now})
	for i := 0; i < 3; i++ {
		_ = b.Do(fail)
	}
	clk.Advance(time.Second)
	_ = b.Do(fail)
	if b.State() != StateOpen {
		t.Errorf("state = %s, want open", b.State())
	}
}

func TestBreaker_CancelledCallsAreNotFailures(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{Threshold: 1})
	err := b.Do(func() error { return context.Canceled })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("cancellation opened the breaker")
	}
	_ = b.Do(func() error { return context.DeadlineExceeded })
	if b.State() != StateOpen {
		t.Errorf("a timeout should count as a failure")
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{Threshold: 1, Cooldown: time.Hour})
	_ = b.Do(fail)
	b.Reset()
	if b.State() != StateClosed {
		t.Errorf("state after reset = %s", b.State())
	}
	if err := b.Do(succeed); err != nil {
		t.Errorf("call after reset: %v", err)
	}
}
