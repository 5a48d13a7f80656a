package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no member of a [Failover] produced a result.
var ErrAllFailed = errors.New("resilience: all backends failed")

// Member is a named backend of a [Failover].
type Member[T any] struct {
	Name  string
	Value T
}

type guarded[T any] struct {
	Member[T]
	breaker *Breaker
}

// Failover holds an ordered list of interchangeable backends. The first
// member is the primary; the rest are tried in order when it fails or its
// breaker is open.
type Failover[T any] struct {
	members []guarded[T]
}

// NewFailover builds a failover over members. cfg is applied to every
// member's breaker with the member name substituted.
func NewFailover[T any](cfg BreakerConfig, members ...Member[T]) *Failover[T] {
	f := &Failover[T]{}
	for _, m := range members {
		c := cfg
		c.Name = m.Name
		f.members = append(f.members, guarded[T]{Member: m, breaker: NewBreaker(c)})
	}
	return f
}

// Names lists the member names in try order.
func (f *Failover[T]) Names() []string {
	out := make([]string, len(f.members))
	for i, m := range f.members {
		out[i] = m.Name
	}
	return out
}

// Primary returns the first member. ok is false for an empty failover.
func (f *Failover[T]) Primary() (m Member[T], ok bool) {
	if len(f.members) == 0 {
		return m, false
	}
	return f.members[0].Member, true
}

// BreakerState reports the breaker state of the named member.
func (f *Failover[T]) BreakerState(name string) (State, bool) {
	for _, m := range f.members {
		if m.Name == name {
			return m.breaker.State(), true
		}
	}
	return 0, false
}

// Call runs fn against each member in order and returns the first success
// together with the name of the member that produced it. It stops early
// when ctx is done.
func Call[T, R any](ctx context.Context, f *Failover[T], fn func(context.Context, T) (R, error)) (R, string, error) {
	var (
		zero    R
		lastErr error = errors.New("no backends configured")
	)
	for _, m := range f.members {
		if err := ctx.Err(); err != nil {
			return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, err)
		}
		var res R
		err := m.breaker.Do(func() error {
			var err error
			res, err = fn(ctx, m.Value)
			return err
		})
		if err == nil {
			return res, m.Name, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping backend with open circuit", "backend", m.Name)
			continue
		}
		slog.Warn("backend failed, trying next", "backend", m.Name, "err", err)
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
