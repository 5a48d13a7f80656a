package callsession

import (
	"context"
	"time"

	"github.com/MrWong99/callwatch/internal/metrics"
)

// Handler carries out a controller action. It is called synchronously from
// [Controller.Run]; slow handlers delay the next event.
type Handler func(ctx context.Context, a Action)

// Run drives the controller until it reaches [StateEnded] and returns the
// finalized session.
//
// Events are read from events and the timers are evaluated every
// TickInterval. Cancelling ctx or closing events is a forced teardown: the
// session is finalized with whatever turns exist, so Run never blocks on a
// stage that will not close. The [ActionFinalized] action is still delivered
// to handle in that case, with a cancelled ctx.
func (c *Controller) Run(ctx context.Context, events <-chan Event, handle Handler) *metrics.Session {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for c.state != StateEnded {
		var acts []Action
		select {
		case <-ctx.Done():
			acts = c.Step(Event{Kind: EventDisconnect, Reason: ReasonTeardown})
		case ev, ok := <-events:
			if !ok {
				acts = c.Step(Event{Kind: EventDisconnect, Reason: ReasonTeardown})
				break
			}
			acts = c.Step(ev)
		case t := <-ticker.C:
			acts = c.Step(Event{Kind: EventTick, At: t})
		}
		if handle == nil {
			continue
		}
		for _, a := range acts {
			handle(ctx, a)
		}
	}
	return c.engine.Session()
}
