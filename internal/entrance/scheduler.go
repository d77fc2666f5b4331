package entrance

import (
	"log"
	"time"
)

// arm sets the channel state and schedules the autonomous transition to
// next at the absolute deadline due. Any previously armed transition is
// superseded. Caller must hold ch.mu.
func (c *Controller) arm(ch *channel, state, next State, due time.Time) {
	c.disarm(ch)
	ch.state = state
	ch.next = next
	ch.due = due
	ch.armed = true

	gen := ch.gen
	id := ch.id
	ch.timer = c.clock.Schedule(due, func() {
		c.fire(id, gen)
	})
}

// settle puts the channel in state with no pending transition.
// Caller must hold ch.mu.
func (c *Controller) settle(ch *channel, state State) {
	c.disarm(ch)
	ch.state = state
	ch.next = state
}

// Caller must hold ch.mu.
func (c *Controller) disarm(ch *channel) {
	ch.gen++
	if ch.timer != nil {
		ch.timer.Stop()
		ch.timer = nil
	}
	ch.armed = false
	ch.due = time.Time{}
}

// fire advances channel id when its armed deadline elapses.
// A callback whose generation was superseded returns without effect.
func (c *Controller) fire(id int, gen uint64) {
	ch := c.channels[id]
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if !ch.armed || gen != ch.gen {
		return
	}
	ch.timer = nil

	origin, target := ch.state, ch.next
	// Re-arms count from the deadline that fired, not from when the
	// callback ran, so timer latency does not accumulate.
	base := ch.due

	switch {
	case target == StateMoving:
		// Where the movement ends depends on where it started.
		var dest State
		switch origin {
		case StateClosed:
			dest = StateHoldOpen
		case StateMomentaryOpen, StateHoldOpen:
			dest = StateClosed
		default:
			log.Printf("entrance: %s: unexpected movement origin %s", ch.name, origin)
			c.settle(ch, origin)
			c.rep.report(ch, c.clock.Now(), ReasonChange)
			return
		}
		c.arm(ch, StateMoving, dest, base.Add(c.cfg.Movement))

	case target == StateMomentaryOpen && c.cfg.AutoClose:
		c.arm(ch, StateMomentaryOpen, StateMoving, base.Add(c.cfg.AutoCloseInterval))

	case target.valid():
		c.settle(ch, target)

	default:
		log.Printf("entrance: %s: invalid pending state %d, transition aborted", ch.name, uint8(target))
		return
	}

	log.Printf("entrance: %s: state now %s", ch.name, ch.state)
	c.rep.report(ch, c.clock.Now(), ReasonChange)
}
