package entrance

import (
	"log"
	"sync"
	"time"

	"github.com/sweeney/gate-relay/internal/clock"
)

// reporter sends status uplinks on a periodic cadence and on every state
// change. A change report restarts the periodic cadence for that channel.
//
// Lock order: a channel's mu is always taken before its slot mu.
type reporter struct {
	clock    clock.Clock
	egress   Egress
	priority time.Duration
	hook     func(StatusReport)
	state    func(id int) State
	slots    []*reportSlot
}

type reportSlot struct {
	mu       sync.Mutex
	interval time.Duration
	gen      uint64
	due      time.Time
	timer    clock.Timer
	stopped  bool
}

func newReporter(clk clock.Clock, egress Egress, priority time.Duration, intervals []time.Duration, hook func(StatusReport), state func(int) State) *reporter {
	r := &reporter{
		clock:    clk,
		egress:   egress,
		priority: priority,
		hook:     hook,
		state:    state,
	}
	for _, iv := range intervals {
		r.slots = append(r.slots, &reportSlot{interval: iv})
	}
	return r
}

// report sends ch's current state now and restarts its periodic timer.
// Caller must hold ch.mu.
func (r *reporter) report(ch *channel, now time.Time, reason ReportReason) {
	s := r.slots[ch.id]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	r.cancel(s)
	r.send(StatusReport{
		Channel: ch.id,
		Name:    ch.name,
		Port:    ch.port,
		State:   ch.state,
		At:      now,
		Reason:  reason,
	})
	r.rearm(s, ch, now)
}

// periodic is the periodic timer callback.
func (r *reporter) periodic(ch *channel, gen uint64) {
	// Read the state before taking the slot lock. A change that lands in
	// between bumps the generation and this report is skipped.
	state := r.state(ch.id)

	s := r.slots[ch.id]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || gen != s.gen {
		return
	}
	due := s.due
	s.timer = nil
	r.send(StatusReport{
		Channel: ch.id,
		Name:    ch.name,
		Port:    ch.port,
		State:   state,
		At:      r.clock.Now(),
		Reason:  ReasonPeriodic,
	})
	r.rearm(s, ch, due)
}

// Caller must hold s.mu.
func (r *reporter) rearm(s *reportSlot, ch *channel, from time.Time) {
	if s.interval <= 0 {
		return
	}
	s.gen++
	gen := s.gen
	s.due = from.Add(s.interval)
	s.timer = r.clock.Schedule(s.due, func() {
		r.periodic(ch, gen)
	})
}

// Caller must hold s.mu.
func (r *reporter) cancel(s *reportSlot) {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (r *reporter) send(rep StatusReport) {
	if r.egress != nil {
		if err := r.egress.Send(rep.Port, EncodeStatus(rep.State), r.priority); err != nil {
			log.Printf("uplink: %s: send %s failed: %v", rep.Name, rep.State, err)
		}
	}
	if r.hook != nil {
		r.hook(rep)
	}
}

func (r *reporter) stop() {
	for _, s := range r.slots {
		s.mu.Lock()
		s.stopped = true
		r.cancel(s)
		s.mu.Unlock()
	}
}
