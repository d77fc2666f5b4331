package entrance

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sweeney/gate-relay/internal/clock"
)

var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrUnknownCommand = errors.New("unknown command")
	// ErrMoving is returned when a command arrives while the entrance is
	// moving. The command is dropped, not queued.
	ErrMoving       = errors.New("entrance is moving, command dropped")
	ErrInvalidState = errors.New("invalid entrance state")
)

// channel is one relay. Every field below mu is guarded by it.
type channel struct {
	mu   sync.Mutex
	id   int
	name string
	port uint8
	out  Output

	state State
	next  State
	due   time.Time
	armed bool
	// gen invalidates transition timers that were superseded but could not be stopped.
	gen   uint64
	timer clock.Timer

	energized  bool
	pulseGen   uint64
	pulseTimer clock.Timer

	handled int
	dropped int
}

// Controller owns the relay channels and their state machines.
// Channels are addressed by index and are independent of each other.
type Controller struct {
	cfg      Config
	clock    clock.Clock
	channels []*channel
	rep      *reporter
	hooks    Hooks
}

// NewController creates one CLOSED, settled channel for each entry of specs.
func NewController(cfg Config, clk clock.Clock, egress Egress, specs []ChannelSpec, hooks Hooks) *Controller {
	c := &Controller{
		cfg:   cfg,
		clock: clk,
		hooks: hooks,
	}

	intervals := make([]time.Duration, len(specs))
	for i, s := range specs {
		name := s.Name
		if name == "" {
			name = fmt.Sprintf("relay%d", i)
		}
		port := s.Port
		if port == 0 {
			port = DefaultPortBase + uint8(i)
		}
		c.channels = append(c.channels, &channel{
			id:    i,
			name:  name,
			port:  port,
			out:   s.Output,
			state: StateClosed,
			next:  StateClosed,
		})
		intervals[i] = s.ReportInterval
		if intervals[i] <= 0 {
			intervals[i] = cfg.ReportInterval
		}
	}

	c.rep = newReporter(clk, egress, cfg.UplinkPriority, intervals, hooks.Report, c.currentState)
	return c
}

// Start sends the first status report of every channel and begins periodic reporting.
func (c *Controller) Start() {
	now := c.clock.Now()
	for _, ch := range c.channels {
		ch.mu.Lock()
		c.rep.report(ch, now, ReasonStartup)
		ch.mu.Unlock()
	}
}

// Stop cancels every pending transition, output pulse and periodic report.
// Each channel stays settled in its current state. Relay outputs are left
// as they are.
func (c *Controller) Stop() {
	for _, ch := range c.channels {
		ch.mu.Lock()
		c.settle(ch, ch.state)
		c.cancelPulse(ch)
		ch.mu.Unlock()
	}
	c.rep.stop()
}

// Len returns the number of channels.
func (c *Controller) Len() int {
	return len(c.channels)
}

// HandleCommand applies cmd to channel id.
// Commands that do not change the state are no-ops and return nil.
// Only commands that return nil count as handled.
func (c *Controller) HandleCommand(id int, cmd Command) (err error) {
	ch, err := c.channel(id)
	if err != nil {
		return err
	}
	if !cmd.valid() {
		return fmt.Errorf("%w: %d", ErrUnknownCommand, uint8(cmd))
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	defer func() {
		if err == nil {
			ch.handled++
		}
	}()

	now := c.clock.Now()

	switch ch.state {
	case StateClosed:
		switch cmd {
		case CmdToggle, CmdMomentaryOpen:
			c.pulse(ch, now)
			// Without auto close a momentary press always holds the entrance open.
			next := StateHoldOpen
			if c.cfg.AutoClose {
				next = StateMomentaryOpen
			}
			c.arm(ch, StateMoving, next, now.Add(c.cfg.Movement))
		case CmdHoldOpen:
			if c.cfg.AutoClose {
				c.hold(ch)
			} else {
				c.pulse(ch, now)
			}
			c.arm(ch, StateMoving, StateHoldOpen, now.Add(c.cfg.Movement))
		default:
			return nil
		}

	case StateHoldOpen:
		switch cmd {
		case CmdToggle, CmdClose:
			c.pulse(ch, now)
			c.arm(ch, StateMoving, StateClosed, now.Add(c.cfg.Movement))
		case CmdMomentaryOpen:
			if !c.cfg.AutoClose {
				return nil
			}
			c.release(ch)
			c.arm(ch, StateMomentaryOpen, StateMoving, now.Add(c.cfg.AutoCloseInterval))
		default:
			return nil
		}

	case StateMomentaryOpen:
		switch cmd {
		case CmdToggle, CmdClose:
			c.pulse(ch, now)
			c.arm(ch, StateMoving, StateClosed, now.Add(c.cfg.Movement))
		case CmdHoldOpen:
			// Without auto close both open states are the same.
			if !c.cfg.AutoClose {
				return nil
			}
			c.hold(ch)
			c.settle(ch, StateHoldOpen)
		default:
			return nil
		}

	case StateMoving:
		ch.dropped++
		log.Printf("entrance: %s: %s received while moving, dropped", ch.name, cmd)
		if c.hooks.Dropped != nil {
			c.hooks.Dropped(ch.id, cmd)
		}
		return ErrMoving

	default:
		log.Printf("entrance: %s: invalid state %d, ignoring %s", ch.name, uint8(ch.state), cmd)
		return fmt.Errorf("%w: %d", ErrInvalidState, uint8(ch.state))
	}

	log.Printf("entrance: %s: %s, state now %s", ch.name, cmd, ch.state)
	c.rep.report(ch, now, ReasonChange)
	return nil
}

// Status returns a snapshot of channel id.
func (c *Controller) Status(id int) (ChannelStatus, error) {
	ch, err := c.channel(id)
	if err != nil {
		return ChannelStatus{}, err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ChannelStatus{
		ID:        ch.id,
		Name:      ch.name,
		Port:      ch.port,
		State:     ch.state,
		Next:      ch.next,
		Due:       ch.due,
		Armed:     ch.armed,
		Energized: ch.energized,
		Handled:   ch.handled,
		Dropped:   ch.dropped,
	}, nil
}

// Snapshot returns the status of every channel in index order.
func (c *Controller) Snapshot() []ChannelStatus {
	out := make([]ChannelStatus, 0, len(c.channels))
	for i := range c.channels {
		s, _ := c.Status(i)
		out = append(out, s)
	}
	return out
}

// ChannelForPort returns the index of the channel using the given egress port.
func (c *Controller) ChannelForPort(port uint8) (int, bool) {
	for _, ch := range c.channels {
		if ch.port == port {
			return ch.id, true
		}
	}
	return 0, false
}

func (c *Controller) channel(id int) (*channel, error) {
	if id < 0 || id >= len(c.channels) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	return c.channels[id], nil
}

func (c *Controller) currentState(id int) State {
	ch := c.channels[id]
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// pulse energizes the relay and releases it after MomentaryPulse.
// Caller must hold ch.mu.
func (c *Controller) pulse(ch *channel, now time.Time) {
	c.cancelPulse(ch)
	c.setOutput(ch, true)
	gen := ch.pulseGen
	id := ch.id
	ch.pulseTimer = c.clock.Schedule(now.Add(c.cfg.MomentaryPulse), func() {
		c.endPulse(id, gen)
	})
}

// hold energizes the relay until a later release or pulse.
// Caller must hold ch.mu.
func (c *Controller) hold(ch *channel) {
	c.cancelPulse(ch)
	c.setOutput(ch, true)
}

// Caller must hold ch.mu.
func (c *Controller) release(ch *channel) {
	c.cancelPulse(ch)
	c.setOutput(ch, false)
}

func (c *Controller) endPulse(id int, gen uint64) {
	ch := c.channels[id]
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if gen != ch.pulseGen || ch.pulseTimer == nil {
		return
	}
	ch.pulseTimer = nil
	c.setOutput(ch, false)
}

// Caller must hold ch.mu.
func (c *Controller) cancelPulse(ch *channel) {
	ch.pulseGen++
	if ch.pulseTimer != nil {
		ch.pulseTimer.Stop()
		ch.pulseTimer = nil
	}
}

// setOutput is fire-and-forget: a failed write is logged and the logical
// state is kept.
func (c *Controller) setOutput(ch *channel, on bool) {
	ch.energized = on
	if ch.out == nil {
		return
	}
	if err := ch.out.Set(on); err != nil {
		log.Printf("entrance: %s: relay write failed: %v", ch.name, err)
	}
}
