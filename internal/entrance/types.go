// Package entrance contains the entrance-relay state machine.
// This package has NO hardware or network dependencies: relay outputs,
// uplink egress and time are all injected.
package entrance

import (
	"fmt"
	"time"
)

// State is the inferred mechanical state of an entrance.
// Values are the one-byte uplink encoding.
type State uint8

const (
	StateUnknown State = iota
	StateClosed
	StateMoving
	StateMomentaryOpen
	StateHoldOpen
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "UNKNOWN"
	case StateClosed:
		return "CLOSED"
	case StateMoving:
		return "MOVING"
	case StateMomentaryOpen:
		return "MOMENTARY_OPEN"
	case StateHoldOpen:
		return "HOLD_OPEN"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

func (s State) valid() bool {
	return s >= StateClosed && s <= StateHoldOpen
}

// Command is a request to change an entrance's state.
// Values are the one-byte downlink encoding.
type Command uint8

const (
	CmdToggle Command = iota + 1
	CmdClose
	CmdMomentaryOpen
	CmdHoldOpen
)

func (c Command) String() string {
	switch c {
	case CmdToggle:
		return "TOGGLE"
	case CmdClose:
		return "CLOSE"
	case CmdMomentaryOpen:
		return "MOMENTARY_OPEN"
	case CmdHoldOpen:
		return "HOLD_OPEN"
	}
	return fmt.Sprintf("Command(%d)", uint8(c))
}

func (c Command) valid() bool {
	return c >= CmdToggle && c <= CmdHoldOpen
}

// Config holds the deployment timings shared by all channels.
type Config struct {
	// Movement is how long the mechanism takes to open or close.
	Movement time.Duration
	// AutoClose makes momentary opens revert to closing after AutoCloseInterval.
	AutoClose         bool
	AutoCloseInterval time.Duration
	// MomentaryPulse is how long the relay is energized for a press.
	MomentaryPulse time.Duration
	// ReportInterval is the periodic uplink cadence.
	ReportInterval time.Duration
	// UplinkPriority is the latency hint handed to the egress with every report.
	UplinkPriority time.Duration
}

// DefaultConfig returns the timings of the gate deployment.
func DefaultConfig() Config {
	return Config{
		Movement:          15 * time.Second,
		AutoClose:         true,
		AutoCloseInterval: 60 * time.Second,
		MomentaryPulse:    500 * time.Millisecond,
		ReportInterval:    30 * time.Second,
		UplinkPriority:    500 * time.Millisecond,
	}
}

// Output drives one physical relay. true energizes the coil.
type Output interface {
	Set(on bool) error
}

// Egress sends an uplink payload to the transport-level destination port.
// Implementations must not block; retries are theirs to handle.
type Egress interface {
	Send(port uint8, payload []byte, priority time.Duration) error
}

// DefaultPortBase is the port of channel 0 when none is given; channel i
// uses DefaultPortBase+i.
const DefaultPortBase uint8 = 0x80

// ChannelSpec describes one relay channel at startup.
type ChannelSpec struct {
	Name string
	// Port is the egress and downlink port. Zero selects DefaultPortBase+index,
	// which only the first 128 channels have; later ones must set a port.
	Port   uint8
	Output Output
	// ReportInterval overrides Config.ReportInterval when non-zero.
	ReportInterval time.Duration
}

// ReportReason says why a status report was sent.
type ReportReason string

const (
	ReasonStartup  ReportReason = "STARTUP"
	ReasonChange   ReportReason = "CHANGE"
	ReasonPeriodic ReportReason = "PERIODIC"
)

// StatusReport is a single uplink of a channel's state.
type StatusReport struct {
	Channel int
	Name    string
	Port    uint8
	State   State
	At      time.Time
	Reason  ReportReason
}

// ChannelStatus is a point-in-time view of one channel.
type ChannelStatus struct {
	ID        int
	Name      string
	Port      uint8
	State     State
	Next      State
	Due       time.Time
	Armed     bool
	Energized bool
	Handled   int
	Dropped   int
}

// Hooks are optional observers. They run while the channel is locked and
// must not call back into the Controller.
type Hooks struct {
	Report  func(StatusReport)
	Dropped func(channel int, cmd Command)
}
