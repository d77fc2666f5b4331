//go:build linux

package gpio

import (
	"fmt"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// RealOutput drives a relay through a GPIO output line.
type RealOutput struct {
	line *gpiocdev.Line
	pin  int
}

// NewRealOutput requests pin on chip as an output, initially released.
// activeLow inverts the line for relay boards that energize on low.
func NewRealOutput(chip string, pin int, activeLow bool) (*RealOutput, error) {
	opts := []gpiocdev.LineReqOption{
		gpiocdev.WithConsumer(Consumer),
		gpiocdev.AsOutput(0),
	}
	if activeLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}

	line, err := gpiocdev.RequestLine(chip, pin, opts...)
	if err != nil {
		return nil, fmt.Errorf("request relay pin %d: %w", pin, err)
	}
	return &RealOutput{line: line, pin: pin}, nil
}

// Set energizes or releases the relay.
func (o *RealOutput) Set(on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := o.line.SetValue(v); err != nil {
		return fmt.Errorf("set relay pin %d: %w", o.pin, err)
	}
	return nil
}

// Close releases the relay, then reconfigures the pin to input with
// pull-down (matching Pi boot defaults) before closing, so the relay
// cannot be left energized across a restart.
func (o *RealOutput) Close() error {
	var errs []error

	if err := o.line.SetValue(0); err != nil {
		errs = append(errs, fmt.Errorf("release relay pin %d: %w", o.pin, err))
	}
	if err := o.line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
		errs = append(errs, fmt.Errorf("reconfigure relay pin %d: %w", o.pin, err))
	}
	if err := o.line.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close relay pin %d: %w", o.pin, err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// RealButton watches a push button wired between the pin and ground.
type RealButton struct {
	line *gpiocdev.Line
	pin  int
}

// NewRealButton requests pin as an input with pull-up and calls onEdge for
// every debounced edge. The button pulls the line low, so a falling edge is
// a press and a rising edge a release.
func NewRealButton(chip string, pin int, debounce time.Duration, onEdge EdgeHandler) (*RealButton, error) {
	handler := func(evt gpiocdev.LineEvent) {
		switch evt.Type {
		case gpiocdev.LineEventFallingEdge:
			onEdge(true)
		case gpiocdev.LineEventRisingEdge:
			onEdge(false)
		}
	}

	line, err := gpiocdev.RequestLine(chip, pin,
		gpiocdev.WithConsumer(Consumer),
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithBothEdges,
		gpiocdev.WithDebounce(debounce),
		gpiocdev.WithEventHandler(handler),
	)
	if err != nil {
		return nil, fmt.Errorf("request button pin %d: %w", pin, err)
	}
	return &RealButton{line: line, pin: pin}, nil
}

// Close stops edge detection and releases the line.
func (b *RealButton) Close() error {
	if err := b.line.Close(); err != nil {
		return fmt.Errorf("close button pin %d: %w", b.pin, err)
	}
	return nil
}
