// Package gpio provides relay outputs and push-button inputs with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// DefaultChip is the GPIO chip on a Raspberry Pi.
const DefaultChip = "gpiochip0"

// Consumer is the label attached to requested lines.
const Consumer = "gate-relay"

// Output drives one relay coil.
type Output interface {
	// Set energizes (true) or releases (false) the relay.
	Set(on bool) error

	// Close releases the relay and the GPIO line.
	Close() error
}

// Button is a push button that calls its EdgeHandler on every debounced
// press and release.
type Button interface {
	Close() error
}

// EdgeHandler receives debounced button edges; pressed is true when the
// button goes down. It runs on the GPIO event goroutine and must not block.
type EdgeHandler func(pressed bool)

// Pin definitions (BCM numbering) of the two-channel relay HAT.
const (
	PinRelay0  = 17
	PinRelay1  = 27
	PinButton0 = 5
	PinButton1 = 6
)
