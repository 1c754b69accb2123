// Package gpio drives the connection indicator LED.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// Indicator is a single on/off output.
type Indicator interface {
	// Set drives the output. true = lit.
	Set(on bool) error

	// Close releases GPIO resources and leaves the output off.
	Close() error
}

// DefaultPinLED is the BCM pin used when none is configured.
const DefaultPinLED = 17

// Chip is the GPIO chip carrying the Raspberry Pi header pins.
const Chip = "gpiochip0"
