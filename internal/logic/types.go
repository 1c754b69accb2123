// Package logic contains the device-acquisition state machine for the heart-rate sensor.
// This package has NO direct I/O (no HTTP, MQTT, GPIO or OS access).
// The HAL and the random source are injected so ticks are fully scriptable.
package logic

import (
	"context"
	"errors"
)

// Units is the unit carried by every Reading.
const Units = "bpm"

// SimulatedMAC is the device address reported by test-mode readings.
const SimulatedMAC = "SIMULATED"

// DefaultPrefix is the advertised local-name prefix of supported monitors.
const DefaultPrefix = "RHYTHM+"

// MinLocatorLen is the shortest subscription locator the HAL may return.
// Anything shorter is treated as a failed subscribe.
const MinLocatorLen = 7

// Simulated heart rates are drawn from [SimulatedMinBPM, SimulatedMaxBPM].
const (
	SimulatedMinBPM = 72
	SimulatedMaxBPM = 156
)

// Configuration is the operating configuration pushed by the node agent.
// It is a value type: replaced wholesale, compared with ==.
type Configuration struct {
	TestMode  bool
	DataLabel string
}

// DefaultConfiguration is used until the first successful fetch.
func DefaultConfiguration() Configuration {
	return Configuration{TestMode: true, DataLabel: "Anonymous Person"}
}

// AcquisitionState is derived from a Binding.
type AcquisitionState string

const (
	StateUnbound    AcquisitionState = "UNBOUND"
	StateBound      AcquisitionState = "BOUND"
	StateSubscribed AcquisitionState = "SUBSCRIBED"
)

// Binding records the device and subscription currently in use.
// Subscription must be empty whenever DeviceMAC is empty.
type Binding struct {
	DeviceMAC    string
	Subscription string
}

// Valid reports whether the binding satisfies its invariant.
func (b Binding) Valid() bool {
	return b.DeviceMAC != "" || b.Subscription == ""
}

// State returns the acquisition state implied by the binding.
func (b Binding) State() AcquisitionState {
	switch {
	case b.DeviceMAC == "":
		return StateUnbound
	case b.Subscription == "":
		return StateBound
	default:
		return StateSubscribed
	}
}

// Reading is the unit of output. Exactly one is produced per tick.
type Reading struct {
	DeviceConnected bool
	BLEConnected    bool
	Simulated       bool
	Label           string
	HeartRate       int
	Units           string
	DeviceMAC       string
}

// Device is one entry of the HAL scan list.
type Device struct {
	LocalName string
	MAC       string
}

// Notification is the result of polling a subscription.
type Notification struct {
	// Data holds base64-encoded characteristic values, oldest first.
	Data []string
	// DeviceDisconnected is set when the HAL lost the peripheral.
	DeviceDisconnected bool
}

// ErrSubscriptionNotFound is returned by HAL.Poll when the subscription has expired.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// HAL is the subset of the BLE hardware-abstraction service used by the machine.
type HAL interface {
	// ListDevices returns the current scan list.
	ListDevices(ctx context.Context) ([]Device, error)

	// Subscribe starts heart-rate notifications for mac and returns the
	// subscription locator.
	Subscribe(ctx context.Context, mac string) (string, error)

	// Poll returns the notifications buffered for locator.
	// Returns an error wrapping ErrSubscriptionNotFound on expiry.
	Poll(ctx context.Context, locator string) (Notification, error)
}

// RandomSource supplies simulated heart rates. *math/rand.Rand satisfies it.
type RandomSource interface {
	Intn(n int) int
}
