package logic

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// DefaultCallTimeout bounds a single HAL call.
const DefaultCallTimeout = 3 * time.Second

// Machine decides which HAL call to make on each tick and how the
// binding changes as a result.
type Machine struct {
	hal         HAL
	rnd         RandomSource
	prefix      string
	callTimeout time.Duration
}

// Option configures a Machine.
type Option func(*Machine)

// WithPrefix sets the local-name prefix used during discovery.
func WithPrefix(prefix string) Option {
	return func(m *Machine) { m.prefix = prefix }
}

// WithRandom sets the source of simulated heart rates.
func WithRandom(r RandomSource) Option {
	return func(m *Machine) { m.rnd = r }
}

// WithCallTimeout sets the timeout applied to each HAL call.
func WithCallTimeout(d time.Duration) Option {
	return func(m *Machine) { m.callTimeout = d }
}

// NewMachine creates a state machine driving the given HAL.
func NewMachine(hal HAL, opts ...Option) *Machine {
	m := &Machine{
		hal:         hal,
		prefix:      DefaultPrefix,
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.rnd == nil {
		m.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return m
}

// Tick runs one acquisition cycle. It makes at most one HAL call and always
// returns a Reading. The returned error describes why a fallback transition
// was taken; the binding and reading are valid regardless.
func (m *Machine) Tick(ctx context.Context, cfg Configuration, b Binding) (Binding, Reading, error) {
	if cfg.TestMode {
		return b, m.simulated(cfg), nil
	}

	switch b.State() {
	case StateUnbound:
		return m.discover(ctx, cfg)
	case StateBound:
		return m.subscribe(ctx, cfg, b)
	default:
		return m.poll(ctx, cfg, b)
	}
}

func (m *Machine) simulated(cfg Configuration) Reading {
	return Reading{
		Simulated: true,
		Label:     cfg.DataLabel,
		HeartRate: SimulatedMinBPM + m.rnd.Intn(SimulatedMaxBPM-SimulatedMinBPM+1),
		Units:     Units,
		DeviceMAC: SimulatedMAC,
	}
}

// discover scans for the first device whose name carries the prefix.
// No data is available yet on this tick, so the reading is disconnected
// whether or not a device was found.
func (m *Machine) discover(ctx context.Context, cfg Configuration) (Binding, Reading, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	devices, err := m.hal.ListDevices(callCtx)
	if err != nil {
		return Binding{}, disconnected(cfg), fmt.Errorf("list devices: %w", err)
	}

	mac := MatchDevice(devices, m.prefix)
	return Binding{DeviceMAC: mac}, disconnected(cfg), nil
}

func (m *Machine) subscribe(ctx context.Context, cfg Configuration, b Binding) (Binding, Reading, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	locator, err := m.hal.Subscribe(callCtx, b.DeviceMAC)
	if err != nil {
		return Binding{}, disconnected(cfg), fmt.Errorf("subscribe %s: %w", b.DeviceMAC, err)
	}

	if !ValidLocator(locator) {
		// The HAL answered, so BLE is reachable, but the locator is unusable.
		r := disconnected(cfg)
		r.BLEConnected = true
		return Binding{}, r, fmt.Errorf("subscribe %s: invalid locator %q", b.DeviceMAC, locator)
	}

	r := disconnected(cfg)
	r.BLEConnected = true
	r.DeviceMAC = b.DeviceMAC
	return Binding{DeviceMAC: b.DeviceMAC, Subscription: locator}, r, nil
}

func (m *Machine) poll(ctx context.Context, cfg Configuration, b Binding) (Binding, Reading, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	n, err := m.hal.Poll(callCtx, b.Subscription)
	if errors.Is(err, ErrSubscriptionNotFound) {
		r := disconnected(cfg)
		r.BLEConnected = true
		r.DeviceMAC = b.DeviceMAC
		return Binding{DeviceMAC: b.DeviceMAC}, r, fmt.Errorf("poll %s: %w", b.DeviceMAC, err)
	}
	if err != nil {
		return Binding{}, disconnected(cfg), fmt.Errorf("poll %s: %w", b.DeviceMAC, err)
	}

	r := Reading{
		DeviceConnected: true,
		BLEConnected:    true,
		Label:           cfg.DataLabel,
		Units:           Units,
		DeviceMAC:       b.DeviceMAC,
	}

	if len(n.Data) > 0 {
		bpm, err := DecodeHeartRate(n.Data[len(n.Data)-1])
		if err != nil {
			return Binding{}, disconnected(cfg), fmt.Errorf("poll %s: %w", b.DeviceMAC, err)
		}
		r.HeartRate = bpm
	}

	// The reading above reflects data already fetched; the next tick starts over.
	if n.DeviceDisconnected {
		return Binding{}, r, nil
	}
	return b, r, nil
}

// disconnected is the fully degraded reading.
func disconnected(cfg Configuration) Reading {
	return Reading{
		Label: cfg.DataLabel,
		Units: Units,
	}
}

// MatchDevice returns the address of the first device, in list order,
// whose local name starts with prefix. Returns "" if none match.
func MatchDevice(devices []Device, prefix string) string {
	for _, d := range devices {
		if d.MAC != "" && strings.HasPrefix(d.LocalName, prefix) {
			return d.MAC
		}
	}
	return ""
}

// ValidLocator reports whether a subscription locator is usable.
func ValidLocator(locator string) bool {
	return len(locator) >= MinLocatorLen
}

// DecodeHeartRate decodes one base64 heart-rate measurement.
// Byte 0 carries the flags; byte 1 is the rate in beats per minute.
func DecodeHeartRate(payload string) (int, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return 0, fmt.Errorf("decode notification: %w", err)
	}
	if len(raw) < 2 {
		return 0, fmt.Errorf("decode notification: %d bytes, need at least 2", len(raw))
	}
	return int(raw[1]), nil
}
