// Package status provides a thread-safe status tracker for the hr-sensor daemon.
// It is read by the HTTP handlers and by lifecycle event publishing.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/hr-sensor/internal/logic"
)

// NetworkInfo contains network state written by pi-helper.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	TickMs   int64
	HAL      string
	Prefix   string
	Broker   string
	Topic    string
	HTTPAddr string
}

// Counts tracks tick outcomes since startup.
type Counts struct {
	Ticks     int
	Skipped   int
	Errors    int
	Connected int // ticks whose reading had DeviceConnected
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Binding       logic.Binding
	LastReading   *logic.Reading
	LastTick      time.Time
	LastTickID    string
	LastError     string
	Operating     logic.Configuration
	ConfigVersion uint64
	Counts        Counts
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// State returns the acquisition state implied by the binding.
func (s Snapshot) State() logic.AcquisitionState {
	return s.Binding.State()
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// RecordTick stores the outcome of one acquisition tick.
func (t *Tracker) RecordTick(at time.Time, id string, b logic.Binding, r logic.Reading, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.LastTick = at
	t.snap.LastTickID = id
	t.snap.Binding = b
	t.snap.LastReading = &r
	t.snap.Counts.Ticks++
	if r.DeviceConnected {
		t.snap.Counts.Connected++
	}
	if err != nil {
		t.snap.Counts.Errors++
		t.snap.LastError = err.Error()
	} else {
		t.snap.LastError = ""
	}
}

// RecordSkip counts a tick dropped because the previous one was still running.
func (t *Tracker) RecordSkip() {
	t.mu.Lock()
	t.snap.Counts.Skipped++
	t.mu.Unlock()
}

// SetOperating records the operating configuration and its version.
func (t *Tracker) SetOperating(cfg logic.Configuration, version uint64) {
	t.mu.Lock()
	t.snap.Operating = cfg
	t.snap.ConfigVersion = version
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	if s.LastReading != nil {
		r := *s.LastReading
		s.LastReading = &r
	}
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
