package status

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/hr-sensor/internal/logic"
)

func connected() logic.Reading {
	return logic.Reading{
		DeviceConnected: true,
		BLEConnected:    true,
		Label:           "Anonymous Person",
		HeartRate:       144,
		Units:           logic.Units,
		DeviceMAC:       "AA:BB:CC:DD:EE:FF",
	}
}

func TestNewTracker(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{TickMs: 5000, HAL: "http://iofog:10500", Broker: "tcp://localhost:1883", HTTPAddr: ":8080"}
	tr := NewTracker(start, cfg)

	snap := tr.Snapshot()
	if !snap.StartTime.Equal(start) {
		t.Errorf("StartTime: got %v, want %v", snap.StartTime, start)
	}
	if snap.Config != cfg {
		t.Errorf("Config: got %+v, want %+v", snap.Config, cfg)
	}
	if snap.State() != logic.StateUnbound {
		t.Errorf("State: got %q, want unbound", snap.State())
	}
	if snap.LastReading != nil {
		t.Error("expected no reading initially")
	}
	if snap.MQTTConnected {
		t.Error("expected MQTTConnected=false initially")
	}
}

func TestRecordTick(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	at := time.Date(2026, 1, 1, 12, 0, 5, 0, time.UTC)
	b := logic.Binding{DeviceMAC: "AA:BB:CC:DD:EE:FF", Subscription: "/sub/abc123"}

	tr.RecordTick(at, "01J0000000000000000000TICK", b, connected(), nil)

	snap := tr.Snapshot()
	if snap.State() != logic.StateSubscribed {
		t.Errorf("State: got %q, want subscribed", snap.State())
	}
	if !snap.LastTick.Equal(at) {
		t.Errorf("LastTick: got %v, want %v", snap.LastTick, at)
	}
	if snap.LastTickID != "01J0000000000000000000TICK" {
		t.Errorf("LastTickID: got %q", snap.LastTickID)
	}
	if snap.LastReading == nil || snap.LastReading.HeartRate != 144 {
		t.Errorf("LastReading: got %+v", snap.LastReading)
	}
	if snap.Counts.Ticks != 1 || snap.Counts.Connected != 1 || snap.Counts.Errors != 0 {
		t.Errorf("Counts: got %+v", snap.Counts)
	}
}

func TestRecordTickError(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})

	tr.RecordTick(time.Now(), "a", logic.Binding{}, logic.Reading{Units: logic.Units}, errors.New("list devices: hal unreachable"))
	snap := tr.Snapshot()
	if snap.Counts.Errors != 1 {
		t.Errorf("Errors: got %d, want 1", snap.Counts.Errors)
	}
	if snap.Counts.Connected != 0 {
		t.Errorf("Connected: got %d, want 0", snap.Counts.Connected)
	}
	if snap.LastError != "list devices: hal unreachable" {
		t.Errorf("LastError: got %q", snap.LastError)
	}

	// A clean tick clears the last error but not the count.
	tr.RecordTick(time.Now(), "b", logic.Binding{}, logic.Reading{Units: logic.Units}, nil)
	snap = tr.Snapshot()
	if snap.LastError != "" {
		t.Errorf("LastError should clear, got %q", snap.LastError)
	}
	if snap.Counts.Errors != 1 || snap.Counts.Ticks != 2 {
		t.Errorf("Counts: got %+v", snap.Counts)
	}
}

func TestRecordSkip(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	tr.RecordSkip()
	tr.RecordSkip()
	if got := tr.Snapshot().Counts.Skipped; got != 2 {
		t.Errorf("Skipped: got %d, want 2", got)
	}
}

func TestSetOperating(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	tr.SetOperating(logic.Configuration{TestMode: false, DataLabel: "Rider 7"}, 3)

	snap := tr.Snapshot()
	if snap.Operating.TestMode || snap.Operating.DataLabel != "Rider 7" {
		t.Errorf("Operating: got %+v", snap.Operating)
	}
	if snap.ConfigVersion != 3 {
		t.Errorf("ConfigVersion: got %d, want 3", snap.ConfigVersion)
	}
}

func TestSetMQTTConnected(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})

	tr.SetMQTTConnected(true)
	if !tr.Snapshot().MQTTConnected {
		t.Error("expected MQTTConnected=true")
	}

	tr.SetMQTTConnected(false)
	if tr.Snapshot().MQTTConnected {
		t.Error("expected MQTTConnected=false")
	}
}

func TestSetNetwork(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})

	if tr.Snapshot().Network != nil {
		t.Error("expected nil Network initially")
	}

	tr.SetNetwork(&NetworkInfo{Type: "wifi", IP: "192.168.1.42", Status: "connected"})
	snap := tr.Snapshot()
	if snap.Network == nil || snap.Network.IP != "192.168.1.42" {
		t.Errorf("Network: got %+v", snap.Network)
	}
}

func TestSnapshotUptime(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := Snapshot{StartTime: start, Now: start.Add(90 * time.Minute)}
	if snap.Uptime() != 90*time.Minute {
		t.Errorf("Uptime: got %v, want 90m", snap.Uptime())
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	tr.RecordTick(time.Now(), "a", logic.Binding{}, connected(), nil)

	snap := tr.Snapshot()
	snap.LastReading.HeartRate = 0

	if got := tr.Snapshot().LastReading.HeartRate; got != 144 {
		t.Errorf("mutating a snapshot leaked into the tracker: got %d", got)
	}
}

func TestFormatJSON(t *testing.T) {
	r := connected()
	snap := Snapshot{
		Binding:       logic.Binding{DeviceMAC: "AA:BB:CC:DD:EE:FF", Subscription: "/sub/abc123"},
		LastReading:   &r,
		LastTick:      time.Date(2026, 1, 1, 0, 0, 55, 0, time.UTC),
		Operating:     logic.Configuration{TestMode: false, DataLabel: "Rider 7"},
		ConfigVersion: 2,
		Counts:        Counts{Ticks: 12, Skipped: 1, Errors: 2, Connected: 9},
		StartTime:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Now:           time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC),
		MQTTConnected: true,
		Config:        Config{TickMs: 5000, Broker: "tcp://localhost:1883", Prefix: "RHYTHM+"},
	}

	var parsed StatusJSON
	if err := json.Unmarshal(FormatJSON(snap), &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	s := parsed.Status

	if s.State != string(logic.StateSubscribed) {
		t.Errorf("State: got %q, want SUBSCRIBED", s.State)
	}
	if !s.Subscribed || s.DeviceMAC != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("binding: subscribed=%v mac=%q", s.Subscribed, s.DeviceMAC)
	}
	if s.Reading == nil || s.Reading.HeartRate != 144 || s.Reading.Units != "bpm" {
		t.Errorf("Reading: got %+v", s.Reading)
	}
	if s.LastTick != "2026-01-01T00:00:55Z" {
		t.Errorf("LastTick: got %q", s.LastTick)
	}
	if s.UptimeSeconds != 60 {
		t.Errorf("UptimeSeconds: got %d, want 60", s.UptimeSeconds)
	}
	if !s.MQTT.Connected || s.MQTT.Broker != "tcp://localhost:1883" {
		t.Errorf("MQTT: got %+v", s.MQTT)
	}
	if s.Operating.DataLabel != "Rider 7" || s.Operating.Version != 2 {
		t.Errorf("Operating: got %+v", s.Operating)
	}
	if s.Counts.Ticks != 12 || s.Counts.Skipped != 1 || s.Counts.Errors != 2 || s.Counts.Connected != 9 {
		t.Errorf("Counts: got %+v", s.Counts)
	}
	if s.Config.TickMs != 5000 || s.Config.Prefix != "RHYTHM+" {
		t.Errorf("Config: got %+v", s.Config)
	}
	if s.Event != "" || s.Reason != "" {
		t.Errorf("web JSON should carry no event/reason, got %q/%q", s.Event, s.Reason)
	}
}

func TestFormatJSONBeforeFirstTick(t *testing.T) {
	snap := Snapshot{
		StartTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Now:       time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC),
	}

	var raw map[string]map[string]any
	if err := json.Unmarshal(FormatJSON(snap), &raw); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	s := raw["status"]
	if s["state"] != string(logic.StateUnbound) {
		t.Errorf("state: got %v, want unbound", s["state"])
	}
	for _, key := range []string{"reading", "last_tick", "device_mac", "network", "last_error"} {
		if _, ok := s[key]; ok {
			t.Errorf("expected %q to be omitted before the first tick", key)
		}
	}
}

func TestFormatStatusEvent(t *testing.T) {
	snap := Snapshot{
		StartTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Now:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	var parsed StatusJSON
	if err := json.Unmarshal(FormatStatusEvent(snap, "SHUTDOWN", "SIGTERM"), &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.Status.Event != "SHUTDOWN" {
		t.Errorf("Event: got %q", parsed.Status.Event)
	}
	if parsed.Status.Reason != "SIGTERM" {
		t.Errorf("Reason: got %q", parsed.Status.Reason)
	}
	if parsed.Status.Timestamp != "2026-01-01T00:00:00Z" {
		t.Errorf("Timestamp: got %q", parsed.Status.Timestamp)
	}
}

func TestFormatStatusEventOmitsReasonWhenEmpty(t *testing.T) {
	var raw map[string]map[string]any
	if err := json.Unmarshal(FormatStatusEvent(Snapshot{}, "STARTUP", ""), &raw); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, ok := raw["status"]["reason"]; ok {
		t.Error("expected reason to be omitted")
	}
	if raw["status"]["event"] != "STARTUP" {
		t.Errorf("event: got %v", raw["status"]["event"])
	}
}

func TestFormatJSONWithNetwork(t *testing.T) {
	snap := Snapshot{
		Network: &NetworkInfo{Type: "wifi", IP: "192.168.1.42", Status: "connected", SSID: "MyNet"},
	}

	var parsed StatusJSON
	if err := json.Unmarshal(FormatJSON(snap), &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.Status.Network == nil {
		t.Fatal("expected Network in JSON")
	}
	if parsed.Status.Network.IP != "192.168.1.42" || parsed.Status.Network.SSID != "MyNet" {
		t.Errorf("Network: got %+v", parsed.Status.Network)
	}
}

func TestConcurrentAccess(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			tr.RecordTick(time.Now(), "x", logic.Binding{DeviceMAC: "AA"}, connected(), nil)
			tr.RecordSkip()
			tr.SetMQTTConnected(i%2 == 0)
			tr.SetNetwork(&NetworkInfo{IP: "1.2.3.4"})
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			snap := tr.Snapshot()
			_ = FormatJSON(snap)
		}
	}()

	wg.Wait()
}
