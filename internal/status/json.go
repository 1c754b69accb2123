package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string        `json:"event,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	State         string        `json:"state"`
	DeviceMAC     string        `json:"device_mac,omitempty"`
	Subscribed    bool          `json:"subscribed"`
	Reading       *ReadingJSON  `json:"reading,omitempty"`
	LastTick      string        `json:"last_tick,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	StartTime     string        `json:"start_time"`
	Timestamp     string        `json:"timestamp"`
	MQTT          MQTTStatus    `json:"mqtt"`
	Operating     OperatingJSON `json:"operating"`
	Counts        CountsJSON    `json:"tick_counts"`
	Network       *NetworkJSON  `json:"network,omitempty"`
	Config        ConfigJSON    `json:"config"`
}

// ReadingJSON is the last published reading.
type ReadingJSON struct {
	DeviceConnected bool   `json:"device_connected"`
	BLEConnected    bool   `json:"bluetooth_connected"`
	Simulated       bool   `json:"simulated"`
	HeartRate       int    `json:"heart_rate"`
	Units           string `json:"units"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// OperatingJSON is the operating configuration pushed by the agent.
type OperatingJSON struct {
	TestMode  bool   `json:"test_mode"`
	DataLabel string `json:"data_label"`
	Version   uint64 `json:"version"`
}

// CountsJSON is the JSON representation of tick counts.
type CountsJSON struct {
	Ticks     int `json:"ticks"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
	Connected int `json:"connected"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	TickMs   int64  `json:"tick_ms"`
	HAL      string `json:"hal"`
	Prefix   string `json:"prefix"`
	Broker   string `json:"broker"`
	Topic    string `json:"topic"`
	HTTPAddr string `json:"http_addr"`
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		State:         string(snap.State()),
		DeviceMAC:     snap.Binding.DeviceMAC,
		Subscribed:    snap.Binding.Subscription != "",
		LastError:     snap.LastError,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Operating: OperatingJSON{
			TestMode:  snap.Operating.TestMode,
			DataLabel: snap.Operating.DataLabel,
			Version:   snap.ConfigVersion,
		},
		Counts: CountsJSON{
			Ticks:     snap.Counts.Ticks,
			Skipped:   snap.Counts.Skipped,
			Errors:    snap.Counts.Errors,
			Connected: snap.Counts.Connected,
		},
		Config: ConfigJSON{
			TickMs:   snap.Config.TickMs,
			HAL:      snap.Config.HAL,
			Prefix:   snap.Config.Prefix,
			Broker:   snap.Config.Broker,
			Topic:    snap.Config.Topic,
			HTTPAddr: snap.Config.HTTPAddr,
		},
	}

	if !snap.LastTick.IsZero() {
		inner.LastTick = snap.LastTick.UTC().Format(time.RFC3339)
	}
	if r := snap.LastReading; r != nil {
		inner.Reading = &ReadingJSON{
			DeviceConnected: r.DeviceConnected,
			BLEConnected:    r.BLEConnected,
			Simulated:       r.Simulated,
			HeartRate:       r.HeartRate,
			Units:           r.Units,
		}
	}
	return inner
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
