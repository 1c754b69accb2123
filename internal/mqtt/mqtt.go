// Package mqtt publishes heart-rate readings to the message bus, with an
// abstraction for testing.
package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sweeney/hr-sensor/internal/logic"
)

// Default topics.
const (
	Topic        = "health/hr-sensor/readings"
	TopicSystem  = "health/hr-sensor/system"
	TopicControl = "health/hr-sensor/control"
)

// Envelope constants for heart-rate messages.
const (
	InfoType   = "heartrate"
	InfoFormat = "utf-8/json"
)

// Publisher publishes readings to the bus.
type Publisher interface {
	// Publish sends one reading. Returns error if publishing fails
	// (must not crash the process or undo the tick).
	Publish(reading logic.Reading) error

	// PublishSystem sends a system lifecycle event.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the bus connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a lifecycle event (STARTUP, SHUTDOWN).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string
	Reason     string // e.g. "SIGTERM" (shutdown only)
	RawPayload []byte // pre-formatted JSON; if set, FormatSystemPayload returns it directly
	Retained   bool
}

// ReadingPayload is the JSON carried in an envelope's contentdata.
type ReadingPayload struct {
	DeviceConnected    bool   `json:"device_connected"`
	BluetoothConnected bool   `json:"bluetooth_connected"`
	Simulated          bool   `json:"simulated"`
	Label              string `json:"label"`
	HeartRate          int    `json:"heart_rate"`
	Units              string `json:"units"`
	DeviceMAC          string `json:"device_mac_address"`
}

// Envelope is the fixed-shape outbound message.
type Envelope struct {
	Tag              string `json:"tag"`
	GroupID          string `json:"groupid"`
	SequenceNumber   int    `json:"sequencenumber"`
	SequenceTotal    int    `json:"sequencetotal"`
	Priority         int    `json:"priority"`
	AuthID           string `json:"authid"`
	AuthGroup        string `json:"authgroup"`
	ChainPosition    int64  `json:"chainposition"`
	Hash             string `json:"hash"`
	PreviousHash     string `json:"previoushash"`
	Nonce            string `json:"nonce"`
	DifficultyTarget int    `json:"difficultytarget"`
	InfoType         string `json:"infotype"`
	InfoFormat       string `json:"infoformat"`
	ContextData      string `json:"contextdata"`
	ContentData      string `json:"contentdata"`
}

// FormatReading returns the JSON content for a reading.
func FormatReading(r logic.Reading) ([]byte, error) {
	return json.Marshal(ReadingPayload{
		DeviceConnected:    r.DeviceConnected,
		BluetoothConnected: r.BLEConnected,
		Simulated:          r.Simulated,
		Label:              r.Label,
		HeartRate:          r.HeartRate,
		Units:              r.Units,
		DeviceMAC:          r.DeviceMAC,
	})
}

// FormatEnvelope wraps a reading in the outbound envelope.
func FormatEnvelope(r logic.Reading) ([]byte, error) {
	content, err := FormatReading(r)
	if err != nil {
		return nil, fmt.Errorf("format reading: %w", err)
	}
	return json.Marshal(Envelope{
		SequenceNumber: 1,
		SequenceTotal:  1,
		InfoType:       InfoType,
		InfoFormat:     InfoFormat,
		ContentData:    string(content),
	})
}

// SystemPayload is the payload for simple lifecycle events (LWT) that
// don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	return json.Marshal(SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	})
}
