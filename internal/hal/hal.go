// Package hal talks to the local BLE hardware-abstraction REST service.
// The real client speaks HTTP; the fake lets tests script HAL behaviour.
package hal

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/sweeney/hr-sensor/internal/logic"
)

// DefaultBaseURL is where the HAL listens on an ioFog edge node.
const DefaultBaseURL = "http://iofog:10500"

// Heart Rate service and Heart Rate Measurement characteristic (16-bit UUIDs).
const (
	HeartRateService        = "180d"
	HeartRateCharacteristic = "2a37"
)

// maxBodyLog bounds how much of an unexpected response body is logged.
const maxBodyLog = 512

// StatusError is returned when the HAL answers with an unexpected status code.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Code, e.Body)
}

// deviceJSON is one element of GET /devices.
type deviceJSON struct {
	LocalName string `json:"local_name,omitempty"`
	MAC       string `json:"mac_id"`
}

// subscribeJSON is the body of a successful notify request.
type subscribeJSON struct {
	URL string `json:"url"`
}

// notificationJSON is the body of a successful subscription poll.
type notificationJSON struct {
	Data               []string `json:"data"`
	DeviceDisconnected bool     `json:"device_disconnected,omitempty"`
}

func (d deviceJSON) toDevice() logic.Device {
	return logic.Device{LocalName: d.LocalName, MAC: d.MAC}
}

func (n notificationJSON) toNotification() logic.Notification {
	return logic.Notification{Data: n.Data, DeviceDisconnected: n.DeviceDisconnected}
}

func devicesPath() string {
	return "/devices"
}

func notifyPath(mac string) string {
	return fmt.Sprintf("/device/mac/%s/service/%s/characteristic/%s/notify",
		url.PathEscape(mac), HeartRateService, HeartRateCharacteristic)
}

// locatorPath turns a subscription locator into a request path.
// The HAL returns locators both with and without a leading slash.
func locatorPath(locator string) string {
	return "/" + strings.TrimPrefix(locator, "/")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
