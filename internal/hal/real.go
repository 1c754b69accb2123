package hal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sweeney/hr-sensor/internal/logic"
	"github.com/sweeney/hr-sensor/internal/tracer"
)

// Client is the HTTP implementation of logic.HAL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a HAL client. timeout bounds every request end to end.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// ListDevices fetches the HAL scan list.
func (c *Client) ListDevices(ctx context.Context) ([]logic.Device, error) {
	var body []deviceJSON
	if err := c.get(ctx, "list_devices", devicesPath(), &body); err != nil {
		return nil, err
	}

	devices := make([]logic.Device, 0, len(body))
	for _, d := range body {
		devices = append(devices, d.toDevice())
	}
	return devices, nil
}

// Subscribe requests heart-rate notifications for mac.
func (c *Client) Subscribe(ctx context.Context, mac string) (string, error) {
	var body subscribeJSON
	if err := c.get(ctx, "subscribe", notifyPath(mac), &body); err != nil {
		return "", err
	}
	return body.URL, nil
}

// Poll fetches notifications buffered on the subscription.
func (c *Client) Poll(ctx context.Context, locator string) (logic.Notification, error) {
	var body notificationJSON
	err := c.get(ctx, "poll", locatorPath(locator), &body)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return logic.Notification{}, fmt.Errorf("%w: %v", logic.ErrSubscriptionNotFound, err)
	}
	if err != nil {
		return logic.Notification{}, err
	}
	return body.toNotification(), nil
}

// get issues a GET and decodes a 200 JSON response into out.
func (c *Client) get(ctx context.Context, op, path string, out any) (err error) {
	ctx, span := tracer.StartSpan(ctx, "hal."+op)
	defer func() {
		if err != nil {
			tracer.RecordError(span, err)
		} else {
			tracer.SetOK(span)
		}
		span.End()
	}()
	span.SetAttributes(tracer.StringAttr("hal.path", path))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("hal unreachable", "op", op, "path", path, "error", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(tracer.IntAttr("http.status_code", resp.StatusCode))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read body: %w", op, err)
	}

	if resp.StatusCode != http.StatusOK {
		body := truncate(strings.TrimSpace(string(data)), maxBodyLog)
		// 404 on a poll is the normal expiry signal, not HAL misbehaviour.
		if resp.StatusCode == http.StatusNotFound && op == "poll" {
			c.logger.Info("hal subscription expired", "path", path)
		} else {
			c.logger.Error("bad hal response", "op", op, "path", path, "status", resp.StatusCode, "body", body)
		}
		return &StatusError{Op: op, Code: resp.StatusCode, Body: body}
	}

	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Error("malformed hal response", "op", op, "path", path,
			"body", truncate(string(data), maxBodyLog), "error", err)
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

var _ logic.HAL = (*Client)(nil)
