package hal

import (
	"context"
	"errors"
	"sync"

	"github.com/sweeney/hr-sensor/internal/logic"
)

// Fake is a test double that returns scripted HAL responses.
// Safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	// Devices is returned by ListDevices.
	Devices []logic.Device
	// ListError, if set, is returned by ListDevices.
	ListError error

	// Locator is returned by Subscribe.
	Locator string
	// SubscribeError, if set, is returned by Subscribe.
	SubscribeError error

	// Notifications are returned by Poll in order; the last one repeats.
	Notifications []logic.Notification
	// PollError, if set, is returned by Poll.
	PollError error

	// Gate, if non-nil, blocks every call until a value is received or the
	// context ends. Used to simulate HAL latency.
	Gate chan struct{}

	// Calls records every call as "list", "subscribe <mac>" or "poll <locator>".
	Calls []string

	index int
}

// NewFake creates a Fake with no scripted data.
func NewFake() *Fake {
	return &Fake{}
}

// ListDevices returns the scripted device list.
func (f *Fake) ListDevices(ctx context.Context) ([]logic.Device, error) {
	if err := f.enter(ctx, "list"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListError != nil {
		return nil, f.ListError
	}
	return append([]logic.Device(nil), f.Devices...), nil
}

// Subscribe returns the scripted locator.
func (f *Fake) Subscribe(ctx context.Context, mac string) (string, error) {
	if err := f.enter(ctx, "subscribe "+mac); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubscribeError != nil {
		return "", f.SubscribeError
	}
	return f.Locator, nil
}

// Poll returns the next scripted notification.
func (f *Fake) Poll(ctx context.Context, locator string) (logic.Notification, error) {
	if err := f.enter(ctx, "poll "+locator); err != nil {
		return logic.Notification{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PollError != nil {
		return logic.Notification{}, f.PollError
	}
	if len(f.Notifications) == 0 {
		return logic.Notification{}, errors.New("no notifications configured")
	}
	n := f.Notifications[f.index]
	if f.index < len(f.Notifications)-1 {
		f.index++
	}
	return n, nil
}

// CallCount returns the number of calls made so far.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

// CallLog returns a copy of the recorded calls.
func (f *Fake) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}

// Reset clears scripted data and recorded calls.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Devices = nil
	f.ListError = nil
	f.Locator = ""
	f.SubscribeError = nil
	f.Notifications = nil
	f.PollError = nil
	f.Gate = nil
	f.Calls = nil
	f.index = 0
}

func (f *Fake) enter(ctx context.Context, call string) error {
	f.mu.Lock()
	f.Calls = append(f.Calls, call)
	gate := f.Gate
	f.mu.Unlock()

	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ logic.HAL = (*Fake)(nil)
