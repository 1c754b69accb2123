package gpio

import "sync"

// FakeIndicator records LED writes for test assertions.
type FakeIndicator struct {
	mu sync.Mutex

	// History contains every value passed to Set.
	History []bool

	// On is the last value set.
	On bool

	// Closed tracks if Close was called.
	Closed bool

	// SetError, if set, will be returned by Set.
	SetError error
}

// NewFakeIndicator creates a FakeIndicator that starts off.
func NewFakeIndicator() *FakeIndicator {
	return &FakeIndicator{}
}

// Set records the value.
func (f *FakeIndicator) Set(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SetError != nil {
		return f.SetError
	}
	f.History = append(f.History, on)
	f.On = on
	return nil
}

// Close turns the fake off and marks it closed.
func (f *FakeIndicator) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.On = false
	f.Closed = true
	return nil
}

// IsOn reports the last value set.
func (f *FakeIndicator) IsOn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.On
}

// Reset clears recorded writes.
func (f *FakeIndicator) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.History = nil
	f.On = false
	f.Closed = false
	f.SetError = nil
}
