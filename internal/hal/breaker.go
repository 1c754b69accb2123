package hal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/sweeney/hr-sensor/internal/logic"
)

// Default circuit breaker settings.
const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the HAL circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before a probe is allowed.
	Timeout time.Duration `yaml:"timeout"`
	// Interval clears failure counts while closed. 0 uses the default.
	Interval time.Duration `yaml:"interval"`
}

// Breaker wraps a logic.HAL with a circuit breaker. While open, calls fail
// fast with an error wrapping gobreaker.ErrOpenState, which the state machine
// treats like any other transport failure.
type Breaker struct {
	inner   logic.HAL
	breaker *gobreaker.CircuitBreaker[any]
}

// NewBreaker wraps inner. Zero-valued fields in cfg fall back to defaults.
func NewBreaker(inner logic.HAL, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "hal",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// An expired subscription means the HAL is healthy.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, logic.ErrSubscriptionNotFound)
		},
	})

	return &Breaker{inner: inner, breaker: cb}
}

// ListDevices implements logic.HAL.
func (b *Breaker) ListDevices(ctx context.Context) ([]logic.Device, error) {
	v, err := b.breaker.Execute(func() (any, error) {
		return b.inner.ListDevices(ctx)
	})
	if err != nil {
		return nil, wrapOpen(err)
	}
	return v.([]logic.Device), nil
}

// Subscribe implements logic.HAL.
func (b *Breaker) Subscribe(ctx context.Context, mac string) (string, error) {
	v, err := b.breaker.Execute(func() (any, error) {
		return b.inner.Subscribe(ctx, mac)
	})
	if err != nil {
		return "", wrapOpen(err)
	}
	return v.(string), nil
}

// Poll implements logic.HAL.
func (b *Breaker) Poll(ctx context.Context, locator string) (logic.Notification, error) {
	v, err := b.breaker.Execute(func() (any, error) {
		return b.inner.Poll(ctx, locator)
	})
	if err != nil {
		return logic.Notification{}, wrapOpen(err)
	}
	return v.(logic.Notification), nil
}

// State returns the breaker state for monitoring.
func (b *Breaker) State() gobreaker.State {
	return b.breaker.State()
}

func wrapOpen(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("hal circuit open: %w", err)
	}
	return err
}

var _ logic.HAL = (*Breaker)(nil)
