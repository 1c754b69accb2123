// Package scheduler drives acquisition ticks at a fixed cadence and relays
// configuration refresh signals into the config store.
package scheduler

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/sweeney/hr-sensor/internal/configstore"
	"github.com/sweeney/hr-sensor/internal/gpio"
	"github.com/sweeney/hr-sensor/internal/logic"
	"github.com/sweeney/hr-sensor/internal/status"
	"github.com/sweeney/hr-sensor/internal/tracer"
)

// Defaults.
const (
	DefaultPeriod          = 5 * time.Second
	DefaultRefreshInterval = time.Second
	refreshTimeout         = 10 * time.Second
)

// Publisher hands readings to the message bus.
type Publisher interface {
	Publish(reading logic.Reading) error
}

// Options configures a Scheduler. Zero values fall back to defaults;
// Indicator and Tracker are optional.
type Options struct {
	Period          time.Duration
	RefreshInterval time.Duration
	Indicator       gpio.Indicator
	Tracker         *status.Tracker
	Now             func() time.Time
}

// Scheduler owns the device binding and runs one tick at a time.
type Scheduler struct {
	machine   *logic.Machine
	store     *configstore.Store
	pub       Publisher
	indicator gpio.Indicator
	tracker   *status.Tracker
	logger    *slog.Logger
	now       func() time.Time

	period    time.Duration
	limiter   *rate.Limiter
	refreshCh chan struct{}

	mu      sync.Mutex
	binding logic.Binding
	entropy io.Reader
}

// New creates a Scheduler.
func New(machine *logic.Machine, store *configstore.Store, pub Publisher, opts Options, logger *slog.Logger) *Scheduler {
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	limit := rate.Inf
	if opts.RefreshInterval > 0 {
		limit = rate.Every(opts.RefreshInterval)
	}

	start := opts.Now()
	return &Scheduler{
		machine:   machine,
		store:     store,
		pub:       pub,
		indicator: opts.Indicator,
		tracker:   opts.Tracker,
		logger:    logger,
		now:       opts.Now,
		period:    opts.Period,
		limiter:   rate.NewLimiter(limit, 1),
		refreshCh: make(chan struct{}, 1),
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(start.UnixNano())), 0),
	}
}

// Run starts ticking and refreshing configuration. It blocks until ctx ends,
// then waits for the running tick to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithLogger(s.cronLogger()))
	c.Schedule(every(s.period), s.Job(ctx))
	c.Start()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.refreshLoop(ctx)
	}()

	s.logger.Info("scheduler started", "period", s.period)
	<-ctx.Done()

	stopCtx := c.Stop()
	<-stopCtx.Done()
	wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// Job returns the tick as a cron job. A tick that fires while the previous
// one is still in flight is skipped, never queued. Recover sits inside the
// skip guard so a panicking tick still releases it.
func (s *Scheduler) Job(ctx context.Context) cron.Job {
	l := s.cronLogger()
	return cron.NewChain(cron.SkipIfStillRunning(l), cron.Recover(l)).Then(cron.FuncJob(func() {
		s.Tick(ctx)
	}))
}

// Tick runs one acquisition cycle and publishes its reading.
// Callers must not run Tick concurrently; Job provides that guarantee.
func (s *Scheduler) Tick(ctx context.Context) logic.Reading {
	now := s.now()
	id := s.newTickID(now)

	ctx, span := tracer.StartSpan(ctx, "tick", trace.WithAttributes(tracer.StringAttr("tick.id", id)))
	defer span.End()

	cfg := s.store.Current()
	prev := s.Binding()

	next, reading, err := s.machine.Tick(ctx, cfg, prev)
	if !next.Valid() {
		s.logger.Error("invalid binding after tick, resetting", "tick", id, "mac", next.DeviceMAC)
		next = logic.Binding{}
	}

	s.mu.Lock()
	s.binding = next
	s.mu.Unlock()

	span.SetAttributes(
		tracer.StringAttr("acquire.state", string(next.State())),
		tracer.BoolAttr("reading.device_connected", reading.DeviceConnected),
		tracer.IntAttr("reading.heart_rate", reading.HeartRate),
	)
	if err != nil {
		tracer.RecordError(span, err)
		s.logger.Warn("acquisition fallback", "tick", id, "from", prev.State(), "to", next.State(), "error", err)
	} else {
		tracer.SetOK(span)
	}
	if prev.State() != next.State() {
		s.logger.Info("acquisition state change", "tick", id, "from", prev.State(), "to", next.State(), "mac", next.DeviceMAC)
	}

	s.logger.Debug("reading",
		"tick", id,
		"heart_rate", reading.HeartRate,
		"device_connected", reading.DeviceConnected,
		"bluetooth_connected", reading.BLEConnected,
		"simulated", reading.Simulated)

	if err := s.pub.Publish(reading); err != nil {
		// Don't undo the tick on publish failure
		s.logger.Error("publish error", "tick", id, "error", err)
	}

	if s.indicator != nil {
		if err := s.indicator.Set(reading.DeviceConnected); err != nil {
			s.logger.Warn("indicator error", "error", err)
		}
	}

	if s.tracker != nil {
		s.tracker.RecordTick(now, id, next, reading, err)
	}
	return reading
}

// Binding returns the binding that the next tick will start from.
func (s *Scheduler) Binding() logic.Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binding
}

// NotifyConfigChanged requests a configuration refresh. Signals arriving
// while one is already pending are coalesced.
func (s *Scheduler) NotifyConfigChanged() {
	select {
	case s.refreshCh <- struct{}{}:
	default:
	}
}

// Refresh fetches configuration once and records the result.
func (s *Scheduler) Refresh(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	changed := s.store.Refresh(ctx)
	if s.tracker != nil {
		s.tracker.SetOperating(s.store.Current(), s.store.Version())
	}
	return changed
}

// refreshLoop refreshes once at startup and again after every signal.
func (s *Scheduler) refreshLoop(ctx context.Context) {
	s.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.refreshCh:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			s.Refresh(ctx)
		}
	}
}

func (s *Scheduler) newTickID(t time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

func (s *Scheduler) cronLogger() cron.Logger {
	return cronLogger{logger: s.logger, onSkip: func() {
		if s.tracker != nil {
			s.tracker.RecordSkip()
		}
	}}
}

// every returns a cron.Schedule firing at a fixed interval.
// Unlike cron.Every, it supports sub-second periods.
func every(d time.Duration) cron.Schedule {
	return constantDelay{delay: d}
}

type constantDelay struct {
	delay time.Duration
}

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
	onSkip func()
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if msg == "skip" {
		l.logger.Warn("tick skipped, previous tick still running")
		if l.onSkip != nil {
			l.onSkip()
		}
		return
	}
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
