// Command hr-sensor binds to a BLE heart-rate strap through the ioFog HAL and
// publishes one reading per tick to MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/sweeney/hr-sensor/internal/config"
	"github.com/sweeney/hr-sensor/internal/configstore"
	"github.com/sweeney/hr-sensor/internal/control"
	"github.com/sweeney/hr-sensor/internal/gpio"
	"github.com/sweeney/hr-sensor/internal/hal"
	"github.com/sweeney/hr-sensor/internal/logger"
	"github.com/sweeney/hr-sensor/internal/logic"
	"github.com/sweeney/hr-sensor/internal/mqtt"
	"github.com/sweeney/hr-sensor/internal/scheduler"
	"github.com/sweeney/hr-sensor/internal/status"
	"github.com/sweeney/hr-sensor/internal/tracer"
	"github.com/sweeney/hr-sensor/internal/web"
)

// statusInterval is how often the MQTT connection and network info are
// copied into the status tracker.
const statusInterval = 5 * time.Second

func main() {
	settings, listDevices, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(2)
	}

	if err := run(settings, listDevices); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags loads settings from --config and the environment, then applies
// any flags given explicitly on the command line.
func parseFlags(args []string, stderr io.Writer) (*config.Settings, bool, error) {
	d := config.Defaults()

	fs := pflag.NewFlagSet("hr-sensor", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "YAML settings file")
	halURL := fs.String("hal", d.HAL.URL, "HAL base URL")
	halTimeout := fs.Duration("hal-timeout", d.HAL.Timeout, "Timeout for a single HAL call")
	prefix := fs.String("prefix", d.HAL.Prefix, "Local-name prefix of the heart-rate strap")
	tick := fs.Duration("tick", d.Tick, "Acquisition tick period")
	broker := fs.String("broker", d.MQTT.Broker, "MQTT broker address")
	clientID := fs.String("client-id", d.MQTT.ClientID, "MQTT client id")
	agentURL := fs.String("agent", d.Agent.URL, `ioFog agent URL ("" disables config pull)`)
	agentID := fs.String("agent-id", d.Agent.ID, "Microservice id used with the agent")
	configFile := fs.String("config-file", "", "Static operating config (YAML), overrides agent pull")
	controlWS := fs.Bool("control-ws", d.Agent.ControlSocket, "Listen for config signals on the agent control socket")
	httpAddr := fs.String("http", d.HTTPAddr, "HTTP status address (empty to disable)")
	ledPin := fs.Int("led-pin", d.LEDPin, "BCM pin for the connection LED (-1 disables)")
	logLevel := fs.String("log-level", d.Logger.Level, "Log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", d.Logger.Format, "Log format (text, json)")
	trace := fs.String("trace", "", `Trace exporter ("stdout" enables)`)
	list := fs.Bool("list-devices", false, "List devices visible to the HAL and exit")

	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	s, err := config.Load(*configPath)
	if err != nil {
		return nil, false, err
	}

	if fs.Changed("hal") {
		s.HAL.URL = *halURL
	}
	if fs.Changed("hal-timeout") {
		s.HAL.Timeout = *halTimeout
	}
	if fs.Changed("prefix") {
		s.HAL.Prefix = *prefix
	}
	if fs.Changed("tick") {
		s.Tick = *tick
	}
	if fs.Changed("broker") {
		s.MQTT.Broker = *broker
	}
	if fs.Changed("client-id") {
		s.MQTT.ClientID = *clientID
	}
	if fs.Changed("agent") {
		s.Agent.URL = *agentURL
	}
	if fs.Changed("agent-id") {
		s.Agent.ID = *agentID
	}
	if fs.Changed("config-file") {
		s.ConfigFile = *configFile
	}
	if fs.Changed("control-ws") {
		s.Agent.ControlSocket = *controlWS
	}
	if fs.Changed("http") {
		s.HTTPAddr = *httpAddr
	}
	if fs.Changed("led-pin") {
		s.LEDPin = *ledPin
	}
	if fs.Changed("log-level") {
		s.Logger.Level = *logLevel
	}
	if fs.Changed("log-format") {
		s.Logger.Format = *logFormat
	}
	if fs.Changed("trace") {
		s.Tracer.Enabled = *trace != "" && *trace != "noop"
		s.Tracer.Exporter = *trace
	}

	return s, *list, nil
}

func run(s *config.Settings, listDevices bool) error {
	log, closeLog, err := logger.New(s.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLog()

	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := tracer.Setup(ctx, s.Tracer)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	h := newHAL(s, log)

	if listDevices {
		return printDevices(ctx, h, s.HAL.Prefix, os.Stdout)
	}

	store := configstore.New(selectSource(s), logic.DefaultConfiguration(), log)

	publisher := mqtt.NewRealPublisher(mqtt.Options{
		Broker:      s.MQTT.Broker,
		ClientID:    s.MQTT.ClientID,
		Topic:       s.MQTT.Topic,
		SystemTopic: s.MQTT.SystemTopic,
		BufferSize:  s.MQTT.BufferSize,
		MaxAge:      s.MQTT.MaxAge,
	}, log)
	defer publisher.Close()

	// Initialize status tracker (before STARTUP so snapshot is available)
	tracker := status.NewTracker(time.Now(), status.Config{
		TickMs:   s.Tick.Milliseconds(),
		HAL:      s.HAL.URL,
		Prefix:   s.HAL.Prefix,
		Broker:   s.MQTT.Broker,
		Topic:    s.MQTT.Topic,
		HTTPAddr: s.HTTPAddr,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}
	tracker.SetOperating(store.Current(), store.Version())

	opts := scheduler.Options{
		Period:          s.Tick,
		RefreshInterval: s.Agent.RefreshInterval,
		Tracker:         tracker,
	}
	if s.LEDPin >= 0 {
		led, err := gpio.NewRealIndicator(s.LEDPin)
		if err != nil {
			log.Warn("LED disabled", "pin", s.LEDPin, "error", err)
		} else {
			defer led.Close()
			opts.Indicator = led
		}
	}

	machine := logic.NewMachine(h,
		logic.WithPrefix(s.HAL.Prefix),
		logic.WithCallTimeout(s.HAL.Timeout),
	)
	sched := scheduler.New(machine, store, publisher, opts, log)

	if s.MQTT.ControlTopic != "" {
		if err := publisher.SubscribeControl(s.MQTT.ControlTopic, sched.NotifyConfigChanged); err != nil {
			log.Warn("control topic subscribe failed", "topic", s.MQTT.ControlTopic, "error", err)
		}
	}
	if s.ConfigFile == "" && s.Agent.URL != "" && s.Agent.ControlSocket {
		ws := control.NewWSListener(control.SocketURL(s.Agent.URL, s.Agent.ID), sched.NotifyConfigChanged, log)
		go ws.Run(ctx)
	}

	// Publish startup event with full status snapshot
	tracker.SetMQTTConnected(publisher.IsConnected())
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		log.Warn("failed to publish startup event", "error", err)
	} else {
		log.Info("published startup event")
	}

	if s.HTTPAddr != "" {
		srv := web.New(s.HTTPAddr, tracker, log.With("component", "web"))
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("http server error", "error", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Info("http status server listening", "addr", s.HTTPAddr)
	}

	log.Info("started",
		"tick", s.Tick,
		"hal", s.HAL.URL,
		"prefix", s.HAL.Prefix,
		"broker", s.MQTT.Broker,
		"agent", s.Agent.URL,
	)

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(ctx, sched, publisher, publisher, tracker, log, time.Now, ticker.C, sigCh)
}

// runLoop runs the scheduler until a signal arrives, keeping the tracker's
// connection info fresh on every status tick. The shutdown event is published
// after the in-flight tick has finished.
func runLoop(ctx context.Context, sched *scheduler.Scheduler, publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, log *slog.Logger, now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- sched.Run(ctx)
	}()

	for {
		select {
		case s := <-sig:
			log.Info("shutting down", "signal", s.String())
			cancel()
			err := <-done

			name := signalName(s)
			event := mqtt.SystemEvent{
				Timestamp: now(),
				Event:     "SHUTDOWN",
				Reason:    name,
				Retained:  true,
			}
			if tracker != nil {
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
				snap := tracker.Snapshot()
				event.RawPayload = status.FormatStatusEvent(snap, "SHUTDOWN", name)
			}
			if perr := publisher.PublishSystem(event); perr != nil {
				log.Warn("failed to publish shutdown event", "error", perr)
			} else {
				log.Info("published shutdown event")
			}
			return err

		case err := <-done:
			return err

		case <-tick:
			if tracker == nil {
				continue
			}
			if mqttStatus != nil {
				tracker.SetMQTTConnected(mqttStatus.IsConnected())
			}
			if net := readNetworkInfo(); net != nil {
				tracker.SetNetwork(net)
			}
		}
	}
}

// newHAL builds the HAL client, behind a circuit breaker unless disabled.
func newHAL(s *config.Settings, log *slog.Logger) logic.HAL {
	client := hal.NewClient(s.HAL.URL, s.HAL.Timeout, log)
	if !s.HAL.Breaker.Enabled {
		return client
	}
	return hal.NewBreaker(client, hal.BreakerConfig{
		MaxFailures: s.HAL.Breaker.MaxFailures,
		Timeout:     s.HAL.Breaker.Timeout,
		Interval:    s.HAL.Breaker.Interval,
	}, log)
}

// selectSource picks where the operating configuration comes from:
// a static file wins over the agent; with neither it stays at defaults.
func selectSource(s *config.Settings) configstore.Source {
	switch {
	case s.ConfigFile != "":
		return configstore.NewFileSource(s.ConfigFile)
	case s.Agent.URL != "":
		return configstore.NewAgentSource(s.Agent.URL, s.Agent.ID, s.HAL.Timeout)
	default:
		return nil
	}
}

// printDevices writes the devices the HAL can see, marking those that
// match prefix with '*'.
func printDevices(ctx context.Context, h logic.HAL, prefix string, w io.Writer) error {
	devices, err := h.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	if len(devices) == 0 {
		fmt.Fprintln(w, "no devices")
		return nil
	}

	match := logic.MatchDevice(devices, prefix)
	for _, d := range devices {
		mark := " "
		if d.MAC != "" && d.MAC == match {
			mark = "*"
		}
		fmt.Fprintf(w, "%s %s  %s\n", mark, d.MAC, d.LocalName)
	}
	return nil
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return "UNKNOWN"
	}
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
