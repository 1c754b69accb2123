package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/sweeney/hr-sensor/internal/config"
	"github.com/sweeney/hr-sensor/internal/configstore"
	"github.com/sweeney/hr-sensor/internal/hal"
	"github.com/sweeney/hr-sensor/internal/logger"
	"github.com/sweeney/hr-sensor/internal/logic"
	"github.com/sweeney/hr-sensor/internal/mqtt"
	"github.com/sweeney/hr-sensor/internal/scheduler"
	"github.com/sweeney/hr-sensor/internal/status"
)

// TestEnvVarNames verifies the env var constants match what pi-helper writes
// to /run/pi-helper.env. If pi-helper changes its var names, this test fails
// and we update the constants, not the other way around.
func TestEnvVarNames(t *testing.T) {
	want := map[string]string{
		"NETWORK_TYPE":        envNetworkType,
		"NETWORK_IP":          envNetworkIP,
		"NETWORK_STATUS":      envNetworkStatus,
		"NETWORK_GATEWAY":     envNetworkGateway,
		"NETWORK_WIFI_STATUS": envNetworkWifiStatus,
		"NETWORK_WIFI_SSID":   envNetworkWifiSSID,
	}
	for canonical, got := range want {
		if got != canonical {
			t.Errorf("env var constant: got %q, want %q", got, canonical)
		}
	}
}

func TestReadNetworkInfoAllSet(t *testing.T) {
	t.Setenv(envNetworkType, "wifi")
	t.Setenv(envNetworkIP, "192.168.1.100")
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkGateway, "192.168.1.1")
	t.Setenv(envNetworkWifiStatus, "connected")
	t.Setenv(envNetworkWifiSSID, "MyNetwork")

	info := readNetworkInfo()
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo")
	}

	want := status.NetworkInfo{
		Type:       "wifi",
		IP:         "192.168.1.100",
		Status:     "connected",
		Gateway:    "192.168.1.1",
		WifiStatus: "connected",
		SSID:       "MyNetwork",
	}
	if *info != want {
		t.Errorf("got %+v, want %+v", *info, want)
	}
}

func TestReadNetworkInfoNoneSet(t *testing.T) {
	t.Setenv(envNetworkStatus, "")
	if info := readNetworkInfo(); info != nil {
		t.Errorf("expected nil when NETWORK_STATUS is unset, got %+v", info)
	}
}

func TestSignalName(t *testing.T) {
	tests := []struct {
		sig  os.Signal
		want string
	}{
		{syscall.SIGINT, "SIGINT"},
		{syscall.SIGTERM, "SIGTERM"},
		{syscall.SIGHUP, "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := signalName(tt.sig); got != tt.want {
			t.Errorf("signalName(%v) = %q, want %q", tt.sig, got, tt.want)
		}
	}
}

// --- flag tests ---

func TestParseFlagsDefaults(t *testing.T) {
	s, list, err := parseFlags(nil, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if list {
		t.Error("list-devices should default to false")
	}
	d := config.Defaults()
	if s.HAL.URL != d.HAL.URL {
		t.Errorf("HAL.URL = %q, want %q", s.HAL.URL, d.HAL.URL)
	}
	if s.Tick != d.Tick {
		t.Errorf("Tick = %v, want %v", s.Tick, d.Tick)
	}
	if s.HAL.Prefix != logic.DefaultPrefix {
		t.Errorf("Prefix = %q, want %q", s.HAL.Prefix, logic.DefaultPrefix)
	}
}

func TestParseFlagsOverride(t *testing.T) {
	args := []string{
		"--hal", "http://localhost:9999",
		"--tick", "250ms",
		"--prefix", "POLAR",
		"--broker", "tcp://localhost:1883",
		"--agent", "",
		"--http", "",
		"--led-pin", "17",
		"--trace", "stdout",
		"--list-devices",
	}
	s, list, err := parseFlags(args, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if !list {
		t.Error("expected list-devices")
	}
	if s.HAL.URL != "http://localhost:9999" {
		t.Errorf("HAL.URL = %q", s.HAL.URL)
	}
	if s.Tick != 250*time.Millisecond {
		t.Errorf("Tick = %v", s.Tick)
	}
	if s.HAL.Prefix != "POLAR" {
		t.Errorf("Prefix = %q", s.HAL.Prefix)
	}
	if s.MQTT.Broker != "tcp://localhost:1883" {
		t.Errorf("Broker = %q", s.MQTT.Broker)
	}
	if s.Agent.URL != "" {
		t.Errorf("Agent.URL = %q, want empty", s.Agent.URL)
	}
	if s.HTTPAddr != "" {
		t.Errorf("HTTPAddr = %q, want empty", s.HTTPAddr)
	}
	if s.LEDPin != 17 {
		t.Errorf("LEDPin = %d", s.LEDPin)
	}
	if !s.Tracer.Enabled || s.Tracer.Exporter != "stdout" {
		t.Errorf("Tracer = %+v", s.Tracer)
	}
}

func TestParseFlagsFileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	yaml := "hal:\n  url: http://file:10500\n  prefix: FILE\ntick: 2s\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	// File values apply, explicit flags win, untouched flags don't clobber the file.
	s, _, err := parseFlags([]string{"--config", path, "--tick", "1s"}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if s.HAL.URL != "http://file:10500" {
		t.Errorf("HAL.URL = %q, want file value", s.HAL.URL)
	}
	if s.HAL.Prefix != "FILE" {
		t.Errorf("Prefix = %q, want file value", s.HAL.Prefix)
	}
	if s.Tick != time.Second {
		t.Errorf("Tick = %v, want flag value", s.Tick)
	}
}

func TestParseFlagsErrors(t *testing.T) {
	if _, _, err := parseFlags([]string{"--bogus"}, io.Discard); err == nil {
		t.Error("expected error for unknown flag")
	}
	if _, _, err := parseFlags([]string{"--help"}, io.Discard); !errors.Is(err, pflag.ErrHelp) {
		t.Errorf("expected ErrHelp, got %v", err)
	}
	if _, _, err := parseFlags([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}, io.Discard); err == nil {
		t.Error("expected error for missing settings file")
	}
}

func TestSelectSource(t *testing.T) {
	s := config.Defaults()

	s.ConfigFile = "/etc/hr-sensor/operating.yaml"
	if _, ok := selectSource(s).(*configstore.FileSource); !ok {
		t.Error("config file should win over the agent")
	}

	s.ConfigFile = ""
	if _, ok := selectSource(s).(*configstore.AgentSource); !ok {
		t.Error("expected agent source")
	}

	s.Agent.URL = ""
	if src := selectSource(s); src != nil {
		t.Errorf("expected nil source, got %T", src)
	}
}

func TestNewHALBreaker(t *testing.T) {
	s := config.Defaults()
	if _, ok := newHAL(s, logger.Discard()).(*hal.Breaker); !ok {
		t.Error("expected breaker-wrapped HAL by default")
	}
	s.HAL.Breaker.Enabled = false
	if _, ok := newHAL(s, logger.Discard()).(*hal.Client); !ok {
		t.Error("expected bare client with breaker disabled")
	}
}

func TestPrintDevices(t *testing.T) {
	f := hal.NewFake()
	f.Devices = []logic.Device{
		{LocalName: "Phone", MAC: "11:11:11:11:11:11"},
		{LocalName: "RHYTHM+ 1234", MAC: "AA:BB:CC:DD:EE:FF"},
	}

	var buf bytes.Buffer
	if err := printDevices(context.Background(), f, logic.DefaultPrefix, &buf); err != nil {
		t.Fatalf("printDevices: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "* AA:BB:CC:DD:EE:FF  RHYTHM+ 1234") {
		t.Errorf("matching device not marked:\n%s", out)
	}
	if !strings.Contains(out, "  11:11:11:11:11:11  Phone") {
		t.Errorf("non-matching device missing:\n%s", out)
	}

	f.ListError = errors.New("hal down")
	if err := printDevices(context.Background(), f, logic.DefaultPrefix, &buf); err == nil {
		t.Error("expected error when HAL fails")
	}
}

// --- runLoop tests ---

// newTestScheduler returns a fast scheduler running in test mode.
func newTestScheduler(pub *mqtt.FakePublisher, tracker *status.Tracker) *scheduler.Scheduler {
	machine := logic.NewMachine(hal.NewFake())
	store := configstore.New(nil, logic.DefaultConfiguration(), logger.Discard())
	return scheduler.New(machine, store, pub, scheduler.Options{
		Period:  10 * time.Millisecond,
		Tracker: tracker,
	}, logger.Discard())
}

func waitForReadings(t *testing.T, pub *mqtt.FakePublisher, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(pub.Published()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d readings, got %d", n, len(pub.Published()))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunLoopShutdownSIGTERM(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	tracker := status.NewTracker(time.Now(), status.Config{})
	sched := newTestScheduler(pub, tracker)

	tick := make(chan time.Time)
	sig := make(chan os.Signal, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- runLoop(context.Background(), sched, pub, pub, tracker, logger.Discard(), time.Now, tick, sig)
	}()

	waitForReadings(t, pub, 2)
	sig <- syscall.SIGTERM

	if err := <-errCh; err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	for _, r := range pub.Published() {
		if !r.Simulated {
			t.Errorf("expected simulated readings in test mode, got %+v", r)
		}
	}

	if len(pub.SystemEvents) != 1 {
		t.Fatalf("expected 1 system event, got %d", len(pub.SystemEvents))
	}
	se := pub.SystemEvents[0]
	if se.Event != "SHUTDOWN" {
		t.Errorf("expected SHUTDOWN, got %q", se.Event)
	}
	if se.Reason != "SIGTERM" {
		t.Errorf("expected reason SIGTERM, got %q", se.Reason)
	}
	if !se.Retained {
		t.Error("expected Retained=true for SHUTDOWN")
	}
	if !strings.Contains(string(se.RawPayload), `"event":"SHUTDOWN"`) {
		t.Errorf("payload missing event: %s", se.RawPayload)
	}

	// Nothing is published after the shutdown event.
	n := len(pub.Published())
	time.Sleep(30 * time.Millisecond)
	if got := len(pub.Published()); got != n {
		t.Errorf("readings published after shutdown: %d -> %d", n, got)
	}
}

func TestRunLoopShutdownSIGINT(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	sched := newTestScheduler(pub, nil)

	sig := make(chan os.Signal, 1)
	sig <- syscall.SIGINT

	err := runLoop(context.Background(), sched, pub, pub, nil, logger.Discard(), time.Now, nil, sig)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if len(pub.SystemEvents) != 1 || pub.SystemEvents[0].Reason != "SIGINT" {
		t.Fatalf("expected one SIGINT shutdown event, got %+v", pub.SystemEvents)
	}
	if pub.SystemEvents[0].RawPayload != nil {
		t.Error("expected no status payload without a tracker")
	}
}

func TestRunLoopStatusTickUpdatesTracker(t *testing.T) {
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkIP, "10.0.0.5")

	pub := mqtt.NewFakePublisher()
	pub.Connected = true
	tracker := status.NewTracker(time.Now(), status.Config{})
	sched := newTestScheduler(pub, tracker)

	tick := make(chan time.Time)
	sig := make(chan os.Signal, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- runLoop(context.Background(), sched, pub, pub, tracker, logger.Discard(), time.Now, tick, sig)
	}()

	// The second send completes only after the first tick was handled.
	tick <- time.Time{}
	tick <- time.Time{}
	snap := tracker.Snapshot()
	if !snap.MQTTConnected {
		t.Error("expected MQTTConnected after status tick")
	}
	if snap.Network == nil || snap.Network.IP != "10.0.0.5" {
		t.Errorf("expected network info after status tick, got %+v", snap.Network)
	}

	sig <- syscall.SIGTERM
	if err := <-errCh; err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
}

func TestRunLoopShutdownPublishFailure(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	pub.PublishSystemError = errors.New("broker gone")
	sched := newTestScheduler(pub, nil)

	sig := make(chan os.Signal, 1)
	sig <- syscall.SIGTERM

	if err := runLoop(context.Background(), sched, pub, pub, nil, logger.Discard(), time.Now, nil, sig); err != nil {
		t.Fatalf("shutdown publish failure should not be fatal: %v", err)
	}
}

func TestRunLoopParentCancel(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	sched := newTestScheduler(pub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := runLoop(ctx, sched, pub, pub, nil, logger.Discard(), time.Now, nil, make(chan os.Signal))
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if len(pub.SystemEvents) != 0 {
		t.Errorf("expected no shutdown event without a signal, got %d", len(pub.SystemEvents))
	}
}
