// Package config holds the daemon settings: where the HAL, broker and agent
// live, and how the process logs, traces and paces itself.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the top-level daemon configuration.
type Settings struct {
	HAL        HALConfig     `yaml:"hal"`
	Tick       time.Duration `yaml:"tick"`
	MQTT       MQTTConfig    `yaml:"mqtt"`
	Agent      AgentConfig   `yaml:"agent"`
	ConfigFile string        `yaml:"config_file"` // static operating config; overrides agent pull
	HTTPAddr   string        `yaml:"http"`
	LEDPin     int           `yaml:"led_pin"` // BCM pin, -1 disables
	Logger     LoggerConfig  `yaml:"logger"`
	Tracer     TracerConfig  `yaml:"tracer"`
}

// HALConfig locates the BLE hardware-abstraction service.
type HALConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	Prefix  string        `yaml:"prefix"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the HAL circuit breaker.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// MQTTConfig holds broker and topic settings.
type MQTTConfig struct {
	Broker       string        `yaml:"broker"`
	ClientID     string        `yaml:"client_id"`
	Topic        string        `yaml:"topic"`
	SystemTopic  string        `yaml:"system_topic"`
	ControlTopic string        `yaml:"control_topic"` // empty disables MQTT config signals
	BufferSize   int           `yaml:"buffer_size"`
	MaxAge       time.Duration `yaml:"max_age"` // buffered readings older than this are not replayed; 0 keeps all
}

// AgentConfig locates the ioFog agent that serves the operating configuration.
type AgentConfig struct {
	URL             string        `yaml:"url"` // empty disables config pull
	ID              string        `yaml:"id"`
	ControlSocket   bool          `yaml:"control_socket"`
	RefreshInterval time.Duration `yaml:"refresh_interval"` // minimum gap between refreshes
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Defaults returns the settings used for an ioFog edge node.
func Defaults() *Settings {
	return &Settings{
		HAL: HALConfig{
			URL:     "http://iofog:10500",
			Timeout: 3 * time.Second,
			Prefix:  "RHYTHM+",
			Breaker: BreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Tick: 5 * time.Second,
		MQTT: MQTTConfig{
			Broker:       "tcp://iofog:1883",
			ClientID:     "hr-sensor",
			Topic:        "health/hr-sensor/readings",
			SystemTopic:  "health/hr-sensor/system",
			ControlTopic: "health/hr-sensor/control",
			BufferSize:   100,
			MaxAge:       2 * time.Minute,
		},
		Agent: AgentConfig{
			URL:             "http://iofog:54321",
			ID:              "hr-sensor",
			ControlSocket:   true,
			RefreshInterval: time.Second,
		},
		HTTPAddr: ":8080",
		LEDPin:   -1,
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads settings from a YAML file layered over Defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Settings, error) {
	s := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read settings: %w", err)
		}
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("parse settings %s: %w", path, err)
		}
	}

	applyEnv(s)
	return s, nil
}

// Environment variable names.
const (
	envHALURL    = "HRSENSOR_HAL_URL"
	envBroker    = "HRSENSOR_BROKER"
	envAgentURL  = "HRSENSOR_AGENT_URL"
	envLogLevel  = "HRSENSOR_LOG_LEVEL"
	envLEDPin    = "HRSENSOR_LED_PIN"
	envTick      = "HRSENSOR_TICK"
	envSelfName  = "SELFNAME" // set by the ioFog agent for every microservice
	envTraceMode = "HRSENSOR_TRACE"
)

func applyEnv(s *Settings) {
	if v := os.Getenv(envHALURL); v != "" {
		s.HAL.URL = v
	}
	if v := os.Getenv(envBroker); v != "" {
		s.MQTT.Broker = v
	}
	if v := os.Getenv(envAgentURL); v != "" {
		s.Agent.URL = v
	}
	if v := os.Getenv(envSelfName); v != "" {
		s.Agent.ID = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		s.Logger.Level = v
	}
	if v := os.Getenv(envLEDPin); v != "" {
		if pin, err := strconv.Atoi(v); err == nil {
			s.LEDPin = pin
		}
	}
	if v := os.Getenv(envTick); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			s.Tick = d
		}
	}
	if v := os.Getenv(envTraceMode); v != "" {
		s.Tracer.Enabled = true
		s.Tracer.Exporter = v
	}
}
