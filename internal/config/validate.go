package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate reports every unusable setting at once.
func (s *Settings) Validate() error {
	var errs []error

	if err := validateURL("hal.url", s.HAL.URL, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if s.HAL.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("hal.timeout must be positive, got %v", s.HAL.Timeout))
	}
	if s.Tick <= 0 {
		errs = append(errs, fmt.Errorf("tick must be positive, got %v", s.Tick))
	}
	if s.HAL.Timeout >= s.Tick && s.Tick > 0 {
		errs = append(errs, fmt.Errorf("hal.timeout (%v) must be shorter than tick (%v)", s.HAL.Timeout, s.Tick))
	}

	if err := validateURL("mqtt.broker", s.MQTT.Broker, "tcp", "ssl", "tls", "ws", "wss", "mqtt", "mqtts"); err != nil {
		errs = append(errs, err)
	}
	if s.MQTT.Topic == "" {
		errs = append(errs, errors.New("mqtt.topic is required"))
	}
	if strings.ContainsAny(s.MQTT.Topic, "+#") {
		errs = append(errs, fmt.Errorf("mqtt.topic %q must not contain wildcards", s.MQTT.Topic))
	}
	if s.MQTT.MaxAge < 0 {
		errs = append(errs, fmt.Errorf("mqtt.max_age must not be negative, got %s", s.MQTT.MaxAge))
	}
	if s.MQTT.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("mqtt.buffer_size must not be negative, got %d", s.MQTT.BufferSize))
	}

	if s.Agent.URL != "" {
		if err := validateURL("agent.url", s.Agent.URL, "http", "https"); err != nil {
			errs = append(errs, err)
		}
		if s.Agent.ID == "" {
			errs = append(errs, errors.New("agent.id is required when agent.url is set"))
		}
	}
	if s.Agent.RefreshInterval < 0 {
		errs = append(errs, fmt.Errorf("agent.refresh_interval must not be negative, got %v", s.Agent.RefreshInterval))
	}

	switch s.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		errs = append(errs, fmt.Errorf("tracer.exporter %q not supported", s.Tracer.Exporter))
	}

	return errors.Join(errs...)
}

func validateURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("%s %q has no host", field, raw)
			}
			return nil
		}
	}
	return fmt.Errorf("%s %q: scheme must be one of %v", field, raw, schemes)
}
