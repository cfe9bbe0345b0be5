// Package config provides configuration parsing and validation for the
// dilation core.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete set of tunables for one dilation controller.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Session   SessionConfig   `yaml:"session"`
	Connector ConnectorConfig `yaml:"connector"`
	Transport TransportConfig `yaml:"transport"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// LogConfig controls the structured logger (§5 ambient logging).
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// SessionConfig bounds the L3 session's liveness and buffering (§5).
type SessionConfig struct {
	PingInterval     time.Duration `yaml:"ping_interval"`
	LivenessTimeout  time.Duration `yaml:"liveness_timeout"`
	SubchannelBuffer int           `yaml:"subchannel_buffer"`
	SeenWindow       int           `yaml:"seen_window"`
	// OutboundQueueSoftLimit is parsed and defaulted here, but no session
	// code reads it: nothing warns or drops when the unacknowledged
	// outbound queue grows past this many records.
	OutboundQueueSoftLimit int `yaml:"outbound_queue_soft_limit"`
}

// ConnectorConfig bounds the per-generation candidate race (§5).
type ConnectorConfig struct {
	NothingBetterWindow time.Duration `yaml:"nothing_better_window"`
	GiveupTimeout       time.Duration `yaml:"giveup_timeout"`
	DialRateLimit       float64       `yaml:"dial_rate_limit"`
}

// TransportConfig configures the concrete candidate transports a
// Connector is built with.
type TransportConfig struct {
	QUIC QUICTransportConfig `yaml:"quic"`
	WS   WSTransportConfig   `yaml:"ws"`
}

// QUICTransportConfig configures the direct QUIC candidate.
type QUICTransportConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Listen   string  `yaml:"listen"`
	Priority float64 `yaml:"priority"`
}

// WSTransportConfig configures the WebSocket relay candidate.
type WSTransportConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Listen   string  `yaml:"listen"`
	Path     string  `yaml:"path"`
	Priority float64 `yaml:"priority"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns the §5 default configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Session: SessionConfig{
			PingInterval:           30 * time.Second,
			LivenessTimeout:        60 * time.Second,
			SubchannelBuffer:       256,
			SeenWindow:             256,
			OutboundQueueSoftLimit: 1000,
		},
		Connector: ConnectorConfig{
			NothingBetterWindow: 1 * time.Second,
			GiveupTimeout:       30 * time.Second,
			DialRateLimit:       20,
		},
		Transport: TransportConfig{
			QUIC: QUICTransportConfig{Enabled: true, Listen: ":0", Priority: 1.0},
			WS:   WSTransportConfig{Enabled: true, Listen: ":0", Path: "/dilate", Priority: 0.5},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9090",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, starting from Default and
// overlaying whatever the document sets.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}
	if c.Session.PingInterval <= 0 {
		errs = append(errs, "session.ping_interval must be positive")
	}
	if c.Session.LivenessTimeout <= c.Session.PingInterval {
		errs = append(errs, "session.liveness_timeout must be greater than session.ping_interval")
	}
	if c.Session.SubchannelBuffer <= 0 {
		errs = append(errs, "session.subchannel_buffer must be positive")
	}
	if c.Session.SeenWindow <= 0 {
		errs = append(errs, "session.seen_window must be positive")
	}
	if c.Connector.NothingBetterWindow <= 0 {
		errs = append(errs, "connector.nothing_better_window must be positive")
	}
	if c.Connector.GiveupTimeout <= c.Connector.NothingBetterWindow {
		errs = append(errs, "connector.giveup_timeout must be greater than connector.nothing_better_window")
	}
	if c.Connector.DialRateLimit <= 0 {
		errs = append(errs, "connector.dial_rate_limit must be positive")
	}
	if c.Transport.WS.Enabled && c.Transport.WS.Path == "" {
		errs = append(errs, "transport.ws.path is required when transport.ws is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when metrics is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}
