package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %s, want info", cfg.Log.Level)
	}
	if cfg.Session.PingInterval != 30*time.Second {
		t.Errorf("Session.PingInterval = %s, want 30s", cfg.Session.PingInterval)
	}
	if cfg.Session.LivenessTimeout != 60*time.Second {
		t.Errorf("Session.LivenessTimeout = %s, want 60s", cfg.Session.LivenessTimeout)
	}
	if cfg.Connector.NothingBetterWindow != time.Second {
		t.Errorf("Connector.NothingBetterWindow = %s, want 1s", cfg.Connector.NothingBetterWindow)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config failed validation: %v", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
session:
  ping_interval: 10s
  liveness_timeout: 20s
connector:
  nothing_better_window: 500ms
  giveup_timeout: 5s
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Session.PingInterval != 10*time.Second {
		t.Errorf("Session.PingInterval = %s, want 10s", cfg.Session.PingInterval)
	}
	if cfg.Connector.GiveupTimeout != 5*time.Second {
		t.Errorf("Connector.GiveupTimeout = %s, want 5s", cfg.Connector.GiveupTimeout)
	}
	// Untouched fields keep their defaults.
	if cfg.Session.SubchannelBuffer != 256 {
		t.Errorf("Session.SubchannelBuffer = %d, want 256 (default)", cfg.Session.SubchannelBuffer)
	}
}

func TestParse_InvalidLogLevel(t *testing.T) {
	_, err := Parse([]byte("log:\n  level: verbose\n"))
	if err == nil {
		t.Fatal("expected validation error for invalid log level")
	}
}

func TestParse_LivenessMustExceedPing(t *testing.T) {
	_, err := Parse([]byte("session:\n  ping_interval: 30s\n  liveness_timeout: 10s\n"))
	if err == nil {
		t.Fatal("expected validation error when liveness_timeout <= ping_interval")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dilation.yaml")
	if err := os.WriteFile(path, []byte("connector:\n  dial_rate_limit: 5\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Connector.DialRateLimit != 5 {
		t.Errorf("Connector.DialRateLimit = %v, want 5", cfg.Connector.DialRateLimit)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("DILATION_LOG_LEVEL", "debug")
	cfg, err := Parse([]byte("log:\n  level: ${DILATION_LOG_LEVEL}\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug", cfg.Log.Level)
	}
}
