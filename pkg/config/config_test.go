package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "relay address must not be empty",
			mutate: func(c *Config) { c.Relay.Address = "" },
		},
		{
			name:   "sweep interval must be > 0",
			mutate: func(c *Config) { c.Relay.SweepInterval = 0 },
		},
		{
			name:   "base delay must be > 0",
			mutate: func(c *Config) { c.Session.BaseDelay = 0 },
		},
		{
			name:   "max delay must be >= base delay",
			mutate: func(c *Config) { c.Session.MaxDelay = c.Session.BaseDelay / 2 },
		},
		{
			name:   "max attempts must be > 0",
			mutate: func(c *Config) { c.Session.MaxAttempts = 0 },
		},
		{
			name:   "offer wait must be > 0",
			mutate: func(c *Config) { c.Session.OfferWait = 0 },
		},
		{
			name: "liveness threshold must exceed ping interval",
			mutate: func(c *Config) {
				c.Session.PingInterval = 10 * time.Second
				c.Session.LivenessThreshold = 5 * time.Second
			},
		},
		{
			name: "jwt secret required when auth enabled",
			mutate: func(c *Config) {
				c.Auth.Enabled = true
				c.Auth.JWTSecret = ""
			},
		},
		{
			name: "ws messages per second must be > 0 when rate limiting enabled",
			mutate: func(c *Config) {
				c.RateLimiting.Enabled = true
				c.RateLimiting.WebSocket.MessagesPerSecond = 0
			},
		},
		{
			name: "sample rate must be in (0,1] when tracing enabled",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.SampleRate = 1.5
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error, got nil")
			}
		})
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Relay.Address != ":8081" {
		t.Fatalf("expected default relay address, got %q", cfg.Relay.Address)
	}
}

func TestLoad_ReadsYAMLAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
relay:
  address: ":9999"
session:
  max_attempts: 4
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TEAMCAST_RELAY_ADDRESS", ":7777")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Relay.Address != ":7777" {
		t.Fatalf("env override should win, got %q", cfg.Relay.Address)
	}
	if cfg.Session.MaxAttempts != 4 {
		t.Fatalf("yaml value should apply, got %d", cfg.Session.MaxAttempts)
	}
}
