package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type lineLogger struct {
	lines []string
}

func (l *lineLogger) Printf(format string, args ...any) {
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func unsetAfter(t *testing.T, names ...string) {
	t.Helper()
	t.Cleanup(func() {
		for _, name := range names {
			_ = os.Unsetenv(name)
		}
	})
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load(nil, filepath.Join(t.TempDir(), "missing.env"))
	if cfg.Interval != 5*time.Second || cfg.ListenAddr != "127.0.0.1:7420" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.AssetOrigin != cfg.BackendURL {
		t.Fatalf("expected asset origin to default to backend url, got %q", cfg.AssetOrigin)
	}
	if !cfg.WatchSession || cfg.MQTTBroker != "" || cfg.BridgeToken != "" || cfg.BridgeRateLimit != 120 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestLoadReadsEnvFileAndEnvironmentWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frontdesk.env")
	content := strings.Join([]string{
		"FRONTDESK_BACKEND_URL=https://api.hotel.test",
		"FRONTDESK_POLL_INTERVAL=7s",
		"FRONTDESK_CATALOG_TYPES=dining, spa ,,minibar",
		"FRONTDESK_MQTT_BROKER=tcp://broker.hotel.test:1883",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file failed: %v", err)
	}
	unsetAfter(t, "FRONTDESK_BACKEND_URL", "FRONTDESK_CATALOG_TYPES", "FRONTDESK_MQTT_BROKER")
	t.Setenv("FRONTDESK_POLL_INTERVAL", "3s")

	cfg := Load(nil, path)
	if cfg.BackendURL != "https://api.hotel.test" {
		t.Fatalf("expected backend url from file, got %q", cfg.BackendURL)
	}
	if cfg.Interval != 3*time.Second {
		t.Fatalf("expected environment to win over file, got %s", cfg.Interval)
	}
	if strings.Join(cfg.CatalogTypes, "|") != "dining|spa|minibar" {
		t.Fatalf("unexpected catalog types %v", cfg.CatalogTypes)
	}
	if cfg.MQTTBroker != "tcp://broker.hotel.test:1883" {
		t.Fatalf("unexpected broker %q", cfg.MQTTBroker)
	}
}

func TestLoadFallsBackOnInvalidValues(t *testing.T) {
	t.Setenv("FRONTDESK_POLL_INTERVAL", "soon")
	t.Setenv("FRONTDESK_POLL_JITTER", "lots")
	t.Setenv("FRONTDESK_WATCH_SESSION", "maybe")
	t.Setenv("FRONTDESK_BRIDGE_RATE_LIMIT", "many")
	logger := &lineLogger{}

	cfg := Load(logger, filepath.Join(t.TempDir(), "missing.env"))
	if cfg.Interval != 5*time.Second || cfg.IntervalJitter != 0.1 || !cfg.WatchSession {
		t.Fatalf("expected fallbacks, got %+v", cfg)
	}
	if cfg.BridgeRateLimit != 120 {
		t.Fatalf("expected rate limit fallback, got %d", cfg.BridgeRateLimit)
	}
	if len(logger.lines) < 4 {
		t.Fatalf("expected each invalid value to be logged, got %v", logger.lines)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	base := Load(nil, filepath.Join(t.TempDir(), "missing.env"))
	cases := map[string]func(*Config){
		"relative backend": func(c *Config) { c.BackendURL = "api.hotel.test" },
		"zero interval":    func(c *Config) { c.Interval = 0 },
		"jitter too large": func(c *Config) { c.IntervalJitter = 1.5 },
		"bad permission":   func(c *Config) { c.AlertPermission = "sometimes" },
		"empty listen":     func(c *Config) { c.ListenAddr = " " },
		"negative limit":   func(c *Config) { c.BridgeRateLimit = -1 },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
