// Package config reads daemon settings from .env files and FRONTDESK_*
// environment variables. Variables already set in the environment win over
// values from files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/harborline/frontdesk/internal/alert"
)

type Logger interface {
	Printf(format string, args ...any)
}

type Config struct {
	BackendURL      string
	AssetOrigin     string
	SessionDSN      string
	WatchSession    bool
	ListenAddr      string
	Interval        time.Duration
	IntervalJitter  float64
	RequestTimeout  time.Duration
	CatalogTypes    []string
	AlertPermission string
	MQTTBroker      string
	MQTTTopicPrefix string
	BridgeToken     string
	BridgeRateLimit int
	BridgeOrigins   []string
}

// Load reads files (".env" when none are given) and then the environment.
// Malformed values are logged and replaced by defaults.
func Load(logger Logger, files ...string) Config {
	if err := godotenv.Load(files...); err != nil {
		if len(files) > 0 || !errors.Is(err, fs.ErrNotExist) {
			logf(logger, "could not load env file: %v", err)
		}
	}
	backend := envOrDefault("FRONTDESK_BACKEND_URL", "http://127.0.0.1:8080")
	return Config{
		BackendURL:      backend,
		AssetOrigin:     envOrDefault("FRONTDESK_ASSET_ORIGIN", backend),
		SessionDSN:      envOrDefault("FRONTDESK_SESSION_DSN", "frontdesk-session.json"),
		WatchSession:    boolEnv(logger, "FRONTDESK_WATCH_SESSION", true),
		ListenAddr:      envOrDefault("FRONTDESK_LISTEN_ADDR", "127.0.0.1:7420"),
		Interval:        durationEnv(logger, "FRONTDESK_POLL_INTERVAL", 5*time.Second),
		IntervalJitter:  floatEnv(logger, "FRONTDESK_POLL_JITTER", 0.1),
		RequestTimeout:  durationEnv(logger, "FRONTDESK_REQUEST_TIMEOUT", 15*time.Second),
		CatalogTypes:    listEnv("FRONTDESK_CATALOG_TYPES", []string{"room-service"}),
		AlertPermission: envOrDefault("FRONTDESK_ALERT_PERMISSION", "ask"),
		MQTTBroker:      strings.TrimSpace(os.Getenv("FRONTDESK_MQTT_BROKER")),
		MQTTTopicPrefix: envOrDefault("FRONTDESK_MQTT_TOPIC_PREFIX", "frontdesk/alerts"),
		BridgeToken:     strings.TrimSpace(os.Getenv("FRONTDESK_BRIDGE_TOKEN")),
		BridgeRateLimit: intEnv(logger, "FRONTDESK_BRIDGE_RATE_LIMIT", 120),
		BridgeOrigins:   listEnv("FRONTDESK_BRIDGE_ORIGINS", nil),
	}
}

func (c Config) Validate() error {
	u, err := url.Parse(c.BackendURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend url %q must be absolute", c.BackendURL)
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("listen address is required")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.Interval)
	}
	if c.IntervalJitter < 0 || c.IntervalJitter > 1 {
		return fmt.Errorf("poll jitter must be within 0..1, got %g", c.IntervalJitter)
	}
	if c.BridgeRateLimit < 0 {
		return fmt.Errorf("bridge rate limit must not be negative, got %d", c.BridgeRateLimit)
	}
	if _, err := alert.ParsePermission(c.AlertPermission); err != nil {
		return err
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(logger Logger, name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logf(logger, "invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(logger Logger, name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logf(logger, "invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func intEnv(logger Logger, name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logf(logger, "invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(logger Logger, name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		logf(logger, "invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func listEnv(name string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return append([]string(nil), fallback...)
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
