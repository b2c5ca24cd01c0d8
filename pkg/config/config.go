// Package config loads runtime configuration from the environment. The core
// itself takes explicit parameters; this package only serves the CLI and any
// long-running host that wraps the service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lonelycat-labs/lonelycat/core/pkg/observability"
)

// Config holds process configuration.
type Config struct {
	Workspace  string
	PolicyFile string
	LogLevel   string

	LockWait       time.Duration
	IdempotencyTTL time.Duration

	RetentionMaxAge   time.Duration
	RetentionMaxCount int

	OTLPEndpoint string
	OTLPEnabled  bool
}

// Load reads configuration from LONELYCAT_* environment variables, falling
// back to workable local defaults.
func Load() *Config {
	workspace := os.Getenv("LONELYCAT_WORKSPACE")
	if workspace == "" {
		workspace, _ = os.Getwd()
	}
	logLevel := os.Getenv("LONELYCAT_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}
	return &Config{
		Workspace:         workspace,
		PolicyFile:        os.Getenv("LONELYCAT_POLICY_FILE"),
		LogLevel:          logLevel,
		LockWait:          envDuration("LONELYCAT_LOCK_WAIT_SECONDS", 600*time.Second),
		IdempotencyTTL:    envDuration("LONELYCAT_IDEMPOTENCY_TTL_SECONDS", 3600*time.Second),
		RetentionMaxAge:   envDuration("LONELYCAT_RETENTION_DAYS", 7*24*time.Hour),
		RetentionMaxCount: envInt("LONELYCAT_RETENTION_COUNT", 100),
		OTLPEndpoint:      envDefault("LONELYCAT_OTLP_ENDPOINT", "localhost:4317"),
		OTLPEnabled:       os.Getenv("LONELYCAT_OTLP_ENABLED") == "true",
	}
}

// Observability maps the process config onto the telemetry provider's.
func (c *Config) Observability() *observability.Config {
	cfg := observability.DefaultConfig()
	cfg.OTLPEndpoint = c.OTLPEndpoint
	cfg.Enabled = c.OTLPEnabled
	return cfg
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// envDuration reads a numeric env var scaled by the key's unit suffix:
// *_SECONDS vars count seconds, *_DAYS vars count days. Invalid values fall
// back.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n < 0 {
		return fallback
	}
	if strings.HasSuffix(key, "_DAYS") {
		return time.Duration(n * float64(24*time.Hour))
	}
	return time.Duration(n * float64(time.Second))
}
