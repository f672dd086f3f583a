package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// ObservabilityConfig controls logging and the metrics listener.
type ObservabilityConfig struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// MetricsAddr is the listen address for the Prometheus exposition and
	// health endpoints, e.g. :9090. Empty disables the listener.
	MetricsAddr string `env:"METRICS_ADDR"`
}

// Sanitize normalises the observability fields and enforces safe defaults.
func (c *ObservabilityConfig) Sanitize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.MetricsAddr = strings.TrimSpace(c.MetricsAddr)
}

// Validate checks that the configured log level is one slog understands.
func (c *ObservabilityConfig) Validate() error {
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel maps the configured level onto slog.
func (c *ObservabilityConfig) SlogLevel() (slog.Level, error) {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown LOG_LEVEL %q", c.LogLevel)
	}
}

// MetricsEnabled reports whether the exposition listener should start.
func (c *ObservabilityConfig) MetricsEnabled() bool {
	return c.MetricsAddr != ""
}
