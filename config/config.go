package config

import (
	"errors"
	"strings"
)

// AppConfig is the main configuration struct for the jobs binaries. It
// composes domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config files for
// details on available environment variables:
//   - store.go: Store connection configuration
//   - jobs.go: Job engine tuning
//   - observability.go: Logging and metrics configuration
//
// Library consumers do not need this package; they hand the service its
// options directly in code.
type AppConfig struct {
	// ServiceName is the name this instance runs under. All job state
	// lives below /bookmarks/services/<ServiceName>/jobs. Required.
	ServiceName string `env:"SERVICE_NAME"`

	// Store connection configuration
	Store StoreConfig

	// Job engine configuration
	Jobs JobsConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values after they are
// loaded from the environment.
func (c *AppConfig) Sanitize() {
	c.ServiceName = strings.TrimSpace(c.ServiceName)
	c.Store.Sanitize()
	c.Jobs.Sanitize()
	c.Observability.Sanitize()
}

// Validate reports the first problem that would keep a binary from
// starting. Call after Sanitize.
func (c *AppConfig) Validate() error {
	if c.ServiceName == "" {
		return errors.New("SERVICE_NAME is required")
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Jobs.Validate(); err != nil {
		return err
	}
	return c.Observability.Validate()
}
