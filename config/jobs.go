package config

import (
	"fmt"
	"strings"
	"time"
)

// JobsConfig tunes the lifecycle engine.
type JobsConfig struct {
	// Concurrency bounds how many jobs run at once. Zero defers to the
	// store connection's hint.
	Concurrency int `env:"JOBS_CONCURRENCY" envDefault:"0"`

	// SkipQueueOnStartup leaves jobs already pending at start untouched
	// instead of queueing them.
	SkipQueueOnStartup bool `env:"JOBS_SKIP_QUEUE_ON_STARTUP" envDefault:"false"`

	// Timezone names the calendar used for day-index buckets and report
	// cron schedules, e.g. America/Chicago.
	Timezone string `env:"JOBS_TIMEZONE" envDefault:"UTC"`

	// PostDebugUpdates forwards workers' debug and trace updates to the
	// store instead of only logging them.
	PostDebugUpdates bool `env:"JOBS_POST_DEBUG_UPDATES" envDefault:"false"`
}

// Sanitize normalises the engine tuning and enforces safe defaults.
func (c *JobsConfig) Sanitize() {
	if c.Concurrency < 0 {
		c.Concurrency = 0
	}
	c.Timezone = strings.TrimSpace(c.Timezone)
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
}

// Validate checks that the configured timezone resolves.
func (c *JobsConfig) Validate() error {
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("JOBS_TIMEZONE: %w", err)
	}
	return nil
}

// Location resolves the configured timezone.
func (c *JobsConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}
