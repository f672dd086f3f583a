package config

import (
	"log/slog"
	"reflect"
	"strings"
	"testing"

	env "github.com/caarlos0/env/v11"
)

func TestAppConfig_ParseEnv(t *testing.T) {
	t.Setenv("SERVICE_NAME", "sample-service")
	t.Setenv("OADA_DOMAIN", "api.example.org")
	t.Setenv("OADA_TOKEN", "abc123")
	t.Setenv("JOBS_CONCURRENCY", "5")
	t.Setenv("JOBS_SKIP_QUEUE_ON_STARTUP", "true")
	t.Setenv("JOBS_TIMEZONE", "America/Chicago")
	t.Setenv("JOBS_POST_DEBUG_UPDATES", "true")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("METRICS_ADDR", ":9090")

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	expected := AppConfig{
		ServiceName: "sample-service",
		Store: StoreConfig{
			Domain: "api.example.org",
			Token:  "abc123",
		},
		Jobs: JobsConfig{
			Concurrency:        5,
			SkipQueueOnStartup: true,
			Timezone:           "America/Chicago",
			PostDebugUpdates:   true,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "debug",
			MetricsAddr: ":9090",
		},
	}
	if !reflect.DeepEqual(cfg, expected) {
		t.Fatalf("unexpected configuration:\nexpected: %#v\ngot:      %#v", expected, cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestAppConfig_Defaults(t *testing.T) {
	t.Setenv("SERVICE_NAME", "sample-service")
	t.Setenv("OADA_DOMAIN", "api.example.org")
	t.Setenv("OADA_TOKEN", "abc123")
	t.Setenv("JOBS_CONCURRENCY", "")
	t.Setenv("JOBS_SKIP_QUEUE_ON_STARTUP", "")
	t.Setenv("JOBS_TIMEZONE", "")
	t.Setenv("JOBS_POST_DEBUG_UPDATES", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("METRICS_ADDR", "")

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	if cfg.Jobs.Concurrency != 0 {
		t.Errorf("Concurrency = %d, want 0", cfg.Jobs.Concurrency)
	}
	if cfg.Jobs.SkipQueueOnStartup {
		t.Error("SkipQueueOnStartup defaulted to true")
	}
	if cfg.Jobs.Timezone != "UTC" {
		t.Errorf("Timezone = %q, want UTC", cfg.Jobs.Timezone)
	}
	if cfg.Jobs.PostDebugUpdates {
		t.Error("PostDebugUpdates defaulted to true")
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
	if cfg.Observability.MetricsEnabled() {
		t.Error("metrics listener enabled without METRICS_ADDR")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestAppConfig_Sanitize(t *testing.T) {
	cfg := AppConfig{
		ServiceName: "  sample-service  ",
		Store: StoreConfig{
			Domain: " api.example.org ",
			Token:  " abc123 ",
		},
		Jobs: JobsConfig{
			Concurrency: -3,
			Timezone:    "   ",
		},
		Observability: ObservabilityConfig{
			LogLevel:    " WARN ",
			MetricsAddr: " :9090 ",
		},
	}
	cfg.Sanitize()

	if cfg.ServiceName != "sample-service" {
		t.Errorf("ServiceName = %q", cfg.ServiceName)
	}
	if cfg.Store.Domain != "api.example.org" || cfg.Store.Token != "abc123" {
		t.Errorf("store config not trimmed: %#v", cfg.Store)
	}
	if cfg.Jobs.Concurrency != 0 {
		t.Errorf("negative concurrency not clamped: %d", cfg.Jobs.Concurrency)
	}
	if cfg.Jobs.Timezone != "UTC" {
		t.Errorf("blank timezone not defaulted: %q", cfg.Jobs.Timezone)
	}
	if cfg.Observability.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.Observability.LogLevel)
	}
	if cfg.Observability.MetricsAddr != ":9090" {
		t.Errorf("MetricsAddr = %q", cfg.Observability.MetricsAddr)
	}

	level, err := cfg.Observability.SlogLevel()
	if err != nil {
		t.Fatalf("slog level: %v", err)
	}
	if level != slog.LevelWarn {
		t.Errorf("SlogLevel = %v, want %v", level, slog.LevelWarn)
	}
}

func TestAppConfig_Validate(t *testing.T) {
	valid := func() AppConfig {
		return AppConfig{
			ServiceName: "sample-service",
			Store: StoreConfig{
				Domain: "api.example.org",
				Token:  "abc123",
			},
			Jobs: JobsConfig{
				Timezone: "UTC",
			},
			Observability: ObservabilityConfig{
				LogLevel: "info",
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*AppConfig)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(*AppConfig) {},
		},
		{
			name:    "missing service name",
			mutate:  func(c *AppConfig) { c.ServiceName = "" },
			wantErr: "SERVICE_NAME",
		},
		{
			name:    "missing domain",
			mutate:  func(c *AppConfig) { c.Store.Domain = "" },
			wantErr: "OADA_DOMAIN",
		},
		{
			name:    "missing token",
			mutate:  func(c *AppConfig) { c.Store.Token = "" },
			wantErr: "OADA_TOKEN",
		},
		{
			name:    "unknown timezone",
			mutate:  func(c *AppConfig) { c.Jobs.Timezone = "Mars/Olympus" },
			wantErr: "JOBS_TIMEZONE",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *AppConfig) { c.Observability.LogLevel = "verbose" },
			wantErr: "LOG_LEVEL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected an error, got none")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %s", err, tt.wantErr)
			}
		})
	}
}

func TestJobsConfig_Location(t *testing.T) {
	cfg := JobsConfig{Timezone: "America/Chicago"}
	loc, err := cfg.Location()
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	if loc.String() != "America/Chicago" {
		t.Errorf("Location = %q", loc)
	}
}
