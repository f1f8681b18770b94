// Package config loads jobwatch configuration from defaults, an optional
// YAML file, JOBWATCH_* environment variables and runtime overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/jobwatch/pkg/background"
	"github.com/3leaps/jobwatch/pkg/download"
	"github.com/3leaps/jobwatch/pkg/jobregistry"
)

// Config is the complete jobwatch configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Health   HealthConfig   `mapstructure:"health"`
	Debug    DebugConfig    `mapstructure:"debug"`
	Workers  int            `mapstructure:"workers"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Tracking TrackingConfig `mapstructure:"tracking"`
	Poller   PollerConfig   `mapstructure:"poller"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Download DownloadConfig `mapstructure:"download"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// RemoteConfig points at the analysis service.
type RemoteConfig struct {
	URL          string        `mapstructure:"url"`
	Token        string        `mapstructure:"token"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RetryCount   int           `mapstructure:"retry_count"`
	RetryWait    time.Duration `mapstructure:"retry_wait"`
	RetryMaxWait time.Duration `mapstructure:"retry_max_wait"`
}

// TrackingConfig bounds foreground waits and watcher diagnostics.
type TrackingConfig struct {
	// Timeout bounds a submit-and-track wait. Zero waits indefinitely.
	Timeout        time.Duration `mapstructure:"timeout"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	StaleInterval  time.Duration `mapstructure:"stale_interval"`
}

type PollerConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

// CleanupConfig drives the registry expiry job.
type CleanupConfig struct {
	Schedule         string        `mapstructure:"schedule"`
	UnmonitoredGrace time.Duration `mapstructure:"unmonitored_grace"`
	MaxAge           time.Duration `mapstructure:"max_age"`
}

// ExpiryPolicy converts the cleanup settings to a registry policy.
func (c CleanupConfig) ExpiryPolicy() jobregistry.ExpiryPolicy {
	return jobregistry.ExpiryPolicy{
		UnmonitoredGrace: c.UnmonitoredGrace,
		MaxAge:           c.MaxAge,
	}
}

type StorageConfig struct {
	// JobsDir holds one directory per registered job. Empty selects the
	// per-user data directory.
	JobsDir string `mapstructure:"jobs_dir"`
}

type DownloadConfig struct {
	Dir     string            `mapstructure:"dir"`
	Timeout time.Duration     `mapstructure:"timeout"`
	S3      download.S3Config `mapstructure:"s3"`
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535, got %d", c.Server.Port)
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 0 and 65535, got %d", c.Metrics.Port)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be positive, got %s", c.Poller.Interval)
	}
	if c.Poller.RequestsPerSecond <= 0 {
		return fmt.Errorf("poller.requests_per_second must be positive, got %g", c.Poller.RequestsPerSecond)
	}
	if c.Tracking.Timeout < 0 {
		return fmt.Errorf("tracking.timeout must not be negative, got %s", c.Tracking.Timeout)
	}
	if c.Remote.URL != "" && !strings.HasPrefix(c.Remote.URL, "http://") && !strings.HasPrefix(c.Remote.URL, "https://") {
		return fmt.Errorf("remote.url must be an http(s) URL, got %q", c.Remote.URL)
	}
	if c.Cleanup.Schedule != "" {
		if err := background.ValidateSchedule(c.Cleanup.Schedule); err != nil {
			return fmt.Errorf("cleanup.schedule: %w", err)
		}
	}
	if err := c.Download.S3.Validate(); err != nil {
		return fmt.Errorf("download.s3: %w", err)
	}
	return nil
}
