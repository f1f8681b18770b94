package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	ctx := context.Background()

	// Test basic config loading with defaults
	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify server defaults
		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		// Verify logging defaults
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)

		// Verify metrics defaults
		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, 9090, cfg.Metrics.Port)

		// Verify health defaults
		assert.True(t, cfg.Health.Enabled)

		// Verify debug defaults
		assert.False(t, cfg.Debug.Enabled)
		assert.False(t, cfg.Debug.PprofEnabled)

		// Verify workers default
		assert.Equal(t, 4, cfg.Workers)

		// Tracking and polling defaults
		assert.Zero(t, cfg.Tracking.Timeout)
		assert.Equal(t, 30*time.Minute, cfg.Tracking.StaleThreshold)
		assert.Equal(t, 5*time.Second, cfg.Poller.Interval)
		assert.Equal(t, 5.0, cfg.Poller.RequestsPerSecond)
		assert.Equal(t, "@every 10m", cfg.Cleanup.Schedule)
		assert.Equal(t, time.Hour, cfg.Cleanup.UnmonitoredGrace)
		assert.Equal(t, 14*24*time.Hour, cfg.Cleanup.MaxAge)
		assert.Equal(t, 3, cfg.Remote.RetryCount)
	})

	// Test runtime overrides
	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify overrides were applied
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)

		// Verify non-overridden values remain default
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
		assert.Equal(t, 9090, cfg.Metrics.Port)
	})

	// Test environment variable overrides
	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("JOBWATCH_PORT", "3000")
		t.Setenv("JOBWATCH_LOG_LEVEL", "warn")
		t.Setenv("JOBWATCH_METRICS_ENABLED", "false")
		t.Setenv("JOBWATCH_REMOTE_URL", "https://irsa.example.org/app/")
		t.Setenv("JOBWATCH_JOBS_DIR", "/var/lib/jobwatch")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify env overrides were applied
		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Metrics.Enabled)
		assert.Equal(t, "https://irsa.example.org/app", cfg.Remote.URL)

		dir, err := cfg.JobsDir()
		require.NoError(t, err)
		assert.Equal(t, "/var/lib/jobwatch", dir)
	})

	// Test config precedence: runtime > env > defaults
	t.Run("ConfigPrecedence", func(t *testing.T) {
		t.Setenv("JOBWATCH_PORT", "4000")

		// Runtime override should win
		overrides := map[string]any{
			"server": map[string]any{
				"port": 5000,
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Runtime override should take precedence over env var
		assert.Equal(t, 5000, cfg.Server.Port)
	})
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobwatch.yaml")
	content := `
server:
  port: 7070
remote:
  url: https://irsa.example.org
poller:
  interval: 2s
download:
  s3:
    region: eu-west-1
    force_path_style: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	SetConfigFile(path)
	defer SetConfigFile("")

	t.Setenv("JOBWATCH_PORT", "7171")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	// Env beats the file.
	assert.Equal(t, 7171, cfg.Server.Port)
	assert.Equal(t, "https://irsa.example.org", cfg.Remote.URL)
	assert.Equal(t, 2*time.Second, cfg.Poller.Interval)
	assert.Equal(t, "eu-west-1", cfg.Download.S3.Region)
	assert.True(t, cfg.Download.S3.ForcePathStyle)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	SetConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
	defer SetConfigFile("")

	_, err := Load(context.Background())
	assert.Error(t, err)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name     string
		override map[string]any
	}{
		{"bad port", map[string]any{"server": map[string]any{"port": 70000}}},
		{"zero poll interval", map[string]any{"poller": map[string]any{"interval": "0s"}}},
		{"zero rate", map[string]any{"poller": map[string]any{"requests_per_second": 0}}},
		{"bad schedule", map[string]any{"cleanup": map[string]any{"schedule": "sometimes"}}},
		{"bad remote", map[string]any{"remote": map[string]any{"url": "ftp://example.org"}}},
		{"half s3 credentials", map[string]any{"download": map[string]any{"s3": map[string]any{"access_key_id": "a"}}}},
		{"no workers", map[string]any{"workers": 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(context.Background(), tt.override)
			assert.Error(t, err)
		})
	}
}

func TestLoad_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Load(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGetConfig(t *testing.T) {
	ctx := context.Background()

	// Load config first
	cfg, err := Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Test GetConfig returns the same instance
	t.Run("GetConfigReturnsLoadedConfig", func(t *testing.T) {
		retrieved := GetConfig()
		assert.NotNil(t, retrieved)
		assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
		assert.Equal(t, cfg.Logging.Level, retrieved.Logging.Level)
	})
}

func TestEnvSpecs(t *testing.T) {
	specs := getEnvSpecs()
	assert.NotEmpty(t, specs)

	// Verify critical env var mappings exist
	envVarNames := make(map[string]bool)
	for _, spec := range specs {
		envVarNames[spec.Name] = true
	}

	assert.True(t, envVarNames["JOBWATCH_LOG_LEVEL"], "LOG_LEVEL env var must be mapped")
	assert.True(t, envVarNames["JOBWATCH_PORT"], "PORT env var must be mapped")
	assert.True(t, envVarNames["JOBWATCH_HOST"], "HOST env var must be mapped")
	assert.True(t, envVarNames["JOBWATCH_METRICS_PORT"], "METRICS_PORT env var must be mapped")
	assert.True(t, envVarNames["JOBWATCH_REMOTE_URL"], "REMOTE_URL env var must be mapped")
	assert.True(t, envVarNames["JOBWATCH_JOBS_DIR"], "JOBS_DIR env var must be mapped")
}

func TestEnvSpecsPrefixHandling(t *testing.T) {
	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	for _, spec := range specs {
		assert.Contains(t, spec.Name, "JOBWATCH_", "all specs should have JOBWATCH_ prefix")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}
}

func TestDurationParsing(t *testing.T) {
	ctx := context.Background()

	// Test duration parsing from string env var
	t.Run("DurationFromEnv", func(t *testing.T) {
		t.Setenv("JOBWATCH_READ_TIMEOUT", "45s")
		t.Setenv("JOBWATCH_SHUTDOWN_TIMEOUT", "5m")
		t.Setenv("JOBWATCH_POLL_INTERVAL", "750ms")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
		assert.Equal(t, 750*time.Millisecond, cfg.Poller.Interval)
	})
}

func TestConfigReload(t *testing.T) {
	ctx := context.Background()

	// Load initial config
	cfg1, err := Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg1)
	initialPort := cfg1.Server.Port

	// Reload with different runtime overrides
	overrides := map[string]any{
		"server": map[string]any{
			"port": initialPort + 1000,
		},
	}

	cfg2, err := Load(ctx, overrides)
	require.NoError(t, err)
	require.NotNil(t, cfg2)

	// Verify reload updated the config
	assert.Equal(t, initialPort+1000, cfg2.Server.Port)

	// Verify GetConfig returns the updated config
	current := GetConfig()
	assert.Equal(t, cfg2.Server.Port, current.Server.Port)
}

func TestCleanupExpiryPolicy(t *testing.T) {
	c := CleanupConfig{UnmonitoredGrace: time.Minute, MaxAge: time.Hour}
	p := c.ExpiryPolicy()
	assert.Equal(t, time.Minute, p.UnmonitoredGrace)
	assert.Equal(t, time.Hour, p.MaxAge)
}

func TestJobsDirDefault(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	cfg := &Config{}
	dir, err := cfg.JobsDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "jobwatch", "jobs"), dir)
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"Server": map[string]any{"port": 1},
		"workers": 2,
	})
	assert.Equal(t, map[string]any{"server.port": 1, "workers": 2}, got)
}
