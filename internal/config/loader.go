package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// AppName names the config file and the per-user directories.
	AppName = "jobwatch"

	// EnvPrefix prefixes every environment variable read by Load.
	EnvPrefix = "JOBWATCH"
)

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
)

// EnvSpec maps one environment variable to a config key.
type EnvSpec struct {
	Name string
	Path string
}

// SetConfigFile selects an explicit config file for subsequent Load calls.
// An empty path restores the default search.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// Load builds the configuration. Later layers win: defaults, config file,
// environment, then overrides in order. The result becomes the value
// returned by GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()

	v := viper.New()
	SetDefaults(v)

	if err := readConfigFile(v, explicit); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Logging.Profile = strings.ToUpper(strings.TrimSpace(cfg.Logging.Profile))
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Remote.URL = strings.TrimRight(strings.TrimSpace(cfg.Remote.URL), "/")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	configMu.Lock()
	appConfig = cfg
	configMu.Unlock()

	return cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("workers", 4)

	v.SetDefault("remote.url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", "60s")
	v.SetDefault("remote.retry_count", 3)
	v.SetDefault("remote.retry_wait", "500ms")
	v.SetDefault("remote.retry_max_wait", "2s")

	v.SetDefault("tracking.timeout", "0s")
	v.SetDefault("tracking.stale_threshold", "30m")
	v.SetDefault("tracking.stale_interval", "1m")

	v.SetDefault("poller.interval", "5s")
	v.SetDefault("poller.requests_per_second", 5.0)

	v.SetDefault("cleanup.schedule", "@every 10m")
	v.SetDefault("cleanup.unmonitored_grace", "1h")
	v.SetDefault("cleanup.max_age", "336h")

	v.SetDefault("storage.jobs_dir", "")

	v.SetDefault("download.dir", ".")
	v.SetDefault("download.timeout", "10m")
	v.SetDefault("download.s3.region", "")
	v.SetDefault("download.s3.endpoint", "")
	v.SetDefault("download.s3.profile", "")
	v.SetDefault("download.s3.access_key_id", "")
	v.SetDefault("download.s3.secret_access_key", "")
	v.SetDefault("download.s3.force_path_style", false)
}

// getEnvSpecs lists the supported environment variables.
func getEnvSpecs() []EnvSpec {
	pairs := []struct{ suffix, path string }{
		{"HOST", "server.host"},
		{"PORT", "server.port"},
		{"READ_TIMEOUT", "server.read_timeout"},
		{"WRITE_TIMEOUT", "server.write_timeout"},
		{"IDLE_TIMEOUT", "server.idle_timeout"},
		{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{"LOG_LEVEL", "logging.level"},
		{"LOG_PROFILE", "logging.profile"},
		{"METRICS_ENABLED", "metrics.enabled"},
		{"METRICS_PORT", "metrics.port"},
		{"HEALTH_ENABLED", "health.enabled"},
		{"DEBUG", "debug.enabled"},
		{"WORKERS", "workers"},
		{"REMOTE_URL", "remote.url"},
		{"REMOTE_TOKEN", "remote.token"},
		{"REMOTE_TIMEOUT", "remote.timeout"},
		{"TRACKING_TIMEOUT", "tracking.timeout"},
		{"POLL_INTERVAL", "poller.interval"},
		{"POLL_RPS", "poller.requests_per_second"},
		{"CLEANUP_SCHEDULE", "cleanup.schedule"},
		{"JOBS_DIR", "storage.jobs_dir"},
		{"DOWNLOAD_DIR", "download.dir"},
		{"S3_REGION", "download.s3.region"},
		{"S3_ENDPOINT", "download.s3.endpoint"},
		{"S3_PROFILE", "download.s3.profile"},
	}
	specs := make([]EnvSpec, 0, len(pairs))
	for _, p := range pairs {
		specs = append(specs, EnvSpec{Name: EnvPrefix + "_" + p.suffix, Path: p.path})
	}
	return specs
}

// getUserConfigPaths lists the directories searched for jobwatch.yaml.
func getUserConfigPaths() []string {
	paths := []string{"."}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, AppName))
	}
	return paths
}

func readConfigFile(v *viper.Viper, explicit string) error {
	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}

	v.SetConfigName(AppName)
	v.SetConfigType("yaml")
	for _, p := range getUserConfigPaths() {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// GetAppDataDir returns the per-user data directory for jobwatch.
func GetAppDataDir() (string, error) {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, AppName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", AppName), nil
}

// JobsDir returns the configured registry directory, defaulting to
// <data dir>/jobs.
func (c *Config) JobsDir() (string, error) {
	if c.Storage.JobsDir != "" {
		return c.Storage.JobsDir, nil
	}
	dataDir, err := GetAppDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "jobs"), nil
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
