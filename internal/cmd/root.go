// Package cmd implements the jobwatch command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/jobwatch/internal/app"
	"github.com/3leaps/jobwatch/internal/config"
	"github.com/3leaps/jobwatch/internal/observability"
	"github.com/3leaps/jobwatch/internal/server/handlers"
)

type buildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = buildInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

var (
	cfgFile    string
	logLevel   string
	jobsDir    string
	remoteURL  string
	verbose    bool
	loadedConf *config.Config
)

var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Track long-running background jobs on a remote analysis service",
	Long: `jobwatch submits packaging requests to a remote analysis service and
tracks the resulting jobs until they finish.

Jobs handed to background tracking are kept in a local registry, so they
can be listed, cancelled, archived and downloaded later.

Examples:
  jobwatch submit --request images.yaml
  jobwatch submit --request images.yaml --background
  jobwatch jobs list --all
  jobwatch serve`,
	SilenceUsage:      true,
	PersistentPreRunE: initRuntime,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./jobwatch.yaml or $XDG_CONFIG_HOME/jobwatch/jobwatch.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&jobsDir, "jobs-dir", "", "Directory holding the job registry")
	rootCmd.PersistentFlags().StringVar(&remoteURL, "remote-url", "", "Base URL of the analysis service")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose CLI output")

	setDefaults()
}

// SetVersionInfo records build metadata for the version command and the
// /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo = buildInfo{Version: version, Commit: commit, BuildDate: buildDate}
	handlers.SetVersionInfo(version, commit, buildDate)
}

// Execute runs the root command and exits with the mapped status code.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeOf(err))
	}
}

// setDefaults seeds the global viper instance with the config defaults so
// `viper.Get*` lookups in commands see the same values Load starts from.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	observability.InitCLILogger(config.AppName, verbose)

	// version and help must work without a valid configuration.
	if cmd == versionCmd {
		return nil
	}

	config.SetConfigFile(cfgFile)
	cfg, err := config.Load(commandContext(cmd), cliOverrides())
	if err != nil {
		observability.CLILogger.Error("Failed to load configuration",
			zap.String("config", cfgFile),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	loadedConf = cfg
	return nil
}

// cliOverrides maps global flags onto config keys. Unset flags are omitted
// so config files and env stay in effect.
func cliOverrides() map[string]any {
	o := map[string]any{}
	if logLevel != "" {
		o["logging.level"] = logLevel
	}
	if jobsDir != "" {
		o["storage.jobs_dir"] = jobsDir
	}
	if remoteURL != "" {
		o["remote.url"] = remoteURL
	}
	return o
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// currentConfig returns the configuration loaded for this run.
func currentConfig() (*config.Config, error) {
	if loadedConf != nil {
		return loadedConf, nil
	}
	return config.Load(context.Background(), cliOverrides())
}

// openApp builds the tracking core for a command. The returned close
// function must be called when the command is done.
func openApp(ctx context.Context, logger *zap.Logger) (*app.App, func(), error) {
	cfg, err := currentConfig()
	if err != nil {
		return nil, nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, exitError(foundry.ExitFileReadError, "Failed to open job registry", err)
	}
	return a, a.Close, nil
}

// codedError carries a process exit code.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &codedError{code: code, err: fmt.Errorf("%s: %w (exit code %d)", message, err, code)}
}

func exitCodeOf(err error) int {
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	return 1
}
