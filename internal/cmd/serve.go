package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobwatch/internal/config"
	"github.com/3leaps/jobwatch/internal/observability"
	"github.com/3leaps/jobwatch/internal/server"
	"github.com/3leaps/jobwatch/internal/server/handlers"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background tracking",
	Long: `Run the HTTP API together with background tracking.

While serving, jobwatch polls the remote service for every active job in the
registry, expires old jobs on the cleanup schedule and reports watchers that
have been waiting unusually long.

Examples:
  jobwatch serve
  jobwatch serve --port 8081 --remote-url https://analysis.example.org`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Override server.host")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Override server.port")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	host := cfg.Server.Host
	if serveHost != "" {
		host = serveHost
	}
	port := cfg.Server.Port
	if servePort != 0 {
		port = servePort
	}

	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, closeApp, err := openApp(ctx, logger)
	if err != nil {
		return err
	}
	defer closeApp()

	jobsDir, _ := cfg.JobsDir()
	if cfg.Health.Enabled {
		handlers.InitHealthManager(versionInfo.Version)
		hm := handlers.GetHealthManager()
		hm.RegisterChecker("registry", registryHealthChecker{dir: jobsDir})
		hm.RegisterChecker("poller", pollerHealthChecker{
			poller: a.Poller(),
			maxAge: pollerStaleAfter(cfg),
			since:  time.Now(),
		})
		if p, ok := a.Remote().(pinger); ok {
			hm.RegisterChecker("remote", remoteHealthChecker{remote: p})
		}
	}

	// /metrics is served on the API port unless a dedicated port is set.
	separateMetrics := cfg.Metrics.Enabled && cfg.Metrics.Port != 0 && cfg.Metrics.Port != port
	srv := server.New(host, port,
		server.WithLogger(logger.Named("http")),
		server.WithJobs(handlers.NewJobsHandler(a, a.Controller(), a.Downloader(), logger.Named("api"))),
		server.WithMetrics(cfg.Metrics.Enabled && !separateMetrics),
		server.WithPprof(cfg.Debug.PprofEnabled),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	)

	observability.CLILogger.Info("Starting jobwatch server",
		zap.String("addr", srv.Addr()),
		zap.String("jobs_dir", jobsDir),
		zap.String("remote_url", cfg.Remote.URL),
		zap.Bool("metrics", cfg.Metrics.Enabled))

	errCh := make(chan error, 3)
	go func() { errCh <- a.Run(ctx) }()
	go func() { errCh <- srv.Run(ctx, cfg.Server.ShutdownTimeout) }()
	running := 2
	if separateMetrics {
		running++
		go func() { errCh <- serveMetrics(ctx, host, cfg.Metrics.Port, logger) }()
	}

	var firstErr error
	for i := 0; i < running; i++ {
		err := <-errCh
		if err != nil && firstErr == nil {
			firstErr = err
			stop()
		}
	}

	if firstErr != nil {
		observability.CLILogger.Error("Server stopped with error", zap.Error(firstErr))
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", firstErr)
	}
	observability.CLILogger.Info("Server stopped")
	return nil
}

// serveMetrics exposes /metrics on its own port until ctx ends.
func serveMetrics(ctx context.Context, host string, port int, logger *zap.Logger) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	hs := &http.Server{Handler: server.MetricsHandler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		_ = hs.Close()
	}()
	logger.Info("Metrics listening", zap.String("addr", addr))
	if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// cycleReporter is the part of the poller the liveness check reads.
type cycleReporter interface {
	LastCycle() time.Time
}

// pollerHealthChecker fails when no poll cycle has finished within maxAge,
// counting from since until the first cycle completes.
type pollerHealthChecker struct {
	poller cycleReporter
	maxAge time.Duration
	since  time.Time
	now    func() time.Time
}

func (c pollerHealthChecker) CheckHealth(context.Context) error {
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	last := c.poller.LastCycle()
	if last.IsZero() {
		last = c.since
	}
	if age := now().Sub(last); age > c.maxAge {
		return fmt.Errorf("no completed poll cycle for %s", age.Round(time.Second))
	}
	return nil
}

// pollerStaleAfter allows a few missed ticks plus one slow status request.
func pollerStaleAfter(cfg *config.Config) time.Duration {
	timeout := cfg.Remote.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return 3*cfg.Poller.Interval + timeout
}

type pinger interface {
	Ping(ctx context.Context) error
}

// remoteHealthChecker reports whether the analysis service answers.
type remoteHealthChecker struct {
	remote pinger
}

func (c remoteHealthChecker) CheckHealth(ctx context.Context) error {
	return c.remote.Ping(ctx)
}

// registryHealthChecker verifies the registry directory is usable. A missing
// directory is fine; it is created on the first write.
type registryHealthChecker struct {
	dir string
}

func (c registryHealthChecker) CheckHealth(context.Context) error {
	if c.dir == "" {
		return errors.New("jobs directory not configured")
	}
	info, err := os.Stat(c.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat jobs directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("jobs directory %s is not a directory", c.dir)
	}
	return nil
}
