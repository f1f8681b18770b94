package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobwatch/internal/app"
	"github.com/3leaps/jobwatch/internal/observability"
	"github.com/3leaps/jobwatch/pkg/bgstatus"
	"github.com/3leaps/jobwatch/pkg/bridge"
	"github.com/3leaps/jobwatch/pkg/dispatch"
	"github.com/3leaps/jobwatch/pkg/jobregistry"
	"github.com/3leaps/jobwatch/pkg/output"
	"github.com/3leaps/jobwatch/pkg/remote"
	"github.com/3leaps/jobwatch/pkg/watch"
)

var (
	submitRequestPath string
	submitTimeout     time.Duration
	submitBackground  bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a package request and track the job",
	Long: `Submit a package request to the analysis service and follow the job
until it completes, is sent to background or the wait times out.

Progress is written to stdout as JSONL records:
  jobwatch.event.v1    status changes of the job
  jobwatch.error.v1    failures while tracking
  jobwatch.summary.v1  the final outcome

With --background the job is added to the registry as soon as the service
accepts it; use 'jobwatch jobs list' or 'jobwatch serve' to follow it.

Examples:
  jobwatch submit --request images.yaml
  jobwatch submit --request images.yaml --timeout 10m
  jobwatch submit --request images.yaml --background`,
	Args: cobra.NoArgs,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVarP(&submitRequestPath, "request", "r", "", "Path to package request (YAML or JSON, required)")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 0, "Give up waiting after this duration (default: tracking.timeout)")
	submitCmd.Flags().BoolVar(&submitBackground, "background", false, "Send the job to background tracking once accepted")

	_ = submitCmd.MarkFlagRequired("request")
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	req, err := remote.LoadPackageRequest(submitRequestPath)
	if err != nil {
		observability.CLILogger.Error("Failed to load package request",
			zap.String("path", submitRequestPath),
			zap.Error(err))
		if errors.Is(err, os.ErrNotExist) {
			return exitError(foundry.ExitFileNotFound, "Request file not found", err)
		}
		return exitError(foundry.ExitInvalidArgument, "Invalid package request", err)
	}
	if submitTimeout < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --timeout", fmt.Errorf("negative duration %s", submitTimeout))
	}

	cfg, err := currentConfig()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, closeApp, err := openApp(ctx, observability.CLILogger)
	if err != nil {
		return err
	}
	defer closeApp()

	w := output.NewJSONLWriter(os.Stdout, "", cfg.Remote.URL)
	defer func() { _ = w.Close() }()

	run := &submitRun{writer: w, started: time.Now()}
	updates := a.Store().Watch("submit progress", []dispatch.Kind{dispatch.KindStatusUpdated}, run.onUpdate)
	defer updates.Cancel()

	observability.CLILogger.Info("Submitting package request",
		zap.String("title", req.Title()),
		zap.Bool("background", submitBackground))

	sub, err := a.Submit(ctx, req, app.SubmitOptions{
		Timeout:            submitTimeout,
		Background:         submitBackground,
		OnComplete:         func(st bgstatus.Status) { run.terminal(output.EventCompleted, st) },
		OnSentToBackground: func(st bgstatus.Status) { run.terminal(output.EventBackgrounded, st) },
	})
	if err != nil {
		return run.fail(ctx, err)
	}
	run.setJobID(sub.JobID)

	// A job that finished in the submit response was reported through
	// OnComplete already.
	if sub.Tracker == nil {
		return run.finish(ctx, watch.Completed)
	}

	observability.CLILogger.Info("Tracking job", zap.String("job_id", sub.JobID))

	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()
	pollDone := make(chan error, 1)
	if !sub.Tracker.Outcome().Terminal() {
		go func() { pollDone <- a.Poller().Run(pollCtx) }()
	} else {
		pollDone <- nil
	}

	outcome, waitErr := sub.Tracker.Wait(ctx)
	cancelPoll()
	if perr := <-pollDone; perr != nil {
		observability.CLILogger.Warn("Status polling stopped", zap.Error(perr))
	}
	if waitErr != nil {
		sub.Tracker.Cancel()
		_ = run.writeError(context.WithoutCancel(ctx), output.ErrCodeCanceled, "interrupted while tracking", waitErr)
		_ = run.finish(ctx, watch.Canceled)
		return exitError(foundry.ExitSignalInt, "Interrupted", waitErr)
	}
	return run.finish(ctx, outcome)
}

// submitRun collects the JSONL output of one submit invocation.
type submitRun struct {
	writer  output.Writer
	started time.Time
	jobID   atomic.Value
	updates atomic.Int64

	mu       sync.Mutex
	last     *bgstatus.Status
	writeErr error
}

func (r *submitRun) setJobID(id string) {
	r.jobID.Store(id)
	if jw, ok := r.writer.(*output.JSONLWriter); ok {
		jw.SetJobID(id)
	}
}

func (r *submitRun) currentJobID() string {
	id, _ := r.jobID.Load().(string)
	return id
}

func (r *submitRun) onUpdate(a dispatch.Action, _ *dispatch.Subscription) {
	if id := r.currentJobID(); id == "" || a.JobID != id {
		return
	}
	if a.Status.Phase().IsDone() {
		return
	}
	r.updates.Add(1)
	r.record(a.Status)
	r.write(r.writer.WriteEvent(context.Background(), output.NewEventRecord(output.EventUpdated, a.Status)))
}

// terminal runs from tracker callbacks, which may fire after the command
// context has ended.
func (r *submitRun) terminal(event string, st bgstatus.Status) {
	if r.currentJobID() == "" {
		r.setJobID(st.ID())
	}
	r.updates.Add(1)
	r.record(st)
	r.write(r.writer.WriteEvent(context.Background(), output.NewEventRecord(event, st)))
}

func (r *submitRun) record(st bgstatus.Status) {
	r.mu.Lock()
	r.last = &st
	r.mu.Unlock()
}

func (r *submitRun) write(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	if r.writeErr == nil {
		r.writeErr = err
	}
	r.mu.Unlock()
}

func (r *submitRun) writeError(ctx context.Context, code, msg string, err error) error {
	rec := &output.ErrorRecord{Code: code, Message: msg, JobID: r.currentJobID()}
	if err != nil {
		rec.Details = map[string]string{"error": err.Error()}
	}
	return r.writer.WriteError(ctx, rec)
}

// fail reports a submission that never produced a tracked job.
func (r *submitRun) fail(ctx context.Context, err error) error {
	code := output.ErrCodeRequestFailed
	exit := foundry.ExitExternalServiceUnavailable
	switch {
	case errors.Is(err, bridge.ErrMalformedPayload), errors.Is(err, jobregistry.ErrMalformedPayload):
		code = output.ErrCodeMalformed
	case errors.Is(err, remote.ErrInvalidRequest):
		exit = foundry.ExitInvalidArgument
	case errors.Is(err, context.Canceled):
		code = output.ErrCodeCanceled
		exit = foundry.ExitSignalInt
	}
	observability.CLILogger.Error("Package request failed", zap.Error(err))
	if werr := r.writeError(context.WithoutCancel(ctx), code, "package request failed", err); werr != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", werr)
	}
	return exitError(exit, "Package request failed", err)
}

// finish writes the summary and maps the outcome to the command result.
func (r *submitRun) finish(ctx context.Context, outcome watch.Outcome) error {
	r.mu.Lock()
	last := r.last
	writeErr := r.writeErr
	r.mu.Unlock()

	elapsed := time.Since(r.started)
	sum := &output.SummaryRecord{
		JobID:         r.currentJobID(),
		Outcome:       string(outcome),
		Duration:      elapsed,
		DurationHuman: elapsed.Round(time.Millisecond).String(),
		Updates:       r.updates.Load(),
	}
	if last != nil {
		sum.Phase = string(last.Phase())
		sum.Results = resultHrefs(*last)
	}

	if outcome == watch.TimedOut {
		if err := r.writeError(context.WithoutCancel(ctx), output.ErrCodeTimeout, "timed out waiting for job", watch.ErrTimeout); err != nil && writeErr == nil {
			writeErr = err
		}
	}
	if err := r.writer.WriteSummary(context.WithoutCancel(ctx), sum); err != nil && writeErr == nil {
		writeErr = err
	}
	if writeErr != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", writeErr)
	}

	observability.CLILogger.Info("Tracking finished",
		zap.String("job_id", sum.JobID),
		zap.String("outcome", sum.Outcome),
		zap.String("phase", sum.Phase),
		zap.Duration("duration", elapsed))

	switch {
	case outcome == watch.TimedOut:
		return exitError(foundry.ExitExternalServiceUnavailable, "Job did not finish in time", watch.ErrTimeout)
	case outcome == watch.Canceled:
		return exitError(foundry.ExitSignalInt, "Tracking cancelled", watch.ErrCanceled)
	case outcome == watch.Completed && last != nil && !last.Phase().IsSuccess():
		return exitError(foundry.ExitExternalServiceUnavailable, "Job did not succeed",
			fmt.Errorf("job %s finished in phase %s", sum.JobID, sum.Phase))
	}
	return nil
}

// resultHrefs lists the artifact references of a status.
func resultHrefs(st bgstatus.Status) []string {
	raw, ok := st.Fields[bgstatus.KeyResults]
	if !ok {
		return nil
	}
	var results []jobregistry.Result
	if err := mapstructure.WeakDecode(raw, &results); err != nil {
		return nil
	}
	hrefs := make([]string, 0, len(results))
	for _, res := range results {
		if res.Href != "" {
			hrefs = append(hrefs, res.Href)
		}
	}
	return hrefs
}
