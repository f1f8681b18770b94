package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	apperrors "github.com/3leaps/jobwatch/internal/errors"
	"github.com/3leaps/jobwatch/internal/observability"
	"github.com/3leaps/jobwatch/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage background jobs",
	Long: `Inspect and manage the jobs held in the local registry.

Jobs enter the registry when they are sent to background tracking. The
registry is refreshed by 'jobwatch serve'; these commands read and change it
directly.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List background jobs",
	Long: `List background jobs, newest first.

By default only jobs shown in the job history are listed. --all includes
jobs that are tracked without being shown. --match filters by job ID or title
using a glob pattern (e.g. 'img-*', '*survey*').`,
	Args: cobra.NoArgs,
	RunE: runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job_id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Count jobs by state",
	Args:  cobra.NoArgs,
	RunE:  runJobsSummary,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Cancel a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsRemoveCmd = &cobra.Command{
	Use:   "remove <job_id>",
	Short: "Remove a job from the service and the registry",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRemove,
}

var jobsArchiveCmd = &cobra.Command{
	Use:   "archive <job_id>",
	Short: "Archive a finished job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsArchive,
}

var jobsDownloadCmd = &cobra.Command{
	Use:   "download <job_id> <index>",
	Short: "Download a result of a finished job",
	Long: `Download result <index> (zero based) of a successful job.

Examples:
  jobwatch jobs download img-42 0
  jobwatch jobs download img-42 1 --dir ./results`,
	Args: cobra.ExactArgs(2),
	RunE: runJobsDownload,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsSummaryCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsRemoveCmd)
	jobsCmd.AddCommand(jobsArchiveCmd)
	jobsCmd.AddCommand(jobsDownloadCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().Bool("all", false, "Include jobs not shown in the job history")
	jobsListCmd.Flags().String("match", "", "Only list jobs whose ID or title matches this glob")
	jobsShowCmd.Flags().String("format", "json", "Output format: json or yaml")
	jobsSummaryCmd.Flags().Bool("json", false, "Output as JSON")
	jobsDownloadCmd.Flags().String("dir", "", "Destination directory (default: download.dir)")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	all, _ := cmd.Flags().GetBool("all")
	match, _ := cmd.Flags().GetString("match")

	a, closeApp, err := openApp(commandContext(cmd), observability.CLILogger)
	if err != nil {
		return err
	}
	defer closeApp()

	records, err := a.State().Select(match)
	if err != nil {
		if errors.Is(err, doublestar.ErrBadPattern) {
			return exitError(foundry.ExitInvalidArgument, "Invalid --match pattern", err)
		}
		return err
	}
	if !all {
		records = monitoredOnly(records)
	}

	if jsonOutput {
		return writeJSON(os.Stdout, records)
	}
	if len(records) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}
	return writeJobTable(os.Stdout, records)
}

func monitoredOnly(records []jobregistry.JobRecord) []jobregistry.JobRecord {
	out := records[:0:0]
	for _, r := range records {
		if r.Monitored {
			out = append(out, r)
		}
	}
	return out
}

func writeJobTable(out io.Writer, records []jobregistry.JobRecord) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "JOB ID\tTYPE\tSTATE\tTITLE\tSTARTED\tENDED\tRESULTS")
	for _, r := range records {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			r.ID,
			dashIfEmpty(r.Type),
			r.Phase,
			dashIfEmpty(truncate(r.Title, 40)),
			formatOptionalTime(r.StartTime),
			formatOptionalTime(r.EndTime),
			len(r.Results),
		)
	}
	return w.Flush()
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	format = strings.ToLower(strings.TrimSpace(format))
	if format != "json" && format != "yaml" {
		return exitError(foundry.ExitInvalidArgument, "Invalid --format", fmt.Errorf("unsupported format %q (json or yaml)", format))
	}

	a, closeApp, err := openApp(commandContext(cmd), observability.CLILogger)
	if err != nil {
		return err
	}
	defer closeApp()

	rec, err := a.Controller().Job(strings.TrimSpace(args[0]))
	if err != nil {
		return commandError("Job lookup failed", err)
	}
	if format == "yaml" {
		return writeYAML(os.Stdout, rec)
	}
	return writeJSON(os.Stdout, rec)
}

func runJobsSummary(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	a, closeApp, err := openApp(commandContext(cmd), observability.CLILogger)
	if err != nil {
		return err
	}
	defer closeApp()

	sum := a.Controller().Summary()
	if jsonOutput {
		return writeJSON(os.Stdout, sum)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total:\t%d\n", sum.Total)
	_, _ = fmt.Fprintf(w, "Active:\t%d\n", sum.Active)
	_, _ = fmt.Fprintf(w, "Succeeded:\t%d\n", sum.Succeeded)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", sum.Failed)
	_, _ = fmt.Fprintf(w, "Archived:\t%d\n", sum.Archived)
	return w.Flush()
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	a, closeApp, err := openApp(ctx, observability.CLILogger)
	if err != nil {
		return err
	}
	defer closeApp()

	jobID := strings.TrimSpace(args[0])
	st, err := a.Controller().Cancel(ctx, jobID)
	if err != nil {
		return commandError("Cancel failed", err)
	}
	observability.CLILogger.Info("Job cancelled",
		zap.String("job_id", jobID),
		zap.String("phase", string(st.Phase())))
	return nil
}

func runJobsRemove(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	a, closeApp, err := openApp(ctx, observability.CLILogger)
	if err != nil {
		return err
	}
	defer closeApp()

	jobID := strings.TrimSpace(args[0])
	if err := a.Controller().Remove(ctx, jobID); err != nil {
		return commandError("Remove failed", err)
	}
	observability.CLILogger.Info("Job removed", zap.String("job_id", jobID))
	return nil
}

func runJobsArchive(cmd *cobra.Command, args []string) error {
	a, closeApp, err := openApp(commandContext(cmd), observability.CLILogger)
	if err != nil {
		return err
	}
	defer closeApp()

	rec, err := a.Controller().Archive(strings.TrimSpace(args[0]))
	if err != nil {
		return commandError("Archive failed", err)
	}
	observability.CLILogger.Info("Job archived", zap.String("job_id", rec.ID))
	return nil
}

func runJobsDownload(cmd *cobra.Command, args []string) error {
	index, err := strconv.Atoi(args[1])
	if err != nil || index < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid result index", fmt.Errorf("%q is not a non-negative integer", args[1]))
	}
	dir, _ := cmd.Flags().GetString("dir")

	ctx := commandContext(cmd)
	a, closeApp, err := openApp(ctx, observability.CLILogger)
	if err != nil {
		return err
	}
	defer closeApp()

	if dir == "" {
		dir = a.Downloader().Dir()
	}
	res, err := a.Downloader().DownloadTo(ctx, strings.TrimSpace(args[0]), index, dir)
	if err != nil {
		return commandError("Download failed", err)
	}
	return writeJSON(os.Stdout, res)
}

// commandError maps a registry or service failure to an exit code using the
// same classification as the HTTP API.
func commandError(message string, err error) error {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return exitError(foundry.ExitFileWriteError, message, err)
	}
	if errors.Is(err, context.Canceled) {
		return exitError(foundry.ExitSignalInt, message, err)
	}
	status, _ := apperrors.Classify(err)
	switch {
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return exitError(foundry.ExitExternalServiceUnavailable, message, err)
	case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
		return exitError(foundry.ExitInvalidArgument, message, err)
	}
	return fmt.Errorf("%s: %w", message, err)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(out io.Writer, v any) error {
	// Round-trip through JSON so YAML keys follow the json tags.
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

func formatOptionalTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
