package cmd

import (
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobwatch/internal/observability"
	"github.com/3leaps/jobwatch/pkg/background"
)

var (
	notifyJobID string
	notifyEmail string
)

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Configure completion mail",
	Long: `Configure the mail the analysis service sends when a job finishes.

Without --job, enable and disable change the registry-wide default. With
--job they change a single background job.

Examples:
  jobwatch notify set-email me@example.org
  jobwatch notify enable
  jobwatch notify disable --job img-42`,
}

var notifySetEmailCmd = &cobra.Command{
	Use:   "set-email <email>",
	Short: "Set the notification address",
	Args:  cobra.ExactArgs(1),
	RunE:  runNotifySetEmail,
}

var notifyEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable completion mail",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, _ []string) error { return runNotifyToggle(cmd, true) },
}

var notifyDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable completion mail",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, _ []string) error { return runNotifyToggle(cmd, false) },
}

func init() {
	rootCmd.AddCommand(notifyCmd)
	notifyCmd.AddCommand(notifySetEmailCmd)
	notifyCmd.AddCommand(notifyEnableCmd)
	notifyCmd.AddCommand(notifyDisableCmd)

	for _, c := range []*cobra.Command{notifyEnableCmd, notifyDisableCmd} {
		c.Flags().StringVar(&notifyJobID, "job", "", "Apply to this job only")
		c.Flags().StringVar(&notifyEmail, "email", "", "Address to notify (default: the registry address)")
	}
}

func runNotifySetEmail(cmd *cobra.Command, args []string) error {
	email := strings.TrimSpace(args[0])
	if email == "" || !strings.Contains(email, "@") {
		return exitError(foundry.ExitInvalidArgument, "Invalid email", fmt.Errorf("%q is not an email address", args[0]))
	}

	ctx := commandContext(cmd)
	a, closeApp, err := openApp(ctx, observability.CLILogger)
	if err != nil {
		return err
	}
	defer closeApp()

	if err := a.Controller().SetEmail(ctx, email); err != nil {
		return commandError("Set email failed", err)
	}
	observability.CLILogger.Info("Notification address set", zap.String("email", email))
	return nil
}

func runNotifyToggle(cmd *cobra.Command, enable bool) error {
	ctx := commandContext(cmd)
	a, closeApp, err := openApp(ctx, observability.CLILogger)
	if err != nil {
		return err
	}
	defer closeApp()

	req := background.NotificationRequest{
		JobID:  strings.TrimSpace(notifyJobID),
		Enable: enable,
		Email:  strings.TrimSpace(notifyEmail),
	}
	if err := a.Controller().SetNotification(ctx, req); err != nil {
		return commandError("Notification update failed", err)
	}

	scope := "all jobs"
	if req.JobID != "" {
		scope = req.JobID
	}
	observability.CLILogger.Info("Notification updated",
		zap.String("scope", scope),
		zap.Bool("enabled", enable))
	return nil
}
