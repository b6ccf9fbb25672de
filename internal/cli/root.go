package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "clinicsync",
		Short: "Patient identity resolution and record merging",
		Long: `clinicsync finds Person records that describe the same patient, decides
which record survives, and moves every appointment, order, message, tag and
form response onto it.

Runs are dry-run unless --execute is given. Every executed change is written
to the merge_events audit log.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("db", "", "Database path, or connection URL with --driver postgres (overrides CLINICSYNC_DB_PATH)")
	root.PersistentFlags().String("driver", "", "Database driver: sqlite3 or postgres (overrides CLINICSYNC_DB_DRIVER)")
	root.PersistentFlags().String("config", "", "Config file (default ~/.config/clinicsync/config.yaml)")
	root.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return exitError(ExitUsage, err)
	})

	root.AddCommand(
		newMergeCmd(),
		newScanCmd(),
		newVerifyCmd(),
		newImportCmd(),
		newMigrateCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with a context that cancels on signal.
// A cancelled merge stops between effects.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
