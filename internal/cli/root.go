package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mailagent",
	Short: "Email-driven browser automation agent",
	Long: `mailagent watches a mailbox for task requests, asks clarifying questions by
email when needed, carries the task out in a browser and replies with a report.

Running 'mailagent' without a subcommand is equivalent to 'mailagent run'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to mailagent.toml (default: ./mailagent.toml, then $HOME/.mailagent.toml)")
	addRunFlags(runCmd.Flags())
	addRunFlags(rootCmd.Flags())
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
