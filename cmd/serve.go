package cmd

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API and the scheduled jobs",
		Long: `Starts the HTTP API. When schedule.enabled is set, verification,
pending-subscription promotion and source crawling also run on their cron
schedules. Stops on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a App) error {
			return a.Serve(cmd.Context())
		}),
	}
}
