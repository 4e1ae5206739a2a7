package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPromoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "promote",
		Short: "Re-checks pending subscriptions and promotes the reachable ones",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a App) error {
			stats, err := a.Catalog().PromotePendingSubscriptions(cmd.Context())
			if err != nil {
				return fmt.Errorf("promote pending subscriptions: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked %d, promoted %d, still pending %d\n",
				stats.Checked, stats.Promoted, stats.Failed)
			return nil
		}),
	}
}
