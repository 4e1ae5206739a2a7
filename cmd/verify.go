package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/resource-catalog/internal/report"
)

func newVerifyCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Runs one verification pass over the whole catalog",
		Long: `Probes every resource in the catalog with the configured worker
pool, records the outcomes, stores the report and prints a summary.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a App) error {
			rep, err := a.Verify(cmd.Context())
			if err != nil {
				return fmt.Errorf("verification run: %w", err)
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			report.RenderTables(out, rep)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full report as JSON instead of tables")
	return cmd
}
