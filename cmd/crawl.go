package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Fetches every due source and saves what it finds",
		Long: `Fetches each active source whose crawl interval has elapsed, classifies
the document and saves every candidate. A 404 soft-deletes the source.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a App) error {
			sum, err := a.CrawlDue(cmd.Context())
			if err != nil {
				return fmt.Errorf("crawl due sources: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"sources %d (ok %d, failed %d, deleted %d); candidates %d, new resources %d, new pending %d\n",
				sum.Sources, sum.OK, sum.Failed, sum.Deleted,
				sum.Ingest.Candidates, sum.Ingest.Resources, sum.Ingest.Pending)
			return nil
		}),
	}
}
