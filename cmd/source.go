package cmd

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/resource-catalog/internal/catalog"
)

func newSourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Manages crawl sources",
	}
	cmd.AddCommand(newSourceAddCmd(), newSourceDueCmd())
	return cmd
}

func newSourceAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <url>...",
		Short: "Registers source URLs; existing ones are left alone",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a App) error {
			for _, u := range args {
				if !catalog.ValidSourceURL(u) {
					return fmt.Errorf("invalid source url %q", u)
				}
			}
			for _, u := range args {
				if err := a.Catalog().AddSource(cmd.Context(), u); err != nil {
					return fmt.Errorf("add source %s: %w", u, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %d source(s)\n", len(args))
			return nil
		}),
	}
}

func newSourceDueCmd() *cobra.Command {
	var hours float64
	cmd := &cobra.Command{
		Use:   "due",
		Short: "Lists active sources whose crawl interval has elapsed",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a App) error {
			if hours <= 0 {
				return fmt.Errorf("--hours must be positive")
			}
			interval := time.Duration(hours * float64(time.Hour))
			sources, err := a.Catalog().SourcesDueForCrawl(cmd.Context(), interval)
			if err != nil {
				return fmt.Errorf("list due sources: %w", err)
			}
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"ID", "URL", "Last crawl", "OK", "Failed"})
			for _, s := range sources {
				last := "never"
				if s.LastCrawlTime != nil {
					last = s.LastCrawlTime.UTC().Format(time.RFC3339)
				}
				t.AppendRow(table.Row{s.ID, s.URL, last, s.SuccessCount, s.FailCount})
			}
			t.AppendFooter(table.Row{"", fmt.Sprintf("%d due", len(sources))})
			t.Render()
			return nil
		}),
	}
	cmd.Flags().Float64Var(&hours, "hours", 6, "crawl interval in hours")
	return cmd
}
