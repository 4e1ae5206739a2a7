package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

const maxIngestBytes = 64 << 20

func newIngestCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "ingest [file]",
		Short: "Classifies a local document and saves its resources",
		Long: `Reads a document from file, or stdin when no file or "-" is given,
extracts every recognizable resource and saves it under --source.`,
		Args: cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a App) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open input: %w", err)
				}
				defer f.Close()
				in = f
			}
			data, err := io.ReadAll(io.LimitReader(in, maxIngestBytes+1))
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			if len(data) > maxIngestBytes {
				return errors.New("input exceeds 64 MiB")
			}
			stats := a.Ingest(cmd.Context(), source, string(data))
			fmt.Fprintf(cmd.OutOrStdout(), "candidates %d, new resources %d, new pending %d, existing %d, errors %d\n",
				stats.Candidates, stats.Resources, stats.Pending, stats.Existing, stats.Errors)
			return nil
		}),
	}
	cmd.Flags().StringVar(&source, "source", "", "source URL to attribute the resources to")
	return cmd
}
