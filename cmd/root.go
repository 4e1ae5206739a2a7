// Package cmd defines the catalog CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/resource-catalog/internal/app"
	"github.com/JakeFAU/resource-catalog/internal/catalog"
	"github.com/JakeFAU/resource-catalog/internal/config"
	"github.com/JakeFAU/resource-catalog/internal/crawl"
	"github.com/JakeFAU/resource-catalog/internal/report"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

const closeTimeout = 15 * time.Second

// App is what the commands need from the wired services. Tests inject a fake.
type App interface {
	Logger() *zap.Logger
	Catalog() catalog.Store
	Verify(ctx context.Context) (report.Report, error)
	CrawlDue(ctx context.Context) (crawl.Summary, error)
	Ingest(ctx context.Context, sourceURL, text string) crawl.IngestStats
	Serve(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is the application factory. It is a variable so tests can swap it.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return app.Build(ctx, cfg)
}

// loadConfig is swapped in tests that do not want environment lookups.
var loadConfig = config.Load

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Collects proxy and subscription links and verifies they still work.",
		Long: `catalog keeps a Postgres catalog of proxy resources harvested from
public sources, parks subscription links that are not reachable yet, and
runs concurrent verification passes that produce a JSON report.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML); CATALOG_* env vars override it")

	cmd.AddCommand(
		newServeCmd(),
		newVerifyCmd(),
		newPromoteCmd(),
		newCrawlCmd(),
		newIngestCmd(),
		newSourceCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// withApp resolves the App for fn and closes it afterwards, whether or not
// fn succeeded. PersistentPostRun is skipped on error, so closing lives here.
func withApp(fn func(cmd *cobra.Command, args []string, a App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := resolveApp(cmd.Context())
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			if cerr := a.Close(ctx); cerr != nil {
				a.Logger().Warn("close application services", zap.Error(cerr))
			}
		}()
		return fn(cmd, args, a)
	}
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
