// Package app builds the long-lived services of the catalog and owns their
// shutdown order.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/resource-catalog/internal/api"
	memorycache "github.com/JakeFAU/resource-catalog/internal/cache/memory"
	rediscache "github.com/JakeFAU/resource-catalog/internal/cache/redis"
	"github.com/JakeFAU/resource-catalog/internal/catalog"
	"github.com/JakeFAU/resource-catalog/internal/config"
	"github.com/JakeFAU/resource-catalog/internal/crawl"
	"github.com/JakeFAU/resource-catalog/internal/geo"
	"github.com/JakeFAU/resource-catalog/internal/logging"
	"github.com/JakeFAU/resource-catalog/internal/probe"
	"github.com/JakeFAU/resource-catalog/internal/progress"
	progresssinks "github.com/JakeFAU/resource-catalog/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/resource-catalog/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/resource-catalog/internal/publisher/pubsub"
	"github.com/JakeFAU/resource-catalog/internal/report"
	"github.com/JakeFAU/resource-catalog/internal/retry"
	"github.com/JakeFAU/resource-catalog/internal/scheduler"
	gcsstorage "github.com/JakeFAU/resource-catalog/internal/storage/gcs"
	localstorage "github.com/JakeFAU/resource-catalog/internal/storage/local"
	memorystorage "github.com/JakeFAU/resource-catalog/internal/storage/memory"
	pgstore "github.com/JakeFAU/resource-catalog/internal/storage/postgres"
	"github.com/JakeFAU/resource-catalog/internal/verify"
)

const shutdownTimeout = 15 * time.Second

// Options lets callers supply collaborators that Build would otherwise
// create. Store is required by New.
type Options struct {
	Store  catalog.Store
	Logger *zap.Logger
	// Checker probes subscription links; nil builds one from the config.
	Checker *probe.HTTPChecker
	// Registerer receives the progress collectors; nil uses the default.
	Registerer prometheus.Registerer
	// Runner executes the proxy engine; nil uses probe.ExecRunner.
	Runner probe.Runner
}

type closer interface {
	Close() error
}

// App contains the wired services.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     catalog.Store
	geoCache  geo.Cache
	resolver  *geo.Resolver
	gcsClient *storage.Client
	publisher closer
	runs      *memorystorage.RunStore
	hub       *progress.Hub
	engine    *verify.Engine
	crawler   *crawl.Crawler
	apiServer *api.Server
}

// Build opens Postgres, migrates it and wires everything else on top.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	checker := newChecker(cfg, logger)
	base, maxDelay := cfg.RetryDelays()
	store, err := pgstore.Open(ctx, pgstore.Config{
		DSN:            cfg.DB.DSN,
		PoolCapacity:   cfg.DB.PoolCapacity,
		ConnectTimeout: time.Duration(cfg.DB.ConnectTimeoutSeconds) * time.Second,
	}, pgstore.Options{
		Checker: checker,
		Retry:   retry.NewExponentialPolicy(cfg.DB.Retry.MaxAttempts, base, maxDelay, pgstore.IsTransient),
		Logger:  logger.Named("store"),
	})
	if err != nil {
		return nil, fmt.Errorf("catalog store init failed: %w", err)
	}
	logger.Info("catalog store ready", zap.Int("pool_capacity", cfg.DB.PoolCapacity))

	return New(ctx, cfg, Options{Store: store, Logger: logger, Checker: checker})
}

// New wires the services around opts.Store. On error everything built so
// far, the store included, is closed.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	if opts.Store == nil {
		return nil, errors.New("app: catalog store is required")
	}
	a := &App{cfg: cfg, logger: opts.Logger, store: opts.Store}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	if err := a.wire(ctx, opts); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := a.Close(closeCtx); cerr != nil {
			a.logger.Warn("cleanup after failed build", zap.Error(cerr))
		}
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, opts Options) error {
	cfg := a.cfg
	checker := opts.Checker
	if checker == nil {
		checker = newChecker(cfg, a.logger)
	}
	runner := opts.Runner
	if runner == nil {
		runner = probe.ExecRunner
	}
	prober := probe.Router{
		Subscriptions: checker,
		Proxies: probe.NewSingBoxChecker(probe.SingBoxConfig{
			EnginePath: cfg.Verify.EnginePath,
			Timeout:    cfg.ProbeTimeout(),
		}, runner, a.logger.Named("singbox")),
	}

	if err := a.setupGeo(ctx); err != nil {
		return err
	}
	blobs, err := a.setupReports(ctx)
	if err != nil {
		return err
	}
	pub, topic, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	writer := report.NewWriter(blobs, pub, report.WriterConfig{Prefix: cfg.Report.Prefix, Topic: topic}, a.logger.Named("report"))

	if err := a.setupProgress(opts.Registerer); err != nil {
		return err
	}

	deps := verify.Deps{
		Store:    a.store,
		Prober:   prober,
		Reporter: writer,
		Runs:     a.runs,
		Events:   a.hub,
		Logger:   a.logger.Named("verify"),
	}
	if cfg.Verify.ResolveRegions || cfg.Report.TestLocation == "" {
		deps.IPs = geo.NewExtractor(nil, time.Duration(cfg.Geo.TimeoutSeconds)*time.Second)
		deps.Geo = a.resolver
	}
	a.engine, err = verify.New(verify.Config{
		Workers:        cfg.Verify.Workers,
		ProbeTimeout:   cfg.ProbeTimeout(),
		IdleExit:       time.Duration(cfg.Verify.IdleExitMs) * time.Millisecond,
		ResolveRegions: cfg.Verify.ResolveRegions,
		TestLocation:   cfg.Report.TestLocation,
	}, deps)
	if err != nil {
		return fmt.Errorf("verification engine init failed: %w", err)
	}

	fetcher := crawl.NewCollyFetcher(crawl.FetcherConfig{
		UserAgent: cfg.Crawl.UserAgent,
		Timeout:   time.Duration(cfg.Crawl.TimeoutSeconds) * time.Second,
	}, nil)
	a.crawler = crawl.New(a.store, fetcher, nil, a.logger.Named("crawl"))

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	a.apiServer, err = api.NewServer(api.Config{
		APIKey:        apiKey,
		CrawlInterval: cfg.CrawlInterval(),
	}, api.Deps{
		Catalog:    a.store,
		Ingester:   a.crawler,
		Verifier:   a.engine,
		Runs:       a.runs,
		Background: ctx,
		Logger:     a.logger.Named("api"),
	})
	if err != nil {
		return fmt.Errorf("api init failed: %w", err)
	}
	a.logger.Info("application services initialized",
		zap.Int("workers", cfg.Verify.Workers),
		zap.Bool("resolve_regions", cfg.Verify.ResolveRegions),
		zap.String("report_backend", cfg.Report.Backend),
		zap.String("geo_cache", cfg.Geo.Cache.Backend),
	)
	return nil
}

func newChecker(cfg config.Config, logger *zap.Logger) *probe.HTTPChecker {
	return probe.NewHTTPChecker(probe.HTTPConfig{
		Timeout:   time.Duration(cfg.Probe.SubscriptionTimeoutSeconds) * time.Second,
		UserAgent: cfg.Probe.UserAgent,
	}, nil, logger.Named("probe"))
}

func (a *App) setupGeo(ctx context.Context) error {
	cc := a.cfg.Geo.Cache
	ttl := time.Duration(cc.TTLHours) * time.Hour
	switch cc.Backend {
	case config.CacheRedis:
		cache, err := rediscache.New(ctx, rediscache.Config{
			Address:  cc.RedisAddr,
			Password: cc.RedisPassword,
			DB:       cc.RedisDB,
			TTL:      ttl,
		})
		if err != nil {
			return fmt.Errorf("redis geo cache init failed: %w", err)
		}
		a.geoCache = cache
		a.logger.Info("using redis geo cache", zap.String("addr", cc.RedisAddr))
	default:
		cache, err := memorycache.New(memorycache.Config{
			File:             cc.File,
			MaxEntries:       cc.MaxEntries,
			TTL:              ttl,
			MinWriteInterval: time.Duration(cc.MinWriteIntervalMs) * time.Millisecond,
		}, a.logger.Named("geo_cache"))
		if err != nil {
			return fmt.Errorf("memory geo cache init failed: %w", err)
		}
		a.geoCache = cache
		a.logger.Info("using in-memory geo cache", zap.String("file", cc.File))
	}

	resolver, err := geo.NewResolver(geo.Config{
		Providers:     a.cfg.Geo.Providers,
		Keys:          a.cfg.GeoKeys(),
		Timeout:       time.Duration(a.cfg.Geo.TimeoutSeconds) * time.Second,
		RatePerSecond: a.cfg.Geo.RatePerSecond,
		Burst:         a.cfg.Geo.Burst,
		UserAgent:     a.cfg.Probe.UserAgent,
	}, a.geoCache, nil, a.logger.Named("geo"))
	if err != nil {
		return fmt.Errorf("geo resolver init failed: %w", err)
	}
	a.resolver = resolver
	return nil
}

func (a *App) setupReports(ctx context.Context) (report.BlobStore, error) {
	rc := a.cfg.Report
	switch rc.Backend {
	case config.ReportGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: rc.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS report backend", zap.String("bucket", rc.GCSBucket))
		return blobs, nil
	case config.ReportLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: rc.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local report backend", zap.String("path", rc.LocalDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory report backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (report.Publisher, string, error) {
	ps := a.cfg.PubSub
	if !ps.Enabled {
		pub := memorypublisher.New()
		a.publisher = pub
		return pub, "", nil
	}
	pub, err := gcppublisher.Dial(ctx, ps.ProjectID)
	if err != nil {
		return nil, "", err
	}
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", ps.ProjectID),
		zap.String("topic", ps.TopicName),
	)
	return pub, ps.TopicName, nil
}

func (a *App) setupProgress(reg prometheus.Registerer) error {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return err
	}
	a.runs = memorystorage.NewRunStore()
	a.hub = progress.NewHub(
		progress.Config{Logger: a.logger.Named("progress_hub")},
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
		progresssinks.NewRunSink(a.runs, a.logger.Named("progress_runs")),
	)
	return nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Catalog returns the catalog store.
func (a *App) Catalog() catalog.Store {
	return a.store
}

// Verify runs one verification pass in the foreground.
func (a *App) Verify(ctx context.Context) (report.Report, error) {
	return a.engine.Run(ctx)
}

// CrawlDue crawls every source whose interval has elapsed.
func (a *App) CrawlDue(ctx context.Context) (crawl.Summary, error) {
	return a.crawler.CrawlDue(ctx, a.cfg.CrawlInterval())
}

// Ingest classifies text and saves what it finds under sourceURL.
func (a *App) Ingest(ctx context.Context, sourceURL, text string) crawl.IngestStats {
	return a.crawler.Ingest(ctx, sourceURL, text)
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Serve runs the HTTP API and, when enabled, the periodic jobs until ctx is
// canceled or a termination signal arrives.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sched *scheduler.Scheduler
	if a.cfg.Schedule.Enabled {
		sched = scheduler.New(ctx, a.logger.Named("scheduler"))
		for _, job := range a.jobs() {
			if err := sched.Add(job); err != nil {
				return err
			}
		}
		sched.Start()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			a.logger.Warn("scheduler stop failed", zap.Error(err))
		}
	}
	a.engine.Wait()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

func (a *App) jobs() []scheduler.Job {
	var jobs []scheduler.Job
	sc := a.cfg.Schedule
	if sc.Verify != "" {
		jobs = append(jobs, scheduler.Job{Name: "verify", Spec: sc.Verify, Run: func(ctx context.Context) error {
			_, err := a.engine.Run(ctx)
			if errors.Is(err, verify.ErrRunInProgress) {
				a.logger.Info("verification skipped, a run is already active")
				return nil
			}
			return err
		}})
	}
	if sc.Promote != "" {
		jobs = append(jobs, scheduler.Job{Name: "promote", Spec: sc.Promote, Run: func(ctx context.Context) error {
			_, err := a.store.PromotePendingSubscriptions(ctx)
			return err
		}})
	}
	if sc.Crawl != "" {
		jobs = append(jobs, scheduler.Job{Name: "crawl", Spec: sc.Crawl, Run: func(ctx context.Context) error {
			_, err := a.CrawlDue(ctx)
			return err
		}})
	}
	return jobs
}

// Close releases every service. It is safe on a partially built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("progress hub: %w", err))
		}
	}
	if a.resolver != nil {
		if err := a.resolver.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("geo resolver: %w", err))
		}
	} else if a.geoCache != nil {
		if err := a.geoCache.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("geo cache: %w", err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher: %w", err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gcs client: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("catalog store: %w", err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if len(errs) > 0 {
		a.logger.Warn("shutdown finished with errors", zap.Error(errors.Join(errs...)))
		return errors.Join(errs...)
	}
	a.logger.Info("shutdown complete")
	return nil
}
