// Package verify runs batch liveness checks over the whole catalog: it
// snapshots every resource, fans the rows out to a worker pool, persists
// each outcome as it lands and compiles the run report once every row has
// been processed.
package verify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/resource-catalog/internal/catalog"
	"github.com/JakeFAU/resource-catalog/internal/clock/system"
	"github.com/JakeFAU/resource-catalog/internal/geo"
	iduuid "github.com/JakeFAU/resource-catalog/internal/id/uuid"
	"github.com/JakeFAU/resource-catalog/internal/metrics"
	"github.com/JakeFAU/resource-catalog/internal/progress"
	"github.com/JakeFAU/resource-catalog/internal/queue/memory"
	"github.com/JakeFAU/resource-catalog/internal/report"
)

// ErrRunInProgress is returned when a run is requested while one is active.
var ErrRunInProgress = errors.New("verification run already in progress")

// Store is the slice of the catalog the engine reads and writes.
type Store interface {
	ListResources(ctx context.Context) ([]catalog.Resource, error)
	UpdateVerification(ctx context.Context, v catalog.Verification) error
}

// IPExtractor finds the server IP of a resource URI.
type IPExtractor interface {
	IP(ctx context.Context, uri string) (string, error)
}

// Geolocator maps IPs to location strings.
type Geolocator interface {
	Resolve(ctx context.Context, ip string) (geo.Result, error)
	CurrentLocation(ctx context.Context) string
}

// Reporter stores a finished report and returns its location.
type Reporter interface {
	Write(ctx context.Context, r report.Report, name string) (string, error)
}

// Config controls the engine.
type Config struct {
	Workers      int
	ProbeTimeout time.Duration
	// IdleExit is how long a worker waits on an empty queue before exiting.
	IdleExit       time.Duration
	ResolveRegions bool
	// TestLocation overrides the tester location lookup when set.
	TestLocation string
}

// Deps carries the engine's collaborators. Store and Prober are required.
type Deps struct {
	Store    Store
	Prober   catalog.Prober
	IPs      IPExtractor
	Geo      Geolocator
	Reporter Reporter
	Runs     catalog.RunStore
	Events   progress.Emitter
	Clock    catalog.Clock
	Logger   *zap.Logger
}

// Engine executes verification runs, one at a time.
type Engine struct {
	cfg      Config
	store    Store
	prober   catalog.Prober
	ips      IPExtractor
	geo      Geolocator
	reporter Reporter
	runs     catalog.RunStore
	events   progress.Emitter
	clock    catalog.Clock
	ids      iduuid.Generator
	logger   *zap.Logger

	running atomic.Bool
	wg      sync.WaitGroup
}

// New validates cfg and deps and returns an Engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("verify: store is required")
	}
	if deps.Prober == nil {
		return nil, errors.New("verify: prober is required")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 5
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.IdleExit <= 0 {
		cfg.IdleExit = time.Second
	}
	if deps.Geo != nil && deps.IPs == nil {
		return nil, errors.New("verify: geolocation needs an ip extractor")
	}
	e := &Engine{
		cfg:      cfg,
		store:    deps.Store,
		prober:   deps.Prober,
		ips:      deps.IPs,
		geo:      deps.Geo,
		reporter: deps.Reporter,
		runs:     deps.Runs,
		events:   deps.Events,
		clock:    deps.Clock,
		ids:      iduuid.New(),
		logger:   deps.Logger,
	}
	if e.events == nil {
		e.events = progress.Discard
	}
	if e.clock == nil {
		e.clock = system.New()
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e, nil
}

// Run executes a verification run synchronously and returns its report.
func (e *Engine) Run(ctx context.Context) (report.Report, error) {
	id, err := e.begin(ctx)
	if err != nil {
		return report.Report{}, err
	}
	defer e.running.Store(false)
	return e.execute(ctx, id)
}

// Start launches a run in the background and returns its id. The run keeps
// going after the caller's request ends; cancel ctx to abort it.
func (e *Engine) Start(ctx context.Context) (string, error) {
	id, err := e.begin(ctx)
	if err != nil {
		return "", err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.running.Store(false)
		if _, err := e.execute(ctx, id); err != nil {
			e.logger.Warn("background verification run failed", zap.Stringer("run_id", id), zap.Error(err))
		}
	}()
	return id.String(), nil
}

// Wait blocks until background runs started with Start have returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Running reports whether a run is active.
func (e *Engine) Running() bool {
	return e.running.Load()
}

func (e *Engine) begin(ctx context.Context) (uuid.UUID, error) {
	if !e.running.CompareAndSwap(false, true) {
		return uuid.Nil, ErrRunInProgress
	}
	id, err := e.ids.NewRunID()
	if err != nil {
		e.running.Store(false)
		return uuid.Nil, err
	}
	if e.runs != nil {
		run := catalog.Run{ID: id.String(), Status: catalog.RunQueued, CreatedAt: e.clock.Now()}
		if err := e.runs.CreateRun(ctx, run); err != nil {
			e.running.Store(false)
			return uuid.Nil, fmt.Errorf("register run: %w", err)
		}
	}
	return id, nil
}

func (e *Engine) execute(ctx context.Context, id uuid.UUID) (report.Report, error) {
	logger := e.logger.With(zap.Stringer("run_id", id))
	start := e.clock.Now()

	resources, err := e.store.ListResources(ctx)
	if err != nil {
		err = fmt.Errorf("snapshot catalog: %w", err)
		e.fail(id, start, err)
		return report.Report{}, err
	}
	e.events.Emit(progress.Event{RunID: id, TS: start, Stage: progress.StageRunStart, Total: len(resources)})
	logger.Info("verification run started", zap.Int("resources", len(resources)), zap.Int("workers", e.cfg.Workers))

	location := e.testLocation(ctx)
	results := e.dispatch(ctx, id, resources, location, logger)

	finished := e.clock.Now()
	rep := report.Build(results, report.Meta{
		RunID:        id.String(),
		TestTime:     finished,
		TestLocation: location,
		ThreadCount:  e.cfg.Workers,
		Timeout:      e.cfg.ProbeTimeout,
	})

	var uri string
	if e.reporter != nil {
		uri, err = e.reporter.Write(ctx, rep, report.FileName(finished))
		if err != nil {
			err = fmt.Errorf("write report: %w", err)
			e.fail(id, start, err)
			return rep, err
		}
	}

	metrics.ObserveRun("success")
	e.events.Emit(progress.Event{
		RunID: id,
		TS:    e.clock.Now(),
		Stage: progress.StageRunDone,
		Dur:   finished.Sub(start),
		Note:  uri,
	})
	logger.Info("verification run finished",
		zap.Int("total", rep.Summary.TotalResources),
		zap.Int("success", rep.Summary.Success),
		zap.Float64("success_rate", rep.Summary.SuccessRate),
		zap.String("report", uri),
	)
	return rep, nil
}

// dispatch queues the snapshot, runs min(workers, len) workers and waits for
// all of them to exit. The returned slice has one result per resource.
func (e *Engine) dispatch(
	ctx context.Context,
	id uuid.UUID,
	resources []catalog.Resource,
	location string,
	logger *zap.Logger,
) []report.Result {
	if len(resources) == 0 {
		return nil
	}
	q := memory.NewQueue[catalog.Resource](len(resources))
	for _, res := range resources {
		if err := q.Enqueue(ctx, res); err != nil {
			logger.Warn("enqueue resource failed", zap.String("url", res.URL), zap.Error(err))
		}
	}

	var (
		mu      sync.Mutex
		results = make([]report.Result, 0, len(resources))
		wg      sync.WaitGroup
	)
	collect := func(r report.Result) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	}

	n := min(e.cfg.Workers, len(resources))
	for range n {
		w := &worker{e: e, runID: id, queue: q, location: location, collect: collect, logger: logger}
		wg.Go(func() { w.run(ctx) })
	}
	wg.Wait()
	return results
}

func (e *Engine) testLocation(ctx context.Context) string {
	if e.cfg.TestLocation != "" {
		return e.cfg.TestLocation
	}
	if e.geo == nil {
		return geo.UnknownLocation
	}
	return e.geo.CurrentLocation(ctx)
}

func (e *Engine) fail(id uuid.UUID, start time.Time, err error) {
	metrics.ObserveRun("error")
	now := e.clock.Now()
	e.events.Emit(progress.Event{
		RunID: id,
		TS:    now,
		Stage: progress.StageRunError,
		Dur:   max(now.Sub(start), 0),
		Note:  err.Error(),
	})
	e.logger.Error("verification run failed", zap.Stringer("run_id", id), zap.Error(err))
}
