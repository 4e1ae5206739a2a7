package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/resource-catalog/internal/catalog"
	"github.com/JakeFAU/resource-catalog/internal/metrics"
	"github.com/JakeFAU/resource-catalog/internal/progress"
	"github.com/JakeFAU/resource-catalog/internal/queue/memory"
	"github.com/JakeFAU/resource-catalog/internal/report"
)

// worker drains the run queue until it stays empty for the idle timeout.
type worker struct {
	e        *Engine
	runID    uuid.UUID
	queue    *memory.Queue[catalog.Resource]
	location string
	collect  func(report.Result)
	logger   *zap.Logger
}

func (w *worker) run(ctx context.Context) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	for {
		res, err := w.queue.Dequeue(ctx, w.e.cfg.IdleExit)
		if err != nil {
			if !errors.Is(err, memory.ErrIdle) && !errors.Is(err, memory.ErrClosed) {
				w.logger.Debug("worker stopping", zap.Error(err))
			}
			return
		}
		w.collect(w.process(ctx, res))
	}
}

// process probes one resource, resolves its region when needed and persists
// the outcome. Nothing here fails the batch.
func (w *worker) process(ctx context.Context, res catalog.Resource) report.Result {
	probe := w.probe(ctx, res)
	metrics.ObserveProbe(string(res.Protocol), probeStatus(probe), probe.Elapsed)

	region, located := res.ServerRegion, res.LocationVerified
	newRegion := ""
	var providers map[string]bool
	if region == "" && probe.Success && w.e.cfg.ResolveRegions && w.e.geo != nil {
		var loc string
		var ok bool
		loc, providers, ok = w.locate(ctx, res)
		if ok {
			region, newRegion, located = loc, loc, true
		}
	}

	checked := w.e.clock.Now()
	status := catalog.ResourceFailed
	if probe.Success {
		status = catalog.ResourceSuccess
	}
	err := w.e.store.UpdateVerification(ctx, catalog.Verification{
		URL:              res.URL,
		Status:           status,
		CheckedAt:        checked,
		Region:           newRegion,
		SingboxVerified:  probe.Success && !res.Protocol.IsSubscription(),
		LocationVerified: newRegion != "",
		GeoProviders:     providers,
	})
	if err != nil {
		w.logger.Warn("persist verification failed", zap.String("url", res.URL), zap.Error(err))
	}

	w.e.events.Emit(progress.Event{
		RunID:    w.runID,
		TS:       checked,
		Stage:    progress.StageProbeDone,
		URL:      res.URL,
		Protocol: string(res.Protocol),
		Success:  probe.Success,
		Region:   newRegion,
		Dur:      probe.Elapsed,
		Note:     probe.Error,
	})
	return report.NewResult(res, probe, region, located, checked, w.location)
}

// probe runs the prober under the per-probe timeout and converts a panic
// into a failed result.
func (w *worker) probe(ctx context.Context, res catalog.Resource) (out catalog.ProbeResult) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, w.e.cfg.ProbeTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("probe panicked", zap.String("url", res.URL), zap.Any("panic", r))
			out = catalog.ProbeResult{Error: fmt.Sprintf("probe panic: %v", r), Elapsed: time.Since(start)}
		}
	}()
	out = w.e.prober.Probe(ctx, res)
	if out.Elapsed == 0 {
		out.Elapsed = time.Since(start)
	}
	return out
}

// locate resolves the region of res. The provider flags come back even when
// no provider placed the address, so the row records who was asked.
func (w *worker) locate(ctx context.Context, res catalog.Resource) (string, map[string]bool, bool) {
	ctx, cancel := context.WithTimeout(ctx, w.e.cfg.ProbeTimeout)
	defer cancel()

	ip, err := w.e.ips.IP(ctx, res.URL)
	if err != nil {
		w.logger.Debug("no ip for resource", zap.String("url", res.URL), zap.Error(err))
		return "", nil, false
	}
	result, err := w.e.geo.Resolve(ctx, ip)
	if err != nil {
		w.logger.Debug("geolocation failed", zap.String("ip", ip), zap.Error(err))
		return "", nil, false
	}
	if !result.Known() {
		return "", result.Providers, false
	}
	return result.Location, result.Providers, true
}

func probeStatus(p catalog.ProbeResult) string {
	if p.Success {
		return "success"
	}
	return "failed"
}
