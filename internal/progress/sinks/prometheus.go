package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/resource-catalog/internal/progress"
)

// PrometheusSink exports run-level progress: runs started, finished and in
// flight, run wall time, and the running tally of probe outcomes.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runDuration   *prometheus.HistogramVec
	probeOutcomes *prometheus.CounterVec

	mu      sync.Mutex
	running map[uuid.UUID]struct{}
}

// NewPrometheusSink registers the collectors on reg (default registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catalog_progress_runs_started_total",
			Help: "Verification runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_progress_runs_completed_total",
			Help: "Verification runs finished, by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "catalog_progress_runs_active",
			Help: "Verification runs currently in flight.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "catalog_progress_run_duration_seconds",
			Help:    "Wall time per verification run.",
			Buckets: []float64{1, 5, 15, 30, 60, 180, 600, 1800, 3600},
		}, []string{"result"}),
		probeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_progress_probe_outcomes_total",
			Help: "Probe completions reported through the progress hub.",
		}, []string{"result", "located"}),
		running: make(map[uuid.UUID]struct{}),
	}
	for _, c := range []prometheus.Collector{
		s.runsStarted, s.runsCompleted, s.runsActive, s.runDuration, s.probeOutcomes,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
			if s.track(evt.RunID, true) {
				s.runsActive.Inc()
			}
		case progress.StageProbeDone:
			result := "failed"
			if evt.Success {
				result = "success"
			}
			located := "false"
			if evt.Region != "" {
				located = "true"
			}
			s.probeOutcomes.WithLabelValues(result, located).Inc()
		case progress.StageRunDone, progress.StageRunError:
			result := "success"
			if evt.Stage == progress.StageRunError {
				result = "error"
			}
			s.runsCompleted.WithLabelValues(result).Inc()
			if evt.Dur > 0 {
				s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
			}
			if s.track(evt.RunID, false) {
				s.runsActive.Dec()
			}
		}
	}
	return nil
}

// track records a run start or finish and reports whether the set changed.
func (s *PrometheusSink) track(id uuid.UUID, start bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	if start {
		if ok {
			return false
		}
		s.running[id] = struct{}{}
		return true
	}
	if !ok {
		return false
	}
	delete(s.running, id)
	return true
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
