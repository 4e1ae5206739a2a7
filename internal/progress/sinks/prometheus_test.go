package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/resource-catalog/internal/progress"
)

// TestPrometheusSinkRecordsMetrics checks run and probe collectors move with events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := uuid.New()
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart, Total: 2},
		{RunID: runID, TS: now, Stage: progress.StageRunStart, Total: 2},
	}))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsActive), "duplicate start counted once")

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageProbeDone, URL: "ss://a", Success: true, Region: "US-United States-Unknown"},
		{RunID: runID, TS: now, Stage: progress.StageProbeDone, URL: "ss://b"},
		{RunID: runID, TS: now, Stage: progress.StageRunDone, Dur: 12 * time.Second},
	}))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.probeOutcomes.WithLabelValues("success", "true")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.probeOutcomes.WithLabelValues("failed", "false")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsActive))
	require.Equal(t, 1, testutil.CollectAndCount(sink.runDuration, "catalog_progress_run_duration_seconds"))
}

func TestPrometheusSinkRejectsDoubleRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
