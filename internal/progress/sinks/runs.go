package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/resource-catalog/internal/catalog"
	"github.com/JakeFAU/resource-catalog/internal/progress"
)

// RunSink mirrors progress into a catalog.RunStore so the admin API can
// report live counts. Probe completions are collapsed per run before
// writing.
type RunSink struct {
	runs   catalog.RunStore
	logger *zap.Logger
}

// NewRunSink constructs a RunSink.
func NewRunSink(runs catalog.RunStore, logger *zap.Logger) *RunSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunSink{runs: runs, logger: logger}
}

type runDelta struct {
	probed    int
	succeeded int
}

// Consume applies the batch in order: starts first, then collapsed probe
// counts, then terminal states.
func (s *RunSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.runs == nil {
		return nil
	}
	deltas := make(map[uuid.UUID]*runDelta)
	var order []uuid.UUID
	var terminal []progress.Event

	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.runs.StartRun(ctx, evt.RunID.String(), evt.Total, evt.TS); err != nil {
				if s.missing(err, evt) {
					continue
				}
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageProbeDone:
			d := deltas[evt.RunID]
			if d == nil {
				d = &runDelta{}
				deltas[evt.RunID] = d
				order = append(order, evt.RunID)
			}
			d.probed++
			if evt.Success {
				d.succeeded++
			}
		case progress.StageRunDone, progress.StageRunError:
			terminal = append(terminal, evt)
		}
	}

	for _, id := range order {
		d := deltas[id]
		if err := s.runs.AddProgress(ctx, id.String(), d.probed, d.succeeded); err != nil {
			if errors.Is(err, catalog.ErrRunNotFound) {
				continue
			}
			return fmt.Errorf("add run progress: %w", err)
		}
	}

	for _, evt := range terminal {
		status, errText, report := catalog.RunSucceeded, "", evt.Note
		if evt.Stage == progress.StageRunError {
			status, errText, report = catalog.RunFailed, evt.Note, ""
		}
		if err := s.runs.FinishRun(ctx, evt.RunID.String(), status, evt.TS, errText, report); err != nil {
			if s.missing(err, evt) {
				continue
			}
			return fmt.Errorf("finish run: %w", err)
		}
	}
	return nil
}

// missing reports whether err means the run was never registered, which
// happens for runs started outside the API.
func (s *RunSink) missing(err error, evt progress.Event) bool {
	if !errors.Is(err, catalog.ErrRunNotFound) {
		return false
	}
	s.logger.Debug("progress for untracked run", zap.Stringer("run_id", evt.RunID), zap.String("stage", string(evt.Stage)))
	return true
}

// Close is a no-op.
func (s *RunSink) Close(context.Context) error {
	return nil
}
