package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/resource-catalog/internal/progress"
)

// LogSink writes run milestones to a zap logger. Probe completions are
// logged at debug so large runs do not flood info output.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Stringer("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
		}
		switch evt.Stage {
		case progress.StageRunStart:
			s.logger.Info("verification run started", append(fields, zap.Int("total", evt.Total))...)
		case progress.StageProbeDone:
			s.logger.Debug("probe finished", append(fields,
				zap.String("url", evt.URL),
				zap.String("protocol", evt.Protocol),
				zap.Bool("success", evt.Success),
				zap.String("region", evt.Region),
				zap.Duration("dur", evt.Dur),
				zap.String("note", evt.Note),
			)...)
		case progress.StageRunDone:
			s.logger.Info("verification run finished", append(fields,
				zap.Duration("dur", evt.Dur),
				zap.String("report", evt.Note),
			)...)
		case progress.StageRunError:
			s.logger.Warn("verification run failed", append(fields,
				zap.Duration("dur", evt.Dur),
				zap.String("error", evt.Note),
			)...)
		}
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}
