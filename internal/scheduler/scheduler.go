// Package scheduler runs the periodic catalog jobs (verification, pending
// promotion and crawling) on cron schedules inside the serve process.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one scheduled unit of work.
type Job struct {
	Name string
	// Spec is a standard five-field cron expression or a descriptor such
	// as "@every 1h".
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler wraps a cron instance. A job that is still running when its
// next tick arrives skips that tick.
type Scheduler struct {
	cron   *cron.Cron
	parser cron.Parser
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New builds a Scheduler. Jobs receive a context derived from ctx that is
// canceled when Stop gives up waiting.
func New(ctx context.Context, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	clog := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
		parser:  parser,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers job. Names must be unique and specs must parse.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("scheduler: job needs a name and a func")
	}
	schedule, err := s.parser.Parse(job.Spec)
	if err != nil {
		return fmt.Errorf("parse schedule for %s: %w", job.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[job.Name]; exists {
		return fmt.Errorf("scheduler: job %s already registered", job.Name)
	}
	id := s.cron.Schedule(schedule, cron.FuncJob(func() { s.execute(job) }))
	s.entries[job.Name] = id
	s.logger.Info("job scheduled",
		zap.String("job", job.Name),
		zap.String("schedule", job.Spec),
		zap.Time("next_run", schedule.Next(time.Now())),
	)
	return nil
}

func (s *Scheduler) execute(job Job) {
	start := time.Now()
	s.logger.Info("scheduled job started", zap.String("job", job.Name))
	if err := job.Run(s.ctx); err != nil {
		s.logger.Error("scheduled job failed",
			zap.String("job", job.Name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	s.logger.Info("scheduled job finished", zap.String("job", job.Name), zap.Duration("elapsed", time.Since(start)))
}

// Next returns the next activation of the named job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(id)
	if !entry.Valid() || entry.Next.IsZero() {
		return time.Time{}, false
	}
	return entry.Next, true
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs until ctx ends, then
// cancels their context.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	defer s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for scheduled jobs: %w", ctx.Err())
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
