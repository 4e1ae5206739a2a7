package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/resource-catalog/internal/catalog"
)

// RunStore keeps verification runs in memory for the admin API.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]catalog.Run
}

var _ catalog.RunStore = (*RunStore)(nil)

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]catalog.Run)}
}

// CreateRun stores a new run. Ids must be unique.
func (s *RunStore) CreateRun(_ context.Context, run catalog.Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	if run.Status == "" {
		run.Status = catalog.RunQueued
	}
	s.runs[run.ID] = run
	return nil
}

// StartRun marks the run running with the snapshot size.
func (s *RunStore) StartRun(_ context.Context, id string, total int, at time.Time) error {
	return s.update(id, func(run *catalog.Run) {
		if run.Status.Terminal() {
			return
		}
		run.Status = catalog.RunRunning
		run.Total = total
		if run.StartedAt == nil {
			run.StartedAt = pointerTime(at)
		}
	})
}

// AddProgress adds probe counts to the run.
func (s *RunStore) AddProgress(_ context.Context, id string, probed, succeeded int) error {
	return s.update(id, func(run *catalog.Run) {
		run.Probed += probed
		run.Succeeded += succeeded
	})
}

// FinishRun records the terminal state.
func (s *RunStore) FinishRun(
	_ context.Context,
	id string,
	status catalog.RunStatus,
	at time.Time,
	errText string,
	report string,
) error {
	if !status.Terminal() {
		return fmt.Errorf("finish run: %q is not a terminal status", status)
	}
	return s.update(id, func(run *catalog.Run) {
		run.Status = status
		run.FinishedAt = pointerTime(at)
		run.Error = errText
		if report != "" {
			run.Report = report
		}
	})
}

// GetRun fetches a run by id.
func (s *RunStore) GetRun(_ context.Context, id string) (catalog.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return catalog.Run{}, catalog.ErrRunNotFound
	}
	return run, nil
}

func (s *RunStore) update(id string, fn func(*catalog.Run)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return catalog.ErrRunNotFound
	}
	fn(&run)
	s.runs[id] = run
	return nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t.UTC()
	return &ts
}
