package catalog

import (
	"context"
	"errors"
	"time"
)

// ErrRunNotFound is returned when a verification run id is unknown.
var ErrRunNotFound = errors.New("verification run not found")

// RunStatus is the lifecycle state of a verification run.
type RunStatus string

// Run states.
const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// Run tracks one verification batch for the admin API.
type Run struct {
	ID         string     `json:"run_id"`
	Status     RunStatus  `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Total      int        `json:"total"`
	Probed     int        `json:"probed"`
	Succeeded  int        `json:"succeeded"`
	Error      string     `json:"error,omitempty"`
	// Report is where the run's JSON report was stored.
	Report string `json:"report,omitempty"`
}

// RunStore records verification runs.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	StartRun(ctx context.Context, id string, total int, at time.Time) error
	AddProgress(ctx context.Context, id string, probed, succeeded int) error
	FinishRun(ctx context.Context, id string, status RunStatus, at time.Time, errText, report string) error
	GetRun(ctx context.Context, id string) (Run, error)
}
