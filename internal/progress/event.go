package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Verification run stages.
const (
	StageRunStart  Stage = "RUN_START"
	StageProbeDone Stage = "PROBE_DONE"
	StageRunDone   Stage = "RUN_DONE"
	StageRunError  Stage = "RUN_ERROR"
)

// Event is one progress milestone of a verification run.
type Event struct {
	RunID uuid.UUID
	// TS is the UTC time the emitter recorded.
	TS    time.Time
	Stage Stage
	// Total is the snapshot size on RUN_START.
	Total int
	// URL and Protocol identify the probed resource on PROBE_DONE.
	URL      string
	Protocol string
	Success  bool
	// Region is the location resolved during the probe, if any.
	Region string
	// Dur is the probe latency or, for terminal stages, the run wall time.
	Dur time.Duration
	// Note carries error text or the report location.
	Note string
}

// Validate rejects malformed events before they reach sinks.
func (e Event) Validate() error {
	if e.RunID == uuid.Nil {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart:
		if e.Total < 0 {
			return errors.New("run start total must be >= 0")
		}
	case StageProbeDone:
		if e.URL == "" {
			return errors.New("probe done requires url")
		}
	case StageRunDone, StageRunError:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the stage ends a run.
func (s Stage) Terminal() bool {
	return s == StageRunDone || s == StageRunError
}
