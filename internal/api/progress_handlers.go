package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/resource-catalog/internal/catalog"
)

const runLookupTimeout = 3 * time.Second

// RunReader loads verification runs.
type RunReader interface {
	GetRun(ctx context.Context, id string) (catalog.Run, error)
}

// RunHandler exposes read-only verification run progress.
type RunHandler struct {
	runs    RunReader
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunHandler wires the run store and logger.
func NewRunHandler(runs RunReader, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{runs: runs, timeout: runLookupTimeout, logger: logger}
}

// GetRun handles GET /v1/runs/{run_id}. It returns {"run": {...}} on success,
// 400 for malformed ids, 404 for unknown runs and 503 without a run store.
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run tracking unavailable")
		return
	}
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.runs.GetRun(ctx, runID.String())
	if err != nil {
		if errors.Is(err, catalog.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func parseRunID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "run_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("run_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid run_id")
	}
	return id, nil
}
