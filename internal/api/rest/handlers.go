package rest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/civiclens/capitol-ingest/internal/service/pipeline"
)

// RunnerControl is the runner surface the control endpoints drive.
type RunnerControl interface {
	Start(ctx context.Context, mode pipeline.Mode) (string, error)
	Status() pipeline.Status
}

// Handler serves the control endpoints.
type Handler struct {
	runner RunnerControl
	logger *slog.Logger

	// runCtx outlives individual requests: a run launched over HTTP is
	// cancelled by server shutdown, not by its originating request.
	runCtx context.Context
}

func newHandler(runCtx context.Context, runner RunnerControl, logger *slog.Logger) *Handler {
	return &Handler{runner: runner, logger: logger, runCtx: runCtx}
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.runner.Status())
}

func (h *Handler) handleStart(w http.ResponseWriter, _ *http.Request) {
	h.launch(w, pipeline.ModeFull)
}

func (h *Handler) handleRetry(w http.ResponseWriter, _ *http.Request) {
	h.launch(w, pipeline.ModeRetry)
}

func (h *Handler) launch(w http.ResponseWriter, mode pipeline.Mode) {
	runID, err := h.runner.Start(h.runCtx, mode)
	if errors.Is(err, pipeline.ErrRunInProgress) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("cannot launch run", "mode", string(mode), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cannot launch run"})
		return
	}
	h.logger.Info("run launched", "mode", string(mode), "run_id", runID)
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
