package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/curvebot/internal/engine"
)

// LoopControl pauses and resumes the cycle loop. *engine.Orchestrator
// implements it.
type LoopControl interface {
	Pause()
	Resume()
	Status() engine.Status
}

// EngineHandler serves the loop control endpoint.
type EngineHandler struct {
	loop   LoopControl
	logger *slog.Logger
}

// NewEngineHandler creates an EngineHandler.
func NewEngineHandler(loop LoopControl, logger *slog.Logger) *EngineHandler {
	return &EngineHandler{loop: loop, logger: logHandler(logger, "engine")}
}

// Control pauses or resumes the loop.
// POST /api/engine/{action}
func (h *EngineHandler) Control(w http.ResponseWriter, r *http.Request) {
	switch action := r.PathValue("action"); action {
	case "pause":
		h.loop.Pause()
	case "resume":
		h.loop.Resume()
	default:
		writeError(w, http.StatusNotFound, "unknown action "+action)
		return
	}
	h.logger.InfoContext(r.Context(), "engine control", slog.String("action", r.PathValue("action")))
	writeJSON(w, http.StatusOK, h.loop.Status())
}
