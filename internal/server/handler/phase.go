package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/alanyoungcy/curvebot/internal/phase"
)

// PhaseControl switches the active phase policy. *engine.Orchestrator
// implements it.
type PhaseControl interface {
	SetPhase(ctx context.Context, name phase.Name) (phase.Policy, error)
	SetCycleInterval(d time.Duration) time.Duration
	Interval() time.Duration
}

// PhaseBook lists the known policies. *phase.Book implements it.
type PhaseBook interface {
	Active() phase.Policy
	Names() []phase.Name
}

// PhaseHandler serves the phase endpoints.
type PhaseHandler struct {
	control PhaseControl
	book    PhaseBook
}

// NewPhaseHandler creates a PhaseHandler.
func NewPhaseHandler(control PhaseControl, book PhaseBook) *PhaseHandler {
	return &PhaseHandler{control: control, book: book}
}

type phaseResponse struct {
	Active           phase.Policy `json:"active"`
	Available        []phase.Name `json:"available"`
	CycleIntervalSec float64      `json:"cycle_interval_sec"`
}

func (h *PhaseHandler) snapshot() phaseResponse {
	return phaseResponse{
		Active:           h.book.Active(),
		Available:        h.book.Names(),
		CycleIntervalSec: h.control.Interval().Seconds(),
	}
}

// GetPhase returns the active policy and the known phase names.
// GET /api/phase
func (h *PhaseHandler) GetPhase(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.snapshot())
}

type setPhaseRequest struct {
	Phase string `json:"phase"`
	// CycleIntervalSec overrides the policy interval; 0 clears an override.
	CycleIntervalSec *float64 `json:"cycle_interval_sec"`
}

// SetPhase switches phase and optionally overrides the cycle interval.
// PUT /api/phase
func (h *PhaseHandler) SetPhase(w http.ResponseWriter, r *http.Request) {
	var req setPhaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Phase == "" && req.CycleIntervalSec == nil {
		writeError(w, http.StatusBadRequest, "phase or cycle_interval_sec required")
		return
	}
	if req.Phase != "" {
		if _, err := h.control.SetPhase(r.Context(), phase.Name(req.Phase)); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
	}
	if req.CycleIntervalSec != nil {
		h.control.SetCycleInterval(time.Duration(*req.CycleIntervalSec * float64(time.Second)))
	}
	writeJSON(w, http.StatusOK, h.snapshot())
}
