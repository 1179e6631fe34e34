package handler

import (
	"net/http"

	"github.com/alanyoungcy/curvebot/internal/capital"
)

// CapitalHandler serves the capital ledger snapshot.
type CapitalHandler struct {
	ledger interface{ Status() capital.Status }
}

// NewCapitalHandler creates a CapitalHandler over a *capital.Ledger.
func NewCapitalHandler(ledger interface{ Status() capital.Status }) *CapitalHandler {
	return &CapitalHandler{ledger: ledger}
}

// GetCapital returns budget, deployment and utilisation.
// GET /api/capital
func (h *CapitalHandler) GetCapital(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ledger.Status())
}
