package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/curvebot/internal/risk"
)

// RiskControl is the operator face of the risk gate.
// *service.RiskService implements it.
type RiskControl interface {
	Status() risk.Status
	Halt(ctx context.Context, reason string)
	Reset(ctx context.Context)
	UpdateRules(ctx context.Context, patch risk.RulesPatch) (risk.Rules, error)
}

// RiskHandler serves the risk endpoints.
type RiskHandler struct {
	risk   RiskControl
	logger *slog.Logger
}

// NewRiskHandler creates a RiskHandler.
func NewRiskHandler(rc RiskControl, logger *slog.Logger) *RiskHandler {
	return &RiskHandler{risk: rc, logger: logHandler(logger, "risk")}
}

// GetRisk returns the risk snapshot.
// GET /api/risk
func (h *RiskHandler) GetRisk(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.risk.Status())
}

// UpdateRules applies a partial rules update.
// PUT /api/risk/rules
func (h *RiskHandler) UpdateRules(w http.ResponseWriter, r *http.Request) {
	var patch risk.RulesPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rules, err := h.risk.UpdateRules(r.Context(), patch)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

type haltRequest struct {
	Reason string `json:"reason"`
}

// Halt sets the emergency halt. The body is optional.
// POST /api/risk/halt
func (h *RiskHandler) Halt(w http.ResponseWriter, r *http.Request) {
	var req haltRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	h.risk.Halt(r.Context(), req.Reason)
	h.logger.WarnContext(r.Context(), "emergency halt requested", slog.String("reason", req.Reason))
	writeJSON(w, http.StatusOK, h.risk.Status())
}

// Reset clears the halt and closes the breaker.
// POST /api/risk/reset
func (h *RiskHandler) Reset(w http.ResponseWriter, r *http.Request) {
	h.risk.Reset(r.Context())
	h.logger.InfoContext(r.Context(), "risk reset requested")
	writeJSON(w, http.StatusOK, h.risk.Status())
}
