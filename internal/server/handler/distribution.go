package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/curvebot/internal/distribution"
)

// DistributionControl is the subset of *distribution.Scheduler the
// endpoints use.
type DistributionControl interface {
	Status() distribution.Status
	CreateSchedule(strategy distribution.Strategy, total float64, duration time.Duration, steps int) (distribution.Schedule, error)
	SetPriceTargets(targets []distribution.PriceTarget) error
	Pause() bool
	Resume() bool
	Cancel() bool
}

// DistributionHandler serves the distribution endpoints.
type DistributionHandler struct {
	sched  DistributionControl
	logger *slog.Logger
}

// NewDistributionHandler creates a DistributionHandler.
func NewDistributionHandler(sched DistributionControl, logger *slog.Logger) *DistributionHandler {
	return &DistributionHandler{sched: sched, logger: logHandler(logger, "distribution")}
}

// GetDistribution returns the scheduler state.
// GET /api/distribution
func (h *DistributionHandler) GetDistribution(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Status())
}

type scheduleRequest struct {
	Strategy    string  `json:"strategy"`
	TotalAmount float64 `json:"total_amount"`
	DurationSec int64   `json:"duration_sec"`
	Steps       int     `json:"steps"`
}

// CreateSchedule replaces the active schedule.
// POST /api/distribution/schedule
func (h *DistributionHandler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Strategy == "" {
		req.Strategy = string(distribution.StrategyTWAP)
	}
	sched, err := h.sched.CreateSchedule(
		distribution.Strategy(req.Strategy),
		req.TotalAmount,
		time.Duration(req.DurationSec)*time.Second,
		req.Steps,
	)
	if err != nil {
		h.writeSchedulerError(w, err)
		return
	}
	h.logger.InfoContext(r.Context(), "distribution schedule created",
		slog.String("strategy", req.Strategy),
		slog.Float64("total", req.TotalAmount),
	)
	writeJSON(w, http.StatusCreated, sched)
}

type targetsRequest struct {
	Targets []distribution.PriceTarget `json:"targets"`
}

// SetTargets replaces the price targets.
// POST /api/distribution/targets
func (h *DistributionHandler) SetTargets(w http.ResponseWriter, r *http.Request) {
	var req targetsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.sched.SetPriceTargets(req.Targets); err != nil {
		h.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.sched.Status())
}

// Control pauses, resumes or cancels the active schedule. It responds 409
// when there is nothing to act on.
// POST /api/distribution/{action}
func (h *DistributionHandler) Control(w http.ResponseWriter, r *http.Request) {
	var fn func() bool
	switch action := r.PathValue("action"); action {
	case "pause":
		fn = h.sched.Pause
	case "resume":
		fn = h.sched.Resume
	case "cancel":
		fn = h.sched.Cancel
	default:
		writeError(w, http.StatusNotFound, "unknown action "+action)
		return
	}
	if !fn() {
		writeError(w, http.StatusConflict, "no schedule in a state that allows "+r.PathValue("action"))
		return
	}
	writeJSON(w, http.StatusOK, h.sched.Status())
}

func (h *DistributionHandler) writeSchedulerError(w http.ResponseWriter, err error) {
	if errors.Is(err, distribution.ErrInvalidSchedule) || errors.Is(err, distribution.ErrInvalidTarget) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
