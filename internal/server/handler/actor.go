package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/curvebot/internal/domain"
	"github.com/alanyoungcy/curvebot/internal/wallet"
)

// ActorPool is the subset of *wallet.Pool the actor endpoints use.
type ActorPool interface {
	List() []domain.Actor
	Active() []string
	Status() wallet.PoolStatus
	Enable(address string) error
	Disable(address string) error
	SetActive(addresses []string) error
	AddActive(address string) error
	RemoveActive(address string)
	Primary() (domain.Actor, bool)
}

// ActorHandler serves the actor endpoints. Key material is never reachable
// from here.
type ActorHandler struct {
	pool   ActorPool
	logger *slog.Logger
}

// NewActorHandler creates an ActorHandler.
func NewActorHandler(pool ActorPool, logger *slog.Logger) *ActorHandler {
	return &ActorHandler{pool: pool, logger: logHandler(logger, "actors")}
}

// ListActors returns every registered actor plus the pool summary.
// GET /api/actors
func (h *ActorHandler) ListActors(w http.ResponseWriter, r *http.Request) {
	actors := h.pool.List()
	if actors == nil {
		actors = []domain.Actor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actors":  actors,
		"active":  h.pool.Active(),
		"summary": h.pool.Status(),
	})
}

// Enable returns a disabled actor to selection.
// POST /api/actors/{address}/enable
func (h *ActorHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, "enable", h.pool.Enable)
}

// Disable removes an actor from selection.
// POST /api/actors/{address}/disable
func (h *ActorHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, "disable", h.pool.Disable)
}

func (h *ActorHandler) toggle(w http.ResponseWriter, r *http.Request, action string, fn func(string) error) {
	address := r.PathValue("address")
	if err := fn(address); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	h.logger.InfoContext(r.Context(), "actor "+action+"d", slog.String("address", address))
	writeJSON(w, http.StatusOK, map[string]string{"address": address, "action": action})
}

// GetActive returns the active set and the primary actor.
// GET /api/actors/active
func (h *ActorHandler) GetActive(w http.ResponseWriter, r *http.Request) {
	h.writeActive(w)
}

type activeRequest struct {
	Addresses []string `json:"addresses"`
}

// SetActive replaces the active set. An empty list lets every actor trade.
// PUT /api/actors/active
func (h *ActorHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	var req activeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.pool.SetActive(req.Addresses); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	h.logger.InfoContext(r.Context(), "active set replaced", slog.Int("count", len(req.Addresses)))
	h.writeActive(w)
}

// Activate adds an actor to the active set.
// POST /api/actors/{address}/activate
func (h *ActorHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, "activate", h.pool.AddActive)
}

// Deactivate drops an actor from the active set.
// POST /api/actors/{address}/deactivate
func (h *ActorHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, "deactivate", func(address string) error {
		h.pool.RemoveActive(address)
		return nil
	})
}

func (h *ActorHandler) writeActive(w http.ResponseWriter) {
	resp := map[string]any{"active": h.pool.Active()}
	if p, ok := h.pool.Primary(); ok {
		resp["primary"] = p.Address
	}
	writeJSON(w, http.StatusOK, resp)
}
