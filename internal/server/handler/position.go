package handler

import (
	"net/http"

	"github.com/alanyoungcy/curvebot/internal/domain"
)

// PositionSource lists open positions. *service.PositionService implements
// it.
type PositionSource interface {
	Open() []domain.Position
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionSource
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionSource) *PositionHandler {
	return &PositionHandler{positions: positions}
}

// ListPositions returns open positions, optionally for one actor.
// GET /api/positions?actor=0x...
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	actor := r.URL.Query().Get("actor")
	out := []domain.Position{}
	for _, p := range h.positions.Open() {
		if actor == "" || p.ActorID == actor {
			out = append(out, p)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}
