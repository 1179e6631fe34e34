package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/curvebot/internal/engine"
	"github.com/alanyoungcy/curvebot/internal/execution"
	"github.com/alanyoungcy/curvebot/internal/wallet"
)

// StatusSources supplies the pieces of GET /api/status.
type StatusSources struct {
	Engine    interface{ Status() engine.Status }
	Execution interface{ Status() execution.Status }
	Pool      interface{ Status() wallet.PoolStatus }
}

// StatusHandler serves the combined runtime status.
type StatusHandler struct {
	mode      string
	asset     string
	startedAt time.Time
	src       StatusSources
	clock     func() time.Time
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode, asset string, startedAt time.Time, src StatusSources) *StatusHandler {
	return &StatusHandler{mode: mode, asset: asset, startedAt: startedAt, src: src, clock: time.Now}
}

// GetStatus responds with the mode, uptime and component summaries.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"mode":           h.mode,
		"asset":          h.asset,
		"started_at":     h.startedAt.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(max(h.clock().Sub(h.startedAt), 0).Seconds()),
	}
	if h.src.Engine != nil {
		resp["engine"] = h.src.Engine.Status()
	}
	if h.src.Execution != nil {
		resp["execution"] = h.src.Execution.Status()
	}
	if h.src.Pool != nil {
		resp["actors"] = h.src.Pool.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}
