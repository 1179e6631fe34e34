package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/curvebot/internal/domain"
)

// OrderHistory reads persisted orders. *service.OrderService implements it.
type OrderHistory interface {
	List(ctx context.Context, states []domain.OrderState, opts domain.ListOpts) ([]domain.Order, error)
}

// LiveOrders is the in-memory order book of the execution engine.
// *execution.Engine implements it.
type LiveOrders interface {
	Active() []domain.Order
	Cancel(id string) error
}

// OrderHandler serves order-related HTTP endpoints.
type OrderHandler struct {
	history OrderHistory
	live    LiveOrders
	logger  *slog.Logger
}

// NewOrderHandler creates an OrderHandler. history may be nil when no
// database is configured.
func NewOrderHandler(history OrderHistory, live LiveOrders, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{history: history, live: live, logger: logHandler(logger, "orders")}
}

// listOrdersResponse wraps the list orders response.
type listOrdersResponse struct {
	Active []domain.Order `json:"active"`
	Orders []domain.Order `json:"orders"`
}

// ListOrders returns the live orders plus persisted history filtered by
// state.
// GET /api/orders?state=filled,rejected&limit=50&offset=0&since=...
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var states []domain.OrderState
	for _, s := range splitList(r.URL.Query().Get("state")) {
		states = append(states, domain.OrderState(s))
	}

	resp := listOrdersResponse{Active: h.live.Active(), Orders: []domain.Order{}}
	if resp.Active == nil {
		resp.Active = []domain.Order{}
	}
	if h.history != nil {
		orders, err := h.history.List(r.Context(), states, opts)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "list orders failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to list orders")
			return
		}
		if orders != nil {
			resp.Orders = orders
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelOrder cancels a pending order. An order already submitted to the
// chain cannot be cancelled and yields 409.
// DELETE /api/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}
	if err := h.live.Cancel(id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	h.logger.InfoContext(r.Context(), "order cancelled", slog.String("order_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": string(domain.OrderCancelled)})
}
