package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/curvebot/internal/domain"
)

// Alert event names understood by the notifier.
const (
	AlertOrderFilled = "order_filled"
	AlertOrderFailed = "order_failed"
)

// StatusPoller reports the on-chain status of a transaction.
type StatusPoller interface {
	PollStatus(ctx context.Context, txRef string) (domain.TxStatus, error)
}

// OrderService records terminal orders and their transactions. Recording
// never fails the caller: persistence problems degrade observability only.
type OrderService struct {
	orders domain.OrderStore
	txs    domain.TransactionStore
	events *Events
	logger *slog.Logger
}

// NewOrderService creates an OrderService. Stores may be nil when running
// without a database.
func NewOrderService(orders domain.OrderStore, txs domain.TransactionStore, events *Events, logger *slog.Logger) *OrderService {
	return &OrderService{
		orders: orders,
		txs:    txs,
		events: events,
		logger: logger.With(slog.String("component", "order_service")),
	}
}

// Record persists o and, for a fill, its transaction, then publishes and
// audits the outcome.
func (s *OrderService) Record(ctx context.Context, o domain.Order) {
	if s.orders != nil {
		if err := s.orders.Create(ctx, o); err != nil {
			s.logger.WarnContext(ctx, "persist order failed",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if o.State == domain.OrderFilled && s.txs != nil {
		if err := s.txs.Record(ctx, transactionFor(o)); err != nil {
			s.logger.WarnContext(ctx, "record transaction failed",
				slog.String("order_id", o.ID),
				slog.String("tx", o.TxRef),
				slog.String("error", err.Error()),
			)
		}
	}

	fields := map[string]any{
		"order_id":     o.ID,
		"actor":        o.ActorID,
		"asset":        o.AssetID,
		"side":         string(o.Side),
		"size":         o.Size,
		"state":        string(o.State),
		"filled_size":  o.FilledSize,
		"avg_price":    o.AvgFillPrice,
		"slippage_pct": o.RealizedSlippagePct,
		"retries":      o.RetryCount,
		"tx_ref":       o.TxRef,
		"reason":       o.Reason,
	}
	if o.Error != "" {
		fields["error"] = o.Error
	}
	s.events.Publish(ctx, ChannelOrder, "order_"+string(o.State), fields)
	s.events.Audit(ctx, "order_"+string(o.State), fields)

	switch o.State {
	case domain.OrderFilled:
		s.events.Alert(ctx, AlertOrderFilled, "Order filled",
			fmt.Sprintf("%s %.6f %s for %.6f base @ %.8f (slippage %.2f%%) tx %s",
				o.Side, o.FilledQuantity(), o.AssetID, o.FilledSize, o.AvgFillPrice, o.RealizedSlippagePct, o.TxRef))
	case domain.OrderRejected, domain.OrderExpired:
		s.events.Alert(ctx, AlertOrderFailed, "Order "+string(o.State),
			fmt.Sprintf("%s %s for %.6f base: %s", o.Side, o.AssetID, o.Size, o.Error))
	}
}

func transactionFor(o domain.Order) domain.Transaction {
	qty := o.FilledQuantity()
	tx := domain.Transaction{
		TxRef:       o.TxRef,
		OrderID:     o.ID,
		ActorID:     o.ActorID,
		AssetID:     o.AssetID,
		Side:        o.Side,
		Price:       o.AvgFillPrice,
		SlippagePct: o.RealizedSlippagePct,
		Status:      string(domain.TxConfirmed),
		CreatedAt:   time.Now().UTC(),
	}
	if o.CompletedAt != nil {
		tx.CreatedAt = *o.CompletedAt
	}
	if o.Side == domain.SideBuy {
		tx.AmountIn, tx.AmountOut = o.FilledSize, qty
	} else {
		tx.AmountIn, tx.AmountOut = qty, o.FilledSize
	}
	return tx
}

// List returns persisted orders in any of states, newest first.
func (s *OrderService) List(ctx context.Context, states []domain.OrderState, opts domain.ListOpts) ([]domain.Order, error) {
	if s.orders == nil {
		return nil, nil
	}
	orders, err := s.orders.ListByState(ctx, states, opts)
	if err != nil {
		return nil, fmt.Errorf("order_service: list: %w", err)
	}
	return orders, nil
}

// Get returns a persisted order.
func (s *OrderService) Get(ctx context.Context, id string) (domain.Order, error) {
	if s.orders == nil {
		return domain.Order{}, fmt.Errorf("order_service: get %q: %w", id, domain.ErrNotFound)
	}
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order_service: get %q: %w", id, err)
	}
	return o, nil
}

// Reconcile resolves orders left non-terminal by a previous process. A
// submitted order with a transaction reference is settled from the chain;
// anything else is closed out. Nothing is ever resubmitted. It returns the
// number of orders resolved.
func (s *OrderService) Reconcile(ctx context.Context, chain StatusPoller) (int, error) {
	if s.orders == nil {
		return 0, nil
	}
	stale, err := s.orders.ListByState(ctx, []domain.OrderState{domain.OrderPending, domain.OrderSubmitted}, domain.ListOpts{Limit: 1000})
	if err != nil {
		return 0, fmt.Errorf("order_service: reconcile: %w", err)
	}

	resolved := 0
	for _, o := range stale {
		next, ok := s.settle(ctx, o, chain)
		if !ok {
			s.logger.WarnContext(ctx, "order still in doubt",
				slog.String("order_id", o.ID),
				slog.String("tx", o.TxRef),
			)
			continue
		}
		now := time.Now().UTC()
		next.CompletedAt = &now
		if err := s.orders.Update(ctx, next); err != nil {
			s.logger.WarnContext(ctx, "reconcile update failed",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.events.Audit(ctx, "order_reconciled", map[string]any{
			"order_id": o.ID,
			"from":     string(o.State),
			"to":       string(next.State),
			"tx_ref":   o.TxRef,
		})
		resolved++
	}
	if resolved > 0 {
		s.logger.InfoContext(ctx, "orders reconciled", slog.Int("resolved", resolved), slog.Int("found", len(stale)))
	}
	return resolved, nil
}

func (s *OrderService) settle(ctx context.Context, o domain.Order, chain StatusPoller) (domain.Order, bool) {
	switch {
	case o.State == domain.OrderPending:
		o.State = domain.OrderCancelled
		o.Error = "abandoned before submission"
		return o, true
	case o.TxRef == "" || chain == nil:
		o.State = domain.OrderExpired
		o.Error = "in doubt after restart"
		return o, true
	}
	st, err := chain.PollStatus(ctx, o.TxRef)
	if err != nil {
		return o, false
	}
	switch st {
	case domain.TxConfirmed:
		o.State = domain.OrderFilled
		if o.FilledSize == 0 {
			o.FilledSize = o.Size
		}
		if o.AvgFillPrice == 0 {
			o.AvgFillPrice = o.ExpectedPrice
		}
		return o, true
	case domain.TxFailed:
		o.State = domain.OrderRejected
		o.Error = "transaction failed on chain"
		return o, true
	default:
		return o, false
	}
}
