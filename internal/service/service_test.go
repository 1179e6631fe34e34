package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/curvebot/internal/domain"
	"github.com/alanyoungcy/curvebot/internal/risk"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type memBus struct {
	mu   sync.Mutex
	msgs map[string][][]byte
}

func (b *memBus) Publish(_ context.Context, ch string, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.msgs == nil {
		b.msgs = map[string][][]byte{}
	}
	b.msgs[ch] = append(b.msgs[ch], p)
	return nil
}
func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }
func (b *memBus) StreamAppend(context.Context, string, []byte) error      { return nil }
func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *memBus) events(ch string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, m := range b.msgs[ch] {
		var v map[string]any
		_ = json.Unmarshal(m, &v)
		out = append(out, v["event"].(string))
	}
	return out
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}
func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) { return nil, nil }
func (a *memAudit) ListBefore(context.Context, time.Time, int) ([]domain.AuditEntry, error) {
	return nil, nil
}

type memAlerts struct {
	mu     sync.Mutex
	events []string
}

func (m *memAlerts) Notify(_ context.Context, event, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

type memOrders struct {
	byID    map[string]domain.Order
	failing bool
}

func (m *memOrders) Create(_ context.Context, o domain.Order) error {
	if m.failing {
		return errors.New("db down")
	}
	m.byID[o.ID] = o
	return nil
}
func (m *memOrders) Update(_ context.Context, o domain.Order) error { m.byID[o.ID] = o; return nil }
func (m *memOrders) GetByID(_ context.Context, id string) (domain.Order, error) {
	o, ok := m.byID[id]
	if !ok {
		return o, domain.ErrNotFound
	}
	return o, nil
}
func (m *memOrders) ListByState(_ context.Context, states []domain.OrderState, _ domain.ListOpts) ([]domain.Order, error) {
	var out []domain.Order
	for _, o := range m.byID {
		for _, s := range states {
			if o.State == s {
				out = append(out, o)
			}
		}
	}
	return out, nil
}
func (m *memOrders) ListBefore(context.Context, time.Time, int) ([]domain.Order, error) { return nil, nil }

type memTxs struct{ recorded []domain.Transaction }

func (m *memTxs) Record(_ context.Context, tx domain.Transaction) error {
	m.recorded = append(m.recorded, tx)
	return nil
}
func (m *memTxs) ListRecent(context.Context, domain.ListOpts) ([]domain.Transaction, error) {
	return nil, nil
}
func (m *memTxs) ListBefore(context.Context, time.Time, int) ([]domain.Transaction, error) {
	return nil, nil
}

type pollerFunc func(string) (domain.TxStatus, error)

func (f pollerFunc) PollStatus(_ context.Context, ref string) (domain.TxStatus, error) { return f(ref) }

func filledBuy() domain.Order {
	return domain.Order{
		ID: "o1", ActorID: "0xa", AssetID: "TKN", Side: domain.SideBuy, Size: 2,
		State: domain.OrderFilled, FilledSize: 2, AvgFillPrice: 0.5, TxRef: "0xtx",
	}
}

func TestOrderServiceRecordFill(t *testing.T) {
	bus, audit, alerts := &memBus{}, &memAudit{}, &memAlerts{}
	ev := NewEvents(bus, audit, alerts, discard())
	orders, txs := &memOrders{byID: map[string]domain.Order{}}, &memTxs{}
	svc := NewOrderService(orders, txs, ev, discard())

	svc.Record(context.Background(), filledBuy())
	ev.Close()

	assert.Contains(t, orders.byID, "o1")
	require.Len(t, txs.recorded, 1)
	assert.Equal(t, 2.0, txs.recorded[0].AmountIn)
	assert.Equal(t, 4.0, txs.recorded[0].AmountOut)
	assert.Equal(t, []string{"order_filled"}, bus.events(ChannelOrder))
	assert.Equal(t, []string{"order_filled"}, audit.events)
	assert.Equal(t, []string{AlertOrderFilled}, alerts.events)
}

func TestOrderServiceRecordSurvivesStoreFailure(t *testing.T) {
	bus := &memBus{}
	svc := NewOrderService(&memOrders{byID: map[string]domain.Order{}, failing: true}, nil, NewEvents(bus, nil, nil, discard()), discard())
	o := filledBuy()
	o.State = domain.OrderRejected
	svc.Record(context.Background(), o)
	assert.Equal(t, []string{"order_rejected"}, bus.events(ChannelOrder))
}

func TestOrderServiceReconcileNeverResubmits(t *testing.T) {
	orders := &memOrders{byID: map[string]domain.Order{
		"p":  {ID: "p", State: domain.OrderPending},
		"s1": {ID: "s1", State: domain.OrderSubmitted, TxRef: "0xok", Size: 1, ExpectedPrice: 0.5},
		"s2": {ID: "s2", State: domain.OrderSubmitted, TxRef: "0xbad"},
		"s3": {ID: "s3", State: domain.OrderSubmitted},
		"s4": {ID: "s4", State: domain.OrderSubmitted, TxRef: "0xwait"},
		"f":  {ID: "f", State: domain.OrderFilled},
	}}
	svc := NewOrderService(orders, nil, nil, discard())
	chain := pollerFunc(func(ref string) (domain.TxStatus, error) {
		switch ref {
		case "0xok":
			return domain.TxConfirmed, nil
		case "0xbad":
			return domain.TxFailed, nil
		}
		return domain.TxPending, nil
	})

	n, err := svc.Reconcile(context.Background(), chain)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, domain.OrderCancelled, orders.byID["p"].State)
	assert.Equal(t, domain.OrderFilled, orders.byID["s1"].State)
	assert.Equal(t, 1.0, orders.byID["s1"].FilledSize)
	assert.Equal(t, 0.5, orders.byID["s1"].AvgFillPrice)
	assert.Equal(t, domain.OrderRejected, orders.byID["s2"].State)
	assert.Equal(t, domain.OrderExpired, orders.byID["s3"].State)
	assert.Equal(t, domain.OrderSubmitted, orders.byID["s4"].State)
}

func TestPositionServiceApplyFillAndStopLoss(t *testing.T) {
	svc := NewPositionService(nil, nil, discard())
	ctx := context.Background()

	// 2 base at 0.5 base per token buys 4 tokens.
	buy := filledBuy()
	_, pos := svc.ApplyFill(ctx, buy)
	assert.InDelta(t, 4.0, pos.Quantity, 1e-9)

	buy.FilledSize = 1.6
	buy.AvgFillPrice = 0.4
	_, pos = svc.ApplyFill(ctx, buy)
	assert.InDelta(t, 8.0, pos.Quantity, 1e-9)
	assert.InDelta(t, 0.45, pos.AvgEntry, 1e-9)
	assert.InDelta(t, 8.0, svc.Holdings("TKN"), 1e-9)
	assert.InDelta(t, 3.6, svc.Value("TKN", 0.45), 1e-9)

	assert.Empty(t, svc.StopLossBreaches("TKN", 0.42, 10))
	breaches := svc.StopLossBreaches("TKN", 0.40, 10)
	require.Len(t, breaches, 1)

	sell := buy
	sell.Side = domain.SideSell
	sell.FilledSize = 8 * 0.495
	sell.AvgFillPrice = 0.495
	realized, pos := svc.ApplyFill(ctx, sell)
	assert.InDelta(t, 0.36, realized, 1e-9)
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	assert.Empty(t, svc.Open())
	assert.Zero(t, svc.Value("TKN", 0.495))
}

func TestRiskServiceHaltAuditsAndAlerts(t *testing.T) {
	bus, audit, alerts := &memBus{}, &memAudit{}, &memAlerts{}
	ev := NewEvents(bus, audit, alerts, discard())
	gate := risk.NewGate(risk.Config{Rules: risk.DefaultRules()}, discard())
	svc := NewRiskService(gate, ev, discard())
	ctx := context.Background()

	svc.Halt(ctx, "")
	assert.True(t, svc.Status().Halted)
	assert.Equal(t, "operator request", svc.Status().HaltReason)

	svc.Reset(ctx)
	assert.False(t, svc.Status().Halted)

	bad := 0
	_, err := svc.UpdateRules(ctx, risk.RulesPatch{MaxTradesPerMinute: &bad})
	assert.Error(t, err)

	ev.Close()
	assert.Equal(t, []string{"emergency_halt", "emergency_reset"}, audit.events)
	assert.Contains(t, alerts.events, AlertEmergencyHalt)
	assert.Contains(t, alerts.events, AlertBreakerTripped)
	assert.Contains(t, bus.events(ChannelRisk), "breaker_tripped")
}

func TestNilEventsAreSafe(t *testing.T) {
	var ev *Events
	ev.Publish(context.Background(), ChannelCycle, "x", nil)
	ev.Audit(context.Background(), "x", nil)
	ev.Alert(context.Background(), "x", "t", "m")
	ev.Close()
}
