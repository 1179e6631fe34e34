// Package execution drives admitted trades through a retrying order state
// machine to a terminal state.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/alanyoungcy/curvebot/internal/domain"
	"github.com/alanyoungcy/curvebot/internal/ringbuf"
)

const (
	defaultCompletedCap = 500
	submissionTTL       = 24 * time.Hour
)

// Config configures an Engine.
type Config struct {
	Retry        RetryConfig
	CompletedCap int
	// Clock overrides time.Now.
	Clock func() time.Time
	// Timer overrides the backoff timer; tests use one that fires at once.
	Timer func() backoff.Timer
}

// Engine owns every order from creation to a terminal state.
type Engine struct {
	mu        sync.Mutex
	cfg       Config
	active    map[string]*domain.Order
	completed *ringbuf.Ring[domain.Order]
	subs      *submissions
	counts    map[domain.OrderState]int
	logger    *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.CompletedCap <= 0 {
		cfg.CompletedCap = defaultCompletedCap
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Engine{
		cfg:       cfg,
		active:    make(map[string]*domain.Order),
		completed: ringbuf.New[domain.Order](cfg.CompletedCap),
		subs:      newSubmissions(submissionTTL, cfg.Clock),
		counts:    make(map[domain.OrderState]int),
		logger:    logger.With(slog.String("component", "execution")),
	}
}

// Create registers a Pending order for intent.
func (e *Engine) Create(intent domain.TradeIntent) domain.Order {
	o := &domain.Order{
		ID:             uuid.NewString(),
		ActorID:        intent.ActorID,
		AssetID:        intent.AssetID,
		Side:           intent.Side,
		Size:           intent.Size,
		ExpectedPrice:  intent.ExpectedPrice,
		MaxSlippagePct: intent.MaxSlippagePct,
		State:          domain.OrderPending,
		Reason:         intent.Reason,
		CreatedAt:      e.cfg.Clock().UTC(),
	}
	e.mu.Lock()
	e.active[o.ID] = o
	e.mu.Unlock()
	return *o
}

// Submit runs the order through exec, retrying transient failures with
// exponential backoff, and returns the terminal order. The returned error
// reports misuse only; swap failures end in Rejected or Expired.
func (e *Engine) Submit(ctx context.Context, order domain.Order, exec domain.SwapExecutor) (domain.Order, error) {
	e.mu.Lock()
	o, ok := e.active[order.ID]
	if !ok {
		prev, seen := e.subs.lookup(order.ID)
		e.mu.Unlock()
		if seen {
			return order, fmt.Errorf("execution: submit %s: %w: ended %s tx %q", order.ID, domain.ErrDuplicateSubmit, prev.State, prev.TxRef)
		}
		return order, fmt.Errorf("execution: submit %s: %w", order.ID, domain.ErrNotFound)
	}
	if o.State != domain.OrderPending {
		e.mu.Unlock()
		return *o, fmt.Errorf("execution: submit %s in state %s: %w", o.ID, o.State, domain.ErrOrderInFlight)
	}
	if err := e.subs.begin(*o); err != nil {
		e.mu.Unlock()
		return *o, fmt.Errorf("execution: submit %s: %w", o.ID, err)
	}
	now := e.cfg.Clock().UTC()
	o.State = domain.OrderSubmitted
	o.SubmittedAt = &now
	snapshot := *o
	e.mu.Unlock()

	log := e.logger.With(
		slog.String("order_id", snapshot.ID),
		slog.String("actor", snapshot.ActorID),
		slog.String("side", string(snapshot.Side)),
		slog.Float64("size", snapshot.Size),
	)
	log.InfoContext(ctx, "order submitted")

	var (
		fill      domain.Fill
		retryable bool
	)
	op := func() error {
		f, err := exec.Execute(ctx, snapshot)
		if err == nil {
			fill = f
			return nil
		}
		retryable = e.cfg.Retry.IsRetryable(err)
		if !retryable {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		e.mu.Lock()
		o.RetryCount++
		attempt := o.RetryCount
		e.mu.Unlock()
		log.WarnContext(ctx, "swap attempt failed, retrying",
			slog.Int("retry", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}

	var timer backoff.Timer
	if e.cfg.Timer != nil {
		timer = e.cfg.Timer()
	}
	err := backoff.RetryNotifyWithTimer(op, e.cfg.Retry.newBackOff(ctx), notify, timer)

	e.mu.Lock()
	defer e.mu.Unlock()
	done := e.cfg.Clock().UTC()
	o.CompletedAt = &done
	switch {
	case err == nil:
		applyFill(o, fill)
	case retryable || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		o.State = domain.OrderExpired
		o.Error = err.Error()
	default:
		o.State = domain.OrderRejected
		o.Error = err.Error()
	}
	e.finishLocked(o)

	switch o.State {
	case domain.OrderFilled:
		log.InfoContext(ctx, "order filled",
			slog.String("tx", o.TxRef),
			slog.Float64("filled", o.FilledSize),
			slog.Float64("avg_price", o.AvgFillPrice),
			slog.Float64("slippage_pct", o.RealizedSlippagePct),
			slog.Int("retries", o.RetryCount),
		)
	default:
		log.WarnContext(ctx, "order not filled",
			slog.String("state", string(o.State)),
			slog.String("error", o.Error),
			slog.Int("retries", o.RetryCount),
		)
	}
	return *o, nil
}

// applyFill moves o to Filled. A fill without size or price is taken at the
// order's own size or expected price.
func applyFill(o *domain.Order, f domain.Fill) {
	o.State = domain.OrderFilled
	o.TxRef = f.TxRef
	o.FilledSize = f.Size
	if o.FilledSize <= 0 {
		o.FilledSize = o.Size
	}
	o.AvgFillPrice = f.AvgPrice
	if o.AvgFillPrice <= 0 {
		o.AvgFillPrice = o.ExpectedPrice
	}
	o.RealizedSlippagePct = Slippage(o.Side, o.ExpectedPrice, o.AvgFillPrice)
}

// Slippage is the percentage deviation of fill from expected, positive when
// the fill is worse for the trader on either side.
func Slippage(side domain.Side, expected, fill float64) float64 {
	if expected <= 0 {
		return 0
	}
	pct := (fill - expected) / expected * 100
	if side == domain.SideSell {
		return -pct
	}
	return pct
}

func (e *Engine) finishLocked(o *domain.Order) {
	delete(e.active, o.ID)
	e.completed.Push(*o)
	e.counts[o.State]++
	e.subs.finish(*o)
	e.subs.prune()
}

// Cancel cancels a Pending order. Submitted orders run to completion.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.active[id]
	if !ok {
		return fmt.Errorf("execution: cancel %s: %w", id, domain.ErrNotFound)
	}
	if o.State != domain.OrderPending {
		return fmt.Errorf("execution: cancel %s: %w", id, domain.ErrOrderInFlight)
	}
	now := e.cfg.Clock().UTC()
	o.State = domain.OrderCancelled
	o.CompletedAt = &now
	e.finishLocked(o)
	e.logger.Info("order cancelled", slog.String("order_id", id))
	return nil
}

// Get returns an active or recently completed order.
func (e *Engine) Get(id string) (domain.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.active[id]; ok {
		return *o, true
	}
	for _, o := range e.completed.Slice() {
		if o.ID == id {
			return o, true
		}
	}
	return domain.Order{}, false
}

// Active returns the non-terminal orders, oldest first.
func (e *Engine) Active() []domain.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Order, 0, len(e.active))
	for _, o := range e.active {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Completed returns up to limit of the most recent terminal orders, oldest
// first. A limit of 0 returns everything retained.
func (e *Engine) Completed(limit int) []domain.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit <= 0 {
		return e.completed.Slice()
	}
	return e.completed.Tail(limit)
}

// FillRate is filled / completed over the engine's lifetime.
func (e *Engine) FillRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fillRateLocked()
}

func (e *Engine) fillRateLocked() float64 {
	var total int
	for _, n := range e.counts {
		total += n
	}
	if total == 0 {
		return 0
	}
	return float64(e.counts[domain.OrderFilled]) / float64(total)
}

// Status summarises the engine.
type Status struct {
	Active    int     `json:"active"`
	Filled    int     `json:"filled"`
	Rejected  int     `json:"rejected"`
	Expired   int     `json:"expired"`
	Cancelled int     `json:"cancelled"`
	Retained  int     `json:"retained"`
	FillRate  float64 `json:"fill_rate"`
}

// Status returns the engine summary.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Active:    len(e.active),
		Filled:    e.counts[domain.OrderFilled],
		Rejected:  e.counts[domain.OrderRejected],
		Expired:   e.counts[domain.OrderExpired],
		Cancelled: e.counts[domain.OrderCancelled],
		Retained:  e.completed.Len(),
		FillRate:  e.fillRateLocked(),
	}
}
