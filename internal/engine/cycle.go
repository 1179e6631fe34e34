package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/alanyoungcy/curvebot/internal/distribution"
	"github.com/alanyoungcy/curvebot/internal/domain"
	"github.com/alanyoungcy/curvebot/internal/phase"
	"github.com/alanyoungcy/curvebot/internal/service"
	"github.com/alanyoungcy/curvebot/internal/wallet"
)

// Intent sources recorded on orders and events.
const (
	SourceSignal       = "signal"
	SourceStopLoss     = "stop_loss"
	SourceDistribution = "distribution"
)

// cycle is one pass of the loop. Errors returned here fail the tick; only
// errors wrapping errSystemic halt trading.
func (o *Orchestrator) cycle(ctx context.Context) error {
	d := o.deps
	n := o.nextCycle()

	if d.Balances != nil && (n == 1 || n%int64(o.cfg.BalanceRefreshEvery) == 0) {
		o.refreshBalances(ctx)
	}
	d.Ledger.Refresh(ctx, d.Pool)

	snap, err := o.observe(ctx)
	if err != nil {
		return err
	}
	// Orders are denominated in the base asset; price is the traded asset
	// in base units.
	price := d.Ledger.ToUnits(snap.Price)
	if price > 0 {
		d.Gate.UpdatePortfolioValue(o.portfolioValue(price))
	}

	analysis := d.Detector.Analyze()
	policy := d.Policies.Active()
	o.mu.Lock()
	o.lastAnalysis = &analysis
	o.mu.Unlock()

	if price <= 0 {
		o.logger.WarnContext(ctx, "base asset price unknown, not trading this cycle",
			slog.Float64("price", snap.Price))
	} else if err := o.trade(ctx, snap, price, analysis, policy); err != nil {
		return err
	}

	o.observeRisk(snap.Price)
	d.Events.Publish(ctx, service.ChannelCycle, "cycle", map[string]any{
		"cycle":      n,
		"phase":      string(policy.Name),
		"market":     string(analysis.Phase),
		"signal":     string(analysis.Signal),
		"confidence": analysis.Confidence,
		"price":      snap.Price,
		"price_base": price,
	})
	return nil
}

// trade runs the stop-loss sweep, the distribution step and the signal
// intent, in that order.
func (o *Orchestrator) trade(ctx context.Context, snap domain.MarketSnapshot, price float64, analysis domain.PhaseAnalysis, policy phase.Policy) error {
	d := o.deps
	if policy.StopLossEnabled {
		if err := o.sweepStopLosses(ctx, price, policy); err != nil {
			return err
		}
	}
	if d.Distribution != nil {
		if err := o.distribute(ctx, snap, price, analysis, policy); err != nil {
			return err
		}
	}
	if intent, ok := o.intentFromSignal(ctx, analysis, price, policy); ok {
		if _, err := o.execute(ctx, intent); err != nil {
			return err
		}
	}
	return nil
}

// portfolioValue is the base held by actors plus open positions marked at
// price, both in base units.
func (o *Orchestrator) portfolioValue(price float64) float64 {
	return o.deps.Pool.TotalBalance() + o.deps.Positions.Value(o.cfg.AssetID, price)
}

func (o *Orchestrator) nextCycle() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cycles++
	return o.cycles
}

func (o *Orchestrator) refreshBalances(ctx context.Context) {
	snaps := o.deps.Pool.RefreshBalances(ctx, o.deps.Balances)
	if o.deps.Snapshots == nil || len(snaps) == 0 {
		return
	}
	if err := o.deps.Snapshots.Record(ctx, snaps); err != nil {
		o.logger.WarnContext(ctx, "record actor snapshots failed", slog.String("error", err.Error()))
	}
}

// observe fetches the market snapshot and feeds it everywhere it is needed.
// A failed fetch falls back to the last observed price with zero volume and
// adds no sample.
func (o *Orchestrator) observe(ctx context.Context) (domain.MarketSnapshot, error) {
	d := o.deps
	snap, err := d.Market.Snapshot(ctx, o.cfg.AssetID)
	if err != nil || snap.Price <= 0 {
		o.mu.Lock()
		last := o.lastPrice
		o.mu.Unlock()
		attrs := []any{slog.String("asset", o.cfg.AssetID), slog.Float64("last_price", last)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		o.logger.WarnContext(ctx, "market snapshot failed, using last price", attrs...)
		if last <= 0 {
			return domain.MarketSnapshot{}, fmt.Errorf("engine: observe %s: %w", o.cfg.AssetID, domain.ErrPriceUnavailable)
		}
		return domain.MarketSnapshot{Price: last, Timestamp: o.cfg.Clock()}, nil
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = o.cfg.Clock()
	}

	d.Detector.AddSample(snap)
	d.Gate.RecordPrice(snap.Price)
	d.Prices.Record(ctx, domain.PricePoint{
		AssetID:   o.cfg.AssetID,
		Price:     snap.Price,
		Volume:    snap.Volume,
		Source:    "market",
		Timestamp: snap.Timestamp.UTC(),
	})
	o.setLastPrice(snap.Price)
	return snap, nil
}

func (o *Orchestrator) setLastPrice(p float64) {
	o.mu.Lock()
	o.lastPrice = p
	o.mu.Unlock()
}

// sweepStopLosses sells every open position that has fallen past the
// policy's stop-loss threshold. Force-buy mode does not suppress these, but
// each sell still passes the gate. price is in base units.
func (o *Orchestrator) sweepStopLosses(ctx context.Context, price float64, policy phase.Policy) error {
	for _, pos := range o.deps.Positions.StopLossBreaches(o.cfg.AssetID, price, policy.StopLossPct) {
		loss := pos.LossPct(price)
		o.logger.WarnContext(ctx, "stop loss triggered",
			slog.String("actor", pos.ActorID),
			slog.Float64("entry", pos.AvgEntry),
			slog.Float64("price", price),
			slog.Float64("loss_pct", loss),
		)
		intent := domain.TradeIntent{
			ActorID:        pos.ActorID,
			AssetID:        pos.AssetID,
			Side:           domain.SideSell,
			Size:           pos.Quantity * price,
			ExpectedPrice:  price,
			MaxSlippagePct: policy.MaxSlippagePct,
			Reason:         fmt.Sprintf("stop loss: %.1f%% below entry (threshold %.1f%%)", loss, policy.StopLossPct),
			Source:         SourceStopLoss,
		}
		order, err := o.execute(ctx, intent)
		if err != nil {
			return err
		}
		if order.State != domain.OrderFilled {
			continue
		}
		o.mu.Lock()
		o.stopLosses++
		o.mu.Unlock()
		o.deps.Metrics.StopLoss()
		o.deps.Events.Alert(ctx, service.AlertStopLoss, "Stop loss executed",
			fmt.Sprintf("%s sold %.4f at %.6f (%.1f%% below entry %.6f)",
				pos.ActorID, order.FilledQuantity(), order.AvgFillPrice, loss, pos.AvgEntry))
	}
	return nil
}

// distribute asks the distribution scheduler for a due sell and routes it
// through the gate like any other intent. Whatever does not sell is handed
// back to the scheduler.
func (o *Orchestrator) distribute(ctx context.Context, snap domain.MarketSnapshot, price float64, analysis domain.PhaseAnalysis, policy phase.Policy) error {
	d := o.deps
	step, ok := d.Distribution.NextStep(snap.Price, snap.Volume, d.Detector.AverageVolume(), analysis.Phase)
	if !ok {
		return nil
	}

	amount := step.Amount
	if step.SellPct > 0 {
		amount = d.Positions.Holdings(o.cfg.AssetID) * step.SellPct / 100
	}
	actor, qty, ok := o.seller(amount)
	if !ok || qty <= 0 {
		o.logger.InfoContext(ctx, "distribution step skipped, nothing to sell",
			slog.String("reason", step.Reason),
			slog.Float64("amount", amount),
		)
		d.Distribution.Restore(step, amount)
		return nil
	}

	size := qty * price
	// Liquidity of zero means the market source does not report it.
	if liq := d.Ledger.ToUnits(snap.Liquidity); liq > 0 {
		impact := distribution.EstimateMarketImpact(size, liq)
		switch impact.Recommendation {
		case distribution.RecommendWait:
			o.logger.InfoContext(ctx, "distribution step deferred, market impact too high",
				slog.Float64("impact_pct", impact.PriceChangePct),
				slog.Float64("size", size),
			)
			d.Distribution.Restore(step, amount)
			return nil
		case distribution.RecommendReduceSize:
			reduced := liq * distribution.ProceedImpactPct / 100
			o.logger.InfoContext(ctx, "distribution step reduced for market impact",
				slog.Float64("impact_pct", impact.PriceChangePct),
				slog.Float64("size", size),
				slog.Float64("reduced", reduced),
			)
			size = reduced
		}
	}

	order, err := o.execute(ctx, domain.TradeIntent{
		ActorID:        actor,
		AssetID:        o.cfg.AssetID,
		Side:           domain.SideSell,
		Size:           size,
		ExpectedPrice:  price,
		MaxSlippagePct: policy.MaxSlippagePct,
		Reason:         step.Reason,
		Source:         SourceDistribution,
	})
	if err != nil {
		return err
	}

	var sold float64
	if order.State == domain.OrderFilled {
		sold = order.FilledQuantity()
	}
	switch {
	case step.SellPct > 0 && sold > 0:
		d.Distribution.RecordTargetFill(sold)
	case step.SellPct > 0:
		d.Distribution.Restore(step, amount)
	case amount-sold > 0:
		d.Distribution.Restore(step, amount-sold)
	}
	return nil
}

// seller picks the actor for a sell of amount asset units: the largest
// holder, capped at its holding, or the primary actor when no position is
// tracked.
func (o *Orchestrator) seller(amount float64) (string, float64, bool) {
	if amount <= 0 {
		return "", 0, false
	}
	if pos, ok := o.deps.Positions.Largest(o.cfg.AssetID); ok {
		if a, ok := o.deps.Pool.Get(pos.ActorID); ok && a.Health != domain.HealthDisabled && a.Health != domain.HealthUnhealthy {
			return pos.ActorID, math.Min(amount, pos.Quantity), true
		}
	}
	a, ok := o.deps.Pool.Primary()
	if !ok || a.Health == domain.HealthUnhealthy {
		return "", 0, false
	}
	return a.Address, amount, true
}

// intentFromSignal derives a trade from the analysis, or reports false when
// the cycle should not trade.
func (o *Orchestrator) intentFromSignal(ctx context.Context, a domain.PhaseAnalysis, price float64, policy phase.Policy) (domain.TradeIntent, bool) {
	d := o.deps
	skip := func(reason string, attrs ...any) (domain.TradeIntent, bool) {
		attrs = append(attrs,
			slog.String("signal", string(a.Signal)),
			slog.String("reason", reason),
		)
		o.logger.DebugContext(ctx, "no trade this cycle", attrs...)
		return domain.TradeIntent{}, false
	}

	if a.Confidence < o.cfg.MinConfidence {
		return skip("confidence below minimum", slog.Float64("confidence", a.Confidence))
	}
	if !policy.Allows(a.Signal) {
		return skip("signal not actionable under phase policy", slog.Bool("force_buy", policy.ForceBuy))
	}
	side, _ := a.Signal.Side()

	boost := 1.0
	if side == domain.SideBuy {
		boost = policy.DipBoost(d.Detector.DipFromHigh())
	}
	size := d.Sizer.SizeBoosted(a.Signal, policy, boost)
	if size <= 0 {
		return skip("size is zero")
	}

	var actor string
	if side == domain.SideSell {
		pos, ok := d.Positions.Largest(o.cfg.AssetID)
		if !ok {
			return skip("no holdings to sell")
		}
		actor = pos.ActorID
		size = math.Min(size, pos.Quantity*price)
	} else {
		picked, ok := d.Pool.Select(wallet.SelectOptions{
			Strategy:    o.cfg.SelectStrategy,
			MinBalance:  math.Max(o.cfg.MinActorBalance, size),
			MaxExposure: d.Gate.ActorCap(),
		})
		if !ok {
			o.logger.WarnContext(ctx, "no eligible actor", slog.Float64("size", size))
			return domain.TradeIntent{}, false
		}
		actor = picked.Address
	}

	reason := fmt.Sprintf("%s: %s (%.0f%% confidence)", a.Phase, a.Reason, a.Confidence*100)
	if boost > 1 {
		reason += fmt.Sprintf(", dip boost x%.1f", boost)
	}
	return domain.TradeIntent{
		ActorID:        actor,
		AssetID:        o.cfg.AssetID,
		Side:           side,
		Size:           size,
		ExpectedPrice:  price,
		MaxSlippagePct: policy.MaxSlippagePct,
		Reason:         reason,
		Source:         SourceSignal,
	}, true
}

// execute gates intent and, when approved and not in monitor mode, drives it
// to a terminal state and books the outcome. The returned order is zero when
// nothing was submitted.
func (o *Orchestrator) execute(ctx context.Context, intent domain.TradeIntent) (domain.Order, error) {
	d := o.deps
	decision := d.Gate.Evaluate(intent)
	d.Metrics.Decision(string(decision.Action))
	o.mu.Lock()
	o.lastDecision = &decision
	o.mu.Unlock()

	attrs := []any{
		slog.String("source", intent.Source),
		slog.String("side", string(intent.Side)),
		slog.Float64("size", intent.Size),
		slog.String("actor", intent.ActorID),
		slog.String("action", string(decision.Action)),
	}
	if !decision.Approved() {
		o.logger.InfoContext(ctx, "intent not approved", append(attrs, slog.String("reasons", decision.Reason()))...)
		d.Events.Publish(ctx, service.ChannelCycle, "intent_"+string(decision.Action), map[string]any{
			"intent":  intent,
			"reasons": decision.Reasons,
		})
		return domain.Order{}, nil
	}
	if d.Swaps == nil {
		d.Gate.ReleaseTrial()
		o.logger.InfoContext(ctx, "intent approved, monitor mode", attrs...)
		d.Events.Publish(ctx, service.ChannelCycle, "intent_approved", map[string]any{"intent": intent})
		return domain.Order{}, nil
	}

	// The submission must not be interrupted by loop shutdown; an abandoned
	// signed transaction is left in doubt.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SubmitTimeout)
	defer cancel()

	order := d.Execution.Create(intent)
	done, err := d.Execution.Submit(sctx, order, d.Swaps)
	if err != nil {
		return done, fmt.Errorf("engine: submit %s: %w: %w", order.ID, errSystemic, err)
	}
	o.book(sctx, intent, done)
	return done, nil
}

// book records a terminal order everywhere its outcome matters.
func (o *Orchestrator) book(ctx context.Context, intent domain.TradeIntent, order domain.Order) {
	d := o.deps
	d.Orders.Record(ctx, order)
	d.Metrics.OrderFinished(string(order.Side), string(order.State))

	filled := order.State == domain.OrderFilled
	var pnl float64
	if filled {
		pnl, _ = d.Positions.ApplyFill(ctx, order)
		d.Pool.RecordSuccess(intent.ActorID)
		delta := order.FilledSize
		if order.Side == domain.SideBuy {
			delta = -delta
		}
		if err := d.Pool.AdjustBalance(intent.ActorID, delta); err != nil {
			o.logger.WarnContext(ctx, "adjust actor balance failed",
				slog.String("actor", intent.ActorID),
				slog.String("error", err.Error()),
			)
		}
	} else {
		d.Pool.RecordFailure(intent.ActorID)
	}
	d.Gate.RecordFill(intent, order.FilledSize, filled, pnl)

	exposure := d.Gate.Status().ActorExposure[intent.ActorID]
	if err := d.Pool.UpdateExposure(intent.ActorID, exposure); err != nil {
		o.logger.WarnContext(ctx, "update actor exposure failed",
			slog.String("actor", intent.ActorID),
			slog.String("error", err.Error()),
		)
	}

	o.logger.InfoContext(ctx, "order finished",
		slog.String("order_id", order.ID),
		slog.String("source", intent.Source),
		slog.String("state", string(order.State)),
		slog.Float64("filled", order.FilledSize),
		slog.Float64("avg_price", order.AvgFillPrice),
		slog.Float64("slippage_pct", order.RealizedSlippagePct),
		slog.Float64("pnl", pnl),
		slog.Int("retries", order.RetryCount),
	)
}

func (o *Orchestrator) observeRisk(price float64) {
	d := o.deps
	st := d.Gate.Status()
	d.Metrics.ObserveRisk(st.TotalExposure, st.DailyVolume, st.DrawdownPct, string(st.Breaker.State))
	d.Metrics.ObserveMarket(price, d.Ledger.UtilizationPct(), d.Execution.FillRate())
}
