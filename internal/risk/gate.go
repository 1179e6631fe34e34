package risk

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/curvebot/internal/domain"
	"github.com/alanyoungcy/curvebot/internal/phase"
)

const (
	frequencyWindow = 60 * time.Second
	volumeWindow    = 24 * time.Hour
)

// Action is the outcome of an evaluation.
type Action string

const (
	Approved Action = "approved"
	Rejected Action = "rejected"
	Halted   Action = "halted"
)

// Decision is the result of evaluating an intent. Rejections carry every
// failing check, not just the first.
type Decision struct {
	Action  Action   `json:"action"`
	Reasons []string `json:"reasons,omitempty"`
	Passed  []string `json:"passed,omitempty"`
}

// Approved reports whether the intent may proceed.
func (d Decision) Approved() bool { return d.Action == Approved }

// Reason joins the failure reasons.
func (d Decision) Reason() string { return strings.Join(d.Reasons, "; ") }

// LedgerView is the capital surface used for percentage-based caps.
type LedgerView interface {
	Budget() float64
	Price() float64
	ToUnits(usd float64) float64
	UtilizationPct() float64
}

// PolicySource yields the phase policy in effect.
type PolicySource interface {
	Active() phase.Policy
}

type pricePoint struct {
	at    time.Time
	price float64
}

// Config configures a Gate.
type Config struct {
	Rules Rules
	// Clock overrides time.Now; used by tests.
	Clock func() time.Time
}

// Gate evaluates intents and owns the risk state. All state is guarded by a
// single mutex; RecordResult and RecordFill are the only trade-driven
// mutators.
type Gate struct {
	mu      sync.Mutex
	rules   Rules
	breaker *Breaker
	now     func() time.Time
	logger  *slog.Logger

	ledger   LedgerView
	policies PolicySource

	totalExposure     float64
	actorExposure     map[string]float64
	assetExposure     map[string]float64
	dailyVolume       float64
	dailyStart        time.Time
	tradesThisMinute  int
	minuteStart       time.Time
	lastTrade         time.Time
	consecutiveLosses int
	failedTx          int
	peakValue         float64
	currentValue      float64
	halted            bool
	haltReason        string
	haltedAt          time.Time
	prices            []pricePoint
}

// NewGate creates a Gate with a closed breaker.
func NewGate(cfg Config, logger *slog.Logger) *Gate {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	now := cfg.Clock()
	return &Gate{
		rules:         cfg.Rules,
		breaker:       NewBreaker(cfg.Rules.BreakerCooldown, cfg.Clock),
		now:           cfg.Clock,
		logger:        logger.With(slog.String("component", "risk")),
		actorExposure: make(map[string]float64),
		assetExposure: make(map[string]float64),
		dailyStart:    now,
		minuteStart:   now,
	}
}

// AttachLedger switches the per-actor cap and enables the utilization check
// against the active phase policy.
func (g *Gate) AttachLedger(ledger LedgerView, policies PolicySource) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ledger = ledger
	g.policies = policies
}

// Breaker exposes the circuit breaker.
func (g *Gate) Breaker() *Breaker { return g.breaker }

// Evaluate checks intent against every rule. Emergency halt and an open
// breaker short-circuit to Halted; all other failures accumulate.
func (g *Gate) Evaluate(intent domain.TradeIntent) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.halted {
		return Decision{Action: Halted, Reasons: []string{"emergency halt: " + g.haltReason}}
	}
	if !g.breaker.Check() {
		st := g.breaker.Status()
		return Decision{Action: Halted, Reasons: []string{fmt.Sprintf("circuit breaker open: %s (cooldown remaining %s)", st.Reason, st.CooldownRemaining)}}
	}

	now := g.now()
	var d Decision
	check := func(name string, ok bool, reason string) {
		if ok {
			d.Passed = append(d.Passed, name)
			return
		}
		d.Reasons = append(d.Reasons, reason)
	}
	buy := intent.Side == domain.SideBuy

	trades := g.tradesThisMinute
	if now.Sub(g.minuteStart) > frequencyWindow {
		trades = 0
	}
	check("frequency", trades < g.rules.MaxTradesPerMinute,
		fmt.Sprintf("trade frequency %d/min at limit %d", trades, g.rules.MaxTradesPerMinute))

	spacingOK := true
	if !g.lastTrade.IsZero() {
		spacingOK = now.Sub(g.lastTrade) >= g.rules.MinTradeSpacing
	}
	check("spacing", spacingOK,
		fmt.Sprintf("last trade %s ago, minimum spacing %s", now.Sub(g.lastTrade).Round(time.Millisecond), g.rules.MinTradeSpacing))

	if buy {
		actorCap := g.actorCapLocked()
		next := g.actorExposure[intent.ActorID] + intent.Size
		check("actor_exposure", next <= actorCap,
			fmt.Sprintf("actor %s exposure %.6f would exceed %.6f", shortAddr(intent.ActorID), next, actorCap))

		next = g.assetExposure[intent.AssetID] + intent.Size
		check("asset_exposure", next <= g.rules.MaxAssetExposure,
			fmt.Sprintf("asset %s exposure %.6f would exceed %.6f", intent.AssetID, next, g.rules.MaxAssetExposure))

		next = g.totalExposure + intent.Size
		check("total_exposure", next <= g.rules.MaxTotalExposure,
			fmt.Sprintf("total exposure %.6f would exceed %.6f", next, g.rules.MaxTotalExposure))
	} else {
		d.Passed = append(d.Passed, "actor_exposure", "asset_exposure", "total_exposure")
	}

	daily := g.dailyVolume
	if now.Sub(g.dailyStart) >= volumeWindow {
		daily = 0
	}
	check("daily_volume", daily+intent.Size <= g.rules.MaxDailyVolume,
		fmt.Sprintf("daily volume %.6f would exceed %.6f", daily+intent.Size, g.rules.MaxDailyVolume))

	check("slippage", intent.MaxSlippagePct <= g.rules.MaxSlippagePct,
		fmt.Sprintf("slippage tolerance %.2f%% exceeds %.2f%%", intent.MaxSlippagePct, g.rules.MaxSlippagePct))

	check("consecutive_losses", g.consecutiveLosses < g.rules.MaxConsecutiveLosses,
		fmt.Sprintf("%d consecutive losses at limit %d", g.consecutiveLosses, g.rules.MaxConsecutiveLosses))

	dd := g.drawdownLocked()
	ddOK := dd <= g.rules.MaxDrawdownPct
	check("drawdown", ddOK, fmt.Sprintf("drawdown %.2f%% exceeds %.2f%%", dd, g.rules.MaxDrawdownPct))
	if !ddOK {
		g.breaker.Trip(fmt.Sprintf("drawdown %.2f%%", dd))
	}

	if buy && g.ledger != nil && g.policies != nil && g.ledger.Price() > 0 {
		p := g.policies.Active()
		projected := g.ledger.UtilizationPct() + intent.Size*g.ledger.Price()/g.ledger.Budget()*100
		check("phase_exposure", projected <= p.PhaseExposurePct,
			fmt.Sprintf("capital utilization %.2f%% would exceed %s cap %.2f%%", projected, p.Name, p.PhaseExposurePct))
	}

	if len(d.Reasons) == 0 {
		d.Action = Approved
	} else {
		d.Action = Rejected
		g.breaker.Release()
	}
	return d
}

// ReleaseTrial frees a half-open trial taken by an approved intent that was
// not executed.
func (g *Gate) ReleaseTrial() { g.breaker.Release() }

// RecordResult folds the outcome of an executed intent into the risk state,
// adjusting exposure by the intent size.
func (g *Gate) RecordResult(intent domain.TradeIntent, success bool, pnl float64) {
	g.RecordFill(intent, 0, success, pnl)
}

// RecordFill is RecordResult with the verified filled size. A positive filled
// size replaces the intent size for exposure and volume accounting.
func (g *Gate) RecordFill(intent domain.TradeIntent, filled float64, success bool, pnl float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now.Sub(g.minuteStart) > frequencyWindow {
		g.tradesThisMinute = 0
		g.minuteStart = now
	}
	if now.Sub(g.dailyStart) >= volumeWindow {
		g.dailyVolume = 0
		g.dailyStart = now
	}
	g.tradesThisMinute++
	g.lastTrade = now

	size := intent.Size
	if filled > 0 {
		size = filled
	}
	g.dailyVolume += size

	if !success {
		g.failedTx++
		g.breaker.RecordFailure()
		if g.failedTx >= g.rules.MaxFailedTx && g.breaker.State() != BreakerOpen {
			g.breaker.Trip(fmt.Sprintf("%d consecutive failed transactions", g.failedTx))
		}
		g.logger.Warn("trade failed",
			slog.String("actor", shortAddr(intent.ActorID)),
			slog.String("side", string(intent.Side)),
			slog.Int("failed_tx", g.failedTx),
		)
		return
	}

	g.failedTx = 0
	g.breaker.RecordSuccess()

	delta := size
	if intent.Side == domain.SideSell {
		delta = -size
	}
	g.totalExposure = math.Max(0, g.totalExposure+delta)
	g.actorExposure[intent.ActorID] = math.Max(0, g.actorExposure[intent.ActorID]+delta)
	g.assetExposure[intent.AssetID] = math.Max(0, g.assetExposure[intent.AssetID]+delta)

	if pnl >= 0 {
		g.consecutiveLosses = 0
	} else {
		g.consecutiveLosses++
	}
}

// RecordPrice adds a price to the rapid-change window and trips the breaker
// when the move across the window exceeds the threshold.
func (g *Gate) RecordPrice(p float64) {
	if p <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.prices = append(g.prices, pricePoint{at: now, price: p})
	cut := 0
	for cut < len(g.prices) && now.Sub(g.prices[cut].at) > g.rules.RapidChangeWindow {
		cut++
	}
	g.prices = g.prices[cut:]

	oldest := g.prices[0].price
	change := math.Abs(p-oldest) / oldest * 100
	if change > g.rules.RapidChangePct {
		g.logger.Warn("rapid price change",
			slog.Float64("from", oldest),
			slog.Float64("to", p),
			slog.Float64("change_pct", change),
		)
		g.breaker.Trip(fmt.Sprintf("rapid price change %.2f%% within %s", change, g.rules.RapidChangeWindow))
	}
}

// UpdatePortfolioValue records the current portfolio value and raises the
// peak when exceeded.
func (g *Gate) UpdatePortfolioValue(v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.currentValue = v
	if v > g.peakValue {
		g.peakValue = v
	}
}

// EmergencyHalt stops all trading until ResetEmergency is called.
func (g *Gate) EmergencyHalt(reason string) {
	g.mu.Lock()
	g.halted = true
	g.haltReason = reason
	g.haltedAt = g.now()
	g.mu.Unlock()
	g.logger.Error("emergency halt", slog.String("reason", reason))
	g.breaker.Trip("emergency halt: " + reason)
}

// ResetEmergency clears the halt flag and closes the breaker.
func (g *Gate) ResetEmergency() {
	g.mu.Lock()
	g.halted = false
	g.haltReason = ""
	g.haltedAt = time.Time{}
	g.mu.Unlock()
	g.breaker.Reset()
	g.logger.Info("emergency halt cleared")
}

// Halted reports whether an emergency halt is in effect.
func (g *Gate) Halted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.halted
}

// Rules returns the limits in effect.
func (g *Gate) Rules() Rules {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rules
}

// UpdateRules applies a partial update and returns the resulting rules.
func (g *Gate) UpdateRules(p RulesPatch) (Rules, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	next := p.Apply(g.rules)
	if err := next.Validate(); err != nil {
		return g.rules, err
	}
	g.rules = next
	g.breaker.SetCooldown(next.BreakerCooldown)
	return next, nil
}

// ApplyPolicy adopts the frequency, drawdown, slippage and stop-loss limits
// of a phase policy.
func (g *Gate) ApplyPolicy(p phase.Policy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules.MaxTradesPerMinute = p.MaxTradesPerMinute
	g.rules.MaxDrawdownPct = p.MaxDrawdownPct
	g.rules.MaxSlippagePct = p.MaxSlippagePct
	if p.StopLossEnabled {
		g.rules.StopLossPct = p.StopLossPct
	}
}

// ActorCap returns the per-actor exposure cap in base units.
func (g *Gate) ActorCap() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.actorCapLocked()
}

func (g *Gate) actorCapLocked() float64 {
	if g.ledger == nil || g.policies == nil || g.ledger.Price() <= 0 {
		return g.rules.MaxActorExposure
	}
	p := g.policies.Active()
	return g.ledger.ToUnits(p.WalletExposurePct / 100 * g.ledger.Budget())
}

func (g *Gate) drawdownLocked() float64 {
	if g.peakValue <= 0 {
		return 0
	}
	return (g.peakValue - g.currentValue) / g.peakValue * 100
}

// Status is a snapshot of the risk state.
type Status struct {
	Halted            bool               `json:"halted"`
	HaltReason        string             `json:"halt_reason,omitempty"`
	HaltedAt          *time.Time         `json:"halted_at,omitempty"`
	Breaker           BreakerStatus      `json:"breaker"`
	TotalExposure     float64            `json:"total_exposure"`
	ActorExposure     map[string]float64 `json:"actor_exposure"`
	AssetExposure     map[string]float64 `json:"asset_exposure"`
	DailyVolume       float64            `json:"daily_volume"`
	TradesThisMinute  int                `json:"trades_this_minute"`
	ConsecutiveLosses int                `json:"consecutive_losses"`
	FailedTx          int                `json:"failed_tx"`
	PeakValue         float64            `json:"peak_value"`
	CurrentValue      float64            `json:"current_value"`
	DrawdownPct       float64            `json:"drawdown_pct"`
	ActorCap          float64            `json:"actor_cap"`
	Rules             Rules              `json:"rules"`
}

// Status returns a snapshot of the risk state.
func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := Status{
		Halted:            g.halted,
		HaltReason:        g.haltReason,
		Breaker:           g.breaker.Status(),
		TotalExposure:     g.totalExposure,
		ActorExposure:     make(map[string]float64, len(g.actorExposure)),
		AssetExposure:     make(map[string]float64, len(g.assetExposure)),
		DailyVolume:       g.dailyVolume,
		TradesThisMinute:  g.tradesThisMinute,
		ConsecutiveLosses: g.consecutiveLosses,
		FailedTx:          g.failedTx,
		PeakValue:         g.peakValue,
		CurrentValue:      g.currentValue,
		DrawdownPct:       g.drawdownLocked(),
		ActorCap:          g.actorCapLocked(),
		Rules:             g.rules,
	}
	if g.halted {
		t := g.haltedAt
		st.HaltedAt = &t
	}
	for k, v := range g.actorExposure {
		st.ActorExposure[k] = v
	}
	for k, v := range g.assetExposure {
		st.AssetExposure[k] = v
	}
	return st
}

func shortAddr(a string) string {
	if len(a) <= 10 {
		return a
	}
	return a[:6] + "…" + a[len(a)-4:]
}
