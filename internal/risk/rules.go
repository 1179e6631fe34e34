// Package risk is the stateful admission controller for trade intents. It
// owns the running exposure and volume totals and the circuit breaker.
package risk

import (
	"fmt"
	"strings"
	"time"
)

// Rules are the configurable limits. Exposure and volume limits are in base
// units; percentages are numbers.
type Rules struct {
	MaxActorExposure     float64       `json:"max_actor_exposure"`
	MaxAssetExposure     float64       `json:"max_asset_exposure"`
	MaxTotalExposure     float64       `json:"max_total_exposure"`
	MaxDailyVolume       float64       `json:"max_daily_volume"`
	MaxTradesPerMinute   int           `json:"max_trades_per_minute"`
	MinTradeSpacing      time.Duration `json:"min_trade_spacing"`
	MaxDrawdownPct       float64       `json:"max_drawdown_pct"`
	MaxConsecutiveLosses int           `json:"max_consecutive_losses"`
	MaxSlippagePct       float64       `json:"max_slippage_pct"`
	StopLossPct          float64       `json:"stop_loss_pct"`
	RapidChangePct       float64       `json:"rapid_change_pct"`
	RapidChangeWindow    time.Duration `json:"rapid_change_window"`
	MaxFailedTx          int           `json:"max_failed_tx"`
	BreakerCooldown      time.Duration `json:"breaker_cooldown"`
}

// DefaultRules returns the standard limits.
func DefaultRules() Rules {
	return Rules{
		MaxActorExposure:     10,
		MaxAssetExposure:     50,
		MaxTotalExposure:     100,
		MaxDailyVolume:       500,
		MaxTradesPerMinute:   10,
		MinTradeSpacing:      2000 * time.Millisecond,
		MaxDrawdownPct:       15,
		MaxConsecutiveLosses: 5,
		MaxSlippagePct:       5,
		StopLossPct:          10,
		RapidChangePct:       20,
		RapidChangeWindow:    60 * time.Second,
		MaxFailedTx:          3,
		BreakerCooldown:      300 * time.Second,
	}
}

// Validate reports nonsensical limits.
func (r Rules) Validate() error {
	var errs []string
	if r.MaxActorExposure <= 0 || r.MaxAssetExposure <= 0 || r.MaxTotalExposure <= 0 {
		errs = append(errs, "exposure limits must be > 0")
	}
	if r.MaxDailyVolume <= 0 {
		errs = append(errs, "max_daily_volume must be > 0")
	}
	if r.MaxTradesPerMinute < 1 {
		errs = append(errs, "max_trades_per_minute must be >= 1")
	}
	if r.MinTradeSpacing < 0 {
		errs = append(errs, "min_trade_spacing must be >= 0")
	}
	if r.MaxConsecutiveLosses < 1 || r.MaxFailedTx < 1 {
		errs = append(errs, "max_consecutive_losses and max_failed_tx must be >= 1")
	}
	if r.RapidChangeWindow <= 0 || r.BreakerCooldown <= 0 {
		errs = append(errs, "rapid_change_window and breaker_cooldown must be > 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("risk rules: %s", strings.Join(errs, "; "))
	}
	return nil
}

// RulesPatch carries a partial rule update. Nil fields are left unchanged.
type RulesPatch struct {
	MaxActorExposure     *float64 `json:"max_actor_exposure,omitempty"`
	MaxAssetExposure     *float64 `json:"max_asset_exposure,omitempty"`
	MaxTotalExposure     *float64 `json:"max_total_exposure,omitempty"`
	MaxDailyVolume       *float64 `json:"max_daily_volume,omitempty"`
	MaxTradesPerMinute   *int     `json:"max_trades_per_minute,omitempty"`
	MinTradeSpacingMs    *int64   `json:"min_trade_spacing_ms,omitempty"`
	MaxDrawdownPct       *float64 `json:"max_drawdown_pct,omitempty"`
	MaxConsecutiveLosses *int     `json:"max_consecutive_losses,omitempty"`
	MaxSlippagePct       *float64 `json:"max_slippage_pct,omitempty"`
	StopLossPct          *float64 `json:"stop_loss_pct,omitempty"`
	RapidChangePct       *float64 `json:"rapid_change_pct,omitempty"`
	MaxFailedTx          *int     `json:"max_failed_tx,omitempty"`
	BreakerCooldownSec   *int64   `json:"breaker_cooldown_sec,omitempty"`
}

// Apply returns r with the non-nil fields of p applied.
func (p RulesPatch) Apply(r Rules) Rules {
	setF := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	setI := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	setF(&r.MaxActorExposure, p.MaxActorExposure)
	setF(&r.MaxAssetExposure, p.MaxAssetExposure)
	setF(&r.MaxTotalExposure, p.MaxTotalExposure)
	setF(&r.MaxDailyVolume, p.MaxDailyVolume)
	setI(&r.MaxTradesPerMinute, p.MaxTradesPerMinute)
	if p.MinTradeSpacingMs != nil {
		r.MinTradeSpacing = time.Duration(*p.MinTradeSpacingMs) * time.Millisecond
	}
	setF(&r.MaxDrawdownPct, p.MaxDrawdownPct)
	setI(&r.MaxConsecutiveLosses, p.MaxConsecutiveLosses)
	setF(&r.MaxSlippagePct, p.MaxSlippagePct)
	setF(&r.StopLossPct, p.StopLossPct)
	setF(&r.RapidChangePct, p.RapidChangePct)
	setI(&r.MaxFailedTx, p.MaxFailedTx)
	if p.BreakerCooldownSec != nil {
		r.BreakerCooldown = time.Duration(*p.BreakerCooldownSec) * time.Second
	}
	return r
}
