// Package phase defines the named operating regimes that bound sizing and
// risk for a given stage of the bonding curve.
package phase

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/curvebot/internal/domain"
)

// Name identifies an operating phase.
type Name string

const (
	StealthAccumulation Name = "stealth_accumulation"
	Stabilization       Name = "stabilization"
	GraduationPush      Name = "graduation_push"
)

// Policy is an immutable set of sizing and risk parameters. Percentages are
// expressed as numbers, so 2.5 means 2.5%. Trade-size percentages are of the
// phase allocation; the allocation itself is a percentage of the budget.
type Policy struct {
	Name               Name          `json:"name" toml:"-"`
	Description        string        `json:"description" toml:"description"`
	ProgressMin        float64       `json:"progress_min" toml:"progress_min"`
	ProgressMax        float64       `json:"progress_max" toml:"progress_max"`
	CapitalAllocPct    float64       `json:"capital_alloc_pct" toml:"capital_alloc_pct"`
	BaseTradePct       float64       `json:"base_trade_pct" toml:"base_trade_pct"`
	StrongMultiplier   float64       `json:"strong_multiplier" toml:"strong_multiplier"`
	MinTradePct        float64       `json:"min_trade_pct" toml:"min_trade_pct"`
	MaxTradePct        float64       `json:"max_trade_pct" toml:"max_trade_pct"`
	WalletExposurePct  float64       `json:"wallet_exposure_pct" toml:"wallet_exposure_pct"`
	PhaseExposurePct   float64       `json:"phase_exposure_pct" toml:"phase_exposure_pct"`
	MaxSlippagePct     float64       `json:"max_slippage_pct" toml:"max_slippage_pct"`
	StopLossEnabled    bool          `json:"stop_loss_enabled" toml:"stop_loss_enabled"`
	StopLossPct        float64       `json:"stop_loss_pct" toml:"stop_loss_pct"`
	MaxDrawdownPct     float64       `json:"max_drawdown_pct" toml:"max_drawdown_pct"`
	CycleInterval      time.Duration `json:"cycle_interval" toml:"-"`
	MaxTradesPerMinute int           `json:"max_trades_per_minute" toml:"max_trades_per_minute"`
	ForceBuy           bool          `json:"force_buy" toml:"force_buy"`
	DipBuyEnabled      bool          `json:"dip_buy_enabled" toml:"dip_buy_enabled"`
	DipBuyThresholdPct float64       `json:"dip_buy_threshold_pct" toml:"dip_buy_threshold_pct"`
	DipBuyMultiplier   float64       `json:"dip_buy_multiplier" toml:"dip_buy_multiplier"`
}

// Allows reports whether the policy lets a signal through. Force-buy mode
// only admits buy signals.
func (p Policy) Allows(sig domain.Signal) bool {
	side, ok := sig.Side()
	if !ok {
		return false
	}
	return !p.ForceBuy || side == domain.SideBuy
}

// DipBoost returns the sizing multiplier for a buy made dipPct below the
// recent high. It is 1 when dip buying is off or the dip is too shallow.
func (p Policy) DipBoost(dipPct float64) float64 {
	if !p.DipBuyEnabled || p.DipBuyMultiplier <= 0 || dipPct < p.DipBuyThresholdPct {
		return 1
	}
	return p.DipBuyMultiplier
}

// Validate reports inconsistent parameters.
func (p Policy) Validate() error {
	var errs []string
	if p.CapitalAllocPct <= 0 || p.CapitalAllocPct > 100 {
		errs = append(errs, "capital_alloc_pct must be in (0, 100]")
	}
	if p.MinTradePct < 0 || p.MaxTradePct <= 0 || p.MinTradePct > p.MaxTradePct {
		errs = append(errs, "min_trade_pct must be >= 0 and <= max_trade_pct")
	}
	if p.BaseTradePct <= 0 {
		errs = append(errs, "base_trade_pct must be > 0")
	}
	if p.StrongMultiplier < 1 {
		errs = append(errs, "strong_multiplier must be >= 1")
	}
	if p.MaxTradesPerMinute < 1 {
		errs = append(errs, "max_trades_per_minute must be >= 1")
	}
	if p.StopLossEnabled && p.StopLossPct <= 0 {
		errs = append(errs, "stop_loss_pct must be > 0 when stop loss is enabled")
	}
	if len(errs) > 0 {
		return fmt.Errorf("phase %s: %s", p.Name, strings.Join(errs, "; "))
	}
	return nil
}

// Defaults returns the built-in policy table.
func Defaults() map[Name]Policy {
	return map[Name]Policy{
		StealthAccumulation: {
			Name:               StealthAccumulation,
			Description:        "quiet accumulation while the curve is young",
			ProgressMin:        0,
			ProgressMax:        30,
			CapitalAllocPct:    40,
			BaseTradePct:       2.5,
			StrongMultiplier:   3.0,
			MinTradePct:        1,
			MaxTradePct:        8,
			WalletExposurePct:  15,
			PhaseExposurePct:   40,
			MaxSlippagePct:     10,
			MaxDrawdownPct:     50,
			CycleInterval:      10 * time.Second,
			MaxTradesPerMinute: 20,
			ForceBuy:           true,
			DipBuyMultiplier:   1,
		},
		Stabilization: {
			Name:               Stabilization,
			Description:        "defend the range with stop losses and dip buys",
			ProgressMin:        30,
			ProgressMax:        80,
			CapitalAllocPct:    30,
			BaseTradePct:       2.0,
			StrongMultiplier:   2.0,
			MinTradePct:        0.5,
			MaxTradePct:        5,
			WalletExposurePct:  12,
			PhaseExposurePct:   70,
			MaxSlippagePct:     5,
			StopLossEnabled:    true,
			StopLossPct:        20,
			MaxDrawdownPct:     25,
			CycleInterval:      15 * time.Second,
			MaxTradesPerMinute: 15,
			DipBuyEnabled:      true,
			DipBuyThresholdPct: 5,
			DipBuyMultiplier:   2.0,
		},
		GraduationPush: {
			Name:               GraduationPush,
			Description:        "push through graduation with larger size",
			ProgressMin:        80,
			ProgressMax:        100,
			CapitalAllocPct:    30,
			BaseTradePct:       5.0,
			StrongMultiplier:   4.0,
			MinTradePct:        2,
			MaxTradePct:        15,
			WalletExposurePct:  20,
			PhaseExposurePct:   100,
			MaxSlippagePct:     15,
			StopLossEnabled:    true,
			StopLossPct:        15,
			MaxDrawdownPct:     20,
			CycleInterval:      10 * time.Second,
			MaxTradesPerMinute: 25,
			DipBuyEnabled:      true,
			DipBuyThresholdPct: 3,
			DipBuyMultiplier:   3.0,
		},
	}
}

// Book holds the policy table and the active selection. It is safe for
// concurrent use; the active policy is read once per cycle.
type Book struct {
	mu       sync.RWMutex
	policies map[Name]Policy
	active   Name
}

// NewBook creates a Book with the given table and initial phase.
func NewBook(policies map[Name]Policy, initial Name) (*Book, error) {
	if len(policies) == 0 {
		policies = Defaults()
	}
	for name, p := range policies {
		p.Name = name
		if err := p.Validate(); err != nil {
			return nil, err
		}
		policies[name] = p
	}
	if _, ok := policies[initial]; !ok {
		return nil, fmt.Errorf("phase: initial %q: %w", initial, domain.ErrUnknownPhase)
	}
	return &Book{policies: policies, active: initial}, nil
}

// Active returns the policy currently in effect.
func (b *Book) Active() Policy {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.policies[b.active]
}

// Get returns a named policy.
func (b *Book) Get(name Name) (Policy, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.policies[name]
	return p, ok
}

// Set switches the active phase.
func (b *Book) Set(name Name) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.policies[name]; !ok {
		return fmt.Errorf("phase: set %q: %w", name, domain.ErrUnknownPhase)
	}
	b.active = name
	return nil
}

// SetForProgress selects the phase whose progress band contains pct (0-100)
// and reports the selected name.
func (b *Book) SetForProgress(pct float64) (Name, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	name, ok := forProgress(b.policies, pct)
	if !ok {
		return "", fmt.Errorf("phase: no phase covers progress %.2f: %w", pct, domain.ErrUnknownPhase)
	}
	b.active = name
	return name, nil
}

// Names lists the known phases in progress order.
func (b *Book) Names() []Name {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sortedNames(b.policies)
}

func forProgress(policies map[Name]Policy, pct float64) (Name, bool) {
	names := sortedNames(policies)
	for i, n := range names {
		p := policies[n]
		last := i == len(names)-1
		if pct >= p.ProgressMin && (pct < p.ProgressMax || (last && pct <= p.ProgressMax)) {
			return n, true
		}
	}
	return "", false
}

func sortedNames(policies map[Name]Policy) []Name {
	names := make([]Name, 0, len(policies))
	for n := range policies {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		pi, pj := policies[names[i]], policies[names[j]]
		if pi.ProgressMin != pj.ProgressMin {
			return pi.ProgressMin < pj.ProgressMin
		}
		return names[i] < names[j]
	})
	return names
}
