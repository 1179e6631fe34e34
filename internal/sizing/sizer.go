// Package sizing turns a signal and the active phase policy into a trade size
// in base-asset units.
package sizing

import (
	"github.com/alanyoungcy/curvebot/internal/domain"
	"github.com/alanyoungcy/curvebot/internal/phase"
)

// Ledger is the valuation surface the sizer needs.
type Ledger interface {
	Budget() float64
	Price() float64
	ToUnits(usd float64) float64
	CanAfford(units float64) bool
}

// Sizer computes trade sizes against a Ledger.
type Sizer struct {
	ledger Ledger
}

// NewSizer creates a Sizer.
func NewSizer(ledger Ledger) *Sizer {
	return &Sizer{ledger: ledger}
}

// Size returns the unit amount for sig under p, or zero when the trade is
// unaffordable or no price is known. Zero means no trade this cycle.
func (s *Sizer) Size(sig domain.Signal, p phase.Policy) float64 {
	return s.SizeBoosted(sig, p, 1)
}

// SizeBoosted is Size with an extra multiplier applied before clamping.
func (s *Sizer) SizeBoosted(sig domain.Signal, p phase.Policy, boost float64) float64 {
	if s.ledger.Price() <= 0 {
		return 0
	}
	alloc := p.CapitalAllocPct / 100 * s.ledger.Budget()
	usd := p.BaseTradePct / 100 * alloc
	if sig.IsStrong() {
		usd *= p.StrongMultiplier
	}
	if boost > 0 {
		usd *= boost
	}
	lo, hi := p.MinTradePct/100*alloc, p.MaxTradePct/100*alloc
	usd = min(max(usd, lo), hi)

	units := s.ledger.ToUnits(usd)
	if units <= 0 || !s.ledger.CanAfford(units) {
		return 0
	}
	return units
}

// Sizes is the effective sizing table for a policy, in both currencies.
type Sizes struct {
	Phase          phase.Name `json:"phase"`
	Price          float64    `json:"price"`
	AllocationUSD  float64    `json:"allocation_usd"`
	AllocationUnit float64    `json:"allocation_units"`
	BaseUSD        float64    `json:"base_usd"`
	BaseUnits      float64    `json:"base_units"`
	StrongUSD      float64    `json:"strong_usd"`
	StrongUnits    float64    `json:"strong_units"`
	MinUSD         float64    `json:"min_usd"`
	MinUnits       float64    `json:"min_units"`
	MaxUSD         float64    `json:"max_usd"`
	MaxUnits       float64    `json:"max_units"`
}

// EffectiveSizes reports the unclamped base and strong sizes alongside the
// bounds for p.
func (s *Sizer) EffectiveSizes(p phase.Policy) Sizes {
	alloc := p.CapitalAllocPct / 100 * s.ledger.Budget()
	base := p.BaseTradePct / 100 * alloc
	strong := base * p.StrongMultiplier
	lo, hi := p.MinTradePct/100*alloc, p.MaxTradePct/100*alloc
	return Sizes{
		Phase:          p.Name,
		Price:          s.ledger.Price(),
		AllocationUSD:  alloc,
		AllocationUnit: s.ledger.ToUnits(alloc),
		BaseUSD:        base,
		BaseUnits:      s.ledger.ToUnits(base),
		StrongUSD:      strong,
		StrongUnits:    s.ledger.ToUnits(strong),
		MinUSD:         lo,
		MinUnits:       s.ledger.ToUnits(lo),
		MaxUSD:         hi,
		MaxUnits:       s.ledger.ToUnits(hi),
	}
}
