// Package capital values a fixed quote-currency budget against the live price
// of the base asset that trades are paid in.
package capital

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/curvebot/internal/domain"
)

// DefaultPriceTTL is how long a fetched price is reused before refetching.
const DefaultPriceTTL = 60 * time.Second

// BalanceSource reports the aggregate base-asset balance held by all actors.
type BalanceSource interface {
	TotalBalance() float64
}

// Config holds the ledger parameters.
type Config struct {
	BudgetUSD float64
	AssetID   string
	PriceTTL  time.Duration
	// Clock overrides time.Now; used by tests.
	Clock func() time.Time
}

// Ledger is a valuation cache over a fixed budget. Every conversion returns
// zero or false while no positive price is known.
type Ledger struct {
	mu        sync.RWMutex
	budget    float64
	asset     string
	ttl       time.Duration
	now       func() time.Time
	prices    domain.PriceSource
	price     float64
	fetchedAt time.Time
	deployed  float64
	logger    *slog.Logger
}

// Status is a point-in-time summary of the ledger.
type Status struct {
	BudgetUSD      float64   `json:"budget_usd"`
	Price          float64   `json:"price"`
	PriceFetchedAt time.Time `json:"price_fetched_at"`
	DeployedUSD    float64   `json:"deployed_usd"`
	AvailableUSD   float64   `json:"available_usd"`
	UtilizationPct float64   `json:"utilization_pct"`
	BudgetUnits    float64   `json:"budget_units"`
	AvailableUnits float64   `json:"available_units"`
}

// NewLedger creates a Ledger over a positive budget.
func NewLedger(cfg Config, prices domain.PriceSource, logger *slog.Logger) (*Ledger, error) {
	if cfg.BudgetUSD <= 0 {
		return nil, fmt.Errorf("capital: budget must be positive, got %v", cfg.BudgetUSD)
	}
	if cfg.PriceTTL <= 0 {
		cfg.PriceTTL = DefaultPriceTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Ledger{
		budget: cfg.BudgetUSD,
		asset:  cfg.AssetID,
		ttl:    cfg.PriceTTL,
		now:    cfg.Clock,
		prices: prices,
		logger: logger.With(slog.String("component", "capital")),
	}, nil
}

// Refresh updates the cached price when stale and revalues deployed capital
// from the aggregate balance. Fetch failures keep the last known price.
func (l *Ledger) Refresh(ctx context.Context, balances BalanceSource) {
	l.refreshPrice(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.price <= 0 || balances == nil {
		return
	}
	l.deployed = balances.TotalBalance() * l.price
}

func (l *Ledger) refreshPrice(ctx context.Context) {
	l.mu.RLock()
	fresh := l.price > 0 && l.now().Sub(l.fetchedAt) < l.ttl
	l.mu.RUnlock()
	if fresh || l.prices == nil {
		return
	}

	p, err := l.prices.Price(ctx, l.asset)
	if err != nil || p <= 0 {
		attrs := []any{slog.String("asset", l.asset), slog.Float64("last_price", l.Price())}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		l.logger.WarnContext(ctx, "price refresh failed, keeping last price", attrs...)
		return
	}

	l.mu.Lock()
	l.price = p
	l.fetchedAt = l.now()
	l.mu.Unlock()
}

// Price returns the cached base-asset price, or zero if none is known.
func (l *Ledger) Price() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.price
}

// Budget returns the total budget in quote currency.
func (l *Ledger) Budget() float64 { return l.budget }

// Deployed returns the quote value of the aggregate actor balance.
func (l *Ledger) Deployed() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.deployed
}

// Available returns the undeployed budget, floored at zero.
func (l *Ledger) Available() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.availableLocked()
}

func (l *Ledger) availableLocked() float64 {
	return max(0, l.budget-l.deployed)
}

// UtilizationPct returns deployed capital as a percentage of the budget.
func (l *Ledger) UtilizationPct() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.deployed / l.budget * 100
}

// ToUnits converts a quote amount into base units at the cached price.
func (l *Ledger) ToUnits(usd float64) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.price <= 0 {
		return 0
	}
	return usd / l.price
}

// ToCurrency converts base units into quote currency at the cached price.
func (l *Ledger) ToCurrency(units float64) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.price <= 0 {
		return 0
	}
	return units * l.price
}

// PctToUnits converts pct percent of base (the budget when base is zero) into
// base units.
func (l *Ledger) PctToUnits(pct, base float64) float64 {
	if base <= 0 {
		base = l.budget
	}
	return l.ToUnits(pct / 100 * base)
}

// TotalBudgetUnits returns the whole budget in base units.
func (l *Ledger) TotalBudgetUnits() float64 {
	return l.ToUnits(l.budget)
}

// PhaseAllocation returns pct percent of the budget in quote currency.
func (l *Ledger) PhaseAllocation(pct float64) float64 {
	return pct / 100 * l.budget
}

// CanAfford reports whether units fit in the available budget.
func (l *Ledger) CanAfford(units float64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.price <= 0 {
		return false
	}
	return units*l.price <= l.availableLocked()
}

// Status returns a snapshot of the ledger.
func (l *Ledger) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st := Status{
		BudgetUSD:      l.budget,
		Price:          l.price,
		PriceFetchedAt: l.fetchedAt,
		DeployedUSD:    l.deployed,
		AvailableUSD:   l.availableLocked(),
		UtilizationPct: l.deployed / l.budget * 100,
	}
	if l.price > 0 {
		st.BudgetUnits = l.budget / l.price
		st.AvailableUnits = st.AvailableUSD / l.price
	}
	return st
}
