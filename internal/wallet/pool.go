package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/curvebot/internal/crypto"
	"github.com/alanyoungcy/curvebot/internal/domain"
)

const (
	defaultDegradedAfter  = 2
	defaultUnhealthyAfter = 5
)

// SecretSource yields decrypted signing material.
type SecretSource interface {
	Get(address string) (crypto.Material, bool)
}

// BalanceReader reports an on-chain balance in base units.
type BalanceReader interface {
	Balance(ctx context.Context, address string) (float64, error)
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	DegradedAfter  int
	UnhealthyAfter int
	// Float64 overrides the random source for weighted and random selection.
	Float64 func() float64
	// Clock overrides time.Now; used by tests.
	Clock func() time.Time
}

// SelectOptions constrains a selection. Zero values mean no constraint.
type SelectOptions struct {
	Strategy    domain.SelectionStrategy
	Role        domain.ActorRole
	MinBalance  float64
	MaxExposure float64
	Exclude     []string
}

// Pool tracks actors, their health and balances, and selects one per trade.
// It is the only component that touches decrypted key material.
type Pool struct {
	mu      sync.Mutex
	cfg     PoolConfig
	secrets SecretSource
	logger  *slog.Logger

	actors map[string]*domain.Actor
	order  []string
	cursor int
	active []string
}

// NewPool creates an empty Pool.
func NewPool(secrets SecretSource, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = defaultDegradedAfter
	}
	if cfg.UnhealthyAfter <= 0 {
		cfg.UnhealthyAfter = defaultUnhealthyAfter
	}
	if cfg.Float64 == nil {
		cfg.Float64 = rand.Float64
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Pool{
		cfg:     cfg,
		secrets: secrets,
		logger:  logger.With(slog.String("component", "wallet")),
		actors:  make(map[string]*domain.Actor),
	}
}

// Register adds a healthy actor.
func (p *Pool) Register(address string, role domain.ActorRole, label string) error {
	address = normalizeAddress(address)
	if role == "" {
		role = domain.RoleTrading
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.actors[address]; ok {
		return fmt.Errorf("wallet: register %s: %w", address, domain.ErrAlreadyExists)
	}
	p.actors[address] = &domain.Actor{
		Address: address,
		Role:    role,
		Health:  domain.HealthHealthy,
		Label:   label,
	}
	p.order = append(p.order, address)
	p.logger.Info("actor registered",
		slog.String("address", address),
		slog.String("role", string(role)),
		slog.String("label", label),
	)
	return nil
}

// Disable removes an actor from selection until Enable is called.
func (p *Pool) Disable(address string) error {
	return p.mutate(address, func(a *domain.Actor) {
		a.Health = domain.HealthDisabled
	})
}

// Enable restores a disabled actor to healthy and clears its failures.
func (p *Pool) Enable(address string) error {
	return p.mutate(address, func(a *domain.Actor) {
		a.Health = domain.HealthHealthy
		a.RecentFailures = 0
	})
}

// RecordSuccess resets the failure count and marks the actor healthy. A
// disabled actor stays disabled.
func (p *Pool) RecordSuccess(address string) {
	now := p.cfg.Clock()
	_ = p.mutate(address, func(a *domain.Actor) {
		a.RecentFailures = 0
		a.LastSuccess = now
		a.LastUsed = now
		a.TradeCount++
		if a.Health != domain.HealthDisabled {
			a.Health = domain.HealthHealthy
		}
	})
}

// RecordFailure counts a failure and degrades health at the thresholds.
func (p *Pool) RecordFailure(address string) {
	now := p.cfg.Clock()
	_ = p.mutate(address, func(a *domain.Actor) {
		a.RecentFailures++
		a.LastUsed = now
		if a.Health == domain.HealthDisabled {
			return
		}
		prev := a.Health
		switch {
		case a.RecentFailures >= p.cfg.UnhealthyAfter:
			a.Health = domain.HealthUnhealthy
		case a.RecentFailures >= p.cfg.DegradedAfter:
			a.Health = domain.HealthDegraded
		}
		if a.Health != prev {
			p.logger.Warn("actor health changed",
				slog.String("address", a.Address),
				slog.String("from", string(prev)),
				slog.String("to", string(a.Health)),
				slog.Int("failures", a.RecentFailures),
			)
		}
	})
}

// UpdateBalance sets the base-unit balance of an actor.
func (p *Pool) UpdateBalance(address string, balance float64) error {
	return p.mutate(address, func(a *domain.Actor) { a.Balance = balance })
}

// AdjustBalance moves the cached balance of an actor by delta, floored at
// zero, so fills are reflected before the next balance refresh.
func (p *Pool) AdjustBalance(address string, delta float64) error {
	return p.mutate(address, func(a *domain.Actor) { a.Balance = max(0, a.Balance+delta) })
}

// UpdateExposure sets the exposure of an actor.
func (p *Pool) UpdateExposure(address string, exposure float64) error {
	return p.mutate(address, func(a *domain.Actor) { a.Exposure = exposure })
}

func (p *Pool) mutate(address string, fn func(a *domain.Actor)) error {
	address = normalizeAddress(address)
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.actors[address]
	if !ok {
		return fmt.Errorf("wallet: actor %s: %w", address, domain.ErrNotFound)
	}
	fn(a)
	return nil
}

// Select picks an eligible actor under opts, drawing only from the active
// set when one is configured. It returns false when nothing is eligible;
// callers skip the cycle.
func (p *Pool) Select(opts SelectOptions) (domain.Actor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	eligible := p.eligibleLocked(opts)
	if len(eligible) == 0 {
		return domain.Actor{}, false
	}

	var pick *domain.Actor
	switch opts.Strategy {
	case domain.SelectWeighted:
		pick = p.weightedLocked(eligible)
	case domain.SelectRandom:
		pick = eligible[int(p.cfg.Float64()*float64(len(eligible)))%len(eligible)]
	case domain.SelectHealthBased:
		pick = healthiest(eligible)
	default:
		p.cursor %= len(eligible)
		pick = eligible[p.cursor]
		p.cursor++
	}
	return *pick, true
}

func (p *Pool) eligibleLocked(opts SelectOptions) []*domain.Actor {
	excluded := make(map[string]bool, len(opts.Exclude))
	for _, e := range opts.Exclude {
		excluded[normalizeAddress(e)] = true
	}
	candidates := p.order
	if len(p.active) > 0 {
		candidates = p.active
	}
	var out []*domain.Actor
	for _, addr := range candidates {
		a := p.actors[addr]
		switch {
		case excluded[addr]:
		case a.Health == domain.HealthUnhealthy || a.Health == domain.HealthDisabled:
		case opts.Role != "" && a.Role != opts.Role:
		case a.Balance < opts.MinBalance:
		case opts.MaxExposure > 0 && a.Exposure >= opts.MaxExposure:
		default:
			out = append(out, a)
		}
	}
	return out
}

func (p *Pool) weightedLocked(eligible []*domain.Actor) *domain.Actor {
	var total float64
	for _, a := range eligible {
		total += max(0, a.Balance)
	}
	if total <= 0 {
		return eligible[int(p.cfg.Float64()*float64(len(eligible)))%len(eligible)]
	}
	r := p.cfg.Float64() * total
	for _, a := range eligible {
		w := max(0, a.Balance)
		if w > 0 && r < w {
			return a
		}
		r -= w
	}
	for i := len(eligible) - 1; i >= 0; i-- {
		if eligible[i].Balance > 0 {
			return eligible[i]
		}
	}
	return eligible[len(eligible)-1]
}

// healthiest orders by health, then fewest failures, then most recent
// success. Ties keep registration order.
func healthiest(eligible []*domain.Actor) *domain.Actor {
	sorted := make([]*domain.Actor, len(eligible))
	copy(sorted, eligible)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if ra, rb := a.Health.Rank(), b.Health.Rank(); ra != rb {
			return ra < rb
		}
		if a.RecentFailures != b.RecentFailures {
			return a.RecentFailures < b.RecentFailures
		}
		return a.LastSuccess.After(b.LastSuccess)
	})
	return sorted[0]
}

// WithSigningMaterial decrypts the key for address, passes it to fn and
// zeroes it on every return path. A key that cannot be decrypted disables
// the actor.
func (p *Pool) WithSigningMaterial(address string, fn func(key crypto.Material) error) error {
	address = normalizeAddress(address)
	if p.secrets == nil {
		return fmt.Errorf("wallet: no keystore configured: %w", domain.ErrSigningFailed)
	}
	key, ok := p.secrets.Get(address)
	if !ok {
		p.logger.Error("signing material unavailable, disabling actor", slog.String("address", address))
		_ = p.Disable(address)
		return fmt.Errorf("wallet: signing material for %s: %w", address, domain.ErrDecrypt)
	}
	defer key.Zero()
	return fn(key)
}

// RefreshBalances reads every actor's balance and returns snapshots of the
// result. Read failures keep the previous balance.
func (p *Pool) RefreshBalances(ctx context.Context, reader BalanceReader) []domain.ActorSnapshot {
	p.mu.Lock()
	addrs := append([]string(nil), p.order...)
	p.mu.Unlock()

	for _, addr := range addrs {
		bal, err := reader.Balance(ctx, addr)
		if err != nil {
			p.logger.WarnContext(ctx, "balance refresh failed",
				slog.String("address", addr),
				slog.String("error", err.Error()),
			)
			continue
		}
		_ = p.UpdateBalance(addr, bal)
	}

	now := p.cfg.Clock()
	p.mu.Lock()
	defer p.mu.Unlock()
	snaps := make([]domain.ActorSnapshot, 0, len(p.order))
	for _, addr := range p.order {
		a := p.actors[addr]
		snaps = append(snaps, domain.ActorSnapshot{
			Address:  a.Address,
			Balance:  a.Balance,
			Exposure: a.Exposure,
			Health:   a.Health,
			TakenAt:  now,
		})
	}
	return snaps
}

// Get returns a copy of an actor.
func (p *Pool) Get(address string) (domain.Actor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.actors[normalizeAddress(address)]
	if !ok {
		return domain.Actor{}, false
	}
	return *a, true
}

// List returns copies of all actors in registration order.
func (p *Pool) List() []domain.Actor {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Actor, 0, len(p.order))
	for _, addr := range p.order {
		out = append(out, *p.actors[addr])
	}
	return out
}

// TotalBalance sums every actor balance.
func (p *Pool) TotalBalance() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total float64
	for _, a := range p.actors {
		total += a.Balance
	}
	return total
}

// SetActive replaces the active set. Unknown addresses are rejected.
func (p *Pool) SetActive(addresses []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := make([]string, 0, len(addresses))
	for _, a := range addresses {
		a = normalizeAddress(a)
		if _, ok := p.actors[a]; !ok {
			return fmt.Errorf("wallet: set active %s: %w", a, domain.ErrNotFound)
		}
		next = append(next, a)
	}
	p.active = next
	return nil
}

// AddActive appends an actor to the active set if not already present.
func (p *Pool) AddActive(address string) error {
	address = normalizeAddress(address)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.actors[address]; !ok {
		return fmt.Errorf("wallet: add active %s: %w", address, domain.ErrNotFound)
	}
	for _, a := range p.active {
		if a == address {
			return nil
		}
	}
	p.active = append(p.active, address)
	return nil
}

// RemoveActive drops an actor from the active set.
func (p *Pool) RemoveActive(address string) {
	address = normalizeAddress(address)
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, a := range p.active {
		if a == address {
			p.active = append(p.active[:i], p.active[i+1:]...)
			return
		}
	}
}

// Active returns the active set.
func (p *Pool) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.active...)
}

// Primary returns the first active actor, or the first registered actor
// that is not disabled.
func (p *Pool) Primary() (domain.Actor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.active) > 0 {
		return *p.actors[p.active[0]], true
	}
	for _, addr := range p.order {
		if a := p.actors[addr]; a.Health != domain.HealthDisabled {
			return *a, true
		}
	}
	return domain.Actor{}, false
}

// PoolStatus summarises the pool.
type PoolStatus struct {
	Total         int     `json:"total"`
	Healthy       int     `json:"healthy"`
	Degraded      int     `json:"degraded"`
	Unhealthy     int     `json:"unhealthy"`
	Disabled      int     `json:"disabled"`
	TotalBalance  float64 `json:"total_balance"`
	TotalExposure float64 `json:"total_exposure"`
	Active        int     `json:"active"`
}

// Status returns the pool summary.
func (p *Pool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PoolStatus{Total: len(p.actors), Active: len(p.active)}
	for _, a := range p.actors {
		switch a.Health {
		case domain.HealthHealthy:
			st.Healthy++
		case domain.HealthDegraded:
			st.Degraded++
		case domain.HealthUnhealthy:
			st.Unhealthy++
		case domain.HealthDisabled:
			st.Disabled++
		}
		st.TotalBalance += a.Balance
		st.TotalExposure += a.Exposure
	}
	return st
}
