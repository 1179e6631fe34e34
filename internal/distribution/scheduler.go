// Package distribution schedules controlled profit-taking sells.
package distribution

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/curvebot/internal/domain"
	"github.com/alanyoungcy/curvebot/internal/ringbuf"
)

// Strategy decides how large each scheduled step is.
type Strategy string

const (
	StrategyTWAP    Strategy = "twap"
	StrategyVWAP    Strategy = "vwap"
	StrategyWyckoff Strategy = "wyckoff"
)

const historyCap = 20

// Validation errors returned by CreateSchedule and SetPriceTargets.
var (
	ErrInvalidSchedule = errors.New("distribution: invalid schedule")
	ErrInvalidTarget   = errors.New("distribution: invalid price target")
)

// wyckoffMultiplier scales a step by market phase. Zero pauses selling.
var wyckoffMultiplier = map[domain.MarketPhase]float64{
	domain.PhaseDistribution: 1.5,
	domain.PhaseMarkup:       0,
	domain.PhaseAccumulation: 0,
	domain.PhaseMarkdown:     0.3,
	domain.PhaseUnknown:      0.5,
}

// Schedule is a planned sell of TotalAmount over a fixed window.
type Schedule struct {
	Strategy        Strategy      `json:"strategy"`
	TotalAmount     float64       `json:"total_amount"`
	RemainingAmount float64       `json:"remaining_amount"`
	AmountPerStep   float64       `json:"amount_per_step"`
	Interval        time.Duration `json:"interval"`
	StepsCompleted  int           `json:"steps_completed"`
	StepsTotal      int           `json:"steps_total"`
	StartedAt       time.Time     `json:"started_at"`
	EndsAt          time.Time     `json:"ends_at"`
	LastStepAt      time.Time     `json:"last_step_at"`
	Paused          bool          `json:"paused"`
}

// ProgressPct is the share of TotalAmount already released.
func (s Schedule) ProgressPct() float64 {
	if s.TotalAmount <= 0 {
		return 0
	}
	return (s.TotalAmount - s.RemainingAmount) / s.TotalAmount * 100
}

// PriceTarget sells SellPct of holdings once price reaches Price.
type PriceTarget struct {
	Price       float64   `json:"price"`
	SellPct     float64   `json:"sell_percent"`
	Triggered   bool      `json:"triggered"`
	TriggeredAt time.Time `json:"triggered_at,omitempty"`
}

// Step is one sell the scheduler wants executed. A price-target step
// carries SellPct and the Target it came from instead of Amount; the caller
// turns it into an amount.
type Step struct {
	Amount  float64   `json:"amount"`
	SellPct float64   `json:"sell_percent,omitempty"`
	Target  float64   `json:"target,omitempty"`
	Reason  string    `json:"reason"`
	Price   float64   `json:"price"`
	At      time.Time `json:"at"`
}

// Scheduler holds at most one active schedule plus a set of price targets.
type Scheduler struct {
	mu          sync.Mutex
	schedule    *Schedule
	targets     []PriceTarget
	distributed float64
	history     *ringbuf.Ring[Step]
	clock       func() time.Time
	logger      *slog.Logger
}

// NewScheduler creates an idle Scheduler. A nil clock uses time.Now.
func NewScheduler(clock func() time.Time, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		history: ringbuf.New[Step](historyCap),
		clock:   clock,
		logger:  logger.With(slog.String("component", "distribution")),
	}
}

// CreateSchedule replaces any active schedule. steps of 0 means four steps
// per hour of duration, at least one.
func (s *Scheduler) CreateSchedule(strategy Strategy, total float64, duration time.Duration, steps int) (Schedule, error) {
	switch strategy {
	case StrategyTWAP, StrategyVWAP, StrategyWyckoff:
	default:
		return Schedule{}, fmt.Errorf("%w: strategy %q", ErrInvalidSchedule, strategy)
	}
	if total <= 0 || duration <= 0 {
		return Schedule{}, fmt.Errorf("%w: total %.4f over %s", ErrInvalidSchedule, total, duration)
	}
	if steps <= 0 {
		steps = max(1, int(duration.Hours()*4))
	}

	now := s.clock()
	sched := &Schedule{
		Strategy:        strategy,
		TotalAmount:     total,
		RemainingAmount: total,
		AmountPerStep:   total / float64(steps),
		Interval:        duration / time.Duration(steps),
		StepsTotal:      steps,
		StartedAt:       now,
		EndsAt:          now.Add(duration),
	}

	s.mu.Lock()
	s.schedule = sched
	s.mu.Unlock()

	s.logger.Info("distribution schedule created",
		slog.String("strategy", string(strategy)),
		slog.Float64("total", total),
		slog.Int("steps", steps),
		slog.Float64("per_step", sched.AmountPerStep),
		slog.Duration("interval", sched.Interval),
	)
	return *sched, nil
}

// SetPriceTargets replaces the price targets and clears their trigger state.
func (s *Scheduler) SetPriceTargets(targets []PriceTarget) error {
	next := make([]PriceTarget, 0, len(targets))
	for _, t := range targets {
		if t.Price <= 0 || t.SellPct <= 0 || t.SellPct > 100 {
			return fmt.Errorf("%w: price %.6f sell %.2f%%", ErrInvalidTarget, t.Price, t.SellPct)
		}
		next = append(next, PriceTarget{Price: t.Price, SellPct: t.SellPct})
	}
	s.mu.Lock()
	s.targets = next
	s.mu.Unlock()
	s.logger.Info("price targets set", slog.Int("count", len(next)))
	return nil
}

// NextStep returns the sell due now, if any. Price targets fire first and
// only once each; the schedule then releases at most one step per interval.
func (s *Scheduler) NextStep(price, volume, avgVolume float64, phase domain.MarketPhase) (Step, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()

	if step, ok := s.checkTargetsLocked(price, now); ok {
		s.history.Push(step)
		return step, true
	}

	sched := s.schedule
	if sched == nil || sched.Paused {
		return Step{}, false
	}
	if !sched.LastStepAt.IsZero() && now.Sub(sched.LastStepAt) < sched.Interval {
		return Step{}, false
	}
	if sched.RemainingAmount <= 0 {
		s.logger.Info("distribution schedule complete", slog.Float64("total", sched.TotalAmount))
		s.schedule = nil
		return Step{}, false
	}

	amount := stepAmount(sched, volume, avgVolume, phase)
	if amount <= 0 {
		return Step{}, false
	}
	amount = min(amount, sched.RemainingAmount)

	sched.RemainingAmount -= amount
	sched.StepsCompleted++
	sched.LastStepAt = now
	s.distributed += amount

	step := Step{
		Amount: amount,
		Reason: fmt.Sprintf("%s step %d/%d", sched.Strategy, sched.StepsCompleted, sched.StepsTotal),
		Price:  price,
		At:     now,
	}
	s.history.Push(step)
	return step, true
}

func (s *Scheduler) checkTargetsLocked(price float64, now time.Time) (Step, bool) {
	if price <= 0 {
		return Step{}, false
	}
	for i := range s.targets {
		t := &s.targets[i]
		if t.Triggered || price < t.Price {
			continue
		}
		t.Triggered = true
		t.TriggeredAt = now
		s.logger.Info("price target hit",
			slog.Float64("target", t.Price),
			slog.Float64("price", price),
			slog.Float64("sell_pct", t.SellPct),
		)
		return Step{
			SellPct: t.SellPct,
			Target:  t.Price,
			Reason:  fmt.Sprintf("price target %g hit, sell %g%% of holdings", t.Price, t.SellPct),
			Price:   price,
			At:      now,
		}, true
	}
	return Step{}, false
}

func stepAmount(sched *Schedule, volume, avgVolume float64, phase domain.MarketPhase) float64 {
	base := sched.AmountPerStep
	switch sched.Strategy {
	case StrategyVWAP:
		if avgVolume <= 0 {
			return base
		}
		return base * min(3, max(0.3, volume/avgVolume))
	case StrategyWyckoff:
		m, ok := wyckoffMultiplier[phase]
		if !ok {
			m = wyckoffMultiplier[domain.PhaseUnknown]
		}
		return base * m
	default:
		return base
	}
}

// RecordTargetFill counts an executed price-target sell toward the total.
func (s *Scheduler) RecordTargetFill(amount float64) {
	if amount <= 0 {
		return
	}
	s.mu.Lock()
	s.distributed += amount
	s.mu.Unlock()
}

// Restore hands back the unsold part of a step returned by NextStep. A
// scheduled step's unsold amount returns to the schedule; a price-target
// step is re-armed so it fires again.
func (s *Scheduler) Restore(step Step, unsold float64) {
	if unsold <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if step.SellPct > 0 {
		for i := range s.targets {
			t := &s.targets[i]
			if t.Triggered && t.Price == step.Target {
				t.Triggered = false
				t.TriggeredAt = time.Time{}
				return
			}
		}
		return
	}
	if s.schedule == nil {
		return
	}
	back := min(unsold, step.Amount)
	s.schedule.RemainingAmount += back
	s.distributed = max(0, s.distributed-back)
}

// Pause stops scheduled steps. Price targets still fire.
func (s *Scheduler) Pause() bool { return s.setPaused(true) }

// Resume restarts scheduled steps.
func (s *Scheduler) Resume() bool { return s.setPaused(false) }

func (s *Scheduler) setPaused(p bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return false
	}
	s.schedule.Paused = p
	s.logger.Info("distribution paused state changed", slog.Bool("paused", p))
	return true
}

// Cancel drops the active schedule. It reports whether one existed.
func (s *Scheduler) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return false
	}
	s.logger.Info("distribution cancelled",
		slog.Float64("distributed", s.schedule.TotalAmount-s.schedule.RemainingAmount),
		slog.Float64("total", s.schedule.TotalAmount),
	)
	s.schedule = nil
	return true
}

// Status is a snapshot of the scheduler.
type Status struct {
	Schedule         *Schedule     `json:"active_schedule"`
	ProgressPct      float64       `json:"progress_pct"`
	Targets          []PriceTarget `json:"price_targets"`
	TotalDistributed float64       `json:"total_distributed"`
	Recent           []Step        `json:"recent_distributions"`
}

// Status returns a copy of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Targets:          append([]PriceTarget(nil), s.targets...),
		TotalDistributed: s.distributed,
		Recent:           s.history.Slice(),
	}
	if s.schedule != nil {
		cp := *s.schedule
		st.Schedule = &cp
		st.ProgressPct = cp.ProgressPct()
	}
	return st
}

// Impact is a constant-product estimate of a sell's price impact.
type Impact struct {
	SellAmount     float64 `json:"sell_amount"`
	Liquidity      float64 `json:"liquidity"`
	PriceChangePct float64 `json:"price_change_pct"`
	SlippagePct    float64 `json:"slippage_pct"`
	Confidence     float64 `json:"confidence"`
	Recommendation string  `json:"recommendation"`
}

// Recommendations returned by EstimateMarketImpact.
const (
	RecommendProceed    = "proceed"
	RecommendReduceSize = "reduce_size"
	RecommendWait       = "wait"
)

// Impact bands, as a percentage of pool liquidity. Below ProceedImpactPct a
// sell goes ahead; below WaitImpactPct it should be reduced.
const (
	ProceedImpactPct = 3.0
	WaitImpactPct    = 5.0
)

// EstimateMarketImpact approximates the price move of selling sellAmount
// into a pool holding liquidity.
func EstimateMarketImpact(sellAmount, liquidity float64) Impact {
	if liquidity <= 0 {
		return Impact{
			SellAmount:     sellAmount,
			PriceChangePct: 100,
			SlippagePct:    100,
			Recommendation: RecommendWait,
		}
	}
	pct := sellAmount / liquidity * 100
	rec := RecommendWait
	switch {
	case pct < ProceedImpactPct:
		rec = RecommendProceed
	case pct < WaitImpactPct:
		rec = RecommendReduceSize
	}
	return Impact{
		SellAmount:     sellAmount,
		Liquidity:      liquidity,
		PriceChangePct: pct,
		SlippagePct:    pct * 0.7,
		Confidence:     0.6,
		Recommendation: rec,
	}
}
