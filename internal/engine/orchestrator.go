// Package engine runs the trading control loop: one tick classifies the
// market, sizes a trade, passes it through the risk gate and drives the
// approved order to a terminal state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/alanyoungcy/curvebot/internal/capital"
	"github.com/alanyoungcy/curvebot/internal/distribution"
	"github.com/alanyoungcy/curvebot/internal/domain"
	"github.com/alanyoungcy/curvebot/internal/execution"
	"github.com/alanyoungcy/curvebot/internal/phase"
	"github.com/alanyoungcy/curvebot/internal/risk"
	"github.com/alanyoungcy/curvebot/internal/service"
	"github.com/alanyoungcy/curvebot/internal/signal"
	"github.com/alanyoungcy/curvebot/internal/sizing"
	"github.com/alanyoungcy/curvebot/internal/wallet"
)

// MinCycleInterval bounds how often the loop may hit external APIs.
const MinCycleInterval = 5 * time.Second

// errSystemic marks failures that must halt trading rather than skip a cycle.
var errSystemic = errors.New("systemic failure")

// MarketSource yields the latest price and volume of an asset.
type MarketSource interface {
	Snapshot(ctx context.Context, asset string) (domain.MarketSnapshot, error)
}

// Recorder receives loop metrics. *metrics.Metrics implements it.
type Recorder interface {
	CycleCompleted()
	CycleFailed()
	Decision(action string)
	OrderFinished(side, state string)
	StopLoss()
	ObserveRisk(exposure, dailyVolume, drawdownPct float64, breakerState string)
	ObserveMarket(price, utilizationPct, fillRate float64)
}

// Deps are the components a tick drives. The first block is required.
type Deps struct {
	Ledger    *capital.Ledger
	Policies  *phase.Book
	Detector  *signal.Detector
	Sizer     *sizing.Sizer
	Gate      *risk.Gate
	Pool      *wallet.Pool
	Execution *execution.Engine
	Market    MarketSource

	// Swaps performs approved orders. Nil means monitor mode: decisions are
	// made and published but nothing is executed.
	Swaps        domain.SwapExecutor
	Balances     wallet.BalanceReader
	Distribution *distribution.Scheduler
	Snapshots    domain.ActorSnapshotStore
	Locks        domain.LockManager
	Metrics      Recorder

	Orders    *service.OrderService
	Positions *service.PositionService
	Prices    *service.PriceService
	Risk      *service.RiskService
	Events    *service.Events
}

// Config tunes the loop.
type Config struct {
	AssetID         string
	MinConfidence   float64
	SelectStrategy  domain.SelectionStrategy
	MinActorBalance float64
	// SubmitTimeout bounds one order submission, which runs detached from
	// the loop context.
	SubmitTimeout time.Duration
	LockTTL       time.Duration
	// BalanceRefreshEvery re-reads actor balances every N cycles.
	BalanceRefreshEvery int
	Scheduler           Scheduler
	// Clock overrides time.Now; used by tests.
	Clock func() time.Time
}

// Status is a snapshot of the loop.
type Status struct {
	Running      bool                  `json:"running"`
	Paused       bool                  `json:"paused"`
	Monitor      bool                  `json:"monitor_only"`
	Cycles       int64                 `json:"cycles"`
	StopLosses   int64                 `json:"stop_losses"`
	Phase        phase.Name            `json:"phase"`
	Interval     time.Duration         `json:"cycle_interval"`
	LastTickAt   *time.Time            `json:"last_tick_at,omitempty"`
	LastPrice    float64               `json:"last_price"`
	LastAnalysis *domain.PhaseAnalysis `json:"last_analysis,omitempty"`
	LastDecision *risk.Decision        `json:"last_decision,omitempty"`
	LastError    string                `json:"last_error,omitempty"`
}

// Orchestrator binds the components into the control loop.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	// tickMu is held for the whole of a tick.
	tickMu sync.Mutex

	mu           sync.Mutex
	running      bool
	paused       bool
	cycles       int64
	stopLosses   int64
	override     time.Duration
	lastTickAt   time.Time
	lastPrice    float64
	lastAnalysis *domain.PhaseAnalysis
	lastDecision *risk.Decision
	lastError    string
}

// NewOrchestrator validates deps, fills in defaults and applies the active
// phase policy to the gate.
func NewOrchestrator(deps Deps, cfg Config, logger *slog.Logger) (*Orchestrator, error) {
	switch {
	case deps.Ledger == nil, deps.Policies == nil, deps.Detector == nil, deps.Sizer == nil:
		return nil, errors.New("engine: ledger, policies, detector and sizer are required")
	case deps.Gate == nil, deps.Pool == nil, deps.Execution == nil, deps.Market == nil:
		return nil, errors.New("engine: gate, pool, execution and market are required")
	case cfg.AssetID == "":
		return nil, errors.New("engine: asset id is required")
	}
	if cfg.SelectStrategy == "" {
		cfg.SelectStrategy = domain.SelectHealthBased
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 2 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.SubmitTimeout + time.Minute
	}
	if cfg.BalanceRefreshEvery <= 0 {
		cfg.BalanceRefreshEvery = 10
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = TimerScheduler{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	if deps.Orders == nil {
		deps.Orders = service.NewOrderService(nil, nil, deps.Events, logger)
	}
	if deps.Positions == nil {
		deps.Positions = service.NewPositionService(nil, deps.Events, logger)
	}
	if deps.Prices == nil {
		deps.Prices = service.NewPriceService(nil, nil, logger)
	}
	if deps.Risk == nil {
		deps.Risk = service.NewRiskService(deps.Gate, deps.Events, logger)
	}

	deps.Gate.AttachLedger(deps.Ledger, deps.Policies)
	deps.Gate.ApplyPolicy(deps.Policies.Active())

	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "orchestrator")),
	}, nil
}

// Run ticks until ctx is done, sleeping the active cycle interval between
// ticks. It returns ctx's error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.setRunning(true)
	defer o.setRunning(false)
	o.logger.InfoContext(ctx, "orchestrator starting",
		slog.String("asset", o.cfg.AssetID),
		slog.String("phase", string(o.deps.Policies.Active().Name)),
		slog.Bool("monitor_only", o.deps.Swaps == nil),
	)

	for {
		if err := o.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			if !errors.Is(err, domain.ErrLockHeld) {
				o.logger.ErrorContext(ctx, "cycle failed", slog.String("error", err.Error()))
			}
		}
		if err := o.cfg.Scheduler.Wait(ctx, o.Interval()); err != nil {
			break
		}
	}
	o.logger.InfoContext(ctx, "orchestrator stopped")
	return ctx.Err()
}

// Tick runs one cycle. Concurrent calls return domain.ErrLockHeld. A panic
// or systemic failure inside the cycle triggers the emergency halt.
func (o *Orchestrator) Tick(ctx context.Context) (err error) {
	if !o.tickMu.TryLock() {
		return fmt.Errorf("engine: tick: %w", domain.ErrLockHeld)
	}
	defer o.tickMu.Unlock()

	if o.Paused() {
		return nil
	}
	if o.deps.Locks != nil {
		unlock, lerr := o.deps.Locks.Acquire(ctx, "cycle:"+o.cfg.AssetID, o.cfg.LockTTL)
		if lerr != nil {
			return fmt.Errorf("engine: cycle lock: %w", lerr)
		}
		defer unlock()
	}

	defer func() {
		if r := recover(); r != nil {
			o.logger.ErrorContext(ctx, "cycle panic",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("engine: cycle panic: %v: %w", r, errSystemic)
		}
		if errors.Is(err, errSystemic) {
			o.deps.Risk.Halt(ctx, err.Error())
		}
		o.finishTick(err)
	}()
	return o.cycle(ctx)
}

func (o *Orchestrator) finishTick(err error) {
	o.mu.Lock()
	o.lastTickAt = o.cfg.Clock()
	o.lastError = ""
	if err != nil {
		o.lastError = err.Error()
	}
	o.mu.Unlock()
	if err != nil {
		o.deps.Metrics.CycleFailed()
		return
	}
	o.deps.Metrics.CycleCompleted()
}

// Pause makes subsequent ticks no-ops. An in-flight tick completes.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	o.paused = true
	o.mu.Unlock()
	o.logger.Info("orchestrator paused")
}

// Resume re-enables ticks.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()
	o.logger.Info("orchestrator resumed")
}

// Paused reports whether ticks are suspended.
func (o *Orchestrator) Paused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

// SetPhase switches the active phase policy and re-applies it to the gate.
func (o *Orchestrator) SetPhase(ctx context.Context, name phase.Name) (phase.Policy, error) {
	prev := o.deps.Policies.Active().Name
	if err := o.deps.Policies.Set(name); err != nil {
		return phase.Policy{}, err
	}
	p := o.deps.Policies.Active()
	o.deps.Gate.ApplyPolicy(p)

	detail := map[string]any{"from": string(prev), "to": string(name)}
	o.deps.Events.Publish(ctx, service.ChannelPhase, "phase_changed", detail)
	o.deps.Events.Audit(ctx, "phase_changed", detail)
	o.logger.InfoContext(ctx, "phase changed",
		slog.String("from", string(prev)),
		slog.String("to", string(name)),
	)
	return p, nil
}

// SetCycleInterval overrides the policy's cycle interval. Zero or a
// negative value clears the override; anything shorter than
// MinCycleInterval is raised to it. It returns the interval now in effect.
func (o *Orchestrator) SetCycleInterval(d time.Duration) time.Duration {
	o.mu.Lock()
	switch {
	case d <= 0:
		o.override = 0
	case d < MinCycleInterval:
		o.override = MinCycleInterval
	default:
		o.override = d
	}
	o.mu.Unlock()
	return o.Interval()
}

// Interval is the sleep between ticks.
func (o *Orchestrator) Interval() time.Duration {
	o.mu.Lock()
	d := o.override
	o.mu.Unlock()
	if d <= 0 {
		d = o.deps.Policies.Active().CycleInterval
	}
	return max(d, MinCycleInterval)
}

// Status returns a snapshot of the loop.
func (o *Orchestrator) Status() Status {
	active := o.deps.Policies.Active().Name
	interval := o.Interval()

	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{
		Running:      o.running,
		Paused:       o.paused,
		Monitor:      o.deps.Swaps == nil,
		Cycles:       o.cycles,
		StopLosses:   o.stopLosses,
		Phase:        active,
		Interval:     interval,
		LastPrice:    o.lastPrice,
		LastAnalysis: o.lastAnalysis,
		LastDecision: o.lastDecision,
		LastError:    o.lastError,
	}
	if !o.lastTickAt.IsZero() {
		t := o.lastTickAt
		st.LastTickAt = &t
	}
	return st
}

func (o *Orchestrator) setRunning(v bool) {
	o.mu.Lock()
	o.running = v
	o.mu.Unlock()
}

type nopRecorder struct{}

func (nopRecorder) CycleCompleted()                               {}
func (nopRecorder) CycleFailed()                                  {}
func (nopRecorder) Decision(string)                               {}
func (nopRecorder) OrderFinished(string, string)                  {}
func (nopRecorder) StopLoss()                                     {}
func (nopRecorder) ObserveRisk(float64, float64, float64, string) {}
func (nopRecorder) ObserveMarket(float64, float64, float64)       {}
