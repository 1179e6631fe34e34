package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

const (
	testAsset = "SOL"
	actorA    = "0xaaa"
	// basePriceUSD is the price of the base asset orders are paid in.
	basePriceUSD = 2000.0
)

type fixedPrice float64

func (p fixedPrice) Price(context.Context, string) (float64, error) { return float64(p), nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeMarket struct {
	mu    sync.Mutex
	fn    func() (domain.MarketSnapshot, error)
	calls int
}

func (m *fakeMarket) Snapshot(context.Context, string) (domain.MarketSnapshot, error) {
	m.mu.Lock()
	m.calls++
	fn := m.fn
	m.mu.Unlock()
	return fn()
}

func (m *fakeMarket) set(fn func() (domain.MarketSnapshot, error)) {
	m.mu.Lock()
	m.fn = fn
	m.mu.Unlock()
}

func (m *fakeMarket) price(p float64) {
	m.set(func() (domain.MarketSnapshot, error) { return domain.MarketSnapshot{Price: p}, nil })
}

func (m *fakeMarket) priceWithLiquidity(p, liquidity float64) {
	m.set(func() (domain.MarketSnapshot, error) {
		return domain.MarketSnapshot{Price: p, Liquidity: liquidity}, nil
	})
}

type fakeSwaps struct {
	mu     sync.Mutex
	orders []domain.Order
}

func (s *fakeSwaps) Execute(_ context.Context, o domain.Order) (domain.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, o)
	return domain.Fill{TxRef: "0xtx"}, nil
}

func (s *fakeSwaps) executed() []domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Order(nil), s.orders...)
}

type instantTimer struct{ c chan time.Time }

func (t *instantTimer) Start(time.Duration) { t.c <- time.Time{} }
func (t *instantTimer) Stop()               {}
func (t *instantTimer) C() <-chan time.Time { return t.c }

type harness struct {
	orch   *Orchestrator
	deps   Deps
	market *fakeMarket
	swaps  *fakeSwaps
}

func newHarness(t *testing.T, initial phase.Name, tweak ...func(*Deps, *Config)) *harness {
	t.Helper()
	logger := discardLogger()
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	ledger, err := capital.NewLedger(capital.Config{BudgetUSD: 1000, AssetID: testAsset, Clock: clock}, fixedPrice(basePriceUSD), logger)
	require.NoError(t, err)
	book, err := phase.NewBook(phase.Defaults(), initial)
	require.NoError(t, err)

	dcfg := signal.DefaultConfig()
	dcfg.Clock = clock
	pool := wallet.NewPool(nil, wallet.PoolConfig{Clock: clock}, logger)
	require.NoError(t, pool.Register(actorA, domain.RoleTrading, "a"))
	require.NoError(t, pool.UpdateBalance(actorA, 0.2))

	market := &fakeMarket{}
	market.price(100)
	swaps := &fakeSwaps{}

	deps := Deps{
		Ledger:   ledger,
		Policies: book,
		Detector: signal.NewDetector(dcfg, logger),
		Sizer:    sizing.NewSizer(ledger),
		Gate:     risk.NewGate(risk.Config{Rules: risk.DefaultRules(), Clock: clock}, logger),
		Pool:     pool,
		Execution: execution.NewEngine(execution.Config{
			Retry: execution.DefaultRetryConfig(),
			Clock: clock,
			Timer: func() backoff.Timer { return &instantTimer{c: make(chan time.Time, 1)} },
		}, logger),
		Market:    market,
		Swaps:     swaps,
		Positions: service.NewPositionService(nil, nil, logger),
	}
	cfg := Config{AssetID: testAsset, MinConfidence: 0.5, Clock: clock}
	for _, fn := range tweak {
		fn(&deps, &cfg)
	}
	orch, err := NewOrchestrator(deps, cfg, logger)
	require.NoError(t, err)
	return &harness{orch: orch, deps: orch.deps, market: market, swaps: swaps}
}

// feedAccumulation leaves the detector one sample short of an accumulation
// after a downtrend, which the next tick at 80.2 completes into a buy.
func feedAccumulation(d *signal.Detector) {
	for i := 0; i < 20; i++ {
		d.AddSample(domain.MarketSnapshot{Price: 100 - float64(i)})
	}
	for i := 0; i < 19; i++ {
		p := 80.0
		if i%2 == 1 {
			p = 80.2
		}
		d.AddSample(domain.MarketSnapshot{Price: p})
	}
}

func feedMarkdown(d *signal.Detector) {
	for i := 0; i < 19; i++ {
		d.AddSample(domain.MarketSnapshot{Price: 100 - 2*float64(i)})
	}
}

// openPosition books a buy of qty asset units at a USD entry price.
func openPosition(t *testing.T, h *harness, qty, entryUSD float64) {
	t.Helper()
	entry := entryUSD / basePriceUSD
	h.deps.Positions.ApplyFill(context.Background(), domain.Order{
		ActorID:      actorA,
		AssetID:      testAsset,
		Side:         domain.SideBuy,
		State:        domain.OrderFilled,
		FilledSize:   qty * entry,
		AvgFillPrice: entry,
	})
}

func TestNewOrchestratorRequiresCoreDeps(t *testing.T) {
	_, err := NewOrchestrator(Deps{}, Config{AssetID: testAsset}, discardLogger())
	require.Error(t, err)
}

func TestTickWithoutEnoughDataDoesNotTrade(t *testing.T) {
	h := newHarness(t, phase.StealthAccumulation)

	require.NoError(t, h.orch.Tick(context.Background()))

	st := h.orch.Status()
	assert.Equal(t, int64(1), st.Cycles)
	assert.Equal(t, 100.0, st.LastPrice)
	require.NotNil(t, st.LastAnalysis)
	assert.Equal(t, domain.SignalNoAction, st.LastAnalysis.Signal)
	assert.Nil(t, st.LastDecision)
	assert.Empty(t, h.swaps.executed())
	assert.Equal(t, basePriceUSD, h.deps.Ledger.Price())
	assert.Equal(t, 1, h.deps.Detector.SampleCount())
}

func TestTickBuysOnAccumulationSignal(t *testing.T) {
	h := newHarness(t, phase.StealthAccumulation)
	feedAccumulation(h.deps.Detector)
	h.market.price(80.2)

	require.NoError(t, h.orch.Tick(context.Background()))

	orders := h.swaps.executed()
	require.Len(t, orders, 1)
	spend := 10 / basePriceUSD
	assert.Equal(t, domain.SideBuy, orders[0].Side)
	assert.Equal(t, actorA, orders[0].ActorID)
	assert.InDelta(t, spend, orders[0].Size, 1e-12)
	assert.InDelta(t, 80.2/basePriceUSD, orders[0].ExpectedPrice, 1e-12)

	pos, ok := h.deps.Positions.Get(actorA, testAsset)
	require.True(t, ok)
	assert.InDelta(t, 10/80.2, pos.Quantity, 1e-9)
	assert.InDelta(t, 80.2/basePriceUSD, pos.AvgEntry, 1e-12)

	st := h.deps.Gate.Status()
	assert.InDelta(t, spend, st.TotalExposure, 1e-12)
	actor, _ := h.deps.Pool.Get(actorA)
	assert.InDelta(t, spend, actor.Exposure, 1e-12)
	assert.InDelta(t, 0.2-spend, actor.Balance, 1e-12)
	assert.Equal(t, int64(1), actor.TradeCount)

	dec := h.orch.Status().LastDecision
	require.NotNil(t, dec)
	assert.Equal(t, risk.Approved, dec.Action)
	assert.Equal(t, 1.0, h.deps.Execution.FillRate())
}

func TestTickMonitorModeDecidesWithoutExecuting(t *testing.T) {
	h := newHarness(t, phase.StealthAccumulation, func(d *Deps, _ *Config) { d.Swaps = nil })
	feedAccumulation(h.deps.Detector)
	h.market.price(80.2)

	require.NoError(t, h.orch.Tick(context.Background()))

	st := h.orch.Status()
	assert.True(t, st.Monitor)
	require.NotNil(t, st.LastDecision)
	assert.Equal(t, risk.Approved, st.LastDecision.Action)
	assert.Zero(t, h.deps.Gate.Status().TotalExposure)
	assert.Empty(t, h.deps.Execution.Completed(0))
}

func TestForceBuyDropsSellSignals(t *testing.T) {
	h := newHarness(t, phase.StealthAccumulation)
	openPosition(t, h, 1, 50)
	feedMarkdown(h.deps.Detector)
	h.market.price(62)

	require.NoError(t, h.orch.Tick(context.Background()))

	st := h.orch.Status()
	require.NotNil(t, st.LastAnalysis)
	assert.Equal(t, domain.PhaseMarkdown, st.LastAnalysis.Phase)
	assert.Nil(t, st.LastDecision)
	assert.Empty(t, h.swaps.executed())
}

func TestSellSignalSellsFromLargestHolder(t *testing.T) {
	h := newHarness(t, phase.Stabilization)
	openPosition(t, h, 0.05, 50)
	feedMarkdown(h.deps.Detector)
	h.market.price(62)

	require.NoError(t, h.orch.Tick(context.Background()))

	orders := h.swaps.executed()
	require.Len(t, orders, 1)
	assert.Equal(t, domain.SideSell, orders[0].Side)
	assert.InDelta(t, 0.05*62/basePriceUSD, orders[0].Size, 1e-12)
	_, open := h.deps.Positions.Get(actorA, testAsset)
	assert.False(t, open)
}

func TestLowConfidenceIsFiltered(t *testing.T) {
	h := newHarness(t, phase.StealthAccumulation, func(_ *Deps, c *Config) { c.MinConfidence = 0.8 })
	feedAccumulation(h.deps.Detector)
	h.market.price(80.2)

	require.NoError(t, h.orch.Tick(context.Background()))
	assert.Empty(t, h.swaps.executed())
	assert.Nil(t, h.orch.Status().LastDecision)
}

func TestStopLossSweepSellsBreachedPosition(t *testing.T) {
	h := newHarness(t, phase.Stabilization)
	openPosition(t, h, 0.5, 100)
	h.market.price(75)

	require.NoError(t, h.orch.Tick(context.Background()))

	orders := h.swaps.executed()
	require.Len(t, orders, 1)
	assert.Equal(t, domain.SideSell, orders[0].Side)
	assert.InDelta(t, 0.5*75/basePriceUSD, orders[0].Size, 1e-12)
	assert.Contains(t, orders[0].Reason, "stop loss")
	assert.Equal(t, int64(1), h.orch.Status().StopLosses)
	_, open := h.deps.Positions.Get(actorA, testAsset)
	assert.False(t, open)
}

func TestStopLossSkippedWhenPolicyDisablesIt(t *testing.T) {
	h := newHarness(t, phase.StealthAccumulation)
	openPosition(t, h, 0.5, 100)
	h.market.price(50)

	require.NoError(t, h.orch.Tick(context.Background()))
	assert.Empty(t, h.swaps.executed())
}

func TestStopLossStillGated(t *testing.T) {
	h := newHarness(t, phase.Stabilization)
	openPosition(t, h, 0.5, 100)
	h.deps.Gate.EmergencyHalt("manual")
	h.market.price(75)

	require.NoError(t, h.orch.Tick(context.Background()))
	assert.Empty(t, h.swaps.executed())
	assert.Equal(t, risk.Halted, h.orch.Status().LastDecision.Action)
}

func TestDistributionTargetSellsShareOfHoldings(t *testing.T) {
	sched := distribution.NewScheduler(nil, discardLogger())
	require.NoError(t, sched.SetPriceTargets([]distribution.PriceTarget{{Price: 90, SellPct: 50}}))
	h := newHarness(t, phase.Stabilization, func(d *Deps, _ *Config) { d.Distribution = sched })
	openPosition(t, h, 1, 80)
	h.market.price(95)

	require.NoError(t, h.orch.Tick(context.Background()))

	orders := h.swaps.executed()
	require.Len(t, orders, 1)
	assert.Equal(t, domain.SideSell, orders[0].Side)
	assert.InDelta(t, 0.5*95/basePriceUSD, orders[0].Size, 1e-12)
	pos, ok := h.deps.Positions.Get(actorA, testAsset)
	require.True(t, ok)
	assert.InDelta(t, 0.5, pos.Quantity, 1e-9)
	assert.InDelta(t, 0.5, sched.Status().TotalDistributed, 1e-9)
}

func TestDistributionWaitsOnThinLiquidity(t *testing.T) {
	sched := distribution.NewScheduler(nil, discardLogger())
	require.NoError(t, sched.SetPriceTargets([]distribution.PriceTarget{{Price: 90, SellPct: 50}}))
	h := newHarness(t, phase.Stabilization, func(d *Deps, _ *Config) { d.Distribution = sched })
	openPosition(t, h, 1, 80)

	// 47.5 USD into 500 USD of liquidity moves the price 9.5%.
	h.market.priceWithLiquidity(95, 500)
	require.NoError(t, h.orch.Tick(context.Background()))
	assert.Empty(t, h.swaps.executed())
	assert.Zero(t, sched.Status().TotalDistributed)

	// The target was re-armed and fires once the pool deepens.
	h.market.priceWithLiquidity(95, 100_000)
	require.NoError(t, h.orch.Tick(context.Background()))
	orders := h.swaps.executed()
	require.Len(t, orders, 1)
	assert.InDelta(t, 0.5*95/basePriceUSD, orders[0].Size, 1e-12)
	assert.InDelta(t, 0.5, sched.Status().TotalDistributed, 1e-9)
}

func TestDistributionReducesSizeOnModerateImpact(t *testing.T) {
	sched := distribution.NewScheduler(nil, discardLogger())
	require.NoError(t, sched.SetPriceTargets([]distribution.PriceTarget{{Price: 90, SellPct: 50}}))
	h := newHarness(t, phase.Stabilization, func(d *Deps, _ *Config) { d.Distribution = sched })
	openPosition(t, h, 1, 80)

	// 47.5 USD into 1200 USD is about 4%, so the sell shrinks to 3% (36 USD).
	h.market.priceWithLiquidity(95, 1200)
	require.NoError(t, h.orch.Tick(context.Background()))

	orders := h.swaps.executed()
	require.Len(t, orders, 1)
	assert.InDelta(t, 36/basePriceUSD, orders[0].Size, 1e-12)
	assert.InDelta(t, 36.0/95, sched.Status().TotalDistributed, 1e-9)
	pos, ok := h.deps.Positions.Get(actorA, testAsset)
	require.True(t, ok)
	assert.InDelta(t, 1-36.0/95, pos.Quantity, 1e-9)
}

func TestLedgerKeepsBasePriceAcrossTicks(t *testing.T) {
	h := newHarness(t, phase.StealthAccumulation)
	h.market.price(0.5)

	require.NoError(t, h.orch.Tick(context.Background()))

	assert.Equal(t, basePriceUSD, h.deps.Ledger.Price())
	assert.InDelta(t, 0.05, h.deps.Ledger.ToUnits(100), 1e-12)
	assert.Equal(t, 0.5, h.orch.Status().LastPrice)
}

func TestPaperBuySpendsBaseUnitsAndKeepsPortfolioWhole(t *testing.T) {
	paper := execution.NewPaperSwapper(0.2)
	h := newHarness(t, phase.StealthAccumulation, func(d *Deps, c *Config) {
		d.Swaps = paper
		d.Balances = paper
		c.BalanceRefreshEvery = 1
	})
	feedAccumulation(h.deps.Detector)
	h.market.price(80.2)

	require.NoError(t, h.orch.Tick(context.Background()))
	require.Len(t, h.deps.Execution.Completed(0), 1)

	bal, err := paper.Balance(context.Background(), actorA)
	require.NoError(t, err)
	assert.InDelta(t, 0.2-10/basePriceUSD, bal, 1e-12)
	pos, ok := h.deps.Positions.Get(actorA, testAsset)
	require.True(t, ok)
	assert.InDelta(t, 10/80.2, pos.Quantity, 1e-9)

	// A flat tick revalues the position; the spend is not a loss.
	require.NoError(t, h.orch.Tick(context.Background()))
	assert.InDelta(t, 0, h.deps.Gate.Status().DrawdownPct, 1e-9)
}

func TestPanicHaltsTradingUntilReset(t *testing.T) {
	h := newHarness(t, phase.StealthAccumulation)
	h.market.set(func() (domain.MarketSnapshot, error) { panic("feed exploded") })

	err := h.orch.Tick(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errSystemic)
	assert.True(t, h.deps.Gate.Halted())
	assert.Contains(t, h.orch.Status().LastError, "feed exploded")

	h.market.price(100)
	require.NoError(t, h.orch.Tick(context.Background()))
	assert.True(t, h.deps.Gate.Halted(), "halt must survive later ticks")

	h.deps.Risk.Reset(context.Background())
	assert.False(t, h.deps.Gate.Halted())
}

func TestPriceFailureFallsBackToLastPrice(t *testing.T) {
	h := newHarness(t, phase.StealthAccumulation)
	require.NoError(t, h.orch.Tick(context.Background()))

	h.market.set(func() (domain.MarketSnapshot, error) { return domain.MarketSnapshot{}, errors.New("timeout") })
	require.NoError(t, h.orch.Tick(context.Background()))

	assert.Equal(t, 100.0, h.orch.Status().LastPrice)
	assert.Equal(t, 1, h.deps.Detector.SampleCount())
}

func TestPriceFailureWithoutHistoryFailsTick(t *testing.T) {
	h := newHarness(t, phase.StealthAccumulation)
	h.market.set(func() (domain.MarketSnapshot, error) { return domain.MarketSnapshot{}, errors.New("timeout") })

	err := h.orch.Tick(context.Background())
	require.ErrorIs(t, err, domain.ErrPriceUnavailable)
	assert.False(t, h.deps.Gate.Halted())
}

func TestConcurrentTickIsRefused(t *testing.T) {
	h := newHarness(t, phase.StealthAccumulation)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.market.set(func() (domain.MarketSnapshot, error) {
		close(entered)
		<-release
		return domain.MarketSnapshot{Price: 100}, nil
	})

	done := make(chan error, 1)
	go func() { done <- h.orch.Tick(context.Background()) }()
	<-entered

	err := h.orch.Tick(context.Background())
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	close(release)
	require.NoError(t, <-done)
}

func TestPausedTickSkipsWork(t *testing.T) {
	h := newHarness(t, phase.StealthAccumulation)
	h.orch.Pause()
	require.NoError(t, h.orch.Tick(context.Background()))
	assert.Zero(t, h.market.calls)
	assert.True(t, h.orch.Status().Paused)

	h.orch.Resume()
	require.NoError(t, h.orch.Tick(context.Background()))
	assert.Equal(t, 1, h.market.calls)
}

func TestCycleIntervalOverrideAndFloor(t *testing.T) {
	h := newHarness(t, phase.Stabilization)
	assert.Equal(t, 15*time.Second, h.orch.Interval())

	assert.Equal(t, MinCycleInterval, h.orch.SetCycleInterval(time.Second))
	assert.Equal(t, 30*time.Second, h.orch.SetCycleInterval(30*time.Second))
	assert.Equal(t, 15*time.Second, h.orch.SetCycleInterval(0))
}

func TestSetPhaseAppliesPolicyToGate(t *testing.T) {
	h := newHarness(t, phase.StealthAccumulation)

	p, err := h.orch.SetPhase(context.Background(), phase.GraduationPush)
	require.NoError(t, err)
	assert.Equal(t, phase.GraduationPush, p.Name)
	assert.Equal(t, 15.0, h.deps.Gate.Rules().MaxSlippagePct)
	assert.Equal(t, phase.GraduationPush, h.orch.Status().Phase)

	_, err = h.orch.SetPhase(context.Background(), "moon")
	assert.ErrorIs(t, err, domain.ErrUnknownPhase)
}

type countingScheduler struct {
	waits  []time.Duration
	cancel context.CancelFunc
	stopAt int
}

func (s *countingScheduler) Wait(ctx context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	if len(s.waits) >= s.stopAt {
		s.cancel()
	}
	return ctx.Err()
}

func TestRunTicksUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched := &countingScheduler{cancel: cancel, stopAt: 2}
	h := newHarness(t, phase.StealthAccumulation, func(_ *Deps, c *Config) { c.Scheduler = sched })

	err := h.orch.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(2), h.orch.Status().Cycles)
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, sched.waits)
	assert.False(t, h.orch.Status().Running)
}

func TestTimerSchedulerHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, TimerScheduler{}.Wait(ctx, time.Hour), context.Canceled)
	assert.NoError(t, TimerScheduler{}.Wait(context.Background(), time.Millisecond))
}
