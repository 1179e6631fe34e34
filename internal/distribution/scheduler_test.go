package distribution

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/curvebot/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestScheduler() (*Scheduler, *fakeClock) {
	c := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewScheduler(c.now, slog.New(slog.NewTextHandler(io.Discard, nil))), c
}

func TestTWAPReleasesEvenStepsPerInterval(t *testing.T) {
	s, c := newTestScheduler()
	sched, err := s.CreateSchedule(StrategyTWAP, 100, time.Hour, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, sched.StepsTotal)
	assert.Equal(t, 15*time.Minute, sched.Interval)

	step, ok := s.NextStep(1, 0, 0, domain.PhaseUnknown)
	require.True(t, ok)
	assert.Equal(t, 25.0, step.Amount)
	assert.Equal(t, "twap step 1/4", step.Reason)

	_, ok = s.NextStep(1, 0, 0, domain.PhaseUnknown)
	assert.False(t, ok, "interval not elapsed")

	for i := 0; i < 3; i++ {
		c.t = c.t.Add(15 * time.Minute)
		_, ok = s.NextStep(1, 0, 0, domain.PhaseUnknown)
		require.True(t, ok)
	}
	st := s.Status()
	require.NotNil(t, st.Schedule)
	assert.Equal(t, 100.0, st.ProgressPct)
	assert.Equal(t, 100.0, st.TotalDistributed)

	c.t = c.t.Add(15 * time.Minute)
	_, ok = s.NextStep(1, 0, 0, domain.PhaseUnknown)
	assert.False(t, ok)
	assert.Nil(t, s.Status().Schedule, "completed schedule is cleared")
}

func TestVWAPClampsVolumeRatio(t *testing.T) {
	tests := []struct {
		name   string
		volume float64
		avg    float64
		want   float64
	}{
		{"high volume capped at 3x", 100, 10, 30},
		{"low volume floored at 0.3x", 1, 10, 3},
		{"proportional", 15, 10, 15},
		{"no average uses base", 15, 0, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestScheduler()
			_, err := s.CreateSchedule(StrategyVWAP, 100, time.Hour, 10)
			require.NoError(t, err)
			step, ok := s.NextStep(1, tt.volume, tt.avg, domain.PhaseUnknown)
			require.True(t, ok)
			assert.InDelta(t, tt.want, step.Amount, 1e-9)
		})
	}
}

func TestWyckoffMultipliers(t *testing.T) {
	tests := []struct {
		phase domain.MarketPhase
		want  float64
		fires bool
	}{
		{domain.PhaseDistribution, 15, true},
		{domain.PhaseMarkdown, 3, true},
		{domain.PhaseUnknown, 5, true},
		{domain.PhaseMarkup, 0, false},
		{domain.PhaseAccumulation, 0, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			s, _ := newTestScheduler()
			_, err := s.CreateSchedule(StrategyWyckoff, 100, time.Hour, 10)
			require.NoError(t, err)
			step, ok := s.NextStep(1, 0, 0, tt.phase)
			assert.Equal(t, tt.fires, ok)
			assert.InDelta(t, tt.want, step.Amount, 1e-9)
		})
	}
}

func TestPriceTargetsFireOnce(t *testing.T) {
	s, _ := newTestScheduler()
	require.NoError(t, s.SetPriceTargets([]PriceTarget{{Price: 2, SellPct: 10}, {Price: 3, SellPct: 20}}))

	_, ok := s.NextStep(1.5, 0, 0, domain.PhaseUnknown)
	assert.False(t, ok)

	step, ok := s.NextStep(2.5, 0, 0, domain.PhaseUnknown)
	require.True(t, ok)
	assert.Equal(t, 10.0, step.SellPct)
	assert.Zero(t, step.Amount)

	_, ok = s.NextStep(2.5, 0, 0, domain.PhaseUnknown)
	assert.False(t, ok)

	step, ok = s.NextStep(3, 0, 0, domain.PhaseUnknown)
	require.True(t, ok)
	assert.Equal(t, 20.0, step.SellPct)

	st := s.Status()
	assert.True(t, st.Targets[0].Triggered)
	assert.True(t, st.Targets[1].Triggered)

	assert.ErrorIs(t, s.SetPriceTargets([]PriceTarget{{Price: 1, SellPct: 150}}), ErrInvalidTarget)
}

func TestPauseResumeCancel(t *testing.T) {
	s, _ := newTestScheduler()
	assert.False(t, s.Pause())

	_, err := s.CreateSchedule(StrategyTWAP, 10, time.Hour, 2)
	require.NoError(t, err)
	require.True(t, s.Pause())
	_, ok := s.NextStep(1, 0, 0, domain.PhaseUnknown)
	assert.False(t, ok)

	require.True(t, s.Resume())
	_, ok = s.NextStep(1, 0, 0, domain.PhaseUnknown)
	assert.True(t, ok)

	assert.True(t, s.Cancel())
	assert.False(t, s.Cancel())
	assert.Nil(t, s.Status().Schedule)
}

func TestCreateScheduleValidation(t *testing.T) {
	s, _ := newTestScheduler()
	_, err := s.CreateSchedule("percentage", 10, time.Hour, 1)
	assert.ErrorIs(t, err, ErrInvalidSchedule)
	_, err = s.CreateSchedule(StrategyTWAP, 0, time.Hour, 1)
	assert.ErrorIs(t, err, ErrInvalidSchedule)
	_, err = s.CreateSchedule(StrategyTWAP, 10, 0, 1)
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestEstimateMarketImpact(t *testing.T) {
	assert.Equal(t, RecommendProceed, EstimateMarketImpact(2, 100).Recommendation)
	assert.Equal(t, RecommendReduceSize, EstimateMarketImpact(4, 100).Recommendation)
	assert.Equal(t, RecommendWait, EstimateMarketImpact(6, 100).Recommendation)

	imp := EstimateMarketImpact(1, 0)
	assert.Equal(t, RecommendWait, imp.Recommendation)
	assert.Equal(t, 100.0, imp.PriceChangePct)

	imp = EstimateMarketImpact(10, 100)
	assert.InDelta(t, 7.0, imp.SlippagePct, 1e-9)
}

func TestRestoreReturnsUnsoldScheduledAmount(t *testing.T) {
	s, c := newTestScheduler()
	_, err := s.CreateSchedule(StrategyTWAP, 100, time.Hour, 4)
	require.NoError(t, err)

	step, ok := s.NextStep(1, 0, 0, domain.PhaseUnknown)
	require.True(t, ok)
	s.Restore(step, 10)

	st := s.Status()
	assert.Equal(t, 85.0, st.Schedule.RemainingAmount)
	assert.Equal(t, 15.0, st.TotalDistributed)

	// Never hands back more than the step released.
	c.t = c.t.Add(15 * time.Minute)
	step, ok = s.NextStep(1, 0, 0, domain.PhaseUnknown)
	require.True(t, ok)
	s.Restore(step, 1000)
	assert.Equal(t, 85.0, s.Status().Schedule.RemainingAmount)
}

func TestRestoreRearmsPriceTarget(t *testing.T) {
	s, _ := newTestScheduler()
	require.NoError(t, s.SetPriceTargets([]PriceTarget{{Price: 2, SellPct: 10}}))

	step, ok := s.NextStep(2.5, 0, 0, domain.PhaseUnknown)
	require.True(t, ok)
	assert.Equal(t, 2.0, step.Target)

	s.Restore(step, 4)
	assert.False(t, s.Status().Targets[0].Triggered)

	again, ok := s.NextStep(2.5, 0, 0, domain.PhaseUnknown)
	require.True(t, ok)
	assert.Equal(t, 10.0, again.SellPct)
}
