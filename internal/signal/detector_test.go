package signal

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/curvebot/internal/domain"
)

func newTestDetector() *Detector {
	now := time.Unix(1_700_000_000, 0)
	cfg := DefaultConfig()
	cfg.Clock = func() time.Time { return now }
	return NewDetector(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func feed(d *Detector, prices, volumes []float64) {
	for i, p := range prices {
		var v float64
		if volumes != nil {
			v = volumes[i]
		}
		d.AddSample(domain.MarketSnapshot{Price: p, Volume: v})
	}
}

func series(n int, f func(i int) float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = f(i)
	}
	return out
}

func TestAnalyzeInsufficientData(t *testing.T) {
	d := newTestDetector()
	feed(d, series(9, func(i int) float64 { return 100 + float64(i) }), nil)

	a := d.Analyze()
	assert.Equal(t, domain.PhaseUnknown, a.Phase)
	assert.Equal(t, domain.SignalNoAction, a.Signal)
	assert.Zero(t, a.Confidence)
	assert.Contains(t, a.Reason, "insufficient data")
}

func TestAnalyzeAccumulationAfterDowntrend(t *testing.T) {
	d := newTestDetector()
	feed(d, series(20, func(i int) float64 { return 100 - float64(i) }), nil)
	feed(d, series(20, func(i int) float64 {
		if i%2 == 0 {
			return 80
		}
		return 80.2
	}), nil)

	a := d.Analyze()
	assert.Equal(t, domain.PhaseAccumulation, a.Phase)
	assert.Equal(t, 0.7, a.Confidence)
	assert.Equal(t, domain.SignalBuy, a.Signal)
	assert.Equal(t, domain.TrendSideways, a.PriceTrend)
	assert.Equal(t, domain.PhaseAccumulation, d.CurrentPhase())
}

func TestAnalyzeAccumulationWithoutPriorTrendHolds(t *testing.T) {
	d := newTestDetector()
	feed(d, series(12, func(i int) float64 { return 50 + float64(i%2)*0.1 }), nil)

	a := d.Analyze()
	assert.Equal(t, domain.PhaseAccumulation, a.Phase)
	assert.Equal(t, 0.4, a.Confidence)
	assert.Equal(t, domain.SignalHold, a.Signal)
}

func TestAnalyzeMarkupWithRisingVolume(t *testing.T) {
	d := newTestDetector()
	prices := series(20, func(i int) float64 { return 100 + 2*float64(i) })
	volumes := series(20, func(i int) float64 {
		if i < 15 {
			return 100
		}
		return 1000
	})
	feed(d, prices, volumes)

	a := d.Analyze()
	require.Equal(t, domain.PhaseMarkup, a.Phase)
	assert.Equal(t, domain.VolumeIncreasing, a.VolumeTrend)
	mom := (138.0 - 130.0) / 130.0 * 100
	assert.InDelta(t, 0.5+mom/100+0.15, a.Confidence, 1e-9)
	assert.Equal(t, domain.SignalHold, a.Signal)
}

func TestAnalyzeDistributionAfterUptrend(t *testing.T) {
	d := newTestDetector()
	feed(d, series(20, func(i int) float64 { return 80 + float64(i) }), nil)
	volumes := series(20, func(i int) float64 {
		if i < 15 {
			return 100
		}
		return 1000
	})
	feed(d, series(20, func(i int) float64 { return 100 + float64(i%2)*0.5 }), volumes)

	a := d.Analyze()
	assert.Equal(t, domain.PhaseDistribution, a.Phase)
	assert.Equal(t, 0.7, a.Confidence)
	assert.Equal(t, domain.SignalSell, a.Signal)
}

func TestAnalyzeMarkdown(t *testing.T) {
	d := newTestDetector()
	feed(d, series(20, func(i int) float64 { return 200 - 4*float64(i) }), nil)

	a := d.Analyze()
	require.Equal(t, domain.PhaseMarkdown, a.Phase)
	mom := (124.0 - 140.0) / 140.0 * 100
	assert.InDelta(t, 0.5-mom/100, a.Confidence, 1e-9)
	assert.Equal(t, domain.SignalStrongSell, a.Signal)
}

func TestAnalyzeUnknownOnWideChop(t *testing.T) {
	d := newTestDetector()
	feed(d, series(20, func(i int) float64 { return 100 + float64(i%2)*10 }), nil)

	a := d.Analyze()
	assert.Equal(t, domain.PhaseUnknown, a.Phase)
	assert.Equal(t, 0.2, a.Confidence)
	assert.Equal(t, domain.SignalNoAction, a.Signal)
}

func TestSignalFor(t *testing.T) {
	tests := []struct {
		phase domain.MarketPhase
		conf  float64
		want  domain.Signal
	}{
		{domain.PhaseAccumulation, 0.39, domain.SignalNoAction},
		{domain.PhaseAccumulation, 0.6, domain.SignalHold},
		{domain.PhaseAccumulation, 0.61, domain.SignalBuy},
		{domain.PhaseMarkup, 0.95, domain.SignalHold},
		{domain.PhaseDistribution, 0.5, domain.SignalHold},
		{domain.PhaseDistribution, 0.7, domain.SignalSell},
		{domain.PhaseMarkdown, 0.5, domain.SignalSell},
		{domain.PhaseMarkdown, 0.65, domain.SignalStrongSell},
		{domain.PhaseUnknown, 0.9, domain.SignalNoAction},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, signalFor(tt.phase, tt.conf), "%s@%v", tt.phase, tt.conf)
	}
}

func TestDetectorWindowHelpers(t *testing.T) {
	d := newTestDetector()
	d.AddSample(domain.MarketSnapshot{Price: 0})
	feed(d, []float64{100, 110, 99}, []float64{0, 5, 15})

	assert.Equal(t, 3, d.SampleCount())
	assert.Equal(t, []float64{110, 99}, d.RecentPrices(2))
	assert.InDelta(t, 10, d.DipFromHigh(), 1e-9)
	assert.InDelta(t, 10, d.AverageVolume(), 1e-9)

	d.Reset()
	assert.Zero(t, d.SampleCount())
	assert.Zero(t, d.DipFromHigh())
	assert.Equal(t, domain.PhaseUnknown, d.CurrentPhase())
}

func TestHistoryIsBounded(t *testing.T) {
	d := newTestDetector()
	feed(d, series(600, func(i int) float64 { return 1 + float64(i) }), nil)
	assert.Equal(t, 500, d.SampleCount())
	assert.Equal(t, []float64{600}, d.RecentPrices(1))
}
