// Package signal classifies a rolling price/volume window into a Wyckoff
// market phase and a directional trade signal.
package signal

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alanyoungcy/curvebot/internal/domain"
	"github.com/alanyoungcy/curvebot/internal/ringbuf"
)

// Config holds the classification thresholds. Percentages are numbers.
type Config struct {
	Lookback             int
	SidewaysPct          float64
	VolumeLookback       int
	VolumeChangePct      float64
	AccumulationRangePct float64
	DistributionRangePct float64
	MomentumPct          float64
	PriorTrendPct        float64
	MinDataPoints        int
	HistoryCap           int
	// Clock overrides time.Now; used by tests.
	Clock func() time.Time
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		Lookback:             20,
		SidewaysPct:          3,
		VolumeLookback:       10,
		VolumeChangePct:      30,
		AccumulationRangePct: 5,
		DistributionRangePct: 5,
		MomentumPct:          3,
		PriorTrendPct:        5,
		MinDataPoints:        10,
		HistoryCap:           500,
	}
}

// Detector holds the rolling window. The analysis is a pure function of the
// window; the only other state is the last emitted phase, kept for logging.
type Detector struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	history   *ringbuf.Ring[domain.MarketSnapshot]
	lastPhase domain.MarketPhase
}

// NewDetector creates a Detector. Zero-valued config fields take defaults.
func NewDetector(cfg Config, logger *slog.Logger) *Detector {
	def := DefaultConfig()
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.SidewaysPct <= 0 {
		cfg.SidewaysPct = def.SidewaysPct
	}
	if cfg.VolumeLookback <= 0 {
		cfg.VolumeLookback = def.VolumeLookback
	}
	if cfg.VolumeChangePct <= 0 {
		cfg.VolumeChangePct = def.VolumeChangePct
	}
	if cfg.AccumulationRangePct <= 0 {
		cfg.AccumulationRangePct = def.AccumulationRangePct
	}
	if cfg.DistributionRangePct <= 0 {
		cfg.DistributionRangePct = def.DistributionRangePct
	}
	if cfg.MomentumPct <= 0 {
		cfg.MomentumPct = def.MomentumPct
	}
	if cfg.PriorTrendPct <= 0 {
		cfg.PriorTrendPct = def.PriorTrendPct
	}
	if cfg.MinDataPoints <= 0 {
		cfg.MinDataPoints = def.MinDataPoints
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = def.HistoryCap
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Detector{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "signal")),
		history:   ringbuf.New[domain.MarketSnapshot](cfg.HistoryCap),
		lastPhase: domain.PhaseUnknown,
	}
}

// AddSample appends a snapshot to the window. Non-positive prices are
// ignored.
func (d *Detector) AddSample(s domain.MarketSnapshot) {
	if s.Price <= 0 {
		return
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = d.cfg.Clock()
	}
	d.mu.Lock()
	d.history.Push(s)
	d.mu.Unlock()
}

// Analyze classifies the current window.
func (d *Detector) Analyze() domain.PhaseAnalysis {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.cfg.Clock()
	n := d.history.Len()
	if n < d.cfg.MinDataPoints {
		return domain.PhaseAnalysis{
			Phase:           domain.PhaseUnknown,
			Confidence:      0,
			Signal:          domain.SignalNoAction,
			Reason:          fmt.Sprintf("insufficient data: %d of %d samples", n, d.cfg.MinDataPoints),
			PriceTrend:      domain.TrendUnknown,
			VolumeTrend:     domain.VolumeStable,
			SuggestedAction: "wait for more data",
			At:              now,
		}
	}

	samples := d.history.Slice()
	prices := make([]float64, len(samples))
	volumes := make([]float64, len(samples))
	for i, s := range samples {
		prices[i] = s.Price
		volumes[i] = s.Volume
	}

	a := classify(d.cfg, prices, volumes)
	a.Signal = signalFor(a.Phase, a.Confidence)
	a.At = now

	if a.Phase != d.lastPhase {
		d.logger.Info("market phase changed",
			slog.String("from", string(d.lastPhase)),
			slog.String("to", string(a.Phase)),
			slog.Float64("confidence", a.Confidence),
			slog.String("reason", a.Reason),
		)
		d.lastPhase = a.Phase
	}
	return a
}

// CurrentPhase returns the phase emitted by the last Analyze call.
func (d *Detector) CurrentPhase() domain.MarketPhase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastPhase
}

// SampleCount returns the number of samples in the window.
func (d *Detector) SampleCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.history.Len()
}

// RecentPrices returns up to n of the newest prices, oldest first.
func (d *Detector) RecentPrices(n int) []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	tail := d.history.Tail(n)
	out := make([]float64, len(tail))
	for i, s := range tail {
		out[i] = s.Price
	}
	return out
}

// AverageVolume returns the mean positive volume over the volume lookback.
func (d *Detector) AverageVolume() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var sum float64
	var k int
	for _, s := range d.history.Tail(d.cfg.VolumeLookback) {
		if s.Volume > 0 {
			sum += s.Volume
			k++
		}
	}
	if k == 0 {
		return 0
	}
	return sum / float64(k)
}

// DipFromHigh returns how far the latest price sits below the lookback high,
// as a percentage. It is zero when the window is empty.
func (d *Detector) DipFromHigh() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	tail := d.history.Tail(d.cfg.Lookback)
	if len(tail) == 0 {
		return 0
	}
	high := 0.0
	for _, s := range tail {
		high = math.Max(high, s.Price)
	}
	last := tail[len(tail)-1].Price
	if high <= 0 {
		return 0
	}
	return (high - last) / high * 100
}

// Reset drops the window and the last phase.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history.Reset()
	d.lastPhase = domain.PhaseUnknown
}
