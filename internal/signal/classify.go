package signal

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/curvebot/internal/domain"
)

// classify runs the ordered phase heuristics; first match wins.
func classify(cfg Config, prices, volumes []float64) domain.PhaseAnalysis {
	trend := priceTrend(prices, cfg.Lookback, cfg.SidewaysPct)
	vol := volumeTrend(volumes, cfg.VolumeLookback, cfg.VolumeChangePct)
	rng := rangePct(lastN(prices, cfg.Lookback))
	mom := momentum(prices)

	a := domain.PhaseAnalysis{PriceTrend: trend, VolumeTrend: vol}

	switch {
	case trend == domain.TrendSideways && vol != domain.VolumeIncreasing && rng < cfg.AccumulationRangePct:
		a.Phase = domain.PhaseAccumulation
		a.Confidence = 0.4
		a.Reason = fmt.Sprintf("sideways in a %.2f%% range on %s volume", rng, vol)
		if priorTrend(prices, cfg.Lookback, cfg.MinDataPoints) < -cfg.PriorTrendPct {
			a.Confidence = 0.7
			a.Reason += " after a downtrend"
		}
		a.SuggestedAction = "accumulate"

	case trend == domain.TrendUp && mom > cfg.MomentumPct:
		a.Phase = domain.PhaseMarkup
		a.Confidence = math.Min(0.9, 0.5+mom/100)
		if vol == domain.VolumeIncreasing {
			a.Confidence = math.Min(0.95, a.Confidence+0.15)
		}
		a.Reason = fmt.Sprintf("uptrend with %.2f%% momentum on %s volume", mom, vol)
		a.SuggestedAction = "hold and let it run"

	case trend == domain.TrendSideways && vol != domain.VolumeDecreasing && rng < cfg.DistributionRangePct:
		a.Phase = domain.PhaseDistribution
		a.Confidence = 0.4
		a.Reason = fmt.Sprintf("sideways in a %.2f%% range on %s volume", rng, vol)
		if priorTrend(prices, cfg.Lookback, cfg.MinDataPoints) > cfg.PriorTrendPct {
			a.Confidence = 0.7
			a.Reason += " after an uptrend"
		}
		a.SuggestedAction = "distribute into strength"

	case trend == domain.TrendDown && mom < -cfg.MomentumPct:
		a.Phase = domain.PhaseMarkdown
		a.Confidence = math.Min(0.9, 0.5+math.Abs(mom)/100)
		if vol == domain.VolumeIncreasing {
			a.Confidence = math.Min(0.95, a.Confidence+0.15)
		}
		a.Reason = fmt.Sprintf("downtrend with %.2f%% momentum on %s volume", mom, vol)
		a.SuggestedAction = "reduce exposure"

	default:
		a.Phase = domain.PhaseUnknown
		a.Confidence = 0.2
		a.Reason = fmt.Sprintf("no pattern: trend %s, volume %s, range %.2f%%", trend, vol, rng)
		a.SuggestedAction = "wait"
	}
	return a
}

// signalFor maps a phase and confidence to a trade signal.
func signalFor(phase domain.MarketPhase, confidence float64) domain.Signal {
	if confidence < 0.4 {
		return domain.SignalNoAction
	}
	switch phase {
	case domain.PhaseAccumulation:
		if confidence > 0.6 {
			return domain.SignalBuy
		}
		return domain.SignalHold
	case domain.PhaseMarkup:
		return domain.SignalHold
	case domain.PhaseDistribution:
		if confidence > 0.6 {
			return domain.SignalSell
		}
		return domain.SignalHold
	case domain.PhaseMarkdown:
		if confidence > 0.6 {
			return domain.SignalStrongSell
		}
		return domain.SignalSell
	default:
		return domain.SignalNoAction
	}
}

// priceTrend compares the mean of the first and second halves of the
// lookback window.
func priceTrend(prices []float64, lookback int, sidewaysPct float64) domain.Trend {
	w := lastN(prices, lookback)
	if len(w) < 3 {
		return domain.TrendUnknown
	}
	half := len(w) / 2
	first, second := mean(w[:half]), mean(w[half:])
	if first <= 0 {
		return domain.TrendUnknown
	}
	change := (second - first) / first * 100
	switch {
	case change > sidewaysPct:
		return domain.TrendUp
	case change < -sidewaysPct:
		return domain.TrendDown
	default:
		return domain.TrendSideways
	}
}

// volumeTrend compares halves of the positive volumes in the lookback.
// Feeds that report no volume always read as stable.
func volumeTrend(volumes []float64, lookback int, changePct float64) domain.VolumeTrend {
	var w []float64
	for _, v := range lastN(volumes, lookback) {
		if v > 0 {
			w = append(w, v)
		}
	}
	if len(w) < 4 {
		return domain.VolumeStable
	}
	half := len(w) / 2
	first, second := mean(w[:half]), mean(w[half:])
	if first <= 0 {
		return domain.VolumeStable
	}
	change := (second - first) / first * 100
	switch {
	case change > changePct:
		return domain.VolumeIncreasing
	case change < -changePct:
		return domain.VolumeDecreasing
	default:
		return domain.VolumeStable
	}
}

// rangePct is the high-low spread of w relative to its low.
func rangePct(w []float64) float64 {
	if len(w) == 0 {
		return 0
	}
	lo, hi := w[0], w[0]
	for _, p := range w[1:] {
		lo = math.Min(lo, p)
		hi = math.Max(hi, p)
	}
	if lo <= 0 {
		return math.Inf(1)
	}
	return (hi - lo) / lo * 100
}

// momentum is the percentage change from the fifth-most-recent sample to the
// latest.
func momentum(prices []float64) float64 {
	n := len(prices)
	if n < 5 {
		return 0
	}
	ref := prices[n-5]
	if ref <= 0 {
		return 0
	}
	return (prices[n-1] - ref) / ref * 100
}

// priorTrend is the percentage change across the window that precedes the
// current lookback. It is zero until enough history exists.
func priorTrend(prices []float64, lookback, minPoints int) float64 {
	n := len(prices)
	if n < lookback+minPoints {
		return 0
	}
	w := prices[max(0, n-2*lookback) : n-lookback]
	if len(w) < 2 || w[0] <= 0 {
		return 0
	}
	return (w[len(w)-1] - w[0]) / w[0] * 100
}

func lastN(xs []float64, n int) []float64 {
	if n >= len(xs) {
		return xs
	}
	return xs[len(xs)-n:]
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}
