package domain

import "time"

// MarketSnapshot is a single price/volume observation for the traded asset.
// Price, Volume and Liquidity are in the budget currency; Liquidity is zero
// when the venue does not report it.
type MarketSnapshot struct {
	Price     float64
	Volume    float64
	Liquidity float64
	Timestamp time.Time
}

// MarketPhase is the heuristic classification of recent price action.
type MarketPhase string

const (
	PhaseAccumulation MarketPhase = "accumulation"
	PhaseMarkup       MarketPhase = "markup"
	PhaseDistribution MarketPhase = "distribution"
	PhaseMarkdown     MarketPhase = "markdown"
	PhaseUnknown      MarketPhase = "unknown"
)

// Signal is the directional recommendation derived from a MarketPhase.
type Signal string

const (
	SignalStrongBuy  Signal = "strong_buy"
	SignalBuy        Signal = "buy"
	SignalHold       Signal = "hold"
	SignalSell       Signal = "sell"
	SignalStrongSell Signal = "strong_sell"
	SignalNoAction   Signal = "no_action"
)

// IsStrong reports whether the signal is one of the strong variants.
func (s Signal) IsStrong() bool {
	return s == SignalStrongBuy || s == SignalStrongSell
}

// Side maps a signal to the trade side it implies. ok is false for hold and
// no_action.
func (s Signal) Side() (side Side, ok bool) {
	switch s {
	case SignalBuy, SignalStrongBuy:
		return SideBuy, true
	case SignalSell, SignalStrongSell:
		return SideSell, true
	default:
		return "", false
	}
}

// Trend is the direction of a split-window comparison.
type Trend string

const (
	TrendUp       Trend = "up"
	TrendDown     Trend = "down"
	TrendSideways Trend = "sideways"
	TrendUnknown  Trend = "unknown"
)

// VolumeTrend is the direction of traded volume over the volume lookback.
type VolumeTrend string

const (
	VolumeIncreasing VolumeTrend = "increasing"
	VolumeDecreasing VolumeTrend = "decreasing"
	VolumeStable     VolumeTrend = "stable"
)

// PhaseAnalysis is the result of classifying the rolling market window.
type PhaseAnalysis struct {
	Phase           MarketPhase `json:"phase"`
	Confidence      float64     `json:"confidence"`
	Signal          Signal      `json:"signal"`
	Reason          string      `json:"reason"`
	PriceTrend      Trend       `json:"price_trend"`
	VolumeTrend     VolumeTrend `json:"volume_trend"`
	SuggestedAction string      `json:"suggested_action"`
	At              time.Time   `json:"at"`
}

// PricePoint is a persisted price observation.
type PricePoint struct {
	AssetID   string    `json:"asset_id"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}
