package domain

import "time"

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// dustFraction is the share of a position below which a remainder left by a
// sell counts as closed.
const dustFraction = 1e-9

// Position is the net holding of one actor in one asset. Quantity is in
// asset units and AvgEntry in base units per asset unit.
type Position struct {
	ActorID     string         `json:"actor_id"`
	AssetID     string         `json:"asset_id"`
	Quantity    float64        `json:"quantity"`
	AvgEntry    float64        `json:"avg_entry"`
	RealizedPnL float64        `json:"realized_pnl"`
	Status      PositionStatus `json:"status"`
	OpenedAt    time.Time      `json:"opened_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	ClosedAt    *time.Time     `json:"closed_at,omitempty"`
}

// Apply folds a fill of signed delta at price into the position and returns
// the realized PnL contributed by the fill. Buys move the average entry;
// sells realize against it.
func (p *Position) Apply(delta, price float64, now time.Time) float64 {
	var realized float64
	newQty := p.Quantity + delta
	if delta > 0 {
		if newQty > 0 {
			p.AvgEntry = (p.Quantity*p.AvgEntry + delta*price) / newQty
		}
	} else if delta < 0 && p.Quantity > 0 {
		realized = -delta * (price - p.AvgEntry)
		p.RealizedPnL += realized
	}
	if newQty <= p.Quantity*dustFraction {
		p.Quantity = 0
		p.Status = PositionStatusClosed
		closed := now
		p.ClosedAt = &closed
	} else {
		p.Quantity = newQty
		p.Status = PositionStatusOpen
		p.ClosedAt = nil
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = now
	}
	p.UpdatedAt = now
	return realized
}

// UnrealizedPnL values the open quantity at price.
func (p Position) UnrealizedPnL(price float64) float64 {
	if p.Quantity <= 0 {
		return 0
	}
	return p.Quantity * (price - p.AvgEntry)
}

// LossPct is the percentage the price sits below the average entry. It is
// zero when the entry is unknown.
func (p Position) LossPct(price float64) float64 {
	if p.AvgEntry <= 0 {
		return 0
	}
	return (p.AvgEntry - price) / p.AvgEntry * 100
}
