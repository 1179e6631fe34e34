package domain

import "time"

// Side indicates whether a trade buys or sells the base asset.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// TradeIntent is the immutable value passed from sizing through the risk gate
// to execution. Size is denominated in base-asset units on both sides: spent
// on a buy, received on a sell. ExpectedPrice is the traded asset's price in
// base units per asset unit.
type TradeIntent struct {
	ActorID        string  `json:"actor_id"`
	AssetID        string  `json:"asset_id"`
	Side           Side    `json:"side"`
	Size           float64 `json:"size"`
	ExpectedPrice  float64 `json:"expected_price"`
	MaxSlippagePct float64 `json:"max_slippage_pct"`
	Reason         string  `json:"reason"`
	Source         string  `json:"source"`
}

// Quantity returns the asset amount the intent trades at the expected price.
func (t TradeIntent) Quantity() float64 {
	if t.ExpectedPrice <= 0 {
		return 0
	}
	return t.Size / t.ExpectedPrice
}

// Transaction is a confirmed on-chain swap recorded for audit.
type Transaction struct {
	ID          int64     `json:"id"`
	TxRef       string    `json:"tx_ref"`
	OrderID     string    `json:"order_id"`
	ActorID     string    `json:"actor_id"`
	AssetID     string    `json:"asset_id"`
	Side        Side      `json:"side"`
	AmountIn    float64   `json:"amount_in"`
	AmountOut   float64   `json:"amount_out"`
	Price       float64   `json:"price"`
	SlippagePct float64   `json:"slippage_pct"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}
