package domain

import "time"

// OrderState tracks the execution lifecycle of an order.
type OrderState string

const (
	OrderPending   OrderState = "pending"
	OrderSubmitted OrderState = "submitted"
	OrderFilled    OrderState = "filled"
	OrderRejected  OrderState = "rejected"
	OrderExpired   OrderState = "expired"
	OrderCancelled OrderState = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderExpired, OrderCancelled:
		return true
	}
	return false
}

// Order is an admitted trade being driven to a terminal state. Size and
// FilledSize are base units; prices are base units per asset unit.
type Order struct {
	ID                  string     `json:"id"`
	ActorID             string     `json:"actor_id"`
	AssetID             string     `json:"asset_id"`
	Side                Side       `json:"side"`
	Size                float64    `json:"size"`
	ExpectedPrice       float64    `json:"expected_price"`
	MaxSlippagePct      float64    `json:"max_slippage_pct"`
	State               OrderState `json:"state"`
	RetryCount          int        `json:"retry_count"`
	FilledSize          float64    `json:"filled_size"`
	AvgFillPrice        float64    `json:"avg_fill_price"`
	RealizedSlippagePct float64    `json:"realized_slippage_pct"`
	TxRef               string     `json:"tx_ref,omitempty"`
	Error               string     `json:"error,omitempty"`
	Reason              string     `json:"reason,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	SubmittedAt         *time.Time `json:"submitted_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

// Intent reconstructs the trade intent the order was created from.
func (o Order) Intent() TradeIntent {
	return TradeIntent{
		ActorID:        o.ActorID,
		AssetID:        o.AssetID,
		Side:           o.Side,
		Size:           o.Size,
		ExpectedPrice:  o.ExpectedPrice,
		MaxSlippagePct: o.MaxSlippagePct,
		Reason:         o.Reason,
	}
}

// FilledQuantity is the asset amount moved by the fill.
func (o Order) FilledQuantity() float64 {
	if o.AvgFillPrice <= 0 {
		return 0
	}
	return o.FilledSize / o.AvgFillPrice
}

// Fill is what a swap executor reports for a completed swap. Size is the
// base-unit side of the swap and AvgPrice is base units per asset unit.
type Fill struct {
	TxRef     string
	Size      float64
	AvgPrice  float64
	AmountIn  float64
	AmountOut float64
}
