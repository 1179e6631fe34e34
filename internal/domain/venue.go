package domain

import (
	"context"
	"math/big"
)

// QuoteRequest asks a swap venue to price a swap.
type QuoteRequest struct {
	InputAsset  string
	OutputAsset string
	Amount      *big.Int
	SlippageBps int
	Taker       string
}

// Quote is a venue-priced swap route. Raw is passed back verbatim when the
// transaction is built.
type Quote struct {
	InputAsset  string
	OutputAsset string
	InAmount    *big.Int
	OutAmount   *big.Int
	PriceImpact float64
	Raw         []byte
}

// SwapVenue prices and builds swaps.
type SwapVenue interface {
	Price(ctx context.Context, asset string) (float64, error)
	Quote(ctx context.Context, req QuoteRequest) (Quote, error)
	BuildTransaction(ctx context.Context, quote Quote, signer string) ([]byte, error)
}

// TxStatus is the confirmation state of a submitted transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// Chain submits signed transactions and reports their status.
type Chain interface {
	Submit(ctx context.Context, signed []byte) (string, error)
	PollStatus(ctx context.Context, txRef string) (TxStatus, error)
	Balance(ctx context.Context, address string) (float64, error)
}

// PriceSource yields the current spot price of an asset.
type PriceSource interface {
	Price(ctx context.Context, asset string) (float64, error)
}

// SwapExecutor performs the swap for an order and reports the fill.
type SwapExecutor interface {
	Execute(ctx context.Context, order Order) (Fill, error)
}

// SwapExecutorFunc adapts a function to SwapExecutor.
type SwapExecutorFunc func(ctx context.Context, order Order) (Fill, error)

// Execute calls f.
func (f SwapExecutorFunc) Execute(ctx context.Context, order Order) (Fill, error) {
	return f(ctx, order)
}
