package aggregator

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
)

// apiPrice is one entry of the /price response.
type apiPrice struct {
	ID        string `json:"id"`
	Price     string `json:"price"`
	Volume24h string `json:"volume24h,omitempty"`
	Liquidity string `json:"liquidity,omitempty"`
}

// priceResponse is the body of GET /price?ids=...
type priceResponse struct {
	Data map[string]*apiPrice `json:"data"`
}

// apiQuote is the subset of the /quote response the engine reads. The full
// body is kept on domain.Quote.Raw and echoed back to /swap.
type apiQuote struct {
	InputMint      string `json:"inputMint"`
	OutputMint     string `json:"outputMint"`
	InAmount       string `json:"inAmount"`
	OutAmount      string `json:"outAmount"`
	PriceImpactPct string `json:"priceImpactPct"`
	Error          string `json:"error,omitempty"`
}

// swapRequest is the body of POST /swap.
type swapRequest struct {
	QuoteResponse             json.RawMessage `json:"quoteResponse"`
	UserPublicKey             string          `json:"userPublicKey"`
	WrapAndUnwrap             bool            `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit   bool            `json:"dynamicComputeUnitLimit"`
	PrioritizationFeeLamports int64           `json:"prioritizationFeeLamports,omitempty"`
}

// swapResponse carries the unsigned transaction, base64 encoded.
type swapResponse struct {
	SwapTransaction string `json:"swapTransaction"`
}

func parseFloat(field, s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", field, s, err)
	}
	return v, nil
}

func parseAmount(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse %s %q: not an integer", field, s)
	}
	return v, nil
}
