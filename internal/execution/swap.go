package execution

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/alanyoungcy/curvebot/internal/crypto"
	"github.com/alanyoungcy/curvebot/internal/domain"
	"github.com/alanyoungcy/curvebot/internal/platform/evm"
)

// KeyHolder lends signing material for one call. wallet.Pool implements it.
type KeyHolder interface {
	WithSigningMaterial(address string, fn func(key crypto.Material) error) error
}

// SwapConfig describes the traded pair and confirmation bounds.
type SwapConfig struct {
	// BaseAsset is what the budget is denominated in.
	BaseAsset       string
	BaseDecimals    int
	AssetDecimals   int
	ConfirmTimeout  time.Duration
	ConfirmInterval time.Duration
}

// LiveSwapper quotes, builds, signs, submits and confirms a swap.
type LiveSwapper struct {
	venue  domain.SwapVenue
	chain  domain.Chain
	keys   KeyHolder
	signer *crypto.TxSigner
	cfg    SwapConfig
	logger *slog.Logger
}

// Compile-time interface check.
var _ domain.SwapExecutor = (*LiveSwapper)(nil)

// NewLiveSwapper creates a LiveSwapper.
func NewLiveSwapper(venue domain.SwapVenue, chain domain.Chain, keys KeyHolder, signer *crypto.TxSigner, cfg SwapConfig, logger *slog.Logger) *LiveSwapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveSwapper{
		venue:  venue,
		chain:  chain,
		keys:   keys,
		signer: signer,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "swapper")),
	}
}

// Execute performs order on chain. Transient venue and node failures are
// returned wrapped in domain.ErrTransient so the engine retries them.
func (s *LiveSwapper) Execute(ctx context.Context, order domain.Order) (domain.Fill, error) {
	req := domain.QuoteRequest{
		SlippageBps: int(math.Round(order.MaxSlippagePct * 100)),
		Taker:       order.ActorID,
	}
	switch order.Side {
	case domain.SideBuy:
		req.InputAsset, req.OutputAsset = s.cfg.BaseAsset, order.AssetID
		req.Amount = toBaseUnits(order.Size, s.cfg.BaseDecimals)
	case domain.SideSell:
		req.InputAsset, req.OutputAsset = order.AssetID, s.cfg.BaseAsset
		req.Amount = toBaseUnits(order.Intent().Quantity(), s.cfg.AssetDecimals)
	default:
		return domain.Fill{}, fmt.Errorf("execution: swap: %w: side %q", domain.ErrInvalidOrder, order.Side)
	}

	quote, err := s.venue.Quote(ctx, req)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("execution: swap quote: %w", err)
	}
	if quote.PriceImpact > order.MaxSlippagePct {
		return domain.Fill{}, fmt.Errorf("execution: swap: %w: price impact %.2f%% above %.2f%%",
			domain.ErrInvalidOrder, quote.PriceImpact, order.MaxSlippagePct)
	}

	unsigned, err := s.venue.BuildTransaction(ctx, quote, order.ActorID)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("execution: swap build: %w", err)
	}

	var signed []byte
	err = s.keys.WithSigningMaterial(order.ActorID, func(key crypto.Material) error {
		var serr error
		signed, serr = s.signer.Sign(key, unsigned, order.ActorID)
		return serr
	})
	if err != nil {
		return domain.Fill{}, fmt.Errorf("execution: swap sign: %w: %w", domain.ErrSigningFailed, err)
	}

	txRef, err := s.chain.Submit(ctx, signed)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("execution: swap submit: %w", err)
	}
	s.logger.InfoContext(ctx, "swap submitted",
		slog.String("order_id", order.ID),
		slog.String("tx", txRef),
	)

	if err := evm.Confirm(ctx, s.chain, txRef, s.cfg.ConfirmTimeout, s.cfg.ConfirmInterval); err != nil {
		return domain.Fill{TxRef: txRef}, fmt.Errorf("execution: swap confirm: %w", err)
	}

	return s.fill(order.Side, txRef, quote), nil
}

// fill reads the quoted amounts back as a Fill: Size is the base leg and
// AvgPrice the base paid or received per asset unit.
func (s *LiveSwapper) fill(side domain.Side, txRef string, q domain.Quote) domain.Fill {
	f := domain.Fill{TxRef: txRef}
	var qty float64
	if side == domain.SideBuy {
		f.AmountIn = fromBaseUnits(q.InAmount, s.cfg.BaseDecimals)
		f.AmountOut = fromBaseUnits(q.OutAmount, s.cfg.AssetDecimals)
		f.Size, qty = f.AmountIn, f.AmountOut
	} else {
		f.AmountIn = fromBaseUnits(q.InAmount, s.cfg.AssetDecimals)
		f.AmountOut = fromBaseUnits(q.OutAmount, s.cfg.BaseDecimals)
		f.Size, qty = f.AmountOut, f.AmountIn
	}
	if qty > 0 {
		f.AvgPrice = f.Size / qty
	}
	return f
}

// PaperSwapper fills every order at its expected price and keeps a
// simulated base balance per actor. It also serves as the balance reader in
// paper mode.
type PaperSwapper struct {
	mu       sync.Mutex
	initial  float64
	balances map[string]float64
	seq      int
}

// NewPaperSwapper gives every actor initial base units on first use.
func NewPaperSwapper(initial float64) *PaperSwapper {
	return &PaperSwapper{initial: initial, balances: make(map[string]float64)}
}

// Execute fills order in full. The base balance pays for buys and receives
// sells; a buy larger than the simulated balance is rejected.
func (p *PaperSwapper) Execute(_ context.Context, order domain.Order) (domain.Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if order.ExpectedPrice <= 0 {
		return domain.Fill{}, fmt.Errorf("execution: paper swap: %w: no expected price", domain.ErrInvalidOrder)
	}
	bal := p.balanceLocked(order.ActorID)
	switch order.Side {
	case domain.SideBuy:
		if order.Size > bal {
			return domain.Fill{}, fmt.Errorf("execution: paper swap: %w: %.6f above balance %.6f",
				domain.ErrInvalidOrder, order.Size, bal)
		}
		p.balances[order.ActorID] = bal - order.Size
	case domain.SideSell:
		p.balances[order.ActorID] = bal + order.Size
	default:
		return domain.Fill{}, fmt.Errorf("execution: paper swap: %w: side %q", domain.ErrInvalidOrder, order.Side)
	}

	p.seq++
	f := domain.Fill{
		TxRef:    fmt.Sprintf("paper-%d", p.seq),
		Size:     order.Size,
		AvgPrice: order.ExpectedPrice,
	}
	qty := order.Intent().Quantity()
	if order.Side == domain.SideBuy {
		f.AmountIn, f.AmountOut = order.Size, qty
	} else {
		f.AmountIn, f.AmountOut = qty, order.Size
	}
	return f, nil
}

// Balance returns the simulated base balance of address.
func (p *PaperSwapper) Balance(_ context.Context, address string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balanceLocked(address), nil
}

func (p *PaperSwapper) balanceLocked(address string) float64 {
	bal, ok := p.balances[address]
	if !ok {
		bal = p.initial
		p.balances[address] = bal
	}
	return bal
}

func toBaseUnits(amount float64, decimals int) *big.Int {
	scaled := new(big.Float).Mul(big.NewFloat(amount), new(big.Float).SetInt(pow10(decimals)))
	out, _ := scaled.Add(scaled, big.NewFloat(0.5)).Int(nil)
	return out
}

func fromBaseUnits(amount *big.Int, decimals int) float64 {
	if amount == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(amount), new(big.Float).SetInt(pow10(decimals))).Float64()
	return f
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
