// Package evm submits signed transactions to an EVM JSON-RPC node and
// tracks their confirmation.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/curvebot/internal/domain"
)

const (
	DefaultConfirmTimeout  = 30 * time.Second
	DefaultConfirmInterval = time.Second
)

// weiPerUnit converts native balances to whole units.
var weiPerUnit = new(big.Float).SetFloat64(1e18)

// Backend is the subset of ethclient.Client the chain adapter uses.
type Backend interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Chain implements domain.Chain over a JSON-RPC backend.
type Chain struct {
	backend Backend
	closer  func()
	logger  *slog.Logger
}

// Compile-time interface check.
var _ domain.Chain = (*Chain)(nil)

// Dial connects to the node at rawURL.
func Dial(ctx context.Context, rawURL string, logger *slog.Logger) (*Chain, error) {
	rc, err := rpc.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial: %w", err)
	}
	c := New(ethclient.NewClient(rc), logger)
	c.closer = rc.Close
	return c, nil
}

// New wraps an existing backend.
func New(backend Backend, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		backend: backend,
		closer:  func() {},
		logger:  logger.With(slog.String("component", "evm")),
	}
}

// Close releases the RPC connection.
func (c *Chain) Close() {
	c.closer()
}

// Submit broadcasts an encoded signed transaction and returns its hash.
func (c *Chain) Submit(ctx context.Context, signed []byte) (string, error) {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(signed); err != nil {
		return "", fmt.Errorf("evm: submit: decode transaction: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, &tx); err != nil {
		return "", fmt.Errorf("evm: submit %s: %w", tx.Hash().Hex(), classify(err))
	}
	c.logger.DebugContext(ctx, "transaction sent", slog.String("tx", tx.Hash().Hex()))
	return tx.Hash().Hex(), nil
}

// PollStatus reports whether txRef has been mined and whether it succeeded.
func (c *Chain) PollStatus(ctx context.Context, txRef string) (domain.TxStatus, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(txRef))
	if errors.Is(err, ethereum.NotFound) {
		return domain.TxPending, nil
	}
	if err != nil {
		return domain.TxPending, fmt.Errorf("evm: receipt %s: %w", txRef, classify(err))
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return domain.TxConfirmed, nil
	}
	return domain.TxFailed, nil
}

// Balance returns the native balance of address in whole units.
func (c *Chain) Balance(ctx context.Context, address string) (float64, error) {
	if !common.IsHexAddress(address) {
		return 0, fmt.Errorf("evm: balance: invalid address %q", address)
	}
	wei, err := c.backend.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return 0, fmt.Errorf("evm: balance %s: %w", address, classify(err))
	}
	units, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), weiPerUnit).Float64()
	return units, nil
}

// Confirm polls chain until txRef leaves pending or timeout elapses.
// A failed transaction returns domain.ErrTxFailed; running out of time
// returns domain.ErrTxTimeout.
func Confirm(ctx context.Context, chain domain.Chain, txRef string, timeout, interval time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	if interval <= 0 {
		interval = DefaultConfirmInterval
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := chain.PollStatus(ctx, txRef)
		switch {
		case err != nil && ctx.Err() == nil:
			// Poll errors are retried until the deadline.
		case status == domain.TxConfirmed:
			return nil
		case status == domain.TxFailed:
			return fmt.Errorf("evm: confirm %s: %w", txRef, domain.ErrTxFailed)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return fmt.Errorf("evm: confirm %s: %w", txRef, ctx.Err())
			}
			return fmt.Errorf("evm: confirm %s: %w", txRef, domain.ErrTxTimeout)
		case <-ticker.C:
		}
	}
}

// classify marks node errors the execution engine may retry.
func classify(err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrTransient, err)
}
