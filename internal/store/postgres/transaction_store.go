package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/curvebot/internal/domain"
)

// TransactionStore implements domain.TransactionStore using PostgreSQL.
type TransactionStore struct {
	pool *pgxpool.Pool
}

// Compile-time interface check.
var _ domain.TransactionStore = (*TransactionStore)(nil)

// NewTransactionStore creates a new TransactionStore backed by the given connection pool.
func NewTransactionStore(pool *pgxpool.Pool) *TransactionStore {
	return &TransactionStore{pool: pool}
}

// Record inserts a confirmed swap. A duplicate tx_ref is ignored.
func (s *TransactionStore) Record(ctx context.Context, t domain.Transaction) error {
	const query = `
		INSERT INTO transactions (
			tx_ref, order_id, actor_id, asset_id, side,
			amount_in, amount_out, price, slippage_pct, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tx_ref) DO NOTHING`

	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, query,
		t.TxRef, t.OrderID, t.ActorID, t.AssetID, string(t.Side),
		t.AmountIn, t.AmountOut, t.Price, t.SlippagePct, t.Status, createdAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: record transaction %s: %w", t.TxRef, err)
	}
	return nil
}

const txSelectCols = `id, tx_ref, order_id, actor_id, asset_id, side,
	amount_in, amount_out, price, slippage_pct, status, created_at`

func collectTransactions(rows pgx.Rows) ([]domain.Transaction, error) {
	defer rows.Close()
	var out []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var side string
		if err := rows.Scan(
			&t.ID, &t.TxRef, &t.OrderID, &t.ActorID, &t.AssetID, &side,
			&t.AmountIn, &t.AmountOut, &t.Price, &t.SlippagePct, &t.Status, &t.CreatedAt,
		); err != nil {
			return nil, err
		}
		t.Side = domain.Side(side)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListRecent returns transactions newest first.
func (s *TransactionStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Transaction, error) {
	q := newRangeQuery(`SELECT ` + txSelectCols + ` FROM transactions WHERE 1=1`)
	q.window("created_at", opts.Since, opts.Until)
	q.page("created_at DESC", opts.Limit, opts.Offset)

	rows, err := s.pool.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transactions: %w", err)
	}
	out, err := collectTransactions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan transactions: %w", err)
	}
	return out, nil
}

// ListBefore returns transactions created before the cutoff, oldest first.
func (s *TransactionStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.Transaction, error) {
	q := newRangeQuery(`SELECT `+txSelectCols+` FROM transactions WHERE created_at < $1`, before)
	q.page("created_at ASC", limit, 0)

	rows, err := s.pool.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transactions before: %w", err)
	}
	out, err := collectTransactions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan transactions: %w", err)
	}
	return out, nil
}
