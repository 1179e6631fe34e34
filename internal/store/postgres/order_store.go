package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/curvebot/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// Compile-time interface check.
var _ domain.OrderStore = (*OrderStore)(nil)

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Create inserts an order. Re-creating an existing ID overwrites its
// mutable columns, so a retried write after a lost acknowledgement is safe.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			id, actor_id, asset_id, side, size, expected_price, max_slippage_pct,
			state, retry_count, filled_size, avg_fill_price, realized_slippage_pct,
			tx_ref, error, reason, created_at, submitted_at, completed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			state                 = EXCLUDED.state,
			retry_count           = EXCLUDED.retry_count,
			filled_size           = EXCLUDED.filled_size,
			avg_fill_price        = EXCLUDED.avg_fill_price,
			realized_slippage_pct = EXCLUDED.realized_slippage_pct,
			tx_ref                = EXCLUDED.tx_ref,
			error                 = EXCLUDED.error,
			submitted_at          = EXCLUDED.submitted_at,
			completed_at          = EXCLUDED.completed_at,
			updated_at            = NOW()`

	_, err := s.pool.Exec(ctx, query,
		o.ID, o.ActorID, o.AssetID, string(o.Side), o.Size, o.ExpectedPrice, o.MaxSlippagePct,
		string(o.State), o.RetryCount, o.FilledSize, o.AvgFillPrice, o.RealizedSlippagePct,
		o.TxRef, o.Error, o.Reason, o.CreatedAt, o.SubmittedAt, o.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}
	return nil
}

// Update writes the mutable columns of an existing order.
func (s *OrderStore) Update(ctx context.Context, o domain.Order) error {
	const query = `
		UPDATE orders SET
			state = $2, retry_count = $3, filled_size = $4, avg_fill_price = $5,
			realized_slippage_pct = $6, tx_ref = $7, error = $8,
			submitted_at = $9, completed_at = $10, updated_at = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		o.ID, string(o.State), o.RetryCount, o.FilledSize, o.AvgFillPrice,
		o.RealizedSlippagePct, o.TxRef, o.Error, o.SubmittedAt, o.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update order %s: %w", o.ID, domain.ErrNotFound)
	}
	return nil
}

const orderSelectCols = `id, actor_id, asset_id, side, size, expected_price, max_slippage_pct,
	state, retry_count, filled_size, avg_fill_price, realized_slippage_pct,
	tx_ref, error, reason, created_at, submitted_at, completed_at`

func scanOrder(row rowScanner) (domain.Order, error) {
	var o domain.Order
	var side, state string
	err := row.Scan(
		&o.ID, &o.ActorID, &o.AssetID, &side, &o.Size, &o.ExpectedPrice, &o.MaxSlippagePct,
		&state, &o.RetryCount, &o.FilledSize, &o.AvgFillPrice, &o.RealizedSlippagePct,
		&o.TxRef, &o.Error, &o.Reason, &o.CreatedAt, &o.SubmittedAt, &o.CompletedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Side = domain.Side(side)
	o.State = domain.OrderState(state)
	return o, nil
}

func collectOrders(rows pgx.Rows) ([]domain.Order, error) {
	defer rows.Close()
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetByID retrieves a single order.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// ListByState returns orders in any of states, newest first. An empty
// states slice matches every order.
func (s *OrderStore) ListByState(ctx context.Context, states []domain.OrderState, opts domain.ListOpts) ([]domain.Order, error) {
	q := newRangeQuery(`SELECT ` + orderSelectCols + ` FROM orders WHERE 1=1`)
	if len(states) > 0 {
		names := make([]string, len(states))
		for i, st := range states {
			names[i] = string(st)
		}
		q.where("state = ANY(%s)", names)
	}
	q.window("created_at", opts.Since, opts.Until)
	q.page("created_at DESC", opts.Limit, opts.Offset)

	rows, err := s.pool.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders: %w", err)
	}
	orders, err := collectOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders: %w", err)
	}
	return orders, nil
}

// ListBefore returns terminal orders created before the cutoff, oldest
// first.
func (s *OrderStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.Order, error) {
	q := newRangeQuery(`SELECT `+orderSelectCols+` FROM orders
		WHERE state IN ('filled', 'rejected', 'expired', 'cancelled')`)
	q.where("created_at < %s", before)
	q.page("created_at ASC", limit, 0)

	rows, err := s.pool.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders before %s: %w", before.Format(time.RFC3339), err)
	}
	orders, err := collectOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders: %w", err)
	}
	return orders, nil
}
