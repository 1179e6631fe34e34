package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/curvebot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `actor_id, asset_id, quantity, avg_entry, realized_pnl,
	status, opened_at, updated_at, closed_at`

func scanPosition(row rowScanner) (domain.Position, error) {
	var p domain.Position
	var status string
	err := row.Scan(
		&p.ActorID, &p.AssetID, &p.Quantity, &p.AvgEntry, &p.RealizedPnL,
		&status, &p.OpenedAt, &p.UpdatedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	return p, nil
}

// Upsert writes the position keyed by actor and asset.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			actor_id, asset_id, quantity, avg_entry, realized_pnl,
			status, opened_at, updated_at, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (actor_id, asset_id) DO UPDATE SET
			quantity     = EXCLUDED.quantity,
			avg_entry    = EXCLUDED.avg_entry,
			realized_pnl = EXCLUDED.realized_pnl,
			status       = EXCLUDED.status,
			opened_at    = EXCLUDED.opened_at,
			updated_at   = EXCLUDED.updated_at,
			closed_at    = EXCLUDED.closed_at`

	_, err := s.pool.Exec(ctx, query,
		p.ActorID, p.AssetID, p.Quantity, p.AvgEntry, p.RealizedPnL,
		string(p.Status), p.OpenedAt, p.UpdatedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s/%s: %w", p.ActorID, p.AssetID, err)
	}
	return nil
}

// Get returns the position of actorID in assetID.
func (s *PositionStore) Get(ctx context.Context, actorID, assetID string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE actor_id = $1 AND asset_id = $2`,
		actorID, assetID)
	p, err := scanPosition(row)
	if err != nil {
		if isNoRows(err) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s/%s: %w", actorID, assetID, err)
	}
	return p, nil
}

// ListOpen returns every open position.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE status = 'open' ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list open positions rows: %w", err)
	}
	return out, nil
}
