package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/curvebot/internal/domain"
)

// PriceHistoryStore implements domain.PriceHistoryStore using PostgreSQL.
type PriceHistoryStore struct {
	pool *pgxpool.Pool
}

// Compile-time interface check.
var _ domain.PriceHistoryStore = (*PriceHistoryStore)(nil)

// NewPriceHistoryStore creates a new PriceHistoryStore.
func NewPriceHistoryStore(pool *pgxpool.Pool) *PriceHistoryStore {
	return &PriceHistoryStore{pool: pool}
}

// Record appends one observation.
func (s *PriceHistoryStore) Record(ctx context.Context, p domain.PricePoint) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_history (asset_id, price, volume, source, ts) VALUES ($1, $2, $3, $4, $5)`,
		p.AssetID, p.Price, p.Volume, p.Source, p.Timestamp)
	if err != nil {
		return fmt.Errorf("postgres: record price %s: %w", p.AssetID, err)
	}
	return nil
}

// Recent returns up to limit observations of assetID in chronological
// order, ending with the newest.
func (s *PriceHistoryStore) Recent(ctx context.Context, assetID string, limit int) ([]domain.PricePoint, error) {
	const query = `
		SELECT asset_id, price, volume, source, ts FROM (
			SELECT asset_id, price, volume, source, ts FROM price_history
			WHERE asset_id = $1 ORDER BY ts DESC LIMIT $2
		) latest ORDER BY ts ASC`

	rows, err := s.pool.Query(ctx, query, assetID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent prices %s: %w", assetID, err)
	}
	pts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.PricePoint, error) {
		var p domain.PricePoint
		err := row.Scan(&p.AssetID, &p.Price, &p.Volume, &p.Source, &p.Timestamp)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan prices %s: %w", assetID, err)
	}
	return pts, nil
}

// ActorSnapshotStore implements domain.ActorSnapshotStore using PostgreSQL.
type ActorSnapshotStore struct {
	pool *pgxpool.Pool
}

// Compile-time interface check.
var _ domain.ActorSnapshotStore = (*ActorSnapshotStore)(nil)

// NewActorSnapshotStore creates a new ActorSnapshotStore.
func NewActorSnapshotStore(pool *pgxpool.Pool) *ActorSnapshotStore {
	return &ActorSnapshotStore{pool: pool}
}

// Record inserts snaps in one batch.
func (s *ActorSnapshotStore) Record(ctx context.Context, snaps []domain.ActorSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	rows := make([][]any, len(snaps))
	for i, sn := range snaps {
		rows[i] = []any{sn.Address, sn.Balance, sn.Exposure, string(sn.Health), sn.TakenAt}
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"actor_snapshots"},
		[]string{"address", "balance", "exposure", "health", "taken_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("postgres: record actor snapshots: %w", err)
	}
	return nil
}
