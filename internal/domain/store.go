package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OrderStore persists orders and their state transitions.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	Update(ctx context.Context, order Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	ListByState(ctx context.Context, states []OrderState, opts ListOpts) ([]Order, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]Order, error)
}

// PositionStore persists net positions keyed by actor and asset.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	Get(ctx context.Context, actorID, assetID string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
}

// TransactionStore persists confirmed swaps.
type TransactionStore interface {
	Record(ctx context.Context, tx Transaction) error
	ListRecent(ctx context.Context, opts ListOpts) ([]Transaction, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]Transaction, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]AuditEntry, error)
}

// PriceHistoryStore persists observed prices.
type PriceHistoryStore interface {
	Record(ctx context.Context, p PricePoint) error
	Recent(ctx context.Context, assetID string, limit int) ([]PricePoint, error)
}

// ActorSnapshotStore persists periodic actor balance snapshots.
type ActorSnapshotStore interface {
	Record(ctx context.Context, snaps []ActorSnapshot) error
}
