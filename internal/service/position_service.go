package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/curvebot/internal/domain"
)

// AlertStopLoss is the notifier event for a stop-loss sell.
const AlertStopLoss = "stop_loss"

// PositionService keeps the in-memory position book that stop-loss sweeps
// read, and mirrors it to the store best-effort.
type PositionService struct {
	store  domain.PositionStore
	events *Events
	clock  func() time.Time
	logger *slog.Logger

	mu   sync.Mutex
	book map[string]*domain.Position
}

// NewPositionService creates a PositionService. store may be nil.
func NewPositionService(store domain.PositionStore, events *Events, logger *slog.Logger) *PositionService {
	return &PositionService{
		store:  store,
		events: events,
		clock:  time.Now,
		logger: logger.With(slog.String("component", "position_service")),
		book:   make(map[string]*domain.Position),
	}
}

func positionKey(actor, asset string) string { return actor + "|" + asset }

// Load seeds the book from the store's open positions.
func (s *PositionService) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	open, err := s.store.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("position_service: load: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range open {
		p := open[i]
		s.book[positionKey(p.ActorID, p.AssetID)] = &p
	}
	s.logger.InfoContext(ctx, "positions loaded", slog.Int("open", len(open)))
	return nil
}

// ApplyFill folds a filled order into the actor's position and returns the
// realized PnL of the fill, in base units, with the updated position.
func (s *PositionService) ApplyFill(ctx context.Context, o domain.Order) (float64, domain.Position) {
	delta := o.FilledQuantity()
	if o.Side == domain.SideSell {
		delta = -delta
	}

	s.mu.Lock()
	key := positionKey(o.ActorID, o.AssetID)
	p, ok := s.book[key]
	if !ok {
		p = &domain.Position{ActorID: o.ActorID, AssetID: o.AssetID}
		s.book[key] = p
	}
	realized := p.Apply(delta, o.AvgFillPrice, s.clock().UTC())
	snapshot := *p
	if p.Status == domain.PositionStatusClosed {
		delete(s.book, key)
	}
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Upsert(ctx, snapshot); err != nil {
			s.logger.WarnContext(ctx, "persist position failed",
				slog.String("actor", o.ActorID),
				slog.String("asset", o.AssetID),
				slog.String("error", err.Error()),
			)
		}
	}
	if snapshot.Status == domain.PositionStatusClosed {
		s.events.Publish(ctx, ChannelOrder, "position_closed", map[string]any{
			"actor":        snapshot.ActorID,
			"asset":        snapshot.AssetID,
			"realized_pnl": snapshot.RealizedPnL,
		})
	}
	return realized, snapshot
}

// Open returns the open positions ordered by actor then asset.
func (s *PositionService) Open() []domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Position, 0, len(s.book))
	for _, p := range s.book {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ActorID != out[j].ActorID {
			return out[i].ActorID < out[j].ActorID
		}
		return out[i].AssetID < out[j].AssetID
	})
	return out
}

// Get returns the open position of actor in asset.
func (s *PositionService) Get(actor, asset string) (domain.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.book[positionKey(actor, asset)]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// StopLossBreaches returns open positions in asset that sit at least
// lossPct below their average entry at price.
func (s *PositionService) StopLossBreaches(asset string, price, lossPct float64) []domain.Position {
	if price <= 0 || lossPct <= 0 {
		return nil
	}
	var out []domain.Position
	for _, p := range s.Open() {
		if p.AssetID == asset && p.Quantity > 0 && p.LossPct(price) >= lossPct {
			out = append(out, p)
		}
	}
	return out
}

// Value is the open quantity of asset across actors at price, in the units
// price is quoted in.
func (s *PositionService) Value(asset string, price float64) float64 {
	return s.Holdings(asset) * price
}

// Holdings sums the open quantity of asset across actors.
func (s *PositionService) Holdings(asset string) float64 {
	var total float64
	for _, p := range s.Open() {
		if p.AssetID == asset {
			total += p.Quantity
		}
	}
	return total
}

// Largest returns the open position in asset with the most quantity.
func (s *PositionService) Largest(asset string) (domain.Position, bool) {
	var best domain.Position
	found := false
	for _, p := range s.Open() {
		if p.AssetID == asset && p.Quantity > best.Quantity {
			best, found = p, true
		}
	}
	return best, found
}
