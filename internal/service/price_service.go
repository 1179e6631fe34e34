package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/curvebot/internal/domain"
)

// PriceService caches the latest price and keeps the price history.
type PriceService struct {
	cache   domain.PriceCache
	history domain.PriceHistoryStore
	logger  *slog.Logger
}

// NewPriceService creates a PriceService. Either dependency may be nil.
func NewPriceService(cache domain.PriceCache, history domain.PriceHistoryStore, logger *slog.Logger) *PriceService {
	return &PriceService{
		cache:   cache,
		history: history,
		logger:  logger.With(slog.String("component", "price_service")),
	}
}

// Record stores p in the cache and the history. Failures are logged.
func (s *PriceService) Record(ctx context.Context, p domain.PricePoint) {
	if p.Price <= 0 {
		return
	}
	if s.cache != nil {
		if err := s.cache.SetPrice(ctx, p.AssetID, p.Price, p.Timestamp); err != nil {
			s.logger.WarnContext(ctx, "cache price failed",
				slog.String("asset", p.AssetID),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.history != nil {
		if err := s.history.Record(ctx, p); err != nil {
			s.logger.WarnContext(ctx, "record price failed",
				slog.String("asset", p.AssetID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Latest returns the cached price of asset and when it was observed.
func (s *PriceService) Latest(ctx context.Context, asset string) (float64, time.Time, error) {
	if s.cache == nil {
		return 0, time.Time{}, fmt.Errorf("price_service: latest %q: %w", asset, domain.ErrPriceUnavailable)
	}
	price, ts, err := s.cache.GetPrice(ctx, asset)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("price_service: latest %q: %w", asset, err)
	}
	return price, ts, nil
}

// Recent returns up to limit stored observations of asset, newest first.
func (s *PriceService) Recent(ctx context.Context, asset string, limit int) ([]domain.PricePoint, error) {
	if s.history == nil {
		return nil, nil
	}
	pts, err := s.history.Recent(ctx, asset, limit)
	if err != nil {
		return nil, fmt.Errorf("price_service: recent %q: %w", asset, err)
	}
	return pts, nil
}
