package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/curvebot/internal/domain"
	"github.com/alanyoungcy/curvebot/internal/engine"
	"github.com/alanyoungcy/curvebot/internal/execution"
	"github.com/alanyoungcy/curvebot/internal/server"
	"github.com/alanyoungcy/curvebot/internal/server/handler"
	"github.com/alanyoungcy/curvebot/internal/server/ws"
	"github.com/alanyoungcy/curvebot/internal/service"
	"github.com/alanyoungcy/curvebot/internal/wallet"
)

// TradeMode executes approved orders on chain with the keystore actors.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	if deps.Chain == nil || deps.Signer == nil {
		return errors.New("app: trade mode requires chain.rpc_url")
	}
	swapper := execution.NewLiveSwapper(deps.Venue, deps.Chain, deps.Pool, deps.Signer, execution.SwapConfig{
		BaseAsset:       a.cfg.Execution.BaseAsset,
		BaseDecimals:    a.cfg.Execution.BaseDecimals,
		AssetDecimals:   a.cfg.Execution.AssetDecimals,
		ConfirmTimeout:  a.cfg.Execution.ConfirmTimeout.Duration,
		ConfirmInterval: a.cfg.Execution.ConfirmInterval.Duration,
	}, a.logger)

	n, err := deps.Orders.Reconcile(ctx, deps.Chain)
	if err != nil {
		a.logger.WarnContext(ctx, "order reconciliation failed", slog.String("error", err.Error()))
	} else if n > 0 {
		a.logger.InfoContext(ctx, "reconciled in-flight orders", slog.Int("orders", n))
	}
	return a.runLoop(ctx, deps, swapper, deps.Chain)
}

// PaperMode simulates fills at the quoted price against in-memory balances.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	paper := execution.NewPaperSwapper(a.cfg.Capital.PaperBalance)
	return a.runLoop(ctx, deps, paper, paper)
}

// MonitorMode runs the full decision path but never executes an order.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	var balances wallet.BalanceReader
	if deps.Chain != nil {
		balances = deps.Chain
	}
	return a.runLoop(ctx, deps, nil, balances)
}

// runLoop builds the orchestrator and runs it alongside the API server, the
// WebSocket hub and the archiver until ctx is done.
func (a *App) runLoop(ctx context.Context, deps *Dependencies, swaps domain.SwapExecutor, balances wallet.BalanceReader) error {
	if err := deps.Positions.Load(ctx); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if balances != nil {
		deps.Pool.RefreshBalances(ctx, balances)
	}

	orch, err := engine.NewOrchestrator(engine.Deps{
		Ledger:       deps.Ledger,
		Policies:     deps.Policies,
		Detector:     deps.Detector,
		Sizer:        deps.Sizer,
		Gate:         deps.Gate,
		Pool:         deps.Pool,
		Execution:    deps.Execution,
		Market:       deps.Venue,
		Swaps:        swaps,
		Balances:     balances,
		Distribution: deps.Distribution,
		Snapshots:    deps.Snapshots,
		Locks:        deps.LockManager,
		Metrics:      deps.Metrics,
		Orders:       deps.Orders,
		Positions:    deps.Positions,
		Prices:       deps.Prices,
		Risk:         deps.Risk,
		Events:       deps.Events,
	}, engine.Config{
		AssetID:             a.cfg.Engine.AssetID,
		MinConfidence:       a.cfg.Engine.MinConfidence,
		SelectStrategy:      domain.SelectionStrategy(a.cfg.Engine.SelectionStrategy),
		MinActorBalance:     a.cfg.Engine.MinActorBalance,
		SubmitTimeout:       a.cfg.Engine.SubmitTimeout.Duration,
		LockTTL:             a.cfg.Engine.LockTTL.Duration,
		BalanceRefreshEvery: a.cfg.Engine.BalanceRefreshEvery,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if d := a.cfg.Engine.CycleInterval.Duration; d > 0 {
		orch.SetCycleInterval(d)
	}
	deps.Ledger.Refresh(ctx, deps.Pool)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return orch.Run(ctx)
	})

	if a.cfg.Server.Enabled {
		var hub *ws.Hub
		if deps.SignalBus != nil {
			hub = ws.NewHub(deps.SignalBus, ws.Config{
				Channels: []string{
					service.ChannelCycle,
					service.ChannelOrder,
					service.ChannelRisk,
					service.ChannelPhase,
				},
				AllowedOrigins: a.cfg.Server.CORSOrigins,
				Mode:           a.cfg.Mode,
				StartedAt:      a.startedAt,
			}, a.logger)
			g.Go(func() error {
				return hub.Run(ctx)
			})
		}
		srv := a.buildServer(deps, orch, hub)
		g.Go(func() error {
			return srv.Run(ctx)
		})
	}

	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx, a.cfg.Archive.Interval.Duration)
		})
	}

	return g.Wait()
}

// buildServer assembles the admin API over the running components.
func (a *App) buildServer(deps *Dependencies, orch *engine.Orchestrator, hub *ws.Hub) *server.Server {
	checks := map[string]handler.Pinger{}
	if deps.Postgres != nil {
		checks["postgres"] = deps.Postgres
	}
	if deps.Redis != nil {
		checks["redis"] = deps.Redis
	}
	if deps.S3 != nil {
		checks["s3"] = handler.PingFunc(deps.S3.Health)
	}

	h := server.Handlers{
		Health: handler.NewHealthHandler(checks, a.logger),
		Status: handler.NewStatusHandler(a.cfg.Mode, a.cfg.Engine.AssetID, a.startedAt, handler.StatusSources{
			Engine:    orch,
			Execution: deps.Execution,
			Pool:      deps.Pool,
		}),
		Risk:         handler.NewRiskHandler(deps.Risk, a.logger),
		Phase:        handler.NewPhaseHandler(orch, deps.Policies),
		Actors:       handler.NewActorHandler(deps.Pool, a.logger),
		Orders:       handler.NewOrderHandler(deps.Orders, deps.Execution, a.logger),
		Positions:    handler.NewPositionHandler(deps.Positions),
		Capital:      handler.NewCapitalHandler(deps.Ledger),
		Distribution: handler.NewDistributionHandler(deps.Distribution, a.logger),
		Engine:       handler.NewEngineHandler(orch, a.logger),
		Metrics:      deps.Metrics.Handler(),
	}

	return server.NewServer(server.Config{
		Addr:            fmt.Sprintf(":%d", a.cfg.Server.Port),
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
	}, h, hub, deps.RateLimiter, a.logger)
}
