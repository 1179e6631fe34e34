// Package server is the administrative HTTP and WebSocket surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/curvebot/internal/domain"
	"github.com/alanyoungcy/curvebot/internal/server/handler"
	"github.com/alanyoungcy/curvebot/internal/server/middleware"
	"github.com/alanyoungcy/curvebot/internal/server/ws"
)

const shutdownTimeout = 10 * time.Second

// Config holds the HTTP server configuration.
type Config struct {
	Addr        string
	CORSOrigins []string
	// APIKey enables authentication when non-empty.
	APIKey          string
	RateLimit       int
	RateLimitWindow time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
}

// Handlers aggregates the HTTP handlers. Nil entries leave their routes
// unregistered.
type Handlers struct {
	Health       *handler.HealthHandler
	Status       *handler.StatusHandler
	Risk         *handler.RiskHandler
	Phase        *handler.PhaseHandler
	Actors       *handler.ActorHandler
	Orders       *handler.OrderHandler
	Positions    *handler.PositionHandler
	Capital      *handler.CapitalHandler
	Distribution *handler.DistributionHandler
	Engine       *handler.EngineHandler
	Metrics      http.Handler
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware
// chain. limiter may be nil to disable rate limiting.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))

	var root http.Handler = routes(h, hub)
	root = middleware.Auth(cfg.APIKey, "/api/health")(root)
	root = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateLimitWindow, logger)(root)
	root = middleware.Logging(logger)(root)
	root = middleware.CORS(cfg.CORSOrigins)(root)

	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           root,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

func routes(h Handlers, hub *ws.Hub) *http.ServeMux {
	mux := http.NewServeMux()
	if h.Health != nil {
		mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	}
	if h.Status != nil {
		mux.HandleFunc("GET /api/status", h.Status.GetStatus)
	}
	if h.Risk != nil {
		mux.HandleFunc("GET /api/risk", h.Risk.GetRisk)
		mux.HandleFunc("PUT /api/risk/rules", h.Risk.UpdateRules)
		mux.HandleFunc("POST /api/risk/halt", h.Risk.Halt)
		mux.HandleFunc("POST /api/risk/reset", h.Risk.Reset)
	}
	if h.Phase != nil {
		mux.HandleFunc("GET /api/phase", h.Phase.GetPhase)
		mux.HandleFunc("PUT /api/phase", h.Phase.SetPhase)
	}
	if h.Actors != nil {
		mux.HandleFunc("GET /api/actors", h.Actors.ListActors)
		mux.HandleFunc("GET /api/actors/active", h.Actors.GetActive)
		mux.HandleFunc("PUT /api/actors/active", h.Actors.SetActive)
		mux.HandleFunc("POST /api/actors/{address}/enable", h.Actors.Enable)
		mux.HandleFunc("POST /api/actors/{address}/disable", h.Actors.Disable)
		mux.HandleFunc("POST /api/actors/{address}/activate", h.Actors.Activate)
		mux.HandleFunc("POST /api/actors/{address}/deactivate", h.Actors.Deactivate)
	}
	if h.Orders != nil {
		mux.HandleFunc("GET /api/orders", h.Orders.ListOrders)
		mux.HandleFunc("DELETE /api/orders/{id}", h.Orders.CancelOrder)
	}
	if h.Positions != nil {
		mux.HandleFunc("GET /api/positions", h.Positions.ListPositions)
	}
	if h.Capital != nil {
		mux.HandleFunc("GET /api/capital", h.Capital.GetCapital)
	}
	if h.Distribution != nil {
		mux.HandleFunc("GET /api/distribution", h.Distribution.GetDistribution)
		mux.HandleFunc("POST /api/distribution/schedule", h.Distribution.CreateSchedule)
		mux.HandleFunc("POST /api/distribution/targets", h.Distribution.SetTargets)
		mux.HandleFunc("POST /api/distribution/{action}", h.Distribution.Control)
	}
	if h.Engine != nil {
		mux.HandleFunc("POST /api/engine/{action}", h.Engine.Control)
	}
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}
	return mux
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return <-errCh
}
