package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/curvebot/internal/capital"
	"github.com/alanyoungcy/curvebot/internal/crypto"
	"github.com/alanyoungcy/curvebot/internal/distribution"
	"github.com/alanyoungcy/curvebot/internal/domain"
	"github.com/alanyoungcy/curvebot/internal/engine"
	"github.com/alanyoungcy/curvebot/internal/phase"
	"github.com/alanyoungcy/curvebot/internal/risk"
	"github.com/alanyoungcy/curvebot/internal/server/handler"
	"github.com/alanyoungcy/curvebot/internal/service"
	"github.com/alanyoungcy/curvebot/internal/wallet"
)

const actorA = "0xaaaa000000000000000000000000000000000001"

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type noSecrets struct{}

func (noSecrets) Get(string) (crypto.Material, bool) { return nil, false }

// loop stands in for the orchestrator.
type loop struct {
	book     *phase.Book
	paused   bool
	interval time.Duration
}

func (l *loop) Pause()  { l.paused = true }
func (l *loop) Resume() { l.paused = false }

func (l *loop) Status() engine.Status {
	return engine.Status{Paused: l.paused, Phase: l.book.Active().Name}
}

func (l *loop) SetPhase(_ context.Context, name phase.Name) (phase.Policy, error) {
	if err := l.book.Set(name); err != nil {
		return phase.Policy{}, err
	}
	return l.book.Active(), nil
}

func (l *loop) SetCycleInterval(d time.Duration) time.Duration {
	l.interval = d
	return d
}

func (l *loop) Interval() time.Duration { return l.interval }

type liveOrders struct {
	active []domain.Order
}

func (l *liveOrders) Active() []domain.Order { return l.active }

func (l *liveOrders) Cancel(id string) error {
	for _, o := range l.active {
		if o.ID != id {
			continue
		}
		if o.State != domain.OrderPending {
			return domain.ErrOrderInFlight
		}
		return nil
	}
	return domain.ErrNotFound
}

type history struct{ states []domain.OrderState }

func (h *history) List(_ context.Context, states []domain.OrderState, _ domain.ListOpts) ([]domain.Order, error) {
	h.states = states
	return []domain.Order{{ID: "old", State: domain.OrderFilled}}, nil
}

type ledger struct{}

func (ledger) Status() capital.Status { return capital.Status{BudgetUSD: 1000, UtilizationPct: 12.5} }

type limiter struct{ allow bool }

func (l limiter) Allow(context.Context, string, int, time.Duration) (bool, error) { return l.allow, nil }

type fixture struct {
	srv   *Server
	loop  *loop
	gate  *risk.Gate
	pool  *wallet.Pool
	sched *distribution.Scheduler
	hist  *history
}

func newFixture(t *testing.T, cfg Config, lim domain.RateLimiter) *fixture {
	t.Helper()
	logger := discard()

	book, err := phase.NewBook(phase.Defaults(), phase.StealthAccumulation)
	require.NoError(t, err)
	lp := &loop{book: book, interval: 30 * time.Second}

	gate := risk.NewGate(risk.Config{Rules: risk.DefaultRules()}, logger)
	pool := wallet.NewPool(noSecrets{}, wallet.PoolConfig{}, logger)
	require.NoError(t, pool.Register(actorA, domain.RoleTrading, "a"))
	sched := distribution.NewScheduler(nil, logger)
	hist := &history{}
	live := &liveOrders{active: []domain.Order{
		{ID: "p1", State: domain.OrderPending},
		{ID: "s1", State: domain.OrderSubmitted},
	}}

	h := Handlers{
		Health:       handler.NewHealthHandler(map[string]handler.Pinger{"redis": handler.PingFunc(func(context.Context) error { return nil })}, logger),
		Status:       handler.NewStatusHandler("paper", "TKN", time.Now(), handler.StatusSources{Engine: lp, Pool: pool}),
		Risk:         handler.NewRiskHandler(service.NewRiskService(gate, nil, logger), logger),
		Phase:        handler.NewPhaseHandler(lp, book),
		Actors:       handler.NewActorHandler(pool, logger),
		Orders:       handler.NewOrderHandler(hist, live, logger),
		Capital:      handler.NewCapitalHandler(ledger{}),
		Distribution: handler.NewDistributionHandler(sched, logger),
		Engine:       handler.NewEngineHandler(lp, logger),
		Metrics:      http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "# metrics\n") }),
	}
	return &fixture{
		srv:   NewServer(cfg, h, nil, lim, logger),
		loop:  lp,
		gate:  gate,
		pool:  pool,
		sched: sched,
		hist:  hist,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string, hdr ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)

	out := map[string]any{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestHealthAndStatus(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	rec, body := f.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec, body = f.do(t, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "paper", body["mode"])
	assert.Contains(t, body, "engine")
	assert.Contains(t, body, "actors")
}

func TestAuthProtectsAllButHealth(t *testing.T) {
	f := newFixture(t, Config{APIKey: "k3y"}, nil)

	rec, _ := f.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/risk", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/risk", "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/risk", "", "Authorization", "Bearer k3y")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/metrics", "", "X-API-Key", "k3y")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")
}

func TestRateLimitRejects(t *testing.T) {
	f := newFixture(t, Config{RateLimit: 5, RateLimitWindow: time.Second}, limiter{allow: false})
	rec, body := f.do(t, http.MethodGet, "/api/capital", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate limit exceeded", body["error"])
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, Config{APIKey: "k3y", CORSOrigins: []string{"https://ops.example"}}, nil)
	rec, _ := f.do(t, http.MethodOptions, "/api/risk", "", "Origin", "https://ops.example")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ops.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRiskEndpoints(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	rec, body := f.do(t, http.MethodPost, "/api/risk/halt", `{"reason":"manual"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["halted"])
	assert.True(t, f.gate.Status().Halted)

	rec, body = f.do(t, http.MethodPost, "/api/risk/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["halted"])

	rec, body = f.do(t, http.MethodPut, "/api/risk/rules", `{"max_daily_volume": 123}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 123.0, body["max_daily_volume"])
	assert.Equal(t, 123.0, f.gate.Rules().MaxDailyVolume)

	rec, _ = f.do(t, http.MethodPut, "/api/risk/rules", `{"bogus": 1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPhaseEndpoints(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	rec, body := f.do(t, http.MethodGet, "/api/phase", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(phase.StealthAccumulation), body["active"].(map[string]any)["name"])

	rec, body = f.do(t, http.MethodPut, "/api/phase", `{"phase":"stabilization","cycle_interval_sec":45}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stabilization", body["active"].(map[string]any)["name"])
	assert.Equal(t, 45.0, body["cycle_interval_sec"])

	rec, _ = f.do(t, http.MethodPut, "/api/phase", `{"phase":"moon"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPut, "/api/phase", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestActorEndpoints(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	rec, body := f.do(t, http.MethodPost, "/api/actors/"+actorA+"/disable", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "disable", body["action"])
	a, _ := f.pool.Get(actorA)
	assert.Equal(t, domain.HealthDisabled, a.Health)

	rec, _ = f.do(t, http.MethodPost, "/api/actors/"+actorA+"/enable", "")
	require.Equal(t, http.StatusOK, rec.Code)
	a, _ = f.pool.Get(actorA)
	assert.Equal(t, domain.HealthHealthy, a.Health)

	rec, _ = f.do(t, http.MethodPost, "/api/actors/0xdead/enable", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/api/actors", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["actors"], 1)
}

func TestActiveSetEndpoints(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	const actorB = "0xbbbb000000000000000000000000000000000002"
	require.NoError(t, f.pool.Register(actorB, domain.RoleTrading, "b"))

	rec, body := f.do(t, http.MethodGet, "/api/actors/active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["active"])
	assert.Equal(t, actorA, body["primary"])

	rec, body = f.do(t, http.MethodPut, "/api/actors/active", `{"addresses":["`+actorB+`"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{actorB}, body["active"])
	assert.Equal(t, actorB, body["primary"])
	assert.Equal(t, []string{actorB}, f.pool.Active())

	sel, ok := f.pool.Select(wallet.SelectOptions{})
	require.True(t, ok)
	assert.Equal(t, actorB, sel.Address)

	rec, _ = f.do(t, http.MethodPost, "/api/actors/"+actorA+"/activate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{actorB, actorA}, f.pool.Active())

	rec, _ = f.do(t, http.MethodPost, "/api/actors/"+actorB+"/deactivate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{actorA}, f.pool.Active())

	rec, _ = f.do(t, http.MethodPut, "/api/actors/active", `{"addresses":["0xdead"]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, []string{actorA}, f.pool.Active())

	rec, _ = f.do(t, http.MethodPut, "/api/actors/active", `{"bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOrderEndpoints(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	rec, body := f.do(t, http.MethodGet, "/api/orders?state=filled,rejected&limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["active"], 2)
	assert.Len(t, body["orders"], 1)
	assert.Equal(t, []domain.OrderState{domain.OrderFilled, domain.OrderRejected}, f.hist.states)

	rec, _ = f.do(t, http.MethodGet, "/api/orders?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	tests := []struct {
		id   string
		want int
	}{
		{"p1", http.StatusOK},
		{"s1", http.StatusConflict},
		{"nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec, _ := f.do(t, http.MethodDelete, "/api/orders/"+tt.id, "")
		assert.Equal(t, tt.want, rec.Code, tt.id)
	}
}

func TestCapitalEndpoint(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	rec, body := f.do(t, http.MethodGet, "/api/capital", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1000.0, body["budget_usd"])
}

func TestDistributionEndpoints(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	rec, _ := f.do(t, http.MethodPost, "/api/distribution/pause", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, body := f.do(t, http.MethodPost, "/api/distribution/schedule",
		`{"strategy":"twap","total_amount":1000,"duration_sec":3600,"steps":4}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 250.0, body["amount_per_step"])

	rec, _ = f.do(t, http.MethodPost, "/api/distribution/schedule", `{"total_amount":-1,"duration_sec":60}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/distribution/targets", `{"targets":[{"price":0.02,"sell_percent":10}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, f.sched.Status().Targets, 1)

	rec, _ = f.do(t, http.MethodPost, "/api/distribution/targets", `{"targets":[{"price":0.02,"sell_percent":150}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = f.do(t, http.MethodPost, "/api/distribution/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["active_schedule"].(map[string]any)["paused"])

	rec, _ = f.do(t, http.MethodPost, "/api/distribution/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, f.sched.Status().Schedule)

	rec, _ = f.do(t, http.MethodPost, "/api/distribution/explode", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEngineEndpoint(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	rec, body := f.do(t, http.MethodPost, "/api/engine/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["paused"])
	assert.True(t, f.loop.paused)

	rec, _ = f.do(t, http.MethodPost, "/api/engine/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.loop.paused)

	rec, _ = f.do(t, http.MethodPost, "/api/engine/reboot", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthReportsDownDependency(t *testing.T) {
	h := handler.NewHealthHandler(map[string]handler.Pinger{
		"postgres": handler.PingFunc(func(context.Context) error { return errors.New("refused") }),
	}, discard())
	srv := NewServer(Config{}, Handlers{Health: h}, nil, nil, discard())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"postgres":"down"`)
}
