package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	name string
	err  error

	mu     sync.Mutex
	titles []string
	alerts []Alert
}

func (r *recordingSender) Send(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, a.Title)
	r.alerts = append(r.alerts, a)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"emergency_halt", " stop_loss "}, quietLogger())

	require.NoError(t, n.Notify(t.Context(), "emergency_halt", "halt", "drawdown"))
	require.NoError(t, n.Notify(t.Context(), "order_filled", "fill", "ok"))
	require.NoError(t, n.Notify(t.Context(), "stop_loss", "stop", "hit"))

	assert.Equal(t, []string{"halt", "stop"}, s.titles)
	assert.Equal(t, "emergency_halt", s.alerts[0].Event)
	assert.Equal(t, SeverityCritical, s.alerts[0].Severity)
	assert.False(t, s.alerts[0].At.IsZero())
	assert.True(t, n.Enabled("stop_loss"))
	assert.False(t, n.Enabled("order_filled"))
}

func TestNotifierEmptyFilterForwardsAll(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, nil, quietLogger())

	require.NoError(t, n.Notify(t.Context(), "anything", "t", "m"))
	assert.Len(t, s.titles, 1)
}

func TestNotifierNoSenders(t *testing.T) {
	n := NewNotifier(nil, nil, quietLogger())
	assert.False(t, n.Enabled("emergency_halt"))
	assert.NoError(t, n.Notify(t.Context(), "emergency_halt", "t", "m"))
}

func TestNotifierJoinsSenderErrors(t *testing.T) {
	boom := errors.New("boom")
	bad := &recordingSender{name: "bad", err: boom}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, quietLogger())

	err := n.Notify(t.Context(), "order_failed", "t", "m")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "bad")
	assert.Len(t, good.titles, 1)
}

func TestDiscordSender(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordSender(srv.URL, srv.Client())
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, d.Send(t.Context(), Alert{
		Event:    "breaker_tripped",
		Title:    "Breaker tripped",
		Message:  "3 failures",
		Severity: severityOf("breaker_tripped"),
		At:       at,
	}))
	require.Len(t, got.Embeds, 1)
	e := got.Embeds[0]
	assert.Equal(t, "Breaker tripped", e.Title)
	assert.Equal(t, "3 failures", e.Description)
	assert.Equal(t, 0xe74c3c, e.Color)
	assert.Equal(t, "2026-03-01T12:00:00Z", e.Timestamp)
	assert.Equal(t, "breaker_tripped | critical", e.Footer.Text)
	assert.Equal(t, "discord", d.Name())
}

func TestDiscordSenderRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL, nil).Send(t.Context(), Alert{Title: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry after 2s")
}

func TestDiscordSenderBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid webhook", http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL, nil).Send(t.Context(), Alert{Title: "t", Message: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

type fakeTelegram struct {
	mu       sync.Mutex
	getMe    int
	messages []map[string]string
}

func (f *fakeTelegram) handler(t *testing.T, token string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/bot"+token+"/getMe", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.getMe++
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{"ok":true,"result":{"id":7,"is_bot":true,"first_name":"curve","username":"curvebot"}}`)
	})
	mux.HandleFunc("/bot"+token+"/sendMessage", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		f.mu.Lock()
		f.messages = append(f.messages, map[string]string{
			"chat_id":    r.FormValue("chat_id"),
			"text":       r.FormValue("text"),
			"parse_mode": r.FormValue("parse_mode"),
		})
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`)
	})
	return mux
}

func TestTelegramSender(t *testing.T) {
	fake := &fakeTelegram{}
	srv := httptest.NewServer(fake.handler(t, "tok"))
	defer srv.Close()

	s := NewTelegramSender("tok", "42", srv.URL+"/bot%s/%s", srv.Client())
	require.NoError(t, s.Send(t.Context(), Alert{Event: "order_filled", Title: "Order filled", Message: "buy 10"}))
	require.NoError(t, s.Send(t.Context(), Alert{Event: "stop_loss", Title: "Stop loss", Message: "sold 5", Severity: SeverityCritical}))

	assert.Equal(t, 1, fake.getMe)
	require.Len(t, fake.messages, 2)
	assert.Equal(t, "42", fake.messages[0]["chat_id"])
	assert.Equal(t, "*Order filled*\nbuy 10", fake.messages[0]["text"])
	assert.Equal(t, "CRITICAL *Stop loss*\nsold 5", fake.messages[1]["text"])
	assert.Equal(t, "Markdown", fake.messages[0]["parse_mode"])
}

func TestTelegramSenderChannel(t *testing.T) {
	fake := &fakeTelegram{}
	srv := httptest.NewServer(fake.handler(t, "tok"))
	defer srv.Close()

	s := NewTelegramSender("tok", "@ops", srv.URL+"/bot%s/%s", srv.Client())
	require.NoError(t, s.Send(t.Context(), Alert{Title: "t", Message: "m"}))
	require.Len(t, fake.messages, 1)
	assert.Equal(t, "@ops", fake.messages[0]["chat_id"])
}

func TestTelegramSenderInitFailureHidesToken(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	s := NewTelegramSender("secret-token", "42", srv.URL+"/bot%s/%s", srv.Client())
	err := s.Send(t.Context(), Alert{Title: "t", Message: "m"})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret-token")
}
