package aggregator

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/curvebot/internal/crypto"
	"github.com/alanyoungcy/curvebot/internal/domain"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newClient(t *testing.T, h http.Handler, tweak ...func(*Options)) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts := Options{
		BaseURL:        srv.URL,
		RequestsPerSec: 1000,
		Burst:          100,
		MaxRetries:     3,
		RetryInitial:   time.Millisecond,
		Clock:          func() time.Time { return fixedNow },
	}
	for _, f := range tweak {
		f(&opts)
	}
	return New(opts, nil)
}

func TestSnapshot(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/price", r.URL.Path)
		assert.Equal(t, "TKN", r.URL.Query().Get("ids"))
		_, _ = io.WriteString(w, `{"data":{"TKN":{"id":"TKN","price":"0.0042","volume24h":"125000","liquidity":"48000"}}}`)
	}))

	snap, err := c.Snapshot(t.Context(), "TKN")
	require.NoError(t, err)
	assert.InDelta(t, 0.0042, snap.Price, 1e-12)
	assert.Equal(t, 125000.0, snap.Volume)
	assert.Equal(t, 48000.0, snap.Liquidity)
	assert.Equal(t, fixedNow, snap.Timestamp)

	price, err := c.Price(t.Context(), "TKN")
	require.NoError(t, err)
	assert.InDelta(t, 0.0042, price, 1e-12)
}

func TestPriceMissingAsset(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"data":{}}`)
	}))
	_, err := c.Price(t.Context(), "TKN")
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
}

func TestGetRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			_, _ = io.WriteString(w, `{"data":{"TKN":{"price":"2.5"}}}`)
		}
	}))

	price, err := c.Price(t.Context(), "TKN")
	require.NoError(t, err)
	assert.Equal(t, 2.5, price)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.Price(t.Context(), "TKN")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.Price(t.Context(), "TKN")
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.Equal(t, int32(4), calls.Load())
}

func TestQuote(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/quote", r.URL.Path)
		assert.Equal(t, "BASE", q.Get("inputMint"))
		assert.Equal(t, "TKN", q.Get("outputMint"))
		assert.Equal(t, "150000000", q.Get("amount"))
		assert.Equal(t, "500", q.Get("slippageBps"))
		_, _ = io.WriteString(w, `{"inputMint":"BASE","outputMint":"TKN","inAmount":"150000000","outAmount":"35714285","priceImpactPct":"0.12","routePlan":[]}`)
	}))

	quote, err := c.Quote(t.Context(), domain.QuoteRequest{
		InputAsset:  "BASE",
		OutputAsset: "TKN",
		Amount:      big.NewInt(150_000_000),
		SlippageBps: 500,
	})
	require.NoError(t, err)
	assert.Equal(t, "BASE", quote.InputAsset)
	assert.Equal(t, int64(35714285), quote.OutAmount.Int64())
	assert.InDelta(t, 0.12, quote.PriceImpact, 1e-9)
	assert.Contains(t, string(quote.Raw), "routePlan")
}

func TestQuoteErrors(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"error":"no route found"}`)
	}))

	_, err := c.Quote(t.Context(), domain.QuoteRequest{InputAsset: "A", OutputAsset: "B", Amount: big.NewInt(1)})
	assert.ErrorIs(t, err, domain.ErrNoQuote)

	_, err = c.Quote(t.Context(), domain.QuoteRequest{InputAsset: "A", OutputAsset: "B", Amount: big.NewInt(0)})
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestBuildTransactionSignsRequest(t *testing.T) {
	unsigned := []byte{0x02, 0xf8, 0x01}
	var calls atomic.Int32
	auth := &crypto.HMACAuth{Key: "key", Secret: "secret"}

	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)

		want := auth.HeadersAt(http.MethodPost, "/swap", string(body), fixedNow.Unix())
		assert.Equal(t, want["X-SIGNATURE"], r.Header.Get("X-SIGNATURE"))
		assert.Equal(t, "key", r.Header.Get("X-API-KEY"))

		var req swapRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "0xabc", req.UserPublicKey)
		assert.JSONEq(t, `{"inAmount":"1"}`, string(req.QuoteResponse))

		_, _ = io.WriteString(w, `{"swapTransaction":"`+base64.StdEncoding.EncodeToString(unsigned)+`"}`)
	}), func(o *Options) { o.Auth = auth })

	tx, err := c.BuildTransaction(t.Context(), domain.Quote{Raw: []byte(`{"inAmount":"1"}`)}, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, unsigned, tx)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBuildTransactionIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := c.BuildTransaction(t.Context(), domain.Quote{Raw: []byte(`{}`)}, "0xabc")
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCheckHTTPStatus(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{http.StatusNotFound, domain.ErrNotFound},
		{http.StatusForbidden, domain.ErrUnauthorized},
		{http.StatusTooManyRequests, domain.ErrRateLimited},
		{http.StatusBadGateway, domain.ErrTransient},
	}
	for _, tt := range tests {
		assert.ErrorIs(t, checkHTTPStatus(tt.code, nil), tt.want, "status %d", tt.code)
	}
	assert.NoError(t, checkHTTPStatus(http.StatusOK, nil))
	assert.Error(t, checkHTTPStatus(http.StatusBadRequest, nil))
}
