// Package aggregator is the REST client for the swap aggregator. It prices
// assets, fetches swap quotes and builds unsigned swap transactions.
package aggregator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/curvebot/internal/crypto"
	"github.com/alanyoungcy/curvebot/internal/domain"
)

// Options configures a Client.
type Options struct {
	BaseURL string
	// Auth signs every request when set.
	Auth *crypto.HMACAuth

	Timeout        time.Duration
	RequestsPerSec float64
	Burst          int

	// MaxRetries bounds retries of idempotent GETs. Zero disables retry.
	MaxRetries      int
	RetryInitial    time.Duration
	MaxRetryElapsed time.Duration

	PriorityFee int64
	Clock       func() time.Time
}

// Client talks to the aggregator. It is safe for concurrent use.
type Client struct {
	opts       Options
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// Compile-time interface check.
var _ domain.SwapVenue = (*Client)(nil)

// New creates a Client. A zero RequestsPerSec defaults to 8 per second with
// a burst of 3.
func New(opts Options, logger *slog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 8
	}
	if opts.Burst <= 0 {
		opts.Burst = 3
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 250 * time.Millisecond
	}
	if opts.MaxRetryElapsed <= 0 {
		opts.MaxRetryElapsed = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts: opts,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSec), opts.Burst),
		logger:  logger.With(slog.String("component", "aggregator")),
	}
}

// Price returns the spot price of asset.
func (c *Client) Price(ctx context.Context, asset string) (float64, error) {
	p, err := c.lookup(ctx, asset)
	if err != nil {
		return 0, fmt.Errorf("aggregator: price %s: %w", asset, err)
	}
	price, err := parseFloat("price", p.Price)
	if err != nil {
		return 0, fmt.Errorf("aggregator: price %s: %w", asset, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("aggregator: price %s: %w", asset, domain.ErrPriceUnavailable)
	}
	return price, nil
}

// Snapshot returns the spot price, 24h volume and pool liquidity of asset.
func (c *Client) Snapshot(ctx context.Context, asset string) (domain.MarketSnapshot, error) {
	p, err := c.lookup(ctx, asset)
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("aggregator: snapshot %s: %w", asset, err)
	}
	price, err := parseFloat("price", p.Price)
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("aggregator: snapshot %s: %w", asset, err)
	}
	if price <= 0 {
		return domain.MarketSnapshot{}, fmt.Errorf("aggregator: snapshot %s: %w", asset, domain.ErrPriceUnavailable)
	}
	volume, err := parseFloat("volume24h", p.Volume24h)
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("aggregator: snapshot %s: %w", asset, err)
	}
	liquidity, err := parseFloat("liquidity", p.Liquidity)
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("aggregator: snapshot %s: %w", asset, err)
	}
	return domain.MarketSnapshot{
		Price:     price,
		Volume:    volume,
		Liquidity: liquidity,
		Timestamp: c.opts.Clock(),
	}, nil
}

func (c *Client) lookup(ctx context.Context, asset string) (*apiPrice, error) {
	params := url.Values{}
	params.Set("ids", asset)
	body, err := c.doGet(ctx, "/price?"+params.Encode())
	if err != nil {
		return nil, err
	}
	var resp priceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode price: %w", err)
	}
	p, ok := resp.Data[asset]
	if !ok || p == nil {
		return nil, domain.ErrPriceUnavailable
	}
	return p, nil
}

// Quote prices a swap of req.Amount base units of req.InputAsset.
func (c *Client) Quote(ctx context.Context, req domain.QuoteRequest) (domain.Quote, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return domain.Quote{}, fmt.Errorf("aggregator: quote: %w: amount must be positive", domain.ErrInvalidOrder)
	}
	params := url.Values{}
	params.Set("inputMint", req.InputAsset)
	params.Set("outputMint", req.OutputAsset)
	params.Set("amount", req.Amount.String())
	params.Set("slippageBps", strconv.Itoa(req.SlippageBps))
	params.Set("onlyDirectRoutes", "false")

	body, err := c.doGet(ctx, "/quote?"+params.Encode())
	if err != nil {
		return domain.Quote{}, fmt.Errorf("aggregator: quote: %w", err)
	}

	var q apiQuote
	if err := json.Unmarshal(body, &q); err != nil {
		return domain.Quote{}, fmt.Errorf("aggregator: decode quote: %w", err)
	}
	if q.Error != "" {
		return domain.Quote{}, fmt.Errorf("aggregator: quote: %w: %s", domain.ErrNoQuote, q.Error)
	}
	in, err := parseAmount("inAmount", q.InAmount)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("aggregator: quote: %w", err)
	}
	out, err := parseAmount("outAmount", q.OutAmount)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("aggregator: quote: %w", err)
	}
	if out.Sign() <= 0 {
		return domain.Quote{}, fmt.Errorf("aggregator: quote: %w: empty route", domain.ErrNoQuote)
	}
	impact, err := parseFloat("priceImpactPct", q.PriceImpactPct)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("aggregator: quote: %w", err)
	}

	return domain.Quote{
		InputAsset:  q.InputMint,
		OutputAsset: q.OutputMint,
		InAmount:    in,
		OutAmount:   out,
		PriceImpact: impact,
		Raw:         body,
	}, nil
}

// BuildTransaction asks the aggregator for the unsigned swap transaction of
// quote, paid for by signer. It is not retried.
func (c *Client) BuildTransaction(ctx context.Context, quote domain.Quote, signer string) ([]byte, error) {
	if len(quote.Raw) == 0 {
		return nil, fmt.Errorf("aggregator: build transaction: %w: quote has no route", domain.ErrInvalidOrder)
	}
	body, err := c.doRequest(ctx, http.MethodPost, "/swap", swapRequest{
		QuoteResponse:             json.RawMessage(quote.Raw),
		UserPublicKey:             signer,
		WrapAndUnwrap:             true,
		DynamicComputeUnitLimit:   true,
		PrioritizationFeeLamports: c.opts.PriorityFee,
	})
	if err != nil {
		return nil, fmt.Errorf("aggregator: build transaction: %w", err)
	}

	var resp swapResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("aggregator: decode swap: %w", err)
	}
	if resp.SwapTransaction == "" {
		return nil, fmt.Errorf("aggregator: build transaction: %w: no transaction in response", domain.ErrNoQuote)
	}
	tx, err := base64.StdEncoding.DecodeString(resp.SwapTransaction)
	if err != nil {
		return nil, fmt.Errorf("aggregator: decode transaction: %w", err)
	}
	return tx, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doGet performs a GET with retry on transient failures.
func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	if c.opts.MaxRetries <= 0 {
		return c.doRequest(ctx, http.MethodGet, path, nil)
	}

	var body []byte
	op := func() error {
		b, err := c.doRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		body = b
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryInitial
	b.MaxElapsedTime = c.opts.MaxRetryElapsed
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxRetries)), ctx)

	notify := func(err error, wait time.Duration) {
		c.logger.WarnContext(ctx, "retrying aggregator request",
			slog.String("path", path),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return body, nil
}

// doRequest waits for the limiter, sends one request and maps the status.
func (c *Client) doRequest(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var bodyReader io.Reader
	var bodyStr string
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(raw)
		bodyReader = bytes.NewReader(raw)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.opts.Auth != nil {
		for k, v := range c.opts.Auth.HeadersAt(method, path, bodyStr, c.opts.Clock().Unix()) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("http request: %w", ctx.Err())
		}
		return nil, fmt.Errorf("http request: %w: %w", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w: %w", domain.ErrTransient, err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	bodyStr := string(body)
	switch {
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	case statusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrTransient, statusCode, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

func retryable(err error) bool {
	return errors.Is(err, domain.ErrTransient) || errors.Is(err, domain.ErrRateLimited)
}
