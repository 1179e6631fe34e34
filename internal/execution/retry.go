package execution

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alanyoungcy/curvebot/internal/domain"
)

// RetryConfig bounds the retry loop around a swap.
type RetryConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxAttempts  int
	// Signatures are lower-case substrings of error text that mark a
	// failure as transient.
	Signatures []string
}

// DefaultRetryConfig returns 3 attempts at 1s, 2s, capped at 15s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     15 * time.Second,
		MaxAttempts:  3,
		Signatures: []string{
			"blockhash not found",
			"block hash not found",
			"header not found",
			"stale",
			"node is behind",
			"temporarily unavailable",
			"too many requests",
			"rate limit",
			"connection reset",
		},
	}
}

// IsRetryable reports whether err is a transient failure worth retrying.
func (c RetryConfig) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, domain.ErrTransient) || errors.Is(err, domain.ErrRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range c.Signatures {
		if sig != "" && strings.Contains(msg, strings.ToLower(sig)) {
			return true
		}
	}
	return false
}

// newBackOff builds the bounded exponential schedule. Jitter is off so the
// delays are exactly InitialDelay * Multiplier^n.
func (c RetryConfig) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.InitialDelay),
		backoff.WithMultiplier(c.Multiplier),
		backoff.WithMaxInterval(c.MaxDelay),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
	retries := c.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}
