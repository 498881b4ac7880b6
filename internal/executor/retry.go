package executor

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig configures the exponential-backoff-with-jitter retry loop.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0-1, mapped to backoff.RandomizationFactor
}

// DefaultRetryConfig returns sane defaults for transient provider errors.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   2,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// retryWithBackoff runs fn until it succeeds, a non-retryable error is
// returned (isRetryable returns false), retries are exhausted, or ctx is
// done. It surfaces the last error on exhaustion.
func retryWithBackoff(ctx context.Context, cfg RetryConfig, isRetryable func(error) bool, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		bo.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		bo.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		bo.Multiplier = cfg.Multiplier
	}
	bo.RandomizationFactor = cfg.Jitter
	bo.MaxElapsedTime = 0

	withMax := backoff.WithMaxRetries(bo, uint64(maxInt(cfg.MaxRetries, 0)))
	withCtx := backoff.WithContext(withMax, ctx)

	var lastErr error
	err := backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, withCtx)

	if err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
