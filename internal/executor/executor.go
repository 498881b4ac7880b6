// Package executor drives providers through retries, a per-attempt timeout,
// a per-provider circuit breaker, and bounded concurrency.
package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/r3e-network/acteon/internal/action"
	"github.com/r3e-network/acteon/internal/provider"
	"github.com/r3e-network/acteon/pkg/logging"
)

// Config configures an Executor: retry policy, circuit breaker behavior,
// concurrency limits, and optional per-provider fallbacks.
type Config struct {
	MaxRetries       int
	ExecutionTimeout time.Duration // per-attempt timeout
	MaxConcurrent    int64
	DLQEnabled       bool

	CircuitBreaker         CircuitBreakerConfig
	ProviderCBOverrides    map[string]CircuitBreakerConfig
	ProviderRetryOverrides map[string]RetryConfig

	// Fallbacks maps a provider name to the provider tried when its own
	// circuit breaker is open.
	Fallbacks map[string]provider.Provider

	Logger *logging.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       2,
		ExecutionTimeout: 10 * time.Second,
		MaxConcurrent:    64,
		CircuitBreaker:   DefaultCircuitBreakerConfig(),
	}
}

// Executor is the retry + circuit-breaker + bounded-concurrency driver.
type Executor struct {
	cfg Config
	sem *semaphore.Weighted

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// New builds an Executor from cfg.
func New(cfg Config) *Executor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 64
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 10 * time.Second
	}
	return &Executor{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		breakers: make(map[string]*CircuitBreaker),
	}
}

// CircuitState reports the current circuit breaker state for providerName,
// creating a closed breaker if one does not yet exist.
func (ex *Executor) CircuitState(providerName string) State {
	return ex.breakerFor(providerName).State()
}

func (ex *Executor) breakerFor(name string) *CircuitBreaker {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if cb, ok := ex.breakers[name]; ok {
		return cb
	}
	cfg := ex.cfg.CircuitBreaker
	if override, ok := ex.cfg.ProviderCBOverrides[name]; ok {
		cfg = override
	}
	if ex.cfg.Logger != nil {
		logger := ex.cfg.Logger
		userCb := cfg.OnStateChange
		cfg.OnStateChange = func(from, to State) {
			logger.WithFields(map[string]interface{}{
				"provider":   name,
				"from_state": from.String(),
				"to_state":   to.String(),
			}).Warn("circuit breaker state changed")
			if userCb != nil {
				userCb(from, to)
			}
		}
	}
	cb := NewCircuitBreaker(name, cfg)
	ex.breakers[name] = cb
	return cb
}

func (ex *Executor) retryConfigFor(name string) RetryConfig {
	if override, ok := ex.cfg.ProviderRetryOverrides[name]; ok {
		return override
	}
	return RetryConfig{
		MaxRetries:   ex.cfg.MaxRetries,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Execute runs a through p, retrying transient failures with backoff and
// respecting p's circuit breaker. On CircuitOpen it tries the configured
// fallback provider, if any.
func (ex *Executor) Execute(ctx context.Context, a *action.Action, p provider.Provider) (*action.ProviderResponse, error) {
	if err := ex.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer ex.sem.Release(1)

	resp, err := ex.attempt(ctx, a, p)
	if err != nil && errors.Is(err, ErrCircuitOpen) {
		if fb, ok := ex.cfg.Fallbacks[p.Name()]; ok && fb != nil {
			if ex.cfg.Logger != nil {
				ex.cfg.Logger.WithFields(map[string]interface{}{
					"provider": p.Name(), "fallback": fb.Name(),
				}).Warn("circuit open, invoking fallback provider")
			}
			return ex.attempt(ctx, a, fb)
		}
	}
	return resp, err
}

func (ex *Executor) attempt(ctx context.Context, a *action.Action, p provider.Provider) (*action.ProviderResponse, error) {
	cb := ex.breakerFor(p.Name())
	retryCfg := ex.retryConfigFor(p.Name())

	var resp *action.ProviderResponse
	start := time.Now()

	retryErr := retryWithBackoff(ctx, retryCfg, isRetryable, func() error {
		result, cbErr := cb.Execute(func() (any, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, ex.cfg.ExecutionTimeout)
			defer cancel()
			r, err := p.Execute(attemptCtx, a)
			if err != nil {
				return nil, classify(err)
			}
			return r, nil
		})
		if cbErr != nil {
			return cbErr
		}
		resp = result.(*action.ProviderResponse)
		return nil
	})

	if ex.cfg.Logger != nil {
		ex.cfg.Logger.LogServiceCall(ctx, p.Name(), time.Since(start), retryErr)
	}
	return resp, retryErr
}

// classify normalizes a raw provider error into a *provider.Error so
// isRetryable has a consistent classification to read.
func classify(err error) error {
	var pe *provider.Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return provider.Connection("execution timed out", err)
	}
	// Unclassified errors are treated as non-retryable execution failures;
	// a provider that doesn't classify its own error gets the
	// conservative outcome.
	return provider.ExecutionFailed(err.Error(), false)
}

func isRetryable(err error) bool {
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTooManyRequests) {
		return false
	}
	var pe *provider.Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}
