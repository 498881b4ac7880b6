package executor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/acteon/internal/action"
	"github.com/r3e-network/acteon/internal/provider"
)

func newTestAction() *action.Action {
	return action.New(action.Origin{Namespace: "ns", Tenant: "t1", Provider: "mock", ActionType: "send_email"}, nil)
}

func TestExecuteRetriesTransientFailureUntilSuccess(t *testing.T) {
	p := provider.NewMock("mock")
	var calls int32
	p.SetResponder(func(ctx context.Context, a *action.Action) (*action.ProviderResponse, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return nil, provider.Connection("temporary blip", nil)
		}
		return &action.ProviderResponse{StatusCode: 200}, nil
	})

	ex := New(DefaultConfig())
	resp, err := ex.Execute(context.Background(), newTestAction(), p)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestExecuteSurfacesLastErrorOnExhaustion(t *testing.T) {
	p := provider.NewMock("mock")
	p.SetResponder(func(ctx context.Context, a *action.Action) (*action.ProviderResponse, error) {
		return nil, provider.Connection("always fails", nil)
	})

	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	ex := New(cfg)
	_, err := ex.Execute(context.Background(), newTestAction(), p)
	require.Error(t, err)

	var pe *provider.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, provider.ClassConnection, pe.Class)
	// 1 initial attempt + 2 retries
	assert.Equal(t, int64(3), p.Calls())
}

func TestExecuteDoesNotRetryNonRetryableErrors(t *testing.T) {
	p := provider.NewMock("mock")
	p.SetResponder(func(ctx context.Context, a *action.Action) (*action.ProviderResponse, error) {
		return nil, provider.Configuration("bad template")
	})

	ex := New(DefaultConfig())
	_, err := ex.Execute(context.Background(), newTestAction(), p)
	require.Error(t, err)
	assert.Equal(t, int64(1), p.Calls())
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	p := provider.NewMock("mock")
	p.SetResponder(func(ctx context.Context, a *action.Action) (*action.ProviderResponse, error) {
		return nil, provider.Connection("down", nil)
	})

	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	cfg.CircuitBreaker = CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		RecoveryTimeout:  50 * time.Millisecond,
	}
	ex := New(cfg)

	for i := 0; i < 2; i++ {
		_, err := ex.Execute(context.Background(), newTestAction(), p)
		require.Error(t, err)
	}

	assert.Equal(t, StateOpen, ex.CircuitState("mock"))

	_, err := ex.Execute(context.Background(), newTestAction(), p)
	require.ErrorIs(t, err, ErrCircuitOpen)

	time.Sleep(60 * time.Millisecond)
	p.SetResponder(func(ctx context.Context, a *action.Action) (*action.ProviderResponse, error) {
		return &action.ProviderResponse{StatusCode: 200}, nil
	})
	resp, err := ex.Execute(context.Background(), newTestAction(), p)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, StateClosed, ex.CircuitState("mock"))
}

func TestExecuteFallsBackWhenCircuitOpen(t *testing.T) {
	primary := provider.NewMock("primary")
	primary.SetResponder(func(ctx context.Context, a *action.Action) (*action.ProviderResponse, error) {
		return nil, provider.Connection("down", nil)
	})
	fallback := provider.NewMock("fallback")
	fallback.SetResponder(func(ctx context.Context, a *action.Action) (*action.ProviderResponse, error) {
		return &action.ProviderResponse{StatusCode: 202}, nil
	})

	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	cfg.CircuitBreaker = CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Minute}
	cfg.Fallbacks = map[string]provider.Provider{"primary": fallback}
	ex := New(cfg)

	_, err := ex.Execute(context.Background(), newTestAction(), primary)
	require.Error(t, err)
	assert.Equal(t, StateOpen, ex.CircuitState("primary"))

	resp, err := ex.Execute(context.Background(), newTestAction(), primary)
	require.NoError(t, err)
	assert.Equal(t, 202, resp.StatusCode)
	assert.Equal(t, int64(1), fallback.Calls())
}

func TestExecuteRespectsMaxConcurrent(t *testing.T) {
	p := provider.NewMock("mock")
	var inFlight, maxSeen int32
	p.SetResponder(func(ctx context.Context, a *action.Action) (*action.ProviderResponse, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxSeen)
			if n <= cur || atomic.CompareAndSwapInt32(&maxSeen, cur, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return &action.ProviderResponse{StatusCode: 200}, nil
	})

	cfg := DefaultConfig()
	cfg.MaxConcurrent = 2
	ex := New(cfg)

	done := make(chan struct{}, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, _ = ex.Execute(context.Background(), newTestAction(), p)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(2))
}
