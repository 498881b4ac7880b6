package provider

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/r3e-network/acteon/internal/action"
)

// Mock is a test/demo Provider whose behavior is scripted via Responder.
// It is not a production provider implementation — concrete providers
// (Slack, webhook, email, ...) are external collaborators.
type Mock struct {
	name      string
	calls     int64
	mu        sync.Mutex
	responder func(ctx context.Context, a *action.Action) (*action.ProviderResponse, error)
	healthErr error
}

// NewMock builds a Mock provider named name that always succeeds with an
// empty response body until SetResponder is called.
func NewMock(name string) *Mock {
	return &Mock{name: name}
}

func (m *Mock) Name() string { return m.name }

// SetResponder overrides the provider's Execute behavior.
func (m *Mock) SetResponder(fn func(ctx context.Context, a *action.Action) (*action.ProviderResponse, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responder = fn
}

// SetHealthErr makes HealthCheck return err (nil restores healthy).
func (m *Mock) SetHealthErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthErr = err
}

func (m *Mock) Execute(ctx context.Context, a *action.Action) (*action.ProviderResponse, error) {
	atomic.AddInt64(&m.calls, 1)
	m.mu.Lock()
	fn := m.responder
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, a)
	}
	return &action.ProviderResponse{Body: map[string]interface{}{}, StatusCode: 200}, nil
}

func (m *Mock) HealthCheck(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthErr
}

// Calls returns the number of Execute invocations so far.
func (m *Mock) Calls() int64 { return atomic.LoadInt64(&m.calls) }
