// Package guardrail defines the external LLM content-policy collaborator
// an optional pre-dispatch check calls out to, plus a scriptable mock for
// tests. Acteon does not host a model itself; only the interface contract
// and a fail-open/fail-closed wrapper live here.
package guardrail

import (
	"context"
	"sync"
	"sync/atomic"
)

// Verdict is the external guardrail's judgment on a single action.
type Verdict struct {
	Allowed bool
	Reason  string
}

// Checker evaluates action payloads against a named content policy.
type Checker interface {
	Check(ctx context.Context, policy string, text string) (Verdict, error)
}

// Guard wraps a Checker with the named policies to run and a fail-open
// flag: when FailOpen is true, a Checker error is treated as Allowed
// rather than blocking dispatch.
type Guard struct {
	Checker  Checker
	Policies []string
	FailOpen bool
}

// Evaluate runs every configured policy against text, short-circuiting on
// the first denial. A nil Guard or nil Checker always allows: the
// guardrail is an optional, off-by-default collaborator.
func (g *Guard) Evaluate(ctx context.Context, text string) (Verdict, error) {
	if g == nil || g.Checker == nil || len(g.Policies) == 0 {
		return Verdict{Allowed: true}, nil
	}
	for _, policy := range g.Policies {
		v, err := g.Checker.Check(ctx, policy, text)
		if err != nil {
			if g.FailOpen {
				continue
			}
			return Verdict{}, err
		}
		if !v.Allowed {
			return v, nil
		}
	}
	return Verdict{Allowed: true}, nil
}

// Mock is a test/demo Checker whose behavior is scripted via SetResponder.
// It is not a production content-policy client.
type Mock struct {
	calls     int64
	mu        sync.Mutex
	responder func(ctx context.Context, policy, text string) (Verdict, error)
}

// NewMock builds a Mock that allows everything until SetResponder is called.
func NewMock() *Mock { return &Mock{} }

// SetResponder overrides the mock's Check behavior.
func (m *Mock) SetResponder(fn func(ctx context.Context, policy, text string) (Verdict, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responder = fn
}

func (m *Mock) Check(ctx context.Context, policy, text string) (Verdict, error) {
	atomic.AddInt64(&m.calls, 1)
	m.mu.Lock()
	fn := m.responder
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, policy, text)
	}
	return Verdict{Allowed: true}, nil
}

// Calls returns the number of Check invocations so far.
func (m *Mock) Calls() int64 { return atomic.LoadInt64(&m.calls) }
