package chain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/acteon/internal/action"
	"github.com/r3e-network/acteon/internal/executor"
	"github.com/r3e-network/acteon/internal/lock"
	"github.com/r3e-network/acteon/internal/provider"
	"github.com/r3e-network/acteon/internal/state"
)

type registry struct {
	m map[string]provider.Provider
}

func newRegistry() *registry { return &registry{m: map[string]provider.Provider{}} }

func (r *registry) add(p provider.Provider) { r.m[p.Name()] = p }

func (r *registry) Get(name string) (provider.Provider, bool) {
	p, ok := r.m[name]
	return p, ok
}

func testEngine(t *testing.T, defs map[string]Definition, reg *registry) *Engine {
	t.Helper()
	e, err := NewEngine(Config{
		Definitions: defs,
		Store:       state.NewMemoryStore(),
		Lock:        lock.NewMemoryLock(),
		Executor:    executor.New(executor.DefaultConfig()),
		Providers:   reg,
		LockTTL:     time.Second,
	})
	require.NoError(t, err)
	return e
}

func TestNewEngineRejectsInvalidDefinitions(t *testing.T) {
	_, err := NewEngine(Config{Definitions: map[string]Definition{
		"a": {Name: "a", Steps: []Step{{Name: "s", Kind: StepSubChain, SubChainName: "a"}}},
	}})
	assert.Error(t, err)
}

func TestEngineStartPersistsRunningState(t *testing.T) {
	reg := newRegistry()
	defs := map[string]Definition{"single": {Name: "single", Steps: []Step{providerStep("only", "")}}}
	e := testEngine(t, defs, reg)

	origin := testOrigin()
	s, err := e.Start(context.Background(), "ns", "t", "single", origin)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, s.Status)
	assert.Equal(t, 1, s.TotalSteps)
}

func TestEngineAdvanceDispatchesProviderStepAndCompletes(t *testing.T) {
	reg := newRegistry()
	mock := provider.NewMock("p")
	mock.SetResponder(func(_ context.Context, a *action.Action) (*action.ProviderResponse, error) {
		return &action.ProviderResponse{Body: map[string]interface{}{"ok": true}, StatusCode: 200}, nil
	})
	reg.add(mock)

	defs := map[string]Definition{"single": {Name: "single", Steps: []Step{providerStep("only", "")}}}
	e := testEngine(t, defs, reg)
	ctx := context.Background()

	s, err := e.Start(ctx, "ns", "t", "single", testOrigin())
	require.NoError(t, err)

	require.NoError(t, e.Advance(ctx, "ns", "t", s.ChainID))
	final, err := e.load(ctx, "ns", "t", s.ChainID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, int64(1), mock.Calls())
	assert.Equal(t, []string{"only"}, final.ExecutionPath)
}

func TestEngineAdvanceIsIdempotentPerStep(t *testing.T) {
	reg := newRegistry()
	mock := provider.NewMock("p")
	reg.add(mock)
	defs := map[string]Definition{"chain2": {Name: "chain2", Steps: []Step{providerStep("a", "b"), providerStep("b", "")}}}
	e := testEngine(t, defs, reg)
	ctx := context.Background()

	s, err := e.Start(ctx, "ns", "t", "chain2", testOrigin())
	require.NoError(t, err)

	require.NoError(t, e.Advance(ctx, "ns", "t", s.ChainID))
	require.NoError(t, e.Advance(ctx, "ns", "t", s.ChainID))
	assert.Equal(t, int64(2), mock.Calls())

	mid, err := e.load(ctx, "ns", "t", s.ChainID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, mid.Status)

	// Advancing a completed chain is a no-op, not a re-dispatch.
	require.NoError(t, e.Advance(ctx, "ns", "t", s.ChainID))
	assert.Equal(t, int64(2), mock.Calls())
}

func TestEngineBranchEvaluationSelectsNextStep(t *testing.T) {
	reg := newRegistry()
	mock := provider.NewMock("p")
	mock.SetResponder(func(_ context.Context, a *action.Action) (*action.ProviderResponse, error) {
		return &action.ProviderResponse{Body: map[string]interface{}{"status": "denied"}}, nil
	})
	reg.add(mock)

	defs := map[string]Definition{"branching": {Name: "branching", Steps: []Step{
		{
			Name: "check", Kind: StepProvider, Provider: "p", ActionType: "check",
			Branches:    []Branch{{Field: "status", Op: BranchEq, Value: "denied", NextStep: "handleDenied"}},
			DefaultNext: "handleApproved",
		},
		providerStep("handleApproved", ""),
		providerStep("handleDenied", ""),
	}}}
	e := testEngine(t, defs, reg)
	ctx := context.Background()

	s, err := e.Start(ctx, "ns", "t", "branching", testOrigin())
	require.NoError(t, err)
	require.NoError(t, e.Advance(ctx, "ns", "t", s.ChainID))

	mid, err := e.load(ctx, "ns", "t", s.ChainID)
	require.NoError(t, err)
	step, ok := mid.currentStep(defs["branching"])
	require.True(t, ok)
	assert.Equal(t, "handleDenied", step.Name)
}

func TestEngineFailurePolicySkipContinues(t *testing.T) {
	reg := newRegistry()
	defs := map[string]Definition{"skip": {Name: "skip", Steps: []Step{
		{Name: "a", Kind: StepProvider, Provider: "missing", OnFailure: FailureSkip, DefaultNext: "b"},
		providerStep("b", ""),
	}}}
	e := testEngine(t, defs, reg)
	ctx := context.Background()

	s, err := e.Start(ctx, "ns", "t", "skip", testOrigin())
	require.NoError(t, err)
	require.NoError(t, e.Advance(ctx, "ns", "t", s.ChainID))

	mid, err := e.load(ctx, "ns", "t", s.ChainID)
	require.NoError(t, err)
	step, ok := mid.currentStep(defs["skip"])
	require.True(t, ok)
	assert.Equal(t, "b", step.Name)
}

func TestEngineFailurePolicyAbortFailsChain(t *testing.T) {
	reg := newRegistry()
	defs := map[string]Definition{"abort": {Name: "abort", Steps: []Step{
		{Name: "a", Kind: StepProvider, Provider: "missing", OnFailure: FailureAbort},
	}}}
	e := testEngine(t, defs, reg)
	ctx := context.Background()

	s, err := e.Start(ctx, "ns", "t", "abort", testOrigin())
	require.NoError(t, err)
	require.NoError(t, e.Advance(ctx, "ns", "t", s.ChainID))

	final, err := e.load(ctx, "ns", "t", s.ChainID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	assert.NotEmpty(t, final.FailErr)
}

func TestEngineFailurePolicyDlqInvokesCallback(t *testing.T) {
	reg := newRegistry()
	var dlqReason string
	defs := map[string]Definition{"dlq": {Name: "dlq", Steps: []Step{
		{Name: "a", Kind: StepProvider, Provider: "missing", OnFailure: FailureDlq, DefaultNext: "b"},
		providerStep("b", ""),
	}}}
	e, err := NewEngine(Config{
		Definitions: defs, Store: state.NewMemoryStore(), Lock: lock.NewMemoryLock(),
		Executor: executor.New(executor.DefaultConfig()), Providers: reg, LockTTL: time.Second,
		DLQ: func(_ context.Context, _, _ string, _ *action.Action, reason string) error {
			dlqReason = reason
			return nil
		},
	})
	require.NoError(t, err)
	ctx := context.Background()

	s, err := e.Start(ctx, "ns", "t", "dlq", testOrigin())
	require.NoError(t, err)
	require.NoError(t, e.Advance(ctx, "ns", "t", s.ChainID))
	assert.NotEmpty(t, dlqReason)
}

func TestEngineSubChainSpawnsAndWaits(t *testing.T) {
	reg := newRegistry()
	mock := provider.NewMock("p")
	reg.add(mock)
	defs := map[string]Definition{
		"parent": {Name: "parent", Steps: []Step{{Name: "call", Kind: StepSubChain, SubChainName: "child", OnFailure: FailureAbort}}},
		"child":  {Name: "child", Steps: []Step{providerStep("only", "")}},
	}
	e := testEngine(t, defs, reg)
	ctx := context.Background()

	s, err := e.Start(ctx, "ns", "t", "parent", testOrigin())
	require.NoError(t, err)

	require.NoError(t, e.Advance(ctx, "ns", "t", s.ChainID))
	mid, err := e.load(ctx, "ns", "t", s.ChainID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingSubChain, mid.Status)
	require.NotEmpty(t, mid.ChildChainID)

	require.NoError(t, e.Advance(ctx, "ns", "t", mid.ChildChainID))
	require.NoError(t, e.Advance(ctx, "ns", "t", s.ChainID))

	final, err := e.load(ctx, "ns", "t", s.ChainID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
}

func TestEngineCancelCascadesToChildren(t *testing.T) {
	reg := newRegistry()
	reg.add(provider.NewMock("p"))
	defs := map[string]Definition{
		"parent": {Name: "parent", Steps: []Step{{Name: "call", Kind: StepSubChain, SubChainName: "child", OnFailure: FailureAbort}}},
		"child":  {Name: "child", Steps: []Step{providerStep("only", "")}},
	}
	e := testEngine(t, defs, reg)
	ctx := context.Background()

	s, err := e.Start(ctx, "ns", "t", "parent", testOrigin())
	require.NoError(t, err)
	require.NoError(t, e.Advance(ctx, "ns", "t", s.ChainID))

	require.NoError(t, e.Cancel(ctx, "ns", "t", s.ChainID, "operator request", "alice"))

	final, err := e.load(ctx, "ns", "t", s.ChainID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, final.Status)
	assert.Equal(t, "alice", final.CancelledBy)

	child, err := e.load(ctx, "ns", "t", final.ChildChainID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, child.Status)
}

func TestEngineCheckTimeoutsMarksExpiredChains(t *testing.T) {
	reg := newRegistry()
	defs := map[string]Definition{"slow": {Name: "slow", Timeout: time.Millisecond, Steps: []Step{providerStep("a", "")}}}
	e := testEngine(t, defs, reg)
	ctx := context.Background()

	s, err := e.Start(ctx, "ns", "t", "slow", testOrigin())
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	n, err := e.CheckTimeouts(ctx, "ns", "t")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	final, err := e.load(ctx, "ns", "t", s.ChainID)
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, final.Status)
}

func TestEngineParallelStepJoinsAll(t *testing.T) {
	reg := newRegistry()
	reg.add(provider.NewMock("a"))
	reg.add(provider.NewMock("b"))
	defs := map[string]Definition{"fanout": {Name: "fanout", Steps: []Step{
		{
			Name: "both", Kind: StepParallel, Join: JoinAll, ParallelFailure: ParallelBestEffort,
			SubSteps: []SubStep{{Name: "a", Provider: "a", ActionType: "go"}, {Name: "b", Provider: "b", ActionType: "go"}},
		},
	}}}
	e := testEngine(t, defs, reg)
	ctx := context.Background()

	s, err := e.Start(ctx, "ns", "t", "fanout", testOrigin())
	require.NoError(t, err)

	require.NoError(t, e.Advance(ctx, "ns", "t", s.ChainID))
	mid, err := e.load(ctx, "ns", "t", s.ChainID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingParallel, mid.Status)

	require.Eventually(t, func() bool {
		require.NoError(t, e.Advance(ctx, "ns", "t", s.ChainID))
		final, err := e.load(ctx, "ns", "t", s.ChainID)
		require.NoError(t, err)
		return final.Status == StatusCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestEngineParallelStepAnyJoinCancelsSlowerSubStep(t *testing.T) {
	reg := newRegistry()
	fast := provider.NewMock("fast")
	slow := provider.NewMock("slow")
	cancelled := make(chan struct{})
	slow.SetResponder(func(ctx context.Context, _ *action.Action) (*action.ProviderResponse, error) {
		select {
		case <-ctx.Done():
			close(cancelled)
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return &action.ProviderResponse{Body: map[string]interface{}{}, StatusCode: 200}, nil
		}
	})
	reg.add(fast)
	reg.add(slow)
	defs := map[string]Definition{"race": {Name: "race", Steps: []Step{
		{
			Name: "race", Kind: StepParallel, Join: JoinAny, ParallelFailure: ParallelFailFast,
			SubSteps: []SubStep{{Name: "fast", Provider: "fast", ActionType: "go"}, {Name: "slow", Provider: "slow", ActionType: "go"}},
		},
	}}}
	e := testEngine(t, defs, reg)
	ctx := context.Background()

	s, err := e.Start(ctx, "ns", "t", "race", testOrigin())
	require.NoError(t, err)
	require.NoError(t, e.Advance(ctx, "ns", "t", s.ChainID))

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("slow sub-step was not cancelled after the fast sub-step won the any-join")
	}

	require.Eventually(t, func() bool {
		require.NoError(t, e.Advance(ctx, "ns", "t", s.ChainID))
		final, err := e.load(ctx, "ns", "t", s.ChainID)
		require.NoError(t, err)
		return final.Status == StatusCompleted
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(1), slow.Calls())
}
