package sideeffect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/acteon/internal/action"
	"github.com/r3e-network/acteon/internal/lock"
	"github.com/r3e-network/acteon/internal/state"
)

func newAction(actionType string, payload map[string]interface{}) *action.Action {
	return action.New(action.Origin{Namespace: "ns", Tenant: "t1", Provider: "email", ActionType: actionType}, payload)
}

func TestDedupSuppressesSecondOccurrence(t *testing.T) {
	store := state.NewMemoryStore()
	d := NewDedup()
	ctx := context.Background()

	a := newAction("order_placed", map[string]interface{}{"order_id": "123"})
	proceed, key, err := d.Apply(ctx, store, "ns", "t1", a, time.Minute)
	require.NoError(t, err)
	assert.True(t, proceed)
	assert.NotEmpty(t, key)

	proceed, _, err = d.Apply(ctx, store, "ns", "t1", a, time.Minute)
	require.NoError(t, err)
	assert.False(t, proceed)
}

func TestDedupExplicitKeyOverridesFingerprint(t *testing.T) {
	store := state.NewMemoryStore()
	d := NewDedup()
	ctx := context.Background()

	a1 := newAction("order_placed", map[string]interface{}{"order_id": "1"})
	a1.DedupKey = "shared"
	a2 := newAction("order_placed", map[string]interface{}{"order_id": "2"})
	a2.DedupKey = "shared"

	proceed, _, err := d.Apply(ctx, store, "ns", "t1", a1, time.Minute)
	require.NoError(t, err)
	assert.True(t, proceed)

	proceed, _, err = d.Apply(ctx, store, "ns", "t1", a2, time.Minute)
	require.NoError(t, err)
	assert.False(t, proceed)
}

func TestThrottleAllowsUnderMaxAndThrottlesOverMax(t *testing.T) {
	store := state.NewMemoryStore()
	th := NewThrottle(lock.NewMemoryLock())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		count, throttled, _, err := th.Apply(ctx, store, "ns", "t1", "scope-a", 3, time.Minute)
		require.NoError(t, err)
		assert.False(t, throttled)
		assert.Equal(t, i+1, count)
	}

	count, throttled, retryAfter, err := th.Apply(ctx, store, "ns", "t1", "scope-a", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, throttled)
	assert.Equal(t, 4, count)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestThrottleScopesAreIndependent(t *testing.T) {
	store := state.NewMemoryStore()
	th := NewThrottle(lock.NewMemoryLock())
	ctx := context.Background()

	_, throttledA, _, err := th.Apply(ctx, store, "ns", "t1", "scope-a", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, throttledA)

	_, throttledB, _, err := th.Apply(ctx, store, "ns", "t1", "scope-b", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, throttledB)
}

func testDef() StateMachineDef {
	return StateMachineDef{
		Name:    "order-lifecycle",
		States:  []string{"pending", "shipped", "delivered", "cancelled"},
		Initial: "pending",
		Transitions: map[string][]string{
			"pending": {"shipped", "cancelled"},
			"shipped": {"delivered"},
		},
	}
}

func TestStateMachineFirstObservationCreatesInitial(t *testing.T) {
	store := state.NewMemoryStore()
	sm, err := NewStateMachine(lock.NewMemoryLock(), []StateMachineDef{testDef()})
	require.NoError(t, err)

	a := newAction("order_status", map[string]interface{}{"order_id": "1"})
	outcome, err := sm.Apply(context.Background(), store, "ns", "t1", a, "order-lifecycle", []string{"payload.order_id"})
	require.NoError(t, err)
	assert.Equal(t, action.OutcomeStateChanged, outcome.Kind)
	assert.Equal(t, "pending", outcome.NewState)
}

func TestStateMachineAllowedTransition(t *testing.T) {
	store := state.NewMemoryStore()
	sm, err := NewStateMachine(lock.NewMemoryLock(), []StateMachineDef{testDef()})
	require.NoError(t, err)
	ctx := context.Background()
	fields := []string{"payload.order_id"}

	a := newAction("order_status", map[string]interface{}{"order_id": "1"})
	_, err = sm.Apply(ctx, store, "ns", "t1", a, "order-lifecycle", fields)
	require.NoError(t, err)

	a.Status = "shipped"
	outcome, err := sm.Apply(ctx, store, "ns", "t1", a, "order-lifecycle", fields)
	require.NoError(t, err)
	assert.Equal(t, action.OutcomeStateChanged, outcome.Kind)
	assert.Equal(t, "pending", outcome.PreviousState)
	assert.Equal(t, "shipped", outcome.NewState)
}

func TestStateMachineDisallowedTransitionIsInvalid(t *testing.T) {
	store := state.NewMemoryStore()
	sm, err := NewStateMachine(lock.NewMemoryLock(), []StateMachineDef{testDef()})
	require.NoError(t, err)
	ctx := context.Background()
	fields := []string{"payload.order_id"}

	a := newAction("order_status", map[string]interface{}{"order_id": "1"})
	_, err = sm.Apply(ctx, store, "ns", "t1", a, "order-lifecycle", fields)
	require.NoError(t, err)

	a.Status = "delivered"
	outcome, err := sm.Apply(ctx, store, "ns", "t1", a, "order-lifecycle", fields)
	require.NoError(t, err)
	assert.Equal(t, action.OutcomeInvalidTransition, outcome.Kind)
}

func TestStateMachineRejectsInvalidInitial(t *testing.T) {
	_, err := NewStateMachine(lock.NewMemoryLock(), []StateMachineDef{
		{Name: "bad", States: []string{"a"}, Initial: "b"},
	})
	assert.Error(t, err)
}

func TestGroupAppendAndFlushByMaxSize(t *testing.T) {
	store := state.NewMemoryStore()
	l := lock.NewMemoryLock()
	g := NewGroup(l)
	ctx := context.Background()

	v := action.Group("group-errors", []string{"payload.service"}, time.Hour, time.Hour, 2, "tmpl")
	a1 := newAction("error", map[string]interface{}{"service": "api"})
	a2 := newAction("error", map[string]interface{}{"service": "api"})

	id1, err := g.Append(ctx, store, "ns", "t1", a1, v)
	require.NoError(t, err)
	id2, err := g.Append(ctx, store, "ns", "t1", a2, v)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	var dispatched *action.Action
	flusher := NewFlusher(store, l, func(ctx context.Context, a *action.Action) error {
		dispatched = a
		return nil
	})

	flushed, err := flusher.Sweep(ctx, "ns", "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, flushed)
	require.NotNil(t, dispatched)
	assert.Equal(t, 2, dispatched.Payload["count"])
}

func TestGroupFlushSkipsRecordsNotDue(t *testing.T) {
	store := state.NewMemoryStore()
	l := lock.NewMemoryLock()
	g := NewGroup(l)
	ctx := context.Background()

	v := action.Group("group-errors", []string{"payload.service"}, time.Hour, time.Hour, 100, "tmpl")
	a := newAction("error", map[string]interface{}{"service": "api"})
	_, err := g.Append(ctx, store, "ns", "t1", a, v)
	require.NoError(t, err)

	flusher := NewFlusher(store, l, func(ctx context.Context, a *action.Action) error { return nil })
	flushed, err := flusher.Sweep(ctx, "ns", "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, flushed)
}
