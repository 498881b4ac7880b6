package rule

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/acteon/internal/action"
	"github.com/r3e-network/acteon/internal/state"
)

func newAction(actionType string, payload map[string]interface{}) *action.Action {
	a := action.New(action.Origin{Namespace: "ns", Tenant: "t1", Provider: "email", ActionType: actionType}, payload)
	return a
}

func TestSuppressByType(t *testing.T) {
	rules := []Rule{
		{
			Name:      "suppress-spam",
			Priority:  10,
			Enabled:   true,
			Condition: Eq(ActionField("action_type"), Lit("spam")),
			Template: func(a *action.Action) action.Verdict {
				return action.Suppress("suppress-spam")
			},
		},
	}
	engine, err := NewEngine(rules)
	require.NoError(t, err)

	store := state.NewMemoryStore()
	spam := newAction("spam", nil)
	res := engine.Evaluate(context.Background(), spam, store, "ns", "t1", nil)
	assert.Equal(t, action.VerdictSuppress, res.Verdict.Kind)
	assert.Equal(t, "suppress-spam", res.MatchedRule)

	email := newAction("send_email", nil)
	res = engine.Evaluate(context.Background(), email, store, "ns", "t1", nil)
	assert.Equal(t, action.VerdictAllow, res.Verdict.Kind)
}

func TestRerouteByPriority(t *testing.T) {
	rules := []Rule{
		{
			Name:      "reroute-high-priority",
			Priority:  5,
			Enabled:   true,
			Condition: Eq(ActionField("payload.priority"), Lit("high")),
			Template: func(a *action.Action) action.Verdict {
				return action.Reroute("reroute-high-priority", "sms")
			},
		},
	}
	engine, err := NewEngine(rules)
	require.NoError(t, err)

	store := state.NewMemoryStore()
	a := newAction("send_email", map[string]interface{}{"priority": "high"})
	res := engine.Evaluate(context.Background(), a, store, "ns", "t1", nil)
	require.Equal(t, action.VerdictReroute, res.Verdict.Kind)
	assert.Equal(t, "sms", res.Verdict.RerouteTarget)
}

func TestFirstMatchWinsByPriority(t *testing.T) {
	rules := []Rule{
		{
			Name: "low-priority-catch-all", Priority: 100, Enabled: true,
			Condition: Lit(true),
			Template:  func(a *action.Action) action.Verdict { return action.Suppress("low-priority-catch-all") },
		},
		{
			Name: "high-priority-allow", Priority: 1, Enabled: true,
			Condition: Lit(true),
			Template:  func(a *action.Action) action.Verdict { return action.Allow() },
		},
	}
	engine, err := NewEngine(rules)
	require.NoError(t, err)

	res := engine.Evaluate(context.Background(), newAction("x", nil), state.NewMemoryStore(), "ns", "t1", nil)
	assert.Equal(t, action.VerdictAllow, res.Verdict.Kind)
	assert.Equal(t, "high-priority-allow", res.MatchedRule)
}

func TestCrossTypeComparisonDegradesToFalse(t *testing.T) {
	ec := &EvalContext{Ctx: context.Background(), Action: newAction("x", nil), Store: state.NewMemoryStore(), Namespace: "ns", Tenant: "t1"}
	result := Eval(ec, Gt(Lit("abc"), Lit(5)))
	assert.False(t, result.Truthy())
	assert.Equal(t, 1, ec.PredicateErrors())
}

func TestCrossNumericComparisonPromotes(t *testing.T) {
	ec := &EvalContext{Ctx: context.Background(), Action: newAction("x", nil), Store: state.NewMemoryStore(), Namespace: "ns", Tenant: "t1"}
	result := Eval(ec, Gt(Lit(5), Lit(4.5)))
	assert.True(t, result.Truthy())
	assert.Equal(t, 0, ec.PredicateErrors())
}

func TestStateTimeSinceUnseenIsInfinity(t *testing.T) {
	store := state.NewMemoryStore()
	ec := &EvalContext{Ctx: context.Background(), Action: newAction("x", nil), Store: store, Namespace: "ns", Tenant: "t1"}
	result := Eval(ec, TimeSince("some-key"))
	assert.Equal(t, KindFloat, result.Kind)
	assert.True(t, result.Flt > 1e18)
}

func TestStateTimeSinceAfterMarkSeen(t *testing.T) {
	store := state.NewMemoryStore()
	require.NoError(t, MarkSeen(context.Background(), store, "ns", "t1", "some-key"))
	ec := &EvalContext{Ctx: context.Background(), Action: newAction("x", nil), Store: store, Namespace: "ns", Tenant: "t1"}
	result := Eval(ec, TimeSince("some-key"))
	assert.Less(t, result.Flt, 5.0)
}

func TestAllShortCircuits(t *testing.T) {
	evaluated := false
	ec := &EvalContext{Ctx: context.Background(), Action: newAction("x", nil), Store: state.NewMemoryStore(), Namespace: "ns", Tenant: "t1"}
	// Second operand would raise a predicate error if evaluated; All must
	// short-circuit on the first false operand.
	result := Eval(ec, AllOf(Lit(false), Gt(Lit("a"), Lit(1))))
	assert.False(t, result.Truthy())
	_ = evaluated
}

func TestDeterministicEvaluation(t *testing.T) {
	rules := []Rule{
		{
			Name: "reroute", Priority: 1, Enabled: true,
			Condition: Eq(ActionField("payload.priority"), Lit("high")),
			Template:  func(a *action.Action) action.Verdict { return action.Reroute("reroute", "sms") },
		},
	}
	engine, err := NewEngine(rules)
	require.NoError(t, err)
	store := state.NewMemoryStore()
	a := newAction("x", map[string]interface{}{"priority": "high"})

	first := engine.Evaluate(context.Background(), a, store, "ns", "t1", nil)
	second := engine.Evaluate(context.Background(), a, store, "ns", "t1", nil)
	assert.Equal(t, first.Verdict, second.Verdict)
}

func TestEngineReloadRejectsDuplicateNames(t *testing.T) {
	_, err := NewEngine([]Rule{
		{Name: "dup", Priority: 1, Enabled: true, Condition: Lit(true), Template: func(a *action.Action) action.Verdict { return action.Allow() }},
		{Name: "dup", Priority: 2, Enabled: true, Condition: Lit(true), Template: func(a *action.Action) action.Verdict { return action.Allow() }},
	})
	assert.Error(t, err)
}

func TestMatchesUsesCachedRegex(t *testing.T) {
	ec := &EvalContext{Ctx: context.Background(), Action: newAction("x", nil), Store: state.NewMemoryStore(), Namespace: "ns", Tenant: "t1"}
	result := Eval(ec, Matches(Lit("order-12345"), Lit(`^order-\d+$`)))
	assert.True(t, result.Truthy())
}
