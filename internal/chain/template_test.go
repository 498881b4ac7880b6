package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/acteon/internal/action"
)

func testOrigin() *action.Action {
	return action.New(action.Origin{Namespace: "ns", Tenant: "t", Provider: "orig", ActionType: "create"},
		map[string]interface{}{"order_id": "ord-1", "amount": 42.5})
}

func TestResolveTemplateWholeTokenPreservesNativeType(t *testing.T) {
	env := TemplateEnv(testOrigin(), nil, nil)
	out := ResolveTemplate(map[string]interface{}{"amount": "{{origin.payload.amount}}"}, env)
	assert.Equal(t, 42.5, out["amount"])
}

func TestResolveTemplateEmbeddedTokenStringifies(t *testing.T) {
	env := TemplateEnv(testOrigin(), nil, nil)
	out := ResolveTemplate(map[string]interface{}{"msg": "order {{origin.payload.order_id}} received"}, env)
	assert.Equal(t, "order ord-1 received", out["msg"])
}

func TestResolveTemplatePassesThroughNonTemplateValues(t *testing.T) {
	env := TemplateEnv(testOrigin(), nil, nil)
	out := ResolveTemplate(map[string]interface{}{"literal": 7, "nested": map[string]interface{}{"x": "plain"}}, env)
	assert.Equal(t, 7, out["literal"])
	nested, ok := out["nested"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "plain", nested["x"])
}

func TestResolveTemplateResolvesPrevAndSteps(t *testing.T) {
	prev := &StepResult{Name: "charge", Success: true, Response: map[string]interface{}{"id": "ch_1"}}
	completed := map[string]StepResult{"charge": *prev}
	env := TemplateEnv(testOrigin(), prev, completed)

	out := ResolveTemplate(map[string]interface{}{
		"from_prev": "{{prev.response.id}}",
		"from_step": "{{steps.charge.response.id}}",
	}, env)
	assert.Equal(t, "ch_1", out["from_prev"])
	assert.Equal(t, "ch_1", out["from_step"])
}

func TestResolveTemplateMissingPathYieldsEmptyString(t *testing.T) {
	env := TemplateEnv(testOrigin(), nil, nil)
	out := ResolveTemplate(map[string]interface{}{"x": "{{nope.nope}}"}, env)
	assert.Equal(t, "", out["x"])
}

func TestResolveTemplateResolvesListElements(t *testing.T) {
	env := TemplateEnv(testOrigin(), nil, nil)
	out := ResolveTemplate(map[string]interface{}{
		"items": []interface{}{"{{origin.payload.order_id}}", "literal"},
	}, env)
	items, ok := out["items"].([]interface{})
	require.True(t, ok)
	assert.Equal(t, "ord-1", items[0])
	assert.Equal(t, "literal", items[1])
}
