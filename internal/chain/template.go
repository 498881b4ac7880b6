package chain

import (
	"encoding/json"
	"regexp"

	"github.com/tidwall/gjson"

	"github.com/r3e-network/acteon/internal/action"
)

var templateToken = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\[\]]+)\s*\}\}`)

// TemplateEnv builds the {origin, prev, steps.<name>} environment a
// PROVIDER step's payload template is resolved against.
func TemplateEnv(origin *action.Action, prev *StepResult, completed map[string]StepResult) map[string]interface{} {
	env := map[string]interface{}{
		"origin": map[string]interface{}{
			"namespace":   origin.Origin.Namespace,
			"tenant":      origin.Origin.Tenant,
			"provider":    origin.Origin.Provider,
			"action_type": origin.Origin.ActionType,
			"payload":     origin.Payload,
			"labels":      origin.Labels,
		},
	}
	if prev != nil {
		env["prev"] = map[string]interface{}{
			"name":     prev.Name,
			"success":  prev.Success,
			"response": prev.Response,
			"error":    prev.Error,
		}
	}
	steps := make(map[string]interface{}, len(completed))
	for name, r := range completed {
		steps[name] = map[string]interface{}{
			"name":     r.Name,
			"success":  r.Success,
			"response": r.Response,
			"error":    r.Error,
		}
	}
	env["steps"] = steps
	return env
}

// ResolveTemplate walks tmpl and substitutes every "{{path}}" token with
// its gjson-projected value from env. A value that is exactly one token
// (e.g. "{{prev.response.order_id}}") is replaced with the projected
// value's native type; a token embedded in a larger string is replaced
// with its string representation.
func ResolveTemplate(tmpl map[string]interface{}, env map[string]interface{}) map[string]interface{} {
	envJSON, err := json.Marshal(env)
	if err != nil {
		envJSON = []byte("{}")
	}
	return resolveValue(tmpl, envJSON).(map[string]interface{})
}

func resolveValue(v interface{}, envJSON []byte) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, sub := range val {
			out[k] = resolveValue(sub, envJSON)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, sub := range val {
			out[i] = resolveValue(sub, envJSON)
		}
		return out
	case string:
		return resolveString(val, envJSON)
	default:
		return val
	}
}

func resolveString(s string, envJSON []byte) interface{} {
	if m := templateToken.FindStringSubmatch(s); m != nil && m[0] == s {
		r := gjson.GetBytes(envJSON, m[1])
		if !r.Exists() {
			return ""
		}
		return gjsonNative(r)
	}
	return templateToken.ReplaceAllStringFunc(s, func(token string) string {
		path := templateToken.FindStringSubmatch(token)[1]
		return gjson.GetBytes(envJSON, path).String()
	})
}

func gjsonNative(r gjson.Result) interface{} {
	switch r.Type {
	case gjson.Null:
		return nil
	case gjson.True, gjson.False:
		return r.Bool()
	case gjson.Number:
		return r.Num
	case gjson.String:
		return r.Str
	default:
		if r.IsArray() || r.IsObject() {
			return r.Value()
		}
		return r.Str
	}
}
