// Package sideeffect implements the dedup, throttle, state-machine, and
// grouping engines the rule engine's non-Allow verdicts drive.
package sideeffect

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/r3e-network/acteon/internal/action"
)

func canonicalActionJSON(a *action.Action) []byte {
	doc := map[string]interface{}{
		"namespace":   a.Origin.Namespace,
		"tenant":      a.Origin.Tenant,
		"provider":    a.Origin.Provider,
		"action_type": a.Origin.ActionType,
		"payload":     a.Payload,
		"labels":      a.Labels,
	}
	b, _ := json.Marshal(doc)
	return b
}

// Fingerprint computes a stable hash of a. With no fields it hashes the
// full origin+payload+labels envelope; with fields it projects each
// dotted path (e.g. "payload.order_id") in order and hashes the
// concatenation, used by the state machine and grouping verdicts (spec
// §4.2 "computes a fingerprint/group key by projecting declared fields").
func Fingerprint(a *action.Action, fields []string) string {
	h := sha256.New()
	doc := canonicalActionJSON(a)
	if len(fields) == 0 {
		h.Write(doc)
		return hex.EncodeToString(h.Sum(nil))
	}
	for _, f := range fields {
		v := gjson.GetBytes(doc, f)
		h.Write([]byte(f))
		h.Write([]byte{0})
		h.Write([]byte(v.Raw))
		h.Write([]byte{1})
	}
	return hex.EncodeToString(h.Sum(nil))
}
