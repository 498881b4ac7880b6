package audit

import (
	"context"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// RedactPayload returns a deep copy of payload with every dot-separated
// path in fields (e.g. "customer.ssn") replaced by a placeholder.
func RedactPayload(payload map[string]interface{}, fields []string) map[string]interface{} {
	if len(payload) == 0 || len(fields) == 0 {
		return payload
	}
	out := deepCopyMap(payload)
	for _, path := range fields {
		redactPath(out, strings.Split(path, "."))
	}
	return out
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = deepCopyMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func redactPath(m map[string]interface{}, segments []string) {
	if len(segments) == 0 {
		return
	}
	key := segments[0]
	if len(segments) == 1 {
		if _, ok := m[key]; ok {
			m[key] = redactedPlaceholder
		}
		return
	}
	nested, ok := m[key].(map[string]interface{})
	if !ok {
		return
	}
	redactPath(nested, segments[1:])
}

// Redactor scrubs a Record's Payload before it reaches the next decorator.
// Build places it outside Encryptor so fields are scrubbed from the
// plaintext; redacting an already-sealed envelope would be a no-op.
type Redactor struct {
	inner  Store
	fields []string
}

// NewRedactor wraps inner, redacting fields on every write.
func NewRedactor(inner Store, fields []string) *Redactor {
	return &Redactor{inner: inner, fields: fields}
}

func (r *Redactor) Record(ctx context.Context, rec *Record) error {
	cp := *rec
	cp.Payload = RedactPayload(rec.Payload, r.fields)
	return r.inner.Record(ctx, &cp)
}

func (r *Redactor) GetByActionID(ctx context.Context, actionID string) ([]*Record, error) {
	return r.inner.GetByActionID(ctx, actionID)
}

func (r *Redactor) GetByID(ctx context.Context, id string) (*Record, error) {
	return r.inner.GetByID(ctx, id)
}

func (r *Redactor) Query(ctx context.Context, f Filter) (Page, error) {
	return r.inner.Query(ctx, f)
}

func (r *Redactor) CleanupExpired(ctx context.Context) (int, error) {
	return r.inner.CleanupExpired(ctx)
}
