// Package action defines the immutable request envelope that flows through
// the Acteon pipeline.
package action

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Origin identifies where an action came from and where it is addressed.
type Origin struct {
	Namespace  string
	Tenant     string
	Provider   string
	ActionType string
}

// Action is the immutable request envelope. Once accepted it is never
// mutated; a rule's Modify verdict produces a derived Action instead.
type Action struct {
	ID            string
	Origin        Origin
	Payload       map[string]interface{}
	Labels        map[string]string
	DedupKey      string
	Fingerprint   string
	Status        string
	StartsAt      *time.Time
	EndsAt        *time.Time
	TemplateRef   string
	TraceContext  map[string]string
	CreatedAt     time.Time
}

// NewID returns a time-ordered, lexically sortable unique identifier: a
// millisecond timestamp hex prefix followed by a uuid suffix. Used for
// action, chain, and audit record ids.
func NewID(prefix string) string {
	ms := time.Now().UTC().UnixMilli()
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")
	if prefix == "" {
		return fmt.Sprintf("%012x-%s", ms, suffix)
	}
	return fmt.Sprintf("%s_%012x-%s", prefix, ms, suffix)
}

// New creates an Action with a fresh ID and CreatedAt, defaulting nil maps.
func New(origin Origin, payload map[string]interface{}) *Action {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return &Action{
		ID:        NewID("act"),
		Origin:    origin,
		Payload:   payload,
		Labels:    map[string]string{},
		CreatedAt: time.Now().UTC(),
	}
}

// Derive returns a copy of a with the given field changes applied to its
// payload, used by a Modify verdict. The original Action is never
// mutated.
func (a *Action) Derive(changes map[string]interface{}) *Action {
	derived := &Action{
		ID:           a.ID,
		Origin:       a.Origin,
		Payload:      cloneMap(a.Payload),
		Labels:       cloneLabels(a.Labels),
		DedupKey:     a.DedupKey,
		Fingerprint:  a.Fingerprint,
		Status:       a.Status,
		StartsAt:     a.StartsAt,
		EndsAt:       a.EndsAt,
		TemplateRef:  a.TemplateRef,
		TraceContext: a.TraceContext,
		CreatedAt:    a.CreatedAt,
	}
	for k, v := range changes {
		derived.Payload[k] = v
	}
	return derived
}

// WithOrigin returns a derived Action rerouted to a new provider/type.
func (a *Action) WithOrigin(o Origin) *Action {
	derived := a.Derive(nil)
	derived.Origin = o
	return derived
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneLabels(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
