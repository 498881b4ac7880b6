package sideeffect

import (
	"context"
	"time"

	"github.com/r3e-network/acteon/internal/action"
	"github.com/r3e-network/acteon/internal/state"
)

// Dedup implements the deduplicate side effect.
type Dedup struct{}

// NewDedup constructs a Dedup engine. It is stateless; all state lives in
// the state.Store passed to Apply.
func NewDedup() *Dedup { return &Dedup{} }

// Key returns the dedup key for a: its explicit DedupKey if set, else a
// stable fingerprint of origin+payload.
func (d *Dedup) Key(a *action.Action) string {
	if a.DedupKey != "" {
		return a.DedupKey
	}
	return Fingerprint(a, nil)
}

// Apply attempts the atomic insert-if-absent. proceed is true when this
// caller won the race and dispatch should continue to execution; false
// means a record already existed within its TTL and the caller should
// report action.Deduplicated().
func (d *Dedup) Apply(ctx context.Context, store state.Store, namespace, tenant string, a *action.Action, ttl time.Duration) (proceed bool, key string, err error) {
	key = d.Key(a)
	stateKey := state.Key(namespace, tenant, state.KindDedup, key)
	ok, err := store.SaveIfAbsent(ctx, stateKey, []byte(a.ID), ttl)
	if err != nil {
		return false, key, err
	}
	return ok, key, nil
}
