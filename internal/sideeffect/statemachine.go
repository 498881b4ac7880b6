package sideeffect

import (
	"context"
	"fmt"
	"time"

	"github.com/r3e-network/acteon/internal/action"
	"github.com/r3e-network/acteon/internal/lock"
	"github.com/r3e-network/acteon/internal/state"
)

// StateMachineDef is a declarative named-states + allowed-transitions
// config: a set of states, the transitions allowed between them, and an
// initial state.
type StateMachineDef struct {
	Name        string
	States      []string
	Transitions map[string][]string // from -> allowed to's
	Initial     string
}

func (d StateMachineDef) allows(from, to string) bool {
	for _, allowed := range d.Transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (d StateMachineDef) validate() error {
	if d.Name == "" {
		return fmt.Errorf("sideeffect: state machine def missing name")
	}
	known := make(map[string]bool, len(d.States))
	for _, s := range d.States {
		known[s] = true
	}
	if !known[d.Initial] {
		return fmt.Errorf("sideeffect: state machine %q: initial state %q not in States", d.Name, d.Initial)
	}
	for from, tos := range d.Transitions {
		if !known[from] {
			return fmt.Errorf("sideeffect: state machine %q: transition from unknown state %q", d.Name, from)
		}
		for _, to := range tos {
			if !known[to] {
				return fmt.Errorf("sideeffect: state machine %q: transition to unknown state %q", d.Name, to)
			}
		}
	}
	return nil
}

// StateMachine evaluates StateMachine verdicts against their declared
// definitions.
type StateMachine struct {
	l    lock.Lock
	defs map[string]StateMachineDef
}

// NewStateMachine validates and indexes defs by name.
func NewStateMachine(l lock.Lock, defs []StateMachineDef) (*StateMachine, error) {
	indexed := make(map[string]StateMachineDef, len(defs))
	for _, d := range defs {
		if err := d.validate(); err != nil {
			return nil, err
		}
		indexed[d.Name] = d
	}
	return &StateMachine{l: l, defs: indexed}, nil
}

// Apply computes a's fingerprint over the declared fields, reads the
// current state under lock, and applies the requested transition
// (a.Status) if allowed.
func (sm *StateMachine) Apply(ctx context.Context, store state.Store, namespace, tenant string, a *action.Action, name string, fingerprintFields []string) (action.Outcome, error) {
	def, ok := sm.defs[name]
	if !ok {
		return action.Outcome{}, fmt.Errorf("sideeffect: unknown state machine %q", name)
	}

	fp := Fingerprint(a, fingerprintFields)
	key := state.Key(namespace, tenant, state.KindStateMachine, name+":"+fp)

	var outcome action.Outcome
	lockErr := lock.WithLock(ctx, sm.l, "statemachine:"+key, 5*time.Second, func(uint64) error {
		raw, getErr := store.Get(ctx, key)
		current := def.Initial
		firstObservation := getErr != nil
		if !firstObservation {
			current = string(raw)
		}

		requested := a.Status
		if requested == "" || requested == current {
			if firstObservation {
				if err := store.Set(ctx, key, []byte(current), 0); err != nil {
					return err
				}
				outcome = action.StateChanged("", current)
				return nil
			}
			outcome = action.StateChanged(current, current)
			return nil
		}

		if !def.allows(current, requested) {
			outcome = action.InvalidTransition()
			return nil
		}

		if err := store.Set(ctx, key, []byte(requested), 0); err != nil {
			return err
		}
		outcome = action.StateChanged(current, requested)
		return nil
	})
	if lockErr != nil {
		return action.Outcome{}, lockErr
	}
	return outcome, nil
}
