// Package rule implements the restricted expression IR, its pure evaluator,
// and the priority-ordered rule engine.
package rule

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/r3e-network/acteon/internal/action"
	"github.com/r3e-network/acteon/internal/embedding"
	"github.com/r3e-network/acteon/internal/state"
)

// Engine evaluates actions against a live, hot-reloadable rule set: the
// live rule set is a read-mostly snapshot, and hot reload replaces the
// snapshot atomically.
type Engine struct {
	snapshot atomic.Pointer[[]Rule]
}

// NewEngine builds an Engine from an initial rule set, sorted and validated.
func NewEngine(rules []Rule) (*Engine, error) {
	e := &Engine{}
	if err := e.Reload(rules); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload atomically replaces the live rule set. Names must be unique;
// priorities are total-ordered with a stable secondary order by name (spec
// §3 invariants).
func (e *Engine) Reload(rules []Rule) error {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.Name] {
			return fmt.Errorf("rule engine: duplicate rule name %q", r.Name)
		}
		seen[r.Name] = true
	}

	sorted := append([]Rule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].Name < sorted[j].Name
	})

	e.snapshot.Store(&sorted)
	return nil
}

// Rules returns the currently live rule set.
func (e *Engine) Rules() []Rule {
	p := e.snapshot.Load()
	if p == nil {
		return nil
	}
	return append([]Rule(nil), (*p)...)
}

// EvaluationResult carries the verdict plus the telemetry the gateway wants
// to log/count around a rule evaluation.
type EvaluationResult struct {
	Verdict         action.Verdict
	MatchedRule     string
	PredicateErrors int
	TouchedKeys     []string
}

// Evaluate iterates rules in ascending priority; on the first enabled rule
// whose condition matches, it materializes that rule's Verdict and returns.
// If no rule matches, it returns the implicit Allow verdict.
func (e *Engine) Evaluate(ctx context.Context, a *action.Action, store state.Store, namespace, tenant string, bridge embedding.Bridge) EvaluationResult {
	ec := &EvalContext{
		Ctx:       ctx,
		Action:    a,
		Store:     store,
		Namespace: namespace,
		Tenant:    tenant,
		Embedding: bridge,
	}

	for _, r := range e.Rules() {
		if !r.Enabled {
			continue
		}
		if Eval(ec, r.Condition).Truthy() {
			return EvaluationResult{
				Verdict:         r.Template(a),
				MatchedRule:     r.Name,
				PredicateErrors: ec.PredicateErrors(),
				TouchedKeys:     ec.TouchedKeys(),
			}
		}
	}

	return EvaluationResult{
		Verdict:         action.Allow(),
		PredicateErrors: ec.PredicateErrors(),
		TouchedKeys:     ec.TouchedKeys(),
	}
}
