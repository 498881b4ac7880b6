package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/r3e-network/acteon/internal/action"
	"github.com/r3e-network/acteon/internal/executor"
	"github.com/r3e-network/acteon/internal/lock"
	"github.com/r3e-network/acteon/internal/provider"
	"github.com/r3e-network/acteon/internal/state"
	"github.com/r3e-network/acteon/internal/stream"
)

// ProviderRegistry resolves a provider by name for PROVIDER and PARALLEL
// steps.
type ProviderRegistry interface {
	Get(name string) (provider.Provider, bool)
}

// DLQFunc is invoked when a step's failure policy is Dlq.
type DLQFunc func(ctx context.Context, namespace, tenant string, a *action.Action, reason string) error

// Config configures an Engine.
type Config struct {
	Definitions     map[string]Definition
	Store           state.Store
	Lock            lock.Lock
	Executor        *executor.Executor
	Providers       ProviderRegistry
	Events          *stream.Broadcaster // optional
	DLQ             DLQFunc             // optional
	MaxConcurrency  int                 // default parallel sub-step concurrency cap
	LockTTL         time.Duration
}

// Engine is the chain runtime: ADVANCE-driven execution over persisted
// State, one idempotent step of progress per call.
type Engine struct {
	cfg Config
}

// NewEngine validates cfg.Definitions (structure, references, cycles) and
// returns an Engine, or an error if the configuration is malformed.
func NewEngine(cfg Config) (*Engine, error) {
	if err := ValidateAll(cfg.Definitions); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &Engine{cfg: cfg}, nil
}

func (e *Engine) key(namespace, tenant, chainID string) string {
	return state.Key(namespace, tenant, state.KindChain, chainID)
}

func (e *Engine) load(ctx context.Context, namespace, tenant, chainID string) (*State, error) {
	raw, err := e.cfg.Store.Get(ctx, e.key(namespace, tenant, chainID))
	if err != nil {
		return nil, err
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("chain: corrupt runtime state for %s: %w", chainID, err)
	}
	return &s, nil
}

func (e *Engine) save(ctx context.Context, namespace, tenant string, s *State) error {
	s.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return e.cfg.Store.Set(ctx, e.key(namespace, tenant, s.ChainID), raw, 0)
}

func (e *Engine) emit(namespace, tenant string, kind stream.Kind, chainID string, data map[string]interface{}) {
	if e.cfg.Events == nil {
		return
	}
	e.cfg.Events.Publish(stream.Event{
		Kind: kind, Namespace: namespace, Tenant: tenant, ChainID: chainID,
		Data: data, EmittedAt: time.Now().UTC(),
	})
}

// Start creates runtime state for chainName and persists it under lock,
// returning immediately without executing any step. Actual progress
// happens via repeated Advance calls from a driver.
func (e *Engine) Start(ctx context.Context, namespace, tenant, chainName string, origin *action.Action) (*State, error) {
	def, ok := e.cfg.Definitions[chainName]
	if !ok {
		return nil, fmt.Errorf("chain: unknown chain %q", chainName)
	}
	s := &State{
		ChainID:    action.NewID("chn"),
		ChainName:  chainName,
		Origin:     origin,
		StepIndex:  0,
		TotalSteps: len(def.Steps),
		Status:     StatusRunning,
		Results:    make(map[string]StepResult),
		StartedAt:  time.Now().UTC(),
	}
	if def.Timeout > 0 {
		exp := s.StartedAt.Add(def.Timeout)
		s.ExpiresAt = &exp
	}
	if err := lock.WithLock(ctx, e.cfg.Lock, e.key(namespace, tenant, s.ChainID), e.cfg.LockTTL, func(uint64) error {
		return e.save(ctx, namespace, tenant, s)
	}); err != nil {
		return nil, err
	}
	e.emit(namespace, tenant, stream.KindChainStarted, s.ChainID, map[string]interface{}{
		"chain_name": chainName, "total_steps": s.TotalSteps,
	})
	return s, nil
}

func stepIndexByName(def Definition, name string) (int, bool) {
	for i, s := range def.Steps {
		if s.Name == name {
			return i, true
		}
	}
	return 0, false
}

// Advance performs one idempotent unit of progress on chainID. Calling it
// again after a step's result has already been persisted does not
// re-invoke that step's provider.
func (e *Engine) Advance(ctx context.Context, namespace, tenant, chainID string) error {
	return lock.WithLock(ctx, e.cfg.Lock, e.key(namespace, tenant, chainID), e.cfg.LockTTL, func(uint64) error {
		s, err := e.load(ctx, namespace, tenant, chainID)
		if err != nil {
			return err
		}
		if !s.Status.advanceable() {
			return nil // terminal or cancelled: advances are no-ops
		}
		def, ok := e.cfg.Definitions[s.ChainName]
		if !ok {
			return fmt.Errorf("chain: runtime state references unknown chain %q", s.ChainName)
		}
		if s.ExpiresAt != nil && time.Now().UTC().After(*s.ExpiresAt) {
			return e.timeoutLocked(ctx, namespace, tenant, s)
		}
		step, ok := s.currentStep(def)
		if !ok {
			s.Status = StatusCompleted
			e.emit(namespace, tenant, stream.KindChainCompleted, s.ChainID, map[string]interface{}{"execution_path": s.ExecutionPath})
			return e.save(ctx, namespace, tenant, s)
		}

		switch step.Kind {
		case StepSubChain:
			err = e.advanceSubChain(ctx, namespace, tenant, def, step, s)
		case StepParallel:
			err = e.advanceParallel(ctx, namespace, tenant, def, step, s)
		case StepProvider:
			err = e.advanceProvider(ctx, namespace, tenant, def, step, s)
		default:
			err = fmt.Errorf("chain: step %q has unknown kind %q", step.Name, step.Kind)
		}
		if err != nil {
			return err
		}
		if s.Status == StatusCompleted {
			e.emit(namespace, tenant, stream.KindChainCompleted, s.ChainID, map[string]interface{}{"execution_path": s.ExecutionPath})
		} else {
			e.emit(namespace, tenant, stream.KindChainAdvanced, s.ChainID, map[string]interface{}{"step": step.Name})
		}
		return e.save(ctx, namespace, tenant, s)
	})
}

// advanceToOrComplete moves the runtime to step nextName, or marks the
// chain Completed when nextName is empty (branch fell through past the
// last step or the step sequence ended).
func (e *Engine) advanceToOrComplete(def Definition, s *State, nextName string) {
	if nextName == "" {
		s.Status = StatusCompleted
		return
	}
	idx, ok := stepIndexByName(def, nextName)
	if !ok {
		s.Status = StatusCompleted
		return
	}
	s.StepIndex = idx
}

func (e *Engine) advanceProvider(ctx context.Context, namespace, tenant string, def Definition, step Step, s *State) error {
	if _, done := s.Results[step.Name]; done {
		e.advanceSequential(def, step, s)
		return nil
	}
	p, ok := e.cfg.Providers.Get(step.Provider)
	if !ok {
		return e.failStep(ctx, namespace, tenant, def, step, s, fmt.Sprintf("unknown provider %q", step.Provider))
	}

	var prev *StepResult
	if len(s.ExecutionPath) > 0 {
		last := s.Results[s.ExecutionPath[len(s.ExecutionPath)-1]]
		prev = &last
	}
	env := TemplateEnv(s.Origin, prev, s.Results)
	payload := ResolveTemplate(step.PayloadTemplate, env)

	derived := s.Origin.Derive(nil)
	derived.Origin.Provider = step.Provider
	derived.Origin.ActionType = step.ActionType
	derived.Payload = payload

	resp, execErr := e.cfg.Executor.Execute(ctx, derived, p)
	if execErr != nil {
		return e.failStep(ctx, namespace, tenant, def, step, s, execErr.Error())
	}

	s.recordResult(step.Name, true, resp.Body, "")
	e.emit(namespace, tenant, stream.KindChainStepCompleted, s.ChainID, map[string]interface{}{"step": step.Name, "success": true})

	next := branchTarget(step, resp.Body)
	e.advanceToOrComplete(def, s, next)
	return nil
}

func (e *Engine) advanceSequential(def Definition, step Step, s *State) {
	for i, st := range def.Steps {
		if st.Name == step.Name {
			if i+1 < len(def.Steps) {
				s.StepIndex = i + 1
			} else {
				s.Status = StatusCompleted
			}
			return
		}
	}
}

func branchTarget(step Step, body map[string]interface{}) string {
	raw, _ := json.Marshal(body)
	for _, b := range step.Branches {
		if branchMatches(raw, b) {
			return b.NextStep
		}
	}
	return step.DefaultNext
}

func branchMatches(body []byte, b Branch) bool {
	r := gjson.GetBytes(body, b.Field)
	switch b.Op {
	case BranchEq:
		return fmt.Sprint(r.Value()) == fmt.Sprint(b.Value)
	case BranchNe:
		return fmt.Sprint(r.Value()) != fmt.Sprint(b.Value)
	case BranchGt:
		return r.Num > toFloat(b.Value)
	case BranchLt:
		return r.Num < toFloat(b.Value)
	case BranchContains:
		return contains(r.String(), fmt.Sprint(b.Value))
	default:
		return false
	}
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

func contains(haystack, needle string) bool {
	return len(needle) == 0 || (len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

// failStep applies step.OnFailure. Abort fails the whole chain; Skip moves
// to the next step as if it had succeeded with an empty response; Dlq
// does the same after invoking the DLQ callback, unless the chain's
// overall policy is AbortNoDlq, which suppresses the DLQ emission.
func (e *Engine) failStep(ctx context.Context, namespace, tenant string, def Definition, step Step, s *State, reason string) error {
	s.recordResult(step.Name, false, nil, reason)
	switch step.OnFailure {
	case FailureSkip:
		e.advanceSequential(def, step, s)
		return nil
	case FailureDlq:
		if def.OnFailure != ChainAbortNoDlq && e.cfg.DLQ != nil {
			if err := e.cfg.DLQ(ctx, namespace, tenant, s.Origin, reason); err != nil {
				return err
			}
		}
		e.advanceSequential(def, step, s)
		return nil
	default: // FailureAbort
		s.FailErr = reason
		s.Status = StatusFailed
		return nil
	}
}
