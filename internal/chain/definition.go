// Package chain implements multi-step workflow definitions and the
// ADVANCE-driven runtime that executes them: provider steps, nested
// sub-chains, and fan-out/fan-in parallel steps, each resumable from
// persisted state.
package chain

import (
	"fmt"
	"time"
)

// FailurePolicy governs what happens when a single step fails.
type FailurePolicy string

const (
	FailureAbort FailurePolicy = "Abort"
	FailureSkip  FailurePolicy = "Skip"
	FailureDlq   FailurePolicy = "Dlq"
)

// ChainFailurePolicy governs the whole chain's reaction to an aborting step.
type ChainFailurePolicy string

const (
	ChainAbort      ChainFailurePolicy = "Abort"
	ChainAbortNoDlq ChainFailurePolicy = "AbortNoDlq"
)

// JoinPolicy governs how a PARALLEL step's sub-steps are joined.
type JoinPolicy string

const (
	JoinAll JoinPolicy = "All"
	JoinAny JoinPolicy = "Any"
)

// ParallelFailurePolicy governs whether a failing sub-step cancels the rest.
type ParallelFailurePolicy string

const (
	ParallelFailFast    ParallelFailurePolicy = "FailFast"
	ParallelBestEffort  ParallelFailurePolicy = "BestEffort"
)

// BranchOp is a comparison operator evaluated against a provider
// response's field.
type BranchOp string

const (
	BranchEq       BranchOp = "Eq"
	BranchNe       BranchOp = "Ne"
	BranchGt       BranchOp = "Gt"
	BranchLt       BranchOp = "Lt"
	BranchContains BranchOp = "Contains"
)

// Branch is one entry of a PROVIDER step's branch list: evaluated in
// order against the step's response body, first match wins.
type Branch struct {
	Field    string // gjson path into the response body
	Op       BranchOp
	Value    interface{}
	NextStep string
}

// StepKind tags which of the three step shapes a Step is.
type StepKind string

const (
	StepProvider StepKind = "Provider"
	StepSubChain StepKind = "SubChain"
	StepParallel StepKind = "Parallel"
)

// SubStep is one provider invocation inside a PARALLEL step.
type SubStep struct {
	Name            string
	Provider        string
	ActionType      string
	PayloadTemplate map[string]interface{}
}

// Step is one node of a chain definition. Exactly the fields for Kind are
// populated.
type Step struct {
	Name StepName
	Kind StepKind

	// Provider
	Provider        string
	ActionType      string
	PayloadTemplate map[string]interface{}
	Branches        []Branch
	DefaultNext     string
	OnFailure       FailurePolicy
	Delay           time.Duration

	// SubChain
	SubChainName string

	// Parallel
	SubSteps        []SubStep
	Join            JoinPolicy
	ParallelFailure ParallelFailurePolicy
	ParallelTimeout time.Duration
	MaxConcurrency  int
}

// StepName is a step's unique identity within its chain.
type StepName = string

// Definition is a named, ordered chain of steps.
type Definition struct {
	Name         string
	Steps        []Step
	Timeout      time.Duration
	OnFailure    ChainFailurePolicy
	OnCancelNotifyProvider string
}

// StepByName returns the step named name, or false if absent.
func (d Definition) StepByName(name string) (Step, bool) {
	for _, s := range d.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

// Validate checks structural invariants: unique step names, resolvable
// branch/default_next/sub-chain references within this definition, and a
// non-empty step list. Cross-chain sub-chain references and cycle
// detection are checked separately by ValidateAll/DetectCycle, since they
// require the full set of definitions.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("chain: name is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("chain %q: at least one step is required", d.Name)
	}
	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("chain %q: step name is required", d.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("chain %q: duplicate step name %q", d.Name, s.Name)
		}
		seen[s.Name] = true
	}
	for _, s := range d.Steps {
		switch s.Kind {
		case StepProvider:
			if s.DefaultNext != "" {
				if _, ok := seen[s.DefaultNext]; !ok {
					return fmt.Errorf("chain %q: step %q default_next %q does not exist", d.Name, s.Name, s.DefaultNext)
				}
			}
			for _, b := range s.Branches {
				if _, ok := seen[b.NextStep]; !ok {
					return fmt.Errorf("chain %q: step %q branch next_step %q does not exist", d.Name, s.Name, b.NextStep)
				}
			}
		case StepSubChain:
			if s.SubChainName == "" {
				return fmt.Errorf("chain %q: step %q is missing a sub-chain reference", d.Name, s.Name)
			}
		case StepParallel:
			if len(s.SubSteps) == 0 {
				return fmt.Errorf("chain %q: step %q has no parallel sub-steps", d.Name, s.Name)
			}
		default:
			return fmt.Errorf("chain %q: step %q has unknown kind %q", d.Name, s.Name, s.Kind)
		}
	}
	return nil
}

// ValidateAll validates every definition in defs and, once each is
// structurally sound, runs DetectCycle across the whole set so sub-chain
// references that individually resolve are also checked for cross-chain
// cycles.
func ValidateAll(defs map[string]Definition) error {
	for name, d := range defs {
		if d.Name != name {
			return fmt.Errorf("chain: definition keyed %q has Name %q", name, d.Name)
		}
		if err := d.Validate(); err != nil {
			return err
		}
		for _, s := range d.Steps {
			if s.Kind == StepSubChain {
				if _, ok := defs[s.SubChainName]; !ok {
					return fmt.Errorf("chain %q: step %q references unknown chain %q", d.Name, s.Name, s.SubChainName)
				}
			}
		}
	}
	return DetectCycle(defs)
}
