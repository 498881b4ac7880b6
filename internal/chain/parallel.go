package chain

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/r3e-network/acteon/internal/action"
	"github.com/r3e-network/acteon/internal/lock"
)

func (e *Engine) advanceParallel(ctx context.Context, namespace, tenant string, def Definition, step Step, s *State) error {
	if s.Scoreboard == nil {
		s.Scoreboard = make(map[string]*SubStepEntry, len(step.SubSteps))
		for _, sub := range step.SubSteps {
			s.Scoreboard[sub.Name] = &SubStepEntry{Status: SubStepPending}
		}
		s.Status = StatusWaitingParallel
		go e.runParallelGroup(namespace, tenant, step, s.ChainID, s.Origin)
		return nil
	}

	joined, success := joinStatus(step, s.Scoreboard)
	if !joined {
		return nil // still running; driver retries later
	}

	s.Status = StatusRunning
	merged := make(map[string]interface{}, len(s.Scoreboard))
	for name, entry := range s.Scoreboard {
		merged[name] = entry.Response
	}
	s.Scoreboard = nil

	if !success && step.ParallelFailure != ParallelBestEffort {
		return e.failStep(ctx, namespace, tenant, def, step, s, "parallel step failed")
	}
	s.recordResult(step.Name, success, merged, "")
	e.advanceSequential(def, step, s)
	return nil
}

// joinStatus reports whether the join condition for step is satisfied
// given the current scoreboard, and whether it is satisfied successfully.
func joinStatus(step Step, board map[string]*SubStepEntry) (joined, success bool) {
	succeeded, failed, total := 0, 0, len(board)
	for _, entry := range board {
		switch entry.Status {
		case SubStepSucceeded:
			succeeded++
		case SubStepFailed, SubStepCancelled:
			failed++
		}
	}
	switch step.Join {
	case JoinAny:
		if succeeded > 0 {
			return true, true
		}
		if failed == total {
			return true, false
		}
		return false, false
	default: // JoinAll
		if succeeded+failed < total {
			return false, false
		}
		return true, failed == 0
	}
}

// runParallelGroup dispatches every sub-step concurrently, bounded by
// MaxConcurrency, writing results back into the persisted scoreboard as
// each completes so the next Advance call observes progress. On an
// Any-join, the first success cancels the shared group context so
// slower in-flight sub-steps stop rather than run to completion.
func (e *Engine) runParallelGroup(namespace, tenant string, step Step, chainID string, origin *action.Action) {
	ctx := context.Background()
	if step.ParallelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.ParallelTimeout)
		defer cancel()
	}
	groupCtx, cancelGroup := context.WithCancel(ctx)
	defer cancelGroup()

	limit := step.MaxConcurrency
	if limit <= 0 {
		limit = e.cfg.MaxConcurrency
	}
	sem := semaphore.NewWeighted(int64(limit))

	var wg sync.WaitGroup
	for _, sub := range step.SubSteps {
		sub := sub
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(groupCtx, 1); err != nil {
				e.setScoreboardEntry(namespace, tenant, chainID, sub.Name, SubStepEntry{Status: SubStepCancelled, Error: err.Error()})
				return
			}
			defer sem.Release(1)
			e.setScoreboardEntry(namespace, tenant, chainID, sub.Name, SubStepEntry{Status: SubStepRunning})
			entry := e.runSubStep(groupCtx, origin, sub)
			e.setScoreboardEntry(namespace, tenant, chainID, sub.Name, entry)
			if step.Join == JoinAny && entry.Status == SubStepSucceeded {
				cancelGroup()
			}
		}()
	}
	wg.Wait()
}

func (e *Engine) runSubStep(ctx context.Context, origin *action.Action, sub SubStep) SubStepEntry {
	p, ok := e.cfg.Providers.Get(sub.Provider)
	if !ok {
		return SubStepEntry{Status: SubStepFailed, Error: "unknown provider " + sub.Provider}
	}
	env := TemplateEnv(origin, nil, nil)
	payload := ResolveTemplate(sub.PayloadTemplate, env)
	derived := origin.Derive(payload)
	derived.Origin.Provider = sub.Provider
	derived.Origin.ActionType = sub.ActionType

	resp, err := e.cfg.Executor.Execute(ctx, derived, p)
	if err != nil {
		if ctx.Err() != nil {
			return SubStepEntry{Status: SubStepCancelled, Error: ctx.Err().Error()}
		}
		return SubStepEntry{Status: SubStepFailed, Error: err.Error()}
	}
	return SubStepEntry{Status: SubStepSucceeded, Response: resp.Body}
}

// setScoreboardEntry merges a sub-step's outcome into the persisted
// scoreboard under the chain's lock, so a concurrent Advance call always
// observes a consistent view.
func (e *Engine) setScoreboardEntry(namespace, tenant, chainID, subName string, entry SubStepEntry) {
	ctx := context.Background()
	_ = lock.WithLock(ctx, e.cfg.Lock, e.key(namespace, tenant, chainID), e.cfg.LockTTL, func(uint64) error {
		s, err := e.load(ctx, namespace, tenant, chainID)
		if err != nil {
			return err
		}
		if s.Scoreboard == nil || s.Scoreboard[subName] == nil {
			return nil
		}
		cur := *s.Scoreboard[subName]
		cur.Status = entry.Status
		if entry.Response != nil {
			cur.Response = entry.Response
		}
		if entry.Error != "" {
			cur.Error = entry.Error
		}
		s.Scoreboard[subName] = &cur
		return e.save(ctx, namespace, tenant, s)
	})
}
