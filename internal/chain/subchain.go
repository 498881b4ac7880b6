package chain

import (
	"context"

	"github.com/r3e-network/acteon/internal/lock"
)

func (e *Engine) advanceSubChain(ctx context.Context, namespace, tenant string, def Definition, step Step, s *State) error {
	if !s.ChildSpawned {
		child, err := e.Start(ctx, namespace, tenant, step.SubChainName, s.Origin)
		if err != nil {
			return e.failStep(ctx, namespace, tenant, def, step, s, err.Error())
		}
		if err := e.setParent(ctx, namespace, tenant, child.ChainID, s.ChainID); err != nil {
			return err
		}
		s.ChildSpawned = true
		s.ChildChainID = child.ChainID
		s.ChildChainIDs = append(s.ChildChainIDs, child.ChainID)
		s.Status = StatusWaitingSubChain
		return nil
	}

	child, err := e.load(ctx, namespace, tenant, s.ChildChainID)
	if err != nil {
		return err
	}
	if !child.Status.terminal() {
		return nil // still running; driver retries later
	}

	success := child.Status == StatusCompleted
	reason := child.FailErr
	if !success && reason == "" {
		reason = string(child.Status)
	}

	s.ChildSpawned = false
	s.Status = StatusRunning
	if success {
		s.recordResult(step.Name, true, map[string]interface{}{"chain_id": child.ChainID}, "")
		e.advanceSequential(def, step, s)
		return nil
	}
	return e.failStep(ctx, namespace, tenant, def, step, s, reason)
}

func (e *Engine) setParent(ctx context.Context, namespace, tenant, childID, parentID string) error {
	return lock.WithLock(ctx, e.cfg.Lock, e.key(namespace, tenant, childID), e.cfg.LockTTL, func(uint64) error {
		child, err := e.load(ctx, namespace, tenant, childID)
		if err != nil {
			return err
		}
		child.ParentChainID = parentID
		return e.save(ctx, namespace, tenant, child)
	})
}
