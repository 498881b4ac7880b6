package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/r3e-network/acteon/internal/lock"
	"github.com/r3e-network/acteon/internal/state"
	"github.com/r3e-network/acteon/internal/stream"
)

// timeoutLocked marks s TimedOut and cascades to any live child chains.
// Called with s already loaded under the chain's lock inside Advance.
func (e *Engine) timeoutLocked(ctx context.Context, namespace, tenant string, s *State) error {
	s.Status = StatusTimedOut
	s.FailErr = "chain exceeded its timeout"
	e.emit(namespace, tenant, stream.KindChainTimedOut, s.ChainID, map[string]interface{}{
		"execution_path": s.ExecutionPath,
	})
	if err := e.save(ctx, namespace, tenant, s); err != nil {
		return err
	}
	for _, childID := range s.ChildChainIDs {
		if err := e.cascadeTerminal(ctx, namespace, tenant, childID, StatusTimedOut, "parent chain timed out"); err != nil {
			return err
		}
	}
	return nil
}

// Cancel cooperatively cancels a running chain: the change takes effect at
// the chain's next suspension point, since a step already dispatched to a
// provider cannot be interrupted mid-flight. Cancellation cascades to any
// live child chains.
func (e *Engine) Cancel(ctx context.Context, namespace, tenant, chainID, reason, actor string) error {
	return lock.WithLock(ctx, e.cfg.Lock, e.key(namespace, tenant, chainID), e.cfg.LockTTL, func(uint64) error {
		s, err := e.load(ctx, namespace, tenant, chainID)
		if err != nil {
			return err
		}
		if s.Status.terminal() {
			return nil
		}
		s.Status = StatusCancelled
		s.CancelReason = reason
		s.CancelledBy = actor
		e.emit(namespace, tenant, stream.KindChainCancelled, s.ChainID, map[string]interface{}{
			"reason": reason, "cancelled_by": actor,
		})
		if err := e.save(ctx, namespace, tenant, s); err != nil {
			return err
		}
		for _, childID := range s.ChildChainIDs {
			if err := e.cascadeTerminal(ctx, namespace, tenant, childID, StatusCancelled, reason); err != nil {
				return err
			}
		}
		return nil
	})
}

// cascadeTerminal force-terminates a descendant chain that is still live,
// recursing into its own children, without re-running timeoutLocked's or
// Cancel's side-effecting emission logic for the root of the cascade.
func (e *Engine) cascadeTerminal(ctx context.Context, namespace, tenant, chainID string, status Status, reason string) error {
	return lock.WithLock(ctx, e.cfg.Lock, e.key(namespace, tenant, chainID), e.cfg.LockTTL, func(uint64) error {
		s, err := e.load(ctx, namespace, tenant, chainID)
		if err != nil {
			return err
		}
		if s.Status.terminal() {
			return nil
		}
		s.Status = status
		s.CancelReason = reason
		kind := stream.KindChainCancelled
		if status == StatusTimedOut {
			kind = stream.KindChainTimedOut
		}
		e.emit(namespace, tenant, kind, s.ChainID, map[string]interface{}{"reason": reason, "cascaded": true})
		if err := e.save(ctx, namespace, tenant, s); err != nil {
			return err
		}
		for _, childID := range s.ChildChainIDs {
			if err := e.cascadeTerminal(ctx, namespace, tenant, childID, status, reason); err != nil {
				return err
			}
		}
		return nil
	})
}

// CheckTimeouts scans every persisted chain runtime for one namespace/tenant
// and times out any whose expires_at has passed, intended to be called
// periodically by a background watchdog.
func (e *Engine) CheckTimeouts(ctx context.Context, namespace, tenant string) (int, error) {
	keys, err := e.cfg.Store.ScanByKind(ctx, namespace, tenant, state.KindChain)
	if err != nil {
		return 0, fmt.Errorf("chain: scanning for timeouts: %w", err)
	}
	now := time.Now().UTC()
	n := 0
	for _, key := range keys {
		parts := strings.Split(key, "/")
		chainID := parts[len(parts)-1]

		raw, err := e.cfg.Store.Get(ctx, key)
		if err != nil {
			continue
		}
		var s State
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		if s.Status.terminal() || s.ExpiresAt == nil || now.Before(*s.ExpiresAt) {
			continue
		}
		if err := e.Advance(ctx, namespace, tenant, chainID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
