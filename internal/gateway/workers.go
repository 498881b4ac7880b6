package gateway

import (
	"context"
	"time"

	"github.com/r3e-network/acteon/internal/action"
	"github.com/r3e-network/acteon/internal/recurring"
	apperrors "github.com/r3e-network/acteon/pkg/errors"
)

const (
	defaultGroupFlushInterval     = 5 * time.Second
	defaultTimeoutCheckInterval   = 10 * time.Second
	defaultCleanupInterval        = time.Minute
	defaultRecurringCheckInterval = 15 * time.Second
)

// Start launches the gateway's background maintenance workers: group
// flush, chain timeout checking, approval GC, recurring-action dispatch,
// and audit cleanup. The first four are each gated by their own
// background.enable_* flag; audit cleanup runs when audit is enabled with
// a positive cleanup interval. Each runs on its own ticker interval.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = true
	g.stopCh = make(chan struct{})
	g.mu.Unlock()

	if g.cfg.Background.EnableGroupFlush {
		go g.runTicker(ctx, g.cfg.Background.GroupFlushInterval, defaultGroupFlushInterval, g.sweepGroups)
	}
	if g.cfg.Background.EnableTimeoutProcessing {
		go g.runTicker(ctx, g.cfg.Background.TimeoutCheckInterval, defaultTimeoutCheckInterval, g.checkChainTimeouts)
	}
	if g.cfg.Background.EnableApprovalRetry {
		go g.runTicker(ctx, g.cfg.Background.CleanupInterval, defaultCleanupInterval, g.gcApprovals)
	}
	if g.cfg.Background.EnableRecurring {
		go g.runTicker(ctx, g.cfg.Background.RecurringCheckInterval, defaultRecurringCheckInterval, g.dispatchDueRecurringActions)
	}
	if g.cfg.Audit.Enabled && g.cfg.Audit.CleanupInterval > 0 {
		go g.runTicker(ctx, g.cfg.Audit.CleanupInterval, defaultCleanupInterval, g.cleanupAudit)
	}
	return nil
}

// Stop signals every background worker to exit. It does not wait for
// their current tick to finish.
func (g *Gateway) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return nil
	}
	g.running = false
	close(g.stopCh)
	return nil
}

func (g *Gateway) runTicker(ctx context.Context, interval, fallback time.Duration, work func(context.Context)) {
	if interval <= 0 {
		interval = fallback
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case <-ticker.C:
			work(ctx)
		}
	}
}

func (g *Gateway) sweepGroups(ctx context.Context) {
	n, err := g.flusher.Sweep(ctx, g.cfg.Background.Namespace, g.cfg.Background.Tenant)
	if err != nil {
		g.log.WithFields(map[string]interface{}{"error": err.Error()}).Warn("group sweep failed")
		return
	}
	if n > 0 {
		g.log.WithFields(map[string]interface{}{"flushed": n}).Info("flushed due groups")
	}
}

func (g *Gateway) checkChainTimeouts(ctx context.Context) {
	n, err := g.chains.CheckTimeouts(ctx, g.cfg.Background.Namespace, g.cfg.Background.Tenant)
	if err != nil {
		g.log.WithFields(map[string]interface{}{"error": err.Error()}).Warn("chain timeout sweep failed")
		return
	}
	if n > 0 {
		g.log.WithFields(map[string]interface{}{"timed_out": n}).Info("timed out expired chains")
	}
}

func (g *Gateway) gcApprovals(ctx context.Context) {
	expired, err := g.approvals.GC(ctx, g.cfg.Background.Namespace, g.cfg.Background.Tenant)
	if err != nil {
		g.log.WithFields(map[string]interface{}{"error": err.Error()}).Warn("approval gc failed")
		return
	}
	for _, record := range expired {
		outcome := action.Failed(apperrors.ApprovalExpired(record.ID))
		if auditErr := g.recordAudit(ctx, record.Namespace, record.Tenant, record.Action, record.Rule, "RequestApproval", outcome, record.Action.ID); auditErr != nil {
			g.log.Warn("failed to record approval-expiry audit entry")
		}
	}
}

func (g *Gateway) dispatchDueRecurringActions(ctx context.Context) {
	due, err := g.recurring.Due(ctx, g.cfg.Background.Namespace, g.cfg.Background.Tenant, time.Now().UTC())
	if err != nil {
		g.log.WithFields(map[string]interface{}{"error": err.Error()}).Warn("recurring action scan failed")
		return
	}
	for _, def := range due {
		firedAt := time.Now().UTC()
		a := recurring.Synthesize(def, firedAt)
		if _, err := g.Dispatch(ctx, def.Namespace, def.Tenant, a); err != nil {
			g.log.WithFields(map[string]interface{}{"error": err.Error(), "recurring_id": def.ID}).Warn("recurring action dispatch failed")
		}
		if err := g.recurring.Advance(ctx, def, firedAt); err != nil {
			g.log.WithFields(map[string]interface{}{"error": err.Error(), "recurring_id": def.ID}).Warn("recurring action reschedule failed")
		}
	}
}

func (g *Gateway) cleanupAudit(ctx context.Context) {
	n, err := g.audit.CleanupExpired(ctx)
	if err != nil {
		g.log.WithFields(map[string]interface{}{"error": err.Error()}).Warn("audit cleanup failed")
		return
	}
	if n > 0 {
		g.log.WithFields(map[string]interface{}{"removed": n}).Info("cleaned up expired audit records")
	}
}
