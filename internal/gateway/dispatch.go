package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/r3e-network/acteon/internal/action"
	"github.com/r3e-network/acteon/internal/approval"
	"github.com/r3e-network/acteon/internal/audit"
	"github.com/r3e-network/acteon/internal/rule"
	"github.com/r3e-network/acteon/internal/stream"
)

// Dispatch evaluates a against the live rule set and carries out the
// resulting verdict, returning the single terminal outcome every action
// reaches. namespace/tenant scope every backing store key and lock name
// this call touches.
func (g *Gateway) Dispatch(ctx context.Context, namespace, tenant string, a *action.Action) (action.Outcome, error) {
	result := g.rules.Evaluate(ctx, a, g.store, namespace, tenant, g.bridge)
	v := result.Verdict

	outcome, err := g.apply(ctx, namespace, tenant, a, v)
	if err != nil {
		outcome = action.Failed(err)
	}

	if len(result.TouchedKeys) > 0 && result.MatchedRule != "" && outcome.Kind != action.OutcomeFailed {
		for _, key := range result.TouchedKeys {
			if markErr := rule.MarkSeen(ctx, g.store, namespace, tenant, key); markErr != nil {
				g.log.WithFields(map[string]interface{}{"key": key}).Warn("failed to mark rule state seen")
			}
		}
	}

	if auditErr := g.recordAudit(ctx, namespace, tenant, a, result.MatchedRule, string(v.Kind), outcome, a.ID); auditErr != nil {
		g.log.WithFields(map[string]interface{}{"action_id": a.ID}).Warn("failed to record audit entry")
	}

	g.events.Publish(stream.Event{
		Kind: stream.KindActionDispatched, Namespace: namespace, Tenant: tenant, ActionID: a.ID,
		Data: map[string]interface{}{"rule": result.MatchedRule, "outcome": string(outcome.Kind)},
		EmittedAt: time.Now().UTC(),
	})
	return outcome, err
}

func (g *Gateway) apply(ctx context.Context, namespace, tenant string, a *action.Action, v action.Verdict) (action.Outcome, error) {
	switch v.Kind {
	case action.VerdictAllow:
		return g.execute(ctx, namespace, tenant, a, v.Rule, "")
	case action.VerdictSuppress:
		return action.Suppressed(v.Rule), nil
	case action.VerdictReroute:
		return g.executeRerouted(ctx, namespace, tenant, a, v)
	case action.VerdictDeduplicate:
		return g.applyDeduplicate(ctx, namespace, tenant, a, v)
	case action.VerdictThrottle:
		return g.applyThrottle(ctx, namespace, tenant, a, v)
	case action.VerdictModify:
		return g.applyModify(ctx, namespace, tenant, a, v)
	case action.VerdictStateMachine:
		return g.stateMachine.Apply(ctx, g.store, namespace, tenant, a, v.StateMachineName, v.FingerprintFields)
	case action.VerdictGroup:
		return g.applyGroup(ctx, namespace, tenant, a, v)
	case action.VerdictRequestApproval:
		return g.applyRequestApproval(ctx, namespace, tenant, a, v)
	case action.VerdictChain:
		return g.applyChain(ctx, namespace, tenant, a, v)
	default:
		return action.Outcome{}, fmt.Errorf("gateway: unknown verdict kind %q", v.Kind)
	}
}

// execute runs the guardrail check (if configured) and dispatches a to
// its addressed provider.
func (g *Gateway) execute(ctx context.Context, namespace, tenant string, a *action.Action, rule string, rerouteTarget string) (action.Outcome, error) {
	if g.guard != nil {
		text, _ := json.Marshal(a.Payload)
		v, err := g.guard.Evaluate(ctx, string(text))
		if err != nil {
			return action.Outcome{}, fmt.Errorf("gateway: guardrail check: %w", err)
		}
		if !v.Allowed {
			return action.Suppressed(rule), nil
		}
	}

	p, ok := g.providers.Get(a.Origin.Provider)
	if !ok {
		return action.Outcome{}, fmt.Errorf("gateway: unknown provider %q", a.Origin.Provider)
	}
	resp, err := g.executor.Execute(ctx, a, p)
	if err != nil {
		return action.Outcome{}, err
	}
	if rerouteTarget != "" {
		return action.Rerouted(rule, rerouteTarget, resp), nil
	}
	return action.Executed(resp), nil
}

func (g *Gateway) executeRerouted(ctx context.Context, namespace, tenant string, a *action.Action, v action.Verdict) (action.Outcome, error) {
	rerouted := a.WithOrigin(action.Origin{
		Namespace: a.Origin.Namespace, Tenant: a.Origin.Tenant,
		Provider: v.RerouteTarget, ActionType: a.Origin.ActionType,
	})
	return g.execute(ctx, namespace, tenant, rerouted, v.Rule, v.RerouteTarget)
}

func (g *Gateway) applyDeduplicate(ctx context.Context, namespace, tenant string, a *action.Action, v action.Verdict) (action.Outcome, error) {
	proceed, _, err := g.dedup.Apply(ctx, g.store, namespace, tenant, a, v.DedupTTL)
	if err != nil {
		// Fail open: a dedup-store error never blocks dispatch.
		g.log.WithFields(map[string]interface{}{"action_id": a.ID}).Warn("dedup store error, failing open")
		return g.execute(ctx, namespace, tenant, a, v.Rule, "")
	}
	if !proceed {
		return action.Deduplicated(), nil
	}
	return g.execute(ctx, namespace, tenant, a, v.Rule, "")
}

func (g *Gateway) applyThrottle(ctx context.Context, namespace, tenant string, a *action.Action, v action.Verdict) (action.Outcome, error) {
	scope := v.Rule + ":" + a.Origin.Provider
	_, throttled, retryAfter, err := g.throttle.Apply(ctx, g.store, namespace, tenant, scope, v.ThrottleMax, v.ThrottleWindow)
	if err != nil {
		if g.cfg.RateLimit.OnError == "deny" {
			return action.Throttled(v.Rule, 0), nil
		}
		g.log.WithFields(map[string]interface{}{"action_id": a.ID}).Warn("throttle store error, failing open")
		return g.execute(ctx, namespace, tenant, a, v.Rule, "")
	}
	if throttled {
		return action.Throttled(v.Rule, retryAfter), nil
	}
	return g.execute(ctx, namespace, tenant, a, v.Rule, "")
}

func (g *Gateway) applyModify(ctx context.Context, namespace, tenant string, a *action.Action, v action.Verdict) (action.Outcome, error) {
	derived := a.Derive(v.Changes)
	outcome, err := g.execute(ctx, namespace, tenant, derived, v.Rule, "")
	if err != nil || outcome.Kind != action.OutcomeExecuted {
		return outcome, err
	}
	return action.Modified(v.Rule), nil
}

func (g *Gateway) applyGroup(ctx context.Context, namespace, tenant string, a *action.Action, v action.Verdict) (action.Outcome, error) {
	groupID, err := g.group.Append(ctx, g.store, namespace, tenant, a, v)
	if err != nil {
		return action.Outcome{}, err
	}
	g.events.Publish(stream.Event{
		Kind: stream.KindGroupEventAdded, Namespace: namespace, Tenant: tenant,
		ActionID: a.ID, GroupID: groupID, EmittedAt: time.Now().UTC(),
	})
	return action.Grouped(groupID), nil
}

func (g *Gateway) applyRequestApproval(ctx context.Context, namespace, tenant string, a *action.Action, v action.Verdict) (action.Outcome, error) {
	if v.ApprovalTimeout <= 0 {
		v.ApprovalTimeout = g.cfg.DefaultApprovalTimeout
	}
	record, err := g.approvals.Create(ctx, namespace, tenant, a, v, v.ApprovalMessage)
	if err != nil {
		return action.Outcome{}, err
	}
	notified := false
	if v.ApprovalNotifyProvider != "" {
		if p, ok := g.providers.Get(v.ApprovalNotifyProvider); ok {
			notifyAction := action.New(action.Origin{
				Namespace: namespace, Tenant: tenant,
				Provider: v.ApprovalNotifyProvider, ActionType: "approval_request",
			}, map[string]interface{}{
				"approval_id": record.ID, "approve_url": record.ApproveURL,
				"reject_url": record.RejectURL, "reason": v.ApprovalMessage,
			})
			if _, err := g.executor.Execute(ctx, notifyAction, p); err != nil {
				g.log.WithFields(map[string]interface{}{"approval_id": record.ID}).Warn("approval notification failed")
			} else {
				notified = true
			}
		}
	}
	return action.PendingApproval(record.ID, record.ApproveURL, record.RejectURL, notified), nil
}

func (g *Gateway) applyChain(ctx context.Context, namespace, tenant string, a *action.Action, v action.Verdict) (action.Outcome, error) {
	s, err := g.chains.Start(ctx, namespace, tenant, v.ChainName, a)
	if err != nil {
		return action.Outcome{}, err
	}
	firstStep := ""
	if def, ok := g.cfg.Chains.Definitions[v.ChainName]; ok && len(def.Steps) > 0 {
		firstStep = def.Steps[0].Name
	}
	if err := g.chains.Advance(ctx, namespace, tenant, s.ChainID); err != nil {
		g.log.WithFields(map[string]interface{}{"chain_id": s.ChainID}).Warn("initial chain advance failed")
	}
	return action.ChainStarted(s.ChainID, s.ChainName, s.TotalSteps, firstStep), nil
}

// ResolveApproval verifies a signed decision link and, on approval,
// dispatches the original action as a replay.
func (g *Gateway) ResolveApproval(ctx context.Context, namespace, tenant, id, sigHex, kidParam, expiresAtParam string, decision string) (*action.Outcome, error) {
	record, err := g.approvals.Resolve(ctx, namespace, tenant, id, sigHex, kidParam, expiresAtParam, approval.Decision(decision))
	if err != nil {
		return nil, err
	}
	if decision != "approve" {
		return nil, nil
	}
	record.Action.Status = ""
	outcome, err := g.execute(ctx, namespace, tenant, record.Action, record.Rule, "")
	if err != nil {
		return nil, err
	}
	if auditErr := g.recordAudit(ctx, namespace, tenant, record.Action, record.Rule, "RequestApproval", outcome, record.Action.ID); auditErr != nil {
		g.log.Warn("failed to record approval-replay audit entry")
	}
	return &outcome, nil
}

func (g *Gateway) recordAudit(ctx context.Context, namespace, tenant string, a *action.Action, matchedRule, verdict string, outcome action.Outcome, actionID string) error {
	if !g.cfg.Audit.Enabled {
		return nil
	}
	rec := &audit.Record{
		ID:           actionID + ":" + string(outcome.Kind),
		ActionID:     actionID,
		Namespace:    namespace,
		Tenant:       tenant,
		Provider:     a.Origin.Provider,
		ActionType:   a.Origin.ActionType,
		Verdict:      verdict,
		MatchedRule:  matchedRule,
		Outcome:      string(outcome.Kind),
		ChainID:      outcome.ChainID,
		DispatchedAt: time.Now().UTC(),
	}
	if g.cfg.Audit.StorePayload {
		rec.Payload = a.Payload
	}
	if g.cfg.Audit.TTL > 0 {
		exp := rec.DispatchedAt.Add(g.cfg.Audit.TTL)
		rec.ExpiresAt = &exp
	}
	return g.audit.Record(ctx, rec)
}

