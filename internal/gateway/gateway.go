package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/r3e-network/acteon/internal/action"
	"github.com/r3e-network/acteon/internal/approval"
	"github.com/r3e-network/acteon/internal/audit"
	"github.com/r3e-network/acteon/internal/chain"
	"github.com/r3e-network/acteon/internal/embedding"
	"github.com/r3e-network/acteon/internal/executor"
	"github.com/r3e-network/acteon/internal/guardrail"
	"github.com/r3e-network/acteon/internal/lock"
	"github.com/r3e-network/acteon/internal/provider"
	"github.com/r3e-network/acteon/internal/recurring"
	"github.com/r3e-network/acteon/internal/rule"
	"github.com/r3e-network/acteon/internal/sideeffect"
	"github.com/r3e-network/acteon/internal/state"
	"github.com/r3e-network/acteon/internal/stream"
	"github.com/r3e-network/acteon/pkg/logging"
)

// Deps carries the collaborators a Gateway does not construct itself:
// backends a deployment chooses (in-memory for demo/test, a real
// distributed backend in production) and the two external, model-backed
// collaborators (embedding similarity, LLM guardrail).
type Deps struct {
	Store      state.Store
	Lock       lock.Lock
	AuditStore audit.Store
	Providers  *provider.Registry
	Embedding  embedding.Bridge    // optional; nil disables SemanticMatch
	Guardrail  guardrail.Checker   // optional; nil disables the pre-dispatch check
	Logger     *logging.Logger
}

// Gateway is the top-level facade: one Dispatch entrypoint fronting the
// rule engine, executor, side-effect engines, approval manager, audit
// pipeline, chain runtime, and stream broadcaster, plus the background
// workers that keep groups, timeouts, and approvals moving forward
// without a caller polling them.
type Gateway struct {
	cfg Config
	log *logging.Logger

	store state.Store
	l     lock.Lock

	rules     *rule.Engine
	executor  *executor.Executor
	providers *provider.Registry
	bridge    embedding.Bridge
	guard     *guardrail.Guard

	dedup        *sideeffect.Dedup
	throttle     *sideeffect.Throttle
	stateMachine *sideeffect.StateMachine
	group        *sideeffect.Group
	flusher      *sideeffect.Flusher

	approvals *approval.Manager
	chains    *chain.Engine
	recurring *recurring.Manager
	audit     audit.Store
	events    *stream.Broadcaster

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
}

// New wires every component from cfg and deps. Rule sets and chain
// definitions are supplied up front; Reload lets a caller hot-swap the
// rule set later without rebuilding the Gateway.
func New(cfg Config, deps Deps, rules []rule.Rule) (*Gateway, error) {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.DefaultApprovalTimeout <= 0 {
		cfg.DefaultApprovalTimeout = time.Hour
	}
	if deps.Store == nil || deps.Lock == nil || deps.AuditStore == nil || deps.Providers == nil {
		return nil, fmt.Errorf("gateway: Store, Lock, AuditStore, and Providers are required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.New("gateway", "info", "json")
	}

	ruleEngine, err := rule.NewEngine(rules)
	if err != nil {
		return nil, fmt.Errorf("gateway: building rule engine: %w", err)
	}

	stateMachine, err := sideeffect.NewStateMachine(deps.Lock, cfg.StateMachines)
	if err != nil {
		return nil, fmt.Errorf("gateway: building state machines: %w", err)
	}

	execCfg := cfg.executorConfig()
	execCfg.Logger = deps.Logger
	ex := executor.New(execCfg)

	var auditStore audit.Store = deps.AuditStore
	if cfg.Audit.Enabled {
		auditStore = audit.Build(deps.AuditStore, cfg.auditConfig())
	}

	approvalsKeyset, err := approval.NewKeyset("default", map[string][]byte{"default": []byte(cfg.Namespace + ":" + cfg.Tenant + ":acteon-approval-signing-key")})
	if err != nil {
		return nil, fmt.Errorf("gateway: building approval keyset: %w", err)
	}
	approvals := approval.NewManager(deps.Store, deps.Lock, approvalsKeyset, cfg.ExternalURL)

	g := &Gateway{
		cfg:          cfg,
		log:          deps.Logger,
		store:        deps.Store,
		l:            deps.Lock,
		rules:        ruleEngine,
		executor:     ex,
		providers:    deps.Providers,
		bridge:       deps.Embedding,
		dedup:        sideeffect.NewDedup(),
		throttle:     sideeffect.NewThrottle(deps.Lock),
		stateMachine: stateMachine,
		group:        sideeffect.NewGroup(deps.Lock),
		approvals:    approvals,
		recurring:    recurring.NewManager(deps.Store, deps.Lock),
		audit:        auditStore,
		events:       stream.NewBroadcaster(cfg.StreamBufferSize),
		stopCh:       make(chan struct{}),
	}
	if deps.Guardrail != nil {
		g.guard = &guardrail.Guard{
			Checker:  deps.Guardrail,
			Policies: cfg.Guardrail.Policies,
			FailOpen: cfg.Guardrail.FailOpen,
		}
	}
	g.flusher = sideeffect.NewFlusher(deps.Store, deps.Lock, g.dispatchGroupSummary)

	chainEngine, err := chain.NewEngine(chain.Config{
		Definitions:    cfg.Chains.Definitions,
		Store:          deps.Store,
		Lock:           deps.Lock,
		Executor:       ex,
		Providers:      deps.Providers,
		Events:         g.events,
		DLQ:            g.dlq,
		MaxConcurrency: cfg.Chains.MaxConcurrentAdvances,
		LockTTL:        cfg.LockTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: building chain engine: %w", err)
	}
	g.chains = chainEngine

	return g, nil
}

// Reload atomically replaces the live rule set.
func (g *Gateway) Reload(rules []rule.Rule) error {
	return g.rules.Reload(rules)
}

// Events returns the stream broadcaster so callers can Subscribe.
func (g *Gateway) Events() *stream.Broadcaster { return g.events }

// CreateRecurringAction registers a cron-scheduled action that the
// recurring-dispatch background worker fires through Dispatch on each
// occurrence (see BackgroundConfig.EnableRecurring).
func (g *Gateway) CreateRecurringAction(ctx context.Context, namespace, tenant string, def recurring.Action) (*recurring.Action, error) {
	return g.recurring.Create(ctx, namespace, tenant, def)
}

// DisableRecurringAction stops future occurrences of a recurring action
// without deleting its record.
func (g *Gateway) DisableRecurringAction(ctx context.Context, namespace, tenant, id string) error {
	return g.recurring.Disable(ctx, namespace, tenant, id)
}

func (g *Gateway) dlq(ctx context.Context, namespace, tenant string, a *action.Action, reason string) error {
	g.log.WithFields(map[string]interface{}{
		"namespace": namespace, "tenant": tenant, "action_id": a.ID, "reason": reason,
	}).Warn("chain step routed to dead-letter queue")
	return g.recordAudit(ctx, namespace, tenant, a, "", "dlq", action.Failed(fmt.Errorf("%s", reason)), a.ID)
}

func (g *Gateway) dispatchGroupSummary(ctx context.Context, a *action.Action) error {
	g.events.Publish(stream.Event{
		Kind: stream.KindGroupFlushed, Namespace: a.Origin.Namespace, Tenant: a.Origin.Tenant,
		ActionID: a.ID, EmittedAt: time.Now().UTC(),
	})
	_, err := g.Dispatch(ctx, a.Origin.Namespace, a.Origin.Tenant, a)
	return err
}
