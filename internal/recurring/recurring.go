// Package recurring implements cron-scheduled recurring actions: a stored
// definition plus the logic that finds due occurrences, synthesizes the
// concrete action for each, and advances the schedule afterward.
package recurring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/r3e-network/acteon/internal/action"
	"github.com/r3e-network/acteon/internal/cron"
	"github.com/r3e-network/acteon/internal/lock"
	"github.com/r3e-network/acteon/internal/state"
)

// ErrNotFound is returned when a recurring action id has no record.
var ErrNotFound = errors.New("recurring: not found")

// DefaultMinInterval is the minimum gap enforced between successive fires.
const DefaultMinInterval = 60 * time.Second

// Template is the action synthesized on each occurrence.
type Template struct {
	Provider   string                 `json:"provider"`
	ActionType string                 `json:"action_type"`
	Payload    map[string]interface{} `json:"payload"`
	Labels     map[string]string      `json:"labels,omitempty"`
	// DedupKey supports the {{recurring_id}} and {{execution_time}}
	// placeholders, substituted at dispatch time.
	DedupKey string `json:"dedup_key,omitempty"`
}

// Action is a cron-scheduled action definition, fired periodically through
// the gateway until disabled, expired, or its execution budget is spent.
type Action struct {
	ID              string            `json:"id"`
	Namespace       string            `json:"namespace"`
	Tenant          string            `json:"tenant"`
	CronExpr        string            `json:"cron_expr"`
	Timezone        string            `json:"timezone"`
	Enabled         bool              `json:"enabled"`
	Template        Template          `json:"action_template"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	LastExecutedAt  *time.Time        `json:"last_executed_at,omitempty"`
	NextExecutionAt *time.Time        `json:"next_execution_at,omitempty"`
	EndsAt          *time.Time        `json:"ends_at,omitempty"`
	MaxExecutions   *uint64           `json:"max_executions,omitempty"`
	ExecutionCount  uint64            `json:"execution_count"`
	Description     string            `json:"description,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
}

// Manager owns recurring action definitions: creation, due-occurrence
// scanning, and schedule advancement.
type Manager struct {
	store state.Store
	l     lock.Lock
}

// NewManager builds a Manager over store/l.
func NewManager(store state.Store, l lock.Lock) *Manager {
	return &Manager{store: store, l: l}
}

func recordKey(namespace, tenant, id string) string {
	return state.Key(namespace, tenant, state.KindRecurring, id)
}

// Create validates def's cron expression and timezone, computes its first
// NextExecutionAt, and persists it.
func (m *Manager) Create(ctx context.Context, namespace, tenant string, def Action) (*Action, error) {
	def.Timezone = timezoneOrUTC(def.Timezone)
	schedule, err := cron.Parse(def.CronExpr, def.Timezone, DefaultMinInterval, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	def.ID = action.NewID("rec")
	def.Namespace = namespace
	def.Tenant = tenant
	def.CreatedAt = now
	def.UpdatedAt = now
	def.ExecutionCount = 0
	def.LastExecutedAt = nil

	next := schedule.NextOccurrence(now)
	def.NextExecutionAt = &next
	if def.EndsAt != nil && next.After(*def.EndsAt) {
		def.Enabled = false
		def.NextExecutionAt = nil
	}
	if err := m.save(ctx, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// Get loads a single recurring action by id.
func (m *Manager) Get(ctx context.Context, namespace, tenant, id string) (*Action, error) {
	return m.load(ctx, namespace, tenant, id)
}

// Disable marks a recurring action inactive without deleting its record.
func (m *Manager) Disable(ctx context.Context, namespace, tenant, id string) error {
	return lock.WithLock(ctx, m.l, "recurring:"+recordKey(namespace, tenant, id), 5*time.Second, func(uint64) error {
		a, err := m.load(ctx, namespace, tenant, id)
		if err != nil {
			return err
		}
		a.Enabled = false
		a.NextExecutionAt = nil
		a.UpdatedAt = time.Now().UTC()
		return m.save(ctx, a)
	})
}

func (m *Manager) save(ctx context.Context, a *Action) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, recordKey(a.Namespace, a.Tenant, a.ID), raw, 0)
}

func (m *Manager) load(ctx context.Context, namespace, tenant, id string) (*Action, error) {
	raw, err := m.store.Get(ctx, recordKey(namespace, tenant, id))
	if errors.Is(err, state.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var a Action
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Due returns every enabled recurring action in namespace/tenant whose
// NextExecutionAt has arrived by now.
func (m *Manager) Due(ctx context.Context, namespace, tenant string, now time.Time) ([]*Action, error) {
	keys, err := m.store.ScanByKind(ctx, namespace, tenant, state.KindRecurring)
	if err != nil {
		return nil, err
	}
	due := make([]*Action, 0, len(keys))
	for _, key := range keys {
		raw, err := m.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var a Action
		if err := json.Unmarshal(raw, &a); err != nil {
			continue
		}
		if a.Enabled && a.NextExecutionAt != nil && !a.NextExecutionAt.After(now) {
			due = append(due, &a)
		}
	}
	return due, nil
}

// Synthesize builds the concrete action.Action dispatched for one
// occurrence of a.
func Synthesize(a *Action, firedAt time.Time) *action.Action {
	payload := make(map[string]interface{}, len(a.Template.Payload))
	for k, v := range a.Template.Payload {
		payload[k] = v
	}
	act := action.New(action.Origin{
		Namespace: a.Namespace, Tenant: a.Tenant,
		Provider: a.Template.Provider, ActionType: a.Template.ActionType,
	}, payload)
	for k, v := range a.Template.Labels {
		act.Labels[k] = v
	}
	if a.Template.DedupKey != "" {
		act.DedupKey = renderDedupKey(a.Template.DedupKey, a.ID, firedAt)
	}
	return act
}

func renderDedupKey(tmpl, id string, firedAt time.Time) string {
	r := strings.NewReplacer(
		"{{recurring_id}}", id,
		"{{execution_time}}", firedAt.UTC().Format(time.RFC3339),
	)
	return r.Replace(tmpl)
}

// Advance records one fired occurrence of a under a per-action lock: bumps
// ExecutionCount and LastExecutedAt, computes the next NextExecutionAt, and
// auto-disables a once its ends_at or max_executions budget is spent.
func (m *Manager) Advance(ctx context.Context, a *Action, firedAt time.Time) error {
	return lock.WithLock(ctx, m.l, "recurring:"+recordKey(a.Namespace, a.Tenant, a.ID), 5*time.Second, func(uint64) error {
		cur, err := m.load(ctx, a.Namespace, a.Tenant, a.ID)
		if err != nil {
			return err
		}
		cur.ExecutionCount++
		cur.LastExecutedAt = &firedAt
		cur.UpdatedAt = firedAt

		if cur.MaxExecutions != nil && cur.ExecutionCount >= *cur.MaxExecutions {
			cur.Enabled = false
			cur.NextExecutionAt = nil
			return m.save(ctx, cur)
		}

		schedule, err := cron.Parse(cur.CronExpr, timezoneOrUTC(cur.Timezone), DefaultMinInterval, firedAt)
		if err != nil {
			return fmt.Errorf("recurring: rescheduling %s: %w", cur.ID, err)
		}
		next := schedule.NextOccurrence(firedAt)
		if cur.EndsAt != nil && next.After(*cur.EndsAt) {
			cur.Enabled = false
			cur.NextExecutionAt = nil
			return m.save(ctx, cur)
		}
		cur.NextExecutionAt = &next
		return m.save(ctx, cur)
	})
}

func timezoneOrUTC(tz string) string {
	if tz == "" {
		return "UTC"
	}
	return tz
}
