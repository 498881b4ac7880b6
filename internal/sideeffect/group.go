package sideeffect

import (
	"context"
	"encoding/json"
	"time"

	"github.com/r3e-network/acteon/internal/action"
	"github.com/r3e-network/acteon/internal/lock"
	"github.com/r3e-network/acteon/internal/state"
)

// groupRecord is the persistent batch a Group verdict appends to (spec
// §4.2 "appends the event to a persistent group record").
type groupRecord struct {
	Key            string                   `json:"key"`
	RuleName       string                   `json:"rule_name"`
	Origin         action.Origin            `json:"origin"`
	FirstEventAt   time.Time                `json:"first_event_at"`
	LastEmissionAt time.Time                `json:"last_emission_at"`
	Events         []map[string]interface{} `json:"events"`
	Wait           time.Duration            `json:"wait"`
	Interval       time.Duration            `json:"interval"`
	MaxSize        int                      `json:"max_size"`
	Template       string                   `json:"template"`
}

// Group appends events to group records and reports when a record
// becomes due for flushing.
type Group struct {
	l lock.Lock
}

// NewGroup constructs a Group engine backed by l for the append critical
// section.
func NewGroup(l lock.Lock) *Group {
	return &Group{l: l}
}

// Append projects a's GroupKeyFields into a group key, appends a's
// payload to that group's record (creating it on first observation), and
// returns the group key used as the Grouped outcome's GroupID.
func (g *Group) Append(ctx context.Context, store state.Store, namespace, tenant string, a *action.Action, v action.Verdict) (groupID string, err error) {
	groupID = Fingerprint(a, v.GroupKeyFields)
	key := state.Key(namespace, tenant, state.KindGroup, groupID)

	lockErr := lock.WithLock(ctx, g.l, "group:"+key, 5*time.Second, func(uint64) error {
		record, loadErr := loadGroupRecord(ctx, store, key)
		now := time.Now().UTC()
		if loadErr != nil {
			record = &groupRecord{
				Key:          groupID,
				RuleName:     v.Rule,
				Origin:       a.Origin,
				FirstEventAt: now,
				Wait:         v.GroupWait,
				Interval:     v.GroupInterval,
				MaxSize:      v.GroupMaxSize,
				Template:     v.GroupTemplate,
			}
		}
		record.Events = append(record.Events, a.Payload)
		return saveGroupRecord(ctx, store, key, record)
	})
	if lockErr != nil {
		return "", lockErr
	}
	return groupID, nil
}

func loadGroupRecord(ctx context.Context, store state.Store, key string) (*groupRecord, error) {
	raw, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var record groupRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func saveGroupRecord(ctx context.Context, store state.Store, key string, record *groupRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return store.Set(ctx, key, raw, 0)
}

// Flusher periodically fires due group records as synthesized summary
// actions: a record becomes due once group_wait has elapsed since its
// first event, group_interval has elapsed since its last emission, or it
// reaches max_group_size.
type Flusher struct {
	store    state.Store
	l        lock.Lock
	Dispatch func(ctx context.Context, a *action.Action) error
}

// NewFlusher constructs a Flusher over store, serializing flush-vs-append
// races on the same per-group lock Group.Append uses.
func NewFlusher(store state.Store, l lock.Lock, dispatch func(ctx context.Context, a *action.Action) error) *Flusher {
	return &Flusher{store: store, l: l, Dispatch: dispatch}
}

// Sweep scans every group record in (namespace, tenant) and flushes the
// ones that are due, returning how many were flushed.
func (f *Flusher) Sweep(ctx context.Context, namespace, tenant string) (int, error) {
	keys, err := f.store.ScanByKind(ctx, namespace, tenant, state.KindGroup)
	if err != nil {
		return 0, err
	}

	flushed := 0
	for _, key := range keys {
		did, err := f.flushOne(ctx, key)
		if err != nil {
			return flushed, err
		}
		if did {
			flushed++
		}
	}
	return flushed, nil
}

func (f *Flusher) flushOne(ctx context.Context, key string) (bool, error) {
	var did bool
	err := lock.WithLock(ctx, f.l, "group:"+key, 5*time.Second, func(uint64) error {
		record, err := loadGroupRecord(ctx, f.store, key)
		if err != nil || len(record.Events) == 0 {
			return nil
		}

		now := time.Now().UTC()
		due := now.Sub(record.FirstEventAt) >= record.Wait ||
			(!record.LastEmissionAt.IsZero() && record.Interval > 0 && now.Sub(record.LastEmissionAt) >= record.Interval) ||
			(record.MaxSize > 0 && len(record.Events) >= record.MaxSize)
		if !due {
			return nil
		}

		summary := synthesizeGroupSummary(record)
		if f.Dispatch != nil {
			if err := f.Dispatch(ctx, summary); err != nil {
				return err
			}
		}

		record.LastEmissionAt = now
		record.Events = nil
		record.FirstEventAt = now
		did = true
		return saveGroupRecord(ctx, f.store, key, record)
	})
	return did, err
}

func synthesizeGroupSummary(record *groupRecord) *action.Action {
	a := action.New(record.Origin, map[string]interface{}{
		"group_key": record.Key,
		"count":     len(record.Events),
		"events":    record.Events,
	})
	a.TemplateRef = record.Template
	a.Labels["group_rule"] = record.RuleName
	return a
}
