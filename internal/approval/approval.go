package approval

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/r3e-network/acteon/internal/action"
	"github.com/r3e-network/acteon/internal/lock"
	"github.com/r3e-network/acteon/internal/state"
)

// ErrNotFound is returned when an approval_id has no record (expired and
// garbage-collected, or never existed).
var ErrNotFound = errors.New("approval: not found")

// ErrAlreadyResolved is returned when approve/reject is attempted on a
// record that already has a decision; approve and reject are single-shot.
var ErrAlreadyResolved = errors.New("approval: already resolved")

// Decision is the outcome a human recorded for a pending approval.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Record is a PENDING-APPROVAL record.
type Record struct {
	ID             string        `json:"id"`
	Namespace      string        `json:"namespace"`
	Tenant         string        `json:"tenant"`
	Action         *action.Action `json:"action"`
	Rule           string        `json:"rule"`
	Reason         string        `json:"reason"`
	NotifyProvider string        `json:"notify_provider"`
	ApproveURL     string        `json:"approve_url"`
	RejectURL      string        `json:"reject_url"`
	CreatedAt      time.Time     `json:"created_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
	Resolved       bool          `json:"resolved"`
	Decision       Decision      `json:"decision,omitempty"`
	ResolvedAt     time.Time     `json:"resolved_at,omitempty"`
}

// Manager owns the pending-approval queue.
type Manager struct {
	store       state.Store
	l           lock.Lock
	keyset      *Keyset
	externalURL string
}

// NewManager builds a Manager. externalURL is the base URL signed
// approve/reject links are rooted at.
func NewManager(store state.Store, l lock.Lock, keyset *Keyset, externalURL string) *Manager {
	return &Manager{store: store, l: l, keyset: keyset, externalURL: externalURL}
}

func recordKey(namespace, tenant, id string) string {
	return state.Key(namespace, tenant, state.KindApproval, id)
}

// Create issues a new pending approval for a matched RequestApproval
// verdict, signing its approve/reject URLs.
func (m *Manager) Create(ctx context.Context, namespace, tenant string, a *action.Action, v action.Verdict, reason string) (*Record, error) {
	id := action.NewID("appr")
	now := time.Now().UTC()
	expiresAt := now.Add(v.ApprovalTimeout)

	approveURL, err := BuildURL(m.keyset, m.externalURL, namespace, tenant, id, expiresAt, string(DecisionApprove))
	if err != nil {
		return nil, err
	}
	rejectURL, err := BuildURL(m.keyset, m.externalURL, namespace, tenant, id, expiresAt, string(DecisionReject))
	if err != nil {
		return nil, err
	}

	record := &Record{
		ID: id, Namespace: namespace, Tenant: tenant, Action: a,
		Rule: v.Rule, Reason: reason, NotifyProvider: v.ApprovalNotifyProvider,
		ApproveURL: approveURL, RejectURL: rejectURL,
		CreatedAt: now, ExpiresAt: expiresAt,
	}
	if err := m.save(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (m *Manager) save(ctx context.Context, record *Record) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	// No backend TTL: expiry is enforced by GC, which needs to observe
	// and report ApprovalExpired rather than have the record silently
	// evicted by the store.
	return m.store.Set(ctx, recordKey(record.Namespace, record.Tenant, record.ID), raw, 0)
}

func (m *Manager) load(ctx context.Context, namespace, tenant, id string) (*Record, error) {
	raw, err := m.store.Get(ctx, recordKey(namespace, tenant, id))
	if errors.Is(err, state.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Resolve verifies sig against decision and, if valid and unresolved,
// records the decision under a per-approval lock (single-shot). It
// returns the resolved record; the caller is responsible for dispatching
// record.Action on DecisionApprove (audited as replay,).
func (m *Manager) Resolve(ctx context.Context, namespace, tenant, id, sigHex, kidParam, expiresAtParam string, decision Decision) (*Record, error) {
	expiresAt, err := parseUnix(expiresAtParam)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	if err := VerifySignedURL(m.keyset, id, sigHex, expiresAt, kidParam, string(decision), time.Now().UTC()); err != nil {
		return nil, err
	}

	var resolved *Record
	lockErr := lock.WithLock(ctx, m.l, "approval:"+recordKey(namespace, tenant, id), 5*time.Second, func(uint64) error {
		record, loadErr := m.load(ctx, namespace, tenant, id)
		if loadErr != nil {
			return loadErr
		}
		if record.Resolved {
			return ErrAlreadyResolved
		}
		if time.Now().UTC().After(record.ExpiresAt) {
			return ErrExpired
		}
		record.Resolved = true
		record.Decision = decision
		record.ResolvedAt = time.Now().UTC()
		if err := m.save(ctx, record); err != nil {
			return err
		}
		resolved = record
		return nil
	})
	if lockErr != nil {
		return nil, lockErr
	}
	return resolved, nil
}

// GC scans pending approvals for namespace/tenant and expires any whose
// ExpiresAt has passed without a decision, returning the expired
// records for the caller to audit. The gateway records each as a Failed
// outcome carrying an ApprovalExpired error.
func (m *Manager) GC(ctx context.Context, namespace, tenant string) ([]*Record, error) {
	keys, err := m.store.ScanByKind(ctx, namespace, tenant, state.KindApproval)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var expired []*Record
	for _, key := range keys {
		raw, err := m.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var record Record
		if err := json.Unmarshal(raw, &record); err != nil {
			continue
		}
		if record.Resolved || now.Before(record.ExpiresAt) {
			continue
		}
		if err := m.store.Delete(ctx, key); err != nil {
			return expired, err
		}
		expired = append(expired, &record)
	}
	return expired, nil
}
