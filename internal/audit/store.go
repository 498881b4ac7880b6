package audit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when an id/action_id has no matching record.
var ErrNotFound = errors.New("audit: record not found")

// ErrDuplicateSequence is returned by a backend's compare-and-swap fence
// when two writers raced to append the same sequence_number to a stream;
// it is retryable — the caller should resync its tip cache and retry.
var ErrDuplicateSequence = errors.New("audit: duplicate sequence_number")

// Store is the audit backend contract.
type Store interface {
	Record(ctx context.Context, r *Record) error
	GetByActionID(ctx context.Context, actionID string) ([]*Record, error)
	GetByID(ctx context.Context, id string) (*Record, error)
	Query(ctx context.Context, f Filter) (Page, error)
	CleanupExpired(ctx context.Context) (int, error)
}

// MemoryStore is an in-memory reference audit backend.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record // id -> record
	byAction map[string][]string
}

// NewMemoryStore constructs an empty in-memory audit Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record), byAction: make(map[string][]string)}
}

// Record inserts r, rejecting a (namespace, tenant, sequence_number)
// collision so the hash chain's fence pattern has something to detect.
func (m *MemoryStore) Record(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.records {
		if existing.streamKey() == r.streamKey() && existing.SequenceNumber == r.SequenceNumber {
			return ErrDuplicateSequence
		}
	}

	cp := *r
	m.records[r.ID] = &cp
	m.byAction[r.ActionID] = append(m.byAction[r.ActionID], r.ID)
	return nil
}

func (m *MemoryStore) GetByActionID(_ context.Context, actionID string) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byAction[actionID]
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		if r, ok := m.records[id]; ok {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func matches(r *Record, f Filter) bool {
	if f.Namespace != "" && r.Namespace != f.Namespace {
		return false
	}
	if f.Tenant != "" && r.Tenant != f.Tenant {
		return false
	}
	if f.Provider != "" && r.Provider != f.Provider {
		return false
	}
	if f.ActionType != "" && r.ActionType != f.ActionType {
		return false
	}
	if f.Verdict != "" && r.Verdict != f.Verdict {
		return false
	}
	if f.MatchedRule != "" && r.MatchedRule != f.MatchedRule {
		return false
	}
	if f.Outcome != "" && r.Outcome != f.Outcome {
		return false
	}
	if f.ChainID != "" && r.ChainID != f.ChainID {
		return false
	}
	if f.CallerID != "" && r.CallerID != f.CallerID {
		return false
	}
	if !f.From.IsZero() && r.DispatchedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.DispatchedAt.After(f.To) {
		return false
	}
	return true
}

func (m *MemoryStore) Query(_ context.Context, f Filter) (Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*Record
	for _, r := range m.records {
		if matches(r, f) {
			cp := *r
			matched = append(matched, &cp)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if f.SortAsc {
			return matched[i].SequenceNumber < matched[j].SequenceNumber
		}
		return matched[i].SequenceNumber > matched[j].SequenceNumber
	})

	total := len(matched)
	start := f.Offset
	if start > total {
		start = total
	}
	end := total
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}
	return Page{Records: matched[start:end], Total: total}, nil
}

func (m *MemoryStore) CleanupExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	n := 0
	for id, r := range m.records {
		if r.ExpiresAt != nil && now.After(*r.ExpiresAt) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}
