package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
)

type tip struct {
	hash     string
	sequence int64
}

// HashChain decorates a Store, assigning each record a monotonic
// sequence_number and a record_hash linked to the previous record's hash
// within its (namespace, tenant) stream. Appends are
// serialized per stream so sequence uniqueness holds under concurrent
// writers within this process; a backend-level fence
// (ErrDuplicateSequence) additionally covers multi-process contention.
type HashChain struct {
	inner Store

	mu   sync.Mutex
	tips map[string]tip
}

// NewHashChain wraps inner.
func NewHashChain(inner Store) *HashChain {
	return &HashChain{inner: inner, tips: make(map[string]tip)}
}

func canonicalHashInput(r *Record) []byte {
	doc := map[string]interface{}{
		"id":            r.ID,
		"action_id":     r.ActionID,
		"namespace":     r.Namespace,
		"tenant":        r.Tenant,
		"provider":      r.Provider,
		"action_type":   r.ActionType,
		"verdict":       r.Verdict,
		"outcome":       r.Outcome,
		"dispatched_at": r.DispatchedAt.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
		"previous_hash": r.PreviousHash,
	}
	b, _ := json.Marshal(doc)
	return b
}

func computeHash(r *Record) string {
	sum := sha256.Sum256(canonicalHashInput(r))
	return hex.EncodeToString(sum[:])
}

func (h *HashChain) currentTip(ctx context.Context, streamKey, namespace, tenant string) (tip, error) {
	h.mu.Lock()
	t, ok := h.tips[streamKey]
	h.mu.Unlock()
	if ok {
		return t, nil
	}

	page, err := h.inner.Query(ctx, Filter{Namespace: namespace, Tenant: tenant, Limit: 1, SortAsc: false})
	if err != nil {
		return tip{}, err
	}
	if len(page.Records) == 0 {
		t = tip{hash: "", sequence: -1}
	} else {
		t = tip{hash: page.Records[0].RecordHash, sequence: page.Records[0].SequenceNumber}
	}
	h.mu.Lock()
	h.tips[streamKey] = t
	h.mu.Unlock()
	return t, nil
}

// Record computes r's sequence_number and record_hash from the stream's
// current tip and delegates to the inner store, advancing the cached
// tip on success and resyncing it on a duplicate-sequence error.
func (h *HashChain) Record(ctx context.Context, r *Record) error {
	streamKey := r.streamKey()

	t, err := h.currentTip(ctx, streamKey, r.Namespace, r.Tenant)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	// Re-read: another writer on this stream may have advanced the tip
	// between currentTip's lookup and this lock.
	if cur, ok := h.tips[streamKey]; ok {
		t = cur
	}

	r.SequenceNumber = t.sequence + 1
	r.PreviousHash = t.hash
	r.RecordHash = computeHash(r)

	if err := h.inner.Record(ctx, r); err != nil {
		if err == ErrDuplicateSequence {
			delete(h.tips, streamKey)
		}
		return err
	}

	h.tips[streamKey] = tip{hash: r.RecordHash, sequence: r.SequenceNumber}
	return nil
}

func (h *HashChain) GetByActionID(ctx context.Context, actionID string) ([]*Record, error) {
	return h.inner.GetByActionID(ctx, actionID)
}

func (h *HashChain) GetByID(ctx context.Context, id string) (*Record, error) {
	return h.inner.GetByID(ctx, id)
}

func (h *HashChain) Query(ctx context.Context, f Filter) (Page, error) {
	return h.inner.Query(ctx, f)
}

func (h *HashChain) CleanupExpired(ctx context.Context) (int, error) {
	return h.inner.CleanupExpired(ctx)
}

// VerifyIntegrity replays a (namespace, tenant) stream in ascending
// sequence order and returns the id of the first record whose
// previous_hash/record_hash link is broken, if any.
func VerifyIntegrity(ctx context.Context, store Store, namespace, tenant string, pageSize int) (brokenID string, ok bool, err error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	prevHash := ""
	offset := 0
	for {
		page, err := store.Query(ctx, Filter{Namespace: namespace, Tenant: tenant, SortAsc: true, Limit: pageSize, Offset: offset})
		if err != nil {
			return "", false, err
		}
		sort.Slice(page.Records, func(i, j int) bool { return page.Records[i].SequenceNumber < page.Records[j].SequenceNumber })
		for _, r := range page.Records {
			if r.PreviousHash != prevHash {
				return r.ID, false, nil
			}
			if computeHash(r) != r.RecordHash {
				return r.ID, false, nil
			}
			prevHash = r.RecordHash
		}
		if len(page.Records) < pageSize {
			return "", true, nil
		}
		offset += pageSize
	}
}
