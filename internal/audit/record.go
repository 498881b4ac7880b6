// Package audit implements the hash-chained, encrypted, redacted audit
// writer chain.: ComplianceGuard -> HashChain -> Redactor ->
// Encryptor -> inner Store.
package audit

import "time"

// Record is a single audit entry.
type Record struct {
	ID             string                 `json:"id"`
	ActionID       string                 `json:"action_id"`
	Namespace      string                 `json:"namespace"`
	Tenant         string                 `json:"tenant"`
	Provider       string                 `json:"provider"`
	ActionType     string                 `json:"action_type"`
	Verdict        string                 `json:"verdict"`
	MatchedRule    string                 `json:"matched_rule"`
	Outcome        string                 `json:"outcome"`
	ChainID        string                 `json:"chain_id,omitempty"`
	CallerID       string                 `json:"caller_id,omitempty"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	DispatchedAt   time.Time              `json:"dispatched_at"`
	ExpiresAt      *time.Time             `json:"expires_at,omitempty"`
	SequenceNumber int64                  `json:"sequence_number"`
	PreviousHash   string                 `json:"previous_hash,omitempty"`
	RecordHash     string                 `json:"record_hash"`
	Replay         bool                   `json:"replay,omitempty"`
}

func (r *Record) streamKey() string {
	return r.Namespace + "/" + r.Tenant
}

// Filter selects records for Store.Query.
type Filter struct {
	Namespace   string
	Tenant      string
	Provider    string
	ActionType  string
	Verdict     string
	MatchedRule string
	Outcome     string
	ChainID     string
	CallerID    string
	From, To    time.Time
	Limit       int
	Offset      int
	SortAsc     bool // by sequence_number; default descending
}

// Page is a Query result page.
type Page struct {
	Records []*Record
	Total   int
}
