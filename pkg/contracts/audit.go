package contracts

import "time"

// AuditRecord is one entry of a per-(tenant, chain) hash chain.
// Invariant: EntryHash(n) == PrevHash(n+1) and Sequence increases by one without gaps.
type AuditRecord struct {
	RecordID      string         `json:"record_id"`
	TenantID      string         `json:"tenant_id"`
	ChainID       string         `json:"chain_id"`
	Sequence      uint64         `json:"sequence"`
	Timestamp     time.Time      `json:"timestamp"`
	EventType     string         `json:"event_type"`
	Actor         string         `json:"actor"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CausationID   string         `json:"causation_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	PayloadHash   string         `json:"payload_hash"`
	PrevHash      string         `json:"prev_hash"`
	EntryHash     string         `json:"entry_hash"`
}

// ChainHead is the only mutable pointer into the ledger.
type ChainHead struct {
	TenantID     string `json:"tenant_id"`
	ChainID      string `json:"chain_id"`
	LastSequence uint64 `json:"last_sequence"`
	LastHash     string `json:"last_hash"`
}

// IntegrityState is produced by a full chain re-walk.
type IntegrityState struct {
	TenantID         string  `json:"tenant_id"`
	ChainID          string  `json:"chain_id"`
	IsValid          bool    `json:"is_valid"`
	RecordsChecked   int     `json:"records_checked"`
	BrokenAtSequence *uint64 `json:"broken_at_sequence,omitempty"`
	Reason           string  `json:"reason,omitempty"`
}

// Lockdown is the persisted ledger lockdown flag.
type Lockdown struct {
	Active    bool      `json:"active"`
	Reason    string    `json:"reason,omitempty"`
	Source    string    `json:"source,omitempty"`
	EngagedAt time.Time `json:"engaged_at,omitempty"`
}
