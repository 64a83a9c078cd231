package contracts

import "time"

// OperationStatus is the lifecycle of an OperationRecord:
// PENDING -> SUCCESS, or PENDING -> FAILED -> RECOVERED | dead-letter.
type OperationStatus string

const (
	OperationPending   OperationStatus = "PENDING"
	OperationSuccess   OperationStatus = "SUCCESS"
	OperationFailed    OperationStatus = "FAILED"
	OperationRecovered OperationStatus = "RECOVERED"
)

// OperationRecord is an entry of the recovery operation log.
type OperationRecord struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Module    string          `json:"module"`
	Params    map[string]any  `json:"params,omitempty"`
	Status    OperationStatus `json:"status"`
	Error     string          `json:"error,omitempty"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Checkpoint is a named, manually restored snapshot of a module's state.
type Checkpoint struct {
	ID          string         `json:"id"`
	Module      string         `json:"module"`
	ModuleState map[string]any `json:"module_state"`
	Timestamp   time.Time      `json:"timestamp"`
	ContentHash string         `json:"content_hash,omitempty"`
}
