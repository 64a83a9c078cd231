package contracts

import "time"

// OutboxStatus tracks delivery of an outbox record.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "PENDING"
	OutboxDispatched OutboxStatus = "DISPATCHED"
)

// Event is a domain event published through the outbox. CorrelationID and
// CausationID let downstream observers rebuild causal order.
type Event struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	Type          string         `json:"type"`
	Domain        string         `json:"domain"`
	EntityID      string         `json:"entity_id"`
	CorrelationID string         `json:"correlation_id"`
	CausationID   string         `json:"causation_id"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// OutboxRecord is the durable envelope around an Event.
type OutboxRecord struct {
	Event        Event        `json:"event"`
	Status       OutboxStatus `json:"status"`
	Attempts     int          `json:"attempts"`
	LastError    string       `json:"last_error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	DispatchedAt *time.Time   `json:"dispatched_at,omitempty"`
}
