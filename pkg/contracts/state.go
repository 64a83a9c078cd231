package contracts

import "time"

// StateChange is an immutable history entry. The current state of an entity is
// the ToState of its last change, or the domain's initial state when none exist.
type StateChange struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Domain      string    `json:"domain"`
	EntityID    string    `json:"entity_id"`
	FromState   string    `json:"from_state"`
	ToState     string    `json:"to_state"`
	Operation   string    `json:"operation"`
	ChangedAt   time.Time `json:"changed_at"`
	ChangedBy   string    `json:"changed_by"`
	CausationID string    `json:"causation_id"`
}

// StateTransition is the result of validating a proposed move. It is never
// persisted directly, only through a StateChange.
type StateTransition struct {
	Domain            string            `json:"domain"`
	EntityID          string            `json:"entity_id,omitempty"`
	Operation         string            `json:"operation"`
	FromState         string            `json:"from_state"`
	ToState           string            `json:"to_state"`
	Allowed           bool              `json:"allowed"`
	DefinitionVersion string            `json:"definition_version,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// ConstitutionalTransition is one step of the global governance milestone sequence.
type ConstitutionalTransition struct {
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	Timestamp time.Time `json:"timestamp"`
	Evidence  []string  `json:"evidence"`
	Approved  bool      `json:"approved"`
	Approver  string    `json:"approver,omitempty"`
	Hash      string    `json:"hash"`
}
