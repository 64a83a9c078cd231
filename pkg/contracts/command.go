// Package contracts defines the data model shared by the command runtime and its collaborators.
package contracts

import "time"

// Identity carries the caller's roles and attributes as asserted by the upstream authenticator.
type Identity struct {
	Roles      []string          `json:"roles,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// HasRole reports whether the identity carries role.
func (i Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Command is the unit of work accepted by the runtime.
// TenantID + CorrelationID form the idempotency key.
type Command struct {
	TenantID      string         `json:"tenant_id"`
	CorrelationID string         `json:"correlation_id"`
	CausationID   string         `json:"causation_id,omitempty"`
	TraceID       string         `json:"trace_id,omitempty"`
	SpanID        string         `json:"span_id,omitempty"`
	Domain        string         `json:"domain"`
	Operation     string         `json:"operation"`
	ActorID       string         `json:"actor_id"`
	Identity      Identity       `json:"identity"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// IdempotencyKey returns "tenantId:correlationId".
func (c Command) IdempotencyKey() string {
	return c.TenantID + ":" + c.CorrelationID
}

// EntityID returns the target entity named in the payload, if any.
func (c Command) EntityID() string {
	return PayloadEntityID(c.Payload)
}

// PayloadEntityID reads "entity_id" (or "entityId") from a command payload.
func PayloadEntityID(payload map[string]any) string {
	for _, k := range []string{"entity_id", "entityId"} {
		if v, ok := payload[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// OutputError is the error envelope returned to callers.
type OutputError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// OutputMetadata is attached to every outcome, success or failure.
type OutputMetadata struct {
	TenantID        string        `json:"tenant_id"`
	CorrelationID   string        `json:"correlation_id"`
	TraceID         string        `json:"trace_id,omitempty"`
	ProcessedAt     time.Time     `json:"processed_at"`
	ProcessingMs    int64         `json:"processing_ms"`
	StateChanges    []StateChange `json:"state_changes"`
	EventsPublished []string      `json:"events_published"`
	AuditSequence   uint64        `json:"audit_sequence,omitempty"`
}

// Output is the result of Runtime.Handle. It is always well formed.
type Output struct {
	Success  bool           `json:"success"`
	Data     any            `json:"data,omitempty"`
	Error    *OutputError   `json:"error,omitempty"`
	Metadata OutputMetadata `json:"metadata"`
}
