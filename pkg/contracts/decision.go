package contracts

import "time"

// DecisionType classifies gatekeeper decisions.
type DecisionType string

const (
	DecisionApproval  DecisionType = "APPROVAL"
	DecisionRejection DecisionType = "REJECTION"
	DecisionOverride  DecisionType = "OVERRIDE"
	DecisionEmergency DecisionType = "EMERGENCY"
)

// Valid reports whether t is one of the four known decision types.
func (t DecisionType) Valid() bool {
	switch t {
	case DecisionApproval, DecisionRejection, DecisionOverride, DecisionEmergency:
		return true
	}
	return false
}

// Sensitive reports whether decisions of this type are subject to cooling-off.
func (t DecisionType) Sensitive() bool {
	return t == DecisionOverride || t == DecisionEmergency
}

// StressLevel is the advisory output of the gatekeeper bias check.
type StressLevel string

const (
	StressNormal StressLevel = "NORMAL"
	StressHigh   StressLevel = "HIGH"
)

// GatekeeperDecision is an entry of the append-only decision journal.
type GatekeeperDecision struct {
	DecisionID        string       `json:"decision_id"`
	Sequence          uint64       `json:"sequence"`
	Type              DecisionType `json:"type"`
	Resource          string       `json:"resource"`
	Actor             string       `json:"actor"`
	Reasoning         string       `json:"reasoning"`
	Evidence          []string     `json:"evidence"`
	CoolingOffApplied bool         `json:"cooling_off_applied"`
	EmergencyTokenUse bool         `json:"emergency_token_used"`
	StressLevel       StressLevel  `json:"stress_level"`
	Timestamp         time.Time    `json:"timestamp"`
	PrevHash          string       `json:"prev_hash"`
	Hash              string       `json:"hash"`
}

// EmergencyToken is single-use and time-boxed. Only the hash of the token value is kept.
type EmergencyToken struct {
	TokenHash string    `json:"token_hash"`
	Purpose   string    `json:"purpose"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
}
