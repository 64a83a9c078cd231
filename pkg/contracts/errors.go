package contracts

import (
	"errors"
	"fmt"
)

// ErrorCode is a machine-readable error code.
type ErrorCode string

const (
	CodeValidation            ErrorCode = "VALIDATION_ERROR"
	CodePolicyDenied          ErrorCode = "POLICY_DENIED"
	CodeStateViolation        ErrorCode = "STATE_VIOLATION"
	CodeCoolingOff            ErrorCode = "GATEKEEPER_COOLING_OFF"
	CodeInvalidEmergencyToken ErrorCode = "INVALID_EMERGENCY_TOKEN"
	CodeOperationFailure      ErrorCode = "OPERATION_FAILURE"
	CodeChainIntegrity        ErrorCode = "CHAIN_INTEGRITY_VIOLATION"
	CodeLedgerLockdown        ErrorCode = "LEDGER_LOCKDOWN"
	CodeConstitution          ErrorCode = "CONSTITUTION_VIOLATION"
	CodeDefinitionInvalid     ErrorCode = "DEFINITION_INVALID"
	CodeIdempotencyConflict   ErrorCode = "IDEMPOTENCY_CONFLICT"
	CodeNotFound              ErrorCode = "NOT_FOUND"
	CodeInternal              ErrorCode = "INTERNAL"
)

// Error is the unified error type of the runtime. Two errors are equal under
// errors.Is when their codes match.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewError creates an Error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an Error that keeps cause in the chain.
func WrapError(code ErrorCode, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

var (
	ErrValidation            = &Error{Code: CodeValidation, Message: "validation failed"}
	ErrPolicyDenied          = &Error{Code: CodePolicyDenied, Message: "policy denied"}
	ErrStateViolation        = &Error{Code: CodeStateViolation, Message: "illegal state transition"}
	ErrCoolingOff            = &Error{Code: CodeCoolingOff, Message: "resource is in cooling-off"}
	ErrInvalidEmergencyToken = &Error{Code: CodeInvalidEmergencyToken, Message: "invalid emergency token"}
	ErrOperationFailure      = &Error{Code: CodeOperationFailure, Message: "operation failed"}
	ErrChainIntegrity        = &Error{Code: CodeChainIntegrity, Message: "audit chain integrity violation"}
	ErrLedgerLockdown        = &Error{Code: CodeLedgerLockdown, Message: "ledger is in lockdown"}
	ErrConstitution          = &Error{Code: CodeConstitution, Message: "constitutional transition rejected"}
	ErrDefinitionInvalid     = &Error{Code: CodeDefinitionInvalid, Message: "invalid state machine definition"}
	ErrIdempotencyConflict   = &Error{Code: CodeIdempotencyConflict, Message: "idempotency key reused with a different command"}
	ErrNotFound              = &Error{Code: CodeNotFound, Message: "not found"}
	ErrInternal              = &Error{Code: CodeInternal, Message: "internal error"}
)
