package contracts

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := NewError(CodeStateViolation, "illegal transition %s -> %s", "CREATED", "PAID")
	wrapped := fmt.Errorf("validate: %w", err)

	assert.ErrorIs(t, wrapped, ErrStateViolation)
	assert.NotErrorIs(t, wrapped, ErrPolicyDenied)
	assert.Equal(t, CodeStateViolation, CodeOf(wrapped))
}

func TestCodeOf_DefaultsToInternal(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	assert.Equal(t, CodeInternal, CodeOf(nil))
}

func TestWrapError_KeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := WrapError(CodeOperationFailure, "execute", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
}

func TestCommand_IdempotencyKeyAndEntity(t *testing.T) {
	cmd := Command{TenantID: "t1", CorrelationID: "c1", Payload: map[string]any{"entityId": "o-1"}}
	assert.Equal(t, "t1:c1", cmd.IdempotencyKey())
	assert.Equal(t, "o-1", cmd.EntityID())

	cmd.Payload = map[string]any{"entity_id": "o-2", "entityId": "o-3"}
	assert.Equal(t, "o-2", cmd.EntityID())
}
