package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/canonicalize"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/keylock"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/ledger"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/observability"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/policy"
)

// fingerprint identifies the logical content of cmd. Trace ids are not part
// of it.
func fingerprint(cmd contracts.Command) (string, error) {
	h, err := canonicalize.CanonicalHash(map[string]any{
		"domain":       cmd.Domain,
		"operation":    cmd.Operation,
		"actor_id":     cmd.ActorID,
		"causation_id": cmd.CausationID,
		"payload":      cmd.Payload,
	})
	if err != nil {
		return "", contracts.WrapError(contracts.CodeValidation, "command payload is not canonicalizable", err)
	}
	return h, nil
}

func policyRequest(cmd contracts.Command) policy.Request {
	return policy.Request{
		ActorID:  cmd.ActorID,
		Identity: cmd.Identity,
		Action:   cmd.Operation,
		Domain:   cmd.Domain,
		TenantID: cmd.TenantID,
	}
}

func (r *Runtime) deny(ctx context.Context, cmd contracts.Command, start time.Time, d policy.Decision) contracts.Output {
	r.logger.WarnContext(ctx, "command denied", "tenant_id", cmd.TenantID, "correlation_id", cmd.CorrelationID,
		"operation", cmd.Operation, "rule", d.Rule, "reason", d.Reason)
	r.auditDenial(ctx, cmd, d)
	return r.failure(cmd, start, nil, contracts.NewError(contracts.CodePolicyDenied,
		"%s denied by %s: %s", cmd.Operation, d.Rule, d.Reason))
}

// execute is the body that runs at most once per idempotency key. replay is
// set when the recovery engine re-runs a dead-lettered command, in which case
// executor failures are returned instead of handed to recovery.
func (r *Runtime) execute(ctx context.Context, cmd contracts.Command, start time.Time, replay bool) contracts.Output {
	log := r.logger.With("tenant_id", cmd.TenantID, "correlation_id", cmd.CorrelationID,
		"domain", cmd.Domain, "operation", cmd.Operation)

	if decision := r.deps.Policy.Evaluate(ctx, policyRequest(cmd)); !decision.Allowed {
		return r.deny(ctx, cmd, start, decision)
	}

	entityID := cmd.EntityID()
	if entityID != "" {
		unlock, err := r.locks.Lock(ctx, keylock.Key(cmd.TenantID, cmd.Domain, entityID))
		if err != nil {
			return r.failure(cmd, start, nil, contracts.WrapError(contracts.CodeInternal, "acquire entity lock", err))
		}
		defer unlock()
	}

	transition, err := r.deps.Registry.ValidateTransition(ctx, cmd.Domain, cmd.Operation, cmd.Payload, cmd.TenantID)
	if err != nil {
		log.InfoContext(ctx, "transition rejected", "error", err)
		return r.failure(cmd, start, nil, err)
	}

	result, err := r.runExecutor(ctx, cmd, transition, replay)
	if err != nil {
		log.ErrorContext(ctx, "business logic failed", "error", err)
		return r.failure(cmd, start, nil, err)
	}

	entity, unlockEntity, err := r.resolveEntity(ctx, cmd, transition, result)
	if err != nil {
		return r.failure(cmd, start, nil, err)
	}
	defer unlockEntity()

	now := r.clock().UTC()
	change := contracts.StateChange{
		ID:          uuid.NewString(),
		TenantID:    cmd.TenantID,
		Domain:      cmd.Domain,
		EntityID:    entity,
		FromState:   transition.FromState,
		ToState:     transition.ToState,
		Operation:   cmd.Operation,
		ChangedAt:   now,
		ChangedBy:   cmd.ActorID,
		CausationID: cmd.CorrelationID,
	}
	event := contracts.Event{
		ID:            uuid.NewString(),
		TenantID:      cmd.TenantID,
		Type:          cmd.Domain + "." + cmd.Operation,
		Domain:        cmd.Domain,
		EntityID:      entity,
		CorrelationID: cmd.CorrelationID,
		CausationID:   cmd.CorrelationID,
		OccurredAt:    now,
		Payload: map[string]any{
			"from_state":      change.FromState,
			"to_state":        change.ToState,
			"state_change_id": change.ID,
		},
	}
	if result.Data != nil {
		event.Payload["data"] = result.Data
	}
	rec, err := r.deps.Publisher.PendingRecord(event)
	if err != nil {
		return r.failure(cmd, start, nil, err)
	}
	if err := r.deps.Transitions.CommitTransition(ctx, change, rec); err != nil {
		log.ErrorContext(ctx, "commit failed", "error", err)
		return r.failure(cmd, start, nil, contracts.WrapError(contracts.CodeInternal, "commit state change", err))
	}
	observability.AddSpanEvent(ctx, "state_change.committed", observability.AttrEntityID.String(entity))

	var published []string
	if err := r.deps.Publisher.Dispatch(ctx, event); err != nil {
		log.WarnContext(ctx, "event left pending for relay", "event_id", event.ID, "error", err)
	} else {
		published = append(published, event.ID)
	}

	auditSeq := r.audit(ctx, cmd, change, event.ID)

	end := r.clock()
	md := r.metadata(cmd, start, end, []contracts.StateChange{change}, published)
	md.AuditSequence = auditSeq
	log.InfoContext(ctx, "command handled", "entity_id", entity, "from_state", change.FromState,
		"to_state", change.ToState, "processing_ms", md.ProcessingMs)
	return contracts.Output{Success: true, Data: result.Data, Metadata: md}
}

// runExecutor runs the domain executor under the recovery engine: the
// attempt is logged, and a failure is retried or dead-lettered according to
// its category.
func (r *Runtime) runExecutor(ctx context.Context, cmd contracts.Command, t contracts.StateTransition, replay bool) (Result, error) {
	exec := r.executor(cmd.Domain)
	if exec == nil {
		return Result{}, contracts.NewError(contracts.CodeOperationFailure, "no executor for domain %q", cmd.Domain)
	}
	engine := r.deps.Recovery
	if engine == nil || replay {
		res, err := guardedExecute(ctx, exec, r.execTimeout, cmd, t)
		if err != nil {
			return Result{}, contracts.WrapError(contracts.CodeOperationFailure, "business logic failed", err)
		}
		return res, nil
	}

	params, err := commandParams(cmd)
	if err != nil {
		return Result{}, err
	}
	opID := engine.RecordOperation(ctx, RecoveryOperation, cmd.Domain, params)
	res, err := guardedExecute(ctx, exec, r.execTimeout, cmd, t)
	if err == nil {
		_ = engine.CompleteOperation(ctx, opID)
		return res, nil
	}

	retry := func(ctx context.Context, _ contracts.OperationRecord) error {
		var rerr error
		res, rerr = guardedExecute(ctx, exec, r.execTimeout, cmd, t)
		return rerr
	}
	op, rerr := engine.ReportFailure(ctx, opID, err, strategyFor(err), retry)
	if rerr != nil {
		return Result{}, contracts.WrapError(contracts.CodeOperationFailure, "recovery failed", errors.Join(err, rerr))
	}
	if op.Status == contracts.OperationRecovered {
		return res, nil
	}
	return Result{}, contracts.WrapError(contracts.CodeOperationFailure,
		fmt.Sprintf("business logic failed; operation %s dead-lettered", opID), err)
}

// resolveEntity picks the entity id of the change. When the payload named no
// entity the state computed for validation was the initial one, so the id the
// executor chose is locked and checked again; the caller releases the lock
// after the commit.
func (r *Runtime) resolveEntity(ctx context.Context, cmd contracts.Command, t contracts.StateTransition, res Result) (string, func(), error) {
	noop := func() {}
	fromPayload := cmd.EntityID()
	switch {
	case res.EntityID == "" && fromPayload == "":
		return "", noop, contracts.NewError(contracts.CodeOperationFailure, "business logic returned no entity id")
	case res.EntityID == "":
		return fromPayload, noop, nil
	case fromPayload != "" && res.EntityID != fromPayload:
		return "", noop, contracts.NewError(contracts.CodeOperationFailure,
			"business logic acted on entity %q, command targets %q", res.EntityID, fromPayload)
	case fromPayload != "":
		return res.EntityID, noop, nil
	}

	unlock, err := r.locks.Lock(ctx, keylock.Key(cmd.TenantID, cmd.Domain, res.EntityID))
	if err != nil {
		return "", noop, contracts.WrapError(contracts.CodeInternal, "acquire entity lock", err)
	}
	state, err := r.deps.Registry.CurrentState(ctx, cmd.TenantID, cmd.Domain, res.EntityID)
	if err != nil {
		unlock()
		return "", noop, err
	}
	if state != t.FromState {
		unlock()
		return "", noop, contracts.NewError(contracts.CodeStateViolation,
			"entity %s is in %s, not %s", res.EntityID, state, t.FromState)
	}
	return res.EntityID, unlock, nil
}

func (r *Runtime) audit(ctx context.Context, cmd contracts.Command, change contracts.StateChange, eventID string) uint64 {
	rec, err := r.deps.Ledger.Append(ctx, ledger.Entry{
		TenantID:      cmd.TenantID,
		ChainID:       cmd.Domain,
		EventType:     cmd.Domain + "." + cmd.Operation,
		Actor:         cmd.ActorID,
		CorrelationID: cmd.CorrelationID,
		CausationID:   cmd.CausationID,
		Payload: map[string]any{
			"entity_id":       change.EntityID,
			"from_state":      change.FromState,
			"to_state":        change.ToState,
			"state_change_id": change.ID,
			"event_id":        eventID,
		},
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "audit append failed after commit",
			"tenant_id", cmd.TenantID, "correlation_id", cmd.CorrelationID, "state_change_id", change.ID, "error", err)
		return 0
	}
	return rec.Sequence
}

func (r *Runtime) auditDenial(ctx context.Context, cmd contracts.Command, d policy.Decision) {
	if !r.auditDenials || cmd.TenantID == "" {
		return
	}
	_, err := r.deps.Ledger.Append(ctx, ledger.Entry{
		TenantID:      cmd.TenantID,
		ChainID:       PolicyChain,
		EventType:     "policy.denied",
		Actor:         cmd.ActorID,
		CorrelationID: cmd.CorrelationID,
		CausationID:   cmd.CausationID,
		Payload: map[string]any{
			"domain":    cmd.Domain,
			"operation": cmd.Operation,
			"rule":      d.Rule,
			"reason":    d.Reason,
		},
	})
	if err != nil {
		r.logger.WarnContext(ctx, "denial audit failed", "tenant_id", cmd.TenantID, "error", err)
	}
}

func commandParams(cmd contracts.Command) (map[string]any, error) {
	raw, err := json.Marshal(cmd)
	if err != nil {
		return nil, contracts.WrapError(contracts.CodeValidation, "encode command", err)
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, contracts.WrapError(contracts.CodeInternal, "decode command", err)
	}
	return map[string]any{"command": params}, nil
}
