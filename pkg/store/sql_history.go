package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
)

func decodeJSON(data string, v any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	return dec.Decode(v)
}

func (s *SQL) ListChanges(ctx context.Context, tenantID, domain, entityID string) ([]contracts.StateChange, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT id, tenant_id, domain, entity_id, from_state, to_state, operation, changed_at, changed_by, causation_id
		FROM state_changes
		WHERE tenant_id = ? AND domain = ? AND entity_id = ?
		ORDER BY seq ASC`, tenantID, domain, entityID)
	if err != nil {
		return nil, fmt.Errorf("list state changes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.StateChange
	for rows.Next() {
		var c contracts.StateChange
		var changedAt string
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Domain, &c.EntityID, &c.FromState, &c.ToState,
			&c.Operation, &changedAt, &c.ChangedBy, &c.CausationID); err != nil {
			return nil, err
		}
		if c.ChangedAt, err = parseTime(changedAt); err != nil {
			return nil, fmt.Errorf("state change %s: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CommitTransition writes change and its PENDING outbox record in one
// transaction.
func (s *SQL) CommitTransition(ctx context.Context, change contracts.StateChange, rec contracts.OutboxRecord) error {
	event, err := json.Marshal(rec.Event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", rec.Event.ID, err)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var seq int64
		if err := s.queryRow(ctx, tx, `
			SELECT COALESCE(MAX(seq), 0) FROM state_changes
			WHERE tenant_id = ? AND domain = ? AND entity_id = ?`,
			change.TenantID, change.Domain, change.EntityID).Scan(&seq); err != nil {
			return fmt.Errorf("next state change seq: %w", err)
		}
		if _, err := s.exec(ctx, tx, `
			INSERT INTO state_changes (id, tenant_id, domain, entity_id, seq, from_state, to_state, operation, changed_at, changed_by, causation_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			change.ID, change.TenantID, change.Domain, change.EntityID, seq+1, change.FromState, change.ToState,
			change.Operation, formatTime(change.ChangedAt), change.ChangedBy, change.CausationID); err != nil {
			return fmt.Errorf("insert state change: %w", err)
		}
		return s.enqueue(ctx, tx, rec, event)
	})
}

func (s *SQL) AppendConstitutional(ctx context.Context, t contracts.ConstitutionalTransition) error {
	evidence, err := json.Marshal(t.Evidence)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var seq int64
		if err := s.queryRow(ctx, tx, `SELECT COUNT(*) FROM constitutional_transitions`).Scan(&seq); err != nil {
			return err
		}
		_, err := s.exec(ctx, tx, `
			INSERT INTO constitutional_transitions (seq, from_state, to_state, ts, evidence, approved, approver, hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			seq+1, t.FromState, t.ToState, formatTime(t.Timestamp), string(evidence), t.Approved, t.Approver, t.Hash)
		if err != nil {
			return fmt.Errorf("insert constitutional transition: %w", err)
		}
		return nil
	})
}

func (s *SQL) ListConstitutional(ctx context.Context) ([]contracts.ConstitutionalTransition, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT from_state, to_state, ts, evidence, approved, approver, hash
		FROM constitutional_transitions ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list constitutional transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.ConstitutionalTransition
	for rows.Next() {
		var t contracts.ConstitutionalTransition
		var ts, evidence string
		if err := rows.Scan(&t.FromState, &t.ToState, &ts, &evidence, &t.Approved, &t.Approver, &t.Hash); err != nil {
			return nil, err
		}
		if t.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(evidence), &t.Evidence); err != nil {
			return nil, fmt.Errorf("decode evidence: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
