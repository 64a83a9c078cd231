package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
)

func (s *SQL) Head(ctx context.Context, tenantID, chainID string) (contracts.ChainHead, bool, error) {
	return s.head(ctx, s.db, tenantID, chainID)
}

func (s *SQL) head(ctx context.Context, q querier, tenantID, chainID string) (contracts.ChainHead, bool, error) {
	h := contracts.ChainHead{TenantID: tenantID, ChainID: chainID}
	err := s.queryRow(ctx, q, `
		SELECT last_sequence, last_hash FROM chain_heads WHERE tenant_id = ? AND chain_id = ?`,
		tenantID, chainID).Scan(&h.LastSequence, &h.LastHash)
	if noRows(err) {
		return contracts.ChainHead{}, false, nil
	}
	if err != nil {
		return contracts.ChainHead{}, false, fmt.Errorf("read chain head: %w", err)
	}
	return h, true, nil
}

// AppendRecord inserts rec and advances the head in one transaction,
// refusing records that do not extend the head.
func (s *SQL) AppendRecord(ctx context.Context, rec contracts.AuditRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		head, ok, err := s.head(ctx, tx, rec.TenantID, rec.ChainID)
		if err != nil {
			return err
		}
		if err := checkExtends(head, ok, rec); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, `
			INSERT INTO audit_records (tenant_id, chain_id, sequence, record_id, ts, event_type, actor,
				correlation_id, causation_id, payload, payload_hash, prev_hash, entry_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.TenantID, rec.ChainID, int64(rec.Sequence), rec.RecordID, formatTime(rec.Timestamp), rec.EventType, rec.Actor,
			rec.CorrelationID, rec.CausationID, string(payload), rec.PayloadHash, rec.PrevHash, rec.EntryHash); err != nil {
			return fmt.Errorf("insert audit record: %w", err)
		}
		if _, err := s.exec(ctx, tx, `
			INSERT INTO chain_heads (tenant_id, chain_id, last_sequence, last_hash) VALUES (?, ?, ?, ?)
			ON CONFLICT (tenant_id, chain_id) DO UPDATE SET last_sequence = excluded.last_sequence, last_hash = excluded.last_hash`,
			rec.TenantID, rec.ChainID, int64(rec.Sequence), rec.EntryHash); err != nil {
			return fmt.Errorf("advance chain head: %w", err)
		}
		return nil
	})
}

func (s *SQL) ListRecords(ctx context.Context, tenantID, chainID string) ([]contracts.AuditRecord, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT tenant_id, chain_id, sequence, record_id, ts, event_type, actor, correlation_id, causation_id,
			payload, payload_hash, prev_hash, entry_hash
		FROM audit_records WHERE tenant_id = ? AND chain_id = ? ORDER BY sequence ASC`, tenantID, chainID)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.AuditRecord
	for rows.Next() {
		var r contracts.AuditRecord
		var ts, payload string
		if err := rows.Scan(&r.TenantID, &r.ChainID, &r.Sequence, &r.RecordID, &ts, &r.EventType, &r.Actor,
			&r.CorrelationID, &r.CausationID, &payload, &r.PayloadHash, &r.PrevHash, &r.EntryHash); err != nil {
			return nil, err
		}
		if r.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if err := decodeJSON(payload, &r.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s/%s@%d: %w", r.TenantID, r.ChainID, r.Sequence, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQL) ListChains(ctx context.Context) ([]contracts.ChainHead, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT tenant_id, chain_id, last_sequence, last_hash FROM chain_heads ORDER BY tenant_id, chain_id`)
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.ChainHead
	for rows.Next() {
		var h contracts.ChainHead
		if err := rows.Scan(&h.TenantID, &h.ChainID, &h.LastSequence, &h.LastHash); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *SQL) LoadLockdown(ctx context.Context) (contracts.Lockdown, error) {
	var l contracts.Lockdown
	var engagedAt string
	err := s.queryRow(ctx, s.db, `SELECT active, reason, source, engaged_at FROM ledger_lockdown WHERE id = 1`).
		Scan(&l.Active, &l.Reason, &l.Source, &engagedAt)
	if noRows(err) {
		return contracts.Lockdown{}, nil
	}
	if err != nil {
		return contracts.Lockdown{}, fmt.Errorf("load lockdown: %w", err)
	}
	if l.EngagedAt, err = parseTime(engagedAt); err != nil {
		return contracts.Lockdown{}, err
	}
	return l, nil
}

func (s *SQL) SaveLockdown(ctx context.Context, l contracts.Lockdown) error {
	engagedAt := ""
	if !l.EngagedAt.IsZero() {
		engagedAt = formatTime(l.EngagedAt)
	}
	_, err := s.exec(ctx, s.db, `
		INSERT INTO ledger_lockdown (id, active, reason, source, engaged_at) VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET active = excluded.active, reason = excluded.reason,
			source = excluded.source, engaged_at = excluded.engaged_at`,
		l.Active, l.Reason, l.Source, engagedAt)
	if err != nil {
		return fmt.Errorf("save lockdown: %w", err)
	}
	return nil
}
