package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
)

func (s *SQL) Enqueue(ctx context.Context, rec contracts.OutboxRecord) error {
	event, err := json.Marshal(rec.Event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", rec.Event.ID, err)
	}
	return s.enqueue(ctx, s.db, rec, event)
}

func (s *SQL) enqueue(ctx context.Context, q querier, rec contracts.OutboxRecord, event []byte) error {
	status := rec.Status
	if status == "" {
		status = contracts.OutboxPending
	}
	_, err := s.exec(ctx, q, `
		INSERT INTO outbox (event_id, tenant_id, event, status, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		rec.Event.ID, rec.Event.TenantID, string(event), string(status), rec.Attempts, rec.LastError, formatTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("enqueue event %s: %w", rec.Event.ID, err)
	}
	return nil
}

func (s *SQL) ListPending(ctx context.Context, limit int) ([]contracts.OutboxRecord, error) {
	query := `
		SELECT event, status, attempts, last_error, created_at, dispatched_at
		FROM outbox WHERE status = ? ORDER BY created_at ASC, event_id ASC`
	args := []any{string(contracts.OutboxPending)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.OutboxRecord
	for rows.Next() {
		rec, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// OutboxRecord returns the record for eventID.
func (s *SQL) OutboxRecord(ctx context.Context, eventID string) (contracts.OutboxRecord, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT event, status, attempts, last_error, created_at, dispatched_at
		FROM outbox WHERE event_id = ?`, eventID)
	if err != nil {
		return contracts.OutboxRecord{}, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return contracts.OutboxRecord{}, err
		}
		return contracts.OutboxRecord{}, contracts.NewError(contracts.CodeNotFound, "outbox record %s not found", eventID)
	}
	return scanOutbox(rows)
}

func scanOutbox(rows *sql.Rows) (contracts.OutboxRecord, error) {
	var rec contracts.OutboxRecord
	var event, status, createdAt string
	var dispatchedAt sql.NullString
	if err := rows.Scan(&event, &status, &rec.Attempts, &rec.LastError, &createdAt, &dispatchedAt); err != nil {
		return rec, err
	}
	if err := decodeJSON(event, &rec.Event); err != nil {
		return rec, fmt.Errorf("decode outbox event: %w", err)
	}
	rec.Status = contracts.OutboxStatus(status)
	var err error
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return rec, err
	}
	if dispatchedAt.Valid && dispatchedAt.String != "" {
		at, err := parseTime(dispatchedAt.String)
		if err != nil {
			return rec, err
		}
		rec.DispatchedAt = &at
	}
	return rec, nil
}

func (s *SQL) MarkDispatched(ctx context.Context, eventID string, at time.Time) error {
	res, err := s.exec(ctx, s.db, `
		UPDATE outbox SET status = ?, attempts = attempts + 1, last_error = '', dispatched_at = ?
		WHERE event_id = ?`, string(contracts.OutboxDispatched), formatTime(at), eventID)
	return affectedOne(res, err, "outbox record "+eventID)
}

func (s *SQL) MarkFailed(ctx context.Context, eventID, lastError string) error {
	res, err := s.exec(ctx, s.db, `
		UPDATE outbox SET attempts = attempts + 1, last_error = ? WHERE event_id = ?`, lastError, eventID)
	return affectedOne(res, err, "outbox record "+eventID)
}

func affectedOne(res sql.Result, err error, what string) error {
	if err != nil {
		return fmt.Errorf("update %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", what, err)
	}
	if n == 0 {
		return contracts.NewError(contracts.CodeNotFound, "%s not found", what)
	}
	return nil
}
