package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/recovery"
)

func (s *SQL) PutDeadLetter(ctx context.Context, op contracts.OperationRecord) error {
	body, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation %s: %w", op.ID, err)
	}
	_, err = s.exec(ctx, s.db, `
		INSERT INTO dead_letters (id, created_at, body) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET body = excluded.body`,
		op.ID, formatTime(op.CreatedAt), string(body))
	if err != nil {
		return fmt.Errorf("put dead letter %s: %w", op.ID, err)
	}
	return nil
}

func (s *SQL) ListDeadLetters(ctx context.Context) ([]contracts.OperationRecord, error) {
	rows, err := s.query(ctx, s.db, `SELECT body FROM dead_letters ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.OperationRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var op contracts.OperationRecord
		if err := decodeJSON(body, &op); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *SQL) GetDeadLetter(ctx context.Context, id string) (contracts.OperationRecord, bool, error) {
	var body string
	err := s.queryRow(ctx, s.db, `SELECT body FROM dead_letters WHERE id = ?`, id).Scan(&body)
	if noRows(err) {
		return contracts.OperationRecord{}, false, nil
	}
	if err != nil {
		return contracts.OperationRecord{}, false, fmt.Errorf("get dead letter %s: %w", id, err)
	}
	var op contracts.OperationRecord
	if err := decodeJSON(body, &op); err != nil {
		return contracts.OperationRecord{}, false, fmt.Errorf("decode dead letter %s: %w", id, err)
	}
	return op, true, nil
}

func (s *SQL) RemoveDeadLetter(ctx context.Context, id string) (bool, error) {
	res, err := s.exec(ctx, s.db, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("remove dead letter %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQL) SaveCheckpoint(ctx context.Context, cp contracts.Checkpoint) error {
	body, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.ID, err)
	}
	_, err = s.exec(ctx, s.db, `
		INSERT INTO checkpoints (id, module, ts, body) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET body = excluded.body`,
		cp.ID, cp.Module, formatTime(cp.Timestamp), string(body))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

func (s *SQL) LoadCheckpoint(ctx context.Context, id string) (contracts.Checkpoint, error) {
	var body string
	err := s.queryRow(ctx, s.db, `SELECT body FROM checkpoints WHERE id = ?`, id).Scan(&body)
	if noRows(err) {
		return contracts.Checkpoint{}, contracts.NewError(contracts.CodeNotFound, "checkpoint %s not found", id)
	}
	if err != nil {
		return contracts.Checkpoint{}, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	var cp contracts.Checkpoint
	if err := decodeJSON(body, &cp); err != nil {
		return contracts.Checkpoint{}, fmt.Errorf("decode checkpoint %s: %w", id, err)
	}
	return cp, nil
}

func (s *SQL) ListCheckpoints(ctx context.Context, module string) ([]contracts.Checkpoint, error) {
	query := `SELECT body FROM checkpoints`
	var args []any
	if module != "" {
		query += ` WHERE module = ?`
		args = append(args, module)
	}
	query += ` ORDER BY ts ASC, id ASC`
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Checkpoint
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var cp contracts.Checkpoint
		if err := decodeJSON(body, &cp); err != nil {
			return nil, fmt.Errorf("decode checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *SQL) PutCheckpointRef(ctx context.Context, ref recovery.CheckpointRef) error {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO checkpoint_refs (id, module, digest, ts) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET digest = excluded.digest`,
		ref.ID, ref.Module, ref.Digest, formatTime(ref.Timestamp))
	if err != nil {
		return fmt.Errorf("put checkpoint ref %s: %w", ref.ID, err)
	}
	return nil
}

func (s *SQL) GetCheckpointRef(ctx context.Context, id string) (recovery.CheckpointRef, bool, error) {
	ref := recovery.CheckpointRef{ID: id}
	var ts string
	err := s.queryRow(ctx, s.db, `SELECT module, digest, ts FROM checkpoint_refs WHERE id = ?`, id).
		Scan(&ref.Module, &ref.Digest, &ts)
	if noRows(err) {
		return recovery.CheckpointRef{}, false, nil
	}
	if err != nil {
		return recovery.CheckpointRef{}, false, fmt.Errorf("get checkpoint ref %s: %w", id, err)
	}
	if ref.Timestamp, err = parseTime(ts); err != nil {
		return recovery.CheckpointRef{}, false, err
	}
	return ref, true, nil
}

func (s *SQL) ListCheckpointRefs(ctx context.Context, module string) ([]recovery.CheckpointRef, error) {
	query := `SELECT id, module, digest, ts FROM checkpoint_refs`
	var args []any
	if module != "" {
		query += ` WHERE module = ?`
		args = append(args, module)
	}
	query += ` ORDER BY ts ASC, id ASC`
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoint refs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []recovery.CheckpointRef
	for rows.Next() {
		var ref recovery.CheckpointRef
		var ts string
		if err := rows.Scan(&ref.ID, &ref.Module, &ref.Digest, &ts); err != nil {
			return nil, err
		}
		if ref.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}
