package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
)

func (s *SQL) AppendDecision(ctx context.Context, d contracts.GatekeeperDecision) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode decision %s: %w", d.DecisionID, err)
	}
	if _, err := s.exec(ctx, s.db, `
		INSERT INTO gatekeeper_decisions (sequence, decision_id, body) VALUES (?, ?, ?)`,
		int64(d.Sequence), d.DecisionID, string(body)); err != nil {
		return fmt.Errorf("append decision %s: %w", d.DecisionID, err)
	}
	return nil
}

func (s *SQL) ListDecisions(ctx context.Context) ([]contracts.GatekeeperDecision, error) {
	rows, err := s.query(ctx, s.db, `SELECT body FROM gatekeeper_decisions ORDER BY sequence ASC`)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.GatekeeperDecision
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var d contracts.GatekeeperDecision
		if err := json.Unmarshal([]byte(body), &d); err != nil {
			return nil, fmt.Errorf("decode decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQL) SaveToken(ctx context.Context, tok contracts.EmergencyToken) error {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO emergency_tokens (token_hash, purpose, created_at, expires_at, used) VALUES (?, ?, ?, ?, ?)`,
		tok.TokenHash, tok.Purpose, formatTime(tok.CreatedAt), formatTime(tok.ExpiresAt), tok.Used)
	if err != nil {
		return fmt.Errorf("save emergency token: %w", err)
	}
	return nil
}

// ConsumeToken flips used in a single conditional UPDATE.
func (s *SQL) ConsumeToken(ctx context.Context, tokenHash, purpose string, now time.Time) (bool, error) {
	res, err := s.exec(ctx, s.db, `
		UPDATE emergency_tokens SET used = ?
		WHERE token_hash = ? AND purpose = ? AND used = ? AND expires_at > ?`,
		true, tokenHash, purpose, false, formatTime(now))
	if err != nil {
		return false, fmt.Errorf("consume emergency token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
