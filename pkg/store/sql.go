// Package store provides the storage backends of the runtime: Memory for
// tests and single-process use, SQL for sqlite and postgres.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect selects placeholder style and driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// SQL implements every runtime store on database/sql.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQL wraps db. Call Migrate before use.
func NewSQL(db *sql.DB, dialect Dialect) *SQL {
	return &SQL{db: db, dialect: dialect}
}

// Open opens a database for dialect. The caller must import the driver:
// modernc.org/sqlite registers "sqlite", lib/pq registers "postgres".
func Open(ctx context.Context, dialect Dialect, dsn string) (*SQL, error) {
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("unsupported database dialect %q", dialect)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// one writer keeps sqlite transactions from failing with SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	s := NewSQL(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle.
func (s *SQL) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQL) Close() error { return s.db.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS state_changes (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		domain TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		operation TEXT NOT NULL,
		changed_at TEXT NOT NULL,
		changed_by TEXT NOT NULL,
		causation_id TEXT NOT NULL,
		UNIQUE (tenant_id, domain, entity_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS constitutional_transitions (
		seq BIGINT PRIMARY KEY,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		ts TEXT NOT NULL,
		evidence TEXT NOT NULL,
		approved BOOLEAN NOT NULL,
		approver TEXT NOT NULL,
		hash TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_records (
		tenant_id TEXT NOT NULL,
		chain_id TEXT NOT NULL,
		sequence BIGINT NOT NULL,
		record_id TEXT NOT NULL,
		ts TEXT NOT NULL,
		event_type TEXT NOT NULL,
		actor TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		causation_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL,
		PRIMARY KEY (tenant_id, chain_id, sequence)
	)`,
	`CREATE TABLE IF NOT EXISTS chain_heads (
		tenant_id TEXT NOT NULL,
		chain_id TEXT NOT NULL,
		last_sequence BIGINT NOT NULL,
		last_hash TEXT NOT NULL,
		PRIMARY KEY (tenant_id, chain_id)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_lockdown (
		id INTEGER PRIMARY KEY,
		active BOOLEAN NOT NULL,
		reason TEXT NOT NULL,
		source TEXT NOT NULL,
		engaged_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		event_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		event TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		dispatched_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_pending ON outbox (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS gatekeeper_decisions (
		sequence BIGINT PRIMARY KEY,
		decision_id TEXT NOT NULL UNIQUE,
		body TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS emergency_tokens (
		token_hash TEXT PRIMARY KEY,
		purpose TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		used BOOLEAN NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		body TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		module TEXT NOT NULL,
		ts TEXT NOT NULL,
		body TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoint_refs (
		id TEXT PRIMARY KEY,
		module TEXT NOT NULL,
		digest TEXT NOT NULL,
		ts TEXT NOT NULL
	)`,
}

// Migrate creates missing tables.
func (s *SQL) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $N for postgres.
func (s *SQL) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQL) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQL) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQL) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.rebind(query), args...)
}

// inTx runs fn in a transaction, rolling back on error.
func (s *SQL) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func noRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }
