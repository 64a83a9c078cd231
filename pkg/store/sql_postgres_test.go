package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
)

func newPostgresMock(t *testing.T) (*SQL, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQL(db, DialectPostgres), mock
}

func TestPostgresConsumeTokenUsesConditionalUpdate(t *testing.T) {
	s, mock := newPostgresMock(t)
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE emergency_tokens SET used = $1`)).
		WithArgs(true, "hash", "override", false, formatTime(now)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE emergency_tokens SET used = $1`)).
		WithArgs(true, "hash", "override", false, formatTime(now)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.ConsumeToken(context.Background(), "hash", "override", now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ConsumeToken(context.Background(), "hash", "override", now)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendRecordTransaction(t *testing.T) {
	s, mock := newPostgresMock(t)
	rec := contracts.AuditRecord{
		RecordID: "r1", TenantID: "t1", ChainID: "order", Sequence: 1, Timestamp: time.Unix(0, 0).UTC(),
		EventType: "order.pay", Actor: "alice", Payload: map[string]any{"a": 1},
		PayloadHash: "ph", PrevHash: "genesis", EntryHash: "eh",
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT last_sequence, last_hash FROM chain_heads WHERE tenant_id = $1 AND chain_id = $2`)).
		WithArgs("t1", "order").
		WillReturnRows(sqlmock.NewRows([]string{"last_sequence", "last_hash"}))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO audit_records`)).
		WithArgs("t1", "order", int64(1), "r1", sqlmock.AnyArg(), "order.pay", "alice", "", "", `{"a":1}`, "ph", "genesis", "eh").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO chain_heads`)).
		WithArgs("t1", "order", int64(1), "eh").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.AppendRecord(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCommitTransitionRollsBackOnOutboxFailure(t *testing.T) {
	s, mock := newPostgresMock(t)
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(seq), 0) FROM state_changes`)).
		WithArgs("t1", "order", "o-1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(2)))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO state_changes`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO outbox`)).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := s.CommitTransition(context.Background(), change("c1", "o-1", "CREATED", "PAYMENT_PENDING", now), pending("e1", now))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLoadLockdownDefaultsToInactive(t *testing.T) {
	s, mock := newPostgresMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT active, reason, source, engaged_at FROM ledger_lockdown WHERE id = 1`)).
		WillReturnRows(sqlmock.NewRows([]string{"active", "reason", "source", "engaged_at"}))

	l, err := s.LoadLockdown(context.Background())
	require.NoError(t, err)
	assert.False(t, l.Active)
	require.NoError(t, mock.ExpectationsWereMet())
}
