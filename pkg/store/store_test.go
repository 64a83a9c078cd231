package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/gatekeeper"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/ledger"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/recovery"
)

// backend is the union of everything Memory and SQL provide.
type backend interface {
	ledger.Store
	gatekeeper.Store
	recovery.DeadLetterStore
	recovery.CheckpointStore
	recovery.CheckpointIndex
	ListChanges(ctx context.Context, tenantID, domain, entityID string) ([]contracts.StateChange, error)
	CommitTransition(ctx context.Context, change contracts.StateChange, rec contracts.OutboxRecord) error
	AppendConstitutional(ctx context.Context, t contracts.ConstitutionalTransition) error
	ListConstitutional(ctx context.Context) ([]contracts.ConstitutionalTransition, error)
	Enqueue(ctx context.Context, rec contracts.OutboxRecord) error
	ListPending(ctx context.Context, limit int) ([]contracts.OutboxRecord, error)
	MarkDispatched(ctx context.Context, eventID string, at time.Time) error
	MarkFailed(ctx context.Context, eventID, lastError string) error
}

func openSQLite(t *testing.T) *SQL {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "nattcell.db")
	s, err := Open(context.Background(), DialectSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func backends(t *testing.T) map[string]backend {
	return map[string]backend{
		"memory": NewMemory(),
		"sqlite": openSQLite(t),
	}
}

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func change(id, entity, from, to string, at time.Time) contracts.StateChange {
	return contracts.StateChange{
		ID: id, TenantID: "t1", Domain: "order", EntityID: entity,
		FromState: from, ToState: to, Operation: "op", ChangedAt: at, ChangedBy: "alice", CausationID: "cmd-" + id,
	}
}

func pending(id string, at time.Time) contracts.OutboxRecord {
	return contracts.OutboxRecord{
		Event: contracts.Event{
			ID: id, TenantID: "t1", Type: "order.op", Domain: "order", EntityID: "o-1",
			CorrelationID: "corr", CausationID: "cmd", OccurredAt: at, Payload: map[string]any{"amount": 10},
		},
		Status:    contracts.OutboxPending,
		CreatedAt: at,
	}
}

func TestCommitTransitionWritesHistoryAndOutbox(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.CommitTransition(ctx, change("c1", "o-1", "CREATED", "PAYMENT_PENDING", t0), pending("e1", t0)))
			// same timestamp, order must follow insertion
			require.NoError(t, b.CommitTransition(ctx, change("c2", "o-1", "PAYMENT_PENDING", "PAID", t0), pending("e2", t0)))

			hist, err := b.ListChanges(ctx, "t1", "order", "o-1")
			require.NoError(t, err)
			require.Len(t, hist, 2)
			assert.Equal(t, "PAYMENT_PENDING", hist[0].ToState)
			assert.Equal(t, "PAID", hist[1].ToState)
			assert.True(t, hist[0].ChangedAt.Equal(t0))

			other, err := b.ListChanges(ctx, "t2", "order", "o-1")
			require.NoError(t, err)
			assert.Empty(t, other)

			recs, err := b.ListPending(ctx, 0)
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, "e1", recs[0].Event.ID)
			assert.Equal(t, "corr", recs[0].Event.CorrelationID)
		})
	}
}

func TestOutboxLifecycle(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.Enqueue(ctx, pending("e1", t0)))
			require.NoError(t, b.Enqueue(ctx, pending("e1", t0.Add(time.Hour))))
			require.NoError(t, b.Enqueue(ctx, pending("e2", t0.Add(time.Second))))

			require.NoError(t, b.MarkFailed(ctx, "e1", "broker down"))
			recs, err := b.ListPending(ctx, 1)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, "e1", recs[0].Event.ID)
			assert.Equal(t, 1, recs[0].Attempts)
			assert.Equal(t, "broker down", recs[0].LastError)

			require.NoError(t, b.MarkDispatched(ctx, "e1", t0.Add(time.Minute)))
			recs, err = b.ListPending(ctx, 0)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, "e2", recs[0].Event.ID)

			err = b.MarkDispatched(ctx, "missing", t0)
			assert.ErrorIs(t, err, contracts.ErrNotFound)
		})
	}
}

func TestLedgerOverBackends(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l, err := ledger.New(ctx, b)
			require.NoError(t, err)
			n := 0
			l.WithClock(func() time.Time { n++; return t0.Add(time.Duration(n) * time.Millisecond) })

			for i := 0; i < 3; i++ {
				_, err := l.Append(ctx, ledger.Entry{
					TenantID: "t1", ChainID: "order", EventType: "order.pay", Actor: "alice",
					Payload: map[string]any{"amount": 12.5, "n": i, "note": "ok"},
				})
				require.NoError(t, err)
			}
			st, err := l.VerifyChain(ctx, "t1", "order")
			require.NoError(t, err)
			assert.True(t, st.IsValid, st.Reason)
			assert.Equal(t, 3, st.RecordsChecked)

			chains, err := b.ListChains(ctx)
			require.NoError(t, err)
			require.Len(t, chains, 1)
			assert.Equal(t, uint64(3), chains[0].LastSequence)

			require.NoError(t, l.EngageLockdown(ctx, "test", "operator"))
			reopened, err := ledger.New(ctx, b)
			require.NoError(t, err)
			assert.True(t, reopened.Lockdown().Active)
			assert.Equal(t, "operator", reopened.Lockdown().Source)
		})
	}
}

func TestAppendRecordRejectsStaleHead(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := contracts.AuditRecord{
				RecordID: "r1", TenantID: "t1", ChainID: "c", Sequence: 1, Timestamp: t0,
				EventType: "x", Actor: "a", Payload: map[string]any{}, PrevHash: ledger.GenesisHash, EntryHash: "h1",
			}
			require.NoError(t, b.AppendRecord(ctx, rec))

			dup := rec
			dup.RecordID = "r1b"
			assert.ErrorIs(t, b.AppendRecord(ctx, dup), contracts.ErrChainIntegrity)

			fork := rec
			fork.RecordID, fork.Sequence, fork.PrevHash = "r2", 2, "not-h1"
			assert.ErrorIs(t, b.AppendRecord(ctx, fork), contracts.ErrChainIntegrity)

			head, ok, err := b.Head(ctx, "t1", "c")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "h1", head.LastHash)
		})
	}
}

func TestEmergencyTokenConsumedOnce(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.SaveToken(ctx, contracts.EmergencyToken{
				TokenHash: "h", Purpose: "override", CreatedAt: t0, ExpiresAt: t0.Add(15 * time.Minute),
			}))

			ok, err := b.ConsumeToken(ctx, "h", "other", t0)
			require.NoError(t, err)
			assert.False(t, ok, "wrong purpose")

			ok, err = b.ConsumeToken(ctx, "h", "override", t0.Add(15*time.Minute))
			require.NoError(t, err)
			assert.False(t, ok, "expired")

			ok, err = b.ConsumeToken(ctx, "h", "override", t0.Add(time.Minute))
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = b.ConsumeToken(ctx, "h", "override", t0.Add(time.Minute))
			require.NoError(t, err)
			assert.False(t, ok, "double spend")
		})
	}
}

func TestGatekeeperJournalPersists(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			secret := []byte("0123456789abcdef0123456789abcdef")
			clock := func() time.Time { return t0 }
			svc, err := gatekeeper.New(ctx, b, secret, gatekeeper.WithClock(clock))
			require.NoError(t, err)

			for _, res := range []string{"r1", "r2"} {
				out, err := svc.MakeDecision(ctx, gatekeeper.Request{
					Type: contracts.DecisionApproval, Resource: res, Actor: "alice", Reasoning: "ok", Evidence: []string{"e"},
				})
				require.NoError(t, err)
				require.True(t, out.Success, out.Errors)
			}

			again, err := gatekeeper.New(ctx, b, secret, gatekeeper.WithClock(clock))
			require.NoError(t, err)
			st, err := again.VerifyJournal(ctx)
			require.NoError(t, err)
			assert.True(t, st.IsValid, st.Reason)
			assert.Equal(t, 2, st.RecordsChecked)
		})
	}
}

func TestConstitutionalLog(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tr := contracts.ConstitutionalTransition{
				FromState: "S0_INCEPTION", ToState: "S1_FOUNDATION", Timestamp: t0,
				Evidence: []string{"a", "b"}, Approved: true, Approver: "alice", Hash: "h",
			}
			require.NoError(t, b.AppendConstitutional(ctx, tr))
			got, err := b.ListConstitutional(ctx)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, tr.Evidence, got[0].Evidence)
			assert.True(t, got[0].Timestamp.Equal(t0))
			assert.Equal(t, "h", got[0].Hash)
		})
	}
}

func TestRecoveryStores(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			engine := recovery.New(b,
				recovery.WithCheckpoints(b),
				recovery.WithSleep(func(context.Context, time.Duration) error { return nil }),
			)
			id := engine.RecordOperation(ctx, "command", "order", map[string]any{"k": "v"})
			_, err := engine.ReportFailure(ctx, id, assert.AnError, recovery.StrategyDeadLetter, nil)
			require.NoError(t, err)

			queue, err := engine.GetDeadLetterQueue(ctx)
			require.NoError(t, err)
			require.Len(t, queue, 1)
			assert.Equal(t, "v", queue[0].Params["k"])

			_, err = engine.ReplayOperation(ctx, id, func(context.Context, contracts.OperationRecord) error { return nil })
			require.NoError(t, err)
			_, err = engine.ReplayOperation(ctx, id, func(context.Context, contracts.OperationRecord) error { return nil })
			assert.ErrorIs(t, err, contracts.ErrNotFound)

			cpID, err := engine.CreateCheckpoint(ctx, "order", map[string]any{"cursor": 7})
			require.NoError(t, err)
			cp, err := engine.RestoreCheckpoint(ctx, cpID)
			require.NoError(t, err)
			assert.Equal(t, "order", cp.Module)
		})
	}
}

func TestRebind(t *testing.T) {
	pg := NewSQL(nil, DialectPostgres)
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))
	lite := NewSQL(nil, DialectSQLite)
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}
