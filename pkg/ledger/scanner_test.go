package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
)

func TestScan_CleanLedger(t *testing.T) {
	l := newTestLedger(t, newMemStore())
	appendN(t, l, "t1", "order", 3)
	appendN(t, l, "t2", "invoice", 2)

	report, err := l.Scan(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Tampered)
	assert.False(t, report.LockdownEngaged)
	assert.Len(t, report.Chains, 2)
	assert.Equal(t, 5, report.RecordsChecked)
	assert.False(t, l.Lockdown().Active)
}

func TestScan_CountsOrphans(t *testing.T) {
	l := newTestLedger(t, newMemStore())
	ctx := context.Background()

	first, err := l.Append(ctx, Entry{TenantID: "t1", ChainID: "order", EventType: "order.create", CorrelationID: "c-1"})
	require.NoError(t, err)
	_, err = l.Append(ctx, Entry{TenantID: "t1", ChainID: "order", EventType: "order.pay", CorrelationID: "c-2", CausationID: "c-1"})
	require.NoError(t, err)
	_, err = l.Append(ctx, Entry{TenantID: "t1", ChainID: "payment", EventType: "payment.settled", CausationID: first.RecordID})
	require.NoError(t, err)
	_, err = l.Append(ctx, Entry{TenantID: "t1", ChainID: "order", EventType: "order.ship", CausationID: "c-missing"})
	require.NoError(t, err)
	// Causation ids never resolve across tenants.
	_, err = l.Append(ctx, Entry{TenantID: "t2", ChainID: "order", EventType: "order.pay", CausationID: "c-1"})
	require.NoError(t, err)

	report, err := l.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, report.Orphans, 2)
	assert.Equal(t, "c-missing", report.Orphans[0].CausationID)
	assert.Equal(t, "t2", report.Orphans[1].TenantID)
	assert.False(t, report.Tampered)
	assert.False(t, l.Lockdown().Active)
}

func TestScan_TamperEngagesLockdown(t *testing.T) {
	mem := newMemStore()
	seed := newTestLedger(t, mem)
	appendN(t, seed, "t1", "order", 4)

	l := newTestLedger(t, &tamperStore{memStore: mem, tenantID: "t1", chainID: "order", seq: 2})
	ctx := context.Background()

	report, err := l.Scan(ctx)
	require.NoError(t, err)
	assert.True(t, report.Tampered)
	assert.True(t, report.LockdownEngaged)

	ld := l.Lockdown()
	require.True(t, ld.Active)
	assert.Equal(t, "scanner", ld.Source)
	assert.Contains(t, ld.Reason, "t1/order@2")

	_, err = l.Append(ctx, Entry{TenantID: "t1", ChainID: "order", EventType: "order.pay"})
	assert.True(t, errors.Is(err, contracts.ErrLedgerLockdown))

	// The lockdown survives a restart.
	reopened := newTestLedger(t, mem)
	assert.True(t, reopened.Lockdown().Active)

	// No automatic recovery: a clean rescan does not lift it.
	_, err = reopened.Scan(ctx)
	require.NoError(t, err)
	assert.True(t, reopened.Lockdown().Active)
}

func TestClearLockdown(t *testing.T) {
	mem := newMemStore()
	l := newTestLedger(t, mem)
	ctx := context.Background()

	require.NoError(t, l.EngageLockdown(ctx, "manual drill", "operator"))
	require.NoError(t, l.EngageLockdown(ctx, "second reason", "other"))
	assert.Equal(t, "manual drill", l.Lockdown().Reason)

	err := l.ClearLockdown(ctx, "", "done")
	assert.ErrorIs(t, err, contracts.ErrValidation)
	assert.True(t, l.Lockdown().Active)

	require.NoError(t, l.ClearLockdown(ctx, "ops-bob", "drill complete"))
	assert.False(t, l.Lockdown().Active)
	assert.False(t, mem.lockdown.Active)

	recs, err := mem.ListRecords(ctx, SystemTenant, SystemChain)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "ledger.lockdown_engaged", recs[0].EventType)
	assert.Equal(t, "ledger.lockdown_cleared", recs[1].EventType)
	assert.Equal(t, "ops-bob", recs[1].Actor)

	_, err = l.Append(ctx, Entry{TenantID: "t1", ChainID: "order", EventType: "order.pay"})
	assert.NoError(t, err)
}
