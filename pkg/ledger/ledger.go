// Package ledger is the append-only audit ledger.
//
// Records are hash-chained per (tenant, chain):
//   - entryHash covers payloadHash, prevHash, sequence, timestamp, eventType and actor
//   - the first record of a chain points at the "genesis" root
//   - a detected break engages a persisted lockdown that blocks Append until an operator clears it
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/canonicalize"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/keylock"
)

// GenesisHash is the prevHash of the first record of every chain.
const GenesisHash = "genesis"

// Store persists records, chain heads and the lockdown flag.
// AppendRecord writes the record and advances the head in one step; it must
// fail if the stored head no longer matches rec.Sequence-1.
type Store interface {
	Head(ctx context.Context, tenantID, chainID string) (contracts.ChainHead, bool, error)
	AppendRecord(ctx context.Context, rec contracts.AuditRecord) error
	ListRecords(ctx context.Context, tenantID, chainID string) ([]contracts.AuditRecord, error)
	ListChains(ctx context.Context) ([]contracts.ChainHead, error)
	LoadLockdown(ctx context.Context) (contracts.Lockdown, error)
	SaveLockdown(ctx context.Context, l contracts.Lockdown) error
}

// Entry is the caller-supplied part of an AuditRecord.
type Entry struct {
	TenantID      string
	ChainID       string
	EventType     string
	Actor         string
	CorrelationID string
	CausationID   string
	Payload       any
}

// Ledger appends and verifies audit records.
type Ledger struct {
	store  Store
	locks  *keylock.Map
	clock  func() time.Time
	logger *slog.Logger

	mu       sync.RWMutex
	lockdown contracts.Lockdown
}

// New opens a ledger over store, restoring any persisted lockdown.
func New(ctx context.Context, store Store) (*Ledger, error) {
	ld, err := store.LoadLockdown(ctx)
	if err != nil {
		return nil, fmt.Errorf("load lockdown: %w", err)
	}
	l := &Ledger{
		store:    store,
		locks:    keylock.New(),
		clock:    time.Now,
		logger:   slog.Default().With("component", "ledger"),
		lockdown: ld,
	}
	if ld.Active {
		l.logger.Warn("ledger opened in lockdown", "reason", ld.Reason, "source", ld.Source)
	}
	return l, nil
}

// WithClock overrides clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Append writes the next record of (e.TenantID, e.ChainID). Head read and
// write are serialized per chain.
func (l *Ledger) Append(ctx context.Context, e Entry) (contracts.AuditRecord, error) {
	if ld := l.Lockdown(); ld.Active {
		return contracts.AuditRecord{}, contracts.NewError(contracts.CodeLedgerLockdown, "append refused: %s", ld.Reason)
	}
	return l.append(ctx, e)
}

func (l *Ledger) append(ctx context.Context, e Entry) (contracts.AuditRecord, error) {
	if e.TenantID == "" || e.ChainID == "" || e.EventType == "" {
		return contracts.AuditRecord{}, contracts.NewError(contracts.CodeValidation, "tenant, chain and event type are required")
	}

	payload, payloadHash, err := canonicalPayload(e.Payload)
	if err != nil {
		return contracts.AuditRecord{}, err
	}

	unlock, err := l.locks.Lock(ctx, keylock.Key(e.TenantID, e.ChainID))
	if err != nil {
		return contracts.AuditRecord{}, err
	}
	defer unlock()

	head, ok, err := l.store.Head(ctx, e.TenantID, e.ChainID)
	if err != nil {
		return contracts.AuditRecord{}, fmt.Errorf("read chain head: %w", err)
	}
	if !ok {
		head = contracts.ChainHead{TenantID: e.TenantID, ChainID: e.ChainID, LastHash: GenesisHash}
	}

	rec := contracts.AuditRecord{
		RecordID:      uuid.NewString(),
		TenantID:      e.TenantID,
		ChainID:       e.ChainID,
		Sequence:      head.LastSequence + 1,
		Timestamp:     l.clock().UTC(),
		EventType:     e.EventType,
		Actor:         e.Actor,
		CorrelationID: e.CorrelationID,
		CausationID:   e.CausationID,
		Payload:       payload,
		PayloadHash:   payloadHash,
		PrevHash:      head.LastHash,
	}
	rec.EntryHash = EntryHash(rec)

	if err := l.store.AppendRecord(ctx, rec); err != nil {
		return contracts.AuditRecord{}, fmt.Errorf("append audit record: %w", err)
	}
	return rec, nil
}

// canonicalPayload normalizes p to its JSON object form and hashes it.
func canonicalPayload(p any) (map[string]any, string, error) {
	if p == nil {
		p = map[string]any{}
	}
	raw, err := canonicalize.JCS(p)
	if err != nil {
		return nil, "", contracts.WrapError(contracts.CodeValidation, "canonicalize audit payload", err)
	}
	var m map[string]any
	if err := decodeObject(raw, &m); err != nil {
		return nil, "", contracts.WrapError(contracts.CodeValidation, "audit payload must be a JSON object", err)
	}
	return m, canonicalize.HashBytes(raw), nil
}

// PayloadHash recomputes the hash of a stored payload.
func PayloadHash(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := canonicalize.JCS(payload)
	if err != nil {
		return "", err
	}
	return canonicalize.HashBytes(raw), nil
}

// EntryHash computes the chained hash of rec from its stored fields.
func EntryHash(rec contracts.AuditRecord) string {
	return canonicalize.HashParts(
		rec.PayloadHash,
		rec.PrevHash,
		strconv.FormatUint(rec.Sequence, 10),
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.EventType,
		rec.Actor,
		rec.TenantID,
		rec.ChainID,
		rec.RecordID,
		rec.CorrelationID,
		rec.CausationID,
	)
}

// VerifyChain re-walks every record of the chain from sequence 1.
func (l *Ledger) VerifyChain(ctx context.Context, tenantID, chainID string) (contracts.IntegrityState, error) {
	recs, err := l.store.ListRecords(ctx, tenantID, chainID)
	if err != nil {
		return contracts.IntegrityState{}, fmt.Errorf("list records: %w", err)
	}
	head, hasHead, err := l.store.Head(ctx, tenantID, chainID)
	if err != nil {
		return contracts.IntegrityState{}, fmt.Errorf("read chain head: %w", err)
	}
	return verifyRecords(tenantID, chainID, recs, head, hasHead), nil
}

func verifyRecords(tenantID, chainID string, recs []contracts.AuditRecord, head contracts.ChainHead, hasHead bool) contracts.IntegrityState {
	st := contracts.IntegrityState{TenantID: tenantID, ChainID: chainID, IsValid: true}
	broken := func(seq uint64, format string, args ...any) contracts.IntegrityState {
		st.IsValid = false
		st.BrokenAtSequence = &seq
		st.Reason = fmt.Sprintf(format, args...)
		return st
	}

	prev := GenesisHash
	for i, rec := range recs {
		want := uint64(i) + 1
		st.RecordsChecked = i + 1
		if rec.Sequence != want {
			return broken(want, "expected sequence %d, found %d", want, rec.Sequence)
		}
		if rec.PrevHash != prev {
			return broken(want, "prev hash mismatch at sequence %d", want)
		}
		ph, err := PayloadHash(rec.Payload)
		if err != nil || ph != rec.PayloadHash {
			return broken(want, "payload hash mismatch at sequence %d", want)
		}
		if EntryHash(rec) != rec.EntryHash {
			return broken(want, "entry hash mismatch at sequence %d", want)
		}
		prev = rec.EntryHash
	}

	n := uint64(len(recs))
	switch {
	case hasHead && head.LastSequence != n:
		return broken(n+1, "head at sequence %d but %d records found", head.LastSequence, n)
	case hasHead && head.LastHash != prev:
		return broken(n, "head hash does not match last record")
	case !hasHead && n > 0:
		return broken(1, "records present without a chain head")
	}
	return st
}

// Lockdown returns the current lockdown flag.
func (l *Ledger) Lockdown() contracts.Lockdown {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lockdown
}

// EngageLockdown persists an active lockdown and records it on the system
// chain. Engaging while already locked keeps the original reason.
func (l *Ledger) EngageLockdown(ctx context.Context, reason, source string) error {
	l.mu.Lock()
	if l.lockdown.Active {
		l.mu.Unlock()
		return nil
	}
	ld := contracts.Lockdown{Active: true, Reason: reason, Source: source, EngagedAt: l.clock().UTC()}
	if err := l.store.SaveLockdown(ctx, ld); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("persist lockdown: %w", err)
	}
	l.lockdown = ld
	l.mu.Unlock()

	l.logger.ErrorContext(ctx, "ledger lockdown engaged", "reason", reason, "source", source)
	_, err := l.append(ctx, Entry{
		TenantID:  SystemTenant,
		ChainID:   SystemChain,
		EventType: "ledger.lockdown_engaged",
		Actor:     source,
		Payload:   map[string]any{"reason": reason},
	})
	return err
}

// ClearLockdown is the only way out of lockdown. The clearance itself is
// appended to the operator's system chain.
func (l *Ledger) ClearLockdown(ctx context.Context, operator, reason string) error {
	if operator == "" {
		return contracts.NewError(contracts.CodeValidation, "operator is required to clear a lockdown")
	}
	l.mu.Lock()
	prev := l.lockdown
	if !prev.Active {
		l.mu.Unlock()
		return nil
	}
	if err := l.store.SaveLockdown(ctx, contracts.Lockdown{}); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("persist lockdown: %w", err)
	}
	l.lockdown = contracts.Lockdown{}
	l.mu.Unlock()

	l.logger.WarnContext(ctx, "ledger lockdown cleared", "operator", operator, "reason", reason)
	_, err := l.append(ctx, Entry{
		TenantID:  SystemTenant,
		ChainID:   SystemChain,
		EventType: "ledger.lockdown_cleared",
		Actor:     operator,
		Payload: map[string]any{
			"reason":          reason,
			"lockdown_reason": prev.Reason,
			"lockdown_source": prev.Source,
			"engaged_at":      prev.EngagedAt.Format(time.RFC3339Nano),
		},
	})
	return err
}

// SystemTenant and SystemChain hold ledger-internal governance records.
const (
	SystemTenant = "_system"
	SystemChain  = "integrity"
)
