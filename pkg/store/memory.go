package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/recovery"
)

type chainKey struct{ tenant, chain string }

// Memory is a process-local backend for every runtime store. A single mutex
// guards all tables, so CommitTransition is one critical section.
type Memory struct {
	mu sync.RWMutex

	changes        []contracts.StateChange
	constitutional []contracts.ConstitutionalTransition

	records  map[chainKey][]contracts.AuditRecord
	heads    map[chainKey]contracts.ChainHead
	lockdown contracts.Lockdown

	outbox      map[string]*contracts.OutboxRecord
	outboxOrder []string

	decisions []contracts.GatekeeperDecision
	tokens    map[string]*contracts.EmergencyToken

	deadLetters map[string]contracts.OperationRecord
	checkpoints map[string]contracts.Checkpoint
	refs        map[string]recovery.CheckpointRef
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		records:     make(map[chainKey][]contracts.AuditRecord),
		heads:       make(map[chainKey]contracts.ChainHead),
		outbox:      make(map[string]*contracts.OutboxRecord),
		tokens:      make(map[string]*contracts.EmergencyToken),
		deadLetters: make(map[string]contracts.OperationRecord),
		checkpoints: make(map[string]contracts.Checkpoint),
		refs:        make(map[string]recovery.CheckpointRef),
	}
}

// --- state history ---

func (m *Memory) ListChanges(_ context.Context, tenantID, domain, entityID string) ([]contracts.StateChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []contracts.StateChange
	for _, c := range m.changes {
		if c.TenantID == tenantID && c.Domain == domain && c.EntityID == entityID {
			out = append(out, c)
		}
	}
	return out, nil
}

// CommitTransition records change and enqueues rec together.
func (m *Memory) CommitTransition(_ context.Context, change contracts.StateChange, rec contracts.OutboxRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = append(m.changes, change)
	m.enqueueLocked(rec)
	return nil
}

func (m *Memory) AppendConstitutional(_ context.Context, t contracts.ConstitutionalTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.Evidence = append([]string(nil), t.Evidence...)
	m.constitutional = append(m.constitutional, t)
	return nil
}

func (m *Memory) ListConstitutional(context.Context) ([]contracts.ConstitutionalTransition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]contracts.ConstitutionalTransition(nil), m.constitutional...), nil
}

// --- audit ledger ---

func (m *Memory) Head(_ context.Context, tenantID, chainID string) (contracts.ChainHead, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.heads[chainKey{tenantID, chainID}]
	return h, ok, nil
}

// AppendRecord refuses a record that does not extend the current head.
func (m *Memory) AppendRecord(_ context.Context, rec contracts.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := chainKey{rec.TenantID, rec.ChainID}
	head, ok := m.heads[k]
	if err := checkExtends(head, ok, rec); err != nil {
		return err
	}
	m.records[k] = append(m.records[k], rec)
	m.heads[k] = contracts.ChainHead{TenantID: rec.TenantID, ChainID: rec.ChainID, LastSequence: rec.Sequence, LastHash: rec.EntryHash}
	return nil
}

func checkExtends(head contracts.ChainHead, exists bool, rec contracts.AuditRecord) error {
	if !exists {
		if rec.Sequence != 1 {
			return contracts.NewError(contracts.CodeChainIntegrity, "first record of %s/%s must have sequence 1, got %d", rec.TenantID, rec.ChainID, rec.Sequence)
		}
		return nil
	}
	if rec.Sequence != head.LastSequence+1 || rec.PrevHash != head.LastHash {
		return contracts.NewError(contracts.CodeChainIntegrity,
			"record %d does not extend head %d of %s/%s", rec.Sequence, head.LastSequence, rec.TenantID, rec.ChainID)
	}
	return nil
}

func (m *Memory) ListRecords(_ context.Context, tenantID, chainID string) ([]contracts.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]contracts.AuditRecord(nil), m.records[chainKey{tenantID, chainID}]...), nil
}

func (m *Memory) ListChains(context.Context) ([]contracts.ChainHead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]contracts.ChainHead, 0, len(m.heads))
	for _, h := range m.heads {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].ChainID < out[j].ChainID
	})
	return out, nil
}

func (m *Memory) LoadLockdown(context.Context) (contracts.Lockdown, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lockdown, nil
}

func (m *Memory) SaveLockdown(_ context.Context, l contracts.Lockdown) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockdown = l
	return nil
}

// --- outbox ---

func (m *Memory) Enqueue(_ context.Context, rec contracts.OutboxRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueueLocked(rec)
	return nil
}

func (m *Memory) enqueueLocked(rec contracts.OutboxRecord) {
	if _, ok := m.outbox[rec.Event.ID]; ok {
		return
	}
	m.outbox[rec.Event.ID] = &rec
	m.outboxOrder = append(m.outboxOrder, rec.Event.ID)
}

func (m *Memory) ListPending(_ context.Context, limit int) ([]contracts.OutboxRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []contracts.OutboxRecord
	for _, id := range m.outboxOrder {
		if r := m.outbox[id]; r.Status == contracts.OutboxPending {
			out = append(out, *r)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkDispatched(_ context.Context, eventID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.outbox[eventID]
	if !ok {
		return contracts.NewError(contracts.CodeNotFound, "outbox record %s not found", eventID)
	}
	r.Status = contracts.OutboxDispatched
	r.Attempts++
	r.LastError = ""
	r.DispatchedAt = &at
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, eventID, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.outbox[eventID]
	if !ok {
		return contracts.NewError(contracts.CodeNotFound, "outbox record %s not found", eventID)
	}
	r.Attempts++
	r.LastError = lastError
	return nil
}

// OutboxRecord returns the record for eventID.
func (m *Memory) OutboxRecord(eventID string) (contracts.OutboxRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.outbox[eventID]
	if !ok {
		return contracts.OutboxRecord{}, false
	}
	return *r, true
}

// --- gatekeeper ---

func (m *Memory) AppendDecision(_ context.Context, d contracts.GatekeeperDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := uint64(len(m.decisions)); d.Sequence != n+1 {
		return contracts.NewError(contracts.CodeChainIntegrity, "decision sequence %d does not follow %d", d.Sequence, n)
	}
	m.decisions = append(m.decisions, d)
	return nil
}

func (m *Memory) ListDecisions(context.Context) ([]contracts.GatekeeperDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]contracts.GatekeeperDecision(nil), m.decisions...), nil
}

func (m *Memory) SaveToken(_ context.Context, tok contracts.EmergencyToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[tok.TokenHash] = &tok
	return nil
}

func (m *Memory) ConsumeToken(_ context.Context, tokenHash, purpose string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[tokenHash]
	if !ok || tok.Used || tok.Purpose != purpose || !now.Before(tok.ExpiresAt) {
		return false, nil
	}
	tok.Used = true
	return true, nil
}

// --- recovery ---

func (m *Memory) PutDeadLetter(_ context.Context, op contracts.OperationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters[op.ID] = op
	return nil
}

func (m *Memory) ListDeadLetters(context.Context) ([]contracts.OperationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]contracts.OperationRecord, 0, len(m.deadLetters))
	for _, op := range m.deadLetters {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) GetDeadLetter(_ context.Context, id string) (contracts.OperationRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.deadLetters[id]
	return op, ok, nil
}

func (m *Memory) RemoveDeadLetter(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.deadLetters[id]
	delete(m.deadLetters, id)
	return ok, nil
}

func (m *Memory) SaveCheckpoint(_ context.Context, cp contracts.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.ID] = cp
	return nil
}

func (m *Memory) LoadCheckpoint(_ context.Context, id string) (contracts.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[id]
	if !ok {
		return contracts.Checkpoint{}, contracts.NewError(contracts.CodeNotFound, "checkpoint %s not found", id)
	}
	return cp, nil
}

func (m *Memory) ListCheckpoints(_ context.Context, module string) ([]contracts.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []contracts.Checkpoint
	for _, cp := range m.checkpoints {
		if module == "" || cp.Module == module {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) PutCheckpointRef(_ context.Context, ref recovery.CheckpointRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[ref.ID] = ref
	return nil
}

func (m *Memory) GetCheckpointRef(_ context.Context, id string) (recovery.CheckpointRef, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.refs[id]
	return ref, ok, nil
}

func (m *Memory) ListCheckpointRefs(_ context.Context, module string) ([]recovery.CheckpointRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []recovery.CheckpointRef
	for _, ref := range m.refs {
		if module == "" || ref.Module == module {
			out = append(out, ref)
		}
	}
	return out, nil
}
