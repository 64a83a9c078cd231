package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
)

type memStore struct {
	mu       sync.Mutex
	heads    map[string]contracts.ChainHead
	records  map[string][]contracts.AuditRecord
	lockdown contracts.Lockdown
}

func newMemStore() *memStore {
	return &memStore{heads: map[string]contracts.ChainHead{}, records: map[string][]contracts.AuditRecord{}}
}

func chainKey(t, c string) string { return t + "/" + c }

func (s *memStore) Head(_ context.Context, tenantID, chainID string) (contracts.ChainHead, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.heads[chainKey(tenantID, chainID)]
	return h, ok, nil
}

func (s *memStore) AppendRecord(_ context.Context, rec contracts.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := chainKey(rec.TenantID, rec.ChainID)
	if s.heads[k].LastSequence != rec.Sequence-1 {
		return errors.New("head moved")
	}
	s.records[k] = append(s.records[k], rec)
	s.heads[k] = contracts.ChainHead{TenantID: rec.TenantID, ChainID: rec.ChainID, LastSequence: rec.Sequence, LastHash: rec.EntryHash}
	return nil
}

func (s *memStore) ListRecords(_ context.Context, tenantID, chainID string) ([]contracts.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]contracts.AuditRecord(nil), s.records[chainKey(tenantID, chainID)]...), nil
}

func (s *memStore) ListChains(context.Context) ([]contracts.ChainHead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contracts.ChainHead, 0, len(s.heads))
	for _, h := range s.heads {
		out = append(out, h)
	}
	return out, nil
}

func (s *memStore) LoadLockdown(context.Context) (contracts.Lockdown, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockdown, nil
}

func (s *memStore) SaveLockdown(_ context.Context, l contracts.Lockdown) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockdown = l
	return nil
}

// tamperStore corrupts the payload of one record on read.
type tamperStore struct {
	*memStore
	tenantID, chainID string
	seq               uint64
}

func (s *tamperStore) ListRecords(ctx context.Context, tenantID, chainID string) ([]contracts.AuditRecord, error) {
	recs, err := s.memStore.ListRecords(ctx, tenantID, chainID)
	if err != nil || tenantID != s.tenantID || chainID != s.chainID {
		return recs, err
	}
	for i := range recs {
		if recs[i].Sequence == s.seq {
			recs[i].Payload = map[string]any{"amount": "9999"}
		}
	}
	return recs, nil
}

func newTestLedger(t *testing.T, store Store) *Ledger {
	t.Helper()
	l, err := New(context.Background(), store)
	if err != nil {
		t.Fatal(err)
	}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var n int
	return l.WithClock(func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	})
}

func appendN(t *testing.T, l *Ledger, tenant, chain string, n int) []contracts.AuditRecord {
	t.Helper()
	out := make([]contracts.AuditRecord, 0, n)
	for i := 0; i < n; i++ {
		rec, err := l.Append(context.Background(), Entry{
			TenantID:  tenant,
			ChainID:   chain,
			EventType: "order.pay",
			Actor:     "alice",
			Payload:   map[string]any{"amount": i + 1, "note": fmt.Sprintf("n%d", i)},
		})
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, rec)
	}
	return out
}

func TestAppend_ChainsRecords(t *testing.T) {
	l := newTestLedger(t, newMemStore())
	recs := appendN(t, l, "t1", "order", 3)

	if recs[0].PrevHash != GenesisHash {
		t.Fatalf("expected genesis prev hash, got %s", recs[0].PrevHash)
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].Sequence != recs[i-1].Sequence+1 {
			t.Fatalf("sequence gap at %d", i)
		}
		if recs[i].PrevHash != recs[i-1].EntryHash {
			t.Fatalf("record %d does not chain to its predecessor", i)
		}
	}
	if recs[0].PayloadHash == "" || recs[0].EntryHash == "" {
		t.Fatal("hashes not populated")
	}
}

func TestAppend_ChainsAreIndependent(t *testing.T) {
	l := newTestLedger(t, newMemStore())
	appendN(t, l, "t1", "order", 2)
	recs := appendN(t, l, "t2", "order", 1)
	if recs[0].Sequence != 1 || recs[0].PrevHash != GenesisHash {
		t.Fatalf("second tenant should start a fresh chain, got seq %d", recs[0].Sequence)
	}
}

func TestAppend_Validation(t *testing.T) {
	l := newTestLedger(t, newMemStore())
	_, err := l.Append(context.Background(), Entry{TenantID: "t1"})
	if !errors.Is(err, contracts.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = l.Append(context.Background(), Entry{TenantID: "t1", ChainID: "c", EventType: "x", Payload: "scalar"})
	if !errors.Is(err, contracts.ErrValidation) {
		t.Fatalf("expected validation error for non-object payload, got %v", err)
	}
}

func TestAppend_ConcurrentSameChain(t *testing.T) {
	l := newTestLedger(t, newMemStore())
	l.clock = time.Now
	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(context.Background(), Entry{TenantID: "t1", ChainID: "c", EventType: "e", Payload: map[string]any{"i": i}})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	st, err := l.VerifyChain(context.Background(), "t1", "c")
	if err != nil {
		t.Fatal(err)
	}
	if !st.IsValid || st.RecordsChecked != 50 {
		t.Fatalf("expected 50 valid records, got %+v", st)
	}
}

func TestVerifyChain_Valid(t *testing.T) {
	l := newTestLedger(t, newMemStore())
	appendN(t, l, "t1", "order", 10)

	st, err := l.VerifyChain(context.Background(), "t1", "order")
	if err != nil {
		t.Fatal(err)
	}
	if !st.IsValid || st.BrokenAtSequence != nil || st.RecordsChecked != 10 {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestVerifyChain_EmptyChainIsValid(t *testing.T) {
	l := newTestLedger(t, newMemStore())
	st, err := l.VerifyChain(context.Background(), "t1", "none")
	if err != nil {
		t.Fatal(err)
	}
	if !st.IsValid {
		t.Fatalf("empty chain should verify, got %+v", st)
	}
}

func TestVerifyChain_DetectsCorruptedPayload(t *testing.T) {
	for _, seq := range []uint64{1, 4, 7} {
		t.Run(fmt.Sprintf("seq%d", seq), func(t *testing.T) {
			mem := newMemStore()
			l := newTestLedger(t, mem)
			appendN(t, l, "t1", "order", 7)

			tampered := newTestLedger(t, &tamperStore{memStore: mem, tenantID: "t1", chainID: "order", seq: seq})
			st, err := tampered.VerifyChain(context.Background(), "t1", "order")
			if err != nil {
				t.Fatal(err)
			}
			if st.IsValid {
				t.Fatal("expected tampering to be detected")
			}
			if st.BrokenAtSequence == nil || *st.BrokenAtSequence != seq {
				t.Fatalf("expected break at %d, got %+v", seq, st)
			}
		})
	}
}

func TestVerifyChain_DetectsRewrittenHash(t *testing.T) {
	mem := newMemStore()
	l := newTestLedger(t, mem)
	appendN(t, l, "t1", "order", 3)

	// A forger who also recomputes the entry hash still breaks the next link.
	k := chainKey("t1", "order")
	rec := &mem.records[k][1]
	rec.Actor = "mallory"
	rec.EntryHash = EntryHash(*rec)

	st, err := l.VerifyChain(context.Background(), "t1", "order")
	if err != nil {
		t.Fatal(err)
	}
	if st.IsValid || *st.BrokenAtSequence != 3 {
		t.Fatalf("expected break at 3, got %+v", st)
	}
}

func TestVerifyChain_DetectsTruncation(t *testing.T) {
	mem := newMemStore()
	l := newTestLedger(t, mem)
	appendN(t, l, "t1", "order", 3)
	k := chainKey("t1", "order")
	mem.records[k] = mem.records[k][:2]

	st, err := l.VerifyChain(context.Background(), "t1", "order")
	if err != nil {
		t.Fatal(err)
	}
	if st.IsValid || *st.BrokenAtSequence != 3 {
		t.Fatalf("expected break at 3, got %+v", st)
	}
}
