package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
)

type memStore struct {
	mu   sync.Mutex
	recs map[string]*contracts.OutboxRecord
}

func newMemStore() *memStore { return &memStore{recs: map[string]*contracts.OutboxRecord{}} }

func (s *memStore) Enqueue(_ context.Context, rec contracts.OutboxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.Event.ID]; !ok {
		s.recs[rec.Event.ID] = &rec
	}
	return nil
}

func (s *memStore) ListPending(_ context.Context, limit int) ([]contracts.OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []contracts.OutboxRecord
	for _, r := range s.recs {
		if r.Status == contracts.OutboxPending {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) MarkDispatched(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.recs[id]
	r.Status = contracts.OutboxDispatched
	r.Attempts++
	r.DispatchedAt = &at
	return nil
}

func (s *memStore) MarkFailed(_ context.Context, id, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.recs[id]
	r.Attempts++
	r.LastError = msg
	return nil
}

func event(id string) contracts.Event {
	return contracts.Event{
		ID: id, TenantID: "t1", Type: "order.paid", Domain: "order", EntityID: "o-1",
		CorrelationID: "corr-" + id, CausationID: "cmd-" + id,
	}
}

func TestPublish_DeliversAndMarksDispatched(t *testing.T) {
	store, tr := newMemStore(), &MemoryTransport{}
	p := NewPublisher(store, tr)

	require.NoError(t, p.Publish(context.Background(), event("e1")))

	evs := tr.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, "corr-e1", evs[0].CorrelationID)
	assert.Equal(t, "cmd-e1", evs[0].CausationID)
	assert.Equal(t, contracts.OutboxDispatched, store.recs["e1"].Status)
	assert.NotNil(t, store.recs["e1"].DispatchedAt)
}

func TestPublish_RequiresCausalIDs(t *testing.T) {
	p := NewPublisher(newMemStore(), &MemoryTransport{})
	ev := event("e1")
	ev.CausationID = ""
	err := p.Publish(context.Background(), ev)
	assert.ErrorIs(t, err, contracts.ErrValidation)
}

func TestPublish_FailureLeavesPendingAndRelayRedelivers(t *testing.T) {
	store, tr := newMemStore(), &MemoryTransport{}
	p := NewPublisher(store, tr)
	ctx := context.Background()

	tr.FailNext(1, errors.New("bus down"))
	err := p.Publish(ctx, event("e1"))
	require.Error(t, err)
	assert.Equal(t, contracts.OutboxPending, store.recs["e1"].Status)
	assert.Equal(t, "bus down", store.recs["e1"].LastError)
	assert.Empty(t, tr.Events())

	res, err := p.Relay(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, RelayResult{Delivered: 1}, res)
	assert.Equal(t, 2, store.recs["e1"].Attempts)
	assert.Len(t, tr.Events(), 1)

	res, err = p.Relay(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, RelayResult{}, res)
}

func TestRelay_CountsFailures(t *testing.T) {
	store, tr := newMemStore(), &MemoryTransport{}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := NewPublisher(store, tr)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		p.WithClock(func() time.Time { return base.Add(time.Duration(i) * time.Second) })
		rec, err := p.PendingRecord(event(id))
		require.NoError(t, err)
		require.NoError(t, store.Enqueue(ctx, rec))
	}

	tr.FailNext(2, errors.New("flaky"))
	res, err := p.Relay(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, RelayResult{Delivered: 1, Failed: 2}, res)
	assert.Equal(t, "c", tr.Events()[0].ID)
}
