package outbox

import (
	"context"
	"log/slog"
	"sync"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
)

// MemoryTransport keeps delivered events in order. FailNext makes the next
// n deliveries fail.
type MemoryTransport struct {
	mu       sync.Mutex
	events   []contracts.Event
	failures int
	failErr  error
}

func (t *MemoryTransport) Deliver(_ context.Context, ev contracts.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failures > 0 {
		t.failures--
		return t.failErr
	}
	t.events = append(t.events, ev)
	return nil
}

// FailNext makes the next n deliveries return err.
func (t *MemoryTransport) FailNext(n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures, t.failErr = n, err
}

// Events returns the delivered events.
func (t *MemoryTransport) Events() []contracts.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]contracts.Event(nil), t.events...)
}

// LogTransport writes each event to a structured logger.
type LogTransport struct {
	Logger *slog.Logger
}

func (t LogTransport) Deliver(ctx context.Context, ev contracts.Event) error {
	l := t.Logger
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "event published",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"tenant_id", ev.TenantID,
		"entity_id", ev.EntityID,
		"correlation_id", ev.CorrelationID,
		"causation_id", ev.CausationID,
	)
	return nil
}
