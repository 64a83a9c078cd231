// Package outbox delivers domain events at least once, strictly after the
// state change that produced them has been committed.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
)

// Transport hands an event to the event bus.
type Transport interface {
	Deliver(ctx context.Context, ev contracts.Event) error
}

// Store is the durable outbox table.
type Store interface {
	// Enqueue persists a PENDING record. Enqueueing an existing event id is a no-op.
	Enqueue(ctx context.Context, rec contracts.OutboxRecord) error
	ListPending(ctx context.Context, limit int) ([]contracts.OutboxRecord, error)
	MarkDispatched(ctx context.Context, eventID string, at time.Time) error
	// MarkFailed increments the attempt counter and keeps the record PENDING.
	MarkFailed(ctx context.Context, eventID, lastError string) error
}

// Publisher moves events from the outbox store to the transport.
type Publisher struct {
	store     Store
	transport Transport
	clock     func() time.Time
	logger    *slog.Logger
}

// NewPublisher creates a publisher.
func NewPublisher(store Store, transport Transport) *Publisher {
	return &Publisher{
		store:     store,
		transport: transport,
		clock:     time.Now,
		logger:    slog.Default().With("component", "outbox"),
	}
}

// WithClock overrides clock for testing.
func (p *Publisher) WithClock(clock func() time.Time) *Publisher {
	p.clock = clock
	return p
}

func validate(ev contracts.Event) error {
	switch {
	case ev.ID == "":
		return contracts.NewError(contracts.CodeValidation, "event id is required")
	case ev.TenantID == "":
		return contracts.NewError(contracts.CodeValidation, "event %s has no tenant", ev.ID)
	case ev.CorrelationID == "" || ev.CausationID == "":
		return contracts.NewError(contracts.CodeValidation, "event %s must carry correlation and causation ids", ev.ID)
	}
	return nil
}

// PendingRecord wraps ev in a fresh PENDING record.
func (p *Publisher) PendingRecord(ev contracts.Event) (contracts.OutboxRecord, error) {
	if err := validate(ev); err != nil {
		return contracts.OutboxRecord{}, err
	}
	return contracts.OutboxRecord{Event: ev, Status: contracts.OutboxPending, CreatedAt: p.clock().UTC()}, nil
}

// Publish enqueues ev and attempts delivery. Callers must only publish after
// the triggering state change is durable. A delivery failure leaves the
// record pending for Relay and is returned to the caller.
func (p *Publisher) Publish(ctx context.Context, ev contracts.Event) error {
	rec, err := p.PendingRecord(ev)
	if err != nil {
		return err
	}
	if err := p.store.Enqueue(ctx, rec); err != nil {
		return fmt.Errorf("enqueue event %s: %w", ev.ID, err)
	}
	return p.Dispatch(ctx, ev)
}

// Dispatch delivers an already enqueued event and records the outcome.
func (p *Publisher) Dispatch(ctx context.Context, ev contracts.Event) error {
	if err := p.transport.Deliver(ctx, ev); err != nil {
		p.logger.WarnContext(ctx, "event delivery failed",
			"event_id", ev.ID, "event_type", ev.Type, "tenant_id", ev.TenantID, "error", err)
		if merr := p.store.MarkFailed(ctx, ev.ID, err.Error()); merr != nil {
			return fmt.Errorf("deliver event %s: %w (mark failed: %v)", ev.ID, err, merr)
		}
		return fmt.Errorf("deliver event %s: %w", ev.ID, err)
	}
	if err := p.store.MarkDispatched(ctx, ev.ID, p.clock().UTC()); err != nil {
		return fmt.Errorf("mark event %s dispatched: %w", ev.ID, err)
	}
	return nil
}

// RelayResult summarizes one relay pass.
type RelayResult struct {
	Delivered int
	Failed    int
}

// Relay re-delivers up to limit pending records, oldest first. Failures are
// counted and left pending; only store errors abort the pass.
func (p *Publisher) Relay(ctx context.Context, limit int) (RelayResult, error) {
	pending, err := p.store.ListPending(ctx, limit)
	if err != nil {
		return RelayResult{}, fmt.Errorf("list pending events: %w", err)
	}
	var res RelayResult
	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := p.Dispatch(ctx, rec.Event); err != nil {
			res.Failed++
			continue
		}
		res.Delivered++
	}
	if len(pending) > 0 {
		p.logger.InfoContext(ctx, "outbox relay pass", "delivered", res.Delivered, "failed", res.Failed)
	}
	return res, nil
}
