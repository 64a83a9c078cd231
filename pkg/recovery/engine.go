// Package recovery keeps the operation log, retries failed operations with
// backoff, holds the dead-letter queue and manages manual checkpoints.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/keylock"
)

// Strategy says what to do with a failed operation.
type Strategy string

const (
	StrategyRetry      Strategy = "RETRY"
	StrategyDeadLetter Strategy = "DEAD_LETTER"
)

// RetryFunc re-attempts an operation.
type RetryFunc func(ctx context.Context, op contracts.OperationRecord) error

// DeadLetterStore persists operations that exhausted automatic retry.
type DeadLetterStore interface {
	PutDeadLetter(ctx context.Context, op contracts.OperationRecord) error
	ListDeadLetters(ctx context.Context) ([]contracts.OperationRecord, error)
	GetDeadLetter(ctx context.Context, id string) (contracts.OperationRecord, bool, error)
	// RemoveDeadLetter reports whether id was present.
	RemoveDeadLetter(ctx context.Context, id string) (bool, error)
}

// DefaultCapacity bounds the operation log.
const DefaultCapacity = 1000

// Engine is the recovery engine.
type Engine struct {
	dlq         DeadLetterStore
	checkpoints CheckpointStore
	policy      BackoffPolicy
	clock       func() time.Time
	sleep       func(context.Context, time.Duration) error
	logger      *slog.Logger
	replays     *keylock.Map

	mu       sync.Mutex
	ring     []contracts.OperationRecord
	next     int
	size     int
	index    map[string]int
	handlers map[string]RetryFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the retry policy.
func WithPolicy(p BackoffPolicy) Option { return func(e *Engine) { e.policy = p } }

// WithCapacity sets the operation log capacity.
func WithCapacity(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.ring = make([]contracts.OperationRecord, n)
		}
	}
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option { return func(e *Engine) { e.clock = clock } }

// WithSleep overrides the backoff wait for testing.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// WithCheckpoints sets the checkpoint store.
func WithCheckpoints(cs CheckpointStore) Option { return func(e *Engine) { e.checkpoints = cs } }

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// New creates an engine over dlq.
func New(dlq DeadLetterStore, opts ...Option) *Engine {
	e := &Engine{
		dlq:      dlq,
		policy:   DefaultBackoff,
		clock:    time.Now,
		sleep:    sleepCtx,
		logger:   slog.Default().With("component", "recovery"),
		replays:  keylock.New(),
		ring:     make([]contracts.OperationRecord, DefaultCapacity),
		index:    make(map[string]int),
		handlers: make(map[string]RetryFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.checkpoints == nil {
		e.checkpoints = NewMemoryCheckpointStore()
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterHandler sets the retry function used for operations of opType when
// no explicit RetryFunc is supplied.
func (e *Engine) RegisterHandler(opType string, fn RetryFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[opType] = fn
}

func (e *Engine) handler(opType string) RetryFunc {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handlers[opType]
}

// RecordOperation appends a PENDING operation and returns its id. The oldest
// entry is evicted once the log is full.
func (e *Engine) RecordOperation(_ context.Context, opType, module string, params map[string]any) string {
	now := e.clock().UTC()
	op := contracts.OperationRecord{
		ID:        uuid.NewString(),
		Type:      opType,
		Module:    module,
		Params:    params,
		Status:    contracts.OperationPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.size == len(e.ring) {
		delete(e.index, e.ring[e.next].ID)
	} else {
		e.size++
	}
	e.ring[e.next] = op
	e.index[op.ID] = e.next
	e.next = (e.next + 1) % len(e.ring)
	return op.ID
}

// Operation returns the logged operation id.
func (e *Engine) Operation(id string) (contracts.OperationRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	slot, ok := e.index[id]
	if !ok {
		return contracts.OperationRecord{}, false
	}
	return e.ring[slot], true
}

// Operations returns the log, oldest first.
func (e *Engine) Operations() []contracts.OperationRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]contracts.OperationRecord, 0, e.size)
	start := (e.next - e.size + len(e.ring)) % len(e.ring)
	for i := 0; i < e.size; i++ {
		out = append(out, e.ring[(start+i)%len(e.ring)])
	}
	return out
}

func (e *Engine) update(id string, fn func(*contracts.OperationRecord)) (contracts.OperationRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	slot, ok := e.index[id]
	if !ok {
		return contracts.OperationRecord{}, false
	}
	fn(&e.ring[slot])
	e.ring[slot].UpdatedAt = e.clock().UTC()
	return e.ring[slot], true
}

// CompleteOperation marks id SUCCESS.
func (e *Engine) CompleteOperation(_ context.Context, id string) error {
	if _, ok := e.update(id, func(op *contracts.OperationRecord) {
		op.Status = contracts.OperationSuccess
		op.Error = ""
	}); !ok {
		return contracts.NewError(contracts.CodeNotFound, "operation %s is not in the log", id)
	}
	return nil
}

// ReportFailure marks id FAILED. With StrategyRetry it retries up to the
// policy's MaxAttempts, waiting attempt*BaseDelay before each; the first
// success marks the operation RECOVERED. An operation that exhausts its
// retries, has no retry function, or uses any other strategy goes to the
// dead-letter queue. The final record is returned.
func (e *Engine) ReportFailure(ctx context.Context, id string, cause error, strategy Strategy, retry RetryFunc) (contracts.OperationRecord, error) {
	msg := "unknown failure"
	if cause != nil {
		msg = cause.Error()
	}
	op, ok := e.update(id, func(op *contracts.OperationRecord) {
		op.Status = contracts.OperationFailed
		op.Error = msg
	})
	if !ok {
		return contracts.OperationRecord{}, contracts.NewError(contracts.CodeNotFound, "operation %s is not in the log", id)
	}

	if retry == nil {
		retry = e.handler(op.Type)
	}
	if strategy != StrategyRetry || retry == nil {
		return e.deadLetter(ctx, op)
	}

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if err := e.sleep(ctx, e.policy.Delay(op.ID, attempt)); err != nil {
			op.Error = fmt.Sprintf("retry interrupted: %v", err)
			e.update(id, func(r *contracts.OperationRecord) { r.Error = op.Error })
			return e.deadLetter(context.WithoutCancel(ctx), op)
		}
		op.Attempts++
		err := retry(ctx, op)
		if err == nil {
			rec, _ := e.update(id, func(r *contracts.OperationRecord) {
				r.Status = contracts.OperationRecovered
				r.Error = ""
				r.Attempts = op.Attempts
			})
			if rec.ID == "" {
				rec = op
				rec.Status, rec.Error = contracts.OperationRecovered, ""
			}
			e.logger.InfoContext(ctx, "operation recovered", "operation_id", id, "attempts", op.Attempts)
			return rec, nil
		}
		op.Error = err.Error()
		e.update(id, func(r *contracts.OperationRecord) {
			r.Error = op.Error
			r.Attempts = op.Attempts
		})
		e.logger.WarnContext(ctx, "retry attempt failed", "operation_id", id, "attempt", attempt, "error", err)
	}
	return e.deadLetter(ctx, op)
}

func (e *Engine) deadLetter(ctx context.Context, op contracts.OperationRecord) (contracts.OperationRecord, error) {
	op.Status = contracts.OperationFailed
	op.UpdatedAt = e.clock().UTC()
	if err := e.dlq.PutDeadLetter(ctx, op); err != nil {
		return op, fmt.Errorf("dead-letter operation %s: %w", op.ID, err)
	}
	e.logger.ErrorContext(ctx, "operation dead-lettered",
		"operation_id", op.ID, "type", op.Type, "module", op.Module, "attempts", op.Attempts, "error", op.Error)
	return op, nil
}

// GetDeadLetterQueue returns the dead-lettered operations.
func (e *Engine) GetDeadLetterQueue(ctx context.Context) ([]contracts.OperationRecord, error) {
	return e.dlq.ListDeadLetters(ctx)
}

// ReplayOperation re-attempts a dead-lettered operation once. On success it
// is marked RECOVERED and leaves the queue; replaying an id that is no longer
// queued fails with NOT_FOUND. A failed replay keeps it queued.
func (e *Engine) ReplayOperation(ctx context.Context, id string, retry RetryFunc) (contracts.OperationRecord, error) {
	unlock, err := e.replays.Lock(ctx, id)
	if err != nil {
		return contracts.OperationRecord{}, err
	}
	defer unlock()

	op, ok, err := e.dlq.GetDeadLetter(ctx, id)
	if err != nil {
		return contracts.OperationRecord{}, fmt.Errorf("read dead letter %s: %w", id, err)
	}
	if !ok {
		return contracts.OperationRecord{}, contracts.NewError(contracts.CodeNotFound, "operation %s is not in the dead-letter queue", id)
	}
	if retry == nil {
		retry = e.handler(op.Type)
	}
	if retry == nil {
		return op, contracts.NewError(contracts.CodeOperationFailure, "no replay handler for operation type %q", op.Type)
	}

	op.Attempts++
	if rerr := retry(ctx, op); rerr != nil {
		op.Error = rerr.Error()
		op.UpdatedAt = e.clock().UTC()
		if err := e.dlq.PutDeadLetter(ctx, op); err != nil {
			return op, fmt.Errorf("update dead letter %s: %w", id, err)
		}
		e.logger.WarnContext(ctx, "replay failed", "operation_id", id, "error", rerr)
		return op, contracts.WrapError(contracts.CodeOperationFailure, "replay of "+id+" failed", rerr)
	}

	removed, err := e.dlq.RemoveDeadLetter(ctx, id)
	if err != nil {
		return op, fmt.Errorf("remove dead letter %s: %w", id, err)
	}
	if !removed {
		return op, contracts.NewError(contracts.CodeNotFound, "operation %s left the dead-letter queue during replay", id)
	}
	op.Status = contracts.OperationRecovered
	op.Error = ""
	op.UpdatedAt = e.clock().UTC()
	e.update(id, func(r *contracts.OperationRecord) {
		r.Status = contracts.OperationRecovered
		r.Error = ""
		r.Attempts = op.Attempts
	})
	e.logger.InfoContext(ctx, "operation replayed", "operation_id", id)
	return op, nil
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool {
	return errors.Is(err, contracts.ErrNotFound)
}
