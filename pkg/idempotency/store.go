// Package idempotency gives the runtime its at-most-once side-effect guarantee:
// the first caller for a key executes the operation, every later caller with the
// same key receives the cached result without executing it again.
package idempotency

import (
	"context"
	"fmt"
	"sync"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
)

// Store executes fn at most once per key.
//
// fingerprint identifies the request behind the key; a later call with the
// same key and a different non-empty fingerprint fails with
// contracts.ErrIdempotencyConflict and fn is not executed. The returned bool
// reports whether the result was replayed from the cache.
//
// Lookup returns a completed result without claiming the key. A missing or
// in-flight key reports false.
type Store[T any] interface {
	Do(ctx context.Context, key, fingerprint string, fn func(context.Context) (T, error)) (T, bool, error)
	Lookup(ctx context.Context, key, fingerprint string) (T, bool, error)
}

type call[T any] struct {
	done        chan struct{}
	fingerprint string
	val         T
	err         error
}

// Memory is a process-scoped Store. Results, including in-flight ones, are kept
// for the lifetime of the process; concurrent callers for a key wait on the
// first caller instead of executing fn themselves.
type Memory[T any] struct {
	mu    sync.Mutex
	calls map[string]*call[T]
}

// NewMemory creates an empty in-memory store.
func NewMemory[T any]() *Memory[T] {
	return &Memory[T]{calls: make(map[string]*call[T])}
}

func (m *Memory[T]) Do(ctx context.Context, key, fingerprint string, fn func(context.Context) (T, error)) (T, bool, error) {
	var zero T

	m.mu.Lock()
	if c, ok := m.calls[key]; ok {
		m.mu.Unlock()
		if conflicting(c.fingerprint, fingerprint) {
			return zero, true, conflictError(key)
		}
		select {
		case <-c.done:
			return c.val, true, c.err
		case <-ctx.Done():
			return zero, true, ctx.Err()
		}
	}
	c := &call[T]{done: make(chan struct{}), fingerprint: fingerprint}
	m.calls[key] = c
	m.mu.Unlock()

	func() {
		defer func() {
			if r := recover(); r != nil {
				c.err = fmt.Errorf("idempotency: operation for key %q panicked: %v", key, r)
			}
			close(c.done)
		}()
		c.val, c.err = fn(ctx)
	}()
	return c.val, false, c.err
}

func (m *Memory[T]) Lookup(_ context.Context, key, fingerprint string) (T, bool, error) {
	var zero T
	m.mu.Lock()
	c, ok := m.calls[key]
	m.mu.Unlock()
	if !ok {
		return zero, false, nil
	}
	if conflicting(c.fingerprint, fingerprint) {
		return zero, true, conflictError(key)
	}
	select {
	case <-c.done:
		return c.val, true, c.err
	default:
		return zero, false, nil
	}
}

// Len returns the number of keys seen so far.
func (m *Memory[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func conflicting(stored, incoming string) bool {
	return stored != "" && incoming != "" && stored != incoming
}

func conflictError(key string) error {
	return contracts.WrapError(contracts.CodeIdempotencyConflict,
		fmt.Sprintf("key %q was first used with a different command", key), nil)
}
