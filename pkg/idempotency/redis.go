package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
)

const (
	statePending = "pending"
	stateDone    = "done"
)

type redisEntry struct {
	State       string              `json:"state"`
	Owner       string              `json:"owner,omitempty"`
	Fingerprint string              `json:"fingerprint,omitempty"`
	Result      json.RawMessage     `json:"result,omitempty"`
	ErrCode     contracts.ErrorCode `json:"err_code,omitempty"`
	ErrMessage  string              `json:"err_message,omitempty"`
}

// ErrClaimLost is returned when the in-flight marker of a key expired or was
// taken over while its owner was still executing.
var ErrClaimLost = errors.New("idempotency: claim lost")

// renewClaimScript extends the in-flight marker only while it is still the
// caller's own.
// KEYS[1] = key
// ARGV[1] = marker written by the owner
// ARGV[2] = TTL in milliseconds
var renewClaimScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// completeClaimScript replaces the owner's marker with the final result.
// KEYS[1] = key
// ARGV[1] = marker written by the owner
// ARGV[2] = result entry
// ARGV[3] = retention in milliseconds, 0 keeps the result forever
var completeClaimScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
    return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
    redis.call("SET", KEYS[1], ARGV[2], "PX", ttl)
else
    redis.call("SET", KEYS[1], ARGV[2])
end
return 1
`)

// RedisOptions tunes the Redis-backed store.
type RedisOptions struct {
	// Prefix is prepended to every key. Defaults to "idem:".
	Prefix string
	// LockTTL bounds how long an in-flight marker survives a crashed owner.
	// A live owner renews it every LockTTL/3 while fn runs.
	LockTTL time.Duration
	// Retention is the TTL of completed results; zero keeps them forever.
	Retention time.Duration
	// PollInterval is how often waiters re-check an in-flight key.
	PollInterval time.Duration
}

// Redis is a Store shared by every process pointing at the same Redis. The
// first caller claims the key with SET NX and keeps the claim alive while it
// executes; waiters poll until the result is written. Results are JSON
// encoded, so T must round-trip through encoding/json.
type Redis[T any] struct {
	client redis.UniversalClient
	opts   RedisOptions
}

// NewRedis creates a Redis-backed store.
func NewRedis[T any](client redis.UniversalClient, opts RedisOptions) *Redis[T] {
	if opts.Prefix == "" {
		opts.Prefix = "idem:"
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 25 * time.Millisecond
	}
	return &Redis[T]{client: client, opts: opts}
}

func (r *Redis[T]) Do(ctx context.Context, key, fingerprint string, fn func(context.Context) (T, error)) (T, bool, error) {
	var zero T
	rkey := r.opts.Prefix + key

	for {
		marker, err := json.Marshal(redisEntry{State: statePending, Owner: uuid.NewString(), Fingerprint: fingerprint})
		if err != nil {
			return zero, false, err
		}
		claimed, err := r.client.SetNX(ctx, rkey, marker, r.opts.LockTTL).Result()
		if err != nil {
			return zero, false, fmt.Errorf("idempotency: claim %q: %w", key, err)
		}
		if claimed {
			return r.execute(ctx, rkey, string(marker), fingerprint, fn)
		}

		entry, found, err := r.load(ctx, rkey)
		if err != nil {
			return zero, true, err
		}
		if !found {
			// The in-flight marker expired between SETNX and GET; try to claim again.
			continue
		}
		if conflicting(entry.Fingerprint, fingerprint) {
			return zero, true, conflictError(key)
		}
		if entry.State == stateDone {
			return decodeEntry[T](entry)
		}

		select {
		case <-ctx.Done():
			return zero, true, ctx.Err()
		case <-time.After(r.opts.PollInterval):
		}
	}
}

// Lookup returns the stored result for key without claiming it. An in-flight
// or missing key is reported as not found.
func (r *Redis[T]) Lookup(ctx context.Context, key, fingerprint string) (T, bool, error) {
	var zero T
	entry, found, err := r.load(ctx, r.opts.Prefix+key)
	if err != nil || !found {
		return zero, false, err
	}
	if conflicting(entry.Fingerprint, fingerprint) {
		return zero, true, conflictError(key)
	}
	if entry.State != stateDone {
		return zero, false, nil
	}
	return decodeEntry[T](entry)
}

func (r *Redis[T]) load(ctx context.Context, rkey string) (redisEntry, bool, error) {
	raw, err := r.client.Get(ctx, rkey).Bytes()
	if errors.Is(err, redis.Nil) {
		return redisEntry{}, false, nil
	}
	if err != nil {
		return redisEntry{}, false, fmt.Errorf("idempotency: read %q: %w", rkey, err)
	}
	var entry redisEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return redisEntry{}, false, fmt.Errorf("idempotency: decode %q: %w", rkey, err)
	}
	return entry, true, nil
}

func (r *Redis[T]) execute(ctx context.Context, rkey, marker, fingerprint string, fn func(context.Context) (T, error)) (T, bool, error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := r.keepClaim(runCtx, cancel, rkey, marker)
	val, fnErr := fn(runCtx)
	stop()

	entry := redisEntry{State: stateDone, Fingerprint: fingerprint}
	if fnErr != nil {
		entry.ErrCode = contracts.CodeOf(fnErr)
		entry.ErrMessage = fnErr.Error()
	} else {
		result, err := json.Marshal(val)
		if err != nil {
			return val, false, fmt.Errorf("idempotency: encode result: %w", err)
		}
		entry.Result = result
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return val, false, err
	}
	stored, err := completeClaimScript.Run(ctx, r.client, []string{rkey},
		marker, string(raw), r.opts.Retention.Milliseconds()).Int()
	if err != nil {
		return val, false, fmt.Errorf("idempotency: store result: %w", err)
	}
	if stored == 0 {
		return val, false, fmt.Errorf("%w: result for %q not stored", ErrClaimLost, rkey)
	}
	return val, false, fnErr
}

// keepClaim renews the marker every LockTTL/3 until the returned stop is
// called. Losing the marker cancels ctx with ErrClaimLost.
func (r *Redis[T]) keepClaim(ctx context.Context, cancel context.CancelCauseFunc, rkey, marker string) (stop func()) {
	interval := r.opts.LockTTL / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := renewClaimScript.Run(ctx, r.client, []string{rkey}, marker, r.opts.LockTTL.Milliseconds()).Int()
				if err == nil && n == 0 {
					cancel(fmt.Errorf("%w: %q", ErrClaimLost, rkey))
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func decodeEntry[T any](entry redisEntry) (T, bool, error) {
	var val T
	if entry.ErrCode != "" {
		return val, true, contracts.NewError(entry.ErrCode, "%s", entry.ErrMessage)
	}
	if len(entry.Result) > 0 {
		if err := json.Unmarshal(entry.Result, &val); err != nil {
			return val, true, fmt.Errorf("idempotency: decode result: %w", err)
		}
	}
	return val, true, nil
}
