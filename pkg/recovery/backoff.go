package recovery

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy governs automatic retries. Delays grow linearly:
// attempt * BaseDelay, capped at MaxDelay, plus optional deterministic jitter.
type BackoffPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxJitter   time.Duration
}

// DefaultBackoff is three attempts at 100ms, 200ms, 300ms.
var DefaultBackoff = BackoffPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}

// Delay returns the wait before attempt (1-based) of operation id.
func (p BackoffPolicy) Delay(id string, attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := time.Duration(attempt) * p.BaseDelay
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d + p.jitter(id, attempt)
}

// jitter is a PRF of (id, attempt) so a replayed schedule is identical.
func (p BackoffPolicy) jitter(id string, attempt int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", id, attempt)))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(p.MaxJitter)) //nolint:gosec // MaxJitter is positive
}

// Schedule lists the delays of every attempt.
func (p BackoffPolicy) Schedule(id string) []time.Duration {
	out := make([]time.Duration, p.MaxAttempts)
	for i := range out {
		out[i] = p.Delay(id, i+1)
	}
	return out
}
