package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/recovery"
)

// Result is what domain business logic returns for a command.
type Result struct {
	// EntityID names the entity the command acted on. It must match the
	// payload's entity id when the payload names one.
	EntityID string
	Data     any
}

// Executor runs the business logic of a validated command. The transition it
// receives has already been checked against the state machine.
type Executor interface {
	Execute(ctx context.Context, cmd contracts.Command, t contracts.StateTransition) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, cmd contracts.Command, t contracts.StateTransition) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, cmd contracts.Command, t contracts.StateTransition) (Result, error) {
	return f(ctx, cmd, t)
}

// ErrorCategory classifies executor failures for the recovery engine.
type ErrorCategory string

const (
	ErrCatTransient  ErrorCategory = "TRANSIENT"
	ErrCatTimeout    ErrorCategory = "TIMEOUT"
	ErrCatRateLimit  ErrorCategory = "RATE_LIMIT"
	ErrCatPermanent  ErrorCategory = "PERMANENT"
	ErrCatValidation ErrorCategory = "VALIDATION"
)

// ErrTransient marks an executor error as worth retrying.
var ErrTransient = errors.New("transient failure")

// Transient wraps err so the runtime retries it.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Classify maps an executor error to a category. Typed markers win over
// message heuristics.
func Classify(err error) ErrorCategory {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTransient):
		return ErrCatTransient
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCatTimeout
	case errors.Is(err, contracts.ErrValidation):
		return ErrCatValidation
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return ErrCatTimeout
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "throttl"):
		return ErrCatRateLimit
	case strings.Contains(msg, "temporar"), strings.Contains(msg, "unavailable"):
		return ErrCatTransient
	default:
		return ErrCatPermanent
	}
}

// Retryable reports whether the category is worth another attempt.
func (c ErrorCategory) Retryable() bool {
	return c == ErrCatTransient || c == ErrCatTimeout || c == ErrCatRateLimit
}

func strategyFor(err error) recovery.Strategy {
	if Classify(err).Retryable() {
		return recovery.StrategyRetry
	}
	return recovery.StrategyDeadLetter
}

// guardedExecute runs exec with an optional timeout and turns a panic into
// an error.
func guardedExecute(ctx context.Context, exec Executor, timeout time.Duration, cmd contracts.Command, t contracts.StateTransition) (res Result, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()
	return exec.Execute(ctx, cmd, t)
}
