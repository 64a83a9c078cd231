// Package runtime is the transactional command pipeline: validation,
// idempotency, policy, state validation, business logic, atomic commit of
// the state change and its event, dispatch and audit.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/idempotency"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/keylock"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/ledger"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/observability"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/outbox"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/policy"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/recovery"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/statemachine"
)

// TransitionStore commits a state change together with the outbox record of
// its event: both are written or neither is.
type TransitionStore interface {
	CommitTransition(ctx context.Context, change contracts.StateChange, rec contracts.OutboxRecord) error
}

// PolicyChain is the audit chain that receives denied commands.
const PolicyChain = "policy"

// RecoveryOperation is the recovery engine operation type of a command.
const RecoveryOperation = "command"

// Deps are the collaborators of the runtime. Recovery is optional.
type Deps struct {
	Idempotency idempotency.Store[contracts.Output]
	Policy      *policy.Gate
	Registry    *statemachine.Registry
	Ledger      *ledger.Ledger
	Publisher   *outbox.Publisher
	Transitions TransitionStore
	Recovery    *recovery.Engine
}

func (d Deps) validate() error {
	switch {
	case d.Idempotency == nil:
		return fmt.Errorf("runtime: idempotency store is required")
	case d.Policy == nil:
		return fmt.Errorf("runtime: policy gate is required")
	case d.Registry == nil:
		return fmt.Errorf("runtime: state machine registry is required")
	case d.Ledger == nil:
		return fmt.Errorf("runtime: audit ledger is required")
	case d.Publisher == nil:
		return fmt.Errorf("runtime: outbox publisher is required")
	case d.Transitions == nil:
		return fmt.Errorf("runtime: transition store is required")
	}
	return nil
}

// Runtime handles commands.
type Runtime struct {
	deps      Deps
	executors map[string]Executor
	fallback  Executor
	obs       *observability.Provider
	locks     *keylock.Map
	clock     func() time.Time
	logger    *slog.Logger

	auditDenials bool
	execTimeout  time.Duration
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithExecutor sets the business logic of domain.
func WithExecutor(domain string, exec Executor) Option {
	return func(r *Runtime) { r.executors[domain] = exec }
}

// WithDefaultExecutor sets the business logic of domains without their own.
func WithDefaultExecutor(exec Executor) Option {
	return func(r *Runtime) { r.fallback = exec }
}

// WithAuditDenials controls whether denied commands are appended to the
// policy chain. It is on by default.
func WithAuditDenials(on bool) Option { return func(r *Runtime) { r.auditDenials = on } }

// WithExecutionTimeout bounds one executor call.
func WithExecutionTimeout(d time.Duration) Option { return func(r *Runtime) { r.execTimeout = d } }

// WithObservability sets the tracing and metrics provider.
func WithObservability(p *observability.Provider) Option { return func(r *Runtime) { r.obs = p } }

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option { return func(r *Runtime) { r.clock = clock } }

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Runtime) { r.logger = l } }

// New creates a runtime. When a recovery engine is given the runtime
// registers itself as the replay handler of dead-lettered commands.
func New(deps Deps, opts ...Option) (*Runtime, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	r := &Runtime{
		deps:         deps,
		executors:    make(map[string]Executor),
		locks:        keylock.New(),
		clock:        time.Now,
		logger:       slog.Default().With("component", "runtime"),
		auditDenials: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.obs == nil {
		obs, err := observability.New(context.Background(), nil)
		if err != nil {
			return nil, err
		}
		r.obs = obs
	}
	if deps.Recovery != nil {
		deps.Recovery.RegisterHandler(RecoveryOperation, r.replayCommand)
	}
	return r, nil
}

func (r *Runtime) executor(domain string) Executor {
	if e, ok := r.executors[domain]; ok {
		return e
	}
	return r.fallback
}

// Handle runs cmd through the pipeline and always returns a well formed
// Output. Repeating a command with the same tenant and correlation id returns
// the first Output without running the pipeline again.
func (r *Runtime) Handle(ctx context.Context, cmd contracts.Command) (out contracts.Output) {
	start := r.clock()

	if err := validateCommand(cmd); err != nil {
		return r.failure(cmd, start, nil, err)
	}

	ctx, done := r.obs.TrackCommand(ctx, cmd.Operation, observability.CommandAttributes(cmd)...)
	observability.SetSpanAttributes(ctx, observability.AttrCorrelationID.String(cmd.CorrelationID))
	if sc := trace.SpanContextFromContext(ctx); cmd.TraceID == "" && sc.HasTraceID() {
		cmd.TraceID = sc.TraceID().String()
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorContext(ctx, "command pipeline panicked",
				"tenant_id", cmd.TenantID, "correlation_id", cmd.CorrelationID, "panic", p)
			out = r.failure(cmd, start, nil, contracts.NewError(contracts.CodeInternal, "pipeline panic: %v", p))
		}
		if out.Error != nil {
			done(fmt.Errorf("%s: %s", out.Error.Code, out.Error.Message), string(out.Error.Code))
		} else {
			done(nil, "")
		}
	}()

	fp, err := fingerprint(cmd)
	if err != nil {
		return r.failure(cmd, start, nil, err)
	}
	key := cmd.IdempotencyKey()

	if prev, found, err := r.deps.Idempotency.Lookup(ctx, key, fp); found || err != nil {
		if err != nil {
			return r.failure(cmd, start, nil, idempotencyError(err))
		}
		r.replayed(ctx, cmd)
		return prev
	}

	// Refusals below clear on their own, so they stay out of the cache.
	if ld := r.deps.Ledger.Lockdown(); ld.Active {
		return r.failure(cmd, start, nil, contracts.NewError(contracts.CodeLedgerLockdown,
			"runtime refuses mutations during lockdown: %s", ld.Reason))
	}
	if d := r.deps.Policy.Admit(ctx, policyRequest(cmd)); !d.Allowed {
		return r.deny(ctx, cmd, start, d)
	}

	out, cached, err := r.deps.Idempotency.Do(ctx, key, fp, func(ctx context.Context) (contracts.Output, error) {
		return r.execute(ctx, cmd, start, false), nil
	})
	if err != nil {
		return r.failure(cmd, start, nil, idempotencyError(err))
	}
	if cached {
		r.replayed(ctx, cmd)
	}
	return out
}

func (r *Runtime) replayed(ctx context.Context, cmd contracts.Command) {
	observability.SetSpanAttributes(ctx, observability.AttrCached.Bool(true))
	r.logger.DebugContext(ctx, "idempotent replay", "tenant_id", cmd.TenantID, "correlation_id", cmd.CorrelationID)
}

func idempotencyError(err error) error {
	if contracts.CodeOf(err) == contracts.CodeInternal {
		return contracts.WrapError(contracts.CodeInternal, "idempotency store failed", err)
	}
	return err
}

func validateCommand(cmd contracts.Command) error {
	var missing []string
	if cmd.TenantID == "" {
		missing = append(missing, "tenant_id")
	}
	if cmd.CorrelationID == "" {
		missing = append(missing, "correlation_id")
	}
	if cmd.Domain == "" {
		missing = append(missing, "domain")
	}
	if cmd.Operation == "" {
		missing = append(missing, "operation")
	}
	if len(missing) > 0 {
		return contracts.NewError(contracts.CodeValidation, "command is missing %v", missing)
	}
	return nil
}

func (r *Runtime) failure(cmd contracts.Command, start time.Time, changes []contracts.StateChange, err error) contracts.Output {
	now := r.clock()
	return contracts.Output{
		Success: false,
		Error: &contracts.OutputError{
			Code:      contracts.CodeOf(err),
			Message:   err.Error(),
			Timestamp: now.UTC(),
		},
		Metadata: r.metadata(cmd, start, now, changes, nil),
	}
}

func (r *Runtime) metadata(cmd contracts.Command, start, now time.Time, changes []contracts.StateChange, events []string) contracts.OutputMetadata {
	if changes == nil {
		changes = []contracts.StateChange{}
	}
	if events == nil {
		events = []string{}
	}
	return contracts.OutputMetadata{
		TenantID:        cmd.TenantID,
		CorrelationID:   cmd.CorrelationID,
		TraceID:         cmd.TraceID,
		ProcessedAt:     now.UTC(),
		ProcessingMs:    now.Sub(start).Milliseconds(),
		StateChanges:    changes,
		EventsPublished: events,
	}
}
