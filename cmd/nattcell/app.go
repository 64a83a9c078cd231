package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/artifacts"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/config"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/gatekeeper"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/idempotency"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/ledger"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/observability"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/outbox"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/policy"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/recovery"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/runtime"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/statemachine"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/store"

	_ "github.com/lib/pq"  // Postgres Driver
	_ "modernc.org/sqlite" // SQLite Driver
)

//go:embed definitions/*.yaml
var builtinDefinitions embed.FS

// app is every component wired over one database.
type app struct {
	cfg          *config.Config
	db           *store.SQL
	redis        *redis.Client
	obs          *observability.Provider
	ledger       *ledger.Ledger
	gate         *policy.Gate
	registry     *statemachine.Registry
	gatekeeper   *gatekeeper.Service
	constitution *statemachine.Constitution
	recovery     *recovery.Engine
	publisher    *outbox.Publisher
	runtime      *runtime.Runtime
}

func openApp(ctx context.Context, stderr io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	setupLogging(cfg, stderr)

	a := &app{cfg: cfg}
	if err := a.wire(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func setupLogging(cfg *config.Config, w io.Writer) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	var err error

	if a.db, err = store.Open(ctx, store.Dialect(cfg.DBDriver), cfg.DBDSN); err != nil {
		return err
	}
	if a.obs, err = observability.New(ctx, cfg.Observability(version)); err != nil {
		return err
	}
	if a.ledger, err = ledger.New(ctx, a.db); err != nil {
		return err
	}

	gateOpts := []policy.Option{policy.WithRules(cfg.PolicyRules...)}
	if cfg.SuperActor != "" {
		gateOpts = append(gateOpts, policy.WithSuperActor(cfg.SuperActor))
	}
	if cfg.TenantRPS > 0 {
		gateOpts = append(gateOpts, policy.WithTenantRateLimit(cfg.TenantRPS, cfg.TenantBurst))
	}
	if a.gate, err = policy.NewGate(cfg.Tenants, gateOpts...); err != nil {
		return err
	}

	defs, err := a.definitions()
	if err != nil {
		return err
	}
	if a.registry, err = statemachine.NewRegistry(a.db, defs...); err != nil {
		return err
	}

	a.gatekeeper, err = gatekeeper.New(ctx, a.db, []byte(cfg.MasterSecret),
		gatekeeper.WithCoolingOff(cfg.CoolingOff),
		gatekeeper.WithTokenTTL(cfg.TokenTTL),
		gatekeeper.WithBias(cfg.BiasWindow, cfg.BiasThreshold),
		gatekeeper.WithLockdownSink(a.ledger),
	)
	if err != nil {
		return err
	}

	milestones, err := config.LoadMilestones(cfg.MilestonesPath)
	if err != nil {
		return err
	}
	if a.constitution, err = statemachine.NewConstitution(ctx, a.gatekeeper, a.db, milestones); err != nil {
		return err
	}

	blobs, err := artifacts.Open(ctx, cfg.Artifacts())
	if err != nil {
		return fmt.Errorf("open checkpoint blobs: %w", err)
	}
	a.recovery = recovery.New(a.db,
		recovery.WithPolicy(cfg.Backoff()),
		recovery.WithCapacity(cfg.OpLogCapacity),
		recovery.WithCheckpoints(recovery.NewBlobCheckpointStore(blobs, a.db)),
	)

	a.publisher = outbox.NewPublisher(a.db, outbox.LogTransport{})

	a.runtime, err = runtime.New(runtime.Deps{
		Idempotency: a.idempotencyStore(),
		Policy:      a.gate,
		Registry:    a.registry,
		Ledger:      a.ledger,
		Publisher:   a.publisher,
		Transitions: a.db,
		Recovery:    a.recovery,
	},
		runtime.WithDefaultExecutor(runtime.ExecutorFunc(acceptTransition)),
		runtime.WithAuditDenials(cfg.AuditDenials),
		runtime.WithExecutionTimeout(cfg.ExecTimeout),
		runtime.WithObservability(a.obs),
	)
	return err
}

func (a *app) definitions() ([]statemachine.Definition, error) {
	if a.cfg.DefinitionsPath != "" {
		return config.LoadDefinitions(a.cfg.DefinitionsPath)
	}
	data, err := builtinDefinitions.ReadFile("definitions/order.yaml")
	if err != nil {
		return nil, err
	}
	return statemachine.ParseDefinitions(data)
}

func (a *app) idempotencyStore() idempotency.Store[contracts.Output] {
	if a.cfg.RedisAddr == "" {
		return idempotency.NewMemory[contracts.Output]()
	}
	a.redis = redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
	return idempotency.NewRedis[contracts.Output](a.redis, idempotency.RedisOptions{
		Prefix:    a.cfg.IdempotencyPrefix,
		LockTTL:   a.cfg.IdempotencyLockTTL(),
		Retention: a.cfg.IdempotencyTTL,
	})
}

// Close releases every resource that was opened.
func (a *app) Close(ctx context.Context) {
	var errs []error
	if a.obs != nil {
		errs = append(errs, a.obs.Shutdown(ctx))
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		slog.Default().Warn("shutdown", "error", err)
	}
}

// acceptTransition is the executor used when no domain logic is linked in:
// it accepts the validated transition and echoes the payload. Commands that
// name no entity create one.
func acceptTransition(_ context.Context, cmd contracts.Command, t contracts.StateTransition) (runtime.Result, error) {
	id := cmd.EntityID()
	if id == "" {
		id = uuid.NewString()
	}
	return runtime.Result{
		EntityID: id,
		Data: map[string]any{
			"entity_id": id,
			"state":     t.ToState,
		},
	}, nil
}
