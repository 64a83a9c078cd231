// Package policy enforces tenant isolation and authorization before any mutation.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/celeval"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
)

// TenantAttribute is the identity attribute that pins a caller to one tenant.
const TenantAttribute = "tenant_id"

// Request is the input of a policy evaluation.
type Request struct {
	ActorID  string
	Identity contracts.Identity
	Action   string
	Domain   string
	TenantID string
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allowed bool
	Reason  string
	Rule    string
}

func allow(rule string) Decision { return Decision{Allowed: true, Rule: rule} }

func deny(rule, format string, args ...any) Decision {
	return Decision{Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// Authorizer decides whether a request is permitted. The static permission
// matrix behind it is owned by the caller.
type Authorizer interface {
	Authorize(ctx context.Context, req Request) (bool, string)
}

// Gate evaluates tenant isolation, authorization and CEL rules,
// short-circuiting on the first denial. The per-tenant rate limit is applied
// separately by Admit.
type Gate struct {
	mu         sync.RWMutex
	tenants    map[string]bool
	limiters   map[string]*rate.Limiter
	superActor string
	authorizer Authorizer
	rules      []string
	celEval    *celeval.Evaluator
	limit      rate.Limit
	burst      int
	clock      func() time.Time
	logger     *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithSuperActor designates the actor allowed across tenant boundaries.
func WithSuperActor(actorID string) Option {
	return func(g *Gate) { g.superActor = actorID }
}

// WithAuthorizer plugs in the permission matrix.
func WithAuthorizer(a Authorizer) Option {
	return func(g *Gate) { g.authorizer = a }
}

// WithRules adds CEL expressions over `request` that must all evaluate to true.
func WithRules(exprs ...string) Option {
	return func(g *Gate) { g.rules = append(g.rules, exprs...) }
}

// WithTenantRateLimit limits each tenant to rps requests per second with burst.
func WithTenantRateLimit(rps float64, burst int) Option {
	return func(g *Gate) {
		g.limit = rate.Limit(rps)
		g.burst = burst
	}
}

// WithClock overrides the clock used by the rate limiter.
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) { g.clock = clock }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// NewGate creates a gate that recognizes the given tenants. CEL rules are
// compiled up front so a bad rule fails at startup.
func NewGate(tenants []string, opts ...Option) (*Gate, error) {
	g := &Gate{
		tenants:  make(map[string]bool, len(tenants)),
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Inf,
		clock:    time.Now,
		logger:   slog.Default().With("component", "policy"),
	}
	for _, t := range tenants {
		if t = strings.TrimSpace(t); t != "" {
			g.tenants[t] = true
		}
	}
	for _, opt := range opts {
		opt(g)
	}

	ev, err := celeval.New("request")
	if err != nil {
		return nil, err
	}
	for i, rule := range g.rules {
		if err := ev.Compile(rule); err != nil {
			return nil, fmt.Errorf("policy rule %d: %w", i, err)
		}
	}
	g.celEval = ev
	return g, nil
}

// RegisterTenant makes tenantID known to the gate.
func (g *Gate) RegisterTenant(tenantID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tenants[tenantID] = true
}

// Tenants returns the recognized tenants, sorted.
func (g *Gate) Tenants() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.tenants))
	for t := range g.tenants {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Admit spends one token of the tenant's rate limit. Its denials clear as the
// bucket refills. The super-actor and unrecognized tenants are not limited;
// the latter are refused by Evaluate.
func (g *Gate) Admit(ctx context.Context, req Request) Decision {
	if g.superActor != "" && req.ActorID == g.superActor {
		return allow("super_actor")
	}
	g.mu.RLock()
	known := g.tenants[req.TenantID]
	g.mu.RUnlock()
	if !known || g.limiter(req.TenantID).AllowN(g.clock(), 1) {
		return allow("rate_limit")
	}
	d := deny("rate_limit", "rate limit exceeded for tenant %q", req.TenantID)
	g.logDenial(ctx, req, d)
	return d
}

// Evaluate returns the decision for req. The super-actor bypasses the tenant
// boundary checks only; authorization and rules still apply.
func (g *Gate) Evaluate(ctx context.Context, req Request) Decision {
	d := g.evaluate(ctx, req)
	if !d.Allowed {
		g.logDenial(ctx, req, d)
	}
	return d
}

func (g *Gate) logDenial(ctx context.Context, req Request, d Decision) {
	g.logger.InfoContext(ctx, "policy denied",
		"tenant_id", req.TenantID,
		"actor_id", req.ActorID,
		"domain", req.Domain,
		"action", req.Action,
		"rule", d.Rule,
		"reason", d.Reason,
	)
}

func (g *Gate) evaluate(ctx context.Context, req Request) Decision {
	super := g.superActor != "" && req.ActorID == g.superActor

	if !super {
		if req.TenantID == "" {
			return deny("tenant", "missing tenant id")
		}
		g.mu.RLock()
		known := g.tenants[req.TenantID]
		g.mu.RUnlock()
		if !known {
			return deny("tenant", "unrecognized tenant %q", req.TenantID)
		}
		if pinned, ok := req.Identity.Attributes[TenantAttribute]; ok && pinned != req.TenantID {
			return deny("tenant", "actor %q is bound to tenant %q, not %q", req.ActorID, pinned, req.TenantID)
		}
	}

	if g.authorizer != nil {
		if ok, reason := g.authorizer.Authorize(ctx, req); !ok {
			return deny("authorization", "%s", reason)
		}
	}

	if len(g.rules) > 0 {
		input := map[string]any{"request": map[string]any{
			"actor":      req.ActorID,
			"tenant":     req.TenantID,
			"domain":     req.Domain,
			"operation":  req.Action,
			"roles":      append([]string{}, req.Identity.Roles...),
			"attributes": attributes(req.Identity.Attributes),
		}}
		for i, rule := range g.rules {
			ok, err := g.celEval.Eval(rule, input)
			if err != nil {
				return deny(fmt.Sprintf("rule[%d]", i), "rule evaluation failed: %v", err)
			}
			if !ok {
				return deny(fmt.Sprintf("rule[%d]", i), "rule %q not satisfied", rule)
			}
		}
	}

	if super {
		return allow("super_actor")
	}
	return allow("default")
}

func (g *Gate) limiter(tenantID string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(g.limit, g.burst)
		g.limiters[tenantID] = l
	}
	return l
}

func attributes(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
