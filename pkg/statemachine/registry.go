package statemachine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
)

// HistoryStore reads the append-only StateChange history of an entity,
// oldest first.
type HistoryStore interface {
	ListChanges(ctx context.Context, tenantID, domain, entityID string) ([]contracts.StateChange, error)
}

// Registry holds one compiled definition per domain.
type Registry struct {
	mu       sync.RWMutex
	machines map[string]*compiled
	history  HistoryStore
	logger   *slog.Logger
}

// NewRegistry validates and registers defs. Any invalid definition aborts
// construction.
func NewRegistry(history HistoryStore, defs ...Definition) (*Registry, error) {
	r := &Registry{
		machines: make(map[string]*compiled),
		history:  history,
		logger:   slog.Default().With("component", "statemachine"),
	}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or upgrades a domain definition. A definition whose version
// is not newer than the registered one is rejected.
func (r *Registry) Register(d Definition) error {
	c, err := compile(d)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.machines[d.Domain]; ok && !c.version.GreaterThan(cur.version) {
		return contracts.NewError(contracts.CodeDefinitionInvalid,
			"definition %q version %s is not newer than registered %s", d.Domain, c.version, cur.version)
	}
	r.machines[d.Domain] = c
	r.logger.Info("definition registered", "domain", d.Domain, "version", c.version.String())
	return nil
}

// Domains returns the registered domains, sorted.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.machines))
	for d := range r.machines {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Definition returns the active definition for domain.
func (r *Registry) Definition(domain string) (Definition, bool) {
	c, ok := r.machine(domain)
	if !ok {
		return Definition{}, false
	}
	return c.def, true
}

func (r *Registry) machine(domain string) (*compiled, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.machines[domain]
	return c, ok
}

// CurrentState resolves the entity's state from its history. An entity with
// no history (or no id yet) sits in the domain's initial state.
func (r *Registry) CurrentState(ctx context.Context, tenantID, domain, entityID string) (string, error) {
	c, ok := r.machine(domain)
	if !ok {
		return "", contracts.NewError(contracts.CodeStateViolation, "unknown domain %q", domain)
	}
	return r.currentState(ctx, c, tenantID, entityID)
}

func (r *Registry) currentState(ctx context.Context, c *compiled, tenantID, entityID string) (string, error) {
	if entityID == "" {
		return c.def.InitialState, nil
	}
	changes, err := r.history.ListChanges(ctx, tenantID, c.def.Domain, entityID)
	if err != nil {
		return "", fmt.Errorf("read history of %s/%s: %w", c.def.Domain, entityID, err)
	}
	if len(changes) == 0 {
		return c.def.InitialState, nil
	}
	return changes[len(changes)-1].ToState, nil
}

// ValidateTransition computes the move requested by operation on the entity
// named in payload. An unknown domain or operation, a payload failing the
// operation schema, or a target outside the allowed set of the current state
// is a StateViolation.
func (r *Registry) ValidateTransition(ctx context.Context, domain, operation string, payload map[string]any, tenantID string) (contracts.StateTransition, error) {
	c, ok := r.machine(domain)
	if !ok {
		return contracts.StateTransition{}, contracts.NewError(contracts.CodeStateViolation, "unknown domain %q", domain)
	}
	op, ok := c.def.Operations[operation]
	if !ok {
		return contracts.StateTransition{}, contracts.NewError(contracts.CodeStateViolation,
			"operation %q is not defined for domain %q", operation, domain)
	}
	if s, ok := c.schemas[operation]; ok {
		if err := s.Validate(toJSONValue(payload)); err != nil {
			return contracts.StateTransition{}, contracts.WrapError(contracts.CodeValidation,
				fmt.Sprintf("payload rejected by %s.%s schema", domain, operation), err)
		}
	}

	entityID := contracts.PayloadEntityID(payload)
	from, err := r.currentState(ctx, c, tenantID, entityID)
	if err != nil {
		return contracts.StateTransition{}, err
	}

	t := contracts.StateTransition{
		Domain:            domain,
		EntityID:          entityID,
		Operation:         operation,
		FromState:         from,
		ToState:           op.Target,
		Allowed:           c.allows(from, op.Target),
		DefinitionVersion: c.version.String(),
	}
	if !t.Allowed {
		return t, contracts.NewError(contracts.CodeStateViolation,
			"%s: %s -> %s is not allowed (operation %q, allowed: %v)",
			domain, from, op.Target, operation, c.def.Allowed(from))
	}
	return t, nil
}
