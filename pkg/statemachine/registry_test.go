package statemachine

import (
	"context"
	"os"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
)

type memHistory struct {
	mu      sync.Mutex
	changes map[string][]contracts.StateChange
}

func newMemHistory() *memHistory {
	return &memHistory{changes: make(map[string][]contracts.StateChange)}
}

func (h *memHistory) ListChanges(_ context.Context, tenantID, domain, entityID string) ([]contracts.StateChange, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]contracts.StateChange(nil), h.changes[tenantID+"/"+domain+"/"+entityID]...), nil
}

func (h *memHistory) put(tenantID, domain, entityID, to string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := tenantID + "/" + domain + "/" + entityID
	h.changes[k] = append(h.changes[k], contracts.StateChange{TenantID: tenantID, Domain: domain, EntityID: entityID, ToState: to})
}

func loadOrder(t *testing.T) Definition {
	t.Helper()
	data, err := os.ReadFile("testdata/order.yaml")
	require.NoError(t, err)
	defs, err := ParseDefinitions(data)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	return defs[0]
}

func TestValidateTransition_ExhaustiveOrderTable(t *testing.T) {
	def := loadOrder(t)
	hist := newMemHistory()
	reg, err := NewRegistry(hist, def)
	require.NoError(t, err)
	ctx := context.Background()

	states := make([]string, 0, len(def.States))
	for s := range def.States {
		states = append(states, s)
	}
	sort.Strings(states)

	for _, state := range states {
		entity := "e-" + state
		if state != def.InitialState {
			hist.put("t1", "order", entity, state)
		}
		for op, od := range def.Operations {
			want := false
			for _, next := range def.States[state] {
				if next == od.Target {
					want = true
				}
			}
			payload := map[string]any{"entity_id": entity, "amount": 10}
			tr, err := reg.ValidateTransition(ctx, "order", op, payload, "t1")
			assert.Equal(t, want, tr.Allowed, "%s --%s--> %s", state, op, od.Target)
			if want {
				assert.NoError(t, err)
				assert.Equal(t, state, tr.FromState)
				assert.Equal(t, od.Target, tr.ToState)
			} else {
				assert.ErrorIs(t, err, contracts.ErrStateViolation, "%s --%s-->", state, op)
			}
		}
	}
}

func TestValidateTransition_PayFromCreatedIsViolation(t *testing.T) {
	reg, err := NewRegistry(newMemHistory(), loadOrder(t))
	require.NoError(t, err)

	tr, err := reg.ValidateTransition(context.Background(), "order", "pay", map[string]any{"entity_id": "o-1"}, "t1")
	require.ErrorIs(t, err, contracts.ErrStateViolation)
	assert.False(t, tr.Allowed)
	assert.Equal(t, "CREATED", tr.FromState)
	assert.Equal(t, "PAID", tr.ToState)
}

func TestValidateTransition_FollowsHistory(t *testing.T) {
	hist := newMemHistory()
	reg, err := NewRegistry(hist, loadOrder(t))
	require.NoError(t, err)
	ctx := context.Background()

	hist.put("t1", "order", "o-1", "PAYMENT_PENDING")
	tr, err := reg.ValidateTransition(ctx, "order", "pay", map[string]any{"entity_id": "o-1"}, "t1")
	require.NoError(t, err)
	assert.Equal(t, "PAYMENT_PENDING", tr.FromState)
	assert.Equal(t, "1.0.0", tr.DefinitionVersion)

	// History is tenant scoped.
	_, err = reg.ValidateTransition(ctx, "order", "pay", map[string]any{"entity_id": "o-1"}, "t2")
	assert.ErrorIs(t, err, contracts.ErrStateViolation)
}

func TestValidateTransition_UnknownDomainAndOperation(t *testing.T) {
	reg, err := NewRegistry(newMemHistory(), loadOrder(t))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = reg.ValidateTransition(ctx, "invoice", "pay", nil, "t1")
	assert.ErrorIs(t, err, contracts.ErrStateViolation)
	_, err = reg.ValidateTransition(ctx, "order", "refund", nil, "t1")
	assert.ErrorIs(t, err, contracts.ErrStateViolation)
}

func TestValidateTransition_PayloadSchema(t *testing.T) {
	reg, err := NewRegistry(newMemHistory(), loadOrder(t))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = reg.ValidateTransition(ctx, "order", "request_payment", map[string]any{"amount": -1}, "t1")
	assert.ErrorIs(t, err, contracts.ErrValidation)

	_, err = reg.ValidateTransition(ctx, "order", "request_payment", map[string]any{"amount": 12.5}, "t1")
	assert.NoError(t, err)
}

func TestCompile_RejectsBadDefinitions(t *testing.T) {
	base := func() Definition {
		return Definition{
			Domain:       "d",
			Version:      "1.0.0",
			InitialState: "A",
			States:       map[string][]string{"A": {"B"}, "B": {}},
			Operations:   map[string]OperationDef{"go": {Target: "B"}},
		}
	}
	tests := []struct {
		name   string
		mutate func(*Definition)
		want   string
	}{
		{"bad version", func(d *Definition) { d.Version = "one" }, "not semver"},
		{"undeclared initial", func(d *Definition) { d.InitialState = "Z" }, "initial state"},
		{"undeclared successor", func(d *Definition) { d.States["A"] = []string{"Q"} }, "undeclared state \"Q\""},
		{"undeclared target", func(d *Definition) { d.Operations["go"] = OperationDef{Target: "Q"} }, "targets undeclared"},
		{"unreachable target", func(d *Definition) { d.Operations["back"] = OperationDef{Target: "A"} }, "no state allows"},
		{"bad schema", func(d *Definition) { d.Operations["go"] = OperationDef{Target: "B", Schema: "{"} }, "schema"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := base()
			tt.mutate(&d)
			_, err := compile(d)
			require.ErrorIs(t, err, contracts.ErrDefinitionInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := compile(base())
	assert.NoError(t, err)
}

func TestRegister_KeepsHighestVersion(t *testing.T) {
	def := loadOrder(t)
	reg, err := NewRegistry(newMemHistory(), def)
	require.NoError(t, err)

	older := def
	older.Version = "0.9.0"
	assert.ErrorIs(t, reg.Register(older), contracts.ErrDefinitionInvalid)

	newer := def
	newer.Version = "1.1.0"
	require.NoError(t, reg.Register(newer))
	got, ok := reg.Definition("order")
	require.True(t, ok)
	assert.Equal(t, "1.1.0", got.Version)
	assert.Equal(t, []string{"order"}, reg.Domains())
}

func TestCurrentState(t *testing.T) {
	hist := newMemHistory()
	reg, err := NewRegistry(hist, loadOrder(t))
	require.NoError(t, err)
	ctx := context.Background()

	s, err := reg.CurrentState(ctx, "t1", "order", "")
	require.NoError(t, err)
	assert.Equal(t, "CREATED", s)

	hist.put("t1", "order", "o-9", "PAYMENT_PENDING")
	hist.put("t1", "order", "o-9", "PAID")
	s, err = reg.CurrentState(ctx, "t1", "order", "o-9")
	require.NoError(t, err)
	assert.Equal(t, "PAID", s)
}
