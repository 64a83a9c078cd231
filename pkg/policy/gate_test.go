package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
)

func orderReq(tenant string) Request {
	return Request{
		ActorID:  "alice",
		Identity: contracts.Identity{Roles: []string{"clerk"}},
		Action:   "pay",
		Domain:   "order",
		TenantID: tenant,
	}
}

func TestGate_TenantIsolation(t *testing.T) {
	g, err := NewGate([]string{"t1", "t2"})
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, g.Evaluate(ctx, orderReq("t1")).Allowed)

	d := g.Evaluate(ctx, orderReq("t9"))
	assert.False(t, d.Allowed)
	assert.Equal(t, "tenant", d.Rule)

	d = g.Evaluate(ctx, orderReq(""))
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "missing tenant")
}

func TestGate_CrossTenantIdentity(t *testing.T) {
	g, err := NewGate([]string{"t1", "t2"})
	require.NoError(t, err)

	req := orderReq("t2")
	req.Identity.Attributes = map[string]string{TenantAttribute: "t1"}
	d := g.Evaluate(context.Background(), req)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "bound to tenant")
}

func TestGate_SuperActorBypassesTenantOnly(t *testing.T) {
	g, err := NewGate([]string{"t1"},
		WithSuperActor("root"),
		WithAuthorizer(RoleMatrix{"admin": {"*"}}),
	)
	require.NoError(t, err)
	ctx := context.Background()

	req := Request{ActorID: "root", Identity: contracts.Identity{Roles: []string{"admin"}}, Action: "pay", Domain: "order", TenantID: "elsewhere"}
	d := g.Evaluate(ctx, req)
	assert.True(t, d.Allowed)
	assert.Equal(t, "super_actor", d.Rule)

	req.Identity.Roles = nil
	d = g.Evaluate(ctx, req)
	assert.False(t, d.Allowed)
	assert.Equal(t, "authorization", d.Rule)
}

func TestGate_RegisterTenant(t *testing.T) {
	g, err := NewGate(nil)
	require.NoError(t, err)
	assert.False(t, g.Evaluate(context.Background(), orderReq("t3")).Allowed)

	g.RegisterTenant("t3")
	assert.True(t, g.Evaluate(context.Background(), orderReq("t3")).Allowed)
	assert.Equal(t, []string{"t3"}, g.Tenants())
}

func TestRoleMatrix(t *testing.T) {
	m := RoleMatrix{
		"clerk":   {"order:pay"},
		"manager": {"order:*"},
		"admin":   {"*"},
	}
	tests := []struct {
		name  string
		roles []string
		op    string
		want  bool
	}{
		{"exact", []string{"clerk"}, "pay", true},
		{"exact miss", []string{"clerk"}, "ship", false},
		{"domain wildcard", []string{"manager"}, "ship", true},
		{"global", []string{"admin"}, "anything", true},
		{"no roles", nil, "pay", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := Request{ActorID: "a", Identity: contracts.Identity{Roles: tt.roles}, Domain: "order", Action: tt.op}
			ok, _ := m.Authorize(context.Background(), req)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestGate_CELRules(t *testing.T) {
	g, err := NewGate([]string{"t1"},
		WithRules(`request.operation != "cancel" || "manager" in request.roles`),
	)
	require.NoError(t, err)
	ctx := context.Background()

	req := orderReq("t1")
	req.Action = "cancel"
	d := g.Evaluate(ctx, req)
	assert.False(t, d.Allowed)
	assert.Equal(t, "rule[0]", d.Rule)

	req.Identity.Roles = []string{"manager"}
	assert.True(t, g.Evaluate(ctx, req).Allowed)
}

func TestGate_RuleErrorFailsClosed(t *testing.T) {
	g, err := NewGate([]string{"t1"}, WithRules(`request.attributes.region == "eu"`))
	require.NoError(t, err)

	d := g.Evaluate(context.Background(), orderReq("t1"))
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "rule evaluation failed")
}

func TestNewGate_RejectsBadRule(t *testing.T) {
	_, err := NewGate(nil, WithRules(`request.`))
	require.Error(t, err)
}

func TestGate_TenantRateLimit(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g, err := NewGate([]string{"t1", "t2"},
		WithTenantRateLimit(1, 2),
		WithSuperActor("root"),
		WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, g.Admit(ctx, orderReq("t1")).Allowed)
	assert.True(t, g.Admit(ctx, orderReq("t1")).Allowed)
	d := g.Admit(ctx, orderReq("t1"))
	assert.False(t, d.Allowed)
	assert.Equal(t, "rate_limit", d.Rule)

	// Rate limiting is separate from the boundary and authorization checks.
	assert.True(t, g.Evaluate(ctx, orderReq("t1")).Allowed)

	assert.True(t, g.Admit(ctx, orderReq("t2")).Allowed)
	assert.True(t, g.Admit(ctx, Request{ActorID: "root", TenantID: "t1"}).Allowed)
	assert.True(t, g.Admit(ctx, orderReq("unknown")).Allowed)

	now = now.Add(time.Second)
	assert.True(t, g.Admit(ctx, orderReq("t1")).Allowed)
}
