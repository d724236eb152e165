package planstate_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmos-bridge/llmos-bridge/permission"
	"github.com/llmos-bridge/llmos-bridge/plan"
	"github.com/llmos-bridge/llmos-bridge/planstate"
)

func openTestStore(t *testing.T) *planstate.Store {
	t.Helper()
	s, err := planstate.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testPlan(id string) *plan.Plan {
	return &plan.Plan{
		PlanID:          id,
		ProtocolVersion: plan.ProtocolVersion,
		ExecutionMode:   plan.ExecutionSequential,
		Actions: []*plan.Action{
			{ID: "a1", Module: "filesystem", Action: "read_file", Params: map[string]any{"path": "/tmp/x"}},
			{ID: "a2", Module: "filesystem", Action: "write_file", DependsOn: []string{"a1"}},
		},
	}
}

func TestCreateInsertsPlanAndPendingActions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, testPlan("p1")))

	ps, err := s.GetPlan(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, plan.PlanPending, ps.Status)
	require.Len(t, ps.Actions, 2)
	for _, a := range ps.Actions {
		assert.Equal(t, plan.ActionPending, a.Status)
	}
}

func TestUpdatePlanStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, testPlan("p1")))
	require.NoError(t, s.UpdatePlanStatus(ctx, "p1", plan.PlanRunning))

	ps, err := s.GetPlan(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, plan.PlanRunning, ps.Status)
}

func TestUpdatePlanStatusUnknownPlanErrors(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdatePlanStatus(context.Background(), "missing", plan.PlanRunning)
	require.Error(t, err)
}

func TestUpdateActionPersistsResultAndError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, testPlan("p1")))

	require.NoError(t, s.UpdateAction(ctx, "p1", "a1", plan.ActionCompleted, map[string]any{"bytes": float64(42)}, "", 1))
	require.NoError(t, s.UpdateAction(ctx, "p1", "a2", plan.ActionFailed, nil, "disk full", 3))

	ps, err := s.GetPlan(ctx, "p1")
	require.NoError(t, err)

	byID := map[string]planstate.ActionState{}
	for _, a := range ps.Actions {
		byID[a.ActionID] = a
	}
	assert.Equal(t, plan.ActionCompleted, byID["a1"].Status)
	assert.Equal(t, float64(42), byID["a1"].Result["bytes"])
	assert.NotNil(t, byID["a1"].EndedAt)

	assert.Equal(t, plan.ActionFailed, byID["a2"].Status)
	assert.Equal(t, "disk full", byID["a2"].Error)
	assert.Equal(t, 3, byID["a2"].Attempts)
}

func TestUpdateActionRunningSetsStartedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, testPlan("p1")))
	require.NoError(t, s.UpdateAction(ctx, "p1", "a1", plan.ActionRunning, nil, "", 0))

	ps, err := s.GetPlan(ctx, "p1")
	require.NoError(t, err)
	for _, a := range ps.Actions {
		if a.ActionID == "a1" {
			assert.NotNil(t, a.StartedAt)
			assert.Nil(t, a.EndedAt)
		}
	}
}

func TestGetPlanUnknownErrors(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetPlan(context.Background(), "missing")
	require.Error(t, err)
}

func TestListPlansFiltersByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, testPlan("p1")))
	require.NoError(t, s.Create(ctx, testPlan("p2")))
	require.NoError(t, s.UpdatePlanStatus(ctx, "p2", plan.PlanRunning))

	running, err := s.ListPlans(ctx, planstate.Filter{Status: plan.PlanRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "p2", running[0].PlanID)

	all, err := s.ListPlans(ctx, planstate.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRecoverNonTerminalPlansMarksFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, testPlan("p1")))
	require.NoError(t, s.UpdatePlanStatus(ctx, "p1", plan.PlanRunning))
	require.NoError(t, s.Create(ctx, testPlan("p2")))
	require.NoError(t, s.UpdatePlanStatus(ctx, "p2", plan.PlanCompleted))

	recovered, err := s.RecoverNonTerminalPlans(ctx)
	require.NoError(t, err)
	assert.Contains(t, recovered, "p1")
	assert.NotContains(t, recovered, "p2")

	ps, err := s.GetPlan(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, plan.PlanFailed, ps.Status)

	ps2, err := s.GetPlan(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, plan.PlanCompleted, ps2.Status)
}

func TestPurgeOlderThanDeletesStalePlans(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, testPlan("p1")))

	n, err := s.PurgeOlderThan(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetPlan(ctx, "p1")
	require.Error(t, err)
}

func TestPurgeOlderThanKeepsRecentPlans(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, testPlan("p1")))

	n, err := s.PurgeOlderThan(ctx, 168)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = s.GetPlan(ctx, "p1")
	require.NoError(t, err)
}

func TestPermissionStoreSessionGrantDoesNotPersistAcrossInstances(t *testing.T) {
	s := openTestStore(t)
	ps := planstate.NewPermissionStore(s)

	require.NoError(t, ps.Grant(permission.Grant{Permission: "fs.write", ModuleID: "filesystem", Scope: permission.ScopeSession}))
	_, ok := ps.Lookup("fs.write", "filesystem")
	assert.True(t, ok)

	ps2 := planstate.NewPermissionStore(s)
	_, ok = ps2.Lookup("fs.write", "filesystem")
	assert.False(t, ok, "session grants must not be visible from a fresh in-memory tier")
}

func TestPermissionStorePermanentGrantPersists(t *testing.T) {
	s := openTestStore(t)
	ps := planstate.NewPermissionStore(s)

	require.NoError(t, ps.Grant(permission.Grant{
		Permission: "net.connect", ModuleID: "network", Scope: permission.ScopePermanent,
		GrantedBy: "user", Reason: "approved once", CreatedAt: time.Now(),
	}))

	ps2 := planstate.NewPermissionStore(s)
	g, ok := ps2.Lookup("net.connect", "network")
	require.True(t, ok)
	assert.Equal(t, permission.ScopePermanent, g.Scope)
	assert.Equal(t, "approved once", g.Reason)
}

func TestPermissionStoreRevoke(t *testing.T) {
	s := openTestStore(t)
	ps := planstate.NewPermissionStore(s)
	require.NoError(t, ps.Grant(permission.Grant{Permission: "p", ModuleID: "m", Scope: permission.ScopePermanent}))
	require.NoError(t, ps.Revoke("p", "m"))
	_, ok := ps.Lookup("p", "m")
	assert.False(t, ok)
}

func TestPermissionStoreListCombinesBothTiers(t *testing.T) {
	s := openTestStore(t)
	ps := planstate.NewPermissionStore(s)
	require.NoError(t, ps.Grant(permission.Grant{Permission: "a", ModuleID: "m1", Scope: permission.ScopeSession}))
	require.NoError(t, ps.Grant(permission.Grant{Permission: "b", ModuleID: "m2", Scope: permission.ScopePermanent}))

	all := ps.List()
	assert.Len(t, all, 2)
}
