package permission_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmos-bridge/llmos-bridge/errs"
	"github.com/llmos-bridge/llmos-bridge/module"
	"github.com/llmos-bridge/llmos-bridge/permission"
)

func lowRiskAction() module.ActionSpec {
	return module.ActionSpec{Name: "list_files", RiskLevel: module.RiskLow}
}

func highRiskAction() module.ActionSpec {
	return module.ActionSpec{Name: "delete_file", RiskLevel: module.RiskHigh, Irreversible: true}
}

func criticalAction() module.ActionSpec {
	return module.ActionSpec{Name: "format_disk", RiskLevel: module.RiskCritical, Irreversible: true}
}

func TestGuardReadonlyAllowsLowRisk(t *testing.T) {
	g := permission.NewGuard(permission.ProfileReadonly, nil, nil, nil)
	d, err := g.Check("filesystem", lowRiskAction(), nil)
	require.NoError(t, err)
	assert.Equal(t, permission.Allowed, d)
}

func TestGuardReadonlyDeniesIrreversible(t *testing.T) {
	g := permission.NewGuard(permission.ProfileReadonly, nil, nil, nil)
	d, err := g.Check("filesystem", highRiskAction(), nil)
	assert.Equal(t, permission.Denied, d)
	require.Error(t, err)
	assert.Equal(t, errs.CodePermissionDenied, errs.CodeOf(err))
}

func TestGuardLocalWorkerRequiresApprovalForHighRisk(t *testing.T) {
	g := permission.NewGuard(permission.ProfileLocalWorker, nil, nil, nil)
	d, err := g.Check("filesystem", highRiskAction(), nil)
	require.NoError(t, err)
	assert.Equal(t, permission.RequiresApproval, d)
}

func TestGuardPowerUserRequiresApprovalForCritical(t *testing.T) {
	g := permission.NewGuard(permission.ProfilePowerUser, nil, nil, nil)
	d, err := g.Check("filesystem", criticalAction(), nil)
	assert.Equal(t, permission.RequiresApproval, d)
	require.NoError(t, err)
}

func TestGuardUnrestrictedAllowsCritical(t *testing.T) {
	g := permission.NewGuard(permission.ProfileUnrestricted, nil, nil, nil)
	d, err := g.Check("filesystem", criticalAction(), nil)
	require.NoError(t, err)
	assert.Equal(t, permission.Allowed, d)
}

func TestGuardExplicitRequireApprovalListOverridesAutoAllow(t *testing.T) {
	g := permission.NewGuard(permission.ProfileUnrestricted, []string{"filesystem.list_files"}, nil, nil)
	d, err := g.Check("filesystem", lowRiskAction(), nil)
	require.NoError(t, err)
	assert.Equal(t, permission.RequiresApproval, d)
}

func TestGuardSandboxPathRejectsOutsidePrefix(t *testing.T) {
	g := permission.NewGuard(permission.ProfileUnrestricted, nil, []string{"/home/llmos/"}, nil)
	d, err := g.Check("filesystem", lowRiskAction(), map[string]any{"path": "/etc/passwd"})
	assert.Equal(t, permission.Denied, d)
	require.Error(t, err)
}

func TestGuardSandboxPathAllowsMatchingPrefix(t *testing.T) {
	g := permission.NewGuard(permission.ProfileUnrestricted, nil, []string{"/home/llmos/"}, nil)
	d, err := g.Check("filesystem", lowRiskAction(), map[string]any{"path": "/home/llmos/notes.txt"})
	require.NoError(t, err)
	assert.Equal(t, permission.Allowed, d)
}

func TestGuardGrantedPermissionShortCircuitsToAllowed(t *testing.T) {
	store := permission.NewMemoryStore()
	require.NoError(t, store.Grant(permission.Grant{Permission: "delete", ModuleID: "filesystem", Scope: permission.ScopeSession}))
	g := permission.NewGuard(permission.ProfileReadonly, nil, nil, store)
	spec := highRiskAction()
	spec.PermissionRequired = "delete"
	d, err := g.Check("filesystem", spec, nil)
	require.NoError(t, err)
	assert.Equal(t, permission.Allowed, d)
}

func TestMemoryStoreGrantRevokeLookup(t *testing.T) {
	store := permission.NewMemoryStore()
	require.NoError(t, store.Grant(permission.Grant{Permission: "delete", ModuleID: "filesystem"}))
	_, ok := store.Lookup("delete", "filesystem")
	assert.True(t, ok)

	require.NoError(t, store.Revoke("delete", "filesystem"))
	_, ok = store.Lookup("delete", "filesystem")
	assert.False(t, ok)
}

func TestCheckModulePermissionsReportsMissing(t *testing.T) {
	g := permission.NewGuard(permission.ProfileUnrestricted, nil, nil, nil)
	err := g.CheckModulePermissions("database", module.Policy{RequiredPermissions: []string{"db.write"}})
	require.Error(t, err)
	assert.Equal(t, errs.CodePermissionNotGranted, errs.CodeOf(err))
}

func TestCheckModulePermissionsPassesWhenGranted(t *testing.T) {
	store := permission.NewMemoryStore()
	require.NoError(t, store.Grant(permission.Grant{Permission: "db.write", ModuleID: "database"}))
	g := permission.NewGuard(permission.ProfileUnrestricted, nil, nil, store)
	err := g.CheckModulePermissions("database", module.Policy{RequiredPermissions: []string{"db.write"}})
	assert.NoError(t, err)
}
