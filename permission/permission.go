// Package permission implements the permission grant store and the
// profile-based permission guard described in spec.md §3 ("Permission
// grant") and §4.6 ("Permission guard").
package permission

import (
	"strings"
	"sync"
	"time"

	"github.com/llmos-bridge/llmos-bridge/errs"
	"github.com/llmos-bridge/llmos-bridge/module"
)

// Scope determines a grant's lifetime.
type Scope string

const (
	ScopeSession   Scope = "session"
	ScopePermanent Scope = "permanent"
)

// Grant is a single permission record, keyed by (permission, module_id) per
// spec.md §6's `permissions` table primary key.
type Grant struct {
	Permission string
	ModuleID   string
	Scope      Scope
	GrantedBy  string
	Reason     string
	CreatedAt  time.Time
}

func grantKey(permission, moduleID string) string {
	return permission + "\x00" + moduleID
}

// Store holds process-wide permission grants. Session grants are lost on
// restart by construction (an in-memory Store exhausts them); a persistent
// implementation (see package planstate) additionally durably stores
// permanent grants across restarts.
type Store interface {
	Grant(g Grant) error
	Revoke(permission, moduleID string) error
	Lookup(permission, moduleID string) (Grant, bool)
	List() []Grant
}

// MemoryStore is a Store entirely held in memory; session-scoped by nature,
// suitable for tests and for daemons run without persistent permission
// storage. The planstate package provides a SQLite-backed Store for
// permanent grants that must survive a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[string]Grant
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: map[string]Grant{}}
}

func (s *MemoryStore) Grant(g Grant) error {
	if g.Permission == "" || g.ModuleID == "" {
		return errs.New(errs.CodeValidation, "grant requires permission and module_id")
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[grantKey(g.Permission, g.ModuleID)] = g
	return nil
}

func (s *MemoryStore) Revoke(permission, moduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, grantKey(permission, moduleID))
	return nil
}

func (s *MemoryStore) Lookup(permission, moduleID string) (Grant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[grantKey(permission, moduleID)]
	return g, ok
}

func (s *MemoryStore) List() []Grant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Grant, 0, len(s.grants))
	for _, g := range s.grants {
		out = append(out, g)
	}
	return out
}

// Profile is the active permission profile enforced by Guard. Profiles form
// an escalating permissiveness ladder: readonly < local_worker < power_user
// < unrestricted.
type Profile string

const (
	ProfileReadonly    Profile = "readonly"
	ProfileLocalWorker Profile = "local_worker"
	ProfilePowerUser   Profile = "power_user"
	ProfileUnrestricted Profile = "unrestricted"
)

// Decision is the three-way outcome of a guard check, per spec.md §4.6.
type Decision string

const (
	Allowed          Decision = "allowed"
	RequiresApproval Decision = "requires_approval"
	Denied           Decision = "denied"
)

var riskRank = map[module.RiskLevel]int{
	module.RiskLow:      0,
	module.RiskMedium:   1,
	module.RiskHigh:     2,
	module.RiskCritical: 3,
}

// ladder names, for each profile, the highest risk rank auto-allowed and the
// highest risk rank that merely requires approval (beyond that, denied).
type ladder struct {
	autoAllowMax int
	approvalMax  int
}

var profileLadders = map[Profile]ladder{
	ProfileReadonly:     {autoAllowMax: riskRank[module.RiskLow], approvalMax: riskRank[module.RiskLow]},
	ProfileLocalWorker:  {autoAllowMax: riskRank[module.RiskLow], approvalMax: riskRank[module.RiskHigh]},
	ProfilePowerUser:    {autoAllowMax: riskRank[module.RiskHigh], approvalMax: riskRank[module.RiskCritical]},
	ProfileUnrestricted: {autoAllowMax: riskRank[module.RiskCritical], approvalMax: riskRank[module.RiskCritical]},
}

// Guard enforces the active permission profile, the require_approval_for
// list, and sandbox path restrictions, per spec.md §4.6.
type Guard struct {
	Profile           Profile
	RequireApprovalFor map[string]struct{}
	SandboxPaths      []string
	Store             Store
}

// NewGuard constructs a Guard. requireApprovalFor entries are "module.action"
// strings, per spec.md §6's Security config group.
func NewGuard(profile Profile, requireApprovalFor []string, sandboxPaths []string, store Store) *Guard {
	set := make(map[string]struct{}, len(requireApprovalFor))
	for _, s := range requireApprovalFor {
		set[s] = struct{}{}
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Guard{Profile: profile, RequireApprovalFor: set, SandboxPaths: sandboxPaths, Store: store}
}

// Check implements the guard contract: check(module_id, action_name, params)
// → Allowed | RequiresApproval | Denied (spec.md §4.6).
func (g *Guard) Check(moduleID string, spec module.ActionSpec, params map[string]any) (Decision, error) {
	if err := g.checkSandbox(params); err != nil {
		return Denied, err
	}

	qualified := moduleID + "." + spec.Name
	if _, explicit := g.RequireApprovalFor[qualified]; explicit {
		return RequiresApproval, nil
	}

	if spec.PermissionRequired != "" {
		if _, granted := g.Store.Lookup(spec.PermissionRequired, moduleID); granted {
			return Allowed, nil
		}
	}

	rank, known := riskRank[spec.RiskLevel]
	if !known {
		rank = riskRank[module.RiskMedium]
	}
	l, ok := profileLadders[g.Profile]
	if !ok {
		return Denied, errs.New(errs.CodePermissionDenied, "unknown permission profile %q", g.Profile)
	}

	switch {
	case spec.Irreversible && g.Profile == ProfileReadonly:
		return Denied, errs.New(errs.CodePermissionDenied, "%s.%s is irreversible; denied under readonly profile", moduleID, spec.Name)
	case rank <= l.autoAllowMax:
		return Allowed, nil
	case rank <= l.approvalMax:
		return RequiresApproval, nil
	default:
		return Denied, errs.New(errs.CodePermissionDenied, "%s.%s risk level %q exceeds profile %q", moduleID, spec.Name, spec.RiskLevel, g.Profile)
	}
}

// checkSandbox enforces spec.md §4.6's sandbox-path restriction: any
// absolute filesystem path in params must start with one of the configured
// sandbox prefixes.
func (g *Guard) checkSandbox(params map[string]any) error {
	if len(g.SandboxPaths) == 0 {
		return nil
	}
	for key, v := range params {
		s, ok := v.(string)
		if !ok || !strings.HasPrefix(s, "/") {
			continue
		}
		allowed := false
		for _, prefix := range g.SandboxPaths {
			if strings.HasPrefix(s, prefix) {
				allowed = true
				break
			}
		}
		if !allowed {
			return errs.New(errs.CodePermissionDenied, "param %q path %q is outside sandbox", key, s)
		}
	}
	return nil
}

// CheckModulePermissions enforces the decorator-level check named in
// spec.md §7's PermissionNotGranted: a module manifest may declare
// module-wide required permissions (its Policy.RequiredPermissions) that
// must be actively granted at call time, independent of the per-action
// profile/risk decision made by Check. This is the fourth stage of the
// layered security pipeline ("decorator-level runtime checks").
func (g *Guard) CheckModulePermissions(moduleID string, policy module.Policy) error {
	for _, perm := range policy.RequiredPermissions {
		if _, granted := g.Store.Lookup(perm, moduleID); !granted {
			return errs.New(errs.CodePermissionNotGranted,
				"module %q requires permission %q; request it via the security module",
				moduleID, perm)
		}
	}
	return nil
}
