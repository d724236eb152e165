package planstate

import (
	"database/sql"
	"sync"
	"time"

	"github.com/llmos-bridge/llmos-bridge/errs"
	"github.com/llmos-bridge/llmos-bridge/permission"
)

// PermissionStore implements permission.Store on top of the plan state
// database. Session-scoped grants are held only in memory (by definition
// they must not survive a restart); permanent grants are durably written
// to the permission_grants table created by ensureSchema.
type PermissionStore struct {
	db *sql.DB

	mu      sync.RWMutex
	session map[string]permission.Grant
}

// NewPermissionStore wraps an already-open Store's database handle as a
// permission.Store.
func NewPermissionStore(s *Store) *PermissionStore {
	return &PermissionStore{db: s.db, session: map[string]permission.Grant{}}
}

func permKey(perm, moduleID string) string { return perm + "\x00" + moduleID }

// Grant records g, persisting it if its scope is permanent.
func (p *PermissionStore) Grant(g permission.Grant) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	if g.Scope != permission.ScopePermanent {
		p.mu.Lock()
		p.session[permKey(g.Permission, g.ModuleID)] = g
		p.mu.Unlock()
		return nil
	}

	_, err := p.db.Exec(
		`INSERT INTO permission_grants (permission, module_id, scope, granted_by, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(permission, module_id) DO UPDATE SET
		   scope = excluded.scope, granted_by = excluded.granted_by,
		   reason = excluded.reason, created_at = excluded.created_at`,
		g.Permission, g.ModuleID, string(g.Scope), g.GrantedBy, g.Reason, g.CreatedAt)
	if err != nil {
		return errs.Wrap(errs.CodeValidation, err, "failed to persist permanent grant %q/%q", g.Permission, g.ModuleID)
	}
	return nil
}

// Revoke removes a grant from whichever tier (session or permanent) holds it.
func (p *PermissionStore) Revoke(perm, moduleID string) error {
	p.mu.Lock()
	delete(p.session, permKey(perm, moduleID))
	p.mu.Unlock()

	if _, err := p.db.Exec(`DELETE FROM permission_grants WHERE permission = ? AND module_id = ?`, perm, moduleID); err != nil {
		return errs.Wrap(errs.CodeValidation, err, "failed to revoke grant %q/%q", perm, moduleID)
	}
	return nil
}

// Lookup checks the session tier first, then the permanent store.
func (p *PermissionStore) Lookup(perm, moduleID string) (permission.Grant, bool) {
	p.mu.RLock()
	if g, ok := p.session[permKey(perm, moduleID)]; ok {
		p.mu.RUnlock()
		return g, true
	}
	p.mu.RUnlock()

	var (
		scope     string
		grantedBy sql.NullString
		reason    sql.NullString
		createdAt time.Time
	)
	row := p.db.QueryRow(
		`SELECT scope, granted_by, reason, created_at FROM permission_grants WHERE permission = ? AND module_id = ?`,
		perm, moduleID)
	if err := row.Scan(&scope, &grantedBy, &reason, &createdAt); err != nil {
		return permission.Grant{}, false
	}
	return permission.Grant{
		Permission: perm,
		ModuleID:   moduleID,
		Scope:      permission.Scope(scope),
		GrantedBy:  grantedBy.String,
		Reason:     reason.String,
		CreatedAt:  createdAt,
	}, true
}

// List returns every grant across both tiers.
func (p *PermissionStore) List() []permission.Grant {
	var out []permission.Grant

	p.mu.RLock()
	for _, g := range p.session {
		out = append(out, g)
	}
	p.mu.RUnlock()

	rows, err := p.db.Query(`SELECT permission, module_id, scope, granted_by, reason, created_at FROM permission_grants`)
	if err != nil {
		return out
	}
	defer rows.Close()
	for rows.Next() {
		var (
			g         permission.Grant
			scope     string
			grantedBy sql.NullString
			reason    sql.NullString
		)
		if err := rows.Scan(&g.Permission, &g.ModuleID, &scope, &grantedBy, &reason, &g.CreatedAt); err != nil {
			continue
		}
		g.Scope = permission.Scope(scope)
		g.GrantedBy = grantedBy.String
		g.Reason = reason.String
		out = append(out, g)
	}
	return out
}

var _ permission.Store = (*PermissionStore)(nil)
