// Package planstate implements the plan state store (spec.md §4.8): a
// durable record of plans and their actions backed by an embedded
// relational store. It follows the store shape the pack's
// theRebelliousNerd-codenerd repo uses for its reasoning-trace store
// (internal/store/trace_store.go): a *sql.DB wrapped in a thin struct,
// schema created with CREATE TABLE IF NOT EXISTS, and a mutex serialising
// every read and write, here built on modernc.org/sqlite instead of a cgo
// driver.
package planstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"goa.design/clue/log"

	"github.com/llmos-bridge/llmos-bridge/errs"
	"github.com/llmos-bridge/llmos-bridge/plan"
)

// ActionState is the persisted runtime record for one action within a plan,
// distinct from plan.Action (the declarative submission) in that it tracks
// mutable execution state: status, attempts, result, error.
type ActionState struct {
	PlanID    string
	ActionID  string
	Module    string
	Action    string
	Status    plan.ActionStatus
	Attempts  int
	Result    map[string]any
	Error     string
	StartedAt *time.Time
	EndedAt   *time.Time
}

// PlanState is the full persisted record returned by GetPlan: the plan
// header plus every action's current runtime state.
type PlanState struct {
	PlanID    string
	Status    plan.PlanStatus
	Plan      *plan.Plan
	Actions   []ActionState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Summary is the reduced projection returned by ListPlans.
type Summary struct {
	PlanID    string
	Status    plan.PlanStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Filter narrows ListPlans results. A zero Filter matches everything.
type Filter struct {
	Status plan.PlanStatus
	Limit  int
}

// Store is the plan state store contract of spec.md §4.8.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates (if needed) and opens the sqlite-backed plan state store at
// path, applying schema migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.CodeValidation, err, "failed to open plan state store at %q", path)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer discipline avoids SQLITE_BUSY

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS plans (
		plan_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		plan_json TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS actions (
		plan_id TEXT NOT NULL,
		action_id TEXT NOT NULL,
		module TEXT NOT NULL,
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		result_json TEXT,
		error TEXT,
		started_at DATETIME,
		ended_at DATETIME,
		PRIMARY KEY (plan_id, action_id)
	);

	CREATE TABLE IF NOT EXISTS permission_grants (
		permission TEXT NOT NULL,
		module_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		granted_by TEXT,
		reason TEXT,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (permission, module_id)
	);

	CREATE INDEX IF NOT EXISTS idx_plans_status ON plans(status);
	CREATE INDEX IF NOT EXISTS idx_plans_updated ON plans(updated_at);
	CREATE INDEX IF NOT EXISTS idx_actions_plan ON actions(plan_id);
	CREATE INDEX IF NOT EXISTS idx_actions_status ON actions(status);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errs.Wrap(errs.CodeValidation, err, "failed to apply plan state schema")
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Create inserts a plan record and one action row per action in state
// pending, per spec.md §4.8.
func (s *Store) Create(ctx context.Context, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	planJSON, err := json.Marshal(p)
	if err != nil {
		return errs.Wrap(errs.CodeValidation, err, "failed to serialize plan %q", p.PlanID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.CodeValidation, err, "failed to begin transaction")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO plans (plan_id, status, plan_json, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		p.PlanID, string(plan.PlanPending), string(planJSON), now, now,
	); err != nil {
		return errs.Wrap(errs.CodeValidation, err, "failed to insert plan %q", p.PlanID)
	}

	for _, a := range p.Actions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO actions (plan_id, action_id, module, action, status, attempts) VALUES (?, ?, ?, ?, ?, 0)`,
			p.PlanID, a.ID, a.Module, a.Action, string(plan.ActionPending),
		); err != nil {
			return errs.Wrap(errs.CodeValidation, err, "failed to insert action %q for plan %q", a.ID, p.PlanID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.CodeValidation, err, "failed to commit plan %q", p.PlanID)
	}
	log.Info(ctx, log.KV{K: "plan_id", V: p.PlanID}, log.KV{K: "action_count", V: len(p.Actions)}, log.KV{K: "event", V: "plan_created"})
	return nil
}

// UpdatePlanStatus transitions the plan-level status.
func (s *Store) UpdatePlanStatus(ctx context.Context, planID string, status plan.PlanStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE plans SET status = ?, updated_at = ? WHERE plan_id = ?`,
		string(status), time.Now().UTC(), planID)
	if err != nil {
		return errs.Wrap(errs.CodeValidation, err, "failed to update status for plan %q", planID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.CodeValidation, "plan %q not found", planID)
	}
	return nil
}

// UpdateAction persists a state transition for one action, per spec.md
// §4.8. result and errMsg are optional; pass nil/"" when not applicable.
func (s *Store) UpdateAction(ctx context.Context, planID, actionID string, status plan.ActionStatus, result map[string]any, errMsg string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var resultJSON sql.NullString
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return errs.Wrap(errs.CodeValidation, err, "failed to serialize result for action %q", actionID)
		}
		resultJSON = sql.NullString{String: string(b), Valid: true}
	}

	now := time.Now().UTC()
	var startedAtClause string
	args := []any{string(status), attempts, resultJSON, nullableString(errMsg)}
	if status == plan.ActionRunning {
		startedAtClause = ", started_at = ?"
		args = append(args, now)
	}
	if status.IsTerminal() {
		startedAtClause += ", ended_at = ?"
		args = append(args, now)
	}
	args = append(args, planID, actionID)

	query := fmt.Sprintf(
		`UPDATE actions SET status = ?, attempts = ?, result_json = ?, error = ?%s WHERE plan_id = ? AND action_id = ?`,
		startedAtClause)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errs.Wrap(errs.CodeValidation, err, "failed to update action %q for plan %q", actionID, planID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.CodeValidation, "action %q not found for plan %q", actionID, planID)
	}
	return nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// GetPlan returns the plan header and every action's current state, per
// spec.md §4.8.
func (s *Store) GetPlan(ctx context.Context, planID string) (*PlanState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		statusStr string
		planJSON  string
		createdAt time.Time
		updatedAt time.Time
	)
	row := s.db.QueryRowContext(ctx, `SELECT status, plan_json, created_at, updated_at FROM plans WHERE plan_id = ?`, planID)
	if err := row.Scan(&statusStr, &planJSON, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.CodeValidation, "plan %q not found", planID)
		}
		return nil, errs.Wrap(errs.CodeValidation, err, "failed to load plan %q", planID)
	}

	var p plan.Plan
	if err := json.Unmarshal([]byte(planJSON), &p); err != nil {
		return nil, errs.Wrap(errs.CodeValidation, err, "failed to deserialize plan %q", planID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT action_id, module, action, status, attempts, result_json, error, started_at, ended_at FROM actions WHERE plan_id = ?`, planID)
	if err != nil {
		return nil, errs.Wrap(errs.CodeValidation, err, "failed to load actions for plan %q", planID)
	}
	defer rows.Close()

	var actions []ActionState
	for rows.Next() {
		var (
			as         ActionState
			statusStr  string
			resultJSON sql.NullString
			errMsg     sql.NullString
			startedAt  sql.NullTime
			endedAt    sql.NullTime
		)
		as.PlanID = planID
		if err := rows.Scan(&as.ActionID, &as.Module, &as.Action, &statusStr, &as.Attempts, &resultJSON, &errMsg, &startedAt, &endedAt); err != nil {
			return nil, errs.Wrap(errs.CodeValidation, err, "failed to scan action row for plan %q", planID)
		}
		as.Status = plan.ActionStatus(statusStr)
		as.Error = errMsg.String
		if resultJSON.Valid {
			var result map[string]any
			if err := json.Unmarshal([]byte(resultJSON.String), &result); err == nil {
				as.Result = result
			}
		}
		if startedAt.Valid {
			t := startedAt.Time
			as.StartedAt = &t
		}
		if endedAt.Valid {
			t := endedAt.Time
			as.EndedAt = &t
		}
		actions = append(actions, as)
	}

	return &PlanState{
		PlanID:    planID,
		Status:    plan.PlanStatus(statusStr),
		Plan:      &p,
		Actions:   actions,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

// ListPlans returns plan summaries matching filter, most recently updated first.
func (s *Store) ListPlans(ctx context.Context, filter Filter) ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT plan_id, status, created_at, updated_at FROM plans`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY updated_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.CodeValidation, err, "failed to list plans")
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var statusStr string
		if err := rows.Scan(&sum.PlanID, &statusStr, &sum.CreatedAt, &sum.UpdatedAt); err != nil {
			return nil, errs.Wrap(errs.CodeValidation, err, "failed to scan plan summary row")
		}
		sum.Status = plan.PlanStatus(statusStr)
		out = append(out, sum)
	}
	return out, nil
}

// PurgeOlderThan deletes plans (and their actions) last updated more than
// the given number of hours ago. Default retention is 168h (spec.md §4.8).
func (s *Store) PurgeOlderThan(ctx context.Context, hours int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Wrap(errs.CodeValidation, err, "failed to begin purge transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM actions WHERE plan_id IN (SELECT plan_id FROM plans WHERE updated_at < ?)`, cutoff); err != nil {
		return 0, errs.Wrap(errs.CodeValidation, err, "failed to purge actions")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM plans WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, errs.Wrap(errs.CodeValidation, err, "failed to purge plans")
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap(errs.CodeValidation, err, "failed to commit purge")
	}
	log.Info(ctx, log.KV{K: "purged_plans", V: n}, log.KV{K: "retention_hours", V: hours})
	return n, nil
}

// RecoverNonTerminalPlans implements spec.md §4.8's startup durability
// rule: plans found running/pending from a previous process are marked
// failed with reason "daemon restart". Returns the recovered plan ids.
func (s *Store) RecoverNonTerminalPlans(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT plan_id FROM plans WHERE status IN (?, ?)`,
		string(plan.PlanRunning), string(plan.PlanPending))
	if err != nil {
		return nil, errs.Wrap(errs.CodeValidation, err, "failed to query non-terminal plans")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errs.Wrap(errs.CodeValidation, err, "failed to scan plan id")
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		now := time.Now().UTC()
		if _, err := s.db.ExecContext(ctx,
			`UPDATE plans SET status = ?, updated_at = ? WHERE plan_id = ?`,
			string(plan.PlanFailed), now, id,
		); err != nil {
			return nil, errs.Wrap(errs.CodeValidation, err, "failed to mark plan %q failed on recovery", id)
		}
		log.Info(ctx, log.KV{K: "plan_id", V: id}, log.KV{K: "event", V: "recovered_as_failed"}, log.KV{K: "reason", V: "daemon restart"})
	}
	return ids, nil
}
