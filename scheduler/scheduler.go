package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/llmos-bridge/llmos-bridge/approval"
	"github.com/llmos-bridge/llmos-bridge/audit"
	"github.com/llmos-bridge/llmos-bridge/engine"
	"github.com/llmos-bridge/llmos-bridge/memorystore"
	"github.com/llmos-bridge/llmos-bridge/module"
	"github.com/llmos-bridge/llmos-bridge/permission"
	"github.com/llmos-bridge/llmos-bridge/plan"
	"github.com/llmos-bridge/llmos-bridge/planstate"
	"github.com/llmos-bridge/llmos-bridge/scanner"
	"github.com/llmos-bridge/llmos-bridge/verifier"
)

// Deps collects every collaborator the scheduler's workflow and activities
// dispatch into. All fields are required except DefaultApprovalTimeout and
// DefaultApprovalOnTimeout, which fall back to sensible spec.md §6 defaults.
type Deps struct {
	Modules   *module.Registry
	Guard     *permission.Guard
	Approvals *approval.Gate
	Memory    *memorystore.Store
	Plans     *planstate.Store
	Audit     *audit.Logger
	Scanners  *scanner.Pipeline
	Verifier  *verifier.Verifier
	Engine    engine.Engine

	// DefaultApprovalTimeout is used for actions that don't declare their
	// own approval.timeout_seconds (spec.md §6 Security.approval_timeout).
	DefaultApprovalTimeout time.Duration
	// DefaultApprovalOnTimeout is used for actions that don't declare their
	// own approval.timeout_behavior.
	DefaultApprovalOnTimeout approval.TimeoutBehavior

	// AllowedEnvVars names the process environment variables exposed to
	// template resolution's env namespace (spec.md §4.3 "the filtered set
	// of env vars the profile allows").
	AllowedEnvVars []string
}

// Scheduler owns PlanWorkflow and its activities. One Scheduler serves
// every plan the daemon runs; per-plan state lives entirely inside each
// workflow execution.
type Scheduler struct {
	deps Deps
}

// New constructs a Scheduler over deps, filling in zero-valued defaults.
func New(deps Deps) *Scheduler {
	if deps.DefaultApprovalTimeout <= 0 {
		deps.DefaultApprovalTimeout = 5 * time.Minute
	}
	if deps.DefaultApprovalOnTimeout == "" {
		deps.DefaultApprovalOnTimeout = approval.TimeoutReject
	}
	return &Scheduler{deps: deps}
}

// Register installs PlanWorkflow and its activities on eng.
func (s *Scheduler) Register(ctx context.Context) error {
	if err := s.deps.Engine.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:    WorkflowName,
		Handler: s.PlanWorkflow,
	}); err != nil {
		return err
	}

	activities := []struct {
		name    string
		handler engine.ActivityFunc
	}{
		{ActivityScanAndVerify, s.activityScanAndVerify},
		{ActivityResolveParams, s.activityResolveParams},
		{ActivityGuardCheck, s.activityGuardCheck},
		{ActivityDispatchAction, s.activityDispatchAction},
		{ActivityRunRollback, s.activityRunRollback},
		{ActivityPersistAction, s.activityPersistAction},
		{ActivityPersistPlanStatus, s.activityPersistPlanStatus},
		{ActivityEmitAudit, s.activityEmitAudit},
	}
	for _, a := range activities {
		if err := s.deps.Engine.RegisterActivity(ctx, engine.ActivityDefinition{Name: a.name, Handler: a.handler}); err != nil {
			return fmt.Errorf("scheduler: register activity %q: %w", a.name, err)
		}
	}
	return nil
}

// once is the activity RetryPolicy used for every call PlanWorkflow makes:
// the scheduler implements its own retry semantics (spec.md §4.9 step 6),
// so the engine must never retry an activity behind the workflow's back.
var once = engine.RetryPolicy{MaxAttempts: 1}

// transitiveDependentsOrdered wraps plan.TransitiveDependents, whose result
// is an unordered set, into the declaration-order slice the workflow needs
// for its cascade-skip loop (spec.md §4.9 "declaration order, stable").
func transitiveDependentsOrdered(p *plan.Plan, id string) []string {
	set := plan.TransitiveDependents(p, id)
	out := make([]string, 0, len(set))
	for _, a := range p.Actions {
		if _, ok := set[a.ID]; ok {
			out = append(out, a.ID)
		}
	}
	return out
}

// readySet returns the pending actions whose dependencies are all
// completed, preserving declaration order for the tie-break rule of
// spec.md §4.9 ("declaration order, stable").
func readySet(actions []*plan.Action, status map[string]plan.ActionStatus) []*plan.Action {
	var ready []*plan.Action
	for _, a := range actions {
		if status[a.ID] != plan.ActionPending {
			continue
		}
		blocked := false
		for _, dep := range a.DependsOn {
			if status[dep] != plan.ActionCompleted {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, a)
		}
	}
	return ready
}

func anyNonTerminal(actions []*plan.Action, status map[string]plan.ActionStatus) bool {
	for _, a := range actions {
		if !status[a.ID].IsTerminal() {
			return true
		}
	}
	return false
}

// terminalPlanStatus implements spec.md §4.9 "Terminal classification".
func terminalPlanStatus(actions []*plan.Action, status map[string]plan.ActionStatus) plan.PlanStatus {
	for _, a := range actions {
		if status[a.ID] == plan.ActionFailed {
			return plan.PlanFailed
		}
	}
	return plan.PlanCompleted
}
