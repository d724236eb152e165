// Package scheduler drives a single plan to a terminal state: spec.md §4.9
// ("the hardest part") — topological validation, the layered security gate,
// the ready-set wave loop, and the nine-step per-action runtime. It is
// implemented as a workflow (PlanWorkflow) plus a small set of activities
// against the engine.Engine abstraction, mirroring the teacher's
// plan→scan→verify→store→schedule→dispatch pipeline
// (runtime/agent/runtime/workflow_loop.go, workflow_turn.go) generalised
// from "planner turn + tool calls" to "ready-set wave + actions".
package scheduler

import (
	"time"

	"github.com/llmos-bridge/llmos-bridge/approval"
	"github.com/llmos-bridge/llmos-bridge/errs"
	"github.com/llmos-bridge/llmos-bridge/module"
	"github.com/llmos-bridge/llmos-bridge/plan"
)

// Activity and workflow names registered on the engine.
const (
	WorkflowName = "llmos.plan_workflow"

	ActivityScanAndVerify     = "llmos.scan_and_verify"
	ActivityResolveParams     = "llmos.resolve_params"
	ActivityGuardCheck        = "llmos.guard_check"
	ActivityDispatchAction    = "llmos.dispatch_action"
	ActivityRunRollback       = "llmos.run_rollback"
	ActivityPersistAction     = "llmos.persist_action"
	ActivityPersistPlanStatus = "llmos.persist_plan_status"
	ActivityEmitAudit         = "llmos.emit_audit"
)

// PlanInput is the PlanWorkflow entry point's input: an already-parsed,
// schema-valid plan. Loading and schema validation happen in package
// parser before the orchestrator starts this workflow.
type PlanInput struct {
	Plan *plan.Plan
}

// PlanOutput is PlanWorkflow's return value.
type PlanOutput struct {
	Status     plan.PlanStatus
	Reason     string
	ReasonCode errs.Code
}

// ScanAndVerifyInput carries the plan through the heuristic scanner
// pipeline and the LLM intent verifier (spec.md §4.9 step 3).
type ScanAndVerifyInput struct {
	Plan *plan.Plan
}

// ScanAndVerifyOutput reports the aggregated verdict across both passes.
type ScanAndVerifyOutput struct {
	Verdict   plan.Verdict
	Reasoning string
	RiskScore float64
}

// ResolveParamsInput builds the template.Context for one action's dispatch:
// completed results so far plus the action's declared memory.read_keys.
type ResolveParamsInput struct {
	PlanID  string
	Action  *plan.Action
	Results map[string]map[string]any
}

// ResolveParamsOutput is the action's fully-resolved parameter set.
type ResolveParamsOutput struct {
	Params map[string]any
}

// GuardDecision is GuardCheck's outcome for one action.
type GuardDecision string

const (
	GuardAllowed GuardDecision = "allowed"
	GuardDenied  GuardDecision = "denied"
	GuardSkipped GuardDecision = "skipped"
)

// GuardCheckInput carries everything GuardCheck needs: the permission
// guard lookup, an approval-gate wait if required, and the optional
// per-action intent-verified decorator hook.
type GuardCheckInput struct {
	PlanID                string
	Action                *plan.Action
	Params                map[string]any
	DefaultApprovalTimeout time.Duration
	DefaultOnTimeout      approval.TimeoutBehavior
}

// GuardCheckOutput reports GuardCheck's decision and, for GuardAllowed, the
// (possibly approval-modified) params to dispatch with.
type GuardCheckOutput struct {
	Decision GuardDecision
	Params   map[string]any
	Reason   string
}

// DispatchActionInput carries a fully-resolved, guard-cleared action
// invocation plus its retry policy.
type DispatchActionInput struct {
	PlanID       string
	ActionID     string
	ModuleID     string
	ActionName   string
	Params       map[string]any
	TimeoutSecs  int
	Retryable    bool // true iff the action's on_error == retry
	Retry        *plan.RetryConfig
	MemoryWriteKey string
}

// DispatchActionOutput is DispatchAction's final outcome after exhausting
// whatever retry budget applied.
type DispatchActionOutput struct {
	Success      bool
	Result       module.Result
	ErrorMessage string
	ErrorClass   string
	Attempts     int
}

// RunRollbackInput names the compensating action to run: an existing
// action id in the same plan, with params overridden per the failing
// action's rollback config (spec.md §3 "Rollback config").
type RunRollbackInput struct {
	PlanID         string
	TargetActionID string
	ModuleID       string
	ActionName     string
	Params         map[string]any
}

// RunRollbackOutput reports whether the compensating call succeeded.
type RunRollbackOutput struct {
	Success      bool
	ErrorMessage string
}

// PersistActionInput records one action's state transition in planstate.
type PersistActionInput struct {
	PlanID       string
	ActionID     string
	Status       plan.ActionStatus
	Result       map[string]any
	ErrorMessage string
	Attempts     int
}

// PersistPlanStatusInput records the plan-level state transition.
type PersistPlanStatusInput struct {
	PlanID string
	Status plan.PlanStatus
}

// EmitAuditInput is a generic audit record, forwarded verbatim to
// audit.Logger.Emit.
type EmitAuditInput struct {
	Topic   string
	Type    string
	Payload map[string]any
}
