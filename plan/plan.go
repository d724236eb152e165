// Package plan defines the IML plan data model: the Plan and Action types
// submitted by agents, their lifecycle states, and the parse-time invariants
// that every accepted plan must satisfy. This package owns no I/O; parsing
// lives in package parser, persistence in package planstate.
package plan

import (
	"regexp"
	"time"
)

// ProtocolVersion is the only protocol_version value the core accepts.
const ProtocolVersion = "2.0"

var (
	planIDPattern   = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	actionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	moduleIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)
	actionNamePat   = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)
)

// ValidPlanID reports whether id satisfies the plan_id grammar.
func ValidPlanID(id string) bool { return planIDPattern.MatchString(id) }

// ValidActionID reports whether id satisfies the action id grammar.
func ValidActionID(id string) bool { return actionIDPattern.MatchString(id) }

// ValidModuleID reports whether id satisfies the module id grammar.
func ValidModuleID(id string) bool { return moduleIDPattern.MatchString(id) }

// ValidActionName reports whether name satisfies the action-name grammar.
func ValidActionName(name string) bool { return actionNamePat.MatchString(name) }

// ExecutionMode controls how the scheduler drives the plan's actions.
type ExecutionMode string

const (
	ExecutionSequential ExecutionMode = "sequential"
	ExecutionParallel   ExecutionMode = "parallel"
	ExecutionReactive   ExecutionMode = "reactive"
)

// Mode selects between a plain plan and a compiler-generated one.
type Mode string

const (
	ModeStandard Mode = "standard"
	ModeCompiler Mode = "compiler"
)

// OnError selects the action-level error handling policy.
type OnError string

const (
	OnErrorAbort    OnError = "abort"
	OnErrorContinue OnError = "continue"
	OnErrorRetry    OnError = "retry"
	OnErrorRollback OnError = "rollback"
	OnErrorSkip     OnError = "skip"
)

// PlanStatus is the plan-level lifecycle state.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanRunning   PlanStatus = "running"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	PlanCancelled PlanStatus = "cancelled"
	PlanPaused    PlanStatus = "paused"
)

// ActionStatus is the action-level lifecycle state.
type ActionStatus string

const (
	ActionPending           ActionStatus = "pending"
	ActionWaiting           ActionStatus = "waiting"
	ActionRunning           ActionStatus = "running"
	ActionAwaitingApproval  ActionStatus = "awaiting_approval"
	ActionCompleted         ActionStatus = "completed"
	ActionFailed            ActionStatus = "failed"
	ActionSkipped           ActionStatus = "skipped"
	ActionRolledBack        ActionStatus = "rolled_back"
)

// IsTerminal reports whether s is one from which no further scheduling
// transition happens (other than a rollback demoting completed->rolled_back).
func (s ActionStatus) IsTerminal() bool {
	switch s {
	case ActionCompleted, ActionFailed, ActionSkipped, ActionRolledBack:
		return true
	default:
		return false
	}
}

// TimeoutBehavior controls what happens when an approval wait expires.
type TimeoutBehavior string

const (
	TimeoutReject TimeoutBehavior = "reject"
	TimeoutSkip   TimeoutBehavior = "skip"
)

type (
	// Plan is the top-level submission: an acyclic set of actions with
	// dependencies and policy. See spec.md §3 "Plan".
	Plan struct {
		PlanID             string            `json:"plan_id"`
		ProtocolVersion    string            `json:"protocol_version"`
		Description        string            `json:"description,omitempty"`
		ExecutionMode      ExecutionMode     `json:"execution_mode"`
		PlanMode           Mode              `json:"plan_mode"`
		CompilerTrace      *CompilerTrace    `json:"compiler_trace,omitempty"`
		Metadata           *Metadata         `json:"metadata,omitempty"`
		ModuleRequirements map[string]string `json:"module_requirements,omitempty"`
		Actions            []*Action         `json:"actions"`
	}

	// Metadata captures optional provenance about a plan's origin.
	Metadata struct {
		Creator  string   `json:"creator,omitempty"`
		Model    string   `json:"model,omitempty"`
		Tags     []string `json:"tags,omitempty"`
	}

	// CompilerTrace is the four-phase reasoning trace required when
	// plan_mode=compiler. The core stores and audits it; it does not
	// re-execute or cross-check it against the actions (spec.md §9 Open Q1).
	CompilerTrace struct {
		Phases             []CompilerPhase `json:"phases,omitempty"`
		GenerationApproved bool            `json:"generation_approved"`
		Notes              string          `json:"notes,omitempty"`
	}

	// CompilerPhase is one step of the compiler_trace's reasoning record.
	CompilerPhase struct {
		Name    string `json:"name"`
		Summary string `json:"summary,omitempty"`
	}

	// Action is a single invocation of one module's named operation within a
	// plan. See spec.md §3 "Action".
	Action struct {
		ID               string          `json:"id"`
		Module           string          `json:"module"`
		Action           string          `json:"action"`
		Params           map[string]any  `json:"params,omitempty"`
		DependsOn        []string        `json:"depends_on,omitempty"`
		OnError          OnError         `json:"on_error,omitempty"`
		Timeout          int             `json:"timeout,omitempty"`
		RequiresApproval bool            `json:"requires_approval,omitempty"`
		Retry            *RetryConfig    `json:"retry,omitempty"`
		Rollback         *RollbackConfig `json:"rollback,omitempty"`
		Perception       map[string]any  `json:"perception,omitempty"`
		Memory           *MemoryConfig   `json:"memory,omitempty"`
		Approval         *ApprovalConfig `json:"approval,omitempty"`
		TargetNode       string          `json:"target_node,omitempty"`
	}

	// RetryConfig configures retry attempts for an action. See spec.md §3
	// "Retry config".
	RetryConfig struct {
		MaxAttempts    int      `json:"max_attempts"`
		DelaySeconds   float64  `json:"delay_seconds"`
		BackoffFactor  float64  `json:"backoff_factor"`
		RetryOn        []string `json:"retry_on,omitempty"`
	}

	// RollbackConfig names a compensating action to run on abort/rollback.
	RollbackConfig struct {
		Action string         `json:"action"`
		Params map[string]any `json:"params,omitempty"`
	}

	// MemoryConfig declares the cross-plan memory keys an action reads
	// before template resolution and writes after a successful result.
	MemoryConfig struct {
		ReadKeys []string `json:"read_keys,omitempty"`
		WriteKey string   `json:"write_key,omitempty"`
	}

	// ApprovalConfig is a per-action override of approval gate behaviour.
	ApprovalConfig struct {
		Message                string              `json:"message,omitempty"`
		RiskLevel              RiskLevel           `json:"risk_level,omitempty"`
		TimeoutSeconds         int                 `json:"timeout_seconds,omitempty"`
		TimeoutBehavior        TimeoutBehavior     `json:"timeout_behavior,omitempty"`
		ClarificationOptions   []ClarificationItem `json:"clarification_options,omitempty"`
	}

	// ClarificationItem is one structured option offered to the approver.
	ClarificationItem struct {
		ID    string `json:"id"`
		Label string `json:"label"`
	}

	// PermissionGrant records a persisted permission decision. See spec.md §3
	// "Permission grant".
	PermissionGrant struct {
		Permission string
		ModuleID   string
		Scope      GrantScope
		GrantedBy  string
		Reason     string
		CreatedAt  time.Time
	}
)

// GrantScope controls how long a permission grant survives.
type GrantScope string

const (
	ScopeSession   GrantScope = "session"
	ScopePermanent GrantScope = "permanent"
)

// RiskLevel classifies the sensitivity of an action or verdict.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Verdict is the outcome of a verification or scan pass.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
	VerdictWarn    Verdict = "warn"
	VerdictClarify Verdict = "clarify"

	VerdictAllow Verdict = "allow" // scanner-only verdict, ranks below Warn
)

// verdictRank orders verdicts for max-aggregation across scanners:
// allow < warn < reject (spec.md §4.4 "Aggregation").
var verdictRank = map[Verdict]int{
	VerdictAllow:  0,
	VerdictWarn:   1,
	VerdictReject: 2,
}

// MaxVerdict returns whichever of a, b ranks higher under allow < warn < reject.
func MaxVerdict(a, b Verdict) Verdict {
	if verdictRank[b] > verdictRank[a] {
		return b
	}
	return a
}

// ThreatDetail documents one specific concern raised during verification.
type ThreatDetail struct {
	Category    string  `json:"category"`
	Description string  `json:"description"`
	Severity    float64 `json:"severity"`
}

// VerificationResult is the outcome of an intent-verifier pass over a plan
// or a single action. See spec.md §3 "Verification result".
type VerificationResult struct {
	Verdict         Verdict
	RiskLevel       RiskLevel
	Reasoning       string
	Threats         []ThreatDetail
	Recommendations []string
	Duration        time.Duration
	SourceModel     string
	Cached          bool
}

// ScanResult is the outcome of a single scanner's pass. See spec.md §3
// "Scan result".
type ScanResult struct {
	ScannerID    string
	Verdict      Verdict
	RiskScore    float64
	ThreatTypes  []string
	MatchedRules []string
	Details      string
}
