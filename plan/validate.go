package plan

import (
	"fmt"

	"github.com/llmos-bridge/llmos-bridge/errs"
)

const (
	maxActions             = 50
	minActions             = 1
	maxDescriptionLen      = 500
	defaultTimeoutSeconds  = 120
	minTimeoutSeconds      = 1
	maxTimeoutSeconds      = 3600
	defaultRetryAttempts   = 3
	defaultRetryDelay      = 1.0
	defaultRetryBackoff    = 2.0
)

// Validate enforces every structural invariant from spec.md §3 "Invariants"
// and fills in documented defaults (timeout, synthesised retry config,
// on_error). It does not check per-module param schemas or dependency
// acyclicity; the former requires the module registry (see package parser),
// the latter is proven at schedule time (spec.md §3 invariant 7).
func Validate(p *Plan) error {
	if p.ProtocolVersion == "" {
		p.ProtocolVersion = ProtocolVersion
	}
	if p.ProtocolVersion != ProtocolVersion {
		return errs.NewAt(errs.CodeValidation, "protocol_version",
			"unsupported protocol_version %q, expected %q", p.ProtocolVersion, ProtocolVersion)
	}
	if len(p.Description) > maxDescriptionLen {
		return errs.NewAt(errs.CodeValidation, "description",
			"description exceeds %d characters", maxDescriptionLen)
	}
	switch p.ExecutionMode {
	case "":
		p.ExecutionMode = ExecutionSequential
	case ExecutionSequential, ExecutionParallel, ExecutionReactive:
	default:
		return errs.NewAt(errs.CodeValidation, "execution_mode", "invalid execution_mode %q", p.ExecutionMode)
	}
	switch p.PlanMode {
	case "":
		p.PlanMode = ModeStandard
	case ModeStandard:
	case ModeCompiler:
		// Invariant 6: compiler_trace must be present with generation_approved=true.
		if p.CompilerTrace == nil || !p.CompilerTrace.GenerationApproved {
			return errs.NewAt(errs.CodeValidation, "compiler_trace",
				"plan_mode=compiler requires a compiler_trace with generation_approved=true")
		}
	default:
		return errs.NewAt(errs.CodeValidation, "plan_mode", "invalid plan_mode %q", p.PlanMode)
	}
	if len(p.Actions) < minActions || len(p.Actions) > maxActions {
		return errs.NewAt(errs.CodeValidation, "actions",
			"plan must declare between %d and %d actions, got %d", minActions, maxActions, len(p.Actions))
	}

	ids := make(map[string]struct{}, len(p.Actions))
	for i, a := range p.Actions {
		loc := fmt.Sprintf("actions[%d]", i)
		if !ValidActionID(a.ID) {
			return errs.NewAt(errs.CodeValidation, loc+".id", "invalid action id %q", a.ID)
		}
		// Invariant 1: action ids are unique within the plan.
		if _, dup := ids[a.ID]; dup {
			return errs.NewAt(errs.CodeValidation, loc+".id", "duplicate action id %q", a.ID)
		}
		ids[a.ID] = struct{}{}

		if !ValidModuleID(a.Module) {
			return errs.NewAt(errs.CodeValidation, loc+".module", "invalid module id %q", a.Module)
		}
		if !ValidActionName(a.Action) {
			return errs.NewAt(errs.CodeValidation, loc+".action", "invalid action name %q", a.Action)
		}

		if a.OnError == "" {
			a.OnError = OnErrorAbort
		}
		switch a.OnError {
		case OnErrorAbort, OnErrorContinue, OnErrorRetry, OnErrorRollback, OnErrorSkip:
		default:
			return errs.NewAt(errs.CodeValidation, loc+".on_error", "invalid on_error %q", a.OnError)
		}

		if a.Timeout == 0 {
			a.Timeout = defaultTimeoutSeconds
		}
		if a.Timeout < minTimeoutSeconds || a.Timeout > maxTimeoutSeconds {
			return errs.NewAt(errs.CodeValidation, loc+".timeout",
				"timeout must be between %d and %d seconds, got %d", minTimeoutSeconds, maxTimeoutSeconds, a.Timeout)
		}

		// Invariant 3: no self-reference.
		for _, dep := range a.DependsOn {
			if dep == a.ID {
				return errs.NewAt(errs.CodeValidation, loc+".depends_on", "action %q depends on itself", a.ID)
			}
		}

		// Invariant 4: retry on_error requires a retry config; synthesise the default.
		if a.OnError == OnErrorRetry && a.Retry == nil {
			a.Retry = &RetryConfig{
				MaxAttempts:   defaultRetryAttempts,
				DelaySeconds:  defaultRetryDelay,
				BackoffFactor: defaultRetryBackoff,
			}
		}
		if a.Retry != nil {
			if err := validateRetry(loc+".retry", a.Retry); err != nil {
				return err
			}
		}
	}

	// Invariant 2: every depends_on entry references an existing action id.
	for i, a := range p.Actions {
		loc := fmt.Sprintf("actions[%d].depends_on", i)
		for j, dep := range a.DependsOn {
			if _, ok := ids[dep]; !ok {
				return errs.NewAt(errs.CodeValidation, fmt.Sprintf("%s[%d]", loc, j),
					"action %q depends on unknown action id %q", a.ID, dep)
			}
		}
	}

	// Invariant 5: every rollback.action references an existing action id.
	for i, a := range p.Actions {
		if a.Rollback == nil {
			continue
		}
		loc := fmt.Sprintf("actions[%d].rollback.action", i)
		if _, ok := ids[a.Rollback.Action]; !ok {
			return errs.NewAt(errs.CodeValidation, loc,
				"rollback references unknown action id %q", a.Rollback.Action)
		}
	}

	if p.Metadata == nil {
		p.Metadata = &Metadata{}
	}

	return nil
}

func validateRetry(loc string, r *RetryConfig) error {
	if r.MaxAttempts < 1 || r.MaxAttempts > 10 {
		return errs.NewAt(errs.CodeValidation, loc+".max_attempts",
			"max_attempts must be between 1 and 10, got %d", r.MaxAttempts)
	}
	if r.DelaySeconds < 0.1 || r.DelaySeconds > 300 {
		return errs.NewAt(errs.CodeValidation, loc+".delay_seconds",
			"delay_seconds must be between 0.1 and 300, got %v", r.DelaySeconds)
	}
	if r.BackoffFactor == 0 {
		r.BackoffFactor = 1.0
	}
	if r.BackoffFactor < 1.0 || r.BackoffFactor > 10.0 {
		return errs.NewAt(errs.CodeValidation, loc+".backoff_factor",
			"backoff_factor must be between 1.0 and 10.0, got %v", r.BackoffFactor)
	}
	return nil
}

// DependencyGraph returns, for every action id, the list of action ids it
// depends on. Used by the scheduler to prove acyclicity (invariant 7) and to
// compute ready sets.
func DependencyGraph(p *Plan) map[string][]string {
	g := make(map[string][]string, len(p.Actions))
	for _, a := range p.Actions {
		g[a.ID] = a.DependsOn
	}
	return g
}

// DetectCycle reports whether the plan's dependency graph contains a cycle,
// returning the first cycle found as a slice of action ids.
func DetectCycle(p *Plan) (cycle []string, ok bool) {
	g := DependencyGraph(p)
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g))
	var path []string
	var visit func(id string) ([]string, bool)
	visit = func(id string) ([]string, bool) {
		color[id] = gray
		path = append(path, id)
		for _, dep := range g[id] {
			switch color[dep] {
			case gray:
				// Found the back-edge; slice path from dep's first occurrence.
				for i, p := range path {
					if p == dep {
						return append(append([]string{}, path[i:]...), dep), true
					}
				}
				return []string{dep, id, dep}, true
			case white:
				if c, found := visit(dep); found {
					return c, true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil, false
	}
	for _, a := range p.Actions {
		if color[a.ID] == white {
			if c, found := visit(a.ID); found {
				return c, true
			}
		}
	}
	return nil, false
}

// TransitiveDependents returns the set of action ids that transitively
// depend on root, used to compute cascade-skip sets (spec.md §4.9 step 8).
func TransitiveDependents(p *Plan, root string) map[string]struct{} {
	dependents := make(map[string][]string, len(p.Actions))
	for _, a := range p.Actions {
		for _, dep := range a.DependsOn {
			dependents[dep] = append(dependents[dep], a.ID)
		}
	}
	out := make(map[string]struct{})
	var walk func(id string)
	walk = func(id string) {
		for _, child := range dependents[id] {
			if _, seen := out[child]; seen {
				continue
			}
			out[child] = struct{}{}
			walk(child)
		}
	}
	walk(root)
	return out
}

// RetryDelay computes the pre-attempt delay (in seconds) before the given
// 1-indexed attempt number, per spec.md §3: delay = delay_seconds *
// backoff_factor^(attempt-1).
func RetryDelay(r *RetryConfig, attempt int) float64 {
	delay := r.DelaySeconds
	for i := 1; i < attempt; i++ {
		delay *= r.BackoffFactor
	}
	return delay
}
