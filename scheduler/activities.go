package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/llmos-bridge/llmos-bridge/approval"
	"github.com/llmos-bridge/llmos-bridge/audit"
	"github.com/llmos-bridge/llmos-bridge/errs"
	"github.com/llmos-bridge/llmos-bridge/permission"
	"github.com/llmos-bridge/llmos-bridge/plan"
	"github.com/llmos-bridge/llmos-bridge/scanner"
	"github.com/llmos-bridge/llmos-bridge/template"
)

// activityScanAndVerify runs the heuristic scanner pipeline then the LLM
// intent verifier over the whole plan (spec.md §4.9 step 3), auditing the
// scan verdict directly since there is no on_error branching at plan level
// to defer it for (unlike per-action failures, whose final status depends
// on a policy decision the workflow makes after the fact).
func (s *Scheduler) activityScanAndVerify(ctx context.Context, input any) (any, error) {
	in, ok := input.(*ScanAndVerifyInput)
	if !ok || in.Plan == nil {
		return nil, errors.New("scan_and_verify: invalid input")
	}
	p := in.Plan

	verdict := plan.VerdictApprove
	reasoning := ""
	riskScore := 0.0
	shortCircuited := false

	if s.deps.Scanners != nil && s.deps.Scanners.Config.Enabled {
		planJSON, err := marshalPlan(p)
		if err != nil {
			return nil, fmt.Errorf("scan_and_verify: serialize plan: %w", err)
		}
		pr := s.deps.Scanners.Run(ctx, scanner.Context{PlanJSON: planJSON})
		verdict = plan.MaxVerdict(verdict, pr.Verdict)
		riskScore = pr.RiskScore
		shortCircuited = pr.ShortCircuited
		if verdict == plan.VerdictReject {
			reasoning = "heuristic scanner pipeline rejected the plan"
		}
	}

	if verdict != plan.VerdictReject && s.deps.Verifier != nil {
		vr := s.deps.Verifier.VerifyPlan(ctx, p)
		verdict = plan.MaxVerdict(verdict, vr.Verdict)
		if vr.Verdict == plan.VerdictReject {
			reasoning = vr.Reasoning
		}
	}

	s.audit(ctx, audit.TopicSecurity, "PLAN_SCANNED", map[string]any{
		"plan_id":         p.PlanID,
		"verdict":         string(verdict),
		"risk_score":      riskScore,
		"short_circuited": shortCircuited,
	})

	return &ScanAndVerifyOutput{Verdict: verdict, Reasoning: reasoning, RiskScore: riskScore}, nil
}

// activityResolveParams is step 1 of the per-action runtime: build a
// template.Context from completed results and loaded memory keys, then
// resolve the action's params against it.
func (s *Scheduler) activityResolveParams(ctx context.Context, input any) (any, error) {
	in, ok := input.(*ResolveParamsInput)
	if !ok || in.Action == nil {
		return nil, errors.New("resolve_params: invalid input")
	}
	a := in.Action

	tctx := template.NewContext()
	tctx.Results = in.Results
	if a.Memory != nil && len(a.Memory.ReadKeys) > 0 {
		values, err := s.deps.Memory.GetMany(ctx, a.Memory.ReadKeys)
		if err != nil {
			return nil, fmt.Errorf("resolve_params: load memory keys: %w", err)
		}
		tctx.Memory = values
	}
	for _, name := range s.deps.AllowedEnvVars {
		if v, ok := os.LookupEnv(name); ok {
			tctx.Env[name] = v
		}
	}

	resolved, err := template.Resolve(tctx, a.Params)
	if err != nil {
		return nil, err
	}
	return &ResolveParamsOutput{Params: resolved}, nil
}

// activityGuardCheck implements steps 2 and 3: the permission guard
// decision, the approval-gate wait when required, and the optional
// @intent_verified per-action hook.
func (s *Scheduler) activityGuardCheck(ctx context.Context, input any) (any, error) {
	in, ok := input.(*GuardCheckInput)
	if !ok || in.Action == nil {
		return nil, errors.New("guard_check: invalid input")
	}
	a := in.Action

	spec, found := s.deps.Modules.ActionSpec(a.Module, a.Action)
	if !found {
		return &GuardCheckOutput{Decision: GuardDenied, Reason: fmt.Sprintf("unknown action %s.%s", a.Module, a.Action)}, nil
	}

	if m, found := s.deps.Modules.Get(a.Module); found {
		if err := s.deps.Guard.CheckModulePermissions(a.Module, m.Manifest().Policy); err != nil {
			s.audit(ctx, audit.TopicSecurity, "ACTION_DENIED", map[string]any{"plan_id": in.PlanID, "action_id": a.ID, "reason": err.Error()})
			return &GuardCheckOutput{Decision: GuardDenied, Reason: err.Error()}, nil
		}
	}

	params := in.Params
	decision, err := s.deps.Guard.Check(a.Module, spec, params)
	switch decision {
	case permission.Denied:
		reason := "denied by permission guard"
		if err != nil {
			reason = err.Error()
		}
		s.audit(ctx, audit.TopicSecurity, "ACTION_DENIED", map[string]any{"plan_id": in.PlanID, "action_id": a.ID, "reason": reason})
		return &GuardCheckOutput{Decision: GuardDenied, Reason: reason}, nil

	case permission.RequiresApproval:
		timeout := in.DefaultApprovalTimeout
		onTimeout := in.DefaultOnTimeout
		metadata := map[string]any{
			"plan_id": in.PlanID, "action_id": a.ID,
			"module": a.Module, "action": a.Action, "params": params,
		}
		if a.Approval != nil {
			if a.Approval.TimeoutSeconds > 0 {
				timeout = time.Duration(a.Approval.TimeoutSeconds) * time.Second
			}
			if a.Approval.TimeoutBehavior != "" {
				onTimeout = approval.TimeoutBehavior(a.Approval.TimeoutBehavior)
			}
			if a.Approval.Message != "" {
				metadata["message"] = a.Approval.Message
			}
			if len(a.Approval.ClarificationOptions) > 0 {
				metadata["clarification_options"] = a.Approval.ClarificationOptions
			}
		}

		if err := s.deps.Plans.UpdateAction(ctx, in.PlanID, a.ID, plan.ActionAwaitingApproval, nil, "", 0); err != nil {
			return nil, fmt.Errorf("guard_check: persist awaiting_approval: %w", err)
		}

		resp, err := s.deps.Approvals.Request(ctx, in.PlanID, a.ID, metadata, timeout, onTimeout)
		if err != nil {
			return &GuardCheckOutput{Decision: GuardDenied, Reason: err.Error()}, nil
		}
		switch resp.Decision.Kind {
		case approval.DecisionApprove:
			if resp.Decision.ModifiedParams != nil {
				params = resp.Decision.ModifiedParams
			}
			s.audit(ctx, audit.TopicSecurity, "APPROVAL_GRANTED", map[string]any{
				"plan_id": in.PlanID, "action_id": a.ID, "approved_by": approvedBy(resp.Decision),
			})
		case approval.DecisionReject:
			reason := resp.Decision.Reason
			if reason == "" {
				reason = "rejected by approver"
			}
			return &GuardCheckOutput{Decision: GuardDenied, Reason: reason}, nil
		case approval.DecisionSkip:
			return &GuardCheckOutput{Decision: GuardSkipped}, nil
		}

	case permission.Allowed:
		// fall through to the intent-verified hook and dispatch.

	default:
		return &GuardCheckOutput{Decision: GuardDenied, Reason: "unknown guard decision"}, nil
	}

	if spec.IntentVerified && s.deps.Verifier != nil {
		sub := &plan.Plan{
			PlanID:          in.PlanID + ":" + a.ID,
			ProtocolVersion: plan.ProtocolVersion,
			ExecutionMode:   plan.ExecutionSequential,
			PlanMode:        plan.ModeStandard,
			Actions:         []*plan.Action{{ID: a.ID, Module: a.Module, Action: a.Action, Params: params}},
		}
		vr := s.deps.Verifier.VerifyPlan(ctx, sub)
		if vr.Verdict == plan.VerdictReject {
			return &GuardCheckOutput{Decision: GuardDenied, Reason: "intent verifier rejected action: " + vr.Reasoning}, nil
		}
	}

	return &GuardCheckOutput{Decision: GuardAllowed, Params: params}, nil
}

// activityDispatchAction implements steps 4-7: rate-limit check (delegated
// to module.Registry.Execute), dispatch under a timeout, the retry loop,
// and the memory write on eventual success.
func (s *Scheduler) activityDispatchAction(ctx context.Context, input any) (any, error) {
	in, ok := input.(*DispatchActionInput)
	if !ok {
		return nil, errors.New("dispatch_action: invalid input")
	}

	timeoutSecs := in.TimeoutSecs
	if timeoutSecs <= 0 {
		timeoutSecs = 120
	}

	attempts := 0
	var lastErr error
	var lastClass string
	for {
		attempts++
		dctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSecs)*time.Second)
		result, err := s.deps.Modules.Execute(dctx, in.ModuleID, in.ActionName, in.Params)
		timedOut := dctx.Err() == context.DeadlineExceeded
		cancel()

		if err == nil {
			if in.MemoryWriteKey != "" {
				if werr := s.deps.Memory.Set(ctx, in.MemoryWriteKey, map[string]any(result)); werr != nil {
					return nil, fmt.Errorf("dispatch_action: write memory key %q: %w", in.MemoryWriteKey, werr)
				}
			}
			return &DispatchActionOutput{Success: true, Result: result, Attempts: attempts}, nil
		}

		lastErr = err
		if timedOut {
			lastClass = string(errs.CodeActionTimeout)
		} else {
			lastClass = string(errs.CodeOf(err))
		}

		if !in.Retryable || in.Retry == nil {
			break
		}
		if len(in.Retry.RetryOn) > 0 && !containsString(in.Retry.RetryOn, lastClass) {
			break
		}
		if attempts >= in.Retry.MaxAttempts {
			break
		}
		delay := plan.RetryDelay(in.Retry, attempts)
		if delay > 0 {
			select {
			case <-time.After(time.Duration(delay * float64(time.Second))):
			case <-ctx.Done():
				return &DispatchActionOutput{
					Success: false, ErrorMessage: ctx.Err().Error(),
					ErrorClass: lastClass, Attempts: attempts,
				}, nil
			}
		}
	}

	return &DispatchActionOutput{
		Success:      false,
		ErrorMessage: lastErr.Error(),
		ErrorClass:   lastClass,
		Attempts:     attempts,
	}, nil
}

// activityRunRollback executes a compensating action (spec.md §3
// "Rollback config"), treated as a fresh, non-retried action.
func (s *Scheduler) activityRunRollback(ctx context.Context, input any) (any, error) {
	in, ok := input.(*RunRollbackInput)
	if !ok {
		return nil, errors.New("run_rollback: invalid input")
	}
	_, err := s.deps.Modules.Execute(ctx, in.ModuleID, in.ActionName, in.Params)
	if err != nil {
		return &RunRollbackOutput{Success: false, ErrorMessage: err.Error()}, nil
	}
	return &RunRollbackOutput{Success: true}, nil
}

func (s *Scheduler) activityPersistAction(ctx context.Context, input any) (any, error) {
	in, ok := input.(*PersistActionInput)
	if !ok {
		return nil, errors.New("persist_action: invalid input")
	}
	return nil, s.deps.Plans.UpdateAction(ctx, in.PlanID, in.ActionID, in.Status, in.Result, in.ErrorMessage, in.Attempts)
}

func (s *Scheduler) activityPersistPlanStatus(ctx context.Context, input any) (any, error) {
	in, ok := input.(*PersistPlanStatusInput)
	if !ok {
		return nil, errors.New("persist_plan_status: invalid input")
	}
	return nil, s.deps.Plans.UpdatePlanStatus(ctx, in.PlanID, in.Status)
}

func (s *Scheduler) activityEmitAudit(ctx context.Context, input any) (any, error) {
	in, ok := input.(*EmitAuditInput)
	if !ok {
		return nil, errors.New("emit_audit: invalid input")
	}
	s.deps.Audit.Emit(ctx, audit.Topic(in.Topic), in.Type, in.Payload)
	return nil, nil
}

// audit is a direct (non-activity) convenience used by activities that are
// themselves already the I/O boundary.
func (s *Scheduler) audit(ctx context.Context, topic audit.Topic, eventType string, payload map[string]any) {
	s.deps.Audit.Emit(ctx, topic, eventType, payload)
}

// approvedBy renders a decision's approver identity for the audit trail,
// defaulting to "unknown" when the approver omitted approved_by (spec.md §6
// POST .../approve's approved_by field is optional).
func approvedBy(d approval.Decision) string {
	if d.ApprovedBy == "" {
		return "unknown"
	}
	return d.ApprovedBy
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func marshalPlan(p *plan.Plan) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
