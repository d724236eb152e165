package scheduler

import (
	"fmt"

	"github.com/llmos-bridge/llmos-bridge/audit"
	"github.com/llmos-bridge/llmos-bridge/engine"
	"github.com/llmos-bridge/llmos-bridge/errs"
	"github.com/llmos-bridge/llmos-bridge/plan"
)

// PlanWorkflow drives one plan from validation to a terminal status
// (spec.md §4.9). It is registered on the engine and invoked once per
// submitted plan; all state lives in local variables for the lifetime of
// the workflow execution, with planstate.Store mirroring terminal facts
// for Poll/recovery.
func (s *Scheduler) PlanWorkflow(wctx engine.WorkflowContext, input any) (any, error) {
	in, ok := input.(*PlanInput)
	if !ok || in.Plan == nil {
		return nil, fmt.Errorf("plan_workflow: invalid input")
	}
	p := in.Plan
	ctx := wctx.Context()

	if unmet := s.deps.Modules.CheckVersionRequirements(p.ModuleRequirements); len(unmet) > 0 {
		return s.failWithCode(wctx, p, errs.CodeVersionRequirementUnmet, fmt.Sprintf("unmet module version requirements: %v", unmet))
	}

	if cycle, found := plan.DetectCycle(p); found {
		return s.failWithCode(wctx, p, errs.CodeDependencyCycle, fmt.Sprintf("dependency graph contains a cycle: %v", cycle))
	}

	var scanOut ScanAndVerifyOutput
	if err := wctx.ExecuteActivity(ctx, engine.ActivityRequest{
		Name:        ActivityScanAndVerify,
		Input:       &ScanAndVerifyInput{Plan: p},
		RetryPolicy: once,
	}, &scanOut); err != nil {
		return s.failWithCode(wctx, p, errs.CodeOf(err), "scan_and_verify activity error: "+err.Error())
	}
	if scanOut.Verdict == plan.VerdictReject {
		return s.failWithCode(wctx, p, errs.CodeSuspiciousIntent, "rejected by scan/verify: "+scanOut.Reasoning)
	}

	s.persistPlanStatus(wctx, p.PlanID, plan.PlanRunning)
	s.emitAudit(wctx, audit.TopicPlans, "PLAN_STARTED", map[string]any{"plan_id": p.PlanID})

	status := make(map[string]plan.ActionStatus, len(p.Actions))
	results := make(map[string]map[string]any, len(p.Actions))
	for _, a := range p.Actions {
		status[a.ID] = plan.ActionPending
	}
	aborted := false

	for anyNonTerminal(p.Actions, status) && !aborted {
		if ctx.Err() != nil {
			// Cancel already persisted plan.PlanCancelled and rejected
			// pending approvals (orchestrator.Facade.Cancel); the workflow
			// only needs to stop launching new work and return (spec.md
			// §5 "after cancellation, newly completing actions do not
			// launch dependents").
			return &PlanOutput{Status: plan.PlanCancelled}, nil
		}

		ready := readySet(p.Actions, status)
		if len(ready) == 0 {
			// Nothing ready and nothing terminal: a deadlock (every
			// remaining action depends, directly or indirectly, on one
			// that will never complete). Mark everything left pending as
			// skipped and stop.
			for _, a := range p.Actions {
				if !status[a.ID].IsTerminal() {
					s.markSkipped(wctx, p.PlanID, a.ID, &status, "blocked: dependency deadlock")
				}
			}
			break
		}

		batch := ready
		if p.ExecutionMode == "" || p.ExecutionMode == plan.ExecutionSequential {
			batch = ready[:1]
		}

		outcomes := s.runBatch(wctx, p, batch, results)
		for i, a := range batch {
			outcome := outcomes[i]
			status[a.ID] = outcome.status
			if outcome.result != nil {
				results[a.ID] = outcome.result
			}

			switch outcome.cascade {
			case cascadeNone:
				// nothing further to do
			case cascadeSkipDependents:
				for _, dep := range transitiveDependentsOrdered(p, a.ID) {
					if !status[dep].IsTerminal() {
						s.markSkipped(wctx, p.PlanID, dep, &status, "skipped: dependency "+a.ID+" did not complete")
					}
				}
			case cascadeAbort:
				for _, dep := range transitiveDependentsOrdered(p, a.ID) {
					if !status[dep].IsTerminal() {
						s.markSkipped(wctx, p.PlanID, dep, &status, "skipped: plan aborted after "+a.ID)
					}
				}
				aborted = true
			}
			if aborted {
				break
			}
		}
	}

	final := terminalPlanStatus(p.Actions, status)
	s.persistPlanStatus(wctx, p.PlanID, final)
	s.emitAudit(wctx, audit.TopicPlans, "PLAN_FINISHED", map[string]any{"plan_id": p.PlanID, "status": string(final)})

	return &PlanOutput{Status: final}, nil
}

type cascadeKind int

const (
	cascadeNone cascadeKind = iota
	cascadeSkipDependents
	cascadeAbort
)

type actionOutcome struct {
	status  plan.ActionStatus
	result  map[string]any
	cascade cascadeKind
}

// runBatch executes every action in batch, one full per-action pipeline
// each (spec.md §4.9 step 5). A batch of one (sequential execution_mode, or
// a wave with a single ready action) runs inline via runAction; a larger
// batch fans every stage out across the whole batch with
// ExecuteActivityAsync before blocking on all of that stage's futures, so
// wall-clock time for the wave is bounded by its slowest action rather than
// their sum. Actual concurrency is still capped by module/registry.go's
// per-module semaphore, which ActivityDispatchAction acquires inside each
// dispatch call.
func (s *Scheduler) runBatch(wctx engine.WorkflowContext, p *plan.Plan, batch []*plan.Action, results map[string]map[string]any) []actionOutcome {
	if len(batch) == 1 {
		return []actionOutcome{s.runAction(wctx, p, batch[0], results)}
	}

	ctx := wctx.Context()
	n := len(batch)
	outcomes := make([]actionOutcome, n)
	done := make([]bool, n)

	resolveFuts := make([]engine.Future, n)
	for i, a := range batch {
		fut, err := wctx.ExecuteActivityAsync(ctx, engine.ActivityRequest{
			Name:        ActivityResolveParams,
			Input:       &ResolveParamsInput{PlanID: p.PlanID, Action: a, Results: results},
			RetryPolicy: once,
		})
		if err != nil {
			outcomes[i] = s.finishFailed(wctx, p, a, err.Error(), 0)
			done[i] = true
			continue
		}
		resolveFuts[i] = fut
	}

	resolved := make([]ResolveParamsOutput, n)
	for i, fut := range resolveFuts {
		if done[i] {
			continue
		}
		if err := fut.Get(ctx, &resolved[i]); err != nil {
			outcomes[i] = s.finishFailed(wctx, p, batch[i], err.Error(), 0)
			done[i] = true
		}
	}

	guardFuts := make([]engine.Future, n)
	for i, a := range batch {
		if done[i] {
			continue
		}
		fut, err := wctx.ExecuteActivityAsync(ctx, engine.ActivityRequest{
			Name: ActivityGuardCheck,
			Input: &GuardCheckInput{
				PlanID:                 p.PlanID,
				Action:                 a,
				Params:                 resolved[i].Params,
				DefaultApprovalTimeout: s.deps.DefaultApprovalTimeout,
				DefaultOnTimeout:       s.deps.DefaultApprovalOnTimeout,
			},
			RetryPolicy: once,
		})
		if err != nil {
			outcomes[i] = s.finishFailed(wctx, p, a, err.Error(), 0)
			done[i] = true
			continue
		}
		guardFuts[i] = fut
	}

	guardOuts := make([]GuardCheckOutput, n)
	for i, fut := range guardFuts {
		if done[i] {
			continue
		}
		if err := fut.Get(ctx, &guardOuts[i]); err != nil {
			outcomes[i] = s.finishFailed(wctx, p, batch[i], err.Error(), 0)
			done[i] = true
			continue
		}
		switch guardOuts[i].Decision {
		case GuardDenied:
			outcomes[i] = s.finishFailed(wctx, p, batch[i], "denied: "+guardOuts[i].Reason, 0)
			done[i] = true
		case GuardSkipped:
			s.persistAction(wctx, p.PlanID, batch[i].ID, plan.ActionSkipped, nil, "", 0)
			outcomes[i] = actionOutcome{status: plan.ActionSkipped, cascade: cascadeSkipDependents}
			done[i] = true
		}
	}

	dispatchFuts := make([]engine.Future, n)
	for i, a := range batch {
		if done[i] {
			continue
		}
		fut, err := wctx.ExecuteActivityAsync(ctx, engine.ActivityRequest{
			Name: ActivityDispatchAction,
			Input: &DispatchActionInput{
				PlanID:         p.PlanID,
				ActionID:       a.ID,
				ModuleID:       a.Module,
				ActionName:     a.Action,
				Params:         guardOuts[i].Params,
				TimeoutSecs:    a.Timeout,
				Retryable:      a.OnError == plan.OnErrorRetry,
				Retry:          a.Retry,
				MemoryWriteKey: memoryWriteKey(a),
			},
			RetryPolicy: once,
		})
		if err != nil {
			outcomes[i] = s.finishFailed(wctx, p, a, err.Error(), 0)
			done[i] = true
			continue
		}
		dispatchFuts[i] = fut
	}

	for i, fut := range dispatchFuts {
		if done[i] {
			continue
		}
		a := batch[i]
		var dispatchOut DispatchActionOutput
		if err := fut.Get(ctx, &dispatchOut); err != nil {
			outcomes[i] = s.finishFailed(wctx, p, a, err.Error(), dispatchOut.Attempts)
			continue
		}
		if dispatchOut.Success {
			s.persistAction(wctx, p.PlanID, a.ID, plan.ActionCompleted, dispatchOut.Result, "", dispatchOut.Attempts)
			outcomes[i] = actionOutcome{status: plan.ActionCompleted, result: dispatchOut.Result}
			continue
		}
		outcomes[i] = s.handleActionFailure(wctx, p, a, dispatchOut)
	}

	return outcomes
}

// runAction executes the nine-step per-action runtime (spec.md §4.9 steps
// 1-8, the plan-level steps having already run in PlanWorkflow) for a
// single ready action, persisting its final state before returning.
func (s *Scheduler) runAction(wctx engine.WorkflowContext, p *plan.Plan, a *plan.Action, results map[string]map[string]any) actionOutcome {
	ctx := wctx.Context()

	var resolveOut ResolveParamsOutput
	if err := wctx.ExecuteActivity(ctx, engine.ActivityRequest{
		Name:        ActivityResolveParams,
		Input:       &ResolveParamsInput{PlanID: p.PlanID, Action: a, Results: results},
		RetryPolicy: once,
	}, &resolveOut); err != nil {
		return s.finishFailed(wctx, p, a, err.Error(), 0)
	}

	var guardOut GuardCheckOutput
	if err := wctx.ExecuteActivity(ctx, engine.ActivityRequest{
		Name: ActivityGuardCheck,
		Input: &GuardCheckInput{
			PlanID:                 p.PlanID,
			Action:                 a,
			Params:                 resolveOut.Params,
			DefaultApprovalTimeout: s.deps.DefaultApprovalTimeout,
			DefaultOnTimeout:       s.deps.DefaultApprovalOnTimeout,
		},
		RetryPolicy: once,
	}, &guardOut); err != nil {
		return s.finishFailed(wctx, p, a, err.Error(), 0)
	}

	switch guardOut.Decision {
	case GuardDenied:
		return s.finishFailed(wctx, p, a, "denied: "+guardOut.Reason, 0)
	case GuardSkipped:
		s.persistAction(wctx, p.PlanID, a.ID, plan.ActionSkipped, nil, "", 0)
		return actionOutcome{status: plan.ActionSkipped, cascade: cascadeSkipDependents}
	}

	var dispatchOut DispatchActionOutput
	if err := wctx.ExecuteActivity(ctx, engine.ActivityRequest{
		Name: ActivityDispatchAction,
		Input: &DispatchActionInput{
			PlanID:         p.PlanID,
			ActionID:       a.ID,
			ModuleID:       a.Module,
			ActionName:     a.Action,
			Params:         guardOut.Params,
			TimeoutSecs:    a.Timeout,
			Retryable:      a.OnError == plan.OnErrorRetry,
			Retry:          a.Retry,
			MemoryWriteKey: memoryWriteKey(a),
		},
		RetryPolicy: once,
	}, &dispatchOut); err != nil {
		return s.finishFailed(wctx, p, a, err.Error(), dispatchOut.Attempts)
	}

	if dispatchOut.Success {
		s.persistAction(wctx, p.PlanID, a.ID, plan.ActionCompleted, dispatchOut.Result, "", dispatchOut.Attempts)
		return actionOutcome{status: plan.ActionCompleted, result: dispatchOut.Result}
	}

	return s.handleActionFailure(wctx, p, a, dispatchOut)
}

// handleActionFailure applies spec.md §4.9 step 8's on_error policy once
// DispatchAction has exhausted whatever retry budget it had.
func (s *Scheduler) handleActionFailure(wctx engine.WorkflowContext, p *plan.Plan, a *plan.Action, dispatchOut DispatchActionOutput) actionOutcome {
	switch a.OnError {
	case plan.OnErrorSkip:
		s.persistAction(wctx, p.PlanID, a.ID, plan.ActionSkipped, nil, dispatchOut.ErrorMessage, dispatchOut.Attempts)
		return actionOutcome{status: plan.ActionSkipped, cascade: cascadeSkipDependents}

	case plan.OnErrorRollback:
		if a.Rollback != nil {
			s.runRollback(wctx, p, a)
		}
		s.persistAction(wctx, p.PlanID, a.ID, plan.ActionFailed, nil, dispatchOut.ErrorMessage, dispatchOut.Attempts)
		return actionOutcome{status: plan.ActionFailed, cascade: cascadeAbort}

	case plan.OnErrorAbort:
		s.persistAction(wctx, p.PlanID, a.ID, plan.ActionFailed, nil, dispatchOut.ErrorMessage, dispatchOut.Attempts)
		return actionOutcome{status: plan.ActionFailed, cascade: cascadeAbort}

	case plan.OnErrorContinue, plan.OnErrorRetry:
		// An exhausted retry budget is treated the same as continue: the
		// policy list in step 8 names abort/rollback/continue/skip, not
		// retry, so a retry that never succeeds leaves the action failed,
		// skips its dependents, and lets independent actions run on.
		s.persistAction(wctx, p.PlanID, a.ID, plan.ActionFailed, nil, dispatchOut.ErrorMessage, dispatchOut.Attempts)
		return actionOutcome{status: plan.ActionFailed, cascade: cascadeSkipDependents}

	default:
		s.persistAction(wctx, p.PlanID, a.ID, plan.ActionFailed, nil, dispatchOut.ErrorMessage, dispatchOut.Attempts)
		return actionOutcome{status: plan.ActionFailed, cascade: cascadeAbort}
	}
}

// runRollback executes the compensating action named by a.Rollback.Action
// and, on success, demotes that target from completed to rolled_back.
func (s *Scheduler) runRollback(wctx engine.WorkflowContext, p *plan.Plan, a *plan.Action) {
	ctx := wctx.Context()
	target := findAction(p.Actions, a.Rollback.Action)
	if target == nil {
		s.emitAudit(wctx, audit.TopicPlans, "ROLLBACK_TARGET_MISSING", map[string]any{
			"plan_id": p.PlanID, "action_id": a.ID, "target": a.Rollback.Action,
		})
		return
	}

	var out RunRollbackOutput
	err := wctx.ExecuteActivity(ctx, engine.ActivityRequest{
		Name: ActivityRunRollback,
		Input: &RunRollbackInput{
			PlanID:         p.PlanID,
			TargetActionID: target.ID,
			ModuleID:       target.Module,
			ActionName:     target.Action,
			Params:         a.Rollback.Params,
		},
		RetryPolicy: once,
	}, &out)

	if err != nil || !out.Success {
		reason := ""
		if err != nil {
			reason = err.Error()
		} else {
			reason = out.ErrorMessage
		}
		s.emitAudit(wctx, audit.TopicPlans, "ROLLBACK_FAILED", map[string]any{
			"plan_id": p.PlanID, "target": target.ID, "reason": reason,
		})
		return
	}

	s.persistAction(wctx, p.PlanID, target.ID, plan.ActionRolledBack, nil, "", 0)
	s.emitAudit(wctx, audit.TopicPlans, "ACTION_ROLLED_BACK", map[string]any{"plan_id": p.PlanID, "target": target.ID})
}

func (s *Scheduler) finishFailed(wctx engine.WorkflowContext, p *plan.Plan, a *plan.Action, reason string, attempts int) actionOutcome {
	return s.handleActionFailure(wctx, p, a, DispatchActionOutput{Success: false, ErrorMessage: reason, Attempts: attempts})
}

func (s *Scheduler) markSkipped(wctx engine.WorkflowContext, planID, actionID string, status *map[string]plan.ActionStatus, reason string) {
	(*status)[actionID] = plan.ActionSkipped
	s.persistAction(wctx, planID, actionID, plan.ActionSkipped, nil, reason, 0)
}

// failWithCode terminates the plan as failed, recording code as its
// classified reason (spec.md §7's scenario 5: "reason classified
// SuspiciousIntent") in both the audit trail and the returned PlanOutput.
func (s *Scheduler) failWithCode(wctx engine.WorkflowContext, p *plan.Plan, code errs.Code, reason string) (any, error) {
	s.persistPlanStatus(wctx, p.PlanID, plan.PlanFailed)
	s.emitAudit(wctx, audit.TopicPlans, "PLAN_REJECTED", map[string]any{
		"plan_id": p.PlanID, "reason": reason, "reason_code": string(code),
	})
	return &PlanOutput{Status: plan.PlanFailed, Reason: reason, ReasonCode: code}, nil
}

func (s *Scheduler) persistAction(wctx engine.WorkflowContext, planID, actionID string, status plan.ActionStatus, result map[string]any, errMsg string, attempts int) {
	_ = wctx.ExecuteActivity(wctx.Context(), engine.ActivityRequest{
		Name: ActivityPersistAction,
		Input: &PersistActionInput{
			PlanID: planID, ActionID: actionID, Status: status,
			Result: result, ErrorMessage: errMsg, Attempts: attempts,
		},
		RetryPolicy: once,
	}, nil)
}

func (s *Scheduler) persistPlanStatus(wctx engine.WorkflowContext, planID string, status plan.PlanStatus) {
	_ = wctx.ExecuteActivity(wctx.Context(), engine.ActivityRequest{
		Name:        ActivityPersistPlanStatus,
		Input:       &PersistPlanStatusInput{PlanID: planID, Status: status},
		RetryPolicy: once,
	}, nil)
}

func (s *Scheduler) emitAudit(wctx engine.WorkflowContext, topic audit.Topic, eventType string, payload map[string]any) {
	_ = wctx.ExecuteActivity(wctx.Context(), engine.ActivityRequest{
		Name:        ActivityEmitAudit,
		Input:       &EmitAuditInput{Topic: string(topic), Type: eventType, Payload: payload},
		RetryPolicy: once,
	}, nil)
}

func memoryWriteKey(a *plan.Action) string {
	if a.Memory == nil {
		return ""
	}
	return a.Memory.WriteKey
}

func findAction(actions []*plan.Action, id string) *plan.Action {
	for _, a := range actions {
		if a.ID == id {
			return a
		}
	}
	return nil
}
