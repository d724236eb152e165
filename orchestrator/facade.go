// Package orchestrator implements the single Go API an HTTP or CLI adapter
// would wrap (spec.md §6 "REST surface"); this repo has no such adapter, so
// Facade is exercised directly by this package's tests and by cmd/llmosd.
// It owns nothing the scheduler, planstate, approval, or verifier packages
// don't already implement: Facade is a thin composition that enforces
// backpressure (spec.md §5 "Backpressure") before handing a plan to the
// scheduler's workflow, and otherwise just delegates.
//
// REST surface → Facade method mapping (spec.md §6):
//
//	GET    /health                                    -- (out of scope; daemon liveness only)
//	GET    /modules                                    Modules
//	GET    /modules/{id}                                Module
//	POST   /plans                                       Submit
//	GET    /plans/{id}                                  GetPlan
//	GET    /plans                                       ListPlans
//	POST   /plans/{id}/actions/{aid}/approve            Approve
//	GET    /plans/{id}/pending-approvals                PendingApprovals
//	POST   /plan-groups                                 SubmitGroup
//	GET    /context                                     Context
//	POST   /intent-verifier/verify                      VerifyDryRun
//	GET    /intent-verifier/categories                  ThreatCategories
//	POST   /intent-verifier/categories                  RegisterThreatCategory
//	DELETE /intent-verifier/categories/{name}            RemoveThreatCategory
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/llmos-bridge/llmos-bridge/approval"
	"github.com/llmos-bridge/llmos-bridge/engine"
	"github.com/llmos-bridge/llmos-bridge/errs"
	"github.com/llmos-bridge/llmos-bridge/module"
	"github.com/llmos-bridge/llmos-bridge/plan"
	"github.com/llmos-bridge/llmos-bridge/planstate"
	"github.com/llmos-bridge/llmos-bridge/scheduler"
	"github.com/llmos-bridge/llmos-bridge/verifier"
)

// Config tunes Facade's own concerns: backpressure and the synchronous
// submission path. Every other setting (retry, approval, scanner, verifier
// defaults) lives on the Deps it was built from.
type Config struct {
	// MaxConcurrentPlans caps plans with a non-terminal workflow in flight.
	// Submit fails fast with errs.CodeRateLimited once the cap is hit;
	// there is no queueing (spec.md §5 "Backpressure").
	MaxConcurrentPlans int
	// SyncPlanTimeout bounds how long Submit(async_execution=false) blocks
	// waiting for the workflow to reach a terminal state.
	SyncPlanTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentPlans <= 0 {
		c.MaxConcurrentPlans = 32
	}
	if c.SyncPlanTimeout <= 0 {
		c.SyncPlanTimeout = 5 * time.Minute
	}
	return c
}

// Facade is the orchestrator's single entry point. One Facade serves the
// whole daemon; it is safe for concurrent use.
type Facade struct {
	deps       scheduler.Deps
	categories *verifier.Registry
	cfg        Config

	sem chan struct{}

	mu      sync.Mutex
	handles map[string]engine.WorkflowHandle
}

// New constructs a Facade. deps is the same Deps the scheduler.Scheduler
// serving this daemon was built from; categories is the threat-category
// registry backing deps.Verifier (passed separately since Verifier does
// not expose its registry, per spec.md §4.5's cache-invalidation contract
// living entirely inside package verifier).
func New(deps scheduler.Deps, categories *verifier.Registry, cfg Config) *Facade {
	cfg = cfg.withDefaults()
	return &Facade{
		deps:       deps,
		categories: categories,
		cfg:        cfg,
		sem:        make(chan struct{}, cfg.MaxConcurrentPlans),
		handles:    make(map[string]engine.WorkflowHandle),
	}
}

// SubmitResult is Submit's return value, mirroring the REST response body
// {plan_id, status, actions?} of spec.md §6.
type SubmitResult struct {
	PlanID     string
	Status     plan.PlanStatus
	Reason     string
	ReasonCode errs.Code
	Actions    []planstate.ActionState
}

// Submit validates and persists p, starts its workflow, and either returns
// immediately (asyncExecution) or blocks until the plan reaches a terminal
// state or Config.SyncPlanTimeout elapses.
func (f *Facade) Submit(ctx context.Context, p *plan.Plan, asyncExecution bool) (SubmitResult, error) {
	if err := plan.Validate(p); err != nil {
		return SubmitResult{}, err
	}

	select {
	case f.sem <- struct{}{}:
	default:
		return SubmitResult{}, errs.New(errs.CodeRateLimited,
			"too many plans in flight (max %d)", cap(f.sem))
	}
	release := func() { <-f.sem }

	if err := f.deps.Plans.Create(ctx, p); err != nil {
		release()
		return SubmitResult{}, err
	}

	h, err := f.deps.Engine.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "plan-" + p.PlanID,
		Workflow: scheduler.WorkflowName,
		Input:    &scheduler.PlanInput{Plan: p},
	})
	if err != nil {
		release()
		return SubmitResult{}, err
	}
	f.storeHandle(p.PlanID, h)

	if !asyncExecution {
		defer release()
		defer f.dropHandle(p.PlanID)

		wctx, cancel := context.WithTimeout(ctx, f.cfg.SyncPlanTimeout)
		defer cancel()

		var out scheduler.PlanOutput
		if err := h.Wait(wctx, &out); err != nil {
			return SubmitResult{PlanID: p.PlanID, Status: plan.PlanRunning}, err
		}
		state, err := f.deps.Plans.GetPlan(ctx, p.PlanID)
		if err != nil {
			return SubmitResult{PlanID: p.PlanID, Status: out.Status, Reason: out.Reason, ReasonCode: out.ReasonCode}, nil
		}
		return SubmitResult{PlanID: p.PlanID, Status: out.Status, Reason: out.Reason, ReasonCode: out.ReasonCode, Actions: state.Actions}, nil
	}

	go func() {
		defer release()
		defer f.dropHandle(p.PlanID)
		_ = h.Wait(context.Background(), nil)
	}()

	return SubmitResult{PlanID: p.PlanID, Status: plan.PlanPending}, nil
}

// GroupResult is one plan's outcome within SubmitGroup.
type GroupResult struct {
	PlanID string
	Status plan.PlanStatus
	Err    error
}

// SubmitGroup submits plans together, bounding how many run concurrently
// by maxConcurrent independently of Config.MaxConcurrentPlans (spec.md §6
// POST /plan-groups). Each plan still competes for a slot in the global
// cap; a plan that loses that race reports its rate-limit error in its own
// GroupResult rather than failing the whole batch.
func (f *Facade) SubmitGroup(ctx context.Context, plans []*plan.Plan, maxConcurrent int, asyncExecution bool) []GroupResult {
	if maxConcurrent <= 0 {
		maxConcurrent = len(plans)
	}
	groupSem := make(chan struct{}, maxConcurrent)
	results := make([]GroupResult, len(plans))

	var wg sync.WaitGroup
	for i, p := range plans {
		i, p := i, p
		wg.Add(1)
		groupSem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-groupSem }()
			res, err := f.Submit(ctx, p, asyncExecution)
			results[i] = GroupResult{PlanID: res.PlanID, Status: res.Status, Err: err}
		}()
	}
	wg.Wait()
	return results
}

// Cancel implements spec.md §5 "Cancellation": it transitions planID to
// cancelled, rejects every approval currently pending for it, and requests
// cooperative cancellation of its running workflow. Returns an error if no
// workflow is currently tracked for planID (already finished, or never
// submitted).
func (f *Facade) Cancel(ctx context.Context, planID string) error {
	h, ok := f.handle(planID)
	if !ok {
		return fmt.Errorf("orchestrator: no running plan %q", planID)
	}
	if err := f.deps.Plans.UpdatePlanStatus(ctx, planID, plan.PlanCancelled); err != nil {
		return fmt.Errorf("orchestrator: persist cancelled status for plan %q: %w", planID, err)
	}
	f.deps.Approvals.Cancel(planID)
	return h.Cancel(ctx)
}

// GetPlan returns the persisted state of one plan.
func (f *Facade) GetPlan(ctx context.Context, planID string) (*planstate.PlanState, error) {
	return f.deps.Plans.GetPlan(ctx, planID)
}

// ListPlans returns a filtered, reduced projection of persisted plans.
func (f *Facade) ListPlans(ctx context.Context, filter planstate.Filter) ([]planstate.Summary, error) {
	return f.deps.Plans.ListPlans(ctx, filter)
}

// Approve submits an approval decision for a pending action, unblocking
// the GuardCheck activity that is waiting on it.
func (f *Facade) Approve(planID, actionID string, d approval.Decision) error {
	return f.deps.Approvals.SubmitDecision(planID, actionID, d)
}

// PendingApprovals lists the approval requests currently awaiting a
// decision for planID.
func (f *Facade) PendingApprovals(planID string) []approval.PendingRequest {
	return f.deps.Approvals.ListPending(planID)
}

// VerifyDryRun runs the intent verifier over p without persisting or
// scheduling it (spec.md §6 POST /intent-verifier/verify).
func (f *Facade) VerifyDryRun(ctx context.Context, p *plan.Plan) (plan.VerificationResult, error) {
	if err := plan.Validate(p); err != nil {
		return plan.VerificationResult{}, err
	}
	return f.deps.Verifier.VerifyPlan(ctx, p), nil
}

// ThreatCategories lists the verifier's built-in and user-registered
// threat categories.
func (f *Facade) ThreatCategories() []verifier.ThreatCategory {
	return f.categories.List()
}

// RegisterThreatCategory adds or replaces a user-defined threat category,
// invalidating the verifier's classification cache.
func (f *Facade) RegisterThreatCategory(c verifier.ThreatCategory) {
	f.categories.Register(c)
}

// RemoveThreatCategory removes a user-defined threat category by name.
func (f *Facade) RemoveThreatCategory(name string) {
	f.categories.Remove(name)
}

// Modules lists every registered capability module's manifest.
func (f *Facade) Modules() []module.Manifest {
	return f.deps.Modules.List()
}

// Module returns one module's manifest.
func (f *Facade) Module(id string) (module.Manifest, bool) {
	m, ok := f.deps.Modules.Get(id)
	if !ok {
		return module.Manifest{}, false
	}
	return m.Manifest(), true
}

// Context aggregates get_context_snippets from every module that exposes
// one (spec.md §4.2, GET /context).
func (f *Facade) Context(ctx context.Context) map[string]string {
	return f.deps.Modules.GetContextSnippets(ctx)
}

func (f *Facade) storeHandle(planID string, h engine.WorkflowHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handles[planID] = h
}

func (f *Facade) dropHandle(planID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handles, planID)
}

func (f *Facade) handle(planID string) (engine.WorkflowHandle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handles[planID]
	return h, ok
}
