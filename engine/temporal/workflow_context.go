package temporal

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/llmos-bridge/llmos-bridge/engine"
)

// temporalWorkflowContext adapts a workflow.Context into engine.WorkflowContext,
// grounded on the teacher's temporalWorkflowContext but trimmed of its typed
// planner/tool/hook activity calls, child workflow support, and query
// handlers -- the scheduler issues one kind of activity call
// (ExecuteActivity/ExecuteActivityAsync, any-typed). SignalChannel is
// provided, but the scheduler does not use it: its approval wait runs
// inside the guard-check activity.
type temporalWorkflowContext struct {
	engine     *Engine
	ctx        workflow.Context
	workflowID string
	runID      string
}

func newTemporalWorkflowContext(e *Engine, ctx workflow.Context) *temporalWorkflowContext {
	info := workflow.GetInfo(ctx)
	return &temporalWorkflowContext{
		engine:     e,
		ctx:        ctx,
		workflowID: info.WorkflowExecution.ID,
		runID:      info.WorkflowExecution.RunID,
	}
}

// normalizeTemporalError translates Temporal's cancellation error into
// context.Canceled so callers can classify cancellation without depending on
// Temporal SDK error types.
func normalizeTemporalError(err error) error {
	if err == nil {
		return nil
	}
	if temporal.IsCanceledError(err) {
		return context.Canceled
	}
	return err
}

func mergeRetryPolicies(base, override engine.RetryPolicy) engine.RetryPolicy {
	result := base
	if override.MaxAttempts != 0 {
		result.MaxAttempts = override.MaxAttempts
	}
	if override.InitialInterval != 0 {
		result.InitialInterval = override.InitialInterval
	}
	if override.BackoffCoefficient != 0 {
		result.BackoffCoefficient = override.BackoffCoefficient
	}
	return result
}

func convertRetryPolicy(r engine.RetryPolicy) *temporal.RetryPolicy {
	if r.MaxAttempts == 0 && r.InitialInterval == 0 && r.BackoffCoefficient == 0 {
		return nil
	}
	policy := &temporal.RetryPolicy{}
	if r.MaxAttempts > 0 {
		//nolint:gosec // bounded by plan validation before this policy is built.
		policy.MaximumAttempts = int32(r.MaxAttempts)
	}
	if r.InitialInterval > 0 {
		policy.InitialInterval = r.InitialInterval
	}
	if r.BackoffCoefficient > 0 {
		policy.BackoffCoefficient = r.BackoffCoefficient
	}
	return policy
}

func (w *temporalWorkflowContext) Context() context.Context {
	ctx := context.WithValue(context.Background(), workflowIDKey, w.workflowID)
	return context.WithValue(ctx, runIDKey, w.runID)
}

type contextKey string

const (
	workflowIDKey contextKey = "temporal.workflow_id"
	runIDKey      contextKey = "temporal.run_id"
)

func (w *temporalWorkflowContext) WorkflowID() string { return w.workflowID }
func (w *temporalWorkflowContext) RunID() string      { return w.runID }
func (w *temporalWorkflowContext) Now() time.Time     { return workflow.Now(w.ctx) }

func (w *temporalWorkflowContext) ExecuteActivity(_ context.Context, req engine.ActivityRequest, result any) error {
	fut, err := w.ExecuteActivityAsync(context.Background(), req)
	if err != nil {
		return err
	}
	return fut.Get(context.Background(), result)
}

func (w *temporalWorkflowContext) ExecuteActivityAsync(_ context.Context, req engine.ActivityRequest) (engine.Future, error) {
	if req.Name == "" {
		return nil, errors.New("activity name is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(req.Name, req))
	fut := workflow.ExecuteActivity(actx, req.Name, req.Input)
	return &temporalFuture{future: fut, ctx: actx}, nil
}

func (w *temporalWorkflowContext) SignalChannel(name string) engine.SignalChannel {
	return &temporalSignalChannel{ctx: w.ctx, ch: workflow.GetSignalChannel(w.ctx, name)}
}

func (w *temporalWorkflowContext) activityOptionsFor(name string, req engine.ActivityRequest) workflow.ActivityOptions {
	defaults := w.engine.activityDefaultsFor(name)

	queue := req.Queue
	if queue == "" {
		queue = defaults.Queue
	}
	if queue == "" {
		queue = w.engine.defaultQueue
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = defaults.Timeout
	}
	if timeout == 0 {
		timeout = time.Minute
	}

	retry := mergeRetryPolicies(defaults.RetryPolicy, req.RetryPolicy)

	return workflow.ActivityOptions{
		ScheduleToStartTimeout: timeout,
		StartToCloseTimeout:    timeout,
		TaskQueue:              queue,
		RetryPolicy:            convertRetryPolicy(retry),
	}
}

type temporalFuture struct {
	future workflow.Future
	ctx    workflow.Context
}

func (f *temporalFuture) Get(_ context.Context, result any) error {
	if err := f.future.Get(f.ctx, result); err != nil {
		return normalizeTemporalError(err)
	}
	return nil
}

func (f *temporalFuture) IsReady() bool { return f.future.IsReady() }

// temporalSignalChannel adapts a Temporal signal channel to
// engine.SignalChannel. Receive blocks on the workflow context, not the
// context.Context argument, since Temporal signal delivery is only
// replay-safe through workflow.Context.
type temporalSignalChannel struct {
	ctx workflow.Context
	ch  workflow.ReceiveChannel
}

func (s *temporalSignalChannel) Receive(_ context.Context, dest any) error {
	s.ch.Receive(s.ctx, dest)
	return nil
}

func (s *temporalSignalChannel) ReceiveAsync(dest any) bool {
	return s.ch.ReceiveAsync(dest)
}
