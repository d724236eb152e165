// Package engine defines the workflow engine abstraction the DAG scheduler
// is built against (spec.md §4.9), so the scheduler's orchestration logic
// can run unmodified against either a durable backend (package
// engine/temporal) or an in-process one (package engine/inmem). The shape
// is grounded directly on the teacher's runtime/agent/engine package:
// Engine/WorkflowDefinition/WorkflowContext/ActivityDefinition/
// WorkflowHandle with the same responsibilities, trimmed of the teacher's
// own telemetry accessor methods (Logger/Metrics/Tracer), which depended
// on an internal package this module does not carry forward; this package
// logs through goa.design/clue/log directly from activities instead.
package engine

import (
	"context"
	"time"
)

type (
	// Engine abstracts workflow registration and execution so the
	// scheduler can target Temporal, an in-memory engine, or any other
	// backend without touching its orchestration code.
	Engine interface {
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error
		RegisterActivity(ctx context.Context, def ActivityDefinition) error
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
	}

	// WorkflowDefinition binds a workflow handler to a logical name and
	// default task queue.
	WorkflowDefinition struct {
		Name      string
		TaskQueue string
		Handler   WorkflowFunc
	}

	// WorkflowFunc is a workflow entry point. It must be deterministic:
	// every side effect (module dispatch, LLM calls, clock reads, sleeps)
	// happens through ExecuteActivity/Now so replay produces the same
	// execution sequence.
	WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

	// WorkflowContext exposes engine operations to a running workflow.
	WorkflowContext interface {
		Context() context.Context
		WorkflowID() string
		RunID() string

		// ExecuteActivity schedules an activity and blocks for its result,
		// populating result with the activity's return value.
		ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error

		// ExecuteActivityAsync schedules an activity without blocking.
		ExecuteActivityAsync(ctx context.Context, req ActivityRequest) (Future, error)

		// SignalChannel exposes a named signal channel, for future use by
		// external-decision points (e.g. a Temporal-backed approval path);
		// the scheduler's current approval wait runs as a blocking activity
		// instead (package approval), so this is exercised by the engine
		// adapters and their tests, not by the scheduler itself yet.
		SignalChannel(name string) SignalChannel

		// Now returns the current workflow time in a replay-safe manner.
		Now() time.Time
	}

	// Future represents a pending activity result from ExecuteActivityAsync.
	Future interface {
		Get(ctx context.Context, result any) error
		IsReady() bool
	}

	// ActivityDefinition registers an activity handler.
	ActivityDefinition struct {
		Name    string
		Handler ActivityFunc
		Options ActivityOptions
	}

	// ActivityFunc performs a side-effecting unit of work.
	ActivityFunc func(ctx context.Context, input any) (any, error)

	// ActivityOptions configures retry/timeout behavior for an activity.
	ActivityOptions struct {
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// WorkflowStartRequest describes how to launch a workflow execution.
	WorkflowStartRequest struct {
		ID               string
		Workflow         string
		TaskQueue        string
		Input            any
		Memo             map[string]any
		SearchAttributes map[string]any
		RetryPolicy      RetryPolicy
	}

	// ActivityRequest schedules a single activity invocation.
	ActivityRequest struct {
		Name        string
		Input       any
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// WorkflowHandle lets callers interact with a running workflow.
	WorkflowHandle interface {
		Wait(ctx context.Context, result any) error
		Signal(ctx context.Context, name string, payload any) error
		Cancel(ctx context.Context) error
	}

	// RetryPolicy defines retry semantics shared by workflows and activities.
	RetryPolicy struct {
		MaxAttempts        int
		InitialInterval    time.Duration
		BackoffCoefficient float64
	}

	// SignalChannel exposes engine-agnostic signal delivery.
	SignalChannel interface {
		Receive(ctx context.Context, dest any) error
		ReceiveAsync(dest any) bool
	}
)
