// Package temporal is the durable engine.Engine adapter: it runs the DAG
// scheduler's workflows and activities on a real Temporal cluster so a plan
// survives a daemon restart mid-execution, recovering via Temporal's own
// replay rather than planstate alone. The adapter shape -- Options, Engine,
// per-task-queue worker bundles, OTEL interceptor wiring -- is grounded
// directly on the teacher's runtime/agent/engine/temporal package. It is
// trimmed of the teacher's typed planner/tool/hook activity calls, child
// workflow support, and query handlers, none of which the scheduler's
// single-workflow-per-plan design needs; those concerns collapse here to the
// same RegisterWorkflow/RegisterActivity/StartWorkflow surface the in-memory
// adapter implements, so the scheduler is written once against
// engine.Engine and can run on either backend unmodified.
package temporal

import (
	"context"
	"fmt"
	"sync"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"goa.design/clue/log"

	"github.com/llmos-bridge/llmos-bridge/engine"
)

// Options configures the Temporal engine adapter. Either Client or
// ClientOptions must be provided.
type Options struct {
	// Client is a pre-configured Temporal client. If nil, the adapter builds
	// a lazy client from ClientOptions and owns its lifecycle (Close tears
	// it down); if provided, the caller owns it and Close is a no-op.
	Client client.Client

	// ClientOptions describes how to construct the client when Client is
	// nil. Required in that case.
	ClientOptions *client.Options

	// WorkerOptions configures the default task queue and worker.Options
	// shared by every per-queue worker the engine creates.
	WorkerOptions WorkerOptions

	// Instrumentation toggles OTEL tracing/metrics interceptors. Both are
	// enabled by default.
	Instrumentation InstrumentationOptions

	// DisableWorkerAutoStart disables starting workers on first
	// StartWorkflow call; the caller must call Worker().Start() itself.
	DisableWorkerAutoStart bool
}

// WorkerOptions configures the default task queue and the worker.Options
// applied to every per-queue worker the engine creates.
type WorkerOptions struct {
	TaskQueue string
	Options   worker.Options
}

// InstrumentationOptions toggles OTEL interceptor wiring on the client and
// workers.
type InstrumentationOptions struct {
	DisableTracing bool
	DisableMetrics bool

	TracerOptions  temporalotel.TracerOptions
	MetricsOptions temporalotel.MetricsHandlerOptions
}

// Engine implements engine.Engine on top of a Temporal client, running one
// worker per distinct task queue referenced by a registered workflow or
// activity.
type Engine struct {
	client      client.Client
	closeClient bool

	defaultQueue      string
	workerOpts        worker.Options
	autoStartDisabled bool

	mu              sync.Mutex
	workers         map[string]*workerBundle
	workersStarted  bool
	workflows       map[string]engine.WorkflowDefinition
	activityOptions map[string]engine.ActivityOptions
}

// New constructs a Temporal engine adapter. WorkerOptions.TaskQueue is
// required; either Client or ClientOptions must be set.
func New(opts Options) (*Engine, error) {
	defaultQueue := opts.WorkerOptions.TaskQueue
	if defaultQueue == "" {
		return nil, fmt.Errorf("temporal engine: worker options must include a default task queue")
	}

	inst, err := configureInstrumentation(opts.Instrumentation)
	if err != nil {
		return nil, err
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		applyClientInstrumentation(&clientOpts, inst)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	workerOpts := opts.WorkerOptions.Options
	applyWorkerInstrumentation(&workerOpts, inst)

	return &Engine{
		client:            cli,
		closeClient:       closeClient,
		defaultQueue:      defaultQueue,
		workerOpts:        workerOpts,
		autoStartDisabled: opts.DisableWorkerAutoStart,
		workers:           make(map[string]*workerBundle),
		workflows:         make(map[string]engine.WorkflowDefinition),
		activityOptions:   make(map[string]engine.ActivityOptions),
	}, nil
}

// RegisterWorkflow registers a workflow on the worker for its task queue
// (or the engine's default queue), wrapping the handler to adapt a
// workflow.Context into engine.WorkflowContext.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return fmt.Errorf("temporal engine: workflow name and handler are required")
	}
	queue := def.TaskQueue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}

	bundle.registerWorkflow(def.Name, func(tctx workflow.Context, input any) (any, error) {
		wfCtx := newTemporalWorkflowContext(e, tctx)
		return def.Handler(wfCtx, input)
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; exists {
		return fmt.Errorf("temporal engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterActivity registers an activity on the worker for its task queue
// (or the engine's default queue).
func (e *Engine) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return fmt.Errorf("temporal engine: activity name and handler are required")
	}
	queue := def.Options.Queue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}

	bundle.registerActivity(def.Name, func(actx context.Context, input any) (any, error) {
		return def.Handler(actx, input)
	})

	e.mu.Lock()
	if _, exists := e.activityOptions[def.Name]; exists {
		e.mu.Unlock()
		return fmt.Errorf("temporal engine: activity %q already registered", def.Name)
	}
	e.activityOptions[def.Name] = def.Options
	e.mu.Unlock()
	return nil
}

// StartWorkflow launches a workflow execution via the Temporal client,
// auto-starting workers first unless DisableWorkerAutoStart is set.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.Workflow == "" {
		return nil, fmt.Errorf("temporal engine: workflow name is required")
	}
	def, err := e.workflowDefinition(req.Workflow)
	if err != nil {
		return nil, err
	}

	if !e.autoStartDisabled {
		e.ensureWorkersStarted()
	}

	queue := req.TaskQueue
	if queue == "" {
		queue = def.TaskQueue
	}
	if queue == "" {
		queue = e.defaultQueue
	}

	opts := client.StartWorkflowOptions{ID: req.ID, TaskQueue: queue}
	if rp := convertRetryPolicy(req.RetryPolicy); rp != nil {
		opts.RetryPolicy = rp
	}

	run, err := e.client.ExecuteWorkflow(ctx, opts, def.Name, req.Input)
	if err != nil {
		return nil, err
	}
	return &workflowHandle{run: run, client: e.client}, nil
}

// Worker returns a controller for manually starting/stopping workers when
// DisableWorkerAutoStart is set.
func (e *Engine) Worker() *WorkerController { return &WorkerController{engine: e} }

// Close shuts down the Temporal client, if the engine created it itself.
func (e *Engine) Close() error {
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
	return nil
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	if queue == "" {
		queue = e.defaultQueue
	}
	if queue == "" {
		return nil, fmt.Errorf("temporal engine: no task queue configured")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if bundle, ok := e.workers[queue]; ok {
		return bundle, nil
	}
	bundle := &workerBundle{queue: queue, worker: worker.New(e.client, queue, e.workerOpts)}
	e.workers[queue] = bundle
	if e.workersStarted {
		bundle.start()
	}
	return bundle, nil
}

func (e *Engine) workflowDefinition(name string) (engine.WorkflowDefinition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	def, ok := e.workflows[name]
	if !ok {
		return engine.WorkflowDefinition{}, fmt.Errorf("temporal engine: workflow %q is not registered", name)
	}
	return def, nil
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	if e.workersStarted {
		e.mu.Unlock()
		return
	}
	e.workersStarted = true
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.start()
	}
}

func (e *Engine) activityDefaultsFor(name string) engine.ActivityOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activityOptions[name]
}

// WorkerController starts or stops every worker the engine manages.
type WorkerController struct {
	engine *Engine
}

// Start launches all registered workers.
func (c *WorkerController) Start() error {
	c.engine.ensureWorkersStarted()
	return nil
}

// Stop gracefully stops all workers.
func (c *WorkerController) Stop() {
	c.engine.mu.Lock()
	bundles := make([]*workerBundle, 0, len(c.engine.workers))
	for _, b := range c.engine.workers {
		bundles = append(bundles, b)
	}
	c.engine.mu.Unlock()
	for _, b := range bundles {
		b.stop()
	}
}

type workerBundle struct {
	queue     string
	worker    worker.Worker
	startOnce sync.Once
}

func (b *workerBundle) start() {
	b.startOnce.Do(func() {
		go func() {
			if err := b.worker.Run(worker.InterruptCh()); err != nil {
				log.Error(context.Background(), err, log.KV{K: "component", V: "temporal_worker"}, log.KV{K: "queue", V: b.queue})
			}
		}()
	})
}

func (b *workerBundle) stop() { b.worker.Stop() }

func (b *workerBundle) registerWorkflow(name string, fn any) {
	b.worker.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
}

func (b *workerBundle) registerActivity(name string, fn any) {
	b.worker.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
}

type instrumentation struct {
	tracer  interceptor.Interceptor
	metrics client.MetricsHandler
}

func configureInstrumentation(opts InstrumentationOptions) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(opts.TracerOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(opts.MetricsOptions)
	}
	if inst.tracer == nil && inst.metrics == nil {
		return nil, nil
	}
	return inst, nil
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
}

type workflowHandle struct {
	run    client.WorkflowRun
	client client.Client
}

func (h *workflowHandle) Wait(ctx context.Context, result any) error {
	return h.run.Get(ctx, result)
}

func (h *workflowHandle) Signal(ctx context.Context, name string, payload any) error {
	return h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, payload)
}

func (h *workflowHandle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}
