// Package inmem is an in-process implementation of engine.Engine,
// grounded directly on the teacher's runtime/agent/engine/inmem package:
// goroutine-per-workflow/activity execution with channel-backed handles
// and futures, reflection-based result assignment, and no actual replay
// durability. It is used for unit tests and for single-process
// deployments that rely on planstate for crash recovery instead of an
// engine-level durability guarantee.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/llmos-bridge/llmos-bridge/engine"
)

type (
	eng struct {
		mu         sync.RWMutex
		workflows  map[string]engine.WorkflowDefinition
		activities map[string]activityEntry
	}

	activityEntry struct {
		handler engine.ActivityFunc
		opts    engine.ActivityOptions
	}

	handle struct {
		mu         sync.Mutex
		done       chan struct{}
		err        error
		result     any
		wfCtx      *wfCtx
		cancelFunc context.CancelFunc
	}

	wfCtx struct {
		ctx   context.Context
		id    string
		eng   *eng
		sigMu sync.Mutex
		sigs  map[string]*signalChan
	}

	future struct {
		mu     sync.Mutex
		ready  chan struct{}
		result any
		err    error
	}

	signalChan struct{ ch chan any }
)

// New returns an in-memory Engine suitable for tests and single-process
// deployments. It is not replay-safe: workflow handlers execute exactly
// once, on a live goroutine, with no durability beyond what the caller
// persists itself (see package planstate).
func New() engine.Engine {
	return &eng{
		workflows:  make(map[string]engine.WorkflowDefinition),
		activities: make(map[string]activityEntry),
	}
}

func (e *eng) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("invalid workflow definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

func (e *eng) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("invalid activity definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.activities[def.Name]; dup {
		return fmt.Errorf("activity %q already registered", def.Name)
	}
	e.activities[def.Name] = activityEntry{handler: def.Handler, opts: def.Options}
	return nil
}

func (e *eng) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	e.mu.RLock()
	def, ok := e.workflows[req.Workflow]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow %q not registered", req.Workflow)
	}
	if req.ID == "" {
		return nil, errors.New("workflow id is required")
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	wc := &wfCtx{ctx: cancelCtx, id: req.ID, eng: e, sigs: make(map[string]*signalChan)}
	h := &handle{done: make(chan struct{}), wfCtx: wc, cancelFunc: cancel}

	go func() {
		defer close(h.done)
		defer cancel()
		res, err := def.Handler(wc, req.Input)
		h.mu.Lock()
		h.result, h.err = res, err
		h.mu.Unlock()
	}()

	return h, nil
}

func (h *handle) Wait(ctx context.Context, result any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		assignResult(result, h.result)
		return h.err
	}
}

func (h *handle) Signal(ctx context.Context, name string, payload any) error {
	ch := h.wfCtx.SignalChannel(name).(*signalChan)
	select {
	case ch.ch <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return errors.New("workflow already completed")
	}
}

// Cancel requests cooperative cancellation (spec.md §5 "Cancellation"): it
// cancels the workflow's context, which every in-flight and future
// ExecuteActivity call in this run derives its own context from. An
// activity that itself ignores ctx keeps running to completion; the
// workflow and any activity still waiting on ctx.Done() return immediately.
func (h *handle) Cancel(context.Context) error {
	h.cancelFunc()
	return nil
}

func (w *wfCtx) Context() context.Context { return w.ctx }
func (w *wfCtx) WorkflowID() string       { return w.id }
func (w *wfCtx) RunID() string            { return w.id }
func (w *wfCtx) Now() time.Time           { return time.Now() }

func (w *wfCtx) ExecuteActivity(ctx context.Context, req engine.ActivityRequest, result any) error {
	fut, err := w.ExecuteActivityAsync(ctx, req)
	if err != nil {
		return err
	}
	return fut.Get(ctx, result)
}

func (w *wfCtx) ExecuteActivityAsync(ctx context.Context, req engine.ActivityRequest) (engine.Future, error) {
	w.eng.mu.RLock()
	entry, ok := w.eng.activities[req.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("activity %q not registered", req.Name)
	}

	f := &future{ready: make(chan struct{})}
	go func() {
		defer close(f.ready)
		actCtx := ctx
		if req.Timeout > 0 {
			var cancel context.CancelFunc
			actCtx, cancel = context.WithTimeout(ctx, req.Timeout)
			defer cancel()
		}
		res, err := entry.handler(actCtx, req.Input)
		f.mu.Lock()
		f.result, f.err = res, err
		f.mu.Unlock()
	}()
	return f, nil
}

func (w *wfCtx) SignalChannel(name string) engine.SignalChannel {
	w.sigMu.Lock()
	defer w.sigMu.Unlock()
	ch, ok := w.sigs[name]
	if !ok {
		ch = &signalChan{ch: make(chan any, 1)}
		w.sigs[name] = ch
	}
	return ch
}

func (f *future) Get(ctx context.Context, result any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.ready:
		f.mu.Lock()
		defer f.mu.Unlock()
		assignResult(result, f.result)
		return f.err
	}
}

func (f *future) IsReady() bool {
	select {
	case <-f.ready:
		return true
	default:
		return false
	}
}

func (s *signalChan) Receive(ctx context.Context, dest any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case v := <-s.ch:
		assignResult(dest, v)
		return nil
	}
}

func (s *signalChan) ReceiveAsync(dest any) bool {
	select {
	case v := <-s.ch:
		assignResult(dest, v)
		return true
	default:
		return false
	}
}

func assignResult(dst, src any) {
	if dst == nil || src == nil {
		return
	}
	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Ptr || dv.IsNil() {
		return
	}
	sv := reflect.ValueOf(src)
	if sv.IsValid() && sv.Type().AssignableTo(dv.Elem().Type()) {
		dv.Elem().Set(sv)
		return
	}
	if dv.Elem().Kind() == reflect.Interface && sv.Type().Implements(dv.Elem().Type()) {
		dv.Elem().Set(sv)
	}
}
