package inmem_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmos-bridge/llmos-bridge/engine"
	"github.com/llmos-bridge/llmos-bridge/engine/inmem"
)

func TestExecuteActivityReturnsHandlerResult(t *testing.T) {
	e := inmem.New()
	ctx := context.Background()

	require.NoError(t, e.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: "double",
		Handler: func(_ context.Context, input any) (any, error) {
			return input.(int) * 2, nil
		},
	}))
	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "doubler",
		Handler: func(wc engine.WorkflowContext, input any) (any, error) {
			var result int
			if err := wc.ExecuteActivity(wc.Context(), engine.ActivityRequest{Name: "double", Input: input}, &result); err != nil {
				return nil, err
			}
			return result, nil
		},
	}))

	h, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "w1", Workflow: "doubler", Input: 21})
	require.NoError(t, err)

	var result int
	require.NoError(t, h.Wait(ctx, &result))
	assert.Equal(t, 42, result)
}

func TestWorkflowErrorPropagatesThroughWait(t *testing.T) {
	e := inmem.New()
	ctx := context.Background()
	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "failer",
		Handler: func(engine.WorkflowContext, any) (any, error) {
			return nil, assertError
		},
	}))

	h, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "w1", Workflow: "failer"})
	require.NoError(t, err)

	err = h.Wait(ctx, nil)
	require.Error(t, err)
}

var assertError = fakeErr("boom")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func TestStartWorkflowRejectsUnregisteredName(t *testing.T) {
	e := inmem.New()
	_, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "w1", Workflow: "missing"})
	require.Error(t, err)
}

func TestStartWorkflowRequiresID(t *testing.T) {
	e := inmem.New()
	ctx := context.Background()
	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:    "noop",
		Handler: func(engine.WorkflowContext, any) (any, error) { return nil, nil },
	}))
	_, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{Workflow: "noop"})
	require.Error(t, err)
}

func TestRegisterActivityRejectsDuplicate(t *testing.T) {
	e := inmem.New()
	ctx := context.Background()
	def := engine.ActivityDefinition{Name: "a", Handler: func(context.Context, any) (any, error) { return nil, nil }}
	require.NoError(t, e.RegisterActivity(ctx, def))
	require.Error(t, e.RegisterActivity(ctx, def))
}

func TestExecuteActivityAsyncAllowsConcurrentFanOut(t *testing.T) {
	e := inmem.New()
	ctx := context.Background()
	require.NoError(t, e.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: "slow",
		Handler: func(_ context.Context, input any) (any, error) {
			time.Sleep(10 * time.Millisecond)
			return input, nil
		},
	}))
	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "fanout",
		Handler: func(wc engine.WorkflowContext, input any) (any, error) {
			futs := make([]engine.Future, 3)
			for i := 0; i < 3; i++ {
				f, err := wc.ExecuteActivityAsync(wc.Context(), engine.ActivityRequest{Name: "slow", Input: i})
				if err != nil {
					return nil, err
				}
				futs[i] = f
			}
			sum := 0
			for _, f := range futs {
				var v int
				if err := f.Get(wc.Context(), &v); err != nil {
					return nil, err
				}
				sum += v
			}
			return sum, nil
		},
	}))

	h, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "w1", Workflow: "fanout"})
	require.NoError(t, err)
	var result int
	require.NoError(t, h.Wait(ctx, &result))
	assert.Equal(t, 3, result) // 0+1+2
}

func TestSignalDeliversToWorkflow(t *testing.T) {
	e := inmem.New()
	ctx := context.Background()
	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "waiter",
		Handler: func(wc engine.WorkflowContext, _ any) (any, error) {
			var v string
			if err := wc.SignalChannel("go").Receive(wc.Context(), &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}))

	h, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "w1", Workflow: "waiter"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.Signal(context.Background(), "go", "hello") == nil
	}, time.Second, time.Millisecond)

	var result string
	require.NoError(t, h.Wait(ctx, &result))
	assert.Equal(t, "hello", result)
}
