package approval_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmos-bridge/llmos-bridge/approval"
)

func TestRequestResolvesOnApproveWithModifiedParams(t *testing.T) {
	g := approval.NewGate()
	done := make(chan approval.Response, 1)

	go func() {
		resp, err := g.Request(context.Background(), "p1", "a1", map[string]any{"action": "delete_file"}, 0, approval.TimeoutReject)
		require.NoError(t, err)
		done <- resp
	}()

	require.Eventually(t, func() bool { return len(g.ListPending("p1")) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, g.SubmitDecision("p1", "a1", approval.Decision{
		Kind:           approval.DecisionApprove,
		ModifiedParams: map[string]any{"path": "/tmp/safe"},
	}))

	resp := <-done
	assert.Equal(t, approval.DecisionApprove, resp.Decision.Kind)
	assert.Equal(t, "/tmp/safe", resp.Decision.ModifiedParams["path"])
}

func TestRequestResolvesOnRejectWithReason(t *testing.T) {
	g := approval.NewGate()
	done := make(chan approval.Response, 1)

	go func() {
		resp, _ := g.Request(context.Background(), "p1", "a1", nil, 0, approval.TimeoutReject)
		done <- resp
	}()

	require.Eventually(t, func() bool { return len(g.ListPending("p1")) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, g.SubmitDecision("p1", "a1", approval.Decision{Kind: approval.DecisionReject, Reason: "looks destructive"}))

	resp := <-done
	assert.Equal(t, approval.DecisionReject, resp.Decision.Kind)
	assert.Equal(t, "looks destructive", resp.Decision.Reason)
}

func TestRequestResolvesOnSkip(t *testing.T) {
	g := approval.NewGate()
	done := make(chan approval.Response, 1)

	go func() {
		resp, _ := g.Request(context.Background(), "p1", "a1", nil, 0, approval.TimeoutReject)
		done <- resp
	}()

	require.Eventually(t, func() bool { return len(g.ListPending("p1")) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, g.SubmitDecision("p1", "a1", approval.Decision{Kind: approval.DecisionSkip}))

	resp := <-done
	assert.Equal(t, approval.DecisionSkip, resp.Decision.Kind)
}

func TestRequestTimeoutDefaultsToReject(t *testing.T) {
	g := approval.NewGate()
	resp, err := g.Request(context.Background(), "p1", "a1", nil, 10*time.Millisecond, approval.TimeoutReject)
	require.NoError(t, err)
	assert.Equal(t, approval.DecisionReject, resp.Decision.Kind)
	assert.Equal(t, "approval timed out", resp.Decision.Reason)
}

func TestRequestTimeoutCanSkipInstead(t *testing.T) {
	g := approval.NewGate()
	resp, err := g.Request(context.Background(), "p1", "a1", nil, 10*time.Millisecond, approval.TimeoutSkip)
	require.NoError(t, err)
	assert.Equal(t, approval.DecisionSkip, resp.Decision.Kind)
}

func TestRequestRemovesEntryAfterResolution(t *testing.T) {
	g := approval.NewGate()
	_, err := g.Request(context.Background(), "p1", "a1", nil, 5*time.Millisecond, approval.TimeoutReject)
	require.NoError(t, err)
	assert.Empty(t, g.ListPending("p1"))
}

func TestCancelResolvesAllPendingForPlan(t *testing.T) {
	g := approval.NewGate()
	done1 := make(chan approval.Response, 1)
	done2 := make(chan approval.Response, 1)

	go func() {
		resp, _ := g.Request(context.Background(), "p1", "a1", nil, 0, approval.TimeoutReject)
		done1 <- resp
	}()
	go func() {
		resp, _ := g.Request(context.Background(), "p1", "a2", nil, 0, approval.TimeoutReject)
		done2 <- resp
	}()
	require.Eventually(t, func() bool { return len(g.ListPending("p1")) == 2 }, time.Second, time.Millisecond)

	g.Cancel("p1")

	r1 := <-done1
	r2 := <-done2
	assert.Equal(t, approval.DecisionReject, r1.Decision.Kind)
	assert.Equal(t, "plan cancelled", r1.Decision.Reason)
	assert.Equal(t, approval.DecisionReject, r2.Decision.Kind)
	assert.Equal(t, "plan cancelled", r2.Decision.Reason)
}

func TestCancelDoesNotAffectOtherPlans(t *testing.T) {
	g := approval.NewGate()
	done := make(chan approval.Response, 1)
	go func() {
		resp, _ := g.Request(context.Background(), "p2", "a1", nil, 0, approval.TimeoutReject)
		done <- resp
	}()
	require.Eventually(t, func() bool { return len(g.ListPending("p2")) == 1 }, time.Second, time.Millisecond)

	g.Cancel("p1")
	assert.Len(t, g.ListPending("p2"), 1)

	require.NoError(t, g.SubmitDecision("p2", "a1", approval.Decision{Kind: approval.DecisionApprove}))
	<-done
}

func TestListPendingFiltersByPlan(t *testing.T) {
	g := approval.NewGate()
	go g.Request(context.Background(), "p1", "a1", nil, 200*time.Millisecond, approval.TimeoutReject)
	go g.Request(context.Background(), "p2", "a1", nil, 200*time.Millisecond, approval.TimeoutReject)
	require.Eventually(t, func() bool { return len(g.ListPending("")) == 2 }, time.Second, time.Millisecond)

	assert.Len(t, g.ListPending("p1"), 1)
	assert.Len(t, g.ListPending("p2"), 1)
	assert.Len(t, g.ListPending(""), 2)
}

func TestSubmitDecisionErrorsWhenNothingPending(t *testing.T) {
	g := approval.NewGate()
	err := g.SubmitDecision("p1", "missing", approval.Decision{Kind: approval.DecisionApprove})
	require.Error(t, err)
}

func TestRequestDuplicateKeyRejected(t *testing.T) {
	g := approval.NewGate()
	go g.Request(context.Background(), "p1", "a1", nil, 200*time.Millisecond, approval.TimeoutReject)
	require.Eventually(t, func() bool { return len(g.ListPending("p1")) == 1 }, time.Second, time.Millisecond)

	_, err := g.Request(context.Background(), "p1", "a1", nil, 0, approval.TimeoutReject)
	require.Error(t, err)
}

func TestRequestContextCancellationReturnsError(t *testing.T) {
	g := approval.NewGate()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := g.Request(ctx, "p1", "a1", nil, 0, approval.TimeoutReject)
		done <- err
	}()
	require.Eventually(t, func() bool { return len(g.ListPending("p1")) == 1 }, time.Second, time.Millisecond)
	cancel()
	err := <-done
	require.Error(t, err)
}
