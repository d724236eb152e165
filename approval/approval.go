// Package approval implements the approval gate (spec.md §4.7): a map of
// (plan_id, action_id) pending requests that suspend the calling action
// dispatch until a decision arrives, a timeout expires, or the plan is
// cancelled. The blocking-channel suspend/resume shape mirrors the
// teacher's interrupt.Controller (runtime/agent/interrupt/controller.go),
// adapted from Temporal signal channels to plain Go channels since the
// approval gate is a process-local facade, not itself a workflow.
package approval

import (
	"context"
	"sync"
	"time"

	"github.com/llmos-bridge/llmos-bridge/errs"
)

// DecisionKind is the outcome of a human (or automated) approval decision.
type DecisionKind string

const (
	DecisionApprove DecisionKind = "approve"
	DecisionReject  DecisionKind = "reject"
	DecisionSkip    DecisionKind = "skip"
)

// TimeoutBehavior controls what happens when a request's timeout elapses
// with no decision, per spec.md §4.7.
type TimeoutBehavior string

const (
	TimeoutReject TimeoutBehavior = "reject"
	TimeoutSkip   TimeoutBehavior = "skip"
)

// Decision is submitted by the approver to resolve a pending request.
type Decision struct {
	Kind           DecisionKind
	ModifiedParams map[string]any
	Reason         string
	// ApprovedBy identifies who made the decision (spec.md §6 POST
	// .../approve's optional approved_by field), e.g. a user id or "auto"
	// for a scripted/automated approver. Empty means unspecified.
	ApprovedBy string
}

// PendingRequest describes one action suspended at the approval gate.
type PendingRequest struct {
	PlanID          string
	ActionID        string
	Metadata        map[string]any
	RequestedAt     time.Time
	TimeoutBehavior TimeoutBehavior
}

// Response is returned to the caller of Request once the request resolves,
// either via a submitted Decision or a timeout/cancellation synthesised
// into an equivalent Decision.
type Response struct {
	Decision Decision
}

type key struct {
	planID   string
	actionID string
}

type entry struct {
	req    PendingRequest
	respCh chan Decision
}

// Gate owns the pending-request map and implements the approval gate
// contract of spec.md §4.7.
type Gate struct {
	mu      sync.Mutex
	pending map[key]*entry
}

// NewGate constructs an empty Gate.
func NewGate() *Gate {
	return &Gate{pending: map[key]*entry{}}
}

// Request suspends the caller until a decision arrives, the timeout
// expires, or ctx is cancelled (e.g. because the plan was cancelled
// concurrently and Cancel resolved this request already).
func (g *Gate) Request(ctx context.Context, planID, actionID string, metadata map[string]any, timeout time.Duration, onTimeout TimeoutBehavior) (Response, error) {
	k := key{planID: planID, actionID: actionID}
	e := &entry{
		req: PendingRequest{
			PlanID:          planID,
			ActionID:        actionID,
			Metadata:        metadata,
			RequestedAt:     time.Now(),
			TimeoutBehavior: onTimeout,
		},
		respCh: make(chan Decision, 1),
	}

	g.mu.Lock()
	if _, exists := g.pending[k]; exists {
		g.mu.Unlock()
		return Response{}, errs.New(errs.CodeValidation, "approval already pending for plan %q action %q", planID, actionID)
	}
	g.pending[k] = e
	g.mu.Unlock()

	defer g.remove(k)

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case d := <-e.respCh:
		return Response{Decision: d}, nil
	case <-timeoutCh:
		return g.timeoutResponse(onTimeout), nil
	case <-ctx.Done():
		select {
		case d := <-e.respCh:
			return Response{Decision: d}, nil
		default:
			return Response{}, errs.Wrap(errs.CodeApprovalTimeout, ctx.Err(), "approval wait cancelled for plan %q action %q", planID, actionID)
		}
	}
}

func (g *Gate) timeoutResponse(onTimeout TimeoutBehavior) Response {
	if onTimeout == TimeoutSkip {
		return Response{Decision: Decision{Kind: DecisionSkip, Reason: "approval timed out"}}
	}
	return Response{Decision: Decision{Kind: DecisionReject, Reason: "approval timed out"}}
}

// SubmitDecision resolves a pending request, per spec.md §4.7.
func (g *Gate) SubmitDecision(planID, actionID string, d Decision) error {
	k := key{planID: planID, actionID: actionID}
	g.mu.Lock()
	e, ok := g.pending[k]
	g.mu.Unlock()
	if !ok {
		return errs.New(errs.CodeValidation, "no pending approval for plan %q action %q", planID, actionID)
	}
	select {
	case e.respCh <- d:
		return nil
	default:
		return errs.New(errs.CodeValidation, "approval for plan %q action %q already resolved", planID, actionID)
	}
}

// ListPending returns pending requests, optionally filtered to one plan.
func (g *Gate) ListPending(planID string) []PendingRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []PendingRequest
	for k, e := range g.pending {
		if planID != "" && k.planID != planID {
			continue
		}
		out = append(out, e.req)
	}
	return out
}

// Cancel resolves every pending request for planID as rejected with reason
// "plan cancelled", per spec.md §4.7.
func (g *Gate) Cancel(planID string) {
	g.mu.Lock()
	var entries []*entry
	for k, e := range g.pending {
		if k.planID == planID {
			entries = append(entries, e)
		}
	}
	g.mu.Unlock()

	for _, e := range entries {
		select {
		case e.respCh <- Decision{Kind: DecisionReject, Reason: "plan cancelled"}:
		default:
		}
	}
}

func (g *Gate) remove(k key) {
	g.mu.Lock()
	delete(g.pending, k)
	g.mu.Unlock()
}
