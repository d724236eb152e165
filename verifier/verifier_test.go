package verifier_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmos-bridge/llmos-bridge/llm"
	"github.com/llmos-bridge/llmos-bridge/plan"
	"github.com/llmos-bridge/llmos-bridge/verifier"
)

type fakeLLM struct {
	calls    int
	response llm.ChatResponse
	err      error
}

func (f *fakeLLM) Chat(context.Context, llm.ChatRequest) (llm.ChatResponse, error) {
	f.calls++
	return f.response, f.err
}

func testPlan() *plan.Plan {
	return &plan.Plan{
		PlanID: "p1",
		Actions: []*plan.Action{
			{ID: "a", Module: "filesystem", Action: "read_file", Params: map[string]any{"path": "/tmp/x"}},
		},
	}
}

func TestVerifyPlanApprovesOnValidJSONVerdict(t *testing.T) {
	fake := &fakeLLM{response: llm.ChatResponse{Content: `{"verdict":"approve","risk_level":"low","reasoning":"benign"}`}}
	v := verifier.New(verifier.DefaultConfig(), fake, nil, nil)
	res := v.VerifyPlan(context.Background(), testPlan())
	assert.Equal(t, plan.VerdictApprove, res.Verdict)
	assert.False(t, res.Cached)
	assert.Equal(t, 1, fake.calls)
}

func TestVerifyPlanStripsMarkdownFences(t *testing.T) {
	fake := &fakeLLM{response: llm.ChatResponse{Content: "```json\n{\"verdict\":\"reject\",\"risk_level\":\"high\",\"reasoning\":\"bad\"}\n```"}}
	v := verifier.New(verifier.DefaultConfig(), fake, nil, nil)
	res := v.VerifyPlan(context.Background(), testPlan())
	assert.Equal(t, plan.VerdictReject, res.Verdict)
}

func TestVerifyPlanCachesByContentHash(t *testing.T) {
	fake := &fakeLLM{response: llm.ChatResponse{Content: `{"verdict":"approve","risk_level":"low"}`}}
	v := verifier.New(verifier.DefaultConfig(), fake, nil, nil)

	first := v.VerifyPlan(context.Background(), testPlan())
	require.False(t, first.Cached)

	second := v.VerifyPlan(context.Background(), testPlan())
	assert.True(t, second.Cached)
	assert.Equal(t, 1, fake.calls, "second call with identical content must hit cache")
}

func TestVerifyPlanCacheExcludesPlanID(t *testing.T) {
	fake := &fakeLLM{response: llm.ChatResponse{Content: `{"verdict":"approve","risk_level":"low"}`}}
	v := verifier.New(verifier.DefaultConfig(), fake, nil, nil)

	p1 := testPlan()
	p2 := testPlan()
	p2.PlanID = "different-plan-id"

	v.VerifyPlan(context.Background(), p1)
	v.VerifyPlan(context.Background(), p2)
	assert.Equal(t, 1, fake.calls, "plans differing only by plan_id must share a cache entry")
}

func TestVerifyPlanPermissiveFailurePolicyWarnsOnError(t *testing.T) {
	fake := &fakeLLM{err: errors.New("upstream timeout")}
	cfg := verifier.DefaultConfig()
	cfg.Strict = false
	v := verifier.New(cfg, fake, nil, nil)
	res := v.VerifyPlan(context.Background(), testPlan())
	assert.Equal(t, plan.VerdictWarn, res.Verdict)
}

func TestVerifyPlanStrictFailurePolicyRejectsOnError(t *testing.T) {
	fake := &fakeLLM{err: errors.New("upstream timeout")}
	cfg := verifier.DefaultConfig()
	cfg.Strict = true
	v := verifier.New(cfg, fake, nil, nil)
	res := v.VerifyPlan(context.Background(), testPlan())
	assert.Equal(t, plan.VerdictReject, res.Verdict)
}

func TestVerifyPlanDisabledShortCircuitsToApprove(t *testing.T) {
	fake := &fakeLLM{}
	cfg := verifier.DefaultConfig()
	cfg.Enabled = false
	v := verifier.New(cfg, fake, nil, nil)
	res := v.VerifyPlan(context.Background(), testPlan())
	assert.Equal(t, plan.VerdictApprove, res.Verdict)
	assert.Equal(t, 0, fake.calls)
}

func TestRegistryRegisterInvalidatesCache(t *testing.T) {
	fake := &fakeLLM{response: llm.ChatResponse{Content: `{"verdict":"approve","risk_level":"low"}`}}
	reg := verifier.NewRegistry(nil)
	v := verifier.New(verifier.DefaultConfig(), fake, reg, nil)

	v.VerifyPlan(context.Background(), testPlan())
	require.Equal(t, 1, fake.calls)

	reg.Register(verifier.ThreatCategory{Name: "custom", Description: "custom threat"})

	v.VerifyPlan(context.Background(), testPlan())
	assert.Equal(t, 2, fake.calls, "registering a category must invalidate the cache")
}

func TestRegistryListIncludesBuiltins(t *testing.T) {
	reg := verifier.NewRegistry(nil)
	names := map[string]bool{}
	for _, c := range reg.List() {
		names[c.Name] = true
	}
	assert.True(t, names["prompt_injection"])
	assert.True(t, names["credential_theft"])
}

func TestAuditCallbackFiresOnFreshVerification(t *testing.T) {
	fake := &fakeLLM{response: llm.ChatResponse{Content: `{"verdict":"reject","risk_level":"critical"}`}}
	var gotEvent string
	v := verifier.New(verifier.DefaultConfig(), fake, nil, func(eventType string, _ plan.VerificationResult) {
		gotEvent = eventType
	})
	v.VerifyPlan(context.Background(), testPlan())
	assert.Equal(t, "INTENT_REJECTED", gotEvent)
}
