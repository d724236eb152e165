package parser_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmos-bridge/llmos-bridge/errs"
	"github.com/llmos-bridge/llmos-bridge/module"
	"github.com/llmos-bridge/llmos-bridge/parser"
	"github.com/llmos-bridge/llmos-bridge/plan"
)

type stubModule struct{}

func (stubModule) Manifest() module.Manifest {
	return module.Manifest{
		ID:      "filesystem",
		Version: "1.0.0",
		Actions: []module.ActionSpec{
			{
				Name: "read_file",
				Params: []module.ParamSpec{
					{Name: "path", Type: module.ParamString, Required: true},
				},
			},
		},
	}
}

func (stubModule) Execute(ctx context.Context, action string, params map[string]any) (module.Result, error) {
	return module.Result{}, nil
}

const validPlanJSON = `{
  "plan_id": "plan-1",
  "actions": [
    {"id": "a", "module": "filesystem", "action": "read_file", "params": {"path": "/tmp/in"}}
  ]
}`

func TestParsePartialAcceptsValidPlan(t *testing.T) {
	p := parser.New(nil)
	pl, err := p.ParsePartial(validPlanJSON)
	require.NoError(t, err)
	assert.Equal(t, "plan-1", pl.PlanID)
	assert.Equal(t, plan.ExecutionSequential, pl.ExecutionMode)
}

func TestParsePartialGeneratesPlanID(t *testing.T) {
	p := parser.New(nil)
	pl, err := p.ParsePartial(`{"actions":[{"id":"a","module":"fs","action":"read_file"}]}`)
	require.NoError(t, err)
	assert.NotEmpty(t, pl.PlanID)
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	p := parser.New(nil)
	_, err := p.ParsePartial(`{not json`)
	require.Error(t, err)
	assert.Equal(t, errs.CodeParse, errs.CodeOf(err))
}

func TestParseRejectsEmptyInput(t *testing.T) {
	p := parser.New(nil)
	_, err := p.ParsePartial("")
	require.Error(t, err)
	assert.Equal(t, errs.CodeParse, errs.CodeOf(err))
}

func TestParseRejectsNonObjectRoot(t *testing.T) {
	p := parser.New(nil)
	_, err := p.ParsePartial(`[1,2,3]`)
	require.Error(t, err)
}

func TestParseValidatesParamsAgainstModuleSchema(t *testing.T) {
	reg := module.NewRegistry(nil)
	require.NoError(t, reg.Register(stubModule{}))
	p := parser.New(reg)

	_, err := p.Parse(validPlanJSON)
	require.NoError(t, err)

	_, err = p.Parse(`{"actions":[{"id":"a","module":"filesystem","action":"read_file","params":{}}]}`)
	require.Error(t, err, "missing required param should fail schema validation")
}

func TestParseSkipsUnknownModuleParamsValidation(t *testing.T) {
	p := parser.New(module.NewRegistry(nil))
	_, err := p.Parse(`{"actions":[{"id":"a","module":"excel","action":"anything","params":{"whatever":1}}]}`)
	require.NoError(t, err, "unknown modules must skip params validation silently")
}

func TestParseAllowsTemplateStringThroughSchema(t *testing.T) {
	reg := module.NewRegistry(nil)
	require.NoError(t, reg.Register(stubModule{}))
	p := parser.New(reg)
	_, err := p.Parse(`{"actions":[{"id":"a","module":"filesystem","action":"read_file","params":{"path":"{{result.x.y}}"}}]}`)
	require.NoError(t, err)
}

func TestRoundTrip(t *testing.T) {
	p := parser.New(nil)
	pl, err := p.ParsePartial(validPlanJSON)
	require.NoError(t, err)

	serialized, err := parser.ToJSON(pl)
	require.NoError(t, err)

	pl2, err := p.ParsePartial(serialized)
	require.NoError(t, err)
	assert.Equal(t, pl.PlanID, pl2.PlanID)
	assert.Equal(t, len(pl.Actions), len(pl2.Actions))
	assert.Equal(t, pl.Actions[0].ID, pl2.Actions[0].ID)
}
