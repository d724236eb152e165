// Package parser turns raw JSON (or an already-decoded value) into a
// validated plan.Plan, per spec.md §4.1. It performs the structural
// validation owned by package plan and, for Parse (not ParsePartial), the
// per-action params validation driven by JSON schemas compiled from the
// module registry's ActionSpec declarations.
package parser

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/llmos-bridge/llmos-bridge/errs"
	"github.com/llmos-bridge/llmos-bridge/module"
	"github.com/llmos-bridge/llmos-bridge/plan"
)

// Parser parses and validates plans. A Parser without a Registry still
// performs full structural validation; it simply cannot validate per-action
// params against module schemas (equivalent to ParsePartial for every
// module).
type Parser struct {
	Registry *module.Registry
}

// New constructs a Parser backed by the given module registry. registry may
// be nil, in which case Parse behaves like ParsePartial for param schemas.
func New(registry *module.Registry) *Parser {
	return &Parser{Registry: registry}
}

// decode accepts a JSON string, a []byte, or an already-decoded
// map[string]any/plan.Plan and normalizes it to a plan.Plan. Per spec.md
// §4.1 "Accepts a JSON value (string, byte sequence, or already-decoded
// mapping)".
func decode(input any) (*plan.Plan, error) {
	var raw []byte
	switch v := input.(type) {
	case nil:
		return nil, errs.New(errs.CodeParse, "empty input")
	case string:
		if v == "" {
			return nil, errs.New(errs.CodeParse, "empty input")
		}
		raw = []byte(v)
	case []byte:
		if len(v) == 0 {
			return nil, errs.New(errs.CodeParse, "empty input")
		}
		raw = v
	case *plan.Plan:
		return v, nil
	case map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, errs.Wrap(errs.CodeParse, err, "re-encoding decoded mapping")
		}
		raw = b
	default:
		return nil, errs.New(errs.CodeParse, "unsupported input type %T", input)
	}

	var probe any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, errs.Wrap(errs.CodeParse, err, "malformed JSON")
	}
	if _, ok := probe.(map[string]any); !ok {
		return nil, errs.New(errs.CodeParse, "root JSON value must be an object, got %T", probe)
	}

	var p plan.Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errs.Wrap(errs.CodeParse, err, "malformed plan document")
	}
	return &p, nil
}

// ParsePartial performs full structural validation but skips per-action
// params validation, used for preview endpoints (spec.md §4.1). Unknown
// modules always skip params validation, even under Parse.
func (p *Parser) ParsePartial(input any) (*plan.Plan, error) {
	pl, err := decode(input)
	if err != nil {
		return nil, err
	}
	if pl.PlanID == "" {
		pl.PlanID = uuid.NewString()
	}
	if !plan.ValidPlanID(pl.PlanID) {
		return nil, errs.NewAt(errs.CodeValidation, "plan_id", "invalid plan_id %q", pl.PlanID)
	}
	if err := plan.Validate(pl); err != nil {
		return nil, err
	}
	return pl, nil
}

// Parse performs full structural and params validation. Unknown modules
// (community extensions not yet loaded) skip params validation silently, so
// plans may reference future capabilities without breaking parse (spec.md
// §4.1 "Params validation").
func (p *Parser) Parse(input any) (*plan.Plan, error) {
	pl, err := p.ParsePartial(input)
	if err != nil {
		return nil, err
	}
	if p.Registry == nil {
		return pl, nil
	}
	for i, a := range pl.Actions {
		if !p.Registry.Has(a.Module) {
			continue // unknown module: skip params validation silently
		}
		spec, ok := p.Registry.ActionSpec(a.Module, a.Action)
		if !ok {
			return nil, errs.NewAt(errs.CodeActionNotFound, fmt.Sprintf("actions[%d].action", i),
				"module %q has no action %q", a.Module, a.Action)
		}
		if err := validateParams(fmt.Sprintf("actions[%d].params", i), spec, a.Params); err != nil {
			return nil, err
		}
	}
	return pl, nil
}

// ToJSON produces the canonical serialisation of p. Round-tripping an
// accepted plan through Parse(ToJSON(p)) yields an equivalent plan (spec.md
// §4.1, §8 "Round-trip / idempotence").
func ToJSON(p *plan.Plan) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", errs.Wrap(errs.CodeParse, err, "serializing plan")
	}
	return string(b), nil
}
