package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/llmos-bridge/llmos-bridge/errs"
	"github.com/llmos-bridge/llmos-bridge/module"
)

// templatePattern matches a param value that is entirely a template
// expression; such values pass through validation untouched (spec.md §4.1
// "Template strings ... pass through as-is").
var templatePattern = regexp.MustCompile(`^\{\{.*\}\}$`)

// buildSchema compiles an ActionSpec's declared params into a JSON Schema,
// giving the parser JSON-Schema-grade constraint checking (enum, type,
// required, pattern) as named in SPEC_FULL.md §5.1.
func buildSchema(spec module.ActionSpec) (*jsonschema.Schema, error) {
	properties := map[string]any{}
	var required []string
	for _, ps := range spec.Params {
		prop := map[string]any{}
		if t := jsonType(ps.Type); t != "" {
			prop["type"] = t
		}
		if len(ps.Enum) > 0 {
			prop["enum"] = ps.Enum
		}
		if ps.Pattern != "" {
			prop["pattern"] = ps.Pattern
		}
		if ps.Minimum != nil {
			prop["minimum"] = *ps.Minimum
		}
		if ps.Maximum != nil {
			prop["maximum"] = *ps.Maximum
		}
		properties[ps.Name] = prop
		if ps.Required {
			required = append(required, ps.Name)
		}
	}
	raw := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": true,
	}
	if len(required) > 0 {
		raw["required"] = required
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("mem://action/%s", spec.Name)
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

func jsonType(t module.ParamType) string {
	switch t {
	case module.ParamString:
		return "string"
	case module.ParamNumber:
		return "number"
	case module.ParamBool:
		return "boolean"
	case module.ParamObject:
		return "object"
	case module.ParamArray:
		return "array"
	default:
		return ""
	}
}

// validateParams compiles spec's schema and validates params against it,
// skipping any scalar value that is entirely a template expression (those
// resolve at dispatch time; see package template). A templated param's own
// spec is left out of the schema, so it counts as present for required.
func validateParams(location string, spec module.ActionSpec, params map[string]any) error {
	sanitized := make(map[string]any, len(params))
	templated := make(map[string]bool)
	for k, v := range params {
		if s, ok := v.(string); ok && templatePattern.MatchString(s) {
			templated[k] = true
			continue // template expressions pass through as-is
		}
		sanitized[k] = v
	}

	checked := spec
	checked.Params = nil
	for _, ps := range spec.Params {
		if !templated[ps.Name] {
			checked.Params = append(checked.Params, ps)
		}
	}
	schema, err := buildSchema(checked)
	if err != nil {
		return errs.Wrap(errs.CodeValidation, err, "compiling schema for action %q", spec.Name)
	}

	if err := schema.Validate(sanitized); err != nil {
		return errs.NewAt(errs.CodeValidation, location, "params failed schema validation: %v", err)
	}
	return nil
}
