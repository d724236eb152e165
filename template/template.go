// Package template expands {{result.<action_id>.<path>}}, {{memory.<key>}},
// and {{env.<NAME>}} references inside action params, per spec.md §4.3.
// Resolution is a single pass against a snapshot Context taken at dispatch
// time; templates appearing in resolved values are never re-expanded, which
// prevents a template-bomb denial of service.
package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/llmos-bridge/llmos-bridge/errs"
)

// exprPattern matches a single {{...}} template expression.
var exprPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// wholeExprPattern matches a param value that is entirely one template
// expression with nothing else around it.
var wholeExprPattern = regexp.MustCompile(`^\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}$`)

// Context is the resolution context built immediately before an action's
// dispatch: completed-action results in this plan, memory values loaded per
// the action's memory.read_keys, and the filtered set of env vars the
// active permission profile allows.
type Context struct {
	Results map[string]map[string]any
	Memory  map[string]any
	Env     map[string]string
}

// NewContext constructs an empty resolution Context.
func NewContext() Context {
	return Context{
		Results: map[string]map[string]any{},
		Memory:  map[string]any{},
		Env:     map[string]string{},
	}
}

// Resolve expands every template reference in params against ctx. A
// reference that cannot be resolved returns TemplateResolutionError; the
// caller (the scheduler) applies the action's on_error policy to that
// failure (spec.md §4.3 "Missing references fail the action").
func Resolve(ctx Context, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		resolved, err := resolveValue(ctx, v)
		if err != nil {
			return nil, errs.Wrap(errs.CodeTemplateResolution, err, "resolving param %q", k)
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveValue(ctx Context, v any) (any, error) {
	switch val := v.(type) {
	case string:
		return resolveString(ctx, val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, nested := range val {
			resolved, err := resolveValue(ctx, nested)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, nested := range val {
			resolved, err := resolveValue(ctx, nested)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveString implements spec.md §4.3's substitution rules: if the entire
// scalar value is one template expression and the referenced value is a
// non-string, the resolved value takes the referenced type; otherwise every
// matched substring is stringified and substituted in place.
func resolveString(ctx Context, s string) (any, error) {
	if m := wholeExprPattern.FindStringSubmatch(s); m != nil {
		val, err := lookup(ctx, m[1])
		if err != nil {
			return nil, err
		}
		return val, nil
	}

	var resolveErr error
	result := exprPattern.ReplaceAllStringFunc(s, func(match string) string {
		if resolveErr != nil {
			return match
		}
		path := exprPattern.FindStringSubmatch(match)[1]
		val, err := lookup(ctx, path)
		if err != nil {
			resolveErr = err
			return match
		}
		return stringify(val)
	})
	if resolveErr != nil {
		return nil, resolveErr
	}
	return result, nil
}

// lookup resolves one dotted reference path against ctx: result.<action_id>.<path>,
// memory.<key>, or env.<NAME>.
func lookup(ctx Context, path string) (any, error) {
	parts := strings.Split(path, ".")
	if len(parts) < 2 {
		return nil, errs.New(errs.CodeTemplateResolution, "malformed template reference %q", path)
	}
	switch parts[0] {
	case "result":
		actionID := parts[1]
		result, ok := ctx.Results[actionID]
		if !ok {
			return nil, errs.New(errs.CodeTemplateResolution, "no completed result for action %q", actionID)
		}
		if len(parts) == 2 {
			return result, nil
		}
		return traverse(result, parts[2:], path)
	case "memory":
		key := strings.Join(parts[1:], ".")
		val, ok := ctx.Memory[key]
		if !ok {
			return nil, errs.New(errs.CodeTemplateResolution, "memory key %q not loaded", key)
		}
		return val, nil
	case "env":
		name := strings.Join(parts[1:], ".")
		val, ok := ctx.Env[name]
		if !ok {
			return nil, errs.New(errs.CodeTemplateResolution, "env var %q not available", name)
		}
		return val, nil
	default:
		return nil, errs.New(errs.CodeTemplateResolution, "unknown template namespace %q", parts[0])
	}
}

// traverse walks dotted path segments through nested maps and numeric list
// indices (spec.md §4.3 "Dotted paths traverse mapping keys and list
// indices").
func traverse(root any, segments []string, fullPath string) (any, error) {
	cur := root
	for _, seg := range segments {
		switch node := cur.(type) {
		case map[string]any:
			val, ok := node[seg]
			if !ok {
				return nil, errs.New(errs.CodeTemplateResolution, "path %q: no key %q", fullPath, seg)
			}
			cur = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, errs.New(errs.CodeTemplateResolution, "path %q: invalid list index %q", fullPath, seg)
			}
			cur = node[idx]
		default:
			return nil, errs.New(errs.CodeTemplateResolution, "path %q: cannot traverse into %T", fullPath, cur)
		}
	}
	return cur, nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}
