package template

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestWholeExpressionMemoryLookupProperty checks spec.md §4.3's rule that a
// param value consisting of nothing but {{memory.<key>}} resolves to the
// stored value's own type, for any key and any int or string value stored
// under it.
func TestWholeExpressionMemoryLookupProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	keyGen := gen.RegexMatch(`[a-zA-Z][a-zA-Z0-9_]{0,15}`)

	properties.Property("whole-expression memory reference returns the stored value unchanged", prop.ForAll(
		func(key string, n int, s string) bool {
			ctx := NewContext()
			ctx.Memory[key] = n

			params := map[string]any{"value": fmt.Sprintf("{{memory.%s}}", key)}
			resolved, err := Resolve(ctx, params)
			if err != nil {
				return false
			}
			if resolved["value"] != n {
				return false
			}

			ctx.Memory[key] = s
			params = map[string]any{"value": fmt.Sprintf("{{memory.%s}}", key)}
			resolved, err = Resolve(ctx, params)
			if err != nil {
				return false
			}
			return resolved["value"] == s
		},
		keyGen, gen.IntRange(-1000, 1000), gen.AlphaString(),
	))

	properties.Property("embedded memory reference stringifies without touching surrounding text", prop.ForAll(
		func(key string, n int, prefix, suffix string) bool {
			ctx := NewContext()
			ctx.Memory[key] = n

			tmpl := prefix + fmt.Sprintf("{{memory.%s}}", key) + suffix
			resolved, err := Resolve(ctx, map[string]any{"value": tmpl})
			if err != nil {
				return false
			}
			want := prefix + fmt.Sprintf("%v", n) + suffix
			return resolved["value"] == want
		},
		// The prefix is never empty, so the reference is always embedded
		// rather than the whole value.
		keyGen, gen.IntRange(-1000, 1000), gen.Identifier(), gen.AlphaString(),
	))

	properties.Property("missing memory key always fails resolution", prop.ForAll(
		func(key string) bool {
			ctx := NewContext()
			_, err := Resolve(ctx, map[string]any{"value": fmt.Sprintf("{{memory.%s}}", key)})
			return err != nil
		},
		keyGen,
	))

	properties.TestingRun(t)
}
