// Package module defines the capability-module contract consumed by the
// core (spec.md §4.2, §6 "Module contract") and the registry that loads,
// indexes, and rate-limits modules on the orchestrator's behalf.
//
// The core never inlines a capability module's logic: filesystem I/O, GUI
// automation, database drivers, and the like are opaque implementations of
// Module, constructed and registered by the daemon's composition root.
package module

import "context"

// ParamType is the declared semantic type of one action parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamBool    ParamType = "boolean"
	ParamObject  ParamType = "object"
	ParamArray   ParamType = "array"
	ParamAny     ParamType = "any"
)

// RiskLevel mirrors plan.RiskLevel without importing package plan, so the
// module contract has no dependency on the orchestration core.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

type (
	// ParamSpec describes one parameter accepted by an action.
	ParamSpec struct {
		Name        string
		Type        ParamType
		Required    bool
		Default     any
		Enum        []any
		Description string
		// Pattern, Minimum, Maximum are optional JSON-Schema-style constraints
		// compiled into the schema built for this action (see package parser).
		Pattern string
		Minimum *float64
		Maximum *float64
	}

	// ActionSpec documents one action a module exposes.
	ActionSpec struct {
		Name                string
		Description         string
		Params              []ParamSpec
		Returns             string
		ReturnsDescription  string
		PermissionRequired  string
		RiskLevel           RiskLevel
		Irreversible        bool
		Examples            []string
		// RateLimitPerMinute is carried in the manifest but not enforced:
		// Registry builds rate limiters per module from
		// Policy.RateLimitPerMinute only, and never reads this field.
		RateLimitPerMinute int
		// IntentVerified marks an action as carrying the @intent_verified
		// decorator (spec.md §4.9 step 3): the scheduler calls the intent
		// verifier on this single action, in isolation, before dispatch.
		IntentVerified bool
	}

	// Policy captures module-level decorator-style settings re-architected as
	// an explicit struct per spec.md §9 "Decorator-style policy → explicit
	// policy structs": required permissions, rate limit, audit level, risk.
	Policy struct {
		RequiredPermissions []string
		RateLimitPerMinute  int
		MaxConcurrent       int
		AuditLevel          string
		DefaultRiskLevel    RiskLevel
	}

	// Manifest is the structured description of a module returned by
	// Module.Manifest(). See spec.md §6 "ModuleManifest".
	Manifest struct {
		ID           string
		Version      string
		Description  string
		Platforms    []string
		Actions      []ActionSpec
		Permissions  []string
		Dependencies []string
		Policy       Policy
	}

	// Result is the free-form mapping returned by a successful action
	// execution.
	Result map[string]any

	// Module is the capability contract consumed by the core. Execute is
	// intrinsically asynchronous from the orchestrator's point of view
	// regardless of whether the module blocks internally (spec.md §4.2).
	Module interface {
		Manifest() Manifest
		Execute(ctx context.Context, action string, params map[string]any) (Result, error)
	}

	// ContextProvider is implemented by modules that expose discovered
	// runtime context (spec.md §4.2 get_context_snippets, e.g. a database
	// module returning schema metadata).
	ContextProvider interface {
		ContextSnippet(ctx context.Context) (string, error)
	}
)
