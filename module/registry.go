package module

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/llmos-bridge/llmos-bridge/errs"
)

// Registry holds the set of loaded capability modules, their manifests, and
// the per-module rate limiters and concurrency semaphores the scheduler
// consults before dispatch (spec.md §5 "Per-module rate limiters" / "Per-
// module concurrency caps"). It is safe for concurrent use; a Module is
// constructed once and shared across plans (spec.md §9 "Ownership of module
// instances").
type Registry struct {
	mu       sync.RWMutex
	modules  map[string]Module
	limiters map[string]*rate.Limiter
	sems     map[string]chan struct{}
	// concurrencyLimits maps module id to the per-module concurrency cap
	// configured for the daemon (spec.md §6 Resources.module_limits).
	concurrencyLimits map[string]int
}

// NewRegistry constructs an empty Registry. concurrencyLimits maps module id
// to its max concurrent Execute calls; a module without a positive entry
// uses its manifest's Policy.MaxConcurrent, and is uncapped when that is
// zero as well.
func NewRegistry(concurrencyLimits map[string]int) *Registry {
	return &Registry{
		modules:           make(map[string]Module),
		limiters:          make(map[string]*rate.Limiter),
		sems:              make(map[string]chan struct{}),
		concurrencyLimits: concurrencyLimits,
	}
}

// Register adds m to the registry, keyed by its manifest ID, and prepares
// its rate limiter and concurrency semaphore. Returns ModuleLoadError if the
// id is already registered.
func (r *Registry) Register(m Module) error {
	manifest := m.Manifest()
	if manifest.ID == "" {
		return ErrLoad("", fmt.Errorf("manifest missing id"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[manifest.ID]; exists {
		return ErrLoad(manifest.ID, fmt.Errorf("module already registered"))
	}
	r.modules[manifest.ID] = m
	if manifest.Policy.RateLimitPerMinute > 0 {
		perSecond := float64(manifest.Policy.RateLimitPerMinute) / 60.0
		r.limiters[manifest.ID] = rate.NewLimiter(rate.Limit(perSecond), manifest.Policy.RateLimitPerMinute)
	}
	cap := manifest.Policy.MaxConcurrent
	if configured, ok := r.concurrencyLimits[manifest.ID]; ok && configured > 0 {
		cap = configured
	}
	if cap > 0 {
		r.sems[manifest.ID] = make(chan struct{}, cap)
	}
	return nil
}

// Get returns the module registered under id.
func (r *Registry) Get(id string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[id]
	return m, ok
}

// Has reports whether a module is registered under id.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// List returns every registered module's manifest.
func (r *Registry) List() []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Manifest, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m.Manifest())
	}
	return out
}

// ActionSpec looks up the declared spec for module.action, used by the
// parser to build JSON-schema validation and by the scheduler to read risk
// level / permission requirements.
func (r *Registry) ActionSpec(moduleID, action string) (ActionSpec, bool) {
	m, ok := r.Get(moduleID)
	if !ok {
		return ActionSpec{}, false
	}
	for _, spec := range m.Manifest().Actions {
		if spec.Name == action {
			return spec, true
		}
	}
	return ActionSpec{}, false
}

// CheckVersionRequirements validates a plan's module_requirements against
// the registered modules' versions, returning the unmet requirements
// (spec.md §4.2 check_version_requirements). This implementation treats the
// constraint string as an exact-version match; richer semver ranges can be
// layered on without changing the contract.
func (r *Registry) CheckVersionRequirements(requirements map[string]string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var unmet []string
	for moduleID, constraint := range requirements {
		m, ok := r.modules[moduleID]
		if !ok {
			unmet = append(unmet, fmt.Sprintf("%s: module not loaded", moduleID))
			continue
		}
		if constraint != "" && constraint != "*" && m.Manifest().Version != constraint {
			unmet = append(unmet, fmt.Sprintf("%s: requires %s, have %s", moduleID, constraint, m.Manifest().Version))
		}
	}
	return unmet
}

// GetContextSnippets aggregates context contributed by modules implementing
// ContextProvider (spec.md §4.2 get_context_snippets).
func (r *Registry) GetContextSnippets(ctx context.Context) map[string]string {
	r.mu.RLock()
	mods := make(map[string]Module, len(r.modules))
	for id, m := range r.modules {
		mods[id] = m
	}
	r.mu.RUnlock()

	out := make(map[string]string)
	for id, m := range mods {
		cp, ok := m.(ContextProvider)
		if !ok {
			continue
		}
		snippet, err := cp.ContextSnippet(ctx)
		if err != nil || snippet == "" {
			continue
		}
		out[id] = snippet
	}
	return out
}

// Acquire blocks until a concurrency slot for moduleID is available (a
// no-op if no cap is configured) and checks the rate limiter. The returned
// release function must be called exactly once. Returns RateLimited if the
// limiter rejects the call.
func (r *Registry) Acquire(ctx context.Context, moduleID string) (release func(), err error) {
	r.mu.RLock()
	limiter := r.limiters[moduleID]
	sem := r.sems[moduleID]
	r.mu.RUnlock()

	if limiter != nil && !limiter.Allow() {
		return nil, errs.Retryable(errs.New(errs.CodeRateLimited, "module %q rate limit exceeded", moduleID))
	}
	if sem == nil {
		return func() {}, nil
	}
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Execute dispatches to the named module/action, enforcing the rate limit
// and concurrency cap, and classifying failures per the error taxonomy in
// spec.md §7.
func (r *Registry) Execute(ctx context.Context, moduleID, action string, params map[string]any) (Result, error) {
	m, ok := r.Get(moduleID)
	if !ok {
		return nil, ErrUnknownModule(moduleID)
	}
	if _, found := r.ActionSpec(moduleID, action); !found {
		return nil, ErrActionNotFound(moduleID, action)
	}
	release, err := r.Acquire(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	defer release()

	result, err := m.Execute(ctx, action, params)
	if err != nil {
		return nil, ErrExecution(moduleID, action, err)
	}
	return result, nil
}
