// Package verifier implements the LLM-based intent verifier (spec.md
// §4.5): it composes a system prompt from a threat-category registry,
// asks an llm.Client to classify a plan, and caches results by content
// hash to avoid re-verifying identical plans.
package verifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/llmos-bridge/llmos-bridge/llm"
	"github.com/llmos-bridge/llmos-bridge/plan"
)

// FailurePolicy controls how an LLM call failure (error or timeout) is
// classified, per spec.md §4.5 "Failure policy".
type FailurePolicy string

const (
	// Permissive returns a warn verdict and lets execution proceed.
	Permissive FailurePolicy = "permissive"
	// Strict returns a reject verdict, blocking execution.
	Strict FailurePolicy = "strict"
)

// ThreatCategory is one entry in the threat-category registry consulted
// when composing the verifier's system prompt.
type ThreatCategory struct {
	Name        string
	Description string
	BuiltIn     bool
}

func builtInCategories() []ThreatCategory {
	return []ThreatCategory{
		{Name: "data_destruction", Description: "Irrecoverable deletion or corruption of user data", BuiltIn: true},
		{Name: "credential_theft", Description: "Exfiltrating secrets, tokens, or credentials", BuiltIn: true},
		{Name: "privilege_escalation", Description: "Gaining elevated system or account privileges", BuiltIn: true},
		{Name: "prompt_injection", Description: "Attempting to override the agent's own instructions", BuiltIn: true},
		{Name: "unauthorized_network_access", Description: "Reaching hosts or services outside the user's intent", BuiltIn: true},
	}
}

// Registry holds built-in plus user-registered threat categories.
// Registering or removing a category invalidates the verifier's cache
// (spec.md §4.5 "Cache invalidation").
type Registry struct {
	mu         sync.RWMutex
	categories map[string]ThreatCategory
	onChange   func()
}

// NewRegistry constructs a Registry seeded with the built-in categories.
// onChange, if non-nil, is invoked after every registration or removal.
func NewRegistry(onChange func()) *Registry {
	r := &Registry{categories: map[string]ThreatCategory{}, onChange: onChange}
	for _, c := range builtInCategories() {
		r.categories[c.Name] = c
	}
	return r
}

// Register adds or replaces a user-defined threat category.
func (r *Registry) Register(c ThreatCategory) {
	r.mu.Lock()
	r.categories[c.Name] = c
	r.mu.Unlock()
	if r.onChange != nil {
		r.onChange()
	}
}

// Remove deletes a threat category by name (built-in or user-registered).
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.categories, name)
	r.mu.Unlock()
	if r.onChange != nil {
		r.onChange()
	}
}

// List returns every registered category, stable-sorted by name.
func (r *Registry) List() []ThreatCategory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ThreatCategory, 0, len(r.categories))
	for _, c := range r.categories {
		out = append(out, c)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Name < out[j-1].Name; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Config tunes the verifier, mirroring spec.md §6's "Intent verifier"
// config group.
type Config struct {
	Enabled       bool
	Strict        bool
	Model         string
	TimeoutSeconds int
	CacheSize     int
	CacheTTLSeconds int
}

// DefaultConfig matches spec.md §4.5's stated defaults (256 entries, 300s TTL).
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Strict:          false,
		TimeoutSeconds:  30,
		CacheSize:       256,
		CacheTTLSeconds: 300,
	}
}

// AuditFunc is invoked with "INTENT_VERIFIED" or "INTENT_REJECTED" after
// every fresh (non-cached) verification, per spec.md §4.5 step 4.
type AuditFunc func(eventType string, result plan.VerificationResult)

// Verifier implements the intent-verifier contract: verify_plan(plan) →
// VerificationResult.
type Verifier struct {
	cfg      Config
	client   llm.Client
	registry *Registry
	audit    AuditFunc

	mu    sync.Mutex
	cache *expirable.LRU[string, plan.VerificationResult]
}

// New constructs a Verifier. client may be nil only if cfg.Enabled is
// false (the orchestrator then skips verification entirely).
func New(cfg Config, client llm.Client, registry *Registry, audit AuditFunc) *Verifier {
	if registry == nil {
		registry = NewRegistry(nil)
	}
	if audit == nil {
		audit = func(string, plan.VerificationResult) {}
	}
	v := &Verifier{cfg: cfg, client: client, registry: registry, audit: audit}
	v.rebuildCache()
	registry.onChange = v.InvalidateCache
	return v
}

func (v *Verifier) rebuildCache() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache = expirable.NewLRU[string, plan.VerificationResult](
		v.cfg.CacheSize, nil, time.Duration(v.cfg.CacheTTLSeconds)*time.Second)
}

// InvalidateCache clears every cached verdict, per spec.md §4.5 "Cache
// invalidation": registering or removing a threat category clears the
// cache to prevent stale verdicts from stale prompts.
func (v *Verifier) InvalidateCache() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache.Purge()
}

// ContentHash computes the cache key over a plan's actions (module, action,
// params, depends_on), deliberately excluding the random plan id, per
// spec.md §4.5 step 1.
func ContentHash(p *plan.Plan) string {
	type actionDigest struct {
		Module     string         `json:"module"`
		Action     string         `json:"action"`
		Params     map[string]any `json:"params"`
		DependsOn  []string       `json:"depends_on"`
	}
	digests := make([]actionDigest, len(p.Actions))
	for i, a := range p.Actions {
		digests[i] = actionDigest{Module: a.Module, Action: a.Action, Params: a.Params, DependsOn: a.DependsOn}
	}
	b, _ := json.Marshal(digests)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// VerifyPlan implements spec.md §4.5's verify_plan contract.
func (v *Verifier) VerifyPlan(ctx context.Context, p *plan.Plan) plan.VerificationResult {
	if !v.cfg.Enabled {
		return plan.VerificationResult{Verdict: plan.VerdictApprove, RiskLevel: plan.RiskLow, Reasoning: "intent verifier disabled"}
	}

	key := ContentHash(p)
	v.mu.Lock()
	cached, hit := v.cache.Get(key)
	v.mu.Unlock()
	if hit {
		cached.Cached = true
		return cached
	}

	start := time.Now()
	result := v.classify(ctx, p)
	result.Duration = time.Since(start)
	result.Cached = false

	v.mu.Lock()
	v.cache.Add(key, result)
	v.mu.Unlock()

	eventType := "INTENT_VERIFIED"
	if result.Verdict == plan.VerdictReject {
		eventType = "INTENT_REJECTED"
	}
	v.audit(eventType, result)
	return result
}

func (v *Verifier) classify(ctx context.Context, p *plan.Plan) plan.VerificationResult {
	serialized, err := json.Marshal(p)
	if err != nil {
		return v.failureResult("failed to serialize plan: " + err.Error())
	}

	timeout := time.Duration(v.cfg.TimeoutSeconds) * time.Second
	resp, err := v.client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: v.systemPrompt()},
			{Role: llm.RoleUser, Content: string(serialized)},
		},
		Temperature: 0,
		MaxTokens:   1024,
		Timeout:     timeout,
	})
	if err != nil {
		return v.failureResult("llm call failed: " + err.Error())
	}

	parsed, err := parseVerdict(resp.Content)
	if err != nil {
		return v.failureResult("failed to parse llm verdict: " + err.Error())
	}
	parsed.SourceModel = resp.Model
	return parsed
}

// failureResult implements spec.md §4.5's failure policy: permissive mode
// (default) warns and lets execution proceed; strict mode rejects.
func (v *Verifier) failureResult(reason string) plan.VerificationResult {
	verdict := plan.VerdictWarn
	if v.cfg.Strict {
		verdict = plan.VerdictReject
	}
	return plan.VerificationResult{
		Verdict:   verdict,
		RiskLevel: plan.RiskMedium,
		Reasoning: reason,
	}
}

func (v *Verifier) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You are a security classifier for an autonomous agent execution plan. ")
	b.WriteString("Classify the plan's intent against the following threat categories:\n")
	for _, c := range v.registry.List() {
		b.WriteString("- " + c.Name + ": " + c.Description + "\n")
	}
	b.WriteString("Respond with a JSON object: {\"verdict\": \"approve|reject|warn|clarify\", " +
		"\"risk_level\": \"low|medium|high|critical\", \"reasoning\": \"...\", " +
		"\"threats\": [{\"category\": \"...\", \"description\": \"...\", \"severity\": 0.0}], " +
		"\"recommendations\": [\"...\"]}")
	return b.String()
}

// verdictJSON mirrors the JSON shape the system prompt requests.
type verdictJSON struct {
	Verdict         string             `json:"verdict"`
	RiskLevel       string             `json:"risk_level"`
	Reasoning       string             `json:"reasoning"`
	Threats         []plan.ThreatDetail `json:"threats"`
	Recommendations []string           `json:"recommendations"`
}

// parseVerdict parses the LLM's response, stripping markdown code fences if
// present, per spec.md §4.5 step 3.
func parseVerdict(content string) (plan.VerificationResult, error) {
	text := strings.TrimSpace(content)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var v verdictJSON
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return plan.VerificationResult{}, err
	}
	return plan.VerificationResult{
		Verdict:         plan.Verdict(v.Verdict),
		RiskLevel:       plan.RiskLevel(v.RiskLevel),
		Reasoning:       v.Reasoning,
		Threats:         v.Threats,
		Recommendations: v.Recommendations,
	}, nil
}
