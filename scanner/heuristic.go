package scanner

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/llmos-bridge/llmos-bridge/plan"
)

// Category groups related heuristic rules, per spec.md §4.4's nine
// categories.
type Category string

const (
	CategoryPromptInjection    Category = "prompt_injection"
	CategoryRoleManipulation   Category = "role_manipulation"
	CategoryDelimiterInjection Category = "delimiter_injection"
	CategoryEncodingAttack     Category = "encoding_attack"
	CategoryUnicodeTrick       Category = "unicode_trick"
	CategoryPathTraversal      Category = "path_traversal"
	CategoryShellInjection     Category = "shell_injection"
	CategoryDataExfiltration   Category = "data_exfiltration"
	CategoryPrivilegeEscalation Category = "privilege_escalation"
)

// Rule is one compiled heuristic pattern, scored with a severity in [0,1].
type Rule struct {
	ID       string
	Category Category
	Pattern  *regexp.Regexp
	Severity float64
}

func rule(id string, cat Category, expr string, severity float64) Rule {
	return Rule{ID: id, Category: cat, Pattern: regexp.MustCompile(`(?i)` + expr), Severity: severity}
}

// DefaultRules is the built-in ~35-rule heuristic set named in spec.md
// §4.4, grouped into the nine listed categories.
func DefaultRules() []Rule {
	return []Rule{
		// prompt injection
		rule("pi-001", CategoryPromptInjection, `ignore (all |the )?(previous|prior|above) instructions`, 0.9),
		rule("pi-002", CategoryPromptInjection, `disregard (all |the )?(previous|above)`, 0.85),
		rule("pi-003", CategoryPromptInjection, `new instructions?:`, 0.5),
		rule("pi-004", CategoryPromptInjection, `forget (everything|what i said|your instructions)`, 0.8),

		// role manipulation
		rule("rm-001", CategoryRoleManipulation, `you are now (a|an|the)`, 0.6),
		rule("rm-002", CategoryRoleManipulation, `act as (if you|a|an)`, 0.5),
		rule("rm-003", CategoryRoleManipulation, `pretend (to be|you are)`, 0.55),
		rule("rm-004", CategoryRoleManipulation, `\bDAN\b mode`, 0.8),
		rule("rm-005", CategoryRoleManipulation, `developer mode (enabled|on)`, 0.7),

		// delimiter injection
		rule("di-001", CategoryDelimiterInjection, `</?(system|assistant|user)>`, 0.7),
		rule("di-002", CategoryDelimiterInjection, `\[\[\s*(system|end|instructions)\s*\]\]`, 0.6),
		rule("di-003", CategoryDelimiterInjection, "```\\s*(system|end)", 0.5),
		rule("di-004", CategoryDelimiterInjection, `-{3,}\s*BEGIN (SYSTEM|ADMIN)`, 0.6),

		// encoding attacks
		rule("ea-001", CategoryEncodingAttack, `\\u00[0-9a-f]{2}(\\u00[0-9a-f]{2}){5,}`, 0.5),
		rule("ea-002", CategoryEncodingAttack, `%[0-9a-f]{2}(%[0-9a-f]{2}){5,}`, 0.5),
		rule("ea-003", CategoryEncodingAttack, `base64\s*-d`, 0.6),
		rule("ea-004", CategoryEncodingAttack, `atob\(|btoa\(`, 0.4),

		// unicode tricks
		rule("ut-001", CategoryUnicodeTrick, `[\x{202A}-\x{202E}]`, 0.7),
		rule("ut-002", CategoryUnicodeTrick, `[\x{2066}-\x{2069}]`, 0.6),
		rule("ut-003", CategoryUnicodeTrick, `[\x{200B}\x{200C}\x{200D}\x{2060}\x{FEFF}]`, 0.4),

		// path traversal
		rule("pt-001", CategoryPathTraversal, `\.\./\.\./`, 0.7),
		rule("pt-002", CategoryPathTraversal, `/etc/(passwd|shadow|sudoers)`, 0.85),
		rule("pt-003", CategoryPathTraversal, `~[/\\]\.ssh`, 0.7),
		rule("pt-004", CategoryPathTraversal, `[A-Za-z]:\\\\Windows\\\\System32`, 0.6),

		// shell injection
		rule("si-001", CategoryShellInjection, `;\s*rm\s+-rf\s+/`, 0.95),
		rule("si-002", CategoryShellInjection, "`[^`]*`", 0.3),
		rule("si-003", CategoryShellInjection, `\$\([^)]+\)`, 0.4),
		rule("si-004", CategoryShellInjection, `\|\s*(sh|bash|zsh|powershell)\b`, 0.6),
		rule("si-005", CategoryShellInjection, `curl\s+[^|]+\|\s*(sh|bash)`, 0.9),

		// data exfiltration
		rule("de-001", CategoryDataExfiltration, `(curl|wget)\s+.*(--data|-d)\s+@`, 0.75),
		rule("de-002", CategoryDataExfiltration, `send .*(password|secret|api[_ ]?key|token).* to`, 0.8),
		rule("de-003", CategoryDataExfiltration, `upload .*(ssh|credentials|\.env)\b`, 0.75),
		rule("de-004", CategoryDataExfiltration, `exfiltrat`, 0.9),

		// privilege escalation
		rule("pe-001", CategoryPrivilegeEscalation, `sudo\s+`, 0.5),
		rule("pe-002", CategoryPrivilegeEscalation, `chmod\s+(777|\+s)`, 0.7),
		rule("pe-003", CategoryPrivilegeEscalation, `grant\s+(all|admin|root)\s+privileges?`, 0.75),
		rule("pe-004", CategoryPrivilegeEscalation, `add .*(user|account).* to (sudoers|admin|wheel)`, 0.8),
		rule("pe-005", CategoryPrivilegeEscalation, `runas\s+(administrator|system)`, 0.7),
	}
}

// HeuristicScanner runs the built-in regex rule set against a normalised
// copy of the plan's serialised text (spec.md §4.4).
type HeuristicScanner struct {
	id       string
	version  string
	priority int
	rules    []Rule
}

// NewHeuristicScanner constructs the built-in heuristic scanner. extra
// rules are appended and disabled rule IDs are filtered out, matching
// spec.md §6's `heuristic_extra_patterns`/`heuristic_disabled_patterns`
// configuration knobs.
func NewHeuristicScanner(extra []Rule, disabledIDs []string) *HeuristicScanner {
	disabled := make(map[string]struct{}, len(disabledIDs))
	for _, id := range disabledIDs {
		disabled[id] = struct{}{}
	}
	all := append(DefaultRules(), extra...)
	filtered := all[:0]
	for _, r := range all {
		if _, skip := disabled[r.ID]; skip {
			continue
		}
		filtered = append(filtered, r)
	}
	return &HeuristicScanner{id: "heuristic", version: "1.0.0", priority: 0, rules: filtered}
}

func (h *HeuristicScanner) ID() string      { return h.id }
func (h *HeuristicScanner) Version() string { return h.version }
func (h *HeuristicScanner) Priority() int   { return h.priority }

// Scan normalises sctx.PlanJSON and evaluates every rule against it,
// aggregating matches into a single plan.ScanResult whose RiskScore is the
// maximum severity among matched rules.
func (h *HeuristicScanner) Scan(_ context.Context, sctx Context) plan.ScanResult {
	text := Normalize(sctx.PlanJSON)

	var matched []string
	var threatTypes []string
	seen := map[Category]struct{}{}
	maxSeverity := 0.0
	for _, r := range h.rules {
		if !r.Pattern.MatchString(text) {
			continue
		}
		matched = append(matched, r.ID)
		if _, ok := seen[r.Category]; !ok {
			seen[r.Category] = struct{}{}
			threatTypes = append(threatTypes, string(r.Category))
		}
		if r.Severity > maxSeverity {
			maxSeverity = r.Severity
		}
	}

	verdict := plan.VerdictAllow
	details := "no heuristic matches"
	if len(matched) > 0 {
		verdict = plan.VerdictWarn
		details = fmt.Sprintf("matched %d rule(s): %s", len(matched), strings.Join(matched, ", "))
	}

	return plan.ScanResult{
		ScannerID:    h.id,
		Verdict:      verdict,
		RiskScore:    maxSeverity,
		ThreatTypes:  threatTypes,
		MatchedRules: matched,
		Details:      details,
	}
}
