// Package scanner implements the ordered heuristic scanner pipeline that
// runs before LLM-based intent verification (spec.md §4.4). Each Scanner
// inspects the serialised plan and context and returns a plan.ScanResult;
// the Pipeline aggregates results into a single verdict.
package scanner

import (
	"context"

	"github.com/llmos-bridge/llmos-bridge/plan"
)

// Context carries the information a Scanner may consult beyond the raw
// serialised plan (e.g. the active permission profile, in future).
type Context struct {
	PlanJSON string
}

// Scanner is the contract every input scanner implements. Priority orders
// execution (lower runs first); ID and Version identify the scanner in
// audit events and matched-rule reporting.
type Scanner interface {
	ID() string
	Version() string
	Priority() int
	Scan(ctx context.Context, sctx Context) plan.ScanResult
}

// PipelineConfig carries the tunables named in spec.md §4.4 "Aggregation"
// and §6's Scanner pipeline config group.
type PipelineConfig struct {
	Enabled        bool
	FailFast       bool
	RejectThreshold float64
	WarnThreshold   float64
}

// DefaultPipelineConfig matches spec.md §4.4's stated defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Enabled:         true,
		FailFast:        true,
		RejectThreshold: 0.7,
		WarnThreshold:   0.3,
	}
}

// PipelineResult is the aggregated outcome of running every scanner over a
// plan, per spec.md §4.4 "Aggregation".
type PipelineResult struct {
	Verdict         plan.Verdict
	RiskScore       float64
	ShortCircuited  bool
	ScanResults     []plan.ScanResult
}

// Pipeline runs an ordered set of Scanners and aggregates their verdicts.
type Pipeline struct {
	Config   PipelineConfig
	scanners []Scanner
}

// NewPipeline constructs a Pipeline, sorting scanners by ascending
// Priority() so lower-priority scanners run first (spec.md §4.4).
func NewPipeline(cfg PipelineConfig, scanners ...Scanner) *Pipeline {
	sorted := make([]Scanner, len(scanners))
	copy(sorted, scanners)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Priority() < sorted[j-1].Priority(); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return &Pipeline{Config: cfg, scanners: sorted}
}

// Run executes every scanner in priority order, aggregating verdicts as
// allow < warn < reject, upgrading a warn at or above RejectThreshold to
// reject, and stopping early on the first reject when FailFast is set.
// A scanner that panics is treated as returning warn with details
// describing the failure — it never aborts the pipeline (spec.md §4.4
// "Failure mode").
func (p *Pipeline) Run(ctx context.Context, sctx Context) PipelineResult {
	if !p.Config.Enabled {
		return PipelineResult{Verdict: plan.VerdictAllow}
	}

	result := PipelineResult{Verdict: plan.VerdictAllow}
	for _, s := range p.scanners {
		sr := p.runOne(ctx, s, sctx)
		sr = p.applyThresholds(sr)
		result.ScanResults = append(result.ScanResults, sr)
		result.Verdict = plan.MaxVerdict(result.Verdict, sr.Verdict)
		if sr.RiskScore > result.RiskScore {
			result.RiskScore = sr.RiskScore
		}
		if p.Config.FailFast && sr.Verdict == plan.VerdictReject {
			result.ShortCircuited = true
			break
		}
	}
	return result
}

func (p *Pipeline) runOne(ctx context.Context, s Scanner, sctx Context) (sr plan.ScanResult) {
	defer func() {
		if r := recover(); r != nil {
			sr = plan.ScanResult{
				ScannerID: s.ID(),
				Verdict:   plan.VerdictWarn,
				RiskScore: p.Config.WarnThreshold,
				Details:   "scanner panicked: recovered to warn",
			}
		}
	}()
	return s.Scan(ctx, sctx)
}

// applyThresholds implements reject_threshold/warn_threshold: a warn at or
// above RejectThreshold is upgraded to reject; scores below WarnThreshold
// are downgraded to allow.
func (p *Pipeline) applyThresholds(sr plan.ScanResult) plan.ScanResult {
	switch {
	case sr.Verdict == plan.VerdictWarn && sr.RiskScore >= p.Config.RejectThreshold:
		sr.Verdict = plan.VerdictReject
	case sr.RiskScore < p.Config.WarnThreshold && sr.Verdict != plan.VerdictReject:
		sr.Verdict = plan.VerdictAllow
	}
	return sr
}
