// Package governance scores synthesized proposals and decides whether
// they are vetoed or escalated to human review.
package governance

import (
	"fmt"

	"github.com/sells-group/workflow-evolver/internal/model"
)

// DuplicateThreshold is the structural similarity above which an existing
// workflow vetoes a new proposal.
const DuplicateThreshold = 0.85

// SuggestionThreshold is the overall risk at which non-binding
// suggestions are attached.
const SuggestionThreshold = 0.30

// Input is everything the reviewer needs for one proposal.
type Input struct {
	Proposal   *model.Proposal
	Thresholds model.ThresholdConfig
	// Existing are the tenant's active workflows, excluding Proposal.
	Existing []model.Proposal
	// CreatedDay and CreatedWeek count proposals created in the trailing
	// 24h and 7d, excluding Proposal.
	CreatedDay  int
	CreatedWeek int
}

// Decision is the reviewer's verdict.
type Decision struct {
	Risk        model.RiskAssessment
	Vetoed      bool
	VetoCode    model.VetoCode
	VetoReason  string
	Priority    model.Priority
	Suggestions []string
	// AutoApprove is set when the tenant allows skipping human review.
	AutoApprove bool
	// DuplicateOf is the proposal that triggered a duplicate veto.
	DuplicateOf string
}

// Status is the proposal status the decision leads to from pending_brain.
func (d Decision) Status() model.ProposalStatus {
	if d.Vetoed {
		return model.ProposalDeclined
	}
	return model.ProposalPendingAdmin
}

// Review scores in.Proposal and applies the veto rules in order: risk
// ceilings, minimum confidence, duplicates, rate limit.
func Review(in Input) Decision {
	p := in.Proposal
	cfg := in.Thresholds
	d := Decision{Risk: Assess(p)}

	if code, reason, ok := ceilingVeto(d.Risk, cfg); ok {
		return d.veto(code, reason)
	}
	if p.Confidence < cfg.MinSynthesisConfidence {
		return d.veto(model.VetoLowConfidence,
			fmt.Sprintf("Synthesis confidence %.2f below minimum %.2f", p.Confidence, cfg.MinSynthesisConfidence))
	}
	if dup, sim := MostSimilar(p, in.Existing); dup != nil && sim > DuplicateThreshold {
		d.DuplicateOf = dup.ID
		return d.veto(model.VetoDuplicate,
			fmt.Sprintf("Duplicate of %s (similarity %.2f)", dup.Code, sim))
	}
	if in.CreatedDay >= cfg.MaxProposalsPerDay {
		return d.veto(model.VetoRateLimit,
			fmt.Sprintf("Rate limit exhausted: %d of %d proposals in the last 24h", in.CreatedDay, cfg.MaxProposalsPerDay))
	}
	if in.CreatedWeek >= cfg.MaxProposalsPerWeek {
		return d.veto(model.VetoRateLimit,
			fmt.Sprintf("Rate limit exhausted: %d of %d proposals in the last 7d", in.CreatedWeek, cfg.MaxProposalsPerWeek))
	}

	d.Priority = ComputePriority(p, d.Risk)
	if d.Risk.OverallRisk >= SuggestionThreshold {
		d.Suggestions = Suggest(p, d.Risk)
	}
	d.AutoApprove = cfg.AutoApproveEnabled &&
		d.Risk.OverallRisk <= cfg.AutoApproveMaxRisk &&
		p.Confidence >= cfg.AutoApproveMinConfidence
	return d
}

func (d Decision) veto(code model.VetoCode, reason string) Decision {
	d.Vetoed = true
	d.VetoCode = code
	d.VetoReason = reason
	return d
}

// ceilingVeto checks each risk against its tenant ceiling in a fixed order.
func ceilingVeto(r model.RiskAssessment, cfg model.ThresholdConfig) (model.VetoCode, string, bool) {
	checks := []struct {
		code    model.VetoCode
		label   string
		risk    float64
		ceiling float64
	}{
		{model.VetoCostRisk, "Cost risk", r.CostRisk, cfg.MaxCostRisk},
		{model.VetoLatencyRisk, "Latency risk", r.LatencyRisk, cfg.MaxLatencyRisk},
		{model.VetoQualityRisk, "Quality risk", r.QualityRisk, cfg.MaxQualityRisk},
		{model.VetoComplianceRisk, "Compliance risk", r.ComplianceRisk, cfg.MaxComplianceRisk},
	}
	for _, c := range checks {
		if c.risk > c.ceiling {
			return c.code, fmt.Sprintf("%s %.2f exceeds ceiling %.2f", c.label, c.risk, c.ceiling), true
		}
	}
	return "", "", false
}

// ComputePriority ranks a non-vetoed proposal from user reach, evidence
// score and a fast-track bonus for low risk with high confidence.
func ComputePriority(p *model.Proposal, r model.RiskAssessment) model.Priority {
	points := 0
	switch u := p.Summary.UniqueUsersAffected; {
	case u >= 20:
		points += 3
	case u >= 10:
		points += 2
	case u >= 5:
		points++
	}
	switch s := p.Summary.TotalEvidenceScore; {
	case s >= 10:
		points += 2
	case s >= 5:
		points++
	}
	if r.OverallRisk < 0.3 && p.Confidence >= 0.8 {
		points += 2
	}

	switch {
	case points >= 6:
		return model.PriorityUrgent
	case points >= 4:
		return model.PriorityHigh
	case points >= 2:
		return model.PriorityMedium
	default:
		return model.PriorityLow
	}
}

// Suggest returns non-binding modifications that would lower r.
func Suggest(p *model.Proposal, r model.RiskAssessment) []string {
	g := &p.Graph
	var out []string
	if !g.HasNodeType(model.NodeVerifier) {
		out = append(out, "Add a verifier node to check outputs before they reach users")
	}
	if r.CostRisk >= 0.5 {
		out = append(out, "Use cheaper model tiers or fewer nodes to reduce cost")
	}
	if r.LatencyRisk >= 0.5 && g.Strategy != model.StrategyFanOut {
		out = append(out, "Run retrieval steps in parallel to reduce latency")
	}
	if r.ComplianceRisk >= 0.3 && !g.HasNodeType(model.NodePIIHandler) {
		out = append(out, "Add a pii_handler node before external calls")
	}
	if r.QualityRisk >= 0.5 {
		out = append(out, "Pilot in testing before approval; synthesis confidence or coverage is low")
	}
	return out
}
