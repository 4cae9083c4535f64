// Package gate decides when a pattern has enough evidence to be considered
// for synthesis.
package gate

import (
	"time"

	"github.com/sells-group/workflow-evolver/internal/model"
)

// Result holds the occurrence and impact flags for one evaluation.
// Confidence is owned by synthesis and never computed here.
type Result struct {
	OccurrenceMet bool
	ImpactMet     bool
	// Advance is true when an accumulating pattern should move to
	// threshold_met.
	Advance bool
}

// Evaluate computes the gate flags for p under cfg.
func Evaluate(p model.NeedPattern, cfg model.ThresholdConfig) Result {
	span := p.LastOccurrenceAt.Sub(p.FirstOccurrenceAt)
	occurrence := p.EvidenceCount >= cfg.MinEvidenceCount &&
		p.UniqueUsersAffected >= cfg.MinUniqueUsers &&
		span >= cfg.MinTimeSpan()
	impact := p.TotalEvidenceScore >= cfg.MinTotalEvidenceScore

	return Result{
		OccurrenceMet: occurrence,
		ImpactMet:     impact,
		Advance:       p.Status == model.PatternAccumulating && occurrence && impact,
	}
}

// Apply evaluates p and returns the update that persists the result, or nil
// when neither flags nor status change. Only accumulating patterns advance;
// for later statuses the flags are refreshed in place.
func Apply(p model.NeedPattern, cfg model.ThresholdConfig, at time.Time) (*model.PatternUpdate, Result) {
	res := Evaluate(p, cfg)

	to := p.Status
	if res.Advance {
		to = model.PatternThresholdMet
	}
	if to == p.Status && res.OccurrenceMet == p.OccurrenceMet && res.ImpactMet == p.ImpactMet {
		return nil, res
	}

	reason := "gate flags refreshed"
	if res.Advance {
		reason = "occurrence and impact thresholds met"
	}
	return &model.PatternUpdate{
		TenantID:      p.TenantID,
		PatternID:     p.ID,
		From:          p.Status,
		To:            to,
		OccurrenceMet: &res.OccurrenceMet,
		ImpactMet:     &res.ImpactMet,
		Reason:        reason,
		At:            at,
	}, res
}
