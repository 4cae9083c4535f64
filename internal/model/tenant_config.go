package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// ThresholdConfig holds the per-tenant gate, governance and rate-limit
// parameters.
type ThresholdConfig struct {
	TenantID string `json:"tenant_id" yaml:"tenant_id"`

	// Occurrence and impact gates.
	MinEvidenceCount      int     `json:"min_evidence_count" yaml:"min_evidence_count"`
	MinUniqueUsers        int     `json:"min_unique_users" yaml:"min_unique_users"`
	MinTimeSpanHours      float64 `json:"min_time_span_hours" yaml:"min_time_span_hours"`
	MinTotalEvidenceScore float64 `json:"min_total_evidence_score" yaml:"min_total_evidence_score"`

	// Governance.
	MinSynthesisConfidence float64 `json:"min_synthesis_confidence" yaml:"min_synthesis_confidence"`
	MaxCostRisk            float64 `json:"max_cost_risk" yaml:"max_cost_risk"`
	MaxLatencyRisk         float64 `json:"max_latency_risk" yaml:"max_latency_risk"`
	MaxQualityRisk         float64 `json:"max_quality_risk" yaml:"max_quality_risk"`
	MaxComplianceRisk      float64 `json:"max_compliance_risk" yaml:"max_compliance_risk"`

	// Throughput.
	MaxProposalsPerDay   int     `json:"max_proposals_per_day" yaml:"max_proposals_per_day"`
	MaxProposalsPerWeek  int     `json:"max_proposals_per_week" yaml:"max_proposals_per_week"`
	DeclineCooldownHours float64 `json:"decline_cooldown_hours" yaml:"decline_cooldown_hours"`

	// Auto-approve skips human review for low-risk, high-confidence proposals.
	AutoApproveEnabled       bool    `json:"auto_approve_enabled" yaml:"auto_approve_enabled"`
	AutoApproveMaxRisk       float64 `json:"auto_approve_max_risk" yaml:"auto_approve_max_risk"`
	AutoApproveMinConfidence float64 `json:"auto_approve_min_confidence" yaml:"auto_approve_min_confidence"`

	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// DefaultThresholdConfig returns the defaults used when a tenant has no row.
func DefaultThresholdConfig(tenantID string) ThresholdConfig {
	return ThresholdConfig{
		TenantID:                 tenantID,
		MinEvidenceCount:         5,
		MinUniqueUsers:           3,
		MinTimeSpanHours:         24,
		MinTotalEvidenceScore:    0.60,
		MinSynthesisConfidence:   0.65,
		MaxCostRisk:              0.80,
		MaxLatencyRisk:           0.80,
		MaxQualityRisk:           0.70,
		MaxComplianceRisk:        0.60,
		MaxProposalsPerDay:       5,
		MaxProposalsPerWeek:      20,
		DeclineCooldownHours:     168,
		AutoApproveMaxRisk:       0.15,
		AutoApproveMinConfidence: 0.90,
	}
}

// MinTimeSpan is MinTimeSpanHours as a duration.
func (c ThresholdConfig) MinTimeSpan() time.Duration {
	return time.Duration(c.MinTimeSpanHours * float64(time.Hour))
}

// DeclineCooldown is DeclineCooldownHours as a duration.
func (c ThresholdConfig) DeclineCooldown() time.Duration {
	return time.Duration(c.DeclineCooldownHours * float64(time.Hour))
}

// Validate rejects out-of-range values.
func (c ThresholdConfig) Validate() error {
	if c.TenantID == "" {
		return Validationf("thresholds: tenant_id is required")
	}
	if c.MinEvidenceCount < 1 {
		return Validationf("thresholds: min_evidence_count must be >= 1, got %d", c.MinEvidenceCount)
	}
	if c.MinUniqueUsers < 1 {
		return Validationf("thresholds: min_unique_users must be >= 1, got %d", c.MinUniqueUsers)
	}
	if c.MinTimeSpanHours < 0 {
		return Validationf("thresholds: min_time_span_hours must be >= 0, got %.2f", c.MinTimeSpanHours)
	}
	if c.MinTotalEvidenceScore < 0 {
		return Validationf("thresholds: min_total_evidence_score must be >= 0, got %.2f", c.MinTotalEvidenceScore)
	}
	for name, v := range map[string]float64{
		"min_synthesis_confidence":    c.MinSynthesisConfidence,
		"max_cost_risk":               c.MaxCostRisk,
		"max_latency_risk":            c.MaxLatencyRisk,
		"max_quality_risk":            c.MaxQualityRisk,
		"max_compliance_risk":         c.MaxComplianceRisk,
		"auto_approve_max_risk":       c.AutoApproveMaxRisk,
		"auto_approve_min_confidence": c.AutoApproveMinConfidence,
	} {
		if err := unitRange(name, v); err != nil {
			return err
		}
	}
	if c.MaxProposalsPerDay < 0 {
		return Validationf("thresholds: max_proposals_per_day must be >= 0, got %d", c.MaxProposalsPerDay)
	}
	if c.MaxProposalsPerWeek < c.MaxProposalsPerDay {
		return Validationf("thresholds: max_proposals_per_week (%d) must be >= max_proposals_per_day (%d)",
			c.MaxProposalsPerWeek, c.MaxProposalsPerDay)
	}
	if c.DeclineCooldownHours < 0 {
		return Validationf("thresholds: decline_cooldown_hours must be >= 0, got %.2f", c.DeclineCooldownHours)
	}
	return nil
}

func unitRange(name string, v float64) error {
	if v < 0 || v > 1 {
		return Validationf("thresholds: %s must be within [0,1], got %.2f", name, v)
	}
	return nil
}

// WeightSetting is one evidence type's tenant override.
type WeightSetting struct {
	Weight  float64 `json:"weight" yaml:"weight"`
	Enabled bool    `json:"enabled" yaml:"enabled"`
}

// EvidenceWeightConfig holds per-tenant evidence weight overrides.
type EvidenceWeightConfig struct {
	TenantID  string                         `json:"tenant_id" yaml:"tenant_id"`
	Weights   map[EvidenceType]WeightSetting `json:"weights" yaml:"weights"`
	UpdatedAt time.Time                      `json:"updated_at" yaml:"updated_at"`
}

// Validate rejects unknown evidence types and weights outside (0,1].
func (c EvidenceWeightConfig) Validate() error {
	if c.TenantID == "" {
		return Validationf("weights: tenant_id is required")
	}
	for t, s := range c.Weights {
		if !t.Known() {
			return Validationf("weights: unknown evidence type %q", t)
		}
		if s.Weight <= 0 || s.Weight > 1 {
			return Validationf("weights: %s weight must be within (0,1], got %.2f", t, s.Weight)
		}
	}
	return nil
}

// Resolve returns the weight for t: tenant override, then type default,
// then MinEvidenceWeight. A type the tenant disabled is rejected.
func (c EvidenceWeightConfig) Resolve(t EvidenceType) (float64, error) {
	if s, ok := c.Weights[t]; ok {
		if !s.Enabled {
			return 0, eris.Wrapf(ErrValidation, "evidence type %s is disabled for tenant %s", t, c.TenantID)
		}
		return s.Weight, nil
	}
	if w, ok := DefaultEvidenceWeights[t]; ok {
		return w, nil
	}
	return MinEvidenceWeight, nil
}
