package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultThresholdConfig_Valid(t *testing.T) {
	t.Parallel()

	cfg := DefaultThresholdConfig("acme")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.MinEvidenceCount)
	assert.Equal(t, 3, cfg.MinUniqueUsers)
	assert.Equal(t, 24*time.Hour, cfg.MinTimeSpan())
	assert.InDelta(t, 0.60, cfg.MinTotalEvidenceScore, 0.001)
	assert.Equal(t, 7*24*time.Hour, cfg.DeclineCooldown())
}

func TestThresholdConfig_ValidateRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(c *ThresholdConfig)
		want   string
	}{
		{"missing tenant", func(c *ThresholdConfig) { c.TenantID = "" }, "tenant_id"},
		{"zero evidence count", func(c *ThresholdConfig) { c.MinEvidenceCount = 0 }, "min_evidence_count"},
		{"zero unique users", func(c *ThresholdConfig) { c.MinUniqueUsers = 0 }, "min_unique_users"},
		{"negative span", func(c *ThresholdConfig) { c.MinTimeSpanHours = -1 }, "min_time_span_hours"},
		{"negative score", func(c *ThresholdConfig) { c.MinTotalEvidenceScore = -0.1 }, "min_total_evidence_score"},
		{"risk above one", func(c *ThresholdConfig) { c.MaxComplianceRisk = 1.5 }, "max_compliance_risk"},
		{"negative confidence", func(c *ThresholdConfig) { c.MinSynthesisConfidence = -0.2 }, "min_synthesis_confidence"},
		{"week below day", func(c *ThresholdConfig) { c.MaxProposalsPerWeek = 2 }, "max_proposals_per_week"},
		{"negative cooldown", func(c *ThresholdConfig) { c.DeclineCooldownHours = -4 }, "decline_cooldown_hours"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultThresholdConfig("acme")
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEvidenceWeightConfig_Validate(t *testing.T) {
	t.Parallel()

	ok := EvidenceWeightConfig{TenantID: "acme", Weights: map[EvidenceType]WeightSetting{
		EvidenceExplicitRequest: {Weight: 0.7, Enabled: true},
	}}
	require.NoError(t, ok.Validate())

	unknown := EvidenceWeightConfig{TenantID: "acme", Weights: map[EvidenceType]WeightSetting{
		"telepathy": {Weight: 0.5, Enabled: true},
	}}
	err := unknown.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown evidence type")

	zero := EvidenceWeightConfig{TenantID: "acme", Weights: map[EvidenceType]WeightSetting{
		EvidenceAbandonSession: {Weight: 0, Enabled: true},
	}}
	require.Error(t, zero.Validate())
}

func TestEvidenceWeightConfig_Resolve(t *testing.T) {
	t.Parallel()

	cfg := EvidenceWeightConfig{TenantID: "acme", Weights: map[EvidenceType]WeightSetting{
		EvidenceWorkflowFailure: {Weight: 0.9, Enabled: true},
		EvidenceAbandonSession:  {Weight: 0.2, Enabled: false},
	}}

	w, err := cfg.Resolve(EvidenceWorkflowFailure)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, w, 0.0001)

	w, err = cfg.Resolve(EvidenceExplicitRequest)
	require.NoError(t, err)
	assert.InDelta(t, 0.50, w, 0.0001)

	w, err = cfg.Resolve("something_new")
	require.NoError(t, err)
	assert.InDelta(t, MinEvidenceWeight, w, 0.0001)
	assert.Greater(t, w, 0.0)

	_, err = cfg.Resolve(EvidenceAbandonSession)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestParseEvidenceType(t *testing.T) {
	t.Parallel()
	assert.Equal(t, EvidenceExplicitRequest, ParseEvidenceType(" Explicit-Request "))
	assert.Equal(t, EvidenceWorkflowFailure, ParseEvidenceType("workflow failure"))
	assert.True(t, ParseEvidenceType("negative_feedback").Known())
	assert.False(t, ParseEvidenceType("mystery").Known())
}

func TestEvidenceSubmission_Validate(t *testing.T) {
	t.Parallel()

	sub := EvidenceSubmission{TenantID: "acme", Type: EvidenceExplicitRequest, Context: EvidenceContext{OriginalRequest: "compare vendors"}}
	require.NoError(t, sub.Validate())

	noType := sub
	noType.Type = ""
	assert.True(t, errors.Is(noType.Validate(), ErrValidation))

	noTenant := sub
	noTenant.TenantID = ""
	assert.True(t, errors.Is(noTenant.Validate(), ErrValidation))

	noText := sub
	noText.Context = EvidenceContext{UserFeedback: "   "}
	assert.True(t, errors.Is(noText.Validate(), ErrValidation))
}
