package model

import (
	"fmt"
	"slices"
	"time"

	"github.com/rotisserie/eris"
)

// ProposalStatus is the review state of a Proposal.
type ProposalStatus string

const (
	ProposalPendingBrain ProposalStatus = "pending_brain"
	ProposalPendingAdmin ProposalStatus = "pending_admin"
	ProposalTesting      ProposalStatus = "testing"
	ProposalApproved     ProposalStatus = "approved"
	ProposalDeclined     ProposalStatus = "declined"
	ProposalPublished    ProposalStatus = "published"
)

// proposalTransitions lists every legal edge. pending_admin -> pending_admin
// covers modify and escalate, which record a review without moving status.
var proposalTransitions = map[ProposalStatus][]ProposalStatus{
	ProposalPendingBrain: {ProposalDeclined, ProposalPendingAdmin},
	ProposalPendingAdmin: {ProposalApproved, ProposalDeclined, ProposalTesting, ProposalPendingAdmin},
	ProposalTesting:      {ProposalApproved, ProposalDeclined},
	ProposalApproved:     {ProposalPublished},
	ProposalDeclined:     nil,
	ProposalPublished:    nil,
}

// Valid reports whether s is a known status.
func (s ProposalStatus) Valid() bool {
	_, ok := proposalTransitions[s]
	return ok
}

// CanTransition reports whether from -> to is in the transition table.
func (s ProposalStatus) CanTransition(to ProposalStatus) bool {
	return slices.Contains(proposalTransitions[s], to)
}

// Transition returns to, or ErrIllegalTransition if the edge is not allowed.
func (s ProposalStatus) Transition(to ProposalStatus) (ProposalStatus, error) {
	if !s.CanTransition(to) {
		return s, eris.Wrapf(ErrIllegalTransition, "proposal %s -> %s", s, to)
	}
	return to, nil
}

// Active reports whether the proposal still occupies its pattern.
func (s ProposalStatus) Active() bool {
	return s != ProposalDeclined
}

// Priority ranks proposals awaiting human review.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorityOrder = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}

// Raise returns the next priority level, capped at urgent.
func (p Priority) Raise() Priority {
	i := slices.Index(priorityOrder, p)
	if i < 0 {
		return PriorityMedium
	}
	if i == len(priorityOrder)-1 {
		return p
	}
	return priorityOrder[i+1]
}

// ProposalCode formats the human-readable proposal code.
func ProposalCode(year, seq int) string {
	return fmt.Sprintf("WP-%d-%03d", year, seq)
}

// VetoCode is the machine-readable reason a proposal was declined by
// governance.
type VetoCode string

const (
	VetoCostRisk       VetoCode = "cost_risk_exceeded"
	VetoLatencyRisk    VetoCode = "latency_risk_exceeded"
	VetoQualityRisk    VetoCode = "quality_risk_exceeded"
	VetoComplianceRisk VetoCode = "compliance_risk_exceeded"
	VetoLowConfidence  VetoCode = "confidence_below_minimum"
	VetoDuplicate      VetoCode = "duplicate_workflow"
	VetoRateLimit      VetoCode = "rate_limit_exhausted"
)

// RiskAssessment is the governance score snapshot for a proposal.
type RiskAssessment struct {
	CostRisk       float64 `json:"cost_risk" yaml:"cost_risk"`
	LatencyRisk    float64 `json:"latency_risk" yaml:"latency_risk"`
	QualityRisk    float64 `json:"quality_risk" yaml:"quality_risk"`
	ComplianceRisk float64 `json:"compliance_risk" yaml:"compliance_risk"`
	OverallRisk    float64 `json:"overall_risk" yaml:"overall_risk"`
}

// EvidenceSummary is a snapshot of the pattern's evidence at synthesis time.
type EvidenceSummary struct {
	EvidenceCount       int            `json:"evidence_count" yaml:"evidence_count"`
	UniqueUsersAffected int            `json:"unique_users_affected" yaml:"unique_users_affected"`
	TotalEvidenceScore  float64        `json:"total_evidence_score" yaml:"total_evidence_score"`
	TypeCounts          map[string]int `json:"type_counts" yaml:"type_counts"`
	TopFailureReasons   []ReasonCount  `json:"top_failure_reasons,omitempty" yaml:"top_failure_reasons,omitempty"`
	Capabilities        []string       `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Intent              string         `json:"intent" yaml:"intent"`
	Domains             []string       `json:"domains,omitempty" yaml:"domains,omitempty"`
}

// ReasonCount is a failure reason with its frequency.
type ReasonCount struct {
	Reason string `json:"reason" yaml:"reason"`
	Count  int    `json:"count" yaml:"count"`
}

// Proposal is a synthesized workflow candidate for one NeedPattern.
type Proposal struct {
	ID                  string           `json:"id" yaml:"id"`
	TenantID            string           `json:"tenant_id" yaml:"tenant_id"`
	PatternID           string           `json:"pattern_id" yaml:"pattern_id"`
	Code                string           `json:"code" yaml:"code"`
	Title               string           `json:"title" yaml:"title"`
	Description         string           `json:"description" yaml:"description"`
	Graph               WorkflowGraph    `json:"graph" yaml:"graph"`
	Confidence          float64          `json:"confidence" yaml:"confidence"`
	Coverage            float64          `json:"coverage" yaml:"coverage"`
	Summary             EvidenceSummary  `json:"evidence_summary" yaml:"evidence_summary"`
	Approved            bool             `json:"approved" yaml:"approved"`
	Risk                *RiskAssessment  `json:"risk,omitempty" yaml:"risk,omitempty"`
	VetoCode            VetoCode         `json:"veto_code,omitempty" yaml:"veto_code,omitempty"`
	VetoReason          string           `json:"veto_reason,omitempty" yaml:"veto_reason,omitempty"`
	Priority            Priority         `json:"priority,omitempty" yaml:"priority,omitempty"`
	Suggestions         []string         `json:"suggestions,omitempty" yaml:"suggestions,omitempty"`
	Status              ProposalStatus   `json:"status" yaml:"status"`
	PublishedWorkflowID string           `json:"published_workflow_id,omitempty" yaml:"published_workflow_id,omitempty"`
	CreatedAt           time.Time        `json:"created_at" yaml:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at" yaml:"updated_at"`
}

// ProposalUpdate is a guarded status change with governance field writes.
// The update applies only while the row is still in From.
type ProposalUpdate struct {
	TenantID            string
	ProposalID          string
	From                ProposalStatus
	To                  ProposalStatus
	Approved            *bool
	Risk                *RiskAssessment
	VetoCode            VetoCode
	VetoReason          string
	Priority            Priority
	Suggestions         []string
	PublishedWorkflowID string
	At                  time.Time
}

// Check validates the edge against the transition table.
func (u ProposalUpdate) Check() error {
	_, err := u.From.Transition(u.To)
	return err
}
