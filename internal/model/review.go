package model

import "time"

// ReviewerType identifies who acted on a proposal.
type ReviewerType string

const (
	ReviewerBrain ReviewerType = "brain"
	ReviewerAdmin ReviewerType = "admin"
)

// ReviewAction is the action recorded in a ProposalReview.
type ReviewAction string

const (
	ActionCreate      ReviewAction = "create"
	ActionVeto        ReviewAction = "veto"
	ActionEscalate    ReviewAction = "escalate"
	ActionApprove     ReviewAction = "approve"
	ActionDecline     ReviewAction = "decline"
	ActionModify      ReviewAction = "modify"
	ActionRequestTest ReviewAction = "request_test"
	ActionPublish     ReviewAction = "publish"
)

// HumanActions are the actions an administrator may take through
// review_proposal.
var HumanActions = []ReviewAction{ActionApprove, ActionDecline, ActionModify, ActionRequestTest, ActionEscalate}

// ProposalReview is one append-only audit row.
type ProposalReview struct {
	ID             string          `json:"id" yaml:"id"`
	TenantID       string          `json:"tenant_id" yaml:"tenant_id"`
	ProposalID     string          `json:"proposal_id" yaml:"proposal_id"`
	ReviewerType   ReviewerType    `json:"reviewer_type" yaml:"reviewer_type"`
	ReviewerID     string          `json:"reviewer_id,omitempty" yaml:"reviewer_id,omitempty"`
	Action         ReviewAction    `json:"action" yaml:"action"`
	PreviousStatus ProposalStatus  `json:"previous_status,omitempty" yaml:"previous_status,omitempty"`
	NewStatus      ProposalStatus  `json:"new_status" yaml:"new_status"`
	Notes          string          `json:"notes,omitempty" yaml:"notes,omitempty"`
	Risk           *RiskAssessment `json:"risk,omitempty" yaml:"risk,omitempty"`
	CreatedAt      time.Time       `json:"created_at" yaml:"created_at"`
}
