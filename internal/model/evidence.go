package model

import (
	"strings"
	"time"
)

// EvidenceType enumerates the kinds of unmet-need signals.
type EvidenceType string

const (
	EvidenceWorkflowFailure  EvidenceType = "workflow_failure"
	EvidenceNegativeFeedback EvidenceType = "negative_feedback"
	EvidenceManualOverride   EvidenceType = "manual_override"
	EvidenceAbandonSession   EvidenceType = "abandon_session"
	EvidenceExplicitRequest  EvidenceType = "explicit_request"
	EvidenceLowSatisfaction  EvidenceType = "low_satisfaction"
	EvidenceRepeatedQuery    EvidenceType = "repeated_query"
	EvidenceEscalation       EvidenceType = "escalation"
)

// MinEvidenceWeight is used for evidence types with no configured weight.
const MinEvidenceWeight = 0.05

// DefaultEvidenceWeights is the built-in per-type weight table.
var DefaultEvidenceWeights = map[EvidenceType]float64{
	EvidenceWorkflowFailure:  0.40,
	EvidenceNegativeFeedback: 0.30,
	EvidenceManualOverride:   0.35,
	EvidenceAbandonSession:   0.20,
	EvidenceExplicitRequest:  0.50,
	EvidenceLowSatisfaction:  0.25,
	EvidenceRepeatedQuery:    0.15,
	EvidenceEscalation:       0.45,
}

// Known reports whether t is one of the built-in evidence types.
func (t EvidenceType) Known() bool {
	_, ok := DefaultEvidenceWeights[t]
	return ok
}

// ParseEvidenceType normalizes user input ("Explicit-Request") to an
// EvidenceType. Unknown but non-empty values are returned as-is.
func ParseEvidenceType(s string) EvidenceType {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return EvidenceType(s)
}

// EvidenceContext is the free text attached to a signal.
type EvidenceContext struct {
	OriginalRequest string `json:"original_request,omitempty" yaml:"original_request,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty" yaml:"failure_reason,omitempty"`
	UserFeedback    string `json:"user_feedback,omitempty" yaml:"user_feedback,omitempty"`
}

// Text joins the context fields for classification and embedding.
func (c EvidenceContext) Text() string {
	parts := make([]string, 0, 3)
	for _, s := range []string{c.OriginalRequest, c.FailureReason, c.UserFeedback} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// EvidenceSubmission is a raw, unclassified evidence event.
type EvidenceSubmission struct {
	TenantID         string          `json:"tenant_id"`
	Type             EvidenceType    `json:"type"`
	UserID           string          `json:"user_id,omitempty"`
	SessionID        string          `json:"session_id,omitempty"`
	ExecutionID      string          `json:"execution_id,omitempty"`
	FailedWorkflowID string          `json:"failed_workflow_id,omitempty"`
	Context          EvidenceContext `json:"context"`
	OccurredAt       time.Time       `json:"occurred_at,omitempty"`
}

// Validate checks the fields every submission needs.
func (s EvidenceSubmission) Validate() error {
	if strings.TrimSpace(s.TenantID) == "" {
		return Validationf("evidence: tenant_id is required")
	}
	if strings.TrimSpace(string(s.Type)) == "" {
		return Validationf("evidence: type is required")
	}
	if s.Context.Text() == "" {
		return Validationf("evidence: context text is required")
	}
	return nil
}

// Evidence is one persisted signal. It is never updated after insert.
type Evidence struct {
	ID               string          `json:"id" yaml:"id"`
	TenantID         string          `json:"tenant_id" yaml:"tenant_id"`
	PatternID        string          `json:"pattern_id" yaml:"pattern_id"`
	Type             EvidenceType    `json:"type" yaml:"type"`
	Weight           float64         `json:"weight" yaml:"weight"`
	UserID           string          `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	SessionID        string          `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	ExecutionID      string          `json:"execution_id,omitempty" yaml:"execution_id,omitempty"`
	FailedWorkflowID string          `json:"failed_workflow_id,omitempty" yaml:"failed_workflow_id,omitempty"`
	Context          EvidenceContext `json:"context" yaml:"context"`
	OccurredAt       time.Time       `json:"occurred_at" yaml:"occurred_at"`
	CreatedAt        time.Time       `json:"created_at" yaml:"created_at"`
}

// DLQEntry holds an evidence submission that could not be persisted.
type DLQEntry struct {
	ID           string             `json:"id"`
	Submission   EvidenceSubmission `json:"submission"`
	Error        string             `json:"error"`
	ErrorType    string             `json:"error_type"` // "transient" or "permanent"
	RetryCount   int                `json:"retry_count"`
	MaxRetries   int                `json:"max_retries"`
	NextRetryAt  time.Time          `json:"next_retry_at"`
	CreatedAt    time.Time          `json:"created_at"`
	LastFailedAt time.Time          `json:"last_failed_at"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}
