package model

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// PatternStatus is the lifecycle state of a NeedPattern.
type PatternStatus string

const (
	PatternAccumulating       PatternStatus = "accumulating"
	PatternThresholdMet       PatternStatus = "threshold_met"
	PatternProposalGenerating PatternStatus = "proposal_generating"
	PatternProposalGenerated  PatternStatus = "proposal_generated"
	PatternResolved           PatternStatus = "resolved"
)

// patternTransitions lists every legal edge. Backward edges are limited to
// synthesis recovery, insufficient signal, and reopening a declined lineage.
var patternTransitions = map[PatternStatus][]PatternStatus{
	PatternAccumulating:       {PatternThresholdMet},
	PatternThresholdMet:       {PatternProposalGenerating},
	PatternProposalGenerating: {PatternProposalGenerated, PatternThresholdMet, PatternAccumulating},
	PatternProposalGenerated:  {PatternResolved, PatternThresholdMet},
	PatternResolved:           nil,
}

// Valid reports whether s is a known status.
func (s PatternStatus) Valid() bool {
	_, ok := patternTransitions[s]
	return ok
}

// CanTransition reports whether from -> to is in the transition table.
func (s PatternStatus) CanTransition(to PatternStatus) bool {
	return slices.Contains(patternTransitions[s], to)
}

// Transition returns to, or ErrIllegalTransition if the edge is not allowed.
func (s PatternStatus) Transition(to PatternStatus) (PatternStatus, error) {
	if !s.CanTransition(to) {
		return s, eris.Wrapf(ErrIllegalTransition, "pattern %s -> %s", s, to)
	}
	return to, nil
}

// Signature is the normalized identity of a need.
type Signature struct {
	Intent           string   `json:"intent" yaml:"intent"`
	Keywords         []string `json:"keywords" yaml:"keywords"`
	Domains          []string `json:"domains" yaml:"domains"`
	FailedWorkflowID string   `json:"failed_workflow_id,omitempty" yaml:"failed_workflow_id,omitempty"`
}

// Hash returns the hex SHA-256 of the intent and sorted keyword/domain sets.
// The failed workflow reference is not part of the identity.
func (s Signature) Hash() string {
	kw := slices.Clone(s.Keywords)
	slices.Sort(kw)
	dom := slices.Clone(s.Domains)
	slices.Sort(dom)

	h := sha256.New()
	h.Write([]byte(strings.ToLower(s.Intent)))
	h.Write([]byte{'|'})
	h.Write([]byte(strings.Join(kw, ",")))
	h.Write([]byte{'|'})
	h.Write([]byte(strings.Join(dom, ",")))
	return hex.EncodeToString(h.Sum(nil))
}

// NeedPattern is a canonical cluster of evidence sharing intent.
type NeedPattern struct {
	ID                  string        `json:"id" yaml:"id"`
	TenantID            string        `json:"tenant_id" yaml:"tenant_id"`
	Signature           Signature     `json:"signature" yaml:"signature"`
	SignatureHash       string        `json:"signature_hash" yaml:"signature_hash"`
	Embedding           []float32     `json:"-" yaml:"-"`
	TotalEvidenceScore  float64       `json:"total_evidence_score" yaml:"total_evidence_score"`
	EvidenceCount       int           `json:"evidence_count" yaml:"evidence_count"`
	UniqueUsersAffected int           `json:"unique_users_affected" yaml:"unique_users_affected"`
	FirstOccurrenceAt   time.Time     `json:"first_occurrence_at" yaml:"first_occurrence_at"`
	LastOccurrenceAt    time.Time     `json:"last_occurrence_at" yaml:"last_occurrence_at"`
	OccurrenceMet       bool          `json:"occurrence_met" yaml:"occurrence_met"`
	ImpactMet           bool          `json:"impact_met" yaml:"impact_met"`
	ConfidenceMet       bool          `json:"confidence_met" yaml:"confidence_met"`
	Status              PatternStatus `json:"status" yaml:"status"`
	ProposalID          *string       `json:"proposal_id,omitempty" yaml:"proposal_id,omitempty"`
	CreatedAt           time.Time     `json:"created_at" yaml:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at" yaml:"updated_at"`
}

// AllThresholdsMet reports whether every gate flag is set.
func (p *NeedPattern) AllThresholdsMet() bool {
	return p.OccurrenceMet && p.ImpactMet && p.ConfidenceMet
}

// Aggregates are the statistics derived from a pattern's evidence rows.
type Aggregates struct {
	TotalEvidenceScore  float64
	EvidenceCount       int
	UniqueUsersAffected int
	FirstOccurrenceAt   time.Time
	LastOccurrenceAt    time.Time
}

// Matches compares stored statistics with freshly derived ones. Scores are
// compared with a small tolerance for float summation order.
func (a Aggregates) Matches(p *NeedPattern) bool {
	diff := a.TotalEvidenceScore - p.TotalEvidenceScore
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-6 &&
		a.EvidenceCount == p.EvidenceCount &&
		a.UniqueUsersAffected == p.UniqueUsersAffected
}

// PatternTransition is an append-only record of a pattern status change.
type PatternTransition struct {
	ID         string        `json:"id"`
	TenantID   string        `json:"tenant_id"`
	PatternID  string        `json:"pattern_id"`
	FromStatus PatternStatus `json:"from_status"`
	ToStatus   PatternStatus `json:"to_status"`
	Reason     string        `json:"reason"`
	CreatedAt  time.Time     `json:"created_at"`
}

// PatternUpdate describes a guarded status change plus flag writes.
// The update applies only while the row is still in From.
type PatternUpdate struct {
	TenantID      string
	PatternID     string
	From          PatternStatus
	To            PatternStatus
	OccurrenceMet *bool
	ImpactMet     *bool
	ConfidenceMet *bool
	// SetProposal links ProposalID; ClearProposal sets it to NULL.
	SetProposal   *string
	ClearProposal bool
	Reason        string
	At            time.Time
}

// StatusChange reports whether the update moves the pattern's status.
func (u PatternUpdate) StatusChange() bool {
	return u.From != u.To
}

// Check validates the edge against the transition table. Flag-only updates
// (From == To) are always allowed.
func (u PatternUpdate) Check() error {
	if !u.StatusChange() {
		return nil
	}
	_, err := u.From.Transition(u.To)
	return err
}
