package store

import (
	"context"
	"strings"
	"time"

	"github.com/sells-group/workflow-evolver/internal/model"
)

// PatternFilter specifies criteria for listing patterns.
type PatternFilter struct {
	TenantID string              `json:"tenant_id"`
	Status   model.PatternStatus `json:"status,omitempty"`
	MinScore float64             `json:"min_score,omitempty"`
	// UpdatedBefore restricts to rows whose updated_at is older than the
	// given time. Used to find stuck proposal_generating claims.
	UpdatedBefore time.Time `json:"updated_before,omitempty"`
	Limit         int       `json:"limit,omitempty"`
	Offset        int       `json:"offset,omitempty"`
}

// ProposalFilter specifies criteria for listing proposals.
type ProposalFilter struct {
	TenantID  string               `json:"tenant_id"`
	Status    model.ProposalStatus `json:"status,omitempty"`
	PatternID string               `json:"pattern_id,omitempty"`
	Limit     int                  `json:"limit,omitempty"`
	Offset    int                  `json:"offset,omitempty"`
}

// DLQFilter specifies criteria for dequeuing dead-lettered submissions.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// Match is the nearest stored pattern for an embedding.
type Match struct {
	PatternID  string
	Similarity float64
}

// ProposalStats summarizes proposal outcomes in a window.
type ProposalStats struct {
	Created      int
	Vetoed       int
	PendingAdmin int
	Published    int
}

// Tx is the unit of work for one multi-row write. Every method runs on the
// same database transaction; nothing is visible to other readers until the
// enclosing InTx returns nil.
type Tx interface {
	// Patterns
	PatternByHash(ctx context.Context, tenantID, hash string) (*model.NeedPattern, error)
	NearestPattern(ctx context.Context, tenantID string, embedding []float32) (*Match, error)
	UpsertPattern(ctx context.Context, p *model.NeedPattern) (string, error)
	LockPattern(ctx context.Context, tenantID, patternID string) (*model.NeedPattern, error)
	RecomputeAggregates(ctx context.Context, tenantID, patternID string) (*model.NeedPattern, error)
	UpdatePattern(ctx context.Context, u model.PatternUpdate) error

	// Evidence
	InsertEvidence(ctx context.Context, e *model.Evidence) error

	// Proposals
	NextProposalSeq(ctx context.Context, tenantID string, year int) (int, error)
	InsertProposal(ctx context.Context, p *model.Proposal) error
	LockProposal(ctx context.Context, tenantID, proposalID string) (*model.Proposal, error)
	UpdateProposal(ctx context.Context, u model.ProposalUpdate) error
	CountProposalsSince(ctx context.Context, tenantID string, since time.Time, excludeID string) (int, error)

	// Audit
	AppendReview(ctx context.Context, r *model.ProposalReview) error
}

// Store defines the persistence interface for the evolution pipeline.
type Store interface {
	// InTx runs fn in a single transaction. A non-nil error from fn rolls
	// everything back.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// Patterns
	GetPattern(ctx context.Context, tenantID, patternID string) (*model.NeedPattern, error)
	ListPatterns(ctx context.Context, filter PatternFilter) ([]model.NeedPattern, error)
	SynthesisCandidates(ctx context.Context, tenantID string, limit int) ([]model.NeedPattern, error)
	DeriveAggregates(ctx context.Context, tenantID, patternID string) (model.Aggregates, error)
	ListEvidence(ctx context.Context, tenantID, patternID string, limit int) ([]model.Evidence, error)
	ListPatternTransitions(ctx context.Context, tenantID, patternID string) ([]model.PatternTransition, error)
	CountStuckPatterns(ctx context.Context, before time.Time) (int, error)

	// Proposals
	GetProposal(ctx context.Context, tenantID, proposalID string) (*model.Proposal, error)
	ListProposals(ctx context.Context, filter ProposalFilter) ([]model.Proposal, error)
	ListReviews(ctx context.Context, tenantID, proposalID string) ([]model.ProposalReview, error)
	CountProposalsSince(ctx context.Context, tenantID string, since time.Time) (int, error)
	LastDeclineAt(ctx context.Context, tenantID, patternID string) (*time.Time, error)
	ActiveWorkflows(ctx context.Context, tenantID, excludeID string) ([]model.Proposal, error)
	ProposalStatsSince(ctx context.Context, since time.Time) (ProposalStats, error)

	// Tenant configuration
	ListTenants(ctx context.Context) ([]string, error)
	GetThresholdConfig(ctx context.Context, tenantID string) (model.ThresholdConfig, error)
	SaveThresholdConfig(ctx context.Context, cfg model.ThresholdConfig) error
	GetEvidenceWeights(ctx context.Context, tenantID string) (model.EvidenceWeightConfig, error)
	SaveEvidenceWeights(ctx context.Context, cfg model.EvidenceWeightConfig) error

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry model.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter DLQFilter) ([]model.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// activeWorkflowStatuses are the proposal statuses that count as existing
// workflows for duplicate detection.
var activeWorkflowStatuses = []string{
	string(model.ProposalPendingAdmin),
	string(model.ProposalTesting),
	string(model.ProposalApproved),
	string(model.ProposalPublished),
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return min(limit, 500)
}

// placeholder renders the n-th (1-based) bind parameter for a dialect.
type placeholder func(n int) string

// patternUpdateSQL builds the guarded UPDATE for u. at is the dialect
// encoding of u.At.
func patternUpdateSQL(u model.PatternUpdate, ph placeholder, at any) (string, []any) {
	args := []any{string(u.To), at}
	sets := []string{"status = " + ph(1), "updated_at = " + ph(2)}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+" = "+ph(len(args)))
	}
	if u.OccurrenceMet != nil {
		add("occurrence_met", *u.OccurrenceMet)
	}
	if u.ImpactMet != nil {
		add("impact_met", *u.ImpactMet)
	}
	if u.ConfidenceMet != nil {
		add("confidence_met", *u.ConfidenceMet)
	}
	switch {
	case u.SetProposal != nil:
		add("proposal_id", *u.SetProposal)
	case u.ClearProposal:
		sets = append(sets, "proposal_id = NULL")
	}
	args = append(args, u.PatternID, u.TenantID, string(u.From))
	n := len(args)
	query := "UPDATE need_patterns SET " + strings.Join(sets, ", ") +
		" WHERE id = " + ph(n-2) + " AND tenant_id = " + ph(n-1) + " AND status = " + ph(n)
	return query, args
}

// proposalUpdateSQL builds the guarded UPDATE for u. risk and suggestions
// are pre-encoded JSON (nil leaves the column unchanged).
func proposalUpdateSQL(u model.ProposalUpdate, ph placeholder, at any, risk, suggestions []byte) (string, []any) {
	args := []any{string(u.To), at}
	sets := []string{"status = " + ph(1), "updated_at = " + ph(2)}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+" = "+ph(len(args)))
	}
	if u.Approved != nil {
		add("approved", *u.Approved)
	}
	if risk != nil {
		add("risk", risk)
	}
	if u.VetoCode != "" {
		add("veto_code", string(u.VetoCode))
	}
	if u.VetoReason != "" {
		add("veto_reason", u.VetoReason)
	}
	if u.Priority != "" {
		add("priority", string(u.Priority))
	}
	if suggestions != nil {
		add("suggestions", suggestions)
	}
	if u.PublishedWorkflowID != "" {
		add("published_workflow_id", u.PublishedWorkflowID)
	}
	args = append(args, u.ProposalID, u.TenantID, string(u.From))
	n := len(args)
	query := "UPDATE proposals SET " + strings.Join(sets, ", ") +
		" WHERE id = " + ph(n-2) + " AND tenant_id = " + ph(n-1) + " AND status = " + ph(n)
	return query, args
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
