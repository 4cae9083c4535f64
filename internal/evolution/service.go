// Package evolution is the service facade shared by the HTTP API and the
// CLI. It wires the registry, the store, the audit trail and the publisher
// behind the six public operations plus tenant configuration.
package evolution

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/workflow-evolver/internal/audit"
	"github.com/sells-group/workflow-evolver/internal/model"
	"github.com/sells-group/workflow-evolver/internal/publish"
	"github.com/sells-group/workflow-evolver/internal/registry"
	"github.com/sells-group/workflow-evolver/internal/store"
)

// detailEvidenceLimit caps the evidence rows returned with a proposal.
const detailEvidenceLimit = 100

// Ingestor accepts evidence submissions.
type Ingestor interface {
	Submit(ctx context.Context, sub model.EvidenceSubmission) (*registry.Ack, error)
	ReplayDLQ(ctx context.Context, limit int) (registry.ReplayReport, error)
}

// Detail is a proposal with its pattern, evidence and audit trail.
type Detail struct {
	Proposal model.Proposal         `json:"proposal" yaml:"proposal"`
	Pattern  *model.NeedPattern     `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Evidence []model.Evidence       `json:"evidence" yaml:"evidence"`
	Reviews  []model.ProposalReview `json:"reviews" yaml:"reviews"`
}

// ReviewRequest is a human decision on a proposal.
type ReviewRequest struct {
	TenantID   string             `json:"tenant_id"`
	ProposalID string             `json:"proposal_id"`
	ReviewerID string             `json:"reviewer_id"`
	Action     model.ReviewAction `json:"action"`
	Notes      string             `json:"notes,omitempty"`
}

// Validate checks required fields and the action.
func (r ReviewRequest) Validate() error {
	if strings.TrimSpace(r.TenantID) == "" || strings.TrimSpace(r.ProposalID) == "" {
		return model.Validationf("review: tenant and proposal are required")
	}
	if strings.TrimSpace(r.ReviewerID) == "" {
		return model.Validationf("review: reviewer_id is required")
	}
	if !slices.Contains(model.HumanActions, r.Action) {
		return model.Validationf("review: unsupported action %q", r.Action)
	}
	if r.Action == model.ActionModify && strings.TrimSpace(r.Notes) == "" {
		return model.Validationf("review: modify requires notes")
	}
	return nil
}

// ReviewResult is the outcome of ReviewProposal.
type ReviewResult struct {
	NewStatus model.ProposalStatus `json:"new_status" yaml:"new_status"`
	ReviewID  string               `json:"review_id" yaml:"review_id"`
	Priority  model.Priority       `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service implements the public operations.
type Service struct {
	store     store.Store
	ingest    Ingestor
	publisher publish.Publisher
	recorder  *audit.Recorder
	now       func() time.Time
}

// New creates a Service. A nil publisher mints local workflow IDs.
func New(st store.Store, ingest Ingestor, pub publish.Publisher, opts ...Option) *Service {
	if pub == nil {
		pub = publish.LocalPublisher{}
	}
	s := &Service{
		store:     st,
		ingest:    ingest,
		publisher: pub,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.recorder = audit.NewRecorder(s.now)
	return s
}

// SubmitEvidence classifies and records one evidence event.
func (s *Service) SubmitEvidence(ctx context.Context, sub model.EvidenceSubmission) (*registry.Ack, error) {
	return s.ingest.Submit(ctx, sub)
}

// ReplayDLQ retries dead-lettered submissions.
func (s *Service) ReplayDLQ(ctx context.Context, limit int) (registry.ReplayReport, error) {
	return s.ingest.ReplayDLQ(ctx, limit)
}

// ListPatterns lists a tenant's patterns.
func (s *Service) ListPatterns(ctx context.Context, f store.PatternFilter) ([]model.NeedPattern, error) {
	if strings.TrimSpace(f.TenantID) == "" {
		return nil, model.Validationf("patterns: tenant is required")
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, model.Validationf("patterns: unknown status %q", f.Status)
	}
	return s.store.ListPatterns(ctx, f)
}

// ListProposals lists a tenant's proposals.
func (s *Service) ListProposals(ctx context.Context, f store.ProposalFilter) ([]model.Proposal, error) {
	if strings.TrimSpace(f.TenantID) == "" {
		return nil, model.Validationf("proposals: tenant is required")
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, model.Validationf("proposals: unknown status %q", f.Status)
	}
	return s.store.ListProposals(ctx, f)
}

// GetProposal returns a proposal with its pattern, evidence and reviews.
func (s *Service) GetProposal(ctx context.Context, tenantID, proposalID string) (*Detail, error) {
	p, err := s.store.GetProposal(ctx, tenantID, proposalID)
	if err != nil {
		return nil, err
	}
	d := &Detail{Proposal: *p}

	d.Pattern, err = s.store.GetPattern(ctx, tenantID, p.PatternID)
	if err != nil {
		return nil, err
	}
	if d.Evidence, err = s.store.ListEvidence(ctx, tenantID, p.PatternID, detailEvidenceLimit); err != nil {
		return nil, err
	}
	if d.Reviews, err = s.store.ListReviews(ctx, tenantID, p.ID); err != nil {
		return nil, err
	}
	return d, nil
}

// ReviewProposal applies a human decision. A decline sends the pattern
// back to threshold_met so the need can be re-proposed after the cooldown.
func (s *Service) ReviewProposal(ctx context.Context, req ReviewRequest) (*ReviewResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var res ReviewResult
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		cur, err := tx.LockProposal(ctx, req.TenantID, req.ProposalID)
		if err != nil {
			return err
		}
		if cur.Status == model.ProposalPendingBrain {
			return eris.Wrapf(model.ErrIllegalTransition, "review: proposal %s is awaiting governance", cur.Code)
		}

		u := model.ProposalUpdate{
			TenantID:   cur.TenantID,
			ProposalID: cur.ID,
			From:       cur.Status,
		}
		switch req.Action {
		case model.ActionApprove:
			approved := true
			u.To, u.Approved = model.ProposalApproved, &approved
		case model.ActionDecline:
			u.To = model.ProposalDeclined
		case model.ActionModify:
			u.To = model.ProposalPendingAdmin
		case model.ActionRequestTest:
			u.To = model.ProposalTesting
		case model.ActionEscalate:
			u.To = model.ProposalPendingAdmin
			u.Priority = cur.Priority.Raise()
			res.Priority = u.Priority
		}

		rev, err := s.recorder.Transition(ctx, tx, u, audit.Entry{
			ReviewerType: model.ReviewerAdmin,
			ReviewerID:   req.ReviewerID,
			Action:       req.Action,
			Notes:        req.Notes,
		})
		if err != nil {
			return err
		}
		res.NewStatus, res.ReviewID = u.To, rev.ID

		if req.Action == model.ActionDecline {
			return s.reopenPattern(ctx, tx, cur)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("evolution: proposal reviewed",
		zap.String("tenant", req.TenantID),
		zap.String("proposal_id", req.ProposalID),
		zap.String("action", string(req.Action)),
		zap.String("reviewer", req.ReviewerID),
		zap.String("new_status", string(res.NewStatus)),
	)
	return &res, nil
}

// reopenPattern moves the declined proposal's pattern back to threshold_met
// when it still points at that proposal.
func (s *Service) reopenPattern(ctx context.Context, tx store.Tx, p *model.Proposal) error {
	pat, err := tx.LockPattern(ctx, p.TenantID, p.PatternID)
	if err != nil {
		return err
	}
	if pat.Status != model.PatternProposalGenerated || pat.ProposalID == nil || *pat.ProposalID != p.ID {
		return nil
	}
	confidence := false
	return tx.UpdatePattern(ctx, model.PatternUpdate{
		TenantID:      p.TenantID,
		PatternID:     p.PatternID,
		From:          model.PatternProposalGenerated,
		To:            model.PatternThresholdMet,
		ConfidenceMet: &confidence,
		ClearProposal: true,
		Reason:        "proposal " + p.Code + " declined",
		At:            s.now().UTC(),
	})
}

// PublishProposal registers an approved proposal with the workflow runtime
// and resolves its pattern.
func (s *Service) PublishProposal(ctx context.Context, tenantID, proposalID, reviewerID string) (string, error) {
	p, err := s.store.GetProposal(ctx, tenantID, proposalID)
	if err != nil {
		return "", err
	}
	if p.Status != model.ProposalApproved {
		return "", eris.Wrapf(model.ErrIllegalTransition, "publish: proposal %s is %s, not approved", p.Code, p.Status)
	}

	workflowID, err := s.publisher.Publish(ctx, p)
	if err != nil {
		return "", eris.Wrap(err, "evolution: publish")
	}

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := s.recorder.Transition(ctx, tx, model.ProposalUpdate{
			TenantID:            tenantID,
			ProposalID:          p.ID,
			From:                model.ProposalApproved,
			To:                  model.ProposalPublished,
			PublishedWorkflowID: workflowID,
		}, audit.Entry{
			ReviewerType: model.ReviewerAdmin,
			ReviewerID:   reviewerID,
			Action:       model.ActionPublish,
			Notes:        "published as " + workflowID,
		}); err != nil {
			return err
		}
		return tx.UpdatePattern(ctx, model.PatternUpdate{
			TenantID:  tenantID,
			PatternID: p.PatternID,
			From:      model.PatternProposalGenerated,
			To:        model.PatternResolved,
			Reason:    "proposal " + p.Code + " published",
			At:        s.now().UTC(),
		})
	})
	if err != nil {
		// The runtime already holds the workflow; log the orphan so it can
		// be reconciled.
		zap.L().Error("evolution: publish succeeded but commit failed",
			zap.String("tenant", tenantID),
			zap.String("proposal", p.Code),
			zap.String("workflow_id", workflowID),
			zap.Error(err),
		)
		return "", err
	}

	zap.L().Info("evolution: proposal published",
		zap.String("tenant", tenantID),
		zap.String("proposal", p.Code),
		zap.String("workflow_id", workflowID),
	)
	return workflowID, nil
}

// Thresholds returns the tenant's threshold config, or defaults.
func (s *Service) Thresholds(ctx context.Context, tenantID string) (model.ThresholdConfig, error) {
	return s.store.GetThresholdConfig(ctx, tenantID)
}

// UpdateThresholds validates and stores cfg.
func (s *Service) UpdateThresholds(ctx context.Context, cfg model.ThresholdConfig) (model.ThresholdConfig, error) {
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	cfg.UpdatedAt = s.now().UTC()
	if err := s.store.SaveThresholdConfig(ctx, cfg); err != nil {
		return cfg, err
	}
	zap.L().Info("evolution: thresholds updated", zap.String("tenant", cfg.TenantID))
	return cfg, nil
}

// Weights returns the tenant's evidence weight overrides.
func (s *Service) Weights(ctx context.Context, tenantID string) (model.EvidenceWeightConfig, error) {
	return s.store.GetEvidenceWeights(ctx, tenantID)
}

// UpdateWeights validates and stores cfg.
func (s *Service) UpdateWeights(ctx context.Context, cfg model.EvidenceWeightConfig) (model.EvidenceWeightConfig, error) {
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	cfg.UpdatedAt = s.now().UTC()
	if err := s.store.SaveEvidenceWeights(ctx, cfg); err != nil {
		return cfg, err
	}
	zap.L().Info("evolution: evidence weights updated", zap.String("tenant", cfg.TenantID))
	return cfg, nil
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
