// Package audit records every proposal status change as an append-only
// review row.
package audit

import (
	"context"
	"slices"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/workflow-evolver/internal/model"
	"github.com/sells-group/workflow-evolver/internal/store"
)

// actionTargets lists the statuses each action may lead to.
var actionTargets = map[model.ReviewAction][]model.ProposalStatus{
	model.ActionCreate:      {model.ProposalPendingBrain},
	model.ActionVeto:        {model.ProposalDeclined},
	model.ActionEscalate:    {model.ProposalPendingAdmin},
	model.ActionApprove:     {model.ProposalApproved},
	model.ActionDecline:     {model.ProposalDeclined},
	model.ActionModify:      {model.ProposalPendingAdmin},
	model.ActionRequestTest: {model.ProposalTesting},
	model.ActionPublish:     {model.ProposalPublished},
}

// Entry is one reviewer action.
type Entry struct {
	TenantID     string
	ProposalID   string
	ReviewerType model.ReviewerType
	ReviewerID   string
	Action       model.ReviewAction
	From         model.ProposalStatus
	To           model.ProposalStatus
	Notes        string
	Risk         *model.RiskAssessment
}

// Validate checks the actor, the action and the status edge.
func (e Entry) Validate() error {
	if e.TenantID == "" || e.ProposalID == "" {
		return model.Validationf("audit: tenant and proposal are required")
	}
	if e.ReviewerType != model.ReviewerBrain && e.ReviewerType != model.ReviewerAdmin {
		return model.Validationf("audit: unknown reviewer type %q", e.ReviewerType)
	}
	targets, ok := actionTargets[e.Action]
	if !ok {
		return model.Validationf("audit: unknown action %q", e.Action)
	}
	if !slices.Contains(targets, e.To) {
		return eris.Wrapf(model.ErrIllegalTransition, "audit: action %s cannot lead to %s", e.Action, e.To)
	}
	if e.Action == model.ActionCreate {
		if e.From != "" {
			return eris.Wrapf(model.ErrIllegalTransition, "audit: create must start from no status, got %s", e.From)
		}
		return nil
	}
	_, err := e.From.Transition(e.To)
	return err
}

// Recorder appends reviews inside the caller's transaction.
type Recorder struct {
	now func() time.Time
}

// NewRecorder creates a Recorder using now for timestamps. A nil now uses
// the wall clock.
func NewRecorder(now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{now: now}
}

// Record validates e and appends it.
func (r *Recorder) Record(ctx context.Context, tx store.Tx, e Entry) (*model.ProposalReview, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	rev := &model.ProposalReview{
		TenantID:       e.TenantID,
		ProposalID:     e.ProposalID,
		ReviewerType:   e.ReviewerType,
		ReviewerID:     e.ReviewerID,
		Action:         e.Action,
		PreviousStatus: e.From,
		NewStatus:      e.To,
		Notes:          e.Notes,
		Risk:           e.Risk,
		CreatedAt:      r.now().UTC(),
	}
	if err := tx.AppendReview(ctx, rev); err != nil {
		return nil, eris.Wrap(err, "audit: append review")
	}
	return rev, nil
}

// Transition applies u and records e for it in the same transaction.
// The edge is taken from u.
func (r *Recorder) Transition(ctx context.Context, tx store.Tx, u model.ProposalUpdate, e Entry) (*model.ProposalReview, error) {
	e.TenantID, e.ProposalID = u.TenantID, u.ProposalID
	e.From, e.To = u.From, u.To
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if u.At.IsZero() {
		u.At = r.now().UTC()
	}
	if err := tx.UpdateProposal(ctx, u); err != nil {
		return nil, err
	}
	return r.Record(ctx, tx, e)
}
