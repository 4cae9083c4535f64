package sweep

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/workflow-evolver/internal/audit"
	"github.com/sells-group/workflow-evolver/internal/governance"
	"github.com/sells-group/workflow-evolver/internal/model"
	"github.com/sells-group/workflow-evolver/internal/ratelimit"
	"github.com/sells-group/workflow-evolver/internal/store"
)

// govern runs the brain review for a pending_brain proposal and writes the
// decision, its audit rows and any pattern reopen in one transaction.
func (s *Sweeper) govern(ctx context.Context, prop *model.Proposal, cfg model.ThresholdConfig) (governance.Decision, error) {
	existing, err := s.store.ActiveWorkflows(ctx, prop.TenantID, prop.ID)
	if err != nil {
		return governance.Decision{}, eris.Wrap(err, "sweep: active workflows")
	}

	var d governance.Decision
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		cur, err := tx.LockProposal(ctx, prop.TenantID, prop.ID)
		if err != nil {
			return err
		}
		if cur.Status != model.ProposalPendingBrain {
			return eris.Wrapf(model.ErrIllegalTransition, "sweep: proposal %s is %s", cur.Code, cur.Status)
		}

		now := s.now().UTC()
		usage, err := ratelimit.TxUsage(ctx, tx, cur.TenantID, cur.ID, now)
		if err != nil {
			return err
		}
		d = governance.Review(governance.Input{
			Proposal:    cur,
			Thresholds:  cfg,
			Existing:    existing,
			CreatedDay:  usage.Day,
			CreatedWeek: usage.Week,
		})
		risk := d.Risk

		if d.Vetoed {
			return s.applyVeto(ctx, tx, cur, d, &risk)
		}

		notApproved := false
		notes := fmt.Sprintf("escalated for human review, priority %s, overall risk %.2f", d.Priority, risk.OverallRisk)
		if _, err := s.recorder.Transition(ctx, tx, model.ProposalUpdate{
			TenantID:    cur.TenantID,
			ProposalID:  cur.ID,
			From:        model.ProposalPendingBrain,
			To:          model.ProposalPendingAdmin,
			Approved:    &notApproved,
			Risk:        &risk,
			Priority:    d.Priority,
			Suggestions: d.Suggestions,
		}, audit.Entry{
			ReviewerType: model.ReviewerBrain,
			Action:       model.ActionEscalate,
			Notes:        notes,
			Risk:         &risk,
		}); err != nil {
			return err
		}

		if !d.AutoApprove {
			return nil
		}
		approved := true
		_, err = s.recorder.Transition(ctx, tx, model.ProposalUpdate{
			TenantID:   cur.TenantID,
			ProposalID: cur.ID,
			From:       model.ProposalPendingAdmin,
			To:         model.ProposalApproved,
			Approved:   &approved,
		}, audit.Entry{
			ReviewerType: model.ReviewerBrain,
			Action:       model.ActionApprove,
			Notes:        fmt.Sprintf("auto-approved: risk %.2f, confidence %.2f", risk.OverallRisk, cur.Confidence),
			Risk:         &risk,
		})
		return err
	})
	if err != nil {
		return governance.Decision{}, err
	}

	fields := []zap.Field{
		zap.String("tenant", prop.TenantID),
		zap.String("code", prop.Code),
		zap.Float64("overall_risk", d.Risk.OverallRisk),
	}
	if d.Vetoed {
		zap.L().Info("sweep: proposal vetoed", append(fields,
			zap.String("veto_code", string(d.VetoCode)),
			zap.String("reason", d.VetoReason),
		)...)
	} else {
		zap.L().Info("sweep: proposal escalated", append(fields,
			zap.String("priority", string(d.Priority)),
			zap.Bool("auto_approved", d.AutoApprove),
		)...)
	}
	return d, nil
}

// applyVeto declines the proposal and sends its pattern back to
// threshold_met so a later sweep may try again after the cooldown.
func (s *Sweeper) applyVeto(ctx context.Context, tx store.Tx, p *model.Proposal, d governance.Decision, risk *model.RiskAssessment) error {
	notApproved := false
	if _, err := s.recorder.Transition(ctx, tx, model.ProposalUpdate{
		TenantID:   p.TenantID,
		ProposalID: p.ID,
		From:       model.ProposalPendingBrain,
		To:         model.ProposalDeclined,
		Approved:   &notApproved,
		Risk:       risk,
		VetoCode:   d.VetoCode,
		VetoReason: d.VetoReason,
	}, audit.Entry{
		ReviewerType: model.ReviewerBrain,
		Action:       model.ActionVeto,
		Notes:        d.VetoReason,
		Risk:         risk,
	}); err != nil {
		return err
	}

	confidence := false
	return tx.UpdatePattern(ctx, model.PatternUpdate{
		TenantID:      p.TenantID,
		PatternID:     p.PatternID,
		From:          model.PatternProposalGenerated,
		To:            model.PatternThresholdMet,
		ConfidenceMet: &confidence,
		ClearProposal: true,
		Reason:        fmt.Sprintf("proposal %s vetoed: %s", p.Code, d.VetoCode),
		At:            s.now().UTC(),
	})
}
