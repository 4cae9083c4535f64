package sweep

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/workflow-evolver/internal/audit"
	"github.com/sells-group/workflow-evolver/internal/gate"
	"github.com/sells-group/workflow-evolver/internal/model"
	"github.com/sells-group/workflow-evolver/internal/store"
	"github.com/sells-group/workflow-evolver/internal/synth"
)

// RunTenant performs one pass for tenant.
func (s *Sweeper) RunTenant(ctx context.Context, tenant string) (TenantReport, error) {
	l := s.tenantLock(tenant)
	l.Lock()
	defer l.Unlock()

	rep := TenantReport{TenantID: tenant}
	log := zap.L().With(zap.String("tenant", tenant))

	cfg, err := s.store.GetThresholdConfig(ctx, tenant)
	if err != nil {
		return rep, eris.Wrap(err, "sweep: thresholds")
	}

	if rep.Recovered, err = s.recoverStuck(ctx, tenant); err != nil {
		return rep, err
	}
	if err := s.resumeGovernance(ctx, tenant, cfg, &rep); err != nil {
		return rep, err
	}
	if rep.Advanced, err = s.regate(ctx, tenant, cfg); err != nil {
		return rep, err
	}

	head, err := s.limiter.Headroom(ctx, tenant, cfg, s.now())
	if err != nil {
		return rep, err
	}
	remaining := head.Remaining()
	if head.Exhausted() {
		rep.RateLimited = true
		log.Info("sweep: rate limit reached, skipping synthesis",
			zap.Int("day_headroom", head.Day),
			zap.Int("week_headroom", head.Week),
		)
		return rep, nil
	}

	candidates, err := s.store.SynthesisCandidates(ctx, tenant, s.cfg.CandidateLimit)
	if err != nil {
		return rep, eris.Wrap(err, "sweep: candidates")
	}
	rep.Candidates = len(candidates)

	for i := range candidates {
		if remaining == 0 {
			rep.RateLimited = true
			break
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		p := &candidates[i]

		cooling, until, err := s.limiter.InCooldown(ctx, tenant, p.ID, cfg, s.now())
		if err != nil {
			return rep, err
		}
		if cooling {
			rep.Cooldown++
			log.Debug("sweep: pattern in cooldown", zap.String("pattern_id", p.ID), zap.Time("until", until))
			continue
		}

		if v, err := s.checkIntegrity(ctx, p); err != nil {
			return rep, err
		} else if v != nil {
			rep.Violations = append(rep.Violations, *v)
			continue
		}

		created, err := s.process(ctx, p, cfg, &rep)
		if err != nil {
			return rep, err
		}
		if created {
			remaining--
		}
	}
	return rep, nil
}

// recoverStuck releases proposal_generating claims older than StuckAfter.
func (s *Sweeper) recoverStuck(ctx context.Context, tenant string) (int, error) {
	now := s.now().UTC()
	stuck, err := s.store.ListPatterns(ctx, store.PatternFilter{
		TenantID:      tenant,
		Status:        model.PatternProposalGenerating,
		UpdatedBefore: now.Add(-s.cfg.StuckAfter),
		Limit:         500,
	})
	if err != nil {
		return 0, eris.Wrap(err, "sweep: list stuck patterns")
	}

	n := 0
	for _, p := range stuck {
		err := s.store.InTx(ctx, func(tx store.Tx) error {
			return tx.UpdatePattern(ctx, model.PatternUpdate{
				TenantID:  tenant,
				PatternID: p.ID,
				From:      model.PatternProposalGenerating,
				To:        model.PatternThresholdMet,
				Reason:    "recovered stale synthesis claim",
				At:        now,
			})
		})
		if errors.Is(err, model.ErrIllegalTransition) {
			continue
		}
		if err != nil {
			return n, eris.Wrapf(err, "sweep: recover pattern %s", p.ID)
		}
		zap.L().Warn("sweep: recovered stuck pattern", zap.String("tenant", tenant), zap.String("pattern_id", p.ID))
		n++
	}
	return n, nil
}

// resumeGovernance reviews proposals left in pending_brain by an earlier
// sweep that stopped between persisting and governing them.
func (s *Sweeper) resumeGovernance(ctx context.Context, tenant string, cfg model.ThresholdConfig, rep *TenantReport) error {
	pending, err := s.store.ListProposals(ctx, store.ProposalFilter{
		TenantID: tenant,
		Status:   model.ProposalPendingBrain,
		Limit:    500,
	})
	if err != nil {
		return eris.Wrap(err, "sweep: list pending_brain proposals")
	}

	for i := range pending {
		prop := &pending[i]
		d, err := s.govern(ctx, prop, cfg)
		if errors.Is(err, model.ErrIllegalTransition) {
			continue
		}
		if err != nil {
			return eris.Wrapf(err, "sweep: resume govern %s", prop.Code)
		}
		rep.Resumed++
		rep.tally(d)
		zap.L().Warn("sweep: governed orphaned proposal",
			zap.String("tenant", tenant),
			zap.String("code", prop.Code),
		)
	}
	return nil
}

// regate re-runs the gate over accumulating patterns so threshold edits
// take effect without new evidence. A pattern sent back by insufficient
// signal keeps both flags set and waits for new evidence instead.
func (s *Sweeper) regate(ctx context.Context, tenant string, cfg model.ThresholdConfig) (int, error) {
	now := s.now().UTC()
	advanced := 0
	for offset := 0; ; {
		patterns, err := s.store.ListPatterns(ctx, store.PatternFilter{
			TenantID: tenant,
			Status:   model.PatternAccumulating,
			Limit:    500,
			Offset:   offset,
		})
		if err != nil {
			return advanced, eris.Wrap(err, "sweep: list accumulating patterns")
		}

		left := 0
		for _, p := range patterns {
			upd, res := gate.Apply(p, cfg, now)
			if upd == nil {
				continue
			}
			if res.Advance && p.OccurrenceMet && p.ImpactMet {
				continue
			}
			err := s.store.InTx(ctx, func(tx store.Tx) error {
				return tx.UpdatePattern(ctx, *upd)
			})
			if errors.Is(err, model.ErrIllegalTransition) {
				continue
			}
			if err != nil {
				return advanced, eris.Wrapf(err, "sweep: regate pattern %s", p.ID)
			}
			if res.Advance {
				advanced++
				left++
			}
		}
		if len(patterns) < 500 {
			return advanced, nil
		}
		// Advanced rows drop out of the accumulating set.
		offset += len(patterns) - left
	}
}

// checkIntegrity compares stored statistics with a fresh derivation.
func (s *Sweeper) checkIntegrity(ctx context.Context, p *model.NeedPattern) (*Violation, error) {
	derived, err := s.store.DeriveAggregates(ctx, p.TenantID, p.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "sweep: derive aggregates for %s", p.ID)
	}
	if derived.Matches(p) {
		return nil, nil
	}
	v := &Violation{
		TenantID:  p.TenantID,
		PatternID: p.ID,
		Stored: model.Aggregates{
			TotalEvidenceScore:  p.TotalEvidenceScore,
			EvidenceCount:       p.EvidenceCount,
			UniqueUsersAffected: p.UniqueUsersAffected,
			FirstOccurrenceAt:   p.FirstOccurrenceAt,
			LastOccurrenceAt:    p.LastOccurrenceAt,
		},
		Derived: derived,
	}
	zap.L().Error("sweep: pattern statistics disagree with evidence",
		zap.String("tenant", p.TenantID),
		zap.String("pattern_id", p.ID),
		zap.Int("stored_count", p.EvidenceCount),
		zap.Int("derived_count", derived.EvidenceCount),
		zap.Int("stored_users", p.UniqueUsersAffected),
		zap.Int("derived_users", derived.UniqueUsersAffected),
		zap.Error(model.ErrInvariantViolation),
	)
	return v, nil
}

// process claims, synthesizes and governs one candidate. It reports
// whether a proposal row was created. Only store failures outside the
// candidate's own lifecycle are returned.
func (s *Sweeper) process(ctx context.Context, p *model.NeedPattern, cfg model.ThresholdConfig, rep *TenantReport) (bool, error) {
	log := zap.L().With(zap.String("tenant", p.TenantID), zap.String("pattern_id", p.ID))

	if err := s.claim(ctx, p); err != nil {
		if errors.Is(err, model.ErrIllegalTransition) {
			rep.Contended++
			return false, nil
		}
		return false, err
	}

	out, synthErr := s.synthesize(ctx, p)
	switch {
	case synthErr == nil:
	case errors.Is(synthErr, model.ErrInsufficientSignal):
		rep.Insufficient++
		log.Info("sweep: insufficient signal", zap.Error(synthErr))
		return false, s.release(context.WithoutCancel(ctx), p, model.PatternAccumulating, "insufficient signal")
	default:
		rep.Failed++
		log.Warn("sweep: synthesis failed", zap.Error(synthErr))
		if err := s.release(context.WithoutCancel(ctx), p, model.PatternThresholdMet, "synthesis failed"); err != nil {
			return false, err
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}

	prop, err := s.persistOutcome(ctx, p, out)
	if err != nil {
		rep.Failed++
		log.Error("sweep: persist proposal failed", zap.Error(err))
		if relErr := s.release(context.WithoutCancel(ctx), p, model.PatternThresholdMet, "persist failed"); relErr != nil {
			return false, relErr
		}
		return false, nil
	}
	rep.Proposed++

	d, err := s.govern(ctx, prop, cfg)
	if err != nil {
		// The proposal stays pending_brain until the next sweep resumes it.
		return true, eris.Wrapf(err, "sweep: govern %s", prop.Code)
	}
	rep.tally(d)
	return true, nil
}

func (s *Sweeper) claim(ctx context.Context, p *model.NeedPattern) error {
	return s.store.InTx(ctx, func(tx store.Tx) error {
		return tx.UpdatePattern(ctx, model.PatternUpdate{
			TenantID:  p.TenantID,
			PatternID: p.ID,
			From:      model.PatternThresholdMet,
			To:        model.PatternProposalGenerating,
			Reason:    "claimed for synthesis",
			At:        s.now().UTC(),
		})
	})
}

func (s *Sweeper) synthesize(ctx context.Context, p *model.NeedPattern) (*synth.Outcome, error) {
	evidence, err := s.store.ListEvidence(ctx, p.TenantID, p.ID, s.cfg.EvidenceLimit)
	if err != nil {
		return nil, eris.Wrap(err, "sweep: list evidence")
	}
	return s.synth.Synthesize(ctx, *p, evidence)
}

// release moves a claimed pattern back out of proposal_generating.
func (s *Sweeper) release(ctx context.Context, p *model.NeedPattern, to model.PatternStatus, reason string) error {
	confidence := false
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		return tx.UpdatePattern(ctx, model.PatternUpdate{
			TenantID:      p.TenantID,
			PatternID:     p.ID,
			From:          model.PatternProposalGenerating,
			To:            to,
			ConfidenceMet: &confidence,
			Reason:        reason,
			At:            s.now().UTC(),
		})
	})
	return eris.Wrapf(err, "sweep: release pattern %s", p.ID)
}

// persistOutcome inserts the proposal and links it to the pattern.
func (s *Sweeper) persistOutcome(ctx context.Context, p *model.NeedPattern, out *synth.Outcome) (*model.Proposal, error) {
	now := s.now().UTC()
	prop := &model.Proposal{
		ID:          uuid.New().String(),
		TenantID:    p.TenantID,
		PatternID:   p.ID,
		Title:       out.Title,
		Description: out.Description,
		Graph:       out.Graph,
		Confidence:  out.Confidence,
		Coverage:    out.Coverage,
		Summary:     out.Summary,
		Status:      model.ProposalPendingBrain,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		seq, err := tx.NextProposalSeq(ctx, p.TenantID, now.Year())
		if err != nil {
			return err
		}
		prop.Code = model.ProposalCode(now.Year(), seq)
		if err := tx.InsertProposal(ctx, prop); err != nil {
			return err
		}
		notes := fmt.Sprintf("synthesized %s graph with %d nodes, confidence %.2f", out.Graph.Strategy, len(out.Graph.Nodes), out.Confidence)
		if out.Degraded {
			notes += " (describer failed, template naming)"
		}
		if _, err := s.recorder.Record(ctx, tx, audit.Entry{
			TenantID:     p.TenantID,
			ProposalID:   prop.ID,
			ReviewerType: model.ReviewerBrain,
			Action:       model.ActionCreate,
			To:           model.ProposalPendingBrain,
			Notes:        notes,
		}); err != nil {
			return err
		}
		confidence := true
		return tx.UpdatePattern(ctx, model.PatternUpdate{
			TenantID:      p.TenantID,
			PatternID:     p.ID,
			From:          model.PatternProposalGenerating,
			To:            model.PatternProposalGenerated,
			ConfidenceMet: &confidence,
			SetProposal:   &prop.ID,
			Reason:        "proposal " + prop.Code + " generated",
			At:            now,
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "sweep: persist proposal")
	}
	zap.L().Info("sweep: proposal generated",
		zap.String("tenant", p.TenantID),
		zap.String("pattern_id", p.ID),
		zap.String("code", prop.Code),
		zap.Float64("confidence", prop.Confidence),
		zap.Bool("degraded", out.Degraded),
	)
	return prop, nil
}
