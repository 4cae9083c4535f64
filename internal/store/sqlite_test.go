package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/workflow-evolver/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// seedPattern creates a pattern and attaches one evidence row per user.
func seedPattern(t *testing.T, st *SQLiteStore, tenant, intent string, users ...string) *model.NeedPattern {
	t.Helper()
	ctx := context.Background()
	sig := model.Signature{Intent: intent, Keywords: []string{intent}}

	var out *model.NeedPattern
	require.NoError(t, st.InTx(ctx, func(tx Tx) error {
		id, err := tx.UpsertPattern(ctx, &model.NeedPattern{
			TenantID:          tenant,
			Signature:         sig,
			SignatureHash:     sig.Hash(),
			Embedding:         []float32{1, 0, 0},
			FirstOccurrenceAt: t0,
			CreatedAt:         t0,
		})
		if err != nil {
			return err
		}
		for i, u := range users {
			if err := tx.InsertEvidence(ctx, &model.Evidence{
				TenantID:   tenant,
				PatternID:  id,
				Type:       model.EvidenceExplicitRequest,
				Weight:     0.5,
				UserID:     u,
				Context:    model.EvidenceContext{OriginalRequest: intent},
				OccurredAt: t0.Add(time.Duration(i) * time.Hour),
				CreatedAt:  t0,
			}); err != nil {
				return err
			}
		}
		out, err = tx.RecomputeAggregates(ctx, tenant, id)
		return err
	}))
	return out
}

func TestSQLite_UpsertPattern_DedupsByHash(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first := seedPattern(t, st, "acme", "compare vendors", "u1")
	second := seedPattern(t, st, "acme", "compare vendors", "u2")
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.EvidenceCount)
	assert.Equal(t, 2, second.UniqueUsersAffected)

	// Same signature in another tenant is a different pattern.
	other := seedPattern(t, st, "globex", "compare vendors", "u1")
	assert.NotEqual(t, first.ID, other.ID)

	err := st.InTx(ctx, func(tx Tx) error {
		p, err := tx.PatternByHash(ctx, "acme", first.SignatureHash)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, first.ID, p.ID)

		missing, err := tx.PatternByHash(ctx, "acme", "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)
		return nil
	})
	require.NoError(t, err)
}

func TestSQLite_RecomputeAggregates_DerivedFromRows(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p := seedPattern(t, st, "acme", "summarize tickets", "u1", "u1", "u2", "")
	assert.Equal(t, 4, p.EvidenceCount)
	assert.Equal(t, 2, p.UniqueUsersAffected)
	assert.InDelta(t, 2.0, p.TotalEvidenceScore, 1e-9)
	assert.Equal(t, t0, p.FirstOccurrenceAt)
	assert.Equal(t, t0.Add(3*time.Hour), p.LastOccurrenceAt)

	agg, err := st.DeriveAggregates(ctx, "acme", p.ID)
	require.NoError(t, err)
	assert.True(t, agg.Matches(p))
}

func TestSQLite_ConcurrentEvidenceKeepsAggregatesConsistent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedPattern(t, st, "acme", "reconcile invoices")

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- st.InTx(ctx, func(tx Tx) error {
				if _, err := tx.LockPattern(ctx, "acme", p.ID); err != nil {
					return err
				}
				if err := tx.InsertEvidence(ctx, &model.Evidence{
					TenantID:   "acme",
					PatternID:  p.ID,
					Type:       model.EvidenceWorkflowFailure,
					Weight:     0.4,
					UserID:     fmt.Sprintf("u%d", i%7),
					Context:    model.EvidenceContext{FailureReason: "timeout"},
					OccurredAt: t0.Add(time.Duration(i) * time.Minute),
					CreatedAt:  t0,
				}); err != nil {
					return err
				}
				_, err := tx.RecomputeAggregates(ctx, "acme", p.ID)
				return err
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := st.GetPattern(ctx, "acme", p.ID)
	require.NoError(t, err)
	assert.Equal(t, writers, got.EvidenceCount)
	assert.Equal(t, 7, got.UniqueUsersAffected)
	assert.InDelta(t, 0.4*writers, got.TotalEvidenceScore, 1e-6)
}

func TestSQLite_NearestPattern(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedPattern(t, st, "acme", "draft release notes", "u1")

	require.NoError(t, st.InTx(ctx, func(tx Tx) error {
		m, err := tx.NearestPattern(ctx, "acme", []float32{0.9, 0.1, 0})
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, p.ID, m.PatternID)
		assert.Greater(t, m.Similarity, 0.95)

		// Dimension mismatch is skipped rather than compared.
		m, err = tx.NearestPattern(ctx, "acme", []float32{1, 0})
		require.NoError(t, err)
		assert.Nil(t, m)

		m, err = tx.NearestPattern(ctx, "globex", []float32{1, 0, 0})
		require.NoError(t, err)
		assert.Nil(t, m)
		return nil
	}))
}

func TestSQLite_UpdatePattern_GuardedTransition(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedPattern(t, st, "acme", "translate contracts", "u1")
	yes := true

	require.NoError(t, st.InTx(ctx, func(tx Tx) error {
		return tx.UpdatePattern(ctx, model.PatternUpdate{
			TenantID: "acme", PatternID: p.ID,
			From: model.PatternAccumulating, To: model.PatternThresholdMet,
			OccurrenceMet: &yes, ImpactMet: &yes,
			Reason: "gate", At: t0.Add(time.Hour),
		})
	}))

	// A second writer still expecting accumulating loses.
	err := st.InTx(ctx, func(tx Tx) error {
		return tx.UpdatePattern(ctx, model.PatternUpdate{
			TenantID: "acme", PatternID: p.ID,
			From: model.PatternAccumulating, To: model.PatternThresholdMet,
			At: t0.Add(2 * time.Hour),
		})
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrIllegalTransition))

	// Edges outside the table are rejected before touching the database.
	err = st.InTx(ctx, func(tx Tx) error {
		return tx.UpdatePattern(ctx, model.PatternUpdate{
			TenantID: "acme", PatternID: p.ID,
			From: model.PatternThresholdMet, To: model.PatternResolved,
		})
	})
	assert.True(t, errors.Is(err, model.ErrIllegalTransition))

	got, err := st.GetPattern(ctx, "acme", p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PatternThresholdMet, got.Status)
	assert.True(t, got.OccurrenceMet)
	assert.True(t, got.ImpactMet)
	assert.False(t, got.ConfidenceMet)

	trs, err := st.ListPatternTransitions(ctx, "acme", p.ID)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, model.PatternAccumulating, trs[0].FromStatus)
	assert.Equal(t, model.PatternThresholdMet, trs[0].ToStatus)
	assert.Equal(t, "gate", trs[0].Reason)
}

func TestSQLite_UpdatePattern_FlagOnlyWritesNoTransition(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedPattern(t, st, "acme", "triage alerts", "u1")
	yes := true

	require.NoError(t, st.InTx(ctx, func(tx Tx) error {
		return tx.UpdatePattern(ctx, model.PatternUpdate{
			TenantID: "acme", PatternID: p.ID,
			From: model.PatternAccumulating, To: model.PatternAccumulating,
			OccurrenceMet: &yes, At: t0,
		})
	}))

	got, err := st.GetPattern(ctx, "acme", p.ID)
	require.NoError(t, err)
	assert.True(t, got.OccurrenceMet)
	trs, err := st.ListPatternTransitions(ctx, "acme", p.ID)
	require.NoError(t, err)
	assert.Empty(t, trs)
}

func TestSQLite_RollbackDiscardsAllWrites(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedPattern(t, st, "acme", "book travel", "u1")

	boom := errors.New("boom")
	err := st.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertEvidence(ctx, &model.Evidence{
			TenantID: "acme", PatternID: p.ID, Type: model.EvidenceEscalation, Weight: 0.45,
			UserID: "u9", Context: model.EvidenceContext{UserFeedback: "no"}, OccurredAt: t0, CreatedAt: t0,
		}); err != nil {
			return err
		}
		if _, err := tx.RecomputeAggregates(ctx, "acme", p.ID); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := st.GetPattern(ctx, "acme", p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.EvidenceCount)
	ev, err := st.ListEvidence(ctx, "acme", p.ID, 10)
	require.NoError(t, err)
	assert.Len(t, ev, 1)
}

func newTestProposal(tenant, patternID, code string, at time.Time) *model.Proposal {
	return &model.Proposal{
		TenantID:  tenant,
		PatternID: patternID,
		Code:      code,
		Title:     "Vendor comparison",
		Graph: model.WorkflowGraph{
			Strategy: model.StrategySequential,
			Nodes:    []model.Node{{ID: "n1", Type: model.NodeInputParser, Name: "parse"}},
			Entry:    "n1",
			Exits:    []string{"n1"},
		},
		Confidence: 0.8,
		Coverage:   0.7,
		Summary:    model.EvidenceSummary{EvidenceCount: 5, Intent: "compare vendors", TypeCounts: map[string]int{"explicit_request": 5}},
		Status:     model.ProposalPendingBrain,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
}

func TestSQLite_ProposalLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedPattern(t, st, "acme", "compare vendors", "u1")

	var prop *model.Proposal
	require.NoError(t, st.InTx(ctx, func(tx Tx) error {
		seq, err := tx.NextProposalSeq(ctx, "acme", 2026)
		if err != nil {
			return err
		}
		assert.Equal(t, 1, seq)
		prop = newTestProposal("acme", p.ID, model.ProposalCode(2026, seq), t0)
		if err := tx.InsertProposal(ctx, prop); err != nil {
			return err
		}
		return tx.AppendReview(ctx, &model.ProposalReview{
			TenantID: "acme", ProposalID: prop.ID, ReviewerType: model.ReviewerBrain,
			Action: model.ActionCreate, NewStatus: model.ProposalPendingBrain, CreatedAt: t0,
		})
	}))
	assert.Equal(t, "WP-2026-001", prop.Code)

	approved := false
	risk := &model.RiskAssessment{CostRisk: 0.2, OverallRisk: 0.2}
	require.NoError(t, st.InTx(ctx, func(tx Tx) error {
		return tx.UpdateProposal(ctx, model.ProposalUpdate{
			TenantID: "acme", ProposalID: prop.ID,
			From: model.ProposalPendingBrain, To: model.ProposalPendingAdmin,
			Approved: &approved, Risk: risk, Priority: model.PriorityHigh,
			Suggestions: []string{"add a verifier"}, At: t0.Add(time.Minute),
		})
	}))

	got, err := st.GetProposal(ctx, "acme", prop.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProposalPendingAdmin, got.Status)
	assert.Equal(t, model.PriorityHigh, got.Priority)
	require.NotNil(t, got.Risk)
	assert.InDelta(t, 0.2, got.Risk.CostRisk, 1e-9)
	assert.Equal(t, []string{"add a verifier"}, got.Suggestions)
	assert.Equal(t, "compare vendors", got.Summary.Intent)
	assert.Equal(t, model.NodeInputParser, got.Graph.Nodes[0].Type)

	// Stale status guard.
	err = st.InTx(ctx, func(tx Tx) error {
		return tx.UpdateProposal(ctx, model.ProposalUpdate{
			TenantID: "acme", ProposalID: prop.ID,
			From: model.ProposalPendingBrain, To: model.ProposalDeclined, At: t0,
		})
	})
	assert.True(t, errors.Is(err, model.ErrIllegalTransition))

	list, err := st.ListProposals(ctx, ProposalFilter{TenantID: "acme", Status: model.ProposalPendingAdmin})
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = st.GetProposal(ctx, "globex", prop.ID)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestSQLite_ProposalSequencePerTenantAndYear(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	next := func(tenant string, year int) int {
		var seq int
		require.NoError(t, st.InTx(ctx, func(tx Tx) error {
			var err error
			seq, err = tx.NextProposalSeq(ctx, tenant, year)
			return err
		}))
		return seq
	}
	assert.Equal(t, 1, next("acme", 2026))
	assert.Equal(t, 2, next("acme", 2026))
	assert.Equal(t, 1, next("globex", 2026))
	assert.Equal(t, 1, next("acme", 2027))
	assert.Equal(t, 3, next("acme", 2026))
}

func TestSQLite_OneActiveProposalPerPattern(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedPattern(t, st, "acme", "compare vendors", "u1")

	first := newTestProposal("acme", p.ID, "WP-2026-001", t0)
	require.NoError(t, st.InTx(ctx, func(tx Tx) error { return tx.InsertProposal(ctx, first) }))

	err := st.InTx(ctx, func(tx Tx) error {
		return tx.InsertProposal(ctx, newTestProposal("acme", p.ID, "WP-2026-002", t0))
	})
	require.Error(t, err)

	// Declining frees the slot for a successor.
	require.NoError(t, st.InTx(ctx, func(tx Tx) error {
		return tx.UpdateProposal(ctx, model.ProposalUpdate{
			TenantID: "acme", ProposalID: first.ID,
			From: model.ProposalPendingBrain, To: model.ProposalDeclined,
			VetoCode: model.VetoDuplicate, VetoReason: "dup", At: t0,
		})
	}))
	require.NoError(t, st.InTx(ctx, func(tx Tx) error {
		return tx.InsertProposal(ctx, newTestProposal("acme", p.ID, "WP-2026-003", t0))
	}))
}

func TestSQLite_AuditTablesAreAppendOnly(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedPattern(t, st, "acme", "compare vendors", "u1")
	prop := newTestProposal("acme", p.ID, "WP-2026-001", t0)

	require.NoError(t, st.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertProposal(ctx, prop); err != nil {
			return err
		}
		if err := tx.UpdatePattern(ctx, model.PatternUpdate{
			TenantID: "acme", PatternID: p.ID, From: model.PatternAccumulating, To: model.PatternThresholdMet, At: t0,
		}); err != nil {
			return err
		}
		return tx.AppendReview(ctx, &model.ProposalReview{
			TenantID: "acme", ProposalID: prop.ID, ReviewerType: model.ReviewerBrain,
			Action: model.ActionCreate, NewStatus: model.ProposalPendingBrain, CreatedAt: t0,
		})
	}))

	_, err := st.db.ExecContext(ctx, `UPDATE proposal_reviews SET notes = 'edited'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = st.db.ExecContext(ctx, `DELETE FROM proposal_reviews`)
	require.Error(t, err)

	_, err = st.db.ExecContext(ctx, `DELETE FROM pattern_transitions`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	reviews, err := st.ListReviews(ctx, "acme", prop.ID)
	require.NoError(t, err)
	assert.Len(t, reviews, 1)
}

func TestSQLite_LastDeclineAt(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedPattern(t, st, "acme", "compare vendors", "u1")
	prop := newTestProposal("acme", p.ID, "WP-2026-001", t0)

	at, err := st.LastDeclineAt(ctx, "acme", p.ID)
	require.NoError(t, err)
	assert.Nil(t, at)

	declined := t0.Add(5 * time.Hour)
	require.NoError(t, st.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertProposal(ctx, prop); err != nil {
			return err
		}
		// Modify is not a decline.
		if err := tx.AppendReview(ctx, &model.ProposalReview{
			TenantID: "acme", ProposalID: prop.ID, ReviewerType: model.ReviewerAdmin,
			Action: model.ActionModify, NewStatus: model.ProposalPendingAdmin, CreatedAt: t0.Add(9 * time.Hour),
		}); err != nil {
			return err
		}
		return tx.AppendReview(ctx, &model.ProposalReview{
			TenantID: "acme", ProposalID: prop.ID, ReviewerType: model.ReviewerAdmin,
			Action: model.ActionDecline, NewStatus: model.ProposalDeclined, CreatedAt: declined,
		})
	}))

	at, err = st.LastDeclineAt(ctx, "acme", p.ID)
	require.NoError(t, err)
	require.NotNil(t, at)
	assert.Equal(t, declined, *at)
}

func TestSQLite_CountProposalsSince(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	a := seedPattern(t, st, "acme", "one", "u1")
	b := seedPattern(t, st, "acme", "two", "u1")

	pa := newTestProposal("acme", a.ID, "WP-2026-001", t0)
	pb := newTestProposal("acme", b.ID, "WP-2026-002", t0.Add(-48*time.Hour))
	require.NoError(t, st.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertProposal(ctx, pa); err != nil {
			return err
		}
		return tx.InsertProposal(ctx, pb)
	}))

	n, err := st.CountProposalsSince(ctx, "acme", t0.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, st.InTx(ctx, func(tx Tx) error {
		n, err := tx.CountProposalsSince(ctx, "acme", t0.Add(-72*time.Hour), pa.ID)
		assert.Equal(t, 1, n)
		return err
	}))
}

func TestSQLite_SynthesisCandidatesOrderedByScore(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	low := seedPattern(t, st, "acme", "low", "u1")
	high := seedPattern(t, st, "acme", "high", "u1", "u2", "u3")
	seedPattern(t, st, "acme", "not ready", "u1")

	for _, p := range []*model.NeedPattern{low, high} {
		require.NoError(t, st.InTx(ctx, func(tx Tx) error {
			return tx.UpdatePattern(ctx, model.PatternUpdate{
				TenantID: "acme", PatternID: p.ID, From: model.PatternAccumulating, To: model.PatternThresholdMet, At: t0,
			})
		}))
	}

	got, err := st.SynthesisCandidates(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, high.ID, got[0].ID)
	assert.Equal(t, low.ID, got[1].ID)

	stuck, err := st.ListPatterns(ctx, PatternFilter{TenantID: "acme", Status: model.PatternThresholdMet, UpdatedBefore: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.Len(t, stuck, 2)
}

func TestSQLite_ThresholdConfig(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	cfg, err := st.GetThresholdConfig(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultThresholdConfig("acme"), cfg)

	cfg.MinEvidenceCount = 2
	cfg.AutoApproveEnabled = true
	cfg.UpdatedAt = t0
	require.NoError(t, st.SaveThresholdConfig(ctx, cfg))

	got, err := st.GetThresholdConfig(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, got.MinEvidenceCount)
	assert.True(t, got.AutoApproveEnabled)
	assert.Equal(t, t0, got.UpdatedAt)

	cfg.MinUniqueUsers = 0
	err = st.SaveThresholdConfig(ctx, cfg)
	assert.True(t, errors.Is(err, model.ErrValidation))

	tenants, err := st.ListTenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme"}, tenants)
}

func TestSQLite_EvidenceWeights(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	cfg := model.EvidenceWeightConfig{TenantID: "acme", Weights: map[model.EvidenceType]model.WeightSetting{
		model.EvidenceWorkflowFailure: {Weight: 0.9, Enabled: true},
		model.EvidenceAbandonSession:  {Weight: 0.1, Enabled: false},
	}}
	require.NoError(t, st.SaveEvidenceWeights(ctx, cfg))

	got, err := st.GetEvidenceWeights(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, cfg.Weights, got.Weights)

	bad := model.EvidenceWeightConfig{TenantID: "acme", Weights: map[model.EvidenceType]model.WeightSetting{
		model.EvidenceEscalation: {Weight: 1.5, Enabled: true},
	}}
	assert.True(t, errors.Is(st.SaveEvidenceWeights(ctx, bad), model.ErrValidation))

	// Rejected writes leave the previous table intact.
	got, err = st.GetEvidenceWeights(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, got.Weights, 2)
}

func TestSQLite_DLQ(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	entry := model.DLQEntry{
		ID: "dlq-1",
		Submission: model.EvidenceSubmission{
			TenantID: "acme",
			Type:     model.EvidenceExplicitRequest,
			Context:  model.EvidenceContext{OriginalRequest: "compare vendors"},
		},
		Error:        "database is locked",
		ErrorType:    "transient",
		MaxRetries:   3,
		NextRetryAt:  time.Now().Add(-time.Minute),
		CreatedAt:    time.Now(),
		LastFailedAt: time.Now(),
	}
	require.NoError(t, st.EnqueueDLQ(ctx, entry))

	future := entry
	future.ID = "dlq-2"
	future.NextRetryAt = time.Now().Add(time.Hour)
	require.NoError(t, st.EnqueueDLQ(ctx, future))

	n, err := st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	due, err := st.DequeueDLQ(ctx, DLQFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "dlq-1", due[0].ID)
	assert.Equal(t, "compare vendors", due[0].Submission.Context.OriginalRequest)

	require.NoError(t, st.IncrementDLQRetry(ctx, "dlq-1", time.Now().Add(-time.Second), "still locked"))
	due, err = st.DequeueDLQ(ctx, DLQFilter{ErrorType: "transient"})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].RetryCount)
	assert.Equal(t, "still locked", due[0].Error)

	err = st.IncrementDLQRetry(ctx, "missing", time.Now(), "x")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	require.NoError(t, st.RemoveDLQ(ctx, "dlq-1"))
	n, err = st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLite_ProposalStatsAndStuckCount(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedPattern(t, st, "acme", "compare vendors", "u1")

	prop := newTestProposal("acme", p.ID, "WP-2026-001", t0)
	require.NoError(t, st.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertProposal(ctx, prop); err != nil {
			return err
		}
		if err := tx.UpdateProposal(ctx, model.ProposalUpdate{
			TenantID: "acme", ProposalID: prop.ID, From: model.ProposalPendingBrain, To: model.ProposalDeclined,
			VetoCode: model.VetoCostRisk, VetoReason: "too expensive", At: t0,
		}); err != nil {
			return err
		}
		if err := tx.UpdatePattern(ctx, model.PatternUpdate{
			TenantID: "acme", PatternID: p.ID, From: model.PatternAccumulating, To: model.PatternThresholdMet, At: t0,
		}); err != nil {
			return err
		}
		return tx.UpdatePattern(ctx, model.PatternUpdate{
			TenantID: "acme", PatternID: p.ID, From: model.PatternThresholdMet, To: model.PatternProposalGenerating, At: t0,
		})
	}))

	stats, err := st.ProposalStatsSince(ctx, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ProposalStats{Created: 1, Vetoed: 1}, stats)

	n, err := st.CountStuckPatterns(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = st.CountStuckPatterns(ctx, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
