package sweep

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/workflow-evolver/internal/model"
	"github.com/sells-group/workflow-evolver/internal/registry"
	"github.com/sells-group/workflow-evolver/internal/resilience"
	"github.com/sells-group/workflow-evolver/internal/store"
	"github.com/sells-group/workflow-evolver/internal/synth"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func sweepClock() time.Time { return t0.Add(49 * time.Hour) }

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "sweep.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// seedPattern submits six requests from four users over 30 hours, which
// passes the default gate.
func seedPattern(t *testing.T, st store.Store, tenant, request string) string {
	t.Helper()
	reg := registry.New(st, nil,
		registry.WithClock(func() time.Time { return t0.Add(48 * time.Hour) }),
		registry.WithRetry(resilience.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}),
	)
	var ack *registry.Ack
	for i, u := range []string{"u1", "u2", "u3", "u4", "u1", "u2"} {
		var err error
		ack, err = reg.Submit(context.Background(), model.EvidenceSubmission{
			TenantID:   tenant,
			Type:       model.EvidenceExplicitRequest,
			UserID:     u,
			Context:    model.EvidenceContext{OriginalRequest: request},
			OccurredAt: t0.Add(time.Duration(i) * 6 * time.Hour),
		})
		require.NoError(t, err)
	}
	require.Equal(t, model.PatternThresholdMet, ack.PatternStatus)
	return ack.PatternID
}

func graphOf(types ...model.NodeType) model.WorkflowGraph {
	g := model.WorkflowGraph{Strategy: model.StrategySequential}
	for _, nt := range types {
		g.Nodes = append(g.Nodes, model.Node{ID: string(nt), Type: nt, Name: string(nt)})
	}
	g.Entry = string(types[0])
	g.Exits = []string{string(types[len(types)-1])}
	return g
}

// lowRiskOutcome scores cost 0.15 and latency 0.15 with no compliance
// exposure, so overall risk stays under 0.15 for high confidence.
func lowRiskOutcome(confidence float64) *synth.Outcome {
	g := graphOf(model.NodeInputParser, model.NodeRetrieval, model.NodeWriter, model.NodeVerifier)
	g.EstimatedCostPer1K = 0.67
	g.EstimatedLatencyMS = 4750
	g.Models = []string{"fast-llm", "embedding", "standard-llm"}
	return &synth.Outcome{
		Graph:       g,
		Confidence:  confidence,
		Coverage:    1.0,
		Title:       "Data export workflow",
		Description: "A 4-step workflow.",
		Summary:     model.EvidenceSummary{Intent: "data_export", EvidenceCount: 6, UniqueUsersAffected: 4, TotalEvidenceScore: 3},
	}
}

func newTestSweeper(st store.Store, sy Synthesizer) *Sweeper {
	return New(st, sy, Config{MaxConcurrentTenants: 2}, WithClock(sweepClock))
}

func TestRunTenant_ProposesAndEscalates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	patternID := seedPattern(t, st, "acme", "Export the weekly pipeline report to CSV")

	sy := &mockSynthesizer{}
	sy.On("Synthesize", mock.Anything, mock.MatchedBy(func(p model.NeedPattern) bool {
		return p.ID == patternID && p.Status == model.PatternThresholdMet
	}), mock.Anything).Return(lowRiskOutcome(0.85), nil).Once()

	rep, err := newTestSweeper(st, sy).RunTenant(ctx, "acme")
	require.NoError(t, err)
	sy.AssertExpectations(t)

	assert.Equal(t, 1, rep.Candidates)
	assert.Equal(t, 1, rep.Proposed)
	assert.Equal(t, 1, rep.Escalated)
	assert.Zero(t, rep.Vetoed)

	props, err := st.ListProposals(ctx, store.ProposalFilter{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, props, 1)
	prop := props[0]
	assert.Equal(t, "WP-2026-001", prop.Code)
	assert.Equal(t, model.ProposalPendingAdmin, prop.Status)
	assert.Equal(t, model.PriorityMedium, prop.Priority)
	require.NotNil(t, prop.Risk)
	assert.Less(t, prop.Risk.OverallRisk, 0.3)

	p, err := st.GetPattern(ctx, "acme", patternID)
	require.NoError(t, err)
	assert.Equal(t, model.PatternProposalGenerated, p.Status)
	assert.True(t, p.AllThresholdsMet())
	require.NotNil(t, p.ProposalID)
	assert.Equal(t, prop.ID, *p.ProposalID)

	reviews, err := st.ListReviews(ctx, "acme", prop.ID)
	require.NoError(t, err)
	require.Len(t, reviews, 2)
	assert.Equal(t, model.ActionCreate, reviews[0].Action)
	assert.Equal(t, model.ActionEscalate, reviews[1].Action)
	assert.Equal(t, model.ProposalPendingBrain, reviews[1].PreviousStatus)
	assert.Equal(t, model.ProposalPendingAdmin, reviews[1].NewStatus)
	assert.NotNil(t, reviews[1].Risk)
}

func TestRunTenant_VetoReopensPatternWithCooldown(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	patternID := seedPattern(t, st, "acme", "Export the weekly pipeline report to CSV")

	sy := &mockSynthesizer{}
	sy.On("Synthesize", mock.Anything, mock.Anything, mock.Anything).Return(lowRiskOutcome(0.62), nil).Once()
	sw := newTestSweeper(st, sy)

	rep, err := sw.RunTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Proposed)
	assert.Equal(t, 1, rep.Vetoed)

	props, err := st.ListProposals(ctx, store.ProposalFilter{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, props, 1)
	assert.Equal(t, model.ProposalDeclined, props[0].Status)
	assert.Equal(t, model.VetoLowConfidence, props[0].VetoCode)
	assert.False(t, props[0].Approved)

	p, err := st.GetPattern(ctx, "acme", patternID)
	require.NoError(t, err)
	assert.Equal(t, model.PatternThresholdMet, p.Status)
	assert.Nil(t, p.ProposalID)
	assert.False(t, p.ConfidenceMet)

	// The decline starts the cooldown, so the next pass leaves it alone.
	rep, err = sw.RunTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Cooldown)
	assert.Zero(t, rep.Proposed)
	sy.AssertExpectations(t)
}

func TestRunTenant_InsufficientSignal(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	patternID := seedPattern(t, st, "acme", "Export the weekly pipeline report to CSV")

	sy := &mockSynthesizer{}
	sy.On("Synthesize", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, eris.Wrap(model.ErrInsufficientSignal, "synth: provisional confidence 0.40")).Once()
	sw := newTestSweeper(st, sy)

	rep, err := sw.RunTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Insufficient)

	p, err := st.GetPattern(ctx, "acme", patternID)
	require.NoError(t, err)
	assert.Equal(t, model.PatternAccumulating, p.Status)
	assert.False(t, p.ConfidenceMet)
	assert.True(t, p.OccurrenceMet)

	// Without new evidence the gate does not re-advance it.
	rep, err = sw.RunTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Zero(t, rep.Advanced)
	assert.Zero(t, rep.Candidates)
	sy.AssertExpectations(t)

	transitions, err := st.ListPatternTransitions(ctx, "acme", patternID)
	require.NoError(t, err)
	last := transitions[len(transitions)-1]
	assert.Equal(t, model.PatternProposalGenerating, last.FromStatus)
	assert.Equal(t, model.PatternAccumulating, last.ToStatus)
}

func TestRunTenant_InsufficientSignalReleasesAfterCancel(t *testing.T) {
	st := newTestStore(t)
	patternID := seedPattern(t, st, "acme", "Export the weekly pipeline report to CSV")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sy := &mockSynthesizer{}
	sy.On("Synthesize", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, eris.Wrap(model.ErrInsufficientSignal, "synth: provisional confidence 0.40")).Once()

	rep, err := newTestSweeper(st, sy).RunTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Insufficient)

	p, err := st.GetPattern(context.Background(), "acme", patternID)
	require.NoError(t, err)
	assert.Equal(t, model.PatternAccumulating, p.Status)
}

func TestRunTenant_SynthesisFailureReleasesClaim(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	patternID := seedPattern(t, st, "acme", "Export the weekly pipeline report to CSV")

	sy := &mockSynthesizer{}
	sy.On("Synthesize", mock.Anything, mock.Anything, mock.Anything).Return(nil, eris.New("llm unavailable")).Once()

	rep, err := newTestSweeper(st, sy).RunTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Zero(t, rep.Proposed)

	p, err := st.GetPattern(ctx, "acme", patternID)
	require.NoError(t, err)
	assert.Equal(t, model.PatternThresholdMet, p.Status)
}

func TestRunTenant_RespectsDailyHeadroom(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedPattern(t, st, "acme", "Export the weekly pipeline report to CSV")
	seedPattern(t, st, "acme", "Translate support tickets from German into English")

	cfg := model.DefaultThresholdConfig("acme")
	cfg.MaxProposalsPerDay = 1
	require.NoError(t, st.SaveThresholdConfig(ctx, cfg))

	sy := &mockSynthesizer{}
	sy.On("Synthesize", mock.Anything, mock.Anything, mock.Anything).Return(lowRiskOutcome(0.85), nil).Once()
	sw := newTestSweeper(st, sy)

	rep, err := sw.RunTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Candidates)
	assert.Equal(t, 1, rep.Proposed)
	assert.True(t, rep.RateLimited)

	rep, err = sw.RunTenant(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, rep.RateLimited)
	assert.Zero(t, rep.Candidates)
	sy.AssertExpectations(t)

	n, err := st.CountProposalsSince(ctx, "acme", sweepClock().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunTenant_RecoversStuckClaim(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	patternID := seedPattern(t, st, "acme", "Export the weekly pipeline report to CSV")

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		return tx.UpdatePattern(ctx, model.PatternUpdate{
			TenantID:  "acme",
			PatternID: patternID,
			From:      model.PatternThresholdMet,
			To:        model.PatternProposalGenerating,
			At:        t0.Add(48 * time.Hour),
		})
	}))

	sy := &mockSynthesizer{}
	sy.On("Synthesize", mock.Anything, mock.Anything, mock.Anything).Return(lowRiskOutcome(0.85), nil).Once()

	rep, err := newTestSweeper(st, sy).RunTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Recovered)
	assert.Equal(t, 1, rep.Proposed)
	sy.AssertExpectations(t)
}

// flakyStore fails ActiveWorkflows a set number of times.
type flakyStore struct {
	store.Store
	failures int
}

func (f *flakyStore) ActiveWorkflows(ctx context.Context, tenantID, excludeID string) ([]model.Proposal, error) {
	if f.failures > 0 {
		f.failures--
		return nil, eris.New("connection reset")
	}
	return f.Store.ActiveWorkflows(ctx, tenantID, excludeID)
}

func TestRunTenant_ResumesInterruptedGovernance(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	patternID := seedPattern(t, st, "acme", "Export the weekly pipeline report to CSV")

	sy := &mockSynthesizer{}
	sy.On("Synthesize", mock.Anything, mock.Anything, mock.Anything).Return(lowRiskOutcome(0.85), nil).Once()
	sw := newTestSweeper(&flakyStore{Store: st, failures: 1}, sy)

	_, err := sw.RunTenant(ctx, "acme")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	props, err := st.ListProposals(ctx, store.ProposalFilter{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, props, 1)
	assert.Equal(t, model.ProposalPendingBrain, props[0].Status)

	rep, err := sw.RunTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Resumed)
	assert.Equal(t, 1, rep.Escalated)
	assert.Zero(t, rep.Proposed)
	sy.AssertExpectations(t)

	prop, err := st.GetProposal(ctx, "acme", props[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProposalPendingAdmin, prop.Status)
	require.NotNil(t, prop.Risk)

	p, err := st.GetPattern(ctx, "acme", patternID)
	require.NoError(t, err)
	assert.Equal(t, model.PatternProposalGenerated, p.Status)

	rep, err = sw.RunTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Zero(t, rep.Resumed)
}

func TestRunTenant_AutoApprove(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedPattern(t, st, "acme", "Export the weekly pipeline report to CSV")

	cfg := model.DefaultThresholdConfig("acme")
	cfg.AutoApproveEnabled = true
	require.NoError(t, st.SaveThresholdConfig(ctx, cfg))

	sy := &mockSynthesizer{}
	sy.On("Synthesize", mock.Anything, mock.Anything, mock.Anything).Return(lowRiskOutcome(0.95), nil).Once()

	rep, err := newTestSweeper(st, sy).RunTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.AutoApproved)

	props, err := st.ListProposals(ctx, store.ProposalFilter{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, props, 1)
	assert.Equal(t, model.ProposalApproved, props[0].Status)
	assert.True(t, props[0].Approved)

	reviews, err := st.ListReviews(ctx, "acme", props[0].ID)
	require.NoError(t, err)
	require.Len(t, reviews, 3)
	assert.Equal(t, model.ActionApprove, reviews[2].Action)
	assert.Equal(t, model.ReviewerBrain, reviews[2].ReviewerType)
}

func TestRun_AllTenants(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedPattern(t, st, "acme", "Export the weekly pipeline report to CSV")
	seedPattern(t, st, "globex", "Export the weekly pipeline report to CSV")

	sy := &mockSynthesizer{}
	sy.On("Synthesize", mock.Anything, mock.MatchedBy(func(p model.NeedPattern) bool { return p.TenantID == "acme" }), mock.Anything).
		Return(lowRiskOutcome(0.85), nil).Once()
	sy.On("Synthesize", mock.Anything, mock.MatchedBy(func(p model.NeedPattern) bool { return p.TenantID == "globex" }), mock.Anything).
		Return(nil, eris.New("llm unavailable")).Once()

	rep, err := newTestSweeper(st, sy).Run(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Tenants, 2)
	assert.Equal(t, "acme", rep.Tenants[0].TenantID)
	assert.Equal(t, 1, rep.Tenants[0].Proposed)
	assert.Equal(t, "globex", rep.Tenants[1].TenantID)
	assert.Equal(t, 1, rep.Tenants[1].Failed)
	assert.Zero(t, rep.Failed)
	assert.Nil(t, rep.DLQ)
	sy.AssertExpectations(t)
}

func TestScheduler_InvalidSpec(t *testing.T) {
	_, err := NewScheduler("not a schedule", &mockRunner{}, time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schedule")
}

func TestScheduler_Next(t *testing.T) {
	s, err := NewScheduler("@every 15m", &mockRunner{}, 0)
	require.NoError(t, err)
	s.Start()
	defer s.Stop(context.Background())
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), s.Next(), time.Minute)
}

func TestScheduler_TickRunsSweep(t *testing.T) {
	r := &mockRunner{}
	r.On("Run", mock.Anything).Return(&Report{}, nil).Once()
	s, err := NewScheduler("@hourly", r, time.Second)
	require.NoError(t, err)
	s.tick()
	r.AssertExpectations(t)
}
