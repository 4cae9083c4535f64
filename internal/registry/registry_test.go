package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/workflow-evolver/internal/model"
	"github.com/sells-group/workflow-evolver/internal/resilience"
	"github.com/sells-group/workflow-evolver/internal/store"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func newTestRegistry(st store.Store, emb Embedder) *Registry {
	return New(st, emb, WithClock(func() time.Time { return t0.Add(48 * time.Hour) }), WithRetry(fastRetry()))
}

func explicitRequest(user string, at time.Time) model.EvidenceSubmission {
	return model.EvidenceSubmission{
		TenantID:   "acme",
		Type:       model.EvidenceExplicitRequest,
		UserID:     user,
		SessionID:  "s-" + user,
		Context:    model.EvidenceContext{OriginalRequest: "Export the weekly pipeline report to CSV"},
		OccurredAt: at,
	}
}

func TestSubmit_ReachesThresholdMet(t *testing.T) {
	st := newTestStore(t)
	reg := newTestRegistry(st, nil)
	ctx := context.Background()

	users := []string{"u1", "u2", "u3", "u4", "u1", "u2"}
	var ack *Ack
	for i, u := range users {
		var err error
		ack, err = reg.Submit(ctx, explicitRequest(u, t0.Add(time.Duration(i)*6*time.Hour)))
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, MatchNew, ack.MatchedBy)
			assert.True(t, ack.Degraded)
		} else {
			assert.Equal(t, MatchHash, ack.MatchedBy)
			assert.False(t, ack.Degraded)
		}
	}

	assert.Equal(t, model.PatternThresholdMet, ack.PatternStatus)
	assert.InDelta(t, 3.0, ack.CurrentScore, 1e-9)
	assert.True(t, ack.ThresholdsMet.Occurrence)
	assert.True(t, ack.ThresholdsMet.Impact)
	assert.False(t, ack.ThresholdsMet.Confidence)

	p, err := st.GetPattern(ctx, "acme", ack.PatternID)
	require.NoError(t, err)
	assert.Equal(t, 6, p.EvidenceCount)
	assert.Equal(t, 4, p.UniqueUsersAffected)
	assert.Equal(t, 30*time.Hour, p.LastOccurrenceAt.Sub(p.FirstOccurrenceAt))

	transitions, err := st.ListPatternTransitions(ctx, "acme", ack.PatternID)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, model.PatternAccumulating, transitions[0].FromStatus)
	assert.Equal(t, model.PatternThresholdMet, transitions[0].ToStatus)
}

func TestSubmit_TwoUsersStaysAccumulating(t *testing.T) {
	st := newTestStore(t)
	reg := newTestRegistry(st, nil)
	ctx := context.Background()

	var ack *Ack
	for i := range 6 {
		var err error
		ack, err = reg.Submit(ctx, explicitRequest(fmt.Sprintf("u%d", i%2), t0.Add(time.Duration(i)*6*time.Hour)))
		require.NoError(t, err)
	}

	assert.Equal(t, model.PatternAccumulating, ack.PatternStatus)
	assert.False(t, ack.ThresholdsMet.Occurrence)
	assert.True(t, ack.ThresholdsMet.Impact)
	assert.InDelta(t, 3.0, ack.CurrentScore, 1e-9)
}

func TestSubmit_SemanticMatch(t *testing.T) {
	st := newTestStore(t)
	emb := new(mockEmbedder)
	emb.On("Embed", mock.Anything, "Generate the quarterly revenue chart for finance").
		Return(Embedding{Vector: []float32{1, 0, 0}})
	emb.On("Embed", mock.Anything, "Build a revenue chart for the quarter").
		Return(Embedding{Vector: []float32{0.95, 0.1, 0}})
	emb.On("Embed", mock.Anything, "Translate my onboarding guide").
		Return(Embedding{Vector: []float32{0, 1, 0}})

	reg := newTestRegistry(st, emb)
	ctx := context.Background()
	submit := func(text string) *Ack {
		sub := explicitRequest("u1", t0)
		sub.Context.OriginalRequest = text
		ack, err := reg.Submit(ctx, sub)
		require.NoError(t, err)
		return ack
	}

	first := submit("Generate the quarterly revenue chart for finance")
	second := submit("Build a revenue chart for the quarter")
	third := submit("Translate my onboarding guide")

	assert.Equal(t, MatchNew, first.MatchedBy)
	assert.Equal(t, MatchEmbedding, second.MatchedBy)
	assert.Equal(t, first.PatternID, second.PatternID)
	assert.Equal(t, MatchNew, third.MatchedBy)
	assert.NotEqual(t, first.PatternID, third.PatternID)
	emb.AssertExpectations(t)
}

func TestSubmit_DegradedFallsBackToHash(t *testing.T) {
	st := newTestStore(t)
	emb := new(mockEmbedder)
	emb.On("Embed", mock.Anything, mock.Anything).Return(Embedding{Degraded: true, Reason: "embedding timed out"})

	reg := newTestRegistry(st, emb)
	ctx := context.Background()

	a := explicitRequest("u1", t0)
	a.Context.OriginalRequest = "Generate the quarterly revenue chart"
	b := explicitRequest("u1", t0)
	b.Context.OriginalRequest = "Build a revenue chart for the quarter"

	ackA, err := reg.Submit(ctx, a)
	require.NoError(t, err)
	ackB, err := reg.Submit(ctx, b)
	require.NoError(t, err)

	assert.True(t, ackA.Degraded)
	assert.True(t, ackB.Degraded)
	assert.NotEqual(t, ackA.PatternID, ackB.PatternID)
}

func TestSubmit_ConcurrentSameSignature(t *testing.T) {
	st := newTestStore(t)
	reg := newTestRegistry(st, nil)
	ctx := context.Background()

	const writers = 20
	var wg sync.WaitGroup
	acks := make([]*Ack, writers)
	errs := make([]error, writers)
	for i := range writers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acks[i], errs[i] = reg.Submit(ctx, explicitRequest(fmt.Sprintf("u%d", i%5), t0.Add(time.Duration(i)*time.Hour)))
		}(i)
	}
	wg.Wait()

	for i := range writers {
		require.NoError(t, errs[i])
		require.Empty(t, acks[i].DeadLetterID)
		assert.Equal(t, acks[0].PatternID, acks[i].PatternID)
	}

	patterns, err := st.ListPatterns(ctx, store.PatternFilter{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, writers, patterns[0].EvidenceCount)
	assert.Equal(t, 5, patterns[0].UniqueUsersAffected)

	agg, err := st.DeriveAggregates(ctx, "acme", patterns[0].ID)
	require.NoError(t, err)
	assert.True(t, agg.Matches(&patterns[0]))
}

func TestSubmit_Validation(t *testing.T) {
	st := newTestStore(t)
	reg := newTestRegistry(st, nil)
	ctx := context.Background()

	sub := explicitRequest("u1", t0)
	sub.Type = ""
	_, err := reg.Submit(ctx, sub)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrValidation))

	require.NoError(t, st.SaveEvidenceWeights(ctx, model.EvidenceWeightConfig{
		TenantID: "acme",
		Weights: map[model.EvidenceType]model.WeightSetting{
			model.EvidenceExplicitRequest: {Weight: 0.5, Enabled: false},
		},
	}))
	_, err = reg.Submit(ctx, explicitRequest("u1", t0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrValidation))

	n, err := st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "validation failures are never dead-lettered")

	patterns, err := st.ListPatterns(ctx, store.PatternFilter{TenantID: "acme"})
	require.NoError(t, err)
	assert.Empty(t, patterns)
}

func TestSubmit_DeadLetterAndReplay(t *testing.T) {
	st := newTestStore(t)
	flaky := &flakyStore{Store: st}
	flaky.failures.Store(100)
	reg := newTestRegistry(flaky, nil)
	ctx := context.Background()

	ack, err := reg.Submit(ctx, explicitRequest("u1", t0))
	require.NoError(t, err)
	require.NotEmpty(t, ack.DeadLetterID)
	assert.Empty(t, ack.EvidenceID)

	n, err := st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	flaky.failures.Store(0)
	report, err := reg.ReplayDLQ(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, ReplayReport{Attempted: 1, Replayed: 1}, report)

	n, err = st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	patterns, err := st.ListPatterns(ctx, store.PatternFilter{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, 1, patterns[0].EvidenceCount)
	assert.True(t, patterns[0].FirstOccurrenceAt.Equal(t0), "replay keeps the original occurrence time")
}

func TestReplayDLQ_FailureReschedules(t *testing.T) {
	st := newTestStore(t)
	flaky := &flakyStore{Store: st}
	flaky.failures.Store(1000)
	reg := newTestRegistry(flaky, nil)
	ctx := context.Background()

	ack, err := reg.Submit(ctx, explicitRequest("u1", t0))
	require.NoError(t, err)
	require.NotEmpty(t, ack.DeadLetterID)

	report, err := reg.ReplayDLQ(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	// Rescheduled into the future relative to the registry clock, which is
	// still in the past of the wall clock, so it stays due.
	entries, err := st.DequeueDLQ(ctx, store.DLQFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)
}

func TestDLQBackoff(t *testing.T) {
	assert.Equal(t, time.Minute, dlqBackoff(0))
	assert.Equal(t, 4*time.Minute, dlqBackoff(2))
	assert.Equal(t, 6*time.Hour, dlqBackoff(20))
}
