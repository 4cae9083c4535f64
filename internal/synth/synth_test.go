package synth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/workflow-evolver/internal/model"
)

func comparisonPattern() (model.NeedPattern, []model.Evidence) {
	now := time.Now()
	p := model.NeedPattern{
		ID:                  "p1",
		TenantID:            "acme",
		Signature:           model.Signature{Intent: "comparison", Keywords: []string{"compare", "vendors"}},
		TotalEvidenceScore:  3.0,
		EvidenceCount:       3,
		UniqueUsersAffected: 3,
	}
	ev := make([]model.Evidence, 3)
	for i := range ev {
		ev[i] = model.Evidence{
			Type:       model.EvidenceWorkflowFailure,
			Weight:     1.0,
			OccurredAt: now,
			Context:    model.EvidenceContext{OriginalRequest: "compare two vendors", FailureReason: "timeout"},
		}
	}
	return p, ev
}

func TestSynthesize_Success(t *testing.T) {
	p, ev := comparisonPattern()
	d := new(mockDescriber)
	d.On("Describe", mock.Anything, mock.MatchedBy(func(r DescribeRequest) bool {
		return r.Intent == "comparison" && len(r.NodeTypes) > 0
	})).Return(&Description{Title: "Vendor comparison", Description: "Compares vendors."}, nil)

	out, err := New(DefaultConfig(), d).Synthesize(context.Background(), p, ev)
	require.NoError(t, err)

	assert.Equal(t, model.StrategyFanOut, out.Graph.Strategy)
	assert.True(t, out.Graph.HasNodeType(model.NodeMultiRetrieval))
	assert.False(t, out.Graph.HasNodeType(model.NodeVerifier))
	assert.InDelta(t, 1.0, out.Provisional, 1e-9)
	assert.InDelta(t, 1.0, out.Coverage, 1e-9)
	assert.InDelta(t, 1.0, out.Confidence, 1e-9)
	assert.False(t, out.Degraded)
	assert.Equal(t, "Vendor comparison", out.Title)

	assert.Equal(t, 3, out.Summary.EvidenceCount)
	assert.Equal(t, "comparison", out.Summary.Intent)
	assert.Equal(t, []string{"multi_source"}, out.Summary.Capabilities)
	assert.Equal(t, []model.ReasonCount{{Reason: "timeout", Count: 3}}, out.Summary.TopFailureReasons)
	d.AssertExpectations(t)
}

func TestSynthesize_DescriberFailureDegrades(t *testing.T) {
	p, ev := comparisonPattern()
	d := new(mockDescriber)
	d.On("Describe", mock.Anything, mock.Anything).Return(nil, eris.New("overloaded"))

	out, err := New(DefaultConfig(), d).Synthesize(context.Background(), p, ev)
	require.NoError(t, err)

	assert.True(t, out.Degraded)
	assert.InDelta(t, 0.95, out.Confidence, 1e-9)
	assert.Equal(t, "Multi-source comparison workflow", out.Title)
	assert.Contains(t, out.Description, "timeout")
}

func TestSynthesize_NilDescriberUsesTemplate(t *testing.T) {
	p, ev := comparisonPattern()
	p.Signature.Domains = []string{"financial"}

	out, err := New(DefaultConfig(), nil).Synthesize(context.Background(), p, ev)
	require.NoError(t, err)
	assert.False(t, out.Degraded)
	assert.InDelta(t, 1.0, out.Confidence, 1e-9)
	assert.Equal(t, "Multi-source comparison (financial) workflow", out.Title)
}

// marginalPattern has provisional 0.65 and coverage 0.6, so its overall
// confidence of 0.625 clears the floor only without the degraded penalty.
func marginalPattern() (model.NeedPattern, []model.Evidence) {
	p := model.NeedPattern{ID: "p2", TenantID: "acme", Signature: model.Signature{Intent: "general"}, TotalEvidenceScore: 2.4}
	ev := []model.Evidence{
		{Context: model.EvidenceContext{OriginalRequest: "export invoices", FailureReason: "timeout"}},
		{Context: model.EvidenceContext{OriginalRequest: "export invoices", FailureReason: "slow export"}},
	}
	return p, ev
}

func TestSynthesize_MarginalConfidence(t *testing.T) {
	t.Run("template without describer", func(t *testing.T) {
		p, ev := marginalPattern()
		out, err := New(DefaultConfig(), nil).Synthesize(context.Background(), p, ev)
		require.NoError(t, err)
		assert.False(t, out.Degraded)
		assert.InDelta(t, 0.625, out.Confidence, 1e-9)
	})

	t.Run("failed describer drops below floor", func(t *testing.T) {
		p, ev := marginalPattern()
		d := new(mockDescriber)
		d.On("Describe", mock.Anything, mock.Anything).Return(nil, eris.New("overloaded"))

		_, err := New(DefaultConfig(), d).Synthesize(context.Background(), p, ev)
		require.Error(t, err)
		assert.ErrorIs(t, err, model.ErrInsufficientSignal)
		d.AssertExpectations(t)
	})
}

func TestSynthesize_DescriberTimeout(t *testing.T) {
	p, ev := comparisonPattern()
	d := new(mockDescriber)
	d.On("Describe", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	cfg := DefaultConfig()
	cfg.DescribeTimeout = 10 * time.Millisecond
	out, err := New(cfg, d).Synthesize(context.Background(), p, ev)
	require.NoError(t, err)
	assert.True(t, out.Degraded)
}

func TestSynthesize_LowProvisional(t *testing.T) {
	p := model.NeedPattern{Signature: model.Signature{Intent: "general"}, TotalEvidenceScore: 0.3}
	ev := []model.Evidence{
		{Context: model.EvidenceContext{FailureReason: "timeout"}},
		{Context: model.EvidenceContext{FailureReason: "wrong format"}},
	}

	_, err := New(DefaultConfig(), nil).Synthesize(context.Background(), p, ev)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInsufficientSignal))
}

func TestSynthesize_LowOverall(t *testing.T) {
	// provisional 0.55 passes the first floor, coverage 0.6 keeps the
	// overall at 0.575.
	p := model.NeedPattern{Signature: model.Signature{Intent: "summarization"}, TotalEvidenceScore: 0.3}
	ev := []model.Evidence{
		{Context: model.EvidenceContext{OriginalRequest: "summarize report", FailureReason: "timeout"}},
		{Context: model.EvidenceContext{OriginalRequest: "summarize report", FailureReason: "timeout"}},
	}

	_, err := New(DefaultConfig(), nil).Synthesize(context.Background(), p, ev)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInsufficientSignal))
}

func TestSynthesize_Canceled(t *testing.T) {
	p, ev := comparisonPattern()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(DefaultConfig(), nil).Synthesize(ctx, p, ev)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_Defaults(t *testing.T) {
	s := New(Config{}, nil)
	assert.Equal(t, DefaultConfig(), s.cfg)
}
