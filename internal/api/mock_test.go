package api

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/workflow-evolver/internal/evolution"
	"github.com/sells-group/workflow-evolver/internal/model"
	"github.com/sells-group/workflow-evolver/internal/registry"
	"github.com/sells-group/workflow-evolver/internal/store"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) SubmitEvidence(ctx context.Context, sub model.EvidenceSubmission) (*registry.Ack, error) {
	args := m.Called(ctx, sub)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*registry.Ack), args.Error(1)
}

func (m *mockService) ReplayDLQ(ctx context.Context, limit int) (registry.ReplayReport, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).(registry.ReplayReport), args.Error(1)
}

func (m *mockService) ListPatterns(ctx context.Context, f store.PatternFilter) ([]model.NeedPattern, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.NeedPattern), args.Error(1)
}

func (m *mockService) ListProposals(ctx context.Context, f store.ProposalFilter) ([]model.Proposal, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Proposal), args.Error(1)
}

func (m *mockService) GetProposal(ctx context.Context, tenantID, proposalID string) (*evolution.Detail, error) {
	args := m.Called(ctx, tenantID, proposalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*evolution.Detail), args.Error(1)
}

func (m *mockService) ReviewProposal(ctx context.Context, req evolution.ReviewRequest) (*evolution.ReviewResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*evolution.ReviewResult), args.Error(1)
}

func (m *mockService) PublishProposal(ctx context.Context, tenantID, proposalID, reviewerID string) (string, error) {
	args := m.Called(ctx, tenantID, proposalID, reviewerID)
	return args.String(0), args.Error(1)
}

func (m *mockService) Thresholds(ctx context.Context, tenantID string) (model.ThresholdConfig, error) {
	args := m.Called(ctx, tenantID)
	return args.Get(0).(model.ThresholdConfig), args.Error(1)
}

func (m *mockService) UpdateThresholds(ctx context.Context, cfg model.ThresholdConfig) (model.ThresholdConfig, error) {
	args := m.Called(ctx, cfg)
	return args.Get(0).(model.ThresholdConfig), args.Error(1)
}

func (m *mockService) Weights(ctx context.Context, tenantID string) (model.EvidenceWeightConfig, error) {
	args := m.Called(ctx, tenantID)
	return args.Get(0).(model.EvidenceWeightConfig), args.Error(1)
}

func (m *mockService) UpdateWeights(ctx context.Context, cfg model.EvidenceWeightConfig) (model.EvidenceWeightConfig, error) {
	args := m.Called(ctx, cfg)
	return args.Get(0).(model.EvidenceWeightConfig), args.Error(1)
}

func (m *mockService) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
