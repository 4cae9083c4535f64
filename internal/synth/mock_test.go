package synth

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/workflow-evolver/pkg/anthropic"
)

// --- Describer Mock ---

type mockDescriber struct {
	mock.Mock
}

func (m *mockDescriber) Describe(ctx context.Context, req DescribeRequest) (*Description, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Description), args.Error(1)
}

// --- Anthropic Client Mock ---

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}
