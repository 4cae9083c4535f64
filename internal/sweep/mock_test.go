package sweep

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/workflow-evolver/internal/model"
	"github.com/sells-group/workflow-evolver/internal/synth"
)

type mockSynthesizer struct {
	mock.Mock
}

func (m *mockSynthesizer) Synthesize(ctx context.Context, p model.NeedPattern, evidence []model.Evidence) (*synth.Outcome, error) {
	args := m.Called(ctx, p, evidence)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*synth.Outcome), args.Error(1)
}

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Run(ctx context.Context) (*Report, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Report), args.Error(1)
}
