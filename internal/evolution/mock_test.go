package evolution

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/workflow-evolver/internal/model"
	"github.com/sells-group/workflow-evolver/internal/synth"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, p *model.Proposal) (string, error) {
	args := m.Called(ctx, p)
	return args.String(0), args.Error(1)
}

// fixedSynthesizer returns a canned outcome for every pattern.
type fixedSynthesizer struct {
	out *synth.Outcome
}

func (f fixedSynthesizer) Synthesize(_ context.Context, _ model.NeedPattern, _ []model.Evidence) (*synth.Outcome, error) {
	o := *f.out
	return &o, nil
}
