package importer

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/workflow-evolver/internal/model"
	"github.com/sells-group/workflow-evolver/internal/registry"
)

type mockSubmitter struct {
	mock.Mock
}

func (m *mockSubmitter) SubmitEvidence(ctx context.Context, sub model.EvidenceSubmission) (*registry.Ack, error) {
	args := m.Called(ctx, sub)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*registry.Ack), args.Error(1)
}
