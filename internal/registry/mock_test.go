package registry

import (
	"context"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/mock"

	"github.com/sells-group/workflow-evolver/internal/resilience"
	"github.com/sells-group/workflow-evolver/internal/store"
)

// --- Embedder Mock ---

type mockEmbedder struct {
	mock.Mock
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) Embedding {
	args := m.Called(ctx, text)
	return args.Get(0).(Embedding)
}

// --- Embedding Client Mock ---

type mockEmbeddingClient struct {
	mock.Mock
}

func (m *mockEmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

func (m *mockEmbeddingClient) Dimensions() int {
	return m.Called().Int(0)
}

// --- Flaky Store ---

// flakyStore fails the next n transactions with a transient error.
type flakyStore struct {
	store.Store
	failures atomic.Int32
}

func (f *flakyStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return resilience.NewTransientError(eris.New("connection reset by peer"), 0)
	}
	return f.Store.InTx(ctx, fn)
}
