package registry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/workflow-evolver/internal/resilience"
	"github.com/sells-group/workflow-evolver/pkg/embedding"
)

// DefaultEmbedTimeout bounds a single embedding lookup.
const DefaultEmbedTimeout = 3 * time.Second

// Embedding is the outcome of an embedding lookup. A degraded result has no
// vector and the registry falls back to hash-only dedup.
type Embedding struct {
	Vector   []float32
	Degraded bool
	Reason   string
}

// Embedder produces embeddings for dedup. It never blocks ingestion: every
// failure is reported as a degraded result instead of an error.
type Embedder interface {
	Embed(ctx context.Context, text string) Embedding
}

// ClientEmbedder guards an embedding.Client with a timeout and a circuit
// breaker.
type ClientEmbedder struct {
	client  embedding.Client
	timeout time.Duration
	breaker *resilience.CircuitBreaker
}

// NewEmbedder returns an Embedder backed by client. A nil client yields an
// Embedder that always degrades.
func NewEmbedder(client embedding.Client, timeout time.Duration, breaker *resilience.CircuitBreaker) Embedder {
	if client == nil {
		return disabledEmbedder{}
	}
	if timeout <= 0 {
		timeout = DefaultEmbedTimeout
	}
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}
	return &ClientEmbedder{client: client, timeout: timeout, breaker: breaker}
}

// Embed implements Embedder.
func (e *ClientEmbedder) Embed(ctx context.Context, text string) Embedding {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	vec, err := resilience.ExecuteVal(ctx, e.breaker, func(ctx context.Context) ([]float32, error) {
		return e.client.Embed(ctx, text)
	})
	if err != nil {
		reason := "embedding unavailable"
		switch {
		case errors.Is(err, resilience.ErrCircuitOpen):
			reason = "embedding circuit open"
		case errors.Is(err, context.DeadlineExceeded):
			reason = "embedding timed out"
		}
		zap.L().Warn("registry: embedding degraded",
			zap.String("reason", reason),
			zap.Error(err),
		)
		return Embedding{Degraded: true, Reason: reason}
	}
	return Embedding{Vector: vec}
}

type disabledEmbedder struct{}

func (disabledEmbedder) Embed(context.Context, string) Embedding {
	return Embedding{Degraded: true, Reason: "embedding disabled"}
}
