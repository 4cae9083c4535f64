package main

import (
	"context"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/workflow-evolver/internal/api"
	"github.com/sells-group/workflow-evolver/internal/evolution"
	"github.com/sells-group/workflow-evolver/internal/publish"
	"github.com/sells-group/workflow-evolver/internal/registry"
	"github.com/sells-group/workflow-evolver/internal/resilience"
	"github.com/sells-group/workflow-evolver/internal/store"
	"github.com/sells-group/workflow-evolver/internal/sweep"
	"github.com/sells-group/workflow-evolver/internal/synth"
	"github.com/sells-group/workflow-evolver/pkg/anthropic"
	"github.com/sells-group/workflow-evolver/pkg/embedding"
)

var _ api.Service = (*evolution.Service)(nil)

// appEnv holds the wired components shared by commands.
type appEnv struct {
	Store    store.Store
	Registry *registry.Registry
	Service  *evolution.Service
	Sweeper  *sweep.Sweeper
}

// Close releases the store.
func (e *appEnv) Close() {
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

// initEnv validates config for mode and wires the store, registry,
// synthesizer, sweeper and service.
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	rc := resilience.FromRetryConfig(cfg.Retry)
	breakers := resilience.NewServiceBreakers(resilience.FromCircuitConfig(cfg.Circuit))
	reg := registry.New(st, initEmbedder(breakers), registry.WithRetry(rc))
	sy := synth.New(synth.Config{
		MaxNodes:            cfg.Synthesis.MaxNodes,
		MaxRefineIterations: cfg.Synthesis.MaxRefineIterations,
		DescribeTimeout:     time.Duration(cfg.Anthropic.TimeoutSecs) * time.Second,
	}, initDescriber())

	sw := sweep.New(st, sy, sweep.Config{
		MaxConcurrentTenants: cfg.Sweep.MaxConcurrentTenants,
		StuckAfter:           time.Duration(cfg.Sweep.StuckAfterMins) * time.Minute,
		ReplayDLQ:            cfg.Sweep.ReplayDLQ,
	}, sweep.WithReplayer(reg))

	return &appEnv{
		Store:    st,
		Registry: reg,
		Service:  evolution.New(st, reg, initPublisher(rc, breakers)),
		Sweeper:  sw,
	}, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEmbedder returns a degraded embedder when no endpoint is configured.
func initEmbedder(breakers *resilience.ServiceBreakers) registry.Embedder {
	if cfg.Embedding.BaseURL == "" {
		zap.L().Info("embedding endpoint not configured, semantic dedup disabled")
		return registry.NewEmbedder(nil, 0, nil)
	}
	client := embedding.NewClient(cfg.Embedding.Key,
		embedding.WithBaseURL(cfg.Embedding.BaseURL),
		embedding.WithModel(cfg.Embedding.Model),
		embedding.WithDimensions(cfg.Embedding.Dimensions),
		embedding.WithRateLimit(cfg.Embedding.RatePerSecond, cfg.Embedding.Burst),
	)
	return registry.NewEmbedder(client, cfg.Embedding.Timeout(), breakers.Get("embedding"))
}

// initDescriber returns nil when no Anthropic key is set, which makes the
// synthesizer name proposals from templates.
func initDescriber() synth.Describer {
	if cfg.Anthropic.Key == "" {
		return nil
	}
	client := anthropic.NewClient(cfg.Anthropic.Key,
		option.WithRequestTimeout(time.Duration(cfg.Anthropic.TimeoutSecs)*time.Second),
	)
	return synth.NewLLMDescriber(client, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens)
}

func initPublisher(rc resilience.RetryConfig, breakers *resilience.ServiceBreakers) publish.Publisher {
	if cfg.Publish.WebhookURL == "" {
		return publish.LocalPublisher{}
	}
	return publish.NewWebhookPublisher(cfg.Publish.WebhookURL, cfg.Publish.Token,
		time.Duration(cfg.Publish.TimeoutSecs)*time.Second,
		publish.WithRetry(rc), publish.WithBreaker(breakers.Get("publish")))
}
