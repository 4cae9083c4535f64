package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/workflow-evolver/internal/config"
	"github.com/sells-group/workflow-evolver/internal/model"
	"github.com/sells-group/workflow-evolver/internal/publish"
	"github.com/sells-group/workflow-evolver/internal/resilience"
	"github.com/sells-group/workflow-evolver/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Store:     config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "evolver.db")},
		Synthesis: config.SynthesisConfig{MaxNodes: 8, MaxRefineIterations: 3},
		Sweep:     config.SweepConfig{MaxConcurrentTenants: 2, StuckAfterMins: 30},
	}
}

func TestInitEnv_SQLite(t *testing.T) {
	defer func(prev *config.Config) { cfg = prev }(cfg)
	cfg = testConfig(t)
	ctx := context.Background()

	env, err := initEnv(ctx, "sweep")
	require.NoError(t, err)
	defer env.Close()
	require.NoError(t, env.Store.Migrate(ctx))
	require.NoError(t, env.Service.Ping(ctx))

	ack, err := env.Service.SubmitEvidence(ctx, model.EvidenceSubmission{
		TenantID: "acme",
		Type:     model.EvidenceExplicitRequest,
		UserID:   "u1",
		Context:  model.EvidenceContext{OriginalRequest: "export the monthly invoices to csv"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ack.PatternID)
	assert.True(t, ack.Degraded, "no embedding endpoint configured")

	patterns, err := env.Service.ListPatterns(ctx, store.PatternFilter{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, patterns, 1)

	rep, err := env.Sweeper.Run(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Tenants, 1)
	assert.Zero(t, rep.Tenants[0].Proposed)
}

func TestInitEnv_InvalidConfig(t *testing.T) {
	defer func(prev *config.Config) { cfg = prev }(cfg)
	cfg = testConfig(t)
	cfg.Store.Driver = "mysql"

	_, err := initEnv(context.Background(), "cli")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store.driver")
}

func TestInitPublisher(t *testing.T) {
	defer func(prev *config.Config) { cfg = prev }(cfg)
	cfg = testConfig(t)

	rc := resilience.FromRetryConfig(cfg.Retry)
	breakers := resilience.NewServiceBreakers(resilience.FromCircuitConfig(cfg.Circuit))

	_, ok := initPublisher(rc, breakers).(publish.LocalPublisher)
	assert.True(t, ok)

	cfg.Publish.WebhookURL = "https://workflows.example.com/hooks/publish"
	_, ok = initPublisher(rc, breakers).(*publish.WebhookPublisher)
	assert.True(t, ok)
}

func TestInitDescriber_NoKey(t *testing.T) {
	defer func(prev *config.Config) { cfg = prev }(cfg)
	cfg = testConfig(t)

	assert.Nil(t, initDescriber())
}
