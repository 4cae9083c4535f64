package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/workflow-evolver/internal/config"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestDo_SucceedsAfterTransient(t *testing.T) {
	calls := 0
	var retried []int
	cfg := fastRetry(3)
	cfg.OnRetry = func(attempt int, _ error) { retried = append(retried, attempt) }

	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("503"), 503)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetry(5), func(context.Context) error {
		calls++
		return errors.New("unique violation")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetry(4), func(context.Context) error {
		calls++
		return NewTransientError(errors.New("database is locked"), 0)
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, RetryConfig{MaxAttempts: 5, InitialBackoff: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return NewTransientError(errors.New("timeout"), 0)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoVal_ReturnsValue(t *testing.T) {
	calls := 0
	v, err := DoVal(context.Background(), fastRetry(3), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", NewTransientError(errors.New("502"), 502)
		}
		return "pattern-1", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "pattern-1", v)
}

func TestDo_CustomShouldRetry(t *testing.T) {
	calls := 0
	cfg := fastRetry(3)
	cfg.ShouldRetry = func(error) bool { return true }
	_ = Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return errors.New("anything")
	})
	assert.Equal(t, 3, calls)
}

func TestBackoff_CappedAndNonNegative(t *testing.T) {
	cfg := applyDefaults(RetryConfig{InitialBackoff: time.Second, MaxBackoff: 3 * time.Second, Multiplier: 10, JitterFraction: 0})
	assert.Equal(t, time.Second, backoff(0, cfg))
	assert.Equal(t, 3*time.Second, backoff(1, cfg))
	assert.Equal(t, 3*time.Second, backoff(5, cfg))

	cfg.JitterFraction = 0.5
	for i := 0; i < 20; i++ {
		d := backoff(0, cfg)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestFromRetryConfig(t *testing.T) {
	cfg := FromRetryConfig(config.RetryConfig{MaxAttempts: 5, InitialBackoffMs: 100, MaxBackoffMs: 1000, Multiplier: 3, JitterFraction: 0.1})
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, time.Second, cfg.MaxBackoff)
	assert.InDelta(t, 3.0, cfg.Multiplier, 0.001)

	def := FromRetryConfig(config.RetryConfig{})
	assert.Equal(t, DefaultRetryConfig().MaxAttempts, def.MaxAttempts)
}

func TestFromCircuitConfig(t *testing.T) {
	cfg := FromCircuitConfig(config.CircuitConfig{FailureThreshold: 2, ResetTimeoutSecs: 9})
	assert.Equal(t, 2, cfg.FailureThreshold)
	assert.Equal(t, 9*time.Second, cfg.ResetTimeout)
}
