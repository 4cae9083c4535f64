package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/workflow-evolver/internal/config"
)

func testMonitoringConfig() config.MonitoringConfig {
	return config.MonitoringConfig{
		DLQDepthThreshold: 50,
		VetoRateThreshold: 0.5,
		StuckPatternMins:  30,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())
	alerts := a.Evaluate(&MetricsSnapshot{
		ProposalsCreated: 10,
		ProposalsVetoed:  2,
		VetoRate:         0.2,
		DLQDepth:         3,
		LookbackHours:    24,
	})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate(t *testing.T) {
	tests := []struct {
		name     string
		snap     MetricsSnapshot
		want     AlertType
		severity string
		contains string
	}{
		{
			name:     "dlq depth",
			snap:     MetricsSnapshot{DLQDepth: 50},
			want:     AlertDLQDepth,
			severity: "high",
			contains: "depth 50",
		},
		{
			name:     "veto rate",
			snap:     MetricsSnapshot{ProposalsCreated: 8, ProposalsVetoed: 6, VetoRate: 0.75, LookbackHours: 24},
			want:     AlertVetoRate,
			severity: "medium",
			contains: "75.0%",
		},
		{
			name:     "stuck patterns",
			snap:     MetricsSnapshot{StuckPatterns: 2},
			want:     AlertStuckPatterns,
			severity: "medium",
			contains: "over 30m",
		},
		{
			name:     "invariant violation",
			snap:     MetricsSnapshot{InvariantViolations: 1},
			want:     AlertInvariantViolation,
			severity: "critical",
			contains: "integrity check",
		},
		{
			name:     "sweep failure",
			snap:     MetricsSnapshot{FailedTenants: 3},
			want:     AlertSweepFailure,
			severity: "high",
			contains: "3 tenant(s)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alerts := NewAlerter(testMonitoringConfig()).Evaluate(&tt.snap)
			require.Len(t, alerts, 1)
			assert.Equal(t, tt.want, alerts[0].Type)
			assert.Equal(t, tt.severity, alerts[0].Severity)
			assert.Contains(t, alerts[0].Message, tt.contains)
		})
	}
}

func TestAlerter_Evaluate_VetoRateNeedsSample(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())
	alerts := a.Evaluate(&MetricsSnapshot{ProposalsCreated: 4, ProposalsVetoed: 4, VetoRate: 1})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_DisabledThresholds(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	alerts := a.Evaluate(&MetricsSnapshot{DLQDepth: 999, ProposalsCreated: 100, VetoRate: 0.99})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())
	alerts := a.Evaluate(&MetricsSnapshot{
		DLQDepth:            80,
		StuckPatterns:       1,
		InvariantViolations: 2,
	})
	require.Len(t, alerts, 3)
	assert.Equal(t, AlertInvariantViolation, alerts[0].Type)
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertDLQDepth, Severity: "high", Message: "test alert 1"},
		{Type: AlertStuckPatterns, Severity: "medium", Message: "test alert 2"},
	})
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertDLQDepth, Message: "test"}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertDLQDepth, Message: "test"}})
	assert.Equal(t, 0, sent)
}
