package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/workflow-evolver/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertDLQDepth           AlertType = "dlq_depth"
	AlertVetoRate           AlertType = "veto_rate"
	AlertStuckPatterns      AlertType = "stuck_patterns"
	AlertInvariantViolation AlertType = "invariant_violation"
	AlertSweepFailure       AlertType = "sweep_failure"
)

// minProposalsForVetoRate keeps small samples from tripping the veto alert.
const minProposalsForVetoRate = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Stored statistics disagree with evidence: always page.
	if snap.InvariantViolations > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertInvariantViolation,
			Severity: "critical",
			Message:  fmt.Sprintf("%d pattern(s) failed the integrity check in the last sweep", snap.InvariantViolations),
			Details: map[string]any{
				"violations":    snap.InvariantViolations,
				"last_sweep_at": snap.LastSweepAt,
			},
			Timestamp: now,
		})
	}

	if snap.FailedTenants > 0 {
		alerts = append(alerts, Alert{
			Type:      AlertSweepFailure,
			Severity:  "high",
			Message:   fmt.Sprintf("%d tenant(s) failed in the last sweep", snap.FailedTenants),
			Details:   map[string]any{"failed_tenants": snap.FailedTenants},
			Timestamp: now,
		})
	}

	if a.cfg.DLQDepthThreshold > 0 && snap.DLQDepth >= a.cfg.DLQDepthThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDLQDepth,
			Severity: "high",
			Message: fmt.Sprintf("Evidence DLQ depth %d reached threshold %d",
				snap.DLQDepth, a.cfg.DLQDepthThreshold),
			Details: map[string]any{
				"depth":     snap.DLQDepth,
				"threshold": a.cfg.DLQDepthThreshold,
			},
			Timestamp: now,
		})
	}

	if a.cfg.VetoRateThreshold > 0 && snap.ProposalsCreated >= minProposalsForVetoRate &&
		snap.VetoRate > a.cfg.VetoRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertVetoRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Governance veto rate %.1f%% exceeds threshold %.1f%% (%d vetoed / %d created in last %dh)",
				snap.VetoRate*100, a.cfg.VetoRateThreshold*100,
				snap.ProposalsVetoed, snap.ProposalsCreated, snap.LookbackHours,
			),
			Details: map[string]any{
				"veto_rate": snap.VetoRate,
				"threshold": a.cfg.VetoRateThreshold,
				"vetoed":    snap.ProposalsVetoed,
				"created":   snap.ProposalsCreated,
			},
			Timestamp: now,
		})
	}

	if snap.StuckPatterns > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStuckPatterns,
			Severity: "medium",
			Message: fmt.Sprintf("%d pattern(s) stuck in proposal_generating for over %dm",
				snap.StuckPatterns, a.cfg.StuckPatternMins),
			Details:   map[string]any{"stuck": snap.StuckPatterns},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
