// Package monitoring watches pipeline health and posts webhook alerts for
// DLQ growth, veto spikes, stuck synthesis claims and integrity failures.
package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/workflow-evolver/internal/config"
)

const (
	defaultCheckInterval = 5 * time.Minute
	// defaultQuietPeriod is how long an alert type stays muted after delivery.
	defaultQuietPeriod = time.Hour
)

// Checker polls the collector on an interval and forwards new alerts.
// A condition that persists is re-sent at most once per quiet period.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	quiet     time.Duration
	now       func() time.Time

	mu       sync.Mutex
	lastSent map[AlertType]time.Time
}

// NewChecker wires a collector and alerter into a polling loop.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		quiet:     defaultQuietPeriod,
		now:       time.Now,
		lastSent:  make(map[AlertType]time.Time),
	}
}

func (c *Checker) interval() time.Duration {
	if c.cfg.CheckIntervalSecs <= 0 {
		return defaultCheckInterval
	}
	return time.Duration(c.cfg.CheckIntervalSecs) * time.Second
}

// Run blocks, checking once per interval until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	every := c.interval()
	zap.L().Info("monitoring: checker started",
		zap.Duration("interval", every),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			zap.L().Info("monitoring: checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check takes one snapshot and returns every alert it triggers. Only alerts
// outside their quiet period are delivered.
func (c *Checker) Check(ctx context.Context) []Alert {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		zap.L().Error("monitoring: collect", zap.Error(err))
		return nil
	}

	triggered := c.alerter.Evaluate(snap)
	if len(triggered) == 0 {
		return nil
	}

	fresh := c.unmuted(triggered)
	sent := c.alerter.SendAlerts(ctx, fresh)
	if sent > 0 {
		c.mute(fresh)
	}
	zap.L().Info("monitoring: check complete",
		zap.Int("triggered", len(triggered)),
		zap.Int("muted", len(triggered)-len(fresh)),
		zap.Int("sent", sent),
	)
	return triggered
}

func (c *Checker) unmuted(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var out []Alert
	for _, a := range alerts {
		if last, ok := c.lastSent[a.Type]; ok && now.Sub(last) < c.quiet {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (c *Checker) mute(alerts []Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for _, a := range alerts {
		c.lastSent[a.Type] = now
	}
}
