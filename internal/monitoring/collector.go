package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/workflow-evolver/internal/store"
	"github.com/sells-group/workflow-evolver/internal/sweep"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Proposal metrics (within lookback window).
	ProposalsCreated int     `json:"proposals_created"`
	ProposalsVetoed  int     `json:"proposals_vetoed"`
	PendingAdmin     int     `json:"pending_admin"`
	Published        int     `json:"published"`
	VetoRate         float64 `json:"veto_rate"`

	// Ingestion and synthesis health.
	DLQDepth      int `json:"dlq_depth"`
	StuckPatterns int `json:"stuck_patterns"`

	// From the most recent sweep.
	InvariantViolations int        `json:"invariant_violations"`
	LastSweepAt         *time.Time `json:"last_sweep_at,omitempty"`
	FailedTenants       int        `json:"failed_tenants"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// StatsReader is the subset of store.Store the collector needs.
type StatsReader interface {
	ProposalStatsSince(ctx context.Context, since time.Time) (store.ProposalStats, error)
	CountDLQ(ctx context.Context) (int, error)
	CountStuckPatterns(ctx context.Context, before time.Time) (int, error)
}

// Collector gathers metrics from the store and the latest sweep report.
type Collector struct {
	store      StatsReader
	stuckAfter time.Duration

	mu        sync.Mutex
	lastSweep *sweep.Report
}

// NewCollector creates a metrics collector. Patterns in
// proposal_generating longer than stuckAfter count as stuck.
func NewCollector(st StatsReader, stuckAfter time.Duration) *Collector {
	if stuckAfter <= 0 {
		stuckAfter = 30 * time.Minute
	}
	return &Collector{store: st, stuckAfter: stuckAfter}
}

// ObserveSweep records the latest sweep report.
func (c *Collector) ObserveSweep(rep *sweep.Report) {
	if rep == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSweep = rep
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	stats, err := c.store.ProposalStatsSince(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: proposal stats")
	}
	snap.ProposalsCreated = stats.Created
	snap.ProposalsVetoed = stats.Vetoed
	snap.PendingAdmin = stats.PendingAdmin
	snap.Published = stats.Published
	if stats.Created > 0 {
		snap.VetoRate = float64(stats.Vetoed) / float64(stats.Created)
	}

	if snap.DLQDepth, err = c.store.CountDLQ(ctx); err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	if snap.StuckPatterns, err = c.store.CountStuckPatterns(ctx, now.Add(-c.stuckAfter)); err != nil {
		return nil, eris.Wrap(err, "monitoring: count stuck patterns")
	}

	c.mu.Lock()
	if c.lastSweep != nil {
		at := c.lastSweep.StartedAt
		snap.LastSweepAt = &at
		snap.InvariantViolations = c.lastSweep.Violations
		snap.FailedTenants = c.lastSweep.Failed
	}
	c.mu.Unlock()

	return snap, nil
}
