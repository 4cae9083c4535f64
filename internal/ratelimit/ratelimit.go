// Package ratelimit bounds proposal throughput per tenant and tracks the
// decline cooldown for pattern lineages.
package ratelimit

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/workflow-evolver/internal/model"
	"github.com/sells-group/workflow-evolver/internal/store"
)

// Windows over which proposal creation is counted.
const (
	Day  = 24 * time.Hour
	Week = 7 * Day
)

// Reader is the subset of store.Store the limiter reads.
type Reader interface {
	CountProposalsSince(ctx context.Context, tenantID string, since time.Time) (int, error)
	LastDeclineAt(ctx context.Context, tenantID, patternID string) (*time.Time, error)
}

// Usage is the number of proposals created in each trailing window.
type Usage struct {
	Day  int
	Week int
}

// Headroom is what is left of the tenant's quota.
type Headroom struct {
	Day  int
	Week int
}

// Remaining is the number of proposals that may still be created, which
// is bounded by both windows.
func (h Headroom) Remaining() int {
	return max(0, min(h.Day, h.Week))
}

// Exhausted reports whether either window is used up.
func (h Headroom) Exhausted() bool {
	return h.Remaining() == 0
}

// Limiter answers quota and cooldown questions from stored proposals.
type Limiter struct {
	r Reader
}

// New creates a Limiter.
func New(r Reader) *Limiter {
	return &Limiter{r: r}
}

// Usage counts proposals created for tenant in the windows ending at now.
func (l *Limiter) Usage(ctx context.Context, tenantID string, now time.Time) (Usage, error) {
	day, err := l.r.CountProposalsSince(ctx, tenantID, now.Add(-Day))
	if err != nil {
		return Usage{}, eris.Wrap(err, "ratelimit: count day")
	}
	week, err := l.r.CountProposalsSince(ctx, tenantID, now.Add(-Week))
	if err != nil {
		return Usage{}, eris.Wrap(err, "ratelimit: count week")
	}
	return Usage{Day: day, Week: week}, nil
}

// Headroom returns the remaining day and week quota for tenant.
func (l *Limiter) Headroom(ctx context.Context, tenantID string, cfg model.ThresholdConfig, now time.Time) (Headroom, error) {
	u, err := l.Usage(ctx, tenantID, now)
	if err != nil {
		return Headroom{}, err
	}
	return HeadroomFor(u, cfg), nil
}

// HeadroomFor applies cfg's quotas to u.
func HeadroomFor(u Usage, cfg model.ThresholdConfig) Headroom {
	return Headroom{
		Day:  max(0, cfg.MaxProposalsPerDay-u.Day),
		Week: max(0, cfg.MaxProposalsPerWeek-u.Week),
	}
}

// InCooldown reports whether the most recent decline or veto on any
// proposal for patternID is younger than the tenant's cooldown. The second
// return value is when the cooldown ends.
func (l *Limiter) InCooldown(ctx context.Context, tenantID, patternID string, cfg model.ThresholdConfig, now time.Time) (bool, time.Time, error) {
	at, err := l.r.LastDeclineAt(ctx, tenantID, patternID)
	if err != nil {
		return false, time.Time{}, eris.Wrap(err, "ratelimit: last decline")
	}
	if at == nil {
		return false, time.Time{}, nil
	}
	until := at.Add(cfg.DeclineCooldown())
	return now.Before(until), until, nil
}

// TxUsage counts proposals inside tx, excluding excludeID, so the count
// agrees with writes made earlier in the same transaction.
func TxUsage(ctx context.Context, tx store.Tx, tenantID, excludeID string, now time.Time) (Usage, error) {
	day, err := tx.CountProposalsSince(ctx, tenantID, now.Add(-Day), excludeID)
	if err != nil {
		return Usage{}, eris.Wrap(err, "ratelimit: count day")
	}
	week, err := tx.CountProposalsSince(ctx, tenantID, now.Add(-Week), excludeID)
	if err != nil {
		return Usage{}, eris.Wrap(err, "ratelimit: count week")
	}
	return Usage{Day: day, Week: week}, nil
}
