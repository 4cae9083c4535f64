package registry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/workflow-evolver/internal/model"
	"github.com/sells-group/workflow-evolver/internal/resilience"
	"github.com/sells-group/workflow-evolver/internal/store"
)

// ReplayReport summarizes one DLQ replay pass.
type ReplayReport struct {
	Attempted int `json:"attempted" yaml:"attempted"`
	Replayed  int `json:"replayed" yaml:"replayed"`
	Failed    int `json:"failed" yaml:"failed"`
}

func (r *Registry) deadLetter(ctx context.Context, sub model.EvidenceSubmission, cause error) (string, error) {
	now := r.now().UTC()
	entry := model.DLQEntry{
		ID:           uuid.New().String(),
		Submission:   sub,
		Error:        cause.Error(),
		ErrorType:    resilience.ClassifyError(cause),
		MaxRetries:   r.dlqMaxRetries,
		NextRetryAt:  now.Add(dlqBackoff(0)),
		CreatedAt:    now,
		LastFailedAt: now,
	}
	if err := r.store.EnqueueDLQ(ctx, entry); err != nil {
		return "", eris.Wrap(err, "registry: enqueue dlq")
	}
	return entry.ID, nil
}

// ReplayDLQ re-ingests dead-lettered submissions that are due. Successful
// entries are removed; failures are rescheduled with a growing delay until
// their retry budget is spent.
func (r *Registry) ReplayDLQ(ctx context.Context, limit int) (ReplayReport, error) {
	var report ReplayReport
	entries, err := r.store.DequeueDLQ(ctx, store.DLQFilter{Limit: limit})
	if err != nil {
		return report, eris.Wrap(err, "registry: dequeue dlq")
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Attempted++

		ack, err := r.ingest(ctx, e.Submission)
		if err == nil {
			if err := r.store.RemoveDLQ(ctx, e.ID); err != nil {
				return report, eris.Wrapf(err, "registry: remove dlq %s", e.ID)
			}
			report.Replayed++
			zap.L().Info("registry: dlq entry replayed",
				zap.String("dlq_id", e.ID),
				zap.String("tenant", e.Submission.TenantID),
				zap.String("pattern_id", ack.PatternID),
			)
			continue
		}

		report.Failed++
		next := r.now().UTC().Add(dlqBackoff(e.RetryCount + 1))
		if errors.Is(err, model.ErrValidation) {
			zap.L().Warn("registry: dlq entry no longer valid", zap.String("dlq_id", e.ID), zap.Error(err))
		}
		if incErr := r.store.IncrementDLQRetry(ctx, e.ID, next, err.Error()); incErr != nil {
			return report, eris.Wrapf(incErr, "registry: reschedule dlq %s", e.ID)
		}
	}
	return report, nil
}

// dlqBackoff doubles from one minute and caps at six hours.
func dlqBackoff(retry int) time.Duration {
	const ceiling = 6 * time.Hour
	if retry > 9 {
		return ceiling
	}
	d := time.Duration(math.Pow(2, float64(retry))) * time.Minute
	return min(d, ceiling)
}
