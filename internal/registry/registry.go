// Package registry maps classified evidence onto canonical need patterns and
// keeps their statistics derived from the evidence rows.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/workflow-evolver/internal/classify"
	"github.com/sells-group/workflow-evolver/internal/gate"
	"github.com/sells-group/workflow-evolver/internal/model"
	"github.com/sells-group/workflow-evolver/internal/resilience"
	"github.com/sells-group/workflow-evolver/internal/store"
)

// SimilarityThreshold is the minimum cosine similarity for a semantic match.
const SimilarityThreshold = 0.85

// How a submission found its pattern.
const (
	MatchHash      = "hash"
	MatchEmbedding = "embedding"
	MatchNew       = "new"
)

// ThresholdsMet mirrors the pattern's gate flags after the submission.
type ThresholdsMet struct {
	Occurrence bool `json:"occurrence" yaml:"occurrence"`
	Impact     bool `json:"impact" yaml:"impact"`
	Confidence bool `json:"confidence" yaml:"confidence"`
}

// Ack is returned to the evidence submitter.
type Ack struct {
	EvidenceID    string              `json:"evidence_id,omitempty" yaml:"evidence_id,omitempty"`
	PatternID     string              `json:"pattern_id,omitempty" yaml:"pattern_id,omitempty"`
	PatternStatus model.PatternStatus `json:"pattern_status,omitempty" yaml:"pattern_status,omitempty"`
	CurrentScore  float64             `json:"current_score" yaml:"current_score"`
	ThresholdsMet ThresholdsMet       `json:"thresholds_met" yaml:"thresholds_met"`
	MatchedBy     string              `json:"matched_by,omitempty" yaml:"matched_by,omitempty"`
	// Degraded is set when semantic dedup was skipped.
	Degraded bool `json:"degraded" yaml:"degraded"`
	// DeadLetterID is set when the submission could not be persisted and
	// was queued for replay instead.
	DeadLetterID string `json:"dead_letter_id,omitempty" yaml:"dead_letter_id,omitempty"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithRetry sets the retry policy for transient store errors.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(r *Registry) { r.retry = cfg }
}

// WithDLQMaxRetries sets how often a dead-lettered submission is replayed.
func WithDLQMaxRetries(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.dlqMaxRetries = n
		}
	}
}

// Registry ingests evidence.
type Registry struct {
	store         store.Store
	embedder      Embedder
	retry         resilience.RetryConfig
	dlqMaxRetries int
	now           func() time.Time
}

// New creates a Registry. A nil embedder disables semantic dedup.
func New(st store.Store, embedder Embedder, opts ...Option) *Registry {
	if embedder == nil {
		embedder = disabledEmbedder{}
	}
	r := &Registry{
		store:         st,
		embedder:      embedder,
		retry:         resilience.DefaultRetryConfig(),
		dlqMaxRetries: 5,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.retry.OnRetry = resilience.RetryLogger("registry", "submit_evidence")
	return r
}

// Submit classifies sub, attaches it to a pattern and re-evaluates the gate,
// all in one transaction. Validation errors are returned as-is. Any other
// failure that survives retries is written to the dead-letter queue and
// reported through Ack.DeadLetterID.
func (r *Registry) Submit(ctx context.Context, sub model.EvidenceSubmission) (*Ack, error) {
	sub.Type = model.ParseEvidenceType(string(sub.Type))
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	if sub.OccurredAt.IsZero() {
		sub.OccurredAt = r.now().UTC()
	}

	ack, err := r.ingest(ctx, sub)
	if err == nil {
		return ack, nil
	}
	if errors.Is(err, model.ErrValidation) {
		return nil, err
	}

	id, dlqErr := r.deadLetter(context.WithoutCancel(ctx), sub, err)
	if dlqErr != nil {
		return nil, eris.Wrapf(err, "registry: submit failed and dead-letter failed (%v)", dlqErr)
	}
	zap.L().Error("registry: evidence dead-lettered",
		zap.String("tenant", sub.TenantID),
		zap.String("dlq_id", id),
		zap.Error(err),
	)
	return &Ack{DeadLetterID: id}, nil
}

type prepared struct {
	result     classify.Result
	hash       string
	hashHit    bool
	thresholds model.ThresholdConfig
}

func (r *Registry) ingest(ctx context.Context, sub model.EvidenceSubmission) (*Ack, error) {
	prep, err := resilience.DoVal(ctx, r.retry, func(ctx context.Context) (prepared, error) {
		return r.prepare(ctx, sub)
	})
	if err != nil {
		return nil, err
	}

	var emb Embedding
	if !prep.hashHit {
		emb = r.embedder.Embed(ctx, prep.result.Text)
	}

	return resilience.DoVal(ctx, r.retry, func(ctx context.Context) (*Ack, error) {
		return r.persist(ctx, sub, prep, emb)
	})
}

func (r *Registry) prepare(ctx context.Context, sub model.EvidenceSubmission) (prepared, error) {
	weights, err := r.store.GetEvidenceWeights(ctx, sub.TenantID)
	if err != nil {
		return prepared{}, eris.Wrap(err, "registry: load evidence weights")
	}
	res, err := classify.Classify(sub, weights)
	if err != nil {
		return prepared{}, err
	}
	thresholds, err := r.store.GetThresholdConfig(ctx, sub.TenantID)
	if err != nil {
		return prepared{}, eris.Wrap(err, "registry: load thresholds")
	}

	prep := prepared{result: res, hash: res.Signature.Hash(), thresholds: thresholds}
	err = r.store.InTx(ctx, func(tx store.Tx) error {
		p, err := tx.PatternByHash(ctx, sub.TenantID, prep.hash)
		prep.hashHit = p != nil
		return err
	})
	if err != nil {
		return prepared{}, eris.Wrap(err, "registry: hash lookup")
	}
	return prep, nil
}

func (r *Registry) persist(ctx context.Context, sub model.EvidenceSubmission, prep prepared, emb Embedding) (*Ack, error) {
	now := r.now().UTC()
	ack := &Ack{Degraded: emb.Degraded}

	err := r.store.InTx(ctx, func(tx store.Tx) error {
		patternID, matchedBy, err := r.resolvePattern(ctx, tx, sub, prep, emb, now)
		if err != nil {
			return err
		}
		if _, err := tx.LockPattern(ctx, sub.TenantID, patternID); err != nil {
			return err
		}

		ev := &model.Evidence{
			ID:               uuid.New().String(),
			TenantID:         sub.TenantID,
			PatternID:        patternID,
			Type:             prep.result.Type,
			Weight:           prep.result.Weight,
			UserID:           sub.UserID,
			SessionID:        sub.SessionID,
			ExecutionID:      sub.ExecutionID,
			FailedWorkflowID: sub.FailedWorkflowID,
			Context:          sub.Context,
			OccurredAt:       sub.OccurredAt,
			CreatedAt:        now,
		}
		if err := tx.InsertEvidence(ctx, ev); err != nil {
			return err
		}

		p, err := tx.RecomputeAggregates(ctx, sub.TenantID, patternID)
		if err != nil {
			return err
		}
		if upd, _ := gate.Apply(*p, prep.thresholds, now); upd != nil {
			if err := tx.UpdatePattern(ctx, *upd); err != nil {
				return err
			}
			p.Status = upd.To
			p.OccurrenceMet = *upd.OccurrenceMet
			p.ImpactMet = *upd.ImpactMet
		}

		ack.EvidenceID = ev.ID
		ack.PatternID = p.ID
		ack.PatternStatus = p.Status
		ack.CurrentScore = p.TotalEvidenceScore
		ack.ThresholdsMet = ThresholdsMet{
			Occurrence: p.OccurrenceMet,
			Impact:     p.ImpactMet,
			Confidence: p.ConfidenceMet,
		}
		ack.MatchedBy = matchedBy
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "registry: persist evidence")
	}

	zap.L().Debug("registry: evidence accepted",
		zap.String("tenant", sub.TenantID),
		zap.String("pattern_id", ack.PatternID),
		zap.String("matched_by", ack.MatchedBy),
		zap.String("status", string(ack.PatternStatus)),
		zap.Float64("score", ack.CurrentScore),
	)
	return ack, nil
}

// resolvePattern applies the lookup order: exact hash, then nearest
// embedding at or above SimilarityThreshold, then a new pattern.
func (r *Registry) resolvePattern(ctx context.Context, tx store.Tx, sub model.EvidenceSubmission,
	prep prepared, emb Embedding, now time.Time,
) (string, string, error) {
	p, err := tx.PatternByHash(ctx, sub.TenantID, prep.hash)
	if err != nil {
		return "", "", err
	}
	if p != nil {
		return p.ID, MatchHash, nil
	}

	if !emb.Degraded && len(emb.Vector) > 0 {
		m, err := tx.NearestPattern(ctx, sub.TenantID, emb.Vector)
		if err != nil {
			return "", "", err
		}
		if m != nil && m.Similarity >= SimilarityThreshold {
			return m.PatternID, MatchEmbedding, nil
		}
	}

	id, err := tx.UpsertPattern(ctx, &model.NeedPattern{
		ID:                uuid.New().String(),
		TenantID:          sub.TenantID,
		Signature:         prep.result.Signature,
		SignatureHash:     prep.hash,
		Embedding:         emb.Vector,
		FirstOccurrenceAt: sub.OccurredAt,
		LastOccurrenceAt:  sub.OccurredAt,
		Status:            model.PatternAccumulating,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return "", "", err
	}
	return id, MatchNew, nil
}
