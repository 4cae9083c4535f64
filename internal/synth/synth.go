// Package synth turns a gated need pattern and its evidence into a
// candidate workflow graph.
package synth

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/workflow-evolver/internal/model"
)

// Confidence floors.
const (
	MinProvisionalConfidence = 0.5
	MinOverallConfidence     = 0.6
	DegradedPenalty          = 0.05
)

// Config bounds synthesized graphs.
type Config struct {
	MaxNodes            int
	MaxRefineIterations int
	DescribeTimeout     time.Duration
}

// DefaultConfig returns the built-in bounds.
func DefaultConfig() Config {
	return Config{MaxNodes: 8, MaxRefineIterations: 3, DescribeTimeout: 20 * time.Second}
}

// Outcome is a successful synthesis.
type Outcome struct {
	Graph       model.WorkflowGraph
	Confidence  float64
	Coverage    float64
	Provisional float64
	Summary     model.EvidenceSummary
	Title       string
	Description string
	// Degraded is set when a configured describer failed and naming fell
	// back to templates.
	Degraded bool
}

// Synthesizer builds proposals. A nil Describer always uses templates
// without a confidence penalty.
type Synthesizer struct {
	cfg       Config
	describer Describer
}

// New creates a Synthesizer.
func New(cfg Config, describer Describer) *Synthesizer {
	def := DefaultConfig()
	if cfg.MaxNodes <= 0 {
		cfg.MaxNodes = def.MaxNodes
	}
	if cfg.MaxRefineIterations <= 0 {
		cfg.MaxRefineIterations = def.MaxRefineIterations
	}
	if cfg.DescribeTimeout <= 0 {
		cfg.DescribeTimeout = def.DescribeTimeout
	}
	return &Synthesizer{cfg: cfg, describer: describer}
}

// Synthesize runs analysis, structure selection and naming for p. It
// returns an error wrapping model.ErrInsufficientSignal when either
// confidence floor is not reached.
func (s *Synthesizer) Synthesize(ctx context.Context, p model.NeedPattern, evidence []model.Evidence) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a := Analyze(p, evidence)
	if a.Provisional < MinProvisionalConfidence {
		return nil, eris.Wrapf(model.ErrInsufficientSignal, "synth: provisional confidence %.2f below %.2f", a.Provisional, MinProvisionalConfidence)
	}

	st := Plan(p.Signature.Intent, a, s.cfg.MaxNodes)
	g := Materialize(st, s.cfg.MaxRefineIterations)
	coverage := Coverage(a, g)

	confidence := (a.Provisional + coverage) / 2
	if confidence < MinOverallConfidence {
		return nil, eris.Wrapf(model.ErrInsufficientSignal, "synth: confidence %.2f below %.2f", confidence, MinOverallConfidence)
	}

	out := &Outcome{
		Graph:       g,
		Coverage:    coverage,
		Provisional: a.Provisional,
		Summary:     summarize(p, a),
	}

	req := DescribeRequest{
		Intent:    p.Signature.Intent,
		Domains:   p.Signature.Domains,
		Reasons:   a.TopReasons(5),
		NodeTypes: g.NodeTypes(),
		Samples:   a.Samples,
	}
	desc, degraded, err := s.describe(ctx, req)
	if err != nil {
		return nil, err
	}
	if degraded {
		// The floor applies to the confidence that is stored.
		confidence -= DegradedPenalty
		if confidence < MinOverallConfidence {
			return nil, eris.Wrapf(model.ErrInsufficientSignal, "synth: degraded confidence %.2f below %.2f", confidence, MinOverallConfidence)
		}
	}
	out.Title = desc.Title
	out.Description = desc.Description
	out.Degraded = degraded
	out.Confidence = clamp01(confidence)
	return out, nil
}

// describe names the proposal. Without a describer it uses the template.
// A configured describer that fails or times out also falls back to the
// template and reports the result as degraded.
func (s *Synthesizer) describe(ctx context.Context, req DescribeRequest) (*Description, bool, error) {
	if s.describer == nil {
		zap.L().Debug("synth: no describer configured, using template", zap.String("intent", req.Intent))
		t := templateDescription(req)
		return &t, false, nil
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DescribeTimeout)
	defer cancel()
	desc, err := s.describer.Describe(dctx, req)
	if err == nil {
		return desc, false, nil
	}
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	zap.L().Warn("synth: describe failed, using template",
		zap.String("intent", req.Intent),
		zap.Error(err),
	)
	t := templateDescription(req)
	return &t, true, nil
}

func summarize(p model.NeedPattern, a Analysis) model.EvidenceSummary {
	caps := make([]string, len(a.Capabilities))
	for i, c := range a.Capabilities {
		caps[i] = string(c)
	}
	return model.EvidenceSummary{
		EvidenceCount:       p.EvidenceCount,
		UniqueUsersAffected: p.UniqueUsersAffected,
		TotalEvidenceScore:  p.TotalEvidenceScore,
		TypeCounts:          a.TypeCounts,
		TopFailureReasons:   a.TopReasons(5),
		Capabilities:        caps,
		Intent:              p.Signature.Intent,
		Domains:             p.Signature.Domains,
	}
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}
