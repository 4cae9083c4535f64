package governance

import (
	"math"

	"github.com/sells-group/workflow-evolver/internal/classify"
	"github.com/sells-group/workflow-evolver/internal/model"
)

// Risk weights for the overall score. They sum to 1.
const (
	CostWeight       = 0.25
	LatencyWeight    = 0.25
	QualityWeight    = 0.30
	ComplianceWeight = 0.20
)

// Assess scores p's graph and synthesis metrics. Every sub-score is
// clamped to [0,1] and rounded to two decimals.
func Assess(p *model.Proposal) model.RiskAssessment {
	g := &p.Graph
	r := model.RiskAssessment{
		CostRisk:       round2(scoreCost(g)),
		LatencyRisk:    round2(scoreLatency(g)),
		QualityRisk:    round2(scoreQuality(g, p.Confidence, p.Coverage)),
		ComplianceRisk: round2(scoreCompliance(g, p.Summary.Domains)),
	}
	r.OverallRisk = round2(CostWeight*r.CostRisk +
		LatencyWeight*r.LatencyRisk +
		QualityWeight*r.QualityRisk +
		ComplianceWeight*r.ComplianceRisk)
	return r
}

// scoreCost steps up with per-1k cost, then adds for graph size and
// model spread.
func scoreCost(g *model.WorkflowGraph) float64 {
	var score float64
	switch c := g.EstimatedCostPer1K; {
	case c < 0.5:
		score = 0.05
	case c < 1:
		score = 0.15
	case c < 2:
		score = 0.30
	case c < 4:
		score = 0.50
	case c < 8:
		score = 0.70
	default:
		score = 0.90
	}

	switch n := len(g.Nodes); {
	case n > 10:
		score += 0.10
	case n > 6:
		score += 0.05
	}

	switch m := len(g.Models); {
	case m > 5:
		score += 0.10
	case m > 3:
		score += 0.05
	}
	return clamp01(score)
}

// scoreLatency steps up with end-to-end latency and node count. Fan-out
// graphs get a 20% reduction.
func scoreLatency(g *model.WorkflowGraph) float64 {
	var score float64
	switch ms := g.EstimatedLatencyMS; {
	case ms < 2000:
		score = 0.05
	case ms < 5000:
		score = 0.15
	case ms < 10000:
		score = 0.30
	case ms < 20000:
		score = 0.50
	case ms < 40000:
		score = 0.70
	default:
		score = 0.90
	}

	if len(g.Nodes) > 8 {
		score += 0.10
	}
	if g.Strategy == model.StrategyFanOut {
		score *= 0.8
	}
	return clamp01(score)
}

func scoreQuality(g *model.WorkflowGraph, confidence, coverage float64) float64 {
	score := 1 - (0.5*confidence + 0.5*coverage)
	if !g.HasNodeType(model.NodeVerifier) {
		score += 0.2
	}
	return clamp01(score)
}

// complianceNodes add risk when present in the graph.
var complianceNodes = []struct {
	node model.NodeType
	risk float64
}{
	{model.NodeExternalAPI, 0.15},
	{model.NodeDataExport, 0.20},
	{model.NodePIIHandler, 0.25},
}

// RegulatedDomainRisk is added once when any domain is regulated.
const RegulatedDomainRisk = 0.30

func scoreCompliance(g *model.WorkflowGraph, domains []string) float64 {
	var score float64
	for _, cn := range complianceNodes {
		if g.HasNodeType(cn.node) {
			score += cn.risk
		}
	}
	if classify.AnyRegulated(domains) {
		score += RegulatedDomainRisk
	}
	return clamp01(score)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
