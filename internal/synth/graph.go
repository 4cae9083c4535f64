package synth

import (
	"slices"

	"github.com/sells-group/workflow-evolver/internal/model"
)

// Stages order nodes in the materialized graph.
const (
	stageInput = iota
	stageGuard
	stagePlan
	stageRetrieve
	stageMerge
	stageProcess
	stageOutput
	stageVerify
	stageRefine
)

type nodeSpec struct {
	name      string
	stage     int
	costPer1K float64
	latencyMS int
	model     string
}

// nodeSpecs are the fixed per-node estimates. Cost is USD per thousand runs.
var nodeSpecs = map[model.NodeType]nodeSpec{
	model.NodeInputParser:     {"Parse request", stageInput, 0.02, 150, "fast-llm"},
	model.NodePIIHandler:      {"Redact personal data", stageGuard, 0.05, 300, "pii-redactor"},
	model.NodeQueryPlanner:    {"Plan queries", stagePlan, 0.05, 400, "fast-llm"},
	model.NodePlanner:         {"Plan steps", stagePlan, 0.20, 900, "standard-llm"},
	model.NodeWebSearch:       {"Search the web", stageRetrieve, 0.50, 1200, "web-search"},
	model.NodeRetrieval:       {"Retrieve documents", stageRetrieve, 0.10, 300, "embedding"},
	model.NodeMultiRetrieval:  {"Retrieve from multiple sources", stageRetrieve, 0.40, 1500, "embedding"},
	model.NodeExternalAPI:     {"Call external API", stageRetrieve, 0.30, 800, "external-api"},
	model.NodeAnalyzer:        {"Analyze", stageProcess, 0.30, 1500, "standard-llm"},
	model.NodeDeepAnalysis:    {"Deep analysis", stageProcess, 0.90, 4000, "deep-llm"},
	model.NodeReasoning:       {"Reason step by step", stageProcess, 0.60, 3000, "standard-llm"},
	model.NodeExtractor:       {"Extract fields", stageProcess, 0.15, 700, "fast-llm"},
	model.NodeTranslator:      {"Translate", stageProcess, 0.20, 1000, "fast-llm"},
	model.NodeSummarizer:      {"Summarize", stageProcess, 0.15, 900, "fast-llm"},
	model.NodeCodeGenerator:   {"Generate code", stageProcess, 0.50, 2500, "standard-llm"},
	model.NodeCodeExecutor:    {"Execute code", stageProcess, 0.05, 2000, "code-sandbox"},
	model.NodeAggregator:      {"Merge results", stageMerge, 0.10, 400, "fast-llm"},
	model.NodeWriter:          {"Write response", stageOutput, 0.30, 2000, "standard-llm"},
	model.NodeOutputFormatter: {"Format output", stageOutput, 0.02, 100, ""},
	model.NodeDataExport:      {"Export data", stageOutput, 0.05, 500, "export-service"},
	model.NodeVerifier:        {"Verify output", stageVerify, 0.25, 1200, "fast-llm"},
	model.NodeRefinement:      {"Refine output", stageRefine, 0.30, 1500, "standard-llm"},
}

// intentDefaults seed the node list for each intent.
var intentDefaults = map[string][]model.NodeType{
	"comparison":      {model.NodeInputParser, model.NodeMultiRetrieval, model.NodeAnalyzer, model.NodeWriter},
	"troubleshooting": {model.NodeInputParser, model.NodeRetrieval, model.NodeReasoning, model.NodeWriter},
	"translation":     {model.NodeInputParser, model.NodeTranslator, model.NodeOutputFormatter},
	"summarization":   {model.NodeInputParser, model.NodeRetrieval, model.NodeSummarizer},
	"code":            {model.NodeInputParser, model.NodePlanner, model.NodeCodeGenerator, model.NodeCodeExecutor},
	"data_export":     {model.NodeInputParser, model.NodeRetrieval, model.NodeExtractor, model.NodeDataExport},
	"extraction":      {model.NodeInputParser, model.NodeRetrieval, model.NodeExtractor, model.NodeOutputFormatter},
	"research":        {model.NodeInputParser, model.NodeQueryPlanner, model.NodeWebSearch, model.NodeAnalyzer, model.NodeWriter},
	"analysis":        {model.NodeInputParser, model.NodeRetrieval, model.NodeAnalyzer, model.NodeWriter},
	"planning":        {model.NodeInputParser, model.NodePlanner, model.NodeReasoning, model.NodeWriter},
	"writing":         {model.NodeInputParser, model.NodePlanner, model.NodeWriter},
	"general":         {model.NodeInputParser, model.NodeRetrieval, model.NodeReasoning, model.NodeWriter},
}

// Structure is the planned node list before materialization.
type Structure struct {
	Strategy model.Strategy
	Types    []model.NodeType
}

// Plan picks the strategy and node types for intent under maxNodes.
// Verifier and refinement slots are reserved before the cap is applied.
func Plan(intent string, a Analysis, maxNodes int) Structure {
	fanOut := a.Has(CapMultiSource) || intent == "comparison"
	needVerifier := a.Provisional < 0.7 || a.Has(CapVerification)
	needRefine := a.Has(CapIteration)

	reserved := 0
	if needVerifier {
		reserved++
	}
	if needRefine {
		reserved++
	}
	limit := max(maxNodes-reserved, 1)

	var types []model.NodeType
	add := func(t model.NodeType) {
		if len(types) < limit && !slices.Contains(types, t) {
			types = append(types, t)
		}
	}

	defaults, ok := intentDefaults[intent]
	if !ok {
		defaults = intentDefaults["general"]
	}
	for _, t := range defaults {
		add(t)
	}
	if fanOut {
		if countStage(types, stageRetrieve) < 2 {
			add(model.NodeWebSearch)
		}
		if countStage(types, stageRetrieve) < 2 {
			add(model.NodeRetrieval)
		}
		add(model.NodeAggregator)
	}
	for _, c := range a.Capabilities {
		if c == CapVerification || c == CapIteration {
			continue
		}
		add(capabilityNodes[c])
	}

	strategy := model.StrategySequential
	if fanOut && countStage(types, stageRetrieve) >= 2 && slices.Contains(types, model.NodeAggregator) {
		strategy = model.StrategyFanOut
	} else {
		types = slices.DeleteFunc(types, func(t model.NodeType) bool { return t == model.NodeAggregator })
	}

	if needVerifier {
		types = append(types, model.NodeVerifier)
	}
	if needRefine {
		types = append(types, model.NodeRefinement)
	}

	slices.SortStableFunc(types, func(x, y model.NodeType) int {
		return nodeSpecs[x].stage - nodeSpecs[y].stage
	})
	return Structure{Strategy: strategy, Types: types}
}

// Materialize turns st into an explicit graph. In fan-out graphs the
// retrieval stage runs in parallel and counts its slowest node once.
func Materialize(st Structure, maxRefine int) model.WorkflowGraph {
	g := model.WorkflowGraph{Strategy: st.Strategy}

	var prev []string
	for _, group := range groupByStage(st.Types) {
		parallel := st.Strategy == model.StrategyFanOut && nodeSpecs[group[0]].stage == stageRetrieve && len(group) > 1

		ids := make([]string, len(group))
		stageLatency := 0
		for i, t := range group {
			spec := nodeSpecs[t]
			n := model.Node{ID: string(t), Type: t, Name: spec.name, Model: spec.model, Parallel: parallel}
			if t == model.NodeRefinement {
				n.MaxIterations = maxRefine
			}
			g.Nodes = append(g.Nodes, n)
			ids[i] = n.ID

			g.EstimatedCostPer1K += spec.costPer1K
			if parallel {
				stageLatency = max(stageLatency, spec.latencyMS)
			} else {
				stageLatency += spec.latencyMS
			}
			if spec.model != "" && !slices.Contains(g.Models, spec.model) {
				g.Models = append(g.Models, spec.model)
			}
		}
		g.EstimatedLatencyMS += stageLatency

		if parallel {
			for _, from := range prev {
				for _, to := range ids {
					g.Edges = append(g.Edges, model.Edge{From: from, To: to})
				}
			}
			prev = ids
			continue
		}
		for _, from := range prev {
			g.Edges = append(g.Edges, model.Edge{From: from, To: ids[0]})
		}
		for i := 1; i < len(ids); i++ {
			g.Edges = append(g.Edges, model.Edge{From: ids[i-1], To: ids[i]})
		}
		prev = ids[len(ids)-1:]
	}

	if len(g.Nodes) > 0 {
		g.Entry = g.Nodes[0].ID
	}
	g.Exits = prev
	return g
}

// Coverage is the share of capability node types present in g, or 0.6
// when no capability was detected.
func Coverage(a Analysis, g model.WorkflowGraph) float64 {
	if len(a.Capabilities) == 0 {
		return 0.6
	}
	present := 0
	for _, c := range a.Capabilities {
		if g.HasNodeType(capabilityNodes[c]) {
			present++
		}
	}
	return float64(present) / float64(len(a.Capabilities))
}

func countStage(types []model.NodeType, stage int) int {
	n := 0
	for _, t := range types {
		if nodeSpecs[t].stage == stage {
			n++
		}
	}
	return n
}

// groupByStage splits sorted types into runs of equal stage.
func groupByStage(types []model.NodeType) [][]model.NodeType {
	var out [][]model.NodeType
	for i, t := range types {
		if i == 0 || nodeSpecs[t].stage != nodeSpecs[types[i-1]].stage {
			out = append(out, nil)
		}
		out[len(out)-1] = append(out[len(out)-1], t)
	}
	return out
}
