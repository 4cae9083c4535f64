package model

import "slices"

// NodeType is the kind of step in a proposed workflow.
type NodeType string

const (
	NodeInputParser     NodeType = "input_parser"
	NodeQueryPlanner    NodeType = "query_planner"
	NodeWebSearch       NodeType = "web_search"
	NodeRetrieval       NodeType = "retrieval"
	NodeMultiRetrieval  NodeType = "multi_source_retrieval"
	NodeAnalyzer        NodeType = "analyzer"
	NodeDeepAnalysis    NodeType = "deep_analysis"
	NodeReasoning       NodeType = "reasoning"
	NodeCodeGenerator   NodeType = "code_generator"
	NodeCodeExecutor    NodeType = "code_executor"
	NodeWriter          NodeType = "writer"
	NodeSummarizer      NodeType = "summarizer"
	NodeTranslator      NodeType = "translator"
	NodeExtractor       NodeType = "extractor"
	NodePlanner         NodeType = "planner"
	NodeVerifier        NodeType = "verifier"
	NodeRefinement      NodeType = "refinement"
	NodeAggregator      NodeType = "aggregator"
	NodeOutputFormatter NodeType = "output_formatter"
	NodeExternalAPI     NodeType = "external_api"
	NodeDataExport      NodeType = "data_export"
	NodePIIHandler      NodeType = "pii_handler"
)

// Strategy is how the graph enters its retrieval stage.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyFanOut     Strategy = "fan_out"
)

// Node is a single step in a workflow graph.
type Node struct {
	ID            string   `json:"id" yaml:"id"`
	Type          NodeType `json:"type" yaml:"type"`
	Name          string   `json:"name" yaml:"name"`
	Model         string   `json:"model,omitempty" yaml:"model,omitempty"`
	Parallel      bool     `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	MaxIterations int      `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
}

// Edge is a directed connection between two nodes.
type Edge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// WorkflowGraph is the materialized node/edge form of a proposal.
type WorkflowGraph struct {
	Strategy           Strategy `json:"strategy" yaml:"strategy"`
	Nodes              []Node   `json:"nodes" yaml:"nodes"`
	Edges              []Edge   `json:"edges" yaml:"edges"`
	Entry              string   `json:"entry" yaml:"entry"`
	Exits              []string `json:"exits" yaml:"exits"`
	EstimatedCostPer1K float64  `json:"estimated_cost_per_1k" yaml:"estimated_cost_per_1k"`
	EstimatedLatencyMS int      `json:"estimated_latency_ms" yaml:"estimated_latency_ms"`
	Models             []string `json:"models" yaml:"models"`
}

// HasNodeType reports whether any node has type t.
func (g *WorkflowGraph) HasNodeType(t NodeType) bool {
	return slices.ContainsFunc(g.Nodes, func(n Node) bool { return n.Type == t })
}

// NodeTypes returns the distinct node types in graph order.
func (g *WorkflowGraph) NodeTypes() []NodeType {
	var out []NodeType
	for _, n := range g.Nodes {
		if !slices.Contains(out, n.Type) {
			out = append(out, n.Type)
		}
	}
	return out
}
