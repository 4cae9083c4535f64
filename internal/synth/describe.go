package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/workflow-evolver/internal/model"
	"github.com/sells-group/workflow-evolver/pkg/anthropic"
)

// DescribeRequest is what a Describer sees about a synthesized graph.
type DescribeRequest struct {
	Intent    string
	Domains   []string
	Reasons   []model.ReasonCount
	NodeTypes []model.NodeType
	Samples   []string
}

// Description is a human-facing name for a proposal.
type Description struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Describer names a synthesized workflow.
type Describer interface {
	Describe(ctx context.Context, req DescribeRequest) (*Description, error)
}

const describeSystemPrompt = `You name automated AI workflows for an operations team.
Given the user intent, the recurring failure reasons, sample requests and the ordered node types of a proposed workflow,
reply with a single JSON object: {"title": "...", "description": "..."}.
The title is at most 8 words. The description is at most 3 sentences and says what the workflow does and which failures it addresses.
Do not include any text outside the JSON object.`

// LLMDescriber names workflows with a Claude model.
type LLMDescriber struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewLLMDescriber returns a Describer backed by client.
func NewLLMDescriber(client anthropic.Client, model string, maxTokens int64) *LLMDescriber {
	if maxTokens <= 0 {
		maxTokens = 400
	}
	return &LLMDescriber{client: client, model: model, maxTokens: maxTokens}
}

// Describe asks the model for a title and description.
func (d *LLMDescriber) Describe(ctx context.Context, req DescribeRequest) (*Description, error) {
	temp := 0.2
	resp, err := d.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       d.model,
		MaxTokens:   d.maxTokens,
		System:      anthropic.CachedSystem(describeSystemPrompt),
		Messages:    []anthropic.Message{{Role: "user", Content: describePrompt(req)}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, eris.Wrap(err, "synth: describe")
	}
	resp.Usage.LogCost(d.model, "describe")

	return parseDescription(resp.Text())
}

func describePrompt(req DescribeRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Intent: %s\n", req.Intent)
	if len(req.Domains) > 0 {
		fmt.Fprintf(&b, "Domains: %s\n", strings.Join(req.Domains, ", "))
	}
	if len(req.Reasons) > 0 {
		b.WriteString("Failure reasons:\n")
		for _, r := range req.Reasons {
			fmt.Fprintf(&b, "- %s (%d)\n", r.Reason, r.Count)
		}
	}
	if len(req.Samples) > 0 {
		b.WriteString("Sample requests:\n")
		for _, s := range req.Samples {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	types := make([]string, len(req.NodeTypes))
	for i, t := range req.NodeTypes {
		types[i] = string(t)
	}
	fmt.Fprintf(&b, "Nodes: %s\n", strings.Join(types, " -> "))
	return b.String()
}

// parseDescription extracts the first JSON object from text. Models
// sometimes wrap the object in prose or code fences.
func parseDescription(text string) (*Description, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, eris.New("synth: describe: no JSON object in response")
	}
	var d Description
	if err := json.Unmarshal([]byte(text[start:end+1]), &d); err != nil {
		return nil, eris.Wrap(err, "synth: describe: decode response")
	}
	d.Title = strings.TrimSpace(d.Title)
	d.Description = strings.TrimSpace(d.Description)
	if d.Title == "" {
		return nil, eris.New("synth: describe: empty title")
	}
	return &d, nil
}

var intentTitles = map[string]string{
	"comparison":      "Multi-source comparison",
	"troubleshooting": "Guided troubleshooting",
	"translation":     "Translation",
	"summarization":   "Summarization",
	"code":            "Code generation",
	"data_export":     "Data export",
	"extraction":      "Structured extraction",
	"research":        "Research",
	"analysis":        "Analysis",
	"planning":        "Planning",
	"writing":         "Drafting",
	"general":         "General assistance",
}

// templateDescription names a workflow without a model.
func templateDescription(req DescribeRequest) Description {
	title, ok := intentTitles[req.Intent]
	if !ok {
		title = intentTitles["general"]
	}
	if len(req.Domains) > 0 {
		title = fmt.Sprintf("%s (%s)", title, strings.Join(req.Domains, ", "))
	}
	title += " workflow"

	var b strings.Builder
	fmt.Fprintf(&b, "A %d-step %s workflow", len(req.NodeTypes), req.Intent)
	if len(req.Reasons) > 0 {
		reasons := make([]string, 0, 3)
		for _, r := range req.Reasons[:min(3, len(req.Reasons))] {
			reasons = append(reasons, r.Reason)
		}
		fmt.Fprintf(&b, " addressing recurring failures: %s", strings.Join(reasons, "; "))
	}
	b.WriteString(".")
	return Description{Title: title, Description: b.String()}
}
