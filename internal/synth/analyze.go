package synth

import (
	"cmp"
	"slices"
	"strings"

	"github.com/sells-group/workflow-evolver/internal/classify"
	"github.com/sells-group/workflow-evolver/internal/model"
)

// Capability is a requirement inferred from evidence text.
type Capability string

const (
	CapVerification Capability = "verification"
	CapMultiSource  Capability = "multi_source"
	CapDepth        Capability = "depth"
	CapReasoning    Capability = "reasoning"
	CapIteration    Capability = "iteration"
	CapExternalData Capability = "external_data"
	CapPersonalData Capability = "personal_data"
)

// capabilityStems map token prefixes to capabilities, in a fixed order.
var capabilityStems = []struct {
	capability Capability
	stems      []string
}{
	{CapVerification, []string{"verif", "accura", "inaccura", "fact", "wrong", "incorrect", "hallucinat", "validat", "citation", "doublecheck"}},
	{CapMultiSource, []string{"sources", "multiple", "several", "compar", "cross", "combin", "aggregat", "merge"}},
	{CapDepth, []string{"detail", "deep", "depth", "thorough", "comprehensive", "shallow", "superficial", "vague"}},
	{CapReasoning, []string{"reason", "logic", "explain", "calculat", "math", "solve", "deduc", "step"}},
	{CapIteration, []string{"iterat", "refin", "revis", "improv", "retry", "polish", "redo"}},
	{CapExternalData, []string{"api", "live", "realtime", "latest", "current", "internet", "online", "news"}},
	{CapPersonalData, []string{"ssn", "passport", "birthdate", "personal", "pii", "phone", "address"}},
}

// capabilityNodes is the node type each capability calls for.
var capabilityNodes = map[Capability]model.NodeType{
	CapVerification: model.NodeVerifier,
	CapMultiSource:  model.NodeMultiRetrieval,
	CapDepth:        model.NodeDeepAnalysis,
	CapReasoning:    model.NodeReasoning,
	CapIteration:    model.NodeRefinement,
	CapExternalData: model.NodeExternalAPI,
	CapPersonalData: model.NodePIIHandler,
}

// Analysis is the evidence-derived input to structure selection.
type Analysis struct {
	Reasons      []model.ReasonCount
	ReasonTotal  int
	Capabilities []Capability
	TypeCounts   map[string]int
	Volume       float64
	Consistency  float64
	Provisional  float64
	Samples      []string
}

// Has reports whether c was detected.
func (a Analysis) Has(c Capability) bool {
	return slices.Contains(a.Capabilities, c)
}

// Analyze ranks failure reasons, detects capabilities and derives the
// provisional confidence for p.
func Analyze(p model.NeedPattern, evidence []model.Evidence) Analysis {
	a := Analysis{TypeCounts: make(map[string]int)}

	reasonCounts := make(map[string]int)
	var tokens []string
	for _, e := range evidence {
		a.TypeCounts[string(e.Type)]++
		if r := normalizeReason(e.Context.FailureReason); r != "" {
			reasonCounts[r]++
			a.ReasonTotal++
		}
		tokens = append(tokens, classify.Tokenize(e.Context.Text())...)
		if req := strings.TrimSpace(e.Context.OriginalRequest); req != "" && len(a.Samples) < 5 && !slices.Contains(a.Samples, req) {
			a.Samples = append(a.Samples, req)
		}
	}

	for r, n := range reasonCounts {
		a.Reasons = append(a.Reasons, model.ReasonCount{Reason: r, Count: n})
	}
	slices.SortFunc(a.Reasons, func(x, y model.ReasonCount) int {
		if c := cmp.Compare(y.Count, x.Count); c != 0 {
			return c
		}
		return cmp.Compare(x.Reason, y.Reason)
	})

	for _, cs := range capabilityStems {
		if hasStem(tokens, cs.stems) {
			a.Capabilities = append(a.Capabilities, cs.capability)
		}
	}

	a.Volume = min(1, p.TotalEvidenceScore/3.0)
	a.Consistency = 0.5
	if a.ReasonTotal > 0 {
		a.Consistency = float64(a.Reasons[0].Count) / float64(a.ReasonTotal)
	}
	a.Provisional = 0.5*a.Volume + 0.5*a.Consistency
	return a
}

// TopReasons returns up to n ranked failure reasons.
func (a Analysis) TopReasons(n int) []model.ReasonCount {
	return a.Reasons[:min(n, len(a.Reasons))]
}

// normalizeReason folds case, accents, punctuation and spacing so that
// "Timeout!" and "timeout" count as the same reason.
func normalizeReason(s string) string {
	return strings.Join(classify.Tokenize(s), " ")
}

func hasStem(tokens, stems []string) bool {
	for _, tok := range tokens {
		for _, s := range stems {
			if strings.HasPrefix(tok, s) {
				return true
			}
		}
	}
	return false
}
