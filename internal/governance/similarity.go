package governance

import (
	"github.com/sells-group/workflow-evolver/internal/model"
)

// Similarity is 0.8 times the Jaccard index of the two graphs' node types
// plus 0.2 when both serve the same intent.
func Similarity(a, b *model.Proposal) float64 {
	sim := 0.8 * jaccard(a.Graph.NodeTypes(), b.Graph.NodeTypes())
	if a.Summary.Intent != "" && a.Summary.Intent == b.Summary.Intent {
		sim += 0.2
	}
	return sim
}

// MostSimilar returns the existing workflow closest to p, or nil when
// existing is empty.
func MostSimilar(p *model.Proposal, existing []model.Proposal) (*model.Proposal, float64) {
	var best *model.Proposal
	bestSim := -1.0
	for i := range existing {
		if existing[i].ID == p.ID {
			continue
		}
		if sim := Similarity(p, &existing[i]); sim > bestSim {
			best, bestSim = &existing[i], sim
		}
	}
	if best == nil {
		return nil, 0
	}
	return best, bestSim
}

func jaccard(a, b []model.NodeType) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[model.NodeType]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	inter := 0
	union := len(set)
	seen := make(map[model.NodeType]bool, len(b))
	for _, t := range b {
		if seen[t] {
			continue
		}
		seen[t] = true
		if set[t] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}
