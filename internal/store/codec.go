package store

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/workflow-evolver/internal/model"
)

// proposalJSON holds the JSON-encoded columns of a proposal row.
type proposalJSON struct {
	graph       []byte
	summary     []byte
	risk        []byte
	suggestions []byte
}

func encodeProposal(p *model.Proposal) (proposalJSON, error) {
	var enc proposalJSON
	var err error
	if enc.graph, err = json.Marshal(p.Graph); err != nil {
		return enc, eris.Wrap(err, "marshal graph")
	}
	if enc.summary, err = json.Marshal(p.Summary); err != nil {
		return enc, eris.Wrap(err, "marshal evidence summary")
	}
	if p.Risk != nil {
		if enc.risk, err = json.Marshal(p.Risk); err != nil {
			return enc, eris.Wrap(err, "marshal risk")
		}
	}
	if p.Suggestions != nil {
		if enc.suggestions, err = json.Marshal(p.Suggestions); err != nil {
			return enc, eris.Wrap(err, "marshal suggestions")
		}
	}
	return enc, nil
}

func encodeProposalUpdate(u model.ProposalUpdate) (risk, suggestions []byte, err error) {
	if u.Risk != nil {
		if risk, err = json.Marshal(u.Risk); err != nil {
			return nil, nil, eris.Wrap(err, "marshal risk")
		}
	}
	if u.Suggestions != nil {
		if suggestions, err = json.Marshal(u.Suggestions); err != nil {
			return nil, nil, eris.Wrap(err, "marshal suggestions")
		}
	}
	return risk, suggestions, nil
}

func decodeProposal(p *model.Proposal, graph, summary, risk, suggestions []byte) error {
	if err := json.Unmarshal(graph, &p.Graph); err != nil {
		return eris.Wrap(err, "unmarshal graph")
	}
	if err := json.Unmarshal(summary, &p.Summary); err != nil {
		return eris.Wrap(err, "unmarshal evidence summary")
	}
	if len(risk) > 0 {
		p.Risk = &model.RiskAssessment{}
		if err := json.Unmarshal(risk, p.Risk); err != nil {
			return eris.Wrap(err, "unmarshal risk")
		}
	}
	if len(suggestions) > 0 {
		if err := json.Unmarshal(suggestions, &p.Suggestions); err != nil {
			return eris.Wrap(err, "unmarshal suggestions")
		}
	}
	return nil
}

// decodeThresholds overlays a stored document on the defaults so fields
// added after the row was written keep their default values.
func decodeThresholds(tenantID string, raw []byte, updated time.Time) (model.ThresholdConfig, error) {
	cfg := model.DefaultThresholdConfig(tenantID)
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return model.ThresholdConfig{}, eris.Wrapf(err, "unmarshal thresholds %s", tenantID)
	}
	cfg.TenantID = tenantID
	cfg.UpdatedAt = updated
	return cfg, nil
}
