package importer

import (
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/workflow-evolver/internal/model"
)

type setter func(sub *model.EvidenceSubmission, v string) error

var fieldSetters = map[string]setter{
	"tenant_id":          func(s *model.EvidenceSubmission, v string) error { s.TenantID = v; return nil },
	"type":               func(s *model.EvidenceSubmission, v string) error { s.Type = model.ParseEvidenceType(v); return nil },
	"user_id":            func(s *model.EvidenceSubmission, v string) error { s.UserID = v; return nil },
	"session_id":         func(s *model.EvidenceSubmission, v string) error { s.SessionID = v; return nil },
	"execution_id":       func(s *model.EvidenceSubmission, v string) error { s.ExecutionID = v; return nil },
	"failed_workflow_id": func(s *model.EvidenceSubmission, v string) error { s.FailedWorkflowID = v; return nil },
	"original_request":   func(s *model.EvidenceSubmission, v string) error { s.Context.OriginalRequest = v; return nil },
	"failure_reason":     func(s *model.EvidenceSubmission, v string) error { s.Context.FailureReason = v; return nil },
	"user_feedback":      func(s *model.EvidenceSubmission, v string) error { s.Context.UserFeedback = v; return nil },
	"occurred_at": func(s *model.EvidenceSubmission, v string) error {
		t, err := parseTime(v)
		if err != nil {
			return err
		}
		s.OccurredAt = t
		return nil
	},
}

// aliases maps common export column names onto submission fields.
var aliases = map[string]string{
	"tenant":        "tenant_id",
	"evidence_type": "type",
	"user":          "user_id",
	"session":       "session_id",
	"execution":     "execution_id",
	"workflow_id":   "failed_workflow_id",
	"request":       "original_request",
	"query":         "original_request",
	"reason":        "failure_reason",
	"error":         "failure_reason",
	"feedback":      "user_feedback",
	"timestamp":     "occurred_at",
	"created_at":    "occurred_at",
}

// columns binds source column positions to field setters.
type columns struct {
	setters map[int]setter
	names   map[int]string
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.TrimPrefix(h, "\ufeff")
	h = strings.NewReplacer(" ", "_", "-", "_", ".", "_").Replace(h)
	if canon, ok := aliases[h]; ok {
		return canon
	}
	return h
}

// mapHeader resolves header names. Unknown columns are ignored; a type
// column is required.
func mapHeader(header []string) (*columns, error) {
	c := &columns{setters: make(map[int]setter), names: make(map[int]string)}
	seen := make(map[string]bool)
	for i, h := range header {
		name := normalizeHeader(h)
		set, ok := fieldSetters[name]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		c.setters[i] = set
		c.names[i] = name
	}
	if !seen["type"] {
		return nil, eris.Wrap(model.ErrValidation, "importer: header has no type column")
	}
	return c, nil
}

func (c *columns) submission(rec []string) (model.EvidenceSubmission, error) {
	var sub model.EvidenceSubmission
	for i, set := range c.setters {
		if i >= len(rec) {
			continue
		}
		v := strings.TrimSpace(rec[i])
		if v == "" {
			continue
		}
		if err := set(&sub, v); err != nil {
			return sub, model.Validationf("column %s: %v", c.names[i], err)
		}
	}
	return sub, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseTime accepts RFC3339, common SQL layouts, unix seconds and
// spreadsheet date serials.
func parseTime(v string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		// Spreadsheet serials for 1954..2119; larger numbers are unix seconds.
		if f > 20000 && f < 80000 {
			return xlsx.TimeFromExcelTime(f, false).UTC(), nil
		}
		if f >= 1e9 {
			sec := int64(f)
			return time.Unix(sec, 0).UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("unrecognized time %q", v)
}
