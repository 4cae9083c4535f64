package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/workflow-evolver/internal/evolution"
	"github.com/sells-group/workflow-evolver/internal/model"
	"github.com/sells-group/workflow-evolver/internal/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

// writeError maps the error taxonomy onto status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrIllegalTransition):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "illegal_transition"})
	case errors.Is(err, model.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "validation"})
	case errors.Is(err, model.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Code: "not_found"})
	default:
		zap.L().Error("api: internal error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: "internal"})
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return model.Validationf("invalid request body: %v", err)
	}
	return nil
}

// intParam reads a non-negative integer query parameter.
func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, model.Validationf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) submitEvidence(w http.ResponseWriter, r *http.Request) {
	var sub model.EvidenceSubmission
	if err := decode(w, r, &sub); err != nil {
		writeError(w, err)
		return
	}
	sub.TenantID = chi.URLParam(r, "tenant")
	sub.Type = model.ParseEvidenceType(string(sub.Type))

	ack, err := s.svc.SubmitEvidence(r.Context(), sub)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if ack.DeadLetterID != "" {
		status = http.StatusAccepted
	}
	writeJSON(w, status, ack)
}

func (s *Server) replayDLQ(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	rep, err := s.svc.ReplayDLQ(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) listPatterns(w http.ResponseWriter, r *http.Request) {
	f := store.PatternFilter{
		TenantID: chi.URLParam(r, "tenant"),
		Status:   model.PatternStatus(r.URL.Query().Get("status")),
	}
	if raw := r.URL.Query().Get("min_score"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			writeError(w, model.Validationf("min_score must be a non-negative number"))
			return
		}
		f.MinScore = v
	}
	var err error
	if f.Limit, err = intParam(r, "limit"); err != nil {
		writeError(w, err)
		return
	}
	if f.Offset, err = intParam(r, "offset"); err != nil {
		writeError(w, err)
		return
	}

	patterns, err := s.svc.ListPatterns(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if patterns == nil {
		patterns = []model.NeedPattern{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"patterns": patterns})
}

func (s *Server) listProposals(w http.ResponseWriter, r *http.Request) {
	f := store.ProposalFilter{
		TenantID:  chi.URLParam(r, "tenant"),
		Status:    model.ProposalStatus(r.URL.Query().Get("status")),
		PatternID: r.URL.Query().Get("pattern_id"),
	}
	var err error
	if f.Limit, err = intParam(r, "limit"); err != nil {
		writeError(w, err)
		return
	}
	if f.Offset, err = intParam(r, "offset"); err != nil {
		writeError(w, err)
		return
	}

	props, err := s.svc.ListProposals(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if props == nil {
		props = []model.Proposal{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": props})
}

func (s *Server) getProposal(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.GetProposal(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type reviewBody struct {
	ReviewerID string             `json:"reviewer_id"`
	Action     model.ReviewAction `json:"action"`
	Notes      string             `json:"notes"`
}

func (s *Server) reviewProposal(w http.ResponseWriter, r *http.Request) {
	var body reviewBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.svc.ReviewProposal(r.Context(), evolution.ReviewRequest{
		TenantID:   chi.URLParam(r, "tenant"),
		ProposalID: chi.URLParam(r, "id"),
		ReviewerID: body.ReviewerID,
		Action:     body.Action,
		Notes:      body.Notes,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type publishBody struct {
	ReviewerID string `json:"reviewer_id"`
}

func (s *Server) publishProposal(w http.ResponseWriter, r *http.Request) {
	var body publishBody
	if r.ContentLength != 0 {
		if err := decode(w, r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	id, err := s.svc.PublishProposal(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "id"), body.ReviewerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"published_workflow_id": id})
}

func (s *Server) getThresholds(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.svc.Thresholds(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) putThresholds(w http.ResponseWriter, r *http.Request) {
	var cfg model.ThresholdConfig
	if err := decode(w, r, &cfg); err != nil {
		writeError(w, err)
		return
	}
	cfg.TenantID = chi.URLParam(r, "tenant")
	saved, err := s.svc.UpdateThresholds(r.Context(), cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) getWeights(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.svc.Weights(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) putWeights(w http.ResponseWriter, r *http.Request) {
	var cfg model.EvidenceWeightConfig
	if err := decode(w, r, &cfg); err != nil {
		writeError(w, err)
		return
	}
	cfg.TenantID = chi.URLParam(r, "tenant")
	saved, err := s.svc.UpdateWeights(r.Context(), cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}
