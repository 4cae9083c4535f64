// Package api exposes the evolution service over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/workflow-evolver/internal/config"
	"github.com/sells-group/workflow-evolver/internal/evolution"
	"github.com/sells-group/workflow-evolver/internal/model"
	"github.com/sells-group/workflow-evolver/internal/registry"
	"github.com/sells-group/workflow-evolver/internal/store"
)

// Service is the facade the handlers call.
type Service interface {
	SubmitEvidence(ctx context.Context, sub model.EvidenceSubmission) (*registry.Ack, error)
	ReplayDLQ(ctx context.Context, limit int) (registry.ReplayReport, error)
	ListPatterns(ctx context.Context, f store.PatternFilter) ([]model.NeedPattern, error)
	ListProposals(ctx context.Context, f store.ProposalFilter) ([]model.Proposal, error)
	GetProposal(ctx context.Context, tenantID, proposalID string) (*evolution.Detail, error)
	ReviewProposal(ctx context.Context, req evolution.ReviewRequest) (*evolution.ReviewResult, error)
	PublishProposal(ctx context.Context, tenantID, proposalID, reviewerID string) (string, error)
	Thresholds(ctx context.Context, tenantID string) (model.ThresholdConfig, error)
	UpdateThresholds(ctx context.Context, cfg model.ThresholdConfig) (model.ThresholdConfig, error)
	Weights(ctx context.Context, tenantID string) (model.EvidenceWeightConfig, error)
	UpdateWeights(ctx context.Context, cfg model.EvidenceWeightConfig) (model.EvidenceWeightConfig, error)
	Ping(ctx context.Context) error
}

// Server holds the HTTP handlers.
type Server struct {
	svc Service
}

// NewRouter builds the chi router for svc.
func NewRouter(svc Service, cfg config.ServerConfig) http.Handler {
	s := &Server{svc: svc}

	timeout := time.Duration(cfg.RequestTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.health)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/dlq/replay", s.replayDLQ)

		r.Route("/tenants/{tenant}", func(r chi.Router) {
			r.Post("/evidence", s.submitEvidence)
			r.Get("/patterns", s.listPatterns)

			r.Get("/proposals", s.listProposals)
			r.Get("/proposals/{id}", s.getProposal)
			r.Post("/proposals/{id}/reviews", s.reviewProposal)
			r.Post("/proposals/{id}/publish", s.publishProposal)

			r.Get("/config/thresholds", s.getThresholds)
			r.Put("/config/thresholds", s.putThresholds)
			r.Get("/config/weights", s.getWeights)
			r.Put("/config/weights", s.putWeights)
		})
	})
	return r
}

// requestLogger logs each request through zap.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
