// Package sweep runs the scheduled synthesis pass: it recovers stuck
// claims, finishes interrupted governance, re-gates accumulating patterns, synthesizes proposals for gated
// patterns within the tenant's quota and sends each through governance.
package sweep

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/workflow-evolver/internal/audit"
	"github.com/sells-group/workflow-evolver/internal/governance"
	"github.com/sells-group/workflow-evolver/internal/model"
	"github.com/sells-group/workflow-evolver/internal/ratelimit"
	"github.com/sells-group/workflow-evolver/internal/registry"
	"github.com/sells-group/workflow-evolver/internal/store"
	"github.com/sells-group/workflow-evolver/internal/synth"
)

// Synthesizer builds a proposal outcome for a pattern.
type Synthesizer interface {
	Synthesize(ctx context.Context, p model.NeedPattern, evidence []model.Evidence) (*synth.Outcome, error)
}

// Replayer drains the evidence dead-letter queue.
type Replayer interface {
	ReplayDLQ(ctx context.Context, limit int) (registry.ReplayReport, error)
}

// Config tunes a sweep.
type Config struct {
	MaxConcurrentTenants int
	// StuckAfter is how long a proposal_generating claim may sit before it
	// is released back to threshold_met.
	StuckAfter time.Duration
	ReplayDLQ  bool
	DLQBatch   int
	// CandidateLimit caps how many gated patterns are read per tenant.
	CandidateLimit int
	// EvidenceLimit caps how many evidence rows feed one synthesis.
	EvidenceLimit int
}

// DefaultConfig returns the built-in sweep settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTenants: 4,
		StuckAfter:           30 * time.Minute,
		ReplayDLQ:            true,
		DLQBatch:             100,
		CandidateLimit:       100,
		EvidenceLimit:        500,
	}
}

// Violation is a pattern whose stored statistics disagree with its
// evidence rows.
type Violation struct {
	TenantID  string           `json:"tenant_id" yaml:"tenant_id"`
	PatternID string           `json:"pattern_id" yaml:"pattern_id"`
	Stored    model.Aggregates `json:"stored" yaml:"stored"`
	Derived   model.Aggregates `json:"derived" yaml:"derived"`
}

// TenantReport counts what one tenant's pass did.
type TenantReport struct {
	TenantID     string      `json:"tenant_id" yaml:"tenant_id"`
	Recovered    int         `json:"recovered" yaml:"recovered"`
	Resumed      int         `json:"resumed" yaml:"resumed"`
	Advanced     int         `json:"advanced" yaml:"advanced"`
	Candidates   int         `json:"candidates" yaml:"candidates"`
	Cooldown     int         `json:"cooldown" yaml:"cooldown"`
	Contended    int         `json:"contended" yaml:"contended"`
	Insufficient int         `json:"insufficient" yaml:"insufficient"`
	Failed       int         `json:"failed" yaml:"failed"`
	Proposed     int         `json:"proposed" yaml:"proposed"`
	Vetoed       int         `json:"vetoed" yaml:"vetoed"`
	Escalated    int         `json:"escalated" yaml:"escalated"`
	AutoApproved int         `json:"auto_approved" yaml:"auto_approved"`
	RateLimited  bool        `json:"rate_limited" yaml:"rate_limited"`
	Violations   []Violation `json:"violations,omitempty" yaml:"violations,omitempty"`
	Error        string      `json:"error,omitempty" yaml:"error,omitempty"`
}

func (r *TenantReport) tally(d governance.Decision) {
	switch {
	case d.Vetoed:
		r.Vetoed++
	case d.AutoApprove:
		r.Escalated++
		r.AutoApproved++
	default:
		r.Escalated++
	}
}

// Report is the result of a full sweep.
type Report struct {
	StartedAt  time.Time              `json:"started_at" yaml:"started_at"`
	Duration   time.Duration          `json:"duration" yaml:"duration"`
	DLQ        *registry.ReplayReport `json:"dlq,omitempty" yaml:"dlq,omitempty"`
	Tenants    []TenantReport         `json:"tenants" yaml:"tenants"`
	Violations int                    `json:"violations" yaml:"violations"`
	Failed     int                    `json:"failed_tenants" yaml:"failed_tenants"`
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// WithReplayer enables DLQ replay at the start of each sweep.
func WithReplayer(r Replayer) Option {
	return func(s *Sweeper) { s.replayer = r }
}

// Sweeper runs sweeps. Runs for the same tenant are serialized in-process;
// guarded status updates keep separate processes from double-claiming.
type Sweeper struct {
	store    store.Store
	synth    Synthesizer
	limiter  *ratelimit.Limiter
	recorder *audit.Recorder
	replayer Replayer
	cfg      Config
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Sweeper.
func New(st store.Store, sy Synthesizer, cfg Config, opts ...Option) *Sweeper {
	def := DefaultConfig()
	if cfg.MaxConcurrentTenants <= 0 {
		cfg.MaxConcurrentTenants = def.MaxConcurrentTenants
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = def.StuckAfter
	}
	if cfg.DLQBatch <= 0 {
		cfg.DLQBatch = def.DLQBatch
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = def.CandidateLimit
	}
	if cfg.EvidenceLimit <= 0 {
		cfg.EvidenceLimit = def.EvidenceLimit
	}
	s := &Sweeper{
		store:   st,
		synth:   sy,
		limiter: ratelimit.New(st),
		cfg:     cfg,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(s)
	}
	s.recorder = audit.NewRecorder(s.now)
	return s
}

// Run sweeps every tenant. A failing tenant is reported and does not stop
// the others.
func (s *Sweeper) Run(ctx context.Context) (*Report, error) {
	start := s.now()
	rep := &Report{StartedAt: start.UTC()}

	if s.cfg.ReplayDLQ && s.replayer != nil {
		dlq, err := s.replayer.ReplayDLQ(ctx, s.cfg.DLQBatch)
		if err != nil {
			zap.L().Warn("sweep: dlq replay failed", zap.Error(err))
		} else {
			rep.DLQ = &dlq
		}
	}

	tenants, err := s.store.ListTenants(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "sweep: list tenants")
	}

	results := make([]TenantReport, len(tenants))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrentTenants)
	for i, tenant := range tenants {
		g.Go(func() error {
			tr, err := s.RunTenant(gctx, tenant)
			if err != nil {
				zap.L().Error("sweep: tenant failed", zap.String("tenant", tenant), zap.Error(err))
				tr.Error = err.Error()
			}
			results[i] = tr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "sweep: run")
	}

	rep.Tenants = results
	for _, tr := range results {
		rep.Violations += len(tr.Violations)
		if tr.Error != "" {
			rep.Failed++
		}
	}
	rep.Duration = s.now().Sub(start)

	zap.L().Info("sweep: complete",
		zap.Int("tenants", len(tenants)),
		zap.Int("failed_tenants", rep.Failed),
		zap.Int("violations", rep.Violations),
		zap.Duration("duration", rep.Duration),
	)
	return rep, ctx.Err()
}

// tenantLock returns the mutex serializing runs for tenant.
func (s *Sweeper) tenantLock(tenant string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[tenant]
	if !ok {
		l = &sync.Mutex{}
		s.locks[tenant] = l
	}
	return l
}
