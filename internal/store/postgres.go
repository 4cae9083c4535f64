package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/rotisserie/eris"

	"github.com/sells-group/workflow-evolver/internal/db"
	"github.com/sells-group/workflow-evolver/internal/model"
)

// PostgresStore implements Store using pgxpool and pgvector.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS need_patterns (
	id                    TEXT PRIMARY KEY,
	tenant_id             TEXT NOT NULL,
	signature             JSONB NOT NULL,
	signature_hash        TEXT NOT NULL,
	embedding             vector,
	total_evidence_score  DOUBLE PRECISION NOT NULL DEFAULT 0,
	evidence_count        INTEGER NOT NULL DEFAULT 0,
	unique_users_affected INTEGER NOT NULL DEFAULT 0,
	first_occurrence_at   TIMESTAMPTZ NOT NULL,
	last_occurrence_at    TIMESTAMPTZ NOT NULL,
	occurrence_met        BOOLEAN NOT NULL DEFAULT false,
	impact_met            BOOLEAN NOT NULL DEFAULT false,
	confidence_met        BOOLEAN NOT NULL DEFAULT false,
	status                TEXT NOT NULL DEFAULT 'accumulating'
		CHECK (status IN ('accumulating', 'threshold_met', 'proposal_generating', 'proposal_generated', 'resolved')),
	proposal_id           TEXT,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tenant_id, signature_hash)
);

CREATE INDEX IF NOT EXISTS idx_need_patterns_tenant_status ON need_patterns(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_need_patterns_score ON need_patterns(tenant_id, total_evidence_score DESC);

CREATE TABLE IF NOT EXISTS evidence (
	id                 TEXT PRIMARY KEY,
	tenant_id          TEXT NOT NULL,
	pattern_id         TEXT NOT NULL REFERENCES need_patterns(id),
	type               TEXT NOT NULL,
	weight             DOUBLE PRECISION NOT NULL CHECK (weight > 0),
	user_id            TEXT,
	session_id         TEXT,
	execution_id       TEXT,
	failed_workflow_id TEXT,
	context            JSONB NOT NULL,
	occurred_at        TIMESTAMPTZ NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_evidence_pattern ON evidence(pattern_id, occurred_at DESC);

CREATE TABLE IF NOT EXISTS pattern_transitions (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	pattern_id  TEXT NOT NULL REFERENCES need_patterns(id),
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_pattern_transitions_pattern ON pattern_transitions(pattern_id, created_at);

CREATE TABLE IF NOT EXISTS proposals (
	id                    TEXT PRIMARY KEY,
	tenant_id             TEXT NOT NULL,
	pattern_id            TEXT NOT NULL REFERENCES need_patterns(id),
	code                  TEXT NOT NULL,
	title                 TEXT NOT NULL,
	description           TEXT NOT NULL DEFAULT '',
	graph                 JSONB NOT NULL,
	confidence            DOUBLE PRECISION NOT NULL,
	coverage              DOUBLE PRECISION NOT NULL,
	evidence_summary      JSONB NOT NULL,
	approved              BOOLEAN NOT NULL DEFAULT false,
	risk                  JSONB,
	veto_code             TEXT NOT NULL DEFAULT '',
	veto_reason           TEXT NOT NULL DEFAULT '',
	priority              TEXT NOT NULL DEFAULT '',
	suggestions           JSONB,
	status                TEXT NOT NULL DEFAULT 'pending_brain'
		CHECK (status IN ('pending_brain', 'pending_admin', 'testing', 'approved', 'declined', 'published')),
	published_workflow_id TEXT NOT NULL DEFAULT '',
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tenant_id, code)
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_proposals_active_pattern ON proposals(pattern_id) WHERE status <> 'declined';
CREATE INDEX IF NOT EXISTS idx_proposals_tenant_created ON proposals(tenant_id, created_at DESC);

CREATE TABLE IF NOT EXISTS proposal_sequences (
	tenant_id TEXT NOT NULL,
	year      INTEGER NOT NULL,
	last_seq  INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, year)
);

CREATE TABLE IF NOT EXISTS proposal_reviews (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	proposal_id     TEXT NOT NULL REFERENCES proposals(id),
	reviewer_type   TEXT NOT NULL,
	reviewer_id     TEXT NOT NULL DEFAULT '',
	action          TEXT NOT NULL,
	previous_status TEXT NOT NULL DEFAULT '',
	new_status      TEXT NOT NULL,
	notes           TEXT NOT NULL DEFAULT '',
	risk            JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_proposal_reviews_proposal ON proposal_reviews(proposal_id, created_at);

CREATE OR REPLACE FUNCTION reject_append_only_mutation() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION '% is append-only', TG_TABLE_NAME;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS proposal_reviews_append_only ON proposal_reviews;
CREATE TRIGGER proposal_reviews_append_only BEFORE UPDATE OR DELETE ON proposal_reviews
	FOR EACH ROW EXECUTE FUNCTION reject_append_only_mutation();

DROP TRIGGER IF EXISTS pattern_transitions_append_only ON pattern_transitions;
CREATE TRIGGER pattern_transitions_append_only BEFORE UPDATE OR DELETE ON pattern_transitions
	FOR EACH ROW EXECUTE FUNCTION reject_append_only_mutation();

CREATE TABLE IF NOT EXISTS threshold_configs (
	tenant_id  TEXT PRIMARY KEY,
	config     JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS evidence_weights (
	tenant_id     TEXT NOT NULL,
	evidence_type TEXT NOT NULL,
	weight        DOUBLE PRECISION NOT NULL CHECK (weight > 0 AND weight <= 1),
	enabled       BOOLEAN NOT NULL DEFAULT true,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, evidence_type)
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	submission     JSONB NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

const pgPatternColumns = `id, tenant_id, signature, signature_hash, total_evidence_score, evidence_count,
	unique_users_affected, first_occurrence_at, last_occurrence_at, occurrence_met, impact_met,
	confidence_met, status, proposal_id, created_at, updated_at`

const pgProposalColumns = `id, tenant_id, pattern_id, code, title, description, graph, confidence, coverage,
	evidence_summary, approved, risk, veto_code, veto_reason, priority, suggestions, status,
	published_workflow_id, created_at, updated_at`

func pgPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// InTx runs fn inside a single pgx transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx})
	})
}

// pgTx implements Tx on a pgx transaction.
type pgTx struct {
	q db.Querier
}

func (t *pgTx) PatternByHash(ctx context.Context, tenantID, hash string) (*model.NeedPattern, error) {
	p, err := scanPGPattern(t.q.QueryRow(ctx,
		`SELECT `+pgPatternColumns+` FROM need_patterns WHERE tenant_id = $1 AND signature_hash = $2`,
		tenantID, hash,
	))
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	return p, eris.Wrap(err, "postgres: pattern by hash")
}

func (t *pgTx) NearestPattern(ctx context.Context, tenantID string, embedding []float32) (*Match, error) {
	vec := pgvector.NewVector(embedding)
	var m Match
	err := t.q.QueryRow(ctx,
		`SELECT id, 1 - (embedding <=> $2) AS similarity
		 FROM need_patterns
		 WHERE tenant_id = $1 AND embedding IS NOT NULL AND vector_dims(embedding) = $3
		 ORDER BY embedding <=> $2
		 LIMIT 1`,
		tenantID, vec, len(embedding),
	).Scan(&m.PatternID, &m.Similarity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: nearest pattern")
	}
	return &m, nil
}

func (t *pgTx) UpsertPattern(ctx context.Context, p *model.NeedPattern) (string, error) {
	sigJSON, err := json.Marshal(p.Signature)
	if err != nil {
		return "", eris.Wrap(err, "postgres: marshal signature")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	var vec *pgvector.Vector
	if len(p.Embedding) > 0 {
		v := pgvector.NewVector(p.Embedding)
		vec = &v
	}

	var id string
	err = t.q.QueryRow(ctx,
		`INSERT INTO need_patterns
		 (id, tenant_id, signature, signature_hash, embedding, first_occurrence_at, last_occurrence_at, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6, 'accumulating', $7, $7)
		 ON CONFLICT (tenant_id, signature_hash) DO UPDATE SET
		   embedding = COALESCE(need_patterns.embedding, EXCLUDED.embedding)
		 RETURNING id`,
		p.ID, p.TenantID, sigJSON, p.SignatureHash, vec, p.FirstOccurrenceAt, p.CreatedAt,
	).Scan(&id)
	if err != nil {
		return "", eris.Wrap(err, "postgres: upsert pattern")
	}
	return id, nil
}

func (t *pgTx) LockPattern(ctx context.Context, tenantID, patternID string) (*model.NeedPattern, error) {
	p, err := scanPGPattern(t.q.QueryRow(ctx,
		`SELECT `+pgPatternColumns+` FROM need_patterns WHERE id = $1 AND tenant_id = $2 FOR UPDATE`,
		patternID, tenantID,
	))
	return p, eris.Wrapf(err, "postgres: lock pattern %s", patternID)
}

func (t *pgTx) RecomputeAggregates(ctx context.Context, tenantID, patternID string) (*model.NeedPattern, error) {
	p, err := scanPGPattern(t.q.QueryRow(ctx,
		`UPDATE need_patterns p SET
		   total_evidence_score = agg.score,
		   evidence_count = agg.cnt,
		   unique_users_affected = agg.users,
		   first_occurrence_at = COALESCE(agg.first_at, p.first_occurrence_at),
		   last_occurrence_at = COALESCE(agg.last_at, p.last_occurrence_at)
		 FROM (
		   SELECT COALESCE(SUM(weight), 0) AS score,
		          COUNT(*) AS cnt,
		          COUNT(DISTINCT NULLIF(user_id, '')) AS users,
		          MIN(occurred_at) AS first_at,
		          MAX(occurred_at) AS last_at
		   FROM evidence WHERE pattern_id = $1
		 ) agg
		 WHERE p.id = $1 AND p.tenant_id = $2
		 RETURNING p.id, p.tenant_id, p.signature, p.signature_hash, p.total_evidence_score, p.evidence_count,
		   p.unique_users_affected, p.first_occurrence_at, p.last_occurrence_at, p.occurrence_met, p.impact_met,
		   p.confidence_met, p.status, p.proposal_id, p.created_at, p.updated_at`,
		patternID, tenantID,
	))
	return p, eris.Wrapf(err, "postgres: recompute aggregates %s", patternID)
}

func (t *pgTx) UpdatePattern(ctx context.Context, u model.PatternUpdate) error {
	if err := u.Check(); err != nil {
		return err
	}
	query, args := patternUpdateSQL(u, pgPlaceholder, u.At)
	tag, err := t.q.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update pattern %s", u.PatternID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrIllegalTransition, "postgres: pattern %s is no longer %s", u.PatternID, u.From)
	}
	if !u.StatusChange() {
		return nil
	}
	_, err = t.q.Exec(ctx,
		`INSERT INTO pattern_transitions (id, tenant_id, pattern_id, from_status, to_status, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New().String(), u.TenantID, u.PatternID, string(u.From), string(u.To), u.Reason, u.At,
	)
	return eris.Wrap(err, "postgres: insert pattern transition")
}

func (t *pgTx) InsertEvidence(ctx context.Context, e *model.Evidence) error {
	ctxJSON, err := json.Marshal(e.Context)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal evidence context")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err = t.q.Exec(ctx,
		`INSERT INTO evidence
		 (id, tenant_id, pattern_id, type, weight, user_id, session_id, execution_id, failed_workflow_id, context, occurred_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.TenantID, e.PatternID, string(e.Type), e.Weight,
		nullIfEmpty(e.UserID), nullIfEmpty(e.SessionID), nullIfEmpty(e.ExecutionID), nullIfEmpty(e.FailedWorkflowID),
		ctxJSON, e.OccurredAt, e.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert evidence")
}

func (t *pgTx) NextProposalSeq(ctx context.Context, tenantID string, year int) (int, error) {
	var seq int
	err := t.q.QueryRow(ctx,
		`INSERT INTO proposal_sequences (tenant_id, year, last_seq) VALUES ($1, $2, 1)
		 ON CONFLICT (tenant_id, year) DO UPDATE SET last_seq = proposal_sequences.last_seq + 1
		 RETURNING last_seq`,
		tenantID, year,
	).Scan(&seq)
	return seq, eris.Wrap(err, "postgres: next proposal seq")
}

func (t *pgTx) InsertProposal(ctx context.Context, p *model.Proposal) error {
	enc, err := encodeProposal(p)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal proposal")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	_, err = t.q.Exec(ctx,
		`INSERT INTO proposals
		 (id, tenant_id, pattern_id, code, title, description, graph, confidence, coverage, evidence_summary,
		  approved, risk, veto_code, veto_reason, priority, suggestions, status, published_workflow_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		p.ID, p.TenantID, p.PatternID, p.Code, p.Title, p.Description, enc.graph, p.Confidence, p.Coverage, enc.summary,
		p.Approved, enc.risk, string(p.VetoCode), p.VetoReason, string(p.Priority), enc.suggestions,
		string(p.Status), p.PublishedWorkflowID, p.CreatedAt, p.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert proposal")
}

func (t *pgTx) LockProposal(ctx context.Context, tenantID, proposalID string) (*model.Proposal, error) {
	p, err := scanPGProposal(t.q.QueryRow(ctx,
		`SELECT `+pgProposalColumns+` FROM proposals WHERE id = $1 AND tenant_id = $2 FOR UPDATE`,
		proposalID, tenantID,
	))
	return p, eris.Wrapf(err, "postgres: lock proposal %s", proposalID)
}

func (t *pgTx) UpdateProposal(ctx context.Context, u model.ProposalUpdate) error {
	if err := u.Check(); err != nil {
		return err
	}
	risk, suggestions, err := encodeProposalUpdate(u)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal proposal update")
	}
	query, args := proposalUpdateSQL(u, pgPlaceholder, u.At, risk, suggestions)
	tag, err := t.q.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update proposal %s", u.ProposalID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrIllegalTransition, "postgres: proposal %s is no longer %s", u.ProposalID, u.From)
	}
	return nil
}

func (t *pgTx) CountProposalsSince(ctx context.Context, tenantID string, since time.Time, excludeID string) (int, error) {
	var n int
	err := t.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM proposals WHERE tenant_id = $1 AND created_at >= $2 AND id <> $3`,
		tenantID, since, excludeID,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count proposals")
}

func (t *pgTx) AppendReview(ctx context.Context, r *model.ProposalReview) error {
	var riskJSON []byte
	if r.Risk != nil {
		var err error
		if riskJSON, err = json.Marshal(r.Risk); err != nil {
			return eris.Wrap(err, "postgres: marshal review risk")
		}
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO proposal_reviews
		 (id, tenant_id, proposal_id, reviewer_type, reviewer_id, action, previous_status, new_status, notes, risk, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.TenantID, r.ProposalID, string(r.ReviewerType), r.ReviewerID, string(r.Action),
		string(r.PreviousStatus), string(r.NewStatus), r.Notes, riskJSON, r.CreatedAt,
	)
	return eris.Wrap(err, "postgres: append review")
}

// Read paths

func (s *PostgresStore) GetPattern(ctx context.Context, tenantID, patternID string) (*model.NeedPattern, error) {
	p, err := scanPGPattern(s.pool.QueryRow(ctx,
		`SELECT `+pgPatternColumns+` FROM need_patterns WHERE id = $1 AND tenant_id = $2`,
		patternID, tenantID,
	))
	return p, eris.Wrapf(err, "postgres: get pattern %s", patternID)
}

func (s *PostgresStore) ListPatterns(ctx context.Context, filter PatternFilter) ([]model.NeedPattern, error) {
	query := `SELECT ` + pgPatternColumns + ` FROM need_patterns WHERE tenant_id = $1`
	args := []any{filter.TenantID}
	argIdx := 2

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.MinScore > 0 {
		query += fmt.Sprintf(` AND total_evidence_score >= $%d`, argIdx)
		args = append(args, filter.MinScore)
		argIdx++
	}
	if !filter.UpdatedBefore.IsZero() {
		query += fmt.Sprintf(` AND updated_at < $%d`, argIdx)
		args = append(args, filter.UpdatedBefore)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY total_evidence_score DESC, id LIMIT $%d`, argIdx)
	args = append(args, clampLimit(filter.Limit))
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list patterns")
	}
	return collectPGPatterns(rows)
}

func (s *PostgresStore) SynthesisCandidates(ctx context.Context, tenantID string, limit int) ([]model.NeedPattern, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgPatternColumns+` FROM need_patterns
		 WHERE tenant_id = $1 AND status = 'threshold_met' AND proposal_id IS NULL
		 ORDER BY total_evidence_score DESC, id
		 LIMIT $2`,
		tenantID, clampLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: synthesis candidates")
	}
	return collectPGPatterns(rows)
}

func (s *PostgresStore) DeriveAggregates(ctx context.Context, tenantID, patternID string) (model.Aggregates, error) {
	var a model.Aggregates
	var first, last *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(weight), 0), COUNT(*), COUNT(DISTINCT NULLIF(user_id, '')), MIN(occurred_at), MAX(occurred_at)
		 FROM evidence WHERE pattern_id = $1 AND tenant_id = $2`,
		patternID, tenantID,
	).Scan(&a.TotalEvidenceScore, &a.EvidenceCount, &a.UniqueUsersAffected, &first, &last)
	if err != nil {
		return a, eris.Wrapf(err, "postgres: derive aggregates %s", patternID)
	}
	if first != nil {
		a.FirstOccurrenceAt = *first
	}
	if last != nil {
		a.LastOccurrenceAt = *last
	}
	return a, nil
}

func (s *PostgresStore) ListEvidence(ctx context.Context, tenantID, patternID string, limit int) ([]model.Evidence, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, pattern_id, type, weight, user_id, session_id, execution_id, failed_workflow_id,
		        context, occurred_at, created_at
		 FROM evidence WHERE pattern_id = $1 AND tenant_id = $2
		 ORDER BY occurred_at DESC
		 LIMIT $3`,
		patternID, tenantID, clampLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list evidence")
	}
	defer rows.Close()

	var out []model.Evidence
	for rows.Next() {
		var e model.Evidence
		var userID, sessionID, execID, failedID *string
		var ctxJSON []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.PatternID, &e.Type, &e.Weight,
			&userID, &sessionID, &execID, &failedID, &ctxJSON, &e.OccurredAt, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan evidence")
		}
		e.UserID, e.SessionID = derefString(userID), derefString(sessionID)
		e.ExecutionID, e.FailedWorkflowID = derefString(execID), derefString(failedID)
		if err := json.Unmarshal(ctxJSON, &e.Context); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal evidence context")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list evidence iterate")
}

func (s *PostgresStore) ListPatternTransitions(ctx context.Context, tenantID, patternID string) ([]model.PatternTransition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, pattern_id, from_status, to_status, reason, created_at
		 FROM pattern_transitions WHERE pattern_id = $1 AND tenant_id = $2
		 ORDER BY created_at, id`,
		patternID, tenantID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pattern transitions")
	}
	defer rows.Close()

	var out []model.PatternTransition
	for rows.Next() {
		var pt model.PatternTransition
		if err := rows.Scan(&pt.ID, &pt.TenantID, &pt.PatternID, &pt.FromStatus, &pt.ToStatus, &pt.Reason, &pt.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan pattern transition")
		}
		out = append(out, pt)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list pattern transitions iterate")
}

func (s *PostgresStore) CountStuckPatterns(ctx context.Context, before time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM need_patterns WHERE status = 'proposal_generating' AND updated_at < $1`,
		before,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count stuck patterns")
}

func (s *PostgresStore) GetProposal(ctx context.Context, tenantID, proposalID string) (*model.Proposal, error) {
	p, err := scanPGProposal(s.pool.QueryRow(ctx,
		`SELECT `+pgProposalColumns+` FROM proposals WHERE id = $1 AND tenant_id = $2`,
		proposalID, tenantID,
	))
	return p, eris.Wrapf(err, "postgres: get proposal %s", proposalID)
}

func (s *PostgresStore) ListProposals(ctx context.Context, filter ProposalFilter) ([]model.Proposal, error) {
	query := `SELECT ` + pgProposalColumns + ` FROM proposals WHERE tenant_id = $1`
	args := []any{filter.TenantID}
	argIdx := 2

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.PatternID != "" {
		query += fmt.Sprintf(` AND pattern_id = $%d`, argIdx)
		args = append(args, filter.PatternID)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d`, argIdx)
	args = append(args, clampLimit(filter.Limit))
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list proposals")
	}
	return collectPGProposals(rows)
}

func (s *PostgresStore) ListReviews(ctx context.Context, tenantID, proposalID string) ([]model.ProposalReview, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, proposal_id, reviewer_type, reviewer_id, action, previous_status, new_status, notes, risk, created_at
		 FROM proposal_reviews WHERE proposal_id = $1 AND tenant_id = $2
		 ORDER BY created_at, id`,
		proposalID, tenantID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list reviews")
	}
	defer rows.Close()

	var out []model.ProposalReview
	for rows.Next() {
		var r model.ProposalReview
		var riskJSON []byte
		if err := rows.Scan(&r.ID, &r.TenantID, &r.ProposalID, &r.ReviewerType, &r.ReviewerID, &r.Action,
			&r.PreviousStatus, &r.NewStatus, &r.Notes, &riskJSON, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan review")
		}
		if len(riskJSON) > 0 {
			r.Risk = &model.RiskAssessment{}
			if err := json.Unmarshal(riskJSON, r.Risk); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal review risk")
			}
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list reviews iterate")
}

func (s *PostgresStore) CountProposalsSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM proposals WHERE tenant_id = $1 AND created_at >= $2`,
		tenantID, since,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count proposals")
}

func (s *PostgresStore) LastDeclineAt(ctx context.Context, tenantID, patternID string) (*time.Time, error) {
	var at *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(r.created_at)
		 FROM proposal_reviews r
		 JOIN proposals p ON p.id = r.proposal_id
		 WHERE p.tenant_id = $1 AND p.pattern_id = $2
		   AND ((r.action = 'decline' AND r.reviewer_type = 'admin') OR (r.action = 'veto' AND r.reviewer_type = 'brain'))`,
		tenantID, patternID,
	).Scan(&at)
	return at, eris.Wrap(err, "postgres: last decline")
}

func (s *PostgresStore) ActiveWorkflows(ctx context.Context, tenantID, excludeID string) ([]model.Proposal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgProposalColumns+` FROM proposals
		 WHERE tenant_id = $1 AND id <> $2 AND status = ANY($3)
		 ORDER BY created_at DESC`,
		tenantID, excludeID, activeWorkflowStatuses,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: active workflows")
	}
	return collectPGProposals(rows)
}

func (s *PostgresStore) ProposalStatsSince(ctx context.Context, since time.Time) (ProposalStats, error) {
	var st ProposalStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN veto_code <> '' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'pending_admin' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'published' THEN 1 ELSE 0 END), 0)
		 FROM proposals WHERE created_at >= $1`,
		since,
	).Scan(&st.Created, &st.Vetoed, &st.PendingAdmin, &st.Published)
	return st, eris.Wrap(err, "postgres: proposal stats")
}

// Tenant configuration

func (s *PostgresStore) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id FROM need_patterns UNION SELECT tenant_id FROM threshold_configs ORDER BY 1`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tenants")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan tenant")
		}
		out = append(out, id)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list tenants iterate")
}

func (s *PostgresStore) GetThresholdConfig(ctx context.Context, tenantID string) (model.ThresholdConfig, error) {
	var raw []byte
	var updated time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT config, updated_at FROM threshold_configs WHERE tenant_id = $1`, tenantID,
	).Scan(&raw, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DefaultThresholdConfig(tenantID), nil
	}
	if err != nil {
		return model.ThresholdConfig{}, eris.Wrapf(err, "postgres: get thresholds %s", tenantID)
	}
	return decodeThresholds(tenantID, raw, updated)
}

func (s *PostgresStore) SaveThresholdConfig(ctx context.Context, cfg model.ThresholdConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal thresholds")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO threshold_configs (tenant_id, config, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id) DO UPDATE SET config = EXCLUDED.config, updated_at = EXCLUDED.updated_at`,
		cfg.TenantID, raw, cfg.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: save thresholds")
}

func (s *PostgresStore) GetEvidenceWeights(ctx context.Context, tenantID string) (model.EvidenceWeightConfig, error) {
	cfg := model.EvidenceWeightConfig{TenantID: tenantID, Weights: map[model.EvidenceType]model.WeightSetting{}}
	rows, err := s.pool.Query(ctx,
		`SELECT evidence_type, weight, enabled, updated_at FROM evidence_weights WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return cfg, eris.Wrap(err, "postgres: get evidence weights")
	}
	defer rows.Close()

	for rows.Next() {
		var t string
		var ws model.WeightSetting
		var updated time.Time
		if err := rows.Scan(&t, &ws.Weight, &ws.Enabled, &updated); err != nil {
			return cfg, eris.Wrap(err, "postgres: scan evidence weight")
		}
		cfg.Weights[model.EvidenceType(t)] = ws
		if updated.After(cfg.UpdatedAt) {
			cfg.UpdatedAt = updated
		}
	}
	return cfg, eris.Wrap(rows.Err(), "postgres: get evidence weights iterate")
}

func (s *PostgresStore) SaveEvidenceWeights(ctx context.Context, cfg model.EvidenceWeightConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	now := cfg.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM evidence_weights WHERE tenant_id = $1`, cfg.TenantID); err != nil {
			return eris.Wrap(err, "postgres: clear evidence weights")
		}
		for t, ws := range cfg.Weights {
			if _, err := tx.Exec(ctx,
				`INSERT INTO evidence_weights (tenant_id, evidence_type, weight, enabled, updated_at) VALUES ($1, $2, $3, $4, $5)`,
				cfg.TenantID, string(t), ws.Weight, ws.Enabled, now,
			); err != nil {
				return eris.Wrapf(err, "postgres: insert evidence weight %s", t)
			}
		}
		return nil
	})
}

// Dead letter queue methods

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry model.DLQEntry) error {
	subJSON, err := json.Marshal(entry.Submission)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal dlq submission")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, tenant_id, submission, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $4, error_type = $5, retry_count = $6,
		   next_retry_at = $8, last_failed_at = $10`,
		entry.ID, entry.Submission.TenantID, subJSON, entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries, entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter DLQFilter) ([]model.DLQEntry, error) {
	query := `SELECT id, submission, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= now() AND retry_count < max_retries`
	args := []any{}
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY next_retry_at ASC LIMIT $%d`, argIdx)
	args = append(args, clampLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var entries []model.DLQEntry
	for rows.Next() {
		var e model.DLQEntry
		var subJSON []byte
		if err := rows.Scan(&e.ID, &subJSON, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		if err := json.Unmarshal(subJSON, &e.Submission); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal dlq submission")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "dlq entry %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}

// helpers

func scanPGPattern(row pgx.Row) (*model.NeedPattern, error) {
	var p model.NeedPattern
	var sigJSON []byte
	err := row.Scan(&p.ID, &p.TenantID, &sigJSON, &p.SignatureHash, &p.TotalEvidenceScore, &p.EvidenceCount,
		&p.UniqueUsersAffected, &p.FirstOccurrenceAt, &p.LastOccurrenceAt, &p.OccurrenceMet, &p.ImpactMet,
		&p.ConfidenceMet, &p.Status, &p.ProposalID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(model.ErrNotFound, "pattern")
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan pattern")
	}
	if err := json.Unmarshal(sigJSON, &p.Signature); err != nil {
		return nil, eris.Wrap(err, "unmarshal signature")
	}
	return &p, nil
}

func collectPGPatterns(rows pgx.Rows) ([]model.NeedPattern, error) {
	defer rows.Close()
	var out []model.NeedPattern
	for rows.Next() {
		p, err := scanPGPattern(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: collect patterns")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: collect patterns iterate")
}

func scanPGProposal(row pgx.Row) (*model.Proposal, error) {
	var p model.Proposal
	var graphJSON, summaryJSON, riskJSON, suggestionsJSON []byte
	err := row.Scan(&p.ID, &p.TenantID, &p.PatternID, &p.Code, &p.Title, &p.Description, &graphJSON,
		&p.Confidence, &p.Coverage, &summaryJSON, &p.Approved, &riskJSON, &p.VetoCode, &p.VetoReason,
		&p.Priority, &suggestionsJSON, &p.Status, &p.PublishedWorkflowID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(model.ErrNotFound, "proposal")
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan proposal")
	}
	if err := decodeProposal(&p, graphJSON, summaryJSON, riskJSON, suggestionsJSON); err != nil {
		return nil, err
	}
	return &p, nil
}

func collectPGProposals(rows pgx.Rows) ([]model.Proposal, error) {
	defer rows.Close()
	var out []model.Proposal
	for rows.Next() {
		p, err := scanPGProposal(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: collect proposals")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: collect proposals iterate")
}
