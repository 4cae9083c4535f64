package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/workflow-evolver/internal/model"
	"github.com/sells-group/workflow-evolver/pkg/embedding"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as unix microseconds and embeddings as JSON arrays; similarity
// search is a linear scan per tenant.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// Writes are serialized through a single connection.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS need_patterns (
	id                    TEXT PRIMARY KEY,
	tenant_id             TEXT NOT NULL,
	signature             TEXT NOT NULL,
	signature_hash        TEXT NOT NULL,
	embedding             TEXT,
	total_evidence_score  REAL NOT NULL DEFAULT 0,
	evidence_count        INTEGER NOT NULL DEFAULT 0,
	unique_users_affected INTEGER NOT NULL DEFAULT 0,
	first_occurrence_at   INTEGER NOT NULL,
	last_occurrence_at    INTEGER NOT NULL,
	occurrence_met        INTEGER NOT NULL DEFAULT 0,
	impact_met            INTEGER NOT NULL DEFAULT 0,
	confidence_met        INTEGER NOT NULL DEFAULT 0,
	status                TEXT NOT NULL DEFAULT 'accumulating'
		CHECK (status IN ('accumulating', 'threshold_met', 'proposal_generating', 'proposal_generated', 'resolved')),
	proposal_id           TEXT,
	created_at            INTEGER NOT NULL,
	updated_at            INTEGER NOT NULL,
	UNIQUE (tenant_id, signature_hash)
);

CREATE INDEX IF NOT EXISTS idx_need_patterns_tenant_status ON need_patterns(tenant_id, status);

CREATE TABLE IF NOT EXISTS evidence (
	id                 TEXT PRIMARY KEY,
	tenant_id          TEXT NOT NULL,
	pattern_id         TEXT NOT NULL REFERENCES need_patterns(id),
	type               TEXT NOT NULL,
	weight             REAL NOT NULL CHECK (weight > 0),
	user_id            TEXT,
	session_id         TEXT,
	execution_id       TEXT,
	failed_workflow_id TEXT,
	context            TEXT NOT NULL,
	occurred_at        INTEGER NOT NULL,
	created_at         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evidence_pattern ON evidence(pattern_id, occurred_at);

CREATE TABLE IF NOT EXISTS pattern_transitions (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	pattern_id  TEXT NOT NULL REFERENCES need_patterns(id),
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS proposals (
	id                    TEXT PRIMARY KEY,
	tenant_id             TEXT NOT NULL,
	pattern_id            TEXT NOT NULL REFERENCES need_patterns(id),
	code                  TEXT NOT NULL,
	title                 TEXT NOT NULL,
	description           TEXT NOT NULL DEFAULT '',
	graph                 TEXT NOT NULL,
	confidence            REAL NOT NULL,
	coverage              REAL NOT NULL,
	evidence_summary      TEXT NOT NULL,
	approved              INTEGER NOT NULL DEFAULT 0,
	risk                  TEXT,
	veto_code             TEXT NOT NULL DEFAULT '',
	veto_reason           TEXT NOT NULL DEFAULT '',
	priority              TEXT NOT NULL DEFAULT '',
	suggestions           TEXT,
	status                TEXT NOT NULL DEFAULT 'pending_brain'
		CHECK (status IN ('pending_brain', 'pending_admin', 'testing', 'approved', 'declined', 'published')),
	published_workflow_id TEXT NOT NULL DEFAULT '',
	created_at            INTEGER NOT NULL,
	updated_at            INTEGER NOT NULL,
	UNIQUE (tenant_id, code)
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_proposals_active_pattern ON proposals(pattern_id) WHERE status <> 'declined';
CREATE INDEX IF NOT EXISTS idx_proposals_tenant_created ON proposals(tenant_id, created_at);

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
	risk            TEXT,
	created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_proposal_reviews_proposal ON proposal_reviews(proposal_id, created_at);

CREATE TRIGGER IF NOT EXISTS proposal_reviews_no_update BEFORE UPDATE ON proposal_reviews
BEGIN
	SELECT RAISE(ABORT, 'proposal_reviews is append-only');
END;

CREATE TRIGGER IF NOT EXISTS proposal_reviews_no_delete BEFORE DELETE ON proposal_reviews
BEGIN
	SELECT RAISE(ABORT, 'proposal_reviews is append-only');
END;

CREATE TRIGGER IF NOT EXISTS pattern_transitions_no_update BEFORE UPDATE ON pattern_transitions
BEGIN
	SELECT RAISE(ABORT, 'pattern_transitions is append-only');
END;

CREATE TRIGGER IF NOT EXISTS pattern_transitions_no_delete BEFORE DELETE ON pattern_transitions
BEGIN
	SELECT RAISE(ABORT, 'pattern_transitions is append-only');
END;

CREATE TABLE IF NOT EXISTS threshold_configs (
	tenant_id  TEXT PRIMARY KEY,
	config     TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS evidence_weights (
	tenant_id     TEXT NOT NULL,
	evidence_type TEXT NOT NULL,
	weight        REAL NOT NULL CHECK (weight > 0 AND weight <= 1),
	enabled       INTEGER NOT NULL DEFAULT 1,
	updated_at    INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, evidence_type)
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	submission     TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	last_failed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

const sqlitePatternColumns = `id, tenant_id, signature, signature_hash, total_evidence_score, evidence_count,
	unique_users_affected, first_occurrence_at, last_occurrence_at, occurrence_met, impact_met,
	confidence_met, status, proposal_id, created_at, updated_at`

const sqliteProposalColumns = pgProposalColumns

func sqlitePlaceholder(int) string { return "?" }

func micros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InTx runs fn inside a single database/sql transaction.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(&sqliteTx{q: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// sqliteQuerier is the subset of *sql.DB and *sql.Tx the store needs.
type sqliteQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteTx struct {
	q sqliteQuerier
}

func (t *sqliteTx) PatternByHash(ctx context.Context, tenantID, hash string) (*model.NeedPattern, error) {
	p, err := scanSQLitePattern(t.q.QueryRowContext(ctx,
		`SELECT `+sqlitePatternColumns+` FROM need_patterns WHERE tenant_id = ? AND signature_hash = ?`,
		tenantID, hash,
	))
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	return p, eris.Wrap(err, "sqlite: pattern by hash")
}

func (t *sqliteTx) NearestPattern(ctx context.Context, tenantID string, vec []float32) (*Match, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT id, embedding FROM need_patterns WHERE tenant_id = ? AND embedding IS NOT NULL`, tenantID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: nearest pattern")
	}
	defer rows.Close()

	var best *Match
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan embedding")
		}
		var stored []float32
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal embedding %s", id)
		}
		if len(stored) != len(vec) {
			continue
		}
		sim := embedding.Cosine(vec, stored)
		if best == nil || sim > best.Similarity {
			best = &Match{PatternID: id, Similarity: sim}
		}
	}
	return best, eris.Wrap(rows.Err(), "sqlite: nearest pattern iterate")
}

func (t *sqliteTx) UpsertPattern(ctx context.Context, p *model.NeedPattern) (string, error) {
	sigJSON, err := json.Marshal(p.Signature)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal signature")
	}
	var vec *string
	if len(p.Embedding) > 0 {
		b, err := json.Marshal(p.Embedding)
		if err != nil {
			return "", eris.Wrap(err, "sqlite: marshal embedding")
		}
		v := string(b)
		vec = &v
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	var id string
	err = t.q.QueryRowContext(ctx,
		`INSERT INTO need_patterns
		 (id, tenant_id, signature, signature_hash, embedding, first_occurrence_at, last_occurrence_at, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'accumulating', ?, ?)
		 ON CONFLICT (tenant_id, signature_hash) DO UPDATE SET
		   embedding = COALESCE(need_patterns.embedding, excluded.embedding)
		 RETURNING id`,
		p.ID, p.TenantID, string(sigJSON), p.SignatureHash, vec,
		micros(p.FirstOccurrenceAt), micros(p.FirstOccurrenceAt), micros(p.CreatedAt), micros(p.CreatedAt),
	).Scan(&id)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: upsert pattern")
	}
	return id, nil
}

func (t *sqliteTx) LockPattern(ctx context.Context, tenantID, patternID string) (*model.NeedPattern, error) {
	// The single connection already serializes writers.
	p, err := scanSQLitePattern(t.q.QueryRowContext(ctx,
		`SELECT `+sqlitePatternColumns+` FROM need_patterns WHERE id = ? AND tenant_id = ?`,
		patternID, tenantID,
	))
	return p, eris.Wrapf(err, "sqlite: lock pattern %s", patternID)
}

func (t *sqliteTx) RecomputeAggregates(ctx context.Context, tenantID, patternID string) (*model.NeedPattern, error) {
	_, err := t.q.ExecContext(ctx,
		`UPDATE need_patterns SET
		   total_evidence_score = (SELECT COALESCE(SUM(weight), 0) FROM evidence WHERE pattern_id = need_patterns.id),
		   evidence_count = (SELECT COUNT(*) FROM evidence WHERE pattern_id = need_patterns.id),
		   unique_users_affected = (SELECT COUNT(DISTINCT NULLIF(user_id, '')) FROM evidence WHERE pattern_id = need_patterns.id),
		   first_occurrence_at = COALESCE((SELECT MIN(occurred_at) FROM evidence WHERE pattern_id = need_patterns.id), first_occurrence_at),
		   last_occurrence_at = COALESCE((SELECT MAX(occurred_at) FROM evidence WHERE pattern_id = need_patterns.id), last_occurrence_at)
		 WHERE id = ? AND tenant_id = ?`,
		patternID, tenantID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: recompute aggregates %s", patternID)
	}
	return t.LockPattern(ctx, tenantID, patternID)
}

func (t *sqliteTx) UpdatePattern(ctx context.Context, u model.PatternUpdate) error {
	if err := u.Check(); err != nil {
		return err
	}
	query, args := patternUpdateSQL(u, sqlitePlaceholder, micros(u.At))
	res, err := t.q.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update pattern %s", u.PatternID)
	}
	if n, err := res.RowsAffected(); err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	} else if n == 0 {
		return eris.Wrapf(model.ErrIllegalTransition, "sqlite: pattern %s is no longer %s", u.PatternID, u.From)
	}
	if !u.StatusChange() {
		return nil
	}
	_, err = t.q.ExecContext(ctx,
		`INSERT INTO pattern_transitions (id, tenant_id, pattern_id, from_status, to_status, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), u.TenantID, u.PatternID, string(u.From), string(u.To), u.Reason, micros(u.At),
	)
	return eris.Wrap(err, "sqlite: insert pattern transition")
}

func (t *sqliteTx) InsertEvidence(ctx context.Context, e *model.Evidence) error {
	ctxJSON, err := json.Marshal(e.Context)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal evidence context")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err = t.q.ExecContext(ctx,
		`INSERT INTO evidence
		 (id, tenant_id, pattern_id, type, weight, user_id, session_id, execution_id, failed_workflow_id, context, occurred_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.PatternID, string(e.Type), e.Weight,
		nullIfEmpty(e.UserID), nullIfEmpty(e.SessionID), nullIfEmpty(e.ExecutionID), nullIfEmpty(e.FailedWorkflowID),
		string(ctxJSON), micros(e.OccurredAt), micros(e.CreatedAt),
	)
	return eris.Wrap(err, "sqlite: insert evidence")
}

func (t *sqliteTx) NextProposalSeq(ctx context.Context, tenantID string, year int) (int, error) {
	var seq int
	err := t.q.QueryRowContext(ctx,
		`INSERT INTO proposal_sequences (tenant_id, year, last_seq) VALUES (?, ?, 1)
		 ON CONFLICT (tenant_id, year) DO UPDATE SET last_seq = last_seq + 1
		 RETURNING last_seq`,
		tenantID, year,
	).Scan(&seq)
	return seq, eris.Wrap(err, "sqlite: next proposal seq")
}

func (t *sqliteTx) InsertProposal(ctx context.Context, p *model.Proposal) error {
	enc, err := encodeProposal(p)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal proposal")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	_, err = t.q.ExecContext(ctx,
		`INSERT INTO proposals
		 (id, tenant_id, pattern_id, code, title, description, graph, confidence, coverage, evidence_summary,
		  approved, risk, veto_code, veto_reason, priority, suggestions, status, published_workflow_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, p.PatternID, p.Code, p.Title, p.Description, string(enc.graph), p.Confidence, p.Coverage,
		string(enc.summary), p.Approved, nullableJSON(enc.risk), string(p.VetoCode), p.VetoReason, string(p.Priority),
		nullableJSON(enc.suggestions), string(p.Status), p.PublishedWorkflowID, micros(p.CreatedAt), micros(p.UpdatedAt),
	)
	return eris.Wrap(err, "sqlite: insert proposal")
}

func (t *sqliteTx) LockProposal(ctx context.Context, tenantID, proposalID string) (*model.Proposal, error) {
	p, err := scanSQLiteProposal(t.q.QueryRowContext(ctx,
		`SELECT `+sqliteProposalColumns+` FROM proposals WHERE id = ? AND tenant_id = ?`,
		proposalID, tenantID,
	))
	return p, eris.Wrapf(err, "sqlite: lock proposal %s", proposalID)
}

func (t *sqliteTx) UpdateProposal(ctx context.Context, u model.ProposalUpdate) error {
	if err := u.Check(); err != nil {
		return err
	}
	risk, suggestions, err := encodeProposalUpdate(u)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal proposal update")
	}
	query, args := proposalUpdateSQL(u, sqlitePlaceholder, micros(u.At), risk, suggestions)
	res, err := t.q.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update proposal %s", u.ProposalID)
	}
	if n, err := res.RowsAffected(); err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	} else if n == 0 {
		return eris.Wrapf(model.ErrIllegalTransition, "sqlite: proposal %s is no longer %s", u.ProposalID, u.From)
	}
	return nil
}

func (t *sqliteTx) CountProposalsSince(ctx context.Context, tenantID string, since time.Time, excludeID string) (int, error) {
	var n int
	err := t.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM proposals WHERE tenant_id = ? AND created_at >= ? AND id <> ?`,
		tenantID, micros(since), excludeID,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count proposals")
}

func (t *sqliteTx) AppendReview(ctx context.Context, r *model.ProposalReview) error {
	var riskJSON []byte
	if r.Risk != nil {
		var err error
		if riskJSON, err = json.Marshal(r.Risk); err != nil {
			return eris.Wrap(err, "sqlite: marshal review risk")
		}
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO proposal_reviews
		 (id, tenant_id, proposal_id, reviewer_type, reviewer_id, action, previous_status, new_status, notes, risk, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, r.ProposalID, string(r.ReviewerType), r.ReviewerID, string(r.Action),
		string(r.PreviousStatus), string(r.NewStatus), r.Notes, nullableJSON(riskJSON), micros(r.CreatedAt),
	)
	return eris.Wrap(err, "sqlite: append review")
}

// Read paths

func (s *SQLiteStore) GetPattern(ctx context.Context, tenantID, patternID string) (*model.NeedPattern, error) {
	p, err := scanSQLitePattern(s.db.QueryRowContext(ctx,
		`SELECT `+sqlitePatternColumns+` FROM need_patterns WHERE id = ? AND tenant_id = ?`,
		patternID, tenantID,
	))
	return p, eris.Wrapf(err, "sqlite: get pattern %s", patternID)
}

func (s *SQLiteStore) ListPatterns(ctx context.Context, filter PatternFilter) ([]model.NeedPattern, error) {
	query := `SELECT ` + sqlitePatternColumns + ` FROM need_patterns WHERE tenant_id = ?`
	args := []any{filter.TenantID}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.MinScore > 0 {
		query += ` AND total_evidence_score >= ?`
		args = append(args, filter.MinScore)
	}
	if !filter.UpdatedBefore.IsZero() {
		query += ` AND updated_at < ?`
		args = append(args, micros(filter.UpdatedBefore))
	}
	query += ` ORDER BY total_evidence_score DESC, id LIMIT ? OFFSET ?`
	args = append(args, clampLimit(filter.Limit), max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list patterns")
	}
	return collectSQLitePatterns(rows)
}

func (s *SQLiteStore) SynthesisCandidates(ctx context.Context, tenantID string, limit int) ([]model.NeedPattern, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqlitePatternColumns+` FROM need_patterns
		 WHERE tenant_id = ? AND status = 'threshold_met' AND proposal_id IS NULL
		 ORDER BY total_evidence_score DESC, id
		 LIMIT ?`,
		tenantID, clampLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: synthesis candidates")
	}
	return collectSQLitePatterns(rows)
}

func (s *SQLiteStore) DeriveAggregates(ctx context.Context, tenantID, patternID string) (model.Aggregates, error) {
	var a model.Aggregates
	var first, last sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(weight), 0), COUNT(*), COUNT(DISTINCT NULLIF(user_id, '')), MIN(occurred_at), MAX(occurred_at)
		 FROM evidence WHERE pattern_id = ? AND tenant_id = ?`,
		patternID, tenantID,
	).Scan(&a.TotalEvidenceScore, &a.EvidenceCount, &a.UniqueUsersAffected, &first, &last)
	if err != nil {
		return a, eris.Wrapf(err, "sqlite: derive aggregates %s", patternID)
	}
	if first.Valid {
		a.FirstOccurrenceAt = fromMicros(first.Int64)
	}
	if last.Valid {
		a.LastOccurrenceAt = fromMicros(last.Int64)
	}
	return a, nil
}

func (s *SQLiteStore) ListEvidence(ctx context.Context, tenantID, patternID string, limit int) ([]model.Evidence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, pattern_id, type, weight, user_id, session_id, execution_id, failed_workflow_id,
		        context, occurred_at, created_at
		 FROM evidence WHERE pattern_id = ? AND tenant_id = ?
		 ORDER BY occurred_at DESC
		 LIMIT ?`,
		patternID, tenantID, clampLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list evidence")
	}
	defer rows.Close()

	var out []model.Evidence
	for rows.Next() {
		var e model.Evidence
		var userID, sessionID, execID, failedID sql.NullString
		var ctxJSON string
		var occurred, created int64
		if err := rows.Scan(&e.ID, &e.TenantID, &e.PatternID, &e.Type, &e.Weight,
			&userID, &sessionID, &execID, &failedID, &ctxJSON, &occurred, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan evidence")
		}
		e.UserID, e.SessionID = userID.String, sessionID.String
		e.ExecutionID, e.FailedWorkflowID = execID.String, failedID.String
		e.OccurredAt, e.CreatedAt = fromMicros(occurred), fromMicros(created)
		if err := json.Unmarshal([]byte(ctxJSON), &e.Context); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal evidence context")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list evidence iterate")
}

func (s *SQLiteStore) ListPatternTransitions(ctx context.Context, tenantID, patternID string) ([]model.PatternTransition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, pattern_id, from_status, to_status, reason, created_at
		 FROM pattern_transitions WHERE pattern_id = ? AND tenant_id = ?
		 ORDER BY created_at, rowid`,
		patternID, tenantID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pattern transitions")
	}
	defer rows.Close()

	var out []model.PatternTransition
	for rows.Next() {
		var pt model.PatternTransition
		var created int64
		if err := rows.Scan(&pt.ID, &pt.TenantID, &pt.PatternID, &pt.FromStatus, &pt.ToStatus, &pt.Reason, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pattern transition")
		}
		pt.CreatedAt = fromMicros(created)
		out = append(out, pt)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list pattern transitions iterate")
}

func (s *SQLiteStore) CountStuckPatterns(ctx context.Context, before time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM need_patterns WHERE status = 'proposal_generating' AND updated_at < ?`,
		micros(before),
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count stuck patterns")
}

func (s *SQLiteStore) GetProposal(ctx context.Context, tenantID, proposalID string) (*model.Proposal, error) {
	p, err := scanSQLiteProposal(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteProposalColumns+` FROM proposals WHERE id = ? AND tenant_id = ?`,
		proposalID, tenantID,
	))
	return p, eris.Wrapf(err, "sqlite: get proposal %s", proposalID)
}

func (s *SQLiteStore) ListProposals(ctx context.Context, filter ProposalFilter) ([]model.Proposal, error) {
	query := `SELECT ` + sqliteProposalColumns + ` FROM proposals WHERE tenant_id = ?`
	args := []any{filter.TenantID}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.PatternID != "" {
		query += ` AND pattern_id = ?`
		args = append(args, filter.PatternID)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, clampLimit(filter.Limit), max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list proposals")
	}
	return collectSQLiteProposals(rows)
}

func (s *SQLiteStore) ListReviews(ctx context.Context, tenantID, proposalID string) ([]model.ProposalReview, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, proposal_id, reviewer_type, reviewer_id, action, previous_status, new_status, notes, risk, created_at
		 FROM proposal_reviews WHERE proposal_id = ? AND tenant_id = ?
		 ORDER BY created_at, rowid`,
		proposalID, tenantID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list reviews")
	}
	defer rows.Close()

	var out []model.ProposalReview
	for rows.Next() {
		var r model.ProposalReview
		var riskJSON sql.NullString
		var created int64
		if err := rows.Scan(&r.ID, &r.TenantID, &r.ProposalID, &r.ReviewerType, &r.ReviewerID, &r.Action,
			&r.PreviousStatus, &r.NewStatus, &r.Notes, &riskJSON, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan review")
		}
		r.CreatedAt = fromMicros(created)
		if riskJSON.Valid && riskJSON.String != "" {
			r.Risk = &model.RiskAssessment{}
			if err := json.Unmarshal([]byte(riskJSON.String), r.Risk); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal review risk")
			}
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list reviews iterate")
}

func (s *SQLiteStore) CountProposalsSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM proposals WHERE tenant_id = ? AND created_at >= ?`,
		tenantID, micros(since),
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count proposals")
}

func (s *SQLiteStore) LastDeclineAt(ctx context.Context, tenantID, patternID string) (*time.Time, error) {
	var at sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(r.created_at)
		 FROM proposal_reviews r
		 JOIN proposals p ON p.id = r.proposal_id
		 WHERE p.tenant_id = ? AND p.pattern_id = ?
		   AND ((r.action = 'decline' AND r.reviewer_type = 'admin') OR (r.action = 'veto' AND r.reviewer_type = 'brain'))`,
		tenantID, patternID,
	).Scan(&at)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: last decline")
	}
	if !at.Valid {
		return nil, nil
	}
	t := fromMicros(at.Int64)
	return &t, nil
}

func (s *SQLiteStore) ActiveWorkflows(ctx context.Context, tenantID, excludeID string) ([]model.Proposal, error) {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(activeWorkflowStatuses)), ", ")
	args := []any{tenantID, excludeID}
	for _, st := range activeWorkflowStatuses {
		args = append(args, st)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteProposalColumns+` FROM proposals
		 WHERE tenant_id = ? AND id <> ? AND status IN (`+marks+`)
		 ORDER BY created_at DESC`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: active workflows")
	}
	return collectSQLiteProposals(rows)
}

func (s *SQLiteStore) ProposalStatsSince(ctx context.Context, since time.Time) (ProposalStats, error) {
	var st ProposalStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN veto_code <> '' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'pending_admin' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'published' THEN 1 ELSE 0 END), 0)
		 FROM proposals WHERE created_at >= ?`,
		micros(since),
	).Scan(&st.Created, &st.Vetoed, &st.PendingAdmin, &st.Published)
	return st, eris.Wrap(err, "sqlite: proposal stats")
}

// Tenant configuration

func (s *SQLiteStore) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id FROM need_patterns UNION SELECT tenant_id FROM threshold_configs ORDER BY 1`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tenants")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan tenant")
		}
		out = append(out, id)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list tenants iterate")
}

func (s *SQLiteStore) GetThresholdConfig(ctx context.Context, tenantID string) (model.ThresholdConfig, error) {
	var raw string
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT config, updated_at FROM threshold_configs WHERE tenant_id = ?`, tenantID,
	).Scan(&raw, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DefaultThresholdConfig(tenantID), nil
	}
	if err != nil {
		return model.ThresholdConfig{}, eris.Wrapf(err, "sqlite: get thresholds %s", tenantID)
	}
	return decodeThresholds(tenantID, []byte(raw), fromMicros(updated))
}

func (s *SQLiteStore) SaveThresholdConfig(ctx context.Context, cfg model.ThresholdConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal thresholds")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO threshold_configs (tenant_id, config, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (tenant_id) DO UPDATE SET config = excluded.config, updated_at = excluded.updated_at`,
		cfg.TenantID, string(raw), micros(cfg.UpdatedAt),
	)
	return eris.Wrap(err, "sqlite: save thresholds")
}

func (s *SQLiteStore) GetEvidenceWeights(ctx context.Context, tenantID string) (model.EvidenceWeightConfig, error) {
	cfg := model.EvidenceWeightConfig{TenantID: tenantID, Weights: map[model.EvidenceType]model.WeightSetting{}}
	rows, err := s.db.QueryContext(ctx,
		`SELECT evidence_type, weight, enabled, updated_at FROM evidence_weights WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return cfg, eris.Wrap(err, "sqlite: get evidence weights")
	}
	defer rows.Close()

	for rows.Next() {
		var t string
		var ws model.WeightSetting
		var updated int64
		if err := rows.Scan(&t, &ws.Weight, &ws.Enabled, &updated); err != nil {
			return cfg, eris.Wrap(err, "sqlite: scan evidence weight")
		}
		cfg.Weights[model.EvidenceType(t)] = ws
		if at := fromMicros(updated); at.After(cfg.UpdatedAt) {
			cfg.UpdatedAt = at
		}
	}
	return cfg, eris.Wrap(rows.Err(), "sqlite: get evidence weights iterate")
}

func (s *SQLiteStore) SaveEvidenceWeights(ctx context.Context, cfg model.EvidenceWeightConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	now := cfg.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return s.InTx(ctx, func(tx Tx) error {
		q := tx.(*sqliteTx).q
		if _, err := q.ExecContext(ctx, `DELETE FROM evidence_weights WHERE tenant_id = ?`, cfg.TenantID); err != nil {
			return eris.Wrap(err, "sqlite: clear evidence weights")
		}
		for t, ws := range cfg.Weights {
			if _, err := q.ExecContext(ctx,
				`INSERT INTO evidence_weights (tenant_id, evidence_type, weight, enabled, updated_at) VALUES (?, ?, ?, ?, ?)`,
				cfg.TenantID, string(t), ws.Weight, ws.Enabled, micros(now),
			); err != nil {
				return eris.Wrapf(err, "sqlite: insert evidence weight %s", t)
			}
		}
		return nil
	})
}

// Dead letter queue methods

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry model.DLQEntry) error {
	subJSON, err := json.Marshal(entry.Submission)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal dlq submission")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, tenant_id, submission, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error, error_type = excluded.error_type, retry_count = excluded.retry_count,
		   next_retry_at = excluded.next_retry_at, last_failed_at = excluded.last_failed_at`,
		entry.ID, entry.Submission.TenantID, string(subJSON), entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries, micros(entry.NextRetryAt), micros(entry.CreatedAt), micros(entry.LastFailedAt),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter DLQFilter) ([]model.DLQEntry, error) {
	query := `SELECT id, submission, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= ? AND retry_count < max_retries`
	args := []any{micros(time.Now())}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY next_retry_at ASC LIMIT ?`
	args = append(args, clampLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close()

	var entries []model.DLQEntry
	for rows.Next() {
		var e model.DLQEntry
		var subJSON string
		var next, created, lastFailed int64
		if err := rows.Scan(&e.ID, &subJSON, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &next, &created, &lastFailed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		e.NextRetryAt, e.CreatedAt, e.LastFailedAt = fromMicros(next), fromMicros(created), fromMicros(lastFailed)
		if err := json.Unmarshal([]byte(subJSON), &e.Submission); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal dlq submission")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: dequeue dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		micros(nextRetryAt), lastErr, micros(time.Now()), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq entry", id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func nullableJSON(b []byte) *string {
	if b == nil {
		return nil
	}
	s := string(b)
	return &s
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLitePattern(row scannable) (*model.NeedPattern, error) {
	var p model.NeedPattern
	var sigJSON string
	var proposalID sql.NullString
	var first, last, created, updated int64
	err := row.Scan(&p.ID, &p.TenantID, &sigJSON, &p.SignatureHash, &p.TotalEvidenceScore, &p.EvidenceCount,
		&p.UniqueUsersAffected, &first, &last, &p.OccurrenceMet, &p.ImpactMet,
		&p.ConfidenceMet, &p.Status, &proposalID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(model.ErrNotFound, "pattern")
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan pattern")
	}
	if err := json.Unmarshal([]byte(sigJSON), &p.Signature); err != nil {
		return nil, eris.Wrap(err, "unmarshal signature")
	}
	if proposalID.Valid {
		p.ProposalID = &proposalID.String
	}
	p.FirstOccurrenceAt, p.LastOccurrenceAt = fromMicros(first), fromMicros(last)
	p.CreatedAt, p.UpdatedAt = fromMicros(created), fromMicros(updated)
	return &p, nil
}

func collectSQLitePatterns(rows *sql.Rows) ([]model.NeedPattern, error) {
	defer rows.Close()
	var out []model.NeedPattern
	for rows.Next() {
		p, err := scanSQLitePattern(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: collect patterns")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: collect patterns iterate")
}

func scanSQLiteProposal(row scannable) (*model.Proposal, error) {
	var p model.Proposal
	var graphJSON, summaryJSON string
	var riskJSON, suggestionsJSON sql.NullString
	var created, updated int64
	err := row.Scan(&p.ID, &p.TenantID, &p.PatternID, &p.Code, &p.Title, &p.Description, &graphJSON,
		&p.Confidence, &p.Coverage, &summaryJSON, &p.Approved, &riskJSON, &p.VetoCode, &p.VetoReason,
		&p.Priority, &suggestionsJSON, &p.Status, &p.PublishedWorkflowID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(model.ErrNotFound, "proposal")
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan proposal")
	}
	p.CreatedAt, p.UpdatedAt = fromMicros(created), fromMicros(updated)
	if err := decodeProposal(&p, []byte(graphJSON), []byte(summaryJSON),
		[]byte(riskJSON.String), []byte(suggestionsJSON.String)); err != nil {
		return nil, err
	}
	return &p, nil
}

func collectSQLiteProposals(rows *sql.Rows) ([]model.Proposal, error) {
	defer rows.Close()
	var out []model.Proposal
	for rows.Next() {
		p, err := scanSQLiteProposal(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: collect proposals")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: collect proposals iterate")
}
