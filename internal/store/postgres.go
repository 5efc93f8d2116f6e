package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/research-pipeline/internal/db"
	"github.com/sells-group/research-pipeline/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"claim_next_job":  sqlClaimNextJob,
	"claim_next_step": sqlClaimNextStep,
	"append_event":    sqlAppendEvent,
	"get_source":      sqlGetSource,
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

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

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

// NewPostgresWithPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS research_runs (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	name         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'queued',
	requested_by TEXT,
	last_error   TEXT,
	meta         JSONB,
	started_at   TIMESTAMPTZ,
	finished_at  TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_tenant_status ON research_runs(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_runs_tenant_created ON research_runs(tenant_id, created_at DESC);

CREATE TABLE IF NOT EXISTS research_jobs (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	research_run_id  TEXT NOT NULL REFERENCES research_runs(id),
	job_type         TEXT NOT NULL DEFAULT 'research',
	status           TEXT NOT NULL DEFAULT 'queued',
	payload          JSONB,
	attempt_count    INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 10,
	next_retry_at    TIMESTAMPTZ,
	locked_at        TIMESTAMPTZ,
	locked_by        TEXT,
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	last_error       TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_jobs_one_active
	ON research_jobs(tenant_id, research_run_id, job_type)
	WHERE status IN ('queued', 'running');
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON research_jobs(status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_jobs_run ON research_jobs(tenant_id, research_run_id);

CREATE TABLE IF NOT EXISTS research_plans (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	research_run_id TEXT NOT NULL REFERENCES research_runs(id),
	job_id          TEXT,
	version         INTEGER NOT NULL DEFAULT 1,
	locked_at       TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tenant_id, research_run_id)
);

CREATE TABLE IF NOT EXISTS research_plan_steps (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	research_run_id TEXT NOT NULL,
	plan_id         TEXT NOT NULL REFERENCES research_plans(id),
	step_key        TEXT NOT NULL,
	step_order      INTEGER NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	max_attempts    INTEGER NOT NULL DEFAULT 5,
	next_retry_at   TIMESTAMPTZ,
	input_json      JSONB,
	output_json     JSONB,
	last_error      TEXT,
	started_at      TIMESTAMPTZ,
	finished_at     TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tenant_id, research_run_id, step_key)
);

CREATE INDEX IF NOT EXISTS idx_steps_claim ON research_plan_steps(research_run_id, step_order);

CREATE TABLE IF NOT EXISTS source_documents (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	research_run_id     TEXT NOT NULL REFERENCES research_runs(id),
	source_type         TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'new',
	url                 TEXT,
	canonical_url       TEXT,
	title               TEXT,
	content_type        TEXT,
	http_status         INTEGER,
	etag                TEXT,
	last_modified       TEXT,
	content_text        TEXT,
	content_hash        TEXT,
	raw_bytes           BYTEA,
	attempt_count       INTEGER NOT NULL DEFAULT 0,
	max_attempts        INTEGER NOT NULL DEFAULT 3,
	next_retry_at       TIMESTAMPTZ,
	retry_reason        TEXT,
	canonical_source_id TEXT,
	extraction_version  TEXT,
	material_hash       TEXT,
	quality             JSONB,
	meta                JSONB,
	last_error          TEXT,
	fetched_at          TIMESTAMPTZ,
	processed_at        TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sources_run_status ON source_documents(tenant_id, research_run_id, status);
CREATE INDEX IF NOT EXISTS idx_sources_run_hash ON source_documents(tenant_id, research_run_id, content_hash);
CREATE INDEX IF NOT EXISTS idx_sources_run_canonical ON source_documents(tenant_id, research_run_id, canonical_url);

CREATE TABLE IF NOT EXISTS company_prospects (
	id                    TEXT PRIMARY KEY,
	tenant_id             TEXT NOT NULL,
	research_run_id       TEXT NOT NULL REFERENCES research_runs(id),
	name                  TEXT NOT NULL,
	name_normalized       TEXT NOT NULL,
	website_url           TEXT,
	domain                TEXT,
	hq_country            TEXT,
	sector                TEXT,
	subsector             TEXT,
	relevance_score       DOUBLE PRECISION NOT NULL DEFAULT 0,
	evidence_score        DOUBLE PRECISION NOT NULL DEFAULT 0,
	review_status         TEXT NOT NULL DEFAULT 'new',
	discovered_by         TEXT,
	verification_status   TEXT,
	exec_search_enabled   BOOLEAN NOT NULL DEFAULT FALSE,
	is_pinned             BOOLEAN NOT NULL DEFAULT FALSE,
	manual_priority       DOUBLE PRECISION NOT NULL DEFAULT 0,
	normalized_company_id TEXT,
	meta                  JSONB,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (research_run_id, name_normalized)
);

CREATE INDEX IF NOT EXISTS idx_prospects_run ON company_prospects(tenant_id, research_run_id);

CREATE TABLE IF NOT EXISTS prospect_executives (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	research_run_id     TEXT NOT NULL,
	prospect_id         TEXT NOT NULL REFERENCES company_prospects(id),
	full_name           TEXT NOT NULL,
	name_normalized     TEXT NOT NULL,
	title               TEXT,
	email               TEXT,
	linkedin_url        TEXT,
	source_document_id  TEXT,
	canonical_person_id TEXT,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_executives_run ON prospect_executives(tenant_id, research_run_id);

CREATE TABLE IF NOT EXISTS prospect_signal_evidence (
	id                 TEXT PRIMARY KEY,
	tenant_id          TEXT NOT NULL,
	research_run_id    TEXT NOT NULL,
	prospect_id        TEXT NOT NULL REFERENCES company_prospects(id),
	field_key          TEXT NOT NULL,
	value              TEXT,
	value_normalized   TEXT,
	confidence         DOUBLE PRECISION NOT NULL DEFAULT 0,
	weight             DOUBLE PRECISION NOT NULL DEFAULT 0,
	source_document_id TEXT NOT NULL,
	snippet            TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tenant_id, prospect_id, field_key, source_document_id)
);

CREATE INDEX IF NOT EXISTS idx_evidence_run ON prospect_signal_evidence(tenant_id, research_run_id);

CREATE TABLE IF NOT EXISTS research_events (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	research_run_id TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	status          TEXT,
	subject_type    TEXT,
	subject_id      TEXT,
	input_json      JSONB,
	output_json     JSONB,
	error_message   TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_events_run ON research_events(tenant_id, research_run_id, created_at);

CREATE TABLE IF NOT EXISTS canonical_companies (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	name            TEXT NOT NULL,
	name_normalized TEXT NOT NULL,
	country         TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_canonical_companies_name
	ON canonical_companies(tenant_id, name_normalized, country);

CREATE TABLE IF NOT EXISTS canonical_company_domains (
	id                   TEXT PRIMARY KEY,
	tenant_id            TEXT NOT NULL,
	canonical_company_id TEXT NOT NULL REFERENCES canonical_companies(id),
	domain               TEXT NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tenant_id, domain)
);

CREATE TABLE IF NOT EXISTS canonical_company_links (
	id                   TEXT PRIMARY KEY,
	tenant_id            TEXT NOT NULL,
	research_run_id      TEXT NOT NULL,
	prospect_id          TEXT NOT NULL,
	canonical_company_id TEXT NOT NULL,
	match_rule           TEXT NOT NULL,
	source_document_id   TEXT NOT NULL,
	resolution_hash      TEXT NOT NULL UNIQUE,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (canonical_company_id, prospect_id)
);

CREATE TABLE IF NOT EXISTS canonical_people (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	full_name           TEXT NOT NULL,
	name_normalized     TEXT NOT NULL,
	linkedin_normalized TEXT,
	primary_company_id  TEXT,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_canonical_people_linkedin
	ON canonical_people(tenant_id, linkedin_normalized)
	WHERE linkedin_normalized IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_canonical_people_name_company
	ON canonical_people(tenant_id, name_normalized, primary_company_id);

CREATE TABLE IF NOT EXISTS canonical_person_emails (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	canonical_person_id TEXT NOT NULL REFERENCES canonical_people(id),
	email               TEXT NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tenant_id, email)
);

CREATE TABLE IF NOT EXISTS canonical_person_links (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	research_run_id     TEXT NOT NULL,
	executive_id        TEXT NOT NULL,
	canonical_person_id TEXT NOT NULL,
	match_rule          TEXT NOT NULL,
	source_document_id  TEXT NOT NULL,
	resolution_hash     TEXT NOT NULL UNIQUE,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (canonical_person_id, executive_id)
);

CREATE TABLE IF NOT EXISTS enrichment_assignments (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	research_run_id     TEXT NOT NULL,
	target_entity_type  TEXT NOT NULL,
	target_canonical_id TEXT NOT NULL,
	field_key           TEXT NOT NULL,
	value               TEXT NOT NULL,
	value_normalized    TEXT,
	confidence          DOUBLE PRECISION NOT NULL DEFAULT 0,
	derived_by          TEXT NOT NULL,
	source_document_id  TEXT NOT NULL,
	input_scope_hash    TEXT,
	content_hash        TEXT NOT NULL UNIQUE,
	superseded_at       TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_assignments_target
	ON enrichment_assignments(tenant_id, target_entity_type, target_canonical_id);

CREATE TABLE IF NOT EXISTS job_dead_letters (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	research_run_id TEXT NOT NULL,
	job_id          TEXT NOT NULL,
	job_type        TEXT NOT NULL,
	reason          TEXT NOT NULL,
	last_error      TEXT,
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	recorded_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	requeued_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_tenant ON job_dead_letters(tenant_id, recorded_at DESC);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// isPgUniqueViolation reports whether err is a unique-constraint violation.
func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Runs

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.ResearchRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = model.RunStatusQueued
	}
	now := nowFunc()
	run.CreatedAt = now
	run.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO research_runs (id, tenant_id, name, status, requested_by, meta, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)`,
		run.ID, run.TenantID, run.Name, string(run.Status), run.RequestedBy, []byte(run.Meta), now, now,
	)
	return eris.Wrap(err, "postgres: insert run")
}

const sqlSelectRun = `SELECT id, tenant_id, name, status, COALESCE(requested_by, ''), COALESCE(last_error, ''),
	meta, started_at, finished_at, created_at, updated_at FROM research_runs`

func scanPgRun(row pgx.Row) (*model.ResearchRun, error) {
	var r model.ResearchRun
	var meta []byte
	err := row.Scan(&r.ID, &r.TenantID, &r.Name, &r.Status, &r.RequestedBy, &r.LastError,
		&meta, &r.StartedAt, &r.FinishedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Meta = json.RawMessage(meta)
	return &r, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, tenantID, runID string) (*model.ResearchRun, error) {
	row := s.pool.QueryRow(ctx, sqlSelectRun+` WHERE tenant_id = $1 AND id = $2`, tenantID, runID)
	r, err := scanPgRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, tenantID string, filter RunFilter) ([]model.ResearchRun, error) {
	query := sqlSelectRun + ` WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, normalizeLimit(filter.Limit, 100))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.ResearchRun
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) MarkRunRunning(ctx context.Context, tenantID, runID string) error {
	now := nowFunc()
	tag, err := s.pool.Exec(ctx,
		`UPDATE research_runs SET status = $1, started_at = COALESCE(started_at, $2), updated_at = $2
		 WHERE tenant_id = $3 AND id = $4 AND status IN ('queued', 'running')`,
		string(model.RunStatusRunning), now, tenantID, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark run running %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s not in a startable status", runID)
	}
	return nil
}

func (s *PostgresStore) MarkRunFinished(ctx context.Context, tenantID, runID string, status model.RunStatus, lastError string) error {
	if !status.Terminal() {
		return eris.Errorf("postgres: %q is not a terminal run status", status)
	}
	now := nowFunc()
	tag, err := s.pool.Exec(ctx,
		`UPDATE research_runs SET status = $1, last_error = NULLIF($2, ''), finished_at = $3, updated_at = $3
		 WHERE tenant_id = $4 AND id = $5`,
		string(status), lastError, now, tenantID, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark run finished %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) RequestRunCancel(ctx context.Context, tenantID, runID string) error {
	run, err := s.GetRun(ctx, tenantID, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return eris.Errorf("postgres: run %s is already %s", runID, run.Status)
	}

	now := nowFunc()
	if _, err := s.pool.Exec(ctx,
		`UPDATE research_runs SET status = $1, updated_at = $2 WHERE tenant_id = $3 AND id = $4`,
		string(model.RunStatusCancelRequested), now, tenantID, runID,
	); err != nil {
		return eris.Wrapf(err, "postgres: request run cancel %s", runID)
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE research_jobs SET cancel_requested = TRUE, updated_at = $1
		 WHERE tenant_id = $2 AND research_run_id = $3 AND status IN ('queued', 'running')`,
		now, tenantID, runID,
	)
	return eris.Wrapf(err, "postgres: flag jobs cancel_requested for run %s", runID)
}

// Source documents

const sqlSourceColumns = `id, tenant_id, research_run_id, source_type, status, COALESCE(url, ''), COALESCE(canonical_url, ''),
	COALESCE(title, ''), COALESCE(content_type, ''), COALESCE(http_status, 0), COALESCE(etag, ''),
	COALESCE(last_modified, ''), COALESCE(content_text, ''), COALESCE(content_hash, ''), raw_bytes,
	attempt_count, max_attempts, next_retry_at, COALESCE(retry_reason, ''), COALESCE(canonical_source_id, ''),
	COALESCE(extraction_version, ''), COALESCE(material_hash, ''), quality, meta, COALESCE(last_error, ''),
	fetched_at, processed_at, created_at, updated_at`

const sqlGetSource = `SELECT ` + sqlSourceColumns + ` FROM source_documents WHERE tenant_id = $1 AND id = $2`

func scanPgSource(row pgx.Row) (*model.SourceDocument, error) {
	var src model.SourceDocument
	var qualityJSON, metaJSON []byte
	err := row.Scan(&src.ID, &src.TenantID, &src.RunID, &src.SourceType, &src.Status, &src.URL,
		&src.CanonicalURL, &src.Title, &src.ContentType, &src.HTTPStatus, &src.ETag, &src.LastModified,
		&src.ContentText, &src.ContentHash, &src.RawBytes, &src.AttemptCount, &src.MaxAttempts,
		&src.NextRetryAt, &src.RetryReason, &src.CanonicalSourceID, &src.ExtractionVersion,
		&src.MaterialHash, &qualityJSON, &metaJSON, &src.LastError, &src.FetchedAt, &src.ProcessedAt,
		&src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(qualityJSON) > 0 {
		src.Quality = &model.QualityInfo{}
		if err := json.Unmarshal(qualityJSON, src.Quality); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal quality")
		}
	}
	if len(metaJSON) > 0 {
		src.Meta = &model.SourceMeta{}
		if err := json.Unmarshal(metaJSON, src.Meta); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal meta")
		}
	}
	return &src, nil
}

func (s *PostgresStore) AttachSource(ctx context.Context, src *model.SourceDocument) error {
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	if src.Status == "" {
		src.Status = model.SourceStatusNew
	}
	if src.MaxAttempts == 0 {
		src.MaxAttempts = model.DefaultSourceMaxAttempts
	}
	now := nowFunc()
	src.CreatedAt = now
	src.UpdatedAt = now

	qualityJSON, err := marshalQuality(src.Quality)
	if err != nil {
		return err
	}
	metaJSON, err := marshalMeta(src.Meta)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: attach source: begin tx")
	}
	defer tx.Rollback(ctx)

	// A locked plan accepts no new sources.
	var lockedAt *time.Time
	err = tx.QueryRow(ctx,
		`SELECT locked_at FROM research_plans WHERE tenant_id = $1 AND research_run_id = $2`,
		src.TenantID, src.RunID,
	).Scan(&lockedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrap(err, "postgres: attach source: check plan")
	}
	if lockedAt != nil {
		return eris.Wrapf(ErrPlanLocked, "run %s", src.RunID)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO source_documents (id, tenant_id, research_run_id, source_type, status, url, canonical_url,
			title, content_type, content_text, content_hash, raw_bytes, attempt_count, max_attempts, quality,
			meta, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''),
			NULLIF($10, ''), NULLIF($11, ''), $12, $13, $14, $15, $16, $17, $18)`,
		src.ID, src.TenantID, src.RunID, string(src.SourceType), string(src.Status), src.URL,
		src.CanonicalURL, src.Title, src.ContentType, src.ContentText, src.ContentHash, src.RawBytes,
		src.AttemptCount, src.MaxAttempts, qualityJSON, metaJSON, now, now,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: insert source")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: attach source: commit")
}

func (s *PostgresStore) GetSource(ctx context.Context, tenantID, sourceID string) (*model.SourceDocument, error) {
	src, err := scanPgSource(s.pool.QueryRow(ctx, sqlGetSource, tenantID, sourceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "source %s", sourceID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get source %s", sourceID)
	}
	return src, nil
}

func (s *PostgresStore) ListSources(ctx context.Context, tenantID, runID string, filter SourceFilter) ([]model.SourceDocument, error) {
	query := `SELECT ` + sqlSourceColumns + ` FROM source_documents WHERE tenant_id = $1 AND research_run_id = $2`
	args := []any{tenantID, runID}
	argIdx := 3

	if len(filter.Types) > 0 {
		query += fmt.Sprintf(` AND source_type = ANY($%d)`, argIdx)
		args = append(args, sourceTypeStrings(filter.Types))
		argIdx++
	}
	if len(filter.Statuses) > 0 {
		query += fmt.Sprintf(` AND status = ANY($%d)`, argIdx)
		args = append(args, sourceStatusStrings(filter.Statuses))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT $%d`, argIdx)
	args = append(args, normalizeLimit(filter.Limit, 500))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sources")
	}
	defer rows.Close()

	var out []model.SourceDocument
	for rows.Next() {
		src, err := scanPgSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan source")
		}
		out = append(out, *src)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list sources iterate")
}

func (s *PostgresStore) ListFetchableSources(ctx context.Context, tenantID, runID string, types []model.SourceType) ([]model.SourceDocument, error) {
	query := `SELECT ` + sqlSourceColumns + ` FROM source_documents
		WHERE tenant_id = $1 AND research_run_id = $2
		AND status IN ('new', 'queued', 'fetching', 'fetch_failed')
		AND (next_retry_at IS NULL OR next_retry_at <= $3)
		AND attempt_count < max_attempts`
	args := []any{tenantID, runID, nowFunc()}
	if len(types) > 0 {
		query += ` AND source_type = ANY($4)`
		args = append(args, sourceTypeStrings(types))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list fetchable sources")
	}
	defer rows.Close()

	var out []model.SourceDocument
	for rows.Next() {
		src, err := scanPgSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan fetchable source")
		}
		out = append(out, *src)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list fetchable sources iterate")
}

func (s *PostgresStore) UpdateSource(ctx context.Context, src *model.SourceDocument) error {
	qualityJSON, err := marshalQuality(src.Quality)
	if err != nil {
		return err
	}
	metaJSON, err := marshalMeta(src.Meta)
	if err != nil {
		return err
	}
	now := nowFunc()
	src.UpdatedAt = now

	tag, err := s.pool.Exec(ctx,
		`UPDATE source_documents SET
			source_type = $1, status = $2, url = NULLIF($3, ''), canonical_url = NULLIF($4, ''),
			title = NULLIF($5, ''), content_type = NULLIF($6, ''), http_status = NULLIF($7, 0),
			etag = NULLIF($8, ''), last_modified = NULLIF($9, ''), content_text = NULLIF($10, ''),
			content_hash = NULLIF($11, ''), raw_bytes = $12, attempt_count = $13, max_attempts = $14,
			next_retry_at = $15, retry_reason = NULLIF($16, ''), canonical_source_id = NULLIF($17, ''),
			extraction_version = NULLIF($18, ''), material_hash = NULLIF($19, ''), quality = $20, meta = $21,
			last_error = NULLIF($22, ''), fetched_at = $23, processed_at = $24, updated_at = $25
		 WHERE tenant_id = $26 AND id = $27`,
		string(src.SourceType), string(src.Status), src.URL, src.CanonicalURL, src.Title,
		src.ContentType, src.HTTPStatus, src.ETag, src.LastModified, src.ContentText, src.ContentHash,
		src.RawBytes, src.AttemptCount, src.MaxAttempts, src.NextRetryAt, src.RetryReason,
		src.CanonicalSourceID, src.ExtractionVersion, src.MaterialHash, qualityJSON, metaJSON,
		src.LastError, src.FetchedAt, src.ProcessedAt, now, src.TenantID, src.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update source %s", src.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "source %s", src.ID)
	}
	return nil
}

// MarkSourceFetchFailed transitions a document after a failed fetch attempt.
// The fetch step increments attempt_count when it starts an attempt; this
// decides between scheduling a retry and terminal failure.
func (s *PostgresStore) MarkSourceFetchFailed(ctx context.Context, tenantID, sourceID, errMsg, reason string, backoff time.Duration) (bool, error) {
	now := nowFunc()
	retryAt := now.Add(backoff)

	var status string
	err := s.pool.QueryRow(ctx,
		`UPDATE source_documents SET
			status = CASE WHEN attempt_count >= max_attempts THEN 'failed' ELSE 'fetch_failed' END,
			retry_reason = CASE WHEN attempt_count >= max_attempts THEN 'retry_exhausted' ELSE $1 END,
			next_retry_at = CASE WHEN attempt_count >= max_attempts THEN NULL ELSE $2 END,
			last_error = $3,
			updated_at = $4
		 WHERE tenant_id = $5 AND id = $6
		 RETURNING status`,
		reason, retryAt, errMsg, now, tenantID, sourceID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, eris.Wrapf(ErrNotFound, "source %s", sourceID)
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: mark source fetch failed %s", sourceID)
	}
	return status == string(model.SourceStatusFetchFailed), nil
}

func (s *PostgresStore) FindSourceByContentHash(ctx context.Context, tenantID, runID, contentHash, excludeID string) (*model.SourceDocument, error) {
	if contentHash == "" {
		return nil, nil
	}
	src, err := scanPgSource(s.pool.QueryRow(ctx,
		`SELECT `+sqlSourceColumns+` FROM source_documents
		 WHERE tenant_id = $1 AND research_run_id = $2 AND content_hash = $3 AND id <> $4
		 ORDER BY created_at ASC, id ASC LIMIT 1`,
		tenantID, runID, contentHash, excludeID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find source by content hash")
	}
	return src, nil
}

func (s *PostgresStore) FindSourceByCanonicalURL(ctx context.Context, tenantID, runID, canonicalURL, excludeID string) (*model.SourceDocument, error) {
	if canonicalURL == "" {
		return nil, nil
	}
	src, err := scanPgSource(s.pool.QueryRow(ctx,
		`SELECT `+sqlSourceColumns+` FROM source_documents
		 WHERE tenant_id = $1 AND research_run_id = $2 AND canonical_url = $3 AND id <> $4
		 ORDER BY created_at ASC, id ASC LIMIT 1`,
		tenantID, runID, canonicalURL, excludeID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find source by canonical url")
	}
	return src, nil
}

// Prospects and executives

const sqlProspectColumns = `id, tenant_id, research_run_id, name, name_normalized, COALESCE(website_url, ''),
	COALESCE(domain, ''), COALESCE(hq_country, ''), COALESCE(sector, ''), COALESCE(subsector, ''),
	relevance_score, evidence_score, review_status, COALESCE(discovered_by, ''),
	COALESCE(verification_status, ''), exec_search_enabled, is_pinned, manual_priority,
	COALESCE(normalized_company_id, ''), meta, created_at, updated_at`

func scanPgProspect(row pgx.Row) (*model.CompanyProspect, error) {
	var p model.CompanyProspect
	var meta []byte
	err := row.Scan(&p.ID, &p.TenantID, &p.RunID, &p.Name, &p.NameNormalized, &p.WebsiteURL, &p.Domain,
		&p.HQCountry, &p.Sector, &p.Subsector, &p.RelevanceScore, &p.EvidenceScore, &p.ReviewStatus,
		&p.DiscoveredBy, &p.VerificationStatus, &p.ExecSearchEnabled, &p.IsPinned, &p.ManualPriority,
		&p.NormalizedCompanyID, &meta, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Meta = json.RawMessage(meta)
	return &p, nil
}

func (s *PostgresStore) CreateProspect(ctx context.Context, p *model.CompanyProspect, evidence []model.SignalEvidence) error {
	if len(evidence) == 0 {
		return eris.Errorf("postgres: prospect %q created without evidence", p.Name)
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.ReviewStatus == "" {
		p.ReviewStatus = model.ReviewStatusNew
	}
	now := nowFunc()
	p.CreatedAt = now
	p.UpdatedAt = now

	for i := range evidence {
		if evidence[i].ID == "" {
			evidence[i].ID = uuid.New().String()
		}
		evidence[i].ProspectID = p.ID
		evidence[i].RunID = p.RunID
		evidence[i].TenantID = p.TenantID
		evidence[i].CreatedAt = now
	}
	if err := validateEvidence(evidence); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: create prospect: begin tx")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO company_prospects (id, tenant_id, research_run_id, name, name_normalized, website_url,
			domain, hq_country, sector, subsector, relevance_score, evidence_score, review_status,
			discovered_by, verification_status, exec_search_enabled, is_pinned, manual_priority,
			normalized_company_id, meta, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''),
			NULLIF($10, ''), $11, $12, $13, NULLIF($14, ''), NULLIF($15, ''), $16, $17, $18,
			NULLIF($19, ''), $20, $21, $22)`,
		p.ID, p.TenantID, p.RunID, p.Name, p.NameNormalized, p.WebsiteURL, p.Domain, p.HQCountry,
		p.Sector, p.Subsector, p.RelevanceScore, p.EvidenceScore, string(p.ReviewStatus), p.DiscoveredBy,
		p.VerificationStatus, p.ExecSearchEnabled, p.IsPinned, p.ManualPriority, p.NormalizedCompanyID,
		[]byte(p.Meta), now, now,
	)
	if isPgUniqueViolation(err) {
		return eris.Wrapf(ErrConflict, "prospect %q already exists in run %s", p.NameNormalized, p.RunID)
	}
	if err != nil {
		return eris.Wrap(err, "postgres: insert prospect")
	}

	for i := range evidence {
		ev := &evidence[i]
		if _, err := tx.Exec(ctx,
			`INSERT INTO prospect_signal_evidence (id, tenant_id, research_run_id, prospect_id, field_key,
				value, value_normalized, confidence, weight, source_document_id, snippet, created_at)
			 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10, NULLIF($11, ''), $12)
			 ON CONFLICT (tenant_id, prospect_id, field_key, source_document_id) DO NOTHING`,
			ev.ID, ev.TenantID, ev.RunID, ev.ProspectID, ev.FieldKey, ev.Value, ev.ValueNormalized,
			ev.Confidence, ev.Weight, ev.SourceDocumentID, ev.Snippet, ev.CreatedAt,
		); err != nil {
			return eris.Wrap(err, "postgres: insert prospect evidence")
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: create prospect: commit")
}

func (s *PostgresStore) GetProspect(ctx context.Context, tenantID, prospectID string) (*model.CompanyProspect, error) {
	p, err := scanPgProspect(s.pool.QueryRow(ctx,
		`SELECT `+sqlProspectColumns+` FROM company_prospects WHERE tenant_id = $1 AND id = $2`,
		tenantID, prospectID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "prospect %s", prospectID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get prospect %s", prospectID)
	}
	return p, nil
}

func (s *PostgresStore) FindProspectByName(ctx context.Context, tenantID, runID, nameNormalized string) (*model.CompanyProspect, error) {
	p, err := scanPgProspect(s.pool.QueryRow(ctx,
		`SELECT `+sqlProspectColumns+` FROM company_prospects
		 WHERE tenant_id = $1 AND research_run_id = $2 AND name_normalized = $3`,
		tenantID, runID, nameNormalized,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find prospect by name")
	}
	return p, nil
}

func (s *PostgresStore) ListProspects(ctx context.Context, tenantID, runID string, filter ProspectFilter) ([]model.CompanyProspect, error) {
	query := `SELECT ` + sqlProspectColumns + ` FROM company_prospects WHERE tenant_id = $1 AND research_run_id = $2`
	args := []any{tenantID, runID}
	argIdx := 3

	if filter.ReviewStatus != "" {
		query += fmt.Sprintf(` AND review_status = $%d`, argIdx)
		args = append(args, string(filter.ReviewStatus))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY name_normalized ASC, id ASC LIMIT $%d`, argIdx)
	args = append(args, normalizeLimit(filter.Limit, 1000))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list prospects")
	}
	defer rows.Close()

	var out []model.CompanyProspect
	for rows.Next() {
		p, err := scanPgProspect(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan prospect")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list prospects iterate")
}

func (s *PostgresStore) SetProspectReview(ctx context.Context, tenantID, prospectID string, status model.ReviewStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE company_prospects SET review_status = $1, updated_at = $2 WHERE tenant_id = $3 AND id = $4`,
		string(status), nowFunc(), tenantID, prospectID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set prospect review %s", prospectID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "prospect %s", prospectID)
	}
	return nil
}

func (s *PostgresStore) SetProspectPin(ctx context.Context, tenantID, prospectID string, pinned bool, manualPriority float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE company_prospects SET is_pinned = $1, manual_priority = $2, updated_at = $3
		 WHERE tenant_id = $4 AND id = $5`,
		pinned, manualPriority, nowFunc(), tenantID, prospectID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set prospect pin %s", prospectID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "prospect %s", prospectID)
	}
	return nil
}

func (s *PostgresStore) SetProspectCanonical(ctx context.Context, tenantID, prospectID, canonicalCompanyID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE company_prospects SET normalized_company_id = $1, updated_at = $2
		 WHERE tenant_id = $3 AND id = $4`,
		canonicalCompanyID, nowFunc(), tenantID, prospectID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set prospect canonical %s", prospectID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "prospect %s", prospectID)
	}
	return nil
}

func (s *PostgresStore) CreateExecutive(ctx context.Context, e *model.Executive) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = nowFunc()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO prospect_executives (id, tenant_id, research_run_id, prospect_id, full_name,
			name_normalized, title, email, linkedin_url, source_document_id, canonical_person_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''),
			NULLIF($11, ''), $12)`,
		e.ID, e.TenantID, e.RunID, e.ProspectID, e.FullName, e.NameNormalized, e.Title, e.Email,
		e.LinkedInURL, e.SourceDocumentID, e.CanonicalPersonID, e.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert executive")
}

func (s *PostgresStore) ListExecutives(ctx context.Context, tenantID, runID string) ([]model.Executive, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, research_run_id, prospect_id, full_name, name_normalized, COALESCE(title, ''),
			COALESCE(email, ''), COALESCE(linkedin_url, ''), COALESCE(source_document_id, ''),
			COALESCE(canonical_person_id, ''), created_at
		 FROM prospect_executives WHERE tenant_id = $1 AND research_run_id = $2
		 ORDER BY created_at ASC, id ASC`,
		tenantID, runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list executives")
	}
	defer rows.Close()

	var out []model.Executive
	for rows.Next() {
		var e model.Executive
		if err := rows.Scan(&e.ID, &e.TenantID, &e.RunID, &e.ProspectID, &e.FullName, &e.NameNormalized,
			&e.Title, &e.Email, &e.LinkedInURL, &e.SourceDocumentID, &e.CanonicalPersonID, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan executive")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list executives iterate")
}

func (s *PostgresStore) SetExecutiveCanonical(ctx context.Context, tenantID, executiveID, canonicalPersonID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE prospect_executives SET canonical_person_id = $1 WHERE tenant_id = $2 AND id = $3`,
		canonicalPersonID, tenantID, executiveID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set executive canonical %s", executiveID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "executive %s", executiveID)
	}
	return nil
}

// Evidence

var evidenceColumns = []string{
	"id", "tenant_id", "research_run_id", "prospect_id", "field_key", "value", "value_normalized",
	"confidence", "weight", "source_document_id", "snippet", "created_at",
}

func (s *PostgresStore) InsertEvidence(ctx context.Context, evRows []model.SignalEvidence) (int64, error) {
	if len(evRows) == 0 {
		return 0, nil
	}
	if err := validateEvidence(evRows); err != nil {
		return 0, err
	}

	now := nowFunc()
	rows := make([][]any, 0, len(evRows))
	for i := range evRows {
		ev := &evRows[i]
		if ev.ID == "" {
			ev.ID = uuid.New().String()
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = now
		}
		rows = append(rows, []any{
			ev.ID, ev.TenantID, ev.RunID, ev.ProspectID, ev.FieldKey, ev.Value, ev.ValueNormalized,
			ev.Confidence, ev.Weight, ev.SourceDocumentID, ev.Snippet, ev.CreatedAt,
		})
	}

	// Bulk insert through a temp table so re-running an ingest step does not
	// duplicate evidence rows.
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "prospect_signal_evidence",
		Columns:      evidenceColumns,
		ConflictKeys: []string{"tenant_id", "prospect_id", "field_key", "source_document_id"},
		DoNothing:    true,
	}, rows)
	return n, eris.Wrap(err, "postgres: insert evidence")
}

func (s *PostgresStore) ListEvidenceForRun(ctx context.Context, tenantID, runID string) ([]model.SignalEvidence, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, research_run_id, prospect_id, field_key, COALESCE(value, ''),
			COALESCE(value_normalized, ''), confidence, weight, source_document_id, COALESCE(snippet, ''),
			created_at
		 FROM prospect_signal_evidence WHERE tenant_id = $1 AND research_run_id = $2
		 ORDER BY prospect_id ASC, field_key ASC, source_document_id ASC`,
		tenantID, runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list evidence")
	}
	defer rows.Close()

	var out []model.SignalEvidence
	for rows.Next() {
		var ev model.SignalEvidence
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.RunID, &ev.ProspectID, &ev.FieldKey, &ev.Value,
			&ev.ValueNormalized, &ev.Confidence, &ev.Weight, &ev.SourceDocumentID, &ev.Snippet,
			&ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan evidence")
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list evidence iterate")
}

// Events

const sqlAppendEvent = `INSERT INTO research_events (id, tenant_id, research_run_id, event_type, status,
	subject_type, subject_id, input_json, output_json, error_message, created_at)
	VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8, $9, NULLIF($10, ''), $11)`

func (s *PostgresStore) AppendEvent(ctx context.Context, ev *model.ResearchEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = nowFunc()
	}

	_, err := s.pool.Exec(ctx, sqlAppendEvent,
		ev.ID, ev.TenantID, ev.RunID, ev.EventType, ev.Status, ev.SubjectType, ev.SubjectID,
		[]byte(ev.Input), []byte(ev.Output), ev.ErrorMessage, ev.CreatedAt,
	)
	return eris.Wrap(err, "postgres: append event")
}

func (s *PostgresStore) ListEvents(ctx context.Context, tenantID, runID string, filter EventFilter) ([]model.ResearchEvent, error) {
	query := `SELECT id, tenant_id, research_run_id, event_type, COALESCE(status, ''), COALESCE(subject_type, ''),
		COALESCE(subject_id, ''), input_json, output_json, COALESCE(error_message, ''), created_at
		FROM research_events WHERE tenant_id = $1 AND research_run_id = $2`
	args := []any{tenantID, runID}
	argIdx := 3

	if filter.EventType != "" {
		query += fmt.Sprintf(` AND event_type = $%d`, argIdx)
		args = append(args, filter.EventType)
		argIdx++
	}
	if filter.SubjectID != "" {
		query += fmt.Sprintf(` AND subject_id = $%d`, argIdx)
		args = append(args, filter.SubjectID)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT $%d`, argIdx)
	args = append(args, normalizeLimit(filter.Limit, 500))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list events")
	}
	defer rows.Close()

	var out []model.ResearchEvent
	for rows.Next() {
		var ev model.ResearchEvent
		var inputJSON, outputJSON []byte
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.RunID, &ev.EventType, &ev.Status, &ev.SubjectType,
			&ev.SubjectID, &inputJSON, &outputJSON, &ev.ErrorMessage, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		ev.Input = json.RawMessage(inputJSON)
		ev.Output = json.RawMessage(outputJSON)
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list events iterate")
}

// helpers

func sourceTypeStrings(types []model.SourceType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func sourceStatusStrings(statuses []model.SourceStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}
