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

	"github.com/sells-group/research-pipeline/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It mirrors the
// Postgres backend's semantics; claims use a transaction-scoped
// select-then-conditional-update in place of FOR UPDATE SKIP LOCKED.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// The sqlite driver is not safe for concurrent writers on one connection
	// pool entry; a single connection plus WAL keeps claims serialized.
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
CREATE TABLE IF NOT EXISTS research_runs (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	name         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'queued',
	requested_by TEXT,
	last_error   TEXT,
	meta         TEXT,
	started_at   TIMESTAMP,
	finished_at  TIMESTAMP,
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_tenant_status ON research_runs(tenant_id, status);

CREATE TABLE IF NOT EXISTS research_jobs (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	research_run_id  TEXT NOT NULL REFERENCES research_runs(id),
	job_type         TEXT NOT NULL DEFAULT 'research',
	status           TEXT NOT NULL DEFAULT 'queued',
	payload          TEXT,
	attempt_count    INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 10,
	next_retry_at    TIMESTAMP,
	locked_at        TIMESTAMP,
	locked_by        TEXT,
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT,
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_jobs_one_active
	ON research_jobs(tenant_id, research_run_id, job_type)
	WHERE status IN ('queued', 'running');
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON research_jobs(status, next_retry_at);

CREATE TABLE IF NOT EXISTS research_plans (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	research_run_id TEXT NOT NULL REFERENCES research_runs(id),
	job_id          TEXT,
	version         INTEGER NOT NULL DEFAULT 1,
	locked_at       TIMESTAMP,
	created_at      TIMESTAMP NOT NULL,
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
	next_retry_at   TIMESTAMP,
	input_json      TEXT,
	output_json     TEXT,
	last_error      TEXT,
	started_at      TIMESTAMP,
	finished_at     TIMESTAMP,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL,
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
	raw_bytes           BLOB,
	attempt_count       INTEGER NOT NULL DEFAULT 0,
	max_attempts        INTEGER NOT NULL DEFAULT 3,
	next_retry_at       TIMESTAMP,
	retry_reason        TEXT,
	canonical_source_id TEXT,
	extraction_version  TEXT,
	material_hash       TEXT,
	quality             TEXT,
	meta                TEXT,
	last_error          TEXT,
	fetched_at          TIMESTAMP,
	processed_at        TIMESTAMP,
	created_at          TIMESTAMP NOT NULL,
	updated_at          TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sources_run_status ON source_documents(tenant_id, research_run_id, status);
CREATE INDEX IF NOT EXISTS idx_sources_run_hash ON source_documents(tenant_id, research_run_id, content_hash);

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
	relevance_score       REAL NOT NULL DEFAULT 0,
	evidence_score        REAL NOT NULL DEFAULT 0,
	review_status         TEXT NOT NULL DEFAULT 'new',
	discovered_by         TEXT,
	verification_status   TEXT,
	exec_search_enabled   INTEGER NOT NULL DEFAULT 0,
	is_pinned             INTEGER NOT NULL DEFAULT 0,
	manual_priority       REAL NOT NULL DEFAULT 0,
	normalized_company_id TEXT,
	meta                  TEXT,
	created_at            TIMESTAMP NOT NULL,
	updated_at            TIMESTAMP NOT NULL,
	UNIQUE (research_run_id, name_normalized)
);

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
	created_at          TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS prospect_signal_evidence (
	id                 TEXT PRIMARY KEY,
	tenant_id          TEXT NOT NULL,
	research_run_id    TEXT NOT NULL,
	prospect_id        TEXT NOT NULL REFERENCES company_prospects(id),
	field_key          TEXT NOT NULL,
	value              TEXT,
	value_normalized   TEXT,
	confidence         REAL NOT NULL DEFAULT 0,
	weight             REAL NOT NULL DEFAULT 0,
	source_document_id TEXT NOT NULL,
	snippet            TEXT,
	created_at         TIMESTAMP NOT NULL,
	UNIQUE (tenant_id, prospect_id, field_key, source_document_id)
);

CREATE TABLE IF NOT EXISTS research_events (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	research_run_id TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	status          TEXT,
	subject_type    TEXT,
	subject_id      TEXT,
	input_json      TEXT,
	output_json     TEXT,
	error_message   TEXT,
	created_at      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_run ON research_events(tenant_id, research_run_id, created_at);

CREATE TABLE IF NOT EXISTS canonical_companies (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	name            TEXT NOT NULL,
	name_normalized TEXT NOT NULL,
	country         TEXT,
	created_at      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS canonical_company_domains (
	id                   TEXT PRIMARY KEY,
	tenant_id            TEXT NOT NULL,
	canonical_company_id TEXT NOT NULL REFERENCES canonical_companies(id),
	domain               TEXT NOT NULL,
	created_at           TIMESTAMP NOT NULL,
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
	created_at           TIMESTAMP NOT NULL,
	UNIQUE (canonical_company_id, prospect_id)
);

CREATE TABLE IF NOT EXISTS canonical_people (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	full_name           TEXT NOT NULL,
	name_normalized     TEXT NOT NULL,
	linkedin_normalized TEXT,
	primary_company_id  TEXT,
	created_at          TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_canonical_people_linkedin
	ON canonical_people(tenant_id, linkedin_normalized)
	WHERE linkedin_normalized IS NOT NULL;

CREATE TABLE IF NOT EXISTS canonical_person_emails (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	canonical_person_id TEXT NOT NULL REFERENCES canonical_people(id),
	email               TEXT NOT NULL,
	created_at          TIMESTAMP NOT NULL,
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
	created_at          TIMESTAMP NOT NULL,
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
	confidence          REAL NOT NULL DEFAULT 0,
	derived_by          TEXT NOT NULL,
	source_document_id  TEXT NOT NULL,
	input_scope_hash    TEXT,
	content_hash        TEXT NOT NULL UNIQUE,
	superseded_at       TIMESTAMP,
	created_at          TIMESTAMP NOT NULL,
	updated_at          TIMESTAMP NOT NULL
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
	recorded_at     TIMESTAMP NOT NULL,
	requeued_at     TIMESTAMP
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// nullStr maps "" to NULL so empty and absent values compare identically
// across both backends.
func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func isSqliteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %s", entity, id)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

// Runs

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.ResearchRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = model.RunStatusQueued
	}
	now := nowFunc()
	run.CreatedAt = now
	run.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO research_runs (id, tenant_id, name, status, requested_by, meta, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TenantID, run.Name, string(run.Status), nullStr(run.RequestedBy),
		nullBytes(run.Meta), now, now,
	)
	return eris.Wrap(err, "sqlite: insert run")
}

const sqliteSelectRun = `SELECT id, tenant_id, name, status, COALESCE(requested_by, ''), COALESCE(last_error, ''),
	meta, started_at, finished_at, created_at, updated_at FROM research_runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLiteRun(row rowScanner) (*model.ResearchRun, error) {
	var r model.ResearchRun
	var meta []byte
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(&r.ID, &r.TenantID, &r.Name, &r.Status, &r.RequestedBy, &r.LastError,
		&meta, &startedAt, &finishedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Meta = json.RawMessage(meta)
	r.StartedAt = fromNullTime(startedAt)
	r.FinishedAt = fromNullTime(finishedAt)
	return &r, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, tenantID, runID string) (*model.ResearchRun, error) {
	row := s.db.QueryRowContext(ctx, sqliteSelectRun+` WHERE tenant_id = ? AND id = ?`, tenantID, runID)
	r, err := scanLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, tenantID string, filter RunFilter) ([]model.ResearchRun, error) {
	query := sqliteSelectRun + ` WHERE tenant_id = ?`
	args := []any{tenantID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, normalizeLimit(filter.Limit, 100), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.ResearchRun
	for rows.Next() {
		r, err := scanLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) MarkRunRunning(ctx context.Context, tenantID, runID string) error {
	now := nowFunc()
	res, err := s.db.ExecContext(ctx,
		`UPDATE research_runs SET status = ?, started_at = COALESCE(started_at, ?), updated_at = ?
		 WHERE tenant_id = ? AND id = ? AND status IN ('queued', 'running')`,
		string(model.RunStatusRunning), now, now, tenantID, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark run running %s", runID)
	}
	return checkRowsAffected(res, "startable run", runID)
}

func (s *SQLiteStore) MarkRunFinished(ctx context.Context, tenantID, runID string, status model.RunStatus, lastError string) error {
	if !status.Terminal() {
		return eris.Errorf("sqlite: %q is not a terminal run status", status)
	}
	now := nowFunc()
	res, err := s.db.ExecContext(ctx,
		`UPDATE research_runs SET status = ?, last_error = ?, finished_at = ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		string(status), nullStr(lastError), now, now, tenantID, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark run finished %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) RequestRunCancel(ctx context.Context, tenantID, runID string) error {
	run, err := s.GetRun(ctx, tenantID, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return eris.Errorf("sqlite: run %s is already %s", runID, run.Status)
	}

	now := nowFunc()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE research_runs SET status = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		string(model.RunStatusCancelRequested), now, tenantID, runID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: request run cancel %s", runID)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE research_jobs SET cancel_requested = 1, updated_at = ?
		 WHERE tenant_id = ? AND research_run_id = ? AND status IN ('queued', 'running')`,
		now, tenantID, runID,
	)
	return eris.Wrapf(err, "sqlite: flag jobs cancel_requested for run %s", runID)
}

// Source documents

const sqliteSourceColumns = `id, tenant_id, research_run_id, source_type, status, COALESCE(url, ''),
	COALESCE(canonical_url, ''), COALESCE(title, ''), COALESCE(content_type, ''), COALESCE(http_status, 0),
	COALESCE(etag, ''), COALESCE(last_modified, ''), COALESCE(content_text, ''), COALESCE(content_hash, ''),
	raw_bytes, attempt_count, max_attempts, next_retry_at, COALESCE(retry_reason, ''),
	COALESCE(canonical_source_id, ''), COALESCE(extraction_version, ''), COALESCE(material_hash, ''),
	quality, meta, COALESCE(last_error, ''), fetched_at, processed_at, created_at, updated_at`

func scanLiteSource(row rowScanner) (*model.SourceDocument, error) {
	var src model.SourceDocument
	var qualityJSON, metaJSON []byte
	var nextRetryAt, fetchedAt, processedAt sql.NullTime
	err := row.Scan(&src.ID, &src.TenantID, &src.RunID, &src.SourceType, &src.Status, &src.URL,
		&src.CanonicalURL, &src.Title, &src.ContentType, &src.HTTPStatus, &src.ETag, &src.LastModified,
		&src.ContentText, &src.ContentHash, &src.RawBytes, &src.AttemptCount, &src.MaxAttempts,
		&nextRetryAt, &src.RetryReason, &src.CanonicalSourceID, &src.ExtractionVersion,
		&src.MaterialHash, &qualityJSON, &metaJSON, &src.LastError, &fetchedAt, &processedAt,
		&src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return nil, err
	}
	src.NextRetryAt = fromNullTime(nextRetryAt)
	src.FetchedAt = fromNullTime(fetchedAt)
	src.ProcessedAt = fromNullTime(processedAt)
	if len(qualityJSON) > 0 {
		src.Quality = &model.QualityInfo{}
		if err := json.Unmarshal(qualityJSON, src.Quality); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal quality")
		}
	}
	if len(metaJSON) > 0 {
		src.Meta = &model.SourceMeta{}
		if err := json.Unmarshal(metaJSON, src.Meta); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal meta")
		}
	}
	return &src, nil
}

func (s *SQLiteStore) AttachSource(ctx context.Context, src *model.SourceDocument) error {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: attach source: begin tx")
	}
	defer tx.Rollback()

	var lockedAt sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT locked_at FROM research_plans WHERE tenant_id = ? AND research_run_id = ?`,
		src.TenantID, src.RunID,
	).Scan(&lockedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return eris.Wrap(err, "sqlite: attach source: check plan")
	}
	if lockedAt.Valid {
		return eris.Wrapf(ErrPlanLocked, "run %s", src.RunID)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO source_documents (id, tenant_id, research_run_id, source_type, status, url,
			canonical_url, title, content_type, content_text, content_hash, raw_bytes, attempt_count,
			max_attempts, quality, meta, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.TenantID, src.RunID, string(src.SourceType), string(src.Status), nullStr(src.URL),
		nullStr(src.CanonicalURL), nullStr(src.Title), nullStr(src.ContentType),
		nullStr(src.ContentText), nullStr(src.ContentHash), nullBytes(src.RawBytes),
		src.AttemptCount, src.MaxAttempts, nullBytes(qualityJSON), nullBytes(metaJSON), now, now,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert source")
	}

	return eris.Wrap(tx.Commit(), "sqlite: attach source: commit")
}

func (s *SQLiteStore) GetSource(ctx context.Context, tenantID, sourceID string) (*model.SourceDocument, error) {
	src, err := scanLiteSource(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteSourceColumns+` FROM source_documents WHERE tenant_id = ? AND id = ?`,
		tenantID, sourceID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "source %s", sourceID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get source %s", sourceID)
	}
	return src, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *SQLiteStore) ListSources(ctx context.Context, tenantID, runID string, filter SourceFilter) ([]model.SourceDocument, error) {
	query := `SELECT ` + sqliteSourceColumns + ` FROM source_documents WHERE tenant_id = ? AND research_run_id = ?`
	args := []any{tenantID, runID}

	if len(filter.Types) > 0 {
		query += ` AND source_type IN (` + placeholders(len(filter.Types)) + `)`
		for _, t := range filter.Types {
			args = append(args, string(t))
		}
	}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, normalizeLimit(filter.Limit, 500))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sources")
	}
	defer rows.Close()

	var out []model.SourceDocument
	for rows.Next() {
		src, err := scanLiteSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source")
		}
		out = append(out, *src)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list sources iterate")
}

func (s *SQLiteStore) ListFetchableSources(ctx context.Context, tenantID, runID string, types []model.SourceType) ([]model.SourceDocument, error) {
	query := `SELECT ` + sqliteSourceColumns + ` FROM source_documents
		WHERE tenant_id = ? AND research_run_id = ?
		AND status IN ('new', 'queued', 'fetching', 'fetch_failed')
		AND (next_retry_at IS NULL OR next_retry_at <= ?)
		AND attempt_count < max_attempts`
	args := []any{tenantID, runID, nowFunc()}
	if len(types) > 0 {
		query += ` AND source_type IN (` + placeholders(len(types)) + `)`
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list fetchable sources")
	}
	defer rows.Close()

	var out []model.SourceDocument
	for rows.Next() {
		src, err := scanLiteSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan fetchable source")
		}
		out = append(out, *src)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list fetchable sources iterate")
}

func (s *SQLiteStore) UpdateSource(ctx context.Context, src *model.SourceDocument) error {
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

	res, err := s.db.ExecContext(ctx,
		`UPDATE source_documents SET
			source_type = ?, status = ?, url = ?, canonical_url = ?, title = ?, content_type = ?,
			http_status = ?, etag = ?, last_modified = ?, content_text = ?, content_hash = ?,
			raw_bytes = ?, attempt_count = ?, max_attempts = ?, next_retry_at = ?, retry_reason = ?,
			canonical_source_id = ?, extraction_version = ?, material_hash = ?, quality = ?, meta = ?,
			last_error = ?, fetched_at = ?, processed_at = ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		string(src.SourceType), string(src.Status), nullStr(src.URL), nullStr(src.CanonicalURL),
		nullStr(src.Title), nullStr(src.ContentType), nullInt(src.HTTPStatus), nullStr(src.ETag),
		nullStr(src.LastModified), nullStr(src.ContentText), nullStr(src.ContentHash),
		nullBytes(src.RawBytes), src.AttemptCount, src.MaxAttempts, nullTime(src.NextRetryAt),
		nullStr(src.RetryReason), nullStr(src.CanonicalSourceID), nullStr(src.ExtractionVersion),
		nullStr(src.MaterialHash), nullBytes(qualityJSON), nullBytes(metaJSON), nullStr(src.LastError),
		nullTime(src.FetchedAt), nullTime(src.ProcessedAt), now, src.TenantID, src.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update source %s", src.ID)
	}
	return checkRowsAffected(res, "source", src.ID)
}

func (s *SQLiteStore) MarkSourceFetchFailed(ctx context.Context, tenantID, sourceID, errMsg, reason string, backoff time.Duration) (bool, error) {
	now := nowFunc()
	retryAt := now.Add(backoff)

	res, err := s.db.ExecContext(ctx,
		`UPDATE source_documents SET
			status = CASE WHEN attempt_count >= max_attempts THEN 'failed' ELSE 'fetch_failed' END,
			retry_reason = CASE WHEN attempt_count >= max_attempts THEN 'retry_exhausted' ELSE ? END,
			next_retry_at = CASE WHEN attempt_count >= max_attempts THEN NULL ELSE ? END,
			last_error = ?,
			updated_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		reason, retryAt, errMsg, now, tenantID, sourceID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: mark source fetch failed %s", sourceID)
	}
	if err := checkRowsAffected(res, "source", sourceID); err != nil {
		return false, err
	}

	var status string
	if err := s.db.QueryRowContext(ctx,
		`SELECT status FROM source_documents WHERE tenant_id = ? AND id = ?`,
		tenantID, sourceID,
	).Scan(&status); err != nil {
		return false, eris.Wrapf(err, "sqlite: read source status %s", sourceID)
	}
	return status == string(model.SourceStatusFetchFailed), nil
}

func (s *SQLiteStore) FindSourceByContentHash(ctx context.Context, tenantID, runID, contentHash, excludeID string) (*model.SourceDocument, error) {
	if contentHash == "" {
		return nil, nil
	}
	src, err := scanLiteSource(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteSourceColumns+` FROM source_documents
		 WHERE tenant_id = ? AND research_run_id = ? AND content_hash = ? AND id <> ?
		 ORDER BY created_at ASC, id ASC LIMIT 1`,
		tenantID, runID, contentHash, excludeID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find source by content hash")
	}
	return src, nil
}

func (s *SQLiteStore) FindSourceByCanonicalURL(ctx context.Context, tenantID, runID, canonicalURL, excludeID string) (*model.SourceDocument, error) {
	if canonicalURL == "" {
		return nil, nil
	}
	src, err := scanLiteSource(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteSourceColumns+` FROM source_documents
		 WHERE tenant_id = ? AND research_run_id = ? AND canonical_url = ? AND id <> ?
		 ORDER BY created_at ASC, id ASC LIMIT 1`,
		tenantID, runID, canonicalURL, excludeID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find source by canonical url")
	}
	return src, nil
}

// Prospects and executives

const sqliteProspectColumns = `id, tenant_id, research_run_id, name, name_normalized, COALESCE(website_url, ''),
	COALESCE(domain, ''), COALESCE(hq_country, ''), COALESCE(sector, ''), COALESCE(subsector, ''),
	relevance_score, evidence_score, review_status, COALESCE(discovered_by, ''),
	COALESCE(verification_status, ''), exec_search_enabled, is_pinned, manual_priority,
	COALESCE(normalized_company_id, ''), meta, created_at, updated_at`

func scanLiteProspect(row rowScanner) (*model.CompanyProspect, error) {
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

func insertLiteEvidence(ctx context.Context, tx *sql.Tx, ev *model.SignalEvidence) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO prospect_signal_evidence (id, tenant_id, research_run_id, prospect_id, field_key,
			value, value_normalized, confidence, weight, source_document_id, snippet, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, prospect_id, field_key, source_document_id) DO NOTHING`,
		ev.ID, ev.TenantID, ev.RunID, ev.ProspectID, ev.FieldKey, nullStr(ev.Value),
		nullStr(ev.ValueNormalized), ev.Confidence, ev.Weight, ev.SourceDocumentID,
		nullStr(ev.Snippet), ev.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) CreateProspect(ctx context.Context, p *model.CompanyProspect, evidence []model.SignalEvidence) error {
	if len(evidence) == 0 {
		return eris.Errorf("sqlite: prospect %q created without evidence", p.Name)
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: create prospect: begin tx")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO company_prospects (id, tenant_id, research_run_id, name, name_normalized, website_url,
			domain, hq_country, sector, subsector, relevance_score, evidence_score, review_status,
			discovered_by, verification_status, exec_search_enabled, is_pinned, manual_priority,
			normalized_company_id, meta, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, p.RunID, p.Name, p.NameNormalized, nullStr(p.WebsiteURL), nullStr(p.Domain),
		nullStr(p.HQCountry), nullStr(p.Sector), nullStr(p.Subsector), p.RelevanceScore,
		p.EvidenceScore, string(p.ReviewStatus), nullStr(p.DiscoveredBy), nullStr(p.VerificationStatus),
		p.ExecSearchEnabled, p.IsPinned, p.ManualPriority, nullStr(p.NormalizedCompanyID),
		nullBytes(p.Meta), now, now,
	)
	if isSqliteUniqueViolation(err) {
		return eris.Wrapf(ErrConflict, "prospect %q already exists in run %s", p.NameNormalized, p.RunID)
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: insert prospect")
	}

	for i := range evidence {
		if err := insertLiteEvidence(ctx, tx, &evidence[i]); err != nil {
			return eris.Wrap(err, "sqlite: insert prospect evidence")
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: create prospect: commit")
}

func (s *SQLiteStore) GetProspect(ctx context.Context, tenantID, prospectID string) (*model.CompanyProspect, error) {
	p, err := scanLiteProspect(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteProspectColumns+` FROM company_prospects WHERE tenant_id = ? AND id = ?`,
		tenantID, prospectID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "prospect %s", prospectID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get prospect %s", prospectID)
	}
	return p, nil
}

func (s *SQLiteStore) FindProspectByName(ctx context.Context, tenantID, runID, nameNormalized string) (*model.CompanyProspect, error) {
	p, err := scanLiteProspect(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteProspectColumns+` FROM company_prospects
		 WHERE tenant_id = ? AND research_run_id = ? AND name_normalized = ?`,
		tenantID, runID, nameNormalized,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find prospect by name")
	}
	return p, nil
}

func (s *SQLiteStore) ListProspects(ctx context.Context, tenantID, runID string, filter ProspectFilter) ([]model.CompanyProspect, error) {
	query := `SELECT ` + sqliteProspectColumns + ` FROM company_prospects WHERE tenant_id = ? AND research_run_id = ?`
	args := []any{tenantID, runID}

	if filter.ReviewStatus != "" {
		query += ` AND review_status = ?`
		args = append(args, string(filter.ReviewStatus))
	}
	query += ` ORDER BY name_normalized ASC, id ASC LIMIT ? OFFSET ?`
	args = append(args, normalizeLimit(filter.Limit, 1000), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list prospects")
	}
	defer rows.Close()

	var out []model.CompanyProspect
	for rows.Next() {
		p, err := scanLiteProspect(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan prospect")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list prospects iterate")
}

func (s *SQLiteStore) SetProspectReview(ctx context.Context, tenantID, prospectID string, status model.ReviewStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE company_prospects SET review_status = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		string(status), nowFunc(), tenantID, prospectID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set prospect review %s", prospectID)
	}
	return checkRowsAffected(res, "prospect", prospectID)
}

func (s *SQLiteStore) SetProspectPin(ctx context.Context, tenantID, prospectID string, pinned bool, manualPriority float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE company_prospects SET is_pinned = ?, manual_priority = ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		pinned, manualPriority, nowFunc(), tenantID, prospectID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set prospect pin %s", prospectID)
	}
	return checkRowsAffected(res, "prospect", prospectID)
}

func (s *SQLiteStore) SetProspectCanonical(ctx context.Context, tenantID, prospectID, canonicalCompanyID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE company_prospects SET normalized_company_id = ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		canonicalCompanyID, nowFunc(), tenantID, prospectID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set prospect canonical %s", prospectID)
	}
	return checkRowsAffected(res, "prospect", prospectID)
}

func (s *SQLiteStore) CreateExecutive(ctx context.Context, e *model.Executive) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = nowFunc()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prospect_executives (id, tenant_id, research_run_id, prospect_id, full_name,
			name_normalized, title, email, linkedin_url, source_document_id, canonical_person_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.RunID, e.ProspectID, e.FullName, e.NameNormalized, nullStr(e.Title),
		nullStr(e.Email), nullStr(e.LinkedInURL), nullStr(e.SourceDocumentID),
		nullStr(e.CanonicalPersonID), e.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert executive")
}

func (s *SQLiteStore) ListExecutives(ctx context.Context, tenantID, runID string) ([]model.Executive, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, research_run_id, prospect_id, full_name, name_normalized, COALESCE(title, ''),
			COALESCE(email, ''), COALESCE(linkedin_url, ''), COALESCE(source_document_id, ''),
			COALESCE(canonical_person_id, ''), created_at
		 FROM prospect_executives WHERE tenant_id = ? AND research_run_id = ?
		 ORDER BY created_at ASC, id ASC`,
		tenantID, runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list executives")
	}
	defer rows.Close()

	var out []model.Executive
	for rows.Next() {
		var e model.Executive
		if err := rows.Scan(&e.ID, &e.TenantID, &e.RunID, &e.ProspectID, &e.FullName, &e.NameNormalized,
			&e.Title, &e.Email, &e.LinkedInURL, &e.SourceDocumentID, &e.CanonicalPersonID, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan executive")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list executives iterate")
}

func (s *SQLiteStore) SetExecutiveCanonical(ctx context.Context, tenantID, executiveID, canonicalPersonID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE prospect_executives SET canonical_person_id = ? WHERE tenant_id = ? AND id = ?`,
		canonicalPersonID, tenantID, executiveID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set executive canonical %s", executiveID)
	}
	return checkRowsAffected(res, "executive", executiveID)
}

// Evidence

func (s *SQLiteStore) InsertEvidence(ctx context.Context, evRows []model.SignalEvidence) (int64, error) {
	if len(evRows) == 0 {
		return 0, nil
	}
	if err := validateEvidence(evRows); err != nil {
		return 0, err
	}

	now := nowFunc()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert evidence: begin tx")
	}
	defer tx.Rollback()

	var inserted int64
	for i := range evRows {
		ev := &evRows[i]
		if ev.ID == "" {
			ev.ID = uuid.New().String()
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = now
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO prospect_signal_evidence (id, tenant_id, research_run_id, prospect_id, field_key,
				value, value_normalized, confidence, weight, source_document_id, snippet, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (tenant_id, prospect_id, field_key, source_document_id) DO NOTHING`,
			ev.ID, ev.TenantID, ev.RunID, ev.ProspectID, ev.FieldKey, nullStr(ev.Value),
			nullStr(ev.ValueNormalized), ev.Confidence, ev.Weight, ev.SourceDocumentID,
			nullStr(ev.Snippet), ev.CreatedAt,
		)
		if err != nil {
			return inserted, eris.Wrap(err, "sqlite: insert evidence")
		}
		n, _ := res.RowsAffected()
		inserted += n
	}

	return inserted, eris.Wrap(tx.Commit(), "sqlite: insert evidence: commit")
}

func (s *SQLiteStore) ListEvidenceForRun(ctx context.Context, tenantID, runID string) ([]model.SignalEvidence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, research_run_id, prospect_id, field_key, COALESCE(value, ''),
			COALESCE(value_normalized, ''), confidence, weight, source_document_id, COALESCE(snippet, ''),
			created_at
		 FROM prospect_signal_evidence WHERE tenant_id = ? AND research_run_id = ?
		 ORDER BY prospect_id ASC, field_key ASC, source_document_id ASC`,
		tenantID, runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list evidence")
	}
	defer rows.Close()

	var out []model.SignalEvidence
	for rows.Next() {
		var ev model.SignalEvidence
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.RunID, &ev.ProspectID, &ev.FieldKey, &ev.Value,
			&ev.ValueNormalized, &ev.Confidence, &ev.Weight, &ev.SourceDocumentID, &ev.Snippet,
			&ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan evidence")
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list evidence iterate")
}

// Events

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *model.ResearchEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = nowFunc()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO research_events (id, tenant_id, research_run_id, event_type, status, subject_type,
			subject_id, input_json, output_json, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.TenantID, ev.RunID, ev.EventType, nullStr(ev.Status), nullStr(ev.SubjectType),
		nullStr(ev.SubjectID), nullBytes(ev.Input), nullBytes(ev.Output), nullStr(ev.ErrorMessage),
		ev.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: append event")
}

func (s *SQLiteStore) ListEvents(ctx context.Context, tenantID, runID string, filter EventFilter) ([]model.ResearchEvent, error) {
	query := `SELECT id, tenant_id, research_run_id, event_type, COALESCE(status, ''),
		COALESCE(subject_type, ''), COALESCE(subject_id, ''), input_json, output_json,
		COALESCE(error_message, ''), created_at
		FROM research_events WHERE tenant_id = ? AND research_run_id = ?`
	args := []any{tenantID, runID}

	if filter.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, filter.EventType)
	}
	if filter.SubjectID != "" {
		query += ` AND subject_id = ?`
		args = append(args, filter.SubjectID)
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, normalizeLimit(filter.Limit, 500))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list events")
	}
	defer rows.Close()

	var out []model.ResearchEvent
	for rows.Next() {
		var ev model.ResearchEvent
		var inputJSON, outputJSON []byte
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.RunID, &ev.EventType, &ev.Status, &ev.SubjectType,
			&ev.SubjectID, &inputJSON, &outputJSON, &ev.ErrorMessage, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		ev.Input = json.RawMessage(inputJSON)
		ev.Output = json.RawMessage(outputJSON)
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list events iterate")
}
