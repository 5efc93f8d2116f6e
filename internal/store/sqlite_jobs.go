package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/research-pipeline/internal/model"
)

// Jobs

const sqliteJobColumns = `id, tenant_id, research_run_id, job_type, status, payload, attempt_count, max_attempts,
	next_retry_at, locked_at, COALESCE(locked_by, ''), cancel_requested, COALESCE(last_error, ''),
	created_at, updated_at`

func scanLiteJob(row rowScanner) (*model.ResearchJob, error) {
	var j model.ResearchJob
	var payload []byte
	var nextRetryAt, lockedAt sql.NullTime
	err := row.Scan(&j.ID, &j.TenantID, &j.RunID, &j.JobType, &j.Status, &payload, &j.AttemptCount,
		&j.MaxAttempts, &nextRetryAt, &lockedAt, &j.LockedBy, &j.CancelRequested, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	j.NextRetryAt = fromNullTime(nextRetryAt)
	j.LockedAt = fromNullTime(lockedAt)
	return &j, nil
}

// EnqueueJob inserts a queued job unless an active one already exists for the
// same (tenant, run, job_type); in that case job is overwritten with the
// existing row so callers always end up holding the active job.
func (s *SQLiteStore) EnqueueJob(ctx context.Context, job *model.ResearchJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.JobType == "" {
		job.JobType = model.JobTypeResearch
	}
	if job.Status == "" {
		job.Status = model.JobStatusQueued
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = model.DefaultJobMaxAttempts
	}
	now := nowFunc()
	job.CreatedAt = now
	job.UpdatedAt = now

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO research_jobs (id, tenant_id, research_run_id, job_type, status, payload, attempt_count,
			max_attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		job.ID, job.TenantID, job.RunID, job.JobType, string(job.Status), nullBytes(job.Payload),
		job.AttemptCount, job.MaxAttempts, now, now,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: enqueue job")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	existing, err := scanLiteJob(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM research_jobs
		 WHERE tenant_id = ? AND research_run_id = ? AND job_type = ? AND status IN ('queued', 'running')`,
		job.TenantID, job.RunID, job.JobType,
	))
	if err != nil {
		return eris.Wrap(err, "sqlite: enqueue job: load active job")
	}
	*job = *existing
	return nil
}

// ClaimNextJob locks and returns the oldest claimable job, or (nil, nil) when
// nothing is due. SQLite has no FOR UPDATE SKIP LOCKED; the select and the
// conditional update run in one transaction, and a lost race between
// processes shows up as zero rows affected and is retried on a later poll.
func (s *SQLiteStore) ClaimNextJob(ctx context.Context, workerID string) (*model.ResearchJob, error) {
	now := nowFunc()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim job: begin tx")
	}
	defer tx.Rollback()

	var jobID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM research_jobs
		 WHERE status = 'queued' AND (next_retry_at IS NULL OR next_retry_at <= ?)
		 ORDER BY created_at ASC, id ASC LIMIT 1`,
		now,
	).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim job: select")
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE research_jobs SET status = 'running', locked_by = ?, locked_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'queued'`,
		workerID, now, now, jobID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim job: lock")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}

	job, err := scanLiteJob(tx.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM research_jobs WHERE id = ?`, jobID,
	))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim job: reload")
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: claim job: commit")
	}
	return job, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, tenantID, jobID string) (*model.ResearchJob, error) {
	job, err := scanLiteJob(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM research_jobs WHERE tenant_id = ? AND id = ?`,
		tenantID, jobID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", jobID)
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, tenantID string, filter JobFilter) ([]model.ResearchJob, error) {
	query := `SELECT ` + sqliteJobColumns + ` FROM research_jobs WHERE tenant_id = ?`
	args := []any{tenantID}

	if filter.RunID != "" {
		query += ` AND research_run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, normalizeLimit(filter.Limit, 100))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var out []model.ResearchJob
	for rows.Next() {
		j, err := scanLiteJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		out = append(out, *j)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) MarkJobSucceeded(ctx context.Context, tenantID, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE research_jobs SET status = 'succeeded', locked_at = NULL, locked_by = NULL,
			cancel_requested = 0, last_error = NULL, next_retry_at = NULL, updated_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		nowFunc(), tenantID, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark job succeeded %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

// MarkJobFailed increments attempt_count and releases the lock. The job is
// requeued with next_retry_at = now + backoff while attempts remain; once
// exhausted it goes terminally failed and a dead letter is recorded.
func (s *SQLiteStore) MarkJobFailed(ctx context.Context, tenantID, jobID, errMsg string, backoff time.Duration) (bool, error) {
	now := nowFunc()
	retryAt := now.Add(backoff)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: mark job failed: begin tx")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE research_jobs SET
			attempt_count = attempt_count + 1,
			status = CASE WHEN attempt_count + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
			next_retry_at = CASE WHEN attempt_count + 1 >= max_attempts THEN NULL ELSE ? END,
			last_error = ?,
			locked_at = NULL,
			locked_by = NULL,
			updated_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		retryAt, errMsg, now, tenantID, jobID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: mark job failed %s", jobID)
	}
	if err := checkRowsAffected(res, "job", jobID); err != nil {
		return false, err
	}

	var status, runID, jobType string
	var attempts int
	if err := tx.QueryRowContext(ctx,
		`SELECT status, attempt_count, research_run_id, job_type FROM research_jobs
		 WHERE tenant_id = ? AND id = ?`,
		tenantID, jobID,
	).Scan(&status, &attempts, &runID, &jobType); err != nil {
		return false, eris.Wrapf(err, "sqlite: read failed job %s", jobID)
	}

	if status == string(model.JobStatusFailed) {
		if err := insertLiteDeadLetter(ctx, tx, &model.DeadLetter{
			TenantID:     tenantID,
			RunID:        runID,
			JobID:        jobID,
			JobType:      jobType,
			Reason:       "max_attempts_exhausted",
			LastError:    errMsg,
			AttemptCount: attempts,
		}); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: mark job failed: commit")
	}
	return status == string(model.JobStatusQueued), nil
}

// FailJobTerminal fails a job immediately regardless of remaining attempts.
// Used when retrying cannot help, e.g. a plan blocked by a permanently failed
// step.
func (s *SQLiteStore) FailJobTerminal(ctx context.Context, tenantID, jobID, reason string) error {
	now := nowFunc()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: fail job terminal: begin tx")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE research_jobs SET status = 'failed', last_error = ?, next_retry_at = NULL,
			locked_at = NULL, locked_by = NULL, updated_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		reason, now, tenantID, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job terminal %s", jobID)
	}
	if err := checkRowsAffected(res, "job", jobID); err != nil {
		return err
	}

	var runID, jobType string
	var attempts int
	if err := tx.QueryRowContext(ctx,
		`SELECT attempt_count, research_run_id, job_type FROM research_jobs WHERE tenant_id = ? AND id = ?`,
		tenantID, jobID,
	).Scan(&attempts, &runID, &jobType); err != nil {
		return eris.Wrapf(err, "sqlite: read terminal job %s", jobID)
	}

	if err := insertLiteDeadLetter(ctx, tx, &model.DeadLetter{
		TenantID:     tenantID,
		RunID:        runID,
		JobID:        jobID,
		JobType:      jobType,
		Reason:       "terminal_failure",
		LastError:    reason,
		AttemptCount: attempts,
	}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: fail job terminal: commit")
}

func (s *SQLiteStore) MarkJobCancelled(ctx context.Context, tenantID, jobID, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE research_jobs SET status = 'cancelled', last_error = NULLIF(?, ''), next_retry_at = NULL,
			locked_at = NULL, locked_by = NULL, updated_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		reason, nowFunc(), tenantID, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark job cancelled %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) JobCancelRequested(ctx context.Context, tenantID, jobID string) (bool, error) {
	var requested bool
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM research_jobs WHERE tenant_id = ? AND id = ?`,
		tenantID, jobID,
	).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: job cancel_requested %s", jobID)
	}
	return requested, nil
}

// Plans and steps

const sqlitePlanColumns = `id, tenant_id, research_run_id, COALESCE(job_id, ''), version, locked_at, created_at`

func scanLitePlan(row rowScanner) (*model.ResearchPlan, error) {
	var p model.ResearchPlan
	var lockedAt sql.NullTime
	err := row.Scan(&p.ID, &p.TenantID, &p.RunID, &p.JobID, &p.Version, &lockedAt, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.LockedAt = fromNullTime(lockedAt)
	return &p, nil
}

func (s *SQLiteStore) GetPlan(ctx context.Context, tenantID, runID string) (*model.ResearchPlan, error) {
	plan, err := scanLitePlan(s.db.QueryRowContext(ctx,
		`SELECT `+sqlitePlanColumns+` FROM research_plans WHERE tenant_id = ? AND research_run_id = ?`,
		tenantID, runID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "plan for run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get plan for run %s", runID)
	}
	return plan, nil
}

// EnsurePlan creates the plan and its fixed ordered step set if missing.
// Returns (plan, created, err); losing a concurrent create race returns the
// winner's row.
func (s *SQLiteStore) EnsurePlan(ctx context.Context, tenantID, runID, jobID string, stepMaxAttempts int) (*model.ResearchPlan, bool, error) {
	plan, err := s.GetPlan(ctx, tenantID, runID)
	if err == nil {
		return plan, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	if stepMaxAttempts <= 0 {
		stepMaxAttempts = model.DefaultStepMaxAttempts
	}
	now := nowFunc()
	newPlan := &model.ResearchPlan{
		ID:        uuid.New().String(),
		RunID:     runID,
		TenantID:  tenantID,
		JobID:     jobID,
		Version:   1,
		CreatedAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: ensure plan: begin tx")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO research_plans (id, tenant_id, research_run_id, job_id, version, created_at)
		 VALUES (?, ?, ?, NULLIF(?, ''), ?, ?)`,
		newPlan.ID, tenantID, runID, jobID, newPlan.Version, now,
	)
	if isSqliteUniqueViolation(err) {
		// Lost the race; the winner's plan is authoritative.
		plan, err := s.GetPlan(ctx, tenantID, runID)
		return plan, false, err
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: insert plan")
	}

	for _, key := range model.StepKeys() {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO research_plan_steps (id, tenant_id, research_run_id, plan_id, step_key, step_order,
				status, attempt_count, max_attempts, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?)`,
			uuid.New().String(), tenantID, runID, newPlan.ID, string(key), model.StepOrder(key),
			stepMaxAttempts, now, now,
		)
		if err != nil {
			return nil, false, eris.Wrapf(err, "sqlite: insert step %s", key)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, eris.Wrap(err, "sqlite: ensure plan: commit")
	}
	return newPlan, true, nil
}

// LockPlan stamps locked_at exactly once; later calls are no-ops.
func (s *SQLiteStore) LockPlan(ctx context.Context, tenantID, runID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE research_plans SET locked_at = COALESCE(locked_at, ?)
		 WHERE tenant_id = ? AND research_run_id = ?`,
		nowFunc(), tenantID, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: lock plan for run %s", runID)
	}
	return checkRowsAffected(res, "plan for run", runID)
}

const sqliteStepColumns = `id, tenant_id, research_run_id, plan_id, step_key, step_order, status, attempt_count,
	max_attempts, next_retry_at, input_json, output_json, COALESCE(last_error, ''), started_at, finished_at,
	created_at, updated_at`

func scanLiteStep(row rowScanner) (*model.PlanStep, error) {
	var st model.PlanStep
	var inputJSON, outputJSON []byte
	var nextRetryAt, startedAt, finishedAt sql.NullTime
	err := row.Scan(&st.ID, &st.TenantID, &st.RunID, &st.PlanID, &st.StepKey, &st.StepOrder, &st.Status,
		&st.AttemptCount, &st.MaxAttempts, &nextRetryAt, &inputJSON, &outputJSON, &st.LastError,
		&startedAt, &finishedAt, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	st.Input = json.RawMessage(inputJSON)
	st.Output = json.RawMessage(outputJSON)
	st.NextRetryAt = fromNullTime(nextRetryAt)
	st.StartedAt = fromNullTime(startedAt)
	st.FinishedAt = fromNullTime(finishedAt)
	return &st, nil
}

func (s *SQLiteStore) ListSteps(ctx context.Context, tenantID, runID string) ([]model.PlanStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteStepColumns+` FROM research_plan_steps
		 WHERE tenant_id = ? AND research_run_id = ? ORDER BY step_order ASC`,
		tenantID, runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list steps")
	}
	defer rows.Close()

	var out []model.PlanStep
	for rows.Next() {
		st, err := scanLiteStep(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan step")
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list steps iterate")
}

// ClaimNextStep picks the lowest step_order claimable step. running is
// claimable because a crash can orphan it; job locking guarantees one worker
// per run, so there is no intra-run race.
func (s *SQLiteStore) ClaimNextStep(ctx context.Context, tenantID, runID string) (*model.PlanStep, error) {
	now := nowFunc()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim step: begin tx")
	}
	defer tx.Rollback()

	var stepID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM research_plan_steps
		 WHERE tenant_id = ? AND research_run_id = ?
		 AND status IN ('pending', 'failed', 'running')
		 AND attempt_count < max_attempts
		 AND (next_retry_at IS NULL OR next_retry_at <= ?)
		 ORDER BY step_order ASC LIMIT 1`,
		tenantID, runID, now,
	).Scan(&stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: claim step for run %s: select", runID)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE research_plan_steps SET status = 'running', started_at = COALESCE(started_at, ?),
			next_retry_at = NULL, updated_at = ?
		 WHERE id = ?`,
		now, now, stepID,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: claim step for run %s: lock", runID)
	}

	step, err := scanLiteStep(tx.QueryRowContext(ctx,
		`SELECT `+sqliteStepColumns+` FROM research_plan_steps WHERE id = ?`, stepID,
	))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: claim step for run %s: reload", runID)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: claim step: commit")
	}
	return step, nil
}

func (s *SQLiteStore) MarkStepSucceeded(ctx context.Context, tenantID, stepID string, output json.RawMessage) error {
	now := nowFunc()
	res, err := s.db.ExecContext(ctx,
		`UPDATE research_plan_steps SET status = 'succeeded', output_json = ?, last_error = NULL,
			next_retry_at = NULL, finished_at = ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		nullBytes(output), now, now, tenantID, stepID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark step succeeded %s", stepID)
	}
	return checkRowsAffected(res, "step", stepID)
}

// MarkStepFailed mirrors job failure handling: it increments attempt_count
// and schedules a retry, or leaves the step terminally failed once attempts
// are exhausted.
func (s *SQLiteStore) MarkStepFailed(ctx context.Context, tenantID, stepID, errMsg string, backoff time.Duration) (bool, error) {
	now := nowFunc()
	retryAt := now.Add(backoff)

	res, err := s.db.ExecContext(ctx,
		`UPDATE research_plan_steps SET
			attempt_count = attempt_count + 1,
			status = 'failed',
			last_error = ?,
			next_retry_at = CASE WHEN attempt_count + 1 >= max_attempts THEN NULL ELSE ? END,
			finished_at = CASE WHEN attempt_count + 1 >= max_attempts THEN ? ELSE finished_at END,
			updated_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		errMsg, retryAt, now, now, tenantID, stepID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: mark step failed %s", stepID)
	}
	if err := checkRowsAffected(res, "step", stepID); err != nil {
		return false, err
	}

	var attempts, maxAttempts int
	if err := s.db.QueryRowContext(ctx,
		`SELECT attempt_count, max_attempts FROM research_plan_steps WHERE tenant_id = ? AND id = ?`,
		tenantID, stepID,
	).Scan(&attempts, &maxAttempts); err != nil {
		return false, eris.Wrapf(err, "sqlite: read failed step %s", stepID)
	}
	return attempts < maxAttempts, nil
}

func (s *SQLiteStore) MarkStepSkipped(ctx context.Context, tenantID, stepID, reason string) error {
	output, err := json.Marshal(map[string]string{"skipped_reason": reason})
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal skip reason")
	}
	now := nowFunc()
	res, err := s.db.ExecContext(ctx,
		`UPDATE research_plan_steps SET status = 'skipped', output_json = ?, next_retry_at = NULL,
			finished_at = ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		output, now, now, tenantID, stepID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark step skipped %s", stepID)
	}
	return checkRowsAffected(res, "step", stepID)
}

func (s *SQLiteStore) CancelPendingSteps(ctx context.Context, tenantID, runID, reason string) (int, error) {
	now := nowFunc()
	res, err := s.db.ExecContext(ctx,
		`UPDATE research_plan_steps SET status = 'cancelled', last_error = NULLIF(?, ''),
			next_retry_at = NULL, finished_at = ?, updated_at = ?
		 WHERE tenant_id = ? AND research_run_id = ? AND status IN ('pending', 'running', 'failed')`,
		reason, now, now, tenantID, runID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: cancel pending steps for run %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: cancel pending steps: rows affected")
	}
	return int(n), nil
}

// Dead letters

func insertLiteDeadLetter(ctx context.Context, tx *sql.Tx, d *model.DeadLetter) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.RecordedAt.IsZero() {
		d.RecordedAt = nowFunc()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO job_dead_letters (id, tenant_id, research_run_id, job_id, job_type, reason, last_error,
			attempt_count, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?)`,
		d.ID, d.TenantID, d.RunID, d.JobID, d.JobType, d.Reason, d.LastError, d.AttemptCount, d.RecordedAt,
	)
	return eris.Wrap(err, "sqlite: insert dead letter")
}

func (s *SQLiteStore) ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]model.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, research_run_id, job_id, job_type, reason, COALESCE(last_error, ''),
			attempt_count, recorded_at, requeued_at
		 FROM job_dead_letters WHERE tenant_id = ? ORDER BY recorded_at DESC LIMIT ?`,
		tenantID, normalizeLimit(limit, 100),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dead letters")
	}
	defer rows.Close()

	var out []model.DeadLetter
	for rows.Next() {
		var d model.DeadLetter
		var requeuedAt sql.NullTime
		if err := rows.Scan(&d.ID, &d.TenantID, &d.RunID, &d.JobID, &d.JobType, &d.Reason, &d.LastError,
			&d.AttemptCount, &d.RecordedAt, &requeuedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dead letter")
		}
		d.RequeuedAt = fromNullTime(requeuedAt)
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list dead letters iterate")
}

// RequeueDeadLetter resets the dead-lettered job to queued with a fresh
// attempt budget and stamps requeued_at. A dead letter can be requeued once.
func (s *SQLiteStore) RequeueDeadLetter(ctx context.Context, tenantID, deadLetterID string) (*model.ResearchJob, error) {
	now := nowFunc()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: requeue dead letter: begin tx")
	}
	defer tx.Rollback()

	var jobID string
	var requeuedAt sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT job_id, requeued_at FROM job_dead_letters WHERE tenant_id = ? AND id = ?`,
		tenantID, deadLetterID,
	).Scan(&jobID, &requeuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "dead letter %s", deadLetterID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get dead letter %s", deadLetterID)
	}
	if requeuedAt.Valid {
		return nil, eris.Wrapf(ErrConflict, "dead letter %s already requeued", deadLetterID)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE research_jobs SET status = 'queued', attempt_count = 0, next_retry_at = NULL,
			last_error = NULL, locked_at = NULL, locked_by = NULL, cancel_requested = 0, updated_at = ?
		 WHERE tenant_id = ? AND id = ? AND status = 'failed'`,
		now, tenantID, jobID,
	)
	if isSqliteUniqueViolation(err) {
		return nil, eris.Wrapf(ErrConflict, "run already has an active job")
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: requeue job %s", jobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, eris.Wrapf(ErrNotFound, "failed job %s for dead letter %s", jobID, deadLetterID)
	}

	job, err := scanLiteJob(tx.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM research_jobs WHERE tenant_id = ? AND id = ?`,
		tenantID, jobID,
	))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: reload requeued job %s", jobID)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE job_dead_letters SET requeued_at = ? WHERE tenant_id = ? AND id = ?`,
		now, tenantID, deadLetterID,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: stamp dead letter %s", deadLetterID)
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: requeue dead letter: commit")
	}
	return job, nil
}
