package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/research-pipeline/internal/model"
)

// Jobs

const sqlJobColumns = `id, tenant_id, research_run_id, job_type, status, payload, attempt_count, max_attempts,
	next_retry_at, locked_at, COALESCE(locked_by, ''), cancel_requested, COALESCE(last_error, ''),
	created_at, updated_at`

func scanPgJob(row pgx.Row) (*model.ResearchJob, error) {
	var j model.ResearchJob
	var payload []byte
	err := row.Scan(&j.ID, &j.TenantID, &j.RunID, &j.JobType, &j.Status, &payload, &j.AttemptCount,
		&j.MaxAttempts, &j.NextRetryAt, &j.LockedAt, &j.LockedBy, &j.CancelRequested, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	return &j, nil
}

// EnqueueJob inserts a queued job unless an active one already exists for the
// same (tenant, run, job_type); in that case job is overwritten with the
// existing row so callers always end up holding the active job.
func (s *PostgresStore) EnqueueJob(ctx context.Context, job *model.ResearchJob) error {
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

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO research_jobs (id, tenant_id, research_run_id, job_type, status, payload, attempt_count,
			max_attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT DO NOTHING`,
		job.ID, job.TenantID, job.RunID, job.JobType, string(job.Status), []byte(job.Payload),
		job.AttemptCount, job.MaxAttempts, now, now,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: enqueue job")
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	existing, err := scanPgJob(s.pool.QueryRow(ctx,
		`SELECT `+sqlJobColumns+` FROM research_jobs
		 WHERE tenant_id = $1 AND research_run_id = $2 AND job_type = $3 AND status IN ('queued', 'running')`,
		job.TenantID, job.RunID, job.JobType,
	))
	if err != nil {
		return eris.Wrap(err, "postgres: enqueue job: load active job")
	}
	*job = *existing
	return nil
}

const sqlClaimNextJob = `UPDATE research_jobs
	SET status = 'running', locked_by = $1, locked_at = $2, updated_at = $2
	WHERE id = (
		SELECT id FROM research_jobs
		WHERE status = 'queued' AND (next_retry_at IS NULL OR next_retry_at <= $2)
		ORDER BY created_at ASC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	RETURNING ` + sqlJobColumns

// ClaimNextJob atomically locks and returns the oldest claimable job, or
// (nil, nil) when nothing is due.
func (s *PostgresStore) ClaimNextJob(ctx context.Context, workerID string) (*model.ResearchJob, error) {
	job, err := scanPgJob(s.pool.QueryRow(ctx, sqlClaimNextJob, workerID, nowFunc()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim job")
	}
	return job, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, tenantID, jobID string) (*model.ResearchJob, error) {
	job, err := scanPgJob(s.pool.QueryRow(ctx,
		`SELECT `+sqlJobColumns+` FROM research_jobs WHERE tenant_id = $1 AND id = $2`,
		tenantID, jobID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, tenantID string, filter JobFilter) ([]model.ResearchJob, error) {
	query := `SELECT ` + sqlJobColumns + ` FROM research_jobs WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if filter.RunID != "" {
		query += fmt.Sprintf(` AND research_run_id = $%d`, argIdx)
		args = append(args, filter.RunID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, normalizeLimit(filter.Limit, 100))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var out []model.ResearchJob
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		out = append(out, *j)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) MarkJobSucceeded(ctx context.Context, tenantID, jobID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE research_jobs SET status = 'succeeded', locked_at = NULL, locked_by = NULL,
			cancel_requested = FALSE, last_error = NULL, next_retry_at = NULL, updated_at = $1
		 WHERE tenant_id = $2 AND id = $3`,
		nowFunc(), tenantID, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark job succeeded %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	return nil
}

// MarkJobFailed increments attempt_count and releases the lock. The job is
// requeued with next_retry_at = now + backoff while attempts remain; once
// exhausted it goes terminally failed and a dead letter is recorded.
func (s *PostgresStore) MarkJobFailed(ctx context.Context, tenantID, jobID, errMsg string, backoff time.Duration) (bool, error) {
	now := nowFunc()
	retryAt := now.Add(backoff)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "postgres: mark job failed: begin tx")
	}
	defer tx.Rollback(ctx)

	var status, runID, jobType string
	var attempts int
	err = tx.QueryRow(ctx,
		`UPDATE research_jobs SET
			attempt_count = attempt_count + 1,
			status = CASE WHEN attempt_count + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
			next_retry_at = CASE WHEN attempt_count + 1 >= max_attempts THEN NULL ELSE $1 END,
			last_error = $2,
			locked_at = NULL,
			locked_by = NULL,
			updated_at = $3
		 WHERE tenant_id = $4 AND id = $5
		 RETURNING status, attempt_count, research_run_id, job_type`,
		retryAt, errMsg, now, tenantID, jobID,
	).Scan(&status, &attempts, &runID, &jobType)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: mark job failed %s", jobID)
	}

	if status == string(model.JobStatusFailed) {
		if err := insertPgDeadLetter(ctx, tx, &model.DeadLetter{
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
	if err := tx.Commit(ctx); err != nil {
		return false, eris.Wrap(err, "postgres: mark job failed: commit")
	}
	return status == string(model.JobStatusQueued), nil
}

// FailJobTerminal fails a job immediately regardless of remaining attempts.
// Used when retrying cannot help, e.g. a plan blocked by a permanently failed
// step.
func (s *PostgresStore) FailJobTerminal(ctx context.Context, tenantID, jobID, reason string) error {
	now := nowFunc()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: fail job terminal: begin tx")
	}
	defer tx.Rollback(ctx)

	var runID, jobType string
	var attempts int
	err = tx.QueryRow(ctx,
		`UPDATE research_jobs SET status = 'failed', last_error = $1, next_retry_at = NULL,
			locked_at = NULL, locked_by = NULL, updated_at = $2
		 WHERE tenant_id = $3 AND id = $4
		 RETURNING attempt_count, research_run_id, job_type`,
		reason, now, tenantID, jobID,
	).Scan(&attempts, &runID, &jobType)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job terminal %s", jobID)
	}

	if err := insertPgDeadLetter(ctx, tx, &model.DeadLetter{
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
	return eris.Wrap(tx.Commit(ctx), "postgres: fail job terminal: commit")
}

func (s *PostgresStore) MarkJobCancelled(ctx context.Context, tenantID, jobID, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE research_jobs SET status = 'cancelled', last_error = NULLIF($1, ''), next_retry_at = NULL,
			locked_at = NULL, locked_by = NULL, updated_at = $2
		 WHERE tenant_id = $3 AND id = $4`,
		reason, nowFunc(), tenantID, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark job cancelled %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	return nil
}

func (s *PostgresStore) JobCancelRequested(ctx context.Context, tenantID, jobID string) (bool, error) {
	var requested bool
	err := s.pool.QueryRow(ctx,
		`SELECT cancel_requested FROM research_jobs WHERE tenant_id = $1 AND id = $2`,
		tenantID, jobID,
	).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: job cancel_requested %s", jobID)
	}
	return requested, nil
}

// Plans and steps

const sqlPlanColumns = `id, tenant_id, research_run_id, COALESCE(job_id, ''), version, locked_at, created_at`

func scanPgPlan(row pgx.Row) (*model.ResearchPlan, error) {
	var p model.ResearchPlan
	err := row.Scan(&p.ID, &p.TenantID, &p.RunID, &p.JobID, &p.Version, &p.LockedAt, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetPlan(ctx context.Context, tenantID, runID string) (*model.ResearchPlan, error) {
	plan, err := scanPgPlan(s.pool.QueryRow(ctx,
		`SELECT `+sqlPlanColumns+` FROM research_plans WHERE tenant_id = $1 AND research_run_id = $2`,
		tenantID, runID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "plan for run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get plan for run %s", runID)
	}
	return plan, nil
}

// EnsurePlan creates the plan and its fixed ordered step set if missing.
// Returns (plan, created, err); losing a concurrent create race returns the
// winner's row.
func (s *PostgresStore) EnsurePlan(ctx context.Context, tenantID, runID, jobID string, stepMaxAttempts int) (*model.ResearchPlan, bool, error) {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: ensure plan: begin tx")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO research_plans (id, tenant_id, research_run_id, job_id, version, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)`,
		newPlan.ID, tenantID, runID, jobID, newPlan.Version, now,
	)
	if isPgUniqueViolation(err) {
		// Lost the race; the winner's plan is authoritative.
		plan, err := s.GetPlan(ctx, tenantID, runID)
		return plan, false, err
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: insert plan")
	}

	for _, key := range model.StepKeys() {
		_, err = tx.Exec(ctx,
			`INSERT INTO research_plan_steps (id, tenant_id, research_run_id, plan_id, step_key, step_order,
				status, attempt_count, max_attempts, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, $7, $8, $8)`,
			uuid.New().String(), tenantID, runID, newPlan.ID, string(key), model.StepOrder(key),
			stepMaxAttempts, now,
		)
		if err != nil {
			return nil, false, eris.Wrapf(err, "postgres: insert step %s", key)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, eris.Wrap(err, "postgres: ensure plan: commit")
	}
	return newPlan, true, nil
}

// LockPlan stamps locked_at exactly once; later calls are no-ops.
func (s *PostgresStore) LockPlan(ctx context.Context, tenantID, runID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE research_plans SET locked_at = COALESCE(locked_at, $1)
		 WHERE tenant_id = $2 AND research_run_id = $3`,
		nowFunc(), tenantID, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: lock plan for run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "plan for run %s", runID)
	}
	return nil
}

const sqlStepColumns = `id, tenant_id, research_run_id, plan_id, step_key, step_order, status, attempt_count,
	max_attempts, next_retry_at, input_json, output_json, COALESCE(last_error, ''), started_at, finished_at,
	created_at, updated_at`

func scanPgStep(row pgx.Row) (*model.PlanStep, error) {
	var st model.PlanStep
	var inputJSON, outputJSON []byte
	err := row.Scan(&st.ID, &st.TenantID, &st.RunID, &st.PlanID, &st.StepKey, &st.StepOrder, &st.Status,
		&st.AttemptCount, &st.MaxAttempts, &st.NextRetryAt, &inputJSON, &outputJSON, &st.LastError,
		&st.StartedAt, &st.FinishedAt, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	st.Input = json.RawMessage(inputJSON)
	st.Output = json.RawMessage(outputJSON)
	return &st, nil
}

func (s *PostgresStore) ListSteps(ctx context.Context, tenantID, runID string) ([]model.PlanStep, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sqlStepColumns+` FROM research_plan_steps
		 WHERE tenant_id = $1 AND research_run_id = $2 ORDER BY step_order ASC`,
		tenantID, runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list steps")
	}
	defer rows.Close()

	var out []model.PlanStep
	for rows.Next() {
		st, err := scanPgStep(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan step")
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list steps iterate")
}

// sqlClaimNextStep picks the lowest step_order claimable step. running is
// claimable because a crash can orphan it; job locking guarantees one worker
// per run, so there is no intra-run race.
const sqlClaimNextStep = `UPDATE research_plan_steps
	SET status = 'running', started_at = COALESCE(started_at, $3), next_retry_at = NULL, updated_at = $3
	WHERE id = (
		SELECT id FROM research_plan_steps
		WHERE tenant_id = $1 AND research_run_id = $2
		AND status IN ('pending', 'failed', 'running')
		AND attempt_count < max_attempts
		AND (next_retry_at IS NULL OR next_retry_at <= $3)
		ORDER BY step_order ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	RETURNING ` + sqlStepColumns

func (s *PostgresStore) ClaimNextStep(ctx context.Context, tenantID, runID string) (*model.PlanStep, error) {
	step, err := scanPgStep(s.pool.QueryRow(ctx, sqlClaimNextStep, tenantID, runID, nowFunc()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: claim step for run %s", runID)
	}
	return step, nil
}

func (s *PostgresStore) MarkStepSucceeded(ctx context.Context, tenantID, stepID string, output json.RawMessage) error {
	now := nowFunc()
	tag, err := s.pool.Exec(ctx,
		`UPDATE research_plan_steps SET status = 'succeeded', output_json = $1, last_error = NULL,
			next_retry_at = NULL, finished_at = $2, updated_at = $2
		 WHERE tenant_id = $3 AND id = $4`,
		[]byte(output), now, tenantID, stepID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark step succeeded %s", stepID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "step %s", stepID)
	}
	return nil
}

// MarkStepFailed mirrors job failure handling: it increments attempt_count
// and schedules a retry, or leaves the step terminally failed once attempts
// are exhausted.
func (s *PostgresStore) MarkStepFailed(ctx context.Context, tenantID, stepID, errMsg string, backoff time.Duration) (bool, error) {
	now := nowFunc()
	retryAt := now.Add(backoff)

	var attempts, maxAttempts int
	err := s.pool.QueryRow(ctx,
		`UPDATE research_plan_steps SET
			attempt_count = attempt_count + 1,
			status = 'failed',
			last_error = $1,
			next_retry_at = CASE WHEN attempt_count + 1 >= max_attempts THEN NULL ELSE $2 END,
			finished_at = CASE WHEN attempt_count + 1 >= max_attempts THEN $3 ELSE finished_at END,
			updated_at = $3
		 WHERE tenant_id = $4 AND id = $5
		 RETURNING attempt_count, max_attempts`,
		errMsg, retryAt, now, tenantID, stepID,
	).Scan(&attempts, &maxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, eris.Wrapf(ErrNotFound, "step %s", stepID)
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: mark step failed %s", stepID)
	}
	return attempts < maxAttempts, nil
}

func (s *PostgresStore) MarkStepSkipped(ctx context.Context, tenantID, stepID, reason string) error {
	output, err := json.Marshal(map[string]string{"skipped_reason": reason})
	if err != nil {
		return eris.Wrap(err, "postgres: marshal skip reason")
	}
	now := nowFunc()
	tag, err := s.pool.Exec(ctx,
		`UPDATE research_plan_steps SET status = 'skipped', output_json = $1, next_retry_at = NULL,
			finished_at = $2, updated_at = $2
		 WHERE tenant_id = $3 AND id = $4`,
		output, now, tenantID, stepID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark step skipped %s", stepID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "step %s", stepID)
	}
	return nil
}

func (s *PostgresStore) CancelPendingSteps(ctx context.Context, tenantID, runID, reason string) (int, error) {
	now := nowFunc()
	tag, err := s.pool.Exec(ctx,
		`UPDATE research_plan_steps SET status = 'cancelled', last_error = NULLIF($1, ''),
			next_retry_at = NULL, finished_at = $2, updated_at = $2
		 WHERE tenant_id = $3 AND research_run_id = $4 AND status IN ('pending', 'running', 'failed')`,
		reason, now, tenantID, runID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: cancel pending steps for run %s", runID)
	}
	return int(tag.RowsAffected()), nil
}

// Dead letters

func insertPgDeadLetter(ctx context.Context, tx pgx.Tx, d *model.DeadLetter) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.RecordedAt.IsZero() {
		d.RecordedAt = nowFunc()
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO job_dead_letters (id, tenant_id, research_run_id, job_id, job_type, reason, last_error,
			attempt_count, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)`,
		d.ID, d.TenantID, d.RunID, d.JobID, d.JobType, d.Reason, d.LastError, d.AttemptCount, d.RecordedAt,
	)
	return eris.Wrap(err, "postgres: insert dead letter")
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]model.DeadLetter, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, research_run_id, job_id, job_type, reason, COALESCE(last_error, ''),
			attempt_count, recorded_at, requeued_at
		 FROM job_dead_letters WHERE tenant_id = $1 ORDER BY recorded_at DESC LIMIT $2`,
		tenantID, normalizeLimit(limit, 100),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dead letters")
	}
	defer rows.Close()

	var out []model.DeadLetter
	for rows.Next() {
		var d model.DeadLetter
		if err := rows.Scan(&d.ID, &d.TenantID, &d.RunID, &d.JobID, &d.JobType, &d.Reason, &d.LastError,
			&d.AttemptCount, &d.RecordedAt, &d.RequeuedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead letter")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list dead letters iterate")
}

// RequeueDeadLetter resets the dead-lettered job to queued with a fresh
// attempt budget and stamps requeued_at. A dead letter can be requeued once.
func (s *PostgresStore) RequeueDeadLetter(ctx context.Context, tenantID, deadLetterID string) (*model.ResearchJob, error) {
	now := nowFunc()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: requeue dead letter: begin tx")
	}
	defer tx.Rollback(ctx)

	var jobID string
	var requeuedAt *time.Time
	err = tx.QueryRow(ctx,
		`SELECT job_id, requeued_at FROM job_dead_letters WHERE tenant_id = $1 AND id = $2`,
		tenantID, deadLetterID,
	).Scan(&jobID, &requeuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "dead letter %s", deadLetterID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get dead letter %s", deadLetterID)
	}
	if requeuedAt != nil {
		return nil, eris.Wrapf(ErrConflict, "dead letter %s already requeued", deadLetterID)
	}

	job, err := scanPgJob(tx.QueryRow(ctx,
		`UPDATE research_jobs SET status = 'queued', attempt_count = 0, next_retry_at = NULL,
			last_error = NULL, locked_at = NULL, locked_by = NULL, cancel_requested = FALSE, updated_at = $1
		 WHERE tenant_id = $2 AND id = $3 AND status = 'failed'
		 RETURNING `+sqlJobColumns,
		now, tenantID, jobID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "failed job %s for dead letter %s", jobID, deadLetterID)
	}
	if isPgUniqueViolation(err) {
		return nil, eris.Wrapf(ErrConflict, "run already has an active job")
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: requeue job %s", jobID)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE job_dead_letters SET requeued_at = $1 WHERE tenant_id = $2 AND id = $3`,
		now, tenantID, deadLetterID,
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: stamp dead letter %s", deadLetterID)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: requeue dead letter: commit")
	}
	return job, nil
}
