package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/research-pipeline/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedRun(t *testing.T, st *SQLiteStore) *model.ResearchRun {
	t.Helper()
	run := &model.ResearchRun{
		TenantID:    "t1",
		Name:        "nordic industrials",
		RequestedBy: "analyst@example.com",
	}
	require.NoError(t, st.CreateRun(context.Background(), run))
	return run
}

func seedJob(t *testing.T, st *SQLiteStore, runID string) *model.ResearchJob {
	t.Helper()
	job := &model.ResearchJob{TenantID: "t1", RunID: runID}
	require.NoError(t, st.EnqueueJob(context.Background(), job))
	return job
}

// --- Runs ---

func TestSQLite_RunLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run := seedRun(t, st)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusQueued, run.Status)

	got, err := st.GetRun(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, "nordic industrials", got.Name)
	assert.Equal(t, "analyst@example.com", got.RequestedBy)
	assert.Nil(t, got.StartedAt)

	require.NoError(t, st.MarkRunRunning(ctx, "t1", run.ID))
	got, err = st.GetRun(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	// Marking running again keeps the original started_at.
	firstStart := *got.StartedAt
	require.NoError(t, st.MarkRunRunning(ctx, "t1", run.ID))
	got, err = st.GetRun(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, firstStart, *got.StartedAt)

	require.NoError(t, st.MarkRunFinished(ctx, "t1", run.ID, model.RunStatusSucceeded, ""))
	got, err = st.GetRun(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, got.Status)
	require.NotNil(t, got.FinishedAt)
}

func TestSQLite_GetRun_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetRun(context.Background(), "t1", "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_MarkRunFinished_RejectsNonTerminal(t *testing.T) {
	st := newTestSQLiteStore(t)
	run := seedRun(t, st)

	err := st.MarkRunFinished(context.Background(), "t1", run.ID, model.RunStatusRunning, "")
	require.Error(t, err)
}

func TestSQLite_ListRuns_StatusFilter(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a := seedRun(t, st)
	seedRun(t, st)
	require.NoError(t, st.MarkRunRunning(ctx, "t1", a.ID))

	running, err := st.ListRuns(ctx, "t1", RunFilter{Status: model.RunStatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, a.ID, running[0].ID)

	all, err := st.ListRuns(ctx, "t1", RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// --- Jobs ---

func TestSQLite_EnqueueJob_OneActivePerRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, st)

	first := seedJob(t, st, run.ID)
	assert.Equal(t, model.JobStatusQueued, first.Status)
	assert.Equal(t, model.DefaultJobMaxAttempts, first.MaxAttempts)

	// Second enqueue for the same run lands on the existing active job.
	second := &model.ResearchJob{TenantID: "t1", RunID: run.ID}
	require.NoError(t, st.EnqueueJob(ctx, second))
	assert.Equal(t, first.ID, second.ID)

	jobs, err := st.ListJobs(ctx, "t1", JobFilter{RunID: run.ID})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestSQLite_EnqueueJob_AllowedAfterTerminal(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, st)

	first := seedJob(t, st, run.ID)
	claimed, err := st.ClaimNextJob(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, st.MarkJobSucceeded(ctx, "t1", first.ID))

	second := &model.ResearchJob{TenantID: "t1", RunID: run.ID}
	require.NoError(t, st.EnqueueJob(ctx, second))
	assert.NotEqual(t, first.ID, second.ID)
}

func TestSQLite_ClaimNextJob(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, st)
	job := seedJob(t, st, run.ID)

	claimed, err := st.ClaimNextJob(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, model.JobStatusRunning, claimed.Status)
	assert.Equal(t, "worker-1", claimed.LockedBy)
	require.NotNil(t, claimed.LockedAt)

	// The running job is not claimable again.
	second, err := st.ClaimNextJob(ctx, "worker-2")
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestSQLite_ClaimNextJob_HonorsNextRetryAt(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, st)
	seedJob(t, st, run.ID)

	claimed, err := st.ClaimNextJob(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	requeued, err := st.MarkJobFailed(ctx, "t1", claimed.ID, "fetch blew up", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, requeued)

	// Backoff has not elapsed: nothing to claim.
	blocked, err := st.ClaimNextJob(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, blocked)

	// Advance the clock past the retry time.
	orig := nowFunc
	nowFunc = func() time.Time { return time.Now().UTC().Add(31 * time.Second) }
	t.Cleanup(func() { nowFunc = orig })

	again, err := st.ClaimNextJob(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, claimed.ID, again.ID)
	assert.Equal(t, 1, again.AttemptCount)
	assert.Equal(t, "fetch blew up", again.LastError)
}

func TestSQLite_ClaimNextJob_OldestFirst(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	orig := nowFunc
	t.Cleanup(func() { nowFunc = orig })

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	nowFunc = func() time.Time { return base }
	runA := seedRun(t, st)
	jobA := seedJob(t, st, runA.ID)

	nowFunc = func() time.Time { return base.Add(time.Minute) }
	runB := seedRun(t, st)
	seedJob(t, st, runB.ID)

	claimed, err := st.ClaimNextJob(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, jobA.ID, claimed.ID)
}

func TestSQLite_MarkJobFailed_ExhaustsToDeadLetter(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, st)

	job := &model.ResearchJob{TenantID: "t1", RunID: run.ID, MaxAttempts: 2}
	require.NoError(t, st.EnqueueJob(ctx, job))

	requeued, err := st.MarkJobFailed(ctx, "t1", job.ID, "first failure", time.Minute)
	require.NoError(t, err)
	assert.True(t, requeued)

	requeued, err = st.MarkJobFailed(ctx, "t1", job.ID, "second failure", time.Minute)
	require.NoError(t, err)
	assert.False(t, requeued)

	got, err := st.GetJob(ctx, "t1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Nil(t, got.NextRetryAt)

	letters, err := st.ListDeadLetters(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, job.ID, letters[0].JobID)
	assert.Equal(t, "max_attempts_exhausted", letters[0].Reason)
	assert.Equal(t, "second failure", letters[0].LastError)
	assert.Equal(t, 2, letters[0].AttemptCount)
}

func TestSQLite_JobCancel(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, st)
	job := seedJob(t, st, run.ID)

	requested, err := st.JobCancelRequested(ctx, "t1", job.ID)
	require.NoError(t, err)
	assert.False(t, requested)

	require.NoError(t, st.RequestRunCancel(ctx, "t1", run.ID))

	requested, err = st.JobCancelRequested(ctx, "t1", job.ID)
	require.NoError(t, err)
	assert.True(t, requested)

	gotRun, err := st.GetRun(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelRequested, gotRun.Status)

	require.NoError(t, st.MarkJobCancelled(ctx, "t1", job.ID, "operator cancel"))
	got, err := st.GetJob(ctx, "t1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, got.Status)

	// No dead letter for a cancelled job.
	letters, err := st.ListDeadLetters(ctx, "t1", 10)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

// --- Plans and steps ---

func TestSQLite_EnsurePlan_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, st)
	job := seedJob(t, st, run.ID)

	plan, created, err := st.EnsurePlan(ctx, "t1", run.ID, job.ID, 0)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, plan.Version)

	steps, err := st.ListSteps(ctx, "t1", run.ID)
	require.NoError(t, err)
	require.Len(t, steps, len(model.StepKeys()))
	for i, key := range model.StepKeys() {
		assert.Equal(t, key, steps[i].StepKey)
		assert.Equal(t, (i+1)*10, steps[i].StepOrder)
		assert.Equal(t, model.StepStatusPending, steps[i].Status)
		assert.Equal(t, model.DefaultStepMaxAttempts, steps[i].MaxAttempts)
	}

	again, created, err := st.EnsurePlan(ctx, "t1", run.ID, job.ID, 0)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, plan.ID, again.ID)
}

func TestSQLite_ClaimNextStep_InOrder(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, st)
	job := seedJob(t, st, run.ID)
	_, _, err := st.EnsurePlan(ctx, "t1", run.ID, job.ID, 0)
	require.NoError(t, err)

	step, err := st.ClaimNextStep(ctx, "t1", run.ID)
	require.NoError(t, err)
	require.NotNil(t, step)
	assert.Equal(t, model.StepFetchURLSources, step.StepKey)
	assert.Equal(t, model.StepStatusRunning, step.Status)
	require.NotNil(t, step.StartedAt)

	// A crashed worker left the step running; it is claimable again.
	again, err := st.ClaimNextStep(ctx, "t1", run.ID)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, step.ID, again.ID)

	require.NoError(t, st.MarkStepSucceeded(ctx, "t1", step.ID, []byte(`{"fetched":3}`)))

	next, err := st.ClaimNextStep(ctx, "t1", run.ID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, model.StepExtractURLSources, next.StepKey)
}

func TestSQLite_MarkStepFailed_BackoffAndExhaustion(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, st)
	job := seedJob(t, st, run.ID)
	_, _, err := st.EnsurePlan(ctx, "t1", run.ID, job.ID, 2)
	require.NoError(t, err)

	step, err := st.ClaimNextStep(ctx, "t1", run.ID)
	require.NoError(t, err)
	require.NotNil(t, step)

	retryable, err := st.MarkStepFailed(ctx, "t1", step.ID, "transient", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, retryable)

	// Backoff blocks the failed step, and later steps never run out of order.
	blocked, err := st.ClaimNextStep(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Nil(t, blocked)

	orig := nowFunc
	nowFunc = func() time.Time { return time.Now().UTC().Add(31 * time.Second) }
	t.Cleanup(func() { nowFunc = orig })

	again, err := st.ClaimNextStep(ctx, "t1", run.ID)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, step.ID, again.ID)
	assert.Equal(t, 1, again.AttemptCount)

	retryable, err = st.MarkStepFailed(ctx, "t1", step.ID, "still broken", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, retryable)

	// Exhausted step blocks the plan entirely.
	blocked, err = st.ClaimNextStep(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Nil(t, blocked)
}

func TestSQLite_MarkStepSkipped(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, st)
	job := seedJob(t, st, run.ID)
	_, _, err := st.EnsurePlan(ctx, "t1", run.ID, job.ID, 0)
	require.NoError(t, err)

	step, err := st.ClaimNextStep(ctx, "t1", run.ID)
	require.NoError(t, err)
	require.NotNil(t, step)

	require.NoError(t, st.MarkStepSkipped(ctx, "t1", step.ID, "no url sources"))

	steps, err := st.ListSteps(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusSkipped, steps[0].Status)
	assert.Contains(t, string(steps[0].Output), "no url sources")
}

func TestSQLite_CancelPendingSteps(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, st)
	job := seedJob(t, st, run.ID)
	_, _, err := st.EnsurePlan(ctx, "t1", run.ID, job.ID, 0)
	require.NoError(t, err)

	step, err := st.ClaimNextStep(ctx, "t1", run.ID)
	require.NoError(t, err)
	require.NoError(t, st.MarkStepSucceeded(ctx, "t1", step.ID, nil))

	n, err := st.CancelPendingSteps(ctx, "t1", run.ID, "run cancelled")
	require.NoError(t, err)
	assert.Equal(t, len(model.StepKeys())-1, n)

	steps, err := st.ListSteps(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusSucceeded, steps[0].Status)
	for _, s := range steps[1:] {
		assert.Equal(t, model.StepStatusCancelled, s.Status)
	}
}

func TestSQLite_LockPlan_BlocksNewSources(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, st)
	job := seedJob(t, st, run.ID)
	_, _, err := st.EnsurePlan(ctx, "t1", run.ID, job.ID, 0)
	require.NoError(t, err)

	src := &model.SourceDocument{
		TenantID:   "t1",
		RunID:      run.ID,
		SourceType: model.SourceTypeURL,
		URL:        "https://example.com/report",
	}
	require.NoError(t, st.AttachSource(ctx, src))

	require.NoError(t, st.LockPlan(ctx, "t1", run.ID))

	late := &model.SourceDocument{
		TenantID:   "t1",
		RunID:      run.ID,
		SourceType: model.SourceTypeURL,
		URL:        "https://example.com/late",
	}
	err = st.AttachSource(ctx, late)
	require.ErrorIs(t, err, ErrPlanLocked)

	// Locking again keeps the original timestamp.
	plan, err := st.GetPlan(ctx, "t1", run.ID)
	require.NoError(t, err)
	first := *plan.LockedAt
	require.NoError(t, st.LockPlan(ctx, "t1", run.ID))
	plan, err = st.GetPlan(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, first, *plan.LockedAt)
}

// --- Sources ---

func TestSQLite_SourceRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, st)

	src := &model.SourceDocument{
		TenantID:   "t1",
		RunID:      run.ID,
		SourceType: model.SourceTypeURL,
		URL:        "https://example.com/companies",
	}
	require.NoError(t, st.AttachSource(ctx, src))
	assert.Equal(t, model.SourceStatusNew, src.Status)
	assert.Equal(t, model.DefaultSourceMaxAttempts, src.MaxAttempts)

	src.Status = model.SourceStatusFetched
	src.HTTPStatus = 200
	src.ContentType = "text/html"
	src.ContentText = "Acme Industrial is headquartered in Sweden."
	src.ContentHash = "abc123"
	now := time.Now().UTC()
	src.FetchedAt = &now
	src.Meta = &model.SourceMeta{Fetch: &model.FetchInfo{Outcome: "fetched", HTTPStatus: 200}}
	require.NoError(t, st.UpdateSource(ctx, src))

	got, err := st.GetSource(ctx, "t1", src.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SourceStatusFetched, got.Status)
	assert.Equal(t, 200, got.HTTPStatus)
	assert.Equal(t, "abc123", got.ContentHash)
	require.NotNil(t, got.Meta)
	require.NotNil(t, got.Meta.Fetch)
	assert.Equal(t, "fetched", got.Meta.Fetch.Outcome)
}

func TestSQLite_ListFetchableSources(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, st)

	fetchable := &model.SourceDocument{TenantID: "t1", RunID: run.ID, SourceType: model.SourceTypeURL, URL: "https://a.example.com"}
	require.NoError(t, st.AttachSource(ctx, fetchable))

	done := &model.SourceDocument{TenantID: "t1", RunID: run.ID, SourceType: model.SourceTypeURL, URL: "https://b.example.com"}
	require.NoError(t, st.AttachSource(ctx, done))
	done.Status = model.SourceStatusFetched
	require.NoError(t, st.UpdateSource(ctx, done))

	text := &model.SourceDocument{TenantID: "t1", RunID: run.ID, SourceType: model.SourceTypeText, ContentText: "pasted"}
	require.NoError(t, st.AttachSource(ctx, text))

	got, err := st.ListFetchableSources(ctx, "t1", run.ID, []model.SourceType{model.SourceTypeURL})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, fetchable.ID, got[0].ID)
}

func TestSQLite_MarkSourceFetchFailed(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, st)

	src := &model.SourceDocument{TenantID: "t1", RunID: run.ID, SourceType: model.SourceTypeURL, URL: "https://down.example.com"}
	require.NoError(t, st.AttachSource(ctx, src))

	// The fetcher stamps the attempt before trying.
	src.AttemptCount = 1
	require.NoError(t, st.UpdateSource(ctx, src))

	requeued, err := st.MarkSourceFetchFailed(ctx, "t1", src.ID, "503 from origin", "http_error_or_status", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, requeued)

	got, err := st.GetSource(ctx, "t1", src.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SourceStatusFetchFailed, got.Status)
	assert.Equal(t, "http_error_or_status", got.RetryReason)
	require.NotNil(t, got.NextRetryAt)

	// Exhaust the attempt budget.
	got.AttemptCount = got.MaxAttempts
	require.NoError(t, st.UpdateSource(ctx, got))

	requeued, err = st.MarkSourceFetchFailed(ctx, "t1", src.ID, "503 again", "http_error_or_status", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, requeued)

	got, err = st.GetSource(ctx, "t1", src.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SourceStatusFailed, got.Status)
	assert.Equal(t, "retry_exhausted", got.RetryReason)
	assert.Nil(t, got.NextRetryAt)
}

func TestSQLite_FindSourceDuplicates(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, st)

	a := &model.SourceDocument{TenantID: "t1", RunID: run.ID, SourceType: model.SourceTypeURL, URL: "https://example.com/a", CanonicalURL: "https://example.com/a", ContentHash: "samehash"}
	require.NoError(t, st.AttachSource(ctx, a))

	b := &model.SourceDocument{TenantID: "t1", RunID: run.ID, SourceType: model.SourceTypeURL, URL: "https://example.com/b", CanonicalURL: "https://example.com/b", ContentHash: "samehash"}
	require.NoError(t, st.AttachSource(ctx, b))

	dupe, err := st.FindSourceByContentHash(ctx, "t1", run.ID, "samehash", b.ID)
	require.NoError(t, err)
	require.NotNil(t, dupe)
	assert.Equal(t, a.ID, dupe.ID)

	none, err := st.FindSourceByContentHash(ctx, "t1", run.ID, "otherhash", b.ID)
	require.NoError(t, err)
	assert.Nil(t, none)

	byURL, err := st.FindSourceByCanonicalURL(ctx, "t1", run.ID, "https://example.com/a", b.ID)
	require.NoError(t, err)
	require.NotNil(t, byURL)
	assert.Equal(t, a.ID, byURL.ID)
}
