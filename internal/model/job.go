package model

import (
	"encoding/json"
	"time"
)

// JobType identifies what a job drives. Research is the only type today.
const JobTypeResearch = "research"

// JobStatus is the lifecycle state of a durable job row.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Active reports whether the job counts against the one-active-job-per-run
// invariant.
func (s JobStatus) Active() bool {
	return s == JobStatusQueued || s == JobStatusRunning
}

// ResearchJob is the durable unit a worker claims to drive a run's steps
// forward. At most one active job exists per (tenant, run, job_type).
type ResearchJob struct {
	ID              string          `json:"id"`
	RunID           string          `json:"research_run_id"`
	TenantID        string          `json:"tenant_id"`
	JobType         string          `json:"job_type"`
	Status          JobStatus       `json:"status"`
	AttemptCount    int             `json:"attempt_count"`
	MaxAttempts     int             `json:"max_attempts"`
	NextRetryAt     *time.Time      `json:"next_retry_at,omitempty"`
	LockedAt        *time.Time      `json:"locked_at,omitempty"`
	LockedBy        string          `json:"locked_by,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	LastError       string          `json:"last_error,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ResearchPlan is the per-run step plan. locked_at is set exactly once when
// the run starts; a locked plan accepts no new sources.
type ResearchPlan struct {
	ID        string     `json:"id"`
	RunID     string     `json:"research_run_id"`
	TenantID  string     `json:"tenant_id"`
	JobID     string     `json:"job_id,omitempty"`
	Version   int        `json:"version"`
	LockedAt  *time.Time `json:"locked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// StepStatus is the lifecycle state of a plan step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusCancelled StepStatus = "cancelled"
)

// Terminal reports whether the step can no longer be claimed.
func (s StepStatus) Terminal() bool {
	return s == StepStatusSucceeded || s == StepStatusSkipped || s == StepStatusCancelled
}

// StepKey is the stable identifier of one pipeline stage.
type StepKey string

const (
	StepFetchURLSources   StepKey = "fetch_url_sources"
	StepExtractURLSources StepKey = "extract_url_sources"
	StepClassifySources   StepKey = "classify_sources"
	StepProcessSources    StepKey = "process_sources"
	StepIngestLists       StepKey = "ingest_lists"
	StepIngestProposal    StepKey = "ingest_proposal"
	StepFinalize          StepKey = "finalize"
)

// StepKeys returns the fixed, ordered step set materialized into every plan.
func StepKeys() []StepKey {
	return []StepKey{
		StepFetchURLSources,
		StepExtractURLSources,
		StepClassifySources,
		StepProcessSources,
		StepIngestLists,
		StepIngestProposal,
		StepFinalize,
	}
}

// StepOrder returns the step_order value for a key, or 0 for unknown keys.
func StepOrder(key StepKey) int {
	for i, k := range StepKeys() {
		if k == key {
			return (i + 1) * 10
		}
	}
	return 0
}

// PlanStep is one named stage of a run's plan, independently retryable.
// Unique per (tenant, run, step_key).
type PlanStep struct {
	ID           string          `json:"id"`
	PlanID       string          `json:"plan_id"`
	RunID        string          `json:"research_run_id"`
	TenantID     string          `json:"tenant_id"`
	StepKey      StepKey         `json:"step_key"`
	StepOrder    int             `json:"step_order"`
	Status       StepStatus      `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Input        json.RawMessage `json:"input_json,omitempty"`
	Output       json.RawMessage `json:"output_json,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Default attempt ceilings. Sources drain their retries within the job retry
// budget: 3 source attempts at min(300, 30*n)s fit inside 10 job passes.
const (
	DefaultJobMaxAttempts    = 10
	DefaultStepMaxAttempts   = 5
	DefaultSourceMaxAttempts = 3
)

// DeadLetter is an advisory record of a job that exhausted max_attempts.
// Requeueing resets the job and stamps requeued_at.
type DeadLetter struct {
	ID           string     `json:"id"`
	JobID        string     `json:"job_id"`
	RunID        string     `json:"research_run_id"`
	TenantID     string     `json:"tenant_id"`
	JobType      string     `json:"job_type"`
	Reason       string     `json:"reason"`
	LastError    string     `json:"last_error,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	RecordedAt   time.Time  `json:"recorded_at"`
	RequeuedAt   *time.Time `json:"requeued_at,omitempty"`
}
