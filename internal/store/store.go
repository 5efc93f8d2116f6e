// Package store persists the research pipeline state machine: runs, jobs,
// plans and steps, source documents, prospects, evidence, canonical entities,
// enrichment assignments and the append-only event log. Two backends are
// provided, PostgreSQL for production and SQLite for local runs and tests.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/research-pipeline/internal/model"
)

// Sentinel errors callers branch on with errors.Is.
var (
	// ErrNotFound is returned by Get operations when the row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrPlanLocked is returned when a source is attached to a run whose
	// plan has already been locked by a worker.
	ErrPlanLocked = eris.New("store: plan is locked")
	// ErrConflict is returned when a unique constraint rejects a write,
	// e.g. enqueueing a second active job for the same run.
	ErrConflict = eris.New("store: conflict")
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	RunID  string          `json:"run_id,omitempty"`
	Status model.JobStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

// SourceFilter specifies criteria for listing source documents.
type SourceFilter struct {
	Types    []model.SourceType   `json:"types,omitempty"`
	Statuses []model.SourceStatus `json:"statuses,omitempty"`
	Limit    int                  `json:"limit,omitempty"`
}

// ProspectFilter specifies criteria for listing prospects.
type ProspectFilter struct {
	ReviewStatus model.ReviewStatus `json:"review_status,omitempty"`
	Limit        int                `json:"limit,omitempty"`
	Offset       int                `json:"offset,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	EventType string `json:"event_type,omitempty"`
	SubjectID string `json:"subject_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// Store defines the persistence interface for the research pipeline.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.ResearchRun) error
	GetRun(ctx context.Context, tenantID, runID string) (*model.ResearchRun, error)
	ListRuns(ctx context.Context, tenantID string, filter RunFilter) ([]model.ResearchRun, error)
	MarkRunRunning(ctx context.Context, tenantID, runID string) error
	MarkRunFinished(ctx context.Context, tenantID, runID string, status model.RunStatus, lastError string) error
	RequestRunCancel(ctx context.Context, tenantID, runID string) error

	// Jobs
	EnqueueJob(ctx context.Context, job *model.ResearchJob) error
	ClaimNextJob(ctx context.Context, workerID string) (*model.ResearchJob, error)
	GetJob(ctx context.Context, tenantID, jobID string) (*model.ResearchJob, error)
	ListJobs(ctx context.Context, tenantID string, filter JobFilter) ([]model.ResearchJob, error)
	MarkJobSucceeded(ctx context.Context, tenantID, jobID string) error
	MarkJobFailed(ctx context.Context, tenantID, jobID, errMsg string, backoff time.Duration) (requeued bool, err error)
	FailJobTerminal(ctx context.Context, tenantID, jobID, reason string) error
	MarkJobCancelled(ctx context.Context, tenantID, jobID, reason string) error
	JobCancelRequested(ctx context.Context, tenantID, jobID string) (bool, error)

	// Plans and steps
	EnsurePlan(ctx context.Context, tenantID, runID, jobID string, stepMaxAttempts int) (*model.ResearchPlan, bool, error)
	GetPlan(ctx context.Context, tenantID, runID string) (*model.ResearchPlan, error)
	LockPlan(ctx context.Context, tenantID, runID string) error
	ListSteps(ctx context.Context, tenantID, runID string) ([]model.PlanStep, error)
	ClaimNextStep(ctx context.Context, tenantID, runID string) (*model.PlanStep, error)
	MarkStepSucceeded(ctx context.Context, tenantID, stepID string, output json.RawMessage) error
	MarkStepFailed(ctx context.Context, tenantID, stepID, errMsg string, backoff time.Duration) (requeued bool, err error)
	MarkStepSkipped(ctx context.Context, tenantID, stepID, reason string) error
	CancelPendingSteps(ctx context.Context, tenantID, runID, reason string) (int, error)

	// Source documents
	AttachSource(ctx context.Context, src *model.SourceDocument) error
	GetSource(ctx context.Context, tenantID, sourceID string) (*model.SourceDocument, error)
	ListSources(ctx context.Context, tenantID, runID string, filter SourceFilter) ([]model.SourceDocument, error)
	ListFetchableSources(ctx context.Context, tenantID, runID string, types []model.SourceType) ([]model.SourceDocument, error)
	UpdateSource(ctx context.Context, src *model.SourceDocument) error
	MarkSourceFetchFailed(ctx context.Context, tenantID, sourceID, errMsg, reason string, backoff time.Duration) (requeued bool, err error)
	FindSourceByContentHash(ctx context.Context, tenantID, runID, contentHash, excludeID string) (*model.SourceDocument, error)
	FindSourceByCanonicalURL(ctx context.Context, tenantID, runID, canonicalURL, excludeID string) (*model.SourceDocument, error)

	// Prospects and executives
	CreateProspect(ctx context.Context, p *model.CompanyProspect, evidence []model.SignalEvidence) error
	GetProspect(ctx context.Context, tenantID, prospectID string) (*model.CompanyProspect, error)
	FindProspectByName(ctx context.Context, tenantID, runID, nameNormalized string) (*model.CompanyProspect, error)
	ListProspects(ctx context.Context, tenantID, runID string, filter ProspectFilter) ([]model.CompanyProspect, error)
	SetProspectReview(ctx context.Context, tenantID, prospectID string, status model.ReviewStatus) error
	SetProspectPin(ctx context.Context, tenantID, prospectID string, pinned bool, manualPriority float64) error
	SetProspectCanonical(ctx context.Context, tenantID, prospectID, canonicalCompanyID string) error
	CreateExecutive(ctx context.Context, e *model.Executive) error
	ListExecutives(ctx context.Context, tenantID, runID string) ([]model.Executive, error)
	SetExecutiveCanonical(ctx context.Context, tenantID, executiveID, canonicalPersonID string) error

	// Evidence
	InsertEvidence(ctx context.Context, rows []model.SignalEvidence) (int64, error)
	ListEvidenceForRun(ctx context.Context, tenantID, runID string) ([]model.SignalEvidence, error)

	// Events
	AppendEvent(ctx context.Context, ev *model.ResearchEvent) error
	ListEvents(ctx context.Context, tenantID, runID string, filter EventFilter) ([]model.ResearchEvent, error)

	// Canonical companies
	CreateCanonicalCompany(ctx context.Context, c *model.CanonicalCompany, domains []string) error
	FindCompanyByDomain(ctx context.Context, tenantID, domain string) (*model.CanonicalCompany, error)
	FindCompanyByNameCountry(ctx context.Context, tenantID, nameNormalized, country string) (*model.CanonicalCompany, error)
	AddCompanyDomain(ctx context.Context, tenantID, canonicalCompanyID, domain string) error
	LinkProspect(ctx context.Context, link *model.CompanyLink) (created bool, err error)

	// Canonical people
	CreateCanonicalPerson(ctx context.Context, p *model.CanonicalPerson, emails []string) error
	FindPersonByEmail(ctx context.Context, tenantID, emailNormalized string) (*model.CanonicalPerson, error)
	FindPersonByLinkedIn(ctx context.Context, tenantID, linkedinNormalized string) (*model.CanonicalPerson, error)
	FindPeopleByNameCompany(ctx context.Context, tenantID, nameNormalized, canonicalCompanyID string) ([]model.CanonicalPerson, error)
	AddPersonEmail(ctx context.Context, tenantID, canonicalPersonID, emailNormalized string) error
	LinkExecutive(ctx context.Context, link *model.PersonLink) (created bool, err error)

	// Enrichment assignments
	RecordAssignments(ctx context.Context, facts []model.EnrichmentAssignment) (int64, error)
	ListAssignments(ctx context.Context, tenantID string, target model.TargetEntityType, targetCanonicalID string) ([]model.EnrichmentAssignment, error)

	// Dead letters. Rows are written by MarkJobFailed / FailJobTerminal when a
	// job goes terminally failed; requeueing resets the job and stamps
	// requeued_at.
	ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]model.DeadLetter, error)
	RequeueDeadLetter(ctx context.Context, tenantID, deadLetterID string) (*model.ResearchJob, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Open constructs a Store for the configured driver.
func Open(ctx context.Context, driver, databaseURL string) (Store, error) {
	switch driver {
	case "postgres":
		return NewPostgres(ctx, databaseURL, nil)
	case "sqlite":
		return NewSQLite(databaseURL)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}

// marshalQuality encodes the quality column, keeping NULL for absent info.
func marshalQuality(q *model.QualityInfo) ([]byte, error) {
	if q == nil {
		return nil, nil
	}
	b, err := json.Marshal(q)
	return b, eris.Wrap(err, "store: marshal quality")
}

// marshalMeta encodes the meta column, keeping NULL for absent info.
func marshalMeta(m *model.SourceMeta) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	return b, eris.Wrap(err, "store: marshal meta")
}

// validateEvidence rejects evidence rows without a source document pointer.
func validateEvidence(rows []model.SignalEvidence) error {
	for i := range rows {
		if rows[i].SourceDocumentID == "" {
			return eris.Errorf("store: evidence row %d (%s) has no source_document_id", i, rows[i].FieldKey)
		}
		if rows[i].ProspectID == "" {
			return eris.Errorf("store: evidence row %d (%s) has no prospect_id", i, rows[i].FieldKey)
		}
	}
	return nil
}

// validateAssignments rejects facts without a source pointer or content hash.
func validateAssignments(facts []model.EnrichmentAssignment) error {
	for i := range facts {
		if facts[i].SourceDocumentID == "" {
			return eris.Errorf("store: assignment %d (%s) has no source_document_id", i, facts[i].FieldKey)
		}
		if facts[i].ContentHash == "" {
			return eris.Errorf("store: assignment %d (%s) has no content_hash", i, facts[i].FieldKey)
		}
	}
	return nil
}

// normalizeLimit applies a default and ceiling to list limits.
func normalizeLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

var nowFunc = func() time.Time { return time.Now().UTC() }
