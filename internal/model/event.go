package model

import (
	"encoding/json"
	"time"
)

// Event types appended by the pipeline. The event log is append-only and is
// the system's only user-visible failure surface.
const (
	EventWorkerClaimed      = "worker_claimed"
	EventWorkerCompleted    = "worker_completed"
	EventWorkerFailed       = "worker_failed"
	EventWorkerCancelled    = "worker_cancelled"
	EventFetchStarted       = "fetch_started"
	EventFetchSucceeded     = "fetch_succeeded"
	EventFetchFailed        = "fetch_failed"
	EventRetryScheduled     = "retry_scheduled"
	EventRedirectResolved   = "redirect_resolved"
	EventURLCanonicalized   = "url_canonicalized"
	EventCanonicalDedupe    = "canonical_dedupe"
	EventExtractContent     = "extract_source_content"
	EventDedupe             = "dedupe"
	EventProspectsIngested  = "prospects_ingested"
	EventResolutionSummary  = "entity_resolution_summary"
	EventEnrichmentApplied  = "enrichment_applied"
	EventRunFinalized       = "run_finalized"
	EventProspectsPublished = "prospects_published"
)

// ResearchEvent is one append-only audit record for a status transition.
type ResearchEvent struct {
	ID           string          `json:"id"`
	RunID        string          `json:"research_run_id"`
	TenantID     string          `json:"tenant_id"`
	EventType    string          `json:"event_type"`
	Status       string          `json:"status,omitempty"`
	SubjectType  string          `json:"subject_type,omitempty"`
	SubjectID    string          `json:"subject_id,omitempty"`
	Input        json.RawMessage `json:"input_json,omitempty"`
	Output       json.RawMessage `json:"output_json,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
