package model

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a research run.
type RunStatus string

const (
	RunStatusQueued          RunStatus = "queued"
	RunStatusRunning         RunStatus = "running"
	RunStatusCancelRequested RunStatus = "cancel_requested"
	RunStatusCancelled       RunStatus = "cancelled"
	RunStatusSucceeded       RunStatus = "succeeded"
	RunStatusFailed          RunStatus = "failed"
)

// Terminal reports whether the run can no longer transition.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCancelled || s == RunStatusSucceeded || s == RunStatusFailed
}

// ResearchRun is one execution of the company-research pipeline for a mandate.
// Created by the API/CLI layer; mutated only by the worker loop and
// cancellation requests.
type ResearchRun struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Name        string          `json:"name"`
	Status      RunStatus       `json:"status"`
	RequestedBy string          `json:"requested_by,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Meta        json.RawMessage `json:"meta,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ReviewStatus is the human triage state of a prospect.
type ReviewStatus string

const (
	ReviewStatusNew         ReviewStatus = "new"
	ReviewStatusShortlisted ReviewStatus = "shortlisted"
	ReviewStatusRejected    ReviewStatus = "rejected"
	ReviewStatusNeedsReview ReviewStatus = "needs_review"
)

// CompanyProspect is a company discovered during a run. Unique per
// (run, name_normalized); evidence rows justify its existence.
type CompanyProspect struct {
	ID                  string          `json:"id"`
	RunID               string          `json:"research_run_id"`
	TenantID            string          `json:"tenant_id"`
	Name                string          `json:"name"`
	NameNormalized      string          `json:"name_normalized"`
	WebsiteURL          string          `json:"website_url,omitempty"`
	Domain              string          `json:"domain,omitempty"`
	HQCountry           string          `json:"hq_country,omitempty"`
	Sector              string          `json:"sector,omitempty"`
	Subsector           string          `json:"subsector,omitempty"`
	RelevanceScore      float64         `json:"relevance_score"`
	EvidenceScore       float64         `json:"evidence_score"`
	ReviewStatus        ReviewStatus    `json:"review_status"`
	DiscoveredBy        string          `json:"discovered_by"`
	VerificationStatus  string          `json:"verification_status,omitempty"`
	ExecSearchEnabled   bool            `json:"exec_search_enabled"`
	IsPinned            bool            `json:"is_pinned"`
	ManualPriority      float64         `json:"manual_priority"`
	NormalizedCompanyID string          `json:"normalized_company_id,omitempty"`
	Meta                json.RawMessage `json:"meta,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Executive is a person attached to a prospect, typically from a proposal
// document. Executives feed people resolution.
type Executive struct {
	ID                string    `json:"id"`
	ProspectID        string    `json:"prospect_id"`
	RunID             string    `json:"research_run_id"`
	TenantID          string    `json:"tenant_id"`
	FullName          string    `json:"full_name"`
	NameNormalized    string    `json:"name_normalized"`
	Title             string    `json:"title,omitempty"`
	Email             string    `json:"email,omitempty"`
	LinkedInURL       string    `json:"linkedin_url,omitempty"`
	SourceDocumentID  string    `json:"source_document_id,omitempty"`
	CanonicalPersonID string    `json:"canonical_person_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// SignalEvidence links a prospect signal to the source document that
// justifies it. Every write that changes ranking-relevant state carries at
// least one evidence row.
type SignalEvidence struct {
	ID               string    `json:"id"`
	ProspectID       string    `json:"prospect_id"`
	RunID            string    `json:"research_run_id"`
	TenantID         string    `json:"tenant_id"`
	FieldKey         string    `json:"field_key"`
	Value            string    `json:"value"`
	ValueNormalized  string    `json:"value_normalized,omitempty"`
	Confidence       float64   `json:"confidence"`
	Weight           float64   `json:"weight"`
	SourceDocumentID string    `json:"source_document_id"`
	Snippet          string    `json:"snippet,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Evidence field keys written by the ingestion and mining steps.
const (
	EvidenceCompanyMention = "company_mention"
	EvidenceListMention    = "list_mention"
	EvidenceProposalClaim  = "proposal_claim"
)
