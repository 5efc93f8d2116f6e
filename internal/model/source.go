package model

import "time"

// SourceType identifies how a source document's content arrives.
type SourceType string

const (
	SourceTypeURL      SourceType = "url"
	SourceTypeText     SourceType = "text"
	SourceTypePDF      SourceType = "pdf"
	SourceTypeList     SourceType = "list"
	SourceTypeProposal SourceType = "proposal"
)

// SourceStatus is the acquisition lifecycle of a source document.
type SourceStatus string

const (
	SourceStatusNew         SourceStatus = "new"
	SourceStatusQueued      SourceStatus = "queued"
	SourceStatusFetching    SourceStatus = "fetching"
	SourceStatusFetched     SourceStatus = "fetched"
	SourceStatusProcessed   SourceStatus = "processed"
	SourceStatusFailed      SourceStatus = "failed"
	SourceStatusFetchFailed SourceStatus = "fetch_failed"
)

// Terminal reports whether acquisition is finished for the document,
// either successfully or with its retry budget exhausted.
func (s SourceStatus) Terminal() bool {
	switch s {
	case SourceStatusFetched, SourceStatusProcessed, SourceStatusFailed:
		return true
	}
	return false
}

// Fetchable reports whether the document belongs in a fetch batch once its
// next_retry_at has elapsed. Documents left in fetching by an interrupted
// worker pass are re-fetched on the next pass.
func (s SourceStatus) Fetchable() bool {
	switch s {
	case SourceStatusNew, SourceStatusQueued, SourceStatusFetching, SourceStatusFetchFailed:
		return true
	}
	return false
}

// SourceDocument is raw or fetched content attached to a run. Rows are
// mutated in place (status/content updates) but never deleted; content_hash
// and signatures are derived, never user-supplied.
type SourceDocument struct {
	ID                string       `json:"id"`
	RunID             string       `json:"research_run_id"`
	TenantID          string       `json:"tenant_id"`
	SourceType        SourceType   `json:"source_type"`
	URL               string       `json:"url,omitempty"`
	CanonicalURL      string       `json:"canonical_url,omitempty"`
	Title             string       `json:"title,omitempty"`
	ContentType       string       `json:"content_type,omitempty"`
	Status            SourceStatus `json:"status"`
	HTTPStatus        int          `json:"http_status,omitempty"`
	ETag              string       `json:"etag,omitempty"`
	LastModified      string       `json:"last_modified,omitempty"`
	ContentText       string       `json:"content_text,omitempty"`
	ContentHash       string       `json:"content_hash,omitempty"`
	RawBytes          []byte       `json:"-"`
	AttemptCount      int          `json:"attempt_count"`
	MaxAttempts       int          `json:"max_attempts"`
	NextRetryAt       *time.Time   `json:"next_retry_at,omitempty"`
	RetryReason       string       `json:"retry_reason,omitempty"`
	CanonicalSourceID string       `json:"canonical_source_id,omitempty"`
	ExtractionVersion string       `json:"extraction_version,omitempty"`
	MaterialHash      string       `json:"material_hash,omitempty"`
	Quality           *QualityInfo `json:"quality,omitempty"`
	Meta              *SourceMeta  `json:"meta,omitempty"`
	LastError         string       `json:"last_error,omitempty"`
	FetchedAt         *time.Time   `json:"fetched_at,omitempty"`
	ProcessedAt       *time.Time   `json:"processed_at,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// SourceMeta is the tagged union stored in the meta column. Each sub-struct
// is written by exactly one pipeline stage.
type SourceMeta struct {
	Fetch   *FetchInfo   `json:"fetch,omitempty"`
	Dedupe  *DedupeInfo  `json:"dedupe,omitempty"`
	Process *ProcessInfo `json:"process,omitempty"`
}

// FetchInfo records how the content was acquired.
type FetchInfo struct {
	Outcome           string   `json:"outcome"` // fetched, cached, not_modified
	FinalURL          string   `json:"final_url,omitempty"`
	RedirectChain     []string `json:"redirect_chain,omitempty"`
	HTTPStatus        int      `json:"http_status,omitempty"`
	ContentType       string   `json:"content_type,omitempty"`
	RetryAfterHonored bool     `json:"retry_after_honored,omitempty"`
	PageCount         int      `json:"page_count,omitempty"`
}

// DedupeInfo marks a document whose content hash matched an earlier document
// in the same run.
type DedupeInfo struct {
	DedupedTo   string `json:"deduped_to"`
	ContentHash string `json:"content_hash"`
}

// ProcessInfo records the prospect-mining pass over the document.
type ProcessInfo struct {
	ProcessedAt       time.Time `json:"processed_at"`
	NewProspects      int       `json:"new_prospects"`
	ExistingProspects int       `json:"existing_prospects"`
	CandidateLines    int       `json:"candidate_lines"`
}

// QualityDecision is the classifier verdict for a document.
type QualityDecision string

const (
	QualityAccept QualityDecision = "accept"
	QualityFlag   QualityDecision = "flag"
	QualityReject QualityDecision = "reject"
)

// QualityInfo is the extraction-quality record stored alongside a document.
// Decision and reason codes are recorded explicitly, never inferred
// downstream.
type QualityInfo struct {
	Decision          QualityDecision `json:"decision"`
	Reasons           []string        `json:"reasons,omitempty"`
	WordCount         int             `json:"word_count"`
	UniqueTokenRatio  float64         `json:"unique_token_ratio"`
	AlphaRatio        float64         `json:"alpha_ratio"`
	SignaturePrefix2K string          `json:"signature_prefix_2k,omitempty"`
	SignatureTokens   string          `json:"signature_tokens,omitempty"`
	DuplicateOf       string          `json:"duplicate_of,omitempty"`
	DuplicateGroupKey string          `json:"duplicate_group_key,omitempty"`
}
