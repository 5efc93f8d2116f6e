package model

import "time"

// TargetEntityType is the kind of canonical entity an assignment attaches to.
type TargetEntityType string

const (
	TargetCompany TargetEntityType = "company"
	TargetPerson  TargetEntityType = "person"
)

// Enrichment field keys emitted by the deterministic extractor.
const (
	FieldHQCountry        = "hq_country"
	FieldOwnershipSignal  = "ownership_signal"
	FieldIndustryKeywords = "industry_keywords"
)

// Ownership signal values form a closed set.
const (
	OwnershipPublicCompany  = "public_company"
	OwnershipSubsidiary     = "subsidiary"
	OwnershipPrivateCompany = "private_company"
	OwnershipStateOwned     = "state_owned"
)

// EnrichmentAssignment is a single evidence-backed fact attached to a
// canonical entity. content_hash is a canonical-serialization hash of the
// fact: re-deriving the same fact from the same source always yields the same
// hash, which is what makes the upsert idempotent.
type EnrichmentAssignment struct {
	ID               string           `json:"id"`
	TenantID         string           `json:"tenant_id"`
	RunID            string           `json:"research_run_id"`
	TargetEntityType TargetEntityType `json:"target_entity_type"`
	TargetCanonicalID string          `json:"target_canonical_id"`
	FieldKey         string           `json:"field_key"`
	Value            string           `json:"value"`
	ValueNormalized  string           `json:"value_normalized"`
	Confidence       float64          `json:"confidence"`
	DerivedBy        string           `json:"derived_by"`
	SourceDocumentID string           `json:"source_document_id"`
	InputScopeHash   string           `json:"input_scope_hash"`
	ContentHash      string           `json:"content_hash"`
	SupersededAt     *time.Time       `json:"superseded_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// AssignmentRead is the read-model projection exposed to the API layer.
type AssignmentRead struct {
	FieldKey         string  `json:"field_key"`
	Value            string  `json:"value"`
	Confidence       float64 `json:"confidence"`
	DerivedBy        string  `json:"derived_by"`
	SourceDocumentID string  `json:"source_document_id"`
	ContentHash      string  `json:"content_hash"`
}

// Read projects the assignment into its API shape.
func (a EnrichmentAssignment) Read() AssignmentRead {
	return AssignmentRead{
		FieldKey:         a.FieldKey,
		Value:            a.Value,
		Confidence:       a.Confidence,
		DerivedBy:        a.DerivedBy,
		SourceDocumentID: a.SourceDocumentID,
		ContentHash:      a.ContentHash,
	}
}
