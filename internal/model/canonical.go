package model

import "time"

// MatchRule names the deterministic rule that linked a raw entity to a
// canonical one.
type MatchRule string

const (
	MatchRuleDomain      MatchRule = "domain"
	MatchRuleNameCountry MatchRule = "name_country"
	MatchRuleEmail       MatchRule = "email"
	MatchRuleLinkedIn    MatchRule = "linkedin"
	MatchRuleNameCompany MatchRule = "name_company"
)

// CanonicalCompany is the deduplicated company identity one or more
// prospects resolve to.
type CanonicalCompany struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	Name           string    `json:"name"`
	NameNormalized string    `json:"name_normalized"`
	Country        string    `json:"country,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// CanonicalCompanyDomain ties a normalized domain to a canonical company,
// unique per tenant.
type CanonicalCompanyDomain struct {
	ID                 string    `json:"id"`
	CanonicalCompanyID string    `json:"canonical_company_id"`
	TenantID           string    `json:"tenant_id"`
	Domain             string    `json:"domain"`
	CreatedAt          time.Time `json:"created_at"`
}

// CompanyLink ties one prospect to exactly one canonical company, carrying
// the match rule and the evidence source document.
type CompanyLink struct {
	ID                 string    `json:"id"`
	CanonicalCompanyID string    `json:"canonical_company_id"`
	ProspectID         string    `json:"prospect_id"`
	RunID              string    `json:"research_run_id"`
	TenantID           string    `json:"tenant_id"`
	MatchRule          MatchRule `json:"match_rule"`
	SourceDocumentID   string    `json:"source_document_id"`
	ResolutionHash     string    `json:"resolution_hash"`
	CreatedAt          time.Time `json:"created_at"`
}

// CanonicalPerson is the deduplicated person identity one or more executives
// resolve to. LinkedInNormalized is unique per tenant when set.
// PrimaryCompanyID anchors the name+company match rule.
type CanonicalPerson struct {
	ID                 string    `json:"id"`
	TenantID           string    `json:"tenant_id"`
	FullName           string    `json:"full_name"`
	NameNormalized     string    `json:"name_normalized"`
	LinkedInNormalized string    `json:"linkedin_normalized,omitempty"`
	PrimaryCompanyID   string    `json:"primary_company_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// CanonicalPersonEmail ties a normalized email to a canonical person, unique
// per tenant.
type CanonicalPersonEmail struct {
	ID                string    `json:"id"`
	CanonicalPersonID string    `json:"canonical_person_id"`
	TenantID          string    `json:"tenant_id"`
	Email             string    `json:"email"`
	CreatedAt         time.Time `json:"created_at"`
}

// PersonLink ties one executive to exactly one canonical person.
type PersonLink struct {
	ID                string    `json:"id"`
	CanonicalPersonID string    `json:"canonical_person_id"`
	ExecutiveID       string    `json:"executive_id"`
	RunID             string    `json:"research_run_id"`
	TenantID          string    `json:"tenant_id"`
	MatchRule         MatchRule `json:"match_rule"`
	SourceDocumentID  string    `json:"source_document_id"`
	ResolutionHash    string    `json:"resolution_hash"`
	CreatedAt         time.Time `json:"created_at"`
}
