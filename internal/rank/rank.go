// Package rank computes the explainable prospect ranking at read time.
// Nothing here is persisted: two passes over unchanged data yield identical
// output, so the export command and the API can both call it freely.
package rank

import (
	"context"
	"math"
	"sort"

	"github.com/sells-group/research-pipeline/internal/model"
	"github.com/sells-group/research-pipeline/internal/store"
)

// Score component weights.
const (
	evidenceCap      = 1.0
	enrichmentPerKey = 0.1
	enrichmentCap    = 0.3
	pinnedBonus      = 1.0
)

// WhyIncluded is one evidence entry justifying a prospect's position.
type WhyIncluded struct {
	FieldKey         string  `json:"field_key"`
	Value            string  `json:"value"`
	ValueNormalized  string  `json:"value_normalized,omitempty"`
	Confidence       float64 `json:"confidence"`
	SourceDocumentID string  `json:"source_document_id"`
}

// RankedProspect is one row of the ranking payload.
type RankedProspect struct {
	Rank               int                `json:"rank"`
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	NameNormalized     string             `json:"name_normalized"`
	WebsiteURL         string             `json:"website_url,omitempty"`
	HQCountry          string             `json:"hq_country,omitempty"`
	Sector             string             `json:"sector,omitempty"`
	Subsector          string             `json:"subsector,omitempty"`
	ReviewStatus       model.ReviewStatus `json:"review_status"`
	DiscoveredBy       string             `json:"discovered_by"`
	VerificationStatus string             `json:"verification_status,omitempty"`
	RelevanceScore     float64            `json:"relevance_score"`
	EvidenceScore      float64            `json:"evidence_score"`
	IsPinned           bool               `json:"is_pinned"`
	ManualPriority     float64            `json:"manual_priority"`
	ComputedScore      float64            `json:"computed_score"`
	ScoreComponents    map[string]float64 `json:"score_components"`
	OwnershipSignal    string             `json:"ownership_signal,omitempty"`
	IndustryKeywords   string             `json:"industry_keywords,omitempty"`
	WhyIncluded        []WhyIncluded      `json:"why_included"`
	EvidenceDocIDs     []string           `json:"evidence_source_document_ids"`
}

// Service computes rankings from stored run data.
type Service struct {
	store store.Store
}

// NewService wires ranking against a store.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// RankRun loads the run's prospects, evidence and enrichment assignments and
// returns the ranked payload: computed_score descending, prospect id
// ascending on ties, rank 1-based.
func (s *Service) RankRun(ctx context.Context, tenantID, runID string) ([]RankedProspect, error) {
	prospects, err := s.store.ListProspects(ctx, tenantID, runID, store.ProspectFilter{})
	if err != nil {
		return nil, err
	}
	evidence, err := s.store.ListEvidenceForRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	evidenceByProspect := map[string][]model.SignalEvidence{}
	for _, ev := range evidence {
		evidenceByProspect[ev.ProspectID] = append(evidenceByProspect[ev.ProspectID], ev)
	}

	assignmentCache := map[string]map[string]model.EnrichmentAssignment{}
	out := make([]RankedProspect, 0, len(prospects))
	for i := range prospects {
		p := &prospects[i]
		fields, err := s.currentFields(ctx, tenantID, p.NormalizedCompanyID, assignmentCache)
		if err != nil {
			return nil, err
		}
		out = append(out, buildRow(p, evidenceByProspect[p.ID], fields))
	}

	sort.Slice(out, func(a, b int) bool {
		if out[a].ComputedScore != out[b].ComputedScore {
			return out[a].ComputedScore > out[b].ComputedScore
		}
		return out[a].ID < out[b].ID
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out, nil
}

// currentFields resolves the latest non-superseded assignment per field key
// for one canonical company, memoized per ranking pass.
func (s *Service) currentFields(ctx context.Context, tenantID, canonicalID string, cache map[string]map[string]model.EnrichmentAssignment) (map[string]model.EnrichmentAssignment, error) {
	if canonicalID == "" {
		return nil, nil
	}
	if fields, ok := cache[canonicalID]; ok {
		return fields, nil
	}
	rows, err := s.store.ListAssignments(ctx, tenantID, model.TargetCompany, canonicalID)
	if err != nil {
		return nil, err
	}
	fields := map[string]model.EnrichmentAssignment{}
	for _, a := range rows {
		if a.SupersededAt != nil {
			continue
		}
		current, ok := fields[a.FieldKey]
		if !ok || newerAssignment(a, current) {
			fields[a.FieldKey] = a
		}
	}
	cache[canonicalID] = fields
	return fields, nil
}

func newerAssignment(a, b model.EnrichmentAssignment) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID > b.ID
}

func buildRow(p *model.CompanyProspect, evidence []model.SignalEvidence, fields map[string]model.EnrichmentAssignment) RankedProspect {
	evidenceSum := 0.0
	why := make([]WhyIncluded, 0, len(evidence))
	docSet := map[string]struct{}{}
	for _, ev := range evidence {
		evidenceSum += ev.Confidence * ev.Weight
		why = append(why, WhyIncluded{
			FieldKey:         ev.FieldKey,
			Value:            ev.Value,
			ValueNormalized:  ev.ValueNormalized,
			Confidence:       ev.Confidence,
			SourceDocumentID: ev.SourceDocumentID,
		})
		if ev.SourceDocumentID != "" {
			docSet[ev.SourceDocumentID] = struct{}{}
		}
	}
	if evidenceSum > evidenceCap {
		evidenceSum = evidenceCap
	}
	sort.Slice(why, func(a, b int) bool {
		if why[a].Confidence != why[b].Confidence {
			return why[a].Confidence > why[b].Confidence
		}
		if why[a].FieldKey != why[b].FieldKey {
			return why[a].FieldKey < why[b].FieldKey
		}
		return why[a].SourceDocumentID < why[b].SourceDocumentID
	})

	enrichment := float64(len(fields)) * enrichmentPerKey
	if enrichment > enrichmentCap {
		enrichment = enrichmentCap
	}
	pinned := 0.0
	if p.IsPinned {
		pinned = pinnedBonus
	}

	components := map[string]float64{
		"relevance":       p.RelevanceScore,
		"evidence":        round4(evidenceSum),
		"enrichment":      round4(enrichment),
		"pinned":          pinned,
		"manual_priority": p.ManualPriority,
	}
	total := round4(p.RelevanceScore + evidenceSum + enrichment + pinned + p.ManualPriority)

	docIDs := make([]string, 0, len(docSet))
	for id := range docSet {
		docIDs = append(docIDs, id)
	}
	sort.Strings(docIDs)

	row := RankedProspect{
		ID:                 p.ID,
		Name:               p.Name,
		NameNormalized:     p.NameNormalized,
		WebsiteURL:         p.WebsiteURL,
		HQCountry:          p.HQCountry,
		Sector:             p.Sector,
		Subsector:          p.Subsector,
		ReviewStatus:       p.ReviewStatus,
		DiscoveredBy:       p.DiscoveredBy,
		VerificationStatus: p.VerificationStatus,
		RelevanceScore:     p.RelevanceScore,
		EvidenceScore:      round4(evidenceSum),
		IsPinned:           p.IsPinned,
		ManualPriority:     p.ManualPriority,
		ComputedScore:      total,
		ScoreComponents:    components,
		WhyIncluded:        why,
		EvidenceDocIDs:     docIDs,
	}
	if a, ok := fields[model.FieldHQCountry]; ok {
		row.HQCountry = a.Value
	}
	if a, ok := fields[model.FieldOwnershipSignal]; ok {
		row.OwnershipSignal = a.Value
	}
	if a, ok := fields[model.FieldIndustryKeywords]; ok {
		row.IndustryKeywords = a.Value
	}
	return row
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
