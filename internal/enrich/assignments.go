package enrich

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/research-pipeline/internal/model"
	"github.com/sells-group/research-pipeline/internal/normalize"
	"github.com/sells-group/research-pipeline/internal/store"
)

// InputScopeHash fingerprints what the extractor looked at for one field.
func InputScopeHash(sourceDocumentID, fieldKey string) string {
	return normalize.SHA256Hex(inputScopeSalt + ":" + sourceDocumentID + ":" + fieldKey)
}

// ContentHash derives the idempotency key of one assignment: a canonical
// JSON serialization of the identifying fields. Equal facts always hash
// equal, which is what the recording upsert keys on.
func ContentHash(a *model.EnrichmentAssignment) string {
	payload := normalize.CanonicalJSON(map[string]string{
		"target_entity_type":  string(a.TargetEntityType),
		"target_canonical_id": a.TargetCanonicalID,
		"field_key":           a.FieldKey,
		"value":               a.Value,
		"value_normalized":    a.ValueNormalized,
		"derived_by":          a.DerivedBy,
		"source_document_id":  a.SourceDocumentID,
		"input_scope_hash":    a.InputScopeHash,
	})
	return normalize.SHA256HexBytes(payload)
}

// BuildAssignments runs all three extractors over one document's text and
// returns the fully-hashed assignments for the target company. Pure; an
// empty result means the text carried no recognizable signals.
func BuildAssignments(tenantID, runID, canonicalCompanyID, sourceDocumentID, contentText string) []model.EnrichmentAssignment {
	text := strings.TrimSpace(contentText)
	if text == "" {
		return nil
	}

	var out []model.EnrichmentAssignment
	add := func(fieldKey, value, valueNormalized string, confidence float64) {
		a := model.EnrichmentAssignment{
			TenantID:          tenantID,
			RunID:             runID,
			TargetEntityType:  model.TargetCompany,
			TargetCanonicalID: canonicalCompanyID,
			FieldKey:          fieldKey,
			Value:             value,
			ValueNormalized:   valueNormalized,
			Confidence:        confidence,
			DerivedBy:         DerivedBy,
			SourceDocumentID:  sourceDocumentID,
			InputScopeHash:    InputScopeHash(sourceDocumentID, fieldKey),
		}
		a.ContentHash = ContentHash(&a)
		out = append(out, a)
	}

	if hq := ExtractHQCountry(text); hq != nil {
		add(model.FieldHQCountry, hq.Country, hq.Country, hq.Confidence)
	}
	if own := ExtractOwnershipSignal(text); own != nil {
		add(model.FieldOwnershipSignal, own.Signal, own.Signal, own.Confidence)
	}
	if ind := ExtractIndustryKeywords(text); ind != nil {
		joined := strings.Join(ind.Keywords, ", ")
		add(model.FieldIndustryKeywords, joined, joined, ind.Confidence)
	}
	return out
}

// Service applies deterministic enrichment across a run's resolved
// companies.
type Service struct {
	store store.Store
}

// NewService wires the enrichment pass against a store.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Stats summarizes one enrichment pass.
type Stats struct {
	CompaniesScanned  int `json:"companies_scanned"`
	DocumentsScanned  int `json:"documents_scanned"`
	AssignmentsFound  int `json:"assignments_found"`
	AssignmentsNew    int `json:"assignments_new"`
	DocumentsSkipped  int `json:"documents_skipped"`
	ProspectsUnlinked int `json:"prospects_unlinked"`
}

// EnrichRun derives assignments for every canonical company linked in the
// run, reading each evidence document once per company. Rejected and
// template-duplicate documents are excluded. Idempotent: a second pass over
// unchanged inputs records zero new rows.
func (s *Service) EnrichRun(ctx context.Context, tenantID, runID string) (*Stats, error) {
	prospects, err := s.store.ListProspects(ctx, tenantID, runID, store.ProspectFilter{})
	if err != nil {
		return nil, err
	}
	evidence, err := s.store.ListEvidenceForRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}

	docsByProspect := map[string][]string{}
	for _, ev := range evidence {
		if ev.SourceDocumentID != "" {
			docsByProspect[ev.ProspectID] = append(docsByProspect[ev.ProspectID], ev.SourceDocumentID)
		}
	}

	stats := &Stats{}
	docCache := map[string]*model.SourceDocument{}
	for _, p := range prospects {
		if p.NormalizedCompanyID == "" {
			stats.ProspectsUnlinked++
			continue
		}
		docIDs := uniqueSorted(docsByProspect[p.ID])
		if len(docIDs) == 0 {
			continue
		}
		stats.CompaniesScanned++

		var facts []model.EnrichmentAssignment
		for _, docID := range docIDs {
			doc, ok := docCache[docID]
			if !ok {
				doc, err = s.store.GetSource(ctx, tenantID, docID)
				if err != nil {
					return nil, err
				}
				docCache[docID] = doc
			}
			if doc == nil || !enrichable(doc) {
				stats.DocumentsSkipped++
				continue
			}
			stats.DocumentsScanned++
			facts = append(facts, BuildAssignments(tenantID, runID, p.NormalizedCompanyID, doc.ID, doc.ContentText)...)
		}
		if len(facts) == 0 {
			continue
		}

		created, err := s.store.RecordAssignments(ctx, facts)
		if err != nil {
			return nil, err
		}
		stats.AssignmentsFound += len(facts)
		stats.AssignmentsNew += int(created)
	}

	zap.L().Info("enrich: run pass complete",
		zap.String("run_id", runID),
		zap.Int("companies", stats.CompaniesScanned),
		zap.Int("new_assignments", stats.AssignmentsNew),
	)

	payload, _ := json.Marshal(stats)
	err = s.store.AppendEvent(ctx, &model.ResearchEvent{
		RunID:       runID,
		TenantID:    tenantID,
		EventType:   model.EventEnrichmentApplied,
		Status:      "ok",
		SubjectType: "research_run",
		SubjectID:   runID,
		Output:      payload,
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// enrichable excludes documents whose content never carried usable signals:
// empty text, rejected quality, or a template duplicate of another document.
func enrichable(doc *model.SourceDocument) bool {
	if strings.TrimSpace(doc.ContentText) == "" {
		return false
	}
	if doc.Quality != nil {
		if doc.Quality.Decision == model.QualityReject || doc.Quality.DuplicateOf != "" {
			return false
		}
	}
	return true
}

func uniqueSorted(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
