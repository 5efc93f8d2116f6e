package classify

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/sells-group/research-pipeline/internal/model"
	"github.com/sells-group/research-pipeline/internal/normalize"
	"github.com/sells-group/research-pipeline/internal/store"
)

// Service runs the extraction-quality and template-dedup passes over a
// run's fetched documents.
type Service struct {
	store store.Store
}

// NewService wires the classifier against a store.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// ExtractStats summarizes one extract_url_sources pass.
type ExtractStats struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Accepted  int `json:"accepted"`
	Flagged   int `json:"flagged"`
	Rejected  int `json:"rejected"`
}

var classifiableTypes = []model.SourceType{model.SourceTypeURL, model.SourceTypePDF, model.SourceTypeText}

// ExtractSources grades every fetched document of the run. Documents whose
// extraction version and material hash are unchanged are skipped, so the
// pass is idempotent.
func (s *Service) ExtractSources(ctx context.Context, tenantID, runID string) (*ExtractStats, error) {
	docs, err := s.store.ListSources(ctx, tenantID, runID, store.SourceFilter{
		Types:    classifiableTypes,
		Statuses: []model.SourceStatus{model.SourceStatusFetched},
	})
	if err != nil {
		return nil, err
	}

	stats := &ExtractStats{}
	for i := range docs {
		doc := &docs[i]

		materialHash := materialHashFor(doc)
		if doc.ExtractionVersion == ExtractionVersion && doc.MaterialHash == materialHash && doc.ContentHash != "" {
			stats.Skipped++
			payload, _ := json.Marshal(map[string]string{"skipped": "already_extracted"})
			if err := s.event(ctx, doc, "ok", payload, ""); err != nil {
				return nil, err
			}
			continue
		}

		res := Evaluate(Input{
			SourceType:  doc.SourceType,
			ContentType: doc.ContentType,
			Title:       doc.Title,
			Text:        doc.ContentText,
			HasRawBytes: len(doc.RawBytes) > 0,
		})

		doc.ContentText = res.NormalizedText
		doc.ContentHash = res.TextHash
		doc.ExtractionVersion = ExtractionVersion
		doc.MaterialHash = materialHash
		doc.Quality = res.Quality
		if err := s.store.UpdateSource(ctx, doc); err != nil {
			return nil, err
		}

		stats.Processed++
		eventStatus := "ok"
		switch res.Quality.Decision {
		case model.QualityAccept:
			stats.Accepted++
		case model.QualityFlag:
			stats.Flagged++
			eventStatus = "warn"
		case model.QualityReject:
			stats.Rejected++
			eventStatus = "failed"
		}

		payload, _ := json.Marshal(map[string]any{
			"decision":     res.Quality.Decision,
			"reason_codes": res.Quality.Reasons,
			"word_count":   res.Quality.WordCount,
		})
		if err := s.event(ctx, doc, eventStatus, payload, ""); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// materialHashFor hashes the raw stored content: bytes for PDFs and other
// byte-bearing documents, text otherwise.
func materialHashFor(doc *model.SourceDocument) string {
	if len(doc.RawBytes) > 0 {
		return normalize.SHA256HexBytes(doc.RawBytes)
	}
	return normalize.SHA256Hex(doc.ContentText)
}

func (s *Service) event(ctx context.Context, doc *model.SourceDocument, status string, output json.RawMessage, errMsg string) error {
	return s.store.AppendEvent(ctx, &model.ResearchEvent{
		RunID:        doc.RunID,
		TenantID:     doc.TenantID,
		EventType:    model.EventExtractContent,
		Status:       status,
		SubjectType:  "source_document",
		SubjectID:    doc.ID,
		Output:       output,
		ErrorMessage: errMsg,
	})
}

// DedupStats summarizes one classify_sources pass.
type DedupStats struct {
	Groups     int `json:"groups"`
	Duplicates int `json:"duplicates"`
}

// DedupTemplates groups the run's classified documents by shared content
// signatures (prefix or token) and flags every group member except the
// highest-word-count one as a template duplicate. Deterministic across
// re-runs: group membership, ordering and the chosen primary depend only on
// stored signatures, word counts and ids.
func (s *Service) DedupTemplates(ctx context.Context, tenantID, runID string) (*DedupStats, error) {
	docs, err := s.store.ListSources(ctx, tenantID, runID, store.SourceFilter{
		Types:    classifiableTypes,
		Statuses: []model.SourceStatus{model.SourceStatusFetched},
	})
	if err != nil {
		return nil, err
	}

	var cands []*model.SourceDocument
	for i := range docs {
		doc := &docs[i]
		if doc.ExtractionVersion != ExtractionVersion || doc.Quality == nil {
			continue
		}
		if doc.Quality.WordCount == 0 || doc.Quality.SignaturePrefix2K == "" {
			continue
		}
		cands = append(cands, doc)
	}

	// Union-find over the two signature spaces: documents sharing either
	// signature land in one group.
	parent := make([]int, len(cands))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}
	bySig := map[string]int{}
	for i, doc := range cands {
		for _, sig := range []string{doc.Quality.SignaturePrefix2K, doc.Quality.SignatureTokens} {
			if sig == "" {
				continue
			}
			if j, ok := bySig[sig]; ok {
				union(i, j)
			} else {
				bySig[sig] = i
			}
		}
	}

	groups := map[int][]*model.SourceDocument{}
	for i, doc := range cands {
		root := find(i)
		groups[root] = append(groups[root], doc)
	}

	stats := &DedupStats{}
	for _, members := range groups {
		if len(members) < 2 {
			continue
		}
		sort.Slice(members, func(a, b int) bool {
			if members[a].Quality.WordCount != members[b].Quality.WordCount {
				return members[a].Quality.WordCount > members[b].Quality.WordCount
			}
			return members[a].ID < members[b].ID
		})

		primary := members[0]
		groupKey := primary.Quality.SignaturePrefix2K

		stats.Groups++
		primary.Quality.DuplicateGroupKey = groupKey
		if err := s.store.UpdateSource(ctx, primary); err != nil {
			return nil, err
		}

		for _, dup := range members[1:] {
			dup.Quality.DuplicateGroupKey = groupKey
			dup.Quality.DuplicateOf = primary.ID
			dup.Quality.Reasons = addReason(dup.Quality.Reasons, ReasonDuplicateTemplate)
			dup.Quality.Decision = Decide(dup.Quality.Reasons)
			if err := s.store.UpdateSource(ctx, dup); err != nil {
				return nil, err
			}
			stats.Duplicates++
		}
	}
	return stats, nil
}

func addReason(reasons []string, reason string) []string {
	for _, r := range reasons {
		if r == reason {
			return reasons
		}
	}
	out := append(append([]string(nil), reasons...), reason)
	sort.Strings(out)
	return out
}
