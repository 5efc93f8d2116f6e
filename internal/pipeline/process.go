package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/sells-group/research-pipeline/internal/acquire"
	"github.com/sells-group/research-pipeline/internal/model"
	"github.com/sells-group/research-pipeline/internal/normalize"
	"github.com/sells-group/research-pipeline/internal/store"
)

// ProcessStats is the output payload of the process_sources step.
type ProcessStats struct {
	Documents         int `json:"documents"`
	Skipped           int `json:"skipped"`
	ProspectsNew      int `json:"prospects_new"`
	ProspectsExisting int `json:"prospects_existing"`
}

// processableTypes are the content-bearing source types mined for prospects.
var processableTypes = []model.SourceType{model.SourceTypeURL, model.SourceTypePDF, model.SourceTypeText}

// stepProcess mines candidate company names out of every fetched,
// non-duplicate document that has not been processed yet. Re-running the
// step skips already-stamped documents, so it is idempotent.
func (p *Pipeline) stepProcess(ctx context.Context, job *model.ResearchJob, _ *model.PlanStep) (json.RawMessage, error) {
	docs, err := p.store.ListSources(ctx, job.TenantID, job.RunID, store.SourceFilter{
		Types:    processableTypes,
		Statuses: []model.SourceStatus{model.SourceStatusFetched},
	})
	if err != nil {
		return nil, err
	}

	stats := &ProcessStats{}
	for i := range docs {
		doc := &docs[i]
		if doc.Meta != nil && doc.Meta.Process != nil {
			stats.Skipped++
			continue
		}
		if doc.CanonicalSourceID != "" || (doc.Quality != nil && doc.Quality.DuplicateOf != "") {
			stats.Skipped++
			continue
		}
		if err := p.processDoc(ctx, doc, stats); err != nil {
			return nil, err
		}
		stats.Documents++
	}
	return mustJSON(stats), nil
}

func (p *Pipeline) processDoc(ctx context.Context, doc *model.SourceDocument, stats *ProcessStats) error {
	lines := candidateLines(doc)
	mined := mineCompanies(lines)

	newCount, existingCount := 0, 0
	for _, c := range mined {
		existing, err := p.store.FindProspectByName(ctx, doc.TenantID, doc.RunID, c.normalized)
		if err != nil {
			return err
		}
		ev := model.SignalEvidence{
			RunID:            doc.RunID,
			TenantID:         doc.TenantID,
			FieldKey:         model.EvidenceCompanyMention,
			Value:            c.name,
			ValueNormalized:  c.normalized,
			Confidence:       0.5,
			Weight:           0.5,
			SourceDocumentID: doc.ID,
			Snippet:          c.snippet,
		}
		if existing != nil {
			ev.ProspectID = existing.ID
			if _, err := p.store.InsertEvidence(ctx, []model.SignalEvidence{ev}); err != nil {
				return err
			}
			existingCount++
			continue
		}
		prospect := &model.CompanyProspect{
			RunID:          doc.RunID,
			TenantID:       doc.TenantID,
			Name:           c.name,
			NameNormalized: c.normalized,
			RelevanceScore: 0.5,
			EvidenceScore:  0.5,
			ReviewStatus:   model.ReviewStatusNew,
			DiscoveredBy:   "source_extraction",
		}
		if err := p.store.CreateProspect(ctx, prospect, []model.SignalEvidence{ev}); err != nil {
			return err
		}
		newCount++
	}

	if err := p.store.AppendEvent(ctx, &model.ResearchEvent{
		RunID:       doc.RunID,
		TenantID:    doc.TenantID,
		EventType:   model.EventDedupe,
		Status:      "ok",
		SubjectType: "source_document",
		SubjectID:   doc.ID,
		Output:      mustJSON(map[string]int{"new": newCount, "existing": existingCount}),
	}); err != nil {
		return err
	}

	now := time.Now().UTC()
	if doc.Meta == nil {
		doc.Meta = &model.SourceMeta{}
	}
	doc.Meta.Process = &model.ProcessInfo{
		ProcessedAt:       now,
		NewProspects:      newCount,
		ExistingProspects: existingCount,
		CandidateLines:    len(lines),
	}
	doc.Status = model.SourceStatusProcessed
	doc.ProcessedAt = &now
	if err := p.store.UpdateSource(ctx, doc); err != nil {
		return err
	}

	stats.ProspectsNew += newCount
	stats.ProspectsExisting += existingCount
	return nil
}

// candidateLines picks the text to mine. HTML documents go through
// structural extraction first; anything else, or pages without usable
// structure, falls back to the extracted plain text split into lines.
func candidateLines(doc *model.SourceDocument) []string {
	if isHTML(doc) {
		if items, err := acquire.ListCandidates(doc.RawBytes, 150, 200); err == nil && len(items) > 0 {
			return items
		}
	}
	var lines []string
	for _, line := range strings.Split(strings.ReplaceAll(doc.ContentText, "\r\n", "\n"), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func isHTML(doc *model.SourceDocument) bool {
	if strings.Contains(strings.ToLower(doc.ContentType), "html") {
		return true
	}
	head := bytes.ToLower(bytes.TrimSpace(doc.RawBytes))
	if len(head) > 256 {
		head = head[:256]
	}
	return bytes.Contains(head, []byte("<html")) || bytes.HasPrefix(head, []byte("<!doctype html"))
}

type minedCompany struct {
	name       string
	normalized string
	snippet    string
}

var (
	leadingBullet   = regexp.MustCompile(`^[-•*]+\s+`)
	leadingNumber   = regexp.MustCompile(`^\d+[.)]\s+`)
	numericValue    = regexp.MustCompile(`(?i)^[$€£¥]?\s*[\d,.]+(\s*[BMK%])?$`)
	numericSuffixed = regexp.MustCompile(`(?i)^[\d,.]+(\s*[BMK%])?\s*[$€£¥]?$`)

	nonCompanyLine = []*regexp.Regexp{
		regexp.MustCompile(`^top\s+\w+\s*\(.*\)`),
		regexp.MustCompile(`^here\s+are\s+.*`),
		regexp.MustCompile(`^\w+\s+list\s*$`),
	}
	nonCompanyPhrases = []string{
		"top nbfc", "sample list", "notes", "company list", "here are",
		"interesting", "sample", "following", "these are",
	}
)

// mineCompanies turns candidate lines into named companies, deduplicated by
// normalized name. When most survivors are short single words the whole
// document is treated as UI garbage and yields nothing.
func mineCompanies(lines []string) []minedCompany {
	var out []minedCompany
	seen := map[string]bool{}

	for i, raw := range lines {
		cleaned := cleanCandidate(raw)
		if cleaned == "" || !keepCandidate(cleaned) {
			continue
		}
		normalized := normalize.CompanyName(cleaned)
		if normalized == "" || seen[normalized] {
			continue
		}
		seen[normalized] = true

		snippet := cleaned
		if i+1 < len(lines) {
			if next := strings.TrimSpace(lines[i+1]); next != "" {
				if len(next) > 100 {
					next = next[:100]
				}
				snippet += " | " + next
			}
		}
		if len(snippet) > 500 {
			snippet = snippet[:500]
		}
		out = append(out, minedCompany{name: cleaned, normalized: normalized, snippet: snippet})
	}

	if len(out) > 0 {
		shortSingles := 0
		for _, c := range out {
			if !strings.Contains(c.name, " ") && len(c.name) < 15 {
				shortSingles++
			}
		}
		if float64(shortSingles)/float64(len(out)) > 0.7 {
			return nil
		}
	}
	return out
}

func cleanCandidate(line string) string {
	cleaned := strings.TrimSpace(line)
	cleaned = leadingBullet.ReplaceAllString(cleaned, "")
	cleaned = leadingNumber.ReplaceAllString(cleaned, "")
	return strings.Join(strings.Fields(cleaned), " ")
}

func keepCandidate(cleaned string) bool {
	if len(cleaned) < 3 || len(cleaned) > 150 {
		return false
	}
	if !strings.ContainsFunc(cleaned, unicode.IsLetter) {
		return false
	}
	if strings.HasSuffix(cleaned, ".") && len(strings.Fields(cleaned)) > 6 {
		return false
	}
	if numericValue.MatchString(cleaned) || numericSuffixed.MatchString(cleaned) {
		return false
	}
	lower := strings.ToLower(cleaned)
	for _, re := range nonCompanyLine {
		if re.MatchString(lower) {
			return false
		}
	}
	if len(cleaned) < 60 {
		for _, phrase := range nonCompanyPhrases {
			if strings.Contains(lower, phrase) {
				return false
			}
		}
	}
	return true
}
