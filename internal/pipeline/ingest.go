package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/research-pipeline/internal/acquire"
	"github.com/sells-group/research-pipeline/internal/model"
	"github.com/sells-group/research-pipeline/internal/normalize"
	"github.com/sells-group/research-pipeline/internal/store"
)

// IngestStats is the output payload of the ingest_lists and ingest_proposal
// steps.
type IngestStats struct {
	Documents         int `json:"documents"`
	Skipped           int `json:"skipped"`
	EmptyLists        int `json:"empty_lists,omitempty"`
	ProspectsNew      int `json:"prospects_new"`
	ProspectsExisting int `json:"prospects_existing"`
	Executives        int `json:"executives,omitempty"`
}

// listEntry is one row parsed out of a list file.
type listEntry struct {
	Name    string
	Website string
}

func (p *Pipeline) stepIngestLists(ctx context.Context, job *model.ResearchJob, _ *model.PlanStep) (json.RawMessage, error) {
	docs, err := p.store.ListSources(ctx, job.TenantID, job.RunID, store.SourceFilter{
		Types: []model.SourceType{model.SourceTypeList},
	})
	if err != nil {
		return nil, err
	}

	stats := &IngestStats{}
	for i := range docs {
		doc := &docs[i]
		if doc.Meta != nil && doc.Meta.Process != nil {
			stats.Skipped++
			continue
		}
		raw, err := p.listBytes(ctx, doc)
		if err != nil {
			return nil, err
		}
		entries, err := parseListEntries(listFilename(doc), raw)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: parse list %s", doc.ID)
		}
		if len(entries) == 0 {
			stats.EmptyLists++
			if err := p.stampIngested(ctx, doc, 0, 0, len(entries)); err != nil {
				return nil, err
			}
			stats.Documents++
			continue
		}

		newCount, existingCount := 0, 0
		seen := map[string]bool{}
		for _, entry := range entries {
			created, err := p.ingestCompany(ctx, doc, seen, ingestedCompany{
				Name:       entry.Name,
				WebsiteURL: entry.Website,
			}, model.EvidenceListMention, "list_import")
			if err != nil {
				return nil, err
			}
			switch created {
			case ingestCreated:
				newCount++
			case ingestExisting:
				existingCount++
			}
		}
		if err := p.stampIngested(ctx, doc, newCount, existingCount, len(entries)); err != nil {
			return nil, err
		}
		stats.Documents++
		stats.ProspectsNew += newCount
		stats.ProspectsExisting += existingCount
	}
	return mustJSON(stats), nil
}

// proposalDocument is the externally produced research proposal. The
// producer is outside this system; only shape and provenance are enforced
// here.
type proposalDocument struct {
	Companies []proposalCompany `json:"companies"`
}

type proposalCompany struct {
	Name       string              `json:"name"`
	WebsiteURL string              `json:"website_url,omitempty"`
	HQCountry  string              `json:"hq_country,omitempty"`
	Sector     string              `json:"sector,omitempty"`
	Subsector  string              `json:"subsector,omitempty"`
	Executives []proposalExecutive `json:"executives,omitempty"`
}

type proposalExecutive struct {
	FullName    string `json:"full_name"`
	Title       string `json:"title,omitempty"`
	Email       string `json:"email,omitempty"`
	LinkedInURL string `json:"linkedin_url,omitempty"`
}

func (p *Pipeline) stepIngestProposal(ctx context.Context, job *model.ResearchJob, _ *model.PlanStep) (json.RawMessage, error) {
	docs, err := p.store.ListSources(ctx, job.TenantID, job.RunID, store.SourceFilter{
		Types: []model.SourceType{model.SourceTypeProposal},
	})
	if err != nil {
		return nil, err
	}

	stats := &IngestStats{}
	for i := range docs {
		doc := &docs[i]
		if doc.Meta != nil && doc.Meta.Process != nil {
			stats.Skipped++
			continue
		}
		raw := doc.RawBytes
		if len(bytes.TrimSpace(raw)) == 0 {
			raw = []byte(doc.ContentText)
		}

		var proposal proposalDocument
		if err := json.Unmarshal(raw, &proposal); err != nil {
			return nil, eris.Wrapf(err, "proposal_parse_error: document %s", doc.ID)
		}

		newCount, existingCount, execCount := 0, 0, 0
		seen := map[string]bool{}
		for _, company := range proposal.Companies {
			if strings.TrimSpace(company.Name) == "" {
				return nil, eris.Errorf("proposal_parse_error: document %s has a company without a name", doc.ID)
			}
			prospectID, created, err := p.ingestCompanyID(ctx, doc, seen, ingestedCompany{
				Name:       company.Name,
				WebsiteURL: company.WebsiteURL,
				HQCountry:  company.HQCountry,
				Sector:     company.Sector,
				Subsector:  company.Subsector,
			}, model.EvidenceProposalClaim, "proposal")
			if err != nil {
				return nil, err
			}
			switch created {
			case ingestCreated:
				newCount++
			case ingestExisting:
				existingCount++
			}
			for _, exec := range company.Executives {
				if strings.TrimSpace(exec.FullName) == "" {
					continue
				}
				if err := p.store.CreateExecutive(ctx, &model.Executive{
					ProspectID:       prospectID,
					RunID:            doc.RunID,
					TenantID:         doc.TenantID,
					FullName:         exec.FullName,
					NameNormalized:   normalize.PersonName(exec.FullName),
					Title:            exec.Title,
					Email:            exec.Email,
					LinkedInURL:      exec.LinkedInURL,
					SourceDocumentID: doc.ID,
				}); err != nil {
					return nil, err
				}
				execCount++
			}
		}
		if err := p.stampIngested(ctx, doc, newCount, existingCount, len(proposal.Companies)); err != nil {
			return nil, err
		}
		stats.Documents++
		stats.ProspectsNew += newCount
		stats.ProspectsExisting += existingCount
		stats.Executives += execCount
	}
	return mustJSON(stats), nil
}

type ingestOutcome int

const (
	ingestDuplicate ingestOutcome = iota
	ingestCreated
	ingestExisting
)

type ingestedCompany struct {
	Name       string
	WebsiteURL string
	HQCountry  string
	Sector     string
	Subsector  string
}

func (p *Pipeline) ingestCompany(ctx context.Context, doc *model.SourceDocument, seen map[string]bool, c ingestedCompany, fieldKey, discoveredBy string) (ingestOutcome, error) {
	_, outcome, err := p.ingestCompanyID(ctx, doc, seen, c, fieldKey, discoveredBy)
	return outcome, err
}

// ingestCompanyID creates or references one prospect from an ingested entry
// and records its evidence row. Entries repeated within the same document
// are collapsed.
func (p *Pipeline) ingestCompanyID(ctx context.Context, doc *model.SourceDocument, seen map[string]bool, c ingestedCompany, fieldKey, discoveredBy string) (string, ingestOutcome, error) {
	name := strings.TrimSpace(c.Name)
	normalized := normalize.CompanyName(name)
	if normalized == "" {
		return "", ingestDuplicate, nil
	}

	existing, err := p.store.FindProspectByName(ctx, doc.TenantID, doc.RunID, normalized)
	if err != nil {
		return "", ingestDuplicate, err
	}

	ev := model.SignalEvidence{
		RunID:            doc.RunID,
		TenantID:         doc.TenantID,
		FieldKey:         fieldKey,
		Value:            name,
		ValueNormalized:  normalized,
		Confidence:       1.0,
		Weight:           1.0,
		SourceDocumentID: doc.ID,
	}
	if existing != nil {
		if !seen[normalized] {
			seen[normalized] = true
			ev.ProspectID = existing.ID
			if _, err := p.store.InsertEvidence(ctx, []model.SignalEvidence{ev}); err != nil {
				return "", ingestDuplicate, err
			}
			return existing.ID, ingestExisting, nil
		}
		return existing.ID, ingestDuplicate, nil
	}
	seen[normalized] = true

	prospect := &model.CompanyProspect{
		RunID:          doc.RunID,
		TenantID:       doc.TenantID,
		Name:           name,
		NameNormalized: normalized,
		WebsiteURL:     c.WebsiteURL,
		Domain:         normalize.Domain(c.WebsiteURL),
		HQCountry:      c.HQCountry,
		Sector:         c.Sector,
		Subsector:      c.Subsector,
		RelevanceScore: 0.5,
		EvidenceScore:  1.0,
		ReviewStatus:   model.ReviewStatusNew,
		DiscoveredBy:   discoveredBy,
	}
	if err := p.store.CreateProspect(ctx, prospect, []model.SignalEvidence{ev}); err != nil {
		return "", ingestDuplicate, err
	}
	return prospect.ID, ingestCreated, nil
}

// stampIngested records the outcome on the document and appends the
// prospects_ingested event. A stamped document is skipped on re-runs.
func (p *Pipeline) stampIngested(ctx context.Context, doc *model.SourceDocument, newCount, existingCount, entries int) error {
	if err := p.store.AppendEvent(ctx, &model.ResearchEvent{
		RunID:       doc.RunID,
		TenantID:    doc.TenantID,
		EventType:   model.EventProspectsIngested,
		Status:      "ok",
		SubjectType: "source_document",
		SubjectID:   doc.ID,
		Output: mustJSON(map[string]int{
			"entries":  entries,
			"new":      newCount,
			"existing": existingCount,
		}),
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
		CandidateLines:    entries,
	}
	doc.Status = model.SourceStatusProcessed
	doc.ProcessedAt = &now
	return p.store.UpdateSource(ctx, doc)
}

// listBytes returns the list file content, fetching it over http or ftp
// when the document only carries a URL.
func (p *Pipeline) listBytes(ctx context.Context, doc *model.SourceDocument) ([]byte, error) {
	if len(doc.RawBytes) > 0 {
		return doc.RawBytes, nil
	}
	switch {
	case strings.HasPrefix(doc.URL, "ftp://"):
		return p.ftp.Fetch(ctx, doc.URL)
	case strings.HasPrefix(doc.URL, "http://"), strings.HasPrefix(doc.URL, "https://"):
		resp, err := p.http.Fetch(ctx, acquire.Request{URL: doc.URL})
		if err != nil {
			return nil, err
		}
		return resp.Body, nil
	}
	return nil, nil
}

func listFilename(doc *model.SourceDocument) string {
	if doc.URL != "" {
		if u, err := url.Parse(doc.URL); err == nil {
			return path.Base(u.Path)
		}
	}
	return doc.Title
}

// parseListEntries decodes a list file into entries. The format follows the
// file extension, falling back to content sniffing for bare uploads.
func parseListEntries(filename string, raw []byte) ([]listEntry, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	switch strings.ToLower(path.Ext(filename)) {
	case ".xlsx":
		return parseXLSXList(raw)
	case ".csv":
		return parseCSVList(raw)
	case ".json":
		return parseJSONList(raw)
	}
	trimmed := bytes.TrimSpace(raw)
	switch {
	case bytes.HasPrefix(raw, []byte("PK\x03\x04")):
		return parseXLSXList(raw)
	case trimmed[0] == '[' || trimmed[0] == '{':
		return parseJSONList(raw)
	default:
		return parseCSVList(raw)
	}
}

func parseXLSXList(raw []byte) ([]listEntry, error) {
	f, err := xlsx.OpenBinary(raw)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: open xlsx")
	}
	if len(f.Sheets) == 0 {
		return nil, nil
	}
	var entries []listEntry
	for i, row := range f.Sheets[0].Rows {
		if len(row.Cells) == 0 {
			continue
		}
		name := strings.TrimSpace(row.Cells[0].String())
		if name == "" {
			continue
		}
		if i == 0 && looksLikeHeader(name) {
			continue
		}
		entries = append(entries, listEntry{Name: name})
	}
	return entries, nil
}

func parseCSVList(raw []byte) ([]listEntry, error) {
	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var entries []listEntry
	first := true
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: read csv")
		}
		if len(record) == 0 {
			continue
		}
		name := strings.TrimSpace(record[0])
		if name == "" {
			continue
		}
		if first && looksLikeHeader(name) {
			first = false
			continue
		}
		first = false
		entries = append(entries, listEntry{Name: name})
	}
	return entries, nil
}

func parseJSONList(raw []byte) ([]listEntry, error) {
	var names []string
	if err := json.Unmarshal(raw, &names); err == nil {
		var entries []listEntry
		for _, name := range names {
			if name = strings.TrimSpace(name); name != "" {
				entries = append(entries, listEntry{Name: name})
			}
		}
		return entries, nil
	}

	var objects []struct {
		Name    string `json:"name"`
		Website string `json:"website,omitempty"`
	}
	if err := json.Unmarshal(raw, &objects); err != nil {
		return nil, eris.Wrap(err, "pipeline: decode json list")
	}
	var entries []listEntry
	for _, o := range objects {
		if name := strings.TrimSpace(o.Name); name != "" {
			entries = append(entries, listEntry{Name: name, Website: o.Website})
		}
	}
	return entries, nil
}

var headerWords = map[string]bool{
	"company":      true,
	"companies":    true,
	"company name": true,
	"name":         true,
	"organisation": true,
	"organization": true,
}

func looksLikeHeader(cell string) bool {
	return headerWords[strings.ToLower(strings.TrimSpace(cell))]
}
