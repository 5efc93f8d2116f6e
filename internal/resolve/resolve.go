// Package resolve links run-scoped prospects and executives to tenant-wide
// canonical companies and people. Matching is rule-based and deterministic:
// companies match on domain first, then normalized name plus country; people
// match on email, then LinkedIn profile, then normalized name plus canonical
// company. Re-running resolution over unchanged inputs creates no rows.
package resolve

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

// Service runs entity resolution for one run during finalize.
type Service struct {
	store store.Store
}

// NewService wires resolution against a store.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Summary carries the counters of one resolution pass. On a repeat pass the
// *_existing counters rise where *_created rose before.
type Summary struct {
	ProspectsScanned          int `json:"prospects_scanned"`
	CanonicalCompaniesCreated int `json:"canonical_companies_created"`
	CanonicalCompaniesMatched int `json:"canonical_companies_matched"`
	CompanyLinksCreated       int `json:"company_links_created"`
	CompanyLinksExisting      int `json:"company_links_existing"`

	ExecutivesScanned      int `json:"executives_scanned"`
	CanonicalPeopleCreated int `json:"canonical_people_created"`
	CanonicalPeopleMatched int `json:"canonical_people_matched"`
	PersonLinksCreated     int `json:"canonical_person_links_created"`
	PersonLinksExisting    int `json:"canonical_person_links_existing"`

	ConflictsSkipped                 int `json:"conflicts_skipped"`
	EvidenceMissingSkipped           int `json:"evidence_missing_skipped"`
	WarningsMultiEvidence            int `json:"warnings_multi_evidence"`
	MultiEvidenceDeterministicChoice int `json:"multi_evidence_deterministic_choice"`
}

// ResolveRun resolves the run's prospects to canonical companies, then its
// executives to canonical people, and appends an entity_resolution_summary
// event carrying the counters.
func (s *Service) ResolveRun(ctx context.Context, tenantID, runID string) (*Summary, error) {
	summary := &Summary{}

	companyByProspect, err := s.resolveCompanies(ctx, tenantID, runID, summary)
	if err != nil {
		return nil, err
	}
	if err := s.resolvePeople(ctx, tenantID, runID, companyByProspect, summary); err != nil {
		return nil, err
	}

	zap.L().Info("resolve: run pass complete",
		zap.String("run_id", runID),
		zap.Int("prospects", summary.ProspectsScanned),
		zap.Int("executives", summary.ExecutivesScanned),
		zap.Int("companies_created", summary.CanonicalCompaniesCreated),
		zap.Int("people_created", summary.CanonicalPeopleCreated),
	)

	payload, _ := json.Marshal(summary)
	err = s.store.AppendEvent(ctx, &model.ResearchEvent{
		RunID:       runID,
		TenantID:    tenantID,
		EventType:   model.EventResolutionSummary,
		Status:      "ok",
		SubjectType: "research_run",
		SubjectID:   runID,
		Output:      payload,
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// resolveCompanies links every evidenced prospect to a canonical company and
// returns the prospect-id to canonical-company-id mapping for the people
// phase.
func (s *Service) resolveCompanies(ctx context.Context, tenantID, runID string, summary *Summary) (map[string]string, error) {
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

	companyByProspect := map[string]string{}
	for i := range prospects {
		p := &prospects[i]
		summary.ProspectsScanned++

		docIDs := uniqueSorted(docsByProspect[p.ID])
		if len(docIDs) == 0 {
			summary.EvidenceMissingSkipped++
			continue
		}
		evidenceDoc := docIDs[0]
		if len(docIDs) > 1 {
			summary.WarningsMultiEvidence++
			summary.MultiEvidenceDeterministicChoice++
		}

		company, rule, created, err := s.matchCompany(ctx, tenantID, p)
		if err != nil {
			return nil, err
		}
		if created {
			summary.CanonicalCompaniesCreated++
		} else {
			summary.CanonicalCompaniesMatched++
		}

		link := &model.CompanyLink{
			CanonicalCompanyID: company.ID,
			ProspectID:         p.ID,
			RunID:              runID,
			TenantID:           tenantID,
			MatchRule:          rule,
			SourceDocumentID:   evidenceDoc,
			ResolutionHash:     resolutionHash("company", company.ID, matchKey(rule, p), []string{p.ID}),
		}
		linkCreated, err := s.store.LinkProspect(ctx, link)
		if err != nil {
			return nil, err
		}
		if linkCreated {
			summary.CompanyLinksCreated++
		} else {
			summary.CompanyLinksExisting++
		}

		if p.NormalizedCompanyID != company.ID {
			if err := s.store.SetProspectCanonical(ctx, tenantID, p.ID, company.ID); err != nil {
				return nil, err
			}
		}
		companyByProspect[p.ID] = company.ID
	}
	return companyByProspect, nil
}

// matchCompany applies the company rules in order: domain, then normalized
// name plus country, then create. The returned rule is the one that matched,
// or the strongest key available when a new canonical row was created.
func (s *Service) matchCompany(ctx context.Context, tenantID string, p *model.CompanyProspect) (*model.CanonicalCompany, model.MatchRule, bool, error) {
	domain := p.Domain
	if domain == "" {
		domain = normalize.Domain(p.WebsiteURL)
	}
	if domain != "" {
		company, err := s.store.FindCompanyByDomain(ctx, tenantID, domain)
		if err != nil {
			return nil, "", false, err
		}
		if company != nil {
			return company, model.MatchRuleDomain, false, nil
		}
	}

	nameNorm := p.NameNormalized
	if nameNorm == "" {
		nameNorm = normalize.CompanyName(p.Name)
	}
	country := normalize.Country(p.HQCountry)
	company, err := s.store.FindCompanyByNameCountry(ctx, tenantID, nameNorm, country)
	if err != nil {
		return nil, "", false, err
	}
	if company != nil {
		return company, model.MatchRuleNameCountry, false, nil
	}

	company = &model.CanonicalCompany{
		TenantID:       tenantID,
		Name:           p.Name,
		NameNormalized: nameNorm,
		Country:        country,
	}
	var domains []string
	if domain != "" {
		domains = append(domains, domain)
	}
	if err := s.store.CreateCanonicalCompany(ctx, company, domains); err != nil {
		return nil, "", false, err
	}
	rule := model.MatchRuleNameCountry
	if domain != "" {
		rule = model.MatchRuleDomain
	}
	return company, rule, true, nil
}

// identity is one deduplicated person within the run: every executive row
// that normalizes to the same match key.
type identity struct {
	rule      model.MatchRule
	key       string
	execs     []*model.Executive
	docIDs    []string
	companyID string
}

func (s *Service) resolvePeople(ctx context.Context, tenantID, runID string, companyByProspect map[string]string, summary *Summary) error {
	execs, err := s.store.ListExecutives(ctx, tenantID, runID)
	if err != nil {
		return err
	}
	summary.ExecutivesScanned = len(execs)

	groups := map[string]*identity{}
	var order []string
	for i := range execs {
		e := &execs[i]
		if e.SourceDocumentID == "" {
			summary.EvidenceMissingSkipped++
			summary.ConflictsSkipped++
			continue
		}

		rule, key := personKey(e, companyByProspect[e.ProspectID])
		mapKey := string(rule) + "|" + key
		g, ok := groups[mapKey]
		if !ok {
			g = &identity{rule: rule, key: key, companyID: companyByProspect[e.ProspectID]}
			groups[mapKey] = g
			order = append(order, mapKey)
		}
		g.execs = append(g.execs, e)
		g.docIDs = append(g.docIDs, e.SourceDocumentID)
	}
	sort.Strings(order)

	for _, mapKey := range order {
		if err := s.resolveIdentity(ctx, tenantID, runID, groups[mapKey], summary); err != nil {
			return err
		}
	}
	return nil
}

// personKey computes the strongest identity key an executive row carries.
func personKey(e *model.Executive, canonicalCompanyID string) (model.MatchRule, string) {
	if email := normalize.Email(e.Email); email != "" {
		return model.MatchRuleEmail, email
	}
	if profile := normalize.LinkedIn(e.LinkedInURL); profile != "" {
		return model.MatchRuleLinkedIn, profile
	}
	name := e.NameNormalized
	if name == "" {
		name = normalize.PersonName(e.FullName)
	}
	return model.MatchRuleNameCompany, name + "|" + canonicalCompanyID
}

func (s *Service) resolveIdentity(ctx context.Context, tenantID, runID string, g *identity, summary *Summary) error {
	person, created, err := s.matchPerson(ctx, tenantID, g)
	if err != nil {
		return err
	}
	if person == nil {
		// Ambiguous name+company match.
		summary.ConflictsSkipped++
		return nil
	}
	if created {
		summary.CanonicalPeopleCreated++
	} else {
		summary.CanonicalPeopleMatched++
	}

	docIDs := uniqueSorted(g.docIDs)
	evidenceDoc := docIDs[0]
	if len(docIDs) > 1 {
		summary.WarningsMultiEvidence++
		summary.MultiEvidenceDeterministicChoice++
	}

	sort.Slice(g.execs, func(a, b int) bool { return g.execs[a].ID < g.execs[b].ID })
	memberIDs := make([]string, len(g.execs))
	for i, e := range g.execs {
		memberIDs[i] = e.ID
	}
	hash := resolutionHash("person", person.ID, string(g.rule)+"="+g.key, memberIDs)

	for _, e := range g.execs {
		link := &model.PersonLink{
			CanonicalPersonID: person.ID,
			ExecutiveID:       e.ID,
			RunID:             runID,
			TenantID:          tenantID,
			MatchRule:         g.rule,
			SourceDocumentID:  evidenceDoc,
			ResolutionHash:    hash,
		}
		linkCreated, err := s.store.LinkExecutive(ctx, link)
		if err != nil {
			return err
		}
		if linkCreated {
			summary.PersonLinksCreated++
		} else {
			summary.PersonLinksExisting++
		}
		if e.CanonicalPersonID != person.ID {
			if err := s.store.SetExecutiveCanonical(ctx, tenantID, e.ID, person.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// matchPerson cascades the person rules from the group's strongest key down.
// A name+company lookup that returns two or more canonicals is ambiguous and
// yields (nil, false, nil); the caller skips the group.
func (s *Service) matchPerson(ctx context.Context, tenantID string, g *identity) (*model.CanonicalPerson, bool, error) {
	first := g.execs[0]
	for _, e := range g.execs {
		if e.ID < first.ID {
			first = e
		}
	}
	email := normalize.Email(first.Email)
	profile := normalize.LinkedIn(first.LinkedInURL)
	name := first.NameNormalized
	if name == "" {
		name = normalize.PersonName(first.FullName)
	}

	if email != "" {
		person, err := s.store.FindPersonByEmail(ctx, tenantID, email)
		if err != nil {
			return nil, false, err
		}
		if person != nil {
			return person, false, nil
		}
	}
	if profile != "" {
		person, err := s.store.FindPersonByLinkedIn(ctx, tenantID, profile)
		if err != nil {
			return nil, false, err
		}
		if person != nil {
			if email != "" {
				if err := s.store.AddPersonEmail(ctx, tenantID, person.ID, email); err != nil {
					return nil, false, err
				}
			}
			return person, false, nil
		}
	}
	if g.companyID != "" {
		people, err := s.store.FindPeopleByNameCompany(ctx, tenantID, name, g.companyID)
		if err != nil {
			return nil, false, err
		}
		if len(people) >= 2 {
			return nil, false, nil
		}
		if len(people) == 1 {
			person := &people[0]
			if email != "" {
				if err := s.store.AddPersonEmail(ctx, tenantID, person.ID, email); err != nil {
					return nil, false, err
				}
			}
			return person, false, nil
		}
	}

	person := &model.CanonicalPerson{
		TenantID:           tenantID,
		FullName:           first.FullName,
		NameNormalized:     name,
		LinkedInNormalized: profile,
		PrimaryCompanyID:   g.companyID,
	}
	var emails []string
	if email != "" {
		emails = append(emails, email)
	}
	if err := s.store.CreateCanonicalPerson(ctx, person, emails); err != nil {
		return nil, false, err
	}
	return person, true, nil
}

// matchKey renders the key values a company rule compared on, for the
// resolution hash.
func matchKey(rule model.MatchRule, p *model.CompanyProspect) string {
	switch rule {
	case model.MatchRuleDomain:
		domain := p.Domain
		if domain == "" {
			domain = normalize.Domain(p.WebsiteURL)
		}
		return "domain=" + domain
	default:
		return "name_country=" + p.NameNormalized + "|" + normalize.Country(p.HQCountry)
	}
}

func resolutionHash(entityType, canonicalID, matchKeys string, members []string) string {
	return normalize.SHA256Hex(entityType + "|" + canonicalID + "|" + matchKeys + "|" + strings.Join(members, ","))
}

func uniqueSorted(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
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
