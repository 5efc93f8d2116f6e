package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/research-pipeline/internal/model"
)

// Canonical companies

const sqliteCompanyColumns = `id, tenant_id, name, name_normalized, COALESCE(country, ''), created_at`

func scanLiteCompany(row rowScanner) (*model.CanonicalCompany, error) {
	var c model.CanonicalCompany
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.NameNormalized, &c.Country, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) CreateCanonicalCompany(ctx context.Context, c *model.CanonicalCompany, domains []string) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := nowFunc()
	c.CreatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: create canonical company: begin tx")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO canonical_companies (id, tenant_id, name, name_normalized, country, created_at)
		 VALUES (?, ?, ?, ?, NULLIF(?, ''), ?)`,
		c.ID, c.TenantID, c.Name, c.NameNormalized, c.Country, now,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert canonical company")
	}

	for _, domain := range domains {
		if domain == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO canonical_company_domains (id, tenant_id, canonical_company_id, domain, created_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (tenant_id, domain) DO NOTHING`,
			uuid.New().String(), c.TenantID, c.ID, domain, now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert company domain %s", domain)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: create canonical company: commit")
}

func (s *SQLiteStore) FindCompanyByDomain(ctx context.Context, tenantID, domain string) (*model.CanonicalCompany, error) {
	if domain == "" {
		return nil, nil
	}
	c, err := scanLiteCompany(s.db.QueryRowContext(ctx,
		`SELECT c.id, c.tenant_id, c.name, c.name_normalized, COALESCE(c.country, ''), c.created_at
		 FROM canonical_companies c
		 JOIN canonical_company_domains d ON d.canonical_company_id = c.id
		 WHERE d.tenant_id = ? AND d.domain = ?`,
		tenantID, domain,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find company by domain")
	}
	return c, nil
}

func (s *SQLiteStore) FindCompanyByNameCountry(ctx context.Context, tenantID, nameNormalized, country string) (*model.CanonicalCompany, error) {
	c, err := scanLiteCompany(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteCompanyColumns+` FROM canonical_companies
		 WHERE tenant_id = ? AND name_normalized = ? AND COALESCE(country, '') = ?
		 ORDER BY created_at ASC, id ASC LIMIT 1`,
		tenantID, nameNormalized, country,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find company by name+country")
	}
	return c, nil
}

func (s *SQLiteStore) AddCompanyDomain(ctx context.Context, tenantID, canonicalCompanyID, domain string) error {
	if domain == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO canonical_company_domains (id, tenant_id, canonical_company_id, domain, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, domain) DO NOTHING`,
		uuid.New().String(), tenantID, canonicalCompanyID, domain, nowFunc(),
	)
	return eris.Wrapf(err, "sqlite: add company domain %s", domain)
}

// LinkProspect records the prospect→canonical-company link. Returns false
// when the link already exists (idempotent re-resolution).
func (s *SQLiteStore) LinkProspect(ctx context.Context, link *model.CompanyLink) (bool, error) {
	if link.SourceDocumentID == "" {
		return false, eris.New("sqlite: company link has no source_document_id")
	}
	if link.ID == "" {
		link.ID = uuid.New().String()
	}
	link.CreatedAt = nowFunc()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO canonical_company_links (id, tenant_id, research_run_id, prospect_id,
			canonical_company_id, match_rule, source_document_id, resolution_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (canonical_company_id, prospect_id) DO NOTHING`,
		link.ID, link.TenantID, link.RunID, link.ProspectID, link.CanonicalCompanyID,
		string(link.MatchRule), link.SourceDocumentID, link.ResolutionHash, link.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: link prospect")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Canonical people

const sqlitePersonColumns = `id, tenant_id, full_name, name_normalized, COALESCE(linkedin_normalized, ''),
	COALESCE(primary_company_id, ''), created_at`

func scanLitePerson(row rowScanner) (*model.CanonicalPerson, error) {
	var p model.CanonicalPerson
	err := row.Scan(&p.ID, &p.TenantID, &p.FullName, &p.NameNormalized, &p.LinkedInNormalized,
		&p.PrimaryCompanyID, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) CreateCanonicalPerson(ctx context.Context, p *model.CanonicalPerson, emails []string) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := nowFunc()
	p.CreatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: create canonical person: begin tx")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO canonical_people (id, tenant_id, full_name, name_normalized, linkedin_normalized,
			primary_company_id, created_at)
		 VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?)`,
		p.ID, p.TenantID, p.FullName, p.NameNormalized, p.LinkedInNormalized, p.PrimaryCompanyID, now,
	)
	if isSqliteUniqueViolation(err) {
		return eris.Wrapf(ErrConflict, "person with linkedin %s already exists", p.LinkedInNormalized)
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: insert canonical person")
	}

	for _, email := range emails {
		if email == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO canonical_person_emails (id, tenant_id, canonical_person_id, email, created_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (tenant_id, email) DO NOTHING`,
			uuid.New().String(), p.TenantID, p.ID, email, now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert person email %s", email)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: create canonical person: commit")
}

func (s *SQLiteStore) FindPersonByEmail(ctx context.Context, tenantID, emailNormalized string) (*model.CanonicalPerson, error) {
	if emailNormalized == "" {
		return nil, nil
	}
	p, err := scanLitePerson(s.db.QueryRowContext(ctx,
		`SELECT p.id, p.tenant_id, p.full_name, p.name_normalized, COALESCE(p.linkedin_normalized, ''),
			COALESCE(p.primary_company_id, ''), p.created_at
		 FROM canonical_people p
		 JOIN canonical_person_emails e ON e.canonical_person_id = p.id
		 WHERE e.tenant_id = ? AND e.email = ?`,
		tenantID, emailNormalized,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find person by email")
	}
	return p, nil
}

func (s *SQLiteStore) FindPersonByLinkedIn(ctx context.Context, tenantID, linkedinNormalized string) (*model.CanonicalPerson, error) {
	if linkedinNormalized == "" {
		return nil, nil
	}
	p, err := scanLitePerson(s.db.QueryRowContext(ctx,
		`SELECT `+sqlitePersonColumns+` FROM canonical_people
		 WHERE tenant_id = ? AND linkedin_normalized = ?`,
		tenantID, linkedinNormalized,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find person by linkedin")
	}
	return p, nil
}

// FindPeopleByNameCompany returns every canonical person matching the
// name+company rule. More than one match means the identity is ambiguous and
// the caller must skip it.
func (s *SQLiteStore) FindPeopleByNameCompany(ctx context.Context, tenantID, nameNormalized, canonicalCompanyID string) ([]model.CanonicalPerson, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqlitePersonColumns+` FROM canonical_people
		 WHERE tenant_id = ? AND name_normalized = ? AND primary_company_id = ?
		 ORDER BY created_at ASC, id ASC`,
		tenantID, nameNormalized, canonicalCompanyID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find people by name+company")
	}
	defer rows.Close()

	var out []model.CanonicalPerson
	for rows.Next() {
		p, err := scanLitePerson(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan person")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: find people iterate")
}

func (s *SQLiteStore) AddPersonEmail(ctx context.Context, tenantID, canonicalPersonID, emailNormalized string) error {
	if emailNormalized == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO canonical_person_emails (id, tenant_id, canonical_person_id, email, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, email) DO NOTHING`,
		uuid.New().String(), tenantID, canonicalPersonID, emailNormalized, nowFunc(),
	)
	return eris.Wrapf(err, "sqlite: add person email %s", emailNormalized)
}

// LinkExecutive records the executive→canonical-person link. Returns false
// when the link already exists.
func (s *SQLiteStore) LinkExecutive(ctx context.Context, link *model.PersonLink) (bool, error) {
	if link.SourceDocumentID == "" {
		return false, eris.New("sqlite: person link has no source_document_id")
	}
	if link.ID == "" {
		link.ID = uuid.New().String()
	}
	link.CreatedAt = nowFunc()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO canonical_person_links (id, tenant_id, research_run_id, executive_id,
			canonical_person_id, match_rule, source_document_id, resolution_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (canonical_person_id, executive_id) DO NOTHING`,
		link.ID, link.TenantID, link.RunID, link.ExecutiveID, link.CanonicalPersonID,
		string(link.MatchRule), link.SourceDocumentID, link.ResolutionHash, link.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: link executive")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Enrichment assignments

// RecordAssignments upserts facts keyed on content_hash. A fact whose hash is
// already stored leaves the row untouched, so re-deriving the same facts from
// the same sources writes nothing. Returns the number of new rows.
func (s *SQLiteStore) RecordAssignments(ctx context.Context, facts []model.EnrichmentAssignment) (int64, error) {
	if len(facts) == 0 {
		return 0, nil
	}
	if err := validateAssignments(facts); err != nil {
		return 0, err
	}

	now := nowFunc()
	var created int64
	for i := range facts {
		f := &facts[i]
		if f.ID == "" {
			f.ID = uuid.New().String()
		}
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO enrichment_assignments (id, tenant_id, research_run_id, target_entity_type,
				target_canonical_id, field_key, value, value_normalized, confidence, derived_by,
				source_document_id, input_scope_hash, content_hash, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, NULLIF(?, ''), ?, ?, ?)
			 ON CONFLICT (content_hash) DO NOTHING`,
			f.ID, f.TenantID, f.RunID, string(f.TargetEntityType), f.TargetCanonicalID, f.FieldKey,
			f.Value, f.ValueNormalized, f.Confidence, f.DerivedBy, f.SourceDocumentID,
			f.InputScopeHash, f.ContentHash, now, now,
		)
		if err != nil {
			return created, eris.Wrapf(err, "sqlite: record assignment %s", f.FieldKey)
		}
		n, _ := res.RowsAffected()
		created += n
	}
	return created, nil
}

func (s *SQLiteStore) ListAssignments(ctx context.Context, tenantID string, target model.TargetEntityType, targetCanonicalID string) ([]model.EnrichmentAssignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, research_run_id, target_entity_type, target_canonical_id, field_key,
			value, COALESCE(value_normalized, ''), confidence, derived_by, source_document_id,
			COALESCE(input_scope_hash, ''), content_hash, superseded_at, created_at, updated_at
		 FROM enrichment_assignments
		 WHERE tenant_id = ? AND target_entity_type = ? AND target_canonical_id = ?
		 ORDER BY field_key ASC, source_document_id ASC, content_hash ASC`,
		tenantID, string(target), targetCanonicalID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list assignments")
	}
	defer rows.Close()

	var out []model.EnrichmentAssignment
	for rows.Next() {
		var a model.EnrichmentAssignment
		var supersededAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.TenantID, &a.RunID, &a.TargetEntityType, &a.TargetCanonicalID,
			&a.FieldKey, &a.Value, &a.ValueNormalized, &a.Confidence, &a.DerivedBy,
			&a.SourceDocumentID, &a.InputScopeHash, &a.ContentHash, &supersededAt,
			&a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan assignment")
		}
		a.SupersededAt = fromNullTime(supersededAt)
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list assignments iterate")
}
