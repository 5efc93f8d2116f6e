package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/research-pipeline/internal/model"
)

// Canonical companies

const sqlCompanyColumns = `id, tenant_id, name, name_normalized, COALESCE(country, ''), created_at`

func scanPgCompany(row pgx.Row) (*model.CanonicalCompany, error) {
	var c model.CanonicalCompany
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.NameNormalized, &c.Country, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) CreateCanonicalCompany(ctx context.Context, c *model.CanonicalCompany, domains []string) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := nowFunc()
	c.CreatedAt = now

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: create canonical company: begin tx")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO canonical_companies (id, tenant_id, name, name_normalized, country, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)`,
		c.ID, c.TenantID, c.Name, c.NameNormalized, c.Country, now,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: insert canonical company")
	}

	for _, domain := range domains {
		if domain == "" {
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO canonical_company_domains (id, tenant_id, canonical_company_id, domain, created_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (tenant_id, domain) DO NOTHING`,
			uuid.New().String(), c.TenantID, c.ID, domain, now,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert company domain %s", domain)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: create canonical company: commit")
}

func (s *PostgresStore) FindCompanyByDomain(ctx context.Context, tenantID, domain string) (*model.CanonicalCompany, error) {
	if domain == "" {
		return nil, nil
	}
	c, err := scanPgCompany(s.pool.QueryRow(ctx,
		`SELECT c.id, c.tenant_id, c.name, c.name_normalized, COALESCE(c.country, ''), c.created_at
		 FROM canonical_companies c
		 JOIN canonical_company_domains d ON d.canonical_company_id = c.id
		 WHERE d.tenant_id = $1 AND d.domain = $2`,
		tenantID, domain,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find company by domain")
	}
	return c, nil
}

func (s *PostgresStore) FindCompanyByNameCountry(ctx context.Context, tenantID, nameNormalized, country string) (*model.CanonicalCompany, error) {
	c, err := scanPgCompany(s.pool.QueryRow(ctx,
		`SELECT `+sqlCompanyColumns+` FROM canonical_companies
		 WHERE tenant_id = $1 AND name_normalized = $2 AND COALESCE(country, '') = $3
		 ORDER BY created_at ASC, id ASC LIMIT 1`,
		tenantID, nameNormalized, country,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find company by name+country")
	}
	return c, nil
}

func (s *PostgresStore) AddCompanyDomain(ctx context.Context, tenantID, canonicalCompanyID, domain string) error {
	if domain == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO canonical_company_domains (id, tenant_id, canonical_company_id, domain, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant_id, domain) DO NOTHING`,
		uuid.New().String(), tenantID, canonicalCompanyID, domain, nowFunc(),
	)
	return eris.Wrapf(err, "postgres: add company domain %s", domain)
}

// LinkProspect records the prospect→canonical-company link. Returns false
// when the link already exists (idempotent re-resolution).
func (s *PostgresStore) LinkProspect(ctx context.Context, link *model.CompanyLink) (bool, error) {
	if link.SourceDocumentID == "" {
		return false, eris.New("postgres: company link has no source_document_id")
	}
	if link.ID == "" {
		link.ID = uuid.New().String()
	}
	link.CreatedAt = nowFunc()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO canonical_company_links (id, tenant_id, research_run_id, prospect_id,
			canonical_company_id, match_rule, source_document_id, resolution_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (canonical_company_id, prospect_id) DO NOTHING`,
		link.ID, link.TenantID, link.RunID, link.ProspectID, link.CanonicalCompanyID,
		string(link.MatchRule), link.SourceDocumentID, link.ResolutionHash, link.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: link prospect")
	}
	return tag.RowsAffected() > 0, nil
}

// Canonical people

const sqlPersonColumns = `id, tenant_id, full_name, name_normalized, COALESCE(linkedin_normalized, ''),
	COALESCE(primary_company_id, ''), created_at`

func scanPgPerson(row pgx.Row) (*model.CanonicalPerson, error) {
	var p model.CanonicalPerson
	err := row.Scan(&p.ID, &p.TenantID, &p.FullName, &p.NameNormalized, &p.LinkedInNormalized,
		&p.PrimaryCompanyID, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) CreateCanonicalPerson(ctx context.Context, p *model.CanonicalPerson, emails []string) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := nowFunc()
	p.CreatedAt = now

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: create canonical person: begin tx")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO canonical_people (id, tenant_id, full_name, name_normalized, linkedin_normalized,
			primary_company_id, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)`,
		p.ID, p.TenantID, p.FullName, p.NameNormalized, p.LinkedInNormalized, p.PrimaryCompanyID, now,
	)
	if isPgUniqueViolation(err) {
		return eris.Wrapf(ErrConflict, "person with linkedin %s already exists", p.LinkedInNormalized)
	}
	if err != nil {
		return eris.Wrap(err, "postgres: insert canonical person")
	}

	for _, email := range emails {
		if email == "" {
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO canonical_person_emails (id, tenant_id, canonical_person_id, email, created_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (tenant_id, email) DO NOTHING`,
			uuid.New().String(), p.TenantID, p.ID, email, now,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert person email %s", email)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: create canonical person: commit")
}

func (s *PostgresStore) FindPersonByEmail(ctx context.Context, tenantID, emailNormalized string) (*model.CanonicalPerson, error) {
	if emailNormalized == "" {
		return nil, nil
	}
	p, err := scanPgPerson(s.pool.QueryRow(ctx,
		`SELECT p.id, p.tenant_id, p.full_name, p.name_normalized, COALESCE(p.linkedin_normalized, ''),
			COALESCE(p.primary_company_id, ''), p.created_at
		 FROM canonical_people p
		 JOIN canonical_person_emails e ON e.canonical_person_id = p.id
		 WHERE e.tenant_id = $1 AND e.email = $2`,
		tenantID, emailNormalized,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find person by email")
	}
	return p, nil
}

func (s *PostgresStore) FindPersonByLinkedIn(ctx context.Context, tenantID, linkedinNormalized string) (*model.CanonicalPerson, error) {
	if linkedinNormalized == "" {
		return nil, nil
	}
	p, err := scanPgPerson(s.pool.QueryRow(ctx,
		`SELECT `+sqlPersonColumns+` FROM canonical_people
		 WHERE tenant_id = $1 AND linkedin_normalized = $2`,
		tenantID, linkedinNormalized,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find person by linkedin")
	}
	return p, nil
}

// FindPeopleByNameCompany returns every canonical person matching the
// name+company rule. More than one match means the identity is ambiguous and
// the caller must skip it.
func (s *PostgresStore) FindPeopleByNameCompany(ctx context.Context, tenantID, nameNormalized, canonicalCompanyID string) ([]model.CanonicalPerson, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sqlPersonColumns+` FROM canonical_people
		 WHERE tenant_id = $1 AND name_normalized = $2 AND primary_company_id = $3
		 ORDER BY created_at ASC, id ASC`,
		tenantID, nameNormalized, canonicalCompanyID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find people by name+company")
	}
	defer rows.Close()

	var out []model.CanonicalPerson
	for rows.Next() {
		p, err := scanPgPerson(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan person")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: find people iterate")
}

func (s *PostgresStore) AddPersonEmail(ctx context.Context, tenantID, canonicalPersonID, emailNormalized string) error {
	if emailNormalized == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO canonical_person_emails (id, tenant_id, canonical_person_id, email, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant_id, email) DO NOTHING`,
		uuid.New().String(), tenantID, canonicalPersonID, emailNormalized, nowFunc(),
	)
	return eris.Wrapf(err, "postgres: add person email %s", emailNormalized)
}

// LinkExecutive records the executive→canonical-person link. Returns false
// when the link already exists.
func (s *PostgresStore) LinkExecutive(ctx context.Context, link *model.PersonLink) (bool, error) {
	if link.SourceDocumentID == "" {
		return false, eris.New("postgres: person link has no source_document_id")
	}
	if link.ID == "" {
		link.ID = uuid.New().String()
	}
	link.CreatedAt = nowFunc()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO canonical_person_links (id, tenant_id, research_run_id, executive_id,
			canonical_person_id, match_rule, source_document_id, resolution_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (canonical_person_id, executive_id) DO NOTHING`,
		link.ID, link.TenantID, link.RunID, link.ExecutiveID, link.CanonicalPersonID,
		string(link.MatchRule), link.SourceDocumentID, link.ResolutionHash, link.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: link executive")
	}
	return tag.RowsAffected() > 0, nil
}

// Enrichment assignments

// RecordAssignments upserts facts keyed on content_hash. A fact whose hash is
// already stored leaves the row untouched, so re-deriving the same facts from
// the same sources writes nothing. Returns the number of new rows.
func (s *PostgresStore) RecordAssignments(ctx context.Context, facts []model.EnrichmentAssignment) (int64, error) {
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
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO enrichment_assignments (id, tenant_id, research_run_id, target_entity_type,
				target_canonical_id, field_key, value, value_normalized, confidence, derived_by,
				source_document_id, input_scope_hash, content_hash, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11, NULLIF($12, ''), $13, $14, $14)
			 ON CONFLICT (content_hash) DO NOTHING`,
			f.ID, f.TenantID, f.RunID, string(f.TargetEntityType), f.TargetCanonicalID, f.FieldKey,
			f.Value, f.ValueNormalized, f.Confidence, f.DerivedBy, f.SourceDocumentID,
			f.InputScopeHash, f.ContentHash, now,
		)
		if err != nil {
			return created, eris.Wrapf(err, "postgres: record assignment %s", f.FieldKey)
		}
		created += tag.RowsAffected()
	}
	return created, nil
}

func (s *PostgresStore) ListAssignments(ctx context.Context, tenantID string, target model.TargetEntityType, targetCanonicalID string) ([]model.EnrichmentAssignment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, research_run_id, target_entity_type, target_canonical_id, field_key,
			value, COALESCE(value_normalized, ''), confidence, derived_by, source_document_id,
			COALESCE(input_scope_hash, ''), content_hash, superseded_at, created_at, updated_at
		 FROM enrichment_assignments
		 WHERE tenant_id = $1 AND target_entity_type = $2 AND target_canonical_id = $3
		 ORDER BY field_key ASC, source_document_id ASC, content_hash ASC`,
		tenantID, string(target), targetCanonicalID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list assignments")
	}
	defer rows.Close()

	var out []model.EnrichmentAssignment
	for rows.Next() {
		var a model.EnrichmentAssignment
		if err := rows.Scan(&a.ID, &a.TenantID, &a.RunID, &a.TargetEntityType, &a.TargetCanonicalID,
			&a.FieldKey, &a.Value, &a.ValueNormalized, &a.Confidence, &a.DerivedBy,
			&a.SourceDocumentID, &a.InputScopeHash, &a.ContentHash, &a.SupersededAt,
			&a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan assignment")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list assignments iterate")
}
