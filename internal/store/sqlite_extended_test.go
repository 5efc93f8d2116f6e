package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/research-pipeline/internal/model"
)

// TestNewSQLite_InvalidDSN verifies that NewSQLite returns an error for
// a path inside a nonexistent directory.
func TestNewSQLite_InvalidDSN(t *testing.T) {
	_, err := NewSQLite("/nonexistent-parent-dir/sub/test.db")
	require.Error(t, err)
}

func seedSource(t *testing.T, st *SQLiteStore, runID string) *model.SourceDocument {
	t.Helper()
	src := &model.SourceDocument{
		TenantID:   "t1",
		RunID:      runID,
		SourceType: model.SourceTypeText,
		ContentText: "Acme Industrial AB, headquartered in Sweden, is a privately held" +
			" manufacturer of precision machining equipment.",
	}
	require.NoError(t, st.AttachSource(context.Background(), src))
	return src
}

// --- Prospects and evidence ---

func TestSQLite_CreateProspect_RequiresEvidence(t *testing.T) {
	st := newTestSQLiteStore(t)
	run := seedRun(t, st)

	p := &model.CompanyProspect{
		TenantID:       "t1",
		RunID:          run.ID,
		Name:           "Acme Industrial AB",
		NameNormalized: "acme industrial",
	}
	err := st.CreateProspect(context.Background(), p, nil)
	require.Error(t, err)
}

func TestSQLite_CreateProspect_DuplicateName(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, st)
	src := seedSource(t, st, run.ID)

	ev := []model.SignalEvidence{{
		FieldKey:         model.EvidenceCompanyMention,
		Value:            "Acme Industrial AB",
		Confidence:       0.9,
		Weight:           0.5,
		SourceDocumentID: src.ID,
	}}

	p := &model.CompanyProspect{TenantID: "t1", RunID: run.ID, Name: "Acme Industrial AB", NameNormalized: "acme industrial"}
	require.NoError(t, st.CreateProspect(ctx, p, ev))

	dup := &model.CompanyProspect{TenantID: "t1", RunID: run.ID, Name: "ACME Industrial AB", NameNormalized: "acme industrial"}
	err := st.CreateProspect(ctx, dup, ev)
	require.ErrorIs(t, err, ErrConflict)

	found, err := st.FindProspectByName(ctx, "t1", run.ID, "acme industrial")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, p.ID, found.ID)
}

func TestSQLite_ProspectReviewAndPin(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, st)
	src := seedSource(t, st, run.ID)

	p := &model.CompanyProspect{TenantID: "t1", RunID: run.ID, Name: "Acme", NameNormalized: "acme"}
	ev := []model.SignalEvidence{{FieldKey: model.EvidenceListMention, Value: "Acme", Confidence: 0.8, Weight: 0.4, SourceDocumentID: src.ID}}
	require.NoError(t, st.CreateProspect(ctx, p, ev))
	assert.Equal(t, model.ReviewStatusNew, p.ReviewStatus)

	require.NoError(t, st.SetProspectReview(ctx, "t1", p.ID, model.ReviewStatusShortlisted))
	require.NoError(t, st.SetProspectPin(ctx, "t1", p.ID, true, 0.5))

	got, err := st.GetProspect(ctx, "t1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewStatusShortlisted, got.ReviewStatus)
	assert.True(t, got.IsPinned)
	assert.Equal(t, 0.5, got.ManualPriority)

	shortlisted, err := st.ListProspects(ctx, "t1", run.ID, ProspectFilter{ReviewStatus: model.ReviewStatusShortlisted})
	require.NoError(t, err)
	require.Len(t, shortlisted, 1)
}

func TestSQLite_InsertEvidence_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, st)
	src := seedSource(t, st, run.ID)

	p := &model.CompanyProspect{TenantID: "t1", RunID: run.ID, Name: "Acme", NameNormalized: "acme"}
	seedEv := []model.SignalEvidence{{FieldKey: model.EvidenceCompanyMention, Value: "Acme", Confidence: 0.9, Weight: 0.5, SourceDocumentID: src.ID}}
	require.NoError(t, st.CreateProspect(ctx, p, seedEv))

	// Same (prospect, field, source) tuple inserts nothing.
	n, err := st.InsertEvidence(ctx, []model.SignalEvidence{{
		TenantID: "t1", RunID: run.ID, ProspectID: p.ID,
		FieldKey: model.EvidenceCompanyMention, Value: "Acme",
		Confidence: 0.9, Weight: 0.5, SourceDocumentID: src.ID,
	}})
	require.NoError(t, err)
	assert.Zero(t, n)

	other := seedSource(t, st, run.ID)
	n, err = st.InsertEvidence(ctx, []model.SignalEvidence{{
		TenantID: "t1", RunID: run.ID, ProspectID: p.ID,
		FieldKey: model.EvidenceCompanyMention, Value: "Acme",
		Confidence: 0.9, Weight: 0.5, SourceDocumentID: other.ID,
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := st.ListEvidenceForRun(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSQLite_InsertEvidence_RejectsMissingSource(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.InsertEvidence(context.Background(), []model.SignalEvidence{{
		TenantID: "t1", RunID: "r1", ProspectID: "p1",
		FieldKey: model.EvidenceCompanyMention, Value: "Acme",
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source_document_id")
}

// --- Executives ---

func TestSQLite_Executives(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, st)
	src := seedSource(t, st, run.ID)

	p := &model.CompanyProspect{TenantID: "t1", RunID: run.ID, Name: "Acme", NameNormalized: "acme"}
	ev := []model.SignalEvidence{{FieldKey: model.EvidenceCompanyMention, Value: "Acme", Confidence: 0.9, Weight: 0.5, SourceDocumentID: src.ID}}
	require.NoError(t, st.CreateProspect(ctx, p, ev))

	exec := &model.Executive{
		TenantID:         "t1",
		RunID:            run.ID,
		ProspectID:       p.ID,
		FullName:         "Jane Andersson",
		NameNormalized:   "jane andersson",
		Title:            "CEO",
		Email:            "jane@acme.example",
		SourceDocumentID: src.ID,
	}
	require.NoError(t, st.CreateExecutive(ctx, exec))

	execs, err := st.ListExecutives(ctx, "t1", run.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "Jane Andersson", execs[0].FullName)
	assert.Empty(t, execs[0].CanonicalPersonID)

	require.NoError(t, st.SetExecutiveCanonical(ctx, "t1", exec.ID, "person-1"))
	execs, err = st.ListExecutives(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, "person-1", execs[0].CanonicalPersonID)
}

// --- Events ---

func TestSQLite_Events(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, st)

	require.NoError(t, st.AppendEvent(ctx, &model.ResearchEvent{
		TenantID: "t1", RunID: run.ID,
		EventType: model.EventFetchSucceeded, Status: "succeeded",
		SubjectType: "source_document", SubjectID: "src-1",
	}))
	require.NoError(t, st.AppendEvent(ctx, &model.ResearchEvent{
		TenantID: "t1", RunID: run.ID,
		EventType: model.EventWorkerCompleted, Status: "succeeded",
		SubjectType: "job", SubjectID: "job-1",
	}))

	all, err := st.ListEvents(ctx, "t1", run.ID, EventFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	fetched, err := st.ListEvents(ctx, "t1", run.ID, EventFilter{EventType: model.EventFetchSucceeded})
	require.NoError(t, err)
	require.Len(t, fetched, 1)
	assert.Equal(t, "src-1", fetched[0].SubjectID)
}

// --- Canonical companies ---

func TestSQLite_CanonicalCompany_FindByDomainAndNameCountry(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	c := &model.CanonicalCompany{TenantID: "t1", Name: "Acme Industrial AB", NameNormalized: "acme industrial", Country: "SE"}
	require.NoError(t, st.CreateCanonicalCompany(ctx, c, []string{"acme.example", ""}))

	byDomain, err := st.FindCompanyByDomain(ctx, "t1", "acme.example")
	require.NoError(t, err)
	require.NotNil(t, byDomain)
	assert.Equal(t, c.ID, byDomain.ID)

	byName, err := st.FindCompanyByNameCountry(ctx, "t1", "acme industrial", "SE")
	require.NoError(t, err)
	require.NotNil(t, byName)
	assert.Equal(t, c.ID, byName.ID)

	miss, err := st.FindCompanyByNameCountry(ctx, "t1", "acme industrial", "NO")
	require.NoError(t, err)
	assert.Nil(t, miss)

	require.NoError(t, st.AddCompanyDomain(ctx, "t1", c.ID, "acme-group.example"))
	// Re-adding is a no-op.
	require.NoError(t, st.AddCompanyDomain(ctx, "t1", c.ID, "acme-group.example"))

	byDomain, err = st.FindCompanyByDomain(ctx, "t1", "acme-group.example")
	require.NoError(t, err)
	require.NotNil(t, byDomain)
}

func TestSQLite_LinkProspect_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, st)
	src := seedSource(t, st, run.ID)

	c := &model.CanonicalCompany{TenantID: "t1", Name: "Acme", NameNormalized: "acme"}
	require.NoError(t, st.CreateCanonicalCompany(ctx, c, nil))

	link := &model.CompanyLink{
		TenantID:           "t1",
		RunID:              run.ID,
		ProspectID:         "prospect-1",
		CanonicalCompanyID: c.ID,
		MatchRule:          model.MatchRuleDomain,
		SourceDocumentID:   src.ID,
		ResolutionHash:     "res-hash-1",
	}
	created, err := st.LinkProspect(ctx, link)
	require.NoError(t, err)
	assert.True(t, created)

	again := &model.CompanyLink{
		TenantID:           "t1",
		RunID:              run.ID,
		ProspectID:         "prospect-1",
		CanonicalCompanyID: c.ID,
		MatchRule:          model.MatchRuleDomain,
		SourceDocumentID:   src.ID,
		ResolutionHash:     "res-hash-1b",
	}
	created, err = st.LinkProspect(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestSQLite_LinkProspect_RequiresSource(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.LinkProspect(context.Background(), &model.CompanyLink{
		TenantID: "t1", RunID: "r1", ProspectID: "p1", CanonicalCompanyID: "c1",
		MatchRule: model.MatchRuleDomain, ResolutionHash: "h1",
	})
	require.Error(t, err)
}

// --- Canonical people ---

func TestSQLite_CanonicalPerson_Lookups(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p := &model.CanonicalPerson{
		TenantID:           "t1",
		FullName:           "Jane Andersson",
		NameNormalized:     "jane andersson",
		LinkedInNormalized: "linkedin.com/in/janeandersson",
		PrimaryCompanyID:   "company-1",
	}
	require.NoError(t, st.CreateCanonicalPerson(ctx, p, []string{"jane@acme.example"}))

	byEmail, err := st.FindPersonByEmail(ctx, "t1", "jane@acme.example")
	require.NoError(t, err)
	require.NotNil(t, byEmail)
	assert.Equal(t, p.ID, byEmail.ID)

	byLinkedIn, err := st.FindPersonByLinkedIn(ctx, "t1", "linkedin.com/in/janeandersson")
	require.NoError(t, err)
	require.NotNil(t, byLinkedIn)
	assert.Equal(t, p.ID, byLinkedIn.ID)

	// Duplicate LinkedIn is a conflict.
	dup := &model.CanonicalPerson{
		TenantID:           "t1",
		FullName:           "Jane A.",
		NameNormalized:     "jane a",
		LinkedInNormalized: "linkedin.com/in/janeandersson",
	}
	err = st.CreateCanonicalPerson(ctx, dup, nil)
	require.ErrorIs(t, err, ErrConflict)
}

func TestSQLite_FindPeopleByNameCompany_Ambiguity(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a := &model.CanonicalPerson{TenantID: "t1", FullName: "John Smith", NameNormalized: "john smith", PrimaryCompanyID: "company-1"}
	require.NoError(t, st.CreateCanonicalPerson(ctx, a, nil))
	b := &model.CanonicalPerson{TenantID: "t1", FullName: "John Smith", NameNormalized: "john smith", PrimaryCompanyID: "company-1"}
	require.NoError(t, st.CreateCanonicalPerson(ctx, b, nil))

	matches, err := st.FindPeopleByNameCompany(ctx, "t1", "john smith", "company-1")
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	none, err := st.FindPeopleByNameCompany(ctx, "t1", "john smith", "company-2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLite_LinkExecutive_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, st)
	src := seedSource(t, st, run.ID)

	p := &model.CanonicalPerson{TenantID: "t1", FullName: "Jane", NameNormalized: "jane"}
	require.NoError(t, st.CreateCanonicalPerson(ctx, p, nil))

	link := &model.PersonLink{
		TenantID:          "t1",
		RunID:             run.ID,
		ExecutiveID:       "exec-1",
		CanonicalPersonID: p.ID,
		MatchRule:         model.MatchRuleEmail,
		SourceDocumentID:  src.ID,
		ResolutionHash:    "person-res-1",
	}
	created, err := st.LinkExecutive(ctx, link)
	require.NoError(t, err)
	assert.True(t, created)

	link.ID = ""
	link.ResolutionHash = "person-res-1b"
	created, err = st.LinkExecutive(ctx, link)
	require.NoError(t, err)
	assert.False(t, created)
}

// --- Enrichment assignments ---

func TestSQLite_RecordAssignments_IdempotentOnContentHash(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, st)
	src := seedSource(t, st, run.ID)

	facts := []model.EnrichmentAssignment{
		{
			TenantID: "t1", RunID: run.ID,
			TargetEntityType: model.TargetCompany, TargetCanonicalID: "company-1",
			FieldKey: model.FieldHQCountry, Value: "Sweden", ValueNormalized: "SE",
			Confidence: 0.9, DerivedBy: "deterministic_rules_v1",
			SourceDocumentID: src.ID, InputScopeHash: "scope-1", ContentHash: "hash-1",
		},
		{
			TenantID: "t1", RunID: run.ID,
			TargetEntityType: model.TargetCompany, TargetCanonicalID: "company-1",
			FieldKey: model.FieldOwnershipSignal, Value: model.OwnershipPrivateCompany,
			Confidence: 0.8, DerivedBy: "deterministic_rules_v1",
			SourceDocumentID: src.ID, InputScopeHash: "scope-1", ContentHash: "hash-2",
		},
	}

	created, err := st.RecordAssignments(ctx, facts)
	require.NoError(t, err)
	assert.Equal(t, int64(2), created)

	// Re-deriving the identical facts writes nothing.
	for i := range facts {
		facts[i].ID = ""
	}
	created, err = st.RecordAssignments(ctx, facts)
	require.NoError(t, err)
	assert.Zero(t, created)

	got, err := st.ListAssignments(ctx, "t1", model.TargetCompany, "company-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.FieldHQCountry, got[0].FieldKey)
	assert.Equal(t, model.FieldOwnershipSignal, got[1].FieldKey)
	assert.Equal(t, "SE", got[0].ValueNormalized)
}

func TestSQLite_RecordAssignments_RejectsMissingHash(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.RecordAssignments(context.Background(), []model.EnrichmentAssignment{{
		TenantID: "t1", RunID: "r1",
		TargetEntityType: model.TargetCompany, TargetCanonicalID: "company-1",
		FieldKey: model.FieldHQCountry, Value: "Sweden",
		DerivedBy: "deterministic_rules_v1", SourceDocumentID: "src-1",
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content_hash")
}
