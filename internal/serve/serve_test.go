package serve

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/research-pipeline/internal/model"
	"github.com/sells-group/research-pipeline/internal/store"
)

func newTestServer(t *testing.T) (store.Store, *httptest.Server) {
	t.Helper()
	st, err := store.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "serve.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	srv := httptest.NewServer(New(st).Router())
	t.Cleanup(srv.Close)
	return st, srv
}

func seedTestRun(t *testing.T, st store.Store) *model.ResearchRun {
	t.Helper()
	run := &model.ResearchRun{TenantID: "t1", Name: "adriatic suppliers", RequestedBy: "analyst@example.com"}
	require.NoError(t, st.CreateRun(context.Background(), run))
	return run
}

func getJSON(t *testing.T, srv *httptest.Server, path string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealthz(t *testing.T) {
	_, srv := newTestServer(t)

	var body map[string]string
	resp := getJSON(t, srv, "/healthz", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestListRuns_RequiresTenant(t *testing.T) {
	_, srv := newTestServer(t)

	var body map[string]string
	resp := getJSON(t, srv, "/api/runs", &body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "tenant")
}

func TestListRuns_FiltersByStatus(t *testing.T) {
	st, srv := newTestServer(t)
	run := seedTestRun(t, st)

	var body struct {
		Runs []model.ResearchRun `json:"runs"`
	}
	resp := getJSON(t, srv, "/api/runs?tenant=t1&status=queued", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body.Runs, 1)
	assert.Equal(t, run.ID, body.Runs[0].ID)

	body.Runs = nil
	resp = getJSON(t, srv, "/api/runs?tenant=t1&status=failed", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body.Runs)
}

func TestListRuns_RejectsUnknownStatus(t *testing.T) {
	_, srv := newTestServer(t)

	var body map[string]string
	resp := getJSON(t, srv, "/api/runs?tenant=t1&status=bogus", &body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "invalid status")
}

func TestListRuns_RejectsBadLimit(t *testing.T) {
	_, srv := newTestServer(t)

	resp := getJSON(t, srv, "/api/runs?tenant=t1&limit=nope", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetRun_UnknownRunIs404(t *testing.T) {
	_, srv := newTestServer(t)

	var body map[string]string
	resp := getJSON(t, srv, "/api/runs/no-such-run?tenant=t1", &body)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "run not found", body["error"])
}

func TestGetRun_ReturnsRunAndSteps(t *testing.T) {
	st, srv := newTestServer(t)
	ctx := context.Background()
	run := seedTestRun(t, st)

	job := &model.ResearchJob{RunID: run.ID, TenantID: run.TenantID, MaxAttempts: model.DefaultJobMaxAttempts}
	require.NoError(t, st.EnqueueJob(ctx, job))
	_, _, err := st.EnsurePlan(ctx, run.TenantID, run.ID, job.ID, model.DefaultStepMaxAttempts)
	require.NoError(t, err)

	var body struct {
		Run   model.ResearchRun `json:"run"`
		Steps []model.PlanStep  `json:"steps"`
	}
	resp := getJSON(t, srv, "/api/runs/"+run.ID+"?tenant=t1", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, run.Name, body.Run.Name)
	assert.Len(t, body.Steps, len(model.StepKeys()))
}

func TestProspects_ReturnsRankedPayload(t *testing.T) {
	st, srv := newTestServer(t)
	ctx := context.Background()
	run := seedTestRun(t, st)

	require.NoError(t, st.AttachSource(ctx, &model.SourceDocument{
		ID:         "doc-1",
		RunID:      run.ID,
		TenantID:   run.TenantID,
		SourceType: model.SourceTypeURL,
		Status:     model.SourceStatusProcessed,
	}))
	require.NoError(t, st.CreateProspect(ctx, &model.CompanyProspect{
		RunID:          run.ID,
		TenantID:       run.TenantID,
		Name:           "Borealis Marine",
		NameNormalized: "borealis marine",
		DiscoveredBy:   "source_extraction",
		RelevanceScore: 0.5,
		EvidenceScore:  0.5,
	}, []model.SignalEvidence{{
		FieldKey:         model.EvidenceCompanyMention,
		Value:            "Borealis Marine",
		Confidence:       0.5,
		Weight:           0.5,
		SourceDocumentID: "doc-1",
	}}))

	var body struct {
		RunID     string           `json:"run_id"`
		Count     int              `json:"count"`
		Prospects []map[string]any `json:"prospects"`
	}
	resp := getJSON(t, srv, "/api/runs/"+run.ID+"/prospects?tenant=t1", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, run.ID, body.RunID)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "Borealis Marine", body.Prospects[0]["name"])
	assert.EqualValues(t, 1, body.Prospects[0]["rank"])
}

func TestEvents_FiltersByType(t *testing.T) {
	st, srv := newTestServer(t)
	ctx := context.Background()
	run := seedTestRun(t, st)

	for _, typ := range []string{model.EventWorkerClaimed, model.EventWorkerCompleted} {
		require.NoError(t, st.AppendEvent(ctx, &model.ResearchEvent{
			RunID:     run.ID,
			TenantID:  run.TenantID,
			EventType: typ,
		}))
	}

	var body struct {
		Events []model.ResearchEvent `json:"events"`
	}
	resp := getJSON(t, srv, "/api/runs/"+run.ID+"/events?tenant=t1&type="+model.EventWorkerClaimed, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body.Events, 1)
	assert.Equal(t, model.EventWorkerClaimed, body.Events[0].EventType)

	body.Events = nil
	getJSON(t, srv, "/api/runs/"+run.ID+"/events?tenant=t1", &body)
	assert.Len(t, body.Events, 2)
}

func TestExportCSV_ServesRankedRows(t *testing.T) {
	st, srv := newTestServer(t)
	ctx := context.Background()
	run := seedTestRun(t, st)

	require.NoError(t, st.AttachSource(ctx, &model.SourceDocument{
		ID:         "doc-1",
		RunID:      run.ID,
		TenantID:   run.TenantID,
		SourceType: model.SourceTypeURL,
		Status:     model.SourceStatusProcessed,
	}))
	require.NoError(t, st.CreateProspect(ctx, &model.CompanyProspect{
		RunID:          run.ID,
		TenantID:       run.TenantID,
		Name:           "Harbor Freight Partners",
		NameNormalized: "harbor freight partners",
		DiscoveredBy:   "list_import",
		RelevanceScore: 0.5,
		EvidenceScore:  1,
	}, []model.SignalEvidence{{
		FieldKey:         model.EvidenceListMention,
		Value:            "Harbor Freight Partners",
		Confidence:       1,
		Weight:           1,
		SourceDocumentID: "doc-1",
	}}))

	resp, err := http.Get(srv.URL + "/api/runs/" + run.ID + "/export.csv?tenant=t1")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Harbor Freight Partners")
}

func TestJobs_ReturnsJobAndStepStatus(t *testing.T) {
	st, srv := newTestServer(t)
	ctx := context.Background()
	run := seedTestRun(t, st)

	job := &model.ResearchJob{RunID: run.ID, TenantID: run.TenantID, MaxAttempts: model.DefaultJobMaxAttempts}
	require.NoError(t, st.EnqueueJob(ctx, job))
	_, _, err := st.EnsurePlan(ctx, run.TenantID, run.ID, job.ID, model.DefaultStepMaxAttempts)
	require.NoError(t, err)

	var body struct {
		Jobs  []model.ResearchJob `json:"jobs"`
		Steps []model.PlanStep    `json:"steps"`
	}
	resp := getJSON(t, srv, "/api/runs/"+run.ID+"/jobs?tenant=t1", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body.Jobs, 1)
	assert.Equal(t, job.ID, body.Jobs[0].ID)
	assert.Len(t, body.Steps, len(model.StepKeys()))
}
