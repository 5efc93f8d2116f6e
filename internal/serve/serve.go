// Package serve exposes the read-only HTTP API over the research store:
// run status, ranked prospects, the event log and CSV export. There is no
// authentication; callers identify the tenant with a ?tenant= query param.
package serve

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/research-pipeline/internal/model"
	"github.com/sells-group/research-pipeline/internal/rank"
	"github.com/sells-group/research-pipeline/internal/store"
)

// Server serves the read-only research API.
type Server struct {
	store  store.Store
	ranker *rank.Service
}

// New builds a Server over the given store.
func New(st store.Store) *Server {
	return &Server{store: st, ranker: rank.NewService(st)}
}

// Router builds the chi router with all API routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Route("/api", func(r chi.Router) {
		r.Get("/runs", s.handleListRuns)
		r.Route("/runs/{runID}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Get("/prospects", s.handleProspects)
			r.Get("/events", s.handleEvents)
			r.Get("/export.csv", s.handleExportCSV)
			r.Get("/jobs", s.handleJobs)
		})
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantParam(w, r)
	if !ok {
		return
	}
	filter := store.RunFilter{}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := model.RunStatus(raw)
		if !validRunStatus(status) {
			writeError(w, http.StatusBadRequest, "invalid status "+strconv.Quote(raw))
			return
		}
		filter.Status = status
	}
	var ok2 bool
	if filter.Limit, ok2 = intParam(w, r, "limit"); !ok2 {
		return
	}
	if filter.Offset, ok2 = intParam(w, r, "offset"); !ok2 {
		return
	}

	runs, err := s.store.ListRuns(r.Context(), tenant, filter)
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}

	steps, err := s.store.ListSteps(r.Context(), run.TenantID, run.ID)
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "steps": steps})
}

func (s *Server) handleProspects(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}

	rows, err := s.ranker.RankRun(r.Context(), run.TenantID, run.ID)
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":    run.ID,
		"count":     len(rows),
		"prospects": rows,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	filter := store.EventFilter{EventType: r.URL.Query().Get("type")}
	var ok2 bool
	if filter.Limit, ok2 = intParam(w, r, "limit"); !ok2 {
		return
	}

	events, err := s.store.ListEvents(r.Context(), run.TenantID, run.ID, filter)
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": run.ID, "events": events})
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}

	rows, err := s.ranker.RankRun(r.Context(), run.TenantID, run.ID)
	if err != nil {
		writeInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="prospects-`+run.ID+`.csv"`)
	if err := rank.WriteCSV(w, rows); err != nil {
		zap.L().Error("serve: csv export failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}

	jobs, err := s.store.ListJobs(r.Context(), run.TenantID, store.JobFilter{RunID: run.ID})
	if err != nil {
		writeInternal(w, err)
		return
	}
	steps, err := s.store.ListSteps(r.Context(), run.TenantID, run.ID)
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": run.ID,
		"jobs":   jobs,
		"steps":  steps,
	})
}

// loadRun resolves the tenant and {runID} route param, writing the error
// response itself when the run cannot be served.
func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (*model.ResearchRun, bool) {
	tenant, ok := tenantParam(w, r)
	if !ok {
		return nil, false
	}
	runID := chi.URLParam(r, "runID")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run id is required")
		return nil, false
	}

	run, err := s.store.GetRun(r.Context(), tenant, runID)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return nil, false
		}
		writeInternal(w, err)
		return nil, false
	}
	return run, true
}

func tenantParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant query param is required")
		return "", false
	}
	return tenant, true
}

func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name+" "+strconv.Quote(raw))
		return 0, false
	}
	return n, true
}

func validRunStatus(s model.RunStatus) bool {
	switch s {
	case model.RunStatusQueued, model.RunStatusRunning, model.RunStatusCancelRequested,
		model.RunStatusCancelled, model.RunStatusSucceeded, model.RunStatusFailed:
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("serve: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeInternal(w http.ResponseWriter, err error) {
	zap.L().Error("serve: request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("serve: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}
