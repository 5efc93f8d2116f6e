package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/research-pipeline/internal/model"
)

func (p *Pipeline) stepFetch(ctx context.Context, job *model.ResearchJob, _ *model.PlanStep) (json.RawMessage, error) {
	stats, err := p.fetcher.FetchPending(ctx, job.TenantID, job.RunID)
	if err != nil {
		return nil, err
	}
	if stats.PendingRetry > 0 {
		return nil, eris.Errorf("sources_pending_retry: %d", stats.PendingRetry)
	}
	return mustJSON(stats), nil
}

func (p *Pipeline) stepExtract(ctx context.Context, job *model.ResearchJob, _ *model.PlanStep) (json.RawMessage, error) {
	stats, err := p.grader.ExtractSources(ctx, job.TenantID, job.RunID)
	if err != nil {
		return nil, err
	}
	return mustJSON(stats), nil
}

func (p *Pipeline) stepClassify(ctx context.Context, job *model.ResearchJob, _ *model.PlanStep) (json.RawMessage, error) {
	stats, err := p.grader.DedupTemplates(ctx, job.TenantID, job.RunID)
	if err != nil {
		return nil, err
	}
	return mustJSON(stats), nil
}

// finalizeStats is the output payload of a successful finalize step.
type finalizeStats struct {
	Resolution json.RawMessage `json:"resolution"`
	Enrichment json.RawMessage `json:"enrichment"`
}

// stepFinalize is the plan barrier. It refuses to run until every other
// step is settled, then performs entity resolution and enrichment.
func (p *Pipeline) stepFinalize(ctx context.Context, job *model.ResearchJob, step *model.PlanStep) (json.RawMessage, error) {
	steps, err := p.store.ListSteps(ctx, job.TenantID, job.RunID)
	if err != nil {
		return nil, err
	}

	var blocked, dead []string
	for _, s := range steps {
		if s.ID == step.ID {
			continue
		}
		if s.Status.Terminal() {
			continue
		}
		if stepExhausted(&s) {
			dead = append(dead, string(s.StepKey))
			continue
		}
		blocked = append(blocked, string(s.StepKey))
	}
	if len(dead) > 0 {
		return nil, terminal(eris.Errorf("blocked_on: %s", strings.Join(dead, ",")))
	}
	if len(blocked) > 0 {
		return nil, eris.Errorf("blocked_on: %s", strings.Join(blocked, ","))
	}

	summary, err := p.resolver.ResolveRun(ctx, job.TenantID, job.RunID)
	if err != nil {
		return nil, err
	}
	enriched, err := p.enricher.EnrichRun(ctx, job.TenantID, job.RunID)
	if err != nil {
		return nil, err
	}

	out := mustJSON(finalizeStats{
		Resolution: mustJSON(summary),
		Enrichment: mustJSON(enriched),
	})
	if err := p.store.AppendEvent(ctx, &model.ResearchEvent{
		RunID:       job.RunID,
		TenantID:    job.TenantID,
		EventType:   model.EventRunFinalized,
		Status:      "ok",
		SubjectType: "research_run",
		SubjectID:   job.RunID,
		Output:      out,
	}); err != nil {
		return nil, err
	}
	return out, nil
}
