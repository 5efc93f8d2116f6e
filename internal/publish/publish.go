// Package publish pushes a run's ranked prospects to downstream sinks
// (Notion databases, Salesforce accounts). Sinks are idempotent: existing
// records are updated in place, keyed by company name or website.
package publish

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/sells-group/research-pipeline/internal/model"
	"github.com/sells-group/research-pipeline/internal/rank"
	"github.com/sells-group/research-pipeline/internal/resilience"
	"github.com/sells-group/research-pipeline/internal/store"
)

// Stats summarizes one publish pass.
type Stats struct {
	Ranked  int `json:"ranked"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// Sink delivers ranked prospects to one destination.
type Sink interface {
	Name() string
	Publish(ctx context.Context, rows []rank.RankedProspect) (*Stats, error)
}

// sinkPolicies guards a sink's API calls. Retries cover transient transport
// failures within one pass; the breaker stops hammering an API that keeps
// timing out, after which the remaining rows fail fast.
type sinkPolicies struct {
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

// SinkOption overrides a sink's retry or circuit breaker policy.
type SinkOption func(*sinkPolicies)

// WithRetryConfig sets the in-process retry policy for API writes.
func WithRetryConfig(cfg resilience.RetryConfig) SinkOption {
	return func(p *sinkPolicies) { p.retry = cfg }
}

// WithCircuitBreaker sets the circuit breaker guarding API writes.
func WithCircuitBreaker(cfg resilience.CircuitBreakerConfig) SinkOption {
	return func(p *sinkPolicies) {
		cfg.ShouldTrip = resilience.IsTransient
		p.breaker = resilience.NewCircuitBreaker(cfg)
	}
}

func newSinkPolicies(name string, opts ...SinkOption) sinkPolicies {
	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	breakerCfg.ShouldTrip = resilience.IsTransient

	p := sinkPolicies{
		retry:   resilience.DefaultRetryConfig(),
		breaker: resilience.NewCircuitBreaker(breakerCfg),
	}
	for _, opt := range opts {
		opt(&p)
	}
	if p.retry.OnRetry == nil {
		p.retry.OnRetry = resilience.RetryLogger("publish", name)
	}
	return p
}

func (p *sinkPolicies) do(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Do(ctx, p.retry, fn)
	})
}

func doVal[T any](ctx context.Context, p *sinkPolicies, fn func(ctx context.Context) (T, error)) (T, error) {
	return resilience.ExecuteVal(ctx, p.breaker, func(ctx context.Context) (T, error) {
		return resilience.DoVal(ctx, p.retry, fn)
	})
}

// Service ranks a run and hands the rows to a sink.
type Service struct {
	store  store.Store
	ranker *rank.Service
}

// NewService builds a publish Service over the given store.
func NewService(st store.Store) *Service {
	return &Service{store: st, ranker: rank.NewService(st)}
}

// PublishRun ranks the run's prospects, truncates to limit when limit > 0,
// publishes through the sink and appends a prospects_published event.
func (s *Service) PublishRun(ctx context.Context, tenantID, runID string, sink Sink, limit int) (*Stats, error) {
	run, err := s.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}

	rows, err := s.ranker.RankRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	stats, err := sink.Publish(ctx, rows)
	if err != nil {
		return stats, err
	}
	stats.Ranked = len(rows)

	output, merr := json.Marshal(map[string]any{"sink": sink.Name(), "stats": stats})
	if merr != nil {
		output = nil
	}
	if err := s.store.AppendEvent(ctx, &model.ResearchEvent{
		RunID:       run.ID,
		TenantID:    run.TenantID,
		EventType:   model.EventProspectsPublished,
		Status:      "succeeded",
		SubjectType: "research_run",
		SubjectID:   run.ID,
		Output:      output,
	}); err != nil {
		zap.L().Warn("publish: append event failed", zap.String("run_id", run.ID), zap.Error(err))
	}

	zap.L().Info("publish: run published",
		zap.String("run_id", run.ID),
		zap.String("sink", sink.Name()),
		zap.Int("ranked", stats.Ranked),
		zap.Int("created", stats.Created),
		zap.Int("updated", stats.Updated),
		zap.Int("failed", stats.Failed),
	)
	return stats, nil
}
