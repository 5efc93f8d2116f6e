// Package pipeline drives research runs: a worker claims the run's durable
// job, materializes the step plan and dispatches each step to its handler.
// Steps are independently retryable; the job requeues while any step is
// still pending and finishes terminally only when the plan does.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/research-pipeline/internal/acquire"
	"github.com/sells-group/research-pipeline/internal/classify"
	"github.com/sells-group/research-pipeline/internal/enrich"
	"github.com/sells-group/research-pipeline/internal/model"
	"github.com/sells-group/research-pipeline/internal/resilience"
	"github.com/sells-group/research-pipeline/internal/resolve"
	"github.com/sells-group/research-pipeline/internal/store"
)

// StepFunc executes one plan step and returns its output payload.
type StepFunc func(ctx context.Context, job *model.ResearchJob, step *model.PlanStep) (json.RawMessage, error)

// terminalStepError marks a step failure that can never succeed on retry.
// The worker fails the job and the run instead of scheduling a retry.
type terminalStepError struct {
	err error
}

func (e *terminalStepError) Error() string { return e.err.Error() }
func (e *terminalStepError) Unwrap() error { return e.err }

func terminal(err error) error {
	return &terminalStepError{err: err}
}

// Options configures a Pipeline.
type Options struct {
	// WorkerID defaults to "<hostname>:<pid>".
	WorkerID string
	// HTTP configures the source fetcher.
	HTTP acquire.HTTPOptions
	// PDF extracts text from PDF bytes. Defaults to pdftotext.
	PDF acquire.PDFExtractor
	// FTP fetches list files from ftp:// URLs.
	FTP *acquire.FTPFetcher
}

// Pipeline owns the worker loop and the step registry.
type Pipeline struct {
	store    store.Store
	fetcher  *acquire.SourceFetcher
	grader   *classify.Service
	resolver *resolve.Service
	enricher *enrich.Service
	http     *acquire.HTTPFetcher
	ftp      *acquire.FTPFetcher
	workerID string
	steps    map[model.StepKey]StepFunc
}

// New builds a Pipeline and validates that every plan step key has a
// handler. A key without a handler is a programming error caught here, not
// at dispatch time.
func New(st store.Store, opts Options) (*Pipeline, error) {
	workerID := opts.WorkerID
	if workerID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		workerID = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	ftp := opts.FTP
	if ftp == nil {
		ftp = acquire.NewFTPFetcher(opts.HTTP.Timeout)
	}

	httpFetcher := acquire.NewHTTPFetcher(opts.HTTP)
	p := &Pipeline{
		store:    st,
		fetcher:  acquire.NewSourceFetcher(st, httpFetcher, opts.PDF),
		grader:   classify.NewService(st),
		resolver: resolve.NewService(st),
		enricher: enrich.NewService(st),
		http:     httpFetcher,
		ftp:      ftp,
		workerID: workerID,
	}
	p.steps = map[model.StepKey]StepFunc{
		model.StepFetchURLSources:   p.stepFetch,
		model.StepExtractURLSources: p.stepExtract,
		model.StepClassifySources:   p.stepClassify,
		model.StepProcessSources:    p.stepProcess,
		model.StepIngestLists:       p.stepIngestLists,
		model.StepIngestProposal:    p.stepIngestProposal,
		model.StepFinalize:          p.stepFinalize,
	}
	for _, key := range model.StepKeys() {
		if _, ok := p.steps[key]; !ok {
			return nil, eris.Errorf("pipeline: step %s has no handler", key)
		}
	}
	return p, nil
}

// WorkerID returns the identifier this pipeline claims jobs with.
func (p *Pipeline) WorkerID() string { return p.workerID }

// RunOnce claims and processes at most one job. Returns false when nothing
// was claimable.
func (p *Pipeline) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.store.ClaimNextJob(ctx, p.workerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	log := zap.L().With(
		zap.String("worker_id", p.workerID),
		zap.String("job_id", job.ID),
		zap.String("run_id", job.RunID),
	)

	run, err := p.store.GetRun(ctx, job.TenantID, job.RunID)
	if err != nil {
		if !eris.Is(err, store.ErrNotFound) {
			return true, err
		}
		run = nil
	}
	if run == nil {
		log.Warn("pipeline: claimed job for missing run")
		if _, err := p.store.MarkJobFailed(ctx, job.TenantID, job.ID, "run_not_found", 0); err != nil {
			return true, err
		}
		return true, p.event(ctx, job, model.EventWorkerFailed, "failed", "run_not_found")
	}

	if err := p.event(ctx, job, model.EventWorkerClaimed, "ok", ""); err != nil {
		return true, err
	}

	cancelled, err := p.cancelIfRequested(ctx, job)
	if err != nil || cancelled {
		return true, err
	}
	if err := p.store.MarkRunRunning(ctx, job.TenantID, job.RunID); err != nil {
		return true, err
	}

	if _, _, err := p.store.EnsurePlan(ctx, job.TenantID, job.RunID, job.ID, model.DefaultStepMaxAttempts); err != nil {
		return true, err
	}
	if err := p.store.LockPlan(ctx, job.TenantID, job.RunID); err != nil {
		return true, err
	}

	if err := p.driveSteps(ctx, job, log); err != nil {
		var tse *terminalStepError
		if eris.As(err, &tse) {
			return true, p.failJobTerminal(ctx, job, tse.Error())
		}
		return true, err
	}

	cancelled, err = p.cancelIfRequested(ctx, job)
	if err != nil || cancelled {
		return true, err
	}
	return true, p.finishJob(ctx, job, log)
}

// Loop polls for jobs until the context is cancelled, sleeping between
// empty polls.
func (p *Pipeline) Loop(ctx context.Context, sleep time.Duration) error {
	for {
		processed, err := p.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			zap.L().Error("pipeline: job pass failed", zap.Error(err))
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}

// driveSteps claims and runs plan steps until none are claimable or the run
// is cancelled.
func (p *Pipeline) driveSteps(ctx context.Context, job *model.ResearchJob, log *zap.Logger) error {
	for {
		requested, err := p.store.JobCancelRequested(ctx, job.TenantID, job.ID)
		if err != nil {
			return err
		}
		if requested {
			return nil
		}

		step, err := p.store.ClaimNextStep(ctx, job.TenantID, job.RunID)
		if err != nil {
			return err
		}
		if step == nil {
			return nil
		}

		handler, ok := p.steps[step.StepKey]
		if !ok {
			return terminal(eris.Errorf("unknown step key %s", step.StepKey))
		}

		output, err := handler(ctx, job, step)
		if err != nil {
			var tse *terminalStepError
			if eris.As(err, &tse) {
				if _, ferr := p.store.MarkStepFailed(ctx, job.TenantID, step.ID, tse.Error(), 0); ferr != nil {
					return ferr
				}
				return err
			}
			log.Warn("pipeline: step failed",
				zap.String("step", string(step.StepKey)),
				zap.Int("attempt", step.AttemptCount),
				zap.Error(err),
			)
			backoff := resilience.QueueBackoff(step.AttemptCount + 1)
			if _, err := p.store.MarkStepFailed(ctx, job.TenantID, step.ID, err.Error(), backoff); err != nil {
				return err
			}
			continue
		}
		log.Info("pipeline: step succeeded", zap.String("step", string(step.StepKey)))
		if err := p.store.MarkStepSucceeded(ctx, job.TenantID, step.ID, output); err != nil {
			return err
		}
	}
}

// finishJob inspects the plan after a step pass and settles the job: done,
// requeued for pending retries, or terminally failed.
func (p *Pipeline) finishJob(ctx context.Context, job *model.ResearchJob, log *zap.Logger) error {
	steps, err := p.store.ListSteps(ctx, job.TenantID, job.RunID)
	if err != nil {
		return err
	}

	var pending, exhausted []string
	finalizeDone := false
	for _, s := range steps {
		switch {
		case s.StepKey == model.StepFinalize && s.Status == model.StepStatusSucceeded:
			finalizeDone = true
		case s.Status.Terminal():
		case stepExhausted(&s):
			exhausted = append(exhausted, string(s.StepKey))
		default:
			pending = append(pending, string(s.StepKey))
		}
	}

	switch {
	case finalizeDone:
		if err := p.store.MarkJobSucceeded(ctx, job.TenantID, job.ID); err != nil {
			return err
		}
		if err := p.store.MarkRunFinished(ctx, job.TenantID, job.RunID, model.RunStatusSucceeded, ""); err != nil {
			return err
		}
		log.Info("pipeline: run completed")
		return p.event(ctx, job, model.EventWorkerCompleted, "ok", "")

	case len(exhausted) > 0 && len(pending) == 0:
		return p.failJobTerminal(ctx, job, "steps_exhausted: "+strings.Join(exhausted, ","))

	default:
		msg := "steps_pending: " + strings.Join(append(pending, exhausted...), ",")
		requeued, err := p.store.MarkJobFailed(ctx, job.TenantID, job.ID, msg, resilience.QueueBackoff(job.AttemptCount+1))
		if err != nil {
			return err
		}
		if !requeued {
			if err := p.store.MarkRunFinished(ctx, job.TenantID, job.RunID, model.RunStatusFailed, msg); err != nil {
				return err
			}
			return p.event(ctx, job, model.EventWorkerFailed, "failed", msg)
		}
		log.Info("pipeline: job requeued", zap.String("reason", msg))
		return nil
	}
}

func (p *Pipeline) failJobTerminal(ctx context.Context, job *model.ResearchJob, reason string) error {
	if err := p.store.FailJobTerminal(ctx, job.TenantID, job.ID, reason); err != nil {
		return err
	}
	if err := p.store.MarkRunFinished(ctx, job.TenantID, job.RunID, model.RunStatusFailed, reason); err != nil {
		return err
	}
	return p.event(ctx, job, model.EventWorkerFailed, "failed", reason)
}

// cancelIfRequested settles the job and run when cancellation was requested.
func (p *Pipeline) cancelIfRequested(ctx context.Context, job *model.ResearchJob) (bool, error) {
	requested, err := p.store.JobCancelRequested(ctx, job.TenantID, job.ID)
	if err != nil {
		return false, err
	}
	if !requested {
		return false, nil
	}
	if err := p.store.MarkJobCancelled(ctx, job.TenantID, job.ID, "cancel requested"); err != nil {
		return false, err
	}
	if _, err := p.store.CancelPendingSteps(ctx, job.TenantID, job.RunID, "run cancelled"); err != nil {
		return false, err
	}
	if err := p.store.MarkRunFinished(ctx, job.TenantID, job.RunID, model.RunStatusCancelled, "cancel requested"); err != nil {
		return false, err
	}
	zap.L().Info("pipeline: run cancelled", zap.String("run_id", job.RunID))
	return true, p.event(ctx, job, model.EventWorkerCancelled, "cancelled", "")
}

func stepExhausted(s *model.PlanStep) bool {
	return s.Status == model.StepStatusFailed && s.AttemptCount >= s.MaxAttempts
}

func (p *Pipeline) event(ctx context.Context, job *model.ResearchJob, eventType, status, errMsg string) error {
	return p.store.AppendEvent(ctx, &model.ResearchEvent{
		RunID:        job.RunID,
		TenantID:     job.TenantID,
		EventType:    eventType,
		Status:       status,
		SubjectType:  "research_job",
		SubjectID:    job.ID,
		ErrorMessage: errMsg,
		Output:       mustJSON(map[string]string{"worker_id": p.workerID}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
