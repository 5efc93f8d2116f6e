package acquire

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/research-pipeline/internal/model"
	"github.com/sells-group/research-pipeline/internal/normalize"
	"github.com/sells-group/research-pipeline/internal/resilience"
	"github.com/sells-group/research-pipeline/internal/store"
)

// SourceFetcher drives the acquisition pass over a run's url/pdf/text
// documents. Each document succeeds or fails on its own; the pass itself
// only fails on store errors.
type SourceFetcher struct {
	store store.Store
	http  *HTTPFetcher
	pdf   PDFExtractor
}

// NewSourceFetcher wires the fetcher against a store.
func NewSourceFetcher(st store.Store, httpFetcher *HTTPFetcher, pdf PDFExtractor) *SourceFetcher {
	if httpFetcher == nil {
		httpFetcher = NewHTTPFetcher(HTTPOptions{})
	}
	if pdf == nil {
		pdf = NewPdfToText("")
	}
	return &SourceFetcher{store: st, http: httpFetcher, pdf: pdf}
}

// Stats summarizes one acquisition pass.
type Stats struct {
	Fetched      int `json:"fetched"`
	Cached       int `json:"cached"`
	NotModified  int `json:"not_modified"`
	Deduped      int `json:"deduped"`
	Failed       int `json:"failed"`
	Retrying     int `json:"retrying"`
	PendingRetry int `json:"pending_retry"`
}

// fetchableTypes enumerates the source types acquisition handles. Lists and
// proposals carry their own bytes and are consumed by the ingest steps.
var fetchableTypes = []model.SourceType{model.SourceTypeURL, model.SourceTypePDF, model.SourceTypeText}

// FetchPending fetches every due url/pdf/text document of the run once.
// PendingRetry counts documents still non-terminal afterwards; the step
// succeeds only when it reaches zero.
func (f *SourceFetcher) FetchPending(ctx context.Context, tenantID, runID string) (*Stats, error) {
	docs, err := f.store.ListFetchableSources(ctx, tenantID, runID, fetchableTypes)
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	for i := range docs {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "acquire: fetch pass interrupted")
		}
		if err := f.fetchOne(ctx, &docs[i], stats); err != nil {
			return nil, err
		}
	}

	remaining, err := f.store.ListSources(ctx, tenantID, runID, store.SourceFilter{
		Types: fetchableTypes,
		Statuses: []model.SourceStatus{
			model.SourceStatusNew, model.SourceStatusQueued,
			model.SourceStatusFetching, model.SourceStatusFetchFailed,
		},
	})
	if err != nil {
		return nil, err
	}
	stats.PendingRetry = len(remaining)
	return stats, nil
}

// fetchOne runs the full acquisition state machine for one document.
// Returned errors are store failures only; fetch outcomes land on the row.
func (f *SourceFetcher) fetchOne(ctx context.Context, doc *model.SourceDocument, stats *Stats) error {
	doc.Status = model.SourceStatusFetching
	doc.AttemptCount++
	if err := f.store.UpdateSource(ctx, doc); err != nil {
		return err
	}
	if err := f.event(ctx, doc, model.EventFetchStarted, "ok", nil, ""); err != nil {
		return err
	}

	// Cached short-circuit: content already stored and hashed.
	if doc.ContentText != "" && doc.ContentHash != "" {
		stats.Cached++
		return f.succeed(ctx, doc, &model.FetchInfo{Outcome: "cached"}, stats)
	}

	switch doc.SourceType {
	case model.SourceTypeText:
		doc.ContentText = NormalizeLineEndings(doc.ContentText)
		doc.ContentHash = normalize.SHA256Hex(doc.ContentText)
		stats.Fetched++
		return f.succeed(ctx, doc, &model.FetchInfo{Outcome: "fetched"}, stats)

	case model.SourceTypePDF:
		return f.fetchPDF(ctx, doc, stats)

	case model.SourceTypeURL:
		return f.fetchURL(ctx, doc, stats)

	default:
		return f.failTerminal(ctx, doc, ReasonUnsupportedType,
			eris.Errorf("acquire: source type %q is not fetchable", doc.SourceType), stats)
	}
}

func (f *SourceFetcher) fetchPDF(ctx context.Context, doc *model.SourceDocument, stats *Stats) error {
	if len(doc.RawBytes) == 0 {
		return f.failTerminal(ctx, doc, ReasonMissingPDFBytes,
			eris.New("acquire: pdf source has no stored bytes"), stats)
	}
	text, pageCount, err := f.pdf.ExtractText(ctx, doc.RawBytes)
	if err != nil {
		return f.failTerminal(ctx, doc, ReasonUnextractable, err, stats)
	}
	doc.ContentText = NormalizeLineEndings(text)
	doc.ContentHash = normalize.SHA256Hex(doc.ContentText)
	stats.Fetched++
	return f.succeed(ctx, doc, &model.FetchInfo{Outcome: "fetched", PageCount: pageCount}, stats)
}

func (f *SourceFetcher) fetchURL(ctx context.Context, doc *model.SourceDocument, stats *Stats) error {
	canonical, err := normalize.CanonicalURL(doc.URL)
	if err != nil {
		return f.failTerminal(ctx, doc, ReasonDNS, err, stats)
	}
	if canonical != doc.CanonicalURL {
		before := doc.CanonicalURL
		doc.CanonicalURL = canonical
		payload, _ := json.Marshal(map[string]string{"before": before, "after": canonical, "url": doc.URL})
		if err := f.event(ctx, doc, model.EventURLCanonicalized, "ok", payload, ""); err != nil {
			return err
		}
	}

	resp, err := f.http.Fetch(ctx, Request{URL: doc.URL, ETag: doc.ETag, LastModified: doc.LastModified})
	if err != nil {
		return f.failFetch(ctx, doc, err, stats)
	}

	if len(resp.RedirectChain) > 0 {
		payload, _ := json.Marshal(map[string]any{"chain": resp.RedirectChain, "final_url": resp.FinalURL})
		if err := f.event(ctx, doc, model.EventRedirectResolved, "ok", payload, ""); err != nil {
			return err
		}
	}

	info := &model.FetchInfo{
		FinalURL:      resp.FinalURL,
		RedirectChain: resp.RedirectChain,
		HTTPStatus:    resp.StatusCode,
		ContentType:   resp.ContentType,
	}
	doc.HTTPStatus = resp.StatusCode

	if resp.NotModified {
		info.Outcome = "not_modified"
		stats.NotModified++
		return f.succeed(ctx, doc, info, stats)
	}

	doc.ETag = resp.ETag
	doc.LastModified = resp.LastModified
	doc.ContentType = resp.ContentType

	switch resp.ContentType {
	case "text/html", "application/xhtml+xml":
		title, text, err := ExtractHTML(resp.Body)
		if err != nil {
			return f.failFetch(ctx, doc, retryableErr(ReasonHTTPOrOther, err), stats)
		}
		if doc.Title == "" {
			doc.Title = title
		}
		doc.RawBytes = resp.Body // kept for structural prospect mining
		doc.ContentText = NormalizeLineEndings(text)

	case "application/pdf":
		doc.RawBytes = resp.Body
		text, pageCount, err := f.pdf.ExtractText(ctx, resp.Body)
		if err != nil {
			return f.failTerminal(ctx, doc, ReasonUnextractable, err, stats)
		}
		info.PageCount = pageCount
		doc.ContentText = NormalizeLineEndings(text)

	default:
		doc.ContentText = NormalizeLineEndings(string(resp.Body))
	}

	doc.ContentHash = normalize.SHA256Hex(doc.ContentText)
	info.Outcome = "fetched"
	stats.Fetched++
	return f.succeed(ctx, doc, info, stats)
}

// succeed finalizes a fetched document, applying run-scoped content dedupe
// before the row is written.
func (f *SourceFetcher) succeed(ctx context.Context, doc *model.SourceDocument, info *model.FetchInfo, stats *Stats) error {
	now := time.Now().UTC()
	doc.FetchedAt = &now
	doc.Status = model.SourceStatusFetched
	doc.NextRetryAt = nil
	doc.RetryReason = ""
	doc.LastError = ""
	if doc.Meta == nil {
		doc.Meta = &model.SourceMeta{}
	}
	doc.Meta.Fetch = info

	if doc.ContentHash != "" {
		dup, err := f.store.FindSourceByContentHash(ctx, doc.TenantID, doc.RunID, doc.ContentHash, doc.ID)
		if err != nil {
			return err
		}
		if dup != nil {
			hash := doc.ContentHash
			doc.CanonicalSourceID = dup.ID
			doc.Status = model.SourceStatusProcessed
			doc.ContentHash = ""
			doc.Meta.Dedupe = &model.DedupeInfo{DedupedTo: dup.ID, ContentHash: hash}
			if err := f.store.UpdateSource(ctx, doc); err != nil {
				return err
			}
			payload, _ := json.Marshal(doc.Meta.Dedupe)
			stats.Deduped++
			return f.event(ctx, doc, model.EventCanonicalDedupe, "ok", payload, "")
		}
	}

	if err := f.store.UpdateSource(ctx, doc); err != nil {
		return err
	}
	payload, _ := json.Marshal(info)
	return f.event(ctx, doc, model.EventFetchSucceeded, "ok", payload, "")
}

// failFetch routes a classified fetch error: terminal reasons mark the row
// failed outright, retryable ones schedule the next attempt.
func (f *SourceFetcher) failFetch(ctx context.Context, doc *model.SourceDocument, err error, stats *Stats) error {
	var ferr *FetchError
	if !errors.As(err, &ferr) {
		ferr = retryableErr(ReasonHTTPOrOther, err)
	}
	if ferr.Terminal {
		return f.failTerminal(ctx, doc, ferr.Reason, ferr, stats)
	}

	backoff := resilience.QueueBackoff(doc.AttemptCount)
	if ferr.RetryAfter > 0 {
		backoff = ferr.RetryAfter
		if doc.Meta == nil {
			doc.Meta = &model.SourceMeta{}
		}
		doc.Meta.Fetch = &model.FetchInfo{Outcome: "retry_scheduled", RetryAfterHonored: true}
		if err := f.store.UpdateSource(ctx, doc); err != nil {
			return err
		}
	}

	requeued, err := f.store.MarkSourceFetchFailed(ctx, doc.TenantID, doc.ID, ferr.Error(), ferr.Reason, backoff)
	if err != nil {
		return err
	}
	if err := f.event(ctx, doc, model.EventFetchFailed, "failed", nil, ferr.Error()); err != nil {
		return err
	}
	if !requeued {
		stats.Failed++
		return nil
	}

	stats.Retrying++
	payload, _ := json.Marshal(map[string]any{
		"reason":          ferr.Reason,
		"attempt":         doc.AttemptCount,
		"backoff_seconds": int(backoff / time.Second),
	})
	return f.event(ctx, doc, model.EventRetryScheduled, "ok", payload, "")
}

// failTerminal marks a per-document failure that no retry can fix.
func (f *SourceFetcher) failTerminal(ctx context.Context, doc *model.SourceDocument, reason string, cause error, stats *Stats) error {
	zap.L().Warn("acquire: source failed terminally",
		zap.String("source_id", doc.ID),
		zap.String("reason", reason),
		zap.Error(cause),
	)
	doc.Status = model.SourceStatusFailed
	doc.RetryReason = reason
	doc.NextRetryAt = nil
	doc.LastError = cause.Error()
	if err := f.store.UpdateSource(ctx, doc); err != nil {
		return err
	}
	stats.Failed++
	return f.event(ctx, doc, model.EventFetchFailed, "failed", nil, cause.Error())
}

func (f *SourceFetcher) event(ctx context.Context, doc *model.SourceDocument, eventType, status string, output json.RawMessage, errMsg string) error {
	return f.store.AppendEvent(ctx, &model.ResearchEvent{
		RunID:        doc.RunID,
		TenantID:     doc.TenantID,
		EventType:    eventType,
		Status:       status,
		SubjectType:  "source_document",
		SubjectID:    doc.ID,
		Output:       output,
		ErrorMessage: errMsg,
	})
}
