package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/research-pipeline/internal/rank"
	"github.com/sells-group/research-pipeline/internal/resilience"
	"github.com/sells-group/research-pipeline/pkg/notion"
)

// NotionSink publishes ranked prospects as pages of a Notion database.
// Pages are keyed by the Name title property: a prospect whose name already
// has a page gets its properties updated instead of a duplicate page.
type NotionSink struct {
	client   notion.Client
	dbID     string
	policies sinkPolicies
}

// NewNotionSink builds a sink writing into the given Notion database.
func NewNotionSink(c notion.Client, dbID string, opts ...SinkOption) *NotionSink {
	s := &NotionSink{client: c, dbID: dbID, policies: newSinkPolicies("notion", opts...)}
	if s.policies.retry.ShouldRetry == nil {
		s.policies.retry.ShouldRetry = notionShouldRetry
	}
	return s
}

// notionShouldRetry treats rate limiting and server-side Notion errors as
// retryable in addition to the usual transport failures.
func notionShouldRetry(err error) bool {
	var apiErr *notionapi.Error
	if errors.As(err, &apiErr) {
		return resilience.IsTransientHTTPStatus(apiErr.Status)
	}
	return resilience.IsTransient(err)
}

// Name implements Sink.
func (s *NotionSink) Name() string { return "notion" }

// Publish implements Sink.
func (s *NotionSink) Publish(ctx context.Context, rows []rank.RankedProspect) (*Stats, error) {
	existing, err := s.existingPages(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	for i := range rows {
		row := &rows[i]
		props := prospectProperties(row)

		if pageID, ok := existing[strings.ToLower(row.Name)]; ok {
			err = s.policies.do(ctx, func(ctx context.Context) error {
				_, uerr := s.client.UpdatePage(ctx, pageID, &notionapi.PageUpdateRequest{Properties: props})
				return uerr
			})
			if err == nil {
				stats.Updated++
				continue
			}
		} else {
			err = s.policies.do(ctx, func(ctx context.Context) error {
				_, cerr := s.client.CreatePage(ctx, &notionapi.PageCreateRequest{
					Parent: notionapi.Parent{
						Type:       notionapi.ParentTypeDatabaseID,
						DatabaseID: notionapi.DatabaseID(s.dbID),
					},
					Properties: props,
				})
				return cerr
			})
			if err == nil {
				stats.Created++
				continue
			}
		}

		stats.Failed++
		zap.L().Warn("publish: notion page write failed",
			zap.String("prospect", row.Name),
			zap.Error(err),
		)
	}
	return stats, nil
}

// existingPages indexes the database's current pages by lowercased title.
func (s *NotionSink) existingPages(ctx context.Context) (map[string]string, error) {
	pages, err := doVal(ctx, &s.policies, func(ctx context.Context) ([]notionapi.Page, error) {
		return notion.QueryAll(ctx, s.client, s.dbID, nil)
	})
	if err != nil {
		return nil, eris.Wrap(err, "publish: query notion database")
	}

	index := make(map[string]string, len(pages))
	for _, page := range pages {
		title := pageTitle(page)
		if title == "" {
			continue
		}
		index[strings.ToLower(title)] = page.ID.String()
	}
	return index, nil
}

func pageTitle(page notionapi.Page) string {
	for _, prop := range page.Properties {
		var title []notionapi.RichText
		switch p := prop.(type) {
		case *notionapi.TitleProperty:
			title = p.Title
		case notionapi.TitleProperty:
			title = p.Title
		default:
			continue
		}
		var sb strings.Builder
		for _, rt := range title {
			sb.WriteString(rt.PlainText)
		}
		return strings.TrimSpace(sb.String())
	}
	return ""
}

func prospectProperties(row *rank.RankedProspect) notionapi.Properties {
	props := notionapi.Properties{
		"Name": notionapi.TitleProperty{
			Type:  notionapi.PropertyTypeTitle,
			Title: richText(row.Name),
		},
		"Score": notionapi.NumberProperty{
			Type:   notionapi.PropertyTypeNumber,
			Number: row.ComputedScore,
		},
		"Review Status": notionapi.SelectProperty{
			Type:   notionapi.PropertyTypeSelect,
			Select: notionapi.Option{Name: string(row.ReviewStatus)},
		},
		"Discovered By": notionapi.RichTextProperty{
			Type:     notionapi.PropertyTypeRichText,
			RichText: richText(row.DiscoveredBy),
		},
	}
	if row.WebsiteURL != "" {
		props["URL"] = notionapi.URLProperty{
			Type: notionapi.PropertyTypeURL,
			URL:  withScheme(row.WebsiteURL),
		}
	}
	if row.HQCountry != "" {
		props["Country"] = notionapi.RichTextProperty{
			Type:     notionapi.PropertyTypeRichText,
			RichText: richText(row.HQCountry),
		}
	}
	if sector := joinNonEmpty(row.Sector, row.Subsector); sector != "" {
		props["Sector"] = notionapi.RichTextProperty{
			Type:     notionapi.PropertyTypeRichText,
			RichText: richText(sector),
		}
	}
	if why := whySummary(row.WhyIncluded, 3); why != "" {
		props["Why Included"] = notionapi.RichTextProperty{
			Type:     notionapi.PropertyTypeRichText,
			RichText: richText(why),
		}
	}
	return props
}

func richText(s string) []notionapi.RichText {
	return []notionapi.RichText{
		{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: s}},
	}
}

func withScheme(url string) string {
	if strings.Contains(url, "://") {
		return url
	}
	return "https://" + url
}

func joinNonEmpty(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " / ")
}

// whySummary renders the top reasons as one line, capped at n entries.
func whySummary(reasons []rank.WhyIncluded, n int) string {
	if len(reasons) > n {
		reasons = reasons[:n]
	}
	var parts []string
	for _, r := range reasons {
		parts = append(parts, fmt.Sprintf("%s (%.2f)", r.FieldKey, r.Confidence))
	}
	return strings.Join(parts, "; ")
}
