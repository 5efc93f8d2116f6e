package publish

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/research-pipeline/internal/rank"
	sfpkg "github.com/sells-group/research-pipeline/pkg/salesforce"
)

// SalesforceSink publishes ranked prospects as Salesforce Accounts.
// Existing accounts are matched by website, then by exact name; matches are
// batched through the Collections API, new prospects are inserted as a
// collection.
type SalesforceSink struct {
	client   sfpkg.Client
	policies sinkPolicies
}

// NewSalesforceSink builds a sink over the given Salesforce client.
func NewSalesforceSink(c sfpkg.Client, opts ...SinkOption) *SalesforceSink {
	return &SalesforceSink{client: c, policies: newSinkPolicies("salesforce", opts...)}
}

// Name implements Sink.
func (s *SalesforceSink) Name() string { return "salesforce" }

// Publish implements Sink.
func (s *SalesforceSink) Publish(ctx context.Context, rows []rank.RankedProspect) (*Stats, error) {
	stats := &Stats{}
	var updates []sfpkg.AccountUpdate
	var inserts []map[string]any

	for i := range rows {
		row := &rows[i]
		acct, err := s.findAccount(ctx, row)
		if err != nil {
			stats.Failed++
			zap.L().Warn("publish: salesforce lookup failed",
				zap.String("prospect", row.Name),
				zap.Error(err),
			)
			continue
		}
		fields := accountFields(row)
		if acct != nil {
			updates = append(updates, sfpkg.AccountUpdate{ID: acct.ID, Fields: fields})
		} else {
			inserts = append(inserts, fields)
		}
	}

	if len(updates) > 0 {
		results, err := doVal(ctx, &s.policies, func(ctx context.Context) ([]sfpkg.CollectionResult, error) {
			return sfpkg.BulkUpdateAccounts(ctx, s.client, updates)
		})
		if err != nil {
			return stats, err
		}
		countResults(results, &stats.Updated, &stats.Failed)
	}
	if len(inserts) > 0 {
		results, err := doVal(ctx, &s.policies, func(ctx context.Context) ([]sfpkg.CollectionResult, error) {
			return s.client.InsertCollection(ctx, "Account", inserts)
		})
		if err != nil {
			return stats, err
		}
		countResults(results, &stats.Created, &stats.Failed)
	}
	return stats, nil
}

func (s *SalesforceSink) findAccount(ctx context.Context, row *rank.RankedProspect) (*sfpkg.Account, error) {
	return doVal(ctx, &s.policies, func(ctx context.Context) (*sfpkg.Account, error) {
		if row.WebsiteURL != "" {
			acct, err := sfpkg.FindAccountByWebsite(ctx, s.client, row.WebsiteURL)
			if err != nil || acct != nil {
				return acct, err
			}
		}
		return sfpkg.FindAccountByName(ctx, s.client, row.Name)
	})
}

func accountFields(row *rank.RankedProspect) map[string]any {
	fields := map[string]any{
		"Name": row.Name,
		"Type": "Prospect",
	}
	if row.WebsiteURL != "" {
		fields["Website"] = withScheme(row.WebsiteURL)
	}
	if row.HQCountry != "" {
		fields["BillingCountry"] = row.HQCountry
	}
	if sector := joinNonEmpty(row.Sector, row.Subsector); sector != "" {
		fields["Industry"] = sector
	}
	if why := whySummary(row.WhyIncluded, 5); why != "" {
		fields["Description"] = why
	}
	return fields
}

func countResults(results []sfpkg.CollectionResult, ok, failed *int) {
	for _, r := range results {
		if r.Success {
			*ok++
		} else {
			*failed++
		}
	}
}
