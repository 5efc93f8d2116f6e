package main

import (
	"fmt"
	"os"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/research-pipeline/internal/publish"
	"github.com/sells-group/research-pipeline/internal/resilience"
	"github.com/sells-group/research-pipeline/pkg/notion"
	sfpkg "github.com/sells-group/research-pipeline/pkg/salesforce"
)

var (
	publishTenant string
	publishRun    string
	publishSink   string
	publishLimit  int
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a run's ranked prospects to a downstream sink",
	Long:  "Ranks the run's prospects and pushes them to Notion or Salesforce. Existing records are updated in place, so republishing is safe.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if publishTenant == "" || publishRun == "" {
			return eris.New("publish: --tenant and --run are required")
		}

		var mode string
		switch publishSink {
		case "notion", "salesforce":
			mode = publishSink
		default:
			return eris.Errorf("publish: unsupported sink %q (want notion or salesforce)", publishSink)
		}
		if err := cfg.Validate(mode); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		opts := []publish.SinkOption{
			publish.WithRetryConfig(resilience.FromRetryConfig(
				cfg.Publish.RetryAttempts, cfg.Publish.RetryBackoffMs, 0, 0, -1)),
			publish.WithCircuitBreaker(resilience.FromCircuitConfig(
				cfg.Publish.BreakerThreshold, cfg.Publish.BreakerResetSecs)),
		}

		var sink publish.Sink
		switch publishSink {
		case "notion":
			sink = publish.NewNotionSink(notion.NewClient(cfg.Notion.Token), cfg.Notion.ProspectDB, opts...)
		case "salesforce":
			client, err := initSalesforce()
			if err != nil {
				return err
			}
			sink = publish.NewSalesforceSink(client, opts...)
		}

		stats, err := publish.NewService(st).PublishRun(ctx, publishTenant, publishRun, sink, publishLimit)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ranked=%d created=%d updated=%d failed=%d\n",
			stats.Ranked, stats.Created, stats.Updated, stats.Failed)
		return nil
	},
}

func initSalesforce() (sfpkg.Client, error) {
	pemData, err := os.ReadFile(cfg.Salesforce.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "publish: read salesforce JWT private key")
	}

	sf, err := salesforce.Init(salesforce.Creds{
		Domain:         cfg.Salesforce.LoginURL,
		Username:       cfg.Salesforce.Username,
		ConsumerKey:    cfg.Salesforce.ClientID,
		ConsumerRSAPem: string(pemData),
	})
	if err != nil {
		return nil, eris.Wrap(err, "publish: init salesforce")
	}
	return sfpkg.NewClient(sf), nil
}

func init() {
	publishCmd.Flags().StringVar(&publishTenant, "tenant", "", "tenant id")
	publishCmd.Flags().StringVar(&publishRun, "run", "", "run id")
	publishCmd.Flags().StringVar(&publishSink, "sink", "", "destination sink: notion or salesforce")
	publishCmd.Flags().IntVar(&publishLimit, "limit", 0, "publish at most N top-ranked prospects (0 = all)")

	rootCmd.AddCommand(publishCmd)
}
