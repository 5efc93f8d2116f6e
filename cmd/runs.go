package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/research-pipeline/internal/config"
	"github.com/sells-group/research-pipeline/internal/model"
	"github.com/sells-group/research-pipeline/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Create and inspect research runs",
}

var (
	runsCreateTenant string
	runsCreateName   string
	runsCreateBy     string
	runsCreateFile   string
	runsListStatus   string
	runsListTenant   string
	runsShowTenant   string
	runsShowID       string
	runsCancelTenant string
	runsCancelID     string
)

var runsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a research run, optionally seeded from a YAML file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		var spec *config.RunSpec
		if runsCreateFile != "" {
			s, err := config.LoadRunSpec(runsCreateFile)
			if err != nil {
				return err
			}
			spec = s
		}

		tenant := runsCreateTenant
		name := runsCreateName
		requestedBy := runsCreateBy
		if spec != nil {
			if tenant == "" {
				tenant = spec.Tenant
			}
			if name == "" {
				name = spec.Name
			}
			if requestedBy == "" {
				requestedBy = spec.RequestedBy
			}
		}
		if tenant == "" || name == "" {
			return eris.New("runs create: --tenant and --name are required (or a seed file providing them)")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run := &model.ResearchRun{TenantID: tenant, Name: name, RequestedBy: requestedBy}
		if err := st.CreateRun(ctx, run); err != nil {
			return err
		}

		attached := 0
		if spec != nil {
			n, err := attachRunSpecSources(cmd, st, run, spec)
			if err != nil {
				return err
			}
			attached = n
		}

		zap.L().Info("run created",
			zap.String("run_id", run.ID),
			zap.String("tenant", run.TenantID),
			zap.Int("sources", attached),
		)
		fmt.Fprintln(cmd.OutOrStdout(), run.ID)
		return nil
	},
}

// attachRunSpecSources attaches every source the seed file declares. List and
// proposal entries are file paths read eagerly; URLs stay as references for
// the fetch step.
func attachRunSpecSources(cmd *cobra.Command, st store.Store, run *model.ResearchRun, spec *config.RunSpec) (int, error) {
	ctx := cmd.Context()
	attached := 0

	attach := func(src *model.SourceDocument) error {
		src.RunID = run.ID
		src.TenantID = run.TenantID
		if err := st.AttachSource(ctx, src); err != nil {
			return err
		}
		attached++
		return nil
	}

	for _, u := range spec.URLs {
		if err := attach(&model.SourceDocument{SourceType: model.SourceTypeURL, URL: u}); err != nil {
			return attached, err
		}
	}
	for _, u := range spec.PDFs {
		if err := attach(&model.SourceDocument{SourceType: model.SourceTypePDF, URL: u}); err != nil {
			return attached, err
		}
	}
	for _, txt := range spec.Texts {
		if err := attach(&model.SourceDocument{
			SourceType:  model.SourceTypeText,
			Title:       txt.Title,
			Status:      model.SourceStatusFetched,
			ContentText: txt.Content,
		}); err != nil {
			return attached, err
		}
	}
	for _, path := range spec.Lists {
		src := &model.SourceDocument{SourceType: model.SourceTypeList, Title: path}
		if isRemote(path) {
			src.URL = path
		} else {
			raw, err := os.ReadFile(path)
			if err != nil {
				return attached, eris.Wrapf(err, "runs create: read list file %s", path)
			}
			src.RawBytes = raw
		}
		if err := attach(src); err != nil {
			return attached, err
		}
	}
	if spec.Proposal != "" {
		raw, err := os.ReadFile(spec.Proposal)
		if err != nil {
			return attached, eris.Wrapf(err, "runs create: read proposal file %s", spec.Proposal)
		}
		if err := attach(&model.SourceDocument{
			SourceType: model.SourceTypeProposal,
			Title:      spec.Proposal,
			RawBytes:   raw,
		}); err != nil {
			return attached, err
		}
	}
	return attached, nil
}

func isRemote(path string) bool {
	for _, prefix := range []string{"http://", "https://", "ftp://"} {
		if len(path) > len(prefix) && path[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List research runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runs, err := st.ListRuns(ctx, runsListTenant, store.RunFilter{Status: model.RunStatus(runsListStatus)})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tCREATED\tLAST ERROR")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.Name, r.Status, r.CreatedAt.Format("2006-01-02 15:04"), r.LastError)
		}
		return w.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show one run with its step plan and counts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if runsShowID == "" {
			return eris.New("runs show: --run is required")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, runsShowTenant, runsShowID)
		if err != nil {
			return err
		}
		steps, err := st.ListSteps(ctx, runsShowTenant, runsShowID)
		if err != nil {
			return err
		}
		prospects, err := st.ListProspects(ctx, runsShowTenant, runsShowID, store.ProspectFilter{})
		if err != nil {
			return err
		}
		sources, err := st.ListSources(ctx, runsShowTenant, runsShowID, store.SourceFilter{})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		payload, _ := json.MarshalIndent(run, "", "  ")
		fmt.Fprintln(out, string(payload))
		fmt.Fprintf(out, "\nsources: %d  prospects: %d\n\n", len(sources), len(prospects))

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STEP\tSTATUS\tATTEMPTS\tLAST ERROR")
		for _, s := range steps {
			fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\n", s.StepKey, s.Status, s.AttemptCount, s.MaxAttempts, s.LastError)
		}
		return w.Flush()
	},
}

var runsCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Request cancellation of a run",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if runsCancelID == "" {
			return eris.New("runs cancel: --run is required")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.RequestRunCancel(ctx, runsCancelTenant, runsCancelID); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "cancel requested")
		return nil
	},
}

func init() {
	runsCreateCmd.Flags().StringVar(&runsCreateTenant, "tenant", "", "tenant id")
	runsCreateCmd.Flags().StringVar(&runsCreateName, "name", "", "run name")
	runsCreateCmd.Flags().StringVar(&runsCreateBy, "requested-by", "", "requesting user")
	runsCreateCmd.Flags().StringVar(&runsCreateFile, "file", "", "YAML seed file with sources")

	runsListCmd.Flags().StringVar(&runsListTenant, "tenant", "", "tenant id")
	runsListCmd.Flags().StringVar(&runsListStatus, "status", "", "filter by status")

	runsShowCmd.Flags().StringVar(&runsShowTenant, "tenant", "", "tenant id")
	runsShowCmd.Flags().StringVar(&runsShowID, "run", "", "run id")

	runsCancelCmd.Flags().StringVar(&runsCancelTenant, "tenant", "", "tenant id")
	runsCancelCmd.Flags().StringVar(&runsCancelID, "run", "", "run id")

	runsCmd.AddCommand(runsCreateCmd, runsListCmd, runsShowCmd, runsCancelCmd)
	rootCmd.AddCommand(runsCmd)
}
