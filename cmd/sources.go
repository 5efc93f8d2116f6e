package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/research-pipeline/internal/model"
)

var (
	sourcesAddTenant string
	sourcesAddRun    string
	sourcesAddURL    string
	sourcesAddKind   string
	sourcesAddFile   string
	sourcesAddTitle  string
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Attach source documents to a run",
}

var sourcesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Attach one source document to a run",
	Long:  "Attaches a url/pdf/text/list/proposal source. Fails when the run's plan is already locked by a worker.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if sourcesAddRun == "" {
			return eris.New("sources add: --run is required")
		}
		if sourcesAddURL == "" && sourcesAddFile == "" {
			return eris.New("sources add: --url or --file is required")
		}

		kind := model.SourceType(sourcesAddKind)
		switch kind {
		case model.SourceTypeURL, model.SourceTypePDF, model.SourceTypeText,
			model.SourceTypeList, model.SourceTypeProposal:
		default:
			return eris.Errorf("sources add: unknown kind %q", sourcesAddKind)
		}

		src := &model.SourceDocument{
			RunID:      sourcesAddRun,
			TenantID:   sourcesAddTenant,
			SourceType: kind,
			URL:        sourcesAddURL,
			Title:      sourcesAddTitle,
		}
		if sourcesAddFile != "" {
			raw, err := os.ReadFile(sourcesAddFile)
			if err != nil {
				return eris.Wrapf(err, "sources add: read %s", sourcesAddFile)
			}
			if kind == model.SourceTypeText {
				src.ContentText = string(raw)
				src.Status = model.SourceStatusFetched
			} else {
				src.RawBytes = raw
			}
			if src.Title == "" {
				src.Title = sourcesAddFile
			}
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.AttachSource(ctx, src); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), src.ID)
		return nil
	},
}

func init() {
	sourcesAddCmd.Flags().StringVar(&sourcesAddTenant, "tenant", "", "tenant id")
	sourcesAddCmd.Flags().StringVar(&sourcesAddRun, "run", "", "run id")
	sourcesAddCmd.Flags().StringVar(&sourcesAddURL, "url", "", "source url")
	sourcesAddCmd.Flags().StringVar(&sourcesAddKind, "kind", "url", "source kind: url|pdf|text|list|proposal")
	sourcesAddCmd.Flags().StringVar(&sourcesAddFile, "file", "", "local file with the source content")
	sourcesAddCmd.Flags().StringVar(&sourcesAddTitle, "title", "", "source title")

	sourcesCmd.AddCommand(sourcesAddCmd)
	rootCmd.AddCommand(sourcesCmd)
}
