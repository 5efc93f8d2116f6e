package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/research-pipeline/internal/rank"
)

var (
	exportTenant string
	exportRun    string
	exportFormat string
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a run's ranked prospects",
	Long:  "Ranks the run's prospects deterministically and writes them as CSV, JSON or XLSX.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if exportTenant == "" || exportRun == "" {
			return eris.New("export: --tenant and --run are required")
		}
		switch exportFormat {
		case "csv", "json", "xlsx":
		default:
			return eris.Errorf("export: unsupported format %q (want csv, json or xlsx)", exportFormat)
		}

		out := exportOut
		if out == "" {
			if err := cfg.Validate("export"); err != nil {
				return err
			}
			out = filepath.Join(cfg.Export.Dir, fmt.Sprintf("%s.%s", exportRun, exportFormat))
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if _, err := st.GetRun(ctx, exportTenant, exportRun); err != nil {
			return err
		}

		rows, err := rank.NewService(st).RankRun(ctx, exportTenant, exportRun)
		if err != nil {
			return err
		}

		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return eris.Wrapf(err, "export: create output dir for %s", out)
		}
		f, err := os.Create(out)
		if err != nil {
			return eris.Wrapf(err, "export: create %s", out)
		}
		defer f.Close() //nolint:errcheck

		if err := writeExport(f, exportFormat, rows); err != nil {
			return err
		}
		if err := f.Close(); err != nil {
			return eris.Wrapf(err, "export: close %s", out)
		}

		zap.L().Info("export: wrote ranked prospects",
			zap.String("run_id", exportRun),
			zap.String("format", exportFormat),
			zap.Int("rows", len(rows)),
			zap.String("path", out),
		)
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

func writeExport(w io.Writer, format string, rows []rank.RankedProspect) error {
	switch format {
	case "csv":
		return rank.WriteCSV(w, rows)
	case "json":
		return rank.WriteJSON(w, rows)
	case "xlsx":
		return rank.WriteXLSX(w, rows)
	}
	return eris.Errorf("export: unsupported format %q", format)
}

func init() {
	exportCmd.Flags().StringVar(&exportTenant, "tenant", "", "tenant id")
	exportCmd.Flags().StringVar(&exportRun, "run", "", "run id")
	exportCmd.Flags().StringVar(&exportFormat, "format", "csv", "output format: csv, json or xlsx")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output path (default <export.dir>/<run>.<format>)")

	rootCmd.AddCommand(exportCmd)
}
