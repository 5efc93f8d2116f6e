package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/research-pipeline/internal/acquire"
	"github.com/sells-group/research-pipeline/internal/pipeline"
	"github.com/sells-group/research-pipeline/internal/store"
)

var (
	workerOnce    bool
	workerLoop    bool
	workerSleep   int
	workerWorkers int
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the research job worker",
	Long:  "Claims queued research jobs and drives their step plans: source acquisition, extraction, classification, prospect mining, ingestion and finalization.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("worker"); err != nil {
			return err
		}
		if workerOnce && workerLoop {
			return eris.New("worker: --once and --loop are mutually exclusive")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sleep := time.Duration(workerSleep) * time.Second
		workers := workerWorkers
		if workers < 1 {
			workers = cfg.Worker.Concurrency
		}
		if workers < 1 {
			workers = 1
		}

		if workerOnce {
			p, err := newWorkerPipeline(st, "")
			if err != nil {
				return err
			}
			processed, err := p.RunOnce(ctx)
			if err != nil {
				return err
			}
			if !processed {
				zap.L().Info("worker: nothing claimable")
			}
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < workers; i++ {
			suffix := ""
			if workers > 1 {
				suffix = fmt.Sprintf(":%d", i+1)
			}
			p, err := newWorkerPipeline(st, suffix)
			if err != nil {
				return err
			}
			g.Go(func() error { return p.Loop(gctx, sleep) })
		}
		zap.L().Info("worker: started", zap.Int("workers", workers), zap.Duration("sleep", sleep))
		return g.Wait()
	},
}

func newWorkerPipeline(st store.Store, idSuffix string) (*pipeline.Pipeline, error) {
	workerID := cfg.Worker.ID
	if workerID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		workerID = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	return pipeline.New(st, pipeline.Options{
		WorkerID: workerID + idSuffix,
		HTTP: acquire.HTTPOptions{
			UserAgent:    cfg.Fetch.UserAgent,
			Timeout:      time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
			MaxRedirects: cfg.Fetch.MaxRedirects,
			MaxBodyBytes: int64(cfg.Fetch.MaxBodyMB) << 20,
			HostRate:     rate.Limit(cfg.Fetch.PerHostRPS),
			HostBurst:    cfg.Fetch.PerHostBurst,
		},
		PDF: acquire.NewPdfToText(cfg.Fetch.PdfToTextPath),
		FTP: acquire.NewFTPFetcher(time.Duration(cfg.Ingest.FTP.TimeoutSecs) * time.Second),
	})
}

func init() {
	workerCmd.Flags().BoolVar(&workerOnce, "once", false, "process at most one job, then exit")
	workerCmd.Flags().BoolVar(&workerLoop, "loop", false, "poll for jobs until interrupted (default)")
	workerCmd.Flags().IntVar(&workerSleep, "sleep", 2, "seconds to sleep between empty polls")
	workerCmd.Flags().IntVar(&workerWorkers, "workers", 0, "concurrent worker goroutines (default from config)")

	rootCmd.AddCommand(workerCmd)
}
