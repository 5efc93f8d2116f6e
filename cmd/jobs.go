package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/research-pipeline/internal/model"
	"github.com/sells-group/research-pipeline/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage durable research jobs",
}

var (
	jobsEnqueueTenant string
	jobsEnqueueRun    string
	jobsEnqueueType   string
	jobsListTenant    string
	jobsListRun       string
	jobsCancelTenant  string
	jobsCancelRun     string
	jobsDLQTenant     string
	jobsRequeueTenant string
	jobsRequeueID     string
)

var jobsEnqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue the research job for a run",
	Long:  "At most one active job exists per run; enqueueing again returns the existing active job.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if jobsEnqueueRun == "" {
			return eris.New("jobs enqueue: --run is required")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		job := &model.ResearchJob{
			RunID:       jobsEnqueueRun,
			TenantID:    jobsEnqueueTenant,
			JobType:     jobsEnqueueType,
			MaxAttempts: cfg.Worker.JobMaxAttempts,
		}
		if err := st.EnqueueJob(ctx, job); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), job.ID)
		return nil
	},
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs for a run",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		jobs, err := st.ListJobs(ctx, jobsListTenant, store.JobFilter{RunID: jobsListRun})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tRUN\tSTATUS\tATTEMPTS\tLAST ERROR")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
				j.ID, j.RunID, j.Status, j.AttemptCount, j.MaxAttempts, j.LastError)
		}
		return w.Flush()
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Request cancellation of a run's active job",
	Long:  "Flags cancel_requested on the run's active job; the worker settles it cooperatively.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if jobsCancelRun == "" {
			return eris.New("jobs cancel: --run is required")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.RequestRunCancel(ctx, jobsCancelTenant, jobsCancelRun); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "cancel requested")
		return nil
	},
}

var jobsDLQCmd = &cobra.Command{
	Use:   "dlq",
	Short: "List dead-lettered jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		letters, err := st.ListDeadLetters(ctx, jobsDLQTenant, 100)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tJOB\tRUN\tREASON\tATTEMPTS\tREQUEUED")
		for _, d := range letters {
			requeued := ""
			if d.RequeuedAt != nil {
				requeued = d.RequeuedAt.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				d.ID, d.JobID, d.RunID, d.Reason, d.AttemptCount, requeued)
		}
		return w.Flush()
	},
}

var jobsRequeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Requeue a dead-lettered job",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if jobsRequeueID == "" {
			return eris.New("jobs requeue: --id is required")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		job, err := st.RequeueDeadLetter(ctx, jobsRequeueTenant, jobsRequeueID)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), job.ID)
		return nil
	},
}

func init() {
	jobsEnqueueCmd.Flags().StringVar(&jobsEnqueueTenant, "tenant", "", "tenant id")
	jobsEnqueueCmd.Flags().StringVar(&jobsEnqueueRun, "run", "", "run id")
	jobsEnqueueCmd.Flags().StringVar(&jobsEnqueueType, "type", model.JobTypeResearch, "job type")

	jobsListCmd.Flags().StringVar(&jobsListTenant, "tenant", "", "tenant id")
	jobsListCmd.Flags().StringVar(&jobsListRun, "run", "", "filter by run id")

	jobsCancelCmd.Flags().StringVar(&jobsCancelTenant, "tenant", "", "tenant id")
	jobsCancelCmd.Flags().StringVar(&jobsCancelRun, "run", "", "run id")

	jobsDLQCmd.Flags().StringVar(&jobsDLQTenant, "tenant", "", "tenant id")

	jobsRequeueCmd.Flags().StringVar(&jobsRequeueTenant, "tenant", "", "tenant id")
	jobsRequeueCmd.Flags().StringVar(&jobsRequeueID, "id", "", "dead letter id")

	jobsCmd.AddCommand(jobsEnqueueCmd, jobsListCmd, jobsCancelCmd, jobsDLQCmd, jobsRequeueCmd)
	rootCmd.AddCommand(jobsCmd)
}
