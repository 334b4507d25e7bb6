package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/store"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect podcast jobs in the configured store",
	}
	jobsCmd.AddCommand(newJobsListCommand(ctx))
	jobsCmd.AddCommand(newJobsGetCommand(ctx))
	return jobsCmd
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var (
		owner  string
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs of an owner, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, offset = store.ClampPage(limit, offset)
			return ctx.withStore(cmd.Context(), func(st store.Store) error {
				jobs, err := st.ListJobs(cmd.Context(), owner, limit, offset)
				if err != nil {
					return err
				}
				if ctx.jsonFlag {
					if jobs == nil {
						jobs = []models.Job{}
					}
					return writeJSON(cmd, jobs)
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs found")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Status", "Topics", "Duration", "Created", "Message"},
					buildJobRows(jobs),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "cli", "Owner whose jobs are listed")
	cmd.Flags().IntVar(&limit, "limit", store.DefaultListLimit, "Maximum number of jobs")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of jobs to skip")
	return cmd
}

func buildJobRows(jobs []models.Job) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			job.ID,
			string(job.Status),
			strings.Join(job.Topics, ", "),
			strconv.Itoa(job.DurationTargetSeconds) + "s",
			job.CreatedAt.Local().Format(time.DateTime),
			truncate(job.Message, 60),
		})
	}
	return rows
}

func newJobsGetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print one job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(st store.Store) error {
				job, err := st.GetJob(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("job %s: %w", args[0], err)
				}
				return writeJSON(cmd, job)
			})
		},
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
