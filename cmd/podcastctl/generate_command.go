package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"podcast-pipeline/internal/app"
	"podcast-pipeline/internal/events"
	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/pipeline"
	"podcast-pipeline/internal/store"
)

type jobRunner interface {
	Run(ctx context.Context, job models.Job) error
}

// generateJob submits req and runs it inline, returning the job's terminal record. The
// record is read even after ctx is cancelled, since terminal writes outlive it.
func generateJob(ctx context.Context, st store.Store, runner jobRunner, pub events.Publisher, req models.CreateRequest, progress io.Writer) (models.Job, error) {
	inline := pipeline.DispatcherFunc(func(context.Context, string) error { return nil })
	job, err := pipeline.Submit(ctx, st, inline, pub, req)
	if err != nil {
		return job, err
	}
	fmt.Fprintf(progress, "Generating podcast %s about %v\n", job.ID, job.Topics)

	runErr := runner.Run(ctx, job)
	final, err := st.GetJob(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		return job, errors.Join(runErr, err)
	}
	return final, nil
}

func newGenerateCommand(ctx *commandContext) *cobra.Command {
	var req models.CreateRequest
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate one podcast synchronously",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Normalize()
			if err := req.Validate(); err != nil {
				return err
			}
			a, err := app.Build(cmd.Context(), ctx.config())
			if err != nil {
				return err
			}
			defer a.Close()

			final, err := generateJob(cmd.Context(), a.Store, a.Orchestrator, a.Events, req, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if ctx.jsonFlag {
				if err := writeJSON(cmd, final); err != nil {
					return err
				}
			} else {
				printJobSummary(cmd, final)
			}
			if final.Status != models.StatusCompleted {
				return fmt.Errorf("generation failed: %s", final.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&req.Topics, "topic", "t", nil, "Topic to cover (repeatable)")
	cmd.Flags().IntVarP(&req.Duration, "duration", "d", models.DefaultDurationSeconds, "Target duration in seconds")
	cmd.Flags().StringVar(&req.HostVoiceID, "host-voice", "", "Voice id of the host")
	cmd.Flags().StringVar(&req.CoHostVoiceID, "co-host-voice", "", "Voice id of the co-host")
	cmd.Flags().StringVar(&req.Language, "language", models.DefaultLanguage, "Language of the episode")
	cmd.Flags().StringVar(&req.Owner, "owner", "cli", "Owner recorded on the job")
	_ = cmd.MarkFlagRequired("topic")
	_ = cmd.MarkFlagRequired("host-voice")
	_ = cmd.MarkFlagRequired("co-host-voice")
	return cmd
}

func printJobSummary(cmd *cobra.Command, job models.Job) {
	rows := [][]string{
		{"ID", job.ID},
		{"Status", string(job.Status)},
		{"Message", job.Message},
	}
	if job.Status == models.StatusCompleted && job.Metadata != nil {
		rows = append(rows,
			[]string{"Audio", job.ArtifactLocation},
			[]string{"Waveform", job.Metadata.WaveformLocation},
			[]string{"Duration", fmt.Sprintf("%.1fs (target %ds)", job.Metadata.ActualDurationSeconds, job.Metadata.TargetDurationSeconds)},
			[]string{"Turns", fmt.Sprint(job.Metadata.TurnCount)},
			[]string{"Articles", fmt.Sprint(job.Metadata.ArticleCount)},
		)
	}
	fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows, nil))
}

