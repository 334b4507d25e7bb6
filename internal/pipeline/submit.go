package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"podcast-pipeline/internal/events"
	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/services"
	"podcast-pipeline/internal/store"
	"podcast-pipeline/internal/telemetry"
)

// ErrDispatch marks a job that was created but could not be handed to a worker.
var ErrDispatch = errors.New("dispatch failed")

// Dispatcher hands a stored job to whatever runs generation in the background.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, jobID string) error

func (f DispatcherFunc) Dispatch(ctx context.Context, jobID string) error {
	return f(ctx, jobID)
}

// Submit creates the job and dispatches it. Validation errors are wrapped in
// services.ErrValidation. When dispatch fails the job is failed at once so it never stays
// processing, and the failed record is returned together with ErrDispatch.
func Submit(ctx context.Context, st store.Store, d Dispatcher, pub events.Publisher, req models.CreateRequest) (models.Job, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return models.Job{}, fmt.Errorf("%w: %v", services.ErrValidation, err)
	}
	job, err := st.CreateJob(ctx, req)
	if err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}
	telemetry.JobsCreated.Inc()

	if err := d.Dispatch(ctx, job.ID); err != nil {
		message := "could not schedule generation: " + err.Error()
		if ferr := st.Fail(context.WithoutCancel(ctx), job.ID, message); ferr != nil {
			log.Error().Err(ferr).Str("job_id", job.ID).Msg("could not fail undispatched job")
		} else {
			telemetry.JobsFailed.WithLabelValues("DispatchFailed").Inc()
			events.Emit(ctx, pub, events.Failed(job, "DispatchFailed", message))
		}
		if failed, gerr := st.GetJob(context.WithoutCancel(ctx), job.ID); gerr == nil {
			job = failed
		}
		return job, fmt.Errorf("%w: %w", ErrDispatch, err)
	}
	log.Info().Str("job_id", job.ID).Str("owner", job.Owner).Strs("topics", job.Topics).Msg("job submitted")
	return job, nil
}
