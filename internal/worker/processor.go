package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"podcast-pipeline/internal/config"
	"podcast-pipeline/internal/events"
	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/pipeline"
	"podcast-pipeline/internal/queue"
	"podcast-pipeline/internal/store"
	"podcast-pipeline/internal/telemetry"
)

// Runner generates the episode for a stored job.
type Runner interface {
	RunByID(ctx context.Context, id string) error
}

// Processor drives the worker loop for queue dispatch: lease ids, run them with a lease
// heartbeat, ack on terminal state and fail jobs whose lease expired elsewhere.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	store    store.Store
	runner   Runner
	events   events.Publisher
	workerID string
	now      func() time.Time
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, st store.Store, runner Runner, pub events.Publisher) *Processor {
	return NewProcessorWithID(cfg, q, st, runner, pub, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for log correlation.
func NewProcessorWithID(cfg config.Config, q *queue.RedisQueue, st store.Store, runner Runner, pub events.Publisher, workerID string) *Processor {
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		runner:   runner,
		events:   pub,
		workerID: workerID,
		now:      time.Now,
	}
}

// Run leases and processes jobs until ctx is cancelled, then waits for in-flight jobs.
func (p *Processor) Run(ctx context.Context) error {
	slots := make(chan struct{}, p.cfg.WorkerConcurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case slots <- struct{}{}:
		}

		p.ReapExpired(ctx)
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			<-slots
			if err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("worker_id", p.workerID).Msg("dequeue failed")
			}
			if !sleep(ctx, p.cfg.WorkerPollInterval) {
				return ctx.Err()
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			p.process(ctx, jobID)
		}()
	}
}

// process runs one leased job. Every outcome acks the lease; jobs that end failed are
// pushed to the dead-letter list.
func (p *Processor) process(ctx context.Context, jobID string) {
	logger := log.With().Str("job_id", jobID).Str("worker_id", p.workerID).Logger()
	logger.Info().Dur("queued_for", p.queue.QueuedFor(ctx, jobID)).Msg("job leased")

	hbCtx, stop := context.WithCancel(ctx)
	go p.heartbeat(hbCtx, jobID)
	err := p.runner.RunByID(ctx, jobID)
	stop()

	actx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		logger.Warn().Err(err).Msg("leased job does not exist")
	case errors.Is(err, store.ErrNotProcessing):
		logger.Info().Msg("job was finished elsewhere")
	default:
		p.settle(actx, jobID, err)
	}
	if err := p.queue.Ack(actx, jobID); err != nil {
		logger.Error().Err(err).Msg("ack failed")
	}
}

// heartbeat keeps the lease alive while the job runs.
func (p *Processor) heartbeat(ctx context.Context, jobID string) {
	visibility := p.queue.VisibilityTimeout()
	interval := visibility / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := p.queue.ExtendLease(ctx, jobID, visibility)
			if err != nil {
				log.Warn().Err(err).Str("job_id", jobID).Msg("extend lease failed")
				continue
			}
			if !ok {
				log.Warn().Str("job_id", jobID).Msg("lease lost")
				return
			}
		}
	}
}

// ReapExpired fails every job whose lease ran out. Those jobs are never re-run.
func (p *Processor) ReapExpired(ctx context.Context) []string {
	ids, err := p.queue.ReapExpired(ctx, p.now(), 100)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("reap expired leases")
		}
		return nil
	}
	for _, id := range ids {
		job, err := p.store.GetJob(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("job_id", id).Msg("reaped lease for unknown job")
			continue
		}
		if err := p.store.Fail(ctx, id, pipeline.InterruptedMessage); err != nil {
			if !errors.Is(err, store.ErrNotProcessing) {
				log.Error().Err(err).Str("job_id", id).Msg("could not fail reaped job")
			}
			continue
		}
		telemetry.JobsFailed.WithLabelValues("Interrupted").Inc()
		events.Emit(ctx, p.events, events.Failed(job, "Interrupted", pipeline.InterruptedMessage))
		p.deadLetter(ctx, id)
		log.Warn().Str("job_id", id).Msg("lease expired, job failed")
	}
	return ids
}

// settle makes sure a job whose run returned an error is not left processing once its
// lease is acked, then dead-letters it.
func (p *Processor) settle(ctx context.Context, jobID string, cause error) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("could not load job after run")
		return
	}
	if job.Status == models.StatusProcessing {
		log.Warn().Err(cause).Str("job_id", jobID).Msg("run ended without a terminal write, failing job")
		if err := p.store.Fail(ctx, jobID, pipeline.InterruptedMessage); err != nil {
			log.Error().Err(err).Str("job_id", jobID).Msg("could not fail job")
			return
		}
		telemetry.JobsFailed.WithLabelValues("Interrupted").Inc()
		events.Emit(ctx, p.events, events.Failed(job, "Interrupted", pipeline.InterruptedMessage))
		job.Status = models.StatusFailed
	}
	if job.Status == models.StatusFailed {
		p.deadLetter(ctx, jobID)
	}
}

func (p *Processor) deadLetter(ctx context.Context, jobID string) {
	if err := p.queue.DLQPush(ctx, jobID); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("dlq push failed")
		return
	}
	telemetry.DeadLetter.Inc()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
