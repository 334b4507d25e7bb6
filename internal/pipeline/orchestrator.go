// Package pipeline drives a podcast job from its topics to a finished episode and records
// the outcome in the job store.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"podcast-pipeline/internal/artifact"
	"podcast-pipeline/internal/audio"
	"podcast-pipeline/internal/events"
	"podcast-pipeline/internal/logging"
	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/script"
	"podcast-pipeline/internal/services"
	"podcast-pipeline/internal/sources"
	"podcast-pipeline/internal/speech"
	"podcast-pipeline/internal/store"
	"podcast-pipeline/internal/telemetry"
)

const (
	StageCollecting   = "collecting"
	StageComposing    = "composing"
	StageSynthesizing = "synthesizing"
	StageAssembling   = "assembling"

	// InterruptedMessage is recorded for jobs whose generation stopped before a result.
	InterruptedMessage = "generation interrupted"
	successMessage     = "Podcast generated successfully"
)

// Config holds the orchestrator's own settings.
type Config struct {
	WorkDir        string
	WaveformWidth  int
	WaveformHeight int
	// TerminalTimeout bounds the final store write when the run context is already done.
	TerminalTimeout time.Duration
}

// Orchestrator runs the four generation stages for one job at a time. It is safe for
// concurrent use by multiple workers.
type Orchestrator struct {
	store     store.Store
	collector *sources.Collector
	composer  *script.Composer
	synth     *speech.Synthesizer
	assembler *audio.Assembler
	artifacts artifact.Store
	events    events.Publisher
	cfg       Config
}

// Deps are the collaborators an orchestrator needs.
type Deps struct {
	Store     store.Store
	Collector *sources.Collector
	Composer  *script.Composer
	Synth     *speech.Synthesizer
	Assembler *audio.Assembler
	Artifacts artifact.Store
	Events    events.Publisher
}

func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.WaveformWidth <= 0 {
		cfg.WaveformWidth = 600
	}
	if cfg.WaveformHeight <= 0 {
		cfg.WaveformHeight = 120
	}
	if cfg.TerminalTimeout <= 0 {
		cfg.TerminalTimeout = 10 * time.Second
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	return &Orchestrator{
		store:     deps.Store,
		collector: deps.Collector,
		composer:  deps.Composer,
		synth:     deps.Synth,
		assembler: deps.Assembler,
		artifacts: deps.Artifacts,
		events:    deps.Events,
		cfg:       cfg,
	}
}

// RunByID loads the job and runs it. Jobs that are already terminal are skipped. The load
// ignores cancellation of ctx so a job drained during shutdown is still failed, not lost.
func (o *Orchestrator) RunByID(ctx context.Context, id string) error {
	job, err := o.store.GetJob(context.WithoutCancel(ctx), id)
	if err != nil {
		return fmt.Errorf("load job %s: %w", id, err)
	}
	if job.Status.Terminal() {
		logging.FromContext(services.WithJobID(ctx, id)).Info().Str("status", string(job.Status)).Msg("job already terminal, skipping")
		return nil
	}
	return o.Run(ctx, job)
}

// Run generates the episode for job and writes exactly one terminal update. A stage error
// fails the job with a message naming the error kind; nothing runs after it.
func (o *Orchestrator) Run(ctx context.Context, job models.Job) error {
	ctx = services.WithJobID(ctx, job.ID)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	logger := logging.FromContext(ctx)
	started := time.Now()
	logger.Info().Strs("topics", job.Topics).Int("duration", job.DurationTargetSeconds).Msg("generation started")

	result, uploaded, err := o.generate(ctx, job)
	if err == nil {
		err = o.complete(ctx, job, result, uploaded)
		if err == nil {
			telemetry.JobsCompleted.Inc()
			telemetry.AudioSeconds.Observe(result.Metadata.ActualDurationSeconds)
			events.Emit(ctx, o.events, events.Completed(job, result))
			logger.Info().
				Float64("duration_seconds", result.Metadata.ActualDurationSeconds).
				Int("turns", result.Metadata.TurnCount).
				Dur("elapsed", time.Since(started)).
				Msg("generation completed")
			return nil
		}
	}

	if errors.Is(err, store.ErrNotProcessing) {
		logger.Warn().Err(err).Msg("job left processing while generating, dropping result")
		return err
	}
	o.fail(ctx, job, err)
	return err
}

// generate runs the stages and uploads the artifacts. The returned locations must be
// deleted by the caller if the result is not committed.
func (o *Orchestrator) generate(ctx context.Context, job models.Job) (models.Result, []string, error) {
	var (
		docs  []models.Document
		draft script.Script
		segs  []models.Segment
	)
	targetWords := o.composer.TargetWords(job.DurationTargetSeconds)

	err := o.stage(ctx, job, StageCollecting, "Collecting sources", func(ctx context.Context) error {
		var err error
		docs, err = o.collector.Collect(ctx, job.Topics, o.collector.Limit(len(job.Topics), targetWords))
		return err
	})
	if err != nil {
		return models.Result{}, nil, err
	}

	err = o.stage(ctx, job, StageComposing, "Writing script", func(ctx context.Context) error {
		var err error
		draft, err = o.composer.Compose(ctx, docs, job.DurationTargetSeconds, job.Language)
		return err
	})
	if err != nil {
		return models.Result{}, nil, err
	}

	voices := speech.Voices{Host: job.HostVoiceID, CoHost: job.CoHostVoiceID}
	err = o.stage(ctx, job, StageSynthesizing, fmt.Sprintf("Synthesizing %d turns", len(draft.Turns)), func(ctx context.Context) error {
		var err error
		segs, err = o.synth.SynthesizeAll(ctx, draft.Turns, voices)
		return err
	})
	if err != nil {
		return models.Result{}, nil, err
	}

	var (
		result   models.Result
		uploaded []string
	)
	err = o.stage(ctx, job, StageAssembling, "Assembling audio", func(ctx context.Context) error {
		track, err := o.assembler.Assemble(segs)
		if err != nil {
			return err
		}
		audioLoc, err := o.uploadAudio(ctx, job.ID, track)
		if err != nil {
			return err
		}
		uploaded = append(uploaded, audioLoc)
		waveLoc, err := o.uploadWaveform(ctx, job.ID, track)
		if err != nil {
			return err
		}
		uploaded = append(uploaded, waveLoc)

		result = models.Result{
			Metadata: models.Metadata{
				Topics:                job.Topics,
				ArticleCount:          len(docs),
				TargetDurationSeconds: job.DurationTargetSeconds,
				TargetWordCount:       draft.TargetWordCount,
				ActualDurationSeconds: math.Round(track.Seconds()*1000) / 1000,
				TurnCount:             len(draft.Turns),
				Sources:               models.SourcesFromDocuments(docs),
				WaveformLocation:      waveLoc,
				GeneratedAt:           time.Now().UTC(),
			},
			Transcript:       o.composer.Transcript(draft.Turns),
			ArtifactLocation: audioLoc,
			Message:          successMessage,
		}
		return nil
	})
	if err != nil {
		o.discard(ctx, uploaded)
		return models.Result{}, nil, err
	}
	return result, uploaded, nil
}

// stage stamps the stage on ctx, publishes the progress message and times fn.
func (o *Orchestrator) stage(ctx context.Context, job models.Job, name, message string, fn func(ctx context.Context) error) error {
	ctx = services.WithStage(ctx, name)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := o.store.UpdateMessage(ctx, job.ID, message); err != nil {
		if errors.Is(err, store.ErrNotProcessing) || errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("stage %s: %w", name, err)
		}
		logging.FromContext(ctx).Warn().Err(err).Msg("progress update failed")
	}

	start := time.Now()
	err := fn(ctx)
	telemetry.ObserveStage(name, start, err)
	if err != nil {
		logging.FromContext(ctx).Error().Err(err).Dur("elapsed", time.Since(start)).Msg("stage failed")
		return err
	}
	logging.FromContext(ctx).Debug().Dur("elapsed", time.Since(start)).Msg("stage finished")
	return nil
}

func (o *Orchestrator) uploadAudio(ctx context.Context, jobID string, track audio.Track) (string, error) {
	f, err := os.CreateTemp(o.cfg.WorkDir, "podcast-*.wav")
	if err != nil {
		return "", services.Wrap(services.ErrAssemblyFailed, StageAssembling, "encode", "create work file", err)
	}
	defer func() {
		f.Close()
		os.Remove(f.Name())
	}()

	if err := audio.EncodeWAV(f, track); err != nil {
		return "", services.Wrap(services.ErrAssemblyFailed, StageAssembling, "encode", "write wav", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", services.Wrap(services.ErrAssemblyFailed, StageAssembling, "encode", "rewind wav", err)
	}
	loc, err := o.artifacts.Put(ctx, artifact.AudioKey(jobID), f, "audio/wav")
	if err != nil {
		return "", services.Wrap(services.ErrAssemblyFailed, StageAssembling, "upload", "audio artifact", err)
	}
	return loc, nil
}

func (o *Orchestrator) uploadWaveform(ctx context.Context, jobID string, track audio.Track) (string, error) {
	var buf bytes.Buffer
	if err := audio.EncodeWaveformPNG(&buf, track, o.cfg.WaveformWidth, o.cfg.WaveformHeight); err != nil {
		return "", services.Wrap(services.ErrAssemblyFailed, StageAssembling, "waveform", "render preview", err)
	}
	loc, err := o.artifacts.Put(ctx, artifact.WaveformKey(jobID), bytes.NewReader(buf.Bytes()), "image/png")
	if err != nil {
		return "", services.Wrap(services.ErrAssemblyFailed, StageAssembling, "upload", "waveform artifact", err)
	}
	return loc, nil
}

// complete writes the result in one conditional update, removing the artifacts if the
// write does not land. A write error is checked against the stored record first, since the
// update may have committed before the error surfaced.
func (o *Orchestrator) complete(ctx context.Context, job models.Job, result models.Result, uploaded []string) error {
	wctx, cancel := o.terminalContext(ctx)
	defer cancel()
	err := o.store.Complete(wctx, job.ID, result)
	if err == nil {
		return nil
	}

	logger := logging.FromContext(ctx)
	stored, getErr := o.store.GetJob(wctx, job.ID)
	switch {
	case getErr != nil:
		logger.Error().Err(getErr).Strs("locations", uploaded).Msg("could not verify result write, keeping artifacts")
	case stored.Status == models.StatusCompleted && stored.ArtifactLocation == result.ArtifactLocation:
		logger.Warn().Err(err).Msg("result write reported an error but was committed")
		return nil
	default:
		o.discard(ctx, uploaded)
	}
	return fmt.Errorf("record result: %w", err)
}

func (o *Orchestrator) fail(ctx context.Context, job models.Job, cause error) {
	kind := services.Kind(cause)
	message := services.FailureMessage(cause)
	if ctx.Err() != nil && !services.IsTimeout(cause) {
		kind = "Interrupted"
		message = InterruptedMessage
	}

	wctx, cancel := o.terminalContext(ctx)
	defer cancel()
	logger := logging.FromContext(ctx)
	if err := o.store.Fail(wctx, job.ID, message); err != nil {
		if errors.Is(err, store.ErrNotProcessing) {
			logger.Debug().Msg("job already terminal, failure not recorded")
			return
		}
		logger.Error().Err(err).Str("failure", message).Msg("could not record failure")
		return
	}
	telemetry.JobsFailed.WithLabelValues(kind).Inc()
	events.Emit(wctx, o.events, events.Failed(job, kind, message))
	ev := logger.Warn().Str("kind", kind).Str("failure", message)
	if turn, ok := services.TurnIndex(cause); ok {
		ev = ev.Int("turn", turn)
	}
	ev.Msg("generation failed")
}

// discard deletes uploaded artifacts on a best-effort basis.
func (o *Orchestrator) discard(ctx context.Context, locations []string) {
	if len(locations) == 0 {
		return
	}
	dctx, cancel := o.terminalContext(ctx)
	defer cancel()
	for _, loc := range locations {
		if err := o.artifacts.Delete(dctx, loc); err != nil {
			logging.FromContext(ctx).Warn().Err(err).Str("location", loc).Msg("could not delete artifact")
		}
	}
}

// terminalContext survives cancellation of ctx so terminal writes still land on shutdown.
func (o *Orchestrator) terminalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.cfg.TerminalTimeout)
}
