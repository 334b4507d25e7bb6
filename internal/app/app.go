// Package app assembles the generation pipeline from configuration. The API, worker and
// CLI processes share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"podcast-pipeline/internal/artifact"
	"podcast-pipeline/internal/audio"
	"podcast-pipeline/internal/config"
	"podcast-pipeline/internal/events"
	"podcast-pipeline/internal/pipeline"
	"podcast-pipeline/internal/queue"
	"podcast-pipeline/internal/ratelimit"
	"podcast-pipeline/internal/script"
	"podcast-pipeline/internal/services"
	"podcast-pipeline/internal/services/elevenlabs"
	"podcast-pipeline/internal/services/newsapi"
	"podcast-pipeline/internal/services/openai"
	"podcast-pipeline/internal/sources"
	"podcast-pipeline/internal/speech"
	"podcast-pipeline/internal/store"
)

// App holds the long-lived collaborators of one process.
type App struct {
	Config       config.Config
	Store        store.Store
	Redis        *redis.Client
	Queue        *queue.RedisQueue
	Voices       *elevenlabs.Client
	Artifacts    artifact.Store
	Events       events.Publisher
	Orchestrator *pipeline.Orchestrator
}

// Build opens the store (applying migrations), connects the event publisher and wires the
// orchestrator. The Redis client is created lazily by go-redis and only dialed when queue
// dispatch or a rate limiter uses it.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	arts, err := artifact.New(ctx, cfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("artifact store: %w", err)
	}

	pub, err := events.New(cfg.NATSURL, cfg.NATSSubjectPrefix)
	if err != nil {
		st.Close()
		return nil, err
	}

	a := &App{
		Config:    cfg,
		Store:     st,
		Redis:     queue.NewClient(cfg),
		Artifacts: arts,
		Events:    pub,
	}
	if cfg.DispatchMode == "redis" {
		a.Queue = queue.NewRedisQueue(a.Redis, cfg)
	}
	a.Voices = elevenlabs.NewClient(elevenlabs.Config{
		APIKey:     cfg.ElevenLabsAPIKey,
		BaseURL:    cfg.ElevenLabsBaseURL,
		Model:      cfg.ElevenLabsModel,
		SampleRate: cfg.SampleRate,
		Timeout:    cfg.SynthTimeout,
	})
	a.Orchestrator = a.newOrchestrator()
	return a, nil
}

// OpenStore opens the configured job store without migrating it.
func OpenStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	dsn := cfg.PostgresDSN
	if cfg.StoreDriver == "sqlite" {
		dsn = cfg.SQLitePath
	}
	st, err := store.Open(ctx, cfg.StoreDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	return st, nil
}

func (a *App) newOrchestrator() *pipeline.Orchestrator {
	cfg := a.Config
	backoff := services.Backoff{Base: cfg.BackoffInitial, Max: cfg.BackoffMax, Jitter: true}

	searchBackoff := backoff
	searchBackoff.Attempts = 3
	search := newsapi.NewClient(newsapi.Config{
		APIKey:   cfg.NewsAPIKey,
		BaseURL:  cfg.NewsAPIBaseURL,
		DaysBack: cfg.NewsDaysBack,
		Timeout:  cfg.SearchTimeout,
	}, newsapi.WithBackoff(searchBackoff))

	genBackoff := backoff
	genBackoff.Attempts = cfg.GenerateMaxAttempts
	gen := openai.NewClient(openai.Config{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
		Timeout: cfg.GenerateTimeout,
	}, openai.WithBackoff(genBackoff))

	var synthOpts []speech.Option
	if cfg.TTSRateCapacity > 0 {
		bucket := ratelimit.NewTokenBucket(a.Redis, "tts:", cfg.TTSRateCapacity, cfg.TTSRateRefill, time.Hour)
		synthOpts = append(synthOpts, speech.WithLimiter(bucket))
	}

	return pipeline.New(pipeline.Deps{
		Store: a.Store,
		Collector: sources.NewCollector(search, sources.Config{
			PerTopic:         cfg.ArticlesPerTopic,
			MaxDocuments:     cfg.MaxDocuments,
			WordsPerDocument: cfg.WordsPerDocument,
		}),
		Composer: script.NewComposer(gen, script.Config{
			HostName:       cfg.HostName,
			CoHostName:     cfg.CoHostName,
			WordsPerMinute: cfg.WordsPerMinute,
			Tolerance:      cfg.ScriptTolerance,
			DocsPerTopic:   cfg.ArticlesPerTopic,
		}),
		Synth: speech.NewSynthesizer(a.Voices, speech.Config{
			Concurrency: cfg.SynthConcurrency,
			MaxAttempts: cfg.SynthMaxAttempts,
			CallTimeout: cfg.SynthTimeout,
			BackoffBase: cfg.BackoffInitial,
			BackoffMax:  cfg.BackoffMax,
			SampleRate:  cfg.SampleRate,
		}, synthOpts...),
		Assembler: audio.NewAssembler(audio.Config{
			TurnGap:   cfg.TurnGap,
			TopicGap:  cfg.TopicGap,
			TargetRMS: cfg.TargetRMS,
		}),
		Artifacts: a.Artifacts,
		Events:    a.Events,
	}, pipeline.Config{
		WorkDir:        cfg.WorkDir,
		WaveformWidth:  cfg.WaveformWidth,
		WaveformHeight: cfg.WaveformHeight,
	})
}

// Close releases every connection the app opened.
func (a *App) Close() error {
	a.Events.Close()
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	errs = append(errs, a.Store.Close())
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("closing app")
		return err
	}
	return nil
}
