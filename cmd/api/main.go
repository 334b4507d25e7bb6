package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	api "podcast-pipeline/internal/api"
	"podcast-pipeline/internal/app"
	"podcast-pipeline/internal/config"
	"podcast-pipeline/internal/logging"
	"podcast-pipeline/internal/pipeline"
	"podcast-pipeline/internal/ratelimit"
	"podcast-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogFormat, "api")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init")
	}
	defer a.Close()

	var (
		dispatcher pipeline.Dispatcher
		pool       *worker.Pool
		opts       []api.Option
	)
	switch cfg.DispatchMode {
	case "redis":
		dispatcher = a.Queue
		opts = append(opts, api.WithDLQ(a.Queue))
	default:
		pool = worker.NewPool(a.Orchestrator, cfg.WorkerConcurrency, cfg.WorkerBacklog)
		pool.Start(ctx)
		dispatcher = pool
	}
	if cfg.RateLimitCapacity > 0 {
		opts = append(opts, api.WithLimiter(ratelimit.NewTokenBucket(a.Redis, "", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)))
	}
	if cfg.ElevenLabsAPIKey != "" {
		opts = append(opts, api.WithVoices(a.Voices))
	}
	opts = append(opts, api.WithEvents(a.Events))

	server := api.New(cfg, a.Store, dispatcher, a.Artifacts, opts...)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("port", cfg.HTTPPort).Str("dispatch", cfg.DispatchMode).Str("store", cfg.StoreDriver).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	if pool != nil {
		if err := pool.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("worker pool did not drain")
		}
	}
	log.Info().Msg("api stopped")
}
