package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated      = prometheus.NewCounter(prometheus.CounterOpts{Name: "podcast_jobs_created_total", Help: "Podcast jobs accepted"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "podcast_jobs_completed_total", Help: "Podcast jobs completed successfully"})
	JobsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "podcast_jobs_failed_total", Help: "Podcast jobs failed, by error kind"}, []string{"kind"})
	StageDuration    = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "podcast_stage_duration_seconds", Help: "Wall time spent per pipeline stage", Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}}, []string{"stage", "outcome"})
	SynthesisCalls   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "podcast_synthesis_calls_total", Help: "Speech synthesis calls by outcome"}, []string{"outcome"})
	SynthesisRetries = prometheus.NewCounter(prometheus.CounterOpts{Name: "podcast_synthesis_retries_total", Help: "Speech synthesis attempts beyond the first"})
	AudioSeconds     = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "podcast_audio_duration_seconds", Help: "Duration of assembled episodes", Buckets: []float64{60, 120, 300, 600, 900, 1800, 3600}})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "podcast_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	DeadLetter       = prometheus.NewCounter(prometheus.CounterOpts{Name: "podcast_dead_letter_total", Help: "Failed job ids pushed to the DLQ"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "podcast_queue_depth", Help: "Job ids waiting in the ready queue"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "podcast_jobs_inflight", Help: "Jobs currently running in this process"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Register adds the collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsCompleted,
			JobsFailed,
			StageDuration,
			SynthesisCalls,
			SynthesisRetries,
			AudioSeconds,
			RateLimitRejects,
			DeadLetter,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
}

// ObserveStage records how long a stage ran since start.
func ObserveStage(stage string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	StageDuration.WithLabelValues(stage, outcome).Observe(time.Since(start).Seconds())
}
