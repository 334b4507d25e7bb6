// Package logging configures the process-wide zerolog logger.
package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"podcast-pipeline/internal/services"
)

// Setup installs the global logger. format "console" selects the human readable writer,
// anything else emits JSON lines. Unknown levels fall back to info.
func Setup(level, format, service string) {
	log.Logger = New(os.Stderr, level, format).With().Str("service", service).Logger()
}

// New builds a logger writing to w without touching global state.
func New(w io.Writer, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// FromContext returns the global logger annotated with the job, stage and request ids
// carried by ctx.
func FromContext(ctx context.Context) *zerolog.Logger {
	lc := log.Logger.With()
	if id, ok := services.JobIDFromContext(ctx); ok {
		lc = lc.Str("job_id", id)
	}
	if stage, ok := services.StageFromContext(ctx); ok {
		lc = lc.Str("stage", stage)
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		lc = lc.Str("request_id", rid)
	}
	l := lc.Logger()
	return &l
}
