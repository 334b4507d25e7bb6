package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"podcast-pipeline/internal/artifact"
	"podcast-pipeline/internal/config"
	"podcast-pipeline/internal/events"
	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/pipeline"
	"podcast-pipeline/internal/services"
	"podcast-pipeline/internal/services/elevenlabs"
	"podcast-pipeline/internal/store"
	"podcast-pipeline/internal/telemetry"
)

const anonymousOwner = "anonymous"

// VoiceCatalog lists the voices available for synthesis.
type VoiceCatalog interface {
	ListVoices(ctx context.Context) ([]elevenlabs.Voice, error)
	Preview(ctx context.Context, voiceID string) (io.ReadCloser, string, error)
}

// Limiter grants or refuses one request for a key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// DLQReader exposes dead-lettered job ids.
type DLQReader interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Server wires HTTP handlers for the podcast API.
type Server struct {
	cfg        config.Config
	store      store.Store
	dispatcher pipeline.Dispatcher
	artifacts  artifact.Store
	voices     VoiceCatalog
	limiter    Limiter
	dlq        DLQReader
	events     events.Publisher
}

// Option configures optional collaborators.
type Option func(*Server)

func WithVoices(v VoiceCatalog) Option { return func(s *Server) { s.voices = v } }
func WithLimiter(l Limiter) Option     { return func(s *Server) { s.limiter = l } }
func WithDLQ(d DLQReader) Option       { return func(s *Server) { s.dlq = d } }
func WithEvents(p events.Publisher) Option {
	return func(s *Server) { s.events = p }
}

// New constructs the API server.
func New(cfg config.Config, st store.Store, d pipeline.Dispatcher, arts artifact.Store, opts ...Option) *Server {
	s := &Server{
		cfg:        cfg,
		store:      st,
		dispatcher: d,
		artifacts:  arts,
		events:     events.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/podcasts", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Get("/{id}/audio", s.handleAudio)
		r.Get("/{id}/waveform", s.handleWaveform)
	})
	r.Get("/voices", s.handleVoices)
	r.Get("/voices/{id}/preview", s.handleVoicePreview)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type voiceSummary struct {
	VoiceID string `json:"voice_id"`
	Name    string `json:"name"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Owner = ownerFromRequest(r)

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:"+req.Owner)
		if err != nil {
			log.Error().Err(err).Msg("rate limiter unavailable")
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	req.Normalize()
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if unknown, available, ok := s.checkVoices(r.Context(), req.HostVoiceID, req.CoHostVoiceID); !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":            "unknown voice id: " + strings.Join(unknown, ", "),
			"available_voices": available,
		})
		return
	}

	job, err := pipeline.Submit(r.Context(), s.store, s.dispatcher, s.events, req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, job)
	case errors.Is(err, services.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pipeline.ErrDispatch):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "generation could not be scheduled", "job": job})
	default:
		log.Error().Err(err).Msg("create podcast")
		writeError(w, http.StatusInternalServerError, "could not create podcast")
	}
}

// checkVoices reports the voice ids missing from the catalog. A catalog that cannot be
// read does not block creation.
func (s *Server) checkVoices(ctx context.Context, ids ...string) ([]string, []voiceSummary, bool) {
	if s.voices == nil || !s.cfg.ValidateVoiceIDs {
		return nil, nil, true
	}
	voices, err := s.voices.ListVoices(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("voice catalog unavailable, skipping voice validation")
		return nil, nil, true
	}
	known := make(map[string]struct{}, len(voices))
	available := make([]voiceSummary, 0, len(voices))
	for _, v := range voices {
		known[v.VoiceID] = struct{}{}
		available = append(available, voiceSummary{VoiceID: v.VoiceID, Name: v.Name})
	}
	var unknown []string
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	return unknown, available, len(unknown) == 0
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type listResponse struct {
	Items  []models.Job `json:"items"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", store.DefaultListLimit)
	if err != nil || limit < 1 || limit > store.MaxListLimit {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", store.MaxListLimit))
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "offset must not be negative")
		return
	}
	jobs, err := s.store.ListJobs(r.Context(), ownerFromRequest(r), limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("list podcasts")
		writeError(w, http.StatusInternalServerError, "could not list podcasts")
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: jobs, Limit: limit, Offset: offset})
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	if job.Status != models.StatusCompleted {
		writeError(w, http.StatusConflict, "podcast is "+string(job.Status))
		return
	}
	s.streamArtifact(w, r, job.ArtifactLocation, "audio/wav", fmt.Sprintf("podcast-%s.wav", job.ID))
}

func (s *Server) handleWaveform(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	if job.Status != models.StatusCompleted || job.Metadata == nil || job.Metadata.WaveformLocation == "" {
		writeError(w, http.StatusConflict, "podcast is "+string(job.Status))
		return
	}
	s.streamArtifact(w, r, job.Metadata.WaveformLocation, "image/png", "")
}

func (s *Server) streamArtifact(w http.ResponseWriter, r *http.Request, location, contentType, filename string) {
	body, err := s.artifacts.Open(r.Context(), location)
	if errors.Is(err, artifact.ErrNotFound) {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("location", location).Msg("open artifact")
		writeError(w, http.StatusInternalServerError, "could not read artifact")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", contentType)
	if filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		log.Warn().Err(err).Str("location", location).Msg("artifact stream interrupted")
	}
}

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	if s.voices == nil {
		writeError(w, http.StatusServiceUnavailable, "voice catalog is not configured")
		return
	}
	voices, err := s.voices.ListVoices(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("list voices")
		writeError(w, http.StatusBadGateway, "could not load voices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"voices": voices})
}

func (s *Server) handleVoicePreview(w http.ResponseWriter, r *http.Request) {
	if s.voices == nil {
		writeError(w, http.StatusServiceUnavailable, "voice catalog is not configured")
		return
	}
	id := chi.URLParam(r, "id")
	body, contentType, err := s.voices.Preview(r.Context(), id)
	if err != nil {
		var statusErr *services.HTTPStatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			writeError(w, http.StatusNotFound, "voice not found")
			return
		}
		log.Error().Err(err).Str("voice_id", id).Msg("voice preview")
		writeError(w, http.StatusBadGateway, "could not load preview")
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		writeError(w, http.StatusNotFound, "dead-letter list requires redis dispatch")
		return
	}
	items, err := s.dlq.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// ownedJob loads the path job and hides jobs of other owners behind a 404.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && job.Owner != ownerFromRequest(r)) {
		writeError(w, http.StatusNotFound, "podcast not found")
		return models.Job{}, false
	}
	if err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("get podcast")
		writeError(w, http.StatusInternalServerError, "could not load podcast")
		return models.Job{}, false
	}
	return job, true
}

func ownerFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-User-ID")); v != "" {
		return v
	}
	return anonymousOwner
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ctx := services.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		next.ServeHTTP(ww, r.WithContext(ctx))
		log.Debug().
			Str("request_id", middleware.GetReqID(ctx)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
