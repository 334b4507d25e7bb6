// Package speech synthesizes every dialogue turn with the voice of its speaker.
package speech

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"podcast-pipeline/internal/audio"
	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/services"
	"podcast-pipeline/internal/services/elevenlabs"
	"podcast-pipeline/internal/telemetry"
)

// Backend performs one text-to-speech call.
type Backend interface {
	Synthesize(ctx context.Context, text, voiceID string) (elevenlabs.Audio, error)
}

// Limiter paces calls across every process sharing the limiter.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Voices maps the two roles to voice ids.
type Voices struct {
	Host   string
	CoHost string
}

func (v Voices) forSpeaker(s models.Speaker) string {
	if s == models.SpeakerCoHost {
		return v.CoHost
	}
	return v.Host
}

// Config bounds synthesis.
type Config struct {
	Concurrency int
	MaxAttempts int
	CallTimeout time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// SampleRate is assumed for raw PCM responses that do not state one.
	SampleRate int
	LimiterKey string
}

// Synthesizer fans turns out to the backend with bounded concurrency.
type Synthesizer struct {
	backend Backend
	limiter Limiter
	cfg     Config
}

// Option customizes the synthesizer.
type Option func(*Synthesizer)

// WithLimiter makes every call wait on l first.
func WithLimiter(l Limiter) Option {
	return func(s *Synthesizer) {
		s.limiter = l
	}
}

func NewSynthesizer(backend Backend, cfg Config, opts ...Option) *Synthesizer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if cfg.LimiterKey == "" {
		cfg.LimiterKey = "tts"
	}
	s := &Synthesizer{backend: backend, cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SynthesizeAll produces one segment per turn, in turn order. The first turn that cannot be
// synthesized cancels the remaining calls and is reported as a *services.TurnError.
func (s *Synthesizer) SynthesizeAll(ctx context.Context, turns []models.Turn, voices Voices) ([]models.Segment, error) {
	if len(turns) == 0 {
		return nil, services.Wrap(services.ErrSynthesisFailed, "synthesizing", "synthesize", "no turns to synthesize", nil)
	}
	if strings.TrimSpace(voices.Host) == "" || strings.TrimSpace(voices.CoHost) == "" {
		return nil, services.Wrap(services.ErrSynthesisFailed, "synthesizing", "synthesize", "both voices are required", nil)
	}

	segments := make([]models.Segment, len(turns))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, turn := range turns {
		i, turn := i, turn
		g.Go(func() error {
			seg, err := s.synthesizeTurn(gctx, turn, voices.forSpeaker(turn.Speaker))
			if err != nil {
				return err
			}
			segments[i] = seg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return segments, nil
}

func (s *Synthesizer) synthesizeTurn(ctx context.Context, turn models.Turn, voiceID string) (models.Segment, error) {
	var seg models.Segment
	backoff := services.Backoff{Attempts: s.cfg.MaxAttempts, Base: s.cfg.BackoffBase, Max: s.cfg.BackoffMax, Jitter: true}
	attempts, err := services.Retry(ctx, backoff, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			telemetry.SynthesisRetries.Inc()
			log.Debug().Int("turn", turn.Order).Int("attempt", attempt).Msg("retrying synthesis")
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx, s.cfg.LimiterKey); err != nil {
				return fmt.Errorf("wait for synthesis slot: %w", err)
			}
		}
		var err error
		seg, err = s.Synthesize(ctx, turn, voiceID)
		if err != nil {
			telemetry.SynthesisCalls.WithLabelValues("error").Inc()
			return err
		}
		telemetry.SynthesisCalls.WithLabelValues("ok").Inc()
		return nil
	})
	if err != nil {
		if ctx.Err() != nil && attempts == 0 {
			return models.Segment{}, ctx.Err()
		}
		return models.Segment{}, &services.TurnError{TurnIndex: turn.Order, Attempts: attempts, Err: err}
	}
	return seg, nil
}

// Synthesize makes a single bounded call for turn and decodes the audio into a segment.
func (s *Synthesizer) Synthesize(ctx context.Context, turn models.Turn, voiceID string) (models.Segment, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	clip, err := s.backend.Synthesize(callCtx, turn.Text, voiceID)
	if err != nil {
		return models.Segment{}, err
	}
	pcm, rate := clip.Data, clip.SampleRate
	if audio.IsWAV(clip.Data) {
		if pcm, rate, err = audio.DecodeWAV(clip.Data); err != nil {
			return models.Segment{}, err
		}
	}
	if rate <= 0 {
		rate = s.cfg.SampleRate
	}
	if len(pcm) < 2 {
		return models.Segment{}, fmt.Errorf("%w: empty audio for turn %d", services.ErrTransient, turn.Order)
	}
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	return models.Segment{Order: turn.Order, Speaker: turn.Speaker, Topic: turn.Topic, PCM: pcm, SampleRate: rate}, nil
}
