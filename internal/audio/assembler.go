package audio

import (
	"fmt"
	"math"
	"time"

	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/services"
)

const (
	fullScale = float64(math.MaxInt16)
	peakLimit = 0.95
)

// Config controls pacing and loudness of the assembled track.
type Config struct {
	TurnGap  time.Duration
	TopicGap time.Duration
	// TargetRMS is the per-segment loudness target as a fraction of full scale. Zero disables
	// normalization.
	TargetRMS float64
}

// Track is the assembled episode as mono 16-bit samples.
type Track struct {
	Samples    []int
	SampleRate int
	Segments   int
}

// Duration is exact: sample count over sample rate.
func (t Track) Duration() time.Duration {
	if t.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(t.Samples)) * time.Second / time.Duration(t.SampleRate)
}

// Seconds returns the duration as floating point seconds.
func (t Track) Seconds() float64 {
	if t.SampleRate <= 0 {
		return 0
	}
	return float64(len(t.Samples)) / float64(t.SampleRate)
}

// Assembler concatenates segments with silence between them.
type Assembler struct {
	cfg Config
}

func NewAssembler(cfg Config) *Assembler {
	return &Assembler{cfg: cfg}
}

// Assemble joins segments in order. Consecutive segments are separated by TurnGap, or by
// TopicGap when the next segment starts a new topic. All segments must share one sample
// rate; anything else is ErrAssemblyFailed.
func (a *Assembler) Assemble(segments []models.Segment) (Track, error) {
	if err := validate(segments); err != nil {
		return Track{}, err
	}
	rate := segments[0].SampleRate
	turnGap := gapSamples(a.cfg.TurnGap, rate)
	topicGap := gapSamples(a.cfg.TopicGap, rate)

	total := 0
	for i, seg := range segments {
		total += seg.Samples()
		if i > 0 {
			total += a.gapBefore(segments, i, turnGap, topicGap)
		}
	}

	out := make([]int, 0, total)
	for i, seg := range segments {
		if i > 0 {
			out = append(out, make([]int, a.gapBefore(segments, i, turnGap, topicGap))...)
		}
		samples := PCMToSamples(seg.PCM)
		if a.cfg.TargetRMS > 0 {
			normalize(samples, a.cfg.TargetRMS)
		}
		out = append(out, samples...)
	}
	return Track{Samples: out, SampleRate: rate, Segments: len(segments)}, nil
}

func (a *Assembler) gapBefore(segments []models.Segment, i, turnGap, topicGap int) int {
	if segments[i].Topic != segments[i-1].Topic {
		return topicGap
	}
	return turnGap
}

func validate(segments []models.Segment) error {
	if len(segments) == 0 {
		return services.Wrap(services.ErrAssemblyFailed, "assembling", "validate", "no segments to assemble", nil)
	}
	rate := segments[0].SampleRate
	if rate <= 0 {
		return services.Wrap(services.ErrAssemblyFailed, "assembling", "validate", fmt.Sprintf("segment %d has invalid sample rate %d", segments[0].Order, rate), nil)
	}
	for i, seg := range segments {
		switch {
		case seg.SampleRate != rate:
			return services.Wrap(services.ErrAssemblyFailed, "assembling", "validate",
				fmt.Sprintf("segment %d has sample rate %d, expected %d", seg.Order, seg.SampleRate, rate), nil)
		case seg.Samples() == 0:
			return services.Wrap(services.ErrAssemblyFailed, "assembling", "validate", fmt.Sprintf("segment %d holds no audio", seg.Order), nil)
		case len(seg.PCM)%2 != 0:
			return services.Wrap(services.ErrAssemblyFailed, "assembling", "validate", fmt.Sprintf("segment %d is not 16-bit pcm", seg.Order), nil)
		case i > 0 && seg.Order <= segments[i-1].Order:
			return services.Wrap(services.ErrAssemblyFailed, "assembling", "validate", fmt.Sprintf("segment %d is out of order", seg.Order), nil)
		}
	}
	return nil
}

func gapSamples(d time.Duration, rate int) int {
	if d <= 0 {
		return 0
	}
	return int(math.Round(d.Seconds() * float64(rate)))
}

// normalize scales samples toward target RMS (fraction of full scale), never letting the
// peak exceed peakLimit. Silent input is left alone.
func normalize(samples []int, target float64) {
	var sumSq float64
	peak := 0
	for _, s := range samples {
		sumSq += float64(s) * float64(s)
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	if peak == 0 {
		return
	}
	rms := math.Sqrt(sumSq / float64(len(samples)))
	gain := target * fullScale / rms
	if maxGain := peakLimit * fullScale / float64(peak); gain > maxGain {
		gain = maxGain
	}
	for i, s := range samples {
		samples[i] = clamp16(int(math.Round(float64(s) * gain)))
	}
}
