package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the externally visible job lifecycle states persisted by the store.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

const (
	MinDurationSeconds     = 60
	MaxDurationSeconds     = 3600
	DefaultDurationSeconds = 300
	DefaultLanguage        = "en"
)

// Job represents one podcast generation request and its lifecycle record.
type Job struct {
	ID                    string    `json:"id"`
	Owner                 string    `json:"owner"`
	Status                Status    `json:"status"`
	Topics                []string  `json:"topics"`
	DurationTargetSeconds int       `json:"duration_target_seconds"`
	HostVoiceID           string    `json:"host_voice_id"`
	CoHostVoiceID         string    `json:"co_host_voice_id"`
	Language              string    `json:"language"`
	Metadata              *Metadata `json:"metadata,omitempty"`
	Transcript            string    `json:"transcript,omitempty"`
	ArtifactLocation      string    `json:"artifact_location,omitempty"`
	Message               string    `json:"message,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Metadata is written once, together with the transcript and artifact, when a job completes.
type Metadata struct {
	Topics                []string  `json:"topics"`
	ArticleCount          int       `json:"article_count"`
	TargetDurationSeconds int       `json:"target_duration_seconds"`
	TargetWordCount       int       `json:"target_word_count"`
	ActualDurationSeconds float64   `json:"actual_duration_seconds"`
	TurnCount             int       `json:"turn_count"`
	Sources               []Source  `json:"sources"`
	WaveformLocation      string    `json:"waveform_location,omitempty"`
	GeneratedAt           time.Time `json:"generated_at"`
}

// Source is the persisted projection of a document used to write the episode.
type Source struct {
	URL    string `json:"url"`
	Title  string `json:"title"`
	Source string `json:"source"`
}

// Result carries everything the orchestrator writes in the terminal success update.
type Result struct {
	Metadata         Metadata
	Transcript       string
	ArtifactLocation string
	Message          string
}

// Validate checks the completed-record invariant: every output field must be present.
func (r Result) Validate() error {
	if strings.TrimSpace(r.Transcript) == "" {
		return errors.New("result transcript is empty")
	}
	if strings.TrimSpace(r.ArtifactLocation) == "" {
		return errors.New("result artifact location is empty")
	}
	if r.Metadata.GeneratedAt.IsZero() {
		return errors.New("result metadata is missing generated_at")
	}
	return nil
}

// CreateRequest holds the caller-supplied settings for a new job.
type CreateRequest struct {
	Owner         string   `json:"-"`
	Topics        []string `json:"topics"`
	Duration      int      `json:"duration"`
	HostVoiceID   string   `json:"host_voice"`
	CoHostVoiceID string   `json:"co_host_voice"`
	Language      string   `json:"language"`
}

// Normalize trims inputs, drops blank and duplicate topics and applies defaults.
func (r *CreateRequest) Normalize() {
	seen := make(map[string]struct{}, len(r.Topics))
	topics := make([]string, 0, len(r.Topics))
	for _, t := range r.Topics {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		topics = append(topics, t)
	}
	r.Topics = topics
	r.HostVoiceID = strings.TrimSpace(r.HostVoiceID)
	r.CoHostVoiceID = strings.TrimSpace(r.CoHostVoiceID)
	r.Language = strings.TrimSpace(r.Language)
	if r.Language == "" {
		r.Language = DefaultLanguage
	}
	if r.Duration == 0 {
		r.Duration = DefaultDurationSeconds
	}
	r.Owner = strings.TrimSpace(r.Owner)
}

// Validate enforces the immutable job field constraints. Call Normalize first.
func (r CreateRequest) Validate() error {
	if len(r.Topics) == 0 {
		return errors.New("at least one topic is required")
	}
	if r.Duration < MinDurationSeconds || r.Duration > MaxDurationSeconds {
		return fmt.Errorf("duration must be between %d and %d seconds", MinDurationSeconds, MaxDurationSeconds)
	}
	if r.HostVoiceID == "" || r.CoHostVoiceID == "" {
		return errors.New("host_voice and co_host_voice are required")
	}
	if r.HostVoiceID == r.CoHostVoiceID {
		return errors.New("host_voice and co_host_voice must be different voices")
	}
	return nil
}
