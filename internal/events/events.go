// Package events announces terminal job transitions to other systems.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"podcast-pipeline/internal/models"
)

const (
	TypeCompleted = "completed"
	TypeFailed    = "failed"
)

// Event is the JSON body published for every terminal transition.
type Event struct {
	Type             string    `json:"type"`
	JobID            string    `json:"job_id"`
	Owner            string    `json:"owner"`
	Status           string    `json:"status"`
	Message          string    `json:"message,omitempty"`
	Kind             string    `json:"kind,omitempty"`
	ArtifactLocation string    `json:"artifact_location,omitempty"`
	DurationSeconds  float64   `json:"duration_seconds,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// Completed builds the event for a job that finished with result.
func Completed(job models.Job, result models.Result) Event {
	return Event{
		Type:             TypeCompleted,
		JobID:            job.ID,
		Owner:            job.Owner,
		Status:           string(models.StatusCompleted),
		Message:          result.Message,
		ArtifactLocation: result.ArtifactLocation,
		DurationSeconds:  result.Metadata.ActualDurationSeconds,
		OccurredAt:       time.Now().UTC(),
	}
}

// Failed builds the event for a job that was failed with message.
func Failed(job models.Job, kind, message string) Event {
	return Event{
		Type:       TypeFailed,
		JobID:      job.ID,
		Owner:      job.Owner,
		Status:     string(models.StatusFailed),
		Kind:       kind,
		Message:    message,
		OccurredAt: time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close()
}

// Nop drops every event. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close()                               {}

type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher publishes events as JSON on <prefix>.<type>.
type NATSPublisher struct {
	nc     conn
	prefix string
}

func Connect(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("podcast-pipeline"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return newNATSPublisher(nc, prefix), nil
}

func newNATSPublisher(nc conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "podcasts.job"
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Subject returns the subject an event of the given type is published on.
func (p *NATSPublisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(ev.Type), b); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}

// New returns a NATS publisher when url is set, Nop otherwise.
func New(url, prefix string) (Publisher, error) {
	if url == "" {
		return Nop{}, nil
	}
	return Connect(url, prefix)
}

// Emit publishes ev and logs instead of returning failures.
func Emit(ctx context.Context, p Publisher, ev Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("job_id", ev.JobID).Str("event", ev.Type).Msg("publish lifecycle event")
	}
}
