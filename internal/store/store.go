package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"podcast-pipeline/internal/models"
)

var (
	// ErrNotFound is returned when no job exists for the id.
	ErrNotFound = errors.New("job not found")
	// ErrNotProcessing is returned when a write targets a job that already reached a terminal status.
	ErrNotProcessing = errors.New("job is not processing")
)

const (
	DefaultListLimit = 10
	MaxListLimit     = 100

	startedMessage = "Podcast generation started"
	timeLayout     = "2006-01-02T15:04:05.000000Z"
)

// Store persists podcast jobs. Every write after creation is conditional on the job still
// being processing, so a terminal record is never modified.
type Store interface {
	CreateJob(ctx context.Context, req models.CreateRequest) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, owner string, limit, offset int) ([]models.Job, error)
	UpdateMessage(ctx context.Context, id, message string) error
	Complete(ctx context.Context, id string, result models.Result) error
	Fail(ctx context.Context, id, message string) error
	Migrate(ctx context.Context) error
	Close() error
}

// Open returns the backend selected by driver ("postgres", "sqlite" or "memory").
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "postgres":
		return NewPostgres(ctx, dsn)
	case "sqlite":
		return NewSQLite(ctx, dsn)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// ClampPage applies the list defaults and bounds.
func ClampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func newJob(req models.CreateRequest) (models.Job, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return models.Job{}, err
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	return models.Job{
		ID:                    uuid.New().String(),
		Owner:                 req.Owner,
		Status:                models.StatusProcessing,
		Topics:                req.Topics,
		DurationTargetSeconds: req.Duration,
		HostVoiceID:           req.HostVoiceID,
		CoHostVoiceID:         req.CoHostVoiceID,
		Language:              req.Language,
		Message:               startedMessage,
		CreatedAt:             now,
		UpdatedAt:             now,
	}, nil
}
