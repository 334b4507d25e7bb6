package store

import (
	"context"
	"sync"
	"time"

	"podcast-pipeline/internal/models"
)

// MemoryStore keeps jobs in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	jobs  map[string]*models.Job
	order []string
}

func NewMemory() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*models.Job)}
}

func (m *MemoryStore) CreateJob(ctx context.Context, req models.CreateRequest) (models.Job, error) {
	job, err := newJob(req)
	if err != nil {
		return models.Job{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := cloneJob(job)
	m.jobs[job.ID] = &stored
	m.order = append(m.order, job.ID)
	return job, nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return cloneJob(*job), nil
}

func (m *MemoryStore) ListJobs(ctx context.Context, owner string, limit, offset int) ([]models.Job, error) {
	limit, offset = ClampPage(limit, offset)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Job, 0, limit)
	skipped := 0
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		job := m.jobs[m.order[i]]
		if job.Owner != owner {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, cloneJob(*job))
	}
	return out, nil
}

func (m *MemoryStore) UpdateMessage(ctx context.Context, id, message string) error {
	return m.update(id, func(job *models.Job) {
		job.Message = message
	})
}

func (m *MemoryStore) Complete(ctx context.Context, id string, result models.Result) error {
	if err := result.Validate(); err != nil {
		return err
	}
	return m.update(id, func(job *models.Job) {
		meta := result.Metadata
		meta.Topics = append([]string(nil), meta.Topics...)
		meta.Sources = append([]models.Source(nil), meta.Sources...)
		job.Status = models.StatusCompleted
		job.Metadata = &meta
		job.Transcript = result.Transcript
		job.ArtifactLocation = result.ArtifactLocation
		job.Message = result.Message
	})
}

func (m *MemoryStore) Fail(ctx context.Context, id, message string) error {
	return m.update(id, func(job *models.Job) {
		job.Status = models.StatusFailed
		job.Message = message
	})
}

func (m *MemoryStore) Migrate(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) update(id string, apply func(*models.Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != models.StatusProcessing {
		return ErrNotProcessing
	}
	apply(job)
	job.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	return nil
}

func cloneJob(job models.Job) models.Job {
	job.Topics = append([]string(nil), job.Topics...)
	if job.Metadata != nil {
		meta := *job.Metadata
		meta.Topics = append([]string(nil), meta.Topics...)
		meta.Sources = append([]models.Source(nil), meta.Sources...)
		job.Metadata = &meta
	}
	return job
}
