package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"podcast-pipeline/internal/models"
)

// PostgresStore wraps pgxpool for Postgres persistence.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const pgJobColumns = `id, owner, status, topics, duration_target_seconds, host_voice_id, co_host_voice_id,
	language, metadata, transcript, artifact_location, message, created_at, updated_at`

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Migrate executes the embedded Postgres migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, "postgres", func(ctx context.Context, sql string) error {
		_, err := s.pool.Exec(ctx, sql)
		return err
	})
}

// CreateJob inserts a processing job row.
func (s *PostgresStore) CreateJob(ctx context.Context, req models.CreateRequest) (models.Job, error) {
	job, err := newJob(req)
	if err != nil {
		return models.Job{}, err
	}
	topicsJSON, err := json.Marshal(job.Topics)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal topics: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO podcasts (id, owner, status, topics, duration_target_seconds, host_voice_id, co_host_voice_id, language, message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, job.ID, job.Owner, job.Status, topicsJSON, job.DurationTargetSeconds, job.HostVoiceID, job.CoHostVoiceID, job.Language, job.Message, job.CreatedAt)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *PostgresStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	if !validID(id) {
		return models.Job{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM podcasts WHERE id = $1`, id)
	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

// ListJobs returns the owner's jobs, newest first.
func (s *PostgresStore) ListJobs(ctx context.Context, owner string, limit, offset int) ([]models.Job, error) {
	limit, offset = ClampPage(limit, offset)
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgJobColumns+` FROM podcasts
		WHERE owner = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, owner, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.Job, 0, limit)
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateMessage replaces the progress message of a processing job.
func (s *PostgresStore) UpdateMessage(ctx context.Context, id, message string) error {
	if !validID(id) {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE podcasts SET message = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, message)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return s.checkConditional(ctx, id, tag.RowsAffected())
}

// Complete writes the outputs and the completed status in one statement.
func (s *PostgresStore) Complete(ctx context.Context, id string, result models.Result) error {
	if !validID(id) {
		return ErrNotFound
	}
	if err := result.Validate(); err != nil {
		return err
	}
	metaJSON, err := json.Marshal(result.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE podcasts
		SET status = 'completed', metadata = $2, transcript = $3, artifact_location = $4, message = $5, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, metaJSON, result.Transcript, result.ArtifactLocation, result.Message)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return s.checkConditional(ctx, id, tag.RowsAffected())
}

// Fail marks a processing job failed.
func (s *PostgresStore) Fail(ctx context.Context, id, message string) error {
	if !validID(id) {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE podcasts SET status = 'failed', message = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, message)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return s.checkConditional(ctx, id, tag.RowsAffected())
}

func (s *PostgresStore) checkConditional(ctx context.Context, id string, affected int64) error {
	if affected > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM podcasts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrNotProcessing
}

func scanPgJob(row pgx.Row) (models.Job, error) {
	var (
		job        models.Job
		id         pgtype.UUID
		status     string
		topicsJSON []byte
		metaJSON   []byte
		transcript pgtype.Text
		location   pgtype.Text
	)
	if err := row.Scan(&id, &job.Owner, &status, &topicsJSON, &job.DurationTargetSeconds, &job.HostVoiceID, &job.CoHostVoiceID,
		&job.Language, &metaJSON, &transcript, &location, &job.Message, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if id.Valid {
		job.ID = fmt.Sprintf("%x-%x-%x-%x-%x", id.Bytes[0:4], id.Bytes[4:6], id.Bytes[6:8], id.Bytes[8:10], id.Bytes[10:16])
	}
	job.Status = models.Status(status)
	job.Transcript = textValue(transcript)
	job.ArtifactLocation = textValue(location)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	if err := decodeJSONColumns(&job, topicsJSON, metaJSON); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

func decodeJSONColumns(job *models.Job, topicsJSON, metaJSON []byte) error {
	if err := json.Unmarshal(topicsJSON, &job.Topics); err != nil {
		return fmt.Errorf("unmarshal topics: %w", err)
	}
	if len(metaJSON) > 0 {
		var meta models.Metadata
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			return fmt.Errorf("unmarshal metadata: %w", err)
		}
		job.Metadata = &meta
	}
	return nil
}

// validID filters ids the uuid column would reject with a cast error.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func textValue(t pgtype.Text) string {
	if t.Valid {
		return t.String
	}
	return ""
}
