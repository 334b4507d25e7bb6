package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"podcast-pipeline/internal/models"
)

// SQLiteStore persists jobs in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond

	sqliteJobColumns = `id, owner, status, topics, duration_target_seconds, host_voice_id, co_host_voice_id,
	language, metadata, transcript, artifact_location, message, created_at, updated_at`
)

// NewSQLite opens (creating if needed) the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func NewSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ensure sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// each connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &SQLiteStore{db: db}
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, "sqlite", func(ctx context.Context, stmt string) error {
		_, err := s.execWithRetry(ctx, stmt)
		return err
	})
}

func (s *SQLiteStore) CreateJob(ctx context.Context, req models.CreateRequest) (models.Job, error) {
	job, err := newJob(req)
	if err != nil {
		return models.Job{}, err
	}
	topicsJSON, err := json.Marshal(job.Topics)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal topics: %w", err)
	}
	_, err = s.execWithRetry(ctx, `
		INSERT INTO podcasts (id, owner, status, topics, duration_target_seconds, host_voice_id, co_host_voice_id, language, message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.Owner, string(job.Status), string(topicsJSON), job.DurationTargetSeconds, job.HostVoiceID, job.CoHostVoiceID,
		job.Language, job.Message, formatTime(job.CreatedAt), formatTime(job.UpdatedAt))
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM podcasts WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

func (s *SQLiteStore) ListJobs(ctx context.Context, owner string, limit, offset int) ([]models.Job, error) {
	limit, offset = ClampPage(limit, offset)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteJobColumns+` FROM podcasts
		WHERE owner = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, owner, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.Job, 0, limit)
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) UpdateMessage(ctx context.Context, id, message string) error {
	res, err := s.execWithRetry(ctx, `
		UPDATE podcasts SET message = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'
	`, message, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return s.checkConditional(ctx, id, res)
}

func (s *SQLiteStore) Complete(ctx context.Context, id string, result models.Result) error {
	if err := result.Validate(); err != nil {
		return err
	}
	metaJSON, err := json.Marshal(result.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	res, err := s.execWithRetry(ctx, `
		UPDATE podcasts
		SET status = 'completed', metadata = ?, transcript = ?, artifact_location = ?, message = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'
	`, string(metaJSON), result.Transcript, result.ArtifactLocation, result.Message, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return s.checkConditional(ctx, id, res)
}

func (s *SQLiteStore) Fail(ctx context.Context, id, message string) error {
	res, err := s.execWithRetry(ctx, `
		UPDATE podcasts SET status = 'failed', message = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'
	`, message, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return s.checkConditional(ctx, id, res)
}

func (s *SQLiteStore) checkConditional(ctx context.Context, id string, res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM podcasts WHERE id = ?`, id).Scan(&n); err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrNotProcessing
}

func (s *SQLiteStore) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (models.Job, error) {
	var (
		job        models.Job
		status     string
		topicsJSON string
		metaJSON   sql.NullString
		transcript sql.NullString
		location   sql.NullString
		createdAt  string
		updatedAt  string
	)
	if err := row.Scan(&job.ID, &job.Owner, &status, &topicsJSON, &job.DurationTargetSeconds, &job.HostVoiceID, &job.CoHostVoiceID,
		&job.Language, &metaJSON, &transcript, &location, &job.Message, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = models.Status(status)
	job.Transcript = transcript.String
	job.ArtifactLocation = location.String
	var err error
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Job{}, err
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Job{}, err
	}
	var meta []byte
	if metaJSON.Valid {
		meta = []byte(metaJSON.String)
	}
	if err := decodeJSONColumns(&job, []byte(topicsJSON), meta); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t.UTC(), nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
