// Package artifact persists generated episode files (audio and waveform
// previews) on the local filesystem or in an S3-compatible bucket.
package artifact

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"

	"podcast-pipeline/internal/config"
)

// ErrNotFound is returned by Open when the location holds no object.
var ErrNotFound = errors.New("artifact not found")

// Store writes and reads artifacts addressed by an opaque location string.
type Store interface {
	Put(ctx context.Context, key string, body io.ReadSeeker, contentType string) (string, error)
	Open(ctx context.Context, location string) (io.ReadCloser, error)
	Delete(ctx context.Context, location string) error
}

// AudioKey is the object key of a job's assembled audio.
func AudioKey(jobID string) string {
	return "podcasts/" + jobID + ".wav"
}

// WaveformKey is the object key of a job's waveform preview.
func WaveformKey(jobID string) string {
	return "podcasts/" + jobID + ".png"
}

// New picks the S3 store when a bucket is configured, the local one otherwise.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	if cfg.ArtifactS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewS3Store(client, cfg.ArtifactS3Bucket), nil
	}
	baseDir := cfg.ArtifactDir
	if baseDir == "" {
		baseDir = "./static"
	}
	return NewLocalStore(baseDir), nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}
