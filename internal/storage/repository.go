package storage

import (
	"context"
	"errors"
	"time"

	"github.com/aym-n/pixl/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a record with the same identity, or a job
	// for the same (asset, rendition) pair, already exists.
	ErrConflict = errors.New("record already exists")
)

// SessionStore persists upload sessions and their admitted chunk indices.
type SessionStore interface {
	CreateSession(ctx context.Context, session models.UploadSession) error
	GetSession(ctx context.Context, id string) (models.UploadSession, error)
	// AddChunk records index as admitted and returns the updated session.
	// Re-adding an index is a no-op.
	AddChunk(ctx context.Context, id string, index int) (models.UploadSession, error)
	MarkSessionCompleted(ctx context.Context, id string) (models.UploadSession, error)
	ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]models.UploadSession, error)
	DeleteSession(ctx context.Context, id string) error
}

// AssetMutation edits an asset in place. Returning an error aborts the update
// and leaves the stored record untouched.
type AssetMutation func(*models.Asset) error

// AssetStore persists assets.
type AssetStore interface {
	CreateAsset(ctx context.Context, asset models.Asset) error
	GetAsset(ctx context.Context, id string) (models.Asset, error)
	// UpdateAsset applies fn atomically with respect to other updates of the
	// same asset.
	UpdateAsset(ctx context.Context, id string, fn AssetMutation) (models.Asset, error)
	ListAssets(ctx context.Context, limit int) ([]models.Asset, error)
	IncrementViews(ctx context.Context, id string) (int64, error)
	DeleteAsset(ctx context.Context, id string) error
}

// JobMutation edits a job in place, see AssetMutation.
type JobMutation func(*models.TranscodeJob) error

// JobStore persists transcode jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job models.TranscodeJob) error
	GetJob(ctx context.Context, id string) (models.TranscodeJob, error)
	UpdateJob(ctx context.Context, id string, fn JobMutation) (models.TranscodeJob, error)
	// ListJobsByAsset returns the jobs of one asset ordered by creation.
	ListJobsByAsset(ctx context.Context, assetID string) ([]models.TranscodeJob, error)
	CountJobsByStatus(ctx context.Context, status models.JobStatus) (int, error)
}

// Repository bundles the stores behind one backend.
type Repository interface {
	SessionStore
	AssetStore
	JobStore
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

func clampLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	return limit
}

const defaultListLimit = 100
