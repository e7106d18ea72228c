package transcode

import (
	"context"
	"log/slog"

	"github.com/aym-n/pixl/internal/models"
)

// OrphanHandler is told about jobs that were persisted but never reached
// the queue. Nothing requeues them automatically; an external sweep can use
// this hook to record or republish them.
type OrphanHandler interface {
	Orphaned(ctx context.Context, job models.TranscodeJob, cause error)
}

// OrphanHandlerFunc adapts a function to OrphanHandler.
type OrphanHandlerFunc func(ctx context.Context, job models.TranscodeJob, cause error)

func (f OrphanHandlerFunc) Orphaned(ctx context.Context, job models.TranscodeJob, cause error) {
	f(ctx, job, cause)
}

// LogOrphans logs each orphaned job.
type LogOrphans struct {
	Logger *slog.Logger
}

func (l LogOrphans) Orphaned(_ context.Context, job models.TranscodeJob, cause error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("transcode job orphaned",
		"job_id", job.ID,
		"asset_id", job.AssetID,
		"rendition", job.Rendition,
		"error", cause,
	)
}
