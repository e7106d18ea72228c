package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aym-n/pixl/internal/apperrors"
	"github.com/aym-n/pixl/internal/models"
	"github.com/aym-n/pixl/internal/observability/tracing"
	"github.com/aym-n/pixl/internal/storage"
)

// ErrOrphanedJobs marks a dispatch that moved the asset to PROCESSING but
// left some jobs unqueued.
var ErrOrphanedJobs = errors.New("transcode jobs orphaned")

// Dispatcher is the public surface of the orchestrator.
type Dispatcher interface {
	Dispatch(ctx context.Context, assetID string) ([]models.TranscodeJob, error)
	Jobs(ctx context.Context, assetID string) ([]models.TranscodeJob, error)
	QueuedCount(ctx context.Context) (int, error)
	ProcessingCount(ctx context.Context) (int, error)
}

type OrchestratorConfig struct {
	Assets storage.AssetStore
	// Sessions, when set, holds dispatch back until the asset's upload
	// session is COMPLETED.
	Sessions  storage.SessionStore
	Jobs      storage.JobStore
	Publisher Publisher
	Ladder    models.Ladder
	Notifier  Notifier
	Orphans   OrphanHandler
	Logger    *slog.Logger
	Now       func() time.Time
	NewID     func() string
}

type Orchestrator struct {
	assets    storage.AssetStore
	sessions  storage.SessionStore
	jobs      storage.JobStore
	publisher Publisher
	ladder    models.Ladder
	notifier  Notifier
	orphans   OrphanHandler
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var notifier Notifier = nopNotifier{}
	if cfg.Notifier != nil {
		notifier = cfg.Notifier
	}
	var orphans OrphanHandler = LogOrphans{Logger: logger}
	if cfg.Orphans != nil {
		orphans = cfg.Orphans
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = storage.NewID
	}
	return &Orchestrator{
		assets:    cfg.Assets,
		sessions:  cfg.Sessions,
		jobs:      cfg.Jobs,
		publisher: cfg.Publisher,
		ladder:    cfg.Ladder,
		notifier:  notifier,
		orphans:   orphans,
		logger:    logger,
		now:       now,
		newID:     newID,
	}
}

// Dispatch moves an uploaded asset to PROCESSING and queues one job per
// rendition of the ladder. Every job is persisted before any message is
// published. Jobs whose message could not be published stay QUEUED and are
// handed to the orphan handler. The asset is already PROCESSING by then, so
// the returned error is a state error naming the orphaned jobs; a repeated
// dispatch would be rejected.
func (o *Orchestrator) Dispatch(ctx context.Context, assetID string) ([]models.TranscodeJob, error) {
	const op = "transcode.dispatch"
	asset, err := o.assets.GetAsset(ctx, assetID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NotFound(op, "asset", assetID)
		}
		return nil, apperrors.Transient(op, err)
	}
	if asset.SourceKey == "" {
		return nil, apperrors.State(op, "asset %s has no source yet", assetID)
	}
	if err := o.checkUploadCompleted(ctx, op, assetID); err != nil {
		return nil, err
	}

	asset, err = o.assets.UpdateAsset(ctx, assetID, func(a *models.Asset) error {
		if a.Status != models.AssetUploaded {
			return apperrors.State(op, "asset %s is %s, expected %s", assetID, a.Status, models.AssetUploaded)
		}
		a.Status = models.AssetProcessing
		a.UpdatedAt = o.now().UTC()
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NotFound(op, "asset", assetID)
		}
		return nil, apperrors.Transient(op, err)
	}

	profiles := o.ladder.Profiles()
	jobs := make([]models.TranscodeJob, 0, len(profiles))
	for _, profile := range profiles {
		job := models.TranscodeJob{
			ID:        o.newID(),
			AssetID:   assetID,
			Rendition: profile.Rendition,
			Status:    models.JobQueued,
			CreatedAt: o.now().UTC(),
		}
		if err := o.jobs.CreateJob(ctx, job); err != nil {
			for _, created := range jobs {
				o.orphans.Orphaned(ctx, created, err)
			}
			return jobs, apperrors.State(op, "asset %s is %s with %d of %d jobs created: %w: create %s job: %w",
				assetID, models.AssetProcessing, len(jobs), len(profiles), ErrOrphanedJobs, profile.Rendition, err)
		}
		jobs = append(jobs, job)
	}
	o.logger.Info("transcode jobs created", "asset_id", assetID, "jobs", len(jobs))

	traceID, spanID := tracing.IDs(ctx)
	var errs []error
	for _, job := range jobs {
		msg := models.WorkMessage{
			JobID:     job.ID,
			AssetID:   assetID,
			Rendition: job.Rendition,
			SourceKey: asset.SourceKey,
			TraceID:   traceID,
			SpanID:    spanID,
		}
		if err := o.publisher.Publish(ctx, msg); err != nil {
			o.orphans.Orphaned(ctx, job, err)
			errs = append(errs, fmt.Errorf("publish %s job %s: %w", job.Rendition, job.ID, err))
			continue
		}
		o.logger.Debug("transcode job published", "asset_id", assetID, "job_id", job.ID, "rendition", job.Rendition)
	}

	o.notifier.TranscodeQueued(ctx, assetID)
	if len(errs) > 0 {
		return jobs, apperrors.State(op, "asset %s is %s: %w: %w",
			assetID, models.AssetProcessing, ErrOrphanedJobs, errors.Join(errs...))
	}
	return jobs, nil
}

// checkUploadCompleted rejects an asset whose upload session still exists and
// is not COMPLETED. A session removed by expiry cleanup no longer blocks.
func (o *Orchestrator) checkUploadCompleted(ctx context.Context, op, assetID string) error {
	if o.sessions == nil {
		return nil
	}
	session, err := o.sessions.GetSession(ctx, assetID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return apperrors.Transient(op, err)
	}
	if session.Status != models.UploadCompleted {
		return apperrors.State(op, "upload %s is %s", assetID, session.Status)
	}
	return nil
}

// Jobs lists the jobs of an asset in creation order.
func (o *Orchestrator) Jobs(ctx context.Context, assetID string) ([]models.TranscodeJob, error) {
	const op = "transcode.jobs"
	if _, err := o.assets.GetAsset(ctx, assetID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NotFound(op, "asset", assetID)
		}
		return nil, apperrors.Transient(op, err)
	}
	jobs, err := o.jobs.ListJobsByAsset(ctx, assetID)
	if err != nil {
		return nil, apperrors.Transient(op, err)
	}
	return jobs, nil
}

func (o *Orchestrator) QueuedCount(ctx context.Context) (int, error) {
	n, err := o.jobs.CountJobsByStatus(ctx, models.JobQueued)
	if err != nil {
		return 0, apperrors.Transient("transcode.queued_count", err)
	}
	return n, nil
}

func (o *Orchestrator) ProcessingCount(ctx context.Context) (int, error) {
	n, err := o.jobs.CountJobsByStatus(ctx, models.JobProcessing)
	if err != nil {
		return 0, apperrors.Transient("transcode.processing_count", err)
	}
	return n, nil
}
