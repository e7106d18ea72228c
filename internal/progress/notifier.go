// Package progress aggregates transcode job state into summaries and
// broadcasts pipeline updates. Broadcasts are best effort: delivery failures
// are logged and never reach the caller. The persisted job and asset records
// remain the source of truth.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aym-n/pixl/internal/apperrors"
	"github.com/aym-n/pixl/internal/models"
)

// GlobalTopic receives every update regardless of asset.
const GlobalTopic = "progress"

// AssetTopic is the topic scoped to one asset.
func AssetTopic(assetID string) string {
	return "video/" + assetID
}

// Publisher is the notification transport.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// JobLister reads the jobs of one asset.
type JobLister interface {
	ListJobsByAsset(ctx context.Context, assetID string) ([]models.TranscodeJob, error)
}

type Config struct {
	Jobs      JobLister
	Publisher Publisher
	Logger    *slog.Logger
	// Timeout bounds each broadcast so a slow transport cannot stall the
	// pipeline.
	Timeout time.Duration
	Now     func() time.Time
}

type Notifier struct {
	jobs      JobLister
	publisher Publisher
	logger    *slog.Logger
	timeout   time.Duration
	now       func() time.Time
}

const defaultPublishTimeout = 2 * time.Second

func New(cfg Config) *Notifier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Notifier{
		jobs:      cfg.Jobs,
		publisher: cfg.Publisher,
		logger:    logger,
		timeout:   timeout,
		now:       now,
	}
}

// Summarize aggregates the current job rows of an asset.
func (n *Notifier) Summarize(ctx context.Context, assetID string) (models.ProgressSummary, error) {
	if n.jobs == nil {
		return models.SummarizeJobs(assetID, nil), nil
	}
	jobs, err := n.jobs.ListJobsByAsset(ctx, assetID)
	if err != nil {
		return models.ProgressSummary{}, apperrors.Transient("progress.summarize", err)
	}
	return models.SummarizeJobs(assetID, jobs), nil
}

// Publish broadcasts an update carrying summary, which may be nil.
func (n *Notifier) Publish(ctx context.Context, assetID string, summary *models.ProgressSummary, stage models.Stage, message string) {
	update := models.ProgressUpdate{
		AssetID: assetID,
		Stage:   stage,
		Message: message,
		Summary: summary,
	}
	n.Send(ctx, update)
}

// Send broadcasts update to the asset topic and the global topic.
func (n *Notifier) Send(ctx context.Context, update models.ProgressUpdate) {
	if n == nil || n.publisher == nil {
		return
	}
	if update.Timestamp.IsZero() {
		update.Timestamp = n.now().UTC()
	}
	payload, err := json.Marshal(update)
	if err != nil {
		n.logger.Error("progress update encode failed", "asset_id", update.AssetID, "error", err)
		return
	}
	// Detached from the caller's cancellation so a finished request still
	// gets its final update out.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()
	for _, topic := range []string{AssetTopic(update.AssetID), GlobalTopic} {
		if err := n.publisher.Publish(ctx, topic, payload); err != nil {
			n.logger.Warn("progress publish failed", "asset_id", update.AssetID, "topic", topic, "error", err)
		}
	}
	n.logger.Debug("progress update sent", "asset_id", update.AssetID, "stage", update.Stage, "message", update.Message)
}

// Report summarizes the asset's jobs and broadcasts the summary with the
// given stage and message. A failed summary is logged and the update is sent
// without it.
func (n *Notifier) Report(ctx context.Context, assetID string, stage models.Stage, message string) {
	if n == nil {
		return
	}
	summary, err := n.Summarize(ctx, assetID)
	if err != nil {
		n.logger.Warn("progress summary failed", "asset_id", assetID, "error", err)
		n.Publish(ctx, assetID, nil, stage, message)
		return
	}
	n.Publish(ctx, assetID, &summary, stage, message)
}

func (n *Notifier) UploadProgress(ctx context.Context, assetID string, percent int) {
	n.Send(ctx, models.ProgressUpdate{
		AssetID: assetID,
		Stage:   models.StageUploading,
		Message: "Uploading video...",
		Percent: &percent,
	})
}

func (n *Notifier) UploadComplete(ctx context.Context, assetID string) {
	percent := 100
	n.Send(ctx, models.ProgressUpdate{
		AssetID: assetID,
		Stage:   models.StageUploadComplete,
		Message: "Upload complete! Starting transcoding...",
		Percent: &percent,
	})
}

func (n *Notifier) TranscodeQueued(ctx context.Context, assetID string) {
	n.Report(ctx, assetID, models.StageTranscoding, "Transcode jobs queued...")
}

func (n *Notifier) TranscodeStarted(ctx context.Context, assetID string, rendition models.Rendition) {
	n.Report(ctx, assetID, models.StageTranscoding, fmt.Sprintf("Transcoding %s...", rendition))
}

func (n *Notifier) TranscodeCompleted(ctx context.Context, assetID string, rendition models.Rendition) {
	n.Report(ctx, assetID, models.StageTranscoding, fmt.Sprintf("Completed %s", rendition))
}

func (n *Notifier) TranscodeFailed(ctx context.Context, assetID string, rendition models.Rendition, cause error) {
	n.Report(ctx, assetID, models.StageTranscoding, fmt.Sprintf("Failed to transcode %s: %v", rendition, cause))
}

func (n *Notifier) ManifestStarted(ctx context.Context, assetID string) {
	n.Publish(ctx, assetID, nil, models.StageGeneratingHLS, "Generating HLS streams...")
}

func (n *Notifier) Ready(ctx context.Context, assetID string) {
	percent := 100
	n.Send(ctx, models.ProgressUpdate{
		AssetID: assetID,
		Stage:   models.StageReady,
		Message: "Video is ready to watch!",
		Percent: &percent,
	})
}

func (n *Notifier) Failed(ctx context.Context, assetID string, cause string) {
	n.Publish(ctx, assetID, nil, models.StageFailed, "Error: "+cause)
}
