package transcode

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/aym-n/pixl/internal/apperrors"
	"github.com/aym-n/pixl/internal/models"
	"github.com/aym-n/pixl/internal/storage"
)

// Decision is the asset-level verdict over a snapshot of its jobs.
type Decision int

const (
	// DecisionWait means some job is still QUEUED or PROCESSING and none
	// has failed.
	DecisionWait Decision = iota
	// DecisionReady means every job is COMPLETED.
	DecisionReady
	// DecisionFailed means at least one job is FAILED.
	DecisionFailed
)

func (d Decision) String() string {
	switch d {
	case DecisionWait:
		return "wait"
	case DecisionReady:
		return "ready"
	case DecisionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Decide folds job states into a Decision. A single failed job fails the
// asset without waiting for the others. An empty snapshot waits.
func Decide(jobs []models.TranscodeJob) Decision {
	if len(jobs) == 0 {
		return DecisionWait
	}
	completed := 0
	for _, job := range jobs {
		switch job.Status {
		case models.JobFailed:
			return DecisionFailed
		case models.JobCompleted:
			completed++
		case models.JobQueued, models.JobProcessing:
		}
	}
	if completed == len(jobs) {
		return DecisionReady
	}
	return DecisionWait
}

type AggregatorConfig struct {
	Assets   storage.AssetStore
	Jobs     storage.JobStore
	Manifest ManifestBuilder
	Notifier Notifier
	Logger   *slog.Logger
	Now      func() time.Time
}

// Aggregator applies Decide to the persisted jobs of an asset and performs
// the resulting asset transition. Evaluate may run concurrently and
// redundantly from several workers; transitions are compare-and-set on the
// asset status so each terminal state is entered once.
type Aggregator struct {
	assets   storage.AssetStore
	jobs     storage.JobStore
	manifest ManifestBuilder
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewAggregator(cfg AggregatorConfig) *Aggregator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var notifier Notifier = nopNotifier{}
	if cfg.Notifier != nil {
		notifier = cfg.Notifier
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		assets:   cfg.Assets,
		jobs:     cfg.Jobs,
		manifest: cfg.Manifest,
		notifier: notifier,
		logger:   logger,
		now:      now,
	}
}

var errNoTransition = errors.New("asset already settled")

// Evaluate re-reads the jobs of assetID and settles the asset when the jobs
// allow it. It returns the decision taken from the snapshot.
func (a *Aggregator) Evaluate(ctx context.Context, assetID string) (Decision, error) {
	const op = "transcode.aggregate"
	jobs, err := a.jobs.ListJobsByAsset(ctx, assetID)
	if err != nil {
		return DecisionWait, apperrors.Transient(op, err)
	}
	decision := Decide(jobs)
	switch decision {
	case DecisionWait:
		return decision, nil
	case DecisionFailed:
		return decision, a.fail(ctx, op, assetID, jobs)
	case DecisionReady:
		return decision, a.ready(ctx, op, assetID)
	default:
		return decision, nil
	}
}

func (a *Aggregator) fail(ctx context.Context, op, assetID string, jobs []models.TranscodeJob) error {
	settled, err := a.settle(ctx, op, assetID, models.AssetFailed, "")
	if err != nil || !settled {
		return err
	}
	cause := failureCause(jobs)
	a.logger.Warn("asset failed", "asset_id", assetID, "cause", cause)
	a.notifier.Failed(ctx, assetID, cause)
	return nil
}

func (a *Aggregator) ready(ctx context.Context, op, assetID string) error {
	asset, err := a.assets.GetAsset(ctx, assetID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NotFound(op, "asset", assetID)
		}
		return apperrors.Transient(op, err)
	}
	if asset.Status.Terminal() {
		return nil
	}

	var manifestKey string
	if a.manifest != nil {
		a.notifier.ManifestStarted(ctx, assetID)
		result, err := a.manifest.Build(ctx, assetID)
		if err != nil {
			a.logger.Error("manifest generation failed", "asset_id", assetID, "error", err)
		}
		manifestKey = result.MasterKey
	}

	settled, err := a.settle(ctx, op, assetID, models.AssetReady, manifestKey)
	if err != nil || !settled {
		return err
	}
	a.logger.Info("asset ready", "asset_id", assetID, "manifest_key", manifestKey)
	a.notifier.Ready(ctx, assetID)
	return nil
}

// settle moves the asset to status. It reports false when another
// evaluation got there first or the asset can no longer move to status.
func (a *Aggregator) settle(ctx context.Context, op, assetID string, status models.AssetStatus, manifestKey string) (bool, error) {
	_, err := a.assets.UpdateAsset(ctx, assetID, func(asset *models.Asset) error {
		if !asset.Status.CanTransition(status) {
			return errNoTransition
		}
		asset.Status = status
		if manifestKey != "" {
			asset.ManifestKey = manifestKey
		}
		asset.UpdatedAt = a.now().UTC()
		return nil
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errNoTransition):
		return false, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, apperrors.NotFound(op, "asset", assetID)
	default:
		return false, apperrors.Transient(op, err)
	}
}

func failureCause(jobs []models.TranscodeJob) string {
	var parts []string
	for _, job := range jobs {
		if job.Status != models.JobFailed {
			continue
		}
		if job.Error == "" {
			parts = append(parts, string(job.Rendition)+" failed")
			continue
		}
		parts = append(parts, string(job.Rendition)+": "+job.Error)
	}
	return strings.Join(parts, "; ")
}
