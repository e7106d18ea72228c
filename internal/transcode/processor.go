package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aym-n/pixl/internal/apperrors"
	"github.com/aym-n/pixl/internal/blob"
	"github.com/aym-n/pixl/internal/models"
	"github.com/aym-n/pixl/internal/storage"
)

type Buckets struct {
	Originals  string
	Transcoded string
}

type ProcessorConfig struct {
	Jobs       storage.JobStore
	Blobs      blob.Store
	Buckets    Buckets
	Ladder     models.Ladder
	Encoder    Encoder
	Aggregator *Aggregator
	Notifier   Notifier
	// Timeout bounds one job from source fetch to output upload.
	Timeout time.Duration
	// ScratchDir holds per-job working directories. Empty means the OS temp
	// dir.
	ScratchDir string
	Logger     *slog.Logger
	Now        func() time.Time
}

// Processor runs the per-message worker protocol: claim the job, fetch the
// source, encode, store the output, record the terminal state, then
// re-evaluate the asset.
type Processor struct {
	jobs       storage.JobStore
	blobs      blob.Store
	buckets    Buckets
	ladder     models.Ladder
	encoder    Encoder
	aggregator *Aggregator
	notifier   Notifier
	timeout    time.Duration
	scratchDir string
	logger     *slog.Logger
	now        func() time.Time
}

const defaultJobTimeout = 30 * time.Minute

func NewProcessor(cfg ProcessorConfig) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var notifier Notifier = nopNotifier{}
	if cfg.Notifier != nil {
		notifier = cfg.Notifier
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Processor{
		jobs:       cfg.Jobs,
		blobs:      cfg.Blobs,
		buckets:    cfg.Buckets,
		ladder:     cfg.Ladder,
		encoder:    cfg.Encoder,
		aggregator: cfg.Aggregator,
		notifier:   notifier,
		timeout:    timeout,
		scratchDir: cfg.ScratchDir,
		logger:     logger,
		now:        now,
	}
}

var errJobSettled = errors.New("job already terminal")

func (p *Processor) Handle(ctx context.Context, workerID string, msg models.WorkMessage) Outcome {
	logger := p.logger.With("job_id", msg.JobID, "asset_id", msg.AssetID, "rendition", msg.Rendition, "worker_id", workerID)

	job, err := p.jobs.GetJob(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Error("dropping message for unknown job")
			return OutcomeDropped
		}
		logger.Warn("job lookup failed", "error", err)
		return OutcomeRetry
	}
	if job.Status.Terminal() {
		// Redelivery of a settled job. The asset may not have been
		// evaluated if the previous worker stopped right after the write.
		logger.Info("skipping settled job", "status", job.Status)
		p.evaluate(ctx, logger, job.AssetID)
		return OutcomeSkipped
	}

	job, err = p.jobs.UpdateJob(ctx, job.ID, func(j *models.TranscodeJob) error {
		if j.Status.Terminal() {
			return errJobSettled
		}
		started := p.now().UTC()
		j.Status = models.JobProcessing
		j.WorkerID = workerID
		j.StartedAt = &started
		return nil
	})
	if err != nil {
		if errors.Is(err, errJobSettled) {
			p.evaluate(ctx, logger, msg.AssetID)
			return OutcomeSkipped
		}
		logger.Warn("claiming job failed", "error", err)
		return OutcomeRetry
	}
	p.notifier.TranscodeStarted(ctx, job.AssetID, job.Rendition)
	logger.Info("transcode started")

	key, size, runErr := p.run(ctx, job, msg.SourceKey)
	if runErr != nil && ctx.Err() != nil {
		// Shutdown interrupted the job; leave it PROCESSING for redelivery.
		logger.Warn("transcode interrupted", "error", runErr)
		return OutcomeRetry
	}

	var outcome Outcome
	if runErr != nil {
		outcome = p.recordFailure(ctx, logger, job, runErr)
	} else {
		outcome = p.recordSuccess(ctx, logger, job, key, size)
	}
	if outcome == OutcomeRetry {
		return outcome
	}
	p.evaluate(ctx, logger, job.AssetID)
	return outcome
}

// run does the fetch, encode and store steps inside a private scratch
// directory that is removed on every path.
func (p *Processor) run(ctx context.Context, job models.TranscodeJob, sourceKey string) (string, int64, error) {
	const op = "transcode.process"
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	profile, ok := p.ladder.Lookup(job.Rendition)
	if !ok {
		return "", 0, apperrors.Validation(op, "rendition %s is not configured", job.Rendition)
	}
	if sourceKey == "" {
		return "", 0, apperrors.Validation(op, "work message has no source key")
	}

	workDir, err := os.MkdirTemp(p.scratchDir, "pixl-job-"+job.ID+"-")
	if err != nil {
		return "", 0, apperrors.Transient(op, err)
	}
	defer os.RemoveAll(workDir)

	input := filepath.Join(workDir, "source"+filepath.Ext(sourceKey))
	if err := p.fetch(ctx, sourceKey, input); err != nil {
		return "", 0, apperrors.Transient(op, err)
	}
	output := filepath.Join(workDir, "output.mp4")
	if err := p.encoder.Encode(ctx, input, profile, output); err != nil {
		return "", 0, apperrors.Encode(op, err)
	}

	file, err := os.Open(output)
	if err != nil {
		return "", 0, apperrors.Encode(op, err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return "", 0, apperrors.Encode(op, err)
	}
	key := models.RenditionObjectKey(job.AssetID, job.Rendition)
	if err := p.blobs.Put(ctx, p.buckets.Transcoded, key, file, info.Size(), "video/mp4"); err != nil {
		return "", 0, apperrors.Transient(op, fmt.Errorf("store output: %w", err))
	}
	return key, info.Size(), nil
}

func (p *Processor) fetch(ctx context.Context, key, dst string) error {
	body, err := p.blobs.Get(ctx, p.buckets.Originals, key)
	if err != nil {
		return fmt.Errorf("fetch source %s: %w", key, err)
	}
	defer body.Close()
	file, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, body); err != nil {
		_ = file.Close()
		return fmt.Errorf("fetch source %s: %w", key, err)
	}
	return file.Close()
}

func (p *Processor) recordSuccess(ctx context.Context, logger *slog.Logger, job models.TranscodeJob, key string, size int64) Outcome {
	_, err := p.jobs.UpdateJob(ctx, job.ID, func(j *models.TranscodeJob) error {
		if j.Status == models.JobFailed {
			return errJobSettled
		}
		completed := p.now().UTC()
		j.Status = models.JobCompleted
		j.CompletedAt = &completed
		j.OutputKey = key
		j.OutputSize = size
		j.Error = ""
		return nil
	})
	if err != nil {
		if errors.Is(err, errJobSettled) {
			logger.Warn("job failed elsewhere, keeping failure")
			return OutcomeSkipped
		}
		logger.Error("recording completion failed", "error", err)
		return OutcomeRetry
	}
	logger.Info("transcode completed", "output_key", key, "output_size", size)
	p.notifier.TranscodeCompleted(ctx, job.AssetID, job.Rendition)
	return OutcomeCompleted
}

func (p *Processor) recordFailure(ctx context.Context, logger *slog.Logger, job models.TranscodeJob, cause error) Outcome {
	_, err := p.jobs.UpdateJob(ctx, job.ID, func(j *models.TranscodeJob) error {
		if j.Status == models.JobCompleted {
			return errJobSettled
		}
		completed := p.now().UTC()
		j.Status = models.JobFailed
		j.RetryCount++
		j.Error = cause.Error()
		j.CompletedAt = &completed
		return nil
	})
	if err != nil {
		if errors.Is(err, errJobSettled) {
			logger.Warn("job completed elsewhere, ignoring failure", "error", cause)
			return OutcomeSkipped
		}
		logger.Error("recording failure failed", "error", err, "failure", cause)
		return OutcomeRetry
	}
	logger.Error("transcode failed", "error", cause)
	p.notifier.TranscodeFailed(ctx, job.AssetID, job.Rendition, cause)
	return OutcomeFailed
}

func (p *Processor) evaluate(ctx context.Context, logger *slog.Logger, assetID string) {
	if p.aggregator == nil {
		return
	}
	decision, err := p.aggregator.Evaluate(ctx, assetID)
	if err != nil {
		logger.Error("asset aggregation failed", "error", err)
		return
	}
	logger.Debug("asset aggregated", "decision", decision)
}
