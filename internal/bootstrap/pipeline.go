package bootstrap

import (
	"log/slog"
	"time"

	"github.com/aym-n/pixl/internal/config"
	"github.com/aym-n/pixl/internal/ffmpeg"
	"github.com/aym-n/pixl/internal/instrument"
	"github.com/aym-n/pixl/internal/manifest"
	"github.com/aym-n/pixl/internal/models"
	"github.com/aym-n/pixl/internal/observability/logging"
	"github.com/aym-n/pixl/internal/progress"
	"github.com/aym-n/pixl/internal/transcode"
	"github.com/aym-n/pixl/internal/upload"
)

// Pipeline is the set of components built from one configuration.
type Pipeline struct {
	Ladder       models.Ladder
	Notifier     *progress.Notifier
	Uploads      upload.Service
	Dispatcher   transcode.Dispatcher
	Tool         *ffmpeg.Tool
	instrumenter *instrument.Instrumenter
	cfg          config.Config
	backends     *Backends
	logger       *slog.Logger
}

// NewPipeline builds the upload manager and orchestrator behind their
// instrumentation decorators.
func NewPipeline(cfg config.Config, b *Backends, inst *instrument.Instrumenter, logger *slog.Logger) (*Pipeline, error) {
	logger = logging.OrDefault(logger)
	ladder, err := cfg.Transcode.Ladder()
	if err != nil {
		return nil, err
	}
	notifier := progress.New(progress.Config{
		Jobs:      b.Repo,
		Publisher: b.Hub,
		Logger:    logging.WithComponent(logger, "progress"),
	})
	tool := ffmpeg.New(ffmpeg.Config{
		FFmpegPath:  cfg.Transcode.FFmpegPath,
		FFprobePath: cfg.Transcode.FFprobePath,
		Logger:      logging.WithComponent(logger, "ffmpeg"),
	})

	uploadCfg := upload.Config{
		Sessions: b.Repo,
		Assets:   b.Repo,
		Blobs:    b.Blobs,
		Buckets: upload.Buckets{
			Chunks:     cfg.Blob.Buckets.Chunks,
			Originals:  cfg.Blob.Buckets.Originals,
			Thumbnails: cfg.Blob.Buckets.Thumbnails,
		},
		ChunkSize:  cfg.Upload.ChunkSize,
		SessionTTL: cfg.Upload.SessionTTL,
		ScratchDir: cfg.Transcode.ScratchDir,
		Notifier:   notifier,
		Prober:     tool,
		Logger:     logging.WithComponent(logger, "upload"),
	}
	if cfg.Transcode.Thumbnails {
		uploadCfg.Thumbnailer = tool
	}

	orchestrator := transcode.NewOrchestrator(transcode.OrchestratorConfig{
		Assets:    b.Repo,
		Sessions:  b.Repo,
		Jobs:      b.Repo,
		Publisher: b.Queue,
		Ladder:    ladder,
		Notifier:  notifier,
		Logger:    logging.WithComponent(logger, "orchestrator"),
	})

	return &Pipeline{
		Ladder:       ladder,
		Notifier:     notifier,
		Uploads:      inst.Upload(upload.NewManager(uploadCfg)),
		Dispatcher:   inst.Dispatcher(orchestrator),
		Tool:         tool,
		instrumenter: inst,
		cfg:          cfg,
		backends:     b,
		logger:       logger,
	}, nil
}

// WorkerPool assembles the manifest generator, aggregator and processor and
// returns a pool consuming the work queue. The pool is not started.
func (p *Pipeline) WorkerPool() *transcode.Pool {
	cfg := p.cfg
	logger := logging.WithComponent(p.logger, "worker")

	generator := manifest.New(manifest.Config{
		Blobs:           p.backends.Blobs,
		Bucket:          cfg.Blob.Buckets.Transcoded,
		Ladder:          p.Ladder,
		Segmenter:       p.Tool,
		SegmentDuration: cfg.Manifest.SegmentDuration,
		Parallelism:     cfg.Manifest.Parallelism,
		ScratchDir:      cfg.Transcode.ScratchDir,
		Logger:          logging.WithComponent(p.logger, "manifest"),
	})
	aggregator := transcode.NewAggregator(transcode.AggregatorConfig{
		Assets:   p.backends.Repo,
		Jobs:     p.backends.Repo,
		Manifest: p.instrumenter.Manifest(generator),
		Notifier: p.Notifier,
		Logger:   logger,
	})
	processor := transcode.NewProcessor(transcode.ProcessorConfig{
		Jobs:  p.backends.Repo,
		Blobs: p.backends.Blobs,
		Buckets: transcode.Buckets{
			Originals:  cfg.Blob.Buckets.Originals,
			Transcoded: cfg.Blob.Buckets.Transcoded,
		},
		Ladder:     p.Ladder,
		Encoder:    p.Tool,
		Aggregator: aggregator,
		Notifier:   p.Notifier,
		Timeout:    cfg.Workers.JobTimeout,
		ScratchDir: cfg.Transcode.ScratchDir,
		Logger:     logger,
	})
	return transcode.NewPool(transcode.PoolConfig{
		Queue:      p.backends.Queue,
		Handler:    p.instrumenter.Handler(processor),
		Workers:    cfg.Workers.Concurrency,
		RetryDelay: time.Second,
		Logger:     logger,
	})
}
