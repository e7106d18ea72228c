// Package bootstrap opens the backends selected by config.Config and
// assembles the pipeline components shared by the pixl binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/aym-n/pixl/internal/blob"
	"github.com/aym-n/pixl/internal/config"
	"github.com/aym-n/pixl/internal/observability/logging"
	"github.com/aym-n/pixl/internal/progress"
	"github.com/aym-n/pixl/internal/queue"
	"github.com/aym-n/pixl/internal/storage"
)

// Hub publishes and subscribes to progress topics.
type Hub interface {
	progress.Publisher
	progress.Subscriber
}

// Backends holds the opened collaborators. Close releases them in reverse
// order of opening.
type Backends struct {
	Repo  storage.Repository
	Blobs blob.Store
	Queue queue.Queue
	Hub   Hub
	// Redis is the client shared by the queue and the hub, nil when the
	// in-process backends are used.
	Redis redis.UniversalClient

	closers []func(context.Context) error
}

// Open connects every backend named in cfg. On failure the backends opened
// so far are closed.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Backends, error) {
	logger = logging.OrDefault(logger)
	b := &Backends{}

	repo, err := OpenRepository(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	b.Repo = repo
	b.closers = append(b.closers, repo.Close)

	blobs, err := OpenBlobs(ctx, cfg.Blob)
	if err != nil {
		_ = b.Close(ctx)
		return nil, err
	}
	b.Blobs = blobs

	switch cfg.Queue.Driver {
	case "redis":
		streams, err := queue.NewRedisStreams(queue.RedisStreamsConfig{
			Addr:              cfg.Redis.Addr,
			Addrs:             cfg.Redis.Addrs,
			Username:          cfg.Redis.Username,
			Password:          cfg.Redis.Password,
			DB:                cfg.Redis.DB,
			Stream:            cfg.Queue.Name,
			Group:             cfg.Queue.Group,
			BlockTimeout:      cfg.Queue.BlockTimeout,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			Logger:            logging.WithComponent(logger, "queue"),
		})
		if err != nil {
			_ = b.Close(ctx)
			return nil, fmt.Errorf("open redis queue: %w", err)
		}
		b.Queue = streams
		b.Redis = streams.Client()
		b.Hub = progress.NewRedisHub(b.Redis, logging.WithComponent(logger, "progress"))
	default:
		b.Queue = queue.NewMemoryQueue()
		b.Hub = progress.NewMemoryHub(0)
	}
	b.closers = append(b.closers, func(context.Context) error { return b.Queue.Close() })

	logger.Info("backends opened",
		"storage", cfg.Storage.Driver,
		"blob", cfg.Blob.Driver,
		"queue", cfg.Queue.Driver,
	)
	return b, nil
}

// Close releases every opened backend and joins their errors.
func (b *Backends) Close(ctx context.Context) error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// InProcess reports whether the queue only reaches consumers in this
// process, in which case the server runs the worker pool itself.
func (b *Backends) InProcess() bool {
	_, ok := b.Queue.(*queue.MemoryQueue)
	return ok
}

// OpenRepository opens the record store named by cfg.Driver.
func OpenRepository(ctx context.Context, cfg config.StorageConfig) (storage.Repository, error) {
	switch cfg.Driver {
	case "", "memory":
		return storage.NewMemoryRepository(), nil
	case "postgres":
		repo, err := storage.NewPostgresRepository(ctx, cfg.Postgres.DSN,
			storage.WithPostgresPoolLimits(cfg.Postgres.MaxConns, cfg.Postgres.MinConns),
			storage.WithPostgresPoolDurations(cfg.Postgres.MaxConnLifetime, cfg.Postgres.MaxConnIdleTime, cfg.Postgres.HealthCheck),
			storage.WithPostgresAcquireTimeout(cfg.Postgres.AcquireTimeout),
			storage.WithPostgresApplicationName("pixl"),
		)
		if err != nil {
			return nil, fmt.Errorf("open postgres repository: %w", err)
		}
		return repo, nil
	case "pebble":
		repo, err := storage.NewPebbleRepository(cfg.Pebble.Dir)
		if err != nil {
			return nil, fmt.Errorf("open pebble repository: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// OpenBlobs opens the blob store named by cfg.Driver and creates the
// configured buckets.
func OpenBlobs(ctx context.Context, cfg config.BlobConfig) (blob.Store, error) {
	var store blob.Store
	switch cfg.Driver {
	case "", "memory":
		store = blob.NewMemoryStore()
	case "s3":
		s3, err := blob.NewS3Store(ctx, blob.S3Config{
			Endpoint:     cfg.S3.Endpoint,
			Region:       cfg.S3.Region,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("open s3 blob store: %w", err)
		}
		store = s3
	default:
		return nil, fmt.Errorf("unsupported blob driver %q", cfg.Driver)
	}
	if err := store.EnsureBuckets(ctx, cfg.Buckets.All()...); err != nil {
		return nil, fmt.Errorf("ensure buckets: %w", err)
	}
	return store, nil
}
