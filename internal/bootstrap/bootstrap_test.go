package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/aym-n/pixl/internal/config"
	"github.com/aym-n/pixl/internal/instrument"
	"github.com/aym-n/pixl/internal/models"
	"github.com/aym-n/pixl/internal/observability/metrics"
	"github.com/aym-n/pixl/internal/progress"
	"github.com/aym-n/pixl/internal/upload"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func loadDefaults(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Transcode.ScratchDir = t.TempDir()
	return cfg
}

func TestOpenInProcessBackends(t *testing.T) {
	cfg := loadDefaults(t)
	ctx := context.Background()

	b, err := Open(ctx, cfg, quietLogger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(ctx) })

	if !b.InProcess() {
		t.Fatal("memory queue must report in-process delivery")
	}
	if b.Redis != nil {
		t.Fatal("memory backends must not open a redis client")
	}
	if _, ok := b.Hub.(*progress.MemoryHub); !ok {
		t.Fatalf("expected memory hub, got %T", b.Hub)
	}
	for _, bucket := range cfg.Blob.Buckets.All() {
		if _, err := b.Blobs.List(ctx, bucket, ""); err != nil {
			t.Fatalf("bucket %s not created: %v", bucket, err)
		}
	}
	if err := b.Repo.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestOpenRepositoryDrivers(t *testing.T) {
	ctx := context.Background()
	repo, err := OpenRepository(ctx, config.StorageConfig{
		Driver: "pebble",
		Pebble: config.PebbleConfig{Dir: filepath.Join(t.TempDir(), "db")},
	})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	if err := repo.CreateAsset(ctx, models.Asset{ID: "a1", Status: models.AssetUploaded}); err != nil {
		t.Fatalf("create asset: %v", err)
	}
	if err := repo.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := OpenRepository(ctx, config.StorageConfig{Driver: "cassandra"}); err == nil {
		t.Fatal("expected unsupported driver error")
	}
	if _, err := OpenBlobs(ctx, config.BlobConfig{Driver: "gcs"}); err == nil {
		t.Fatal("expected unsupported blob driver error")
	}
}

func TestPipelineWiresInstrumentedServices(t *testing.T) {
	cfg := loadDefaults(t)
	ctx := context.Background()
	b, err := Open(ctx, cfg, quietLogger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(ctx) })

	recorder := metrics.New()
	p, err := NewPipeline(cfg, b, instrument.New(noop.NewTracerProvider(), recorder), quietLogger)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if p.Ladder.Len() != 4 {
		t.Fatalf("expected default ladder, got %d renditions", p.Ladder.Len())
	}

	initiated, err := p.Uploads.Initiate(ctx, upload.InitiateRequest{Filename: "clip.mp4", TotalSize: 10})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if initiated.ChunkSize != cfg.Upload.ChunkSize || initiated.TotalChunks != 1 {
		t.Fatalf("unexpected initiation %+v", initiated)
	}
	if _, err := p.Dispatcher.Dispatch(ctx, initiated.UploadID); err == nil {
		t.Fatal("dispatch before completion must fail")
	}

	pool := p.WorkerPool()
	pool.Start()
	if got := len(pool.WorkerIDs()); got != cfg.Workers.Concurrency {
		t.Fatalf("expected %d workers, got %d", cfg.Workers.Concurrency, got)
	}
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
