package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/puddle/v2"

	"github.com/aym-n/pixl/internal/models"
)

func TestIsNoRows(t *testing.T) {
	if !isNoRows(pgx.ErrNoRows) {
		t.Fatalf("expected pgx.ErrNoRows to be detected")
	}
	if !isNoRows(fmt.Errorf("wrap: %w", pgx.ErrNoRows)) {
		t.Fatalf("expected wrapped no rows to be detected")
	}
	if isNoRows(puddle.ErrClosedPool) {
		t.Fatalf("closed pool is not a missing row")
	}
	if isNoRows(nil) {
		t.Fatalf("nil is not a missing row")
	}
}

func TestTranslateError(t *testing.T) {
	if !errors.Is(translateError(pgx.ErrNoRows), ErrNotFound) {
		t.Fatalf("expected no rows to map to ErrNotFound")
	}
	unique := &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "transcode_jobs_asset_id_rendition_key"}
	if !errors.Is(translateError(unique), ErrConflict) {
		t.Fatalf("expected unique violation to map to ErrConflict")
	}
	fk := &pgconn.PgError{Code: pgForeignKeyViolation}
	if !errors.Is(translateError(fk), ErrNotFound) {
		t.Fatalf("expected foreign key violation to map to ErrNotFound")
	}
	closed := translateError(puddle.ErrClosedPool)
	if !IsPoolClosed(closed) {
		t.Fatalf("expected closed pool to remain detectable, got %v", closed)
	}
	if translateError(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}

func TestPostgresOptions(t *testing.T) {
	cfg := newPostgresConfig(" postgres://localhost/pixl ",
		WithPostgresPoolLimits(8, 2),
		WithPostgresAcquireTimeout(time.Second),
		WithPostgresPoolDurations(time.Hour, time.Minute, 0),
		WithPostgresApplicationName(" worker "),
		WithoutMigrations(),
		nil,
	)
	if cfg.DSN != "postgres://localhost/pixl" {
		t.Fatalf("unexpected dsn %q", cfg.DSN)
	}
	if cfg.MaxConnections != 8 || cfg.MinConnections != 2 || cfg.AcquireTimeout != time.Second {
		t.Fatalf("unexpected pool settings %+v", cfg)
	}
	if cfg.MaxConnLifetime != time.Hour || cfg.MaxConnIdleTime != time.Minute || cfg.HealthCheckInterval != 0 {
		t.Fatalf("unexpected durations %+v", cfg)
	}
	if cfg.ApplicationName != "worker" || !cfg.SkipMigrations {
		t.Fatalf("unexpected application settings %+v", cfg)
	}
}

func TestNewPostgresRepositoryRequiresDSN(t *testing.T) {
	if _, err := NewPostgresRepository(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestPostgresRepositoryLive(t *testing.T) {
	dsn := os.Getenv("PIXL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PIXL_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	repo, err := NewPostgresRepository(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresRepository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close(context.Background()) })

	id := NewID()
	now := time.Now().UTC().Truncate(time.Microsecond)
	if err := repo.CreateSession(ctx, models.UploadSession{
		ID: id, Filename: "f.mp4", TotalSize: 10, ChunkSize: 4, TotalChunks: 3,
		Status: models.UploadInProgress, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	t.Cleanup(func() { _ = repo.DeleteSession(context.Background(), id) })
	for _, idx := range []int{1, 0, 1} {
		if _, err := repo.AddChunk(ctx, id, idx); err != nil {
			t.Fatalf("AddChunk: %v", err)
		}
	}
	session, err := repo.GetSession(ctx, id)
	if err != nil || session.ChunkCount() != 2 {
		t.Fatalf("unexpected session %+v %v", session, err)
	}

	if err := repo.CreateAsset(ctx, models.Asset{ID: id, Status: models.AssetUploaded, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}
	t.Cleanup(func() { _ = repo.DeleteAsset(context.Background(), id) })
	job := models.TranscodeJob{ID: NewID(), AssetID: id, Rendition: models.Rendition360p, Status: models.JobQueued, CreatedAt: now}
	if err := repo.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	job.ID = NewID()
	if err := repo.CreateJob(ctx, job); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected duplicate pair conflict, got %v", err)
	}
}
