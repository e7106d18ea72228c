package storage

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"

	"github.com/aym-n/pixl/internal/models"
)

func newPebbleForTest(t *testing.T) *PebbleRepository {
	t.Helper()
	repo, err := NewPebbleRepository("pixl", WithPebbleFS(vfs.NewMem()))
	if err != nil {
		t.Fatalf("NewPebbleRepository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close(context.Background()) })
	return repo
}

func forEachRepository(t *testing.T, fn func(t *testing.T, repo Repository)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryRepository()) })
	t.Run("pebble", func(t *testing.T) { fn(t, newPebbleForTest(t)) })
}

func TestSessionLifecycle(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		now := time.Now().UTC()
		session := models.UploadSession{
			ID:          "s1",
			Filename:    "clip.mp4",
			TotalSize:   10,
			ChunkSize:   4,
			TotalChunks: 3,
			Status:      models.UploadInProgress,
			CreatedAt:   now,
			ExpiresAt:   now.Add(time.Hour),
		}
		if err := repo.CreateSession(ctx, session); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if err := repo.CreateSession(ctx, session); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected conflict, got %v", err)
		}
		for _, idx := range []int{2, 0, 2} {
			if _, err := repo.AddChunk(ctx, "s1", idx); err != nil {
				t.Fatalf("AddChunk(%d): %v", idx, err)
			}
		}
		got, err := repo.GetSession(ctx, "s1")
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if !reflect.DeepEqual(got.ReceivedChunks, []int{0, 2}) {
			t.Fatalf("unexpected chunks %v", got.ReceivedChunks)
		}
		completed, err := repo.MarkSessionCompleted(ctx, "s1")
		if err != nil || completed.Status != models.UploadCompleted {
			t.Fatalf("MarkSessionCompleted: %+v %v", completed, err)
		}
		if _, err := repo.AddChunk(ctx, "missing", 0); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found for unknown session, got %v", err)
		}
		if err := repo.DeleteSession(ctx, "s1"); err != nil {
			t.Fatalf("DeleteSession: %v", err)
		}
		if _, err := repo.GetSession(ctx, "s1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found after delete, got %v", err)
		}
	})
}

func TestConcurrentChunkAdmissionIsSetUnion(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		if err := repo.CreateSession(ctx, models.UploadSession{ID: "s2", TotalChunks: 8, Status: models.UploadInProgress}); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				if _, err := repo.AddChunk(ctx, "s2", idx%8); err != nil {
					t.Errorf("AddChunk: %v", err)
				}
			}(i)
		}
		wg.Wait()
		got, err := repo.GetSession(ctx, "s2")
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if !got.IsComplete() || got.ChunkCount() != 8 {
			t.Fatalf("expected 8 unique chunks, got %v", got.ReceivedChunks)
		}
	})
}

func TestListExpiredSessions(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		now := time.Now().UTC()
		sessions := []models.UploadSession{
			{ID: "old", Status: models.UploadInProgress, ExpiresAt: now.Add(-time.Hour)},
			{ID: "done", Status: models.UploadCompleted, ExpiresAt: now.Add(-time.Hour)},
			{ID: "fresh", Status: models.UploadInProgress, ExpiresAt: now.Add(time.Hour)},
		}
		for _, s := range sessions {
			if err := repo.CreateSession(ctx, s); err != nil {
				t.Fatalf("CreateSession: %v", err)
			}
		}
		expired, err := repo.ListExpiredSessions(ctx, now, 10)
		if err != nil {
			t.Fatalf("ListExpiredSessions: %v", err)
		}
		if len(expired) != 1 || expired[0].ID != "old" {
			t.Fatalf("unexpected expired sessions %+v", expired)
		}
	})
}

func TestUpdateAssetAbortsOnMutationError(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		if err := repo.CreateAsset(ctx, models.Asset{ID: "a1", Status: models.AssetUploaded}); err != nil {
			t.Fatalf("CreateAsset: %v", err)
		}
		abort := errors.New("not allowed")
		if _, err := repo.UpdateAsset(ctx, "a1", func(a *models.Asset) error {
			a.Status = models.AssetReady
			return abort
		}); !errors.Is(err, abort) {
			t.Fatalf("expected mutation error, got %v", err)
		}
		asset, err := repo.GetAsset(ctx, "a1")
		if err != nil || asset.Status != models.AssetUploaded {
			t.Fatalf("expected untouched asset, got %+v %v", asset, err)
		}
		views, err := repo.IncrementViews(ctx, "a1")
		if err != nil || views != 1 {
			t.Fatalf("IncrementViews: %d %v", views, err)
		}
		if _, err := repo.UpdateAsset(ctx, "nope", func(*models.Asset) error { return nil }); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestListAssetsNewestFirst(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		base := time.Now().UTC()
		for i, id := range []string{"a", "b", "c"} {
			if err := repo.CreateAsset(ctx, models.Asset{ID: id, Status: models.AssetUploaded, CreatedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
				t.Fatalf("CreateAsset: %v", err)
			}
		}
		assets, err := repo.ListAssets(ctx, 2)
		if err != nil {
			t.Fatalf("ListAssets: %v", err)
		}
		if len(assets) != 2 || assets[0].ID != "c" || assets[1].ID != "b" {
			t.Fatalf("unexpected order %+v", assets)
		}
	})
}

func TestJobsArePerAssetRenditionPair(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		base := time.Now().UTC()
		jobs := []models.TranscodeJob{
			{ID: "j1", AssetID: "a1", Rendition: models.Rendition360p, Status: models.JobQueued, CreatedAt: base},
			{ID: "j2", AssetID: "a1", Rendition: models.Rendition720p, Status: models.JobQueued, CreatedAt: base.Add(time.Millisecond)},
			{ID: "j3", AssetID: "a2", Rendition: models.Rendition360p, Status: models.JobQueued, CreatedAt: base},
		}
		for _, job := range jobs {
			if err := repo.CreateJob(ctx, job); err != nil {
				t.Fatalf("CreateJob: %v", err)
			}
		}
		duplicate := models.TranscodeJob{ID: "j4", AssetID: "a1", Rendition: models.Rendition720p, Status: models.JobQueued}
		if err := repo.CreateJob(ctx, duplicate); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected conflict for duplicate pair, got %v", err)
		}

		listed, err := repo.ListJobsByAsset(ctx, "a1")
		if err != nil {
			t.Fatalf("ListJobsByAsset: %v", err)
		}
		if len(listed) != 2 || listed[0].ID != "j1" || listed[1].ID != "j2" {
			t.Fatalf("unexpected jobs %+v", listed)
		}

		updated, err := repo.UpdateJob(ctx, "j1", func(job *models.TranscodeJob) error {
			job.Status = models.JobProcessing
			job.WorkerID = "w1"
			job.AssetID = "tampered"
			return nil
		})
		if err != nil {
			t.Fatalf("UpdateJob: %v", err)
		}
		if updated.AssetID != "a1" || updated.WorkerID != "w1" {
			t.Fatalf("identity must be preserved, got %+v", updated)
		}
		queued, err := repo.CountJobsByStatus(ctx, models.JobQueued)
		if err != nil || queued != 2 {
			t.Fatalf("expected 2 queued, got %d %v", queued, err)
		}
	})
}

func TestPrefixUpperBound(t *testing.T) {
	if got := string(prefixUpperBound([]byte("job/"))); got != "job0" {
		t.Fatalf("unexpected bound %q", got)
	}
	if got := prefixUpperBound([]byte{0xff, 0xff}); got != nil {
		t.Fatalf("expected nil bound for all-0xff prefix, got %v", got)
	}
}
