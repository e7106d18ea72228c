package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/aym-n/pixl/internal/apperrors"
	"github.com/aym-n/pixl/internal/blob"
	"github.com/aym-n/pixl/internal/models"
	"github.com/aym-n/pixl/internal/storage"
)

const (
	testChunkSize = 4
	chunkBucket   = "chunks"
	sourceBucket  = "videos-original"
	thumbBucket   = "thumbnails"
)

type recordingNotifier struct {
	mu        sync.Mutex
	percents  []int
	completed []string
}

func (n *recordingNotifier) UploadProgress(ctx context.Context, assetID string, percent int) {
	n.mu.Lock()
	n.percents = append(n.percents, percent)
	n.mu.Unlock()
}

func (n *recordingNotifier) UploadComplete(ctx context.Context, assetID string) {
	n.mu.Lock()
	n.completed = append(n.completed, assetID)
	n.mu.Unlock()
}

type fakeThumbnailer struct{ err error }

func (f fakeThumbnailer) Thumbnail(ctx context.Context, src, dst string) error {
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(dst, []byte("jpeg"), 0o600)
}

type fakeProber struct{ duration time.Duration }

func (f fakeProber) Duration(ctx context.Context, path string) (time.Duration, error) {
	return f.duration, nil
}

// failingBlobs fails Put for the originals bucket.
type failingBlobs struct {
	*blob.MemoryStore
}

func (f failingBlobs) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if bucket == sourceBucket {
		return errors.New("object store unavailable")
	}
	return f.MemoryStore.Put(ctx, bucket, key, body, size, contentType)
}

type harness struct {
	manager  *Manager
	repo     *storage.MemoryRepository
	blobs    *blob.MemoryStore
	notifier *recordingNotifier
}

func newHarness(t *testing.T, mutate func(*Config)) harness {
	t.Helper()
	repo := storage.NewMemoryRepository()
	blobs := blob.NewMemoryStore()
	notifier := &recordingNotifier{}
	cfg := Config{
		Sessions:   repo,
		Assets:     repo,
		Blobs:      blobs,
		Buckets:    Buckets{Chunks: chunkBucket, Originals: sourceBucket, Thumbnails: thumbBucket},
		ChunkSize:  testChunkSize,
		SessionTTL: time.Hour,
		ScratchDir: t.TempDir(),
		Notifier:   notifier,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return harness{manager: NewManager(cfg), repo: repo, blobs: blobs, notifier: notifier}
}

func readObject(t *testing.T, store blob.Store, bucket, key string) []byte {
	t.Helper()
	body, err := store.Get(context.Background(), bucket, key)
	if err != nil {
		t.Fatalf("get %s/%s: %v", bucket, key, err)
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read %s/%s: %v", bucket, key, err)
	}
	return data
}

func TestInitiateComputesChunkCount(t *testing.T) {
	h := newHarness(t, nil)
	testCases := []struct {
		size   int64
		chunks int
	}{
		{size: 1, chunks: 1},
		{size: 4, chunks: 1},
		{size: 5, chunks: 2},
		{size: 10, chunks: 3},
		{size: 12, chunks: 3},
	}
	for _, tc := range testCases {
		res, err := h.manager.Initiate(context.Background(), InitiateRequest{Filename: "clip.mp4", TotalSize: tc.size})
		if err != nil {
			t.Fatalf("initiate %d: %v", tc.size, err)
		}
		if res.TotalChunks != tc.chunks || res.ChunkSize != testChunkSize {
			t.Fatalf("size %d: expected %d chunks of %d, got %+v", tc.size, tc.chunks, testChunkSize, res)
		}
		asset, err := h.repo.GetAsset(context.Background(), res.UploadID)
		if err != nil {
			t.Fatalf("expected placeholder asset: %v", err)
		}
		if asset.Status != models.AssetUploaded || asset.Title != "clip.mp4" {
			t.Fatalf("unexpected placeholder asset: %+v", asset)
		}
	}
}

func TestInitiateRejectsInvalidSize(t *testing.T) {
	h := newHarness(t, nil)
	for _, size := range []int64{0, -5} {
		_, err := h.manager.Initiate(context.Background(), InitiateRequest{Filename: "clip.mp4", TotalSize: size})
		if !apperrors.IsValidation(err) {
			t.Fatalf("size %d: expected validation error, got %v", size, err)
		}
	}
}

// 10 bytes in 4 byte chunks mirrors the 10 MB / 4 MB walkthrough.
func TestUploadScenario(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res, err := h.manager.Initiate(ctx, InitiateRequest{Filename: "Movie.MP4", TotalSize: 10, Title: "Movie"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if res.TotalChunks != 3 {
		t.Fatalf("expected 3 chunks, got %d", res.TotalChunks)
	}
	payload := []byte("0123456789")

	if _, err := h.manager.AdmitChunk(ctx, res.UploadID, 1, payload[4:8]); err != nil {
		t.Fatalf("admit 1: %v", err)
	}
	progress, err := h.manager.AdmitChunk(ctx, res.UploadID, 0, payload[0:4])
	if err != nil {
		t.Fatalf("admit 0: %v", err)
	}
	if progress.UploadedChunks != 2 || int(progress.Progress) != 66 {
		t.Fatalf("expected 2/3 at 66%%, got %+v", progress)
	}
	if _, err := h.manager.Complete(ctx, res.UploadID); !apperrors.IsState(err) {
		t.Fatalf("expected state error for incomplete upload, got %v", err)
	}
	if _, err := h.manager.AdmitChunk(ctx, res.UploadID, 2, payload[8:]); err != nil {
		t.Fatalf("admit 2: %v", err)
	}

	asset, err := h.manager.Complete(ctx, res.UploadID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if asset.SourceKey != res.UploadID+".mp4" {
		t.Fatalf("expected lower-cased source key, got %q", asset.SourceKey)
	}
	if asset.SizeBytes != 10 || asset.Checksum == "" || asset.Status != models.AssetUploaded {
		t.Fatalf("unexpected asset after complete: %+v", asset)
	}
	if got := readObject(t, h.blobs, sourceBucket, asset.SourceKey); !bytes.Equal(got, payload) {
		t.Fatalf("expected reassembled %q, got %q", payload, got)
	}
	session, err := h.repo.GetSession(ctx, res.UploadID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Status != models.UploadCompleted {
		t.Fatalf("expected completed session, got %s", session.Status)
	}
	keys, err := h.blobs.List(ctx, chunkBucket, res.UploadID)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected chunk blobs to be removed, got %v", keys)
	}
	if len(h.notifier.completed) != 1 || h.notifier.completed[0] != res.UploadID {
		t.Fatalf("expected one completion notification, got %v", h.notifier.completed)
	}
	if len(h.notifier.percents) != 3 || h.notifier.percents[2] != 100 {
		t.Fatalf("unexpected progress notifications %v", h.notifier.percents)
	}
}

func TestReassemblyIgnoresAdmissionOrderAndDuplicates(t *testing.T) {
	payload := []byte("abcdefghijk")
	orders := [][]int{{0, 1, 2}, {2, 0, 1}, {1, 1, 2, 0, 2}}
	var reference []byte
	for _, order := range orders {
		h := newHarness(t, nil)
		ctx := context.Background()
		res, err := h.manager.Initiate(ctx, InitiateRequest{Filename: "a.mov", TotalSize: int64(len(payload))})
		if err != nil {
			t.Fatalf("initiate: %v", err)
		}
		for _, index := range order {
			end := (index + 1) * testChunkSize
			if end > len(payload) {
				end = len(payload)
			}
			if _, err := h.manager.AdmitChunk(ctx, res.UploadID, index, payload[index*testChunkSize:end]); err != nil {
				t.Fatalf("order %v: admit %d: %v", order, index, err)
			}
		}
		progress, err := h.manager.Progress(ctx, res.UploadID)
		if err != nil {
			t.Fatalf("progress: %v", err)
		}
		if progress.UploadedChunks != 3 {
			t.Fatalf("order %v: expected 3 unique chunks, got %d", order, progress.UploadedChunks)
		}
		asset, err := h.manager.Complete(ctx, res.UploadID)
		if err != nil {
			t.Fatalf("order %v: complete: %v", order, err)
		}
		got := readObject(t, h.blobs, sourceBucket, asset.SourceKey)
		if !bytes.Equal(got, payload) {
			t.Fatalf("order %v: expected %q, got %q", order, payload, got)
		}
		if reference == nil {
			reference = got
		} else if !bytes.Equal(reference, got) {
			t.Fatalf("order %v produced different output", order)
		}
	}
}

func TestAdmitChunkErrors(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.manager.AdmitChunk(ctx, "missing", 0, []byte("data")); !apperrors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	res, err := h.manager.Initiate(ctx, InitiateRequest{Filename: "a.mp4", TotalSize: 6})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := h.manager.AdmitChunk(ctx, res.UploadID, 2, []byte("zz")); !apperrors.IsValidation(err) {
		t.Fatalf("expected out of range index to be rejected, got %v", err)
	}
	if _, err := h.manager.AdmitChunk(ctx, res.UploadID, 0, nil); !apperrors.IsValidation(err) {
		t.Fatalf("expected empty chunk to be rejected, got %v", err)
	}
	if _, err := h.manager.AdmitChunk(ctx, res.UploadID, 0, []byte("abcde")); !apperrors.IsValidation(err) {
		t.Fatalf("expected oversized chunk to be rejected, got %v", err)
	}
	if _, err := h.manager.AdmitChunk(ctx, res.UploadID, 1, []byte("efg")); !apperrors.IsValidation(err) {
		t.Fatalf("expected final chunk beyond the declared size to be rejected, got %v", err)
	}
	if _, err := h.manager.Progress(ctx, "missing"); !apperrors.IsNotFound(err) {
		t.Fatalf("expected not found progress, got %v", err)
	}
}

func TestShortChunkIsAdmittedAndCheckedAtComplete(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res, err := h.manager.Initiate(ctx, InitiateRequest{Filename: "a.mp4", TotalSize: 6})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := h.manager.AdmitChunk(ctx, res.UploadID, 0, []byte("ab")); err != nil {
		t.Fatalf("short chunk should be admitted, got %v", err)
	}
	if _, err := h.manager.AdmitChunk(ctx, res.UploadID, 1, []byte("ef")); err != nil {
		t.Fatalf("admit final chunk: %v", err)
	}
	if _, err := h.manager.Complete(ctx, res.UploadID); !apperrors.IsState(err) {
		t.Fatalf("expected size mismatch to fail complete, got %v", err)
	}
	session, err := h.repo.GetSession(ctx, res.UploadID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Status != models.UploadInProgress {
		t.Fatalf("expected session to stay in progress, got %s", session.Status)
	}

	if _, err := h.manager.AdmitChunk(ctx, res.UploadID, 0, []byte("abcd")); err != nil {
		t.Fatalf("re-admit chunk 0: %v", err)
	}
	asset, err := h.manager.Complete(ctx, res.UploadID)
	if err != nil {
		t.Fatalf("complete after re-admit: %v", err)
	}
	if got := readObject(t, h.blobs, sourceBucket, asset.SourceKey); string(got) != "abcdef" {
		t.Fatalf("unexpected source %q", got)
	}
}

func TestCompleteFailureLeavesSessionRetryable(t *testing.T) {
	var failing failingBlobs
	h := newHarness(t, func(cfg *Config) {
		failing = failingBlobs{MemoryStore: cfg.Blobs.(*blob.MemoryStore)}
		cfg.Blobs = failing
	})
	ctx := context.Background()
	res, err := h.manager.Initiate(ctx, InitiateRequest{Filename: "a.mp4", TotalSize: 4})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := h.manager.AdmitChunk(ctx, res.UploadID, 0, []byte("abcd")); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := h.manager.Complete(ctx, res.UploadID); !apperrors.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	session, err := h.repo.GetSession(ctx, res.UploadID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Status != models.UploadInProgress {
		t.Fatalf("expected session to stay in progress, got %s", session.Status)
	}
	asset, err := h.repo.GetAsset(ctx, res.UploadID)
	if err != nil {
		t.Fatalf("get asset: %v", err)
	}
	if asset.SourceKey != "" {
		t.Fatalf("expected no source location after failure, got %q", asset.SourceKey)
	}
	if exists, _ := h.blobs.Exists(ctx, chunkBucket, ChunkKey(res.UploadID, 0)); !exists {
		t.Fatalf("expected chunk to survive a failed completion")
	}
}

func TestCompleteIsIdempotentAfterSuccess(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res, _ := h.manager.Initiate(ctx, InitiateRequest{Filename: "a.mp4", TotalSize: 4})
	if _, err := h.manager.AdmitChunk(ctx, res.UploadID, 0, []byte("abcd")); err != nil {
		t.Fatalf("admit: %v", err)
	}
	first, err := h.manager.Complete(ctx, res.UploadID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	second, err := h.manager.Complete(ctx, res.UploadID)
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if first.SourceKey != second.SourceKey {
		t.Fatalf("expected same asset, got %+v vs %+v", first, second)
	}
	if _, err := h.manager.AdmitChunk(ctx, res.UploadID, 0, []byte("abcd")); !apperrors.IsState(err) {
		t.Fatalf("expected completed session to reject chunks, got %v", err)
	}
}

func TestCompleteRecordsThumbnailAndDuration(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Thumbnailer = fakeThumbnailer{}
		cfg.Prober = fakeProber{duration: 95 * time.Second}
	})
	ctx := context.Background()
	res, _ := h.manager.Initiate(ctx, InitiateRequest{Filename: "a.mp4", TotalSize: 4})
	if _, err := h.manager.AdmitChunk(ctx, res.UploadID, 0, []byte("abcd")); err != nil {
		t.Fatalf("admit: %v", err)
	}
	asset, err := h.manager.Complete(ctx, res.UploadID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if asset.ThumbnailKey != ThumbnailKey(res.UploadID) || asset.DurationSeconds != 95 {
		t.Fatalf("unexpected media metadata: %+v", asset)
	}
	if got := readObject(t, h.blobs, thumbBucket, asset.ThumbnailKey); string(got) != "jpeg" {
		t.Fatalf("unexpected thumbnail content %q", got)
	}
}

func TestThumbnailFailureDoesNotFailUpload(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Thumbnailer = fakeThumbnailer{err: errors.New("ffmpeg missing")}
	})
	ctx := context.Background()
	res, _ := h.manager.Initiate(ctx, InitiateRequest{Filename: "a.mp4", TotalSize: 4})
	if _, err := h.manager.AdmitChunk(ctx, res.UploadID, 0, []byte("abcd")); err != nil {
		t.Fatalf("admit: %v", err)
	}
	asset, err := h.manager.Complete(ctx, res.UploadID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if asset.ThumbnailKey != "" {
		t.Fatalf("expected no thumbnail, got %q", asset.ThumbnailKey)
	}
}

func TestContentTypeFor(t *testing.T) {
	if got := contentTypeFor("clip.MKV"); got != "video/x-matroska" && got != "video/x-matroska; charset=utf-8" {
		t.Fatalf("unexpected content type %q", got)
	}
	if got := contentTypeFor("noext"); got != "application/octet-stream" {
		t.Fatalf("unexpected fallback content type %q", got)
	}
}
