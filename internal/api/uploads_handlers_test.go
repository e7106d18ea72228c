package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aym-n/pixl/internal/apperrors"
	"github.com/aym-n/pixl/internal/models"
	"github.com/aym-n/pixl/internal/transcode"
	"github.com/aym-n/pixl/internal/upload"
)

func TestUploadFlowStoresSource(t *testing.T) {
	s := newTestServer(t, nil)
	content := []byte("0123456789")

	resp := s.uploadFile(t, "Clip.MP4", content)
	if resp.Asset.Status != models.AssetUploaded {
		t.Fatalf("asset status = %s", resp.Asset.Status)
	}
	if len(resp.Jobs) != 0 {
		t.Fatalf("expected no jobs without auto dispatch, got %d", len(resp.Jobs))
	}

	body, err := s.blobs.Get(context.Background(), testBuckets.Originals, resp.Asset.SourceKey)
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	defer body.Close()
	stored, _ := io.ReadAll(body)
	if !bytes.Equal(stored, content) {
		t.Fatalf("source = %q, want %q", stored, content)
	}

	rec := s.get(t, "/api/uploads/"+resp.Asset.ID+"/progress")
	if rec.Code != http.StatusOK {
		t.Fatalf("progress status = %d", rec.Code)
	}
	progress := decode[models.UploadProgress](t, rec)
	if progress.Status != models.UploadCompleted || progress.UploadedChunks != 3 {
		t.Fatalf("unexpected progress %+v", progress)
	}
}

func TestCompleteWithAutoDispatchQueuesJobs(t *testing.T) {
	s := newTestServer(t, func(h *Handler) { h.AutoDispatch = true })
	resp := s.uploadFile(t, "clip.mp4", []byte("abcdefgh"))

	if resp.Asset.Status != models.AssetProcessing {
		t.Fatalf("asset status = %s", resp.Asset.Status)
	}
	if len(resp.Jobs) != 4 {
		t.Fatalf("expected one job per rendition, got %d", len(resp.Jobs))
	}
	stats, err := s.queue.Stats(context.Background())
	if err != nil || stats.Length != 4 {
		t.Fatalf("queue stats = %+v (%v)", stats, err)
	}

	rec := s.postJSON(t, "/api/uploads/"+resp.Asset.ID+"/complete", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat complete status = %d, body %s", rec.Code, rec.Body.String())
	}
	again := decode[completeResponse](t, rec)
	if again.Asset.ID != resp.Asset.ID || len(again.Jobs) != 0 {
		t.Fatalf("repeat complete must return the same asset without dispatching: %+v", again)
	}
}

type orphaningDispatcher struct {
	transcode.Dispatcher
}

func (orphaningDispatcher) Dispatch(ctx context.Context, assetID string) ([]models.TranscodeJob, error) {
	return nil, apperrors.State("transcode.dispatch", "asset %s is PROCESSING: %w", assetID, transcode.ErrOrphanedJobs)
}

func TestCompleteWithAutoDispatchReportsOrphanedJobs(t *testing.T) {
	s := newTestServer(t, func(h *Handler) {
		h.AutoDispatch = true
		h.Dispatcher = orphaningDispatcher{Dispatcher: h.Dispatcher}
	})
	rec := s.postJSON(t, "/api/uploads/initiate", upload.InitiateRequest{Filename: "clip.mp4", TotalSize: 4})
	initiated := decode[upload.Initiated](t, rec)
	if rec := s.sendChunk(t, initiated.UploadID, 0, []byte("abcd")); rec.Code != http.StatusOK {
		t.Fatalf("chunk status = %d", rec.Code)
	}

	rec = s.postJSON(t, "/api/uploads/"+initiated.UploadID+"/complete", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 (%s)", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "orphaned") {
		t.Fatalf("body should report orphaned jobs: %s", rec.Body.String())
	}
}

func TestInitiateValidation(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.postJSON(t, "/api/uploads/initiate", upload.InitiateRequest{Filename: "clip.mp4"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("zero size status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"kind":"validation"`) {
		t.Fatalf("expected validation kind, got %s", rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/api/uploads/initiate", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	if rec := s.do(t, req); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed JSON status = %d", rec.Code)
	}
}

func TestChunkErrors(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.postJSON(t, "/api/uploads/initiate", upload.InitiateRequest{Filename: "clip.mp4", TotalSize: 8})
	initiated := decode[upload.Initiated](t, rec)

	cases := []struct {
		name     string
		uploadID string
		index    int
		data     []byte
		want     int
	}{
		{"unknown session", "missing", 0, []byte("abcd"), http.StatusNotFound},
		{"index out of range", initiated.UploadID, 2, []byte("abcd"), http.StatusBadRequest},
		{"negative index", initiated.UploadID, -1, []byte("abcd"), http.StatusBadRequest},
		{"oversized chunk", initiated.UploadID, 0, []byte("abcde"), http.StatusBadRequest},
		{"short chunk", initiated.UploadID, 1, []byte("ef"), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := s.sendChunk(t, tc.uploadID, tc.index, tc.data); rec.Code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.want, rec.Body.String())
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/uploads/chunk", strings.NewReader("uploadId=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if rec := s.do(t, req); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing chunkNumber status = %d", rec.Code)
	}
}

func TestChunkLargerThanLimitIsRejected(t *testing.T) {
	s := newTestServer(t, func(h *Handler) { h.MaxChunkBytes = 2 })
	rec := s.postJSON(t, "/api/uploads/initiate", upload.InitiateRequest{Filename: "clip.mp4", TotalSize: 8})
	initiated := decode[upload.Initiated](t, rec)
	if rec := s.sendChunk(t, initiated.UploadID, 0, []byte("abcd")); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestCompleteBeforeAllChunksIsConflict(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.postJSON(t, "/api/uploads/initiate", upload.InitiateRequest{Filename: "clip.mp4", TotalSize: 8})
	initiated := decode[upload.Initiated](t, rec)
	s.sendChunk(t, initiated.UploadID, 0, []byte("abcd"))

	rec = s.postJSON(t, "/api/uploads/"+initiated.UploadID+"/complete", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 (%s)", rec.Code, rec.Body.String())
	}
}
