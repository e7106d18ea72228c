package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/aym-n/pixl/internal/apperrors"
	"github.com/aym-n/pixl/internal/blob"
	"github.com/aym-n/pixl/internal/models"
	"github.com/aym-n/pixl/internal/observability/metrics"
	"github.com/aym-n/pixl/internal/progress"
	"github.com/aym-n/pixl/internal/queue"
	"github.com/aym-n/pixl/internal/storage"
	"github.com/aym-n/pixl/internal/transcode"
	"github.com/aym-n/pixl/internal/upload"
)

const testChunkSize = 4

var testBuckets = Buckets{
	Originals:  "videos-original",
	Transcoded: "videos-transcoded",
	Thumbnails: "thumbnails",
}

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	handler *Handler
	router  *gin.Engine
	repo    *storage.MemoryRepository
	blobs   *blob.MemoryStore
	queue   *queue.MemoryQueue
	hub     *progress.MemoryHub
}

func newTestServer(t *testing.T, mutate func(*Handler)) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := storage.NewMemoryRepository()
	blobs := blob.NewMemoryStore()
	q := queue.NewMemoryQueue()
	t.Cleanup(func() { _ = q.Close() })
	hub := progress.NewMemoryHub(16)
	notifier := progress.New(progress.Config{Jobs: repo, Publisher: hub, Logger: logger})

	ladder, err := models.NewLadder(models.DefaultProfiles())
	if err != nil {
		t.Fatalf("ladder: %v", err)
	}
	manager := upload.NewManager(upload.Config{
		Sessions: repo,
		Assets:   repo,
		Blobs:    blobs,
		Buckets: upload.Buckets{
			Chunks:     "chunks",
			Originals:  testBuckets.Originals,
			Thumbnails: testBuckets.Thumbnails,
		},
		ChunkSize:  testChunkSize,
		ScratchDir: t.TempDir(),
		Notifier:   notifier,
		Logger:     logger,
	})
	orchestrator := transcode.NewOrchestrator(transcode.OrchestratorConfig{
		Assets:    repo,
		Sessions:  repo,
		Jobs:      repo,
		Publisher: q,
		Ladder:    ladder,
		Notifier:  notifier,
		Logger:    logger,
	})

	h := &Handler{
		Uploads:    manager,
		Dispatcher: orchestrator,
		Assets:     repo,
		Blobs:      blobs,
		Buckets:    testBuckets,
		Summaries:  notifier,
		Progress:   hub,
		Queue:      q,
		Health:     map[string]Pinger{"datastore": repo},
		Metrics:    metrics.New(),
		Logger:     logger,
	}
	if mutate != nil {
		mutate(h)
	}
	return &testServer{
		handler: h,
		router:  h.Router(RouterOptions{ServeMetrics: true}),
		repo:    repo,
		blobs:   blobs,
		queue:   q,
		hub:     hub,
	}
}

func (s *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) postJSON(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	return s.do(t, req)
}

func (s *testServer) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, httptest.NewRequest(http.MethodGet, path, nil))
}

func (s *testServer) sendChunk(t *testing.T, uploadID string, index int, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("uploadId", uploadID); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if err := writer.WriteField("chunkNumber", fmt.Sprint(index)); err != nil {
		t.Fatalf("write field: %v", err)
	}
	part, err := writer.CreateFormFile("chunk", fmt.Sprintf("chunk-%d", index))
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/uploads/chunk", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return s.do(t, req)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

// uploadFile runs initiate, every chunk and complete, returning the
// completion response.
func (s *testServer) uploadFile(t *testing.T, filename string, content []byte) completeResponse {
	t.Helper()
	rec := s.postJSON(t, "/api/uploads/initiate", upload.InitiateRequest{
		Filename:  filename,
		TotalSize: int64(len(content)),
		Title:     "Holiday",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("initiate status = %d, body %s", rec.Code, rec.Body.String())
	}
	initiated := decode[upload.Initiated](t, rec)
	for i := 0; i < initiated.TotalChunks; i++ {
		end := min((i+1)*testChunkSize, len(content))
		if rec := s.sendChunk(t, initiated.UploadID, i, content[i*testChunkSize:end]); rec.Code != http.StatusOK {
			t.Fatalf("chunk %d status = %d, body %s", i, rec.Code, rec.Body.String())
		}
	}
	rec = s.postJSON(t, "/api/uploads/"+initiated.UploadID+"/complete", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d, body %s", rec.Code, rec.Body.String())
	}
	return decode[completeResponse](t, rec)
}

func TestStatusForKinds(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperrors.Validation("op", "bad"), http.StatusBadRequest},
		{apperrors.NotFound("op", "asset", "a1"), http.StatusNotFound},
		{apperrors.State("op", "wrong state"), http.StatusConflict},
		{apperrors.Transient("op", errors.New("io")), http.StatusServiceUnavailable},
		{apperrors.Encode("op", errors.New("ffmpeg")), http.StatusBadGateway},
		{fmt.Errorf("wrapped: %w", apperrors.NotFound("op", "job", "j1")), http.StatusNotFound},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestHealthzReportsComponents(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.get(t, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"component":"datastore"`) {
		t.Fatalf("expected datastore component, got %s", rec.Body.String())
	}

	degraded := newTestServer(t, func(h *Handler) {
		h.Health["queue"] = pingFunc(func(context.Context) error { return errors.New("redis down") })
	})
	rec = degraded.get(t, "/healthz")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "redis down") {
		t.Fatalf("expected degraded health, got %d %s", rec.Code, rec.Body.String())
	}
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestMetricsEndpointServesRegistry(t *testing.T) {
	s := newTestServer(t, nil)
	s.get(t, "/healthz")
	rec := s.get(t, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "pixl_http_requests_total") {
		t.Fatalf("expected request counter in metrics output")
	}
}

func TestRequestIDHeaderIsEchoed(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := s.do(t, req)
	if got := rec.Header().Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("request id header = %q", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, nil)
	s.router = s.handler.Router(RouterOptions{AllowedOrigins: []string{"https://studio.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/uploads/initiate", nil)
	req.Header.Set("Origin", "https://studio.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := s.do(t, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://studio.example.com" {
		t.Fatalf("allow origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/uploads/initiate", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = s.do(t, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow origin for foreign origin: %q", got)
	}
}
