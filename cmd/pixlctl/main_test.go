package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

type fakeServer struct {
	*httptest.Server
	chunks atomic.Int32
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fake := &fakeServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/uploads/initiate", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusCreated, `{"uploadId":"u1","chunkSize":4,"totalChunks":3}`)
	})
	mux.HandleFunc("POST /api/uploads/chunk", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("uploadId") != "u1" {
			reply(w, http.StatusBadRequest, `{"error":"unknown upload","kind":"validation"}`)
			return
		}
		fake.chunks.Add(1)
		reply(w, http.StatusOK, `{"uploadId":"u1","status":"IN_PROGRESS"}`)
	})
	mux.HandleFunc("POST /api/uploads/u1/complete", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, `{"asset":{"id":"a1","status":"UPLOADED"}}`)
	})
	mux.HandleFunc("POST /api/assets/a1/transcode", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusAccepted, `{"assetId":"a1","jobs":[{"id":"j1","rendition":"360p"},{"id":"j2","rendition":"720p"}]}`)
	})
	mux.HandleFunc("GET /api/assets/a1/progress", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, `{"status":"PROCESSING","assetId":"a1","completedCount":1,"totalCount":2,"overallProgress":50,
			"qualities":[{"quality":"360p","status":"COMPLETED","workerId":"worker-1"},{"quality":"720p","status":"PROCESSING"}]}`)
	})
	mux.HandleFunc("GET /api/assets/missing/progress", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusNotFound, `{"error":"asset \"missing\" not found","kind":"not found"}`)
	})
	fake.Server = httptest.NewServer(mux)
	t.Cleanup(fake.Close)
	return fake
}

func reply(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestUsageErrors(t *testing.T) {
	if code, _, stderr := runCLI(); code != 2 || !strings.Contains(stderr, "usage:") {
		t.Fatalf("no command: code=%d stderr=%q", code, stderr)
	}
	if code, _, _ := runCLI("-server", "http://127.0.0.1:1", "rewind"); code != 2 {
		t.Fatalf("unknown command code = %d", code)
	}
	if code, _, _ := runCLI("-server", "not a url", "status", "a1"); code != 2 {
		t.Fatalf("bad server url code = %d", code)
	}
	if code, _, _ := runCLI("-server", "http://127.0.0.1:1", "status"); code != 2 {
		t.Fatalf("status without id code = %d", code)
	}
}

func TestUploadCommand(t *testing.T) {
	fake := newFakeServer(t)
	path := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	code, stdout, stderr := runCLI("-server", fake.URL, "upload", "-quiet", "-dispatch", path)
	if code != 0 {
		t.Fatalf("upload exited %d: %s", code, stderr)
	}
	if got := fake.chunks.Load(); got != 3 {
		t.Fatalf("expected 3 chunks, got %d", got)
	}
	if !strings.Contains(stdout, "asset a1 (UPLOADED), 3 chunks sent") {
		t.Fatalf("unexpected output %q", stdout)
	}
	if !strings.Contains(stdout, "queued 2 transcode jobs for asset a1") {
		t.Fatalf("dispatch output missing: %q", stdout)
	}
}

func TestUploadMissingFile(t *testing.T) {
	fake := newFakeServer(t)
	code, _, stderr := runCLI("-server", fake.URL, "upload", filepath.Join(t.TempDir(), "nope.mp4"))
	if code != 1 || !strings.Contains(stderr, "upload:") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
}

func TestStatusCommand(t *testing.T) {
	fake := newFakeServer(t)
	code, stdout, stderr := runCLI("-server", fake.URL, "status", "a1")
	if code != 0 {
		t.Fatalf("status exited %d: %s", code, stderr)
	}
	for _, want := range []string{"asset a1: PROCESSING (50%)", "1/2 renditions complete", "360p   COMPLETED on worker-1"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("output %q missing %q", stdout, want)
		}
	}

	code, _, stderr = runCLI("-server", fake.URL, "status", "missing")
	if code != 1 || !strings.Contains(stderr, "not found") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
}
