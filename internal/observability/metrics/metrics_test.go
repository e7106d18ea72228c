package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"":                           "/",
		"/":                          "/",
		"/api/uploads/3f2a9c1e-aaaa": "/api/uploads/:id",
		"/api/uploads/abc/chunks/2/": "/api/uploads/abc/chunks/:id",
		"/api/assets/:id/jobs":       "/api/assets/:id/jobs",
		"api/queue/stats":            "/api/queue/stats",
	}
	for input, want := range cases {
		if got := normalizePath(input); got != want {
			t.Fatalf("normalizePath(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestPipelineCounters(t *testing.T) {
	recorder := New()
	recorder.ChunkAdmitted()
	recorder.ChunkAdmitted()
	recorder.UploadCompleted()
	recorder.JobsQueued(4)
	recorder.JobsQueued(0)

	done := recorder.JobStarted("720p")
	if got := testutil.ToFloat64(recorder.activeJobs); got != 1 {
		t.Fatalf("expected one active job, got %v", got)
	}
	done(OutcomeFailure)
	recorder.JobStarted("360p")(OutcomeSkipped)

	if got := testutil.ToFloat64(recorder.chunksAdmitted); got != 2 {
		t.Fatalf("expected 2 chunks, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.jobsQueued); got != 4 {
		t.Fatalf("expected 4 queued jobs, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.jobOutcomes.WithLabelValues(OutcomeFailure)); got != 1 {
		t.Fatalf("expected one failed job, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.activeJobs); got != 0 {
		t.Fatalf("expected gauge back to zero, got %v", got)
	}
}

func TestObserveOperation(t *testing.T) {
	recorder := New()
	recorder.ObserveOperation("upload.initiate", nil, time.Millisecond)
	recorder.ObserveOperation("upload.initiate", errors.New("boom"), time.Millisecond)

	if got := testutil.ToFloat64(recorder.operations.WithLabelValues("upload.initiate", OutcomeFailure)); got != 1 {
		t.Fatalf("expected one failure, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.operations.WithLabelValues("upload.initiate", OutcomeSuccess)); got != 1 {
		t.Fatalf("expected one success, got %v", got)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("get", "/api/assets/12345678", http.StatusOK, 10*time.Millisecond)

	server := httptest.NewServer(recorder.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	expected := `pixl_http_requests_total{method="GET",path="/api/assets/:id",status="200"} 1`
	if !strings.Contains(string(body), expected) {
		t.Fatalf("expected metrics output to contain %q, got %q", expected, body)
	}
}

func TestSetDefault(t *testing.T) {
	original := Default()
	t.Cleanup(func() { SetDefault(original) })

	replacement := New()
	SetDefault(replacement)
	if Default() != replacement {
		t.Fatalf("expected default recorder to be replaced")
	}
	SetDefault(nil)
	if Default() != replacement {
		t.Fatalf("nil must not replace the default")
	}
}
