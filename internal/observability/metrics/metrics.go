package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels used by the pipeline counters.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
	OutcomeRetry   = "retry"
)

// Recorder owns a Prometheus registry and the collectors exported by the
// pipeline. Every method is safe for concurrent use.
type Recorder struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	chunksAdmitted   prometheus.Counter
	uploadsCompleted prometheus.Counter
	jobsQueued       prometheus.Counter
	jobOutcomes      *prometheus.CounterVec
	transcodeSeconds *prometheus.HistogramVec
	activeJobs       prometheus.Gauge

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs a Recorder backed by a fresh registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixl_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixl_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		chunksAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixl_upload_chunks_admitted_total",
			Help: "Upload chunks admitted, including idempotent re-submissions.",
		}),
		uploadsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixl_uploads_completed_total",
			Help: "Upload sessions reassembled into a source asset.",
		}),
		jobsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixl_transcode_jobs_queued_total",
			Help: "Transcode jobs created and published by dispatch.",
		}),
		jobOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixl_transcode_jobs_total",
			Help: "Transcode job attempts by outcome.",
		}, []string{"outcome"}),
		transcodeSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixl_transcode_duration_seconds",
			Help:    "Time spent processing one transcode job.",
			Buckets: prometheus.LinearBuckets(10, 30, 10),
		}, []string{"rendition"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pixl_worker_active_jobs",
			Help: "Transcode jobs currently being processed by this process.",
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixl_operations_total",
			Help: "Public pipeline operations by outcome.",
		}, []string{"operation", "outcome"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixl_operation_duration_seconds",
			Help:    "Latency of public pipeline operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	r.registry.MustRegister(
		r.requests,
		r.requestDuration,
		r.chunksAdmitted,
		r.uploadsCompleted,
		r.jobsQueued,
		r.jobOutcomes,
		r.transcodeSeconds,
		r.activeJobs,
		r.operations,
		r.operationDuration,
	)
	return r
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide Recorder. Nil is ignored.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one HTTP request. Path should be the route template
// when available; raw paths are normalised so ids do not explode cardinality.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	route := normalizePath(path)
	method = strings.ToUpper(method)
	r.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (r *Recorder) ChunkAdmitted() {
	r.chunksAdmitted.Inc()
}

func (r *Recorder) UploadCompleted() {
	r.uploadsCompleted.Inc()
}

func (r *Recorder) JobsQueued(n int) {
	if n > 0 {
		r.jobsQueued.Add(float64(n))
	}
}

// JobStarted increments the active job gauge and returns a func that records
// the outcome and duration of the job.
func (r *Recorder) JobStarted(rendition string) func(outcome string) {
	start := time.Now()
	r.activeJobs.Inc()
	return func(outcome string) {
		r.activeJobs.Dec()
		r.jobOutcomes.WithLabelValues(outcome).Inc()
		if outcome == OutcomeSuccess || outcome == OutcomeFailure {
			r.transcodeSeconds.WithLabelValues(rendition).Observe(time.Since(start).Seconds())
		}
	}
}

// ObserveOperation records the outcome and latency of a public operation.
func (r *Recorder) ObserveOperation(operation string, err error, duration time.Duration) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	r.operations.WithLabelValues(operation, outcome).Inc()
	r.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" || strings.HasPrefix(part, ":") {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 1 && digitCount == len(segment) || digitCount >= 3
}
