package instrument

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aym-n/pixl/internal/manifest"
	"github.com/aym-n/pixl/internal/models"
	"github.com/aym-n/pixl/internal/observability/metrics"
	"github.com/aym-n/pixl/internal/observability/tracing"
	"github.com/aym-n/pixl/internal/transcode"
	"github.com/aym-n/pixl/internal/upload"
)

type uploadService struct {
	next upload.Service
	i    *Instrumenter
}

// Upload decorates the upload manager.
func (i *Instrumenter) Upload(next upload.Service) upload.Service {
	return &uploadService{next: next, i: i}
}

func (s *uploadService) Initiate(ctx context.Context, req upload.InitiateRequest) (upload.Initiated, error) {
	var out upload.Initiated
	err := s.i.observe(ctx, "upload.initiate", func(ctx context.Context) error {
		var err error
		out, err = s.next.Initiate(ctx, req)
		return err
	}, attribute.Int64("upload.size", req.TotalSize))
	return out, err
}

func (s *uploadService) AdmitChunk(ctx context.Context, sessionID string, index int, data []byte) (models.UploadProgress, error) {
	var out models.UploadProgress
	err := s.i.observe(ctx, "upload.admit_chunk", func(ctx context.Context) error {
		var err error
		out, err = s.next.AdmitChunk(ctx, sessionID, index, data)
		return err
	}, attribute.String("upload.id", sessionID), attribute.Int("upload.chunk", index))
	if err == nil {
		s.i.recorder.ChunkAdmitted()
	}
	return out, err
}

func (s *uploadService) Complete(ctx context.Context, sessionID string) (models.Asset, error) {
	var out models.Asset
	err := s.i.observe(ctx, "upload.complete", func(ctx context.Context) error {
		var err error
		out, err = s.next.Complete(ctx, sessionID)
		return err
	}, attribute.String("upload.id", sessionID))
	if err == nil {
		s.i.recorder.UploadCompleted()
	}
	return out, err
}

func (s *uploadService) Progress(ctx context.Context, sessionID string) (models.UploadProgress, error) {
	var out models.UploadProgress
	err := s.i.observe(ctx, "upload.progress", func(ctx context.Context) error {
		var err error
		out, err = s.next.Progress(ctx, sessionID)
		return err
	}, attribute.String("upload.id", sessionID))
	return out, err
}

type dispatcher struct {
	next transcode.Dispatcher
	i    *Instrumenter
}

// Dispatcher decorates the transcode orchestrator.
func (i *Instrumenter) Dispatcher(next transcode.Dispatcher) transcode.Dispatcher {
	return &dispatcher{next: next, i: i}
}

func (d *dispatcher) Dispatch(ctx context.Context, assetID string) ([]models.TranscodeJob, error) {
	var jobs []models.TranscodeJob
	err := d.i.observe(ctx, "transcode.dispatch", func(ctx context.Context) error {
		var err error
		jobs, err = d.next.Dispatch(ctx, assetID)
		return err
	}, attribute.String("asset.id", assetID))
	if err == nil {
		d.i.recorder.JobsQueued(len(jobs))
	}
	return jobs, err
}

func (d *dispatcher) Jobs(ctx context.Context, assetID string) ([]models.TranscodeJob, error) {
	var jobs []models.TranscodeJob
	err := d.i.observe(ctx, "transcode.jobs", func(ctx context.Context) error {
		var err error
		jobs, err = d.next.Jobs(ctx, assetID)
		return err
	}, attribute.String("asset.id", assetID))
	return jobs, err
}

func (d *dispatcher) QueuedCount(ctx context.Context) (int, error) {
	return d.next.QueuedCount(ctx)
}

func (d *dispatcher) ProcessingCount(ctx context.Context) (int, error) {
	return d.next.ProcessingCount(ctx)
}

type handler struct {
	next transcode.Handler
	i    *Instrumenter
}

// Handler decorates the worker protocol. The span joins the trace recorded
// on the work message by dispatch.
func (i *Instrumenter) Handler(next transcode.Handler) transcode.Handler {
	return &handler{next: next, i: i}
}

func (h *handler) Handle(ctx context.Context, workerID string, msg models.WorkMessage) transcode.Outcome {
	ctx = tracing.ContextWithRemoteParent(ctx, msg.TraceID, msg.SpanID)
	ctx, span := h.i.tracer.Start(ctx, "transcode.job",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("job.id", msg.JobID),
			attribute.String("asset.id", msg.AssetID),
			attribute.String("job.rendition", msg.Rendition.String()),
			attribute.String("worker.id", workerID),
		),
	)
	defer span.End()

	done := h.i.recorder.JobStarted(msg.Rendition.String())
	outcome := h.next.Handle(ctx, workerID, msg)
	span.SetAttributes(attribute.String("job.outcome", outcome.String()))
	done(metricOutcome(outcome))
	return outcome
}

func metricOutcome(outcome transcode.Outcome) string {
	switch outcome {
	case transcode.OutcomeCompleted:
		return metrics.OutcomeSuccess
	case transcode.OutcomeFailed:
		return metrics.OutcomeFailure
	case transcode.OutcomeSkipped, transcode.OutcomeDropped:
		return metrics.OutcomeSkipped
	case transcode.OutcomeRetry:
		return metrics.OutcomeRetry
	default:
		return metrics.OutcomeSkipped
	}
}

type manifestBuilder struct {
	next transcode.ManifestBuilder
	i    *Instrumenter
}

// Manifest decorates the manifest generator.
func (i *Instrumenter) Manifest(next transcode.ManifestBuilder) transcode.ManifestBuilder {
	return &manifestBuilder{next: next, i: i}
}

func (m *manifestBuilder) Build(ctx context.Context, assetID string) (manifest.Result, error) {
	var result manifest.Result
	err := m.i.observe(ctx, "manifest.build", func(ctx context.Context) error {
		var err error
		result, err = m.next.Build(ctx, assetID)
		return err
	}, attribute.String("asset.id", assetID))
	return result, err
}
