package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/aym-n/pixl/internal/blob"
	"github.com/aym-n/pixl/internal/models"
	"github.com/aym-n/pixl/internal/observability/logging"
	"github.com/aym-n/pixl/internal/observability/metrics"
	"github.com/aym-n/pixl/internal/progress"
	"github.com/aym-n/pixl/internal/queue"
	"github.com/aym-n/pixl/internal/storage"
	"github.com/aym-n/pixl/internal/transcode"
	"github.com/aym-n/pixl/internal/upload"
)

// Summarizer reports the per-rendition progress of an asset.
type Summarizer interface {
	Summarize(ctx context.Context, assetID string) (models.ProgressSummary, error)
}

// QueueStats reports the depth of the work queue.
type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// Pinger is a dependency probed by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Buckets names the blob buckets read by the download routes.
type Buckets struct {
	Originals  string
	Transcoded string
	Thumbnails string
}

type Handler struct {
	Uploads    upload.Service
	Dispatcher transcode.Dispatcher
	Assets     storage.AssetStore
	Blobs      blob.Store
	Buckets    Buckets
	Summaries  Summarizer
	Progress   progress.Subscriber
	Queue      QueueStats
	// Health lists the components reported by /healthz, keyed by name.
	Health  map[string]Pinger
	Metrics *metrics.Recorder
	Logger  *slog.Logger

	// MaxChunkBytes bounds the multipart body accepted for one chunk.
	MaxChunkBytes int64
	// AutoDispatch queues transcoding as soon as an upload completes.
	AutoDispatch bool
}

// RouterOptions configures the middleware around the API routes.
type RouterOptions struct {
	AllowedOrigins []string
	ServeMetrics   bool
}

const defaultMaxChunkBytes = 64 << 20

// Router assembles the gin engine serving every API route.
func (h *Handler) Router(opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logging.RequestLogger(logging.RequestLoggerConfig{Logger: h.logger()}))
	r.Use(metrics.GinMiddleware(h.Metrics))
	r.Use(cors.New(corsConfig(opts.AllowedOrigins)))

	r.GET("/healthz", h.healthz)
	if opts.ServeMetrics {
		recorder := h.Metrics
		if recorder == nil {
			recorder = metrics.Default()
		}
		r.GET("/metrics", gin.WrapH(recorder.Handler()))
	}

	api := r.Group("/api")
	{
		uploads := api.Group("/uploads")
		uploads.POST("/initiate", h.initiateUpload)
		uploads.POST("/chunk", h.uploadChunk)
		uploads.POST("/:uploadId/complete", h.completeUpload)
		uploads.GET("/:uploadId/progress", h.uploadProgress)

		assets := api.Group("/assets")
		assets.GET("", h.listAssets)
		assets.GET("/:id", h.getAsset)
		assets.POST("/:id/views", h.recordView)
		assets.GET("/:id/download", h.downloadAsset)
		assets.GET("/:id/thumbnail", h.assetThumbnail)
		assets.GET("/:id/hls/*file", h.assetHLS)
		assets.POST("/:id/transcode", h.dispatchAsset)
		assets.GET("/:id/jobs", h.assetJobs)
		assets.GET("/:id/progress", h.assetProgress)
		assets.GET("/:id/events", h.assetEvents)

		api.GET("/queue/stats", h.queueStats)
	}
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Content-Length", "Accept", logging.RequestIDHeader},
		ExposeHeaders: []string{"Content-Length", "Content-Type", logging.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	for _, origin := range origins {
		if origin == "*" {
			origins = nil
			break
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}

func (h *Handler) logger() *slog.Logger {
	return logging.OrDefault(h.Logger)
}

func (h *Handler) maxChunkBytes() int64 {
	if h.MaxChunkBytes > 0 {
		return h.MaxChunkBytes
	}
	return defaultMaxChunkBytes
}
