package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aym-n/pixl/internal/apperrors"
	"github.com/aym-n/pixl/internal/blob"
	"github.com/aym-n/pixl/internal/models"
	"github.com/aym-n/pixl/internal/storage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (h *Handler) listAssets(c *gin.Context) {
	limit := defaultListLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(c, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(parsed, maxListLimit)
	}
	assets, err := h.Assets.ListAssets(c.Request.Context(), limit)
	if err != nil {
		writeAppError(c, apperrors.Transient("api.list_assets", err))
		return
	}
	if assets == nil {
		assets = []models.Asset{}
	}
	c.JSON(http.StatusOK, assets)
}

func (h *Handler) loadAsset(c *gin.Context) (models.Asset, bool) {
	id := c.Param("id")
	asset, err := h.Assets.GetAsset(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeAppError(c, apperrors.NotFound("api.asset", "asset", id))
		} else {
			writeAppError(c, apperrors.Transient("api.asset", err))
		}
		return models.Asset{}, false
	}
	return asset, true
}

func (h *Handler) getAsset(c *gin.Context) {
	asset, ok := h.loadAsset(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, asset)
}

func (h *Handler) recordView(c *gin.Context) {
	id := c.Param("id")
	views, err := h.Assets.IncrementViews(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeAppError(c, apperrors.NotFound("api.record_view", "asset", id))
		} else {
			writeAppError(c, apperrors.Transient("api.record_view", err))
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "viewCount": views})
}

// downloadAsset streams the original source object as an attachment.
func (h *Handler) downloadAsset(c *gin.Context) {
	asset, ok := h.loadAsset(c)
	if !ok {
		return
	}
	if asset.SourceKey == "" {
		writeAppError(c, apperrors.State("api.download", "asset %s has no source yet", asset.ID))
		return
	}
	filename := asset.OriginalFilename
	if filename == "" {
		filename = asset.SourceKey
	}
	headers := map[string]string{
		"Content-Disposition": mime.FormatMediaType("attachment", map[string]string{"filename": filename}),
	}
	h.streamBlob(c, h.Buckets.Originals, asset.SourceKey, "video/mp4", headers)
}

func (h *Handler) assetThumbnail(c *gin.Context) {
	asset, ok := h.loadAsset(c)
	if !ok {
		return
	}
	if asset.ThumbnailKey == "" {
		writeAppError(c, apperrors.NotFound("api.thumbnail", "thumbnail", asset.ID))
		return
	}
	h.streamBlob(c, h.Buckets.Thumbnails, asset.ThumbnailKey, "image/jpeg", map[string]string{
		"Cache-Control": "max-age=86400",
	})
}

// assetHLS serves the playlists and segments written by the manifest
// generator.
func (h *Handler) assetHLS(c *gin.Context) {
	id := c.Param("id")
	file := path.Clean("/" + c.Param("file"))
	if file == "/" || strings.Contains(file, "..") {
		writeError(c, http.StatusBadRequest, errors.New("invalid playlist path"))
		return
	}
	key := models.HLSPrefix(id) + strings.TrimPrefix(file, "/")
	contentType := "application/octet-stream"
	switch path.Ext(file) {
	case ".m3u8":
		contentType = "application/vnd.apple.mpegurl"
	case ".ts":
		contentType = "video/mp2t"
	}
	h.streamBlob(c, h.Buckets.Transcoded, key, contentType, nil)
}

func (h *Handler) streamBlob(c *gin.Context, bucket, key, contentType string, headers map[string]string) {
	body, err := h.Blobs.Get(c.Request.Context(), bucket, key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			writeAppError(c, apperrors.NotFound("api.blob", "object", key))
		} else {
			writeAppError(c, apperrors.Transient("api.blob", err))
		}
		return
	}
	defer body.Close()
	for name, value := range headers {
		c.Header(name, value)
	}
	c.Header("Content-Type", contentType)
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, body); err != nil {
		h.logger().Warn("blob stream interrupted", "bucket", bucket, "key", key, "error", err)
	}
}

func (h *Handler) dispatchAsset(c *gin.Context) {
	jobs, err := h.Dispatcher.Dispatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeAppError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"assetId": c.Param("id"), "jobs": jobs})
}

func (h *Handler) assetJobs(c *gin.Context) {
	jobs, err := h.Dispatcher.Jobs(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeAppError(c, err)
		return
	}
	if jobs == nil {
		jobs = []models.TranscodeJob{}
	}
	c.JSON(http.StatusOK, jobs)
}

type assetProgressResponse struct {
	Status models.AssetStatus `json:"status"`
	models.ProgressSummary
}

func (h *Handler) assetProgress(c *gin.Context) {
	asset, ok := h.loadAsset(c)
	if !ok {
		return
	}
	if h.Summaries == nil {
		writeAppError(c, fmt.Errorf("progress summaries are not configured"))
		return
	}
	summary, err := h.Summaries.Summarize(c.Request.Context(), asset.ID)
	if err != nil {
		writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, assetProgressResponse{Status: asset.Status, ProgressSummary: summary})
}
