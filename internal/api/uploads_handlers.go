package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aym-n/pixl/internal/apperrors"
	"github.com/aym-n/pixl/internal/models"
	"github.com/aym-n/pixl/internal/transcode"
	"github.com/aym-n/pixl/internal/upload"
)

func (h *Handler) initiateUpload(c *gin.Context) {
	var req upload.InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	initiated, err := h.Uploads.Initiate(c.Request.Context(), req)
	if err != nil {
		writeAppError(c, err)
		return
	}
	c.JSON(http.StatusCreated, initiated)
}

// uploadChunk accepts one chunk as a multipart form with the fields uploadId,
// chunkNumber and the file part chunk.
func (h *Handler) uploadChunk(c *gin.Context) {
	limit := h.maxChunkBytes()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+1<<20)

	uploadID := strings.TrimSpace(c.PostForm("uploadId"))
	if uploadID == "" {
		writeError(c, http.StatusBadRequest, errors.New("uploadId is required"))
		return
	}
	index, err := strconv.Atoi(strings.TrimSpace(c.PostForm("chunkNumber")))
	if err != nil {
		writeError(c, http.StatusBadRequest, errors.New("chunkNumber must be an integer"))
		return
	}
	header, err := c.FormFile("chunk")
	if err != nil {
		writeError(c, http.StatusBadRequest, fmt.Errorf("chunk file is required: %w", err))
		return
	}
	if header.Size > limit {
		writeError(c, http.StatusRequestEntityTooLarge, fmt.Errorf("chunk exceeds %d bytes", limit))
		return
	}
	file, err := header.Open()
	if err != nil {
		writeError(c, http.StatusBadRequest, fmt.Errorf("open chunk: %w", err))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		writeError(c, http.StatusBadRequest, fmt.Errorf("read chunk: %w", err))
		return
	}

	progress, err := h.Uploads.AdmitChunk(c.Request.Context(), uploadID, index, data)
	if err != nil {
		writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

type completeResponse struct {
	Asset models.Asset          `json:"asset"`
	Jobs  []models.TranscodeJob `json:"jobs,omitempty"`
}

func (h *Handler) completeUpload(c *gin.Context) {
	ctx := c.Request.Context()
	asset, err := h.Uploads.Complete(ctx, c.Param("uploadId"))
	if err != nil {
		writeAppError(c, err)
		return
	}
	resp := completeResponse{Asset: asset}
	if h.AutoDispatch && h.Dispatcher != nil && asset.Status == models.AssetUploaded {
		jobs, err := h.Dispatcher.Dispatch(ctx, asset.ID)
		switch {
		case err == nil:
			resp.Jobs = jobs
			resp.Asset.Status = models.AssetProcessing
		case apperrors.IsState(err) && !errors.Is(err, transcode.ErrOrphanedJobs):
			// Another request already dispatched this asset.
		default:
			writeAppError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) uploadProgress(c *gin.Context) {
	progress, err := h.Uploads.Progress(c.Request.Context(), c.Param("uploadId"))
	if err != nil {
		writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}
