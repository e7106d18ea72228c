package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aym-n/pixl/internal/apperrors"
	"github.com/aym-n/pixl/internal/models"
	"github.com/aym-n/pixl/internal/upload"
)

// UploadOptions controls a chunked upload.
type UploadOptions struct {
	Filename    string
	Title       string
	Description string
	// ResumeID continues an existing session instead of initiating one.
	ResumeID string
	// Retries is the number of extra attempts for a chunk failing with a
	// transient error.
	Retries    int
	RetryDelay time.Duration
	// OnChunk is called with the byte count of each admitted chunk.
	OnChunk func(bytes int)
}

// UploadResult describes a finished upload.
type UploadResult struct {
	UploadID string
	Sent     int
	Skipped  int
	Complete CompleteResult
}

// Upload streams size bytes from src in server-sized chunks and completes the
// session. When resuming, chunks the server already holds are skipped.
func (c *Client) Upload(ctx context.Context, src io.ReaderAt, size int64, opts UploadOptions) (UploadResult, error) {
	session, err := c.openSession(ctx, size, opts)
	if err != nil {
		return UploadResult{}, err
	}
	result := UploadResult{UploadID: session.UploadID}

	pending := make(map[int]bool, session.TotalChunks)
	for i := 0; i < session.TotalChunks; i++ {
		pending[i] = true
	}
	if opts.ResumeID != "" {
		progress, err := c.UploadProgress(ctx, session.UploadID)
		if err != nil {
			return result, err
		}
		pending = make(map[int]bool, len(progress.MissingChunks))
		for _, index := range progress.MissingChunks {
			pending[index] = true
		}
		result.Skipped = session.TotalChunks - len(pending)
	}

	buf := make([]byte, session.ChunkSize)
	for index := 0; index < session.TotalChunks; index++ {
		offset := int64(index) * session.ChunkSize
		length := min(session.ChunkSize, size-offset)
		if !pending[index] {
			if opts.OnChunk != nil {
				opts.OnChunk(int(length))
			}
			continue
		}
		chunk := buf[:length]
		if _, err := src.ReadAt(chunk, offset); err != nil && !errors.Is(err, io.EOF) {
			return result, fmt.Errorf("read chunk %d: %w", index, err)
		}
		if err := c.sendWithRetry(ctx, session.UploadID, index, chunk, opts); err != nil {
			return result, err
		}
		result.Sent++
		if opts.OnChunk != nil {
			opts.OnChunk(len(chunk))
		}
	}

	complete, err := c.Complete(ctx, session.UploadID)
	if err != nil {
		return result, err
	}
	result.Complete = complete
	return result, nil
}

func (c *Client) openSession(ctx context.Context, size int64, opts UploadOptions) (upload.Initiated, error) {
	if opts.ResumeID == "" {
		return c.Initiate(ctx, upload.InitiateRequest{
			Filename:    opts.Filename,
			TotalSize:   size,
			Title:       opts.Title,
			Description: opts.Description,
		})
	}
	progress, err := c.UploadProgress(ctx, opts.ResumeID)
	if err != nil {
		return upload.Initiated{}, err
	}
	if progress.Status != models.UploadInProgress {
		return upload.Initiated{}, apperrors.State("client.resume", "upload %s is %s", opts.ResumeID, progress.Status)
	}
	if progress.ChunkSize <= 0 || progress.TotalChunks <= 0 {
		return upload.Initiated{}, apperrors.State("client.resume", "upload %s reports no chunk layout", opts.ResumeID)
	}
	if want := (size + progress.ChunkSize - 1) / progress.ChunkSize; want != int64(progress.TotalChunks) {
		return upload.Initiated{}, apperrors.Validation("client.resume", "file splits into %d chunks, upload %s expects %d", want, opts.ResumeID, progress.TotalChunks)
	}
	return upload.Initiated{UploadID: opts.ResumeID, ChunkSize: progress.ChunkSize, TotalChunks: progress.TotalChunks}, nil
}

func (c *Client) sendWithRetry(ctx context.Context, uploadID string, index int, chunk []byte, opts UploadOptions) error {
	var err error
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if attempt > 0 && opts.RetryDelay > 0 {
			timer := time.NewTimer(opts.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if _, err = c.SendChunk(ctx, uploadID, index, chunk); err == nil || !apperrors.IsTransient(err) {
			return err
		}
	}
	return err
}
