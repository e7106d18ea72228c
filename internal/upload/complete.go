package upload

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/aym-n/pixl/internal/apperrors"
	"github.com/aym-n/pixl/internal/models"
	"github.com/aym-n/pixl/internal/storage"
)

// SourceKey names the reassembled source object of an upload.
func SourceKey(sessionID, filename string) string {
	return sessionID + cases.Lower(language.Und).String(filepath.Ext(filename))
}

// ThumbnailKey names the still image generated for an asset.
func ThumbnailKey(assetID string) string {
	return assetID + "-thumb.jpg"
}

// Complete reassembles the admitted chunks into the source object and
// attaches it to the asset. Concurrent calls for one session share a single
// reassembly. If any step before the session is marked COMPLETED fails, the
// session stays IN_PROGRESS and the call can be retried.
func (m *Manager) Complete(ctx context.Context, sessionID string) (models.Asset, error) {
	result, err, _ := m.completing.Do(sessionID, func() (interface{}, error) {
		return m.complete(ctx, sessionID)
	})
	if err != nil {
		return models.Asset{}, err
	}
	return result.(models.Asset), nil
}

func (m *Manager) complete(ctx context.Context, sessionID string) (models.Asset, error) {
	const op = "upload.complete"
	session, err := m.loadSession(ctx, op, sessionID)
	if err != nil {
		return models.Asset{}, err
	}
	if session.Status == models.UploadCompleted {
		// A retried completion after a lost response returns the asset as
		// it stands.
		return m.loadAsset(ctx, op, sessionID)
	}
	if !session.IsComplete() {
		return models.Asset{}, apperrors.State(op, "upload %s is missing chunks %v", sessionID, session.MissingChunks())
	}
	if _, err := m.loadAsset(ctx, op, sessionID); err != nil {
		return models.Asset{}, err
	}

	scratch, err := os.CreateTemp(m.scratchDir, "pixl-source-*"+filepath.Ext(session.Filename))
	if err != nil {
		return models.Asset{}, apperrors.Transient(op, fmt.Errorf("create scratch file: %w", err))
	}
	defer func() {
		_ = scratch.Close()
		_ = os.Remove(scratch.Name())
	}()

	size, checksum, err := m.reassemble(ctx, session, scratch)
	if err != nil {
		return models.Asset{}, apperrors.Transient(op, err)
	}
	if size != session.TotalSize {
		return models.Asset{}, apperrors.State(op, "reassembled %d bytes, expected %d", size, session.TotalSize)
	}
	if _, err := scratch.Seek(0, io.SeekStart); err != nil {
		return models.Asset{}, apperrors.Transient(op, fmt.Errorf("rewind scratch file: %w", err))
	}

	sourceKey := SourceKey(sessionID, session.Filename)
	if err := m.blobs.Put(ctx, m.buckets.Originals, sourceKey, scratch, size, contentTypeFor(session.Filename)); err != nil {
		return models.Asset{}, apperrors.Transient(op, fmt.Errorf("store source: %w", err))
	}

	duration := m.probeDuration(ctx, sessionID, scratch.Name())
	thumbnailKey := m.renderThumbnail(ctx, sessionID, scratch.Name())

	asset, err := m.assets.UpdateAsset(ctx, sessionID, func(a *models.Asset) error {
		a.SourceKey = sourceKey
		a.SizeBytes = size
		a.Checksum = checksum
		if duration > 0 {
			a.DurationSeconds = duration
		}
		if thumbnailKey != "" {
			a.ThumbnailKey = thumbnailKey
		}
		a.UpdatedAt = m.now().UTC()
		return nil
	})
	if err != nil {
		return models.Asset{}, apperrors.Transient(op, err)
	}
	if _, err := m.sessions.MarkSessionCompleted(ctx, sessionID); err != nil {
		return models.Asset{}, apperrors.Transient(op, err)
	}

	m.deleteChunks(ctx, session)
	if m.notifier != nil {
		m.notifier.UploadComplete(ctx, sessionID)
	}
	m.logger.Info("upload completed",
		"upload_id", sessionID,
		"source_key", sourceKey,
		"size_bytes", size,
	)
	return asset, nil
}

// reassemble copies chunks 0..TotalChunks-1 in index order into dst and
// returns the byte count and blake2b-256 digest.
func (m *Manager) reassemble(ctx context.Context, session models.UploadSession, dst io.Writer) (int64, string, error) {
	hasher, err := blake2b.New256(nil)
	if err != nil {
		return 0, "", err
	}
	out := io.MultiWriter(dst, hasher)
	var total int64
	for index := 0; index < session.TotalChunks; index++ {
		if err := ctx.Err(); err != nil {
			return 0, "", err
		}
		n, err := m.copyChunk(ctx, out, session.ID, index)
		if err != nil {
			return 0, "", err
		}
		total += n
	}
	return total, hex.EncodeToString(hasher.Sum(nil)), nil
}

func (m *Manager) copyChunk(ctx context.Context, dst io.Writer, sessionID string, index int) (int64, error) {
	body, err := m.blobs.Get(ctx, m.buckets.Chunks, ChunkKey(sessionID, index))
	if err != nil {
		return 0, fmt.Errorf("read chunk %d: %w", index, err)
	}
	defer body.Close()
	n, err := io.Copy(dst, body)
	if err != nil {
		return 0, fmt.Errorf("copy chunk %d: %w", index, err)
	}
	return n, nil
}

func (m *Manager) deleteChunks(ctx context.Context, session models.UploadSession) {
	for index := 0; index < session.TotalChunks; index++ {
		if err := m.blobs.Delete(ctx, m.buckets.Chunks, ChunkKey(session.ID, index)); err != nil {
			m.logger.Warn("failed to delete chunk", "upload_id", session.ID, "chunk", index, "error", err)
		}
	}
}

func (m *Manager) probeDuration(ctx context.Context, assetID, path string) int {
	if m.prober == nil {
		return 0
	}
	duration, err := m.prober.Duration(ctx, path)
	if err != nil {
		m.logger.Warn("source probe failed", "asset_id", assetID, "error", err)
		return 0
	}
	return int(duration.Seconds())
}

// renderThumbnail is best effort: failures are logged and yield "".
func (m *Manager) renderThumbnail(ctx context.Context, assetID, sourcePath string) string {
	if m.thumbnailer == nil || m.buckets.Thumbnails == "" {
		return ""
	}
	dst := strings.TrimSuffix(sourcePath, filepath.Ext(sourcePath)) + "-thumb.jpg"
	defer os.Remove(dst)
	if err := m.thumbnailer.Thumbnail(ctx, sourcePath, dst); err != nil {
		m.logger.Warn("thumbnail generation failed", "asset_id", assetID, "error", err)
		return ""
	}
	file, err := os.Open(dst)
	if err != nil {
		m.logger.Warn("thumbnail open failed", "asset_id", assetID, "error", err)
		return ""
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		m.logger.Warn("thumbnail stat failed", "asset_id", assetID, "error", err)
		return ""
	}
	key := ThumbnailKey(assetID)
	if err := m.blobs.Put(ctx, m.buckets.Thumbnails, key, file, info.Size(), "image/jpeg"); err != nil {
		m.logger.Warn("thumbnail upload failed", "asset_id", assetID, "error", err)
		return ""
	}
	return key
}

func (m *Manager) loadAsset(ctx context.Context, op, id string) (models.Asset, error) {
	asset, err := m.assets.GetAsset(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Asset{}, apperrors.NotFound(op, "asset", id)
		}
		return models.Asset{}, apperrors.Transient(op, err)
	}
	return asset, nil
}

func contentTypeFor(filename string) string {
	ext := cases.Lower(language.Und).String(filepath.Ext(filename))
	if ctype := mime.TypeByExtension(ext); ctype != "" {
		return ctype
	}
	switch ext {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	default:
		return "application/octet-stream"
	}
}
