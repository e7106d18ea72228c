// Package upload implements resumable chunked uploads: sessions track which
// chunk indices have arrived, and Complete reassembles them strictly by index
// into the durable source object of an asset.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/aym-n/pixl/internal/apperrors"
	"github.com/aym-n/pixl/internal/blob"
	"github.com/aym-n/pixl/internal/models"
	"github.com/aym-n/pixl/internal/storage"
)

// Service is the public surface of the upload manager.
type Service interface {
	Initiate(ctx context.Context, req InitiateRequest) (Initiated, error)
	AdmitChunk(ctx context.Context, sessionID string, index int, data []byte) (models.UploadProgress, error)
	Complete(ctx context.Context, sessionID string) (models.Asset, error)
	Progress(ctx context.Context, sessionID string) (models.UploadProgress, error)
}

// Notifier receives upload stage updates.
type Notifier interface {
	UploadProgress(ctx context.Context, assetID string, percent int)
	UploadComplete(ctx context.Context, assetID string)
}

// Prober reads media metadata from a local file.
type Prober interface {
	Duration(ctx context.Context, path string) (time.Duration, error)
}

// Thumbnailer renders a still image of the local source into dst.
type Thumbnailer interface {
	Thumbnail(ctx context.Context, src, dst string) error
}

type Buckets struct {
	Chunks     string
	Originals  string
	Thumbnails string
}

type Config struct {
	Sessions storage.SessionStore
	Assets   storage.AssetStore
	Blobs    blob.Store
	Buckets  Buckets

	ChunkSize  int64
	SessionTTL time.Duration
	// ScratchDir holds the reassembled source while it is uploaded. Empty
	// means the OS temp dir.
	ScratchDir string

	Notifier    Notifier
	Prober      Prober
	Thumbnailer Thumbnailer
	Logger      *slog.Logger
	Now         func() time.Time
}

type InitiateRequest struct {
	Filename    string `json:"filename"`
	TotalSize   int64  `json:"fileSize"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type Initiated struct {
	UploadID    string `json:"uploadId"`
	ChunkSize   int64  `json:"chunkSize"`
	TotalChunks int    `json:"totalChunks"`
}

const (
	defaultChunkSize  = 5 * 1024 * 1024
	defaultSessionTTL = 24 * time.Hour
)

type Manager struct {
	sessions    storage.SessionStore
	assets      storage.AssetStore
	blobs       blob.Store
	buckets     Buckets
	chunkSize   int64
	ttl         time.Duration
	scratchDir  string
	notifier    Notifier
	prober      Prober
	thumbnailer Thumbnailer
	logger      *slog.Logger
	now         func() time.Time

	completing singleflight.Group
}

func NewManager(cfg Config) *Manager {
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		sessions:    cfg.Sessions,
		assets:      cfg.Assets,
		blobs:       cfg.Blobs,
		buckets:     cfg.Buckets,
		chunkSize:   chunkSize,
		ttl:         ttl,
		scratchDir:  cfg.ScratchDir,
		notifier:    cfg.Notifier,
		prober:      cfg.Prober,
		thumbnailer: cfg.Thumbnailer,
		logger:      logger,
		now:         now,
	}
}

// ChunkKey names the scratch object holding one chunk.
func ChunkKey(sessionID string, index int) string {
	return ChunkPrefix(sessionID) + strconv.Itoa(index)
}

// ChunkPrefix is the key prefix shared by every chunk of a session.
func ChunkPrefix(sessionID string) string {
	return sessionID + "_chunk_"
}

// Initiate opens a session and the placeholder asset sharing its id.
func (m *Manager) Initiate(ctx context.Context, req InitiateRequest) (Initiated, error) {
	const op = "upload.initiate"
	filename := strings.TrimSpace(req.Filename)
	if filename == "" {
		return Initiated{}, apperrors.Validation(op, "filename is required")
	}
	if req.TotalSize <= 0 {
		return Initiated{}, apperrors.Validation(op, "file size must be positive, got %d", req.TotalSize)
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = filename
	}

	now := m.now().UTC()
	session := models.UploadSession{
		ID:             storage.NewID(),
		Filename:       filename,
		TotalSize:      req.TotalSize,
		ChunkSize:      m.chunkSize,
		TotalChunks:    models.TotalChunksFor(req.TotalSize, m.chunkSize),
		ReceivedChunks: []int{},
		Status:         models.UploadInProgress,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.ttl),
	}
	if err := m.sessions.CreateSession(ctx, session); err != nil {
		return Initiated{}, apperrors.Transient(op, err)
	}
	asset := models.Asset{
		ID:               session.ID,
		Title:            title,
		Description:      strings.TrimSpace(req.Description),
		OriginalFilename: filename,
		SizeBytes:        req.TotalSize,
		Status:           models.AssetUploaded,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.assets.CreateAsset(ctx, asset); err != nil {
		if delErr := m.sessions.DeleteSession(ctx, session.ID); delErr != nil {
			m.logger.Warn("failed to roll back upload session", "upload_id", session.ID, "error", delErr)
		}
		return Initiated{}, apperrors.Transient(op, err)
	}

	m.logger.Info("upload initiated",
		"upload_id", session.ID,
		"filename", filename,
		"total_size", req.TotalSize,
		"total_chunks", session.TotalChunks,
	)
	return Initiated{UploadID: session.ID, ChunkSize: m.chunkSize, TotalChunks: session.TotalChunks}, nil
}

// AdmitChunk stores one chunk and records its index. The blob is written
// before the index is recorded so an admitted index is always retrievable.
// Re-admitting an index overwrites the blob and leaves the set unchanged.
func (m *Manager) AdmitChunk(ctx context.Context, sessionID string, index int, data []byte) (models.UploadProgress, error) {
	const op = "upload.admit_chunk"
	session, err := m.loadSession(ctx, op, sessionID)
	if err != nil {
		return models.UploadProgress{}, err
	}
	if session.Status == models.UploadCompleted {
		return models.UploadProgress{}, apperrors.State(op, "upload %s is already completed", sessionID)
	}
	if index < 0 || index >= session.TotalChunks {
		return models.UploadProgress{}, apperrors.Validation(op, "chunk index %d out of range [0,%d)", index, session.TotalChunks)
	}
	if len(data) == 0 {
		return models.UploadProgress{}, apperrors.Validation(op, "chunk %d is empty", index)
	}
	if limit := maxChunkSize(session, index); int64(len(data)) > limit {
		return models.UploadProgress{}, apperrors.Validation(op, "chunk %d exceeds %d bytes, got %d", index, limit, len(data))
	}

	key := ChunkKey(sessionID, index)
	if err := m.blobs.Put(ctx, m.buckets.Chunks, key, bytes.NewReader(data), int64(len(data)), "application/octet-stream"); err != nil {
		return models.UploadProgress{}, apperrors.Transient(op, fmt.Errorf("store chunk %d: %w", index, err))
	}
	updated, err := m.sessions.AddChunk(ctx, sessionID, index)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.UploadProgress{}, apperrors.NotFound(op, "upload session", sessionID)
		}
		return models.UploadProgress{}, apperrors.Transient(op, err)
	}

	progress := updated.Progress()
	if m.notifier != nil {
		m.notifier.UploadProgress(ctx, sessionID, int(progress.Progress))
	}
	m.logger.Debug("chunk admitted",
		"upload_id", sessionID,
		"chunk", index,
		"uploaded_chunks", progress.UploadedChunks,
		"total_chunks", progress.TotalChunks,
	)
	return progress, nil
}

// maxChunkSize is the chunk size for every index except the last, which is
// bounded by the remainder. Short chunks are admitted; Complete rejects a
// reassembly whose length differs from the declared total.
func maxChunkSize(session models.UploadSession, index int) int64 {
	if index < session.TotalChunks-1 {
		return session.ChunkSize
	}
	return session.TotalSize - int64(session.TotalChunks-1)*session.ChunkSize
}

// Progress reports the admitted share of a session.
func (m *Manager) Progress(ctx context.Context, sessionID string) (models.UploadProgress, error) {
	session, err := m.loadSession(ctx, "upload.progress", sessionID)
	if err != nil {
		return models.UploadProgress{}, err
	}
	return session.Progress(), nil
}

func (m *Manager) loadSession(ctx context.Context, op, sessionID string) (models.UploadSession, error) {
	if strings.TrimSpace(sessionID) == "" {
		return models.UploadSession{}, apperrors.Validation(op, "upload id is required")
	}
	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.UploadSession{}, apperrors.NotFound(op, "upload session", sessionID)
		}
		return models.UploadSession{}, apperrors.Transient(op, err)
	}
	return session, nil
}
