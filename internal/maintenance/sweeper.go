// Package maintenance removes upload sessions whose TTL has passed. The
// sweep runs on a cooperative ticker and can also be drained on demand; both
// paths share one lock so they never interleave.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aym-n/pixl/internal/blob"
	"github.com/aym-n/pixl/internal/models"
	"github.com/aym-n/pixl/internal/storage"
	"github.com/aym-n/pixl/internal/upload"
)

// Ticker is the subset of time.Ticker the sweep loop needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

// TickerFactory builds the ticker used by Start.
type TickerFactory func(time.Duration) Ticker

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{ticker: time.NewTicker(d)}
}

type Config struct {
	Sessions     storage.SessionStore
	Assets       storage.AssetStore
	Blobs        blob.Store
	ChunksBucket string
	// BatchSize caps the sessions removed per drain.
	BatchSize int
	Logger    *slog.Logger
	Now       func() time.Time
	NewTicker TickerFactory
}

// Result summarises one drain.
type Result struct {
	Sessions int `json:"sessions"`
	Chunks   int `json:"chunks"`
	Assets   int `json:"assets"`
}

type Sweeper struct {
	sessions     storage.SessionStore
	assets       storage.AssetStore
	blobs        blob.Store
	chunksBucket string
	batchSize    int
	logger       *slog.Logger
	now          func() time.Time
	newTicker    TickerFactory

	mu sync.Mutex
}

const defaultBatchSize = 100

func New(cfg Config) *Sweeper {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	newTicker := cfg.NewTicker
	if newTicker == nil {
		newTicker = newTimeTicker
	}
	return &Sweeper{
		sessions:     cfg.Sessions,
		assets:       cfg.Assets,
		blobs:        cfg.Blobs,
		chunksBucket: cfg.ChunksBucket,
		batchSize:    batch,
		logger:       logger,
		now:          now,
		newTicker:    newTicker,
	}
}

// Start runs Drain every interval until ctx is cancelled or the returned
// stop func is called. Stop runs a final drain before returning.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}
	loopCtx, cancel := context.WithCancel(ctx)
	ticker := s.newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C():
				if _, err := s.Drain(loopCtx); err != nil {
					s.logger.Error("failed to sweep expired sessions", "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			if _, err := s.Drain(context.WithoutCancel(ctx)); err != nil {
				s.logger.Error("final session sweep failed", "error", err)
			}
		})
	}
}

// Drain removes up to one batch of expired IN_PROGRESS sessions, their
// chunk objects and the placeholder asset created at initiation.
func (s *Sweeper) Drain(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result Result
	expired, err := s.sessions.ListExpiredSessions(ctx, s.now().UTC(), s.batchSize)
	if err != nil {
		return result, fmt.Errorf("list expired sessions: %w", err)
	}
	var errs []error
	for _, session := range expired {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		chunks, err := s.purge(ctx, session)
		result.Chunks += chunks
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", session.ID, err))
			continue
		}
		result.Sessions++
		if s.dropPlaceholder(ctx, session.ID) {
			result.Assets++
		}
	}
	if result.Sessions > 0 {
		s.logger.Info("expired upload sessions removed", "sessions", result.Sessions, "chunks", result.Chunks, "assets", result.Assets)
	}
	return result, errors.Join(errs...)
}

func (s *Sweeper) purge(ctx context.Context, session models.UploadSession) (int, error) {
	removed := 0
	if s.blobs != nil {
		keys, err := s.blobs.List(ctx, s.chunksBucket, upload.ChunkPrefix(session.ID))
		if err != nil {
			return 0, fmt.Errorf("list chunks: %w", err)
		}
		for _, key := range keys {
			if err := s.blobs.Delete(ctx, s.chunksBucket, key); err != nil && !errors.Is(err, blob.ErrNotFound) {
				return removed, fmt.Errorf("delete chunk %s: %w", key, err)
			}
			removed++
		}
	}
	if err := s.sessions.DeleteSession(ctx, session.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return removed, fmt.Errorf("delete session: %w", err)
	}
	return removed, nil
}

// dropPlaceholder deletes the asset of an abandoned upload when it never
// received a source.
func (s *Sweeper) dropPlaceholder(ctx context.Context, id string) bool {
	if s.assets == nil {
		return false
	}
	asset, err := s.assets.GetAsset(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("placeholder asset lookup failed", "asset_id", id, "error", err)
		}
		return false
	}
	if asset.Status != models.AssetUploaded || asset.SourceKey != "" {
		return false
	}
	if err := s.assets.DeleteAsset(ctx, id); err != nil {
		s.logger.Warn("placeholder asset delete failed", "asset_id", id, "error", err)
		return false
	}
	return true
}
