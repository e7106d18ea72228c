// Package manifest turns the encoded rendition outputs of an asset into HLS:
// per-rendition segments and playlists, plus a master playlist that lists
// only the renditions that were actually produced.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/aym-n/pixl/internal/blob"
	"github.com/aym-n/pixl/internal/models"
)

const playlistContentType = "application/vnd.apple.mpegurl"

// Segmenter cuts a local media file into HLS segments inside dir and returns
// the produced file names.
type Segmenter interface {
	Segment(ctx context.Context, input, dir string, segmentDuration time.Duration) ([]string, error)
}

type Config struct {
	Blobs           blob.Store
	Bucket          string
	Ladder          models.Ladder
	Segmenter       Segmenter
	SegmentDuration time.Duration
	// Parallelism bounds how many renditions are segmented at once.
	Parallelism int
	ScratchDir  string
	Logger      *slog.Logger
}

type Generator struct {
	blobs           blob.Store
	bucket          string
	ladder          models.Ladder
	segmenter       Segmenter
	segmentDuration time.Duration
	parallelism     int64
	scratchDir      string
	logger          *slog.Logger
}

func New(cfg Config) *Generator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	duration := cfg.SegmentDuration
	if duration <= 0 {
		duration = 6 * time.Second
	}
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Generator{
		blobs:           cfg.Blobs,
		bucket:          cfg.Bucket,
		ladder:          cfg.Ladder,
		segmenter:       cfg.Segmenter,
		segmentDuration: duration,
		parallelism:     int64(parallelism),
		scratchDir:      cfg.ScratchDir,
		logger:          logger,
	}
}

// Result describes what Build produced.
type Result struct {
	MasterKey string
	// Included lists the renditions in the master playlist, in ladder order.
	Included []models.Rendition
	// Skipped lists renditions without an encoded output.
	Skipped []models.Rendition
	// Failed maps renditions whose segmentation failed to the cause.
	Failed map[models.Rendition]error
}

type renditionOutcome struct {
	present bool
	err     error
}

// Build segments every rendition whose output exists and uploads the master
// playlist. A failure in one rendition does not stop the others; the
// combined error is returned once every rendition has been attempted.
func (g *Generator) Build(ctx context.Context, assetID string) (Result, error) {
	profiles := g.ladder.Profiles()
	outcomes := make([]renditionOutcome, len(profiles))
	sem := semaphore.NewWeighted(g.parallelism)
	var wg sync.WaitGroup
	for i, profile := range profiles {
		if err := sem.Acquire(ctx, 1); err != nil {
			outcomes[i] = renditionOutcome{present: true, err: err}
			continue
		}
		wg.Add(1)
		go func(i int, profile models.RenditionProfile) {
			defer wg.Done()
			defer sem.Release(1)
			outcomes[i] = g.buildRendition(ctx, assetID, profile.Rendition)
		}(i, profile)
	}
	wg.Wait()

	result := Result{Failed: make(map[models.Rendition]error)}
	var included []models.RenditionProfile
	var errs []error
	for i, profile := range profiles {
		outcome := outcomes[i]
		switch {
		case !outcome.present:
			result.Skipped = append(result.Skipped, profile.Rendition)
		case outcome.err != nil:
			result.Failed[profile.Rendition] = outcome.err
			errs = append(errs, fmt.Errorf("%s: %w", profile.Rendition, outcome.err))
			g.logger.Error("rendition segmentation failed", "asset_id", assetID, "rendition", profile.Rendition, "error", outcome.err)
		default:
			included = append(included, profile)
			result.Included = append(result.Included, profile.Rendition)
		}
	}
	if len(included) == 0 {
		errs = append(errs, fmt.Errorf("no renditions available for asset %s", assetID))
		return result, errors.Join(errs...)
	}

	master := MasterPlaylist(included)
	key := models.MasterPlaylistKey(assetID)
	if err := g.blobs.Put(ctx, g.bucket, key, strings.NewReader(master), int64(len(master)), playlistContentType); err != nil {
		errs = append(errs, fmt.Errorf("upload master playlist: %w", err))
		return result, errors.Join(errs...)
	}
	result.MasterKey = key
	g.logger.Info("master playlist generated",
		"asset_id", assetID,
		"included", len(result.Included),
		"skipped", len(result.Skipped),
		"failed", len(result.Failed),
	)
	return result, errors.Join(errs...)
}

func (g *Generator) buildRendition(ctx context.Context, assetID string, rendition models.Rendition) renditionOutcome {
	objectKey := models.RenditionObjectKey(assetID, rendition)
	exists, err := g.blobs.Exists(ctx, g.bucket, objectKey)
	if err != nil {
		return renditionOutcome{present: true, err: fmt.Errorf("check output: %w", err)}
	}
	if !exists {
		g.logger.Info("skipping rendition without output", "asset_id", assetID, "rendition", rendition)
		return renditionOutcome{}
	}

	workDir, err := os.MkdirTemp(g.scratchDir, "pixl-hls-"+string(rendition)+"-")
	if err != nil {
		return renditionOutcome{present: true, err: err}
	}
	defer os.RemoveAll(workDir)

	input := filepath.Join(workDir, "input.mp4")
	if err := g.download(ctx, objectKey, input); err != nil {
		return renditionOutcome{present: true, err: err}
	}
	outDir := filepath.Join(workDir, "hls")
	files, err := g.segmenter.Segment(ctx, input, outDir, g.segmentDuration)
	if err != nil {
		return renditionOutcome{present: true, err: fmt.Errorf("segment: %w", err)}
	}
	prefix := path.Join(strings.TrimSuffix(models.HLSPrefix(assetID), "/"), string(rendition))
	for _, name := range files {
		if err := g.upload(ctx, filepath.Join(outDir, name), path.Join(prefix, name)); err != nil {
			return renditionOutcome{present: true, err: err}
		}
	}
	return renditionOutcome{present: true}
}

func (g *Generator) download(ctx context.Context, key, dst string) error {
	body, err := g.blobs.Get(ctx, g.bucket, key)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", key, err)
	}
	defer body.Close()
	file, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, body); err != nil {
		_ = file.Close()
		return fmt.Errorf("fetch %s: %w", key, err)
	}
	return file.Close()
}

func (g *Generator) upload(ctx context.Context, src, key string) error {
	file, err := os.Open(src)
	if err != nil {
		return err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return err
	}
	contentType := "video/mp2t"
	if strings.HasSuffix(key, ".m3u8") {
		contentType = playlistContentType
	}
	if err := g.blobs.Put(ctx, g.bucket, key, file, info.Size(), contentType); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// MasterPlaylist renders the master playlist for the given profiles in the
// order given.
func MasterPlaylist(profiles []models.RenditionProfile) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	for _, profile := range profiles {
		fmt.Fprintf(&b, "\n#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%s\n", profile.Bandwidth, profile.Resolution())
		fmt.Fprintf(&b, "%s/playlist.m3u8\n", profile.Rendition)
	}
	return b.String()
}
