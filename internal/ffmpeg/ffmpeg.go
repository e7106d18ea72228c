package ffmpeg

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aym-n/pixl/internal/models"
)

type Config struct {
	FFmpegPath  string
	FFprobePath string
	Runner      Runner
	Logger      *slog.Logger
}

// Tool drives ffmpeg and ffprobe. It implements the encoder, segmenter,
// thumbnailer and prober interfaces of the pipeline packages.
type Tool struct {
	ffmpeg  string
	ffprobe string
	runner  Runner
	logger  *slog.Logger
}

func New(cfg Config) *Tool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ffmpegPath := strings.TrimSpace(cfg.FFmpegPath)
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	ffprobePath := strings.TrimSpace(cfg.FFprobePath)
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	runner := cfg.Runner
	if runner == nil {
		runner = ExecRunner{Logger: logger}
	}
	return &Tool{ffmpeg: ffmpegPath, ffprobe: ffprobePath, runner: runner, logger: logger}
}

// EncodeArgs builds the H.264/AAC encode for one rendition. The picture is
// scaled to fit the profile and letterboxed to its exact size.
func EncodeArgs(input string, profile models.RenditionProfile, output string) []string {
	w, h := profile.Width, profile.Height
	return []string{
		"-i", input,
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "23",
		"-maxrate", fmt.Sprintf("%dk", profile.VideoBitrateKbps),
		"-bufsize", fmt.Sprintf("%dk", profile.VideoBitrateKbps*2),
		"-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2", w, h, w, h),
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		"-y",
		output,
	}
}

// Encode transcodes input into output for the given rendition profile.
func (t *Tool) Encode(ctx context.Context, input string, profile models.RenditionProfile, output string) error {
	if _, err := t.runner.Run(ctx, t.ffmpeg, EncodeArgs(input, profile, output)...); err != nil {
		return err
	}
	if _, err := os.Stat(output); err != nil {
		return fmt.Errorf("encoder produced no output: %w", err)
	}
	return nil
}

// PlaylistName is the per-rendition playlist written by Segment.
const PlaylistName = "playlist.m3u8"

// SegmentArgs cuts input into fixed-duration MPEG-TS segments without
// re-encoding.
func SegmentArgs(input, dir string, segmentDuration time.Duration) []string {
	seconds := int(segmentDuration.Round(time.Second) / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	return []string{
		"-i", input,
		"-codec:", "copy",
		"-start_number", "0",
		"-hls_time", strconv.Itoa(seconds),
		"-hls_list_size", "0",
		"-hls_segment_filename", filepath.Join(dir, "segment%03d.ts"),
		"-f", "hls",
		filepath.Join(dir, PlaylistName),
	}
}

// Segment writes the playlist and segments for input into dir and returns
// the produced file names, playlist first.
func (t *Tool) Segment(ctx context.Context, input, dir string, segmentDuration time.Duration) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if _, err := t.runner.Run(ctx, t.ffmpeg, SegmentArgs(input, dir, segmentDuration)...); err != nil {
		return nil, err
	}
	return listSegmentOutput(dir)
}

func listSegmentOutput(dir string) ([]string, error) {
	if _, err := os.Stat(filepath.Join(dir, PlaylistName)); err != nil {
		return nil, fmt.Errorf("segmenter produced no playlist: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := []string{PlaylistName}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".ts") {
			continue
		}
		files = append(files, entry.Name())
	}
	return files, nil
}

// ThumbnailArgs grabs the frame at two seconds, 640 pixels wide.
func ThumbnailArgs(src, dst string) []string {
	return []string{
		"-ss", "00:00:02",
		"-i", src,
		"-vframes", "1",
		"-vf", "scale=640:-1",
		"-q:v", "2",
		"-y",
		dst,
	}
}

func (t *Tool) Thumbnail(ctx context.Context, src, dst string) error {
	if _, err := t.runner.Run(ctx, t.ffmpeg, ThumbnailArgs(src, dst)...); err != nil {
		return err
	}
	if _, err := os.Stat(dst); err != nil {
		return fmt.Errorf("thumbnail not written: %w", err)
	}
	return nil
}
