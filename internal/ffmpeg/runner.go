// Package ffmpeg wraps the ffmpeg and ffprobe executables used to encode
// renditions, cut HLS segments, extract thumbnails and probe sources.
package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Runner executes an external command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec. Stderr lines are logged at debug
// level and the tail is attached to the error on failure.
type ExecRunner struct {
	Logger *slog.Logger
}

const stderrTailLimit = 4096

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var stdout bytes.Buffer
	stderr := &logWriter{logger: logger.With("command", name)}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if tail := strings.TrimSpace(stderr.tail.String()); tail != "" {
			return nil, fmt.Errorf("%s failed: %w: %s", name, err, tail)
		}
		return nil, fmt.Errorf("%s failed: %w", name, err)
	}
	return stdout.Bytes(), nil
}

type logWriter struct {
	logger *slog.Logger
	tail   bytes.Buffer
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	w.tail.Write(p)
	if over := w.tail.Len() - stderrTailLimit; over > 0 {
		w.tail.Next(over)
	}
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug(string(line))
	}
	return total, nil
}
