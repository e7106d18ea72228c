package ffmpeg

import (
	"context"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// ProbeResult is the subset of ffprobe output the pipeline records.
type ProbeResult struct {
	Duration   time.Duration
	SizeBytes  int64
	BitRate    int64
	VideoCodec string
	Width      int
	Height     int
	FrameRate  string
}

func probeArgs(path string) []string {
	return []string{
		"-v", "error",
		"-show_entries", "format=duration,size,bit_rate",
		"-show_entries", "stream=codec_type,codec_name,width,height,r_frame_rate",
		"-of", "json",
		path,
	}
}

// Probe runs ffprobe against a local file.
func (t *Tool) Probe(ctx context.Context, path string) (ProbeResult, error) {
	out, err := t.runner.Run(ctx, t.ffprobe, probeArgs(path)...)
	if err != nil {
		return ProbeResult{}, err
	}
	return ParseProbe(out)
}

// Duration reports the container duration of a local file.
func (t *Tool) Duration(ctx context.Context, path string) (time.Duration, error) {
	result, err := t.Probe(ctx, path)
	if err != nil {
		return 0, err
	}
	return result.Duration, nil
}

// ParseProbe decodes `ffprobe -of json` output. ffprobe reports numbers as
// strings, which gjson converts.
func ParseProbe(raw []byte) (ProbeResult, error) {
	if !gjson.ValidBytes(raw) {
		return ProbeResult{}, fmt.Errorf("ffprobe output is not valid json")
	}
	doc := gjson.ParseBytes(raw)
	duration := doc.Get("format.duration")
	if !duration.Exists() {
		return ProbeResult{}, fmt.Errorf("ffprobe output has no duration")
	}
	result := ProbeResult{
		Duration:  time.Duration(duration.Float() * float64(time.Second)),
		SizeBytes: doc.Get("format.size").Int(),
		BitRate:   doc.Get("format.bit_rate").Int(),
	}
	video := doc.Get(`streams.#(codec_type=="video")`)
	if video.Exists() {
		result.VideoCodec = video.Get("codec_name").String()
		result.Width = int(video.Get("width").Int())
		result.Height = int(video.Get("height").Int())
		result.FrameRate = video.Get("r_frame_rate").String()
	}
	return result, nil
}
