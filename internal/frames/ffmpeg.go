package frames

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os/exec"
	"strconv"
	"strings"

	"deepscan/internal/media/ffprobe"
	"deepscan/internal/services"
)

// FFmpegDecoder reads metadata with ffprobe and decodes single frames with
// ffmpeg, piping one PNG per request.
type FFmpegDecoder struct {
	FFmpeg  string
	FFprobe string
}

// Probe inspects path and reports its first video stream.
func (d FFmpegDecoder) Probe(ctx context.Context, path string) (Metadata, error) {
	result, err := ffprobe.Inspect(ctx, d.FFprobe, path)
	if err != nil {
		return Metadata{}, services.Wrap(services.ErrExternalTool, "sampler", "probe", "ffprobe failed", err)
	}
	meta := Metadata{
		TotalFrames:     result.FrameCount(),
		FPS:             result.FPS(),
		DurationSeconds: result.DurationSeconds(),
		AudioStreams:    result.AudioStreamCount(),
	}
	if stream, ok := result.FirstVideoStream(); ok {
		meta.Width, meta.Height = stream.Width, stream.Height
	}
	meta.Readable = meta.TotalFrames > 0
	return meta, nil
}

// Decode extracts the frame at index. With a known frame rate it seeks by
// timestamp; otherwise it selects the frame by number.
func (d FFmpegDecoder) Decode(ctx context.Context, path string, index int, meta Metadata) (image.Image, error) {
	if index < 0 {
		return nil, fmt.Errorf("decode frame: invalid index %d", index)
	}
	binary := strings.TrimSpace(d.FFmpeg)
	if binary == "" {
		binary = "ffmpeg"
	}
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if meta.FPS > 0 {
		args = append(args,
			"-ss", strconv.FormatFloat(float64(index)/meta.FPS, 'f', 6, 64),
			"-i", path,
		)
	} else {
		args = append(args,
			"-i", path,
			"-vf", fmt.Sprintf(`select=eq(n\,%d)`, index),
			"-vsync", "0",
		)
	}
	args = append(args, "-frames:v", "1", "-f", "image2pipe", "-c:v", "png", "-")

	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg decode frame %d: %w: %s", index, err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, errors.New("ffmpeg decode frame: no image data")
	}
	img, err := png.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg decode frame %d: %w", index, err)
	}
	return img, nil
}
