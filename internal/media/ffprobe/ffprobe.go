package ffprobe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

// showEntries limits ffprobe output to the fields frame sampling needs.
const showEntries = "stream=index,codec_type,width,height,duration,nb_frames,r_frame_rate,avg_frame_rate:format=duration"

// Result is the subset of ffprobe output used to plan frame sampling.
type Result struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
}

// Stream describes a single stream in the media container.
type Stream struct {
	Index     int    `json:"index"`
	CodecType string `json:"codec_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Duration  string `json:"duration"`
	// NBFrames is the container-declared frame count; many formats omit it.
	NBFrames     string `json:"nb_frames"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
}

// Format captures container-level metadata.
type Format struct {
	Duration string `json:"duration"`
}

// Inspect runs ffprobe against path and decodes the JSON response.
func Inspect(ctx context.Context, binary string, path string) (Result, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffprobe"
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return Result{}, errors.New("ffprobe inspect: empty path")
	}

	cmd := exec.CommandContext(ctx, binary, "-v", "error", "-hide_banner", "-show_entries", showEntries, "-of", "json", "--", path)
	output, err := cmd.Output()
	if err != nil {
		detail := ""
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			detail = strings.TrimSpace(string(exitErr.Stderr))
		}
		return Result{}, fmt.Errorf("ffprobe inspect: %w: %s", err, detail)
	}
	return Parse(output)
}

// Parse decodes raw ffprobe JSON.
func Parse(data []byte) (Result, error) {
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, fmt.Errorf("ffprobe parse: %w", err)
	}
	return result, nil
}

// AudioStreamCount returns the number of audio streams discovered.
func (r Result) AudioStreamCount() int {
	count := 0
	for _, stream := range r.Streams {
		if strings.EqualFold(stream.CodecType, "audio") {
			count++
		}
	}
	return count
}

// DurationSeconds returns the container duration in seconds, or 0 when the
// value is missing or unusable.
func (r Result) DurationSeconds() float64 {
	return finite(parseFloat(r.Format.Duration))
}

// FirstVideoStream returns the first video stream, if any.
func (r Result) FirstVideoStream() (Stream, bool) {
	for _, stream := range r.Streams {
		if strings.EqualFold(stream.CodecType, "video") {
			return stream, true
		}
	}
	return Stream{}, false
}

// FrameRate returns the stream frame rate in frames per second, preferring the
// average rate. Returns 0 when neither rate is usable.
func (s Stream) FrameRate() float64 {
	for _, value := range []string{s.AvgFrameRate, s.RFrameRate} {
		if rate := parseRational(value); rate > 0 {
			return rate
		}
	}
	return 0
}

// FPS returns the frame rate of the first video stream, or 0 when unknown.
func (r Result) FPS() float64 {
	stream, ok := r.FirstVideoStream()
	if !ok {
		return 0
	}
	return stream.FrameRate()
}

// FrameCount returns the number of frames in the first video stream. It uses
// nb_frames when present and otherwise estimates duration times frame rate.
// Returns 0 when the count cannot be determined.
func (r Result) FrameCount() int {
	stream, ok := r.FirstVideoStream()
	if !ok {
		return 0
	}
	if frames := finite(parseFloat(stream.NBFrames)); frames > 0 {
		return int(frames)
	}
	duration := finite(parseFloat(stream.Duration))
	if duration == 0 {
		duration = r.DurationSeconds()
	}
	rate := stream.FrameRate()
	if duration == 0 || rate <= 0 {
		return 0
	}
	return int(math.Round(duration * rate))
}

func parseRational(value string) float64 {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" {
		return 0
	}
	num, den, found := strings.Cut(cleaned, "/")
	if !found {
		return finite(parseFloat(cleaned))
	}
	n := finite(parseFloat(num))
	d := finite(parseFloat(den))
	if d == 0 {
		return 0
	}
	return n / d
}

func parseFloat(value string) float64 {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" {
		return 0
	}
	if parsed, err := strconv.ParseFloat(cleaned, 64); err == nil {
		return parsed
	}
	return math.NaN()
}

// finite maps NaN, infinities and negatives to 0.
func finite(value float64) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		return 0
	}
	return value
}
