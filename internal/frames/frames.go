package frames

import (
	"context"
	"image"
	"log/slog"
	"math"
	"runtime"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"deepscan/internal/imaging"
	"deepscan/internal/logging"
)

// Metadata describes the decodable video stream of a file.
type Metadata struct {
	TotalFrames     int
	FPS             float64
	DurationSeconds float64
	Width           int
	Height          int
	AudioStreams    int
	// Readable is false when metadata could not be read or the stream
	// reports no frames.
	Readable bool
}

// Frame is one sampled slot. Synthetic frames are neutral stand-ins for slots
// that could not be decoded.
type Frame struct {
	Slot        int
	SourceIndex int
	Image       *image.RGBA
	Synthetic   bool
}

// VideoSample is the ordered set of frames drawn from one video.
type VideoSample struct {
	Path     string
	Frames   []Frame
	Metadata Metadata
}

// RealFrames counts frames that were actually decoded.
func (s VideoSample) RealFrames() int {
	count := 0
	for _, f := range s.Frames {
		if !f.Synthetic {
			count++
		}
	}
	return count
}

// SyntheticFrames counts neutral stand-in frames.
func (s VideoSample) SyntheticFrames() int {
	return len(s.Frames) - s.RealFrames()
}

// Decoder reads metadata and individual frames from a video file.
type Decoder interface {
	Probe(ctx context.Context, path string) (Metadata, error)
	Decode(ctx context.Context, path string, index int, meta Metadata) (image.Image, error)
}

// Options configures a Sampler.
type Options struct {
	// Width and Height resize decoded frames; zero keeps the native size.
	Width  int
	Height int
	// SyntheticWidth and SyntheticHeight size neutral frames when no target
	// size is set.
	SyntheticWidth  int
	SyntheticHeight int
	// Workers bounds concurrent decodes; zero uses the CPU count.
	Workers       int
	DecodeTimeout time.Duration
}

// Sampler draws evenly spaced frames from videos.
type Sampler struct {
	decoder Decoder
	opts    Options
	logger  *slog.Logger
}

// NewSampler constructs a Sampler around decoder.
func NewSampler(decoder Decoder, opts Options, logger *slog.Logger) *Sampler {
	if opts.SyntheticWidth <= 0 {
		opts.SyntheticWidth = 224
	}
	if opts.SyntheticHeight <= 0 {
		opts.SyntheticHeight = 224
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &Sampler{
		decoder: decoder,
		opts:    opts,
		logger:  logging.NewComponentLogger(logger, "sampler"),
	}
}

// SampleIndices returns n frame indices spread linearly over [0, total-1] and
// rounded to the nearest frame. Indices repeat when total < n.
func SampleIndices(total, n int) []int {
	if n <= 0 || total <= 0 {
		return nil
	}
	indices := make([]int, n)
	if n == 1 {
		return indices
	}
	step := float64(total-1) / float64(n-1)
	for i := range indices {
		idx := int(math.Round(float64(i) * step))
		indices[i] = min(max(idx, 0), total-1)
	}
	return indices
}

// Sample returns exactly n frames from path. It never fails: unreadable
// videos yield n synthetic frames and individual decode failures substitute
// a synthetic frame for that slot only.
func (s *Sampler) Sample(ctx context.Context, path string, n int) VideoSample {
	if n <= 0 {
		return VideoSample{Path: path}
	}
	return s.Draw(ctx, path, n, s.Inspect(ctx, path))
}

// Inspect reads the stream metadata of path. An unreadable container or an
// empty stream yields metadata with Readable false.
func (s *Sampler) Inspect(ctx context.Context, path string) Metadata {
	meta, err := s.decoder.Probe(ctx, path)
	if err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, s.logger), "video metadata unreadable; using neutral frames", "video_unreadable",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "verify the file with ffprobe"),
			logging.String(logging.FieldImpact, "verdict will be inconclusive"),
		)
		return Metadata{}
	}
	if meta.TotalFrames <= 0 {
		meta.Readable = false
	}
	return meta
}

// Draw decodes n frames from path using metadata from Inspect.
func (s *Sampler) Draw(ctx context.Context, path string, n int, meta Metadata) VideoSample {
	sample := VideoSample{Path: path, Metadata: meta}
	if n <= 0 {
		return sample
	}
	logger := logging.WithContext(ctx, s.logger)
	if !meta.Readable || meta.TotalFrames <= 0 {
		sample.Metadata.Readable = false
		sample.Frames = s.syntheticFrames(n)
		return sample
	}

	indices := SampleIndices(meta.TotalFrames, n)
	sample.Frames = make([]Frame, n)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.opts.Workers)
	for slot, index := range indices {
		group.Go(func() error {
			sample.Frames[slot] = s.decodeSlot(groupCtx, logger, path, slot, index, meta)
			return nil
		})
	}
	_ = group.Wait()

	if decoded := sample.RealFrames(); decoded < n {
		logging.WarnWithContext(logger, "some frames could not be decoded", "frame_decode_partial",
			logging.Int("requested", n),
			logging.Int("decoded", decoded),
			logging.String(logging.FieldErrorHint, "check the container for corruption"),
		)
	} else {
		logger.Debug("frames sampled", logging.Int("count", n), logging.Int("total_frames", meta.TotalFrames))
	}
	return sample
}

func (s *Sampler) decodeSlot(ctx context.Context, logger *slog.Logger, path string, slot, index int, meta Metadata) Frame {
	frame := Frame{Slot: slot, SourceIndex: index}
	if err := ctx.Err(); err != nil {
		frame.Image, frame.Synthetic = s.neutral(), true
		return frame
	}
	decodeCtx := ctx
	if s.opts.DecodeTimeout > 0 {
		var cancel context.CancelFunc
		decodeCtx, cancel = context.WithTimeout(ctx, s.opts.DecodeTimeout)
		defer cancel()
	}
	img, err := s.decoder.Decode(decodeCtx, path, index, meta)
	if err != nil || img == nil || img.Bounds().Empty() {
		logger.Debug("frame decode failed", logging.Int("slot", slot), logging.Int("index", index), logging.Error(err))
		frame.Image, frame.Synthetic = s.neutral(), true
		return frame
	}
	frame.Image = s.fit(img)
	return frame
}

func (s *Sampler) fit(img image.Image) *image.RGBA {
	if s.opts.Width > 0 && s.opts.Height > 0 {
		return imaging.Resize(img, s.opts.Width, s.opts.Height, draw.BiLinear)
	}
	return imaging.ToRGBA(img)
}

func (s *Sampler) neutral() *image.RGBA {
	if s.opts.Width > 0 && s.opts.Height > 0 {
		return imaging.Neutral(s.opts.Width, s.opts.Height)
	}
	return imaging.Neutral(s.opts.SyntheticWidth, s.opts.SyntheticHeight)
}

func (s *Sampler) syntheticFrames(n int) []Frame {
	out := make([]Frame, n)
	for i := range out {
		out[i] = Frame{Slot: i, SourceIndex: -1, Image: s.neutral(), Synthetic: true}
	}
	return out
}
