package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"deepscan/internal/audio"
	"deepscan/internal/backend"
	"deepscan/internal/calibration"
	"deepscan/internal/config"
	"deepscan/internal/ensemble"
	"deepscan/internal/fileutil"
	"deepscan/internal/frames"
	"deepscan/internal/inference"
	"deepscan/internal/logging"
	"deepscan/internal/metrics"
	"deepscan/internal/resultcache"
	"deepscan/internal/services"
	"deepscan/internal/verdict"
)

// BackendSource yields the initialized backend handles. *backend.Registry
// satisfies it.
type BackendSource interface {
	Backends(ctx context.Context) []backend.Backend
}

// Cache stores finished results. *resultcache.Store satisfies it.
type Cache interface {
	Get(ctx context.Context, hash, fingerprint string) (*verdict.Result, error)
	Put(ctx context.Context, fingerprint string, result verdict.Result) (bool, error)
	Close() error
}

// Options adjust a single request.
type Options struct {
	// FrameCount overrides frames.count when positive.
	FrameCount int
	// NoCache bypasses the verdict cache for lookup and store.
	NoCache bool
	// NoAudio skips the audio cross-check.
	NoAudio bool
}

// Detector runs detection requests. Build one per process with New.
type Detector struct {
	cfg        *config.Config
	sampler    *frames.Sampler
	backends   BackendSource
	analyzer   *audio.Analyzer
	calibrator *calibration.Calibrator
	ensemble   ensemble.Policy
	policy     verdict.Policy
	cache      Cache
	metrics    *metrics.Metrics
	logger     *slog.Logger
	timeout    time.Duration
	workers    int
}

// Option customizes a Detector.
type Option func(*builder)

type builder struct {
	decoder  frames.Decoder
	loader   backend.ModelLoader
	backends BackendSource
	cache    Cache
	noCache  bool
	metrics  *metrics.Metrics
	logger   *slog.Logger
	timeout  time.Duration
}

// WithDecoder replaces the ffmpeg frame decoder.
func WithDecoder(decoder frames.Decoder) Option {
	return func(b *builder) { b.decoder = decoder }
}

// WithLoader replaces the model server loader used to build backends.
func WithLoader(loader backend.ModelLoader) Option {
	return func(b *builder) { b.loader = loader }
}

// WithBackends supplies prebuilt backends instead of a registry.
func WithBackends(source BackendSource) Option {
	return func(b *builder) { b.backends = source }
}

// WithCache supplies the verdict cache. A nil cache disables caching even
// when the configuration enables it.
func WithCache(cache Cache) Option {
	return func(b *builder) {
		b.cache = cache
		b.noCache = cache == nil
	}
}

// WithMetrics records request metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *builder) { b.metrics = m }
}

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *builder) { b.logger = logger }
}

// WithRequestTimeout overrides detection.request_timeout_seconds.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(b *builder) { b.timeout = timeout }
}

// New builds a Detector from cfg. The verdict cache is opened when enabled
// and no cache was supplied; Close releases it.
func New(cfg *config.Config, opts ...Option) (*Detector, error) {
	if cfg == nil {
		return nil, services.Wrap(services.ErrConfiguration, "detector", "init", "config is nil", nil)
	}
	b := &builder{}
	for _, opt := range opts {
		opt(b)
	}
	logger := b.logger
	if logger == nil {
		logger = logging.NewNop()
	}

	ensemblePolicy, err := ensemble.ParsePolicy(cfg.Ensemble.Threshold, cfg.Ensemble.Granularity, cfg.Ensemble.Reduce)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "detector", "init", "ensemble policy", err)
	}

	decoder := b.decoder
	if decoder == nil {
		decoder = frames.FFmpegDecoder{FFmpeg: cfg.FFmpegBinary(), FFprobe: cfg.FFprobeBinary()}
	}

	source := b.backends
	if source == nil {
		loader := b.loader
		if loader == nil {
			loader = inference.NewClient(inference.Config{
				URL:            cfg.Runtime.URL,
				TimeoutSeconds: cfg.Runtime.TimeoutSeconds,
				RetryAttempts:  cfg.Runtime.RetryAttempts,
			}).Loader()
		}
		source = backend.NewRegistry(cfg, backend.Deps{Loader: loader, Logger: logger})
	}

	d := &Detector{
		cfg: cfg,
		sampler: frames.NewSampler(decoder, frames.Options{
			Width:           cfg.Frames.Width,
			Height:          cfg.Frames.Height,
			SyntheticWidth:  cfg.Frames.SyntheticWidth,
			SyntheticHeight: cfg.Frames.SyntheticHeight,
			DecodeTimeout:   cfg.DecodeTimeout(),
		}, logger),
		backends: source,
		calibrator: calibration.New(calibration.Config{
			Method:      calibration.Method(cfg.Calibration.Method),
			Temperature: cfg.Calibration.Temperature,
		}.Normalize()),
		ensemble: ensemblePolicy,
		policy:   verdict.PolicyFromConfig(cfg),
		cache:    b.cache,
		metrics:  b.metrics,
		logger:   logging.NewComponentLogger(logger, "detector"),
		timeout:  b.timeout,
		workers:  cfg.Detection.Workers,
	}
	if d.timeout <= 0 {
		d.timeout = cfg.RequestTimeout()
	}
	if d.workers <= 0 {
		d.workers = 1
	}
	if cfg.Audio.Enabled {
		d.analyzer = audio.NewAnalyzer(audio.Options{
			FFmpeg:      cfg.FFmpegBinary(),
			SampleRate:  cfg.Audio.SampleRate,
			MaxDuration: time.Duration(cfg.Audio.MaxDurationSeconds) * time.Second,
			Timeout:     cfg.AudioTimeout(),
		}, logger)
	}
	if d.cache == nil && !b.noCache && cfg.Cache.Enabled {
		store, err := resultcache.Open(cfg.Cache.Path)
		if err != nil {
			logging.WarnWithContext(d.logger, "verdict cache unavailable", "cache_open_failed",
				logging.String("path", cfg.Cache.Path),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "clear the cache with 'deepscan cache clear' or fix the cache path"),
				logging.String(logging.FieldImpact, "results will not be cached"),
			)
		} else {
			d.cache = store
		}
	}
	return d, nil
}

// Close releases the verdict cache.
func (d *Detector) Close() error {
	if d == nil || d.cache == nil {
		return nil
	}
	return d.cache.Close()
}

// Backends returns the backend handles, building them on first use.
func (d *Detector) Backends(ctx context.Context) []backend.Backend {
	return d.backends.Backends(context.WithoutCancel(ctx))
}

// DetectFake analyzes the video at path with the given model type and
// returns the assembled result. Media problems never produce an error; the
// result is INCONCLUSIVE instead.
func (d *Detector) DetectFake(ctx context.Context, path, modelType string, opts Options) (verdict.Result, error) {
	model, err := d.validate(path, modelType)
	if err != nil {
		d.metrics.Reject()
		return verdict.Result{}, err
	}
	done := d.metrics.Begin()
	defer done()

	start := time.Now()
	requestID := uuid.NewString()
	ctx = services.WithRequestID(ctx, requestID)
	ctx = services.WithVideo(ctx, path)
	logger := logging.WithContext(ctx, d.logger)

	reqCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	hash, err := fileutil.HashFile(reqCtx, path)
	if err != nil {
		if reqCtx.Err() == nil {
			logging.WarnWithContext(logger, "video hash failed", "video_hash_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check that the file is not still being written"),
				logging.String(logging.FieldImpact, "result will not be cached"),
			)
		}
		hash = ""
	}

	count := d.cfg.Frames.Count
	if opts.FrameCount > 0 {
		count = opts.FrameCount
	}

	selected, ready := d.awaitBackends(reqCtx, model)

	fingerprint := ""
	if ready && d.cache != nil && !opts.NoCache && hash != "" {
		fingerprint, err = resultcache.Fingerprint(d.settings(model, count, opts, selected))
		if err != nil {
			logger.Debug("fingerprint failed", logging.Error(err))
		}
	}
	if fingerprint != "" {
		cached, err := d.cache.Get(ctx, hash, fingerprint)
		if err != nil {
			logging.WarnWithContext(logger, "verdict cache lookup failed", "cache_lookup_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "run 'deepscan cache clear' if the cache is corrupt"),
				logging.String(logging.FieldImpact, "video is analyzed again"),
			)
		}
		d.metrics.CacheLookup(cached != nil)
		if cached != nil {
			cached.RequestID = requestID
			cached.VideoPath = path
			d.metrics.ObserveVerdict(string(cached.Verdict), string(model), time.Since(start))
			logger.Info("verdict served from cache",
				logging.String("verdict", string(cached.Verdict)),
				logging.String("video_hash", hash),
			)
			return *cached, nil
		}
	}

	in := d.run(reqCtx, logger, path, selected, count, opts)
	in.Elapsed = time.Since(start)
	result := verdict.Assemble(in).Result()
	result.RequestID = requestID
	result.VideoPath = path
	result.VideoHash = hash
	result.ModelType = string(model)
	result.Degraded = d.degraded(selected, in.Scores)

	if fingerprint != "" {
		if _, err := d.cache.Put(ctx, fingerprint, result); err != nil {
			logging.WarnWithContext(logger, "verdict cache store failed", "cache_store_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check free space in the cache directory"),
				logging.String(logging.FieldImpact, "result will not be reused"),
			)
		}
	}

	if result.TimedOut {
		d.metrics.Timeout()
	}
	d.metrics.ObserveFrames(len(in.Sample.Frames), in.Sample.SyntheticFrames())
	if in.Audio != nil && in.Audio.Analyzed {
		d.metrics.ObserveAudio(in.Audio.ConsistencyScore)
	}
	d.metrics.ObserveVerdict(string(result.Verdict), string(model), in.Elapsed)

	attrs := []logging.Attr{
		logging.String("verdict", string(result.Verdict)),
		logging.String("model_type", string(model)),
		logging.Float64("fake_probability", result.FakeProbability),
		logging.Float64("confidence", result.OverallConfidence),
		logging.Int("frames", result.FrameCount),
		logging.Int("real_frames", result.RealFrames),
		logging.Duration("elapsed", in.Elapsed),
	}
	if len(result.Reasons) > 0 {
		attrs = append(attrs, logging.String("reasons", strings.Join(result.Reasons, "; ")))
	}
	logger.Info("detection complete", logging.Args(attrs...)...)
	return result, nil
}

func (d *Detector) validate(path, modelType string) (ModelType, error) {
	if strings.TrimSpace(path) == "" {
		return "", services.Wrap(services.ErrValidation, "detector", "validate", "video path is empty", nil)
	}
	if _, err := fileutil.RegularFile(path); err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist):
			return "", services.Wrap(services.ErrNotFound, "detector", "validate", fmt.Sprintf("video %q does not exist", path), nil)
		case errors.Is(err, fileutil.ErrNotRegular):
			return "", services.Wrap(services.ErrValidation, "detector", "validate", fmt.Sprintf("%q is not a regular file", path), nil)
		default:
			return "", services.Wrap(services.ErrValidation, "detector", "validate", "stat video", err)
		}
	}
	if strings.TrimSpace(modelType) == "" {
		modelType = d.cfg.Detection.DefaultModel
	}
	model, err := ParseModelType(modelType)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "detector", "validate", "model type", err)
	}
	return model, nil
}

// run executes the pipeline under the request deadline carried by reqCtx
// and returns the assembler input. A timeout or cancellation marks the input
// TimedOut.
func (d *Detector) run(reqCtx context.Context, logger *slog.Logger, path string, selected []backend.Backend, count int, opts Options) verdict.Input {
	statuses := make([]verdict.BackendStatus, 0, len(selected))
	weights := make(map[backend.Kind]float64, len(selected))
	var active []backend.Backend
	for _, b := range selected {
		statuses = append(statuses, verdict.StatusOf(b))
		if !b.Available() {
			logger.Debug("backend unavailable",
				logging.String(logging.FieldBackend, string(b.Kind())),
				logging.String("reason", b.Reason()),
			)
			continue
		}
		weights[b.Kind()] = b.Weight()
		active = append(active, b)
	}

	in := verdict.Input{
		Policy:   d.policy,
		Backends: statuses,
	}
	if reqCtx.Err() == nil {
		meta := d.sampler.Inspect(reqCtx, path)
		g, gctx := errgroup.WithContext(reqCtx)
		if d.analyzer != nil && !opts.NoAudio {
			g.Go(func() error {
				r := d.checkAudio(gctx, path, meta)
				in.Audio = &r
				return nil
			})
		}
		g.Go(func() error {
			in.Sample = d.sampler.Draw(gctx, path, count, meta)
			in.Scores = d.score(gctx, in.Sample, active)
			return nil
		})
		_ = g.Wait()
	}

	if err := reqCtx.Err(); err != nil {
		in.TimedOut = true
		logging.WarnWithContext(logger, "detection timed out", "request_timeout",
			logging.Duration("timeout", d.timeout),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "raise detection.request_timeout_seconds or reduce frames.count"),
			logging.String(logging.FieldImpact, "verdict is INCONCLUSIVE"),
		)
		return in
	}

	in.Fused, in.Video = ensemble.Aggregate(in.Scores, len(in.Sample.Frames), weights, d.ensemble)
	isFake := in.Video.Probability > d.policy.Threshold
	in.Confidence, in.CalibrationMethod = d.calibrator.Confidence(in.Video.Probability, isFake)
	return in
}

// awaitBackends selects the backends for model. The first call builds the
// registry, which can take longer than the request deadline; the build then
// finishes in the background and ok is false.
func (d *Detector) awaitBackends(ctx context.Context, model ModelType) ([]backend.Backend, bool) {
	done := make(chan []backend.Backend, 1)
	go func() { done <- d.selectBackends(ctx, model) }()
	select {
	case selected := <-done:
		return selected, true
	case <-ctx.Done():
		return nil, false
	}
}

func (d *Detector) selectBackends(ctx context.Context, model ModelType) []backend.Backend {
	want := make(map[backend.Kind]bool)
	for _, kind := range model.Kinds() {
		want[kind] = true
	}
	var out []backend.Backend
	for _, b := range d.Backends(ctx) {
		if want[b.Kind()] {
			out = append(out, b)
		}
	}
	return out
}

// degraded reports a result computed with less evidence than the
// configuration asks for: an enabled backend that is unavailable, or a frame
// score that fell back to neutral.
func (d *Detector) degraded(selected []backend.Backend, scores []backend.FrameScore) bool {
	for _, b := range selected {
		if b.Available() {
			continue
		}
		if _, enabled := backend.OptionsFromConfig(d.cfg, b.Kind()); enabled {
			return true
		}
	}
	for _, s := range scores {
		if s.Failed {
			return true
		}
	}
	return false
}

// score runs every active backend on every decoded frame. Synthetic frames
// are not scored. Each (frame, backend) pair writes its own slot, so no
// locking is needed.
func (d *Detector) score(ctx context.Context, sample frames.VideoSample, active []backend.Backend) []backend.FrameScore {
	type task struct {
		frame frames.Frame
		b     backend.Backend
	}
	var tasks []task
	for _, frame := range sample.Frames {
		if frame.Synthetic || frame.Image == nil {
			continue
		}
		for _, b := range active {
			tasks = append(tasks, task{frame: frame, b: b})
		}
	}
	if len(tasks) == 0 {
		return nil
	}

	out := make([]backend.FrameScore, len(tasks))
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i, t := range tasks {
		g.Go(func() error {
			if ctx.Err() != nil {
				out[i] = backend.FrameScore{
					FrameIndex:      t.frame.Slot,
					Backend:         t.b.Kind(),
					FakeProbability: backend.NeutralProbability,
					Failed:          true,
					Err:             ctx.Err(),
				}
				return nil
			}
			bctx := services.WithBackend(ctx, string(t.b.Kind()))
			out[i] = backend.Score(bctx, t.b, t.frame.Slot, t.frame.Image)
			d.metrics.ObserveBackend(string(t.b.Kind()), out[i].Elapsed, out[i].Failed)
			if out[i].Failed && ctx.Err() == nil {
				logging.WarnWithContext(logging.WithContext(bctx, d.logger), "frame scoring failed", "backend_inference_failed",
					logging.Int("frame", t.frame.Slot),
					logging.Error(out[i].Err),
					logging.String(logging.FieldErrorHint, "check the model server logs"),
					logging.String(logging.FieldImpact, "frame scored neutral for this backend"),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (d *Detector) checkAudio(ctx context.Context, path string, meta frames.Metadata) audio.Result {
	if meta.Readable && meta.AudioStreams == 0 {
		return audio.NoAudio("no audio stream", meta.DurationSeconds)
	}
	return d.analyzer.Analyze(ctx, path, meta.DurationSeconds)
}

// settings is everything that changes a verdict for the same file.
type settings struct {
	Model       ModelType          `json:"model"`
	Frames      int                `json:"frames"`
	Width       int                `json:"width"`
	Height      int                `json:"height"`
	Ensemble    ensemble.Policy    `json:"ensemble"`
	Calibration calibration.Config `json:"calibration"`
	Verdict     verdict.Policy     `json:"verdict"`
	Audio       bool               `json:"audio"`
	Backends    []backendSetting   `json:"backends"`
	// Available lists the backends that could score when the verdict was made.
	Available []backend.Kind `json:"available"`
}

type backendSetting struct {
	Kind    backend.Kind `json:"kind"`
	Enabled bool         `json:"enabled"`
	Weight  float64      `json:"weight"`
	Model   string       `json:"model"`
	Weights string       `json:"weights"`
}

func (d *Detector) settings(model ModelType, count int, opts Options, selected []backend.Backend) settings {
	s := settings{
		Model:       model,
		Frames:      count,
		Width:       d.cfg.Frames.Width,
		Height:      d.cfg.Frames.Height,
		Ensemble:    d.ensemble,
		Calibration: d.calibrator.Config(),
		Verdict:     d.policy,
		Audio:       d.analyzer != nil && !opts.NoAudio,
	}
	for _, kind := range model.Kinds() {
		o, enabled := backend.OptionsFromConfig(d.cfg, kind)
		s.Backends = append(s.Backends, backendSetting{
			Kind:    kind,
			Enabled: enabled,
			Weight:  o.Weight,
			Model:   o.ModelName,
			Weights: o.WeightsPath,
		})
	}
	for _, b := range selected {
		if b.Available() {
			s.Available = append(s.Available, b.Kind())
		}
	}
	return s
}
