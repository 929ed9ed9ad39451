package backend

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"deepscan/internal/logging"
	"deepscan/internal/services"
	"deepscan/internal/tensor"
)

// Options describes one backend instance.
type Options struct {
	Weight      float64
	Device      string
	ModelName   string
	WeightsPath string
	ConfigPath  string
	// Root is the checkout directory required by the LAA backend.
	Root string
}

// Deps are the collaborators shared by every backend.
type Deps struct {
	Loader      ModelLoader
	Gate        *DeviceGate
	InitTimeout time.Duration
	Logger      *slog.Logger
}

// core carries the state shared by all backend kinds. It is written only
// during construction.
type core struct {
	kind   Kind
	weight float64
	device string
	model  Model
	reason string
	gate   *DeviceGate
	logger *slog.Logger
}

func newCore(kind Kind, opts Options, deps Deps) core {
	weight := opts.Weight
	if weight < 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
		weight = 0
	}
	device := strings.TrimSpace(opts.Device)
	if device == "" {
		device = "cpu"
	}
	return core{
		kind:   kind,
		weight: weight,
		device: device,
		gate:   deps.Gate,
		logger: logging.NewComponentLogger(deps.Logger, "backend").With(logging.String(logging.FieldBackend, string(kind))),
	}
}

func (c *core) Kind() Kind         { return c.kind }
func (c *core) Weight() float64    { return c.weight }
func (c *core) Device() string     { return c.device }
func (c *core) Available() bool    { return c.model != nil }
func (c *core) Reason() string     { return c.reason }
func (c *core) disable(msg string) { c.reason = msg }

// load runs the loader under the init timeout. A timeout leaves the backend
// unavailable for the life of the process; a model that arrives late is
// closed.
func (c *core) load(ctx context.Context, deps Deps, spec LoadSpec) {
	if deps.Loader == nil {
		c.disable("no model loader configured")
		return
	}
	loadCtx := ctx
	if deps.InitTimeout > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(ctx, deps.InitTimeout)
		defer cancel()
	}

	type loaded struct {
		model Model
		err   error
	}
	done := make(chan loaded, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- loaded{err: fmt.Errorf("model loader panic: %v", r)}
			}
		}()
		model, err := deps.Loader(loadCtx, spec)
		done <- loaded{model: model, err: err}
	}()

	start := time.Now()
	select {
	case result := <-done:
		if result.err != nil {
			c.disable(fmt.Sprintf("model load failed: %v", result.err))
			logging.WarnWithContext(c.logger, "backend model load failed", "backend_load_failed",
				logging.String("model", spec.Name),
				logging.Error(result.err),
				logging.String(logging.FieldErrorHint, "check the model server and weights path"),
				logging.String(logging.FieldImpact, "backend excluded from the ensemble"),
			)
			return
		}
		if result.model == nil {
			c.disable("model loader returned no model")
			return
		}
		c.model = result.model
		c.logger.Info("backend ready",
			logging.String("model", spec.Name),
			logging.String("device", c.device),
			logging.Duration("load_time", time.Since(start)),
		)
	case <-loadCtx.Done():
		go func() {
			if late := <-done; late.model != nil {
				closeModel(late.model)
			}
		}()
		if errors.Is(loadCtx.Err(), context.DeadlineExceeded) {
			c.disable(fmt.Sprintf("initialization timed out after %s", deps.InitTimeout))
		} else {
			c.disable("initialization canceled")
		}
		logging.WarnWithContext(c.logger, "backend initialization did not finish", "backend_init_timeout",
			logging.String("model", spec.Name),
			logging.String("reason", c.reason),
			logging.String(logging.FieldErrorHint, "raise runtime.init_timeout_seconds or check the model server"),
			logging.String(logging.FieldImpact, "backend unavailable until restart"),
		)
	}
}

// run executes the model for one input, holding the device gate and
// converting panics into errors.
func (c *core) run(ctx context.Context, input tensor.Tensor) (out []float64, err error) {
	if c.model == nil {
		return nil, services.Wrap(services.ErrUnavailable, "backend", string(c.kind), c.reason, nil)
	}
	if err := input.Validate(); err != nil {
		return nil, services.Wrap(services.ErrValidation, "backend", string(c.kind), "invalid input", err)
	}
	release, err := c.gate.Acquire(ctx, c.device)
	if err != nil {
		return nil, fmt.Errorf("acquire device %s: %w", c.device, err)
	}
	defer release()
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("%s inference panic: %v", c.kind, r)
		}
	}()
	out, err = c.model.Run(ctx, input)
	if err != nil {
		return nil, err
	}
	for i, v := range out {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%s output %d is not finite", c.kind, i)
		}
	}
	return out, nil
}

// finish turns a head result into the probability reported by Infer.
func finish(p float64, err error) (float64, error) {
	if err != nil {
		return NeutralProbability, err
	}
	if math.IsNaN(p) {
		return NeutralProbability, errors.New("probability is NaN")
	}
	return min(max(p, 0), 1), nil
}

// Score preprocesses img and runs b on it. Any failure, including a panic,
// yields a neutral probability with Failed set.
func Score(ctx context.Context, b Backend, frameIndex int, img image.Image) (score FrameScore) {
	start := time.Now()
	score = FrameScore{FrameIndex: frameIndex, Backend: b.Kind(), FakeProbability: NeutralProbability}
	defer func() {
		if r := recover(); r != nil {
			score.FakeProbability = NeutralProbability
			score.Failed = true
			score.Err = fmt.Errorf("%s scoring panic: %v", b.Kind(), r)
		}
		score.Elapsed = time.Since(start)
	}()
	if !b.Available() {
		score.Failed = true
		score.Err = services.Wrap(services.ErrUnavailable, "backend", string(b.Kind()), b.Reason(), nil)
		return score
	}
	input, err := b.Preprocess(img)
	if err != nil {
		score.Failed = true
		score.Err = err
		return score
	}
	p, err := b.Infer(ctx, input)
	if err != nil {
		score.Failed = true
		score.Err = err
		return score
	}
	score.FakeProbability = p
	return score
}

func closeModel(model Model) {
	if closer, ok := model.(io.Closer); ok {
		_ = closer.Close()
	}
}

func fileExists(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
