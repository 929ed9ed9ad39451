package backend_test

import (
	"context"
	"errors"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"deepscan/internal/backend"
	"deepscan/internal/logging"
	"deepscan/internal/tensor"
	"deepscan/internal/testsupport"
)

type fakeModel struct {
	out   []float64
	err   error
	panic bool
	calls atomic.Int32
	last  tensor.Tensor
}

func (m *fakeModel) Run(_ context.Context, input tensor.Tensor) ([]float64, error) {
	m.calls.Add(1)
	m.last = input
	if m.panic {
		panic("boom")
	}
	return m.out, m.err
}

func loaderFor(model backend.Model, calls *atomic.Int32) backend.ModelLoader {
	return func(context.Context, backend.LoadSpec) (backend.Model, error) {
		if calls != nil {
			calls.Add(1)
		}
		return model, nil
	}
}

func deps(loader backend.ModelLoader) backend.Deps {
	return backend.Deps{Loader: loader, Gate: backend.NewDeviceGate(""), InitTimeout: time.Second, Logger: logging.NewNop()}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestCNNUnavailableWithoutWeights(t *testing.T) {
	var calls atomic.Int32
	b := backend.NewCNN(context.Background(), backend.Options{
		Weight:      1,
		WeightsPath: filepath.Join(t.TempDir(), "missing.pth"),
	}, deps(loaderFor(&fakeModel{}, &calls)))

	if b.Available() {
		t.Fatal("expected cnn to be unavailable")
	}
	if !strings.Contains(b.Reason(), "weights not found") {
		t.Fatalf("unexpected reason %q", b.Reason())
	}
	if calls.Load() != 0 {
		t.Fatalf("loader called %d times", calls.Load())
	}
}

func TestCNNPreprocessAndInfer(t *testing.T) {
	dir := t.TempDir()
	weights := filepath.Join(dir, "cnn.pth")
	testsupport.WriteFile(t, weights, 16)
	model := &fakeModel{out: []float64{0, math.Log(3)}}

	b := backend.NewCNN(context.Background(), backend.Options{Weight: 1, WeightsPath: weights}, deps(loaderFor(model, nil)))
	if !b.Available() {
		t.Fatalf("expected cnn available, reason %q", b.Reason())
	}
	if b.Kind() != backend.KindCNN || b.Device() != "cpu" {
		t.Fatalf("unexpected identity %s/%s", b.Kind(), b.Device())
	}

	input, err := b.Preprocess(testsupport.SolidImage(640, 480, color.RGBA{R: 255, A: 255}))
	if err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	want := []int{1, 3, 224, 224}
	for i := range want {
		if input.Shape[i] != want[i] {
			t.Fatalf("shape = %v, want %v", input.Shape, want)
		}
	}
	// Red channel of a pure red pixel under ImageNet normalization.
	if got := float64(input.Data[0]); math.Abs(got-(1-0.485)/0.229) > 1e-4 {
		t.Fatalf("first element = %v", got)
	}

	p, err := b.Infer(context.Background(), input)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if !approx(p, 0.75) {
		t.Fatalf("probability = %v, want 0.75", p)
	}
}

func TestCNNModelConfigOverridesInput(t *testing.T) {
	dir := t.TempDir()
	weights := filepath.Join(dir, "cnn.pth")
	cfgPath := filepath.Join(dir, "cnn.yaml")
	testsupport.WriteFile(t, weights, 16)
	testsupport.WriteText(t, cfgPath, "input_size: 112\nchannel_order: bgr\nnormalize:\n  mean: [0, 0, 0]\n  std: [1, 1, 1]\n")

	b := backend.NewCNN(context.Background(), backend.Options{WeightsPath: weights, ConfigPath: cfgPath}, deps(loaderFor(&fakeModel{out: []float64{0, 0}}, nil)))
	input, err := b.Preprocess(testsupport.SolidImage(50, 50, color.RGBA{B: 255, A: 255}))
	if err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	if input.Shape[2] != 112 || input.Shape[3] != 112 {
		t.Fatalf("shape = %v", input.Shape)
	}
	if input.Data[0] != 1 {
		t.Fatalf("expected blue in channel 0 for bgr, got %v", input.Data[0])
	}
}

func TestCNNRejectsMalformedModelConfig(t *testing.T) {
	dir := t.TempDir()
	weights := filepath.Join(dir, "cnn.pth")
	cfgPath := filepath.Join(dir, "cnn.yaml")
	testsupport.WriteFile(t, weights, 16)
	testsupport.WriteText(t, cfgPath, "input_size: [unterminated\n")

	b := backend.NewCNN(context.Background(), backend.Options{WeightsPath: weights, ConfigPath: cfgPath}, deps(loaderFor(&fakeModel{}, nil)))
	if b.Available() {
		t.Fatal("expected malformed config to disable the backend")
	}
}

func TestInitTimeoutIsPermanent(t *testing.T) {
	dir := t.TempDir()
	weights := filepath.Join(dir, "cnn.pth")
	testsupport.WriteFile(t, weights, 16)

	slow := func(ctx context.Context, _ backend.LoadSpec) (backend.Model, error) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return &fakeModel{out: []float64{0, 1}}, nil
	}
	d := deps(slow)
	d.InitTimeout = 20 * time.Millisecond

	start := time.Now()
	b := backend.NewCNN(context.Background(), backend.Options{WeightsPath: weights}, d)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("construction took %s", elapsed)
	}
	if b.Available() {
		t.Fatal("expected timed out backend to be unavailable")
	}
	if !strings.Contains(b.Reason(), "timed out") {
		t.Fatalf("unexpected reason %q", b.Reason())
	}
	time.Sleep(50 * time.Millisecond)
	if b.Available() {
		t.Fatal("late model must not revive the backend")
	}
}

func TestLoaderErrorDisablesBackend(t *testing.T) {
	dir := t.TempDir()
	weights := filepath.Join(dir, "cnn.pth")
	testsupport.WriteFile(t, weights, 16)
	failing := func(context.Context, backend.LoadSpec) (backend.Model, error) {
		return nil, errors.New("server down")
	}
	b := backend.NewCNN(context.Background(), backend.Options{WeightsPath: weights}, deps(failing))
	if b.Available() || !strings.Contains(b.Reason(), "server down") {
		t.Fatalf("available=%v reason=%q", b.Available(), b.Reason())
	}
}

func TestScoreConvertsFailures(t *testing.T) {
	dir := t.TempDir()
	weights := filepath.Join(dir, "cnn.pth")
	testsupport.WriteFile(t, weights, 16)
	frame := testsupport.SolidImage(32, 32, color.RGBA{G: 128, A: 255})

	cases := []struct {
		name  string
		model *fakeModel
	}{
		{"error", &fakeModel{err: errors.New("cuda oom")}},
		{"panic", &fakeModel{panic: true}},
		{"non-finite", &fakeModel{out: []float64{0, math.NaN()}}},
		{"short output", &fakeModel{out: []float64{1}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := backend.NewCNN(context.Background(), backend.Options{WeightsPath: weights}, deps(loaderFor(tc.model, nil)))
			score := backend.Score(context.Background(), b, 3, frame)
			if !score.Failed {
				t.Fatal("expected failed score")
			}
			if score.FakeProbability != backend.NeutralProbability {
				t.Fatalf("probability = %v, want 0.5", score.FakeProbability)
			}
			if score.FrameIndex != 3 || score.Backend != backend.KindCNN {
				t.Fatalf("unexpected score identity %+v", score)
			}
			if score.Err == nil {
				t.Fatal("expected error on failed score")
			}
		})
	}
}

func TestScoreSuccess(t *testing.T) {
	dir := t.TempDir()
	weights := filepath.Join(dir, "cnn.pth")
	testsupport.WriteFile(t, weights, 16)
	b := backend.NewCNN(context.Background(), backend.Options{WeightsPath: weights}, deps(loaderFor(&fakeModel{out: []float64{2, 2}}, nil)))
	score := backend.Score(context.Background(), b, 0, testsupport.SolidImage(8, 8, color.RGBA{A: 255}))
	if score.Failed || !approx(score.FakeProbability, 0.5) {
		t.Fatalf("unexpected score %+v", score)
	}
}

func TestEmbeddingPromptHead(t *testing.T) {
	sim := &backend.Similarity{
		Real: [][]float64{{0, 1}},
		Fake: [][]float64{{1, 0}},
	}
	p, err := backend.PromptProbability([]float64{2, 0}, sim)
	if err != nil {
		t.Fatalf("PromptProbability: %v", err)
	}
	want := math.E / (1 + math.E)
	if !approx(p, want) {
		t.Fatalf("probability = %v, want %v", p, want)
	}

	sim.LogitScale = 100
	p, err = backend.PromptProbability([]float64{0, 3}, sim)
	if err != nil {
		t.Fatalf("PromptProbability: %v", err)
	}
	if p > 1e-6 {
		t.Fatalf("expected near-zero fake probability, got %v", p)
	}

	if _, err := backend.PromptProbability([]float64{1, 0, 0}, sim); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
	if _, err := backend.PromptProbability([]float64{0, 0}, sim); err == nil {
		t.Fatal("expected zero vector error")
	}
}

func TestEmbeddingUsesPromptsFromConfig(t *testing.T) {
	dir := t.TempDir()
	weights := filepath.Join(dir, "clip.pth")
	cfgPath := filepath.Join(dir, "clip.yaml")
	testsupport.WriteFile(t, weights, 16)
	testsupport.WriteText(t, cfgPath, `input_size: 64
similarity:
  logit_scale: 1
  real:
    - [0, 1]
    - [0, 2]
  fake:
    - [1, 0]
`)
	model := &fakeModel{out: []float64{1, 0}}
	b := backend.NewEmbedding(context.Background(), backend.Options{WeightsPath: weights, ConfigPath: cfgPath}, deps(loaderFor(model, nil)))
	if !b.Available() {
		t.Fatalf("expected embedding available, reason %q", b.Reason())
	}
	input, err := b.Preprocess(testsupport.SolidImage(160, 90, color.RGBA{R: 10, G: 20, B: 30, A: 255}))
	if err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	if input.Shape[2] != 64 || input.Shape[3] != 64 {
		t.Fatalf("shape = %v", input.Shape)
	}
	p, err := b.Infer(context.Background(), input)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if want := math.E / (1 + math.E); !approx(p, want) {
		t.Fatalf("probability = %v, want %v", p, want)
	}
}

func TestEmbeddingFallsBackToLogits(t *testing.T) {
	dir := t.TempDir()
	weights := filepath.Join(dir, "clip.pth")
	testsupport.WriteFile(t, weights, 16)
	b := backend.NewEmbedding(context.Background(), backend.Options{WeightsPath: weights, ConfigPath: filepath.Join(dir, "absent.yaml")}, deps(loaderFor(&fakeModel{out: []float64{math.Log(3), 0}}, nil)))
	input, err := b.Preprocess(testsupport.SolidImage(224, 224, color.RGBA{A: 255}))
	if err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	p, err := b.Infer(context.Background(), input)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if !approx(p, 0.25) {
		t.Fatalf("probability = %v, want 0.25", p)
	}
}

type laaLayout struct {
	root    string
	weights string
	config  string
}

func newLAALayout(t *testing.T, withStateDict bool) laaLayout {
	t.Helper()
	root := filepath.Join(t.TempDir(), "laa_net")
	layout := laaLayout{
		root:    root,
		weights: filepath.Join(root, "weights", "laa.pth"),
		config:  filepath.Join(root, "configs", "efn4_fpn_hm_adv.yaml"),
	}
	testsupport.WriteCheckpoint(t, layout.weights, withStateDict)
	testsupport.WriteText(t, layout.config, "DATASET:\n  IMAGE_SIZE: [384, 384]\n")
	return layout
}

func (l laaLayout) options() backend.Options {
	return backend.Options{Weight: 1, Root: l.root, WeightsPath: l.weights, ConfigPath: l.config}
}

func TestLAAAvailabilityChecks(t *testing.T) {
	loader := loaderFor(&fakeModel{out: []float64{0}}, nil)

	layout := newLAALayout(t, true)
	if b := backend.NewLAA(context.Background(), layout.options(), deps(loader)); !b.Available() {
		t.Fatalf("expected laa available, reason %q", b.Reason())
	}

	missingRoot := layout.options()
	missingRoot.Root = filepath.Join(t.TempDir(), "nope")
	if b := backend.NewLAA(context.Background(), missingRoot, deps(loader)); b.Available() || !strings.Contains(b.Reason(), "root") {
		t.Fatalf("missing root: available=%v reason=%q", b.Available(), b.Reason())
	}

	noWeights := layout.options()
	noWeights.WeightsPath = ""
	if b := backend.NewLAA(context.Background(), noWeights, deps(loader)); b.Available() {
		t.Fatal("expected unset weights to disable laa")
	}

	if err := os.Remove(layout.config); err != nil {
		t.Fatalf("remove config: %v", err)
	}
	if b := backend.NewLAA(context.Background(), layout.options(), deps(loader)); b.Available() || !strings.Contains(b.Reason(), "config") {
		t.Fatalf("missing config: available=%v reason=%q", b.Available(), b.Reason())
	}

	bare := newLAALayout(t, false)
	if b := backend.NewLAA(context.Background(), bare.options(), deps(loader)); b.Available() || !strings.Contains(b.Reason(), "state_dict") {
		t.Fatalf("missing state_dict: available=%v reason=%q", b.Available(), b.Reason())
	}
}

func TestLAAPreprocessShapeAndHead(t *testing.T) {
	layout := newLAALayout(t, true)
	testsupport.WriteText(t, layout.config, "DATASET:\n  IMAGE_SIZE: [256, 192]\n  TRANSFORM:\n    normalize:\n      mean: [0, 0, 0]\n      std: [1, 1, 1]\n")
	model := &fakeModel{out: []float64{9, 2}}
	b := backend.NewLAA(context.Background(), layout.options(), deps(loaderFor(model, nil)))
	if !b.Available() {
		t.Fatalf("expected laa available, reason %q", b.Reason())
	}

	input, err := b.Preprocess(testsupport.SolidImage(640, 360, color.RGBA{R: 255, A: 255}))
	if err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	want := []int{1, 3, 192, 256}
	for i := range want {
		if input.Shape[i] != want[i] {
			t.Fatalf("shape = %v, want %v", input.Shape, want)
		}
	}
	// BGR order: channel 2 carries red. The center pixel is inside the crop.
	plane := 192 * 256
	center := 96*256 + 128
	if input.Data[2*plane+center] < 0.99 || input.Data[center] > 0.01 {
		t.Fatalf("unexpected center pixel b=%v r=%v", input.Data[center], input.Data[2*plane+center])
	}

	p, err := b.Infer(context.Background(), input)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if !approx(p, tensor.Sigmoid(2)) {
		t.Fatalf("probability = %v, want sigmoid(2)", p)
	}
}

func TestAlignFaceKeepsCenter(t *testing.T) {
	img := testsupport.SolidImage(317, 317, color.RGBA{A: 255})
	// Mark the center of the crop window: rows 60..317, cols 30..287.
	cx, cy := 30+257/2, 60+257/2
	for y := cy - 3; y <= cy+3; y++ {
		for x := cx - 3; x <= cx+3; x++ {
			img.SetRGBA(x, y, color.RGBA{G: 255, A: 255})
		}
	}
	out, err := backend.AlignFace(img, 384, 384)
	if err != nil {
		t.Fatalf("AlignFace: %v", err)
	}
	if got := out.RGBAAt(192, 192); got.G < 200 {
		t.Fatalf("center pixel = %+v, want green", got)
	}
	if got := out.RGBAAt(5, 5); got.G != 0 {
		t.Fatalf("corner pixel = %+v, want unmarked", got)
	}
}
