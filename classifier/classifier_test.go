package classifier

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/nvr-ai/petclassifier/backbone"
	"github.com/nvr-ai/petclassifier/backbone/backbonetest"
	"github.com/nvr-ai/petclassifier/config"
	"github.com/nvr-ai/petclassifier/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSize = 8

var classColours = map[string]color.RGBA{
	config.ClassCat:   {R: 255, A: 255},
	config.ClassDog:   {G: 255, A: 255},
	config.ClassOther: {B: 255, A: 255},
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Model.ImageSize = testSize
	cfg.Model.DenseUnits = 16
	cfg.Model.DropoutRate = 0
	cfg.Training.LearningRate = 0.05
	cfg.Training.CPUBatchSize = 4
	return cfg
}

func solid(c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, testSize, testSize))
	for y := 0; y < testSize; y++ {
		for x := 0; x < testSize; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// writeSplit writes n solid-colour images per class under dir/<class>.
func writeSplit(t *testing.T, dir string, n int) {
	t.Helper()
	for class, c := range classColours {
		classDir := filepath.Join(dir, class)
		require.NoError(t, os.MkdirAll(classDir, 0o755))
		for i := 0; i < n; i++ {
			f, err := os.Create(filepath.Join(classDir, fmt.Sprintf("%s_%02d.png", class, i)))
			require.NoError(t, err)
			require.NoError(t, png.Encode(f, solid(c)))
			require.NoError(t, f.Close())
		}
	}
}

func newTestClassifier(t *testing.T) (*Classifier, *backbonetest.Fake) {
	t.Helper()
	bb := backbonetest.New(testSize)
	c := New(testConfig(), bb)
	require.NoError(t, c.Create())
	return c, bb
}

func generators(t *testing.T, cfg config.Config) (*dataset.Generator, *dataset.Generator) {
	t.Helper()
	root := t.TempDir()
	writeSplit(t, filepath.Join(root, "train"), 4)
	writeSplit(t, filepath.Join(root, "val"), 2)

	train, err := dataset.NewGenerator(filepath.Join(root, "train"), cfg.Classes, dataset.GeneratorOptions{
		ImageSize: testSize, BatchSize: 4, Shuffle: true, Seed: 1,
	})
	require.NoError(t, err)
	val, err := dataset.NewGenerator(filepath.Join(root, "val"), cfg.Classes, dataset.GeneratorOptions{
		ImageSize: testSize, BatchSize: 4,
	})
	require.NoError(t, err)
	return train, val
}

func TestPredictRequiresModel(t *testing.T) {
	c := New(testConfig(), backbonetest.New(testSize))
	_, err := c.Predict(context.Background(), solid(classColours[config.ClassCat]))
	assert.ErrorIs(t, err, ErrNoModel)
	assert.ErrorIs(t, c.Save(filepath.Join(t.TempDir(), "m.bin")), ErrNoModel)
}

func TestCreateRejectsSizeMismatch(t *testing.T) {
	c := New(testConfig(), backbonetest.New(testSize*2))
	assert.Error(t, c.Create())
}

func TestPredictDistribution(t *testing.T) {
	c, _ := newTestClassifier(t)

	p, err := c.Predict(context.Background(), solid(classColours[config.ClassDog]))
	require.NoError(t, err)
	require.Len(t, p.Probabilities, 3)

	var sum, top float64
	for i, cp := range p.Probabilities {
		assert.Equal(t, c.Classes()[i], cp.Class)
		sum += cp.Probability
		if cp.Probability > top {
			top = cp.Probability
		}
	}
	assert.InDelta(t, 1, sum, 1e-5)
	assert.Equal(t, top, p.Confidence)
	assert.Contains(t, c.Classes(), p.Label)

	again, err := c.Predict(context.Background(), solid(classColours[config.ClassDog]))
	require.NoError(t, err)
	assert.Equal(t, p, again)
}

func TestGraphMatchesForward(t *testing.T) {
	c, _ := newTestClassifier(t)

	features := []float32{
		1, 0, 0, 0, 1, 1,
		0, 1, 0, 1, 0, 1,
	}
	labels := []int{0, 1}
	probs := c.head.Forward(features, 2)
	want := crossEntropy(probs[0:3], 0) + crossEntropy(probs[3:6], 1)

	g, err := newTrainGraph(c.head, 4)
	require.NoError(t, err)
	defer g.close()

	before := c.head.Clone()
	loss, _, err := g.step(features, labels, 2, c.opt)
	require.NoError(t, err)
	assert.InDelta(t, want, loss, 1e-4)
	assert.NotEqual(t, before.W2, c.head.W2)
	assert.Equal(t, 1, c.opt.Step)
}

func TestPartialBatchGradientIgnoresPadding(t *testing.T) {
	c, _ := newTestClassifier(t)
	features := []float32{
		1, 0, 0, 0, 1, 1,
		0, 1, 0, 1, 0, 1,
		0, 0, 1, 1, 1, 0,
	}
	labels := []int{0, 1, 2}

	padded, err := newTrainGraph(c.head, 4)
	require.NoError(t, err)
	defer padded.close()
	exact, err := newTrainGraph(c.head, 3)
	require.NoError(t, err)
	defer exact.close()

	lossP, okP, gradP, err := padded.gradients(features, labels, 3)
	require.NoError(t, err)
	lossE, okE, gradE, err := exact.gradients(features, labels, 3)
	require.NoError(t, err)

	assert.InDelta(t, lossE, lossP, 1e-5)
	assert.Equal(t, okE, okP)
	require.Len(t, gradP, len(gradE))
	for i := range gradE {
		assert.InDeltaSlice(t, gradE[i], gradP[i], 1e-5, "parameter %d", i)
	}
}

func TestFitLearnsColours(t *testing.T) {
	c, bb := newTestClassifier(t)
	train, val := generators(t, c.cfg)

	history, err := c.Fit(context.Background(), train, val, 40)
	require.NoError(t, err)
	assert.Equal(t, 40, history.Len())
	assert.Greater(t, bb.Calls(), 0)

	first, last := history.Epochs[0], history.Epochs[history.Len()-1]
	assert.Less(t, last.Loss, first.Loss)
	assert.True(t, last.HasVal)

	m, err := c.Evaluate(context.Background(), val)
	require.NoError(t, err)
	assert.Equal(t, 6, m.Samples)
	assert.Equal(t, 1.0, m.Accuracy)

	for class, col := range classColours {
		p, err := c.Predict(context.Background(), solid(col))
		require.NoError(t, err)
		assert.Equal(t, class, p.Label)
	}
}

func TestFitRejectsClassMismatch(t *testing.T) {
	c, _ := newTestClassifier(t)
	root := t.TempDir()
	writeSplit(t, root, 1)

	gen, err := dataset.NewGenerator(root, []string{config.ClassCat, config.ClassDog}, dataset.GeneratorOptions{ImageSize: testSize, BatchSize: 2})
	require.NoError(t, err)
	_, err = c.Fit(context.Background(), gen, nil, 1)
	assert.Error(t, err)
}

func TestFitHonoursCancellation(t *testing.T) {
	c, _ := newTestClassifier(t)
	train, _ := generators(t, c.cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Fit(ctx, train, nil, 3)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTrainErrors(t *testing.T) {
	c, _ := newTestClassifier(t)

	empty := t.TempDir()
	_, err := c.Train(context.Background(), empty, empty, 1)
	assert.ErrorIs(t, err, dataset.ErrNoClasses)

	root := t.TempDir()
	for _, class := range c.Classes() {
		require.NoError(t, os.MkdirAll(filepath.Join(root, class), 0o755))
	}
	_, err = c.Train(context.Background(), root, root, 1)
	assert.ErrorIs(t, err, dataset.ErrNoSamples)
}

func TestTrainRuns(t *testing.T) {
	c, _ := newTestClassifier(t)
	root := t.TempDir()
	writeSplit(t, filepath.Join(root, "train"), 2)
	writeSplit(t, filepath.Join(root, "val"), 1)

	assert.Equal(t, 4, c.BatchSize())
	history, err := c.Train(context.Background(), filepath.Join(root, "train"), filepath.Join(root, "val"), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, history.Len())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	c, bb := newTestClassifier(t)
	train, val := generators(t, c.cfg)
	_, err := c.Fit(context.Background(), train, val, 3)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "nested", "model.bin")
	require.NoError(t, c.Save(path))

	loaded := New(testConfig(), bb)
	require.NoError(t, loaded.Load(path))
	assert.Equal(t, c.opt.Step, loaded.opt.Step)
	assert.Equal(t, c.LR(), loaded.LR())

	for _, col := range classColours {
		want, err := c.Predict(context.Background(), solid(col))
		require.NoError(t, err)
		got, err := loaded.Predict(context.Background(), solid(col))
		require.NoError(t, err)
		assert.Equal(t, want.Label, got.Label)
		assert.InDelta(t, want.Confidence, got.Confidence, 1e-6)
	}

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestLoadErrors(t *testing.T) {
	c, bb := newTestClassifier(t)
	dir := t.TempDir()
	good := filepath.Join(dir, "good.bin")
	require.NoError(t, c.Save(good))
	data, err := os.ReadFile(good)
	require.NoError(t, err)

	write := func(name string, b []byte) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, b, 0o644))
		return p
	}
	flip := func(i int) []byte {
		b := append([]byte(nil), data...)
		b[i] ^= 0xff
		return b
	}

	tests := []struct {
		name string
		path string
		want error
	}{
		{"missing", filepath.Join(dir, "absent.bin"), ErrArtifactNotFound},
		{"empty", write("empty.bin", nil), ErrCorruptArtifact},
		{"truncated", write("truncated.bin", data[:len(data)/2]), ErrCorruptArtifact},
		{"bad magic", write("magic.bin", flip(0)), ErrCorruptArtifact},
		{"payload bit flip", write("flip.bin", flip(headerLen+5)), ErrCorruptArtifact},
		{"checksum bit flip", write("sum.bin", flip(len(data)-1)), ErrCorruptArtifact},
		{"version", write("version.bin", flip(11)), ErrIncompatibleArtifact},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fresh := New(testConfig(), bb)
			err := fresh.Load(tt.path)
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, fresh.Ready())
		})
	}

	assert.ErrorIs(t, New(testConfig(), bb).Load(filepath.Join(dir, "absent.bin")), os.ErrNotExist)
}

func TestLoadIncompatible(t *testing.T) {
	c, bb := newTestClassifier(t)
	path := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, c.Save(path))

	cfg := testConfig()
	cfg.Classes = []string{config.ClassCat, config.ClassDog}
	assert.ErrorIs(t, New(cfg, bb).Load(path), ErrIncompatibleArtifact)

	assert.ErrorIs(t, New(testConfig(), backbonetest.New(testSize*2)).Load(path), ErrIncompatibleArtifact)

	renamed := &namedBackbone{Backbone: bb, name: "other"}
	assert.ErrorIs(t, New(testConfig(), renamed).Load(path), ErrIncompatibleArtifact)

	wider := testConfig()
	wider.Model.DenseUnits = 32
	narrow := New(wider, bb)
	assert.ErrorIs(t, narrow.Load(path), ErrIncompatibleArtifact)
	assert.False(t, narrow.Ready())
}

// namedBackbone overrides Name.
type namedBackbone struct {
	backbone.Backbone
	name string
}

func (n *namedBackbone) Name() string { return n.name }

func TestFineTuneKeepsBackboneFrozen(t *testing.T) {
	cfg := testConfig()
	c, bb := newTestClassifier(t)
	train, val := generators(t, cfg)
	_, err := c.Fit(context.Background(), train, val, 2)
	require.NoError(t, err)

	batch := c.prep.Tensor(solid(classColours[config.ClassCat]))
	before, err := bb.Extract(context.Background(), batch, 1)
	require.NoError(t, err)
	w1 := append([]float32(nil), c.head.W1...)

	c.FineTune(cfg.Training.LearningRate / 10)
	assert.InDelta(t, cfg.Training.LearningRate/10, c.LR(), 1e-12)
	assert.Zero(t, c.opt.Step)

	_, err = c.Fit(context.Background(), train, val, 2)
	require.NoError(t, err)

	after, err := bb.Extract(context.Background(), batch, 1)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.NotEqual(t, w1, c.head.W1)
}

func TestCompileResetsOptimiser(t *testing.T) {
	c, _ := newTestClassifier(t)
	c.opt.Step = 7
	c.Compile(0.0001)
	assert.Equal(t, 0.0001, c.LR())
	assert.Equal(t, 0, c.opt.Step)
	assert.Nil(t, c.opt.M)
}

func TestTier(t *testing.T) {
	th := config.Default().Thresholds
	tests := []struct {
		confidence float64
		want       ConfidenceTier
	}{
		{0.99, TierHigh},
		{0.90, TierHigh},
		{0.8999, TierMedium},
		{0.70, TierMedium},
		{0.6999, TierLow},
		{0.50, TierLow},
		{0.34, TierLow},
		{0, TierLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Tier(tt.confidence, th), "confidence %v", tt.confidence)
	}

	custom := config.Thresholds{High: 0.6, Medium: 0.4}
	assert.Equal(t, TierHigh, Tier(0.6, custom))
	assert.Equal(t, TierMedium, Tier(0.5, custom))
	assert.Equal(t, TierLow, Tier(0.3999, custom))
}

func BenchmarkPredict(b *testing.B) {
	c := New(testConfig(), backbonetest.New(testSize))
	require.NoError(b, c.Create())
	img := solid(classColours[config.ClassDog])
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Predict(ctx, img); err != nil {
			b.Fatal(err)
		}
	}
}
