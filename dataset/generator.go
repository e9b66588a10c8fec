package dataset

import (
	"context"
	"math/rand"

	"github.com/nvr-ai/petclassifier/augment"
	"github.com/nvr-ai/petclassifier/config"
	"github.com/nvr-ai/petclassifier/images"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// GeneratorOptions configures a batch generator.
type GeneratorOptions struct {
	// ImageSize is the square model input resolution.
	ImageSize int
	// BatchSize is the number of samples per batch.
	BatchSize int
	// Shuffle reorders the samples at the start of every epoch.
	Shuffle bool
	// Augmentation enables random transforms. Nil means rescaling only.
	Augmentation *config.Augmentation
	// Seed seeds the shuffle and augmentation random sources.
	Seed int64
}

// Batch is one batch of prepared samples.
type Batch struct {
	// X holds N samples, NHWC, scaled to [0,1].
	X []float32
	// Y holds N one-hot label rows.
	Y []float32
	// Labels holds the N class indices.
	Labels []int
	// N is the number of samples in the batch.
	N int
}

// Generator yields batches of labelled images from a split directory.
type Generator struct {
	index   *Index
	opts    GeneratorOptions
	prep    *images.Preprocessor
	aug     *augment.Augmenter
	rng     *rand.Rand
	order   []int
	skipped map[string]bool
}

// NewGenerator scans dir and returns a generator over it.
//
// Arguments:
//   - dir: The split directory.
//   - classes: The class names in label order.
//   - opts: The generator options.
//
// Returns:
//   - *Generator: The generator.
//   - error: ErrNoClasses or ErrNoSamples for an unusable directory.
func NewGenerator(dir string, classes []string, opts GeneratorOptions) (*Generator, error) {
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.ImageSize <= 0 {
		return nil, errors.Errorf("image size must be positive, got %d", opts.ImageSize)
	}

	index, err := Scan(dir, classes)
	if err != nil {
		return nil, err
	}

	g := &Generator{
		index:   index,
		opts:    opts,
		prep:    images.NewPreprocessor(opts.ImageSize),
		rng:     rand.New(rand.NewSource(opts.Seed)),
		order:   make([]int, len(index.Samples)),
		skipped: make(map[string]bool),
	}
	if opts.Augmentation != nil {
		g.aug = augment.New(*opts.Augmentation, opts.ImageSize, opts.Seed+1)
	}
	for i := range g.order {
		g.order[i] = i
	}

	log.WithFields(log.Fields{
		"dir":     dir,
		"samples": len(index.Samples),
		"classes": len(index.Classes),
		"augment": g.aug != nil,
	}).Info("found images")

	return g, nil
}

// Len is the number of samples.
func (g *Generator) Len() int {
	return len(g.index.Samples)
}

// Steps is the number of batches per epoch.
func (g *Generator) Steps() int {
	return (g.Len() + g.opts.BatchSize - 1) / g.opts.BatchSize
}

// BatchSize is the configured batch size.
func (g *Generator) BatchSize() int {
	return g.opts.BatchSize
}

// ImageSize is the square sample resolution.
func (g *Generator) ImageSize() int {
	return g.opts.ImageSize
}

// Classes are the class names in label order.
func (g *Generator) Classes() []string {
	return g.index.Classes
}

// Counts is the number of samples per class.
func (g *Generator) Counts() map[string]int {
	return g.index.Counts
}

// Samples returns the labelled files in scan order.
func (g *Generator) Samples() []Sample {
	return g.index.Samples
}

// Epoch runs fn over every batch of one pass through the data.
//
// Shuffling generators reorder the samples first. Images that fail to decode
// are skipped with a warning, so a batch may hold fewer than BatchSize samples.
//
// Arguments:
//   - ctx: Cancels the pass between batches.
//   - fn: Called once per non-empty batch. The batch is only valid during the call.
//
// Returns:
//   - error: The first error from fn, or the context error.
func (g *Generator) Epoch(ctx context.Context, fn func(*Batch) error) error {
	if g.opts.Shuffle {
		g.rng.Shuffle(len(g.order), func(i, j int) {
			g.order[i], g.order[j] = g.order[j], g.order[i]
		})
	}

	sampleLen := g.prep.SampleLen()
	classes := len(g.index.Classes)
	batch := &Batch{
		X:      make([]float32, g.opts.BatchSize*sampleLen),
		Y:      make([]float32, g.opts.BatchSize*classes),
		Labels: make([]int, 0, g.opts.BatchSize),
	}

	for start := 0; start < len(g.order); start += g.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := start + g.opts.BatchSize
		if end > len(g.order) {
			end = len(g.order)
		}

		batch.N = 0
		batch.Labels = batch.Labels[:0]
		for i := range batch.Y {
			batch.Y[i] = 0
		}

		for _, idx := range g.order[start:end] {
			s := g.index.Samples[idx]
			if err := g.load(s, batch.X[batch.N*sampleLen:(batch.N+1)*sampleLen]); err != nil {
				if !g.skipped[s.Path] {
					log.WithError(err).WithField("path", s.Path).Warn("skipping unreadable image")
					g.skipped[s.Path] = true
				}
				continue
			}
			batch.Y[batch.N*classes+s.Label] = 1
			batch.Labels = append(batch.Labels, s.Label)
			batch.N++
		}

		if batch.N == 0 {
			continue
		}
		if err := fn(batch); err != nil {
			return err
		}
	}

	return nil
}

func (g *Generator) load(s Sample, dst []float32) error {
	img, err := images.DecodeFile(s.Path)
	if err != nil {
		return err
	}
	if g.aug != nil {
		_, err = g.aug.Augment(img.Pixels, dst)
		return err
	}
	return g.prep.Prepare(img.Pixels, dst)
}

// TrainGenerator returns the shuffled, augmented generator for a training split.
func TrainGenerator(cfg config.Config, dir string, batchSize int) (*Generator, error) {
	aug := cfg.Augmentation
	return NewGenerator(dir, cfg.Classes, GeneratorOptions{
		ImageSize:    cfg.Model.ImageSize,
		BatchSize:    batchSize,
		Shuffle:      true,
		Augmentation: &aug,
		Seed:         cfg.Training.Seed,
	})
}

// ValidationGenerator returns the ordered, rescale-only generator for a validation split.
func ValidationGenerator(cfg config.Config, dir string, batchSize int) (*Generator, error) {
	return NewGenerator(dir, cfg.Classes, GeneratorOptions{
		ImageSize: cfg.Model.ImageSize,
		BatchSize: batchSize,
		Seed:      cfg.Training.Seed,
	})
}
