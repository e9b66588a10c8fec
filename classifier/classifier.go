// Package classifier - The cat/dog/other model: a frozen backbone, a trainable
// dense head, its training loop and its persisted artifact.
package classifier

import (
	"context"
	"image"
	"math"
	"reflect"
	"time"

	"github.com/nvr-ai/petclassifier/backbone"
	"github.com/nvr-ai/petclassifier/config"
	"github.com/nvr-ai/petclassifier/dataset"
	"github.com/nvr-ai/petclassifier/device"
	"github.com/nvr-ai/petclassifier/images"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrNoModel is returned by operations that need a created or loaded model.
var ErrNoModel = errors.New("no model: create or load one first")

// Metrics are evaluation results.
type Metrics struct {
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
	Samples  int     `json:"samples"`
}

// ClassProbability is one entry of a prediction's distribution.
type ClassProbability struct {
	Class       string  `json:"class"`
	Probability float64 `json:"probability"`
}

// Prediction is the result of classifying one image.
type Prediction struct {
	Label         string             `json:"label"`
	Confidence    float64            `json:"confidence"`
	Probabilities []ClassProbability `json:"probabilities"`
}

// Classifier wraps a backbone and the head trained on top of it.
type Classifier struct {
	cfg      config.Config
	backbone backbone.Backbone
	prep     *images.Preprocessor
	head     *Head
	opt      *Adam
}

// New creates a classifier without a model. Call Create or Load before use.
//
// Arguments:
//   - cfg: The configuration.
//   - bb: The feature extractor. The classifier does not close it.
//
// Returns:
//   - *Classifier: The classifier.
func New(cfg config.Config, bb backbone.Backbone) *Classifier {
	return &Classifier{
		cfg:      cfg,
		backbone: bb,
		prep:     images.NewPreprocessor(bb.InputSize()),
	}
}

// Create builds a new head on the frozen backbone and compiles it with the
// configured learning rate. It replaces any held model.
func (c *Classifier) Create() error {
	if c.backbone.InputSize() != c.cfg.Model.ImageSize {
		return errors.Errorf("backbone input %d does not match image size %d", c.backbone.InputSize(), c.cfg.Model.ImageSize)
	}
	c.head = NewHead(c.backbone.FeatureDim(), c.cfg.Model.DenseUnits, len(c.cfg.Classes), c.cfg.Model.DropoutRate)
	c.Compile(c.cfg.Training.LearningRate)

	log.WithFields(log.Fields{
		"backbone": c.backbone.Name(),
		"features": c.head.In,
		"hidden":   c.head.Hidden,
		"classes":  c.head.Out,
		"dropout":  c.head.Dropout,
	}).Info("model created")
	return nil
}

// Compile replaces the optimiser with a fresh Adam at lr.
func (c *Classifier) Compile(lr float64) {
	c.opt = NewAdam(lr)
}

// Ready reports whether a model is held.
func (c *Classifier) Ready() bool {
	return c.head != nil
}

// Classes are the output labels in order.
func (c *Classifier) Classes() []string {
	return c.cfg.Classes
}

// LR is the current optimiser learning rate, or 0 without a model.
func (c *Classifier) LR() float64 {
	if c.opt == nil {
		return 0
	}
	return c.opt.LR
}

// BatchSize is the training batch size for the current device.
func (c *Classifier) BatchSize() int {
	if device.Current().HasGPU() {
		return c.cfg.Training.BatchSize
	}
	return c.cfg.Training.CPUBatchSize
}

// Train fits the held model on the split directories with early stopping and
// learning rate reduction on the validation loss.
//
// Arguments:
//   - ctx: Cancels training between batches.
//   - trainDir: The training split directory.
//   - valDir: The validation split directory.
//   - epochs: The maximum number of epochs.
//
// Returns:
//   - *History: The per-epoch metrics.
//   - error: dataset.ErrNoClasses or dataset.ErrNoSamples for unusable directories.
func (c *Classifier) Train(ctx context.Context, trainDir, valDir string, epochs int) (*History, error) {
	if !c.Ready() {
		return nil, ErrNoModel
	}
	batch := c.BatchSize()

	train, err := dataset.TrainGenerator(c.cfg, trainDir, batch)
	if err != nil {
		return nil, errors.Wrap(err, "training data")
	}
	val, err := dataset.ValidationGenerator(c.cfg, valDir, batch)
	if err != nil {
		return nil, errors.Wrap(err, "validation data")
	}

	t := c.cfg.Training
	return c.Fit(ctx, train, val, epochs,
		NewEarlyStopping(MetricValLoss, t.EarlyStoppingPatience, 0, true),
		NewReduceLROnPlateau(MetricValLoss, t.ReduceLRFactor, t.ReduceLRPatience, 0),
	)
}

// Fit trains the head for up to epochs passes over train.
//
// Arguments:
//   - ctx: Cancels training between batches.
//   - train: The training generator.
//   - val: The validation generator. Nil skips validation metrics.
//   - epochs: The maximum number of epochs.
//   - cbs: Callbacks run at the end of every epoch, in order.
//
// Returns:
//   - *History: The per-epoch metrics, including the epoch a callback stopped at.
//   - error: An error if the data does not match the model or a pass fails.
func (c *Classifier) Fit(ctx context.Context, train, val *dataset.Generator, epochs int, cbs ...Callback) (*History, error) {
	if !c.Ready() {
		return nil, ErrNoModel
	}
	if err := c.checkClasses(train); err != nil {
		return nil, err
	}
	if val != nil {
		if err := c.checkClasses(val); err != nil {
			return nil, err
		}
	}

	graph, err := newTrainGraph(c.head, train.BatchSize())
	if err != nil {
		return nil, errors.Wrap(err, "build training graph")
	}
	defer graph.close()

	state := &TrainState{c: c}
	history := &History{}
	for _, cb := range cbs {
		cb.OnTrainBegin(state)
	}

	for epoch := 0; epoch < epochs; epoch++ {
		start := time.Now()

		var lossSum float64
		var correct, seen int
		err := train.Epoch(ctx, func(b *dataset.Batch) error {
			features, err := c.backbone.Extract(ctx, b.X, b.N)
			if err != nil {
				return errors.Wrap(err, "extract features")
			}
			loss, ok, err := graph.step(features, b.Labels, b.N, c.opt)
			if err != nil {
				return err
			}
			lossSum += loss
			correct += ok
			seen += b.N
			return nil
		})
		if err != nil {
			return history, errors.Wrapf(err, "epoch %d", epoch+1)
		}
		if seen == 0 {
			return history, errors.Wrapf(dataset.ErrNoSamples, "epoch %d produced no readable samples", epoch+1)
		}

		logs := EpochLogs{
			Epoch:    epoch,
			Loss:     lossSum / float64(seen),
			Accuracy: float64(correct) / float64(seen),
			LR:       c.opt.LR,
		}
		if val != nil {
			m, err := c.Evaluate(ctx, val)
			if err != nil {
				return history, errors.Wrapf(err, "validate epoch %d", epoch+1)
			}
			logs.ValLoss, logs.ValAccuracy, logs.HasVal = m.Loss, m.Accuracy, true
		}
		history.Append(logs)

		log.WithFields(log.Fields{
			"epoch":        epoch + 1,
			"epochs":       epochs,
			"loss":         logs.Loss,
			"accuracy":     logs.Accuracy,
			"val_loss":     logs.ValLoss,
			"val_accuracy": logs.ValAccuracy,
			"lr":           logs.LR,
			"took":         time.Since(start).Round(time.Millisecond),
		}).Info("epoch complete")

		for _, cb := range cbs {
			if err := cb.OnEpochEnd(state, logs); err != nil {
				return history, err
			}
		}
		if state.Stopped() {
			break
		}
	}

	for _, cb := range cbs {
		cb.OnTrainEnd(state)
	}
	return history, nil
}

func (c *Classifier) checkClasses(g *dataset.Generator) error {
	if !reflect.DeepEqual(g.Classes(), c.cfg.Classes) {
		return errors.Errorf("generator classes %v do not match model classes %v", g.Classes(), c.cfg.Classes)
	}
	if g.ImageSize() != c.backbone.InputSize() {
		return errors.Errorf("generator image size %d does not match backbone input %d", g.ImageSize(), c.backbone.InputSize())
	}
	return nil
}

// Evaluate computes the mean cross-entropy and accuracy over one pass of gen.
func (c *Classifier) Evaluate(ctx context.Context, gen *dataset.Generator) (Metrics, error) {
	if !c.Ready() {
		return Metrics{}, ErrNoModel
	}

	var m Metrics
	var lossSum float64
	correct := 0
	err := gen.Epoch(ctx, func(b *dataset.Batch) error {
		features, err := c.backbone.Extract(ctx, b.X, b.N)
		if err != nil {
			return errors.Wrap(err, "extract features")
		}
		probs := c.head.Forward(features, b.N)
		for r := 0; r < b.N; r++ {
			row := probs[r*c.head.Out : (r+1)*c.head.Out]
			lossSum += crossEntropy(row, b.Labels[r])
			if argmax(row) == b.Labels[r] {
				correct++
			}
		}
		m.Samples += b.N
		return nil
	})
	if err != nil {
		return Metrics{}, err
	}
	if m.Samples == 0 {
		return Metrics{}, dataset.ErrNoSamples
	}

	m.Loss = lossSum / float64(m.Samples)
	m.Accuracy = float64(correct) / float64(m.Samples)
	return m, nil
}

// Predict classifies one image. It is deterministic: no dropout, no augmentation.
//
// Arguments:
//   - ctx: Cancels the backbone pass.
//   - img: The image in any colour model and size.
//
// Returns:
//   - Prediction: The label, its probability and the full distribution.
//   - error: ErrNoModel or a backbone error.
func (c *Classifier) Predict(ctx context.Context, img image.Image) (Prediction, error) {
	if !c.Ready() {
		return Prediction{}, ErrNoModel
	}
	if img == nil {
		return Prediction{}, errors.New("nil image")
	}

	features, err := c.backbone.Extract(ctx, c.prep.Tensor(img), 1)
	if err != nil {
		return Prediction{}, errors.Wrap(err, "extract features")
	}
	probs := c.head.Forward(features, 1)

	best := argmax(probs)
	p := Prediction{
		Label:         c.cfg.Classes[best],
		Confidence:    float64(probs[best]),
		Probabilities: make([]ClassProbability, len(probs)),
	}
	for i, v := range probs {
		p.Probabilities[i] = ClassProbability{Class: c.cfg.Classes[i], Probability: float64(v)}
	}
	return p, nil
}

// PredictFile decodes and classifies an image file.
func (c *Classifier) PredictFile(ctx context.Context, path string) (Prediction, error) {
	img, err := images.DecodeFile(path)
	if err != nil {
		return Prediction{}, err
	}
	return c.Predict(ctx, img.Pixels)
}

// FineTune starts the low learning rate phase. The backbone stays frozen and
// later fits keep updating the head only, with a fresh optimiser at lr.
func (c *Classifier) FineTune(lr float64) {
	log.WithFields(log.Fields{
		"backbone": c.backbone.Name(),
		"layers":   c.backbone.Layers(),
		"lr":       lr,
	}).Info("fine-tuning the head, backbone frozen")
	c.Compile(lr)
}

func crossEntropy(probs []float32, label int) float64 {
	return -math.Log(math.Max(float64(probs[label]), epsilon))
}
