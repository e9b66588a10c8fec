package serving

import (
	"context"
	"image"
	"os"
	"sync"
	"time"

	"github.com/nvr-ai/petclassifier/backbone"
	"github.com/nvr-ai/petclassifier/classifier"
	"github.com/nvr-ai/petclassifier/config"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Model state names.
const (
	StateUntrained   = "untrained"
	StateTrained     = "trained"
	StateCorrupt     = "corrupt"
	StateUnavailable = "unavailable"
)

// Outcome is a model answer before presentation.
type Outcome struct {
	Prediction classifier.Prediction
	Demo       bool
}

// ModelState is either Untrained or Trained.
type ModelState interface {
	State() string
	Classify(ctx context.Context, img image.Image) (Outcome, error)
}

// Untrained answers every request with the configured demo prediction.
type Untrained struct {
	Demo    config.Demo
	Classes []string
}

// State implements ModelState.
func (u Untrained) State() string { return StateUntrained }

// Classify implements ModelState.
func (u Untrained) Classify(_ context.Context, _ image.Image) (Outcome, error) {
	p := classifier.Prediction{
		Label:         u.Demo.Label,
		Confidence:    u.Demo.Confidence,
		Probabilities: make([]classifier.ClassProbability, len(u.Classes)),
	}
	for i, class := range u.Classes {
		prob := u.Demo.Remainder
		if class == u.Demo.Label {
			prob = u.Demo.Confidence
		}
		p.Probabilities[i] = classifier.ClassProbability{Class: class, Probability: prob}
	}
	return Outcome{Prediction: p, Demo: true}, nil
}

// Trained answers with a loaded classifier.
type Trained struct {
	Classifier *classifier.Classifier
}

// State implements ModelState.
func (t Trained) State() string { return StateTrained }

// Classify implements ModelState.
func (t Trained) Classify(ctx context.Context, img image.Image) (Outcome, error) {
	p, err := t.Classifier.Predict(ctx, img)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Prediction: p}, nil
}

// OpenBackbone creates the feature extractor on first use.
type OpenBackbone func() (backbone.Backbone, error)

// Models resolves the model state from the artifact on disk.
//
// A loaded classifier is reused until the artifact's modification time or size
// changes, so a retrain is picked up by the next request.
type Models struct {
	cfg  config.Config
	open OpenBackbone

	mu      sync.Mutex
	bb      backbone.Backbone
	trained *Trained
	modTime time.Time
	size    int64
}

// NewModels creates a resolver for cfg.Model.Path.
func NewModels(cfg config.Config, open OpenBackbone) *Models {
	return &Models{cfg: cfg, open: open}
}

// Current returns the state for the artifact as it is now.
//
// Returns:
//   - ModelState: Untrained when no artifact exists, Trained otherwise.
//   - error: ErrModelCorrupt when the artifact cannot be loaded, ErrModelUnavailable
//     when the backbone cannot be opened.
func (m *Models) Current() (ModelState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.cfg.Model.Path
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			m.trained = nil
			return Untrained{Demo: m.cfg.Demo, Classes: m.cfg.Classes}, nil
		}
		return nil, errors.Wrap(ErrInternal, err.Error())
	}

	if m.trained != nil && info.ModTime().Equal(m.modTime) && info.Size() == m.size {
		return *m.trained, nil
	}

	if m.bb == nil {
		bb, err := m.open()
		if err != nil {
			return nil, errors.Wrap(ErrModelUnavailable, err.Error())
		}
		m.bb = bb
	}

	clf := classifier.New(m.cfg, m.bb)
	if err := clf.Load(path); err != nil {
		m.trained = nil
		if errors.Is(err, classifier.ErrArtifactNotFound) {
			return Untrained{Demo: m.cfg.Demo, Classes: m.cfg.Classes}, nil
		}
		msg := "Model corrupted. Please retrain by running: " + m.cfg.Server.RetrainCommand
		return nil, errors.Wrap(ErrModelCorrupt.WithMessage(msg), err.Error())
	}

	m.trained = &Trained{Classifier: clf}
	m.modTime, m.size = info.ModTime(), info.Size()
	log.WithFields(log.Fields{"path": path, "size": m.size, "modified": m.modTime}).Info("serving trained model")
	return *m.trained, nil
}

// Close releases the backbone.
func (m *Models) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bb == nil {
		return nil
	}
	err := m.bb.Close()
	m.bb = nil
	m.trained = nil
	return err
}
