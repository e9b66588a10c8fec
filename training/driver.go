// Package training - Drivers that train, persist and evaluate the classifier.
//
// Run is the full two-phase schedule (head only, then fine-tuning at a lower
// learning rate). Quick is a single short fit for a usable model.
package training

import (
	"context"
	"path/filepath"
	"time"

	"github.com/nvr-ai/petclassifier/classifier"
	"github.com/nvr-ai/petclassifier/config"
	"github.com/nvr-ai/petclassifier/dataset"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Phase is the state of a training run.
type Phase int

const (
	// PhaseHeadOnly trains the head on the frozen backbone.
	PhaseHeadOnly Phase = iota
	// PhaseFineTune unfreezes the top of the backbone and trains at a lower rate.
	PhaseFineTune
	// PhaseDone persists and evaluates the model.
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseHeadOnly:
		return "head-only"
	case PhaseFineTune:
		return "fine-tune"
	case PhaseDone:
		return "done"
	}
	return "unknown"
}

// Report summarises a training run.
type Report struct {
	Mode           string             `json:"mode"`
	HeadEpochs     int                `json:"head_epochs"`
	FineTuneEpochs int                `json:"fine_tune_epochs"`
	Validation     classifier.Metrics `json:"validation"`
	TargetAccuracy float64            `json:"target_accuracy"`
	TargetMet      bool               `json:"target_met"`
	ModelPath      string             `json:"model_path"`
	HistoryPath    string             `json:"history_path,omitempty"`
	Duration       time.Duration      `json:"duration"`

	History *classifier.History `json:"-"`
}

// Fields returns the report as log fields.
func (r *Report) Fields() log.Fields {
	return log.Fields{
		"mode":         r.Mode,
		"head_epochs":  r.HeadEpochs,
		"fine_tune":    r.FineTuneEpochs,
		"val_loss":     r.Validation.Loss,
		"val_accuracy": r.Validation.Accuracy,
		"target":       r.TargetAccuracy,
		"target_met":   r.TargetMet,
		"model":        r.ModelPath,
		"took":         r.Duration.Round(time.Second),
	}
}

// Driver runs a training schedule against the dataset under cfg.Data.Root.
type Driver struct {
	cfg   config.Config
	clf   *classifier.Classifier
	dirs  dataset.Dirs
	phase Phase
}

// NewDriver creates a driver.
//
// Arguments:
//   - cfg: The configuration.
//   - clf: The classifier to train. Its model is replaced.
//
// Returns:
//   - *Driver: The driver.
func NewDriver(cfg config.Config, clf *classifier.Classifier) *Driver {
	return &Driver{
		cfg:  cfg,
		clf:  clf,
		dirs: dataset.Layout(cfg.Data.Root, cfg.Classes),
	}
}

// Phase is the current phase.
func (d *Driver) Phase() Phase {
	return d.phase
}

func (d *Driver) enter(p Phase) {
	d.phase = p
	log.WithField("phase", p).Info("training phase")
}

// Run trains the head, fine-tunes, then saves and evaluates the model.
//
// The target accuracy is only reported: the model is saved whether or not it
// reaches it.
//
// Arguments:
//   - ctx: Cancels training between batches.
//
// Returns:
//   - *Report: The run summary.
//   - error: An error if the data is unusable or a phase fails.
func (d *Driver) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	t := d.cfg.Training

	train, val, err := d.generators()
	if err != nil {
		return nil, err
	}
	if err := d.clf.Create(); err != nil {
		return nil, err
	}

	callbacks := []classifier.Callback{
		classifier.NewEarlyStopping(classifier.MetricValAccuracy, t.EarlyStoppingPatience, t.MinDelta, true),
		classifier.NewReduceLROnPlateau(classifier.MetricValLoss, t.ReduceLRFactor, t.ReduceLRPatience, t.MinLR),
		classifier.NewModelCheckpoint(d.cfg.Model.Path, classifier.MetricValAccuracy),
	}

	d.enter(PhaseHeadOnly)
	history, err := d.clf.Fit(ctx, train, val, t.Epochs, callbacks...)
	if err != nil {
		return nil, errors.Wrap(err, "train head")
	}
	report := &Report{Mode: "full", HeadEpochs: history.Len()}

	d.enter(PhaseFineTune)
	d.clf.FineTune(t.LearningRate / t.FineTuneLRDivisor)
	fine, err := d.clf.Fit(ctx, train, val, t.FineTuneEpochs, callbacks...)
	if err != nil {
		return nil, errors.Wrap(err, "fine-tune")
	}
	report.FineTuneEpochs = fine.Len()
	history.Merge(fine)
	report.History = history

	d.enter(PhaseDone)
	if err := d.finish(ctx, val, report); err != nil {
		return nil, err
	}

	report.HistoryPath = d.historyPath()
	if err := history.WriteJSON(report.HistoryPath); err != nil {
		return nil, err
	}

	report.Duration = time.Since(start)
	return report, nil
}

// Quick trains the head once with early stopping on the validation loss, then
// saves and evaluates the model.
func (d *Driver) Quick(ctx context.Context) (*Report, error) {
	start := time.Now()
	t := d.cfg.Training

	train, val, err := d.generators()
	if err != nil {
		return nil, err
	}
	if err := d.clf.Create(); err != nil {
		return nil, err
	}

	d.enter(PhaseHeadOnly)
	history, err := d.clf.Fit(ctx, train, val, t.Epochs,
		classifier.NewEarlyStopping(classifier.MetricValLoss, t.QuickPatience, 0, true),
	)
	if err != nil {
		return nil, errors.Wrap(err, "train head")
	}
	report := &Report{Mode: "quick", HeadEpochs: history.Len(), History: history}

	d.enter(PhaseDone)
	if err := d.finish(ctx, val, report); err != nil {
		return nil, err
	}

	report.Duration = time.Since(start)
	return report, nil
}

func (d *Driver) generators() (*dataset.Generator, *dataset.Generator, error) {
	for _, dir := range []string{d.dirs.Train, d.dirs.Val} {
		total, counts, err := dataset.Info(dir)
		if err != nil {
			return nil, nil, errors.Wrapf(dataset.ErrNoClasses, "%v", err)
		}
		log.WithFields(log.Fields{"dir": dir, "total": total, "classes": counts}).Info("dataset info")
	}

	batch := d.clf.BatchSize()
	train, err := dataset.TrainGenerator(d.cfg, d.dirs.Train, batch)
	if err != nil {
		return nil, nil, errors.Wrap(err, "training data")
	}
	val, err := dataset.ValidationGenerator(d.cfg, d.dirs.Val, batch)
	if err != nil {
		return nil, nil, errors.Wrap(err, "validation data")
	}
	return train, val, nil
}

// finish saves the model, evaluates it and checks the accuracy target.
func (d *Driver) finish(ctx context.Context, val *dataset.Generator, report *Report) error {
	if err := d.clf.Save(d.cfg.Model.Path); err != nil {
		return errors.Wrap(err, "save model")
	}
	report.ModelPath = d.cfg.Model.Path

	m, err := d.clf.Evaluate(ctx, val)
	if err != nil {
		return errors.Wrap(err, "evaluate")
	}
	report.Validation = m
	report.TargetAccuracy = d.cfg.Training.TargetAccuracy
	report.TargetMet = m.Accuracy >= report.TargetAccuracy

	entry := log.WithFields(log.Fields{"accuracy": m.Accuracy, "target": report.TargetAccuracy})
	if report.TargetMet {
		entry.Info("target accuracy reached")
	} else {
		entry.Warn("target accuracy not reached, consider more data or epochs")
	}
	return nil
}

// historyPath places a relative history path next to the model.
func (d *Driver) historyPath() string {
	p := d.cfg.Training.HistoryPath
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(d.cfg.Model.Path), p)
}
