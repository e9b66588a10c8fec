package classifier

import (
	"math"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Monitored metric names.
const (
	MetricLoss        = "loss"
	MetricAccuracy    = "accuracy"
	MetricValLoss     = "val_loss"
	MetricValAccuracy = "val_accuracy"
)

// Mode selects whether a monitored metric improves upwards or downwards.
type Mode int

const (
	// ModeAuto infers the direction from the metric name.
	ModeAuto Mode = iota
	// ModeMin improves when the metric decreases.
	ModeMin
	// ModeMax improves when the metric increases.
	ModeMax
)

func (m Mode) resolve(monitor string) Mode {
	if m != ModeAuto {
		return m
	}
	if monitor == MetricAccuracy || monitor == MetricValAccuracy {
		return ModeMax
	}
	return ModeMin
}

// TrainState is the view of a running fit handed to callbacks.
type TrainState struct {
	c    *Classifier
	stop bool
}

// Stop ends the fit after the current epoch.
func (s *TrainState) Stop() { s.stop = true }

// Stopped reports whether a callback asked to stop.
func (s *TrainState) Stopped() bool { return s.stop }

// LR is the optimiser learning rate.
func (s *TrainState) LR() float64 { return s.c.opt.LR }

// SetLR changes the optimiser learning rate.
func (s *TrainState) SetLR(lr float64) { s.c.opt.LR = lr }

// Snapshot copies the head weights.
func (s *TrainState) Snapshot() *Head { return s.c.head.Clone() }

// Restore overwrites the head weights with a snapshot.
func (s *TrainState) Restore(h *Head) { s.c.head.CopyFrom(h) }

// Save writes the model artifact.
func (s *TrainState) Save(path string) error { return s.c.Save(path) }

// Callback hooks into Fit.
type Callback interface {
	OnTrainBegin(s *TrainState)
	OnEpochEnd(s *TrainState, logs EpochLogs) error
	OnTrainEnd(s *TrainState)
}

// EarlyStopping stops a fit when the monitored metric stops improving.
type EarlyStopping struct {
	Monitor  string
	Patience int
	MinDelta float64
	Mode     Mode
	// RestoreBestWeights puts back the best weights seen when the fit stops early.
	RestoreBestWeights bool

	best        float64
	wait        int
	bestWeights *Head
	bestEpoch   int
	// StoppedEpoch is the zero-based epoch the fit stopped at, or -1.
	StoppedEpoch int
}

// NewEarlyStopping creates an early stopping callback.
func NewEarlyStopping(monitor string, patience int, minDelta float64, restoreBest bool) *EarlyStopping {
	return &EarlyStopping{
		Monitor:            monitor,
		Patience:           patience,
		MinDelta:           math.Abs(minDelta),
		RestoreBestWeights: restoreBest,
		StoppedEpoch:       -1,
	}
}

// OnTrainBegin implements Callback.
func (e *EarlyStopping) OnTrainBegin(_ *TrainState) {
	e.wait = 0
	e.bestWeights = nil
	e.bestEpoch = 0
	e.StoppedEpoch = -1
	if e.Mode.resolve(e.Monitor) == ModeMax {
		e.best = math.Inf(-1)
	} else {
		e.best = math.Inf(1)
	}
}

// OnEpochEnd implements Callback.
func (e *EarlyStopping) OnEpochEnd(s *TrainState, logs EpochLogs) error {
	current, ok := logs.Get(e.Monitor)
	if !ok {
		log.WithField("monitor", e.Monitor).Warn("early stopping metric is not available")
		return nil
	}
	if e.RestoreBestWeights && e.bestWeights == nil {
		e.bestWeights = s.Snapshot()
	}

	e.wait++
	if improved(e.Mode.resolve(e.Monitor), current, e.best, e.MinDelta) {
		e.best = current
		e.bestEpoch = logs.Epoch
		if e.RestoreBestWeights {
			e.bestWeights = s.Snapshot()
		}
		e.wait = 0
		return nil
	}

	if e.wait >= e.Patience && logs.Epoch > 0 {
		e.StoppedEpoch = logs.Epoch
		s.Stop()
		if e.RestoreBestWeights && e.bestWeights != nil {
			log.WithField("epoch", e.bestEpoch+1).Info("restoring model weights from the end of the best epoch")
			s.Restore(e.bestWeights)
		}
	}
	return nil
}

// OnTrainEnd implements Callback.
func (e *EarlyStopping) OnTrainEnd(_ *TrainState) {
	if e.StoppedEpoch >= 0 {
		log.WithField("epoch", e.StoppedEpoch+1).Info("early stopping")
	}
}

// ReduceLROnPlateau multiplies the learning rate by Factor when the monitored
// metric has not improved for Patience epochs.
type ReduceLROnPlateau struct {
	Monitor  string
	Factor   float64
	Patience int
	MinDelta float64
	MinLR    float64
	Mode     Mode

	best float64
	wait int
}

// NewReduceLROnPlateau creates a plateau scheduler with the default min delta of 1e-4.
func NewReduceLROnPlateau(monitor string, factor float64, patience int, minLR float64) *ReduceLROnPlateau {
	return &ReduceLROnPlateau{
		Monitor:  monitor,
		Factor:   factor,
		Patience: patience,
		MinDelta: 1e-4,
		MinLR:    minLR,
	}
}

// OnTrainBegin implements Callback.
func (r *ReduceLROnPlateau) OnTrainBegin(_ *TrainState) {
	r.wait = 0
	if r.Mode.resolve(r.Monitor) == ModeMax {
		r.best = math.Inf(-1)
	} else {
		r.best = math.Inf(1)
	}
}

// OnEpochEnd implements Callback.
func (r *ReduceLROnPlateau) OnEpochEnd(s *TrainState, logs EpochLogs) error {
	if r.Factor >= 1 {
		return errors.Errorf("reduce lr factor must be below 1, got %v", r.Factor)
	}
	current, ok := logs.Get(r.Monitor)
	if !ok {
		log.WithField("monitor", r.Monitor).Warn("plateau metric is not available")
		return nil
	}

	if improved(r.Mode.resolve(r.Monitor), current, r.best, r.MinDelta) {
		r.best = current
		r.wait = 0
		return nil
	}

	r.wait++
	if r.wait >= r.Patience {
		old := s.LR()
		if old > r.MinLR {
			lr := math.Max(old*r.Factor, r.MinLR)
			s.SetLR(lr)
			log.WithFields(log.Fields{"epoch": logs.Epoch + 1, "lr": lr}).Info("reducing learning rate")
		}
		r.wait = 0
	}
	return nil
}

// OnTrainEnd implements Callback.
func (r *ReduceLROnPlateau) OnTrainEnd(_ *TrainState) {}

// ModelCheckpoint saves the artifact at the end of an epoch.
//
// With SaveBestOnly it saves only when the monitored metric reaches a new best.
// The best value persists across fits, so a checkpoint shared by two training
// phases only saves when the second phase beats the first.
type ModelCheckpoint struct {
	Path         string
	Monitor      string
	Mode         Mode
	SaveBestOnly bool

	best  float64
	ready bool
	// Saved counts the artifacts written.
	Saved int
}

// NewModelCheckpoint creates a save-best-only checkpoint.
func NewModelCheckpoint(path, monitor string) *ModelCheckpoint {
	return &ModelCheckpoint{Path: path, Monitor: monitor, SaveBestOnly: true}
}

// OnTrainBegin implements Callback.
func (m *ModelCheckpoint) OnTrainBegin(_ *TrainState) {
	if m.ready {
		return
	}
	m.ready = true
	if m.Mode.resolve(m.Monitor) == ModeMax {
		m.best = math.Inf(-1)
	} else {
		m.best = math.Inf(1)
	}
}

// OnEpochEnd implements Callback.
func (m *ModelCheckpoint) OnEpochEnd(s *TrainState, logs EpochLogs) error {
	current, ok := logs.Get(m.Monitor)
	if !ok {
		log.WithField("monitor", m.Monitor).Warn("checkpoint metric is not available")
		return nil
	}
	better := improved(m.Mode.resolve(m.Monitor), current, m.best, 0)
	if m.SaveBestOnly && !better {
		return nil
	}

	log.WithFields(log.Fields{
		"epoch":   logs.Epoch + 1,
		"monitor": m.Monitor,
		"from":    m.best,
		"to":      current,
		"path":    m.Path,
	}).Info("saving model")
	if better {
		m.best = current
	}
	if err := s.Save(m.Path); err != nil {
		return errors.Wrap(err, "checkpoint")
	}
	m.Saved++
	return nil
}

// OnTrainEnd implements Callback.
func (m *ModelCheckpoint) OnTrainEnd(_ *TrainState) {}

// Best is the best monitored value seen so far.
func (m *ModelCheckpoint) Best() float64 { return m.best }

func improved(mode Mode, current, best, delta float64) bool {
	if mode == ModeMax {
		return current-delta > best
	}
	return current+delta < best
}
